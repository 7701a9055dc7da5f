// Copyright 2024 The Armored Secure Boot authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//go:build tamago && arm
// +build tamago,arm

package main

import (
	_ "unsafe"
)

const (
	// bootloader runtime
	ramStart = 0x80000000
	ramSize  = 0x10000000 // 256MB

	// application load region
	appStart = 0x90000000
	appSize  = 0x10000000 // 256MB
)

//go:linkname runtimeStart runtime.ramStart
var runtimeStart uint32 = ramStart

//go:linkname runtimeSize runtime.ramSize
var runtimeSize uint32 = ramSize
