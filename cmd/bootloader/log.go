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
	"bytes"
	"os"
)

var buf bytes.Buffer

const (
	outputLimit = 1024
	flushChr    = 0x0a // \n
)

func bufferedStdoutLog(c byte) (err error) {
	buf.WriteByte(c)

	if c == flushChr || buf.Len() > outputLimit {
		_, err = os.Stdout.Write(buf.Bytes())
		buf.Reset()
	}

	return
}

// console is the log output, flushed to the serial console line by line.
type console struct{}

func (console) Write(p []byte) (int, error) {
	for i, c := range p {
		if err := bufferedStdoutLog(c); err != nil {
			return i, err
		}
	}

	return len(p), nil
}
