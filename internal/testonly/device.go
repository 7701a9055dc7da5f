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

package testonly

import (
	"io"
	"math/rand"
	"testing"

	"github.com/transparency-dev/armored-secureboot/binimage"
	"github.com/transparency-dev/armored-secureboot/partition"
	"github.com/transparency-dev/armored-secureboot/sim"
)

// FlashSize is the size of the flash of devices returned by NewDevice.
const FlashSize = 4 << 20

// BootloaderSize is the segment data size of the fixture bootloader.
const BootloaderSize = 0x2000

// Factory is a partition table with a single factory application.
var Factory = []partition.Entry{
	{Kind: partition.App, Subtype: partition.SubtypeFactory, Offset: 0x10000, Size: 0x100000, Label: "factory"},
}

// App returns an image with a single segment holding n bytes derived from
// seed.
func App(t *testing.T, n int, seed int64) []byte {
	t.Helper()

	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)

	img, err := binimage.Build(binimage.Header{Entry: 0x40080000}, []binimage.Segment{{Addr: 0x40080000, Data: data}})
	if err != nil {
		t.Fatalf("Failed to build image: %v", err)
	}
	return img
}

// RNG returns a deterministic random source.
func RNG(seed int64) io.Reader {
	return rand.New(rand.NewSource(seed))
}

// NewDevice returns a device holding a bootloader, the partition table
// built from entries and an appSize bytes image in each application
// partition.
func NewDevice(t *testing.T, entries []partition.Entry, appSize int) *sim.Device {
	t.Helper()

	d := sim.NewDevice(FlashSize)
	d.Flash.Program(partition.BootloaderOffset, App(t, BootloaderSize, 1))

	table, err := partition.BuildTable(entries, true)
	if err != nil {
		t.Fatalf("Failed to build partition table: %v", err)
	}
	d.Flash.Program(partition.TableOffset, table)

	for i, e := range entries {
		if e.Kind == partition.App {
			d.Flash.Program(e.Offset, App(t, appSize, int64(i+2)))
		}
	}

	return d
}
