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
//go:build tamago && arm && debug
// +build tamago,arm,debug

package main

import (
	"fmt"
	"log"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"
	"github.com/usbarmory/tamago/soc/nxp/usdhc"
)

const (
	// fakeCardBlockSize is the number of bytes in a single memory block.
	fakeCardBlockSize = int64(expectedBlockSize)
	// fakeCardNumBlocks covers the fuse array and the flash window.
	fakeCardNumBlocks = int64(flashBlock + flashSize/expectedBlockSize)
)

// storage returns the internal eMMC when running on real hardware, or a fake
// in-memory card under emulation.
func storage() Card {
	if imx6ul.Native {
		return usbarmory.MMC
	}

	return newFakeCard(fakeCardNumBlocks)
}

// fakeCard is an in-memory block device, blocks are allocated on first
// write so that the flash window only costs RAM once programmed.
type fakeCard struct {
	info usdhc.CardInfo
	mem  map[int64][]byte
}

func newFakeCard(numBlocks int64) *fakeCard {
	return &fakeCard{
		mem: make(map[int64][]byte),
		info: usdhc.CardInfo{
			BlockSize: int(fakeCardBlockSize),
			Blocks:    int(numBlocks),
		},
	}
}

// Read returns size bytes at offset, unwritten blocks read as erased.
func (fc *fakeCard) Read(offset int64, size int64) ([]byte, error) {
	l := fakeCardNumBlocks * fakeCardBlockSize

	switch {
	case offset%fakeCardBlockSize != 0:
		return nil, fmt.Errorf("non sector-aligned read at %d", offset)
	case offset < 0 || offset+size > l:
		return nil, fmt.Errorf("read %d+%d past end of storage (%d)", offset, size, l)
	}

	r := make([]byte, size)
	base := offset / fakeCardBlockSize

	for i, rem := int64(0), size; rem > 0; i, rem = i+1, rem-fakeCardBlockSize {
		b, ok := fc.mem[base+i]

		if !ok {
			b = erased
		}

		copy(r[i*fakeCardBlockSize:], b)
	}

	return r, nil
}

var erased = func() []byte {
	b := make([]byte, fakeCardBlockSize)
	for i := range b {
		b[i] = 0xff
	}
	return b
}()

func (fc *fakeCard) WriteBlocks(lba int, b []byte) error {
	if l := fakeCardNumBlocks; lba < 0 || int64(lba)+(int64(len(b))+fakeCardBlockSize-1)/fakeCardBlockSize > l {
		return fmt.Errorf("write at lba %d exceeds device blocks (%d)", lba, l)
	}

	for i, rem := int64(0), int64(len(b)); rem > 0; i, rem = i+1, rem-fakeCardBlockSize {
		buf := make([]byte, fakeCardBlockSize)
		copy(buf, b[i*fakeCardBlockSize:])
		fc.mem[int64(lba)+i] = buf
	}

	return nil
}

func (fc *fakeCard) Info() usdhc.CardInfo {
	return fc.info
}

func (fc *fakeCard) Detect() error {
	log.Println("using fake MMC storage")
	return nil
}
