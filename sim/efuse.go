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

package sim

import (
	"encoding/binary"
	"math/bits"

	"github.com/transparency-dev/armored-secureboot/efuse"
)

const (
	blocks = efuse.ESP32Blocks
	words  = efuse.ESP32Words
)

// protection is a write disable bit and the BLK0 bits (or whole block) it
// protects.
type protection struct {
	bit   uint
	block int
	word  int
	mask  uint32
}

// ESP32 write disable assignments.
var writeProtections = []protection{
	{bit: 0, block: 0, word: 0, mask: 0x000f0000},  // RD_DIS
	{bit: 1, block: 0, word: 0, mask: 0x0000ffff},  // WR_DIS
	{bit: 2, block: 0, word: 0, mask: 0x07f00000},  // FLASH_CRYPT_CNT
	{bit: 7, block: 1, word: -1, mask: ^uint32(0)}, // BLK1
	{bit: 8, block: 2, word: -1, mask: ^uint32(0)}, // BLK2
	{bit: 9, block: 3, word: -1, mask: ^uint32(0)}, // BLK3
	{bit: 10, block: 0, word: 5, mask: 0xf0000000}, // FLASH_CRYPT_CONFIG
	{bit: 12, block: 0, word: 6, mask: 1 << 4},     // ABS_DONE_0
	{bit: 13, block: 0, word: 6, mask: 1 << 5},     // ABS_DONE_1
	{bit: 14, block: 0, word: 6, mask: 1 << 6},     // JTAG_DISABLE
	{bit: 15, block: 0, word: 6, mask: 0x0000038c}, // CONSOLE_DEBUG_DISABLE, DISABLE_DL_*
}

// EFuse simulates the ESP32 fuse controller: four blocks of eight words,
// write disable bits masking programming and read disable bits hiding the
// key blocks from the read registers.
type EFuse struct {
	cells [blocks][words]uint32
	read  [blocks][words]uint32
	prog  [blocks][words]uint32

	mode    efuse.Mode
	pending int

	// Latency is the number of Busy polls each command takes.
	Latency int
	// Stuck makes every command run forever.
	Stuck bool
	// Ignore drops programming of the given bits of each block and word,
	// emulating fuses that do not take.
	Ignore [blocks][words]uint32

	// Programs counts effective program commands.
	Programs int
}

// NewEFuse returns a controller with every fuse blank.
func NewEFuse() *EFuse {
	return &EFuse{mode: efuse.ModeRead}
}

func (e *EFuse) ReadWord(block int, word int) uint32 {
	return e.read[block][word]
}

func (e *EFuse) WriteWord(block int, word int, val uint32) {
	e.prog[block][word] = val
}

func (e *EFuse) SetMode(m efuse.Mode) {
	e.mode = m
}

func (e *EFuse) writeDisabled(block int, word int) (mask uint32) {
	wrDis := e.cells[0][0] & 0xffff

	for _, p := range writeProtections {
		if wrDis&(1<<p.bit) == 0 || p.block != block {
			continue
		}

		if p.word < 0 || p.word == word {
			mask |= p.mask
		}
	}

	return
}

func (e *EFuse) readDisabled(block int) bool {
	if block == 0 {
		return false
	}

	return e.cells[0][0]&(1<<(15+block)) != 0
}

func (e *EFuse) Command(cmd efuse.Cmd) {
	e.pending = e.Latency

	switch cmd {
	case efuse.CmdProgram:
		// timing must be configured for programming
		if e.mode != efuse.ModeProgram {
			return
		}

		var mask [blocks][words]uint32

		for b := range e.cells {
			for w := range e.cells[b] {
				mask[b][w] = e.writeDisabled(b, w) | e.Ignore[b][w]
			}
		}

		for b := range e.cells {
			for w := range e.cells[b] {
				e.cells[b][w] |= e.prog[b][w] &^ mask[b][w]
			}
		}

		e.Programs++
	case efuse.CmdRead:
		e.refresh()
	}
}

func (e *EFuse) Busy() bool {
	if e.Stuck {
		return true
	}

	if e.pending > 0 {
		e.pending--
		return true
	}

	return false
}

func (e *EFuse) refresh() {
	for b := range e.cells {
		if e.readDisabled(b) {
			e.read[b] = [words]uint32{}
			continue
		}

		e.read[b] = e.cells[b]
	}
}

// Cell returns the programmed value of a fuse word, ignoring read
// protection.
func (e *EFuse) Cell(block int, word int) uint32 {
	return e.cells[block][word]
}

// SetCell programs a fuse word directly, for factory state setup.
func (e *EFuse) SetCell(block int, word int, val uint32) {
	e.cells[block][word] |= val
	e.refresh()
}

// key returns a key block as seen by the hardware crypto engines.
func (e *EFuse) key(block int) []byte {
	buf := make([]byte, words*4)

	for w := 0; w < words; w++ {
		binary.LittleEndian.PutUint32(buf[w*4:], e.cells[block][w])
	}

	return buf
}

// FlashCryptEnabled reports whether the cache decrypts flash reads, which
// is the case when FLASH_CRYPT_CNT has an odd number of bits set.
func (e *EFuse) FlashCryptEnabled() bool {
	return bits.OnesCount32(e.cells[0][0]>>20&0x7f)%2 == 1
}

// SecureBootEnabled reports whether the ROM verifies the bootloader digest.
func (e *EFuse) SecureBootEnabled() bool {
	return e.cells[0][6]&(1<<4) != 0
}
