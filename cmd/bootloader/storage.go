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
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/usbarmory/tamago/soc/nxp/usdhc"

	"github.com/transparency-dev/armored-secureboot/flash"
)

const (
	expectedBlockSize = 512 // Expected size of MMC block in bytes
	// flashBlock is the first MMC block of the flash window.
	flashBlock = 0x4000
	// flashSize is the size of the flash window.
	flashSize = 4 << 20
)

var errUnsupported = errors.New("unsupported on MMC")

// Card mostly mirrors the public API of the usdhc.Card struct, allowing
// substitutions for testing.
type Card interface {
	// Read reads size bytes at offset from the underlying storage.
	Read(offset int64, size int64) ([]byte, error)
	// WriteBlocks writes data at sector lba onwards on the underlying storage.
	WriteBlocks(lba int, data []byte) error
	// Info returns information about the underlying storage.
	Info() usdhc.CardInfo
	// Detect causes the underlying storage to probe itself.
	Detect() error
}

// mmcFlash presents a window of the MMC as the boot flash, with NOR
// programming semantics and the flash cipher applied on encrypted writes
// and, when the fuses enable it, on cache loads.
type mmcFlash struct {
	card   Card
	cipher *flashCipher
	fuses  *otpFuses

	enabled bool
	pages   [flash.MMUPages]int64

	// last decrypted cache line
	line     []byte
	lineAddr int64
}

func newMMCFlash(card Card, cipher *flashCipher, fuses *otpFuses) (*mmcFlash, error) {
	blockSize := card.Info().BlockSize
	if blockSize != expectedBlockSize {
		return nil, fmt.Errorf("h/w invariant error - expected MMC blocksize %d, found %d", expectedBlockSize, blockSize)
	}

	if uint64(card.Info().Blocks) < flashBlock+flashSize/expectedBlockSize {
		return nil, fmt.Errorf("MMC too small for flash window (%d blocks)", card.Info().Blocks)
	}

	m := &mmcFlash{
		card:     card,
		cipher:   cipher,
		fuses:    fuses,
		lineAddr: -1,
	}
	m.Flush()

	return m, nil
}

func (m *mmcFlash) Size() uint32 {
	return flashSize
}

func (m *mmcFlash) Read(addr uint32, p []byte) error {
	buf, err := m.card.Read(flashBlock*expectedBlockSize+int64(addr), int64(len(p)))

	if err != nil {
		return err
	}

	copy(p, buf)

	return nil
}

// program ANDs p into the MMC blocks covering [addr, addr+len(p)).
func (m *mmcFlash) program(addr uint32, p []byte, erase bool) error {
	start := addr / expectedBlockSize * expectedBlockSize
	end := (addr + uint32(len(p)) + expectedBlockSize - 1) / expectedBlockSize * expectedBlockSize

	buf := make([]byte, end-start)

	if err := m.Read(start, buf); err != nil {
		return err
	}

	off := addr - start

	for i, b := range p {
		if erase {
			buf[off+uint32(i)] = b
		} else {
			buf[off+uint32(i)] &= b
		}
	}

	m.lineAddr = -1

	return m.card.WriteBlocks(flashBlock+int(start/expectedBlockSize), buf)
}

func (m *mmcFlash) Write(addr uint32, p []byte) error {
	return m.program(addr, p, false)
}

func (m *mmcFlash) WriteEncrypted(addr uint32, p []byte) error {
	buf := append([]byte{}, p...)

	if err := m.cipher.encrypt(buf, addr); err != nil {
		return err
	}

	return m.program(addr, buf, false)
}

func (m *mmcFlash) erase(addr uint32, size uint32) error {
	ff := make([]byte, size)

	for i := range ff {
		ff[i] = 0xff
	}

	return m.program(addr, ff, true)
}

func (m *mmcFlash) EraseSector(sector uint32) error {
	return m.erase(sector*flash.SectorSize, flash.SectorSize)
}

func (m *mmcFlash) EraseBlock(block uint32) error {
	return m.erase(block*flash.BlockSize, flash.BlockSize)
}

// Unlock is a no-op, the MMC has no write protection register.
func (m *mmcFlash) Unlock() error {
	return nil
}

func (m *mmcFlash) Command(opcode byte, out []byte, in []byte) error {
	return fmt.Errorf("opcode %#02x: %w", opcode, errUnsupported)
}

func (m *mmcFlash) Busy() bool {
	return false
}

func (m *mmcFlash) Disable() {
	m.enabled = false
}

func (m *mmcFlash) Enable() {
	m.enabled = true
}

func (m *mmcFlash) Flush() {
	for i := range m.pages {
		m.pages[i] = -1
	}

	m.lineAddr = -1
}

func (m *mmcFlash) Map(vpage uint32, page uint32, count uint32) error {
	if m.enabled {
		return errors.New("cache enabled")
	}

	if vpage+count > flash.MMUPages || (page+count)*flash.PageSize > flashSize {
		return fmt.Errorf("%w: mapping %d pages", flash.ErrInvalidArg, count)
	}

	for i := uint32(0); i < count; i++ {
		m.pages[vpage+i] = int64(page + i)
	}

	return nil
}

// Load returns a word through the cache, decrypting the enclosing cipher
// unit when flash encryption is enabled.
func (m *mmcFlash) Load(vaddr uint32) uint32 {
	page := m.pages[vaddr/flash.PageSize]

	if !m.enabled || page < 0 {
		panic(fmt.Sprintf("cache load @ %#x on unmapped page", vaddr))
	}

	addr := page*flash.PageSize + int64(vaddr%flash.PageSize)
	unit := addr &^ (flash.CryptAlign - 1)

	if m.lineAddr != unit {
		line := make([]byte, flash.CryptAlign)

		if err := m.Read(uint32(unit), line); err != nil {
			panic(fmt.Sprintf("cache load @ %#x, %v", addr, err))
		}

		if m.fuses.FlashCryptEnabled() {
			if err := m.cipher.decrypt(line, uint32(unit)); err != nil {
				panic(fmt.Sprintf("cache decrypt @ %#x, %v", addr, err))
			}
		}

		m.line = line
		m.lineAddr = unit
	}

	return binary.LittleEndian.Uint32(m.line[addr-unit:])
}
