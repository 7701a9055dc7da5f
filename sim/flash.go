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
	"bytes"
	"crypto/aes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/xts"

	"github.com/transparency-dev/armored-secureboot/flash"
)

const (
	sectorSize = flash.SectorSize
	cryptBlock = flash.CryptAlign
	unmapped   = -1
)

// SPI flash commands understood by Command.
const (
	CmdWriteStatus = 0x01
	CmdReadStatus  = 0x05
	CmdReadID      = 0x9f
)

// statusProtect are the block protect bits of the status register.
const statusProtect = 0x1c

// JEDEC identifier reported by CmdReadID.
var jedecID = []byte{0xef, 0x40, 0x16}

// Stats counts the transactions issued to a simulated flash.
type Stats struct {
	Reads           int
	Writes          int
	EncryptedWrites int
	SectorErases    int
	BlockErases     int
	Unlocks         int
	Commands        int
	Maps            int
}

// Flash simulates a NOR flash chip together with the cache window mapping
// it into the CPU address space.
//
// Rather than allocating the whole chip, it uses a map internally to
// associate sector contents with sector numbers, absent sectors read as
// erased.
type Flash struct {
	size uint32
	mem  map[uint32][]byte
	keys *EFuse

	xts    *xts.Cipher
	xtsKey []byte

	status  byte
	pending int

	enabled bool
	pages   [flash.MMUPages]int64

	// Latency is the number of Busy polls each raw command takes.
	Latency int
	// Fail, when set, is called before every medium transaction and aborts
	// it when returning an error.
	Fail func(op string, addr uint32) error

	Stats Stats
}

// NewFlash returns an erased, write protected flash chip encrypting with
// the key held in fuses.
func NewFlash(size uint32, fuses *EFuse) *Flash {
	f := &Flash{
		size:   size,
		mem:    make(map[uint32][]byte),
		keys:   fuses,
		status: statusProtect,
	}

	for i := range f.pages {
		f.pages[i] = unmapped
	}

	return f
}

func (f *Flash) Size() uint32 {
	return f.size
}

func (f *Flash) fail(op string, addr uint32, n int) error {
	if uint64(addr)+uint64(n) > uint64(f.size) {
		return fmt.Errorf("%w: %s [%#x, %#x) past end of chip", flash.ErrOpFailed, op, addr, uint64(addr)+uint64(n))
	}

	if f.Fail != nil {
		return f.Fail(op, addr)
	}

	return nil
}

func (f *Flash) sector(addr uint32, alloc bool) []byte {
	n := addr / sectorSize

	if s, ok := f.mem[n]; ok || !alloc {
		return s
	}

	s := bytes.Repeat([]byte{0xff}, sectorSize)
	f.mem[n] = s

	return s
}

// raw copies flash contents without any transaction accounting.
func (f *Flash) raw(addr uint32, p []byte) {
	for i := range p {
		a := addr + uint32(i)

		if s := f.sector(a, false); s != nil {
			p[i] = s[a%sectorSize]
		} else {
			p[i] = 0xff
		}
	}
}

// program clears bits, as NOR cells can only be set by an erase.
func (f *Flash) program(addr uint32, p []byte) {
	for i, b := range p {
		a := addr + uint32(i)
		f.sector(a, true)[a%sectorSize] &= b
	}
}

func (f *Flash) Read(addr uint32, p []byte) error {
	if err := f.fail("read", addr, len(p)); err != nil {
		return err
	}

	f.Stats.Reads++
	f.raw(addr, p)

	return nil
}

func (f *Flash) locked() error {
	if f.status&statusProtect != 0 {
		return fmt.Errorf("%w: chip write protected", flash.ErrOpFailed)
	}

	return nil
}

func (f *Flash) Write(addr uint32, p []byte) error {
	if err := f.fail("write", addr, len(p)); err != nil {
		return err
	}

	if err := f.locked(); err != nil {
		return err
	}

	f.Stats.Writes++
	f.program(addr, p)

	return nil
}

func (f *Flash) WriteEncrypted(addr uint32, p []byte) error {
	if err := f.fail("write", addr, len(p)); err != nil {
		return err
	}

	if err := f.locked(); err != nil {
		return err
	}

	if addr%cryptBlock != 0 || len(p)%cryptBlock != 0 {
		return fmt.Errorf("%w: unaligned encrypted write", flash.ErrOpFailed)
	}

	c, err := f.cipher()

	if err != nil {
		return err
	}

	buf := make([]byte, len(p))

	for off := 0; off < len(p); off += cryptBlock {
		c.Encrypt(buf[off:off+cryptBlock], p[off:off+cryptBlock], uint64(addr+uint32(off))/cryptBlock)
	}

	f.Stats.EncryptedWrites++
	f.program(addr, buf)

	return nil
}

func (f *Flash) EraseSector(sector uint32) error {
	if err := f.fail("erase", sector*sectorSize, sectorSize); err != nil {
		return err
	}

	if err := f.locked(); err != nil {
		return err
	}

	f.Stats.SectorErases++
	delete(f.mem, sector)

	return nil
}

func (f *Flash) EraseBlock(block uint32) error {
	if err := f.fail("erase", block*flash.BlockSize, flash.BlockSize); err != nil {
		return err
	}

	if err := f.locked(); err != nil {
		return err
	}

	f.Stats.BlockErases++

	for i := uint32(0); i < flash.BlockSize/sectorSize; i++ {
		delete(f.mem, block*flash.BlockSize/sectorSize+i)
	}

	return nil
}

func (f *Flash) Unlock() error {
	if err := f.fail("unlock", 0, 0); err != nil {
		return err
	}

	f.Stats.Unlocks++
	f.status &^= statusProtect

	return nil
}

func (f *Flash) Command(opcode byte, out []byte, in []byte) error {
	if err := f.fail("command", 0, 0); err != nil {
		return err
	}

	f.Stats.Commands++

	switch opcode {
	case CmdReadStatus:
		if len(in) > 0 {
			in[0] = f.status
		}
	case CmdWriteStatus:
		if len(out) == 0 {
			return fmt.Errorf("%w: missing status value", flash.ErrOpFailed)
		}

		f.status = out[0]
	case CmdReadID:
		copy(in, jedecID)
	default:
		return fmt.Errorf("%w: unsupported command %#02x", flash.ErrOpFailed, opcode)
	}

	f.pending = f.Latency

	return nil
}

func (f *Flash) Busy() bool {
	if f.pending > 0 {
		f.pending--
		return true
	}

	return false
}

// cipher returns the XTS cipher derived from the flash encryption key block.
func (f *Flash) cipher() (c *xts.Cipher, err error) {
	ikm := f.keys.key(1)

	if f.xts != nil && bytes.Equal(ikm, f.xtsKey) {
		return f.xts, nil
	}

	key := make([]byte, 64)

	r := hkdf.New(sha256.New, ikm, nil, []byte("flash encryption"))

	if _, err = io.ReadFull(r, key); err != nil {
		return
	}

	if c, err = xts.NewCipher(aes.NewCipher, key); err != nil {
		return
	}

	f.xts = c
	f.xtsKey = ikm

	return
}

// Disable stops the cache.
func (f *Flash) Disable() {
	f.enabled = false
}

// Enable restarts the cache.
func (f *Flash) Enable() {
	f.enabled = true
}

// Flush invalidates every page mapping.
func (f *Flash) Flush() {
	for i := range f.pages {
		f.pages[i] = unmapped
	}
}

// Map points virtual pages to flash pages.
func (f *Flash) Map(vpage uint32, page uint32, count uint32) error {
	if uint64(vpage)+uint64(count) > flash.MMUPages {
		return fmt.Errorf("%w: virtual pages [%d, %d) out of range", flash.ErrOpFailed, vpage, vpage+count)
	}

	if uint64(page)+uint64(count) > (uint64(f.size)+flash.PageSize-1)/flash.PageSize {
		return fmt.Errorf("%w: flash pages [%d, %d) out of range", flash.ErrOpFailed, page, page+count)
	}

	f.Stats.Maps++

	for i := uint32(0); i < count; i++ {
		f.pages[vpage+i] = int64(page + i)
	}

	return nil
}

// Load returns a word through the cache, decrypting it when flash
// encryption is enabled in fuses. Loads with the cache disabled or through
// an unmapped page fault.
func (f *Flash) Load(vaddr uint32) uint32 {
	if !f.enabled {
		panic(fmt.Sprintf("sim: cache load at %#x while disabled", vaddr))
	}

	page := f.pages[vaddr/flash.PageSize]

	if page == unmapped {
		panic(fmt.Sprintf("sim: cache load at %#x through unmapped page", vaddr))
	}

	addr := uint32(page)*flash.PageSize + vaddr%flash.PageSize
	block := make([]byte, cryptBlock)
	base := addr &^ (cryptBlock - 1)

	f.ReadDecrypted(base, block)

	return binary.LittleEndian.Uint32(block[addr-base:])
}

// ReadDecrypted copies flash contents as the cache would return them: run
// through the flash decryption when enabled in fuses, raw otherwise.
func (f *Flash) ReadDecrypted(addr uint32, p []byte) {
	if !f.keys.FlashCryptEnabled() {
		f.raw(addr, p)
		return
	}

	c, err := f.cipher()

	if err != nil {
		panic(err)
	}

	base := addr &^ (cryptBlock - 1)
	end := (addr + uint32(len(p)) + cryptBlock - 1) &^ (cryptBlock - 1)
	buf := make([]byte, end-base)

	f.raw(base, buf)

	for off := 0; off < len(buf); off += cryptBlock {
		c.Decrypt(buf[off:off+cryptBlock], buf[off:off+cryptBlock], uint64(base+uint32(off))/cryptBlock)
	}

	copy(p, buf[addr-base:])
}

// Raw returns a copy of flash contents as stored on the chip.
func (f *Flash) Raw(addr uint32, n int) []byte {
	p := make([]byte, n)
	f.raw(addr, p)

	return p
}

// Program stores p at addr with no transaction accounting or write
// protection, for factory state setup.
func (f *Flash) Program(addr uint32, p []byte) {
	f.program(addr, p)
}
