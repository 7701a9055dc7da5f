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

// Package flash implements alignment checked access to the boot flash
// through the ROM flash primitives.
//
// Two access modes are supported: plaintext access straight to the medium,
// and hardware decrypted reads through the cache/MMU window. The window is a
// single shared hardware resource: it is either used for decrypted reads or
// held by one memory mapped View at a time.
package flash

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"k8s.io/klog/v2"
)

const (
	// SectorSize is the flash erase unit.
	SectorSize = 0x1000
	// BlockSize is the large erase unit.
	BlockSize = 0x10000
	// PageSize is the size of a cache/MMU page.
	PageSize = 0x10000
	// MMUPages is the number of virtual pages in the cache window.
	MMUPages = 64

	// WordAlign is the alignment of plaintext transfers.
	WordAlign = 4
	// CryptAlign is the alignment of transfers through the encryption
	// engine, which operates on fixed size blocks.
	CryptAlign = 32
)

const (
	// readPage is reserved for decrypted reads, the pages below it are
	// available to Mmap.
	readPage = MMUPages - 1
	// noBlock marks the decrypted read page as unmapped.
	noBlock = ^uint32(0)
	// commandPolls bounds the busy wait on raw bus commands, no timer is
	// available this early.
	commandPolls = 1 << 20
)

// Medium represents the ROM flash primitives operating on the physical
// chip. All addresses are physical flash offsets.
//
// Implementations must be comparable (e.g. pointer types), as Open claims
// each Medium for exclusive use.
type Medium interface {
	// Size returns the flash size in bytes.
	Size() uint32
	// Read copies len(p) bytes at addr into p, without decryption.
	Read(addr uint32, p []byte) error
	// Write programs p at addr, without encryption.
	Write(addr uint32, p []byte) error
	// WriteEncrypted programs p at addr through the encryption engine.
	WriteEncrypted(addr uint32, p []byte) error
	// EraseSector erases a single SectorSize sector.
	EraseSector(sector uint32) error
	// EraseBlock erases a single BlockSize block.
	EraseBlock(block uint32) error
	// Unlock clears the chip write protection.
	Unlock() error
	// Command starts a raw bus transaction, the response is copied to in
	// once Busy returns false.
	Command(opcode byte, out []byte, in []byte) error
	// Busy reports whether a raw bus transaction is in progress.
	Busy() bool
}

// MMU represents the cache unit mapping flash pages into the CPU address
// space. Loads through the cache return decrypted data when flash
// encryption is active.
type MMU interface {
	// Disable stops the flash cache.
	Disable()
	// Enable restarts the flash cache.
	Enable()
	// Flush invalidates all page mappings.
	Flush()
	// Map points count virtual pages, starting at vpage, to count
	// physical flash pages starting at page.
	Map(vpage uint32, page uint32, count uint32) error
	// Load returns the word at the virtual window offset vaddr.
	Load(vaddr uint32) uint32
}

var (
	claimMu sync.Mutex
	claimed = make(map[Medium]bool)
)

// Flash is the exclusive access handle to a flash medium and its cache
// window.
type Flash struct {
	medium Medium
	mmu    MMU

	// view is the active memory mapping, if any.
	view *View
	// readBlock is the flash page currently mapped in readPage.
	readBlock uint32
}

// Open claims the medium and its cache window, only a single handle may
// exist for a given medium until Close is called.
func Open(m Medium, mmu MMU) (*Flash, error) {
	if m == nil || mmu == nil {
		return nil, fmt.Errorf("%w: missing medium or MMU", ErrInvalidArg)
	}

	claimMu.Lock()
	defer claimMu.Unlock()

	if claimed[m] {
		return nil, ErrInUse
	}

	claimed[m] = true

	return &Flash{
		medium:    m,
		mmu:       mmu,
		readBlock: noBlock,
	}, nil
}

// Close releases any active mapping and the medium claim.
func (f *Flash) Close() {
	if f.view != nil {
		f.Munmap(f.view)
	}

	claimMu.Lock()
	defer claimMu.Unlock()

	delete(claimed, f.medium)
}

// Size returns the flash size in bytes.
func (f *Flash) Size() uint32 {
	return f.medium.Size()
}

func (f *Flash) check(op string, addr uint32, n int, align uint32) error {
	if addr%align != 0 || uint32(n)%align != 0 {
		return &AlignmentError{Op: op, Addr: addr, Len: n, Align: align}
	}

	if end := uint64(addr) + uint64(n); end > uint64(f.medium.Size()) {
		return fmt.Errorf("%w: %s [%#x, %#x) past end of flash (%#x)", ErrInvalidArg, op, addr, end, f.medium.Size())
	}

	return nil
}

// Read reads len(p) bytes at src.
//
// Plaintext reads require 4 byte alignment of src and len(p). Decrypted
// reads go through the cache window, which decrypts transparently when
// flash encryption is active, and require CryptAlign alignment.
func (f *Flash) Read(src uint32, p []byte, decrypt bool) error {
	align := uint32(WordAlign)

	if decrypt {
		align = CryptAlign
	}

	if err := f.check("read", src, len(p), align); err != nil {
		return err
	}

	if len(p) == 0 {
		return nil
	}

	if decrypt {
		return f.readDecrypted(src, p)
	}

	if err := f.medium.Read(src, p); err != nil {
		return &OpError{Op: "read", Addr: src, Err: err}
	}

	return nil
}

// readDecrypted reads words through readPage, remapping it only when the
// read crosses into a different flash page.
func (f *Flash) readDecrypted(src uint32, p []byte) error {
	if f.view != nil {
		return ErrAlreadyMapped
	}

	for off := 0; off < len(p); off += WordAlign {
		addr := src + uint32(off)

		if block := addr / PageSize; block != f.readBlock {
			klog.V(2).Infof("flash: remapping read window to page %d", block)

			f.mmu.Disable()

			if err := f.mmu.Map(readPage, block, 1); err != nil {
				f.readBlock = noBlock
				return &OpError{Op: "read", Addr: addr, Err: err}
			}

			f.mmu.Enable()
			f.readBlock = block
		}

		w := f.mmu.Load(readPage*PageSize + addr%PageSize)
		binary.LittleEndian.PutUint32(p[off:], w)
	}

	return nil
}

// Write programs p at dest. The chip write protection is always cleared
// first.
//
// Plaintext writes require 4 byte alignment of dest and len(p), encrypted
// writes require CryptAlign alignment. Misaligned requests are rejected
// without any hardware transaction.
func (f *Flash) Write(dest uint32, p []byte, encrypt bool) (err error) {
	align := uint32(WordAlign)

	if encrypt {
		align = CryptAlign
	}

	if err = f.check("write", dest, len(p), align); err != nil {
		return
	}

	if len(p) == 0 {
		return
	}

	if err = f.medium.Unlock(); err != nil {
		return &OpError{Op: "unlock", Addr: dest, Err: err}
	}

	if encrypt {
		err = f.medium.WriteEncrypted(dest, p)
	} else {
		err = f.medium.Write(dest, p)
	}

	if err != nil {
		return &OpError{Op: "write", Addr: dest, Err: err}
	}

	return
}

// EraseSector erases a single sector.
func (f *Flash) EraseSector(sector uint32) error {
	if (uint64(sector)+1)*SectorSize > uint64(f.medium.Size()) {
		return fmt.Errorf("%w: sector %d past end of flash", ErrInvalidArg, sector)
	}

	if err := f.medium.Unlock(); err != nil {
		return &OpError{Op: "unlock", Addr: sector * SectorSize, Err: err}
	}

	if err := f.medium.EraseSector(sector); err != nil {
		return &OpError{Op: "erase", Addr: sector * SectorSize, Err: err}
	}

	return nil
}

// EraseRange erases [start, start+size) using the largest aligned block
// erases possible and sector erases for the remainder.
//
// The start address must be sector aligned (ErrInvalidArg) and size must be
// a sector multiple (ErrInvalidSize).
func (f *Flash) EraseRange(start uint32, size uint32) error {
	if start%SectorSize != 0 {
		return fmt.Errorf("%w: erase start %#x not sector aligned", ErrInvalidArg, start)
	}

	if size%SectorSize != 0 {
		return fmt.Errorf("%w: erase size %#x not a sector multiple", ErrInvalidSize, size)
	}

	if uint64(start)+uint64(size) > uint64(f.medium.Size()) {
		return fmt.Errorf("%w: erase [%#x, %#x) past end of flash", ErrInvalidArg, start, uint64(start)+uint64(size))
	}

	if size == 0 {
		return nil
	}

	if err := f.medium.Unlock(); err != nil {
		return &OpError{Op: "unlock", Addr: start, Err: err}
	}

	for size > 0 {
		var err error

		if start%BlockSize == 0 && size >= BlockSize {
			if err = f.medium.EraseBlock(start / BlockSize); err != nil {
				return &OpError{Op: "erase", Addr: start, Err: err}
			}

			start += BlockSize
			size -= BlockSize

			continue
		}

		if err = f.medium.EraseSector(start / SectorSize); err != nil {
			return &OpError{Op: "erase", Addr: start, Err: err}
		}

		start += SectorSize
		size -= SectorSize
	}

	return nil
}

// Command is a raw bus transaction.
type Command struct {
	// Opcode is the command byte.
	Opcode byte
	// Out holds the bytes sent after the opcode.
	Out []byte
	// In receives the response bytes.
	In []byte
}

// ExecuteRawCommand issues a raw bus transaction (e.g. vendor specific
// write protection modes) and busy waits for its completion.
func (f *Flash) ExecuteRawCommand(cmd *Command) error {
	if cmd == nil {
		return ErrInvalidArg
	}

	if err := f.medium.Command(cmd.Opcode, cmd.Out, cmd.In); err != nil {
		return &OpError{Op: fmt.Sprintf("command %#02x", cmd.Opcode), Err: err}
	}

	for i := 0; f.medium.Busy(); i++ {
		if i >= commandPolls {
			return &OpError{Op: fmt.Sprintf("command %#02x", cmd.Opcode), Err: ErrOpTimeout}
		}
	}

	return nil
}

// ReaderAt returns an io.ReaderAt over the flash contents, reading the
// aligned span enclosing each request so that callers need not care about
// the alignment of the selected access mode.
func (f *Flash) ReaderAt(decrypt bool) io.ReaderAt {
	return &readerAt{f: f, decrypt: decrypt}
}

type readerAt struct {
	f       *Flash
	decrypt bool
}

func (r *readerAt) ReadAt(p []byte, off int64) (n int, err error) {
	size := int64(r.f.Size())

	if off < 0 {
		return 0, ErrInvalidArg
	}

	if off >= size {
		return 0, io.EOF
	}

	align := int64(WordAlign)

	if r.decrypt {
		align = CryptAlign
	}

	start := off &^ (align - 1)
	end := (off + int64(len(p)) + align - 1) &^ (align - 1)

	if end > size {
		end = size
	}

	buf := make([]byte, end-start)

	if err = r.f.Read(uint32(start), buf, r.decrypt); err != nil {
		return
	}

	if n = copy(p, buf[off-start:]); n < len(p) {
		err = io.EOF
	}

	return
}
