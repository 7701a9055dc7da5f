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

// Package flashcrypt performs the one time, in place encryption of every
// protected flash region.
//
// The flash encryption counter fuse records the state in the parity of its
// set bits: an even count means the flash holds plaintext, an odd count
// means the pass completed and the cache decrypts every read. The counter
// is flipped only once every region has been rewritten.
//
// *WARNING*: an interrupted pass cannot be resumed, the regions before the
// failure are encrypted while the counter still reports plaintext.
package flashcrypt

import (
	"errors"
	"fmt"
	"io"
	"math/bits"
	"sort"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-secureboot/binimage"
	"github.com/transparency-dev/armored-secureboot/efuse"
	"github.com/transparency-dev/armored-secureboot/flash"
	"github.com/transparency-dev/armored-secureboot/partition"
)

// cryptConfig tweaks the flash key with every address bit.
const cryptConfig = 0xf

// Result is the outcome of a successful Run.
type Result int

const (
	// Done means every region was encrypted by this Run.
	Done Result = iota + 1
	// AlreadyDone means the counter reported encrypted flash and nothing
	// was touched.
	AlreadyDone
)

func (r Result) String() string {
	switch r {
	case Done:
		return "done"
	case AlreadyDone:
		return "already done"
	}

	return fmt.Sprintf("Result(%d)", int(r))
}

var (
	ErrEncryptionFailed = errors.New("flash encryption failed")
	ErrCounterExhausted = errors.New("flash encryption counter exhausted")
	ErrRegionOverlap    = errors.New("flash regions overlap")
)

// EncryptionError records the region and sector where a pass was aborted.
type EncryptionError struct {
	Region string
	Sector uint32
	Err    error
}

func (e *EncryptionError) Error() string {
	return fmt.Sprintf("%v: region %s sector %d: %v", ErrEncryptionFailed, e.Region, e.Sector, e.Err)
}

func (e *EncryptionError) Unwrap() []error {
	return []error{ErrEncryptionFailed, e.Err}
}

// Parity returns 1 when count has an odd number of bits set, 0 otherwise.
func Parity(count uint32) int {
	return bits.OnesCount32(count) % 2
}

// NextCount returns count with its lowest clear bit set, flipping its
// parity. A width bit counter with every bit set is exhausted.
func NextCount(count uint32, width uint) (uint32, error) {
	next := count | (count + 1)

	if width < 32 && next>>width != 0 {
		return 0, ErrCounterExhausted
	}

	if width >= 32 && count == ^uint32(0) {
		return 0, ErrCounterExhausted
	}

	return next, nil
}

// Region is a sector aligned flash range to encrypt.
type Region struct {
	Name   string
	Offset uint32
	Size   uint32
}

func (r Region) sectors() uint32 {
	return r.Size / flash.SectorSize
}

func sectorAlign(n uint32) uint32 {
	return (n + flash.SectorSize - 1) &^ (flash.SectorSize - 1)
}

// Engine encrypts the regions of a parsed partition table.
type Engine struct {
	Flash *flash.Flash
	Fuses *efuse.Bank
	// Layout locates the fuse fields, efuse.ESP32 when zero.
	Layout efuse.Layout
	State  *partition.BootloaderState
	// RNG generates the flash encryption key when its key block is blank.
	RNG io.Reader

	// Progress, when set, is called after each encrypted sector.
	Progress func(done int, total int)
}

func (e *Engine) layout() efuse.Layout {
	if e.Layout == (efuse.Layout{}) {
		return efuse.ESP32
	}

	return e.Layout
}

func (e *Engine) image(name string, off uint32, max uint32) (Region, error) {
	n, err := binimage.Length(e.Flash.ReaderAt(false), off, max)

	if err != nil {
		return Region{}, fmt.Errorf("%s: %w", name, err)
	}

	klog.V(2).Infof("flashcrypt: %s image @ %#x is %#x bytes", name, off, n)

	return Region{Name: name, Offset: off, Size: sectorAlign(n)}, nil
}

// Plan returns the regions to encrypt, in encryption order: the secure
// boot IV and digest sector, the bootloader, the partition table, the
// factory, test and OTA applications and finally the OTA selection data.
//
// Application sizes are sniffed from their image headers. Plan reads flash
// and never modifies it.
func (e *Engine) Plan() ([]Region, error) {
	s := e.State

	if s == nil {
		return nil, errors.New("flashcrypt: missing partition state")
	}

	regions := []Region{
		{Name: "iv", Offset: 0, Size: flash.SectorSize},
	}

	bl, err := e.image("bootloader", s.Bootloader.Offset, s.Bootloader.Size)

	if err != nil {
		return nil, err
	}

	regions = append(regions, bl, Region{
		Name:   "partition-table",
		Offset: s.Table.Offset,
		Size:   sectorAlign(s.Table.Size),
	})

	for _, app := range s.Apps() {
		r, err := e.image(app.Name(), app.Offset, app.Size)

		if err != nil {
			return nil, err
		}

		regions = append(regions, r)
	}

	if s.OTAInfo.Present() {
		regions = append(regions, Region{
			Name:   s.OTAInfo.Name(),
			Offset: s.OTAInfo.Offset,
			Size:   sectorAlign(min(s.OTAInfo.Size, partition.OTADataSectors*flash.SectorSize)),
		})
	}

	if err := checkLayout(regions, e.Flash.Size()); err != nil {
		return nil, err
	}

	return regions, nil
}

func checkLayout(regions []Region, size uint32) error {
	sorted := append([]Region{}, regions...)

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})

	for i, r := range sorted {
		if r.Offset%flash.SectorSize != 0 {
			return fmt.Errorf("%w: region %s @ %#x not sector aligned", flash.ErrInvalidArg, r.Name, r.Offset)
		}

		if uint64(r.Offset)+uint64(r.Size) > uint64(size) {
			return fmt.Errorf("%w: region %s past end of flash", flash.ErrInvalidArg, r.Name)
		}

		if i > 0 && sorted[i-1].Offset+sorted[i-1].Size > r.Offset {
			return fmt.Errorf("%w: %s and %s", ErrRegionOverlap, sorted[i-1].Name, r.Name)
		}
	}

	return nil
}

// encrypt rewrites a single sector through the encryption engine.
func (e *Engine) encrypt(r Region, addr uint32, buf []byte) error {
	fail := func(err error) error {
		return &EncryptionError{Region: r.Name, Sector: addr / flash.SectorSize, Err: err}
	}

	if err := e.Flash.Read(addr, buf, false); err != nil {
		return fail(err)
	}

	if err := e.Flash.EraseSector(addr / flash.SectorSize); err != nil {
		return fail(err)
	}

	if err := e.Flash.Write(addr, buf, true); err != nil {
		return fail(err)
	}

	return nil
}

// Run encrypts every region in Plan order, unless the flash encryption
// counter already reports encrypted flash.
//
// All image lengths are sniffed and the flash encryption key provisioned
// before the first sector is erased. On success the counter is flipped to
// odd parity together with the flash key tweak configuration and the UART
// download mode restrictions, in a single burn.
func (e *Engine) Run() (Result, error) {
	if e.Flash == nil || e.Fuses == nil {
		return 0, errors.New("flashcrypt: missing flash or fuses")
	}

	l := e.layout()

	// read once, never again during the pass
	count := e.Fuses.Read(l.FlashCryptCnt)

	if Parity(count) == 1 {
		klog.Infof("flashcrypt: flash encryption already done (%s = %#x)", l.FlashCryptCnt, count)
		return AlreadyDone, nil
	}

	next, err := NextCount(count, l.FlashCryptCnt.Width)

	if err != nil {
		return 0, err
	}

	regions, err := e.Plan()

	if err != nil {
		return 0, err
	}

	state, err := e.Fuses.ProvisionKey(l.FlashKey, e.RNG)

	if err != nil {
		return 0, err
	}

	klog.Infof("flashcrypt: using %s flash encryption key", state)

	var total, done int

	for _, r := range regions {
		total += int(r.sectors())
	}

	buf := make([]byte, flash.SectorSize)

	for _, r := range regions {
		klog.Infof("flashcrypt: encrypting %s @ %#x (%d sectors)", r.Name, r.Offset, r.sectors())

		for i := uint32(0); i < r.sectors(); i++ {
			if err = e.encrypt(r, r.Offset+i*flash.SectorSize, buf); err != nil {
				return 0, err
			}

			done++

			if e.Progress != nil {
				e.Progress(done, total)
			}
		}
	}

	klog.Infof("flashcrypt: all regions encrypted, setting %s to %#x", l.FlashCryptCnt, next)

	e.Fuses.Stage(l.FlashCryptCnt, next)
	e.Fuses.Stage(l.FlashCryptConfig, cryptConfig)
	e.Fuses.Stage(l.DisableDownloadEncrypt, 1)
	e.Fuses.Stage(l.DisableDownloadDecrypt, 1)
	e.Fuses.Stage(l.DisableDownloadCache, 1)

	if err = e.Fuses.Burn(); err != nil {
		return 0, err
	}

	if Parity(e.Fuses.Read(l.FlashCryptCnt)) != 1 {
		klog.Warningf("flashcrypt: %s parity did not flip", l.FlashCryptCnt)
	}

	return Done, nil
}
