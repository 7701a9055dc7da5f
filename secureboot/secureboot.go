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

// Package secureboot provisions the secure boot key, stores the bootloader
// digest and permanently enables its verification by the ROM.
//
// *WARNING*: enabling secure boot is irreversible, once enabled the ROM
// refuses to start any bootloader not matching the stored digest.
package secureboot

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-secureboot/binimage"
	"github.com/transparency-dev/armored-secureboot/efuse"
	"github.com/transparency-dev/armored-secureboot/flash"
	"github.com/transparency-dev/armored-secureboot/flashcrypt"
	"github.com/transparency-dev/armored-secureboot/partition"
)

// Flash layout of the secure boot data, within the first sector.
const (
	IVOffset     = 0x0
	IVSize       = 128
	DigestOffset = 0x80
	// MaxDigestSize is the room left for the digest in the first sector.
	MaxDigestSize = flash.SectorSize - DigestOffset
)

// Result is the outcome of a successful Run.
type Result int

const (
	// Enabled means secure boot was enabled by this Run.
	Enabled Result = iota + 1
	// AlreadyEnabled means the enable fuse was found set and nothing was
	// touched.
	AlreadyEnabled
)

func (r Result) String() string {
	switch r {
	case Enabled:
		return "enabled"
	case AlreadyEnabled:
		return "already enabled"
	}

	return fmt.Sprintf("Result(%d)", int(r))
}

var ErrFuseWriteIneffective = errors.New("fuse write ineffective")

// FuseWriteError reports a fuse field found clear after being burned.
type FuseWriteError struct {
	Field string
}

func (e *FuseWriteError) Error() string {
	return fmt.Sprintf("%s: %v", e.Field, ErrFuseWriteIneffective)
}

func (e *FuseWriteError) Unwrap() error {
	return ErrFuseWriteIneffective
}

// Digester represents the hardware digest engine keyed by the secure boot
// key, which software never reads.
type Digester interface {
	// BlockSize returns the chunk size accepted by Start and Feed.
	BlockSize() int
	// Start begins a digest computation seeded with iv.
	Start(iv []byte) error
	// Feed adds a chunk of image data.
	Feed(chunk []byte) error
	// Finish returns the digest.
	Finish() ([]byte, error)
}

// Generate computes the digest of size bytes of image at off, read from r.
// The image is fed in BlockSize chunks, the last one padded with 0xff.
func Generate(d Digester, iv []byte, r io.ReaderAt, off uint32, size uint32) ([]byte, error) {
	bs := d.BlockSize()

	if bs <= 0 {
		return nil, fmt.Errorf("invalid digest block size %d", bs)
	}

	if err := d.Start(iv); err != nil {
		return nil, err
	}

	chunk := make([]byte, bs)

	for pos := uint32(0); pos < size; pos += uint32(bs) {
		n := min(uint32(bs), size-pos)

		if _, err := r.ReadAt(chunk[:n], int64(off+pos)); err != nil {
			return nil, fmt.Errorf("could not read image @ %#x, %w", off+pos, err)
		}

		copy(chunk[n:], bytes.Repeat([]byte{0xff}, bs-int(n)))

		if err := d.Feed(chunk); err != nil {
			return nil, err
		}
	}

	return d.Finish()
}

// Engine enables secure boot over the second stage bootloader.
type Engine struct {
	Flash *flash.Flash
	Fuses *efuse.Bank
	// Layout locates the fuse fields, efuse.ESP32 when zero.
	Layout efuse.Layout
	Digest Digester
	// RNG generates the IV and, when its key block is blank, the secure
	// boot key.
	RNG io.Reader

	// AllowDebug keeps JTAG enabled, by default it is disabled together
	// with enabling secure boot.
	AllowDebug bool
}

func (e *Engine) layout() efuse.Layout {
	if e.Layout == (efuse.Layout{}) {
		return efuse.ESP32
	}

	return e.Layout
}

// store writes the IV and digest to the first sector, through the
// encryption engine when flash encryption is active so that the ROM reads
// them back as written.
func (e *Engine) store(iv []byte, digest []byte, encrypt bool) error {
	if err := e.Flash.EraseSector(IVOffset / flash.SectorSize); err != nil {
		return err
	}

	if err := e.Flash.Write(IVOffset, iv, encrypt); err != nil {
		return err
	}

	return e.Flash.Write(DigestOffset, digest, encrypt)
}

// Run enables secure boot, unless the enable fuse is already set.
//
// The sequence is: sniff the bootloader length, provision or reuse the
// secure boot key, generate a random IV, digest the bootloader, store IV
// and digest to flash, confirm the key protection and finally burn the
// enable fuse (and the JTAG disable fuse unless AllowDebug), verifying that
// it took.
func (e *Engine) Run() (Result, error) {
	if e.Flash == nil || e.Fuses == nil || e.Digest == nil {
		return 0, errors.New("secureboot: missing flash, fuses or digest engine")
	}

	if e.RNG == nil {
		return 0, errors.New("secureboot: missing random source")
	}

	l := e.layout()

	if e.Fuses.Read(l.SecureBootEnable) != 0 {
		klog.Infof("secureboot: already enabled (%s set)", l.SecureBootEnable)
		return AlreadyEnabled, nil
	}

	r := e.Flash.ReaderAt(true)
	size, err := binimage.Length(r, partition.BootloaderOffset, partition.TableOffset-partition.BootloaderOffset)

	if err != nil {
		return 0, fmt.Errorf("bootloader: %w", err)
	}

	state, err := e.Fuses.ProvisionKey(l.SecureBootKey, e.RNG)

	if err != nil {
		return 0, err
	}

	klog.Infof("secureboot: using %s secure boot key", state)

	// the key must be protected before the digest engine uses it
	if err = e.Fuses.CheckKey(l.SecureBootKey); err != nil {
		return 0, err
	}

	iv := make([]byte, IVSize)

	if _, err = io.ReadFull(e.RNG, iv); err != nil {
		return 0, fmt.Errorf("secureboot: could not generate IV, %w", err)
	}

	digest, err := Generate(e.Digest, iv, r, partition.BootloaderOffset, size)

	if err != nil {
		return 0, fmt.Errorf("secureboot: digest failed, %w", err)
	}

	if len(digest) == 0 || len(digest) > MaxDigestSize || len(digest)%flash.CryptAlign != 0 {
		return 0, fmt.Errorf("secureboot: invalid digest size %d", len(digest))
	}

	encrypt := flashcrypt.Parity(e.Fuses.Read(l.FlashCryptCnt)) == 1

	klog.Infof("secureboot: storing digest of %#x bytes bootloader (encrypted: %v)", size, encrypt)

	if err = e.store(iv, digest, encrypt); err != nil {
		return 0, err
	}

	// the key protection is confirmed again right before enabling
	if err = e.Fuses.CheckKey(l.SecureBootKey); err != nil {
		return 0, err
	}

	e.Fuses.Stage(l.SecureBootEnable, 1)

	if !e.AllowDebug {
		e.Fuses.Stage(l.DebugDisable, 1)
	}

	klog.Infof("secureboot: enabling secure boot (debug allowed: %v)", e.AllowDebug)

	if err = e.Fuses.Burn(); err != nil {
		return 0, err
	}

	if e.Fuses.Read(l.SecureBootEnable) == 0 {
		return 0, &FuseWriteError{Field: l.SecureBootEnable.Name}
	}

	if !e.AllowDebug && e.Fuses.Read(l.DebugDisable) == 0 {
		klog.Warningf("secureboot: %s did not take", l.DebugDisable)
	}

	return Enabled, nil
}
