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

// Package sim simulates the boot hardware: a NOR flash chip with its
// cache window and transparent flash encryption, the fuse controller and
// the ROM secure boot digest engine.
package sim

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/transparency-dev/armored-secureboot/binimage"
	"github.com/transparency-dev/armored-secureboot/partition"
)

const (
	// ivOffset and digestOffset locate the secure boot IV and digest in
	// the first flash sector.
	ivOffset     = 0x0
	digestOffset = 0x80

	maxBootloader = partition.TableOffset - partition.BootloaderOffset

	flashFile = "flash.bin"
	fusesFile = "fuses.pb"
)

var (
	ErrSecureBootDisabled = errors.New("secure boot not enabled")
	ErrDigestMismatch     = errors.New("bootloader digest mismatch")
)

// Device bundles the simulated hardware of a single chip.
type Device struct {
	Flash  *Flash
	EFuse  *EFuse
	Digest *Digest
}

// NewDevice returns a blank device with size bytes of erased flash.
func NewDevice(size uint32) *Device {
	fuses := NewEFuse()

	return &Device{
		Flash:  NewFlash(size, fuses),
		EFuse:  fuses,
		Digest: NewDigest(fuses),
	}
}

type decryptedReader struct {
	f *Flash
}

func (r decryptedReader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > int64(r.f.size) {
		return 0, fmt.Errorf("read [%#x, %#x) past end of flash", off, off+int64(len(p)))
	}

	r.f.ReadDecrypted(uint32(off), p)

	return len(p), nil
}

// VerifySecureBoot performs the ROM bootloader check: the digest stored in
// flash must match the one recomputed from the stored IV and the
// bootloader image, as read through the cache.
func (d *Device) VerifySecureBoot() error {
	if !d.EFuse.SecureBootEnabled() {
		return ErrSecureBootDisabled
	}

	r := decryptedReader{f: d.Flash}

	n, err := binimage.Length(r, partition.BootloaderOffset, maxBootloader)

	if err != nil {
		return err
	}

	iv := make([]byte, DigestBlockSize)
	want := make([]byte, DigestSize)

	r.ReadAt(iv, ivOffset)
	r.ReadAt(want, digestOffset)

	img := bytes.Repeat([]byte{0xff}, int(n+DigestBlockSize-1)/DigestBlockSize*DigestBlockSize)
	r.ReadAt(img[:n], partition.BootloaderOffset)

	rom := NewDigest(d.EFuse)

	if err = rom.Start(iv); err != nil {
		return err
	}

	for off := 0; off < len(img); off += DigestBlockSize {
		if err = rom.Feed(img[off : off+DigestBlockSize]); err != nil {
			return err
		}
	}

	got, err := rom.Finish()

	if err != nil {
		return err
	}

	if subtle.ConstantTimeCompare(got, want) != 1 {
		return ErrDigestMismatch
	}

	return nil
}

// Save writes the flash image and fuse state to dir.
func (d *Device) Save(dir string) error {
	fuses, err := d.EFuse.MarshalBinary()

	if err != nil {
		return err
	}

	if err = os.WriteFile(filepath.Join(dir, fusesFile), fuses, 0600); err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, flashFile), d.Flash.Image(), 0600)
}

// Load restores a device saved to dir.
func Load(dir string) (*Device, error) {
	img, err := os.ReadFile(filepath.Join(dir, flashFile))

	if err != nil {
		return nil, err
	}

	fuses, err := os.ReadFile(filepath.Join(dir, fusesFile))

	if err != nil {
		return nil, err
	}

	d := NewDevice(uint32(len(img)))

	if err = d.EFuse.UnmarshalBinary(fuses); err != nil {
		return nil, fmt.Errorf("invalid fuse state, %w", err)
	}

	if err = d.Flash.LoadImage(img); err != nil {
		return nil, err
	}

	return d, nil
}
