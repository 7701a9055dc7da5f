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
	"crypto/aes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/transparency-dev/armored-secureboot/flash"
)

// DCP key RAM slots
const (
	flashKeySlot  = 0
	digestKeySlot = 1
)

const (
	digestBlockSize = 128
	digestIVSize    = 128
)

// deriveSlot loads into a DCP key RAM slot a key derived from the OTPMK
// and the first 16 bytes of a fuse key block, the derived key never leaves
// the DCP.
func deriveSlot(block []byte, slot int) error {
	if len(block) < aes.BlockSize {
		return errors.New("short key block")
	}

	_, err := imx6ul.DCP.DeriveKey(block[:aes.BlockSize], make([]byte, aes.BlockSize), slot)

	return err
}

// flashCipher is the flash encryption transform, AES-128-CBC over each
// CryptAlign unit with the unit address as IV.
type flashCipher struct {
	fuses *otpFuses
	keyed bool
}

func unitIV(addr uint32) []byte {
	iv := make([]byte, aes.BlockSize)
	binary.LittleEndian.PutUint32(iv, addr)

	return iv
}

func (c *flashCipher) key() error {
	if c.keyed {
		return nil
	}

	k := c.fuses.hardwareKey(1)

	if len(k) == 0 {
		return errors.New("flash encryption key not provisioned")
	}

	if err := deriveSlot(k, flashKeySlot); err != nil {
		return err
	}

	c.keyed = true

	return nil
}

func (c *flashCipher) apply(buf []byte, addr uint32, enc bool) (err error) {
	if len(buf)%flash.CryptAlign != 0 || addr%flash.CryptAlign != 0 {
		return fmt.Errorf("unaligned cipher unit @ %#x", addr)
	}

	if err = c.key(); err != nil {
		return
	}

	for off := 0; off < len(buf); off += flash.CryptAlign {
		unit := buf[off : off+flash.CryptAlign]
		iv := unitIV(addr + uint32(off))

		if enc {
			err = imx6ul.DCP.Encrypt(unit, flashKeySlot, iv)
		} else {
			err = imx6ul.DCP.Decrypt(unit, flashKeySlot, iv)
		}

		if err != nil {
			return
		}
	}

	return
}

func (c *flashCipher) encrypt(buf []byte, addr uint32) error {
	return c.apply(buf, addr, true)
}

func (c *flashCipher) decrypt(buf []byte, addr uint32) error {
	return c.apply(buf, addr, false)
}

// dcpHash is the DCP hash engine interface.
type dcpHash interface {
	Write(p []byte) (int, error)
	Sum(in []byte) ([]byte, error)
}

// dcpDigest is the secure boot digest engine: every chunk is encrypted with
// the secure boot key slot and hashed with the DCP SHA-256.
type dcpDigest struct {
	fuses *otpFuses
	h     dcpHash
}

func (d *dcpDigest) BlockSize() int {
	return digestBlockSize
}

func (d *dcpDigest) feed(chunk []byte) error {
	buf := append([]byte{}, chunk...)

	if err := imx6ul.DCP.Encrypt(buf, digestKeySlot, make([]byte, aes.BlockSize)); err != nil {
		return err
	}

	_, err := d.h.Write(buf)

	return err
}

func (d *dcpDigest) Start(iv []byte) (err error) {
	if len(iv) != digestIVSize {
		return fmt.Errorf("invalid IV size %d", len(iv))
	}

	k := d.fuses.hardwareKey(2)

	if len(k) == 0 {
		return errors.New("secure boot key not provisioned")
	}

	if err = deriveSlot(k, digestKeySlot); err != nil {
		return
	}

	if d.h, err = imx6ul.DCP.New256(); err != nil {
		return
	}

	return d.feed(iv)
}

func (d *dcpDigest) Feed(chunk []byte) error {
	if d.h == nil {
		return errors.New("digest not started")
	}

	if len(chunk) != digestBlockSize {
		return fmt.Errorf("invalid chunk size %d", len(chunk))
	}

	return d.feed(chunk)
}

func (d *dcpDigest) Finish() ([]byte, error) {
	if d.h == nil {
		return nil, errors.New("digest not started")
	}

	sum, err := d.h.Sum(nil)
	d.h = nil

	return sum, err
}
