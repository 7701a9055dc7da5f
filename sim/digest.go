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
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
)

const (
	// DigestBlockSize is the chunk size consumed by the digest engine, the
	// IV is a single chunk.
	DigestBlockSize = 128
	// DigestSize is the size of the digest output.
	DigestSize = sha512.Size
)

// Digest simulates the ROM secure boot digest engine: each 16 byte block of
// the IV and image is byte reversed, encrypted with the secure boot key
// block, reversed back and fed to SHA-512.
type Digest struct {
	fuses *EFuse

	block cipher.Block
	h     hash.Hash

	// Starts counts digest computations.
	Starts int
}

// NewDigest returns a digest engine keyed by the secure boot key block of
// fuses.
func NewDigest(fuses *EFuse) *Digest {
	return &Digest{fuses: fuses}
}

func reverse(p []byte) {
	for i, j := 0, len(p)-1; i < j; i, j = i+1, j-1 {
		p[i], p[j] = p[j], p[i]
	}
}

func (d *Digest) feed(chunk []byte) error {
	if len(chunk) != DigestBlockSize {
		return fmt.Errorf("digest: invalid chunk size %d", len(chunk))
	}

	buf := make([]byte, aes.BlockSize)

	for off := 0; off < len(chunk); off += aes.BlockSize {
		copy(buf, chunk[off:off+aes.BlockSize])
		reverse(buf)
		d.block.Encrypt(buf, buf)
		reverse(buf)
		d.h.Write(buf)
	}

	return nil
}

// BlockSize returns the chunk size accepted by Feed.
func (d *Digest) BlockSize() int {
	return DigestBlockSize
}

// Start begins a digest computation seeded with iv.
func (d *Digest) Start(iv []byte) (err error) {
	if d.block, err = aes.NewCipher(d.fuses.key(2)); err != nil {
		return
	}

	d.h = sha512.New()
	d.Starts++

	return d.feed(iv)
}

// Feed adds a chunk of image data.
func (d *Digest) Feed(chunk []byte) error {
	if d.h == nil {
		return errors.New("digest: not started")
	}

	return d.feed(chunk)
}

// Finish returns the digest and resets the engine.
func (d *Digest) Finish() ([]byte, error) {
	if d.h == nil {
		return nil, errors.New("digest: not started")
	}

	sum := d.h.Sum(nil)
	d.h = nil
	d.block = nil

	return sum, nil
}
