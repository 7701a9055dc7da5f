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

package rpmb

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	blobMagic      = "BLOB"
	blobHeaderSize = 4 + 4 + sha256.Size
)

// ErrNoBlob is returned when reading a blob which was never written.
var ErrNoBlob = errors.New("rpmb: no blob")

// Blob is a byte string spanning consecutive sectors: a header sector with
// the blob length and hash, followed by the data sectors. The header is
// written last, so a partially written blob keeps reading as the previous
// one until it is rewritten.
//
// Blobs must not be larger than MaxBlob, and successive writes double
// buffer the data sectors between two areas.
type Blob struct {
	Partition *Partition
	// First is the header sector.
	First uint16
	// MaxBlob is the largest blob size.
	MaxBlob int
}

func (b *Blob) sectors() uint16 {
	return uint16((b.MaxBlob + SectorSize - 1) / SectorSize)
}

// area returns the first data sector of a buffer area.
func (b *Blob) area(n uint32) uint16 {
	return b.First + 1 + uint16(n%2)*b.sectors()
}

type blobHeader struct {
	seq  uint32
	size uint32
	sum  [sha256.Size]byte
}

func (b *Blob) header() (*blobHeader, error) {
	buf := make([]byte, SectorSize)

	if err := b.Partition.Read(b.First, buf); err != nil {
		return nil, err
	}

	if string(buf[:4]) != blobMagic {
		return nil, ErrNoBlob
	}

	h := &blobHeader{
		seq:  binary.LittleEndian.Uint32(buf[4:]),
		size: binary.LittleEndian.Uint32(buf[8:]),
	}
	copy(h.sum[:], buf[12:12+sha256.Size])

	if int(h.size) > b.MaxBlob {
		return nil, fmt.Errorf("rpmb: invalid blob size %d", h.size)
	}

	return h, nil
}

// Read returns the blob content.
func (b *Blob) Read() ([]byte, error) {
	h, err := b.header()

	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, h.size)
	buf := make([]byte, SectorSize)

	for s := b.area(h.seq); len(data) < int(h.size); s++ {
		if err = b.Partition.Read(s, buf); err != nil {
			return nil, err
		}

		data = append(data, buf[:min(SectorSize, int(h.size)-len(data))]...)
	}

	if sum := sha256.Sum256(data); !bytes.Equal(sum[:], h.sum[:]) {
		return nil, errors.New("rpmb: blob hash mismatch")
	}

	return data, nil
}

// Write replaces the blob content.
func (b *Blob) Write(data []byte) error {
	if len(data) > b.MaxBlob {
		return fmt.Errorf("rpmb: blob size %d exceeds %d", len(data), b.MaxBlob)
	}

	var seq uint32

	switch h, err := b.header(); {
	case errors.Is(err, ErrNoBlob):
	case err != nil:
		return err
	default:
		seq = h.seq + 1
	}

	s := b.area(seq)

	for off := 0; off < len(data); off += SectorSize {
		if err := b.Partition.Write(s, data[off:min(off+SectorSize, len(data))]); err != nil {
			return err
		}

		s++
	}

	sum := sha256.Sum256(data)
	hdr := make([]byte, blobHeaderSize)

	copy(hdr, blobMagic)
	binary.LittleEndian.PutUint32(hdr[4:], seq)
	binary.LittleEndian.PutUint32(hdr[8:], uint32(len(data)))
	copy(hdr[12:], sum[:])

	return b.Partition.Write(b.First, hdr)
}
