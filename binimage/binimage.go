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

// Package binimage parses the bootable image format loaded by the ROM and
// the second stage bootloader.
//
// An image is a 24 byte header followed by a sequence of segments, each
// prefixed by its load address and data length. The format carries no total
// length field: the length is recovered by walking the segment headers.
package binimage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Magic is the first byte of every image.
	Magic = 0xe9
	// HeaderSize is the size of the image header.
	HeaderSize = 24
	// SegmentHeaderSize is the size of each segment header.
	SegmentHeaderSize = 8
	// MaxSegments is the largest segment count the ROM accepts.
	MaxSegments = 16
	// ChecksumSeed is the initial checksum value.
	ChecksumSeed = 0xef

	trailerAlign = 16
)

var ErrInvalidImageLength = errors.New("invalid image length")

// LengthError reports why the image at Offset has no plausible length.
type LengthError struct {
	Offset uint32
	Length uint32
	Reason string
}

func (e *LengthError) Error() string {
	return fmt.Sprintf("image @ %#x: %v (%s, length %#x)", e.Offset, ErrInvalidImageLength, e.Reason, e.Length)
}

func (e *LengthError) Unwrap() error {
	return ErrInvalidImageLength
}

// Header is the bootable image header.
type Header struct {
	Magic    uint8
	Segments uint8
	SPIMode  uint8
	// SPISpeed and SPISize share one byte, speed in the low nibble.
	SPISpeed   uint8
	SPISize    uint8
	Entry      uint32
	Encrypt    uint8
	SecureBoot uint8
	Reserved   [14]byte
}

// ParseHeader decodes the image header at the start of buf.
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, fmt.Errorf("image header too short (%d bytes)", len(buf))
	}

	h := &Header{
		Magic:      buf[0],
		Segments:   buf[1],
		SPIMode:    buf[2],
		SPISpeed:   buf[3] & 0x0f,
		SPISize:    buf[3] >> 4,
		Entry:      binary.LittleEndian.Uint32(buf[4:8]),
		Encrypt:    buf[8],
		SecureBoot: buf[9],
	}

	copy(h.Reserved[:], buf[10:HeaderSize])

	if h.Magic != Magic {
		return h, fmt.Errorf("invalid image magic %#02x", h.Magic)
	}

	return h, nil
}

// MarshalBinary encodes the header.
func (h *Header) MarshalBinary() ([]byte, error) {
	if h.SPISpeed > 0x0f || h.SPISize > 0x0f {
		return nil, errors.New("SPI speed and size must fit a nibble")
	}

	buf := make([]byte, HeaderSize)

	buf[0] = h.Magic
	buf[1] = h.Segments
	buf[2] = h.SPIMode
	buf[3] = h.SPISize<<4 | h.SPISpeed
	binary.LittleEndian.PutUint32(buf[4:8], h.Entry)
	buf[8] = h.Encrypt
	buf[9] = h.SecureBoot
	copy(buf[10:], h.Reserved[:])

	return buf, nil
}

// Length returns the length of the image at off by walking its segment
// headers, including the trailing checksum padding.
//
// Images with a bad magic, no or too many segments, or a length above max
// return a LengthError.
func Length(r io.ReaderAt, off uint32, max uint32) (uint32, error) {
	fail := func(length uint32, reason string) (uint32, error) {
		return 0, &LengthError{Offset: off, Length: length, Reason: reason}
	}

	buf := make([]byte, HeaderSize)

	if _, err := r.ReadAt(buf, int64(off)); err != nil {
		return 0, fmt.Errorf("image @ %#x: could not read header, %w", off, err)
	}

	switch {
	case buf[0] != Magic:
		return fail(0, fmt.Sprintf("bad magic %#02x", buf[0]))
	case buf[1] == 0 || buf[1] > MaxSegments:
		return fail(0, fmt.Sprintf("%d segments", buf[1]))
	}

	length := uint64(HeaderSize)
	seg := make([]byte, SegmentHeaderSize)

	for i := 0; i < int(buf[1]); i++ {
		if _, err := r.ReadAt(seg, int64(off)+int64(length)); err != nil {
			return 0, fmt.Errorf("image @ %#x: could not read segment %d header, %w", off, i, err)
		}

		size := binary.LittleEndian.Uint32(seg[4:8])

		if size%4 != 0 {
			return fail(uint32(length), fmt.Sprintf("segment %d size %#x not word aligned", i, size))
		}

		length += SegmentHeaderSize + uint64(size)

		if length > uint64(max) {
			return fail(uint32(min(length, uint64(^uint32(0)))), fmt.Sprintf("segment %d exceeds %#x", i, max))
		}
	}

	// the checksum occupies the last byte of the final 16 byte line
	length = (length/trailerAlign + 1) * trailerAlign

	if length > uint64(max) {
		return fail(uint32(length), fmt.Sprintf("exceeds %#x", max))
	}

	return uint32(length), nil
}

// Segment is a chunk of data loaded at Addr.
type Segment struct {
	Addr uint32
	Data []byte
}

// Checksum returns the XOR checksum of the segment data.
func Checksum(segments []Segment) byte {
	sum := byte(ChecksumSeed)

	for _, s := range segments {
		for _, b := range s.Data {
			sum ^= b
		}
	}

	return sum
}

// Build encodes an image from a header and its segments, segment data is
// padded to a word boundary.
func Build(h Header, segments []Segment) ([]byte, error) {
	if len(segments) == 0 || len(segments) > MaxSegments {
		return nil, fmt.Errorf("invalid segment count %d", len(segments))
	}

	h.Magic = Magic
	h.Segments = uint8(len(segments))

	hdr, err := h.MarshalBinary()

	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(hdr)
	padded := make([]Segment, len(segments))

	for i, s := range segments {
		data := s.Data

		if r := len(data) % 4; r != 0 {
			data = append(append([]byte{}, data...), make([]byte, 4-r)...)
		}

		padded[i] = Segment{Addr: s.Addr, Data: data}

		binary.Write(buf, binary.LittleEndian, s.Addr)
		binary.Write(buf, binary.LittleEndian, uint32(len(data)))
		buf.Write(data)
	}

	pad := trailerAlign - 1 - buf.Len()%trailerAlign
	buf.Write(make([]byte, pad))
	buf.WriteByte(Checksum(padded))

	return buf.Bytes(), nil
}

// Parse decodes the image at the start of buf, verifying its checksum.
func Parse(buf []byte) (*Header, []Segment, error) {
	length, err := Length(bytes.NewReader(buf), 0, uint32(min(len(buf), int(^uint32(0)))))

	if err != nil {
		return nil, nil, err
	}

	h, err := ParseHeader(buf)

	if err != nil {
		return nil, nil, err
	}

	segments := make([]Segment, h.Segments)
	off := uint32(HeaderSize)

	for i := range segments {
		size := binary.LittleEndian.Uint32(buf[off+4:])

		segments[i] = Segment{
			Addr: binary.LittleEndian.Uint32(buf[off:]),
			Data: buf[off+SegmentHeaderSize : off+SegmentHeaderSize+size],
		}

		off += SegmentHeaderSize + size
	}

	if sum := Checksum(segments); buf[length-1] != sum {
		return nil, nil, fmt.Errorf("invalid image checksum %#02x, expected %#02x", buf[length-1], sum)
	}

	return h, segments, nil
}
