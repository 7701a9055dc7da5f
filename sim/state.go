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
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Fuse state wire format:
//
//	message Fuses { repeated Block block = 1; }
//	message Block { uint32 index = 1; repeated fixed32 word = 2; }
const (
	fusesBlock = protowire.Number(1)
	blockIndex = protowire.Number(1)
	blockWords = protowire.Number(2)
)

// MarshalBinary encodes the programmed fuse cells, blank blocks are omitted.
func (e *EFuse) MarshalBinary() ([]byte, error) {
	var b []byte

	for i, blk := range e.cells {
		if blk == ([words]uint32{}) {
			continue
		}

		var m, packed []byte

		m = protowire.AppendTag(m, blockIndex, protowire.VarintType)
		m = protowire.AppendVarint(m, uint64(i))

		for _, w := range blk {
			packed = protowire.AppendFixed32(packed, w)
		}

		m = protowire.AppendTag(m, blockWords, protowire.BytesType)
		m = protowire.AppendBytes(m, packed)

		b = protowire.AppendTag(b, fusesBlock, protowire.BytesType)
		b = protowire.AppendBytes(b, m)
	}

	return b, nil
}

// UnmarshalBinary programs the fuse cells encoded in b on top of the
// current ones.
func (e *EFuse) UnmarshalBinary(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)

		if n < 0 {
			return protowire.ParseError(n)
		}

		b = b[n:]

		if num != fusesBlock || typ != protowire.BytesType {
			if n = protowire.ConsumeFieldValue(num, typ, b); n < 0 {
				return protowire.ParseError(n)
			}

			b = b[n:]
			continue
		}

		m, n := protowire.ConsumeBytes(b)

		if n < 0 {
			return protowire.ParseError(n)
		}

		b = b[n:]

		if err := e.unmarshalBlock(m); err != nil {
			return err
		}
	}

	e.refresh()

	return nil
}

func (e *EFuse) unmarshalBlock(m []byte) error {
	var (
		index  uint64
		packed []byte
	)

	for len(m) > 0 {
		num, typ, n := protowire.ConsumeTag(m)

		if n < 0 {
			return protowire.ParseError(n)
		}

		m = m[n:]

		switch {
		case num == blockIndex && typ == protowire.VarintType:
			index, n = protowire.ConsumeVarint(m)
		case num == blockWords && typ == protowire.BytesType:
			packed, n = protowire.ConsumeBytes(m)
		default:
			n = protowire.ConsumeFieldValue(num, typ, m)
		}

		if n < 0 {
			return protowire.ParseError(n)
		}

		m = m[n:]
	}

	if index >= blocks {
		return fmt.Errorf("invalid fuse block %d", index)
	}

	for w := 0; len(packed) > 0; w++ {
		if w >= words {
			return errors.New("too many fuse words")
		}

		v, n := protowire.ConsumeFixed32(packed)

		if n < 0 {
			return protowire.ParseError(n)
		}

		e.cells[index][w] |= v
		packed = packed[n:]
	}

	return nil
}

// Image returns the whole flash contents as stored on the chip.
func (f *Flash) Image() []byte {
	return f.Raw(0, int(f.size))
}

// LoadImage replaces the flash contents, sectors left erased are not
// allocated.
func (f *Flash) LoadImage(img []byte) error {
	if len(img) > int(f.size) {
		return fmt.Errorf("image size %#x exceeds flash size %#x", len(img), f.size)
	}

	f.mem = make(map[uint32][]byte)

	for off := 0; off < len(img); off += sectorSize {
		end := min(off+sectorSize, len(img))
		chunk := img[off:end]

		if erased(chunk) {
			continue
		}

		f.program(uint32(off), chunk)
	}

	return nil
}

func erased(p []byte) bool {
	for _, b := range p {
		if b != 0xff {
			return false
		}
	}

	return true
}
