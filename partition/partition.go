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

// Package partition parses the on-flash partition table into the inventory
// of regions the boot engines operate on.
package partition

import (
	"bytes"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"

	"k8s.io/klog/v2"
)

// Fixed flash layout.
const (
	// BootloaderOffset is the flash offset of the second stage bootloader.
	BootloaderOffset = 0x1000
	// TableOffset is the flash offset of the partition table.
	TableOffset = 0x8000
	// TableMaxLen is the largest partition table.
	TableMaxLen = 0xc00
)

const (
	// EntrySize is the size of a single table entry.
	EntrySize = 32
	// Magic starts every partition entry.
	Magic = 0x50aa
	// MD5Magic starts the checksum entry terminating the table.
	MD5Magic = 0xebeb
	// MaxOTA is the number of OTA application slots.
	MaxOTA = 16
	// LabelSize is the size of the entry label.
	LabelSize = 16

	endMagic = 0xffff
)

// Kind is the partition type.
type Kind uint8

const (
	App  Kind = 0x00
	Data Kind = 0x01
)

func (k Kind) String() string {
	switch k {
	case App:
		return "app"
	case Data:
		return "data"
	}

	return fmt.Sprintf("type(%#02x)", uint8(k))
}

// Application subtypes.
const (
	SubtypeFactory = 0x00
	SubtypeOTAMin  = 0x10
	SubtypeOTAMask = 0x0f
	SubtypeOTAMax  = SubtypeOTAMin + MaxOTA - 1
	SubtypeTest    = 0x20
)

// Data subtypes.
const (
	SubtypeOTAData = 0x00
	SubtypePHY     = 0x01
	SubtypeNVS     = 0x02
)

// NoSelection is the SelectedSubtype of a state no boot selection was made
// on.
const NoSelection = -1

var (
	ErrCorrupt  = errors.New("partition table corrupt")
	ErrBadMagic = errors.New("partition entry has bad magic")
)

// EntryError records the table entry that failed to parse.
type EntryError struct {
	Index int
	Err   error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("partition entry %d: %v", e.Index, e.Err)
}

func (e *EntryError) Unwrap() error {
	return e.Err
}

// Region is a flash range described by the partition table.
type Region struct {
	Offset  uint32
	Size    uint32
	Kind    Kind
	Subtype uint8
	Label   [LabelSize]byte
}

// Present reports whether the region exists, a zero offset marks an absent
// region.
func (r Region) Present() bool {
	return r.Offset != 0
}

// Name returns the label as a string.
func (r Region) Name() string {
	return string(bytes.TrimRight(r.Label[:], "\x00"))
}

func (r Region) String() string {
	return fmt.Sprintf("%s %s/%#02x @ %#x (%#x bytes)", r.Name(), r.Kind, r.Subtype, r.Offset, r.Size)
}

// BootloaderState is the inventory of regions found in the partition table.
// It is never modified once returned by Parse.
type BootloaderState struct {
	// Bootloader and Table are the fixed regions holding the second stage
	// and the partition table.
	Bootloader Region
	Table      Region

	OTAInfo Region
	Factory Region
	Test    Region
	OTA     [MaxOTA]Region

	// AppCount is the number of OTA application slots.
	AppCount int
	// SelectedSubtype is the application subtype chosen by SelectBoot.
	SelectedSubtype int
}

// Apps returns the present application regions: factory, test and then
// OTA slots in index order.
func (s *BootloaderState) Apps() []Region {
	var apps []Region

	for _, r := range append([]Region{s.Factory, s.Test}, s.OTA[:]...) {
		if r.Present() {
			apps = append(apps, r)
		}
	}

	return apps
}

// Entry is a single partition table entry.
type Entry struct {
	Kind    Kind
	Subtype uint8
	Offset  uint32
	Size    uint32
	Label   string
	Flags   uint32
}

// MarshalBinary encodes the entry.
func (e *Entry) MarshalBinary() ([]byte, error) {
	if len(e.Label) > LabelSize {
		return nil, fmt.Errorf("label %q longer than %d bytes", e.Label, LabelSize)
	}

	buf := make([]byte, EntrySize)

	binary.LittleEndian.PutUint16(buf[0:], Magic)
	buf[2] = uint8(e.Kind)
	buf[3] = e.Subtype
	binary.LittleEndian.PutUint32(buf[4:], e.Offset)
	binary.LittleEndian.PutUint32(buf[8:], e.Size)
	copy(buf[12:28], e.Label)
	binary.LittleEndian.PutUint32(buf[28:], e.Flags)

	return buf, nil
}

// UnmarshalBinary decodes the entry, the magic is not checked.
func (e *Entry) UnmarshalBinary(buf []byte) error {
	if len(buf) < EntrySize {
		return fmt.Errorf("entry too short (%d bytes)", len(buf))
	}

	e.Kind = Kind(buf[2])
	e.Subtype = buf[3]
	e.Offset = binary.LittleEndian.Uint32(buf[4:])
	e.Size = binary.LittleEndian.Uint32(buf[8:])
	e.Label = string(bytes.TrimRight(buf[12:28], "\x00"))
	e.Flags = binary.LittleEndian.Uint32(buf[28:])

	return nil
}

func (e *Entry) region() (r Region) {
	r = Region{
		Offset:  e.Offset,
		Size:    e.Size,
		Kind:    e.Kind,
		Subtype: e.Subtype,
	}

	copy(r.Label[:], e.Label)

	return
}

// BuildTable encodes entries as a TableMaxLen partition table, erased
// (0xff) past the last entry. With checksum set the entries are followed
// by an MD5 entry.
func BuildTable(entries []Entry, checksum bool) ([]byte, error) {
	n := len(entries)

	if checksum {
		n++
	}

	if n*EntrySize > TableMaxLen {
		return nil, fmt.Errorf("%d entries do not fit the partition table", len(entries))
	}

	table := bytes.Repeat([]byte{0xff}, TableMaxLen)

	for i := range entries {
		buf, err := entries[i].MarshalBinary()

		if err != nil {
			return nil, &EntryError{Index: i, Err: err}
		}

		copy(table[i*EntrySize:], buf)
	}

	if checksum {
		off := len(entries) * EntrySize
		sum := md5.Sum(table[:off])

		binary.LittleEndian.PutUint16(table[off:], MD5Magic)
		copy(table[off+EntrySize-md5.Size:], sum[:])
	}

	return table, nil
}

func checkMD5(table []byte, entry []byte) error {
	for _, b := range entry[2 : EntrySize-md5.Size] {
		if b != 0xff {
			return ErrCorrupt
		}
	}

	sum := md5.Sum(table)

	if !bytes.Equal(sum[:], entry[EntrySize-md5.Size:]) {
		return fmt.Errorf("%w: MD5 mismatch", ErrCorrupt)
	}

	return nil
}

// Parse scans the partition table in buf.
//
// Parsing stops at the first erased entry, at the MD5 entry or at the end
// of buf, whichever comes first. Entries with a type and subtype not used
// by the boot engines are skipped.
func Parse(buf []byte) (*BootloaderState, error) {
	if len(buf) > TableMaxLen {
		buf = buf[:TableMaxLen]
	}

	s := &BootloaderState{
		Bootloader: Region{
			Offset: BootloaderOffset,
			Size:   TableOffset - BootloaderOffset,
			Kind:   App,
		},
		Table: Region{
			Offset: TableOffset,
			Size:   TableMaxLen,
			Kind:   Data,
		},
		SelectedSubtype: NoSelection,
	}

	copy(s.Bootloader.Label[:], "bootloader")
	copy(s.Table.Label[:], "partition-table")

	for i := 0; (i+1)*EntrySize <= len(buf); i++ {
		raw := buf[i*EntrySize : (i+1)*EntrySize]

		switch binary.LittleEndian.Uint16(raw) {
		case endMagic:
			klog.V(2).Infof("partition: table end after %d entries", i)
			return s, nil
		case MD5Magic:
			if err := checkMD5(buf[:i*EntrySize], raw); err != nil {
				return nil, &EntryError{Index: i, Err: err}
			}

			klog.V(2).Infof("partition: table MD5 verified after %d entries", i)
			return s, nil
		case Magic:
		default:
			return nil, &EntryError{Index: i, Err: ErrBadMagic}
		}

		e := &Entry{}

		if err := e.UnmarshalBinary(raw); err != nil {
			return nil, &EntryError{Index: i, Err: err}
		}

		if err := s.add(e); err != nil {
			return nil, &EntryError{Index: i, Err: err}
		}
	}

	return s, nil
}

func (s *BootloaderState) add(e *Entry) error {
	var slot *Region

	switch {
	case e.Kind == App && e.Subtype == SubtypeFactory:
		slot = &s.Factory
	case e.Kind == App && e.Subtype == SubtypeTest:
		slot = &s.Test
	case e.Kind == App && e.Subtype >= SubtypeOTAMin && e.Subtype <= SubtypeOTAMax:
		slot = &s.OTA[e.Subtype&SubtypeOTAMask]
	case e.Kind == Data && e.Subtype == SubtypeOTAData:
		slot = &s.OTAInfo
	default:
		klog.V(2).Infof("partition: skipping %s %s/%#02x", e.Label, e.Kind, e.Subtype)
		return nil
	}

	if e.Offset == 0 || e.Size == 0 || uint64(e.Offset)+uint64(e.Size) > 1<<32 {
		return fmt.Errorf("%w: %s invalid range %#x+%#x", ErrCorrupt, e.Label, e.Offset, e.Size)
	}

	if e.Offset < TableOffset+TableMaxLen {
		return fmt.Errorf("%w: %s at %#x overlaps the bootloader or partition table", ErrCorrupt, e.Label, e.Offset)
	}

	if slot.Present() {
		return fmt.Errorf("%w: duplicate %s/%#02x entry %s", ErrCorrupt, e.Kind, e.Subtype, e.Label)
	}

	*slot = e.region()

	if e.Kind == App && e.Subtype >= SubtypeOTAMin && e.Subtype <= SubtypeOTAMax {
		s.AppCount++
	}

	klog.V(2).Infof("partition: %v", slot)

	return nil
}
