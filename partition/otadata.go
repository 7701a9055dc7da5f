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

package partition

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"k8s.io/klog/v2"
)

const (
	// OTADataSectors is the number of sectors in the OTA selection region,
	// each holding one selection record at its start.
	OTADataSectors = 2
	// OTADataSectorSize is the distance between the selection records.
	OTADataSectorSize = 0x1000
	// OTARecordSize is the size of a selection record.
	OTARecordSize = 32

	erasedSeq = ^uint32(0)
)

var ErrNoBootable = errors.New("no bootable application")

// OTARecord is an OTA selection record, the record with the highest valid
// sequence number selects OTA slot (Seq-1) modulo the number of slots.
type OTARecord struct {
	Seq   uint32
	Label [20]byte
	CRC   uint32
}

func seqCRC(seq uint32) uint32 {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, seq)

	return crc32.Update(^uint32(0), crc32.IEEETable, buf)
}

// NewOTARecord returns a record selecting sequence number seq.
func NewOTARecord(seq uint32) *OTARecord {
	return &OTARecord{Seq: seq, CRC: seqCRC(seq)}
}

// Valid reports whether the record is programmed and its checksum matches.
func (r *OTARecord) Valid() bool {
	return r.Seq != erasedSeq && r.CRC == seqCRC(r.Seq)
}

// MarshalBinary encodes the record.
func (r *OTARecord) MarshalBinary() ([]byte, error) {
	buf := make([]byte, OTARecordSize)

	binary.LittleEndian.PutUint32(buf[0:], r.Seq)
	copy(buf[4:24], r.Label[:])
	binary.LittleEndian.PutUint32(buf[28:], r.CRC)

	return buf, nil
}

// UnmarshalBinary decodes the record.
func (r *OTARecord) UnmarshalBinary(buf []byte) error {
	if len(buf) < OTARecordSize {
		return fmt.Errorf("OTA record too short (%d bytes)", len(buf))
	}

	r.Seq = binary.LittleEndian.Uint32(buf[0:])
	copy(r.Label[:], buf[4:24])
	r.CRC = binary.LittleEndian.Uint32(buf[28:])

	return nil
}

func (s *BootloaderState) selectOTA(otadata []byte) (int, bool) {
	if !s.OTAInfo.Present() || s.AppCount == 0 {
		return 0, false
	}

	var seq uint32

	for i := 0; i < OTADataSectors; i++ {
		off := i * OTADataSectorSize

		if off+OTARecordSize > len(otadata) {
			break
		}

		r := &OTARecord{}

		if err := r.UnmarshalBinary(otadata[off:]); err != nil || !r.Valid() {
			klog.V(2).Infof("partition: OTA record %d invalid", i)
			continue
		}

		if r.Seq > seq {
			seq = r.Seq
		}
	}

	if seq == 0 {
		return 0, false
	}

	return int((seq - 1) % uint32(s.AppCount)), true
}

// SelectBoot chooses the application to boot from the OTA selection
// records in otadata (the content of the OTAInfo region), falling back to
// the factory and then the test application when no record is valid.
//
// The returned copy has SelectedSubtype set, the receiver is unchanged.
func (s *BootloaderState) SelectBoot(otadata []byte) (*BootloaderState, error) {
	sel := *s

	switch idx, ok := s.selectOTA(otadata); {
	case ok && s.OTA[idx].Present():
		klog.Infof("partition: OTA selects slot %d", idx)
		sel.SelectedSubtype = SubtypeOTAMin + idx
	case s.Factory.Present():
		sel.SelectedSubtype = SubtypeFactory
	case s.Test.Present():
		sel.SelectedSubtype = SubtypeTest
	case s.OTA[0].Present():
		sel.SelectedSubtype = SubtypeOTAMin
	default:
		return nil, ErrNoBootable
	}

	return &sel, nil
}

// Selected returns the region chosen by SelectBoot.
func (s *BootloaderState) Selected() (Region, bool) {
	switch sub := s.SelectedSubtype; {
	case sub == SubtypeFactory:
		return s.Factory, s.Factory.Present()
	case sub == SubtypeTest:
		return s.Test, s.Test.Present()
	case sub >= SubtypeOTAMin && sub <= SubtypeOTAMax:
		r := s.OTA[sub&SubtypeOTAMask]
		return r, r.Present()
	}

	return Region{}, false
}
