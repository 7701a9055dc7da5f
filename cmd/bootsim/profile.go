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

//go:build !tamago
// +build !tamago

package main

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-secureboot/binimage"
	"github.com/transparency-dev/armored-secureboot/partition"
	"github.com/transparency-dev/armored-secureboot/sim"
)

//go:embed default.yaml
var defaultProfile []byte

// load address of generated images
const imageAddr = 0x40080000

// Image is either an image file or a generated image of Size bytes.
type Image struct {
	File string `yaml:"file"`
	Size uint32 `yaml:"size"`
}

// Partition is a partition table entry of the device profile.
type Partition struct {
	Label   string `yaml:"label"`
	Type    string `yaml:"type"`
	Subtype string `yaml:"subtype"`
	Offset  uint32 `yaml:"offset"`
	Size    uint32 `yaml:"size"`
	Image   Image  `yaml:"image"`
}

// Profile describes the initial flash content of a simulated device.
type Profile struct {
	FlashSize  uint32      `yaml:"flash_size"`
	Bootloader Image       `yaml:"bootloader"`
	Partitions []Partition `yaml:"partitions"`
	// OTASequence holds the sequence numbers of the OTA selection records,
	// one per OTA data sector.
	OTASequence []uint32 `yaml:"ota_sequence"`
}

// ParseProfile decodes a YAML device profile.
func ParseProfile(buf []byte) (*Profile, error) {
	p := &Profile{}

	if err := yaml.Unmarshal(buf, p); err != nil {
		return nil, fmt.Errorf("invalid profile, %w", err)
	}

	if p.FlashSize == 0 {
		return nil, errors.New("invalid profile, missing flash_size")
	}

	if len(p.OTASequence) > partition.OTADataSectors {
		return nil, fmt.Errorf("invalid profile, %d OTA records for %d sectors", len(p.OTASequence), partition.OTADataSectors)
	}

	return p, nil
}

// LoadProfile reads the device profile at path, the default profile is
// returned when path is empty.
func LoadProfile(path string) (*Profile, error) {
	if len(path) == 0 {
		return ParseProfile(defaultProfile)
	}

	buf, err := os.ReadFile(path)

	if err != nil {
		return nil, err
	}

	return ParseProfile(buf)
}

func parseKind(s string) (partition.Kind, error) {
	switch s {
	case "app":
		return partition.App, nil
	case "data":
		return partition.Data, nil
	}

	return 0, fmt.Errorf("unknown partition type %q", s)
}

func parseSubtype(kind partition.Kind, s string) (uint8, error) {
	switch {
	case kind == partition.App && s == "factory":
		return partition.SubtypeFactory, nil
	case kind == partition.App && s == "test":
		return partition.SubtypeTest, nil
	case kind == partition.App && strings.HasPrefix(s, "ota_"):
		n, err := strconv.ParseUint(strings.TrimPrefix(s, "ota_"), 10, 8)

		if err != nil || n >= partition.MaxOTA {
			return 0, fmt.Errorf("invalid OTA subtype %q", s)
		}

		return partition.SubtypeOTAMin + uint8(n), nil
	case kind == partition.Data && s == "ota":
		return partition.SubtypeOTAData, nil
	case kind == partition.Data && s == "phy":
		return partition.SubtypePHY, nil
	case kind == partition.Data && s == "nvs":
		return partition.SubtypeNVS, nil
	}

	return 0, fmt.Errorf("unknown %s subtype %q", kind, s)
}

// Entries returns the partition table entries of the profile.
func (p *Profile) Entries() ([]partition.Entry, error) {
	var entries []partition.Entry

	for _, part := range p.Partitions {
		kind, err := parseKind(part.Type)

		if err != nil {
			return nil, fmt.Errorf("%s: %w", part.Label, err)
		}

		sub, err := parseSubtype(kind, part.Subtype)

		if err != nil {
			return nil, fmt.Errorf("%s: %w", part.Label, err)
		}

		entries = append(entries, partition.Entry{
			Kind:    kind,
			Subtype: sub,
			Offset:  part.Offset,
			Size:    part.Size,
			Label:   part.Label,
		})
	}

	return entries, nil
}

// build returns the image content, generating a single segment image when
// no file is given.
func (img Image) build(name string) ([]byte, error) {
	if len(img.File) > 0 {
		return os.ReadFile(img.File)
	}

	if img.Size == 0 {
		return nil, nil
	}

	data := make([]byte, (img.Size+3)&^3)

	for i := range data {
		data[i] = byte(i) ^ byte(len(name))
	}

	copy(data, name)

	return binimage.Build(binimage.Header{Entry: imageAddr}, []binimage.Segment{{Addr: imageAddr, Data: data}})
}

// Device returns a blank device programmed with the profile content.
func (p *Profile) Device() (*sim.Device, error) {
	entries, err := p.Entries()

	if err != nil {
		return nil, err
	}

	table, err := partition.BuildTable(entries, true)

	if err != nil {
		return nil, err
	}

	// the table must parse, as the bootloader would
	state, err := partition.Parse(table)

	if err != nil {
		return nil, err
	}

	d := sim.NewDevice(p.FlashSize)

	bl, err := p.Bootloader.build("bootloader")

	if err != nil {
		return nil, err
	}

	if len(bl) > partition.TableOffset-partition.BootloaderOffset {
		return nil, fmt.Errorf("bootloader too large (%d bytes)", len(bl))
	}

	d.Flash.Program(partition.BootloaderOffset, bl)
	d.Flash.Program(partition.TableOffset, table)

	for _, part := range p.Partitions {
		img, err := part.Image.build(part.Label)

		if err != nil {
			return nil, fmt.Errorf("%s: %w", part.Label, err)
		}

		if uint32(len(img)) > part.Size {
			return nil, fmt.Errorf("%s: image exceeds partition size (%d > %d)", part.Label, len(img), part.Size)
		}

		if part.Offset+uint32(len(img)) > p.FlashSize {
			return nil, fmt.Errorf("%s: image exceeds flash size", part.Label)
		}

		d.Flash.Program(part.Offset, img)
	}

	if len(p.OTASequence) > 0 && !state.OTAInfo.Present() {
		return nil, errors.New("OTA records without OTA data partition")
	}

	for i, seq := range p.OTASequence {
		rec, err := partition.NewOTARecord(seq).MarshalBinary()

		if err != nil {
			return nil, err
		}

		d.Flash.Program(state.OTAInfo.Offset+uint32(i)*partition.OTADataSectorSize, rec)
	}

	return d, nil
}
