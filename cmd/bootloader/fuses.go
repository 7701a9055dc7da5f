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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log"

	"github.com/usbarmory/crucible/otp"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/transparency-dev/armored-secureboot/efuse"
	"github.com/transparency-dev/armored-secureboot/sim"
)

const (
	// fuseBlock is the MMC block holding the fuse array.
	fuseBlock = flashBlock - fuseBlocks
	// fuseBlocks is the room reserved for the fuse array.
	fuseBlocks = 8

	// OCOTP GP1 bit anchoring the secure boot enable fuse, set once it is
	// burned to detect replacement of the MMC with an older fuse array.
	anchorBank = 4
	anchorWord = 6
	anchorOff  = 1
)

// fuseStore persists the fuse array.
type fuseStore interface {
	// load returns the fuse array, nil when blank.
	load() ([]byte, error)
	save(state []byte) error
}

// mmcStore keeps the fuse array in MMC blocks preceding the flash window,
// used when no RPMB partition is available.
type mmcStore struct {
	card Card
}

func (s *mmcStore) load() ([]byte, error) {
	buf, err := s.card.Read(fuseBlock*expectedBlockSize, fuseBlocks*expectedBlockSize)

	if err != nil {
		return nil, err
	}

	n := binary.LittleEndian.Uint32(buf)

	switch {
	case n == 0 || n == 0xffffffff:
		return nil, nil
	case n > uint32(len(buf)-4):
		return nil, fmt.Errorf("invalid fuse array length %d", n)
	}

	return buf[4 : 4+n], nil
}

func (s *mmcStore) save(state []byte) error {
	buf := make([]byte, fuseBlocks*expectedBlockSize)

	if len(state) > len(buf)-4 {
		return fmt.Errorf("fuse array too large (%d bytes)", len(state))
	}

	binary.LittleEndian.PutUint32(buf, uint32(len(state)))
	copy(buf[4:], state)

	return s.card.WriteBlocks(fuseBlock, buf)
}

// otpFuses is the fuse controller, the fuse array is persisted with one
// time programmable semantics and the secure boot enable bit is anchored to
// a real OCOTP fuse.
type otpFuses struct {
	*sim.EFuse

	store fuseStore
}

func loadFuses(store fuseStore) (*otpFuses, error) {
	f := &otpFuses{
		EFuse: sim.NewEFuse(),
		store: store,
	}

	state, err := store.load()

	if err != nil {
		return nil, fmt.Errorf("could not load fuses, %v", err)
	}

	if state == nil {
		log.Printf("blank fuse array")
	} else if err = f.EFuse.UnmarshalBinary(state); err != nil {
		return nil, err
	}

	anchored, err := f.anchored()

	if err != nil {
		return nil, err
	}

	if anchored && !f.SecureBootEnabled() {
		return nil, errors.New("secure boot anchor fuse set on a disabled fuse array")
	}

	return f, nil
}

func (f *otpFuses) anchored() (bool, error) {
	if !imx6ul.Native {
		return false, nil
	}

	res, err := otp.ReadOCOTP(anchorBank, anchorWord, anchorOff, 1)

	if err != nil {
		return false, fmt.Errorf("could not read anchor fuse, %v", err)
	}

	return bytes.Equal(res, []byte{1}), nil
}

func (f *otpFuses) save() error {
	state, err := f.EFuse.MarshalBinary()

	if err != nil {
		return err
	}

	return f.store.save(state)
}

// Command persists the fuse array after each program command.
func (f *otpFuses) Command(cmd efuse.Cmd) {
	programs := f.Programs
	f.EFuse.Command(cmd)

	if cmd != efuse.CmdProgram || f.Programs == programs {
		return
	}

	if err := f.save(); err != nil {
		log.Fatalf("could not persist fuses, %v", err)
	}

	if !f.SecureBootEnabled() || !imx6ul.Native {
		return
	}

	if anchored, _ := f.anchored(); anchored {
		return
	}

	if err := otp.BlowOCOTP(anchorBank, anchorWord, anchorOff, 1, []byte{1}); err != nil {
		log.Fatalf("could not fuse secure boot anchor, %v", err)
	}
}

// hardwareKey returns a key block as seen by the crypto engines, nil when
// blank.
func (f *otpFuses) hardwareKey(block int) []byte {
	buf := make([]byte, efuse.ESP32Words*4)

	for w := 0; w < efuse.ESP32Words; w++ {
		binary.LittleEndian.PutUint32(buf[w*4:], f.Cell(block, w))
	}

	if bytes.Equal(buf, make([]byte, len(buf))) {
		return nil
	}

	return buf
}
