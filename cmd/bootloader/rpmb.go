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
	"crypto/aes"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"

	"golang.org/x/crypto/pbkdf2"

	"github.com/usbarmory/crucible/otp"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/transparency-dev/armored-secureboot/internal/rpmb"
)

const (
	// RPMB sector for CVE-2020-13799 mitigation
	dummySector = 0
	// RPMB header sector of the fuse array blob
	fuseSector = 1
	// RPMB OTP flag bank
	rpmbFuseBank = 4
	// RPMB OTP flag word
	rpmbFuseWord = 6

	diversifierMAC = "SecureBootRPMB00"
	iter           = 4096
)

// openRPMB returns the RPMB partition of the internal eMMC, programming its
// authentication key on first use.
func openRPMB(card rpmb.Card) (*rpmb.Partition, error) {
	// derive key for RPMB MAC generation
	dk, err := imx6ul.DCP.DeriveKey([]byte(diversifierMAC), make([]byte, aes.BlockSize), -1)

	if err != nil {
		return nil, fmt.Errorf("could not derive RPMB key (%v)", err)
	}

	uid := imx6ul.UniqueID()
	key := pbkdf2.Key(dk, uid[:], iter, sha256.Size, sha256.New)

	p, err := rpmb.New(card, key, dummySector, false)

	if err != nil {
		return nil, err
	}

	_, err = p.Counter(false)

	switch {
	case err == nil:
	case errors.Is(err, rpmb.ErrKeyNotProgrammed):
		if err = programKey(p); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	// invalidate writes left uncommitted by an attacker
	if err = p.Write(dummySector, nil); err != nil {
		return nil, fmt.Errorf("could not invalidate RPMB, %v", err)
	}

	return p, nil
}

// programKey fuses a flag to indicate previous key programming, preventing
// a malicious eMMC replacement from intercepting the key.
func programKey(p *rpmb.Partition) error {
	if res, err := otp.ReadOCOTP(rpmbFuseBank, rpmbFuseWord, 0, 1); err != nil || bytes.Equal(res, []byte{1}) {
		return fmt.Errorf("could not read RPMB program key flag (%x, %v)", res, err)
	}

	if err := otp.BlowOCOTP(rpmbFuseBank, rpmbFuseWord, 0, 1, []byte{1}); err != nil {
		return fmt.Errorf("could not fuse RPMB program key flag (%v)", err)
	}

	log.Print("RPMB authentication key not yet programmed, programming")

	if err := p.ProgramKey(); err != nil {
		return fmt.Errorf("could not program RPMB key, %v", err)
	}

	return nil
}

// rpmbStore keeps the fuse array in the RPMB partition, where it cannot be
// rolled back to a previous state.
type rpmbStore struct {
	blob *rpmb.Blob
}

func newRPMBStore(card rpmb.Card) (*rpmbStore, error) {
	p, err := openRPMB(card)

	if err != nil {
		return nil, err
	}

	return &rpmbStore{
		blob: &rpmb.Blob{
			Partition: p,
			First:     fuseSector,
			MaxBlob:   fuseBlocks * expectedBlockSize,
		},
	}, nil
}

func (s *rpmbStore) load() ([]byte, error) {
	buf, err := s.blob.Read()

	if errors.Is(err, rpmb.ErrNoBlob) {
		return nil, nil
	}

	return buf, err
}

func (s *rpmbStore) save(state []byte) error {
	return s.blob.Write(state)
}
