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
	"bytes"
	"fmt"

	"github.com/transparency-dev/armored-secureboot/boot"
	"github.com/transparency-dev/armored-secureboot/efuse"
	"github.com/transparency-dev/armored-secureboot/flashcrypt"
	"github.com/transparency-dev/armored-secureboot/partition"
	"github.com/transparency-dev/armored-secureboot/sim"
)

// Status is the security state of a simulated device.
type Status struct {
	FlashSize uint32

	CryptCount      uint32
	FlashEncryption bool
	FlashKey        string

	SecureBoot    bool
	SecureBootKey string
	DebugDisabled bool
	// Verification is the result of the ROM bootloader check.
	Verification string

	Partitions []partition.Region
	App        string
}

func keyStatus(b *efuse.Bank, k efuse.KeyBlock) string {
	if err := b.CheckKey(k); err != nil {
		if b.Read(k.ReadDisable) == 0 && len(bytes.Trim(b.ReadBytes(k.Key), "\x00")) == 0 {
			return "blank"
		}

		return err.Error()
	}

	return "protected"
}

func status(dir string) (*Status, error) {
	d, err := sim.Load(dir)

	if err != nil {
		return nil, err
	}

	f, b, closer, err := open(d)

	if err != nil {
		return nil, err
	}

	defer closer()

	l := efuse.ESP32
	cnt := b.Read(l.FlashCryptCnt)

	s := &Status{
		FlashSize:       d.Flash.Size(),
		CryptCount:      cnt,
		FlashEncryption: flashcrypt.Parity(cnt) == 1,
		FlashKey:        keyStatus(b, l.FlashKey),
		SecureBoot:      b.Read(l.SecureBootEnable) != 0,
		SecureBootKey:   keyStatus(b, l.SecureBootKey),
		DebugDisabled:   b.Read(l.DebugDisable) != 0,
		Verification:    "ok",
	}

	if err = d.VerifySecureBoot(); err != nil {
		s.Verification = err.Error()
	}

	// a boot with no policy only reads the table and selects the application
	o := &boot.Orchestrator{Flash: f, Fuses: b, Digest: d.Digest}
	h, err := o.Run()

	if err != nil {
		s.App = err.Error()
		return s, nil
	}

	st := h.State
	s.App = h.App.String()

	for _, r := range []partition.Region{st.Bootloader, st.Table, st.OTAInfo, st.Factory, st.Test} {
		if r.Present() {
			s.Partitions = append(s.Partitions, r)
		}
	}

	for _, r := range st.OTA {
		if r.Present() {
			s.Partitions = append(s.Partitions, r)
		}
	}

	return s, nil
}

// Print returns the status in human readable form.
func (s *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("----------------------------------------------------------- Device ----\n")
	status.WriteString(fmt.Sprintf("Flash size .............: %#x\n", s.FlashSize))
	status.WriteString(fmt.Sprintf("Flash encryption .......: %v (FLASH_CRYPT_CNT %#02x)\n", s.FlashEncryption, s.CryptCount))
	status.WriteString(fmt.Sprintf("Flash encryption key ...: %s\n", s.FlashKey))
	status.WriteString(fmt.Sprintf("Secure Boot ............: %v\n", s.SecureBoot))
	status.WriteString(fmt.Sprintf("Secure Boot key ........: %s\n", s.SecureBootKey))
	status.WriteString(fmt.Sprintf("Bootloader digest ......: %s\n", s.Verification))
	status.WriteString(fmt.Sprintf("JTAG disabled ..........: %v\n", s.DebugDisabled))

	for _, r := range s.Partitions {
		status.WriteString(fmt.Sprintf("Partition ..............: %v\n", r))
	}

	status.WriteString(fmt.Sprintf("Boot ...................: %s", s.App))

	return status.String()
}
