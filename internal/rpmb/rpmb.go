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

// Package rpmb implements authenticated access to the Replay Protected
// Memory Block (RPMB) partition of an eMMC, used to keep state which must
// survive resets without being rolled back, such as emulated fuses.
//
// Writes mitigate CVE-2020-13799 as described in the whitepaper linked at:
//
//	https://www.westerndigital.com/support/productsecurity/wdc-20008-replay-attack-vulnerabilities-rpmb-protocol-applications
package rpmb

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"k8s.io/klog/v2"
)

// KeyLen is the size of the MAC key.
const KeyLen = 32

// SectorSize is the size of the data field of a single transfer.
const SectorSize = 256

// Card represents the eMMC RPMB frame interface, as provided by the TamaGo
// uSDHC driver.
type Card interface {
	// WriteRPMB sends a request frame, rel selects a reliable write.
	WriteRPMB(frame []byte, rel bool) error
	// ReadRPMB reads a response frame.
	ReadRPMB(frame []byte) error
}

// Partition is the access handle to an RPMB partition.
type Partition struct {
	sync.Mutex

	card Card
	key  [KeyLen]byte

	// Rand generates request nonces, crypto/rand when nil.
	Rand io.Reader
}

// New returns a partition handle for card authenticated with key.
//
// When invalidate is set a write to dummySector, a sector never used for
// data, invalidates any write left uncommitted by an attacker
// (CVE-2020-13799); it requires the key to be programmed already.
func New(card Card, key []byte, dummySector uint16, invalidate bool) (*Partition, error) {
	if card == nil {
		return nil, errors.New("rpmb: no card")
	}

	if len(key) != KeyLen {
		return nil, fmt.Errorf("rpmb: invalid MAC key size %d", len(key))
	}

	p := &Partition{card: card}
	copy(p.key[:], key)

	if invalidate {
		if err := p.Write(dummySector, nil); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func (p *Partition) nonce(n int) ([]byte, error) {
	r := p.Rand

	if r == nil {
		r = rand.Reader
	}

	buf := make([]byte, n)

	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("rpmb: could not generate nonce, %w", err)
	}

	return buf, nil
}

// ProgramKey programs the partition authentication key.
//
// *WARNING*: this is a one-time irreversible operation for the specific
// eMMC.
func (p *Partition) ProgramKey() error {
	klog.Infof("rpmb: programming authentication key")

	req := &DataFrame{
		KeyMAC: p.key,
		Req:    AuthenticationKeyProgramming,
	}

	_, err := p.op(req, &Config{ResultRead: true})

	return err
}

// Counter returns the partition write counter, auth selects an
// authenticated read.
func (p *Partition) Counter(auth bool) (uint32, error) {
	req := &DataFrame{
		Req: WriteCounterRead,
	}

	res, err := p.op(req, &Config{RandomNonce: auth, ResponseMAC: auth})

	if err != nil {
		return 0, err
	}

	return res.Counter(), nil
}

// Write performs an authenticated write of up to SectorSize bytes to a
// sector.
//
// The response counter must be a single increment of the request counter,
// otherwise ErrCounterMismatch is returned (CVE-2020-13799).
func (p *Partition) Write(sector uint16, buf []byte) error {
	return p.transfer(AuthenticatedDataWrite, sector, buf)
}

// Read performs an authenticated read of up to SectorSize bytes from a
// sector.
func (p *Partition) Read(sector uint16, buf []byte) error {
	return p.transfer(AuthenticatedDataRead, sector, buf)
}
