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
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// FrameLength is the size of a request or response frame.
	FrameLength = 512
	// MACOffset is the distance from the frame end of the MAC input, which
	// starts at the data field.
	MACOffset = 284
)

// p99, Table 18, RPMB Request/Response Message Types, JESD84-B51
const (
	AuthenticationKeyProgramming = iota + 1
	WriteCounterRead
	AuthenticatedDataWrite
	AuthenticatedDataRead
	ResultRead
)

// p100, Table 20, RPMB Operation Results, JESD84-B51
const (
	OperationOK = iota
	GeneralFailure
	AuthenticationFailure
	CounterFailure
	AddressFailure
	WriteFailure
	ReadFailure
	AuthenticationKeyNotYetProgrammed
)

var (
	ErrKeyNotProgrammed = errors.New("rpmb authentication key not programmed")
	ErrAuthentication   = errors.New("rpmb authentication failure")
	ErrOperation        = errors.New("rpmb operation failure")
	ErrInvalidMAC       = errors.New("rpmb invalid response MAC")
	ErrCounterMismatch  = errors.New("rpmb write counter mismatch")
)

// OperationError reports a non zero operation result returned by the card.
type OperationError struct {
	Result uint16
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("rpmb operation failed (%#x)", e.Result)
}

func (e *OperationError) Unwrap() error {
	// bit 7 flags an expired write counter
	switch e.Result &^ 0x80 {
	case AuthenticationKeyNotYetProgrammed:
		return ErrKeyNotProgrammed
	case AuthenticationFailure:
		return ErrAuthentication
	}

	return ErrOperation
}

// Config selects the request and response processing.
type Config struct {
	// compute request MAC before sending
	RequestMAC bool
	// validate response MAC after receiving
	ResponseMAC bool
	// set Nonce field with random value
	RandomNonce bool
	// get response with a result read request
	ResultRead bool
}

// p98, Table 17, Data Frame Files for RPMB, JESD84-B51
type DataFrame struct {
	StuffBytes   [196]byte
	KeyMAC       [32]byte
	Data         [SectorSize]byte
	Nonce        [16]byte
	WriteCounter [4]byte
	Address      [2]byte
	BlockCount   [2]byte
	Result       [2]byte
	Resp         byte
	Req          byte
}

// Counter returns the data frame WriteCounter.
func (d *DataFrame) Counter() uint32 {
	return binary.BigEndian.Uint32(d.WriteCounter[:])
}

// Bytes encodes the data frame.
func (d *DataFrame) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ParseFrame decodes a data frame.
func ParseFrame(buf []byte) (*DataFrame, error) {
	if len(buf) != FrameLength {
		return nil, fmt.Errorf("invalid frame length %d", len(buf))
	}

	d := &DataFrame{}

	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, d); err != nil {
		return nil, err
	}

	return d, nil
}

// MAC returns the frame HMAC-SHA256 under key.
func MAC(key []byte, frame []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(frame[FrameLength-MACOffset:])
	return mac.Sum(nil)
}

func (p *Partition) op(req *DataFrame, cfg *Config) (*DataFrame, error) {
	p.Lock()
	defer p.Unlock()

	if cfg.RequestMAC {
		copy(req.KeyMAC[:], MAC(p.key[:], req.Bytes()))
	}

	if cfg.RandomNonce {
		n, err := p.nonce(len(req.Nonce))

		if err != nil {
			return nil, err
		}

		copy(req.Nonce[:], n)
	}

	var rel bool

	switch req.Req {
	case AuthenticationKeyProgramming, AuthenticatedDataWrite:
		rel = true
	}

	if err := p.card.WriteRPMB(req.Bytes(), rel); err != nil {
		return nil, err
	}

	if cfg.ResultRead {
		resReq := DataFrame{
			Req: ResultRead,
		}

		if err := p.card.WriteRPMB(resReq.Bytes(), false); err != nil {
			return nil, err
		}
	}

	buf := make([]byte, FrameLength)

	if err := p.card.ReadRPMB(buf); err != nil {
		return nil, err
	}

	res, err := ParseFrame(buf)

	if err != nil {
		return nil, err
	}

	switch {
	case req.Req != res.Resp:
		return nil, fmt.Errorf("%w: request/response type mismatch", ErrOperation)
	case req.Nonce != res.Nonce:
		return nil, fmt.Errorf("%w: nonce mismatch", ErrOperation)
	}

	// failures are not authenticated before the key is programmed
	if result := binary.BigEndian.Uint16(res.Result[:]); result != OperationOK {
		return nil, &OperationError{Result: result}
	}

	if cfg.ResponseMAC && !hmac.Equal(res.KeyMAC[:], MAC(p.key[:], buf)) {
		return nil, ErrInvalidMAC
	}

	return res, nil
}

func (p *Partition) transfer(kind byte, sector uint16, buf []byte) error {
	if len(buf) > SectorSize {
		return fmt.Errorf("rpmb: transfer size %d exceeds %d bytes", len(buf), SectorSize)
	}

	cfg := &Config{
		RequestMAC:  true,
		ResponseMAC: true,
	}

	req := &DataFrame{
		Req: kind,
	}

	if kind == AuthenticatedDataWrite {
		counter, err := p.Counter(true)

		if err != nil {
			return err
		}

		binary.BigEndian.PutUint32(req.WriteCounter[:], counter)
		cfg.ResultRead = true
	} else {
		cfg.RandomNonce = true
	}

	binary.BigEndian.PutUint16(req.BlockCount[:], 1)
	binary.BigEndian.PutUint16(req.Address[:], sector)
	copy(req.Data[:], buf)

	res, err := p.op(req, cfg)

	if err != nil {
		return err
	}

	if kind == AuthenticatedDataRead {
		copy(buf, res.Data[:])
	} else if res.Counter() != req.Counter()+1 {
		return ErrCounterMismatch
	}

	return nil
}
