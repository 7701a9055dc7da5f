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
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeCard is an in-memory eMMC RPMB partition.
type fakeCard struct {
	key     []byte
	counter uint32
	data    map[uint16][SectorSize]byte

	// response to the next ReadRPMB
	res *DataFrame
	// result of the last write request
	result *DataFrame

	// lose lists sectors whose writes silently do not commit.
	lose map[uint16]bool
	// skew is added to the counter returned after writes.
	skew uint32
}

func newFakeCard() *fakeCard {
	return &fakeCard{
		data: make(map[uint16][SectorSize]byte),
		lose: make(map[uint16]bool),
	}
}

func (c *fakeCard) respond(req *DataFrame, result uint16) *DataFrame {
	res := &DataFrame{
		Resp:    req.Req,
		Nonce:   req.Nonce,
		Address: req.Address,
	}
	binary.BigEndian.PutUint16(res.Result[:], result)
	binary.BigEndian.PutUint32(res.WriteCounter[:], c.counter)

	return res
}

func (c *fakeCard) sign(res *DataFrame) {
	if c.key != nil {
		copy(res.KeyMAC[:], MAC(c.key, res.Bytes()))
	}
}

func (c *fakeCard) WriteRPMB(frame []byte, rel bool) error {
	req, err := ParseFrame(frame)
	if err != nil {
		return err
	}

	addr := binary.BigEndian.Uint16(req.Address[:])

	switch req.Req {
	case AuthenticationKeyProgramming:
		if c.key != nil {
			c.result = c.respond(req, WriteFailure)
			break
		}
		c.key = append([]byte{}, req.KeyMAC[:]...)
		c.result = c.respond(req, OperationOK)
	case WriteCounterRead:
		if c.key == nil {
			c.res = c.respond(req, AuthenticationKeyNotYetProgrammed)
			break
		}
		c.res = c.respond(req, OperationOK)
		c.sign(c.res)
	case AuthenticatedDataWrite:
		switch {
		case c.key == nil:
			c.result = c.respond(req, AuthenticationKeyNotYetProgrammed)
		case !hmac.Equal(req.KeyMAC[:], MAC(c.key, frame)):
			c.result = c.respond(req, AuthenticationFailure)
		case req.Counter() != c.counter:
			c.result = c.respond(req, CounterFailure)
		default:
			if !c.lose[addr] {
				c.data[addr] = req.Data
			}
			c.counter++
			c.result = c.respond(req, OperationOK)
			binary.BigEndian.PutUint32(c.result.WriteCounter[:], c.counter+c.skew)
		}
		c.sign(c.result)
	case AuthenticatedDataRead:
		if c.key == nil {
			c.res = c.respond(req, AuthenticationKeyNotYetProgrammed)
			break
		}
		c.res = c.respond(req, OperationOK)
		c.res.Data = c.data[addr]
		c.sign(c.res)
	case ResultRead:
		c.res = c.result
	}

	return nil
}

func (c *fakeCard) ReadRPMB(frame []byte) error {
	if c.res == nil {
		return errors.New("no response")
	}
	copy(frame, c.res.Bytes())
	return nil
}

var testKey = bytes.Repeat([]byte{0x42}, KeyLen)

func newPartition(t *testing.T, c *fakeCard) *Partition {
	t.Helper()

	p, err := New(c, testKey, 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.ProgramKey(); err != nil {
		t.Fatalf("ProgramKey: %v", err)
	}

	return p
}

func TestNew(t *testing.T) {
	if _, err := New(nil, testKey, 0, false); err == nil {
		t.Error("New succeeded without card")
	}
	if _, err := New(newFakeCard(), testKey[:16], 0, false); err == nil {
		t.Error("New succeeded with a short key")
	}

	// invalidation needs a programmed key
	if _, err := New(newFakeCard(), testKey, 0, true); !errors.Is(err, ErrKeyNotProgrammed) {
		t.Errorf("Got %v, want %v", err, ErrKeyNotProgrammed)
	}

	c := newFakeCard()
	newPartition(t, c)
	if _, err := New(c, testKey, 0, true); err != nil {
		t.Fatalf("New: %v", err)
	}
	if c.counter != 1 {
		t.Errorf("Got counter %d after invalidation, want 1", c.counter)
	}
}

func TestProgramKeyOnce(t *testing.T) {
	p := newPartition(t, newFakeCard())

	var oe *OperationError
	if err := p.ProgramKey(); !errors.As(err, &oe) || oe.Result != WriteFailure {
		t.Errorf("Got %v, want write failure", err)
	}
}

func TestReadWrite(t *testing.T) {
	c := newFakeCard()
	p := newPartition(t, c)

	for i := 0; i < 3; i++ {
		want := bytes.Repeat([]byte{byte(i + 1)}, 100)
		if err := p.Write(7, want); err != nil {
			t.Fatalf("Write: %v", err)
		}

		got := make([]byte, 100)
		if err := p.Read(7, got); err != nil {
			t.Fatalf("Read: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("Got %x, want %x", got, want)
		}
	}

	n, err := p.Counter(true)
	if err != nil {
		t.Fatalf("Counter: %v", err)
	}
	if n != 3 {
		t.Errorf("Got counter %d, want 3", n)
	}

	if err := p.Write(0, make([]byte, SectorSize+1)); err == nil {
		t.Error("Write succeeded with an oversized buffer")
	}
}

func TestWrongKey(t *testing.T) {
	c := newFakeCard()
	newPartition(t, c)

	p, err := New(c, bytes.Repeat([]byte{0x24}, KeyLen), 0, false)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := p.Read(0, make([]byte, 16)); !errors.Is(err, ErrInvalidMAC) {
		t.Errorf("Got %v, want %v", err, ErrInvalidMAC)
	}
}

func TestCounterMismatch(t *testing.T) {
	c := newFakeCard()
	p := newPartition(t, c)
	c.skew = 1

	if err := p.Write(1, []byte("replayed")); !errors.Is(err, ErrCounterMismatch) {
		t.Errorf("Got %v, want %v", err, ErrCounterMismatch)
	}
}

func TestBlob(t *testing.T) {
	c := newFakeCard()
	b := &Blob{Partition: newPartition(t, c), First: 4, MaxBlob: 600}

	if _, err := b.Read(); !errors.Is(err, ErrNoBlob) {
		t.Fatalf("Got %v, want %v", err, ErrNoBlob)
	}

	for _, want := range [][]byte{
		bytes.Repeat([]byte("fuse"), 150),
		[]byte("short"),
		{},
		bytes.Repeat([]byte{0xaa}, 257),
	} {
		if err := b.Write(want); err != nil {
			t.Fatalf("Write: %v", err)
		}

		got, err := b.Read()
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		if diff := cmp.Diff(got, want); diff != "" {
			t.Errorf("Got blob diff: %s", diff)
		}
	}

	if err := b.Write(make([]byte, 601)); err == nil {
		t.Error("Write succeeded with an oversized blob")
	}
}

func TestBlobInterruptedWrite(t *testing.T) {
	c := newFakeCard()
	b := &Blob{Partition: newPartition(t, c), First: 4, MaxBlob: 512}

	if err := b.Write([]byte("committed")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// the new content lands in the other area, without header update
	s := b.area(1)
	if err := b.Partition.Write(s, []byte("uncommitted")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := b.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(got) != "committed" {
		t.Errorf("Got %q, want %q", got, "committed")
	}

	// lost writes are caught by the blob hash
	c.lose[s] = true
	if err := b.Write([]byte("lost")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := b.Read(); err == nil {
		t.Error("Read succeeded on a blob with lost sectors")
	}
}

func TestOperationError(t *testing.T) {
	for _, test := range []struct {
		result uint16
		want   error
	}{
		{result: AuthenticationKeyNotYetProgrammed, want: ErrKeyNotProgrammed},
		{result: AuthenticationFailure | 0x80, want: ErrAuthentication},
		{result: CounterFailure, want: ErrOperation},
	} {
		if err := error(&OperationError{Result: test.result}); !errors.Is(err, test.want) {
			t.Errorf("Got %v for result %#x, want %v", err, test.result, test.want)
		}
	}
}
