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

package efuse

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// fakeController programs cells by OR-ing the program registers on
// CmdProgram, and records every register access.
type fakeController struct {
	cells [ESP32Blocks][ESP32Words]uint32
	read  [ESP32Blocks][ESP32Words]uint32
	prog  [ESP32Blocks][ESP32Words]uint32

	mode   Mode
	events []string
	// busyPolls is the number of polls each command stays busy, negative
	// values never complete.
	busyPolls int
	pending   int
}

func newFakeController(t *testing.T) *fakeController {
	t.Helper()
	return &fakeController{mode: ModeRead}
}

func (c *fakeController) ReadWord(block int, word int) uint32 {
	return c.read[block][word]
}

func (c *fakeController) WriteWord(block int, word int, val uint32) {
	c.prog[block][word] = val
}

func (c *fakeController) SetMode(m Mode) {
	c.mode = m
	c.events = append(c.events, "mode")
}

func (c *fakeController) Command(cmd Cmd) {
	switch cmd {
	case CmdProgram:
		c.events = append(c.events, "program")
		if c.mode == ModeProgram {
			for b := range c.cells {
				for w := range c.cells[b] {
					c.cells[b][w] |= c.prog[b][w]
				}
			}
		}
	case CmdRead:
		c.events = append(c.events, "read")
		c.read = c.cells
	}
	c.pending = c.busyPolls
}

func (c *fakeController) Busy() bool {
	if c.pending < 0 {
		return true
	}
	if c.pending > 0 {
		c.pending--
		return true
	}
	return false
}

func openBank(t *testing.T, c Controller) *Bank {
	t.Helper()
	b, err := New(c)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(b.Close)
	return b
}

func TestNewClaim(t *testing.T) {
	c := newFakeController(t)
	b := openBank(t, c)

	if _, err := New(c); !errors.Is(err, ErrInUse) {
		t.Fatalf("Got %v, want %v", err, ErrInUse)
	}

	b.Close()

	b2, err := New(c)
	if err != nil {
		t.Fatalf("New after Close: %v", err)
	}
	b2.Close()
}

func TestStageBurn(t *testing.T) {
	c := newFakeController(t)
	c.busyPolls = 3
	b := openBank(t, c)
	l := ESP32

	b.Stage(l.FlashCryptCnt, 0x01)
	// last write wins
	b.Stage(l.FlashCryptCnt, 0x03)
	b.Stage(l.FlashCryptConfig, 0xf)
	b.Stage(l.FlashKey.WriteDisable, 1)

	if got := b.Read(l.FlashCryptCnt); got != 0 {
		t.Fatalf("Staged value visible before burn: %#x", got)
	}

	if err := b.Burn(); err != nil {
		t.Fatalf("Burn: %v", err)
	}

	if diff := cmp.Diff(c.events, []string{"mode", "program", "mode", "read"}); diff != "" {
		t.Errorf("Got burn sequence diff: %s", diff)
	}

	for _, test := range []struct {
		f    Field
		want uint32
	}{
		{f: l.FlashCryptCnt, want: 0x03},
		{f: l.FlashCryptConfig, want: 0xf},
		{f: l.FlashKey.WriteDisable, want: 1},
		{f: l.FlashKey.ReadDisable, want: 0},
	} {
		if got := b.Read(test.f); got != test.want {
			t.Errorf("Got %s = %#x, want %#x", test.f, got, test.want)
		}
	}

	if got, want := c.cells[0][0], uint32(0x03<<20|1<<7); got != want {
		t.Errorf("Got BLK0 word 0 %#08x, want %#08x", got, want)
	}

	if b.Pending() {
		t.Error("Staged values left after burn")
	}

	for _, w := range c.prog {
		for _, v := range w {
			if v != 0 {
				t.Fatal("Program registers not cleared after burn")
			}
		}
	}

	// nothing staged, nothing burned
	c.events = nil
	if err := b.Burn(); err != nil {
		t.Fatalf("Burn: %v", err)
	}
	if len(c.events) != 0 {
		t.Errorf("Got events %v for an empty burn", c.events)
	}
}

func TestBurnTimeout(t *testing.T) {
	c := newFakeController(t)
	c.busyPolls = -1
	b := openBank(t, c)
	b.MaxPolls = 10

	b.Stage(ESP32.SecureBootEnable, 1)

	err := b.Burn()
	if !errors.Is(err, ErrBurnTimeout) {
		t.Fatalf("Got %v, want %v", err, ErrBurnTimeout)
	}
	var be *BurnError
	if !errors.As(err, &be) || be.Phase != "program" {
		t.Fatalf("Got %v, want program phase BurnError", err)
	}

	// a failed burn is never retried
	c.busyPolls = 0
	c.events = nil
	if err := b.Burn(); !errors.Is(err, ErrBurnTimeout) {
		t.Fatalf("Got %v on retry, want %v", err, ErrBurnTimeout)
	}
	if len(c.events) != 0 {
		t.Errorf("Got events %v after a failed burn", c.events)
	}
}

func TestWideFields(t *testing.T) {
	c := newFakeController(t)
	b := openBank(t, c)
	k := ESP32.SecureBootKey.Key

	key := bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04}, 8)

	if err := b.StageBytes(k, key[:31]); err == nil {
		t.Fatal("StageBytes accepted a short key")
	}
	if err := b.StageBytes(ESP32.FlashCryptCnt, key[:1]); err == nil {
		t.Fatal("StageBytes accepted a narrow field")
	}
	if err := b.StageBytes(k, key); err != nil {
		t.Fatalf("StageBytes: %v", err)
	}
	if err := b.Burn(); err != nil {
		t.Fatalf("Burn: %v", err)
	}
	if diff := cmp.Diff(b.ReadBytes(k), key); diff != "" {
		t.Errorf("Got key diff: %s", diff)
	}
	if got, want := c.cells[2][7], uint32(0x04030201); got != want {
		t.Errorf("Got BLK2 word 7 %#08x, want %#08x", got, want)
	}

	defer func() {
		if recover() == nil {
			t.Error("Read of a wide field did not panic")
		}
	}()
	b.Read(k)
}

func TestBurnWipesStagedKey(t *testing.T) {
	for _, test := range []struct {
		desc      string
		busyPolls int
	}{
		{desc: "success", busyPolls: 0},
		{desc: "timeout", busyPolls: -1},
	} {
		t.Run(test.desc, func(t *testing.T) {
			c := newFakeController(t)
			c.busyPolls = test.busyPolls
			b := openBank(t, c)
			b.MaxPolls = 10
			k := ESP32.FlashKey.Key

			key := bytes.Repeat([]byte{0xa5}, int(k.Width/8))
			if err := b.StageBytes(k, key); err != nil {
				t.Fatalf("StageBytes: %v", err)
			}
			for i := range key {
				key[i] = 0
			}

			staged := b.staged
			if got, want := len(staged), ESP32Words; got != want {
				t.Fatalf("Got %d staged words, want %d", got, want)
			}

			err := b.Burn()
			if test.busyPolls < 0 && !errors.Is(err, ErrBurnTimeout) {
				t.Fatalf("Got %v, want %v", err, ErrBurnTimeout)
			}
			if test.busyPolls >= 0 && err != nil {
				t.Fatalf("Burn: %v", err)
			}

			for w, v := range staged {
				if v != 0 {
					t.Errorf("Got staged word %d/%d = %#08x after Burn, want 0", w.block, w.word, v)
				}
			}
			for w, v := range c.prog[k.Block] {
				if v != 0 {
					t.Errorf("Got program register %d/%d = %#08x after Burn, want 0", k.Block, w, v)
				}
			}
			if b.Pending() {
				t.Error("Got pending values after Burn")
			}
		})
	}
}
