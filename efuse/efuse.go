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

// Package efuse implements access to one-time-programmable fuse fields.
//
// Writes are staged in the controller program registers and committed
// together by Burn, which runs the two-phase program/read protocol of the
// fuse cells.
//
// *WARNING*: a burn is irreversible, fuses can only ever transition from 0
// to 1.
package efuse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Mode is the controller timing configuration.
type Mode uint32

// Controller timing configurations.
const (
	ModeRead    Mode = 0x5aa5
	ModeProgram Mode = 0x5a5a
)

// Cmd is a controller command.
type Cmd uint32

// Controller commands.
const (
	CmdRead    Cmd = 1 << 0
	CmdProgram Cmd = 1 << 1
)

// DefaultPolls bounds each busy wait of a burn.
const DefaultPolls = 1 << 16

var (
	ErrBurnTimeout = errors.New("efuse burn timed out")
	ErrInUse       = errors.New("efuse controller already claimed")
)

// BurnError reports the burn phase whose busy wait did not complete.
type BurnError struct {
	Phase string
}

func (e *BurnError) Error() string {
	return fmt.Sprintf("efuse %s phase: %v", e.Phase, ErrBurnTimeout)
}

func (e *BurnError) Unwrap() error {
	return ErrBurnTimeout
}

// Controller represents the fuse controller registers.
//
// Implementations must be comparable (e.g. pointer types), as New claims
// each Controller for exclusive use.
type Controller interface {
	// ReadWord returns a read register, refreshed by CmdRead.
	ReadWord(block int, word int) uint32
	// WriteWord sets a program register.
	WriteWord(block int, word int, val uint32)
	// SetMode sets the controller timing configuration.
	SetMode(m Mode)
	// Command issues a controller command.
	Command(cmd Cmd)
	// Busy reports whether the last command is still executing.
	Busy() bool
}

var (
	claimMu sync.Mutex
	claimed = make(map[Controller]bool)
)

type wordAddr struct {
	block int
	word  int
}

// Bank is the exclusive access handle to a fuse controller.
type Bank struct {
	c Controller

	// MaxPolls bounds each busy wait in Burn, DefaultPolls when zero.
	MaxPolls int

	staged map[wordAddr]uint32
	// failed holds the burn error that left the fuses in an
	// indeterminate state.
	failed error
}

// New claims the controller, only a single Bank may exist for a given
// controller until Close is called.
func New(c Controller) (*Bank, error) {
	if c == nil {
		return nil, errors.New("efuse: missing controller")
	}

	claimMu.Lock()
	defer claimMu.Unlock()

	if claimed[c] {
		return nil, ErrInUse
	}

	claimed[c] = true

	return &Bank{
		c:      c,
		staged: make(map[wordAddr]uint32),
	}, nil
}

// Close releases the controller claim.
func (b *Bank) Close() {
	claimMu.Lock()
	defer claimMu.Unlock()

	delete(claimed, b.c)
}

// Read returns the current value of a field up to 32 bits wide.
func (b *Bank) Read(f Field) uint32 {
	if f.wide() {
		panic(fmt.Sprintf("efuse: %s is %d bits wide, use ReadBytes", f.Name, f.Width))
	}

	return (b.c.ReadWord(f.Block, f.Word) & f.mask()) >> f.Shift
}

// ReadBytes returns the current value of a field as little-endian bytes.
// Read protected fields read as zero.
func (b *Bank) ReadBytes(f Field) []byte {
	if !f.wide() {
		buf := make([]byte, 4)
		binary.LittleEndian.PutUint32(buf, b.Read(f))
		return buf[:(f.Width+7)/8]
	}

	buf := make([]byte, f.Width/8)

	for i := 0; i < len(buf)/4; i++ {
		binary.LittleEndian.PutUint32(buf[i*4:], b.c.ReadWord(f.Block, f.Word+i))
	}

	return buf
}

func (b *Bank) stageWord(w wordAddr, mask uint32, val uint32) {
	cur := b.staged[w]&^mask | val&mask
	b.staged[w] = cur
	b.c.WriteWord(w.block, w.word, cur)
}

// Stage buffers val for a field up to 32 bits wide in the program
// registers. Nothing is committed until Burn, the last value staged for a
// field wins.
func (b *Bank) Stage(f Field, val uint32) {
	if f.wide() {
		panic(fmt.Sprintf("efuse: %s is %d bits wide, use StageBytes", f.Name, f.Width))
	}

	klog.V(2).Infof("efuse: staging %s = %#x", f.Name, val)
	b.stageWord(wordAddr{f.Block, f.Word}, f.mask(), val<<f.Shift)
}

// StageBytes buffers a wide field from little-endian bytes. The caller
// owns p and should wipe it once staged if it holds key material.
func (b *Bank) StageBytes(f Field, p []byte) error {
	if !f.wide() || uint(len(p))*8 != f.Width {
		return fmt.Errorf("efuse: invalid value size %d for %s", len(p), f.Name)
	}

	klog.V(2).Infof("efuse: staging %s (%d bytes)", f.Name, len(p))

	for i := 0; i < len(p)/4; i++ {
		b.stageWord(wordAddr{f.Block, f.Word + i}, ^uint32(0), binary.LittleEndian.Uint32(p[i*4:]))
	}

	return nil
}

// Pending reports whether any value is staged.
func (b *Bank) Pending() bool {
	return len(b.staged) > 0
}

func (b *Bank) wait(phase string) error {
	polls := b.MaxPolls

	if polls <= 0 {
		polls = DefaultPolls
	}

	for i := 0; b.c.Busy(); i++ {
		if i >= polls {
			return &BurnError{Phase: phase}
		}
	}

	return nil
}

// Burn commits all staged values as a single hardware operation: program
// mode, program command, busy wait, read mode, read command, busy wait.
//
// A BurnError is fatal, the fuses may be partially programmed and the bank
// refuses any further burn.
func (b *Bank) Burn() (err error) {
	if b.failed != nil {
		return b.failed
	}

	if len(b.staged) == 0 {
		return
	}

	klog.V(2).Infof("efuse: burning %d staged words", len(b.staged))

	defer func() {
		if err != nil {
			b.failed = err
		}

		b.wipe()
	}()

	b.c.SetMode(ModeProgram)
	b.c.Command(CmdProgram)

	if err = b.wait("program"); err != nil {
		return
	}

	b.c.SetMode(ModeRead)
	b.c.Command(CmdRead)

	if err = b.wait("read"); err != nil {
		return
	}

	return
}

// wipe clears the staged values, which may hold key material, and the
// program registers.
func (b *Bank) wipe() {
	for w := range b.staged {
		b.staged[w] = 0
		b.c.WriteWord(w.block, w.word, 0)
	}

	b.staged = make(map[wordAddr]uint32)
}
