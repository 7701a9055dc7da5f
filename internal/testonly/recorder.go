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

// Package testonly provides support for boot engine tests.
package testonly

import (
	"fmt"
	"strings"
	"testing"

	"github.com/transparency-dev/armored-secureboot/efuse"
	"github.com/transparency-dev/armored-secureboot/flash"
	"github.com/transparency-dev/armored-secureboot/sim"
)

// Log is the ordered record of hardware transactions seen by the recorders.
type Log struct {
	Events []string
}

func (l *Log) add(format string, args ...interface{}) {
	l.Events = append(l.Events, fmt.Sprintf(format, args...))
}

// match reports whether the leading words of event are prefix.
func match(event string, prefix string) bool {
	return event == prefix || strings.HasPrefix(event, prefix+" ")
}

// Index returns the position of the first event whose leading words are
// prefix, or -1.
func (l *Log) Index(prefix string) int {
	for i, e := range l.Events {
		if match(e, prefix) {
			return i
		}
	}

	return -1
}

// Count returns the number of events whose leading words are prefix.
func (l *Log) Count(prefix string) (n int) {
	for _, e := range l.Events {
		if match(e, prefix) {
			n++
		}
	}

	return
}

// Reset drops every recorded event.
func (l *Log) Reset() {
	l.Events = nil
}

// Medium records the flash transactions issued to the wrapped medium.
type Medium struct {
	flash.Medium
	Log *Log
}

func (m *Medium) Read(addr uint32, p []byte) error {
	m.Log.add("read %#x+%#x", addr, len(p))
	return m.Medium.Read(addr, p)
}

func (m *Medium) Write(addr uint32, p []byte) error {
	m.Log.add("write %#x+%#x", addr, len(p))
	return m.Medium.Write(addr, p)
}

func (m *Medium) WriteEncrypted(addr uint32, p []byte) error {
	m.Log.add("write-encrypted %#x+%#x", addr, len(p))
	return m.Medium.WriteEncrypted(addr, p)
}

func (m *Medium) EraseSector(sector uint32) error {
	m.Log.add("erase-sector %#x", sector*flash.SectorSize)
	return m.Medium.EraseSector(sector)
}

func (m *Medium) EraseBlock(block uint32) error {
	m.Log.add("erase-block %#x", block*flash.BlockSize)
	return m.Medium.EraseBlock(block)
}

func (m *Medium) Unlock() error {
	m.Log.add("unlock")
	return m.Medium.Unlock()
}

func (m *Medium) Command(opcode byte, out []byte, in []byte) error {
	m.Log.add("command %#02x", opcode)
	return m.Medium.Command(opcode, out, in)
}

// Controller records the fuse fields programmed through the wrapped
// controller, each program command is logged as "burn" followed by the
// names of the fields with staged bits.
type Controller struct {
	efuse.Controller
	Log    *Log
	Fields []efuse.Field

	prog map[[2]int]uint32
}

func (c *Controller) WriteWord(block int, word int, val uint32) {
	if c.prog == nil {
		c.prog = make(map[[2]int]uint32)
	}

	c.prog[[2]int{block, word}] = val
	c.Controller.WriteWord(block, word, val)
}

func (c *Controller) staged(f efuse.Field) bool {
	if f.Width > 32 {
		for w := 0; w < int(f.Width/32); w++ {
			if c.prog[[2]int{f.Block, f.Word + w}] != 0 {
				return true
			}
		}

		return false
	}

	mask := uint32(1<<f.Width-1) << f.Shift

	return c.prog[[2]int{f.Block, f.Word}]&mask != 0
}

func (c *Controller) Command(cmd efuse.Cmd) {
	if cmd == efuse.CmdProgram {
		var names []string

		for _, f := range c.Fields {
			if c.staged(f) {
				names = append(names, f.Name)
			}
		}

		c.Log.add("burn %s", strings.Join(names, " "))
	}

	c.Controller.Command(cmd)
}

// Fields returns every field named by l.
func Fields(l efuse.Layout) []efuse.Field {
	return []efuse.Field{
		l.FlashCryptCnt,
		l.FlashCryptConfig,
		l.DisableDownloadEncrypt,
		l.DisableDownloadDecrypt,
		l.DisableDownloadCache,
		l.FlashKey.Key,
		l.FlashKey.ReadDisable,
		l.FlashKey.WriteDisable,
		l.SecureBootKey.Key,
		l.SecureBootKey.ReadDisable,
		l.SecureBootKey.WriteDisable,
		l.SecureBootEnable,
		l.DebugDisable,
	}
}

// Open claims recording handles over the simulated device hardware, they
// are released when the test ends.
func Open(t *testing.T, d *sim.Device) (*flash.Flash, *efuse.Bank, *Log) {
	t.Helper()

	log := &Log{}

	f, err := flash.Open(&Medium{Medium: d.Flash, Log: log}, d.Flash)
	if err != nil {
		t.Fatalf("Failed to open flash: %v", err)
	}
	t.Cleanup(f.Close)

	b, err := efuse.New(&Controller{Controller: d.EFuse, Log: log, Fields: Fields(efuse.ESP32)})
	if err != nil {
		t.Fatalf("Failed to open fuses: %v", err)
	}
	t.Cleanup(b.Close)

	return f, b, log
}
