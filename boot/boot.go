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

// Package boot sequences the second stage bootloader: partition table
// parsing, flash encryption, secure boot enablement and application
// selection.
package boot

import (
	"errors"
	"fmt"
	"io"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-secureboot/efuse"
	"github.com/transparency-dev/armored-secureboot/flash"
	"github.com/transparency-dev/armored-secureboot/flashcrypt"
	"github.com/transparency-dev/armored-secureboot/partition"
	"github.com/transparency-dev/armored-secureboot/secureboot"
)

// Boot stages, as reported by HaltError.
const (
	StagePartitionTable  = "partition table"
	StageFlashEncryption = "flash encryption"
	StageSecureBoot      = "secure boot"
	StageBootSelection   = "boot selection"
)

// HaltError is returned when a stage fails, the device must not proceed to
// the application.
type HaltError struct {
	Stage string
	Err   error
}

func (e *HaltError) Error() string {
	return fmt.Sprintf("boot halted in %s stage: %v", e.Stage, e.Err)
}

func (e *HaltError) Unwrap() error {
	return e.Err
}

// Policy selects the irreversible transitions performed at boot.
type Policy struct {
	FlashEncryption bool
	SecureBoot      bool
	// AllowDebug keeps JTAG enabled when enabling secure boot.
	AllowDebug bool
}

// Handoff describes the application the bootloader hands control to.
type Handoff struct {
	State *partition.BootloaderState
	App   partition.Region

	FlashEncryption flashcrypt.Result
	SecureBoot      secureboot.Result
}

// Orchestrator is the only caller of the irreversible boot transitions.
type Orchestrator struct {
	Flash *flash.Flash
	Fuses *efuse.Bank
	// Layout locates the fuse fields, efuse.ESP32 when zero.
	Layout efuse.Layout
	Digest secureboot.Digester
	RNG    io.Reader

	Policy Policy
	// Progress, when set, reports flash encryption progress.
	Progress func(done int, total int)
}

func (o *Orchestrator) halt(stage string, err error) error {
	klog.Errorf("boot: halting, %s failed: %v", stage, err)
	return &HaltError{Stage: stage, Err: err}
}

func (o *Orchestrator) readState() (*partition.BootloaderState, error) {
	buf := make([]byte, partition.TableMaxLen)

	if err := o.Flash.Read(partition.TableOffset, buf, true); err != nil {
		return nil, err
	}

	return partition.Parse(buf)
}

// readOTAData maps the OTA select sectors through the cache window, which
// decrypts them when flash encryption is enabled.
func (o *Orchestrator) readOTAData(r partition.Region) ([]byte, error) {
	size := min(r.Size&^(flash.CryptAlign-1), partition.OTADataSectors*partition.OTADataSectorSize)

	if size == 0 {
		return nil, nil
	}

	v, err := o.Flash.Mmap(r.Offset, size)

	if err != nil {
		return nil, err
	}

	defer o.Flash.Munmap(v)

	klog.V(2).Infof("boot: mapped OTA data %#x (%d bytes)", v.Addr(), v.Len())

	return v.Bytes()
}

func (o *Orchestrator) selectApp(s *partition.BootloaderState) (*partition.BootloaderState, partition.Region, error) {
	var otadata []byte

	if s.OTAInfo.Present() {
		var err error

		if otadata, err = o.readOTAData(s.OTAInfo); err != nil {
			return nil, partition.Region{}, err
		}
	}

	sel, err := s.SelectBoot(otadata)

	if err != nil {
		return nil, partition.Region{}, err
	}

	app, _ := sel.Selected()

	return sel, app, nil
}

// Run performs the boot sequence. Any failure is returned as a HaltError
// naming the failed stage, no stage is retried.
func (o *Orchestrator) Run() (*Handoff, error) {
	if o.Flash == nil || o.Fuses == nil {
		return nil, o.halt(StagePartitionTable, errors.New("missing flash or fuses"))
	}

	h := &Handoff{}

	s, err := o.readState()

	if err != nil {
		return nil, o.halt(StagePartitionTable, err)
	}

	if o.Policy.FlashEncryption {
		fc := &flashcrypt.Engine{
			Flash:    o.Flash,
			Fuses:    o.Fuses,
			Layout:   o.Layout,
			State:    s,
			RNG:      o.RNG,
			Progress: o.Progress,
		}

		if h.FlashEncryption, err = fc.Run(); err != nil {
			return nil, o.halt(StageFlashEncryption, err)
		}

		klog.Infof("boot: flash encryption %s", h.FlashEncryption)
	}

	if o.Policy.SecureBoot {
		sb := &secureboot.Engine{
			Flash:      o.Flash,
			Fuses:      o.Fuses,
			Layout:     o.Layout,
			Digest:     o.Digest,
			RNG:        o.RNG,
			AllowDebug: o.Policy.AllowDebug,
		}

		if h.SecureBoot, err = sb.Run(); err != nil {
			return nil, o.halt(StageSecureBoot, err)
		}

		klog.Infof("boot: secure boot %s", h.SecureBoot)
	}

	if h.State, h.App, err = o.selectApp(s); err != nil {
		return nil, o.halt(StageBootSelection, err)
	}

	klog.Infof("boot: handing off to %v", h.App)

	return h, nil
}
