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

package boot_test

import (
	"errors"
	"testing"

	"github.com/transparency-dev/armored-secureboot/binimage"
	"github.com/transparency-dev/armored-secureboot/boot"
	"github.com/transparency-dev/armored-secureboot/efuse"
	"github.com/transparency-dev/armored-secureboot/flashcrypt"
	"github.com/transparency-dev/armored-secureboot/internal/testonly"
	"github.com/transparency-dev/armored-secureboot/partition"
	"github.com/transparency-dev/armored-secureboot/secureboot"
	"github.com/transparency-dev/armored-secureboot/sim"
)

var otaTable = []partition.Entry{
	{Kind: partition.Data, Subtype: partition.SubtypeOTAData, Offset: 0xd000, Size: 0x2000, Label: "otadata"},
	{Kind: partition.App, Subtype: partition.SubtypeFactory, Offset: 0x10000, Size: 0x100000, Label: "factory"},
	{Kind: partition.App, Subtype: partition.SubtypeOTAMin, Offset: 0x110000, Size: 0x100000, Label: "ota_0"},
	{Kind: partition.App, Subtype: partition.SubtypeOTAMin + 1, Offset: 0x210000, Size: 0x100000, Label: "ota_1"},
}

// selectOTA programs OTA selection records with the given sequence numbers,
// one per otadata sector.
func selectOTA(t *testing.T, d *sim.Device, seqs ...uint32) {
	t.Helper()

	for i, seq := range seqs {
		rec, err := partition.NewOTARecord(seq).MarshalBinary()
		if err != nil {
			t.Fatalf("MarshalBinary: %v", err)
		}
		d.Flash.Program(0xd000+uint32(i)*partition.OTADataSectorSize, rec)
	}
}

func newOrchestrator(t *testing.T, d *sim.Device, p boot.Policy) (*boot.Orchestrator, *testonly.Log) {
	t.Helper()
	f, b, log := testonly.Open(t, d)

	return &boot.Orchestrator{
		Flash:  f,
		Fuses:  b,
		Digest: d.Digest,
		RNG:    testonly.RNG(4),
		Policy: p,
	}, log
}

func TestRun(t *testing.T) {
	d := testonly.NewDevice(t, otaTable, 0x3000)
	selectOTA(t, d, 1, 2)

	var calls, total int
	o, log := newOrchestrator(t, d, boot.Policy{FlashEncryption: true, SecureBoot: true})
	o.Progress = func(done int, n int) {
		calls++
		if done != calls {
			t.Errorf("Got progress %d after %d calls", done, calls)
		}
		total = n
	}

	h, err := o.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if h.FlashEncryption != flashcrypt.Done {
		t.Errorf("Got flash encryption %v, want %v", h.FlashEncryption, flashcrypt.Done)
	}
	if h.SecureBoot != secureboot.Enabled {
		t.Errorf("Got secure boot %v, want %v", h.SecureBoot, secureboot.Enabled)
	}
	if got, want := h.App.Name(), "ota_1"; got != want {
		t.Errorf("Got application %q, want %q", got, want)
	}
	if got, want := h.State.SelectedSubtype, partition.SubtypeOTAMin+1; got != want {
		t.Errorf("Got selected subtype %#x, want %#x", got, want)
	}
	if calls == 0 || calls != total {
		t.Errorf("Got %d progress calls for %d sectors", calls, total)
	}

	if !d.EFuse.FlashCryptEnabled() {
		t.Error("Flash encryption not enabled")
	}
	if err := d.VerifySecureBoot(); err != nil {
		t.Errorf("VerifySecureBoot: %v", err)
	}

	// flash is encrypted before the digest is stored and enabled
	encrypted := log.Index("burn FLASH_CRYPT_CNT")
	enabled := log.Index("burn ABS_DONE_0")
	if encrypted < 0 || encrypted > enabled {
		t.Errorf("Got flash encryption burn %d, secure boot burn %d", encrypted, enabled)
	}

	// the OTA data mapping is released before handoff
	v, err := o.Flash.Mmap(0, 0x10)
	if err != nil {
		t.Fatalf("Mmap after Run: %v", err)
	}
	o.Flash.Munmap(v)
}

func TestRunSecondBoot(t *testing.T) {
	d := testonly.NewDevice(t, otaTable, 0x3000)
	selectOTA(t, d, 3)

	o, log := newOrchestrator(t, d, boot.Policy{FlashEncryption: true, SecureBoot: true})
	first, err := o.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	log.Reset()
	programs := d.EFuse.Programs

	second, err := o.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if second.FlashEncryption != flashcrypt.AlreadyDone {
		t.Errorf("Got flash encryption %v, want %v", second.FlashEncryption, flashcrypt.AlreadyDone)
	}
	if second.SecureBoot != secureboot.AlreadyEnabled {
		t.Errorf("Got secure boot %v, want %v", second.SecureBoot, secureboot.AlreadyEnabled)
	}
	if second.App != first.App {
		t.Errorf("Got application %v, want %v", second.App, first.App)
	}
	if got, want := second.App.Name(), "ota_0"; got != want {
		t.Errorf("Got application %q, want %q", got, want)
	}

	for _, op := range []string{"write", "write-encrypted", "erase-sector", "erase-block", "burn"} {
		if n := log.Count(op); n != 0 {
			t.Errorf("Got %d %q transactions on second boot", n, op)
		}
	}
	if d.EFuse.Programs != programs {
		t.Errorf("Got %d fuse programs on second boot", d.EFuse.Programs-programs)
	}
}

func TestRunNoPolicy(t *testing.T) {
	d := testonly.NewDevice(t, otaTable, 0x1000)

	o, log := newOrchestrator(t, d, boot.Policy{})
	h, err := o.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	// no valid OTA record
	if got, want := h.App.Name(), "factory"; got != want {
		t.Errorf("Got application %q, want %q", got, want)
	}
	if h.FlashEncryption != 0 || h.SecureBoot != 0 {
		t.Errorf("Got results %v, %v with no policy", h.FlashEncryption, h.SecureBoot)
	}
	if n := log.Count("burn") + log.Count("write") + log.Count("erase-sector"); n != 0 {
		t.Errorf("Got %d mutating transactions: %v", n, log.Events)
	}
}

func TestRunHalts(t *testing.T) {
	for _, test := range []struct {
		name    string
		entries []partition.Entry
		policy  boot.Policy
		setup   func(d *sim.Device)
		stage   string
		wantErr error
	}{
		{
			name:    "corrupt table",
			entries: testonly.Factory,
			policy:  boot.Policy{FlashEncryption: true, SecureBoot: true},
			setup:   func(d *sim.Device) { d.Flash.Program(partition.TableOffset, []byte{0x00}) },
			stage:   boot.StagePartitionTable,
			wantErr: partition.ErrBadMagic,
		}, {
			name:    "invalid application image",
			entries: testonly.Factory,
			policy:  boot.Policy{FlashEncryption: true, SecureBoot: true},
			setup:   func(d *sim.Device) { d.Flash.Program(0x10000, []byte{0x00}) },
			stage:   boot.StageFlashEncryption,
			wantErr: binimage.ErrInvalidImageLength,
		}, {
			name:    "unprotected secure boot key",
			entries: testonly.Factory,
			policy:  boot.Policy{SecureBoot: true},
			setup:   func(d *sim.Device) { d.EFuse.SetCell(0, 0, 1<<17) },
			stage:   boot.StageSecureBoot,
			wantErr: efuse.ErrUnprotectedPreloadedKey,
		}, {
			name: "nothing to boot",
			entries: []partition.Entry{
				{Kind: partition.Data, Subtype: partition.SubtypeNVS, Offset: 0x9000, Size: 0x4000, Label: "nvs"},
			},
			stage:   boot.StageBootSelection,
			wantErr: partition.ErrNoBootable,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			d := testonly.NewDevice(t, test.entries, 0x1000)
			if test.setup != nil {
				test.setup(d)
			}

			o, _ := newOrchestrator(t, d, test.policy)
			h, err := o.Run()

			var he *boot.HaltError
			if !errors.As(err, &he) {
				t.Fatalf("Got %v (handoff %v), want HaltError", err, h)
			}
			if he.Stage != test.stage {
				t.Errorf("Got stage %q, want %q", he.Stage, test.stage)
			}
			if !errors.Is(err, test.wantErr) {
				t.Errorf("Got %v, want %v", err, test.wantErr)
			}
			if d.EFuse.SecureBootEnabled() {
				t.Error("Secure boot enabled by a halted boot")
			}
		})
	}
}

func TestRunHaltSkipsLaterStages(t *testing.T) {
	d := testonly.NewDevice(t, testonly.Factory, 0x1000)
	d.Flash.Program(0x10000, []byte{0x00})

	o, log := newOrchestrator(t, d, boot.Policy{FlashEncryption: true, SecureBoot: true})
	if _, err := o.Run(); err == nil {
		t.Fatal("Run succeeded with an invalid application image")
	}

	if d.Digest.Starts != 0 {
		t.Error("Secure boot attempted after flash encryption failed")
	}
	if n := log.Count("burn"); n != 0 {
		t.Errorf("Got %d fuse burns: %v", n, log.Events)
	}
}

func TestRunMissingHardware(t *testing.T) {
	o := &boot.Orchestrator{}

	_, err := o.Run()

	var he *boot.HaltError
	if !errors.As(err, &he) || he.Stage != boot.StagePartitionTable {
		t.Fatalf("Got %v, want HaltError in %q stage", err, boot.StagePartitionTable)
	}
}
