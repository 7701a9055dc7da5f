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

package flash_test

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/armored-secureboot/flash"
	"github.com/transparency-dev/armored-secureboot/internal/testonly"
	"github.com/transparency-dev/armored-secureboot/sim"
)

func openFlash(t *testing.T) (*flash.Flash, *sim.Device, *testonly.Log) {
	t.Helper()
	d := sim.NewDevice(testonly.FlashSize)
	f, _, log := testonly.Open(t, d)
	return f, d, log
}

// enableCrypt sets a flash key and an odd flash encryption counter.
func enableCrypt(t *testing.T, d *sim.Device) {
	t.Helper()
	for w := 0; w < 8; w++ {
		d.EFuse.SetCell(1, w, 0x01020304*uint32(w+1))
	}
	d.EFuse.SetCell(0, 0, 1<<20)
}

func TestOpenClaim(t *testing.T) {
	d := sim.NewDevice(testonly.FlashSize)

	f, err := flash.Open(d.Flash, d.Flash)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := flash.Open(d.Flash, d.Flash); !errors.Is(err, flash.ErrInUse) {
		t.Fatalf("Got %v, want %v", err, flash.ErrInUse)
	}
	f.Close()

	f, err = flash.Open(d.Flash, d.Flash)
	if err != nil {
		t.Fatalf("Open after Close: %v", err)
	}
	f.Close()
}

func TestAlignmentRejection(t *testing.T) {
	f, _, log := openFlash(t)

	for _, n := range []int{1, 4, 16, 31, 33} {
		t.Run(fmt.Sprintf("encrypted write len %d", n), func(t *testing.T) {
			log.Reset()
			err := f.Write(0x10000, make([]byte, n), true)
			var ae *flash.AlignmentError
			if !errors.As(err, &ae) {
				t.Fatalf("Got %v, want AlignmentError", err)
			}
			if ae.Align != flash.CryptAlign {
				t.Errorf("Got alignment %d, want %d", ae.Align, flash.CryptAlign)
			}
			if len(log.Events) != 0 {
				t.Errorf("Got hardware transactions %v, want none", log.Events)
			}
		})
	}

	for _, test := range []struct {
		name string
		op   func() error
	}{
		{
			name: "encrypted write unaligned dest",
			op:   func() error { return f.Write(0x10010, make([]byte, 32), true) },
		}, {
			name: "plaintext write unaligned len",
			op:   func() error { return f.Write(0x10000, make([]byte, 3), false) },
		}, {
			name: "plaintext read unaligned src",
			op:   func() error { return f.Read(0x10002, make([]byte, 4), false) },
		}, {
			name: "decrypted read unaligned len",
			op:   func() error { return f.Read(0x10000, make([]byte, 16), true) },
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			log.Reset()
			var ae *flash.AlignmentError
			if err := test.op(); !errors.As(err, &ae) {
				t.Fatalf("Got %v, want AlignmentError", err)
			}
			if len(log.Events) != 0 {
				t.Errorf("Got hardware transactions %v, want none", log.Events)
			}
		})
	}
}

func TestReadWrite(t *testing.T) {
	f, _, log := openFlash(t)
	data := bytes.Repeat([]byte{0x12, 0x34, 0x56, 0x78}, 64)

	if err := f.Write(0x2000, data, false); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if diff := cmp.Diff(log.Events, []string{"unlock", "write 0x2000+0x100"}); diff != "" {
		t.Errorf("Got events diff: %s", diff)
	}

	got := make([]byte, len(data))
	if err := f.Read(0x2000, got, false); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Got %x, want %x", got, data)
	}

	// without flash encryption the cache returns raw contents
	if err := f.Read(0x2000, got, true); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Got decrypted %x, want %x", got, data)
	}

	if err := f.Write(testonly.FlashSize-4, make([]byte, 8), false); !errors.Is(err, flash.ErrInvalidArg) {
		t.Errorf("Got %v, want %v", err, flash.ErrInvalidArg)
	}
}

func TestEncryptedWrite(t *testing.T) {
	f, d, _ := openFlash(t)
	enableCrypt(t, d)

	data := bytes.Repeat([]byte("plaintext block "), 8)

	if err := f.Write(0x20000, data, true); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if raw := d.Flash.Raw(0x20000, len(data)); bytes.Equal(raw, data) {
		t.Fatal("Encrypted write stored plaintext")
	}

	got := make([]byte, len(data))
	if err := f.Read(0x20000, got, true); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Got decrypted %q, want %q", got, data)
	}
}

func TestDecryptedReadRemap(t *testing.T) {
	f, d, _ := openFlash(t)
	buf := make([]byte, 64)

	if err := f.Read(2*flash.PageSize-32, buf, true); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got, want := d.Flash.Stats.Maps, 2; got != want {
		t.Errorf("Got %d maps for a read crossing a page, want %d", got, want)
	}

	// contiguous reads within the last page reuse the mapping
	for off := uint32(0); off < 0x1000; off += 64 {
		if err := f.Read(2*flash.PageSize+off, buf, true); err != nil {
			t.Fatalf("Read: %v", err)
		}
	}
	if got, want := d.Flash.Stats.Maps, 2; got != want {
		t.Errorf("Got %d maps after contiguous reads, want %d", got, want)
	}
}

func TestMmap(t *testing.T) {
	f, d, _ := openFlash(t)
	data := bytes.Repeat([]byte{0xca, 0xfe}, 0x80)
	d.Flash.Program(0x30010, data)

	v, err := f.Mmap(0x30010, uint32(len(data)))
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}

	for _, test := range []struct {
		src  uint32
		size uint32
	}{
		{src: 0x30010, size: 0x100},
		{src: 0x0, size: 0x10},
		{src: 0x200000, size: 0x10000},
	} {
		if _, err := f.Mmap(test.src, test.size); !errors.Is(err, flash.ErrAlreadyMapped) {
			t.Errorf("Mmap(%#x, %#x) got %v, want %v", test.src, test.size, err, flash.ErrAlreadyMapped)
		}
	}

	if err := f.Read(0x0, make([]byte, 32), true); !errors.Is(err, flash.ErrAlreadyMapped) {
		t.Errorf("Decrypted read while mapped got %v, want %v", err, flash.ErrAlreadyMapped)
	}

	got, err := v.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Got mapped %x, want %x", got, data)
	}

	f.Munmap(v)
	// releasing twice is harmless
	f.Munmap(v)

	if _, err := v.ReadAt(make([]byte, 4), 0); !errors.Is(err, flash.ErrNotMapped) {
		t.Errorf("Got %v after Munmap, want %v", err, flash.ErrNotMapped)
	}

	v, err = f.Mmap(0x0, 0x10)
	if err != nil {
		t.Fatalf("Mmap after Munmap: %v", err)
	}
	f.Munmap(v)
}

func TestMunmapStaleView(t *testing.T) {
	f, d, _ := openFlash(t)
	data := bytes.Repeat([]byte{0x5a, 0xa5, 0x0f, 0xf0}, 8)
	d.Flash.Program(0x40000, data)

	a, err := f.Mmap(0x0, 0x10)
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}
	f.Munmap(a)

	b, err := f.Mmap(0x40000, uint32(len(data)))
	if err != nil {
		t.Fatalf("Mmap: %v", err)
	}

	// a released view leaves the current mapping alone
	f.Munmap(a)
	f.Munmap(a)

	got, err := b.Bytes()
	if err != nil {
		t.Fatalf("Bytes after stale Munmap: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Got mapped %x, want %x", got, data)
	}

	if _, err := f.Mmap(0x0, 0x10); !errors.Is(err, flash.ErrAlreadyMapped) {
		t.Errorf("Got %v with a live mapping, want %v", err, flash.ErrAlreadyMapped)
	}

	f.Munmap(b)
	if _, err := b.ReadAt(make([]byte, 4), 0); !errors.Is(err, flash.ErrNotMapped) {
		t.Errorf("Got %v after Munmap, want %v", err, flash.ErrNotMapped)
	}
}

func TestMmapErrors(t *testing.T) {
	f, _, _ := openFlash(t)

	for _, test := range []struct {
		name    string
		src     uint32
		size    uint32
		wantErr error
	}{
		{name: "empty", src: 0, size: 0, wantErr: flash.ErrInvalidSize},
		{name: "past end", src: testonly.FlashSize - 0x10, size: 0x20, wantErr: flash.ErrInvalidArg},
		{name: "window exceeded", src: 0, size: (flash.MMUPages-1)*flash.PageSize + 1, wantErr: flash.ErrSizeExceeded},
		{name: "unaligned start exceeds window", src: 0x8000, size: (flash.MMUPages - 1) * flash.PageSize, wantErr: flash.ErrSizeExceeded},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := f.Mmap(test.src, test.size); !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}
		})
	}
}

func TestEraseRange(t *testing.T) {
	f, _, log := openFlash(t)

	for _, test := range []struct {
		name       string
		start      uint32
		size       uint32
		wantEvents []string
		wantErr    error
	}{
		{
			name:       "single sector",
			start:      0x1000,
			size:       0x1000,
			wantEvents: []string{"unlock", "erase-sector 0x1000"},
		}, {
			name:       "aligned blocks",
			start:      0x10000,
			size:       0x20000,
			wantEvents: []string{"unlock", "erase-block 0x10000", "erase-block 0x20000"},
		}, {
			name:       "sectors around a block",
			start:      0xf000,
			size:       0x12000,
			wantEvents: []string{"unlock", "erase-sector 0xf000", "erase-block 0x10000", "erase-sector 0x20000"},
		}, {
			name:    "unaligned start",
			start:   0x800,
			size:    0x1000,
			wantErr: flash.ErrInvalidArg,
		}, {
			name:    "unaligned size",
			start:   0x1000,
			size:    0x800,
			wantErr: flash.ErrInvalidSize,
		}, {
			name:    "past end",
			start:   testonly.FlashSize - 0x1000,
			size:    0x2000,
			wantErr: flash.ErrInvalidArg,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			log.Reset()
			err := f.EraseRange(test.start, test.size)
			if !errors.Is(err, test.wantErr) {
				t.Fatalf("Got %v, want %v", err, test.wantErr)
			}
			if diff := cmp.Diff(log.Events, test.wantEvents); diff != "" {
				t.Errorf("Got events diff: %s", diff)
			}
		})
	}
}

func TestEraseSector(t *testing.T) {
	f, d, _ := openFlash(t)
	d.Flash.Program(0x3000, []byte{0, 0, 0, 0})

	if err := f.EraseSector(3); err != nil {
		t.Fatalf("EraseSector: %v", err)
	}
	if got := d.Flash.Raw(0x3000, 4); !bytes.Equal(got, []byte{0xff, 0xff, 0xff, 0xff}) {
		t.Errorf("Got %x after erase, want erased", got)
	}

	for _, sector := range []uint32{testonly.FlashSize / flash.SectorSize, ^uint32(0)} {
		if err := f.EraseSector(sector); !errors.Is(err, flash.ErrInvalidArg) {
			t.Errorf("EraseSector(%#x) got %v, want %v", sector, err, flash.ErrInvalidArg)
		}
	}
}

func TestOpFailed(t *testing.T) {
	f, d, _ := openFlash(t)
	d.Flash.Fail = func(op string, addr uint32) error {
		if op == "erase" {
			return flash.ErrOpFailed
		}
		return nil
	}

	err := f.EraseSector(4)
	if !errors.Is(err, flash.ErrOpFailed) {
		t.Fatalf("Got %v, want %v", err, flash.ErrOpFailed)
	}
	var oe *flash.OpError
	if !errors.As(err, &oe) || oe.Addr != 0x4000 {
		t.Errorf("Got %v, want OpError at 0x4000", err)
	}
}

func TestExecuteRawCommand(t *testing.T) {
	f, d, _ := openFlash(t)
	d.Flash.Latency = 10

	id := &flash.Command{Opcode: sim.CmdReadID, In: make([]byte, 3)}
	if err := f.ExecuteRawCommand(id); err != nil {
		t.Fatalf("ExecuteRawCommand: %v", err)
	}
	if diff := cmp.Diff(id.In, []byte{0xef, 0x40, 0x16}); diff != "" {
		t.Errorf("Got ID diff: %s", diff)
	}

	// clearing the status register drops the write protection
	if err := f.ExecuteRawCommand(&flash.Command{Opcode: sim.CmdWriteStatus, Out: []byte{0}}); err != nil {
		t.Fatalf("ExecuteRawCommand: %v", err)
	}
	status := &flash.Command{Opcode: sim.CmdReadStatus, In: make([]byte, 1)}
	if err := f.ExecuteRawCommand(status); err != nil {
		t.Fatalf("ExecuteRawCommand: %v", err)
	}
	if status.In[0] != 0 {
		t.Errorf("Got status %#x, want 0", status.In[0])
	}

	if err := f.ExecuteRawCommand(&flash.Command{Opcode: 0xab}); !errors.Is(err, flash.ErrOpFailed) {
		t.Errorf("Got %v, want %v", err, flash.ErrOpFailed)
	}
	if err := f.ExecuteRawCommand(nil); !errors.Is(err, flash.ErrInvalidArg) {
		t.Errorf("Got %v, want %v", err, flash.ErrInvalidArg)
	}
}

func TestReaderAt(t *testing.T) {
	f, d, _ := openFlash(t)
	d.Flash.Program(0x5000, []byte("0123456789abcdefghijklmnopqrstuvwxyz"))

	for _, decrypt := range []bool{false, true} {
		buf := make([]byte, 5)
		if _, err := f.ReaderAt(decrypt).ReadAt(buf, 0x5003); err != nil {
			t.Fatalf("ReadAt: %v", err)
		}
		if got, want := string(buf), "34567"; got != want {
			t.Errorf("Got %q (decrypt %v), want %q", got, decrypt, want)
		}
	}
}
