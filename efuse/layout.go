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

// Field is a named fuse bit field.
//
// Fields up to 32 bits wide live within a single word, wider fields (key
// blocks) must start at bit 0 and span consecutive whole words.
type Field struct {
	Name  string
	Block int
	Word  int
	Shift uint
	Width uint
}

func (f Field) String() string {
	return f.Name
}

func (f Field) mask() uint32 {
	if f.Width >= 32 {
		return ^uint32(0)
	}

	return (1<<f.Width - 1) << f.Shift
}

func (f Field) wide() bool {
	return f.Width > 32
}

// KeyBlock is a secret key field together with the fuses protecting it.
type KeyBlock struct {
	Key          Field
	ReadDisable  Field
	WriteDisable Field
}

// Layout names the fuse fields used by the boot engines, hiding the vendor
// bit offsets.
type Layout struct {
	// FlashCryptCnt records flash encryption state in the parity of its
	// set bits: even means plaintext flash, odd means encrypted flash.
	FlashCryptCnt Field
	// FlashCryptConfig selects which address bits tweak the flash key.
	FlashCryptConfig Field

	// UART download mode restrictions, set once flash is encrypted.
	DisableDownloadEncrypt Field
	DisableDownloadDecrypt Field
	DisableDownloadCache   Field

	FlashKey      KeyBlock
	SecureBootKey KeyBlock

	// SecureBootEnable makes the ROM verify the bootloader digest.
	SecureBootEnable Field
	// DebugDisable disables JTAG access.
	DebugDisable Field
}

// ESP32 block and word geometry.
const (
	ESP32Blocks = 4
	ESP32Words  = 8
)

// ESP32 is the BLK0 configuration layout with the flash encryption key in
// BLK1 and the secure boot key in BLK2.
var ESP32 = Layout{
	FlashCryptCnt:    Field{Name: "FLASH_CRYPT_CNT", Block: 0, Word: 0, Shift: 20, Width: 7},
	FlashCryptConfig: Field{Name: "FLASH_CRYPT_CONFIG", Block: 0, Word: 5, Shift: 28, Width: 4},

	DisableDownloadEncrypt: Field{Name: "DISABLE_DL_ENCRYPT", Block: 0, Word: 6, Shift: 7, Width: 1},
	DisableDownloadDecrypt: Field{Name: "DISABLE_DL_DECRYPT", Block: 0, Word: 6, Shift: 8, Width: 1},
	DisableDownloadCache:   Field{Name: "DISABLE_DL_CACHE", Block: 0, Word: 6, Shift: 9, Width: 1},

	FlashKey: KeyBlock{
		Key:          Field{Name: "BLK1", Block: 1, Word: 0, Width: 256},
		ReadDisable:  Field{Name: "RD_DIS_BLK1", Block: 0, Word: 0, Shift: 16, Width: 1},
		WriteDisable: Field{Name: "WR_DIS_BLK1", Block: 0, Word: 0, Shift: 7, Width: 1},
	},

	SecureBootKey: KeyBlock{
		Key:          Field{Name: "BLK2", Block: 2, Word: 0, Width: 256},
		ReadDisable:  Field{Name: "RD_DIS_BLK2", Block: 0, Word: 0, Shift: 17, Width: 1},
		WriteDisable: Field{Name: "WR_DIS_BLK2", Block: 0, Word: 0, Shift: 8, Width: 1},
	},

	SecureBootEnable: Field{Name: "ABS_DONE_0", Block: 0, Word: 6, Shift: 4, Width: 1},
	DebugDisable:     Field{Name: "JTAG_DISABLE", Block: 0, Word: 6, Shift: 6, Width: 1},
}
