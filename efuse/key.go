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
	"errors"
	"fmt"
	"io"

	"k8s.io/klog/v2"
)

var ErrUnprotectedPreloadedKey = errors.New("key is not read and write protected")

// KeyError reports a key block whose protection fuses are not both set.
type KeyError struct {
	Key            string
	ReadProtected  bool
	WriteProtected bool
}

func (e *KeyError) Error() string {
	return fmt.Sprintf("%s: %v (read protected: %v, write protected: %v)", e.Key, ErrUnprotectedPreloadedKey, e.ReadProtected, e.WriteProtected)
}

func (e *KeyError) Unwrap() error {
	return ErrUnprotectedPreloadedKey
}

// KeyState describes how a key block was found or provisioned.
type KeyState int

const (
	// KeyGenerated is a key generated and protected by ProvisionKey.
	KeyGenerated KeyState = iota + 1
	// KeyPreloaded is a key found already read and write protected.
	KeyPreloaded
)

func (s KeyState) String() string {
	switch s {
	case KeyGenerated:
		return "generated"
	case KeyPreloaded:
		return "pre-loaded"
	}

	return fmt.Sprintf("KeyState(%d)", int(s))
}

// CheckKey returns a KeyError unless both protection fuses of k are set.
func (b *Bank) CheckKey(k KeyBlock) error {
	rd := b.Read(k.ReadDisable) != 0
	wr := b.Read(k.WriteDisable) != 0

	if rd && wr {
		return nil
	}

	return &KeyError{Key: k.Key.Name, ReadProtected: rd, WriteProtected: wr}
}

func zero(buf []byte) bool {
	for _, b := range buf {
		if b != 0 {
			return false
		}
	}

	return true
}

func wipe(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// ProvisionKey ensures k holds a protected key.
//
// An empty, unprotected key block receives a key read from rng, burned
// first and then read and write protected in a second burn. A key block
// that is already protected is reused. Any other state (a key present but
// not fully protected) returns a KeyError without touching the fuses.
func (b *Bank) ProvisionKey(k KeyBlock, rng io.Reader) (KeyState, error) {
	rd := b.Read(k.ReadDisable) != 0
	wr := b.Read(k.WriteDisable) != 0

	switch {
	case rd && wr:
		klog.Warningf("efuse: using pre-loaded key in %s", k.Key.Name)
		return KeyPreloaded, nil
	case rd || wr || !zero(b.ReadBytes(k.Key)):
		return 0, &KeyError{Key: k.Key.Name, ReadProtected: rd, WriteProtected: wr}
	}

	if rng == nil {
		return 0, errors.New("efuse: missing random source")
	}

	key := make([]byte, k.Key.Width/8)
	defer wipe(key)

	if _, err := io.ReadFull(rng, key); err != nil {
		return 0, fmt.Errorf("efuse: could not generate %s key, %w", k.Key.Name, err)
	}

	if zero(key) {
		return 0, fmt.Errorf("efuse: random source returned an all-zero %s key", k.Key.Name)
	}

	klog.Infof("efuse: generating new key in %s", k.Key.Name)

	err := b.StageBytes(k.Key, key)
	wipe(key)

	if err != nil {
		return 0, err
	}

	if err = b.Burn(); err != nil {
		return 0, err
	}

	if zero(b.ReadBytes(k.Key)) {
		return 0, fmt.Errorf("efuse: %s key did not program", k.Key.Name)
	}

	klog.Infof("efuse: read & write protecting %s", k.Key.Name)

	b.Stage(k.ReadDisable, 1)
	b.Stage(k.WriteDisable, 1)

	if err = b.Burn(); err != nil {
		return 0, err
	}

	if err = b.CheckKey(k); err != nil {
		return 0, err
	}

	return KeyGenerated, nil
}
