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

package flash

import (
	"errors"
	"fmt"
)

// Argument errors, returned before any hardware transaction is issued.
var (
	ErrInvalidArg    = errors.New("invalid argument")
	ErrInvalidSize   = errors.New("invalid size")
	ErrAlreadyMapped = errors.New("flash window already mapped")
	ErrSizeExceeded  = errors.New("mapping exceeds MMU window")
	ErrNotMapped     = errors.New("flash view not mapped")
	ErrInUse         = errors.New("flash medium already claimed")
)

// Hardware transaction errors, reported by a Medium and wrapped in an
// OpError by Flash.
var (
	ErrOpFailed  = errors.New("flash operation failed")
	ErrOpTimeout = errors.New("flash operation timed out")
)

// AlignmentError is returned when an address or length violates the
// alignment required by the access mode.
type AlignmentError struct {
	Op    string
	Addr  uint32
	Len   int
	Align uint32
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("flash %s: unaligned access at %#x len %d (want %d byte alignment)", e.Op, e.Addr, e.Len, e.Align)
}

// OpError records the flash operation and address of a failed hardware
// transaction.
type OpError struct {
	Op   string
	Addr uint32
	Err  error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("flash %s @ %#x: %v", e.Op, e.Addr, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}
