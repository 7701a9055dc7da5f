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
	"fmt"
	"io"

	"k8s.io/klog/v2"
)

// View is a flash region mapped through the cache window. It is valid until
// passed to Munmap.
type View struct {
	f *Flash

	src  uint32
	size uint32
	// vaddr is the virtual window offset of src.
	vaddr uint32

	live bool
}

// Mmap maps size bytes at src into the cache window.
//
// Only a single mapping may be active, a second call before Munmap returns
// ErrAlreadyMapped regardless of the region requested. Requests larger than
// the pages available to mappings return ErrSizeExceeded.
func (f *Flash) Mmap(src uint32, size uint32) (*View, error) {
	if f.view != nil {
		return nil, ErrAlreadyMapped
	}

	if size == 0 {
		return nil, fmt.Errorf("%w: empty mapping", ErrInvalidSize)
	}

	if uint64(src)+uint64(size) > uint64(f.medium.Size()) {
		return nil, fmt.Errorf("%w: mapping [%#x, %#x) past end of flash", ErrInvalidArg, src, uint64(src)+uint64(size))
	}

	page := src / PageSize
	count := (src%PageSize + size + PageSize - 1) / PageSize

	if count > readPage {
		return nil, fmt.Errorf("%w: %d pages requested, %d available", ErrSizeExceeded, count, readPage)
	}

	klog.V(2).Infof("flash: mapping %#x (%d bytes) over %d pages", src, size, count)

	f.mmu.Disable()
	f.mmu.Flush()
	f.readBlock = noBlock

	if err := f.mmu.Map(0, page, count); err != nil {
		f.mmu.Flush()
		return nil, &OpError{Op: "mmap", Addr: src, Err: err}
	}

	f.mmu.Enable()

	f.view = &View{
		f:     f,
		src:   src,
		size:  size,
		vaddr: src % PageSize,
		live:  true,
	}

	return f.view, nil
}

// Munmap releases the cache window. It always succeeds: the cache is
// disabled and every page mapping invalidated, rather than undoing only the
// pages of v. A view already released leaves the current mapping untouched.
func (f *Flash) Munmap(v *View) {
	if v != nil {
		v.live = false

		if v != f.view {
			return
		}
	}

	f.mmu.Disable()
	f.mmu.Flush()

	f.view = nil
	f.readBlock = noBlock
}

// Addr returns the flash address of the mapped region.
func (v *View) Addr() uint32 {
	return v.src
}

// Len returns the size of the mapped region.
func (v *View) Len() int {
	return int(v.size)
}

// ReadAt implements io.ReaderAt over the mapped region.
func (v *View) ReadAt(p []byte, off int64) (n int, err error) {
	if !v.live {
		return 0, ErrNotMapped
	}

	if off < 0 {
		return 0, ErrInvalidArg
	}

	if off >= int64(v.size) {
		return 0, io.EOF
	}

	end := off + int64(len(p))

	if end > int64(v.size) {
		end = int64(v.size)
		err = io.EOF
	}

	var w uint32

	word := ^uint32(0)

	for i := off; i < end; i++ {
		addr := v.vaddr + uint32(i)

		if a := addr &^ (WordAlign - 1); a != word {
			w = v.f.mmu.Load(a)
			word = a
		}

		p[n] = byte(w >> (8 * (addr % WordAlign)))
		n++
	}

	return
}

// Bytes returns a copy of the whole mapped region.
func (v *View) Bytes() ([]byte, error) {
	buf := make([]byte, v.size)

	if _, err := v.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}

	return buf, nil
}
