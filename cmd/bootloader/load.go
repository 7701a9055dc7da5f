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
//go:build tamago && arm
// +build tamago,arm

package main

import (
	"fmt"
	"log"

	"github.com/usbarmory/armory-boot/exec"
	"github.com/usbarmory/tamago/dma"

	"github.com/transparency-dev/armored-secureboot/binimage"
	"github.com/transparency-dev/armored-secureboot/boot"
	"github.com/transparency-dev/armored-secureboot/flash"
)

// loadApp reads the selected application image and returns its ELF, carried
// as the single segment of the image.
func loadApp(f *flash.Flash, h *boot.Handoff, decrypt bool) ([]byte, error) {
	buf := make([]byte, h.App.Size)

	if err := f.Read(h.App.Offset, buf, decrypt); err != nil {
		return nil, err
	}

	img, segments, err := binimage.Parse(buf)

	if err != nil {
		return nil, fmt.Errorf("%s: %v", h.App.Name(), err)
	}

	if len(segments) != 1 {
		return nil, fmt.Errorf("%s: unexpected segment count %d", h.App.Name(), len(segments))
	}

	log.Printf("loaded %s, entry %#x, %d bytes", h.App.Name(), img.Entry, len(segments[0].Data))

	return segments[0].Data, nil
}

// execApp boots the application ELF, it only returns on error.
func execApp(elf []byte, cleanup func()) error {
	region, err := dma.NewRegion(appStart, appSize, false)

	if err != nil {
		return err
	}

	region.Reserve(appSize, 0)

	image := &exec.ELFImage{
		Region: region,
		ELF:    elf,
	}

	if err = image.Load(); err != nil {
		return fmt.Errorf("could not load application, %v", err)
	}

	log.Printf("starting application at %#x", image.Entry())

	return image.Boot(cleanup)
}
