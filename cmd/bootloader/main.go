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

// The bootloader is the second stage bootloader for the USB armory Mk II,
// it encrypts the boot flash, enables secure boot and hands off to the
// selected application.
package main

import (
	"crypto/rand"
	"errors"
	"log"
	"runtime"
	"strconv"
	"time"

	"github.com/coreos/go-semver/semver"

	usbarmory "github.com/usbarmory/tamago/board/usbarmory/mk2"
	"github.com/usbarmory/tamago/soc/nxp/imx6ul"

	"github.com/transparency-dev/armored-secureboot/boot"
	"github.com/transparency-dev/armored-secureboot/efuse"
	"github.com/transparency-dev/armored-secureboot/flash"
	"github.com/transparency-dev/armored-secureboot/internal/rpmb"
)

// initialized at compile time with -ldflags "-X main.Name=value"
var (
	Build    string
	Revision string
	Version  string

	// Irreversible boot policy, "true" to enable.
	FlashEncryption string
	SecureBoot      string
	AllowDebug      string
)

func init() {
	log.SetFlags(log.Ltime)
	log.SetOutput(console{})

	if imx6ul.Native {
		imx6ul.SetARMFreq(imx6ul.Freq792)
		imx6ul.DCP.Init()
	}

	log.Printf("%s/%s (%s) • second stage bootloader • %s %s",
		runtime.GOOS, runtime.GOARCH, runtime.Version(),
		Revision, Build)
}

func enabled(s string) bool {
	b, _ := strconv.ParseBool(s)
	return b
}

func policy() boot.Policy {
	return boot.Policy{
		FlashEncryption: enabled(FlashEncryption),
		SecureBoot:      enabled(SecureBoot),
		AllowDebug:      enabled(AllowDebug),
	}
}

func blinkenLights() (func(), func()) {
	var exit = make(chan bool)
	cancel := func() { close(exit) }

	blink := func() {
		var on bool

		for {
			select {
			case <-exit:
				usbarmory.LED("white", false)
				return
			default:
			}

			on = !on
			usbarmory.LED("white", on)

			runtime.Gosched()
			time.Sleep(100 * time.Millisecond)
		}
	}

	return blink, cancel
}

// halt never returns, the blue LED signals a failed boot.
func halt(err error) {
	var he *boot.HaltError

	if errors.As(err, &he) {
		log.Printf("boot halted in %s stage, %v", he.Stage, he.Err)
	} else {
		log.Printf("boot halted, %v", err)
	}

	usbarmory.LED("white", false)
	usbarmory.LED("blue", true)

	for {
		time.Sleep(time.Second)
	}
}

func main() {
	usbarmory.LED("blue", false)
	usbarmory.LED("white", false)

	if v, err := semver.NewVersion(Version); err != nil {
		log.Printf("invalid build version %q, %v", Version, err)
	} else {
		log.Printf("version %s", v)
	}

	card := storage()

	if err := card.Detect(); err != nil {
		halt(err)
	}

	var store fuseStore = &mmcStore{card: card}

	if rc, ok := card.(rpmb.Card); ok && imx6ul.Native {
		s, err := newRPMBStore(rc)

		if err != nil {
			halt(err)
		}

		store = s
	}

	fuses, err := loadFuses(store)

	if err != nil {
		halt(err)
	}

	medium, err := newMMCFlash(card, &flashCipher{fuses: fuses}, fuses)

	if err != nil {
		halt(err)
	}

	f, err := flash.Open(medium, medium)

	if err != nil {
		halt(err)
	}

	b, err := efuse.New(fuses)

	if err != nil {
		halt(err)
	}

	p := policy()
	log.Printf("policy: flash encryption %v, secure boot %v, debug %v", p.FlashEncryption, p.SecureBoot, p.AllowDebug)

	blink, cancel := blinkenLights()
	go blink()

	o := &boot.Orchestrator{
		Flash:  f,
		Fuses:  b,
		Digest: &dcpDigest{fuses: fuses},
		RNG:    rand.Reader,
		Policy: p,
		Progress: func(done int, total int) {
			if done%16 == 0 || done == total {
				log.Printf("encrypted %d/%d sectors", done, total)
			}
		},
	}

	h, err := o.Run()
	cancel()

	if err != nil {
		halt(err)
	}

	log.Printf("flash encryption %v, secure boot %v", h.FlashEncryption, h.SecureBoot)
	log.Printf("handing off to %v", h.App)

	elf, err := loadApp(f, h, fuses.FlashCryptEnabled())

	if err != nil {
		halt(err)
	}

	b.Close()
	f.Close()

	usbarmory.LED("white", true)

	halt(execApp(elf, func() {
		usbarmory.LED("white", false)
	}))
}
