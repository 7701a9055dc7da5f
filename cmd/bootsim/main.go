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

//go:build !tamago
// +build !tamago

// The bootsim tool creates, boots and inspects simulated devices, running
// the second stage boot sequence against simulated flash and fuses saved
// to a state directory.
package main

import (
	"crypto/rand"
	"errors"
	"flag"
	"log"
	"os"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-secureboot/boot"
	"github.com/transparency-dev/armored-secureboot/efuse"
	"github.com/transparency-dev/armored-secureboot/flash"
	"github.com/transparency-dev/armored-secureboot/sim"
)

// initialized at compile time
var (
	Build    string
	Revision string
	Version  string
)

type Config struct {
	dir     string
	profile string

	create bool
	boot   bool
	status bool

	policy boot.Policy
}

var conf *Config

func init() {
	log.SetFlags(0)
	log.SetOutput(os.Stdout)

	klog.InitFlags(nil)

	conf = &Config{}

	flag.StringVar(&conf.dir, "d", "bootsim", "device state directory")
	flag.StringVar(&conf.profile, "p", "", "device profile (YAML), built-in profile when empty")
	flag.BoolVar(&conf.create, "c", false, "create a device from the profile")
	flag.BoolVar(&conf.boot, "b", false, "boot the device")
	flag.BoolVar(&conf.status, "s", false, "show device status")
	flag.BoolVar(&conf.policy.FlashEncryption, "e", false, "enable flash encryption at boot (irreversible)")
	flag.BoolVar(&conf.policy.SecureBoot, "S", false, "enable secure boot at boot (irreversible)")
	flag.BoolVar(&conf.policy.AllowDebug, "D", false, "keep JTAG enabled when enabling secure boot")
}

// version returns the build version, or a development version when the
// tool was built without one.
func version() *semver.Version {
	v, err := semver.NewVersion(strings.TrimPrefix(Version, "v"))

	if err != nil {
		return semver.New("0.0.0-dev")
	}

	return v
}

func create(dir string, profile string) error {
	p, err := LoadProfile(profile)

	if err != nil {
		return err
	}

	d, err := p.Device()

	if err != nil {
		return err
	}

	if err = os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	log.Printf("created %d bytes device with %d partitions in %s", p.FlashSize, len(p.Partitions), dir)

	return d.Save(dir)
}

// open claims the flash and fuse handles of d.
func open(d *sim.Device) (*flash.Flash, *efuse.Bank, func(), error) {
	f, err := flash.Open(d.Flash, d.Flash)

	if err != nil {
		return nil, nil, nil, err
	}

	b, err := efuse.New(d.EFuse)

	if err != nil {
		f.Close()
		return nil, nil, nil, err
	}

	return f, b, func() { b.Close(); f.Close() }, nil
}

func bootDevice(dir string, p boot.Policy) (err error) {
	d, err := sim.Load(dir)

	if err != nil {
		return
	}

	f, b, closer, err := open(d)

	if err != nil {
		return
	}

	defer closer()

	var bar *pb.ProgressBar

	o := &boot.Orchestrator{
		Flash:  f,
		Fuses:  b,
		Digest: d.Digest,
		RNG:    rand.Reader,
		Policy: p,
		Progress: func(done int, total int) {
			if bar == nil {
				bar = pb.StartNew(total)
			}

			bar.SetCurrent(int64(done))
		},
	}

	h, runErr := o.Run()

	if bar != nil {
		bar.Finish()
	}

	// fuses and flash keep whatever was done before a halt
	if err = d.Save(dir); err != nil {
		return
	}

	if runErr != nil {
		return runErr
	}

	log.Printf("flash encryption: %v", h.FlashEncryption)
	log.Printf("secure boot: %v", h.SecureBoot)
	log.Printf("boot: %v", h.App)

	return
}

func main() {
	var err error

	defer func() {
		if flag.NFlag() == 0 {
			flag.PrintDefaults()
		}

		if err != nil {
			var he *boot.HaltError

			if errors.As(err, &he) {
				log.Fatalf("device halted (%s), %v", he.Stage, he.Err)
			}

			log.Fatalf("fatal error, %s", err)
		}
	}()

	flag.Parse()

	log.Printf("bootsim %s (%s %s)", version(), Revision, Build)

	switch {
	case conf.create:
		err = create(conf.dir, conf.profile)
	case conf.boot:
		err = bootDevice(conf.dir, conf.policy)
	case conf.status:
		var s *Status

		if s, err = status(conf.dir); err == nil {
			log.Print(s.Print())
		}
	}
}
