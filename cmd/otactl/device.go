// Copyright 2024 The OTA Flash HAL authors. All Rights Reserved.
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

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/transparency-dev/ota-flash-hal/flash"
	"github.com/transparency-dev/ota-flash-hal/layout"
	"github.com/transparency-dev/ota-flash-hal/slots"
	"k8s.io/klog/v2"
)

// device is an emulated device loaded from disk.
type device struct {
	cfg    Config
	layout *layout.Layout
	flash  *flash.Emulated
	slots  *slots.Manager
}

var devices = []flash.Device{flash.Internal, flash.External}

func openDevice(cfg Config) (*device, error) {
	k, err := layout.ParseKind(cfg.Kind)
	if err != nil {
		return nil, err
	}
	l := layout.ForKind(k)
	f := flash.NewPhoton()

	img, err := os.ReadFile(cfg.Flash)
	switch {
	case errors.Is(err, os.ErrNotExist):
		klog.Infof("No flash image at %q, starting with erased flash", cfg.Flash)
	case err != nil:
		return nil, fmt.Errorf("read flash image: %w", err)
	default:
		for _, d := range devices {
			g, err := f.Geometry(d)
			if err != nil {
				return nil, err
			}
			if uint32(len(img)) < g.Size() {
				return nil, fmt.Errorf("flash image %q is truncated", cfg.Flash)
			}
			if err := f.Load(d, img[:g.Size()]); err != nil {
				return nil, err
			}
			img = img[g.Size():]
		}
	}
	return &device{
		cfg:    cfg,
		layout: l,
		flash:  f,
		slots:  slots.New(f, l.SlotTable()),
	}, nil
}

// save writes the flash contents back to disk.
func (d *device) save() error {
	var img []byte
	for _, dev := range devices {
		b, err := d.flash.Image(dev)
		if err != nil {
			return err
		}
		img = append(img, b...)
	}
	if err := os.WriteFile(d.cfg.Flash, img, 0o644); err != nil {
		return fmt.Errorf("write flash image: %w", err)
	}
	return nil
}

// boot applies any pending module copies, as the bootloader would.
func (d *device) boot() (int, error) {
	n, err := d.slots.UpdateModules(slots.NotifierFunc(func(updating bool) {
		if updating {
			klog.Info("Applying pending module updates")
		} else {
			klog.Info("Module updates done")
		}
	}))
	if n > 0 {
		klog.Infof("Applied %d module update(s)", n)
	}
	return n, err
}

// ledIndicator logs the update indicator state in place of an LED.
type ledIndicator struct {
	on bool
}

func (l *ledIndicator) SetUpdating(on bool) {
	klog.V(1).Infof("Update indicator %t", on)
}

func (l *ledIndicator) Toggle() {
	l.on = !l.on
	klog.V(3).Infof("LED %t", l.on)
}

// restarter records a restart request; the command completes the restart
// once the session returns.
type restarter struct {
	requested bool
}

func (r *restarter) Restart() { r.requested = true }
