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

// Package sysinfo gathers the modules installed on a device into a
// snapshot, and renders snapshots as JSON for status reporting.
package sysinfo

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/ota-flash-hal/layout"
	"github.com/transparency-dev/ota-flash-hal/module"
	"k8s.io/klog/v2"
)

// ErrReleased is returned when a released snapshot is used.
var ErrReleased = errors.New("snapshot has been released")

// Snapshot is the set of modules found on the device at one point in time.
//
// A Snapshot must be released exactly once, after which it must not be
// used.
type Snapshot struct {
	platformID uint16
	modules    []module.Module
	err        error
	released   bool
}

// Construct resolves every module region of l.
//
// The snapshot holds one module per layout entry, in layout order. A
// region whose metadata cannot be read, typically because it is empty, is
// kept with only its bounds set and Present false; the reasons are
// available from Err. A nil layout gives a snapshot with no modules.
func Construct(l *layout.Layout, r module.Reader) *Snapshot {
	if l == nil {
		klog.Warning("No layout, constructing empty snapshot")
		return &Snapshot{}
	}
	s := &Snapshot{
		platformID: l.PlatformID(),
		modules:    make([]module.Module, l.Len()),
	}
	var errs []error
	for i := range s.modules {
		b, err := l.Bounds(i)
		if err != nil {
			errs = append(errs, fmt.Errorf("module %d: %w", i, err))
			continue
		}
		m, err := module.Resolve(r, b)
		if err != nil {
			klog.V(1).Infof("No %v module at %v: %v", l.Role(i), b, err)
			errs = append(errs, fmt.Errorf("%v module at %v: %w", l.Role(i), b, err))
			m = module.Module{Bounds: b}
		}
		s.modules[i] = m
	}
	s.err = errors.Join(errs...)
	return s
}

// Err returns why the modules which are not present could not be
// resolved, or nil if every module was.
func (s *Snapshot) Err() error {
	if s.released {
		return ErrReleased
	}
	return s.err
}

// PlatformID returns the platform the snapshot was taken on.
func (s *Snapshot) PlatformID() (uint16, error) {
	if s.released {
		return 0, ErrReleased
	}
	return s.platformID, nil
}

// Modules returns one module per layout entry, in layout order.
func (s *Snapshot) Modules() ([]module.Module, error) {
	if s.released {
		return nil, ErrReleased
	}
	return s.modules, nil
}

// Verify checks every module against flash and the other modules in the
// snapshot, updating each module's validity.
func (s *Snapshot) Verify(r module.Reader) error {
	if s.released {
		return ErrReleased
	}
	for i := range s.modules {
		if !s.modules[i].Present {
			continue
		}
		if _, err := module.Verify(r, &s.modules[i], s.platformID, s.modules); err != nil {
			return err
		}
	}
	return nil
}

// Release discards the snapshot's modules.
func (s *Snapshot) Release() error {
	if s.released {
		return ErrReleased
	}
	s.modules = nil
	s.err = nil
	s.released = true
	return nil
}
