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

package slots

import (
	"errors"
	"fmt"

	"github.com/transparency-dev/ota-flash-hal/flash"
	"k8s.io/klog/v2"
)

// ErrNoWrite is returned by Update and End when no write has been begun.
var ErrNoWrite = errors.New("no flash write in progress")

type writeSession struct {
	dev          flash.Device
	addr, length uint32
	written      uint32
}

// Begin erases [addr, addr+length) on dev ready to receive an image with
// Update. Any write already in progress is discarded.
func (m *Manager) Begin(dev flash.Device, addr, length uint32) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if err := m.checkRange(dev, addr, length); err != nil {
		return err
	}
	m.write = nil
	if err := m.dev.Erase(dev, addr, length); err != nil {
		return fmt.Errorf("erase %v@%#x: %w", dev, addr, err)
	}
	m.write = &writeSession{dev: dev, addr: addr, length: length}
	klog.V(1).Infof("Begun write of %d bytes at %v@%#x", length, dev, addr)
	return nil
}

// Update programs data at addr, which must lie within the region passed to
// Begin.
func (m *Manager) Update(data []byte, addr uint32) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	w := m.write
	if w == nil {
		return ErrNoWrite
	}
	if addr < w.addr || uint64(addr)+uint64(len(data)) > uint64(w.addr)+uint64(w.length) {
		return fmt.Errorf("write [%#x, +%#x) outside region [%#x, +%#x): %w", addr, len(data), w.addr, w.length, ErrInvalidRange)
	}
	if err := m.dev.Program(w.dev, addr, data); err != nil {
		return fmt.Errorf("program %v@%#x: %w", w.dev, addr, err)
	}
	w.written += uint32(len(data))
	return nil
}

// End closes the write begun with Begin.
func (m *Manager) End() error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if m.write == nil {
		return ErrNoWrite
	}
	klog.V(1).Infof("Ended write at %v@%#x after %d bytes", m.write.dev, m.write.addr, m.write.written)
	m.write = nil
	return nil
}
