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

package flash

import (
	"fmt"
	"sync"
)

type medium struct {
	geo       Geometry
	data      []byte
	protected uint64
}

// Emulated is an in-memory NOR flash implementing Driver.
type Emulated struct {
	mu      sync.Mutex
	devices map[Device]*medium

	// OnProgram, when set, is called before each program operation and may
	// return an error to simulate a failing write.
	OnProgram func(dev Device, addr uint32, length int) error
}

// NewEmulated returns an erased emulated flash with the given devices.
func NewEmulated(geos map[Device]Geometry) *Emulated {
	e := &Emulated{devices: make(map[Device]*medium)}
	for d, g := range geos {
		m := &medium{geo: g, data: make([]byte, g.Size())}
		for i := range m.data {
			m.data[i] = 0xff
		}
		e.devices[d] = m
	}
	return e
}

// NewPhoton returns an erased emulated flash with the Photon internal flash
// and an external serial flash.
func NewPhoton() *Emulated {
	return NewEmulated(map[Device]Geometry{
		Internal: STM32F2Geometry(),
		External: SerialFlashGeometry(),
	})
}

func (e *Emulated) medium(dev Device) (*medium, error) {
	m, ok := e.devices[dev]
	if !ok {
		return nil, fmt.Errorf("no %v flash device", dev)
	}
	return m, nil
}

func (m *medium) check(addr uint32, length uint32) error {
	if !m.geo.Contains(addr, length) {
		return fmt.Errorf("range [%#x, +%#x) outside device [%#x, +%#x)", addr, length, m.geo.Base, m.geo.Size())
	}
	return nil
}

func (m *medium) isProtected(addr, length uint32) (bool, error) {
	first, last, err := m.geo.SectorRange(addr, length)
	if err != nil {
		return false, err
	}
	for i := first; i <= last; i++ {
		if i < 64 && m.protected&(1<<uint(i)) != 0 {
			return true, nil
		}
	}
	return false, nil
}

// Geometry implements Driver.
func (e *Emulated) Geometry(dev Device) (Geometry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.medium(dev)
	if err != nil {
		return Geometry{}, err
	}
	return m.geo, nil
}

// Read implements Driver.
func (e *Emulated) Read(dev Device, addr, length uint32) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.medium(dev)
	if err != nil {
		return nil, err
	}
	if err := m.check(addr, length); err != nil {
		return nil, err
	}
	o := addr - m.geo.Base
	return append([]byte(nil), m.data[o:o+length]...), nil
}

// Program implements Driver.
func (e *Emulated) Program(dev Device, addr uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.medium(dev)
	if err != nil {
		return err
	}
	if err := m.check(addr, uint32(len(data))); err != nil {
		return err
	}
	if p, err := m.isProtected(addr, uint32(len(data))); err != nil {
		return err
	} else if p {
		return fmt.Errorf("program %v@%#x: %w", dev, addr, ErrWriteProtected)
	}
	if e.OnProgram != nil {
		if err := e.OnProgram(dev, addr, len(data)); err != nil {
			return err
		}
	}
	o := addr - m.geo.Base
	for i, b := range data {
		if m.data[o+uint32(i)]&b != b {
			return fmt.Errorf("program %v@%#x: %w", dev, addr+uint32(i), ErrNotErased)
		}
	}
	for i, b := range data {
		m.data[o+uint32(i)] &= b
	}
	return nil
}

// Erase implements Driver.
func (e *Emulated) Erase(dev Device, addr, length uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.medium(dev)
	if err != nil {
		return err
	}
	first, last, err := m.geo.SectorRange(addr, length)
	if err != nil {
		return err
	}
	if p, err := m.isProtected(addr, length); err != nil {
		return err
	} else if p {
		return fmt.Errorf("erase %v@%#x: %w", dev, addr, ErrWriteProtected)
	}
	for i := first; i <= last; i++ {
		s := m.geo.Sectors[i]
		o := s.Start - m.geo.Base
		for j := o; j < o+s.Length; j++ {
			m.data[j] = 0xff
		}
	}
	return nil
}

// SetWriteProtection implements Driver.
func (e *Emulated) SetWriteProtection(dev Device, sectors uint32, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.medium(dev)
	if err != nil {
		return err
	}
	if enabled {
		m.protected |= uint64(sectors)
	} else {
		m.protected &^= uint64(sectors)
	}
	return nil
}

// Protected returns the write protection mask of the device.
func (e *Emulated) Protected(dev Device) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if m, ok := e.devices[dev]; ok {
		return uint32(m.protected)
	}
	return 0
}

// Image returns a copy of the full contents of the device.
func (e *Emulated) Image(dev Device) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.medium(dev)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), m.data...), nil
}

// Load replaces the contents of the device with img, which must be exactly
// the size of the device.
func (e *Emulated) Load(dev Device, img []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, err := e.medium(dev)
	if err != nil {
		return err
	}
	if len(img) != len(m.data) {
		return fmt.Errorf("image is %d bytes, %v device is %d bytes", len(img), dev, len(m.data))
	}
	copy(m.data, img)
	return nil
}
