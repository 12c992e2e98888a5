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

// Package flash defines the flash media collaborator used by the module
// resolver and the slot manager, along with an emulated NOR flash.
package flash

import (
	"errors"
	"fmt"
)

// Device identifies a flash medium.
type Device uint8

const (
	// Internal is the MCU's memory mapped flash.
	Internal Device = iota
	// External is an optional serial flash.
	External
)

func (d Device) String() string {
	switch d {
	case Internal:
		return "internal"
	case External:
		return "external"
	}
	return fmt.Sprintf("Device(%d)", uint8(d))
}

var (
	// ErrWriteProtected is returned when erasing or programming a protected sector.
	ErrWriteProtected = errors.New("sector is write protected")
	// ErrNotErased is returned when programming bits which have not been erased.
	ErrNotErased = errors.New("programming non-erased flash")
)

// Sector is a single erasable unit of flash.
type Sector struct {
	Start  uint32
	Length uint32
}

// Geometry describes the address space and sector layout of a device.
type Geometry struct {
	// Base is the address of the first byte of the device.
	Base uint32
	// Sectors is the ordered, contiguous list of sectors starting at Base.
	Sectors []Sector
}

// Size returns the total size of the device in bytes.
func (g Geometry) Size() uint32 {
	t := uint32(0)
	for _, s := range g.Sectors {
		t += s.Length
	}
	return t
}

// Contains reports whether [addr, addr+length) lies within the device.
func (g Geometry) Contains(addr, length uint32) bool {
	return addr >= g.Base && uint64(addr)+uint64(length) <= uint64(g.Base)+uint64(g.Size())
}

// SectorRange returns the indices [first, last] of the sectors touched by
// [addr, addr+length).
func (g Geometry) SectorRange(addr, length uint32) (int, int, error) {
	if length == 0 || !g.Contains(addr, length) {
		return 0, 0, fmt.Errorf("range [%#x, +%#x) outside device", addr, length)
	}
	end := uint64(addr) + uint64(length)
	first, last := -1, -1
	for i, s := range g.Sectors {
		se := uint64(s.Start) + uint64(s.Length)
		if first < 0 && uint64(addr) < se {
			first = i
		}
		if uint64(s.Start) < end {
			last = i
		}
	}
	return first, last, nil
}

// SectorMask returns a bitmask of the sectors touched by [addr, addr+length).
func (g Geometry) SectorMask(addr, length uint32) (uint32, error) {
	first, last, err := g.SectorRange(addr, length)
	if err != nil {
		return 0, err
	}
	if last >= 32 {
		return 0, fmt.Errorf("sector %d cannot be represented in a protection mask", last)
	}
	m := uint32(0)
	for i := first; i <= last; i++ {
		m |= 1 << uint(i)
	}
	return m, nil
}

// Driver is implemented by flash media.
//
// Implementations honour erase-before-write semantics: erased bytes read
// back as 0xFF and programming can only clear bits.
type Driver interface {
	// Geometry returns the layout of the given device.
	Geometry(dev Device) (Geometry, error)
	// Read returns length bytes starting at addr.
	Read(dev Device, addr, length uint32) ([]byte, error)
	// Program writes data at addr, which must have been erased.
	Program(dev Device, addr uint32, data []byte) error
	// Erase erases every sector touched by [addr, addr+length).
	Erase(dev Device, addr, length uint32) error
	// SetWriteProtection enables or disables protection of the sectors
	// selected by the mask.
	SetWriteProtection(dev Device, sectors uint32, enabled bool) error
}

// STM32F2Geometry is the 1MB internal flash of the Photon-class MCU: four
// 16KB sectors, one 64KB sector and seven 128KB sectors.
func STM32F2Geometry() Geometry {
	g := Geometry{Base: 0x8000000}
	a := g.Base
	add := func(n int, l uint32) {
		for i := 0; i < n; i++ {
			g.Sectors = append(g.Sectors, Sector{Start: a, Length: l})
			a += l
		}
	}
	add(4, 16<<10)
	add(1, 64<<10)
	add(7, 128<<10)
	return g
}

// SerialFlashGeometry is a 2MB external serial flash with 4KB sectors.
func SerialFlashGeometry() Geometry {
	g := Geometry{}
	for a := uint32(0); a < 2<<20; a += 4 << 10 {
		g.Sectors = append(g.Sectors, Sector{Start: a, Length: 4 << 10})
	}
	return g
}
