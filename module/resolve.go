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

package module

import (
	"encoding/binary"
	"fmt"

	"github.com/transparency-dev/ota-flash-hal/flash"
	"github.com/transparency-dev/ota-flash-hal/layout"
)

// Reader reads bytes from flash.
type Reader interface {
	Read(dev flash.Device, addr, length uint32) ([]byte, error)
}

// Validity records which checks a module has passed.
type Validity uint8

const (
	// ValidIntegrity is set when the CRC matches the module body.
	ValidIntegrity Validity = 1 << iota
	// ValidDependencies is set when the module's dependency is installed.
	ValidDependencies
	// ValidRange is set when the module fits its region.
	ValidRange
	// ValidPlatform is set when the module targets this platform.
	ValidPlatform

	// ValidAll is the set of all checks.
	ValidAll = ValidIntegrity | ValidDependencies | ValidRange | ValidPlatform
)

// Module is a resolved view of a module in flash.
//
// Resolving does not verify anything; Validity is zero until Verify is
// called.
type Module struct {
	Bounds layout.ModuleBounds
	// Present is set when the module's metadata was resolved. A module
	// which is not present has only its Bounds set.
	Present bool
	Info    Info
	Suffix  Suffix
	CRC     uint32

	// SuffixAddress and CRCAddress locate the trailers in flash.
	SuffixAddress uint32
	CRCAddress    uint32

	Validity Validity
}

// Resolve reads the metadata of the module whose region is b.
//
// The suffix ends at the module's end address and the CRC starts there.
func Resolve(r Reader, b layout.ModuleBounds) (Module, error) {
	h, err := r.Read(flash.Internal, b.Start, InfoSize)
	if err != nil {
		return Module{}, fmt.Errorf("read module header @%#x: %w", b.Start, err)
	}
	info, err := ParseInfo(h)
	if err != nil {
		return Module{}, err
	}
	m := Module{
		Bounds:        b,
		Present:       true,
		Info:          info,
		SuffixAddress: info.EndAddress - SuffixSize,
		CRCAddress:    info.EndAddress,
	}
	s, err := r.Read(flash.Internal, m.SuffixAddress, SuffixSize)
	if err != nil {
		return Module{}, fmt.Errorf("read module suffix @%#x: %w", m.SuffixAddress, err)
	}
	if m.Suffix, err = ParseSuffix(s); err != nil {
		return Module{}, err
	}
	c, err := r.Read(flash.Internal, m.CRCAddress, CRCSize)
	if err != nil {
		return Module{}, fmt.Errorf("read module crc @%#x: %w", m.CRCAddress, err)
	}
	m.CRC = binary.BigEndian.Uint32(c)
	return m, nil
}

// Verify checks the module against its flash contents, the platform it is
// running on and the other installed modules, recording the result in
// m.Validity.
func Verify(r Reader, m *Module, platformID uint16, installed []Module) (Validity, error) {
	v := Validity(0)

	if m.Info.StartAddress == m.Bounds.Start &&
		m.Info.EndAddress > m.Bounds.Start &&
		uint64(m.Info.EndAddress)+CRCSize <= uint64(m.Bounds.Start)+uint64(m.Bounds.MaxSize) {
		v |= ValidRange
	}

	if v&ValidRange != 0 {
		body, err := r.Read(flash.Internal, m.Bounds.Start, m.Info.EndAddress-m.Bounds.Start)
		if err != nil {
			return 0, fmt.Errorf("read module body @%#x: %w", m.Bounds.Start, err)
		}
		if Checksum(body) == m.CRC {
			v |= ValidIntegrity
		}
	}

	if m.Info.PlatformID == platformID {
		v |= ValidPlatform
	}

	if d := m.Info.Dependency; d.Function == FunctionNone {
		v |= ValidDependencies
	} else {
		for _, o := range installed {
			if o.Info.Function == d.Function && o.Info.Index == d.Index && o.Info.Version >= d.Version {
				v |= ValidDependencies
				break
			}
		}
	}

	m.Validity = v
	return v, nil
}
