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

// Package layout describes where firmware modules live in flash for each
// supported platform layout.
//
// Each module region must be disjoint from every other region. New checks
// this for caller supplied configurations; the built-in tables returned by
// ForKind are fixed and are checked by tests instead.
package layout

import (
	"fmt"
	"strings"
)

// Kind selects the module layout of a platform. It is chosen once at
// startup and never changes afterwards.
type Kind int

const (
	// Modular layouts split the system firmware over several independently
	// updatable partitions, with the user application in its own module.
	Modular Kind = iota
	// Monolithic layouts carry a single user image which contains the system.
	Monolithic
)

func (k Kind) String() string {
	switch k {
	case Modular:
		return "modular"
	case Monolithic:
		return "monolithic"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// ParseKind returns the Kind named by s.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "modular":
		return Modular, nil
	case "monolithic", "mono":
		return Monolithic, nil
	}
	return 0, fmt.Errorf("unknown layout kind %q", s)
}

// Role identifies what a module region is used for.
type Role int

const (
	RoleBootloader Role = iota
	RoleSystem
	RoleUser
	RoleFactory
)

func (r Role) String() string {
	switch r {
	case RoleBootloader:
		return "bootloader"
	case RoleSystem:
		return "system"
	case RoleUser:
		return "user"
	case RoleFactory:
		return "factory"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

// ModuleBounds describes the region of flash reserved for a single module.
type ModuleBounds struct {
	// MaxSize is the largest image the region is allowed to hold.
	MaxSize uint32
	// Start and End define the region: [Start, End).
	Start uint32
	End   uint32
}

// Contains reports whether [addr, addr+length) lies within the region.
func (b ModuleBounds) Contains(addr, length uint32) bool {
	return addr >= b.Start && uint64(addr)+uint64(length) <= uint64(b.End)
}

func (b ModuleBounds) overlaps(start, end uint32) bool {
	return b.Start < end && start < b.End
}

func (b ModuleBounds) String() string {
	return fmt.Sprintf("[%#x, %#x) max %#x", b.Start, b.End, b.MaxSize)
}

// Entry is a single module region in a layout.
type Entry struct {
	Role   Role
	Bounds ModuleBounds
}

// OTA describes the scratch region incoming images are staged into.
type OTA struct {
	// Address is the designated scratch address; transfers must start here.
	Address uint32
	// MaxSize bounds the end of any transfer, measured from FlashBase.
	MaxSize uint32
	// ImageSize is the default transfer length (the largest firmware image).
	ImageSize uint32
	// ChunkSize is the standard transfer chunk size.
	ChunkSize uint32
}

// Config is everything needed to build a Layout.
type Config struct {
	Kind       Kind
	PlatformID uint16
	// FlashBase is the address the internal flash is mapped at.
	FlashBase uint32
	// SlotTable is the address of the sector holding pending module copies.
	SlotTable uint32
	// SlotTableSize is the length of the region reserved at SlotTable.
	SlotTableSize uint32
	Modules       []Entry
	OTA           OTA
}

// Layout is an immutable module layout for one platform.
type Layout struct {
	cfg Config
}

// New returns a layout for the provided configuration, checking that the
// configured regions do not overlap.
func New(cfg Config) (*Layout, error) {
	l := &Layout{cfg: cfg}
	l.cfg.Modules = append([]Entry(nil), cfg.Modules...)
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Validate checks that the layout is self-consistent: every module region
// is well formed and disjoint from every other region, the scratch region
// and the slot table.
func (l *Layout) Validate() error {
	type region struct {
		name       string
		start, end uint32
	}
	var rs []region
	for i, e := range l.cfg.Modules {
		b := e.Bounds
		if b.End <= b.Start {
			return fmt.Errorf("module %d (%v): empty region %v", i, e.Role, b)
		}
		if b.MaxSize > b.End-b.Start {
			return fmt.Errorf("module %d (%v): max size %#x exceeds region %v", i, e.Role, b.MaxSize, b)
		}
		rs = append(rs, region{fmt.Sprintf("module %d (%v)", i, e.Role), b.Start, b.End})
	}
	if o := l.cfg.OTA; o.ImageSize > 0 {
		rs = append(rs, region{"ota scratch", o.Address, o.Address + o.ImageSize})
	}
	if l.cfg.SlotTableSize > 0 {
		rs = append(rs, region{"slot table", l.cfg.SlotTable, l.cfg.SlotTable + l.cfg.SlotTableSize})
	}
	for i := range rs {
		for j := i + 1; j < len(rs); j++ {
			a, b := rs[i], rs[j]
			if a.start < b.end && b.start < a.end {
				return fmt.Errorf("invalid layout: %s [%#x, %#x) overlaps %s [%#x, %#x)", a.name, a.start, a.end, b.name, b.start, b.end)
			}
		}
	}
	if l.cfg.OTA.ChunkSize == 0 && l.cfg.OTA.ImageSize > 0 {
		return fmt.Errorf("invalid layout: zero OTA chunk size")
	}
	return nil
}

// Kind returns the layout kind.
func (l *Layout) Kind() Kind { return l.cfg.Kind }

// PlatformID returns the platform identifier modules must be built for.
func (l *Layout) PlatformID() uint16 { return l.cfg.PlatformID }

// FlashBase returns the address the internal flash is mapped at.
func (l *Layout) FlashBase() uint32 { return l.cfg.FlashBase }

// SlotTable returns the address of the pending module slot table.
func (l *Layout) SlotTable() uint32 { return l.cfg.SlotTable }

// OTA returns the OTA scratch region parameters.
func (l *Layout) OTA() OTA { return l.cfg.OTA }

// Len returns the number of module regions.
func (l *Layout) Len() int { return len(l.cfg.Modules) }

// Bounds returns the bounds of the i'th module region.
func (l *Layout) Bounds(i int) (ModuleBounds, error) {
	if i < 0 || i >= len(l.cfg.Modules) {
		return ModuleBounds{}, fmt.Errorf("invalid module index %d (layout has %d modules)", i, len(l.cfg.Modules))
	}
	return l.cfg.Modules[i].Bounds, nil
}

// Role returns the role of the i'th module region.
func (l *Layout) Role(i int) Role { return l.cfg.Modules[i].Role }

// Find returns the first module region with the given role.
func (l *Layout) Find(r Role) (ModuleBounds, bool) {
	for _, e := range l.cfg.Modules {
		if e.Role == r {
			return e.Bounds, true
		}
	}
	return ModuleBounds{}, false
}

// Containing returns the module region which wholly contains
// [addr, addr+length), if any.
func (l *Layout) Containing(addr, length uint32) (Entry, bool) {
	for _, e := range l.cfg.Modules {
		if e.Bounds.Contains(addr, length) {
			return e, true
		}
	}
	return Entry{}, false
}

// OverlapsScratch reports whether [addr, addr+length) touches the OTA
// scratch region.
func (l *Layout) OverlapsScratch(addr, length uint32) bool {
	o := l.cfg.OTA
	s := ModuleBounds{Start: o.Address, End: o.Address + o.ImageSize}
	return s.overlaps(addr, addr+length)
}
