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
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/transparency-dev/ota-flash-hal/flash"
	"github.com/transparency-dev/ota-flash-hal/module"
	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/klog/v2"
)

const (
	// MaxSlots is the number of slots in the table, including the factory
	// reset slot.
	MaxSlots = 5
	// FactoryResetSlot is the index of the slot recording the factory image.
	FactoryResetSlot = 0

	pendingMagic = 0xabcd
	factoryMagic = 0x0fac

	tableHeaderSize = 8
)

var tableMagic = []byte("MSLT")

// Slot describes a copy of a module from one flash region to another.
type Slot struct {
	SourceDevice       flash.Device
	SourceAddress      uint32
	DestinationDevice  flash.Device
	DestinationAddress uint32
	Length             uint32
	Function           module.Function
	Flags              VerifyFlags
}

// Notifier is told when pending module copies start and stop being
// applied.
type Notifier interface {
	Notify(updating bool)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(updating bool)

// Notify calls f(updating).
func (f NotifierFunc) Notify(updating bool) { f(updating) }

// table is the persisted state: the module slots and whether the last
// boot applied an OTA image.
type table struct {
	slots      [MaxSlots]*Slot
	otaFlashed bool
}

// Protobuf field numbers of the persisted table.
const (
	fieldTableSlot       protowire.Number = 1
	fieldTableOTAFlashed protowire.Number = 2

	fieldSlotIndex    protowire.Number = 1
	fieldSlotMagic    protowire.Number = 2
	fieldSlotSrcDev   protowire.Number = 3
	fieldSlotSrcAddr  protowire.Number = 4
	fieldSlotDstDev   protowire.Number = 5
	fieldSlotDstAddr  protowire.Number = 6
	fieldSlotLength   protowire.Number = 7
	fieldSlotFunction protowire.Number = 8
	fieldSlotFlags    protowire.Number = 9
)

func (t *table) marshal() []byte {
	var body []byte
	for i, s := range t.slots {
		if s == nil {
			continue
		}
		magic := uint64(pendingMagic)
		if i == FactoryResetSlot {
			magic = factoryMagic
		}
		var b []byte
		for _, f := range []struct {
			n protowire.Number
			v uint64
		}{
			{fieldSlotIndex, uint64(i)},
			{fieldSlotMagic, magic},
			{fieldSlotSrcDev, uint64(s.SourceDevice)},
			{fieldSlotSrcAddr, uint64(s.SourceAddress)},
			{fieldSlotDstDev, uint64(s.DestinationDevice)},
			{fieldSlotDstAddr, uint64(s.DestinationAddress)},
			{fieldSlotLength, uint64(s.Length)},
			{fieldSlotFunction, uint64(s.Function)},
			{fieldSlotFlags, uint64(s.Flags)},
		} {
			b = protowire.AppendTag(b, f.n, protowire.VarintType)
			b = protowire.AppendVarint(b, f.v)
		}
		body = protowire.AppendTag(body, fieldTableSlot, protowire.BytesType)
		body = protowire.AppendBytes(body, b)
	}
	if t.otaFlashed {
		body = protowire.AppendTag(body, fieldTableOTAFlashed, protowire.VarintType)
		body = protowire.AppendVarint(body, protowire.EncodeBool(true))
	}

	out := make([]byte, 0, tableHeaderSize+len(body))
	out = append(out, tableMagic...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(body)))
	return append(out, body...)
}

// varintFields decodes a message made up only of varint fields.
func varintFields(b []byte, fn func(protowire.Number, uint64)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		fn(num, v)
	}
	return nil
}

func unmarshalSlot(b []byte) (int, *Slot, error) {
	var (
		s     Slot
		idx   = -1
		magic uint64
	)
	err := varintFields(b, func(num protowire.Number, v uint64) {
		switch num {
		case fieldSlotIndex:
			idx = int(v)
		case fieldSlotMagic:
			magic = v
		case fieldSlotSrcDev:
			s.SourceDevice = flash.Device(v)
		case fieldSlotSrcAddr:
			s.SourceAddress = uint32(v)
		case fieldSlotDstDev:
			s.DestinationDevice = flash.Device(v)
		case fieldSlotDstAddr:
			s.DestinationAddress = uint32(v)
		case fieldSlotLength:
			s.Length = uint32(v)
		case fieldSlotFunction:
			s.Function = module.Function(v)
		case fieldSlotFlags:
			s.Flags = VerifyFlags(v)
		}
	})
	if err != nil {
		return 0, nil, err
	}
	if idx < 0 || idx >= MaxSlots {
		return 0, nil, fmt.Errorf("slot index %d out of range", idx)
	}
	want := uint64(pendingMagic)
	if idx == FactoryResetSlot {
		want = factoryMagic
	}
	if magic != want {
		// Not a valid slot; treat as empty.
		return idx, nil, nil
	}
	return idx, &s, nil
}

func unmarshalTable(body []byte) (*table, error) {
	t := &table{}
	b := body
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldTableSlot && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			i, s, err := unmarshalSlot(v)
			if err != nil {
				return nil, err
			}
			t.slots[i] = s
		case num == fieldTableOTAFlashed && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
			t.otaFlashed = protowire.DecodeBool(v)
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return t, nil
}

// tableSpace returns the number of bytes available to the slot table,
// from its address to the end of its sector.
func (m *Manager) tableSpace() (uint32, error) {
	g, err := m.dev.Geometry(m.tableDev)
	if err != nil {
		return 0, err
	}
	i, _, err := g.SectorRange(m.tableAddr, 1)
	if err != nil {
		return 0, fmt.Errorf("slot table @%#x: %w", m.tableAddr, err)
	}
	s := g.Sectors[i]
	space := s.Start + s.Length - m.tableAddr
	if space < tableHeaderSize {
		return 0, fmt.Errorf("slot table @%#x: no room for header", m.tableAddr)
	}
	return space, nil
}

func (m *Manager) loadTable() (*table, error) {
	space, err := m.tableSpace()
	if err != nil {
		return nil, err
	}
	h, err := m.dev.Read(m.tableDev, m.tableAddr, tableHeaderSize)
	if err != nil {
		return nil, fmt.Errorf("read slot table: %w", err)
	}
	if erased(h) {
		return &table{}, nil
	}
	if !bytes.Equal(h[:len(tableMagic)], tableMagic) {
		klog.Warningf("Slot table @%#x has bad magic %x, treating as empty", m.tableAddr, h[:len(tableMagic)])
		return &table{}, nil
	}
	l := binary.BigEndian.Uint32(h[len(tableMagic):])
	if l > space-tableHeaderSize {
		return nil, fmt.Errorf("slot table length %d exceeds sector", l)
	}
	if l == 0 {
		return &table{}, nil
	}
	body, err := m.dev.Read(m.tableDev, m.tableAddr+tableHeaderSize, l)
	if err != nil {
		return nil, fmt.Errorf("read slot table: %w", err)
	}
	t, err := unmarshalTable(body)
	if err != nil {
		return nil, fmt.Errorf("decode slot table: %w", err)
	}
	return t, nil
}

// storeTable rewrites the table up to the end of its sector. If the write
// fails the previous table is restored.
func (m *Manager) storeTable(t *table) error {
	space, err := m.tableSpace()
	if err != nil {
		return err
	}
	b := t.marshal()
	if uint32(len(b)) > space {
		return fmt.Errorf("slot table of %d bytes does not fit", len(b))
	}
	buf := bytes.Repeat([]byte{0xff}, int(space))
	copy(buf, b)
	if err := m.replace(m.tableDev, m.tableAddr, buf); err != nil {
		return fmt.Errorf("write slot table: %w", err)
	}
	return nil
}

// checkSlot validates a slot's ranges and source image before it is
// recorded.
func (m *Manager) checkSlot(s Slot) error {
	if err := m.checkRange(s.SourceDevice, s.SourceAddress, s.Length); err != nil {
		return err
	}
	if err := m.checkRange(s.DestinationDevice, s.DestinationAddress, s.Length); err != nil {
		return err
	}
	return m.verifySource(s.SourceDevice, s.SourceAddress, s.Length, s.DestinationAddress, s.Function, s.Flags)
}

// AddToNextAvailableSlot verifies the source image and records the copy to
// be applied by the next UpdateModules.
func (m *Manager) AddToNextAvailableSlot(s Slot) error {
	if err := m.lock(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if err := m.checkSlot(s); err != nil {
		return err
	}
	t, err := m.loadTable()
	if err != nil {
		return err
	}
	for i := FactoryResetSlot + 1; i < MaxSlots; i++ {
		if t.slots[i] != nil {
			continue
		}
		t.slots[i] = &s
		if err := m.storeTable(t); err != nil {
			return err
		}
		klog.Infof("Queued module copy %v@%#x -> %v@%#x (%d bytes) in slot %d", s.SourceDevice, s.SourceAddress, s.DestinationDevice, s.DestinationAddress, s.Length, i)
		return nil
	}
	return ErrNoFreeSlot
}

// AddToFactoryResetSlot verifies the source image and records it as the
// image to restore on factory reset.
func (m *Manager) AddToFactoryResetSlot(s Slot) error {
	if err := m.lockExclusive(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	if err := m.checkSlot(s); err != nil {
		return err
	}
	t, err := m.loadTable()
	if err != nil {
		return err
	}
	t.slots[FactoryResetSlot] = &s
	return m.storeTable(t)
}

// ClearFactoryResetSlot forgets the factory reset image.
func (m *Manager) ClearFactoryResetSlot() error {
	if err := m.lockExclusive(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	t, err := m.loadTable()
	if err != nil {
		return err
	}
	t.slots[FactoryResetSlot] = nil
	return m.storeTable(t)
}

// RestoreFromFactoryResetSlot copies the recorded factory image to its
// destination.
func (m *Manager) RestoreFromFactoryResetSlot() error {
	if err := m.lockExclusive(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	t, err := m.loadTable()
	if err != nil {
		return err
	}
	s := t.slots[FactoryResetSlot]
	if s == nil {
		return ErrNoFactoryImage
	}
	klog.Info("Restoring factory image")
	return m.copy(s.SourceDevice, s.SourceAddress, s.DestinationDevice, s.DestinationAddress, s.Length, s.Function, s.Flags)
}

// Slots returns the recorded slots, indexed by slot number. Empty slots
// are nil.
func (m *Manager) Slots() ([]*Slot, error) {
	if err := m.lock(); err != nil {
		return nil, err
	}
	defer m.mu.Unlock()
	t, err := m.loadTable()
	if err != nil {
		return nil, err
	}
	return append([]*Slot(nil), t.slots[:]...), nil
}

// UpdateModules applies every pending module copy and clears its slot,
// returning the number of copies which succeeded.
//
// When there is work to do, n is notified once before the first copy and
// once after the last. A copy which fails is still cleared.
func (m *Manager) UpdateModules(n Notifier) (int, error) {
	if err := m.lockExclusive(); err != nil {
		return 0, err
	}
	defer m.mu.Unlock()
	t, err := m.loadTable()
	if err != nil {
		return 0, err
	}
	var pending []int
	for i := FactoryResetSlot + 1; i < MaxSlots; i++ {
		if t.slots[i] != nil {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	if n != nil {
		n.Notify(true)
		defer n.Notify(false)
	}
	applied := 0
	var errs []error
	for _, i := range pending {
		s := t.slots[i]
		if err := m.copy(s.SourceDevice, s.SourceAddress, s.DestinationDevice, s.DestinationAddress, s.Length, s.Function, s.Flags); err != nil {
			klog.Errorf("Applying module slot %d failed: %v", i, err)
			errs = append(errs, fmt.Errorf("slot %d: %w", i, err))
		} else {
			applied++
		}
		t.slots[i] = nil
	}
	if applied > 0 {
		t.otaFlashed = true
	}
	if err := m.storeTable(t); err != nil {
		errs = append(errs, err)
	}
	return applied, errors.Join(errs...)
}

// OTAFlashedStatus reports whether UpdateModules has applied an image
// since the status was last reset.
func (m *Manager) OTAFlashedStatus() (bool, error) {
	if err := m.lock(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	t, err := m.loadTable()
	if err != nil {
		return false, err
	}
	return t.otaFlashed, nil
}

// ResetOTAFlashedStatus clears the OTA flashed status.
func (m *Manager) ResetOTAFlashedStatus() error {
	if err := m.lockExclusive(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	t, err := m.loadTable()
	if err != nil {
		return err
	}
	if !t.otaFlashed {
		return nil
	}
	t.otaFlashed = false
	return m.storeTable(t)
}
