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

// Package slots orchestrates copying, comparing and verifying firmware
// between flash regions, and keeps the table of module copies which are
// applied on the next boot.
//
// Every operation is synchronous. None is retried. Only one operation may
// run at a time; concurrent callers get ErrBusy. While the Guard reports a
// flash update, only the operations the update itself needs are allowed.
package slots

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/transparency-dev/ota-flash-hal/flash"
	"github.com/transparency-dev/ota-flash-hal/module"
	"k8s.io/klog/v2"
)

// batchSize is the number of bytes programmed per driver call.
const batchSize = 16 << 10

// VerifyFlags selects the checks applied to a source image before it is
// committed to its destination.
type VerifyFlags uint8

const (
	// VerifyCRC checks the source module's CRC.
	VerifyCRC VerifyFlags = 1 << iota
	// VerifyDestinationIsStartAddress checks the destination is the address
	// the source module was built for.
	VerifyDestinationIsStartAddress
	// VerifyFunction checks the source module has the expected function.
	VerifyFunction
)

var (
	// ErrBusy is returned when another flash operation is in progress.
	ErrBusy = errors.New("flash operation in progress")
	// ErrNoFreeSlot is returned when the module slot table is full.
	ErrNoFreeSlot = errors.New("no free module slot")
	// ErrNoFactoryImage is returned when no factory reset image is recorded.
	ErrNoFactoryImage = errors.New("no factory reset image")
	// ErrInvalidRange is returned for addresses outside a device.
	ErrInvalidRange = errors.New("invalid flash range")
)

// VerificationError describes a failed pre-commit check.
type VerificationError struct {
	Check  VerifyFlags
	Reason string
}

func (e *VerificationError) Error() string {
	name := "unknown"
	switch e.Check {
	case VerifyCRC:
		name = "crc"
	case VerifyDestinationIsStartAddress:
		name = "destination"
	case VerifyFunction:
		name = "function"
	}
	return fmt.Sprintf("%s verification failed: %s", name, e.Reason)
}

// Manager performs slot operations on a flash driver.
type Manager struct {
	mu sync.Mutex

	dev flash.Driver

	tableDev  flash.Device
	tableAddr uint32

	// write is the open scratch write, if any.
	write *writeSession

	guard Guard
}

// Guard reports whether a flash update is in progress.
type Guard interface {
	Updating() bool
}

// New returns a Manager for the given driver, keeping its module slot table
// in the internal flash sector at tableAddr.
func New(dev flash.Driver, tableAddr uint32) *Manager {
	return &Manager{
		dev:       dev,
		tableDev:  flash.Internal,
		tableAddr: tableAddr,
	}
}

// SetGuard makes the operations which are not part of a flash update
// return ErrBusy while g reports one in progress. Begin, Update, End,
// AddToNextAvailableSlot and the read only queries stay available.
func (m *Manager) SetGuard(g Guard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guard = g
}

func (m *Manager) lock() error {
	if !m.mu.TryLock() {
		return ErrBusy
	}
	return nil
}

// lockExclusive is lock for operations which must not run during a flash
// update.
func (m *Manager) lockExclusive() error {
	if err := m.lock(); err != nil {
		return err
	}
	if m.guard != nil && m.guard.Updating() {
		m.mu.Unlock()
		return fmt.Errorf("flash update in progress: %w", ErrBusy)
	}
	return nil
}

// CheckValidAddressRange reports whether [addr, addr+length) lies within
// the device.
func (m *Manager) CheckValidAddressRange(dev flash.Device, addr, length uint32) bool {
	g, err := m.dev.Geometry(dev)
	if err != nil {
		return false
	}
	return length > 0 && g.Contains(addr, length)
}

func (m *Manager) checkRange(dev flash.Device, addr, length uint32) error {
	if !m.CheckValidAddressRange(dev, addr, length) {
		return fmt.Errorf("%v [%#x, +%#x): %w", dev, addr, length, ErrInvalidRange)
	}
	return nil
}

// ModuleAddress returns the address the module at addr was built for.
func (m *Manager) ModuleAddress(dev flash.Device, addr uint32) (uint32, error) {
	info, err := m.readInfo(dev, addr)
	if err != nil {
		return 0, err
	}
	return info.StartAddress, nil
}

// ModuleLength returns the length of the module at addr, excluding its CRC.
func (m *Manager) ModuleLength(dev flash.Device, addr uint32) (uint32, error) {
	info, err := m.readInfo(dev, addr)
	if err != nil {
		return 0, err
	}
	return info.Length()
}

func (m *Manager) readInfo(dev flash.Device, addr uint32) (module.Info, error) {
	h, err := m.dev.Read(dev, addr, module.InfoSize)
	if err != nil {
		return module.Info{}, fmt.Errorf("read module header %v@%#x: %w", dev, addr, err)
	}
	return module.ParseInfo(h)
}

// VerifyCRC32 reports whether the CRC stored at addr+length matches the
// CRC-32 of [addr, addr+length).
func (m *Manager) VerifyCRC32(dev flash.Device, addr, length uint32) (bool, error) {
	if length > math.MaxUint32-module.CRCSize {
		return false, fmt.Errorf("%v [%#x, +%#x) and CRC: %w", dev, addr, length, ErrInvalidRange)
	}
	if err := m.checkRange(dev, addr, length+module.CRCSize); err != nil {
		return false, err
	}
	b, err := m.dev.Read(dev, addr, length+module.CRCSize)
	if err != nil {
		return false, err
	}
	want := binary.BigEndian.Uint32(b[length:])
	return module.Checksum(b[:length]) == want, nil
}

// verifySource applies the checks selected by flags to the module image at
// src/srcAddr which is about to be copied to dstAddr.
func (m *Manager) verifySource(src flash.Device, srcAddr, length, dstAddr uint32, fn module.Function, flags VerifyFlags) error {
	if flags == 0 {
		return nil
	}
	info, err := m.readInfo(src, srcAddr)
	if err != nil {
		return err
	}
	if flags&VerifyCRC != 0 {
		if length < module.CRCSize {
			return &VerificationError{Check: VerifyCRC, Reason: fmt.Sprintf("length %d too short", length)}
		}
		ok, err := m.VerifyCRC32(src, srcAddr, length-module.CRCSize)
		if err != nil {
			return err
		}
		if !ok {
			return &VerificationError{Check: VerifyCRC, Reason: fmt.Sprintf("module %v@%#x corrupt", src, srcAddr)}
		}
	}
	if flags&VerifyDestinationIsStartAddress != 0 && info.StartAddress != dstAddr {
		return &VerificationError{
			Check:  VerifyDestinationIsStartAddress,
			Reason: fmt.Sprintf("module built for %#x, destination is %#x", info.StartAddress, dstAddr),
		}
	}
	if flags&VerifyFunction != 0 && info.Function != fn {
		return &VerificationError{
			Check:  VerifyFunction,
			Reason: fmt.Sprintf("module function %v, want %v", info.Function, fn),
		}
	}
	return nil
}

// Copy copies length bytes from src to dst after applying the checks
// selected by flags.
//
// The destination either receives the whole copy, or is left holding its
// previous contents.
func (m *Manager) Copy(src flash.Device, srcAddr uint32, dst flash.Device, dstAddr uint32, length uint32, fn module.Function, flags VerifyFlags) error {
	if err := m.lockExclusive(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	return m.copy(src, srcAddr, dst, dstAddr, length, fn, flags)
}

func (m *Manager) copy(src flash.Device, srcAddr uint32, dst flash.Device, dstAddr uint32, length uint32, fn module.Function, flags VerifyFlags) error {
	if err := m.checkRange(src, srcAddr, length); err != nil {
		return err
	}
	if err := m.checkRange(dst, dstAddr, length); err != nil {
		return err
	}
	if err := m.verifySource(src, srcAddr, length, dstAddr, fn, flags); err != nil {
		return err
	}
	data, err := m.dev.Read(src, srcAddr, length)
	if err != nil {
		return fmt.Errorf("read source %v@%#x: %w", src, srcAddr, err)
	}
	if err := m.replace(dst, dstAddr, data); err != nil {
		return err
	}
	klog.Infof("Copied %d bytes %v@%#x -> %v@%#x", length, src, srcAddr, dst, dstAddr)
	return nil
}

// replace writes data at addr, rewriting the sectors it touches.
//
// Bytes outside [addr, addr+len(data)) which share a sector with it are
// preserved. If programming fails the previous sector contents are
// restored.
func (m *Manager) replace(dev flash.Device, addr uint32, data []byte) error {
	g, err := m.dev.Geometry(dev)
	if err != nil {
		return err
	}
	first, last, err := g.SectorRange(addr, uint32(len(data)))
	if err != nil {
		return err
	}
	start := g.Sectors[first].Start
	end := g.Sectors[last].Start + g.Sectors[last].Length

	prev, err := m.dev.Read(dev, start, end-start)
	if err != nil {
		return fmt.Errorf("backup %v@%#x: %w", dev, start, err)
	}
	next := append([]byte(nil), prev...)
	copy(next[addr-start:], data)

	if err := m.dev.Erase(dev, start, end-start); err != nil {
		return fmt.Errorf("erase %v@%#x: %w", dev, start, err)
	}
	if err := m.program(dev, start, next); err != nil {
		klog.Errorf("Programming %v@%#x failed, restoring previous contents: %v", dev, start, err)
		if rerr := m.dev.Erase(dev, start, end-start); rerr != nil {
			klog.Errorf("Restore erase %v@%#x: %v", dev, start, rerr)
		} else if rerr := m.program(dev, start, prev); rerr != nil {
			klog.Errorf("Restore program %v@%#x: %v", dev, start, rerr)
		}
		return err
	}
	if got, err := m.dev.Read(dev, addr, uint32(len(data))); err != nil {
		return err
	} else if !bytes.Equal(got, data) {
		return fmt.Errorf("%v@%#x: read back differs from written data", dev, addr)
	}
	return nil
}

// program writes buf in batches, skipping batches which are entirely erased.
func (m *Manager) program(dev flash.Device, addr uint32, buf []byte) error {
	for i := 0; i < len(buf); i += batchSize {
		end := i + batchSize
		if end > len(buf) {
			end = len(buf)
		}
		if erased(buf[i:end]) {
			continue
		}
		if err := m.dev.Program(dev, addr+uint32(i), buf[i:end]); err != nil {
			return err
		}
		klog.V(2).Infof("flashed %d/%d bytes", end, len(buf))
	}
	return nil
}

func erased(b []byte) bool {
	for _, c := range b {
		if c != 0xff {
			return false
		}
	}
	return true
}

// Compare reports whether the two regions hold identical bytes.
func (m *Manager) Compare(src flash.Device, srcAddr uint32, dst flash.Device, dstAddr uint32, length uint32) (bool, error) {
	if err := m.lockExclusive(); err != nil {
		return false, err
	}
	defer m.mu.Unlock()
	if err := m.checkRange(src, srcAddr, length); err != nil {
		return false, err
	}
	if err := m.checkRange(dst, dstAddr, length); err != nil {
		return false, err
	}
	a, err := m.dev.Read(src, srcAddr, length)
	if err != nil {
		return false, err
	}
	b, err := m.dev.Read(dst, dstAddr, length)
	if err != nil {
		return false, err
	}
	return bytes.Equal(a, b), nil
}

// SetWriteProtection enables or disables protection of the selected sectors.
func (m *Manager) SetWriteProtection(dev flash.Device, sectors uint32, enabled bool) error {
	if err := m.lockExclusive(); err != nil {
		return err
	}
	defer m.mu.Unlock()
	klog.Infof("Setting %v flash write protection of sectors %#x to %t", dev, sectors, enabled)
	return m.dev.SetWriteProtection(dev, sectors, enabled)
}

// WriteProtectMemory enables or disables protection of every sector
// touched by [addr, addr+length).
func (m *Manager) WriteProtectMemory(dev flash.Device, addr, length uint32, protect bool) error {
	g, err := m.dev.Geometry(dev)
	if err != nil {
		return err
	}
	mask, err := g.SectorMask(addr, length)
	if err != nil {
		return err
	}
	return m.SetWriteProtection(dev, mask, protect)
}
