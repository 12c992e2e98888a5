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

// Package ota implements the transfer session which stages an incoming
// firmware image into the OTA scratch region and, once the transfer is
// complete, arranges for it to be installed into its module slot.
package ota

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/transparency-dev/ota-flash-hal/flash"
	"github.com/transparency-dev/ota-flash-hal/layout"
	"github.com/transparency-dev/ota-flash-hal/module"
	"github.com/transparency-dev/ota-flash-hal/slots"
	"k8s.io/klog/v2"
)

// Store identifies where a transferred file is destined.
type Store uint8

const (
	// Firmware files are staged in the OTA scratch region.
	Firmware Store = iota
	// Other files are accepted by the session but not written to flash.
	Other
)

func (s Store) String() string {
	switch s {
	case Firmware:
		return "firmware"
	case Other:
		return "other"
	}
	return fmt.Sprintf("Store(%d)", uint8(s))
}

// Descriptor describes a file transfer and the chunk currently being
// transferred.
type Descriptor struct {
	// ChunkAddress is the absolute address of the current chunk. When
	// passed to Prepare it is the offset of the file within the OTA
	// region, normally 0.
	ChunkAddress uint32
	// ChunkSize is the size of every chunk. Zero asks Prepare to fill in
	// the defaults.
	ChunkSize uint32
	// FileAddress and FileLength are the region the file is written to.
	FileAddress uint32
	FileLength  uint32
	Store       Store
}

// PrepareFlags modify Prepare.
type PrepareFlags uint32

// AddressCheckOnly makes Prepare validate the descriptor without starting
// a session.
const AddressCheckOnly PrepareFlags = 1

// FinishFlags modify Finish.
type FinishFlags uint32

// Success marks the transfer as complete and the image as ready to apply.
const Success FinishFlags = 1

// State is the state of a Session.
type State int

const (
	Idle State = iota
	Preparing
	Receiving
	Finishing
	Applied
	Aborted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preparing:
		return "preparing"
	case Receiving:
		return "receiving"
	case Finishing:
		return "finishing"
	case Applied:
		return "applied"
	case Aborted:
		return "aborted"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

var (
	// ErrInvalidRange is returned when a transfer does not fit the OTA region.
	ErrInvalidRange = errors.New("invalid OTA address range")
	// ErrNoSession is returned for chunks or finishes with no prepared session.
	ErrNoSession = errors.New("no OTA session in progress")
	// ErrBusy is returned when another session operation is in progress.
	ErrBusy = errors.New("OTA session busy")
	// ErrShortChunk is returned when a chunk holds fewer than ChunkSize bytes.
	ErrShortChunk = errors.New("chunk shorter than chunk size")
	// ErrUnsupportedStore is returned when saving chunks of non-firmware files.
	ErrUnsupportedStore = errors.New("store does not accept chunks")
	// ErrVerification is returned when the staged image cannot be installed.
	ErrVerification = errors.New("staged image failed verification")
)

// FlashSlots is the subset of the slot manager used by a Session.
type FlashSlots interface {
	Begin(dev flash.Device, addr, length uint32) error
	Update(data []byte, addr uint32) error
	End() error
	ModuleAddress(dev flash.Device, addr uint32) (uint32, error)
	ModuleLength(dev flash.Device, addr uint32) (uint32, error)
	CheckValidAddressRange(dev flash.Device, addr, length uint32) bool
	VerifyCRC32(dev flash.Device, addr, length uint32) (bool, error)
	AddToNextAvailableSlot(s slots.Slot) error
}

// Indicator shows update progress to the user, typically with an LED.
type Indicator interface {
	// SetUpdating switches the "update in progress" indication on or off.
	SetUpdating(on bool)
	// Toggle is called after each chunk is written.
	Toggle()
}

// Restarter restarts the system.
type Restarter interface {
	Restart()
}

// Config holds the collaborators of a Session.
type Config struct {
	Layout *layout.Layout
	// Slots is guarded by the session if it has a SetGuard method.
	Slots     FlashSlots
	Restarter Restarter
	// Indicator is optional.
	Indicator Indicator
	// Registerer, if set, is used to register the session's metrics.
	Registerer prom.Registerer
}

// guarded is implemented by slot managers which refuse work while a
// transfer is in progress.
type guarded interface {
	SetGuard(g slots.Guard)
}

type nopIndicator struct{}

func (nopIndicator) SetUpdating(bool) {}
func (nopIndicator) Toggle()          {}

// Session is the OTA transfer state machine. There is a single session
// per device; Prepare while a transfer is active restarts it.
type Session struct {
	mu sync.Mutex

	layout    *layout.Layout
	slots     FlashSlots
	restarter Restarter
	indicator Indicator
	metrics   *metrics

	state State
	// updating is the flash update flag. It is read without holding mu by
	// the components guarded by the session.
	updating atomic.Bool
	timeout  uint32
	file     Descriptor
}

// New returns an idle Session.
func New(cfg Config) (*Session, error) {
	if cfg.Layout == nil || cfg.Slots == nil || cfg.Restarter == nil {
		return nil, errors.New("ota: layout, slots and restarter must be set")
	}
	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}
	s := &Session{
		layout:    cfg.Layout,
		slots:     cfg.Slots,
		restarter: cfg.Restarter,
		indicator: cfg.Indicator,
		metrics:   m,
	}
	if s.indicator == nil {
		s.indicator = nopIndicator{}
	}
	if g, ok := cfg.Slots.(guarded); ok {
		g.SetGuard(s)
	}
	return s, nil
}

func (s *Session) lock() error {
	if !s.mu.TryLock() {
		return ErrBusy
	}
	return nil
}

// ScratchAddress returns the address firmware images are staged at.
func (s *Session) ScratchAddress() uint32 { return s.layout.OTA().Address }

// MaxLength returns the default length of a firmware transfer.
func (s *Session) MaxLength() uint32 { return s.layout.OTA().ImageSize }

// ChunkSize returns the standard transfer chunk size.
func (s *Session) ChunkSize() uint32 { return s.layout.OTA().ChunkSize }

// IsValidOTARange reports whether a transfer of length bytes at addr is
// acceptable: addr must be the scratch address and the transfer must end
// within the maximum OTA size, measured from the start of flash.
func IsValidOTARange(l *layout.Layout, addr, length uint32) bool {
	o := l.OTA()
	if length == 0 || addr != o.Address || addr < l.FlashBase() {
		return false
	}
	return uint64(addr-l.FlashBase())+uint64(length)-1 < uint64(o.MaxSize)
}

// IsValidOTARange reports whether a transfer of length bytes at addr is
// acceptable for this session's layout.
func (s *Session) IsValidOTARange(addr, length uint32) bool {
	return IsValidOTARange(s.layout, addr, length)
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Updating reports whether a transfer is in progress. While it is, slot
// operations other than those the session makes, and key provisioning,
// fail with ErrBusy.
func (s *Session) Updating() bool {
	return s.updating.Load()
}

// Tick advances the staleness counter and returns its new value. The
// counter is reset by Prepare and SaveChunk; the caller decides when it
// has run too long and calls Abort.
func (s *Session) Tick() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updating.Load() {
		s.timeout++
	}
	return s.timeout
}

func (s *Session) active() bool {
	return s.state == Preparing || s.state == Receiving
}

// Prepare starts a transfer described by d, filling in its defaults.
//
// For firmware, d.FileAddress is set to the scratch address plus
// d.ChunkAddress. A zero d.ChunkSize is replaced with the standard chunk
// size, and d.FileLength with the default image length.
func (s *Session) Prepare(d *Descriptor, flags PrepareFlags) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()

	o := s.layout.OTA()
	if d.Store == Firmware {
		d.FileAddress = o.Address + d.ChunkAddress
	}
	if d.ChunkSize == 0 {
		d.ChunkSize = o.ChunkSize
		d.FileLength = o.ImageSize
	}
	if d.Store == Firmware && !IsValidOTARange(s.layout, d.FileAddress, d.FileLength) {
		return fmt.Errorf("%#x +%#x: %w", d.FileAddress, d.FileLength, ErrInvalidRange)
	}
	if flags&AddressCheckOnly != 0 {
		return nil
	}

	if s.active() {
		klog.Warningf("Discarding %v transfer to %#x in state %v", s.file.Store, s.file.FileAddress, s.state)
		if s.file.Store == Firmware {
			if err := s.slots.End(); err != nil && !errors.Is(err, slots.ErrNoWrite) {
				klog.Warningf("Ending abandoned write: %v", err)
			}
		}
	}
	s.indicator.SetUpdating(true)
	s.updating.Store(true)
	s.timeout = 0
	if d.Store == Firmware {
		if err := s.slots.Begin(flash.Internal, d.FileAddress, d.FileLength); err != nil {
			s.indicator.SetUpdating(false)
			s.updating.Store(false)
			s.state = Aborted
			return fmt.Errorf("begin flash write: %w", err)
		}
	}
	s.file = *d
	s.state = Preparing
	s.metrics.prepare.Inc()
	klog.Infof("Prepared %v transfer of %d bytes to %#x in %d byte chunks", d.Store, d.FileLength, d.FileAddress, d.ChunkSize)
	return nil
}

// SaveChunk writes d.ChunkSize bytes of chunk at d.ChunkAddress.
//
// A failed write is reported but does not end the session; the caller may
// retry the chunk or abort.
func (s *Session) SaveChunk(d *Descriptor, chunk []byte) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if !s.active() {
		return ErrNoSession
	}
	s.timeout = 0
	if d.Store != Firmware {
		s.metrics.chunks.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%v: %w", d.Store, ErrUnsupportedStore)
	}
	if uint32(len(chunk)) < d.ChunkSize {
		s.metrics.chunks.WithLabelValues("rejected").Inc()
		return fmt.Errorf("%d < %d: %w", len(chunk), d.ChunkSize, ErrShortChunk)
	}
	if err := s.slots.Update(chunk[:d.ChunkSize], d.ChunkAddress); err != nil {
		s.metrics.chunks.WithLabelValues("failed").Inc()
		return fmt.Errorf("save chunk @%#x: %w", d.ChunkAddress, err)
	}
	s.indicator.Toggle()
	s.state = Receiving
	s.metrics.chunks.WithLabelValues("ok").Inc()
	klog.V(2).Infof("Saved %d byte chunk @%#x", d.ChunkSize, d.ChunkAddress)
	return nil
}

// Finish ends the transfer.
//
// Without the Success flag the session is abandoned: nothing further is
// written and the system is not restarted. With it, a staged firmware
// image is verified and queued for installation and the system is
// restarted, whether or not verification passed.
func (s *Session) Finish(d *Descriptor, flags FinishFlags) error {
	if err := s.lock(); err != nil {
		return err
	}
	defer s.mu.Unlock()
	if !s.active() {
		return ErrNoSession
	}
	s.updating.Store(false)
	s.timeout = 0
	s.state = Finishing

	if flags&Success == 0 {
		klog.Infof("%v transfer to %#x abandoned", d.Store, d.FileAddress)
		s.indicator.SetUpdating(false)
		s.state = Aborted
		s.metrics.finish.WithLabelValues("aborted").Inc()
		return nil
	}
	if d.Store != Firmware {
		s.indicator.SetUpdating(false)
		s.state = Applied
		s.metrics.finish.WithLabelValues("applied").Inc()
		return nil
	}

	var err error
	switch s.layout.Kind() {
	case layout.Modular:
		err = s.relocate()
	default:
		err = s.queueMonolithic()
	}
	if eerr := s.slots.End(); eerr != nil {
		klog.Warningf("Ending scratch write: %v", eerr)
	}
	s.indicator.SetUpdating(false)
	if err != nil {
		klog.Errorf("Firmware update not applied: %v", err)
		s.state = Aborted
		s.metrics.finish.WithLabelValues("rejected").Inc()
	} else {
		s.state = Applied
		s.metrics.finish.WithLabelValues("applied").Inc()
	}
	klog.Info("Restarting to complete firmware update")
	s.restarter.Restart()
	return err
}

// relocate verifies the module staged in scratch and queues its copy to
// the address it was built for.
func (s *Session) relocate() error {
	scratch := s.layout.OTA().Address
	addr, err := s.slots.ModuleAddress(flash.Internal, scratch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	length, err := s.slots.ModuleLength(flash.Internal, scratch)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	total := length + module.CRCSize
	if !s.slots.CheckValidAddressRange(flash.Internal, addr, total) {
		return fmt.Errorf("%w: module range %#x +%#x outside flash", ErrVerification, addr, total)
	}
	if _, ok := s.layout.Containing(addr, total); !ok || s.layout.OverlapsScratch(addr, total) {
		return fmt.Errorf("%w: module range %#x +%#x is not a module slot", ErrVerification, addr, total)
	}
	ok, err := s.slots.VerifyCRC32(flash.Internal, scratch, length)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrVerification, err)
	}
	if !ok {
		return fmt.Errorf("%w: CRC mismatch", ErrVerification)
	}
	return s.slots.AddToNextAvailableSlot(slots.Slot{
		SourceDevice:       flash.Internal,
		SourceAddress:      scratch,
		DestinationDevice:  flash.Internal,
		DestinationAddress: addr,
		Length:             total,
		Function:           module.FunctionUserPart,
		Flags:              slots.VerifyCRC | slots.VerifyDestinationIsStartAddress | slots.VerifyFunction,
	})
}

// queueMonolithic queues the whole scratch region to be copied over the
// user firmware. Monolithic images carry no module header to check.
func (s *Session) queueMonolithic() error {
	b, ok := s.layout.Find(layout.RoleUser)
	if !ok {
		return errors.New("layout has no user firmware region")
	}
	o := s.layout.OTA()
	return s.slots.AddToNextAvailableSlot(slots.Slot{
		SourceDevice:       flash.Internal,
		SourceAddress:      o.Address,
		DestinationDevice:  flash.Internal,
		DestinationAddress: b.Start,
		Length:             o.ImageSize,
		Function:           module.FunctionMonoFirmware,
	})
}

// Abort abandons any transfer in progress without restarting.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active() {
		return
	}
	if s.file.Store == Firmware {
		if err := s.slots.End(); err != nil && !errors.Is(err, slots.ErrNoWrite) {
			klog.Warningf("Ending aborted write: %v", err)
		}
	}
	klog.Warningf("Aborted %v transfer to %#x after %d ticks", s.file.Store, s.file.FileAddress, s.timeout)
	s.indicator.SetUpdating(false)
	s.updating.Store(false)
	s.timeout = 0
	s.state = Aborted
	s.metrics.finish.WithLabelValues("aborted").Inc()
}
