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

// Package dct provides the device configuration table: a small byte
// addressed store holding the device's keys, server details and claim
// state.
//
// Unwritten bytes read as 0xFF, as they would from erased flash.
package dct

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Field offsets and sizes within the table.
const (
	PrivateKeyOffset = 0
	PrivateKeySize   = 612

	PublicKeyOffset = PrivateKeyOffset + PrivateKeySize
	PublicKeySize   = 384

	ServerPublicKeyOffset = PublicKeyOffset + PublicKeySize
	ServerPublicKeySize   = 768

	ServerAddressOffset = ServerPublicKeyOffset + ServerPublicKeySize
	ServerAddressSize   = 128

	ClaimCodeOffset = ServerAddressOffset + ServerAddressSize
	ClaimCodeSize   = 63

	ClaimedOffset = ClaimCodeOffset + ClaimCodeSize
	ClaimedSize   = 1

	// Size is the total size of the table.
	Size = ClaimedOffset + ClaimedSize
)

// ErrOutOfRange is returned for accesses beyond the end of the table.
var ErrOutOfRange = errors.New("access outside configuration table")

// Store is a device configuration table.
type Store interface {
	// Read returns length bytes starting at offset.
	Read(offset, length int) ([]byte, error)
	// Write stores data at offset.
	Write(offset int, data []byte) error
}

func checkRange(offset, length int) error {
	if offset < 0 || length < 0 || offset+length > Size {
		return fmt.Errorf("[%d, +%d): %w", offset, length, ErrOutOfRange)
	}
	return nil
}

func blank() []byte {
	return bytes.Repeat([]byte{0xff}, Size)
}

// MemStore is an in-memory Store.
type MemStore struct {
	mu   sync.Mutex
	data []byte
}

// NewMemStore returns an empty in-memory table.
func NewMemStore() *MemStore {
	return &MemStore{data: blank()}
}

// Read implements Store.
func (m *MemStore) Read(offset, length int) ([]byte, error) {
	if err := checkRange(offset, length); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data[offset:offset+length]...), nil
}

// Write implements Store.
func (m *MemStore) Write(offset int, data []byte) error {
	if err := checkRange(offset, len(data)); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copy(m.data[offset:], data)
	return nil
}

// SetClaimCode stores the claim code. An empty code clears the stored code
// and marks the device as claimed.
func SetClaimCode(s Store, code string) error {
	if code != "" {
		if len(code) > ClaimCodeSize {
			return fmt.Errorf("claim code is %d bytes, max %d", len(code), ClaimCodeSize)
		}
		b := make([]byte, ClaimCodeSize)
		copy(b, code)
		return s.Write(ClaimCodeOffset, b)
	}
	if err := s.Write(ClaimCodeOffset, []byte{0}); err != nil {
		return err
	}
	c, err := s.Read(ClaimedOffset, ClaimedSize)
	if err != nil {
		return err
	}
	if c[0] != '1' {
		klog.Info("Marking device as claimed")
		return s.Write(ClaimedOffset, []byte{'1'})
	}
	return nil
}

// ClaimCode returns the stored claim code, or "" if there is none.
func ClaimCode(s Store) (string, error) {
	b, err := s.Read(ClaimCodeOffset, ClaimCodeSize)
	if err != nil {
		return "", err
	}
	if b[0] == 0xff {
		return "", nil
	}
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b), nil
}

// Claimed reports whether the device has been marked as claimed.
func Claimed(s Store) (bool, error) {
	c, err := s.Read(ClaimedOffset, ClaimedSize)
	if err != nil {
		return false, err
	}
	return c[0] == '1', nil
}
