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

// Package keys provisions the device's private key and keeps the matching
// public key in the configuration table up to date.
package keys

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/transparency-dev/ota-flash-hal/dct"
	"k8s.io/klog/v2"
)

// Policy decides when Provision generates a new key.
type Policy int

const (
	// IfMissing generates a key only if none is stored.
	IfMissing Policy = iota
	// Always generates a key, replacing any stored key.
	Always
	// Never generates a key.
	Never
)

func (p Policy) String() string {
	switch p {
	case IfMissing:
		return "if-missing"
	case Always:
		return "always"
	case Never:
		return "never"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy returns the policy with the given name.
func ParsePolicy(s string) (Policy, error) {
	for _, p := range []Policy{IfMissing, Always, Never} {
		if p.String() == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown key generation policy %q", s)
}

// Result records what Provision found and did.
type Result struct {
	HadKey       bool
	GeneratedKey bool
}

// ErrBusy is returned when a provisioning call is already in progress.
var ErrBusy = errors.New("key provisioning in progress")

// RandomSource returns hardware random samples.
type RandomSource interface {
	Next() uint32
}

// RandomFunc adapts a function to the RandomSource interface.
type RandomFunc func() uint32

// Next calls f.
func (f RandomFunc) Next() uint32 { return f() }

// Generator writes a new private key into key, drawing randomness from
// rand. key is only used if Generator returns nil.
type Generator func(key []byte, rand func() uint32) error

// Provisioner reads, and when required generates, the device private key.
type Provisioner struct {
	mu sync.Mutex

	Store dct.Store
	RNG   RandomSource
	// Generate defaults to Ed25519Generator(nil).
	Generate Generator
	// Quiesce, if set, is called before a key is generated, to stop
	// anything which should not run during generation.
	Quiesce func()
	// Guard, if set, makes Provision return ErrBusy while a flash update
	// is in progress.
	Guard Guard
}

// Guard reports whether a flash update is in progress.
type Guard interface {
	Updating() bool
}

// Provision applies policy to the stored private key and returns the key
// which is stored afterwards.
//
// A failure to generate a key is not an error: the stored key is left as
// it was and Result.GeneratedKey is false. Errors are only returned when
// the store cannot be read or written.
func (p *Provisioner) Provision(policy Policy) ([]byte, Result, error) {
	if !p.mu.TryLock() {
		return nil, Result{}, ErrBusy
	}
	defer p.mu.Unlock()
	if p.Guard != nil && p.Guard.Updating() {
		return nil, Result{}, fmt.Errorf("flash update in progress: %w", ErrBusy)
	}

	key, err := p.Store.Read(dct.PrivateKeyOffset, dct.PrivateKeySize)
	if err != nil {
		return nil, Result{}, fmt.Errorf("read private key: %w", err)
	}
	res := Result{HadKey: key[0] != 0xff}
	if policy != Always && (res.HadKey || policy == Never) {
		return key, res, nil
	}

	if p.Quiesce != nil {
		p.Quiesce()
	}
	gen := p.Generate
	if gen == nil {
		gen = Ed25519Generator(nil)
	}
	next := make([]byte, len(key))
	if err := gen(next, p.RNG.Next); err != nil {
		klog.Errorf("Private key generation failed, keeping stored key: %v", err)
		return key, res, nil
	}
	if err := p.Store.Write(dct.PrivateKeyOffset, next); err != nil {
		return nil, res, fmt.Errorf("write private key: %w", err)
	}
	res.GeneratedKey = true
	klog.Infof("Generated new device private key (policy %v, had key %t)", policy, res.HadKey)

	if err := RefreshPublicKey(p.Store); err != nil {
		klog.Warningf("Refreshing public key: %v", err)
	}
	return next, res, nil
}

// RefreshPublicKey derives the public key from the stored private key and
// writes it to the store if it differs from the stored public key.
func RefreshPublicKey(s dct.Store) error {
	priv, err := s.Read(dct.PrivateKeyOffset, dct.PrivateKeySize)
	if err != nil {
		return err
	}
	pub, err := PublicKey(priv)
	if err != nil {
		return err
	}
	if len(pub) > dct.PublicKeySize {
		return fmt.Errorf("public key is %d bytes, max %d", len(pub), dct.PublicKeySize)
	}
	want := bytes.Repeat([]byte{0xff}, dct.PublicKeySize)
	copy(want, pub)
	got, err := s.Read(dct.PublicKeyOffset, dct.PublicKeySize)
	if err != nil {
		return err
	}
	if bytes.Equal(got, want) {
		return nil
	}
	klog.V(1).Info("Updating stored public key")
	return s.Write(dct.PublicKeyOffset, want)
}
