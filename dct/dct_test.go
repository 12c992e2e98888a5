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

package dct

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	b, err := OpenBadger(t.TempDir())
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	t.Cleanup(func() {
		if err := b.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return map[string]Store{
		"mem":    NewMemStore(),
		"badger": b,
	}
}

func TestReadWrite(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			got, err := s.Read(PublicKeyOffset, 4)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if diff := cmp.Diff([]byte{0xff, 0xff, 0xff, 0xff}, got); diff != "" {
				t.Errorf("unwritten bytes diff (-want +got):\n%s", diff)
			}

			if err := s.Write(PublicKeyOffset+1, []byte{1, 2}); err != nil {
				t.Fatalf("Write: %v", err)
			}
			got, err = s.Read(PublicKeyOffset, 4)
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if diff := cmp.Diff([]byte{0xff, 1, 2, 0xff}, got); diff != "" {
				t.Errorf("written bytes diff (-want +got):\n%s", diff)
			}

			if _, err := s.Read(Size-1, 2); !errors.Is(err, ErrOutOfRange) {
				t.Errorf("Read past end: got %v, want %v", err, ErrOutOfRange)
			}
			if err := s.Write(-1, []byte{0}); !errors.Is(err, ErrOutOfRange) {
				t.Errorf("Write before start: got %v, want %v", err, ErrOutOfRange)
			}
		})
	}
}

func TestBadgerPersists(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBadger(dir)
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	key := bytes.Repeat([]byte{0x30}, PrivateKeySize)
	if err := b.Write(PrivateKeyOffset, key); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err = OpenBadger(dir)
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	defer b.Close()
	got, err := b.Read(PrivateKeyOffset, PrivateKeySize)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got, key) {
		t.Error("private key not persisted")
	}
}

func TestClaimCode(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			if c, err := ClaimCode(s); err != nil || c != "" {
				t.Errorf("ClaimCode = %q, %v; want \"\", nil", c, err)
			}
			if err := SetClaimCode(s, "abc123"); err != nil {
				t.Fatalf("SetClaimCode: %v", err)
			}
			if c, err := ClaimCode(s); err != nil || c != "abc123" {
				t.Errorf("ClaimCode = %q, %v; want \"abc123\", nil", c, err)
			}
			if claimed, err := Claimed(s); err != nil || claimed {
				t.Errorf("Claimed = %t, %v; want false, nil", claimed, err)
			}

			if err := SetClaimCode(s, ""); err != nil {
				t.Fatalf("SetClaimCode(clear): %v", err)
			}
			if c, err := ClaimCode(s); err != nil || c != "" {
				t.Errorf("ClaimCode after clear = %q, %v; want \"\", nil", c, err)
			}
			if claimed, err := Claimed(s); err != nil || !claimed {
				t.Errorf("Claimed = %t, %v; want true, nil", claimed, err)
			}

			if err := SetClaimCode(s, string(bytes.Repeat([]byte{'x'}, ClaimCodeSize+1))); err == nil {
				t.Error("SetClaimCode accepted oversized code")
			}
		})
	}
}
