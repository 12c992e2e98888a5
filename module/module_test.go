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
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/ota-flash-hal/flash"
	"github.com/transparency-dev/ota-flash-hal/layout"
)

var userBounds = layout.ModuleBounds{MaxSize: 0x20000, Start: 0x80A0000, End: 0x80C0000}

func TestInfoEncoding(t *testing.T) {
	info := Info{
		StartAddress: 0x80A0000,
		EndAddress:   0x80A1000,
		Flags:        1,
		Version:      0x0102,
		PlatformID:   6,
		Function:     FunctionUserPart,
		Index:        2,
		Dependency:   Dependency{Function: FunctionSystemPart, Index: 1, Version: 3},
	}
	b := info.Bytes()
	if len(b) != InfoSize {
		t.Fatalf("encoded header is %d bytes, want %d", len(b), InfoSize)
	}
	// Spot check the little-endian layout.
	if got := binary.LittleEndian.Uint32(b[4:]); got != 0x80A1000 {
		t.Errorf("end address field = %#x, want 0x80A1000", got)
	}
	if got := binary.LittleEndian.Uint16(b[12:]); got != 6 {
		t.Errorf("platform field = %d, want 6", got)
	}
	got, err := ParseInfo(b)
	if err != nil {
		t.Fatalf("ParseInfo: %v", err)
	}
	if diff := cmp.Diff(info, got); diff != "" {
		t.Errorf("ParseInfo diff (-want +got):\n%s", diff)
	}
	if _, err := ParseInfo(b[:InfoSize-1]); err == nil {
		t.Error("ParseInfo accepted short header")
	}
}

func TestFunction(t *testing.T) {
	for f, want := range map[Function]string{
		FunctionNone:         "none",
		FunctionResource:     "res",
		FunctionBootloader:   "boot",
		FunctionMonoFirmware: "mono",
		FunctionSystemPart:   "system",
		FunctionUserPart:     "user",
		Function(42):         "unknown",
	} {
		if got := f.String(); got != want {
			t.Errorf("Function(%d).String() = %q, want %q", f, got, want)
		}
	}
	if f, err := ParseFunction("system"); err != nil || f != FunctionSystemPart {
		t.Errorf("ParseFunction(system) = %v, %v", f, err)
	}
	if _, err := ParseFunction("kernel"); err == nil {
		t.Error("ParseFunction accepted unknown tag")
	}
}

func TestBuild(t *testing.T) {
	payload := []byte("hello, module")
	img, err := Build(Info{StartAddress: 0x80A0000, Function: FunctionUserPart}, payload)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if got, want := len(img), InfoSize+len(payload)+SuffixSize+CRCSize; got != want {
		t.Fatalf("image is %d bytes, want %d", got, want)
	}
	info, err := ParseInfo(img)
	if err != nil {
		t.Fatalf("ParseInfo: %v", err)
	}
	if got, want := info.EndAddress, uint32(0x80A0000+len(img)-CRCSize); got != want {
		t.Errorf("EndAddress = %#x, want %#x", got, want)
	}
	l, err := info.Length()
	if err != nil {
		t.Fatalf("Length: %v", err)
	}
	if want := uint32(len(img) - CRCSize); l != want {
		t.Errorf("Length = %d, want %d", l, want)
	}
	s, err := ParseSuffix(img[l-SuffixSize : l])
	if err != nil {
		t.Fatalf("ParseSuffix: %v", err)
	}
	if want := sha256.Sum256(img[:l-SuffixSize]); s.SHA256 != want {
		t.Errorf("suffix hash %x, want %x", s.SHA256, want)
	}
	if got, want := binary.BigEndian.Uint32(img[l:]), Checksum(img[:l]); got != want {
		t.Errorf("CRC %#x, want %#x", got, want)
	}
	if _, err := Build(Info{StartAddress: 0xFFFFFFF0}, payload); err == nil {
		t.Error("Build accepted module past the end of the address space")
	}
}

func TestLengthErasedHeader(t *testing.T) {
	info, err := ParseInfo(bytes.Repeat([]byte{0xff}, InfoSize))
	if err != nil {
		t.Fatalf("ParseInfo: %v", err)
	}
	if _, err := info.Length(); err == nil {
		t.Error("Length of erased header succeeded")
	}
}

func place(t *testing.T, f *flash.Emulated, img []byte) {
	t.Helper()
	if err := f.Program(flash.Internal, userBounds.Start, img); err != nil {
		t.Fatalf("Program: %v", err)
	}
}

func TestResolve(t *testing.T) {
	f := flash.NewPhoton()
	img, err := Build(Info{StartAddress: userBounds.Start, Function: FunctionUserPart, Version: 4}, make([]byte, 1000))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	place(t, f, img)

	m, err := Resolve(f, userBounds)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got, want := m.SuffixAddress, m.Info.EndAddress-SuffixSize; got != want {
		t.Errorf("SuffixAddress = %#x, want %#x", got, want)
	}
	if got, want := m.CRCAddress, m.Info.EndAddress; got != want {
		t.Errorf("CRCAddress = %#x, want %#x", got, want)
	}
	if got, want := m.CRC, binary.BigEndian.Uint32(img[len(img)-CRCSize:]); got != want {
		t.Errorf("CRC = %#x, want %#x", got, want)
	}
	if m.Validity != 0 {
		t.Errorf("Validity = %#x before Verify", m.Validity)
	}
	if !m.Present {
		t.Error("resolved module not marked present")
	}

	if _, err := Resolve(flash.NewPhoton(), userBounds); err == nil {
		t.Error("Resolve of empty region succeeded")
	}
}

func TestVerify(t *testing.T) {
	system := Module{Info: Info{Function: FunctionSystemPart, Index: 1, Version: 3}}
	for _, test := range []struct {
		name      string
		info      Info
		corrupt   bool
		installed []Module
		want      Validity
	}{
		{
			name:      "valid",
			info:      Info{PlatformID: 6, Function: FunctionUserPart, Dependency: Dependency{FunctionSystemPart, 1, 2}},
			installed: []Module{system},
			want:      ValidAll,
		}, {
			name:    "corrupt",
			info:    Info{PlatformID: 6, Function: FunctionUserPart},
			corrupt: true,
			want:    ValidAll &^ ValidIntegrity,
		}, {
			name: "wrong platform",
			info: Info{PlatformID: 8, Function: FunctionUserPart},
			want: ValidAll &^ ValidPlatform,
		}, {
			name:      "dependency too old",
			info:      Info{PlatformID: 6, Function: FunctionUserPart, Dependency: Dependency{FunctionSystemPart, 1, 4}},
			installed: []Module{system},
			want:      ValidAll &^ ValidDependencies,
		}, {
			name:      "dependency missing",
			info:      Info{PlatformID: 6, Function: FunctionUserPart, Dependency: Dependency{FunctionSystemPart, 2, 1}},
			installed: []Module{system},
			want:      ValidAll &^ ValidDependencies,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			f := flash.NewPhoton()
			test.info.StartAddress = userBounds.Start
			img, err := Build(test.info, []byte("user module"))
			if err != nil {
				t.Fatalf("Build: %v", err)
			}
			if test.corrupt {
				img[InfoSize] ^= 0x01
			}
			place(t, f, img)
			m, err := Resolve(f, userBounds)
			if err != nil {
				t.Fatalf("Resolve: %v", err)
			}
			got, err := Verify(f, &m, 6, test.installed)
			if err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if got != test.want || m.Validity != test.want {
				t.Errorf("Verify = %#x (recorded %#x), want %#x", got, m.Validity, test.want)
			}
		})
	}
}

func TestVerifyOutOfRange(t *testing.T) {
	f := flash.NewPhoton()
	img, err := Build(Info{StartAddress: userBounds.Start, PlatformID: 6}, make([]byte, 0x100))
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	place(t, f, img)
	small := userBounds
	small.MaxSize = 0x100
	m, err := Resolve(f, small)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	got, err := Verify(f, &m, 6, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got&(ValidRange|ValidIntegrity) != 0 {
		t.Errorf("Verify = %#x, want range and integrity unset", got)
	}
}
