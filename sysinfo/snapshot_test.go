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

package sysinfo

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/ota-flash-hal/flash"
	"github.com/transparency-dev/ota-flash-hal/layout"
	"github.com/transparency-dev/ota-flash-hal/module"
)

func TestWriteJSON(t *testing.T) {
	s := &Snapshot{
		platformID: 6,
		modules: []module.Module{{
			Bounds: layout.ModuleBounds{MaxSize: 131072, Start: 0x80A0000, End: 0x80C0000},
			Info: module.Info{
				Function: module.FunctionUserPart,
				Index:    2,
				Version:  5,
				Dependency: module.Dependency{
					Function: module.FunctionSystemPart,
					Index:    1,
					Version:  3,
				},
			},
		}},
	}
	var b bytes.Buffer
	if err := WriteJSON(&b, s); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	want := `{"p":6,"m":[{"s":131072,"u":"` + strings.Repeat("0", 64) + `","f":"user","n":"2","v":5,"d":[{"f":"system","n":"1","v":3,"_":""}]}]}`
	if diff := cmp.Diff(want, b.String()); diff != "" {
		t.Errorf("WriteJSON diff (-want +got):\n%s", diff)
	}
}

func TestWriteJSONEmpty(t *testing.T) {
	var b bytes.Buffer
	if err := WriteJSON(&b, Construct(nil, flash.NewPhoton())); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	if got, want := b.String(), `{"p":0,"m":[]}`; got != want {
		t.Errorf("WriteJSON = %s, want %s", got, want)
	}
}

func install(t *testing.T, f *flash.Emulated, info module.Info, payload []byte) []byte {
	t.Helper()
	img, err := module.Build(info, payload)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if err := f.Program(flash.Internal, info.StartAddress, img); err != nil {
		t.Fatalf("Program: %v", err)
	}
	return img
}

func TestConstruct(t *testing.T) {
	f := flash.NewPhoton()
	l := layout.ForKind(layout.Modular)
	install(t, f, module.Info{
		StartAddress: 0x8020000,
		PlatformID:   layout.PhotonPlatformID,
		Function:     module.FunctionSystemPart,
		Index:        1,
		Version:      3,
	}, []byte("system part 1"))
	install(t, f, module.Info{
		StartAddress: 0x80A0000,
		PlatformID:   layout.PhotonPlatformID,
		Function:     module.FunctionUserPart,
		Index:        1,
		Version:      5,
		Dependency:   module.Dependency{Function: module.FunctionSystemPart, Index: 1, Version: 3},
	}, []byte("user part"))
	install(t, f, module.Info{
		StartAddress: 0x8060000,
		PlatformID:   layout.PhotonPlatformID + 1,
		Function:     module.FunctionSystemPart,
		Index:        2,
		Version:      3,
		Dependency:   module.Dependency{Function: module.FunctionSystemPart, Index: 1, Version: 4},
	}, []byte("system part 2"))

	s := Construct(l, f)
	ms, err := s.Modules()
	if err != nil {
		t.Fatalf("Modules: %v", err)
	}
	if got, want := len(ms), l.Len(); got != want {
		t.Fatalf("snapshot has %d modules, want one per layout entry (%d)", got, want)
	}
	var starts []uint32
	var present []bool
	for i, m := range ms {
		b, err := l.Bounds(i)
		if err != nil {
			t.Fatalf("Bounds(%d): %v", i, err)
		}
		if diff := cmp.Diff(b, m.Bounds); diff != "" {
			t.Errorf("module %d bounds diff (-want +got):\n%s", i, diff)
		}
		starts = append(starts, m.Bounds.Start)
		present = append(present, m.Present)
		if !m.Present {
			if m.Info != (module.Info{}) {
				t.Errorf("absent module @%#x has info %+v", m.Bounds.Start, m.Info)
			}
			continue
		}
		if got, want := m.SuffixAddress, m.Info.EndAddress-module.SuffixSize; got != want {
			t.Errorf("module @%#x: suffix address %#x, want %#x", m.Bounds.Start, got, want)
		}
		if got, want := m.CRCAddress, m.SuffixAddress+module.SuffixSize; got != want {
			t.Errorf("module @%#x: CRC address %#x, want %#x", m.Bounds.Start, got, want)
		}
		if m.Validity != 0 {
			t.Errorf("module @%#x: validity %#x before Verify", m.Bounds.Start, m.Validity)
		}
	}
	if diff := cmp.Diff([]uint32{0x8000000, 0x8020000, 0x8060000, 0x80A0000, 0x80E0000}, starts); diff != "" {
		t.Errorf("module starts diff (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]bool{false, true, true, true, false}, present); diff != "" {
		t.Errorf("present diff (-want +got):\n%s", diff)
	}
	if err := s.Err(); err == nil || !strings.Contains(err.Error(), "bootloader") || !strings.Contains(err.Error(), "factory") {
		t.Errorf("Err = %v, want the bootloader and factory regions reported", err)
	}

	if err := s.Verify(f); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	var got []module.Validity
	for _, m := range ms {
		got = append(got, m.Validity)
	}
	want := []module.Validity{
		0,
		module.ValidAll,
		module.ValidIntegrity | module.ValidRange,
		module.ValidAll,
		0,
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("validity diff (-want +got):\n%s", diff)
	}

	if err := s.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if _, err := s.Modules(); !errors.Is(err, ErrReleased) {
		t.Errorf("Modules after Release: got %v, want %v", err, ErrReleased)
	}
	if err := WriteJSON(&bytes.Buffer{}, s); !errors.Is(err, ErrReleased) {
		t.Errorf("WriteJSON after Release: got %v, want %v", err, ErrReleased)
	}
	if err := s.Err(); !errors.Is(err, ErrReleased) {
		t.Errorf("Err after Release: got %v, want %v", err, ErrReleased)
	}
	if err := s.Release(); !errors.Is(err, ErrReleased) {
		t.Errorf("second Release: got %v, want %v", err, ErrReleased)
	}
}

func TestSnapshotsAreIndependent(t *testing.T) {
	f := flash.NewPhoton()
	l := layout.ForKind(layout.Modular)
	install(t, f, module.Info{StartAddress: 0x80A0000, Function: module.FunctionUserPart}, []byte("user"))

	a := Construct(l, f)
	b := Construct(l, f)
	if err := a.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	ms, err := b.Modules()
	if err != nil {
		t.Fatalf("Modules: %v", err)
	}
	if len(ms) != l.Len() || !ms[3].Present || ms[3].Bounds.Start != 0x80A0000 {
		t.Errorf("second snapshot modules = %+v, want the user module at index 3", ms)
	}
	if id, err := b.PlatformID(); err != nil || id != layout.PhotonPlatformID {
		t.Errorf("PlatformID = %d, %v; want %d, nil", id, err, layout.PhotonPlatformID)
	}
}

func TestModuleInfo(t *testing.T) {
	f := flash.NewPhoton()
	l := layout.ForKind(layout.Modular)
	img := install(t, f, module.Info{
		StartAddress: 0x80A0000,
		PlatformID:   layout.PhotonPlatformID,
		Function:     module.FunctionUserPart,
		Index:        1,
		Version:      9,
	}, []byte("user"))
	suffix, err := module.ParseSuffix(img[len(img)-module.CRCSize-module.SuffixSize : len(img)-module.CRCSize])
	if err != nil {
		t.Fatalf("ParseSuffix: %v", err)
	}

	var b bytes.Buffer
	if err := ModuleInfo(&b, l, f); err != nil {
		t.Fatalf("ModuleInfo: %v", err)
	}
	for _, want := range []string{
		`"p":6`,
		`"s":131072`,
		`"f":"user","n":"1","v":9`,
		`"d":[{"f":"none","n":"0","v":0,"_":""}]`,
	} {
		if !strings.Contains(b.String(), want) {
			t.Errorf("ModuleInfo output %s does not contain %s", b.String(), want)
		}
	}
	if got, want := strings.Count(b.String(), `"s":`), l.Len(); got != want {
		t.Errorf("ModuleInfo lists %d modules, want %d: %s", got, want, b.String())
	}
	absent := `{"s":16384,"u":"` + strings.Repeat("0", 64) + `","f":"none","n":"0","v":0,"d":[{"f":"none","n":"0","v":0,"_":""}]}`
	if !strings.Contains(b.String(), absent) {
		t.Errorf("ModuleInfo output %s does not list the empty bootloader region as %s", b.String(), absent)
	}
	if !strings.Contains(b.String(), `"u":"`) || !bytes.Contains(b.Bytes(), []byte(hex.EncodeToString(suffix.SHA256[:]))) {
		t.Errorf("ModuleInfo output %s does not contain module hash", b.String())
	}
}
