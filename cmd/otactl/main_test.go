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

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/transparency-dev/ota-flash-hal/flash"
	"github.com/transparency-dev/ota-flash-hal/module"
	"github.com/ulikunitz/xz"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "otactl.yaml")
	if err := os.WriteFile(path, []byte("kind: monolithic\nflash: /tmp/x.flash\ndevice_id: P01\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	for _, test := range []struct {
		name     string
		path     string
		required bool
		want     Config
		wantErr  bool
	}{
		{
			name: "file",
			path: path,
			want: Config{Kind: "monolithic", Flash: "/tmp/x.flash", DCT: "device.dct", DeviceID: "P01"},
		}, {
			name: "missing",
			path: filepath.Join(dir, "missing.yaml"),
			want: defaultConfig(),
		}, {
			name:     "missing required",
			path:     filepath.Join(dir, "missing.yaml"),
			required: true,
			wantErr:  true,
		}, {
			name: "none",
			want: defaultConfig(),
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			got, err := loadConfig(test.path, test.required)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("loadConfig: %v, wantErr %t", err, test.wantErr)
			}
			if test.wantErr {
				return
			}
			if d := cmp.Diff(test.want, got); d != "" {
				t.Errorf("loadConfig diff (-want +got):\n%s", d)
			}
		})
	}
}

func TestParseDependency(t *testing.T) {
	for _, test := range []struct {
		in      string
		want    module.Dependency
		wantErr bool
	}{
		{in: "", want: module.Dependency{}},
		{in: "system:1:3", want: module.Dependency{Function: module.FunctionSystemPart, Index: 1, Version: 3}},
		{in: "system:1", wantErr: true},
		{in: "nonsense:1:3", wantErr: true},
		{in: "system:x:3", wantErr: true},
		{in: "system:1:70000", wantErr: true},
	} {
		t.Run(test.in, func(t *testing.T) {
			got, err := parseDependency(test.in)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("parseDependency(%q): %v, wantErr %t", test.in, err, test.wantErr)
			}
			if d := cmp.Diff(test.want, got); d != "" {
				t.Errorf("diff (-want +got):\n%s", d)
			}
		})
	}
}

func run(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCommand()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestPackAndOTA(t *testing.T) {
	dir := t.TempDir()
	payload := filepath.Join(dir, "app.bin")
	if err := os.WriteFile(payload, make([]byte, 3000), 0o644); err != nil {
		t.Fatal(err)
	}
	img := filepath.Join(dir, "app.module")
	if err := run(t, "pack", "--start", "0x80A0000", "--version", "5", "-o", img, payload); err != nil {
		t.Fatalf("pack: %v", err)
	}

	// Ship it compressed.
	b, err := os.ReadFile(img)
	if err != nil {
		t.Fatal(err)
	}
	xzPath := img + ".xz"
	f, err := os.Create(xzPath)
	if err != nil {
		t.Fatal(err)
	}
	w, err := xz.NewWriter(f)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write(b); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	flashPath := filepath.Join(dir, "device.flash")
	common := []string{"--config", filepath.Join(dir, "none.yaml"), "--flash", flashPath}
	if err := run(t, append([]string{"ota", xzPath}, common...)...); err != nil {
		t.Fatalf("ota: %v", err)
	}

	cfg := defaultConfig()
	cfg.Flash = flashPath
	dev, err := openDevice(cfg)
	if err != nil {
		t.Fatalf("openDevice: %v", err)
	}
	got, err := dev.flash.Read(flash.Internal, 0x80A0000, uint32(len(b)))
	if err != nil {
		t.Fatal(err)
	}
	if d := cmp.Diff(b, got); d != "" {
		t.Errorf("installed module diff (-want +got):\n%s", d)
	}
	flashed, err := dev.slots.OTAFlashedStatus()
	if err != nil {
		t.Fatal(err)
	}
	if !flashed {
		t.Error("OTA flashed status not set after boot")
	}
}

func TestOTANoBootLeavesUpdateQueued(t *testing.T) {
	dir := t.TempDir()
	payload := filepath.Join(dir, "app.bin")
	if err := os.WriteFile(payload, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	img := filepath.Join(dir, "app.module")
	if err := run(t, "pack", "-o", img, payload); err != nil {
		t.Fatalf("pack: %v", err)
	}
	flashPath := filepath.Join(dir, "device.flash")
	common := []string{"--config", filepath.Join(dir, "none.yaml"), "--flash", flashPath}
	if err := run(t, append([]string{"ota", "--no-boot", img}, common...)...); err != nil {
		t.Fatalf("ota: %v", err)
	}

	cfg := defaultConfig()
	cfg.Flash = flashPath
	dev, err := openDevice(cfg)
	if err != nil {
		t.Fatalf("openDevice: %v", err)
	}
	pending, err := dev.slots.Slots()
	if err != nil {
		t.Fatal(err)
	}
	n := 0
	for _, s := range pending {
		if s != nil {
			n++
		}
	}
	if n != 1 {
		t.Errorf("got %d pending slots, want 1", n)
	}

	if err := run(t, append([]string{"boot"}, common...)...); err != nil {
		t.Fatalf("boot: %v", err)
	}
	if dev, err = openDevice(cfg); err != nil {
		t.Fatal(err)
	}
	if pending, err = dev.slots.Slots(); err != nil {
		t.Fatal(err)
	}
	for i, s := range pending {
		if s != nil {
			t.Errorf("slot %d still pending after boot: %+v", i, s)
		}
	}
}

func TestKeysAndClaim(t *testing.T) {
	dir := t.TempDir()
	common := []string{"--config", filepath.Join(dir, "none.yaml"), "--dct", filepath.Join(dir, "dct"), "--device-id", "P01"}
	if err := run(t, append([]string{"keys"}, common...)...); err != nil {
		t.Fatalf("keys: %v", err)
	}
	if err := run(t, append([]string{"keys", "--policy", "never"}, common...)...); err != nil {
		t.Fatalf("keys --policy=never: %v", err)
	}
	if err := run(t, append([]string{"keys", "--policy", "sometimes"}, common...)...); err == nil {
		t.Error("keys accepted an unknown policy")
	}
	if err := run(t, append([]string{"claim", "set", "abc"}, common...)...); err != nil {
		t.Fatalf("claim set: %v", err)
	}
	if err := run(t, append([]string{"claim", "get"}, common...)...); err != nil {
		t.Fatalf("claim get: %v", err)
	}
}
