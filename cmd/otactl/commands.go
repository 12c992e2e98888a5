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
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"
	"github.com/transparency-dev/ota-flash-hal/flash"
	"github.com/transparency-dev/ota-flash-hal/layout"
	"github.com/transparency-dev/ota-flash-hal/module"
	"github.com/transparency-dev/ota-flash-hal/ota"
	"github.com/transparency-dev/ota-flash-hal/slots"
	"github.com/transparency-dev/ota-flash-hal/sysinfo"
	"github.com/ulikunitz/xz"
	"k8s.io/klog/v2"
)

// parseDependency parses "function:index:version".
func parseDependency(s string) (module.Dependency, error) {
	if s == "" {
		return module.Dependency{}, nil
	}
	p := strings.Split(s, ":")
	if len(p) != 3 {
		return module.Dependency{}, fmt.Errorf("dependency %q is not function:index:version", s)
	}
	f, err := module.ParseFunction(p[0])
	if err != nil {
		return module.Dependency{}, err
	}
	i, err := strconv.ParseUint(p[1], 10, 8)
	if err != nil {
		return module.Dependency{}, fmt.Errorf("dependency index: %w", err)
	}
	v, err := strconv.ParseUint(p[2], 10, 16)
	if err != nil {
		return module.Dependency{}, fmt.Errorf("dependency version: %w", err)
	}
	return module.Dependency{Function: f, Index: uint8(i), Version: uint16(v)}, nil
}

func newPackCommand() *cobra.Command {
	var (
		out      string
		fn       string
		dep      string
		start    uint32
		index    uint8
		version  uint16
		platform uint16
	)
	cmd := &cobra.Command{
		Use:   "pack <payload>",
		Short: "Wrap a payload in a module header, suffix and CRC",
		Example: `  otactl pack --function user --start 0x80A0000 --version 5 \
      --dependency system:1:3 -o user.bin app.bin`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := module.ParseFunction(fn)
			if err != nil {
				return err
			}
			d, err := parseDependency(dep)
			if err != nil {
				return err
			}
			payload, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			img, err := module.Build(module.Info{
				StartAddress: start,
				Version:      version,
				PlatformID:   platform,
				Function:     f,
				Index:        index,
				Dependency:   d,
			}, payload)
			if err != nil {
				return err
			}
			if out == "" {
				out = args[0] + ".module"
			}
			if err := os.WriteFile(out, img, 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %d byte %v module for %#x to %s\n", len(img), f, start, out)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output file (default <payload>.module)")
	cmd.Flags().StringVar(&fn, "function", module.FunctionUserPart.String(), "module function")
	cmd.Flags().StringVar(&dep, "dependency", "", "required module as function:index:version")
	cmd.Flags().Uint32Var(&start, "start", 0x80A0000, "address the module is installed at")
	cmd.Flags().Uint8Var(&index, "index", 1, "module index")
	cmd.Flags().Uint16Var(&version, "version", 1, "module version")
	cmd.Flags().Uint16Var(&platform, "platform", layout.PhotonPlatformID, "platform identifier")
	return cmd
}

// openFirmware opens path, decompressing it if it ends in .xz. The size is
// -1 if unknown.
func openFirmware(path string) (io.Reader, int64, func() error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, nil, err
	}
	if strings.HasSuffix(path, ".xz") {
		r, err := xz.NewReader(bufio.NewReader(f))
		if err != nil {
			f.Close()
			return nil, 0, nil, fmt.Errorf("open xz stream: %w", err)
		}
		return r, -1, f.Close, nil
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, nil, err
	}
	return f, fi.Size(), f.Close, nil
}

func newOTACommand(o *options) *cobra.Command {
	var noBoot bool
	cmd := &cobra.Command{
		Use:   "ota <firmware>",
		Short: "Transfer a firmware image to the device over the air",
		Long: `Transfer a firmware image to the device over the air.

The image is staged in the OTA region and, if it verifies, queued for
installation. The device then restarts, applying the queued update unless
--no-boot is given. Images ending in .xz are decompressed first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.resolve(cmd)
			if err != nil {
				return err
			}
			dev, err := openDevice(cfg)
			if err != nil {
				return err
			}
			r, size, closeFn, err := openFirmware(args[0])
			if err != nil {
				return err
			}
			defer closeFn()

			rs := &restarter{}
			s, err := ota.New(ota.Config{
				Layout:    dev.layout,
				Slots:     dev.slots,
				Restarter: rs,
				Indicator: &ledIndicator{},
			})
			if err != nil {
				return err
			}
			if size < 0 {
				size = int64(s.MaxLength())
			}
			bar := pb.Full.Start64(size)
			bar.Set(pb.Bytes, true)
			terr := s.Transfer(cmd.Context(), r, func(n int) { bar.SetCurrent(int64(n)) })
			bar.Finish()
			if terr != nil {
				klog.Errorf("Transfer failed: %v", terr)
			}

			if rs.requested {
				klog.Info("Device restarting")
				if !noBoot {
					if _, err := dev.boot(); err != nil {
						klog.Errorf("Boot: %v", err)
					}
				}
			}
			if err := dev.save(); err != nil {
				return err
			}
			return terr
		},
	}
	cmd.Flags().BoolVar(&noBoot, "no-boot", false, "leave the update queued instead of applying it")
	return cmd
}

func newBootCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Apply queued module updates, as the bootloader does",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.resolve(cmd)
			if err != nil {
				return err
			}
			dev, err := openDevice(cfg)
			if err != nil {
				return err
			}
			n, berr := dev.boot()
			if err := dev.save(); err != nil {
				return err
			}
			flashed, err := dev.slots.OTAFlashedStatus()
			if err != nil {
				return err
			}
			fmt.Printf("Applied %d update(s), OTA flashed: %t\n", n, flashed)
			return berr
		},
	}
}

func newInfoCommand(o *options) *cobra.Command {
	var verify bool
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print the installed modules as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.resolve(cmd)
			if err != nil {
				return err
			}
			dev, err := openDevice(cfg)
			if err != nil {
				return err
			}
			if !verify {
				if err := sysinfo.ModuleInfo(os.Stdout, dev.layout, dev.flash); err != nil {
					return err
				}
				fmt.Println()
				return nil
			}

			s := sysinfo.Construct(dev.layout, dev.flash)
			defer s.Release()
			if err := s.Verify(dev.flash); err != nil {
				return err
			}
			if err := sysinfo.WriteJSON(os.Stdout, s); err != nil {
				return err
			}
			fmt.Println()
			ms, err := s.Modules()
			if err != nil {
				return err
			}
			for _, m := range ms {
				if !m.Present {
					fmt.Fprintf(os.Stderr, "%v: absent\n", m.Bounds)
					continue
				}
				fmt.Fprintf(os.Stderr, "%v %d v%d @%#x: %s\n", m.Info.Function, m.Info.Index, m.Info.Version, m.Bounds.Start, validity(m.Validity))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "verify each module and report the results")
	return cmd
}

func validity(v module.Validity) string {
	if v == module.ValidAll {
		return "valid"
	}
	var failed []string
	for _, c := range []struct {
		v    module.Validity
		name string
	}{
		{module.ValidIntegrity, "integrity"},
		{module.ValidDependencies, "dependencies"},
		{module.ValidRange, "range"},
		{module.ValidPlatform, "platform"},
	} {
		if v&c.v == 0 {
			failed = append(failed, c.name)
		}
	}
	return "invalid " + strings.Join(failed, ",")
}

func confirm(msg string) bool {
	var res string

	fmt.Printf("%s (y/n): ", msg)
	fmt.Scanln(&res)

	return res == "y"
}

func newFactoryCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "factory",
		Short: "Manage the factory reset image",
	}

	var yes bool
	withDevice := func(fn func(*device) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := o.resolve(cmd)
			if err != nil {
				return err
			}
			dev, err := openDevice(cfg)
			if err != nil {
				return err
			}
			if err := fn(dev); err != nil {
				return err
			}
			return dev.save()
		}
	}

	set := &cobra.Command{
		Use:   "set",
		Short: "Record the module in the factory region as the factory reset image",
		RunE: withDevice(func(dev *device) error {
			src, ok := dev.layout.Find(layout.RoleFactory)
			if !ok {
				return fmt.Errorf("%v layout has no factory region", dev.layout.Kind())
			}
			dst, ok := dev.layout.Find(layout.RoleUser)
			if !ok {
				return fmt.Errorf("%v layout has no user region", dev.layout.Kind())
			}
			fn := module.FunctionUserPart
			if dev.layout.Kind() == layout.Monolithic {
				fn = module.FunctionMonoFirmware
			}
			l, err := dev.slots.ModuleLength(flash.Internal, src.Start)
			if err != nil {
				return fmt.Errorf("factory region: %w", err)
			}
			return dev.slots.AddToFactoryResetSlot(slots.Slot{
				SourceDevice:       flash.Internal,
				SourceAddress:      src.Start,
				DestinationDevice:  flash.Internal,
				DestinationAddress: dst.Start,
				Length:             l + module.CRCSize,
				Function:           fn,
				Flags:              slots.VerifyCRC | slots.VerifyFunction,
			})
		}),
	}
	restore := &cobra.Command{
		Use:   "restore",
		Short: "Copy the factory reset image over the user firmware",
		RunE: withDevice(func(dev *device) error {
			if !yes && !confirm("Overwrite the user firmware with the factory image?") {
				return nil
			}
			return dev.slots.RestoreFromFactoryResetSlot()
		}),
	}
	restore.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the factory reset image",
		RunE: withDevice(func(dev *device) error {
			return dev.slots.ClearFactoryResetSlot()
		}),
	}
	cmd.AddCommand(set, restore, clearCmd)
	return cmd
}

func newProtectCommand(o *options) *cobra.Command {
	var (
		addr, length uint32
		off          bool
	)
	cmd := &cobra.Command{
		Use:   "protect",
		Short: "Write protect the flash sectors covering a range",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.resolve(cmd)
			if err != nil {
				return err
			}
			dev, err := openDevice(cfg)
			if err != nil {
				return err
			}
			// Protection is not persisted with the flash image.
			if err := dev.slots.WriteProtectMemory(flash.Internal, addr, length, !off); err != nil {
				return err
			}
			fmt.Printf("Protected sectors: %#x\n", dev.flash.Protected(flash.Internal))
			return nil
		},
	}
	cmd.Flags().Uint32Var(&addr, "addr", 0x8000000, "start address")
	cmd.Flags().Uint32Var(&length, "length", 0x4000, "length in bytes")
	cmd.Flags().BoolVar(&off, "off", false, "remove protection instead")
	return cmd
}
