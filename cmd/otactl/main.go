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

// otactl drives the OTA and module management code against an emulated
// device whose flash and configuration table are kept on disk.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/transparency-dev/ota-flash-hal/layout"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Config is the optional YAML configuration file.
type Config struct {
	// Kind is the module layout, "modular" or "monolithic".
	Kind string `yaml:"kind"`
	// Flash is the file holding the emulated flash contents.
	Flash string `yaml:"flash"`
	// DCT is the directory holding the configuration table.
	DCT string `yaml:"dct"`
	// DeviceID salts generated device keys.
	DeviceID string `yaml:"device_id"`
}

func defaultConfig() Config {
	return Config{
		Kind:  layout.Modular.String(),
		Flash: "device.flash",
		DCT:   "device.dct",
	}
}

// loadConfig reads path over the defaults. A missing file is not an error
// unless required is set.
func loadConfig(path string, required bool) (Config, error) {
	c := defaultConfig()
	if path == "" {
		return c, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) && !required {
		return c, nil
	}
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("parse config %q: %w", path, err)
	}
	return c, nil
}

type options struct {
	configPath string
	kind       string
	flash      string
	dct        string
	deviceID   string
}

// resolve merges the configuration file with any flags set on cmd.
func (o *options) resolve(cmd *cobra.Command) (Config, error) {
	c, err := loadConfig(o.configPath, cmd.Flags().Changed("config"))
	if err != nil {
		return c, err
	}
	for name, dst := range map[string]*string{
		"kind":      &c.Kind,
		"flash":     &c.Flash,
		"dct":       &c.DCT,
		"device-id": &c.DeviceID,
	} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	if _, err := layout.ParseKind(c.Kind); err != nil {
		return c, err
	}
	return c, nil
}

func newRootCommand() *cobra.Command {
	o := &options{}
	root := &cobra.Command{
		Use:   "otactl",
		Short: "Manage firmware modules on an emulated device",
		Long: `Manage firmware modules on an emulated device.

The device's flash is stored in a file, and its configuration table in a
directory, so that successive commands see the effects of earlier ones.`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&o.configPath, "config", "otactl.yaml", "YAML configuration file")
	pf.StringVar(&o.kind, "kind", "", "module layout: modular or monolithic")
	pf.StringVar(&o.flash, "flash", "", "emulated flash image file")
	pf.StringVar(&o.dct, "dct", "", "configuration table directory")
	pf.StringVar(&o.deviceID, "device-id", "", "device identifier used when generating keys")

	fs := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(fs)
	pf.AddGoFlagSet(fs)

	root.AddCommand(
		newPackCommand(),
		newOTACommand(o),
		newBootCommand(o),
		newInfoCommand(o),
		newFactoryCommand(o),
		newProtectCommand(o),
		newKeysCommand(o),
		newClaimCommand(o),
	)
	return root
}

func main() {
	defer klog.Flush()
	if err := newRootCommand().Execute(); err != nil {
		klog.Exitf("otactl: %v", err)
	}
}
