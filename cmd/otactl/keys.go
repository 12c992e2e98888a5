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
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/transparency-dev/ota-flash-hal/dct"
	"github.com/transparency-dev/ota-flash-hal/keys"
	"k8s.io/klog/v2"
)

// hwRandom stands in for the hardware RNG.
func hwRandom() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		klog.Exitf("Failed to read random bytes: %v", err)
	}
	return binary.LittleEndian.Uint32(b[:])
}

// withDCT opens the configuration table for the duration of fn.
func withDCT(o *options, cmd *cobra.Command, fn func(Config, dct.Store) error) error {
	cfg, err := o.resolve(cmd)
	if err != nil {
		return err
	}
	s, err := dct.OpenBadger(cfg.DCT)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			klog.Warningf("Closing configuration table: %v", err)
		}
	}()
	return fn(cfg, s)
}

func newKeysCommand(o *options) *cobra.Command {
	var policy string
	cmd := &cobra.Command{
		Use:     "keys",
		Short:   "Provision the device key pair and print the device identity",
		Example: `  otactl keys --policy=always --device-id=P0123456789`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := keys.ParsePolicy(policy)
			if err != nil {
				return err
			}
			return withDCT(o, cmd, func(cfg Config, s dct.Store) error {
				pr := &keys.Provisioner{
					Store:    s,
					RNG:      keys.RandomFunc(hwRandom),
					Generate: keys.Ed25519Generator([]byte(cfg.DeviceID)),
				}
				_, res, err := pr.Provision(p)
				if err != nil {
					return err
				}
				if !res.GeneratedKey {
					// Bring the public key in line with whatever key is stored.
					if err := keys.RefreshPublicKey(s); err != nil {
						klog.Warningf("Refreshing public key: %v", err)
					}
				}
				fmt.Printf("Had key: %t, generated key: %t\n", res.HadKey, res.GeneratedKey)

				name, vkey, err := keys.Identity(s)
				if err != nil {
					return fmt.Errorf("no device identity: %w", err)
				}
				fmt.Printf("Name: %s\nVerifier: %s\n", name, vkey)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&policy, "policy", keys.IfMissing.String(), "when to generate a key: if-missing, always or never")
	return cmd
}

func newClaimCommand(o *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Inspect and set the device claim code",
	}
	get := &cobra.Command{
		Use:   "get",
		Short: "Print the pending claim code and whether the device is claimed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDCT(o, cmd, func(_ Config, s dct.Store) error {
				code, err := dct.ClaimCode(s)
				if err != nil {
					return err
				}
				claimed, err := dct.Claimed(s)
				if err != nil {
					return err
				}
				fmt.Printf("Claim code: %q\nClaimed: %t\n", code, claimed)
				return nil
			})
		},
	}
	set := &cobra.Command{
		Use:   "set [code]",
		Short: "Store a claim code, or mark the device claimed if none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			code := ""
			if len(args) == 1 {
				code = args[0]
			}
			return withDCT(o, cmd, func(_ Config, s dct.Store) error {
				return dct.SetClaimCode(s, code)
			})
		},
	}
	cmd.AddCommand(get, set)
	return cmd
}
