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

package keys

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"encoding/binary"
	"fmt"

	"github.com/goombaio/namegenerator"
	"github.com/transparency-dev/ota-flash-hal/dct"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/mod/sumdb/note"
)

// entropySamples is the number of random samples mixed into each key.
const entropySamples = 16

// Ed25519Generator returns a Generator which creates ed25519 keys encoded
// as PKCS#8 DER. Random samples are expanded with HKDF, salted with
// deviceID.
func Ed25519Generator(deviceID []byte) Generator {
	return func(key []byte, rand func() uint32) error {
		entropy := make([]byte, 0, 4*entropySamples)
		for i := 0; i < entropySamples; i++ {
			entropy = binary.LittleEndian.AppendUint32(entropy, rand())
		}
		r := hkdf.New(sha256.New, entropy, deviceID, []byte("device private key"))
		_, priv, err := ed25519.GenerateKey(r)
		if err != nil {
			return err
		}
		der, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return err
		}
		if len(der) > len(key) {
			return fmt.Errorf("encoded key is %d bytes, buffer is %d", len(der), len(key))
		}
		n := copy(key, der)
		clear(key[n:])
		return nil
	}
}

// privateKey parses the DER private key at the start of b.
func privateKey(b []byte) (ed25519.PrivateKey, error) {
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("no private key: %w", err)
	}
	k, err := x509.ParsePKCS8PrivateKey(raw.FullBytes)
	if err != nil {
		return nil, err
	}
	priv, ok := k.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", k)
	}
	return priv, nil
}

// PublicKey returns the PKIX DER public key for the private key stored in
// b.
func PublicKey(b []byte) ([]byte, error) {
	priv, err := privateKey(b)
	if err != nil {
		return nil, err
	}
	return x509.MarshalPKIXPublicKey(priv.Public())
}

// Identity returns a human friendly device name derived from the stored
// public key, and a note verifier string for the key under that name.
func Identity(s dct.Store) (string, string, error) {
	b, err := s.Read(dct.PublicKeyOffset, dct.PublicKeySize)
	if err != nil {
		return "", "", err
	}
	var raw asn1.RawValue
	if _, err := asn1.Unmarshal(b, &raw); err != nil {
		return "", "", fmt.Errorf("no public key: %w", err)
	}
	k, err := x509.ParsePKIXPublicKey(raw.FullBytes)
	if err != nil {
		return "", "", err
	}
	pub, ok := k.(ed25519.PublicKey)
	if !ok {
		return "", "", fmt.Errorf("unsupported public key type %T", k)
	}
	h := sha256.Sum256(pub)
	name := namegenerator.NewNameGenerator(int64(binary.LittleEndian.Uint64(h[:8]))).Generate()
	v, err := note.NewEd25519VerifierKey(name, pub)
	if err != nil {
		return "", "", err
	}
	return name, v, nil
}
