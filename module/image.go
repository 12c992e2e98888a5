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
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Build returns a complete module image for payload, to be installed at
// info.StartAddress.
//
// info.EndAddress is computed from the payload length; the returned image
// is the header, payload, suffix and CRC.
func Build(info Info, payload []byte) ([]byte, error) {
	bodyLen := uint64(InfoSize) + uint64(len(payload)) + SuffixSize
	if uint64(info.StartAddress)+bodyLen+CRCSize > 1<<32 {
		return nil, fmt.Errorf("module of %d bytes does not fit at %#x", bodyLen, info.StartAddress)
	}
	info.EndAddress = info.StartAddress + uint32(bodyLen)

	img := make([]byte, 0, bodyLen+CRCSize)
	img = append(img, info.Bytes()...)
	img = append(img, payload...)
	s := Suffix{SHA256: sha256.Sum256(img), Size: SuffixSize}
	img = append(img, s.Bytes()...)
	img = binary.BigEndian.AppendUint32(img, Checksum(img))
	return img, nil
}
