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

// Package module defines the on-flash metadata carried by every firmware
// module and resolves it from a module's flash bounds.
//
// A module image is laid out as:
//
//	[start, start+InfoSize)        Info header
//	...                            module code
//	[end-SuffixSize, end)          Suffix, carrying the SHA-256 of the module
//	[end, end+CRCSize)             big-endian CRC-32 of [start, end)
//
// where end is Info.EndAddress.
package module

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	// InfoSize is the encoded size of the Info header.
	InfoSize = 24
	// SuffixSize is the encoded size of the Suffix trailer.
	SuffixSize = 36
	// CRCSize is the size of the checksum following the suffix.
	CRCSize = 4
)

// Function is the purpose of a firmware module.
type Function uint8

const (
	FunctionNone Function = iota
	FunctionResource
	FunctionBootloader
	FunctionMonoFirmware
	FunctionSystemPart
	FunctionUserPart
)

// String returns the short tag used in module info reports.
func (f Function) String() string {
	switch f {
	case FunctionNone:
		return "none"
	case FunctionResource:
		return "res"
	case FunctionBootloader:
		return "boot"
	case FunctionMonoFirmware:
		return "mono"
	case FunctionSystemPart:
		return "system"
	case FunctionUserPart:
		return "user"
	}
	return "unknown"
}

// ParseFunction returns the Function with the given short tag.
func ParseFunction(s string) (Function, error) {
	for f := FunctionNone; f <= FunctionUserPart; f++ {
		if f.String() == s {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown module function %q", s)
}

// Dependency names the module another module requires.
type Dependency struct {
	Function Function
	Index    uint8
	Version  uint16
}

// Info is the header found at the start of every module.
type Info struct {
	StartAddress uint32
	EndAddress   uint32
	Flags        uint8
	Version      uint16
	PlatformID   uint16
	Function     Function
	Index        uint8
	Dependency   Dependency
}

// Length returns the length of the module body, excluding the CRC.
func (i Info) Length() (uint32, error) {
	if uint64(i.EndAddress) < uint64(i.StartAddress)+InfoSize+SuffixSize {
		return 0, fmt.Errorf("invalid module bounds [%#x, %#x)", i.StartAddress, i.EndAddress)
	}
	return i.EndAddress - i.StartAddress, nil
}

// rawInfo is the little-endian wire layout of Info.
type rawInfo struct {
	StartAddress uint32
	EndAddress   uint32
	Reserved     uint8
	Flags        uint8
	Version      uint16
	PlatformID   uint16
	Function     uint8
	Index        uint8
	DepFunction  uint8
	DepIndex     uint8
	DepVersion   uint16
	Reserved2    [4]byte
}

// Bytes encodes the header.
func (i Info) Bytes() []byte {
	r := rawInfo{
		StartAddress: i.StartAddress,
		EndAddress:   i.EndAddress,
		Flags:        i.Flags,
		Version:      i.Version,
		PlatformID:   i.PlatformID,
		Function:     uint8(i.Function),
		Index:        i.Index,
		DepFunction:  uint8(i.Dependency.Function),
		DepIndex:     i.Dependency.Index,
		DepVersion:   i.Dependency.Version,
	}
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, &r)
	return buf.Bytes()
}

// ParseInfo decodes a header.
func ParseInfo(b []byte) (Info, error) {
	if len(b) < InfoSize {
		return Info{}, fmt.Errorf("module header too short (%d bytes)", len(b))
	}
	r := rawInfo{}
	if err := binary.Read(bytes.NewReader(b[:InfoSize]), binary.LittleEndian, &r); err != nil {
		return Info{}, err
	}
	return Info{
		StartAddress: r.StartAddress,
		EndAddress:   r.EndAddress,
		Flags:        r.Flags,
		Version:      r.Version,
		PlatformID:   r.PlatformID,
		Function:     Function(r.Function),
		Index:        r.Index,
		Dependency: Dependency{
			Function: Function(r.DepFunction),
			Index:    r.DepIndex,
			Version:  r.DepVersion,
		},
	}, nil
}

// Suffix is the trailer immediately preceding a module's end address.
type Suffix struct {
	SHA256 [32]byte
	// Size is the encoded size of the suffix, used to locate the CRC.
	Size uint16
}

type rawSuffix struct {
	Reserved uint16
	SHA256   [32]byte
	Size     uint16
}

// Bytes encodes the suffix.
func (s Suffix) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, &rawSuffix{SHA256: s.SHA256, Size: s.Size})
	return buf.Bytes()
}

// ParseSuffix decodes a suffix.
func ParseSuffix(b []byte) (Suffix, error) {
	if len(b) < SuffixSize {
		return Suffix{}, fmt.Errorf("module suffix too short (%d bytes)", len(b))
	}
	r := rawSuffix{}
	if err := binary.Read(bytes.NewReader(b[:SuffixSize]), binary.LittleEndian, &r); err != nil {
		return Suffix{}, err
	}
	return Suffix{SHA256: r.SHA256, Size: r.Size}, nil
}

// Checksum returns the CRC-32 used to protect module bodies.
func Checksum(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}
