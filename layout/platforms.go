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

package layout

// PhotonPlatformID is the platform identifier of the Photon-class boards
// described by the built-in layouts.
const PhotonPlatformID = 6

const (
	internalFlashBase = 0x8000000
	maxOTASize        = 0x100000
	otaChunkSize      = 512
	firmwareImageSize = 0x20000
	slotTableAddress  = 0x8004000
	slotTableSize     = 0x4000
)

var modular = Config{
	Kind:          Modular,
	PlatformID:    PhotonPlatformID,
	FlashBase:     internalFlashBase,
	SlotTable:     slotTableAddress,
	SlotTableSize: slotTableSize,
	Modules: []Entry{
		{RoleBootloader, ModuleBounds{MaxSize: 0x4000, Start: 0x8000000, End: 0x8004000}},
		{RoleSystem, ModuleBounds{MaxSize: 0x40000, Start: 0x8020000, End: 0x8060000}},
		{RoleSystem, ModuleBounds{MaxSize: 0x40000, Start: 0x8060000, End: 0x80A0000}},
		{RoleUser, ModuleBounds{MaxSize: 0x20000, Start: 0x80A0000, End: 0x80C0000}},
		{RoleFactory, ModuleBounds{MaxSize: 0x20000, Start: 0x80E0000, End: 0x8100000}},
	},
	OTA: OTA{
		Address:   0x80C0000,
		MaxSize:   maxOTASize,
		ImageSize: firmwareImageSize,
		ChunkSize: otaChunkSize,
	},
}

var monolithic = Config{
	Kind:          Monolithic,
	PlatformID:    PhotonPlatformID,
	FlashBase:     internalFlashBase,
	SlotTable:     slotTableAddress,
	SlotTableSize: slotTableSize,
	Modules: []Entry{
		{RoleBootloader, ModuleBounds{MaxSize: 0x4000, Start: 0x8000000, End: 0x8004000}},
		{RoleUser, ModuleBounds{MaxSize: 0x20000, Start: 0x8020000, End: 0x8080000}},
		{RoleFactory, ModuleBounds{MaxSize: 0x20000, Start: 0x8080000, End: 0x80E0000}},
	},
	OTA: OTA{
		Address:   0x80E0000,
		MaxSize:   maxOTASize,
		ImageSize: firmwareImageSize,
		ChunkSize: otaChunkSize,
	},
}

// ForKind returns the built-in layout for the given kind.
func ForKind(k Kind) *Layout {
	switch k {
	case Monolithic:
		return &Layout{cfg: monolithic}
	default:
		return &Layout{cfg: modular}
	}
}
