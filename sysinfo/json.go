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
	"encoding/hex"
	"io"
	"strconv"

	"github.com/goccy/go-json"
	"github.com/transparency-dev/ota-flash-hal/layout"
	"github.com/transparency-dev/ota-flash-hal/module"
)

type dependencyJSON struct {
	Function string `json:"f"`
	Name     string `json:"n"`
	Version  uint16 `json:"v"`
	End      string `json:"_"`
}

type moduleJSON struct {
	MaxSize      uint32           `json:"s"`
	Hash         string           `json:"u"`
	Function     string           `json:"f"`
	Name         string           `json:"n"`
	Version      uint16           `json:"v"`
	Dependencies []dependencyJSON `json:"d"`
}

type systemJSON struct {
	PlatformID uint16       `json:"p"`
	Modules    []moduleJSON `json:"m"`
}

// MarshalJSON renders the snapshot in the module info format used by
// monitoring tools. Every layout entry is listed; one which is not present
// has function "none", version 0 and a zero hash.
func (s *Snapshot) MarshalJSON() ([]byte, error) {
	if s.released {
		return nil, ErrReleased
	}
	out := systemJSON{
		PlatformID: s.platformID,
		Modules:    make([]moduleJSON, 0, len(s.modules)),
	}
	for _, m := range s.modules {
		d := m.Info.Dependency
		out.Modules = append(out.Modules, moduleJSON{
			MaxSize:  m.Bounds.MaxSize,
			Hash:     hex.EncodeToString(m.Suffix.SHA256[:]),
			Function: m.Info.Function.String(),
			Name:     strconv.Itoa(int(m.Info.Index)),
			Version:  m.Info.Version,
			Dependencies: []dependencyJSON{{
				Function: d.Function.String(),
				Name:     strconv.Itoa(int(d.Index)),
				Version:  d.Version,
			}},
		})
	}
	return json.Marshal(out)
}

// WriteJSON writes the snapshot to w as JSON.
func WriteJSON(w io.Writer, s *Snapshot) error {
	b, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ModuleInfo takes a snapshot of the modules in l, writes it to w and
// releases it.
func ModuleInfo(w io.Writer, l *layout.Layout, r module.Reader) error {
	s := Construct(l, r)
	defer s.Release()
	return WriteJSON(w, s)
}
