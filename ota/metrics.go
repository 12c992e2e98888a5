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

package ota

import (
	"errors"

	prom "github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	prepare prom.Counter
	chunks  *prom.CounterVec
	finish  *prom.CounterVec
}

func newMetrics(r prom.Registerer) (*metrics, error) {
	m := &metrics{
		prepare: prom.NewCounter(prom.CounterOpts{
			Name: "ota_prepare_total",
			Help: "Number of OTA transfers started.",
		}),
		chunks: prom.NewCounterVec(prom.CounterOpts{
			Name: "ota_chunks_total",
			Help: "Number of OTA chunks received, by result.",
		}, []string{"result"}),
		finish: prom.NewCounterVec(prom.CounterOpts{
			Name: "ota_finish_total",
			Help: "Number of OTA transfers finished, by result.",
		}, []string{"result"}),
	}
	if r == nil {
		return m, nil
	}
	var err error
	if m.prepare, err = register(r, m.prepare); err != nil {
		return nil, err
	}
	if m.chunks, err = register(r, m.chunks); err != nil {
		return nil, err
	}
	if m.finish, err = register(r, m.finish); err != nil {
		return nil, err
	}
	return m, nil
}

// register registers c, returning the collector already registered in its
// place if there is one.
func register[T prom.Collector](r prom.Registerer, c T) (T, error) {
	if err := r.Register(c); err != nil {
		var are prom.AlreadyRegisteredError
		if errors.As(err, &are) {
			if e, ok := are.ExistingCollector.(T); ok {
				return e, nil
			}
		}
		return c, err
	}
	return c, nil
}
