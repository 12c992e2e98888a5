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

package dct

import (
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"k8s.io/klog/v2"
)

var tableKey = []byte("dct")

// BadgerStore is a Store persisted in a badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens, creating if necessary, a table stored in dir.
func OpenBadger(dir string) (*BadgerStore, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open config store %q: %w", dir, err)
	}
	klog.V(1).Infof("Opened config store %q", dir)
	return &BadgerStore{db: db}, nil
}

// Close closes the underlying database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}

func load(txn *badger.Txn) ([]byte, error) {
	item, err := txn.Get(tableKey)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return blank(), nil
	}
	if err != nil {
		return nil, err
	}
	v, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	if len(v) != Size {
		return nil, fmt.Errorf("stored table is %d bytes, want %d", len(v), Size)
	}
	return v, nil
}

// Read implements Store.
func (b *BadgerStore) Read(offset, length int) ([]byte, error) {
	if err := checkRange(offset, length); err != nil {
		return nil, err
	}
	var out []byte
	err := b.db.View(func(txn *badger.Txn) error {
		t, err := load(txn)
		if err != nil {
			return err
		}
		out = t[offset : offset+length]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read config store: %w", err)
	}
	return out, nil
}

// Write implements Store.
func (b *BadgerStore) Write(offset int, data []byte) error {
	if err := checkRange(offset, len(data)); err != nil {
		return err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		t, err := load(txn)
		if err != nil {
			return err
		}
		copy(t[offset:], data)
		return txn.Set(tableKey, t)
	})
	if err != nil {
		return fmt.Errorf("write config store: %w", err)
	}
	return nil
}
