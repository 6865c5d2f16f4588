// SPDX-License-Identifier: AGPL-3.0-or-later
// signalbroker - coordination core for a distributed browser synthesizer
// Copyright (C) 2023-2026 Jacob McSwain
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.

package kv

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

// kvValue holds a list of values (RPush appends to it) and an optional
// expiry. A zero ttl means the key never expires.
type kvValue struct {
	values [][]byte
	ttl    time.Time
}

func (v kvValue) expired() bool {
	return !v.ttl.IsZero() && v.ttl.Before(time.Now())
}

type inMemoryKV struct {
	data *xsync.Map[string, kvValue]
}

func makeInMemoryKV() KV {
	return inMemoryKV{
		data: xsync.NewMap[string, kvValue](),
	}
}

func (kv inMemoryKV) Has(_ context.Context, key string) (bool, error) {
	value, ok := kv.data.Load(key)
	if !ok {
		return false, nil
	}
	if value.expired() {
		kv.data.Delete(key)
		return false, nil
	}
	return true, nil
}

func (kv inMemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	value, ok := kv.data.Load(key)
	if !ok {
		return nil, fmt.Errorf("key %s not found", key)
	}
	if value.expired() {
		kv.data.Delete(key)
		return nil, fmt.Errorf("key %s not found", key)
	}
	if len(value.values) == 0 {
		return nil, fmt.Errorf("key %s has no values", key)
	}
	return value.values[0], nil
}

func (kv inMemoryKV) Set(_ context.Context, key string, value []byte) error {
	existing, ok := kv.data.Load(key)
	ttl := time.Time{}
	if ok {
		ttl = existing.ttl
	}
	kv.data.Store(key, kvValue{values: [][]byte{value}, ttl: ttl})
	return nil
}

func (kv inMemoryKV) Delete(_ context.Context, key string) error {
	kv.data.Delete(key)
	return nil
}

func (kv inMemoryKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	value, ok := kv.data.Load(key)
	if !ok {
		return fmt.Errorf("key %s not found", key)
	}
	if ttl <= 0 {
		kv.data.Delete(key)
		return nil
	}
	value.ttl = time.Now().Add(ttl)
	kv.data.Store(key, value)
	return nil
}

func (kv inMemoryKV) Scan(_ context.Context, _ uint64, match string, count int64) ([]string, uint64, error) {
	keys := make([]string, 0)
	kv.data.Range(func(key string, value kvValue) bool {
		if value.expired() {
			kv.data.Delete(key)
			return true
		}
		matched := match == ""
		if !matched {
			var err error
			matched, err = filepath.Match(match, key)
			if err != nil {
				matched = match == key
			}
		}
		if matched {
			keys = append(keys, key)
		}
		return true
	})
	return keys, 0, nil
}

func (kv inMemoryKV) RPush(_ context.Context, key string, value []byte) (int64, error) {
	existing, ok := kv.data.Load(key)
	if ok && existing.expired() {
		existing = kvValue{}
	}
	existing.values = append(existing.values, value)
	kv.data.Store(key, existing)
	return int64(len(existing.values)), nil
}

func (kv inMemoryKV) LDrain(_ context.Context, key string) ([][]byte, error) {
	existing, ok := kv.data.LoadAndDelete(key)
	if !ok || existing.expired() {
		return nil, nil
	}
	return existing.values, nil
}

func (kv inMemoryKV) Close() error {
	return nil
}
