/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package datasync

import (
	"context"
	"sort"
	"sync"
	"time"
)

type rowKey struct {
	table string
	key   string
}

// MemoryDataStore is a DataStore kept in a map. Writes resolve by last writer wins.
type MemoryDataStore struct {
	mu    sync.RWMutex
	rows  map[rowKey]Entry
	clock uint64
	now   func() time.Time
}

func NewMemoryDataStore() *MemoryDataStore {
	return &MemoryDataStore{
		rows: make(map[rowKey]Entry),
		now:  time.Now,
	}
}

// tickLocked returns a time strictly after every time handed out before.
func (s *MemoryDataStore) tickLocked() uint64 {
	t := uint64(s.now().UnixNano())
	if t <= s.clock {
		t = s.clock + 1
	}

	s.clock = t

	return t
}

// Put writes a local row and returns its timestamp.
func (s *MemoryDataStore) Put(_ context.Context, table string, key, value []byte) (uint64, error) {
	if len(key) == 0 {
		return 0, errEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.tickLocked()
	s.rows[rowKey{table, string(key)}] = Entry{
		Table:     table,
		Key:       cloneBytes(key),
		Value:     cloneBytes(value),
		Timestamp: ts,
		LocalTime: ts,
	}

	return ts, nil
}

// Delete writes a tombstone for key.
func (s *MemoryDataStore) Delete(_ context.Context, table string, key []byte) (uint64, error) {
	if len(key) == 0 {
		return 0, errEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.tickLocked()
	s.rows[rowKey{table, string(key)}] = Entry{
		Table:     table,
		Key:       cloneBytes(key),
		Timestamp: ts,
		Deleted:   true,
		LocalTime: ts,
	}

	return ts, nil
}

// Get returns the live value of key.
func (s *MemoryDataStore) Get(_ context.Context, table string, key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.rows[rowKey{table, string(key)}]
	if !ok || e.Deleted {
		return nil, false, nil
	}

	return cloneBytes(e.Value), true, nil
}

func (s *MemoryDataStore) Changes(_ context.Context, f ChangeFilter) ([]Entry, error) {
	s.mu.RLock()

	out := make([]Entry, 0)

	for _, e := range s.rows {
		if e.LocalTime <= f.Since || (f.Table != "" && e.Table != f.Table) {
			continue
		}

		if (f.Kind == KindLive && e.Deleted) || (f.Kind == KindDeleted && !e.Deleted) {
			continue
		}

		out = append(out, e)
	}

	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].LocalTime < out[j].LocalTime })

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}

	for i := range out {
		out[i].Key = cloneBytes(out[i].Key)
		out[i].Value = cloneBytes(out[i].Value)
	}

	return out, nil
}

func (s *MemoryDataStore) Apply(_ context.Context, _ string, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if len(e.Key) == 0 {
			return errEmptyKey
		}

		k := rowKey{e.Table, string(e.Key)}
		if cur, ok := s.rows[k]; ok && cur.Timestamp >= e.Timestamp {
			continue
		}

		// later local writes must win over what was just received
		s.clock = max(s.clock, e.Timestamp)

		e.Key = cloneBytes(e.Key)
		e.Value = cloneBytes(e.Value)
		e.LocalTime = s.tickLocked()
		s.rows[k] = e
	}

	return nil
}

func (s *MemoryDataStore) MaxLocalTime(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var m uint64
	for _, e := range s.rows {
		m = max(m, e.LocalTime)
	}

	return m, nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}

var _ DataStore = (*MemoryDataStore)(nil)
