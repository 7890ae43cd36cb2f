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

package watermark

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/metastore"
	"github.com/carverauto/peersync/pkg/models"
)

// DefaultCeiling is the number of query watermarks kept before eviction starts.
const DefaultCeiling = 100000

var errZeroVersion = errors.New("record version is zero")

// Store reads and writes watermarks through a metastore.Store. Each family
// (query, delete) has one lock held across every read-modify-write.
type Store struct {
	meta    metastore.Store
	log     logger.Logger
	ceiling int
	now     func() time.Time

	queryMu    sync.Mutex
	queryCache map[string]QueryWaterMark

	deleteMu    sync.Mutex
	deleteCache map[string]DeleteWaterMark
}

// Option configures a Store.
type Option func(*Store)

// WithCeiling sets the eviction ceiling.
func WithCeiling(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.ceiling = n
		}
	}
}

// WithClock replaces the wall clock used for LastUsedTime.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func NewStore(meta metastore.Store, log logger.Logger, opts ...Option) *Store {
	s := &Store{
		meta:        meta,
		log:         log,
		ceiling:     DefaultCeiling,
		now:         time.Now,
		queryCache:  make(map[string]QueryWaterMark),
		deleteCache: make(map[string]DeleteWaterMark),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Store) stamp() uint64 {
	return uint64(s.now().UnixNano())
}

// GetQueryWaterMark returns the record at key, creating and persisting a zero
// record when none exists.
func (s *Store) GetQueryWaterMark(ctx context.Context, key string) (QueryWaterMark, error) {
	s.queryMu.Lock()
	defer s.queryMu.Unlock()

	return s.loadQueryLocked(ctx, key)
}

func (s *Store) loadQueryLocked(ctx context.Context, key string) (QueryWaterMark, error) {
	if w, ok := s.queryCache[key]; ok {
		return w, nil
	}

	raw, found, err := s.meta.GetMetaData(ctx, key)
	if err != nil {
		return QueryWaterMark{}, fmt.Errorf("failed to read query watermark: %w", err)
	}

	var w QueryWaterMark

	if found {
		if err := w.UnmarshalBinary(raw); err != nil {
			return QueryWaterMark{}, err
		}

		s.queryCache[key] = w

		return w, nil
	}

	w = QueryWaterMark{Version: models.SoftwareVersionCurrent, LastUsedTime: s.stamp()}
	if err := s.saveQueryLocked(ctx, key, w); err != nil {
		return QueryWaterMark{}, err
	}

	return w, nil
}

func (s *Store) saveQueryLocked(ctx context.Context, key string, w QueryWaterMark) error {
	w.Version = models.SoftwareVersionCurrent

	raw, err := w.MarshalBinary()
	if err != nil {
		return err
	}

	if err := s.meta.PutMetaData(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to persist query watermark: %w", err)
	}

	s.queryCache[key] = w

	return nil
}

func (s *Store) updateQuery(ctx context.Context, key string, mutate func(*QueryWaterMark)) error {
	s.queryMu.Lock()
	defer s.queryMu.Unlock()

	w, err := s.loadQueryLocked(ctx, key)
	if err != nil {
		return err
	}

	mutate(&w)
	w.LastUsedTime = s.stamp()

	return s.saveQueryLocked(ctx, key, w)
}

func (s *Store) SetSendQueryWaterMark(ctx context.Context, key string, value uint64) error {
	return s.updateQuery(ctx, key, func(w *QueryWaterMark) { w.SendWaterMark = value })
}

func (s *Store) SetRecvQueryWaterMark(ctx context.Context, key string, value uint64) error {
	return s.updateQuery(ctx, key, func(w *QueryWaterMark) { w.RecvWaterMark = value })
}

func (s *Store) SetLastQueryTime(ctx context.Context, key string, ts uint64) error {
	return s.updateQuery(ctx, key, func(w *QueryWaterMark) { w.LastQueryTime = ts })
}

// SetQuerySQL remembers the statement a watermark was created for.
func (s *Store) SetQuerySQL(ctx context.Context, key, sql string) error {
	return s.updateQuery(ctx, key, func(w *QueryWaterMark) { w.SQL = sql })
}

func (s *Store) GetDeleteWaterMark(ctx context.Context, device, user string) (DeleteWaterMark, error) {
	s.deleteMu.Lock()
	defer s.deleteMu.Unlock()

	return s.loadDeleteLocked(ctx, DeleteKey(device, user))
}

func (s *Store) loadDeleteLocked(ctx context.Context, key string) (DeleteWaterMark, error) {
	if w, ok := s.deleteCache[key]; ok {
		return w, nil
	}

	raw, found, err := s.meta.GetMetaData(ctx, key)
	if err != nil {
		return DeleteWaterMark{}, fmt.Errorf("failed to read delete watermark: %w", err)
	}

	var w DeleteWaterMark

	if found {
		if err := w.UnmarshalBinary(raw); err != nil {
			return DeleteWaterMark{}, err
		}

		s.deleteCache[key] = w

		return w, nil
	}

	w = DeleteWaterMark{Version: models.SoftwareVersionCurrent}
	if err := s.saveDeleteLocked(ctx, key, w); err != nil {
		return DeleteWaterMark{}, err
	}

	return w, nil
}

func (s *Store) saveDeleteLocked(ctx context.Context, key string, w DeleteWaterMark) error {
	w.Version = models.SoftwareVersionCurrent

	raw, err := w.MarshalBinary()
	if err != nil {
		return err
	}

	if err := s.meta.PutMetaData(ctx, key, raw); err != nil {
		return fmt.Errorf("failed to persist delete watermark: %w", err)
	}

	s.deleteCache[key] = w

	return nil
}

func (s *Store) updateDelete(ctx context.Context, device, user string, mutate func(*DeleteWaterMark)) error {
	s.deleteMu.Lock()
	defer s.deleteMu.Unlock()

	key := DeleteKey(device, user)

	w, err := s.loadDeleteLocked(ctx, key)
	if err != nil {
		return err
	}

	mutate(&w)

	return s.saveDeleteLocked(ctx, key, w)
}

func (s *Store) SetSendDeleteSyncWaterMark(ctx context.Context, device, user string, value uint64) error {
	return s.updateDelete(ctx, device, user, func(w *DeleteWaterMark) { w.SendWaterMark = value })
}

func (s *Store) SetRecvDeleteSyncWaterMark(ctx context.Context, device, user string, value uint64) error {
	return s.updateDelete(ctx, device, user, func(w *DeleteWaterMark) { w.RecvWaterMark = value })
}

// ResetRecvQueryWaterMark drops every query watermark of (device, user),
// restricted to table when it is not empty, and rewinds the delete watermark's
// receive cursor so the next pull starts from the beginning.
func (s *Store) ResetRecvQueryWaterMark(ctx context.Context, device, user, table string) error {
	prefix := queryDevicePrefix(device, table)
	devicePrefixLen := len(queryDevicePrefix(device, ""))

	s.queryMu.Lock()

	found, err := s.meta.GetMetaDataByPrefix(ctx, prefix)
	if err != nil {
		s.queryMu.Unlock()

		return fmt.Errorf("failed to scan query watermarks: %w", err)
	}

	keys := make([]string, 0, len(found))

	for k := range found {
		if u, ok := userOfQueryKey(k, devicePrefixLen); ok && u == user {
			keys = append(keys, k)
		}
	}

	err = s.deleteQueryKeysLocked(ctx, keys)
	s.queryMu.Unlock()

	if err != nil {
		return err
	}

	s.log.Debug().
		Str("device", device).
		Str("user", user).
		Str("table", table).
		Int("removed", len(keys)).
		Msg("Reset receive watermarks")

	return s.updateDelete(ctx, device, user, func(w *DeleteWaterMark) { w.RecvWaterMark = 0 })
}

func (s *Store) deleteQueryKeysLocked(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	if err := s.meta.DeleteMetaData(ctx, keys); err != nil {
		return fmt.Errorf("failed to delete query watermarks: %w", err)
	}

	for _, k := range keys {
		delete(s.queryCache, k)
	}

	return nil
}

// RemoveDevice deletes every query and delete watermark of device.
func (s *Store) RemoveDevice(ctx context.Context, device string) error {
	s.queryMu.Lock()

	found, err := s.meta.GetMetaDataByPrefix(ctx, queryDevicePrefix(device, ""))
	if err == nil {
		keys := make([]string, 0, len(found))
		for k := range found {
			keys = append(keys, k)
		}

		err = s.deleteQueryKeysLocked(ctx, keys)
	}
	s.queryMu.Unlock()

	if err != nil {
		return err
	}

	s.deleteMu.Lock()
	defer s.deleteMu.Unlock()

	found, err = s.meta.GetMetaDataByPrefix(ctx, deleteDevicePrefix(device))
	if err != nil {
		return fmt.Errorf("failed to scan delete watermarks: %w", err)
	}

	keys := make([]string, 0, len(found))
	for k := range found {
		keys = append(keys, k)
	}

	if len(keys) == 0 {
		return nil
	}

	if err := s.meta.DeleteMetaData(ctx, keys); err != nil {
		return fmt.Errorf("failed to delete delete watermarks: %w", err)
	}

	for _, k := range keys {
		delete(s.deleteCache, k)
	}

	return nil
}

// QueryKeys lists every persisted query watermark key.
func (s *Store) QueryKeys(ctx context.Context) ([]string, error) {
	found, err := s.meta.GetMetaDataByPrefix(ctx, queryKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan query watermarks: %w", err)
	}

	keys := make([]string, 0, len(found))
	for k := range found {
		keys = append(keys, k)
	}

	return keys, nil
}

type lruEntry struct {
	key      string
	lastUsed uint64
}

// EvictLeastRecentlyUsed trims candidateKeys down to the ceiling. Below the
// ceiling it does nothing. Otherwise undecodable records are removed, then the
// oldest valid records by LastUsedTime until the ceiling is met. It returns
// the number of records removed.
func (s *Store) EvictLeastRecentlyUsed(ctx context.Context, candidateKeys []string) (int, error) {
	if len(candidateKeys) <= s.ceiling {
		return 0, nil
	}

	s.queryMu.Lock()
	defer s.queryMu.Unlock()

	persisted, err := s.meta.GetMetaDataByPrefix(ctx, queryKeyPrefix)
	if err != nil {
		return 0, fmt.Errorf("failed to scan query watermarks: %w", err)
	}

	var corrupt []string

	valid := make([]lruEntry, 0, len(candidateKeys))

	for _, k := range candidateKeys {
		raw, ok := persisted[k]
		if !ok {
			continue
		}

		var w QueryWaterMark
		if err := w.UnmarshalBinary(raw); err != nil {
			corrupt = append(corrupt, k)

			continue
		}

		valid = append(valid, lruEntry{key: k, lastUsed: w.LastUsedTime})
	}

	remove := corrupt

	if excess := len(valid) - s.ceiling; excess > 0 {
		selectOldest(valid, excess)

		for _, e := range valid[:excess] {
			remove = append(remove, e.key)
		}
	}

	if err := s.deleteQueryKeysLocked(ctx, remove); err != nil {
		return 0, err
	}

	s.log.Info().
		Int("candidates", len(candidateKeys)).
		Int("corrupt", len(corrupt)).
		Int("evicted", len(remove)).
		Msg("Evicted query watermarks")

	return len(remove), nil
}

// selectOldest reorders entries so the k smallest lastUsed values occupy
// entries[:k]. Average O(n).
func selectOldest(entries []lruEntry, k int) {
	lo, hi := 0, len(entries)-1

	for lo < hi {
		p := partition(entries, lo, hi, lo+rand.IntN(hi-lo+1))

		switch {
		case p == k-1 || p == k:
			return
		case p < k:
			lo = p + 1
		default:
			hi = p - 1
		}
	}
}

// partition is Lomuto partitioning around entries[pivot]; it returns the
// pivot's final index.
func partition(entries []lruEntry, lo, hi, pivot int) int {
	entries[pivot], entries[hi] = entries[hi], entries[pivot]
	pv := entries[hi].lastUsed
	store := lo

	for i := lo; i < hi; i++ {
		if entries[i].lastUsed < pv {
			entries[store], entries[i] = entries[i], entries[store]
			store++
		}
	}

	entries[store], entries[hi] = entries[hi], entries[store]

	return store
}
