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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/peersync/pkg/metastore"
)

type localStore interface {
	DataStore
	Put(ctx context.Context, table string, key, value []byte) (uint64, error)
	Delete(ctx context.Context, table string, key []byte) (uint64, error)
	Get(ctx context.Context, table string, key []byte) ([]byte, bool, error)
}

func stores(t *testing.T) map[string]localStore {
	t.Helper()

	db, err := metastore.OpenSQLite(metastore.SQLiteMemory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	sq, err := NewSQLiteDataStore(context.Background(), db)
	require.NoError(t, err)

	return map[string]localStore{
		"memory": NewMemoryDataStore(),
		"sqlite": sq,
	}
}

func TestStoreChangesOrderAndFilters(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			t1, err := s.Put(ctx, "a", []byte("k1"), []byte("v1"))
			require.NoError(t, err)

			t2, err := s.Put(ctx, "b", []byte("k2"), []byte("v2"))
			require.NoError(t, err)

			t3, err := s.Delete(ctx, "a", []byte("k3"))
			require.NoError(t, err)

			assert.Less(t, t1, t2)
			assert.Less(t, t2, t3)

			all, err := s.Changes(ctx, ChangeFilter{})
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, []byte("k1"), all[0].Key)
			assert.Equal(t, []byte("k3"), all[2].Key)
			assert.True(t, all[2].Deleted)

			live, err := s.Changes(ctx, ChangeFilter{Kind: KindLive})
			require.NoError(t, err)
			assert.Len(t, live, 2)

			dead, err := s.Changes(ctx, ChangeFilter{Kind: KindDeleted})
			require.NoError(t, err)
			assert.Len(t, dead, 1)

			tableA, err := s.Changes(ctx, ChangeFilter{Table: "a"})
			require.NoError(t, err)
			assert.Len(t, tableA, 2)

			after, err := s.Changes(ctx, ChangeFilter{Since: t1, Limit: 1})
			require.NoError(t, err)
			require.Len(t, after, 1)
			assert.Equal(t, []byte("k2"), after[0].Key)

			newest, err := s.MaxLocalTime(ctx)
			require.NoError(t, err)
			assert.Equal(t, t3, newest)
		})
	}
}

func TestStoreApplyLastWriterWins(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ts, err := s.Put(ctx, "", []byte("k"), []byte("local"))
			require.NoError(t, err)

			require.NoError(t, s.Apply(ctx, "peer", []Entry{{Key: []byte("k"), Value: []byte("older"), Timestamp: ts - 1}}))

			v, ok, err := s.Get(ctx, "", []byte("k"))
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("local"), v)

			remote := ts + 1000
			require.NoError(t, s.Apply(ctx, "peer", []Entry{{Key: []byte("k"), Value: []byte("newer"), Timestamp: remote}}))

			v, _, err = s.Get(ctx, "", []byte("k"))
			require.NoError(t, err)
			assert.Equal(t, []byte("newer"), v)

			// a later local write must still win over the applied one
			after, err := s.Put(ctx, "", []byte("k"), []byte("mine"))
			require.NoError(t, err)
			assert.Greater(t, after, remote)

			require.NoError(t, s.Apply(ctx, "peer", []Entry{{Key: []byte("k"), Deleted: true, Timestamp: after + 1}}))

			_, ok, err = s.Get(ctx, "", []byte("k"))
			require.NoError(t, err)
			assert.False(t, ok)

			// applied rows get a fresh local time so they are forwarded onwards
			changes, err := s.Changes(ctx, ChangeFilter{Since: after})
			require.NoError(t, err)
			require.Len(t, changes, 1)
			assert.True(t, changes[0].Deleted)

			require.ErrorIs(t, s.Apply(ctx, "peer", []Entry{{Timestamp: 1}}), errEmptyKey)
		})
	}
}

func TestSQLiteStoreRemovesDeviceData(t *testing.T) {
	ctx := context.Background()

	db, err := metastore.OpenSQLite(metastore.SQLiteMemory)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	s, err := NewSQLiteDataStore(ctx, db)
	require.NoError(t, err)

	require.NoError(t, s.Apply(ctx, "dev-a", []Entry{
		{Key: []byte("a1"), Value: []byte("x"), Timestamp: 10},
		{Key: []byte("a2"), Value: []byte("x"), Timestamp: 11},
	}))
	require.NoError(t, s.Apply(ctx, "dev-b", []Entry{{Key: []byte("b1"), Value: []byte("x"), Timestamp: 12}}))

	n, err := s.RemoveDeviceData(ctx, "dev-a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	_, ok, err := s.Get(ctx, "", []byte("b1"))
	require.NoError(t, err)
	assert.True(t, ok)

	// reopening keeps the clock ahead of stored rows
	again, err := NewSQLiteDataStore(ctx, db)
	require.NoError(t, err)

	ts, err := again.Put(ctx, "", []byte("c"), nil)
	require.NoError(t, err)
	assert.Greater(t, ts, uint64(12))

	require.NoError(t, again.Close())

	_, err = again.Put(ctx, "", []byte("d"), nil)
	require.ErrorIs(t, err, errStoreClosed)
}
