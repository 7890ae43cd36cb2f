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

package metastore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStoreContract(t *testing.T, s Store) {
	t.Helper()

	ctx := context.Background()

	_, found, err := s.GetMetaData(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, s.PutMetaData(ctx, "deleteSyncWaterMarkKeyabc_user_u1", []byte{1, 2, 3}))
	require.NoError(t, s.PutMetaData(ctx, "deleteSyncWaterMarkKeyabc_user_u2", []byte{4}))
	require.NoError(t, s.PutMetaData(ctx, "querySyncWaterMarkKeyabc", []byte{5}))

	v, found, err := s.GetMetaData(ctx, "deleteSyncWaterMarkKeyabc_user_u1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte{1, 2, 3}, v)

	require.NoError(t, s.PutMetaData(ctx, "deleteSyncWaterMarkKeyabc_user_u1", []byte{9}))
	v, _, err = s.GetMetaData(ctx, "deleteSyncWaterMarkKeyabc_user_u1")
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, v)

	got, err := s.GetMetaDataByPrefix(ctx, "deleteSyncWaterMarkKey")
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Contains(t, got, "deleteSyncWaterMarkKeyabc_user_u2")

	require.NoError(t, s.DeleteMetaData(ctx, []string{"deleteSyncWaterMarkKeyabc_user_u2", "never-written"}))

	got, err = s.GetMetaDataByPrefix(ctx, "deleteSyncWaterMarkKey")
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = s.GetMetaDataByPrefix(ctx, "nothing-here")
	require.NoError(t, err)
	assert.Empty(t, got)

	assert.Error(t, s.PutMetaData(ctx, "", []byte{1}))
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	runStoreContract(t, s)
	require.NoError(t, s.Close())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	in := []byte{1, 2}
	require.NoError(t, s.PutMetaData(ctx, "k", in))
	in[0] = 7

	out, _, err := s.GetMetaData(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, byte(1), out[0])
}

func TestSQLiteStoreInMemory(t *testing.T) {
	s, err := NewSQLiteStore(context.Background(), SQLiteMemory)
	require.NoError(t, err)

	runStoreContract(t, s)
	require.NoError(t, s.Close())
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "meta", "peersync.db")

	s, err := NewSQLiteStore(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.PutMetaData(ctx, "k", []byte("v")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(ctx, path)
	require.NoError(t, err)

	defer func() { _ = s.Close() }()

	v, found, err := s.GetMetaData(ctx, "k")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, []byte("v"), v)
}

func TestNatsStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}

	srv := runJetStreamServer(t)
	t.Cleanup(srv.Shutdown)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := NewNatsStore(ctx, srv.ClientURL(), "meta-test")
	require.NoError(t, err)

	runStoreContract(t, s)
	require.NoError(t, s.Close())
}

func TestKeyEncodingKeepsPrefixes(t *testing.T) {
	k := "querySyncWaterMarkKey" + "\x00odd key/with spaces"

	decoded, ok := decodeKey(encodeKey(k))
	require.True(t, ok)
	assert.Equal(t, k, decoded)
	assert.Equal(t, encodeKey("query"), encodeKey(k)[:len(encodeKey("query"))])
}

func TestConfigValidate(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, BackendMemory, cfg.Backend)

	cfg = &Config{Backend: BackendSQLite}
	require.ErrorIs(t, cfg.Validate(), errSQLitePathRequired)

	cfg = &Config{Backend: BackendNATS, NATSURL: "nats://127.0.0.1:4222"}
	require.NoError(t, cfg.Validate())
	assert.Equal(t, defaultBucket, cfg.Bucket)

	cfg = &Config{Backend: "etcd"}
	require.ErrorIs(t, cfg.Validate(), errUnknownBackend)
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(context.Background(), &Config{})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
}

func runJetStreamServer(t *testing.T) *server.Server {
	t.Helper()

	opts := &server.Options{
		Host:      "127.0.0.1",
		Port:      -1,
		JetStream: true,
		StoreDir:  t.TempDir(),
	}

	srv, err := server.NewServer(opts)
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	require.Eventually(t, func() bool {
		return srv.JetStreamEnabled()
	}, 5*time.Second, 50*time.Millisecond, "embedded NATS server not ready for JetStream")

	return srv
}
