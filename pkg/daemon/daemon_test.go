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

package daemon

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/peersync/pkg/communicator"
	"github.com/carverauto/peersync/pkg/datasync"
	"github.com/carverauto/peersync/pkg/engine"
	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/metastore"
	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/natsutil"
	"github.com/carverauto/peersync/pkg/operation"
)

func runNatsServer(t *testing.T) *server.Server {
	t.Helper()

	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)

	go srv.Start()

	if !srv.ReadyForConnections(10 * time.Second) {
		srv.Shutdown()
		t.Fatalf("embedded NATS server not ready for connections")
	}

	t.Cleanup(srv.Shutdown)

	return srv
}

func baseConfig(url, device string) *Config {
	return &Config{
		Device: device,
		NATS:   natsutil.Config{URL: url, Name: device},
		Transport: communicator.NatsConfig{
			SubjectPrefix:     "daemon-test",
			HeartbeatInterval: models.Duration(50 * time.Millisecond),
		},
		Workers: 4,
	}
}

func startDaemon(t *testing.T, cfg *Config) *Daemon {
	t.Helper()

	d, err := New(cfg, logger.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, d.Start(context.Background()))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_ = d.Stop(ctx)
	})

	return d
}

func waitOnline(t *testing.T, d *Daemon, device string) {
	t.Helper()

	require.Eventually(t, func() bool {
		return slices.Contains(d.Engine().OnlineDevices(), device)
	}, 10*time.Second, 20*time.Millisecond)
}

func TestDaemonsSyncOverNATS(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}

	srv := runNatsServer(t)

	a := startDaemon(t, baseConfig(srv.ClientURL(), "node-a"))

	path := filepath.Join(t.TempDir(), "node-b.db")
	cfgB := baseConfig(srv.ClientURL(), "node-b")
	cfgB.Data = DataConfig{Backend: DataBackendSQLite, SQLitePath: path}
	cfgB.Meta = metastore.Config{Backend: metastore.BackendSQLite, SQLitePath: path}
	b := startDaemon(t, cfgB)

	waitOnline(t, a, "node-b")
	waitOnline(t, b, "node-a")

	ctx := context.Background()

	storeA, ok := a.Data().(*datasync.MemoryDataStore)
	require.True(t, ok)

	_, err := storeA.Put(ctx, "devices", []byte("router-1"), []byte(`{"ip":"10.0.0.1"}`))
	require.NoError(t, err)

	var result operation.Result

	_, err = a.Engine().Sync(ctx, engine.SyncRequest{
		Devices:    []string{"node-b"},
		Mode:       models.SyncModePush,
		Blocking:   true,
		OnComplete: func(r operation.Result) { result = r },
	})
	require.NoError(t, err)
	assert.Equal(t, models.DBStatusOK, result["node-b"])

	storeB, ok := b.Data().(*datasync.SQLiteDataStore)
	require.True(t, ok)

	value, found, err := storeB.Get(ctx, "devices", []byte("router-1"))
	require.NoError(t, err)
	require.True(t, found)
	assert.JSONEq(t, `{"ip":"10.0.0.1"}`, string(value))
}

func TestAutoSyncPushesToOnlinePeers(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}

	srv := runNatsServer(t)

	cfgA := baseConfig(srv.ClientURL(), "node-a")
	cfgA.AutoSync = &AutoSyncConfig{Interval: models.Duration(time.Second), Mode: "auto_push"}
	a := startDaemon(t, cfgA)
	b := startDaemon(t, baseConfig(srv.ClientURL(), "node-b"))

	ctx := context.Background()

	_, err := a.Data().(*datasync.MemoryDataStore).Put(ctx, "t", []byte("k"), []byte("v"))
	require.NoError(t, err)

	storeB := b.Data().(*datasync.MemoryDataStore)

	require.Eventually(t, func() bool {
		_, found, err := storeB.Get(ctx, "t", []byte("k"))

		return err == nil && found
	}, 15*time.Second, 50*time.Millisecond)
}

func TestStartFailsWithoutNATS(t *testing.T) {
	cfg := baseConfig("nats://127.0.0.1:1", "node-a")
	cfg.NATS.MaxReconnects = 1

	d, err := New(cfg, logger.NewTestLogger())
	require.NoError(t, err)

	require.Error(t, d.Start(context.Background()))
	require.ErrorIs(t, d.Stop(context.Background()), errNotStarted)
	assert.Nil(t, d.Engine())
}

func TestStartTwice(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}

	srv := runNatsServer(t)
	d := startDaemon(t, baseConfig(srv.ClientURL(), "node-a"))

	require.ErrorIs(t, d.Start(context.Background()), errAlreadyStarted)
}

func TestCreateTimeIsPersisted(t *testing.T) {
	meta := metastore.NewMemoryStore()
	ctx := context.Background()

	first, err := loadCreateTime(ctx, meta)
	require.NoError(t, err)
	require.NotZero(t, first)

	second, err := loadCreateTime(ctx, meta)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{
			name:    "sqlite data without path",
			mutate:  func(c *Config) { c.Data.Backend = DataBackendSQLite },
			wantErr: errDataSQLitePathRequired,
		},
		{
			name:    "unknown data backend",
			mutate:  func(c *Config) { c.Data.Backend = "rocksdb" },
			wantErr: errUnknownDataBackend,
		},
		{
			name:    "unknown schema type",
			mutate:  func(c *Config) { c.Schema.Type = "xml" },
			wantErr: models.ErrInvalidArgs,
		},
		{
			name:    "negative workers",
			mutate:  func(c *Config) { c.Workers = -1 },
			wantErr: errNegativeWorkers,
		},
		{
			name: "auto sync too fast",
			mutate: func(c *Config) {
				c.AutoSync = &AutoSyncConfig{Interval: models.Duration(time.Millisecond), Mode: "auto_push"}
			},
			wantErr: errAutoSyncInterval,
		},
		{
			name: "auto sync manual mode",
			mutate: func(c *Config) {
				c.AutoSync = &AutoSyncConfig{Interval: models.Duration(time.Minute), Mode: "push"}
			},
			wantErr: errAutoSyncMode,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig("", "node-a")
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, DataBackendMemory, cfg.Data.Backend)
			assert.Equal(t, metastore.BackendMemory, cfg.Meta.Backend)
			assert.NotEmpty(t, cfg.NATS.URL)
		})
	}
}

func TestMetaNATSDefaultsToTransportURL(t *testing.T) {
	cfg := baseConfig("nats://broker:4222", "node-a")
	cfg.Meta.Backend = metastore.BackendNATS

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "nats://broker:4222", cfg.Meta.NATSURL)
}

func TestLocalInfoReadsSchemaFile(t *testing.T) {
	cfg := baseConfig("", "node-a")
	cfg.Schema = SchemaConfig{Type: "kv"}

	info, err := cfg.localInfo()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.SchemaVersion)

	cfg.Schema = SchemaConfig{Type: "json", File: filepath.Join(t.TempDir(), "missing.json")}

	_, err = cfg.localInfo()
	require.Error(t, err)
}
