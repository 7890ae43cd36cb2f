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

// Package daemon assembles a running peersync node: NATS transport, metadata
// and data stores, the runtime pool and the sync engine.
package daemon

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/carverauto/peersync/pkg/ability"
	"github.com/carverauto/peersync/pkg/communicator"
	"github.com/carverauto/peersync/pkg/datasync"
	"github.com/carverauto/peersync/pkg/engine"
	"github.com/carverauto/peersync/pkg/lifecycle"
	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/metastore"
	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/natsutil"
	"github.com/carverauto/peersync/pkg/runtime"
)

const createTimeKey = "peersync/db_create_time"

var (
	errAlreadyStarted = errors.New("daemon already started")
	errNotStarted     = errors.New("daemon not started")
)

// Daemon is a lifecycle.Service wrapping one sync engine.
type Daemon struct {
	cfg *Config
	log logger.Logger

	mu      sync.Mutex
	started bool
	nc      *nats.Conn
	agg     *communicator.NatsAggregator
	db      *sql.DB
	meta    metastore.Store
	data    datasync.DataStore
	info    *ability.InfoHolder
	pool    *runtime.Pool
	eng     *engine.Engine
	closers []func(context.Context) error
}

var _ lifecycle.Service = (*Daemon)(nil)

// New validates cfg. Nothing is opened until Start.
func New(cfg *Config, log logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Daemon{cfg: cfg, log: log}, nil
}

// Engine returns the running engine, nil before Start.
func (d *Daemon) Engine() *engine.Engine {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.eng
}

// Data returns the data store rows are synced into, nil before Start.
func (d *Daemon) Data() datasync.DataStore {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.data
}

// Info exposes the local schema description so callers can announce a
// schema change.
func (d *Daemon) Info() *ability.InfoHolder { return d.info }

// Start opens every collaborator in dependency order. On failure whatever
// was opened is closed again.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return errAlreadyStarted
	}

	if err := d.open(ctx); err != nil {
		_ = d.closeAll(context.WithoutCancel(ctx))

		return err
	}

	d.started = true

	if d.cfg.AutoSync != nil {
		d.startAutoSync()
	}

	d.log.Info().
		Str("device", d.agg.LocalDevice()).
		Str("meta_backend", d.cfg.Meta.Backend).
		Str("data_backend", d.cfg.Data.Backend).
		Str("schema_type", d.info.LocalInfo().SchemaType.String()).
		Msg("peersync daemon started")

	return nil
}

func (d *Daemon) open(ctx context.Context) error {
	nc, err := natsutil.Connect(&d.cfg.NATS, logger.Component(d.log, "nats"))
	if err != nil {
		return err
	}

	d.nc = nc
	d.push(func(context.Context) error { return nc.Drain() })

	if err := d.openStores(ctx); err != nil {
		return err
	}

	info, err := d.cfg.localInfo()
	if err != nil {
		return err
	}

	info.DBCreateTime, err = loadCreateTime(ctx, d.meta)
	if err != nil {
		return err
	}

	d.info = ability.NewInfoHolder(info)

	agg, err := communicator.NewNatsAggregator(nc, d.cfg.Device, d.cfg.Transport, logger.Component(d.log, "transport"))
	if err != nil {
		return err
	}

	d.agg = agg
	d.push(func(context.Context) error { return agg.Close() })

	d.pool = runtime.NewPool(d.cfg.Workers, logger.Component(d.log, "runtime"))
	d.push(d.pool.Close)

	eng, err := engine.New(engine.Options{
		Config:     d.cfg.Engine,
		Aggregator: agg,
		Runtime:    d.pool,
		Store:      d.data,
		Meta:       d.meta,
		Info:       d.info,
		LocalUser:  d.cfg.User,
		Log:        logger.Component(d.log, "engine"),
	})
	if err != nil {
		return err
	}

	d.eng = eng
	d.push(eng.Close)

	return nil
}

func (d *Daemon) openStores(ctx context.Context) error {
	if d.cfg.Data.Backend == DataBackendSQLite {
		db, err := metastore.OpenSQLite(d.cfg.Data.SQLitePath)
		if err != nil {
			return err
		}

		d.db = db
		d.push(func(context.Context) error { return db.Close() })

		store, err := datasync.NewSQLiteDataStore(ctx, db)
		if err != nil {
			return err
		}

		d.data = store
		d.push(func(context.Context) error { return store.Close() })
	} else {
		d.data = datasync.NewMemoryDataStore()
	}

	// metadata shares the data database when both point at the same file
	if d.db != nil && d.cfg.Meta.Backend == metastore.BackendSQLite && d.cfg.Meta.SQLitePath == d.cfg.Data.SQLitePath {
		meta, err := metastore.NewSQLiteStoreFromDB(ctx, d.db)
		if err != nil {
			return err
		}

		d.meta = meta
	} else {
		meta, err := metastore.Open(ctx, &d.cfg.Meta)
		if err != nil {
			return fmt.Errorf("failed to open metadata store: %w", err)
		}

		d.meta = meta
	}

	meta := d.meta
	d.push(func(context.Context) error { return meta.Close() })

	return nil
}

// loadCreateTime returns the persisted database creation time, recording
// now on first start. Peers compare it to detect a rebuilt database.
func loadCreateTime(ctx context.Context, meta metastore.Store) (uint64, error) {
	raw, found, err := meta.GetMetaData(ctx, createTimeKey)
	if err != nil {
		return 0, err
	}

	if found && len(raw) == 8 {
		return binary.LittleEndian.Uint64(raw), nil
	}

	now := uint64(time.Now().UnixNano())

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, now)

	if err := meta.PutMetaData(ctx, createTimeKey, buf); err != nil {
		return 0, err
	}

	return now, nil
}

func (d *Daemon) push(closer func(context.Context) error) {
	d.closers = append(d.closers, closer)
}

// closeAll runs closers newest first.
func (d *Daemon) closeAll(ctx context.Context) error {
	var errs []error

	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}

	d.closers = nil

	return errors.Join(errs...)
}

// Stop shuts the engine down first so no sync runs against closed stores.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.started {
		return errNotStarted
	}

	d.started = false

	err := d.closeAll(ctx)
	if err != nil {
		d.log.Warn().Err(err).Msg("peersync daemon stopped with errors")

		return err
	}

	d.log.Info().Msg("peersync daemon stopped")

	return nil
}

func (d *Daemon) startAutoSync() {
	mode, _ := models.ParseSyncMode(d.cfg.AutoSync.Mode)
	interval := time.Duration(d.cfg.AutoSync.Interval)
	eng := d.eng

	_, err := d.pool.SetTimer(interval, func(runtime.TimerID) error {
		devices := eng.OnlineDevices()
		if len(devices) == 0 {
			return nil
		}

		if _, err := eng.Sync(context.Background(), engine.SyncRequest{Devices: devices, Mode: mode}); err != nil {
			d.log.Warn().Err(err).Str("mode", mode.String()).Msg("Auto sync not issued")
		}

		return nil
	}, nil)
	if err != nil {
		d.log.Warn().Err(err).Msg("Auto sync disabled")

		return
	}

	d.log.Info().Dur("interval", interval).Str("mode", mode.String()).Msg("Auto sync enabled")
}
