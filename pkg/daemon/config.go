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
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/carverauto/peersync/pkg/ability"
	"github.com/carverauto/peersync/pkg/communicator"
	"github.com/carverauto/peersync/pkg/engine"
	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/metastore"
	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/natsutil"
)

// Data store backends.
const (
	DataBackendMemory = "memory"
	DataBackendSQLite = "sqlite"

	minAutoSyncInterval = time.Second
)

var (
	errUnknownDataBackend     = errors.New("unknown data backend")
	errDataSQLitePathRequired = errors.New("data.sqlite_path is required for the sqlite backend")
	errAutoSyncInterval       = errors.New("auto_sync.interval must be at least 1s")
	errAutoSyncMode           = errors.New("auto_sync.mode must be auto_push or auto_pull")
	errNegativeWorkers        = errors.New("workers must not be negative")
)

// DataConfig selects where synced rows live.
type DataConfig struct {
	Backend    string `json:"backend"`
	SQLitePath string `json:"sqlite_path,omitempty"`
}

// SchemaConfig describes the local schema announced during negotiation.
// Schema wins over File when both are set.
type SchemaConfig struct {
	Type   string `json:"type"`
	Schema string `json:"schema,omitempty"`
	File   string `json:"file,omitempty"`
}

// AutoSyncConfig makes the daemon sync with every online peer periodically.
type AutoSyncConfig struct {
	Interval models.Duration `json:"interval"`
	Mode     string          `json:"mode"`
}

// Config is the peersyncd configuration document.
type Config struct {
	// Device is the identity announced to peers; empty picks a random one.
	Device    string                  `json:"device"`
	User      string                  `json:"user,omitempty"`
	NATS      natsutil.Config         `json:"nats"`
	Transport communicator.NatsConfig `json:"transport"`
	Meta      metastore.Config        `json:"meta"`
	Data      DataConfig              `json:"data"`
	Schema    SchemaConfig            `json:"schema"`
	Engine    engine.Config           `json:"engine"`
	Workers   int                     `json:"workers,omitempty"`
	AutoSync  *AutoSyncConfig         `json:"auto_sync,omitempty"`
	Logging   *logger.Config          `json:"logging,omitempty"`
}

// Validate fills defaults and checks every section.
func (c *Config) Validate() error {
	if err := c.NATS.Validate(); err != nil {
		return fmt.Errorf("nats: %w", err)
	}

	if c.Meta.Backend == metastore.BackendNATS && c.Meta.NATSURL == "" {
		c.Meta.NATSURL = c.NATS.URL
	}

	if err := c.Meta.Validate(); err != nil {
		return fmt.Errorf("meta: %w", err)
	}

	switch c.Data.Backend {
	case "", DataBackendMemory:
		c.Data.Backend = DataBackendMemory
	case DataBackendSQLite:
		if c.Data.SQLitePath == "" {
			return errDataSQLitePathRequired
		}
	default:
		return fmt.Errorf("%w: %q", errUnknownDataBackend, c.Data.Backend)
	}

	if _, err := ability.ParseSchemaType(c.Schema.Type); err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	if c.Workers < 0 {
		return errNegativeWorkers
	}

	if c.AutoSync != nil {
		if time.Duration(c.AutoSync.Interval) < minAutoSyncInterval {
			return errAutoSyncInterval
		}

		mode, err := models.ParseSyncMode(c.AutoSync.Mode)
		if err != nil || (mode != models.SyncModeAutoPush && mode != models.SyncModeAutoPull) {
			return errAutoSyncMode
		}
	}

	return nil
}

// localInfo reads the schema, from file if needed.
func (c *Config) localInfo() (ability.LocalInfo, error) {
	typ, err := ability.ParseSchemaType(c.Schema.Type)
	if err != nil {
		return ability.LocalInfo{}, err
	}

	schema := c.Schema.Schema
	if schema == "" && c.Schema.File != "" {
		raw, err := os.ReadFile(c.Schema.File)
		if err != nil {
			return ability.LocalInfo{}, fmt.Errorf("failed to read schema file: %w", err)
		}

		schema = string(raw)
	}

	if _, err := ability.ParseSchema(typ, schema); err != nil {
		return ability.LocalInfo{}, fmt.Errorf("invalid %s schema: %w", typ, err)
	}

	return ability.LocalInfo{
		Schema:        schema,
		SchemaType:    typ,
		Ability:       ability.LocalAbility(),
		SchemaVersion: 1,
	}, nil
}
