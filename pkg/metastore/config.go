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
	"fmt"
)

// Backend names accepted in Config.Backend.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendNATS   = "nats"

	defaultBucket = "peersync-meta"
)

// Config selects and parameterizes the metadata backend.
type Config struct {
	Backend    string `json:"backend"`
	SQLitePath string `json:"sqlite_path,omitempty"`
	NATSURL    string `json:"nats_url,omitempty"`
	Bucket     string `json:"bucket,omitempty"`
}

// Validate fills defaults and checks backend specific fields.
func (c *Config) Validate() error {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}

	switch c.Backend {
	case BackendMemory:
		return nil
	case BackendSQLite:
		if c.SQLitePath == "" {
			return errSQLitePathRequired
		}

		return nil
	case BackendNATS:
		if c.NATSURL == "" {
			return errNatsURLRequired
		}

		if c.Bucket == "" {
			c.Bucket = defaultBucket
		}

		return nil
	default:
		return fmt.Errorf("%w: %q", errUnknownBackend, c.Backend)
	}
}

// Open builds the Store described by cfg.
func Open(ctx context.Context, cfg *Config) (Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.Backend {
	case BackendSQLite:
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case BackendNATS:
		return NewNatsStore(ctx, cfg.NATSURL, cfg.Bucket)
	default:
		return NewMemoryStore(), nil
	}
}
