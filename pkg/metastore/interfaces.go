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

//go:generate mockgen -destination=mock_metastore.go -package=metastore github.com/carverauto/peersync/pkg/metastore Store

// Package metastore pkg/metastore/interfaces.go
package metastore

import (
	"context"
)

// Store is the metadata area of a local database instance. Watermarks and ability
// sync marks are persisted through it. Keys are ASCII strings.
type Store interface {
	// GetMetaData returns the value stored under key and whether it was found.
	GetMetaData(ctx context.Context, key string) ([]byte, bool, error)

	// PutMetaData stores value under key, replacing any previous value.
	PutMetaData(ctx context.Context, key string, value []byte) error

	// GetMetaDataByPrefix returns every entry whose key starts with prefix.
	GetMetaDataByPrefix(ctx context.Context, prefix string) (map[string][]byte, error)

	// DeleteMetaData removes keys. Missing keys are not an error.
	DeleteMetaData(ctx context.Context, keys []string) error

	// Close releases the backend.
	Close() error
}
