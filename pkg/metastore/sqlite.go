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
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // database/sql driver "sqlite"
)

const (
	// SQLiteMemory opens a private in-memory database.
	SQLiteMemory = ":memory:"

	createMetaTable = `CREATE TABLE IF NOT EXISTS meta_data (
	key   TEXT PRIMARY KEY NOT NULL,
	value BLOB NOT NULL
)`
)

// OpenSQLite opens (creating if needed) a SQLite database at path with a single
// connection, WAL journaling for file databases.
func OpenSQLite(path string) (*sql.DB, error) {
	if path == "" {
		return nil, errSQLitePathRequired
	}

	if path != SQLiteMemory {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// one writer; also keeps ":memory:" pinned to a single database
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if path != SQLiteMemory {
		if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
			_ = db.Close()

			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	return db, nil
}

// SQLiteStore persists metadata in the meta_data table of a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	ownsDB bool
}

// NewSQLiteStore opens path and prepares the metadata table.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	s, err := NewSQLiteStoreFromDB(ctx, db)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	s.ownsDB = true

	return s, nil
}

// NewSQLiteStoreFromDB shares an already open database, typically the one that
// also holds the synced tables. Close does not close db.
func NewSQLiteStoreFromDB(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, createMetaTable); err != nil {
		return nil, fmt.Errorf("failed to create meta_data table: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) GetMetaData(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte

	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta_data WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	return value, true, nil
}

func (s *SQLiteStore) PutMetaData(ctx context.Context, key string, value []byte) error {
	if key == "" {
		return errEmptyKey
	}

	if value == nil {
		value = []byte{}
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO meta_data (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to put key %s: %w", key, err)
	}

	return nil
}

func (s *SQLiteStore) GetMetaDataByPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM meta_data WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to scan prefix %s: %w", prefix, err)
	}
	defer func() { _ = rows.Close() }()

	out := make(map[string][]byte)

	for rows.Next() {
		var (
			k string
			v []byte
		)

		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		out[k] = v
	}

	return out, rows.Err()
}

func (s *SQLiteStore) DeleteMetaData(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM meta_data WHERE key = ?`)
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to prepare delete: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to delete key %s: %w", k, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Close() error {
	if !s.ownsDB {
		return nil
	}

	return s.db.Close()
}

var _ Store = (*SQLiteStore)(nil)
