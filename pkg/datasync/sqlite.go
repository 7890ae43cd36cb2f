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
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

const createDataTable = `CREATE TABLE IF NOT EXISTS sync_data (
	tbl     TEXT    NOT NULL,
	key     BLOB    NOT NULL,
	value   BLOB,
	ts      INTEGER NOT NULL,
	lts     INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	origin  TEXT    NOT NULL DEFAULT '',
	PRIMARY KEY (tbl, key)
)`

const createDataIndex = `CREATE INDEX IF NOT EXISTS idx_sync_data_lts ON sync_data (lts)`

// upsertEntry keeps the stored row when it is at least as new as the incoming one.
const upsertEntry = `INSERT INTO sync_data (tbl, key, value, ts, lts, deleted, origin)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tbl, key) DO UPDATE SET
	value = excluded.value,
	ts = excluded.ts,
	lts = excluded.lts,
	deleted = excluded.deleted,
	origin = excluded.origin
WHERE excluded.ts > sync_data.ts`

// SQLiteDataStore keeps rows in the sync_data table of a SQLite database,
// usually the same handle that backs the metadata store.
type SQLiteDataStore struct {
	db *sql.DB

	mu     sync.Mutex
	clock  uint64
	now    func() time.Time
	closed bool
}

// NewSQLiteDataStore prepares the sync_data table on db. The caller owns db.
func NewSQLiteDataStore(ctx context.Context, db *sql.DB) (*SQLiteDataStore, error) {
	for _, stmt := range []string{createDataTable, createDataIndex} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, fmt.Errorf("failed to create sync_data table: %w", err)
		}
	}

	s := &SQLiteDataStore{db: db, now: time.Now}

	var maxTS, maxLTS sql.NullInt64

	err := db.QueryRowContext(ctx, `SELECT MAX(ts), MAX(lts) FROM sync_data`).Scan(&maxTS, &maxLTS)
	if err != nil {
		return nil, fmt.Errorf("failed to load data clock: %w", err)
	}

	s.clock = max(uint64(maxTS.Int64), uint64(maxLTS.Int64))

	return s, nil
}

func (s *SQLiteDataStore) tickLocked() uint64 {
	t := uint64(s.now().UnixNano())
	if t <= s.clock {
		t = s.clock + 1
	}

	s.clock = t

	return t
}

func (s *SQLiteDataStore) write(ctx context.Context, table string, key, value []byte, deleted bool) (uint64, error) {
	if len(key) == 0 {
		return 0, errEmptyKey
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, errStoreClosed
	}

	ts := s.tickLocked()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sync_data (tbl, key, value, ts, lts, deleted, origin) VALUES (?, ?, ?, ?, ?, ?, '')
		 ON CONFLICT(tbl, key) DO UPDATE SET value = excluded.value, ts = excluded.ts,
		 lts = excluded.lts, deleted = excluded.deleted, origin = ''`,
		table, key, value, int64(ts), int64(ts), deleted)
	if err != nil {
		return 0, fmt.Errorf("failed to write row: %w", err)
	}

	return ts, nil
}

// Put writes a local row and returns its timestamp.
func (s *SQLiteDataStore) Put(ctx context.Context, table string, key, value []byte) (uint64, error) {
	if value == nil {
		value = []byte{}
	}

	return s.write(ctx, table, key, value, false)
}

// Delete writes a tombstone for key.
func (s *SQLiteDataStore) Delete(ctx context.Context, table string, key []byte) (uint64, error) {
	return s.write(ctx, table, key, nil, true)
}

// Get returns the live value of key.
func (s *SQLiteDataStore) Get(ctx context.Context, table string, key []byte) ([]byte, bool, error) {
	var (
		value   []byte
		deleted bool
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT value, deleted FROM sync_data WHERE tbl = ? AND key = ?`, table, key).Scan(&value, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}

	if err != nil {
		return nil, false, fmt.Errorf("failed to get row: %w", err)
	}

	if deleted {
		return nil, false, nil
	}

	return value, true, nil
}

func (s *SQLiteDataStore) Changes(ctx context.Context, f ChangeFilter) ([]Entry, error) {
	var (
		where = []string{"lts > ?"}
		args  = []any{int64(f.Since)}
	)

	if f.Table != "" {
		where = append(where, "tbl = ?")
		args = append(args, f.Table)
	}

	switch f.Kind {
	case KindLive:
		where = append(where, "deleted = 0")
	case KindDeleted:
		where = append(where, "deleted = 1")
	case KindAll:
	}

	q := `SELECT tbl, key, value, ts, lts, deleted FROM sync_data WHERE ` +
		strings.Join(where, " AND ") + ` ORDER BY lts`

	if f.Limit > 0 {
		q += ` LIMIT ?`

		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Entry, 0)

	for rows.Next() {
		var (
			e       Entry
			ts, lts int64
		)

		if err := rows.Scan(&e.Table, &e.Key, &e.Value, &ts, &lts, &e.Deleted); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}

		e.Timestamp = uint64(ts)
		e.LocalTime = uint64(lts)
		out = append(out, e)
	}

	return out, rows.Err()
}

func (s *SQLiteDataStore) Apply(ctx context.Context, device string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errStoreClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, upsertEntry)
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to prepare upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	clock := s.clock

	for _, e := range entries {
		if len(e.Key) == 0 {
			_ = tx.Rollback()
			s.clock = clock

			return errEmptyKey
		}

		s.clock = max(s.clock, e.Timestamp)

		if _, err := stmt.ExecContext(ctx, e.Table, e.Key, e.Value,
			int64(e.Timestamp), int64(s.tickLocked()), e.Deleted, device); err != nil {
			_ = tx.Rollback()
			s.clock = clock

			return fmt.Errorf("failed to apply row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		s.clock = clock

		return fmt.Errorf("failed to commit rows: %w", err)
	}

	return nil
}

func (s *SQLiteDataStore) MaxLocalTime(ctx context.Context) (uint64, error) {
	var m sql.NullInt64

	if err := s.db.QueryRowContext(ctx, `SELECT MAX(lts) FROM sync_data`).Scan(&m); err != nil {
		return 0, fmt.Errorf("failed to read max local time: %w", err)
	}

	return uint64(m.Int64), nil
}

// RemoveDeviceData drops rows last received from device.
func (s *SQLiteDataStore) RemoveDeviceData(ctx context.Context, device string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_data WHERE origin = ?`, device)
	if err != nil {
		return 0, fmt.Errorf("failed to remove device data: %w", err)
	}

	return res.RowsAffected()
}

// Close stops further writes. The database handle stays open.
func (s *SQLiteDataStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	return nil
}

var _ DataStore = (*SQLiteDataStore)(nil)
