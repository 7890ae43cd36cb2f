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

// Package datasync moves rows between two negotiated peers. The initiator
// pushes entries above its send watermark and pulls entries above its receive
// watermark; the responder applies or serves them.
package datasync

import (
	"context"
	"errors"
)

var (
	errBadPayload  = errors.New("data sync payload has wrong type")
	errTooMany     = errors.New("declared entry count exceeds packet size")
	errNoJob       = errors.New("no data sync in progress")
	errStale       = errors.New("data sync packet from a stale session")
	errWrongPhase  = errors.New("data sync packet does not match phase")
	errEmptyKey    = errors.New("entry key is empty")
	errStoreClosed = errors.New("data store closed")
)

// ErrStalePacket marks responses that belong to an earlier or aborted session.
var ErrStalePacket = errStale

// Kind selects which entries Changes returns.
type Kind int

const (
	KindAll Kind = iota
	KindLive
	KindDeleted
)

// Entry is one row version. Timestamp is the write time used to resolve
// conflicts; LocalTime is when this store last changed the row and is what
// watermarks track. LocalTime never leaves the device.
type Entry struct {
	Table     string
	Key       []byte
	Value     []byte
	Timestamp uint64
	Deleted   bool
	LocalTime uint64
}

// ChangeFilter narrows Changes.
type ChangeFilter struct {
	// Table limits results to one table; empty means every table.
	Table string
	// Since excludes entries with LocalTime at or below it.
	Since uint64
	// Limit caps the result; zero means unlimited.
	Limit int
	Kind  Kind
}

// DataStore is the local database as seen by sync.
type DataStore interface {
	// Changes returns entries matching f ordered by LocalTime.
	Changes(ctx context.Context, f ChangeFilter) ([]Entry, error)
	// Apply stores entries received from device. An entry older than the stored
	// version of its key is ignored.
	Apply(ctx context.Context, device string, entries []Entry) error
	// MaxLocalTime is the LocalTime of the newest change.
	MaxLocalTime(ctx context.Context) (uint64, error)
}

func lastLocalTime(entries []Entry, floor uint64) uint64 {
	if len(entries) == 0 {
		return floor
	}

	return max(floor, entries[len(entries)-1].LocalTime)
}
