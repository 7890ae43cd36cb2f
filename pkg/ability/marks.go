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

package ability

import (
	"context"
	"fmt"

	"github.com/carverauto/peersync/pkg/hashutil"
	"github.com/carverauto/peersync/pkg/metastore"
	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/parcel"
)

const (
	markKeyPrefix = "abilitySyncFinishedKey"
	markUserSeg   = "_user_"
)

// MarkStore persists which peers finished negotiation, so a restarted session
// skips the handshake until the local schema changes.
type MarkStore struct {
	meta metastore.Store
}

func NewMarkStore(meta metastore.Store) *MarkStore {
	return &MarkStore{meta: meta}
}

func markKey(id models.PeerIdentity) string {
	return markKeyPrefix + hashutil.HexSHA256(id.Device) + markUserSeg + id.User
}

// IsFinished reports whether id finished negotiation against the local schema
// at schemaVersion.
func (m *MarkStore) IsFinished(ctx context.Context, id models.PeerIdentity, schemaVersion uint64) (bool, error) {
	raw, found, err := m.meta.GetMetaData(ctx, markKey(id))
	if err != nil || !found {
		return false, err
	}

	r := parcel.NewReader(raw)
	_ = r.ReadUint32()
	r.Align8()
	stored := r.ReadUint64()

	if r.Err() != nil {
		// unreadable marks force renegotiation
		return false, nil
	}

	return stored == schemaVersion, nil
}

// SetFinished records a successful negotiation of id.
func (m *MarkStore) SetFinished(ctx context.Context, id models.PeerIdentity, schemaVersion uint64) error {
	w := parcel.NewWriter(16)
	w.WriteUint32(models.SoftwareVersionCurrent)
	w.Align8()
	w.WriteUint64(schemaVersion)

	if err := m.meta.PutMetaData(ctx, markKey(id), w.Bytes()); err != nil {
		return fmt.Errorf("persist ability mark for %s: %w", id, err)
	}

	return nil
}

// Clear forgets the mark of one peer.
func (m *MarkStore) Clear(ctx context.Context, id models.PeerIdentity) error {
	return m.meta.DeleteMetaData(ctx, []string{markKey(id)})
}

// ClearAll forgets every mark. It returns how many were removed.
func (m *MarkStore) ClearAll(ctx context.Context) (int, error) {
	all, err := m.meta.GetMetaDataByPrefix(ctx, markKeyPrefix)
	if err != nil {
		return 0, err
	}

	if len(all) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(all))
	for k := range all {
		keys = append(keys, k)
	}

	return len(keys), m.meta.DeleteMetaData(ctx, keys)
}
