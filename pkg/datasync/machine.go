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
	"fmt"
	"sync"
	"time"

	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/message"
	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/watermark"
)

// DefaultBatchSize is the number of entries moved per round trip.
const DefaultBatchSize = 128

// Sender delivers one data sync message to the peer.
type Sender func(ctx context.Context, msg *message.Message) error

// Permit reports whether rows of table may be exchanged with the peer.
type Permit func(table string) bool

// SubscriptionRecorder remembers which peers subscribed to which queries.
type SubscriptionRecorder interface {
	Subscribe(peer models.PeerIdentity, q models.Query)
	// Unsubscribe drops q, or every subscription of peer when q is nil.
	Unsubscribe(peer models.PeerIdentity, q *models.Query)
}

// Config wires a Machine or Responder to one peer.
type Config struct {
	Peer       models.PeerIdentity
	Store      DataStore
	WaterMarks *watermark.Store
	Send       Sender
	Permit     Permit
	// Gate fails with models.ErrNeedAbilitySync when the peer has not
	// negotiated yet. Only the responder uses it.
	Gate          func(ctx context.Context) error
	Subscriptions SubscriptionRecorder
	BatchSize     int
	Log           logger.Logger
	Now           func() time.Time
}

func (c *Config) batchSize() int {
	if c.BatchSize <= 0 {
		return DefaultBatchSize
	}

	return c.BatchSize
}

func (c *Config) permits(table string) bool {
	return c.Permit == nil || c.Permit(table)
}

func (c *Config) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}

	return c.Now()
}

// Job is one data sync run against the peer.
type Job struct {
	SessionID uint32
	Mode      models.SyncMode
	Query     *models.Query
	// Progress is told how many entries each round moved.
	Progress func(n uint32)
}

type phase int

const (
	phaseIdle phase = iota
	phasePush
	phasePull
	phaseDone
)

// batch is one round of entries read above a pair of cursors.
type batch struct {
	entries   []Entry
	dataEnd   uint64
	deleteEnd uint64
	more      bool
	scanned   int
}

// collect reads entries above since and deleteSince. Full syncs move
// tombstones on their own cursor; query syncs carry them on the data cursor.
func collect(ctx context.Context, store DataStore, q *models.Query, since, deleteSince uint64,
	limit int, permits func(string) bool) (batch, error) {
	f := ChangeFilter{Since: since, Limit: limit, Kind: KindLive}
	if q != nil {
		f.Table = q.Table
		f.Kind = KindAll
	}

	live, err := store.Changes(ctx, f)
	if err != nil {
		return batch{}, err
	}

	b := batch{
		dataEnd:   lastLocalTime(live, since),
		deleteEnd: deleteSince,
		more:      limit > 0 && len(live) >= limit,
	}

	all := live

	if q == nil {
		tombs, err := store.Changes(ctx, ChangeFilter{Since: deleteSince, Limit: limit, Kind: KindDeleted})
		if err != nil {
			return batch{}, err
		}

		b.deleteEnd = lastLocalTime(tombs, deleteSince)
		b.more = b.more || (limit > 0 && len(tombs) >= limit)
		all = append(all, tombs...)
	}

	b.scanned = len(all)
	b.entries = make([]Entry, 0, len(all))

	for _, e := range all {
		if permits(e.Table) {
			b.entries = append(b.entries, e)
		}
	}

	return b, nil
}

// Machine is the initiator side of data sync with one peer. It is driven by a
// single goroutine at a time: Start, then HandleResponse for every reply until
// one of them reports done.
type Machine struct {
	cfg Config

	mu      sync.Mutex
	job     *Job
	phase   phase
	pending batch
	flags   uint32
}

func NewMachine(cfg Config) *Machine {
	return &Machine{cfg: cfg}
}

// Active reports whether a job is in flight.
func (m *Machine) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.job != nil
}

// SessionID returns the session of the running job.
func (m *Machine) SessionID() (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.job == nil {
		return 0, false
	}

	return m.job.SessionID, true
}

// Abort drops the running job. Replies to it are reported as stale.
func (m *Machine) Abort() {
	m.mu.Lock()
	m.job = nil
	m.phase = phaseIdle
	m.mu.Unlock()
}

// HasPendingPush reports whether local data changed since the last push of q.
func (m *Machine) HasPendingPush(ctx context.Context, q *models.Query) (bool, error) {
	qwm, err := m.cfg.WaterMarks.GetQueryWaterMark(ctx, m.key(q))
	if err != nil {
		return false, err
	}

	f := ChangeFilter{Since: qwm.SendWaterMark, Limit: 1, Kind: KindLive}
	if q != nil {
		f.Table = q.Table
		f.Kind = KindAll
	}

	changed, err := m.cfg.Store.Changes(ctx, f)
	if err != nil || len(changed) > 0 || q != nil {
		return len(changed) > 0, err
	}

	dwm, err := m.cfg.WaterMarks.GetDeleteWaterMark(ctx, m.cfg.Peer.Device, m.cfg.Peer.User)
	if err != nil {
		return false, err
	}

	tombs, err := m.cfg.Store.Changes(ctx, ChangeFilter{Since: dwm.SendWaterMark, Limit: 1, Kind: KindDeleted})

	return len(tombs) > 0, err
}

func (m *Machine) key(q *models.Query) string {
	return watermark.QueryKey(m.cfg.Peer.Device, m.cfg.Peer.User, q)
}

func (m *Machine) limit(q *models.Query) int {
	n := m.cfg.batchSize()
	if q != nil && q.Limit > 0 && int(q.Limit) < n {
		n = int(q.Limit)
	}

	return n
}

// Start begins job. done is true when the job finished without a round trip.
func (m *Machine) Start(ctx context.Context, job *Job) (done bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if job.Query != nil && job.Mode != models.SyncModeUnsubscribeQuery && !m.cfg.permits(job.Query.Table) {
		return true, fmt.Errorf("%w: table %s not permitted", models.ErrSchemaMismatch, job.Query.Table)
	}

	m.job = job
	m.pending = batch{}
	m.flags = 0

	switch job.Mode {
	case models.SyncModeSubscribeQuery, models.SyncModeAutoSubscribeQuery:
		m.flags = FlagSubscribe
	case models.SyncModeUnsubscribeQuery:
		m.flags = FlagUnsubscribe
	default:
	}

	switch {
	case job.Mode.Pushes():
		m.phase = phasePush
	case job.Mode.Pulls(), job.Mode == models.SyncModeUnsubscribeQuery:
		m.phase = phasePull
	default:
		m.phase = phaseDone
	}

	m.cfg.Log.Debug().
		Str("peer", m.cfg.Peer.String()).
		Uint32("session_id", job.SessionID).
		Str("mode", job.Mode.String()).
		Msg("Starting data sync")

	return m.advanceLocked(ctx)
}

func (m *Machine) finishLocked(err error) (bool, error) {
	m.job = nil
	m.phase = phaseIdle

	return true, err
}

func (m *Machine) advanceLocked(ctx context.Context) (bool, error) {
	for {
		switch m.phase {
		case phasePush:
			sent, err := m.pushLocked(ctx)
			if err != nil {
				return m.finishLocked(err)
			}

			if sent {
				return false, nil
			}

			m.phase = m.afterPushLocked()
		case phasePull:
			if err := m.pullLocked(ctx); err != nil {
				return m.finishLocked(err)
			}

			return false, nil
		case phaseIdle, phaseDone:
			return m.finishLocked(nil)
		}
	}
}

func (m *Machine) afterPushLocked() phase {
	if m.job.Mode.Pulls() {
		return phasePull
	}

	return phaseDone
}

// pushLocked sends the next batch and reports whether a reply is awaited.
func (m *Machine) pushLocked(ctx context.Context) (bool, error) {
	q := m.job.Query

	for {
		qwm, err := m.cfg.WaterMarks.GetQueryWaterMark(ctx, m.key(q))
		if err != nil {
			return false, err
		}

		var deleteSince uint64

		if q == nil {
			dwm, err := m.cfg.WaterMarks.GetDeleteWaterMark(ctx, m.cfg.Peer.Device, m.cfg.Peer.User)
			if err != nil {
				return false, err
			}

			deleteSince = dwm.SendWaterMark
		}

		b, err := collect(ctx, m.cfg.Store, q, qwm.SendWaterMark, deleteSince, m.limit(q), m.cfg.permits)
		if err != nil {
			return false, fmt.Errorf("failed to read local changes: %w", err)
		}

		if b.scanned == 0 {
			return false, nil
		}

		m.pending = b

		if len(b.entries) == 0 {
			// nothing here may leave the device; move the cursors without a round trip
			if err := m.commitPushLocked(ctx); err != nil {
				return false, err
			}

			if !b.more {
				return false, nil
			}

			continue
		}

		err = m.cfg.Send(ctx, &message.Message{
			ID:        message.IDDataSync,
			Type:      message.TypeRequest,
			SessionID: m.job.SessionID,
			Payload: &DataPacket{
				Version:   models.DataProtocolVersion,
				DataEnd:   b.dataEnd,
				DeleteEnd: b.deleteEnd,
				More:      b.more,
				Query:     q,
				Entries:   b.entries,
			},
		})
		if err != nil {
			return false, err
		}

		return true, nil
	}
}

func (m *Machine) commitPushLocked(ctx context.Context) error {
	q := m.job.Query

	if err := m.cfg.WaterMarks.SetSendQueryWaterMark(ctx, m.key(q), m.pending.dataEnd); err != nil {
		return err
	}

	if q != nil {
		return m.cfg.WaterMarks.SetQuerySQL(ctx, m.key(q), q.SQL)
	}

	return m.cfg.WaterMarks.SetSendDeleteSyncWaterMark(ctx, m.cfg.Peer.Device, m.cfg.Peer.User, m.pending.deleteEnd)
}

func (m *Machine) pullLocked(ctx context.Context) error {
	q := m.job.Query

	qwm, err := m.cfg.WaterMarks.GetQueryWaterMark(ctx, m.key(q))
	if err != nil {
		return err
	}

	req := &PullRequest{
		Version: models.DataProtocolVersion,
		Flags:   m.flags,
		Limit:   uint32(m.limit(q)),
		Since:   qwm.RecvWaterMark,
		Query:   q,
	}

	if q == nil {
		dwm, err := m.cfg.WaterMarks.GetDeleteWaterMark(ctx, m.cfg.Peer.Device, m.cfg.Peer.User)
		if err != nil {
			return err
		}

		req.DeleteSince = dwm.RecvWaterMark
	}

	m.pending = batch{dataEnd: req.Since, deleteEnd: req.DeleteSince}

	return m.cfg.Send(ctx, &message.Message{
		ID:        message.IDDataPull,
		Type:      message.TypeRequest,
		SessionID: m.job.SessionID,
		Payload:   req,
	})
}

// HandleResponse consumes a reply to the running job.
func (m *Machine) HandleResponse(ctx context.Context, msg *message.Message) (done bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.job == nil {
		return false, fmt.Errorf("%w: %w", ErrStalePacket, errNoJob)
	}

	if msg.SessionID != m.job.SessionID {
		return false, ErrStalePacket
	}

	switch m.phase {
	case phasePush:
		ack, ok := msg.Payload.(*PushAck)
		if msg.ID != message.IDDataSync || !ok {
			return m.finishLocked(errWrongPhase)
		}

		return m.onPushAckLocked(ctx, ack)
	case phasePull:
		pkt, ok := msg.Payload.(*DataPacket)
		if msg.ID != message.IDDataPull || !ok {
			return m.finishLocked(errWrongPhase)
		}

		return m.onPullDataLocked(ctx, pkt)
	case phaseIdle, phaseDone:
	}

	return m.finishLocked(errWrongPhase)
}

func (m *Machine) onPushAckLocked(ctx context.Context, ack *PushAck) (bool, error) {
	if err := ack.Code.Err(); err != nil {
		return m.finishLocked(fmt.Errorf("peer rejected push: %w", err))
	}

	if err := m.commitPushLocked(ctx); err != nil {
		return m.finishLocked(err)
	}

	m.progress(len(m.pending.entries))

	if !m.pending.more {
		m.phase = m.afterPushLocked()
	}

	return m.advanceLocked(ctx)
}

func (m *Machine) onPullDataLocked(ctx context.Context, pkt *DataPacket) (bool, error) {
	if err := pkt.Code.Err(); err != nil {
		return m.finishLocked(fmt.Errorf("peer rejected pull: %w", err))
	}

	if m.flags&FlagUnsubscribe != 0 {
		return m.finishLocked(nil)
	}

	q := m.job.Query
	entries := make([]Entry, 0, len(pkt.Entries))

	for _, e := range pkt.Entries {
		if m.cfg.permits(e.Table) && (q == nil || e.Table == q.Table) {
			entries = append(entries, e)
		}
	}

	if err := m.cfg.Store.Apply(ctx, m.cfg.Peer.Device, entries); err != nil {
		return m.finishLocked(fmt.Errorf("failed to apply pulled data: %w", err))
	}

	key := m.key(q)

	if pkt.DataEnd > m.pending.dataEnd {
		if err := m.cfg.WaterMarks.SetRecvQueryWaterMark(ctx, key, pkt.DataEnd); err != nil {
			return m.finishLocked(err)
		}
	}

	if q == nil && pkt.DeleteEnd > m.pending.deleteEnd {
		err := m.cfg.WaterMarks.SetRecvDeleteSyncWaterMark(ctx, m.cfg.Peer.Device, m.cfg.Peer.User, pkt.DeleteEnd)
		if err != nil {
			return m.finishLocked(err)
		}
	}

	if q != nil {
		if err := m.cfg.WaterMarks.SetLastQueryTime(ctx, key, uint64(m.cfg.now().UnixNano())); err != nil {
			return m.finishLocked(err)
		}
	}

	m.progress(len(entries))

	advanced := pkt.DataEnd > m.pending.dataEnd || pkt.DeleteEnd > m.pending.deleteEnd
	if pkt.More && advanced {
		if err := m.pullLocked(ctx); err != nil {
			return m.finishLocked(err)
		}

		return false, nil
	}

	return m.finishLocked(nil)
}

func (m *Machine) progress(n int) {
	if n > 0 && m.job.Progress != nil {
		m.job.Progress(uint32(n))
	}
}
