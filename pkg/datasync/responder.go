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

	"github.com/carverauto/peersync/pkg/message"
	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/watermark"
)

// Responder answers pushes and pulls from one peer.
type Responder struct {
	cfg Config
}

func NewResponder(cfg Config) *Responder {
	return &Responder{cfg: cfg}
}

// HandleRequest applies or serves msg and sends the reply. Refusals travel to
// the peer as response codes; the returned error only reports local trouble.
func (r *Responder) HandleRequest(ctx context.Context, msg *message.Message) error {
	var payload any

	switch msg.ID {
	case message.IDDataSync:
		pkt, ok := msg.Payload.(*DataPacket)
		if !ok {
			return errBadPayload
		}

		payload = r.acceptPush(ctx, pkt)
	case message.IDDataPull:
		req, ok := msg.Payload.(*PullRequest)
		if !ok {
			return errBadPayload
		}

		payload = r.servePull(ctx, req)
	default:
		return fmt.Errorf("%w: %s", models.ErrNotSupport, msg.ID)
	}

	return r.cfg.Send(ctx, &message.Message{
		ID:        msg.ID,
		Type:      message.TypeResponse,
		SessionID: msg.SessionID,
		Sequence:  msg.Sequence,
		Payload:   payload,
	})
}

func (r *Responder) admit(ctx context.Context, q *models.Query) error {
	if r.cfg.Gate != nil {
		if err := r.cfg.Gate(ctx); err != nil {
			return err
		}
	}

	if err := q.Validate(); err != nil {
		return err
	}

	if q != nil && !r.cfg.permits(q.Table) {
		return fmt.Errorf("%w: table %s not permitted", models.ErrSchemaMismatch, q.Table)
	}

	return nil
}

func (r *Responder) refuse(err error, what string) Code {
	code := codeOf(err)

	r.cfg.Log.Warn().
		Err(err).
		Str("peer", r.cfg.Peer.String()).
		Str("code", code.String()).
		Msgf("Refusing %s", what)

	return code
}

func (r *Responder) acceptPush(ctx context.Context, pkt *DataPacket) *PushAck {
	ack := &PushAck{Version: models.DataProtocolVersion, DataEnd: pkt.DataEnd, DeleteEnd: pkt.DeleteEnd}

	if err := r.admit(ctx, pkt.Query); err != nil {
		ack.Code = r.refuse(err, "push")

		return ack
	}

	entries := make([]Entry, 0, len(pkt.Entries))

	for _, e := range pkt.Entries {
		if r.cfg.permits(e.Table) && (pkt.Query == nil || e.Table == pkt.Query.Table) {
			entries = append(entries, e)
		}
	}

	if err := r.cfg.Store.Apply(ctx, r.cfg.Peer.Device, entries); err != nil {
		ack.Code = r.refuse(err, "push")

		return ack
	}

	if err := r.advanceRecv(ctx, pkt); err != nil {
		ack.Code = r.refuse(err, "push")

		return ack
	}

	r.cfg.Log.Debug().
		Str("peer", r.cfg.Peer.String()).
		Int("entries", len(entries)).
		Msg("Applied pushed data")

	return ack
}

func (r *Responder) advanceRecv(ctx context.Context, pkt *DataPacket) error {
	key := watermark.QueryKey(r.cfg.Peer.Device, r.cfg.Peer.User, pkt.Query)

	qwm, err := r.cfg.WaterMarks.GetQueryWaterMark(ctx, key)
	if err != nil {
		return err
	}

	if pkt.DataEnd > qwm.RecvWaterMark {
		if err := r.cfg.WaterMarks.SetRecvQueryWaterMark(ctx, key, pkt.DataEnd); err != nil {
			return err
		}
	}

	if pkt.Query != nil {
		return nil
	}

	dwm, err := r.cfg.WaterMarks.GetDeleteWaterMark(ctx, r.cfg.Peer.Device, r.cfg.Peer.User)
	if err != nil {
		return err
	}

	if pkt.DeleteEnd > dwm.RecvWaterMark {
		return r.cfg.WaterMarks.SetRecvDeleteSyncWaterMark(ctx, r.cfg.Peer.Device, r.cfg.Peer.User, pkt.DeleteEnd)
	}

	return nil
}

func (r *Responder) servePull(ctx context.Context, req *PullRequest) *DataPacket {
	out := &DataPacket{
		Version:   models.DataProtocolVersion,
		DataEnd:   req.Since,
		DeleteEnd: req.DeleteSince,
		Query:     req.Query,
	}

	if req.Flags&FlagUnsubscribe != 0 {
		// unsubscribing must work even after the peer lost its permission
		if r.cfg.Subscriptions != nil {
			r.cfg.Subscriptions.Unsubscribe(r.cfg.Peer, req.Query)
		}

		return out
	}

	if err := r.admit(ctx, req.Query); err != nil {
		out.Code = r.refuse(err, "pull")

		return out
	}

	if req.Flags&FlagSubscribe != 0 && req.Query != nil && r.cfg.Subscriptions != nil {
		r.cfg.Subscriptions.Subscribe(r.cfg.Peer, *req.Query)
	}

	limit := r.cfg.batchSize()
	if req.Limit > 0 && int(req.Limit) < limit {
		limit = int(req.Limit)
	}

	b, err := collect(ctx, r.cfg.Store, req.Query, req.Since, req.DeleteSince, limit, r.cfg.permits)
	if err != nil {
		out.Code = r.refuse(err, "pull")

		return out
	}

	out.DataEnd = b.dataEnd
	out.DeleteEnd = b.deleteEnd
	out.More = b.more
	out.Entries = b.entries

	return out
}
