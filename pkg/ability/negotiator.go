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
	"sync"

	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/message"
	"github.com/carverauto/peersync/pkg/models"
)

// LocalInfo describes the local database to a peer.
type LocalInfo struct {
	Schema        string
	SchemaType    SchemaType
	Security      SecurityOption
	DBCreateTime  uint64
	Ability       DbAbility
	SchemaVersion uint64
}

// InfoProvider returns the current local description. It is consulted on every
// handshake so schema changes are picked up.
type InfoProvider interface {
	LocalInfo() LocalInfo
}

// InfoHolder is a concurrency-safe InfoProvider.
type InfoHolder struct {
	mu   sync.RWMutex
	info LocalInfo
}

func NewInfoHolder(info LocalInfo) *InfoHolder {
	return &InfoHolder{info: info}
}

func (h *InfoHolder) LocalInfo() LocalInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.info
}

// SetSchema replaces the local schema and bumps the schema version.
func (h *InfoHolder) SetSchema(typ SchemaType, schema string) LocalInfo {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.info.SchemaType = typ
	h.info.Schema = schema
	h.info.SchemaVersion++

	return h.info
}

// SetSecurity replaces the local security option.
func (h *InfoHolder) SetSecurity(opt SecurityOption) {
	h.mu.Lock()
	h.info.Security = opt
	h.mu.Unlock()
}

// Sender delivers one ability message to the peer.
type Sender func(ctx context.Context, msg *message.Message) error

// Result is what a negotiation learned about the peer.
type Result struct {
	RemoteProtocolVersion uint32
	RemoteSoftwareVersion uint32
	RemoteSecurity        SecurityOption
	RemoteSchemaType      SchemaType
	RemoteDBCreateTime    uint64
	RemoteAbility         DbAbility
	RemoteSchemaVersion   uint64

	// Security is the option the pair runs at.
	Security SecurityOption
	Strategy Strategy
	// Tables is set for relational stores and replaces Strategy.
	Tables map[string]Strategy
}

// Permits reports whether data of table may be exchanged.
func (r *Result) Permits(table string) bool {
	if r.Tables == nil {
		return r.Strategy.PermitSync
	}

	return r.Tables[table].PermitSync
}

// Negotiator runs the handshake with one peer. A negotiator is reused across
// handshakes; Start and an inbound request both begin a new one.
type Negotiator struct {
	id    models.PeerIdentity
	info  InfoProvider
	marks *MarkStore
	send  Sender
	log   logger.Logger

	mu        sync.Mutex
	role      Role
	state     State
	sessionID uint32
	result    Result
	err       error
}

func NewNegotiator(id models.PeerIdentity, info InfoProvider, marks *MarkStore, send Sender, log logger.Logger) *Negotiator {
	return &Negotiator{
		id:    id,
		info:  info,
		marks: marks,
		send:  send,
		log:   log,
	}
}

func (n *Negotiator) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.state
}

func (n *Negotiator) Role() Role {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.role
}

// Result returns what the last handshake learned. It is complete only once
// State is StateFinished.
func (n *Negotiator) Result() Result {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.result
}

// Err is the failure that ended the last handshake, if any.
func (n *Negotiator) Err() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.err
}

// Reset forgets the last handshake.
func (n *Negotiator) Reset() {
	n.mu.Lock()
	n.state = StateUnstarted
	n.result = Result{}
	n.err = nil
	n.mu.Unlock()
}

// IsFinished reports whether the peer completed a handshake against the
// current local schema, in this process or an earlier one.
func (n *Negotiator) IsFinished(ctx context.Context) (bool, error) {
	return n.marks.IsFinished(ctx, n.id, n.info.LocalInfo().SchemaVersion)
}

// Start sends a request as initiator of a new handshake.
func (n *Negotiator) Start(ctx context.Context, sessionID uint32) error {
	info := n.info.LocalInfo()

	n.mu.Lock()
	n.role = RoleInitiator
	n.state = StateRequestSent
	n.sessionID = sessionID
	n.result = Result{}
	n.err = nil
	n.mu.Unlock()

	req := &RequestPacket{
		ProtocolVersion: models.AbilityProtocolVersion,
		SendCode:        CodeOK,
		SoftwareVersion: models.SoftwareVersionCurrent,
		Schema:          info.Schema,
		Security:        info.Security,
		SchemaType:      info.SchemaType,
		DBCreateTime:    info.DBCreateTime,
		Ability:         info.Ability,
		SchemaVersion:   info.SchemaVersion,
	}

	n.log.Debug().
		Str("device", n.id.Device).
		Str("user", n.id.User).
		Uint32("session", sessionID).
		Msg("Sending ability request")

	err := n.send(ctx, &message.Message{
		ID:        message.IDAbilitySync,
		Type:      message.TypeRequest,
		SessionID: sessionID,
		Payload:   req,
	})
	if err != nil {
		n.abort(err)

		return err
	}

	return nil
}

// HandleMessage consumes one inbound ability message. done is true when the
// handshake reached a terminal state; err carries the reason when it failed.
func (n *Negotiator) HandleMessage(ctx context.Context, msg *message.Message) (done bool, err error) {
	switch msg.Type {
	case message.TypeRequest:
		return n.handleRequest(ctx, msg)
	case message.TypeResponse:
		return n.handleAck(ctx, msg)
	case message.TypeNotify:
		return n.handleNotify(ctx, msg)
	default:
		return false, fmt.Errorf("%w: type %s", ErrUnexpectedPacket, msg.Type)
	}
}

func (n *Negotiator) handleRequest(ctx context.Context, msg *message.Message) (bool, error) {
	req, ok := msg.Payload.(*RequestPacket)
	if !ok || req == nil {
		return false, fmt.Errorf("%w: %w", models.ErrParseFail, errBadPayload)
	}

	info := n.info.LocalInfo()

	n.mu.Lock()
	n.role = RoleResponder
	n.state = StateRequestReceived
	n.sessionID = msg.SessionID
	n.err = nil
	n.result = Result{
		RemoteProtocolVersion: req.ProtocolVersion,
		RemoteSoftwareVersion: req.SoftwareVersion,
		RemoteSecurity:        req.Security,
		RemoteSchemaType:      req.SchemaType,
		RemoteDBCreateTime:    req.DBCreateTime,
		RemoteAbility:         req.Ability,
		RemoteSchemaVersion:   req.SchemaVersion,
	}

	ack, legacy, negErr := n.respondLocked(info, req)
	if negErr != nil {
		n.state = StateIncompatible
		n.err = negErr
	} else if legacy {
		n.state = StateFinished
	} else {
		n.state = StateAckSent
	}

	state := n.state
	n.mu.Unlock()

	sendErr := n.send(ctx, &message.Message{
		ID:        message.IDAbilitySync,
		Type:      message.TypeResponse,
		SessionID: msg.SessionID,
		Sequence:  msg.Sequence,
		Payload:   ack,
	})

	switch {
	case negErr != nil:
		n.log.Warn().Err(negErr).
			Str("device", n.id.Device).
			Uint32("remote_version", req.SoftwareVersion).
			Msg("Rejected ability request")

		return true, negErr
	case sendErr != nil:
		n.abort(sendErr)

		return true, sendErr
	case state == StateFinished:
		n.persistMark(ctx, info.SchemaVersion)

		return true, nil
	default:
		return false, nil
	}
}

// respondLocked builds the ack for req. legacy is true when the peer predates
// the notify round.
func (n *Negotiator) respondLocked(info LocalInfo, req *RequestPacket) (*AckPacket, bool, error) {
	ack := &AckPacket{
		ProtocolVersion: models.AbilityProtocolVersion,
		SoftwareVersion: models.SoftwareVersionCurrent,
		Schema:          info.Schema,
		Security:        info.Security,
		SchemaType:      info.SchemaType,
		DBCreateTime:    info.DBCreateTime,
		Ability:         info.Ability,
		SchemaVersion:   info.SchemaVersion,
	}

	// a requester reporting its own failure is never answered with OK
	if req.SendCode != CodeOK {
		err := req.SendCode.Err()
		if err == nil {
			err = fmt.Errorf("%w: request carried %s", models.ErrNotSupport, req.SendCode)
		}

		ack.AckCode = codeOf(err)

		return ack, false, err
	}

	if req.ProtocolVersion > models.AbilityProtocolVersion {
		err := fmt.Errorf("%w: ability protocol %d", models.ErrVersionNotSupported, req.ProtocolVersion)
		ack.AckCode = codeOf(err)

		return ack, false, err
	}

	if req.SoftwareVersion < models.SoftwareRelease3 {
		err := n.legacyLocked(info, req.Schema)
		ack.AckCode = codeOf(err)

		return ack, true, err
	}

	ev, err := evaluate(info, req.Schema, req.SchemaType, req.Security)
	if err != nil {
		ack.AckCode = codeOf(err)

		return ack, false, err
	}

	ack.PermitSync = ev.local.PermitSync
	ack.RequirePeerConvert = ev.local.RequirePeerConvert
	ack.Relational = ev.localRel

	// the peer runs the same deterministic comparison from its side
	mirrored := MakeLocalOpinion(ev.remoteSchema, ev.localSchema)

	var mirroredRel RelationalOpinion
	if ev.localRel != nil {
		mirroredRel = MakeRelationalOpinion(ev.remoteSchema, ev.localSchema)
	}

	if err := n.applyStrategyLocked(ev, mirrored, mirroredRel); err != nil {
		// the ack still carries our opinion so the peer reaches the same verdict
		return ack, false, err
	}

	return ack, false, nil
}

func (n *Negotiator) handleAck(ctx context.Context, msg *message.Message) (bool, error) {
	ack, ok := msg.Payload.(*AckPacket)
	if !ok || ack == nil {
		return false, fmt.Errorf("%w: %w", models.ErrParseFail, errBadPayload)
	}

	info := n.info.LocalInfo()

	n.mu.Lock()

	if n.role != RoleInitiator || n.state != StateRequestSent {
		state := n.state
		n.mu.Unlock()

		return false, fmt.Errorf("%w: ack in state %s", ErrUnexpectedPacket, state)
	}

	if msg.SessionID != n.sessionID {
		n.mu.Unlock()

		return false, fmt.Errorf("%w: session %d", ErrStaleSession, msg.SessionID)
	}

	n.state = StateAckReceived
	n.result = Result{
		RemoteProtocolVersion: ack.ProtocolVersion,
		RemoteSoftwareVersion: ack.SoftwareVersion,
		RemoteSecurity:        ack.Security,
		RemoteSchemaType:      ack.SchemaType,
		RemoteDBCreateTime:    ack.DBCreateTime,
		RemoteAbility:         ack.Ability,
		RemoteSchemaVersion:   ack.SchemaVersion,
	}

	negErr := ack.AckCode.Err()
	peerRejected := negErr != nil

	if !peerRejected {
		if ack.SoftwareVersion < models.SoftwareRelease3 {
			negErr = n.legacyLocked(info, ack.Schema)
		} else {
			negErr = n.evaluateAckLocked(info, ack)
		}
	}

	notify := ack.SoftwareVersion >= models.SoftwareRelease3 && !peerRejected

	if negErr != nil {
		n.state = StateIncompatible
		n.err = negErr
	} else {
		n.state = StateFinished
	}

	sessionID := n.sessionID
	n.mu.Unlock()

	if notify {
		code := CodeLastNotify
		if negErr != nil {
			code = codeOf(negErr)
		}

		err := n.send(ctx, &message.Message{
			ID:        message.IDAbilitySync,
			Type:      message.TypeNotify,
			SessionID: sessionID,
			Sequence:  msg.Sequence + 1,
			Payload: &AckPacket{
				ProtocolVersion: models.AbilityProtocolVersion,
				SoftwareVersion: models.SoftwareVersionCurrent,
				AckCode:         code,
				SchemaType:      info.SchemaType,
				SchemaVersion:   info.SchemaVersion,
			},
		})
		if err != nil && negErr == nil {
			n.abort(err)

			return true, err
		}
	}

	if negErr != nil {
		n.log.Warn().Err(negErr).
			Str("device", n.id.Device).
			Uint32("remote_version", ack.SoftwareVersion).
			Msg("Ability negotiation failed")

		return true, negErr
	}

	n.persistMark(ctx, info.SchemaVersion)

	return true, nil
}

func (n *Negotiator) evaluateAckLocked(info LocalInfo, ack *AckPacket) error {
	ev, err := evaluate(info, ack.Schema, ack.SchemaType, ack.Security)
	if err != nil {
		return err
	}

	remote := SyncOpinion{PermitSync: ack.PermitSync, RequirePeerConvert: ack.RequirePeerConvert}

	return n.applyStrategyLocked(ev, remote, ack.Relational)
}

func (n *Negotiator) handleNotify(ctx context.Context, msg *message.Message) (bool, error) {
	ack, ok := msg.Payload.(*AckPacket)
	if !ok || ack == nil {
		return false, fmt.Errorf("%w: %w", models.ErrParseFail, errBadPayload)
	}

	n.mu.Lock()

	if n.role != RoleResponder || n.state != StateAckSent {
		state := n.state
		n.mu.Unlock()

		return false, fmt.Errorf("%w: notify in state %s", ErrUnexpectedPacket, state)
	}

	if msg.SessionID != n.sessionID {
		n.mu.Unlock()

		return false, fmt.Errorf("%w: session %d", ErrStaleSession, msg.SessionID)
	}

	if ack.AckCode != CodeLastNotify {
		err := ack.AckCode.Err()
		if err == nil {
			err = fmt.Errorf("%w: notify carried %s", models.ErrNotSupport, ack.AckCode)
		}

		n.state = StateIncompatible
		n.err = err
		n.mu.Unlock()

		return true, err
	}

	n.state = StateFinished
	n.mu.Unlock()

	n.persistMark(ctx, n.info.LocalInfo().SchemaVersion)

	return true, nil
}

// legacyLocked handles peers older than release 3, which only compare schema strings.
func (n *Negotiator) legacyLocked(info LocalInfo, remoteSchema string) error {
	if info.Schema != remoteSchema {
		return fmt.Errorf("%w: legacy peer schema differs", models.ErrSchemaMismatch)
	}

	n.result.Security = info.Security
	n.result.Strategy = Strategy{PermitSync: true}

	return nil
}

func (n *Negotiator) applyStrategyLocked(ev evaluation, remote SyncOpinion, remoteRel RelationalOpinion) error {
	n.result.Security = ev.security

	if ev.localRel != nil {
		n.result.Tables = CombineRelational(ev.localRel, remoteRel)
		n.result.Strategy = Strategy{PermitSync: true}

		return nil
	}

	n.result.Strategy = Combine(ev.local, remote)
	if !n.result.Strategy.PermitSync {
		return fmt.Errorf("%w: %s schema not accepted by both sides", models.ErrSchemaMismatch, ev.localSchema.Type)
	}

	return nil
}

func (n *Negotiator) abort(err error) {
	n.mu.Lock()
	n.state = StateUnstarted
	n.err = err
	n.mu.Unlock()
}

func (n *Negotiator) persistMark(ctx context.Context, schemaVersion uint64) {
	if err := n.marks.SetFinished(ctx, n.id, schemaVersion); err != nil {
		// the pair still syncs this session; the next restart renegotiates
		n.log.Warn().Err(err).Str("device", n.id.Device).Msg("Failed to persist ability mark")

		return
	}

	n.log.Info().
		Str("device", n.id.Device).
		Str("user", n.id.User).
		Msg("Ability negotiation finished")
}

type evaluation struct {
	security     SecurityOption
	local        SyncOpinion
	localRel     RelationalOpinion
	localSchema  *Schema
	remoteSchema *Schema
}

func evaluate(info LocalInfo, remoteSchema string, remoteType SchemaType, remoteSec SecurityOption) (evaluation, error) {
	var ev evaluation

	sec, err := CheckSecurity(info.Security, remoteSec)
	if err != nil {
		return ev, err
	}

	ev.security = sec

	ev.localSchema, err = ParseSchema(info.SchemaType, info.Schema)
	if err != nil {
		return ev, fmt.Errorf("local schema: %w", err)
	}

	ev.remoteSchema, err = ParseSchema(remoteType, remoteSchema)
	if err != nil {
		return ev, fmt.Errorf("%w: remote schema: %w", models.ErrSchemaMismatch, err)
	}

	localRelational := ev.localSchema.Type == SchemaTypeRelational
	if localRelational != (ev.remoteSchema.Type == SchemaTypeRelational) {
		return ev, fmt.Errorf("%w: %s against %s", models.ErrSchemaMismatch, ev.localSchema.Type, ev.remoteSchema.Type)
	}

	if localRelational {
		ev.localRel = MakeRelationalOpinion(ev.localSchema, ev.remoteSchema)
		ev.local = SyncOpinion{PermitSync: true}

		return ev, nil
	}

	ev.local = MakeLocalOpinion(ev.localSchema, ev.remoteSchema)

	return ev, nil
}
