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

// Package ability implements the one-time per-peer handshake that decides
// whether two databases may sync and how their schemas relate.
package ability

import (
	"errors"
	"fmt"

	"github.com/carverauto/peersync/pkg/models"
)

// Code is the status carried in the sendCode/ackCode field of ability packets.
type Code int32

const (
	CodeOK Code = iota
	CodeVersionNotSupported
	CodeSchemaMismatch
	CodeSecurityOptionCheck
	CodeNotSupport
	// CodeLastNotify confirms the handshake in the final notify round.
	CodeLastNotify Code = 100
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeVersionNotSupported:
		return "version_not_supported"
	case CodeSchemaMismatch:
		return "schema_mismatch"
	case CodeSecurityOptionCheck:
		return "security_option_check"
	case CodeNotSupport:
		return "not_support"
	case CodeLastNotify:
		return "last_notify"
	default:
		return fmt.Sprintf("code_%d", int32(c))
	}
}

// Err converts a failure code received from the peer into the local error.
func (c Code) Err() error {
	switch c {
	case CodeOK, CodeLastNotify:
		return nil
	case CodeVersionNotSupported:
		return models.ErrVersionNotSupported
	case CodeSchemaMismatch:
		return models.ErrSchemaMismatch
	case CodeSecurityOptionCheck:
		return models.ErrSecurityOptionCheck
	default:
		return fmt.Errorf("%w: peer answered %s", models.ErrNotSupport, c)
	}
}

// codeOf is the inverse of Err for codes sent to the peer.
func codeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, models.ErrVersionNotSupported):
		return CodeVersionNotSupported
	case errors.Is(err, models.ErrSchemaMismatch):
		return CodeSchemaMismatch
	case errors.Is(err, models.ErrSecurityOptionCheck):
		return CodeSecurityOptionCheck
	default:
		return CodeNotSupport
	}
}

// State of one negotiation.
type State int

const (
	StateUnstarted State = iota
	StateRequestSent
	StateRequestReceived
	StateAckReceived
	StateAckSent
	StateFinished
	StateIncompatible
)

func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateRequestSent:
		return "request_sent"
	case StateRequestReceived:
		return "request_received"
	case StateAckReceived:
		return "ack_received"
	case StateAckSent:
		return "ack_sent"
	case StateFinished:
		return "finished"
	case StateIncompatible:
		return "incompatible"
	default:
		return "unknown"
	}
}

// IsDone reports whether no further packet is expected.
func (s State) IsDone() bool {
	return s == StateFinished || s == StateIncompatible
}

// Role is the side a negotiator plays in one handshake.
type Role int

const (
	RoleInitiator Role = iota
	RoleResponder
)

func (r Role) String() string {
	if r == RoleResponder {
		return "responder"
	}

	return "initiator"
}

var (
	// ErrUnexpectedPacket marks a packet that does not fit the negotiation state.
	ErrUnexpectedPacket = errors.New("unexpected ability packet")
	// ErrStaleSession marks a packet belonging to an earlier handshake.
	ErrStaleSession = errors.New("ability packet from a stale session")

	errBadPayload    = errors.New("ability payload has wrong type")
	errUnknownSchema = errors.New("unrecognized schema type")
	errNoTables      = errors.New("relational schema has no tables")
)
