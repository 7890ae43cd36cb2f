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
	"errors"

	"github.com/carverauto/peersync/pkg/message"
	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/parcel"
)

// Code is the status a data sync response carries.
type Code int32

const (
	CodeOK Code = iota
	CodeNeedAbilitySync
	CodeSchemaMismatch
	CodeDBError
	CodeNotSupport
	CodeInvalidQuery
)

func (c Code) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeNeedAbilitySync:
		return "need_ability_sync"
	case CodeSchemaMismatch:
		return "schema_mismatch"
	case CodeDBError:
		return "db_error"
	case CodeNotSupport:
		return "not_support"
	case CodeInvalidQuery:
		return "invalid_query"
	default:
		return "unknown"
	}
}

// errRemoteDB is what a CodeDBError response surfaces as.
var errRemoteDB = errors.New("peer failed to access its database")

// Err maps a code received from a peer to a local error.
func (c Code) Err() error {
	switch c {
	case CodeOK:
		return nil
	case CodeNeedAbilitySync:
		return models.ErrNeedAbilitySync
	case CodeSchemaMismatch:
		return models.ErrSchemaMismatch
	case CodeDBError:
		return errRemoteDB
	case CodeInvalidQuery:
		return models.ErrInvalidQueryFormat
	default:
		return models.ErrNotSupport
	}
}

func codeOf(err error) Code {
	switch {
	case err == nil:
		return CodeOK
	case errors.Is(err, models.ErrNeedAbilitySync):
		return CodeNeedAbilitySync
	case errors.Is(err, models.ErrSchemaMismatch):
		return CodeSchemaMismatch
	case errors.Is(err, models.ErrInvalidQueryFormat):
		return CodeInvalidQuery
	case errors.Is(err, models.ErrNotSupport):
		return CodeNotSupport
	default:
		return CodeDBError
	}
}

// Pull request flags.
const (
	FlagSubscribe uint32 = 1 << iota
	FlagUnsubscribe
)

// DataPacket carries entries. It is the push request and the pull response.
type DataPacket struct {
	Version uint32
	Code    Code
	// DataEnd and DeleteEnd are the sender's LocalTime cursors after this batch.
	DataEnd   uint64
	DeleteEnd uint64
	// More is set when the sender stopped at the batch limit.
	More    bool
	Query   *models.Query
	Entries []Entry
}

// PushAck answers a push.
type PushAck struct {
	Version   uint32
	Code      Code
	DataEnd   uint64
	DeleteEnd uint64
}

// PullRequest asks the peer for entries above the given cursors.
type PullRequest struct {
	Version     uint32
	Flags       uint32
	Limit       uint32
	Since       uint64
	DeleteSince uint64
	Query       *models.Query
}

// minEntryLen is the smallest encoded entry: table, key and value lengths,
// the timestamp and the deleted flag.
const minEntryLen = 3*parcel.Uint32Len + parcel.Uint64Len + parcel.Uint32Len

const maxEntries = 1 << 20

func writeQuery(enc parcel.Encoder, q *models.Query) {
	enc.WriteBool(q != nil)

	if q == nil {
		return
	}

	enc.WriteString(q.Table)
	enc.WriteString(q.SQL)
	enc.WriteUint32(q.Limit)
}

func readQuery(r *parcel.Reader) *models.Query {
	if !r.ReadBool() {
		return nil
	}

	return &models.Query{Table: r.ReadString(), SQL: r.ReadString(), Limit: r.ReadUint32()}
}

func writeEntry(enc parcel.Encoder, e *Entry) {
	enc.WriteString(e.Table)
	enc.WriteBytes(e.Key)
	enc.WriteBytes(e.Value)
	enc.WriteUint64(e.Timestamp)
	enc.WriteBool(e.Deleted)
}

func readEntry(r *parcel.Reader) Entry {
	return Entry{
		Table:     r.ReadString(),
		Key:       r.ReadBytes(),
		Value:     r.ReadBytes(),
		Timestamp: r.ReadUint64(),
		Deleted:   r.ReadBool(),
	}
}

func (p *DataPacket) encode(enc parcel.Encoder) {
	enc.WriteUint32(p.Version)
	enc.WriteInt32(int32(p.Code))
	enc.Align8()
	enc.WriteUint64(p.DataEnd)
	enc.WriteUint64(p.DeleteEnd)
	enc.WriteBool(p.More)
	writeQuery(enc, p.Query)
	enc.WriteUint32(uint32(len(p.Entries)))

	for i := range p.Entries {
		writeEntry(enc, &p.Entries[i])
	}
}

func readDataPacket(r *parcel.Reader) (*DataPacket, error) {
	p := &DataPacket{
		Version: r.ReadUint32(),
		Code:    Code(r.ReadInt32()),
	}
	r.Align8()
	p.DataEnd = r.ReadUint64()
	p.DeleteEnd = r.ReadUint64()
	p.More = r.ReadBool()
	p.Query = readQuery(r)

	n := int(r.ReadUint32())
	if err := r.Err(); err != nil {
		return nil, err
	}

	if n > maxEntries || n*minEntryLen > r.Remaining() {
		return nil, errTooMany
	}

	p.Entries = make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		p.Entries = append(p.Entries, readEntry(r))
	}

	return p, r.Err()
}

func (p *PushAck) encode(enc parcel.Encoder) {
	enc.WriteUint32(p.Version)
	enc.WriteInt32(int32(p.Code))
	enc.WriteUint64(p.DataEnd)
	enc.WriteUint64(p.DeleteEnd)
}

func readPushAck(r *parcel.Reader) (*PushAck, error) {
	p := &PushAck{
		Version:   r.ReadUint32(),
		Code:      Code(r.ReadInt32()),
		DataEnd:   r.ReadUint64(),
		DeleteEnd: r.ReadUint64(),
	}

	return p, r.Err()
}

func (p *PullRequest) encode(enc parcel.Encoder) {
	enc.WriteUint32(p.Version)
	enc.WriteUint32(p.Flags)
	enc.WriteUint32(p.Limit)
	enc.Align8()
	enc.WriteUint64(p.Since)
	enc.WriteUint64(p.DeleteSince)
	writeQuery(enc, p.Query)
}

func readPullRequest(r *parcel.Reader) (*PullRequest, error) {
	p := &PullRequest{
		Version: r.ReadUint32(),
		Flags:   r.ReadUint32(),
		Limit:   r.ReadUint32(),
	}
	r.Align8()
	p.Since = r.ReadUint64()
	p.DeleteSince = r.ReadUint64()
	p.Query = readQuery(r)

	return p, r.Err()
}

//nolint:gochecknoinits // transform registration
func init() {
	message.MustRegisterTransform(message.IDDataSync, message.Transform{
		Encode: func(enc parcel.Encoder, msgType message.Type, payload any) error {
			switch msgType {
			case message.TypeRequest:
				p, ok := payload.(*DataPacket)
				if !ok || p == nil {
					return errBadPayload
				}

				p.encode(enc)
			case message.TypeResponse:
				p, ok := payload.(*PushAck)
				if !ok || p == nil {
					return errBadPayload
				}

				p.encode(enc)
			default:
				return errWrongPhase
			}

			return nil
		},
		Decode: func(r *parcel.Reader, msgType message.Type) (any, error) {
			switch msgType {
			case message.TypeRequest:
				return readDataPacket(r)
			case message.TypeResponse:
				return readPushAck(r)
			default:
				return nil, errWrongPhase
			}
		},
	})

	message.MustRegisterTransform(message.IDDataPull, message.Transform{
		Encode: func(enc parcel.Encoder, msgType message.Type, payload any) error {
			switch msgType {
			case message.TypeRequest:
				p, ok := payload.(*PullRequest)
				if !ok || p == nil {
					return errBadPayload
				}

				p.encode(enc)
			case message.TypeResponse:
				p, ok := payload.(*DataPacket)
				if !ok || p == nil {
					return errBadPayload
				}

				p.encode(enc)
			default:
				return errWrongPhase
			}

			return nil
		},
		Decode: func(r *parcel.Reader, msgType message.Type) (any, error) {
			switch msgType {
			case message.TypeRequest:
				return readPullRequest(r)
			case message.TypeResponse:
				return readDataPacket(r)
			default:
				return nil, errWrongPhase
			}
		},
	})
}
