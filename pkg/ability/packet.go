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
	"sort"

	"github.com/carverauto/peersync/pkg/message"
	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/parcel"
)

// RequestPacket opens a negotiation.
type RequestPacket struct {
	ProtocolVersion uint32
	SendCode        Code
	SoftwareVersion uint32
	Schema          string
	Security        SecurityOption
	SchemaType      SchemaType
	DBCreateTime    uint64
	Ability         DbAbility
	SchemaVersion   uint64
}

// AckPacket answers a RequestPacket, and with CodeLastNotify closes the handshake.
type AckPacket struct {
	ProtocolVersion    uint32
	SoftwareVersion    uint32
	AckCode            Code
	Schema             string
	Security           SecurityOption
	SchemaType         SchemaType
	PermitSync         bool
	RequirePeerConvert bool
	DBCreateTime       uint64
	Ability            DbAbility
	Relational         RelationalOpinion
	SchemaVersion      uint64
}

// field is one block of a packet, present on the wire from version since on.
// Blocks are listed in ascending since order and a reader stops at the first
// block the sender's version does not cover.
type field[P any] struct {
	since uint32
	write func(enc parcel.Encoder, p *P)
	read  func(r *parcel.Reader, p *P)
}

//nolint:gochecknoglobals // wire layout
var requestFields = []field[RequestPacket]{
	{
		since: 0,
		write: func(enc parcel.Encoder, p *RequestPacket) {
			enc.WriteUint32(p.ProtocolVersion)
			enc.WriteInt32(int32(p.SendCode))
			enc.WriteUint32(p.SoftwareVersion)
			enc.WriteString(p.Schema)
		},
		read: func(r *parcel.Reader, p *RequestPacket) {
			p.ProtocolVersion = r.ReadUint32()
			p.SendCode = Code(r.ReadInt32())
			p.SoftwareVersion = r.ReadUint32()
			p.Schema = r.ReadString()
		},
	},
	{
		since: models.SoftwareRelease3,
		write: func(enc parcel.Encoder, p *RequestPacket) {
			enc.WriteInt32(p.Security.Label)
			enc.WriteInt32(p.Security.Flag)
			enc.WriteUint32(uint32(p.SchemaType))
		},
		read: func(r *parcel.Reader, p *RequestPacket) {
			p.Security.Label = r.ReadInt32()
			p.Security.Flag = r.ReadInt32()
			p.SchemaType = SchemaType(r.ReadUint32())
		},
	},
	{
		since: models.SoftwareRelease4,
		write: func(enc parcel.Encoder, p *RequestPacket) {
			enc.Align8()
			enc.WriteUint64(p.DBCreateTime)
		},
		read: func(r *parcel.Reader, p *RequestPacket) {
			r.Align8()
			p.DBCreateTime = r.ReadUint64()
		},
	},
	{
		since: models.SoftwareRelease6,
		write: func(enc parcel.Encoder, p *RequestPacket) {
			p.Ability.encode(enc)
		},
		read: func(r *parcel.Reader, p *RequestPacket) {
			p.Ability = decodeAbility(r)
		},
	},
	{
		since: models.SoftwareRelease9,
		write: func(enc parcel.Encoder, p *RequestPacket) {
			enc.Align8()
			enc.WriteUint64(p.SchemaVersion)
		},
		read: func(r *parcel.Reader, p *RequestPacket) {
			r.Align8()
			p.SchemaVersion = r.ReadUint64()
		},
	},
}

//nolint:gochecknoglobals // wire layout
var ackFields = []field[AckPacket]{
	{
		since: 0,
		write: func(enc parcel.Encoder, p *AckPacket) {
			enc.WriteUint32(p.ProtocolVersion)
			enc.WriteUint32(p.SoftwareVersion)
			enc.WriteInt32(int32(p.AckCode))
			enc.WriteString(p.Schema)
		},
		read: func(r *parcel.Reader, p *AckPacket) {
			p.ProtocolVersion = r.ReadUint32()
			p.SoftwareVersion = r.ReadUint32()
			p.AckCode = Code(r.ReadInt32())
			p.Schema = r.ReadString()
		},
	},
	{
		since: models.SoftwareRelease3,
		write: func(enc parcel.Encoder, p *AckPacket) {
			enc.WriteInt32(p.Security.Label)
			enc.WriteInt32(p.Security.Flag)
			enc.WriteUint32(uint32(p.SchemaType))
			enc.WriteBool(p.PermitSync)
			enc.WriteBool(p.RequirePeerConvert)
		},
		read: func(r *parcel.Reader, p *AckPacket) {
			p.Security.Label = r.ReadInt32()
			p.Security.Flag = r.ReadInt32()
			p.SchemaType = SchemaType(r.ReadUint32())
			p.PermitSync = r.ReadBool()
			p.RequirePeerConvert = r.ReadBool()
		},
	},
	{
		since: models.SoftwareRelease4,
		write: func(enc parcel.Encoder, p *AckPacket) {
			enc.Align8()
			enc.WriteUint64(p.DBCreateTime)
		},
		read: func(r *parcel.Reader, p *AckPacket) {
			r.Align8()
			p.DBCreateTime = r.ReadUint64()
		},
	},
	{
		since: models.SoftwareRelease6,
		write: func(enc parcel.Encoder, p *AckPacket) {
			p.Ability.encode(enc)

			if p.SchemaType == SchemaTypeRelational {
				writeRelationalOpinion(enc, p.Relational)
			}
		},
		read: func(r *parcel.Reader, p *AckPacket) {
			p.Ability = decodeAbility(r)

			if p.SchemaType == SchemaTypeRelational {
				p.Relational = readRelationalOpinion(r)
			}
		},
	},
	{
		since: models.SoftwareRelease9,
		write: func(enc parcel.Encoder, p *AckPacket) {
			enc.Align8()
			enc.WriteUint64(p.SchemaVersion)
		},
		read: func(r *parcel.Reader, p *AckPacket) {
			r.Align8()
			p.SchemaVersion = r.ReadUint64()
		},
	},
}

func writeRelationalOpinion(enc parcel.Encoder, op RelationalOpinion) {
	tables := make([]string, 0, len(op))
	for t := range op {
		tables = append(tables, t)
	}

	sort.Strings(tables)

	enc.WriteUint32(uint32(len(tables)))

	for _, t := range tables {
		o := op[t]
		enc.WriteString(t)
		enc.WriteBool(o.PermitSync)
		enc.WriteBool(o.RequirePeerConvert)
		enc.WriteBool(o.CheckOnReceive)
	}
}

// maxRelationalTables bounds the declared table count before allocating.
const maxRelationalTables = 1 << 16

func readRelationalOpinion(r *parcel.Reader) RelationalOpinion {
	n := r.ReadUint32()
	if r.Err() != nil || n > maxRelationalTables {
		return nil
	}

	out := make(RelationalOpinion, n)

	for i := uint32(0); i < n && r.Err() == nil; i++ {
		t := r.ReadString()
		out[t] = SyncOpinion{
			PermitSync:         r.ReadBool(),
			RequirePeerConvert: r.ReadBool(),
			CheckOnReceive:     r.ReadBool(),
		}
	}

	return out
}

// writeFields writes every block covered by version.
func writeFields[P any](enc parcel.Encoder, fields []field[P], p *P, version uint32) {
	for _, f := range fields {
		if f.since > version {
			return
		}

		f.write(enc, p)
	}
}

// readFields reads the first block, which carries the sender's software
// version, then every later block covered by both the sender's version and
// limit. Trailing bytes from newer senders are ignored.
func readFields[P any](r *parcel.Reader, fields []field[P], p *P, declared func(*P) uint32, limit uint32) error {
	fields[0].read(r, p)

	version := min(declared(p), limit)

	for _, f := range fields[1:] {
		if r.Err() != nil || f.since > version {
			break
		}

		f.read(r, p)
	}

	return r.Err()
}

func requestVersion(p *RequestPacket) uint32 { return p.SoftwareVersion }

func ackVersion(p *AckPacket) uint32 { return p.SoftwareVersion }

//nolint:gochecknoinits // transform registration
func init() {
	message.MustRegisterTransform(message.IDAbilitySync, message.Transform{
		Encode: encodePayload,
		Decode: func(r *parcel.Reader, msgType message.Type) (any, error) {
			return decodePayload(r, msgType, models.SoftwareVersionCurrent)
		},
	})
}

func encodePayload(enc parcel.Encoder, msgType message.Type, payload any) error {
	switch msgType {
	case message.TypeRequest:
		p, ok := payload.(*RequestPacket)
		if !ok || p == nil {
			return errBadPayload
		}

		writeFields(enc, requestFields, p, p.SoftwareVersion)
	case message.TypeResponse, message.TypeNotify:
		p, ok := payload.(*AckPacket)
		if !ok || p == nil {
			return errBadPayload
		}

		writeFields(enc, ackFields, p, p.SoftwareVersion)
	default:
		return ErrUnexpectedPacket
	}

	return nil
}

func decodePayload(r *parcel.Reader, msgType message.Type, limit uint32) (any, error) {
	switch msgType {
	case message.TypeRequest:
		p := &RequestPacket{}

		return p, readFields(r, requestFields, p, requestVersion, limit)
	case message.TypeResponse, message.TypeNotify:
		p := &AckPacket{}

		return p, readFields(r, ackFields, p, ackVersion, limit)
	default:
		return nil, ErrUnexpectedPacket
	}
}
