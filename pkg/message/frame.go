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

package message

import (
	"fmt"

	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/parcel"
)

const (
	frameMagic   uint32 = 0x50535943 // "PSYC"
	frameVersion uint16 = 1

	// magic, version+type, id, session, sequence, errno
	fixedHeaderLen = 6 * parcel.Uint32Len
)

func headerLen(m *Message) int {
	// user strings, then the u32 payload length padded so the payload starts 8-aligned
	n := fixedHeaderLen + parcel.StringLen(m.SenderUser) + parcel.StringLen(m.TargetUser) + parcel.Uint32Len

	return parcel.AlignLen(n, 8)
}

// Encode serializes m into a self-describing frame.
func Encode(m *Message) ([]byte, error) {
	t, err := lookup(m.ID)
	if err != nil {
		return nil, err
	}

	var s parcel.Sizer
	if err := t.Encode(&s, m.Type, m.Payload); err != nil {
		return nil, err
	}

	payloadLen := s.Len()
	w := parcel.NewWriter(headerLen(m) + payloadLen)

	w.WriteUint32(frameMagic)
	w.WriteUint16(frameVersion)
	w.WriteUint16(uint16(m.Type))
	w.WriteUint32(uint32(m.ID))
	w.WriteUint32(m.SessionID)
	w.WriteUint32(m.Sequence)
	w.WriteUint32(m.ErrorNo)
	w.WriteString(m.SenderUser)
	w.WriteString(m.TargetUser)
	w.WriteUint32(uint32(payloadLen))
	w.Align8()

	start := w.Len()
	if err := t.Encode(w, m.Type, m.Payload); err != nil {
		return nil, err
	}

	if got := w.Len() - start; got != payloadLen {
		return nil, fmt.Errorf("%w: %s sized %d, wrote %d", errPayloadLength, m.ID, payloadLen, got)
	}

	return w.Bytes(), nil
}

// Decode parses a frame produced by Encode.
func Decode(b []byte) (*Message, error) {
	r := parcel.NewReader(b)

	if magic := r.ReadUint32(); r.Err() == nil && magic != frameMagic {
		return nil, fmt.Errorf("%w: %w: 0x%x", models.ErrParseFail, errBadMagic, magic)
	}

	if v := r.ReadUint16(); r.Err() == nil && v != frameVersion {
		return nil, fmt.Errorf("%w: %w: %d", models.ErrParseFail, errBadFrameVersion, v)
	}

	m := &Message{
		Type: Type(r.ReadUint16()),
		ID:   ID(r.ReadUint32()),
	}
	m.SessionID = r.ReadUint32()
	m.Sequence = r.ReadUint32()
	m.ErrorNo = r.ReadUint32()
	m.SenderUser = r.ReadString()
	m.TargetUser = r.ReadString()
	payloadLen := r.ReadUint32()
	r.Align8()

	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("%w: frame header: %w", models.ErrParseFail, err)
	}

	if int(payloadLen) > r.Remaining() {
		return nil, fmt.Errorf("%w: %w: declared %d, have %d", models.ErrParseFail, errPayloadLength, payloadLen, r.Remaining())
	}

	t, err := lookup(m.ID)
	if err != nil {
		return nil, err
	}

	start := r.Offset()
	payload := parcel.NewReader(b[start : start+int(payloadLen)])

	m.Payload, err = t.Decode(payload, m.Type)
	if err != nil {
		return nil, fmt.Errorf("%w: %s payload: %w", models.ErrParseFail, m.ID, err)
	}

	return m, nil
}
