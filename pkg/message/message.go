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

// Package message defines the sync protocol envelope, the per-message-id payload
// transforms, and the frame format handed to communicators.
package message

import (
	"errors"
	"fmt"
	"sync"

	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/parcel"
)

var (
	errUnknownMessageID = errors.New("unknown message id")
	errDuplicateID      = errors.New("message transform already registered")
	errBadMagic         = errors.New("bad frame magic")
	errBadFrameVersion  = errors.New("unsupported frame version")
	errPayloadLength    = errors.New("payload length mismatch")
)

// Type distinguishes requests, responses and one-way notifications.
type Type uint16

const (
	TypeInvalid Type = iota
	TypeRequest
	TypeResponse
	TypeNotify
)

func (t Type) String() string {
	switch t {
	case TypeRequest:
		return "request"
	case TypeResponse:
		return "response"
	case TypeNotify:
		return "notify"
	default:
		return "invalid"
	}
}

// ID selects the payload transform.
type ID uint32

const (
	IDInvalid ID = iota
	IDAbilitySync
	IDDataSync
	IDDataPull
	IDLocalDataChanged
)

func (id ID) String() string {
	switch id {
	case IDAbilitySync:
		return "ability_sync"
	case IDDataSync:
		return "data_sync"
	case IDDataPull:
		return "data_pull"
	case IDLocalDataChanged:
		return "local_data_changed"
	default:
		return fmt.Sprintf("message_%d", uint32(id))
	}
}

// Message is one protocol unit. Payload holds the decoded packet for ID/Type.
type Message struct {
	ID         ID
	Type       Type
	SessionID  uint32
	Sequence   uint32
	ErrorNo    uint32
	SenderUser string
	TargetUser string
	Payload    any
}

// Transform knows how to size, write and read the payload of one message id.
type Transform struct {
	// Encode writes payload to enc. It is run against a parcel.Sizer to compute lengths.
	Encode func(enc parcel.Encoder, msgType Type, payload any) error
	// Decode reads a payload of msgType from r.
	Decode func(r *parcel.Reader, msgType Type) (any, error)
}

//nolint:gochecknoglobals // transforms are registered once per process by the packet packages
var (
	transformsMu sync.RWMutex
	transforms   = make(map[ID]Transform)
)

// RegisterTransform installs the codec for id. Registering an id twice fails.
func RegisterTransform(id ID, t Transform) error {
	transformsMu.Lock()
	defer transformsMu.Unlock()

	if _, ok := transforms[id]; ok {
		return fmt.Errorf("%w: %s", errDuplicateID, id)
	}

	transforms[id] = t

	return nil
}

// MustRegisterTransform is RegisterTransform for package init blocks.
func MustRegisterTransform(id ID, t Transform) {
	if err := RegisterTransform(id, t); err != nil {
		panic(err)
	}
}

func lookup(id ID) (Transform, error) {
	transformsMu.RLock()
	defer transformsMu.RUnlock()

	t, ok := transforms[id]
	if !ok {
		return Transform{}, fmt.Errorf("%w: %w: %s", models.ErrNotSupport, errUnknownMessageID, id)
	}

	return t, nil
}

// IsSupported reports whether a transform is registered for id.
func IsSupported(id ID) bool {
	_, err := lookup(id)

	return err == nil
}

// PayloadLength is the encoded size of the payload alone.
func (m *Message) PayloadLength() (int, error) {
	t, err := lookup(m.ID)
	if err != nil {
		return 0, err
	}

	var s parcel.Sizer
	if err := t.Encode(&s, m.Type, m.Payload); err != nil {
		return 0, err
	}

	return s.Len(), nil
}

// Length is the full frame size. Messages without a transform are rejected
// rather than treated as free.
func (m *Message) Length() (int, error) {
	payloadLen, err := m.PayloadLength()
	if err != nil {
		return 0, err
	}

	return headerLen(m) + payloadLen, nil
}
