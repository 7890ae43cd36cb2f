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

import "github.com/carverauto/peersync/pkg/parcel"

// LocalDataChanged is the payload of IDLocalDataChanged notifications.
type LocalDataChanged struct {
	// Timestamp is the newest local change time the sender knows of.
	Timestamp uint64
}

//nolint:gochecknoinits // transform registration
func init() {
	MustRegisterTransform(IDLocalDataChanged, Transform{
		Encode: func(enc parcel.Encoder, _ Type, payload any) error {
			var ts uint64
			if p, ok := payload.(*LocalDataChanged); ok && p != nil {
				ts = p.Timestamp
			}

			enc.WriteUint64(ts)

			return nil
		},
		Decode: func(r *parcel.Reader, _ Type) (any, error) {
			p := &LocalDataChanged{Timestamp: r.ReadUint64()}

			return p, r.Err()
		},
	})
}

// NewLocalDataChanged builds the notification broadcast when local data changes.
func NewLocalDataChanged(user string, ts uint64) *Message {
	return &Message{
		ID:         IDLocalDataChanged,
		Type:       TypeNotify,
		SenderUser: user,
		Payload:    &LocalDataChanged{Timestamp: ts},
	}
}
