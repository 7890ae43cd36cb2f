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

// Package watermark persists the per-peer send and receive cursors that make
// sync incremental.
package watermark

import (
	"fmt"

	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/parcel"
)

// lastQueryTime is only present in records written by release 6 and later.
const versionWithLastQueryTime = models.SoftwareRelease6

// QueryWaterMark tracks progress of one (device, user, query) stream.
type QueryWaterMark struct {
	Version       uint32
	SendWaterMark uint64
	RecvWaterMark uint64
	LastUsedTime  uint64
	SQL           string
	LastQueryTime uint64
}

// DeleteWaterMark tracks progress of tombstone sync for one (device, user).
type DeleteWaterMark struct {
	Version       uint32
	SendWaterMark uint64
	RecvWaterMark uint64
}

func (w *QueryWaterMark) encode(enc parcel.Encoder) {
	enc.WriteUint32(w.Version)
	enc.Align8()
	enc.WriteUint64(w.SendWaterMark)
	enc.WriteUint64(w.RecvWaterMark)
	enc.WriteUint64(w.LastUsedTime)
	enc.WriteString(w.SQL)

	if w.Version >= versionWithLastQueryTime {
		enc.Align8()
		enc.WriteUint64(w.LastQueryTime)
	}
}

// MarshalBinary returns the persisted form of w.
func (w *QueryWaterMark) MarshalBinary() ([]byte, error) {
	var s parcel.Sizer
	w.encode(&s)

	wr := parcel.NewWriter(s.Len())
	w.encode(wr)

	return wr.Bytes(), nil
}

// UnmarshalBinary parses a record; fields newer than its version stay zero.
func (w *QueryWaterMark) UnmarshalBinary(b []byte) error {
	r := parcel.NewReader(b)

	var out QueryWaterMark

	out.Version = r.ReadUint32()
	r.Align8()
	out.SendWaterMark = r.ReadUint64()
	out.RecvWaterMark = r.ReadUint64()
	out.LastUsedTime = r.ReadUint64()
	out.SQL = r.ReadString()

	if out.Version >= versionWithLastQueryTime {
		r.Align8()
		out.LastQueryTime = r.ReadUint64()
	}

	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: query watermark: %w", models.ErrParseFail, err)
	}

	if out.Version == 0 {
		return fmt.Errorf("%w: query watermark: %w", models.ErrParseFail, errZeroVersion)
	}

	*w = out

	return nil
}

func (w *DeleteWaterMark) encode(enc parcel.Encoder) {
	enc.WriteUint32(w.Version)
	enc.Align8()
	enc.WriteUint64(w.SendWaterMark)
	enc.WriteUint64(w.RecvWaterMark)
}

func (w *DeleteWaterMark) MarshalBinary() ([]byte, error) {
	var s parcel.Sizer
	w.encode(&s)

	wr := parcel.NewWriter(s.Len())
	w.encode(wr)

	return wr.Bytes(), nil
}

func (w *DeleteWaterMark) UnmarshalBinary(b []byte) error {
	r := parcel.NewReader(b)

	var out DeleteWaterMark

	out.Version = r.ReadUint32()
	r.Align8()
	out.SendWaterMark = r.ReadUint64()
	out.RecvWaterMark = r.ReadUint64()

	if err := r.Err(); err != nil {
		return fmt.Errorf("%w: delete watermark: %w", models.ErrParseFail, err)
	}

	if out.Version == 0 {
		return fmt.Errorf("%w: delete watermark: %w", models.ErrParseFail, errZeroVersion)
	}

	*w = out

	return nil
}
