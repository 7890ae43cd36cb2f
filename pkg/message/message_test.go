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
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/parcel"
)

func TestLocalDataChangedRoundTrip(t *testing.T) {
	m := NewLocalDataChanged("alice", 1234567)
	m.SessionID = 42
	m.Sequence = 3
	m.TargetUser = "bob"

	frame, err := Encode(m)
	require.NoError(t, err)

	n, err := m.Length()
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)

	got, err := Decode(frame)
	require.NoError(t, err)

	assert.Equal(t, IDLocalDataChanged, got.ID)
	assert.Equal(t, TypeNotify, got.Type)
	assert.Equal(t, uint32(42), got.SessionID)
	assert.Equal(t, uint32(3), got.Sequence)
	assert.Equal(t, "alice", got.SenderUser)
	assert.Equal(t, "bob", got.TargetUser)
	assert.Equal(t, &LocalDataChanged{Timestamp: 1234567}, got.Payload)
}

func TestPayloadStartsEightAligned(t *testing.T) {
	for _, user := range []string{"", "a", "abcde", "abcdefgh"} {
		m := NewLocalDataChanged(user, 1)

		payloadLen, err := m.PayloadLength()
		require.NoError(t, err)
		assert.Equal(t, parcel.Uint64Len, payloadLen)

		n, err := m.Length()
		require.NoError(t, err)
		assert.Zero(t, (n-payloadLen)%8, "user %q", user)
	}
}

func TestUnknownIDNotSupported(t *testing.T) {
	m := &Message{ID: ID(999), Type: TypeRequest}

	_, err := Encode(m)
	require.ErrorIs(t, err, models.ErrNotSupport)

	_, err = m.Length()
	require.ErrorIs(t, err, models.ErrNotSupport)

	assert.False(t, IsSupported(ID(999)))
	assert.True(t, IsSupported(IDLocalDataChanged))
	assert.Equal(t, "message_999", ID(999).String())
}

func TestDecodeRejectsBadFrames(t *testing.T) {
	frame, err := Encode(NewLocalDataChanged("", 9))
	require.NoError(t, err)

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte(nil), frame...)
		binary.LittleEndian.PutUint32(bad, 0xdeadbeef)

		_, err := Decode(bad)
		require.ErrorIs(t, err, models.ErrParseFail)
		require.ErrorIs(t, err, errBadMagic)
	})

	t.Run("bad version", func(t *testing.T) {
		bad := append([]byte(nil), frame...)
		binary.LittleEndian.PutUint16(bad[4:], frameVersion+1)

		_, err := Decode(bad)
		require.ErrorIs(t, err, errBadFrameVersion)
	})

	t.Run("truncated header", func(t *testing.T) {
		_, err := Decode(frame[:10])
		require.ErrorIs(t, err, models.ErrParseFail)
	})

	t.Run("truncated payload", func(t *testing.T) {
		_, err := Decode(frame[:len(frame)-1])
		require.ErrorIs(t, err, errPayloadLength)
	})

	t.Run("unknown id", func(t *testing.T) {
		bad := append([]byte(nil), frame...)
		binary.LittleEndian.PutUint32(bad[8:], 999)

		_, err := Decode(bad)
		require.ErrorIs(t, err, models.ErrNotSupport)
	})
}

func TestRegisterTransformTwice(t *testing.T) {
	err := RegisterTransform(IDLocalDataChanged, Transform{})
	require.ErrorIs(t, err, errDuplicateID)

	assert.Panics(t, func() { MustRegisterTransform(IDLocalDataChanged, Transform{}) })
}

func TestTypeString(t *testing.T) {
	assert.Equal(t, "request", TypeRequest.String())
	assert.Equal(t, "response", TypeResponse.String())
	assert.Equal(t, "notify", TypeNotify.String())
	assert.Equal(t, "invalid", Type(77).String())
	assert.Equal(t, "data_pull", IDDataPull.String())
}
