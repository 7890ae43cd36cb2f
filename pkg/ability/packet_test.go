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
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/peersync/pkg/message"
	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/parcel"
)

func fullRequest(version uint32) *RequestPacket {
	return &RequestPacket{
		ProtocolVersion: models.AbilityProtocolVersion,
		SendCode:        CodeOK,
		SoftwareVersion: version,
		Schema:          `{"SCHEMA_VERSION":"1.0"}`,
		Security:        SecurityOption{Label: SecLabelS2, Flag: SecFlagSECE},
		SchemaType:      SchemaTypeJSON,
		DBCreateTime:    1700000000,
		Ability:         LocalAbility(),
		SchemaVersion:   42,
	}
}

func fullAck(version uint32) *AckPacket {
	return &AckPacket{
		ProtocolVersion:    models.AbilityProtocolVersion,
		SoftwareVersion:    version,
		AckCode:            CodeOK,
		Schema:             `{"TABLES":[]}`,
		Security:           SecurityOption{Label: SecLabelS1},
		SchemaType:         SchemaTypeRelational,
		PermitSync:         true,
		RequirePeerConvert: true,
		DBCreateTime:       1700000001,
		Ability:            LocalAbility(),
		Relational: RelationalOpinion{
			"t1": {PermitSync: true},
			"t2": {RequirePeerConvert: true, CheckOnReceive: true},
		},
		SchemaVersion: 7,
	}
}

// requestKnownAt zeroes the fields a reader at version v does not know.
func requestKnownAt(p RequestPacket, v uint32) RequestPacket {
	if v < models.SoftwareRelease3 {
		p.Security = SecurityOption{}
		p.SchemaType = SchemaTypeNone
	}

	if v < models.SoftwareRelease4 {
		p.DBCreateTime = 0
	}

	if v < models.SoftwareRelease6 {
		p.Ability = DbAbility{}
	}

	if v < models.SoftwareRelease9 {
		p.SchemaVersion = 0
	}

	return p
}

func ackKnownAt(p AckPacket, v uint32) AckPacket {
	if v < models.SoftwareRelease3 {
		p.Security = SecurityOption{}
		p.SchemaType = SchemaTypeNone
		p.PermitSync = false
		p.RequirePeerConvert = false
	}

	if v < models.SoftwareRelease4 {
		p.DBCreateTime = 0
	}

	if v < models.SoftwareRelease6 {
		p.Ability = DbAbility{}
		p.Relational = nil
	}

	if v < models.SoftwareRelease9 {
		p.SchemaVersion = 0
	}

	return p
}

func TestRequestAdditiveCompatibility(t *testing.T) {
	for writer := models.SoftwareRelease1; writer <= models.SoftwareVersionCurrent; writer++ {
		sent := fullRequest(writer)

		var s parcel.Sizer
		require.NoError(t, encodePayload(&s, message.TypeRequest, sent))

		w := parcel.NewWriter(s.Len())
		require.NoError(t, encodePayload(w, message.TypeRequest, sent))
		require.Equal(t, s.Len(), w.Len())

		for reader := models.SoftwareRelease1; reader <= models.SoftwareVersionCurrent; reader++ {
			t.Run(fmt.Sprintf("w%d_r%d", writer, reader), func(t *testing.T) {
				got, err := decodePayload(parcel.NewReader(w.Bytes()), message.TypeRequest, reader)
				require.NoError(t, err)

				want := requestKnownAt(requestKnownAt(*sent, writer), reader)
				assert.Equal(t, want, *got.(*RequestPacket))
			})
		}
	}
}

func TestAckAdditiveCompatibility(t *testing.T) {
	for writer := models.SoftwareRelease1; writer <= models.SoftwareVersionCurrent; writer++ {
		sent := fullAck(writer)

		w := parcel.NewWriter(0)
		require.NoError(t, encodePayload(w, message.TypeResponse, sent))

		for reader := models.SoftwareRelease1; reader <= models.SoftwareVersionCurrent; reader++ {
			t.Run(fmt.Sprintf("w%d_r%d", writer, reader), func(t *testing.T) {
				got, err := decodePayload(parcel.NewReader(w.Bytes()), message.TypeResponse, reader)
				require.NoError(t, err)

				want := ackKnownAt(ackKnownAt(*sent, writer), reader)
				assert.Equal(t, want, *got.(*AckPacket))
			})
		}
	}
}

func TestNewerSenderTrailingBytesIgnored(t *testing.T) {
	sent := fullRequest(models.SoftwareVersionCurrent + 3)

	w := parcel.NewWriter(0)
	require.NoError(t, encodePayload(w, message.TypeRequest, sent))
	// a field from a future release
	w.WriteUint64(0xdeadbeef)

	got, err := decodePayload(parcel.NewReader(w.Bytes()), message.TypeRequest, models.SoftwareVersionCurrent)
	require.NoError(t, err)
	assert.Equal(t, *sent, *got.(*RequestPacket))
}

func TestLegacyRequestOmitsNewBlocks(t *testing.T) {
	sent := fullRequest(models.SoftwareRelease2)

	raw, err := message.Encode(&message.Message{
		ID:      message.IDAbilitySync,
		Type:    message.TypeRequest,
		Payload: sent,
	})
	require.NoError(t, err)

	msg, err := message.Decode(raw)
	require.NoError(t, err)

	got := msg.Payload.(*RequestPacket)
	assert.Equal(t, sent.Schema, got.Schema)
	assert.Zero(t, got.DBCreateTime)
	assert.Equal(t, DbAbility{}, got.Ability)
	assert.Equal(t, SecurityOption{}, got.Security)

	// block0 only: three u32s and the schema string
	n, err := msg.PayloadLength()
	require.NoError(t, err)
	assert.Equal(t, 12+parcel.StringLen(sent.Schema), n)
}

func TestTruncatedPacketFails(t *testing.T) {
	w := parcel.NewWriter(0)
	require.NoError(t, encodePayload(w, message.TypeResponse, fullAck(models.SoftwareVersionCurrent)))

	_, err := decodePayload(parcel.NewReader(w.Bytes()[:w.Len()-4]), message.TypeResponse, models.SoftwareVersionCurrent)
	require.ErrorIs(t, err, parcel.ErrShortBuffer)
}

func TestEncodeRejectsWrongPayload(t *testing.T) {
	_, err := message.Encode(&message.Message{
		ID:      message.IDAbilitySync,
		Type:    message.TypeRequest,
		Payload: fullAck(models.SoftwareVersionCurrent),
	})
	require.Error(t, err)
}

func TestDbAbilityBits(t *testing.T) {
	var a DbAbility
	assert.False(t, a.Has(BitCompression))

	a.Set(BitCompression, true)
	a.Set(Bit(17), true)
	assert.True(t, a.Has(BitCompression))
	assert.True(t, a.Has(Bit(17)))
	assert.False(t, a.Has(BitRemoteQuery))

	both := a.Intersect(LocalAbility())
	assert.True(t, both.Has(BitCompression))
	assert.False(t, both.Has(Bit(17)))

	a.Set(BitCompression, false)
	assert.False(t, a.Has(BitCompression))
}
