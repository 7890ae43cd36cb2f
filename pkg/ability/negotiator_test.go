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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/message"
	"github.com/carverauto/peersync/pkg/metastore"
	"github.com/carverauto/peersync/pkg/models"
)

type testPeer struct {
	neg   *Negotiator
	info  *InfoHolder
	marks *MarkStore
	out   []*message.Message
	fail  error
}

func newTestPeer(t *testing.T, remoteDevice string, info LocalInfo) *testPeer {
	t.Helper()

	p := &testPeer{
		info:  NewInfoHolder(info),
		marks: NewMarkStore(metastore.NewMemoryStore()),
	}

	send := func(_ context.Context, msg *message.Message) error {
		if p.fail != nil {
			return p.fail
		}

		p.out = append(p.out, msg)

		return nil
	}

	p.neg = NewNegotiator(models.NewPeerIdentity(remoteDevice, models.DefaultUser), p.info, p.marks, send, logger.NewTestLogger())

	return p
}

// next returns the oldest sent message after a trip through the frame codec.
func (p *testPeer) next(t *testing.T) *message.Message {
	t.Helper()
	require.NotEmpty(t, p.out, "no message sent")

	m := p.out[0]
	p.out = p.out[1:]

	raw, err := message.Encode(m)
	require.NoError(t, err)

	got, err := message.Decode(raw)
	require.NoError(t, err)

	return got
}

func kvInfo() LocalInfo {
	return LocalInfo{
		SchemaType:    SchemaTypeNone,
		DBCreateTime:  100,
		Ability:       LocalAbility(),
		SchemaVersion: 1,
	}
}

// handshake runs a full exchange and returns the errors each side ended with.
func handshake(t *testing.T, a, b *testPeer) (errA, errB error) {
	t.Helper()

	ctx := context.Background()

	require.NoError(t, a.neg.Start(ctx, 1))

	done, errB := b.neg.HandleMessage(ctx, a.next(t))
	if done {
		_, errA = a.neg.HandleMessage(ctx, b.next(t))

		return errA, errB
	}

	doneA, errA := a.neg.HandleMessage(ctx, b.next(t))
	require.True(t, doneA)

	if len(a.out) > 0 {
		_, errB = b.neg.HandleMessage(ctx, a.next(t))
	}

	return errA, errB
}

func TestNegotiationKVSuccess(t *testing.T) {
	a := newTestPeer(t, "B", kvInfo())
	b := newTestPeer(t, "A", kvInfo())

	errA, errB := handshake(t, a, b)
	require.NoError(t, errA)
	require.NoError(t, errB)

	assert.Equal(t, StateFinished, a.neg.State())
	assert.Equal(t, StateFinished, b.neg.State())
	assert.Equal(t, RoleInitiator, a.neg.Role())
	assert.Equal(t, RoleResponder, b.neg.Role())

	ra := a.neg.Result()
	assert.True(t, ra.Permits(""))
	assert.Equal(t, models.SoftwareVersionCurrent, ra.RemoteSoftwareVersion)
	assert.Equal(t, uint64(100), ra.RemoteDBCreateTime)
	assert.True(t, ra.RemoteAbility.Has(BitSubscribeQuery))

	ctx := context.Background()

	finished, err := a.neg.IsFinished(ctx)
	require.NoError(t, err)
	assert.True(t, finished)

	finished, err = b.neg.IsFinished(ctx)
	require.NoError(t, err)
	assert.True(t, finished)

	// a schema change invalidates the persisted mark
	a.info.SetSchema(SchemaTypeNone, "")

	finished, err = a.neg.IsFinished(ctx)
	require.NoError(t, err)
	assert.False(t, finished)
}

func TestNegotiationLegacyRequest(t *testing.T) {
	ctx := context.Background()
	b := newTestPeer(t, "X", LocalInfo{Schema: "legacy-schema", Security: SecurityOption{Label: SecLabelS3}})

	// a release 2 peer carries no security or capability fields at all
	req := &message.Message{
		ID:        message.IDAbilitySync,
		Type:      message.TypeRequest,
		SessionID: 9,
		Payload: &RequestPacket{
			ProtocolVersion: models.AbilityProtocolVersion,
			SoftwareVersion: models.SoftwareRelease2,
			Schema:          "legacy-schema",
			DBCreateTime:    555,
		},
	}

	raw, err := message.Encode(req)
	require.NoError(t, err)

	decoded, err := message.Decode(raw)
	require.NoError(t, err)

	done, err := b.neg.HandleMessage(ctx, decoded)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, StateFinished, b.neg.State())
	assert.Zero(t, b.neg.Result().RemoteDBCreateTime)

	ack := b.next(t)
	assert.Equal(t, message.TypeResponse, ack.Type)
	assert.Equal(t, uint32(9), ack.SessionID)
	assert.Equal(t, CodeOK, ack.Payload.(*AckPacket).AckCode)

	// and a mismatching legacy schema is refused
	decoded.Payload.(*RequestPacket).Schema = "other"

	done, err = b.neg.HandleMessage(ctx, decoded)
	require.ErrorIs(t, err, models.ErrSchemaMismatch)
	assert.True(t, done)
	assert.Equal(t, CodeSchemaMismatch, b.next(t).Payload.(*AckPacket).AckCode)
}

func TestNegotiationLegacyAck(t *testing.T) {
	ctx := context.Background()
	a := newTestPeer(t, "X", LocalInfo{Schema: "s"})

	require.NoError(t, a.neg.Start(ctx, 3))
	a.next(t)

	done, err := a.neg.HandleMessage(ctx, &message.Message{
		ID:        message.IDAbilitySync,
		Type:      message.TypeResponse,
		SessionID: 3,
		Payload:   &AckPacket{SoftwareVersion: models.SoftwareRelease2, Schema: "s"},
	})
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, StateFinished, a.neg.State())
	// no notify round for legacy peers
	assert.Empty(t, a.out)
}

func TestNegotiationSecurityMismatch(t *testing.T) {
	ia := kvInfo()
	ia.Security = SecurityOption{Label: SecLabelS2}
	ib := kvInfo()
	ib.Security = SecurityOption{Label: SecLabelS3}

	a := newTestPeer(t, "B", ia)
	b := newTestPeer(t, "A", ib)

	errA, errB := handshake(t, a, b)
	require.ErrorIs(t, errA, models.ErrSecurityOptionCheck)
	require.ErrorIs(t, errB, models.ErrSecurityOptionCheck)
	assert.Equal(t, StateIncompatible, a.neg.State())
	assert.Equal(t, StateIncompatible, b.neg.State())

	finished, err := a.neg.IsFinished(context.Background())
	require.NoError(t, err)
	assert.False(t, finished)
}

func TestNegotiationLowLabelsCoerce(t *testing.T) {
	ia := kvInfo()
	ia.Security = SecurityOption{Label: SecLabelS0}
	ib := kvInfo()
	ib.Security = SecurityOption{Label: SecLabelS1}

	a := newTestPeer(t, "B", ia)
	b := newTestPeer(t, "A", ib)

	errA, errB := handshake(t, a, b)
	require.NoError(t, errA)
	require.NoError(t, errB)

	assert.Equal(t, SecLabelS1, a.neg.Result().Security.Label)
	assert.Equal(t, SecLabelS1, b.neg.Result().Security.Label)
}

func TestNegotiationVersionNotSupported(t *testing.T) {
	ctx := context.Background()
	b := newTestPeer(t, "A", kvInfo())

	done, err := b.neg.HandleMessage(ctx, &message.Message{
		ID:   message.IDAbilitySync,
		Type: message.TypeRequest,
		Payload: &RequestPacket{
			ProtocolVersion: models.AbilityProtocolVersion + 1,
			SoftwareVersion: models.SoftwareVersionCurrent,
		},
	})
	require.ErrorIs(t, err, models.ErrVersionNotSupported)
	assert.True(t, done)

	ack := b.next(t)
	assert.Equal(t, CodeVersionNotSupported, ack.Payload.(*AckPacket).AckCode)

	a := newTestPeer(t, "B", kvInfo())
	require.NoError(t, a.neg.Start(ctx, ack.SessionID))
	a.next(t)

	done, err = a.neg.HandleMessage(ctx, ack)
	require.ErrorIs(t, err, models.ErrVersionNotSupported)
	assert.True(t, done)
	assert.Equal(t, StateIncompatible, a.neg.State())
	// the peer already gave up, so nothing more is sent
	assert.Empty(t, a.out)
}

func TestNegotiationRequestCarryingFailureCode(t *testing.T) {
	cases := []struct {
		name string
		code Code
		want error
		ack  Code
	}{
		{"version not supported", CodeVersionNotSupported, models.ErrVersionNotSupported, CodeVersionNotSupported},
		{"schema mismatch", CodeSchemaMismatch, models.ErrSchemaMismatch, CodeSchemaMismatch},
		{"last notify", CodeLastNotify, models.ErrNotSupport, CodeNotSupport},
		{"unknown", Code(42), models.ErrNotSupport, CodeNotSupport},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestPeer(t, "A", kvInfo())

			done, err := b.neg.HandleMessage(context.Background(), &message.Message{
				ID:   message.IDAbilitySync,
				Type: message.TypeRequest,
				Payload: &RequestPacket{
					ProtocolVersion: models.AbilityProtocolVersion,
					SoftwareVersion: models.SoftwareVersionCurrent,
					SendCode:        tc.code,
				},
			})
			require.ErrorIs(t, err, tc.want)
			assert.True(t, done)
			assert.Equal(t, StateIncompatible, b.neg.State())

			ack := b.next(t)
			assert.Equal(t, tc.ack, ack.Payload.(*AckPacket).AckCode)
		})
	}
}

func TestNegotiationJSONSchemas(t *testing.T) {
	ia := kvInfo()
	ia.SchemaType = SchemaTypeJSON
	ia.Schema = jsonSchemaV1
	ib := ia
	ib.Schema = jsonSchemaV2

	a := newTestPeer(t, "B", ia)
	b := newTestPeer(t, "A", ib)

	errA, errB := handshake(t, a, b)
	require.NoError(t, errA)
	require.NoError(t, errB)

	assert.Equal(t, Strategy{PermitSync: true, ConvertOnReceive: true}, a.neg.Result().Strategy)
	assert.Equal(t, Strategy{PermitSync: true, ConvertOnSend: true, CheckOnReceive: true}, b.neg.Result().Strategy)

	// strict and compatible never meet
	ic := ia
	ic.Schema = jsonSchemaStrict

	a = newTestPeer(t, "B", ia)
	c := newTestPeer(t, "A", ic)

	errA, errC := handshake(t, a, c)
	require.ErrorIs(t, errA, models.ErrSchemaMismatch)
	require.ErrorIs(t, errC, models.ErrSchemaMismatch)
}

func TestNegotiationRelationalPerTable(t *testing.T) {
	ia := kvInfo()
	ia.SchemaType = SchemaTypeRelational
	ia.Schema = relA
	ib := ia
	ib.Schema = relB

	a := newTestPeer(t, "B", ia)
	b := newTestPeer(t, "A", ib)

	errA, errB := handshake(t, a, b)
	require.NoError(t, errA)
	require.NoError(t, errB)

	ra := a.neg.Result()
	assert.True(t, ra.Permits("t1"))
	assert.False(t, ra.Permits("t2"))
	assert.False(t, ra.Permits("t3"))

	rb := b.neg.Result()
	assert.True(t, rb.Permits("t1"))
	assert.False(t, rb.Permits("t3"))

	// kv against relational is refused outright
	k := newTestPeer(t, "A", kvInfo())
	a = newTestPeer(t, "K", ia)

	errA, errK := handshake(t, a, k)
	require.ErrorIs(t, errA, models.ErrSchemaMismatch)
	require.ErrorIs(t, errK, models.ErrSchemaMismatch)
}

func TestStaleAndUnexpectedPackets(t *testing.T) {
	ctx := context.Background()
	a := newTestPeer(t, "B", kvInfo())
	b := newTestPeer(t, "A", kvInfo())

	_, err := a.neg.HandleMessage(ctx, &message.Message{Type: message.TypeResponse, Payload: &AckPacket{}})
	require.ErrorIs(t, err, ErrUnexpectedPacket)

	require.NoError(t, a.neg.Start(ctx, 5))

	_, err = b.neg.HandleMessage(ctx, a.next(t))
	require.NoError(t, err)

	ack := b.next(t)
	ack.SessionID = 4

	done, err := a.neg.HandleMessage(ctx, ack)
	require.ErrorIs(t, err, ErrStaleSession)
	assert.False(t, done)
	assert.Equal(t, StateRequestSent, a.neg.State())

	_, err = b.neg.HandleMessage(ctx, &message.Message{Type: message.TypeNotify, SessionID: 1, Payload: &AckPacket{AckCode: CodeLastNotify}})
	require.ErrorIs(t, err, ErrStaleSession)
}

func TestStartSendFailureLeavesUnstarted(t *testing.T) {
	a := newTestPeer(t, "B", kvInfo())
	a.fail = errors.New("link down")

	err := a.neg.Start(context.Background(), 1)
	require.Error(t, err)
	assert.Equal(t, StateUnstarted, a.neg.State())
	assert.ErrorIs(t, a.neg.Err(), a.fail)

	a.neg.Reset()
	assert.NoError(t, a.neg.Err())
}

func TestMarkStoreClearAll(t *testing.T) {
	ctx := context.Background()
	meta := metastore.NewMemoryStore()
	m := NewMarkStore(meta)

	require.NoError(t, m.SetFinished(ctx, models.NewPeerIdentity("a", ""), 1))
	require.NoError(t, m.SetFinished(ctx, models.NewPeerIdentity("b", "u"), 1))
	require.NoError(t, meta.PutMetaData(ctx, "unrelated", []byte("x")))

	n, err := m.ClearAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, meta.Len())

	require.NoError(t, m.SetFinished(ctx, models.NewPeerIdentity("a", ""), 1))
	require.NoError(t, m.Clear(ctx, models.NewPeerIdentity("a", "")))

	ok, err := m.IsFinished(ctx, models.NewPeerIdentity("a", ""), 1)
	require.NoError(t, err)
	assert.False(t, ok)
}
