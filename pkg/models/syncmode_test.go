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

package models

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSyncModeRoundTrip(t *testing.T) {
	for m := SyncModePush; m <= SyncModeUnsubscribeQuery; m++ {
		got, err := ParseSyncMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := ParseSyncMode("sideways")
	require.ErrorIs(t, err, ErrInvalidArgs)
}

func TestSyncModeClassification(t *testing.T) {
	manual, ok := SyncModeAutoPush.Manual()
	assert.True(t, ok)
	assert.Equal(t, SyncModePush, manual)

	manual, ok = SyncModeQueryPull.Manual()
	assert.False(t, ok)
	assert.Equal(t, SyncModeQueryPull, manual)

	assert.True(t, SyncModePushPull.Pushes())
	assert.True(t, SyncModePushPull.Pulls())
	assert.False(t, SyncModeResponsePull.Pushes())
	assert.True(t, SyncModeSubscribeQuery.IsQuery())
	assert.True(t, SyncModeUnsubscribeQuery.IsSubscription())
	assert.False(t, SyncModePull.IsQuery())
}

func TestStatusFromError(t *testing.T) {
	tests := []struct {
		err  error
		want OpStatus
	}{
		{nil, OpFinishedAll},
		{ErrTimeout, OpTimeout},
		{&CommError{Device: "d", Code: DBStatusNoNetwork}, OpCommAbnormal},
		{ErrCommunicatorNotFound, OpCommAbnormal},
		{fmt.Errorf("wrapped: %w", ErrSchemaMismatch), OpSchemaIncompatible},
		{ErrSecurityOptionCheck, OpSecurityOptionCheckFailure},
		{ErrPermissionCheck, OpPermissionCheckFailed},
		{ErrVersionNotSupported, OpNotSupport},
		{ErrNotSupport, OpNotSupport},
		{ErrBusy, OpBusyFailure},
		{ErrInvalidQueryFormat, OpQueryFormatFailure},
		{ErrInvalidArgs, OpInvalidArgs},
		{ErrParseFail, OpFailed},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFromError(tt.err), "%v", tt.err)
	}
}

func TestCommErrorCarriesCode(t *testing.T) {
	cause := fmt.Errorf("dial refused")
	err := fmt.Errorf("send: %w", &CommError{Device: "peer", Code: DBStatusNoNetwork, Err: cause})

	assert.ErrorIs(t, err, ErrCommAbnormal)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, DBStatusNoNetwork, CommCodeOf(err))
	assert.Equal(t, DBStatusOK, CommCodeOf(ErrBusy))
	assert.Contains(t, err.Error(), "no_network")
}

func TestDBStatusOf(t *testing.T) {
	assert.Equal(t, DBStatusOK, DBStatusOf(OpFinishedAll))
	assert.Equal(t, DBStatusCommFailure, DBStatusOf(OpCommAbnormal))
	assert.Equal(t, DBStatusDBError, DBStatusOf(OpFailed))
	assert.Equal(t, DBStatusDBError, DBStatusOf(OpSyncing))

	assert.Equal(t, ProcessPrepared, ProcessStatusOf(OpWaiting))
	assert.Equal(t, ProcessProcessing, ProcessStatusOf(OpRecvFinished))
	assert.Equal(t, ProcessFinished, ProcessStatusOf(OpTimeout))

	assert.False(t, OpSendFinished.IsTerminal())
	assert.True(t, OpFinishedAll.IsTerminal())
	assert.True(t, OpTimeout.IsCommFailure())
}

func TestPeerIdentity(t *testing.T) {
	p := NewPeerIdentity("dev-1", DefaultUser)
	assert.True(t, p.IsDefaultUser())
	assert.Equal(t, "dev-1", p.String())

	q := NewPeerIdentity("dev-1", "alice")
	assert.Equal(t, "dev-1/alice", q.String())

	seen := map[PeerIdentity]int{p: 1, q: 2}
	assert.Len(t, seen, 2)
}

func TestQueryIdentify(t *testing.T) {
	a := &Query{Table: "ab", SQL: "c"}
	b := &Query{Table: "a", SQL: "bc"}

	assert.NotEqual(t, a.Identify(), b.Identify())
	assert.Equal(t, a.Identify(), (&Query{Table: "ab", SQL: "c", Limit: 5}).Identify())
	assert.Empty(t, (*Query)(nil).Identify())

	require.NoError(t, (*Query)(nil).Validate())
	require.ErrorIs(t, (&Query{Table: " "}).Validate(), ErrInvalidQueryFormat)
	require.ErrorIs(t, (&Query{Table: "t", SQL: "a\x00b"}).Validate(), ErrInvalidQueryFormat)
}

func TestDurationJSON(t *testing.T) {
	var cfg struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
	}

	require.NoError(t, json.Unmarshal([]byte(`{"a":"1m30s","b":2000000000}`), &cfg))
	assert.Equal(t, Duration(90*time.Second), cfg.A)
	assert.Equal(t, Duration(2*time.Second), cfg.B)

	out, err := json.Marshal(cfg.A)
	require.NoError(t, err)
	assert.JSONEq(t, `"1m30s"`, string(out))

	require.Error(t, json.Unmarshal([]byte(`{"a":true}`), &cfg))
	require.Error(t, json.Unmarshal([]byte(`{"a":"soon"}`), &cfg))
}
