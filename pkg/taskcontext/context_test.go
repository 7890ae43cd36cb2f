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

package taskcontext

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/peersync/pkg/ability"
	"github.com/carverauto/peersync/pkg/communicator"
	"github.com/carverauto/peersync/pkg/datasync"
	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/message"
	"github.com/carverauto/peersync/pkg/metastore"
	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/operation"
	"github.com/carverauto/peersync/pkg/runtime"
	"github.com/carverauto/peersync/pkg/watermark"
)

type peer struct {
	device string
	comm   *communicator.MemoryCommunicator
	store  *datasync.MemoryDataStore
	info   *ability.InfoHolder
	meta   *metastore.MemoryStore
	rt     *runtime.Pool
	reg    *Registry
}

func kv() ability.LocalInfo {
	return ability.LocalInfo{
		SchemaType:    ability.SchemaTypeNone,
		DBCreateTime:  1,
		Ability:       ability.LocalAbility(),
		SchemaVersion: 1,
	}
}

func newPeer(t *testing.T, net *communicator.MemoryNetwork, device string, info ability.LocalInfo) *peer {
	t.Helper()

	c, err := net.Aggregator(device).AllocCommunicator(communicator.DefaultLabel)
	require.NoError(t, err)

	mc, ok := c.(*communicator.MemoryCommunicator)
	require.True(t, ok)

	p := &peer{
		device: device,
		comm:   mc,
		store:  datasync.NewMemoryDataStore(),
		info:   ability.NewInfoHolder(info),
		meta:   metastore.NewMemoryStore(),
		rt:     runtime.NewPool(4, logger.NewTestLogger()),
	}

	t.Cleanup(func() {
		p.reg.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = p.rt.Close(ctx)
	})

	p.reg = NewRegistry(p.deps())

	require.NoError(t, mc.RegOnMessageCallback(func(source string, msg *message.Message) {
		tc, err := p.reg.GetOrCreate(models.NewPeerIdentity(source, msg.SenderUser))
		if err != nil {
			return
		}
		defer tc.Release()

		_ = tc.HandleMessage(msg)
	}))

	return p
}

func (p *peer) deps() Deps {
	return Deps{
		Comm:       p.comm,
		RT:         p.rt,
		Store:      p.store,
		WaterMarks: watermark.NewStore(p.meta, logger.NewTestLogger()),
		Marks:      ability.NewMarkStore(p.meta),
		Info:       p.info,
		Log:        logger.NewTestLogger(),
	}
}

// sync runs one blocking operation from p against device and returns its result.
func (p *peer) sync(t *testing.T, id uint32, device string, mode models.SyncMode) operation.Result {
	t.Helper()

	var result operation.Result

	op := operation.New(operation.Options{
		ID:         id,
		Devices:    []string{device},
		Mode:       mode,
		Blocking:   true,
		OnComplete: func(r operation.Result) { result = r },
	}, p.rt, logger.NewTestLogger())
	require.NoError(t, op.Initialize())

	tc, err := p.reg.GetOrCreate(models.NewPeerIdentity(device, models.DefaultUser))
	require.NoError(t, err)

	require.NoError(t, tc.AddSyncTarget(&Target{Op: op, Device: device, Mode: op.Mode()}))
	tc.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, op.WaitIfNeed(ctx))

	return result
}

func (p *peer) put(t *testing.T, key, value string) {
	t.Helper()

	_, err := p.store.Put(context.Background(), "", []byte(key), []byte(value))
	require.NoError(t, err)
}

func (p *peer) has(t *testing.T, key string) bool {
	t.Helper()

	_, ok, err := p.store.Get(context.Background(), "", []byte(key))
	require.NoError(t, err)

	return ok
}

func TestNegotiateThenPush(t *testing.T) {
	net := communicator.NewMemoryNetwork(logger.NewTestLogger())
	a := newPeer(t, net, "A", kv())
	b := newPeer(t, net, "B", kv())

	a.put(t, "k1", "v1")

	r := a.sync(t, 1, "B", models.SyncModePush)
	assert.Equal(t, operation.Result{"B": models.DBStatusOK}, r)
	assert.True(t, b.has(t, "k1"))

	tc, ok := a.reg.Find(models.NewPeerIdentity("B", models.DefaultUser))
	require.True(t, ok)
	defer tc.Release()

	res, ok := tc.Negotiated()
	require.True(t, ok)
	assert.True(t, res.Strategy.PermitSync)

	// B learned the agreement as responder and can pull back without a new handshake
	b.put(t, "k2", "v2")

	r = a.sync(t, 2, "B", models.SyncModePull)
	assert.Equal(t, models.DBStatusOK, r["B"])
	assert.True(t, a.has(t, "k2"))
}

func TestAutoPushWithNothingNewIsSkipped(t *testing.T) {
	net := communicator.NewMemoryNetwork(logger.NewTestLogger())
	a := newPeer(t, net, "A", kv())
	_ = newPeer(t, net, "B", kv())

	a.put(t, "k", "v")
	require.Equal(t, models.DBStatusOK, a.sync(t, 1, "B", models.SyncModeAutoPush)["B"])

	var sent atomic.Int32

	net.SetDropFilter(func(source, _ string, _ *message.Message) bool {
		if source == "A" {
			sent.Add(1)
		}

		return false
	})

	require.Equal(t, models.DBStatusOK, a.sync(t, 2, "B", models.SyncModeAutoPush)["B"])
	assert.Zero(t, sent.Load())
}

func TestPeerLosingAgreementTriggersRenegotiation(t *testing.T) {
	net := communicator.NewMemoryNetwork(logger.NewTestLogger())
	a := newPeer(t, net, "A", kv())
	b := newPeer(t, net, "B", kv())

	require.Equal(t, models.DBStatusOK, a.sync(t, 1, "B", models.SyncModePush)["B"])

	// B forgets the in-memory agreement as after a restart
	b.reg.Remove(models.NewPeerIdentity("A", models.DefaultUser))

	var abilityRequests atomic.Int32

	net.SetDropFilter(func(source, _ string, msg *message.Message) bool {
		if source == "A" && msg.ID == message.IDAbilitySync && msg.Type == message.TypeRequest {
			abilityRequests.Add(1)
		}

		return false
	})

	a.put(t, "after-restart", "v")

	require.Equal(t, models.DBStatusOK, a.sync(t, 2, "B", models.SyncModePush)["B"])
	assert.True(t, b.has(t, "after-restart"))
	assert.Equal(t, int32(1), abilityRequests.Load())
}

func TestSecurityMismatchFailsTarget(t *testing.T) {
	net := communicator.NewMemoryNetwork(logger.NewTestLogger())

	infoB := kv()
	infoB.Security = ability.SecurityOption{Label: ability.SecLabelS3}

	a := newPeer(t, net, "A", kv())
	b := newPeer(t, net, "B", infoB)

	a.put(t, "k", "v")

	r := a.sync(t, 1, "B", models.SyncModePush)
	assert.Equal(t, models.DBStatusSecurityOptionCheckError, r["B"])
	assert.False(t, b.has(t, "k"))
}

func TestUnansweredRequestTimesOut(t *testing.T) {
	net := communicator.NewMemoryNetwork(logger.NewTestLogger())
	a := newPeer(t, net, "A", kv())
	_ = newPeer(t, net, "B", kv())

	a.comm.SetTimeout("B", 50*time.Millisecond)
	net.SetDropFilter(func(source, _ string, _ *message.Message) bool { return source == "A" })

	r := a.sync(t, 1, "B", models.SyncModePush)
	assert.Equal(t, models.DBStatusTimeout, r["B"])

	tc, ok := a.reg.Find(models.NewPeerIdentity("B", models.DefaultUser))
	require.True(t, ok)
	defer tc.Release()

	assert.Zero(t, tc.Pending())
}

func TestSupersededTimeoutLeavesRearmedTargetRunning(t *testing.T) {
	net := communicator.NewMemoryNetwork(logger.NewTestLogger())
	a := newPeer(t, net, "A", kv())
	_ = newPeer(t, net, "B", kv())

	a.comm.SetTimeout("B", time.Minute)

	// hold A's messages so the target stays in flight
	net.SetDropFilter(func(source, _ string, _ *message.Message) bool { return source == "A" })

	tc, err := a.reg.GetOrCreate(models.NewPeerIdentity("B", models.DefaultUser))
	require.NoError(t, err)
	defer tc.Release()

	done := make(chan operation.Result, 1)

	op := operation.New(operation.Options{
		ID:         1,
		Devices:    []string{"B"},
		Mode:       models.SyncModePush,
		OnComplete: func(r operation.Result) { done <- r },
	}, a.rt, logger.NewTestLogger())
	require.NoError(t, op.Initialize())
	require.NoError(t, tc.AddSyncTarget(&Target{Op: op, Device: "B", Mode: op.Mode()}))

	armed := func() runtime.TimerID {
		tc.mu.Lock()
		defer tc.mu.Unlock()

		return tc.timerID
	}

	require.Eventually(t, func() bool { return armed() != 0 }, 5*time.Second, 10*time.Millisecond)

	old := armed()
	tc.armTimer()
	require.NotEqual(t, old, armed())

	// a firing of the previous timer that was already queued must not count
	require.ErrorIs(t, tc.onTimeout(old), errTimerStale)
	assert.Equal(t, 1, tc.Pending())

	select {
	case r := <-done:
		t.Fatalf("target finished early: %v", r)
	case <-time.After(50 * time.Millisecond):
	}

	tc.Kill()
}

func TestOfflinePeerFailsWithCommCode(t *testing.T) {
	net := communicator.NewMemoryNetwork(logger.NewTestLogger())
	a := newPeer(t, net, "A", kv())

	r := a.sync(t, 1, "nobody", models.SyncModePush)
	assert.Equal(t, models.DBStatusNoNetwork, r["nobody"])
}

func TestTargetsRunInOrder(t *testing.T) {
	net := communicator.NewMemoryNetwork(logger.NewTestLogger())
	a := newPeer(t, net, "A", kv())
	_ = newPeer(t, net, "B", kv())

	a.put(t, "k", "v")

	tc, err := a.reg.GetOrCreate(models.NewPeerIdentity("B", models.DefaultUser))
	require.NoError(t, err)
	defer tc.Release()

	order := make(chan uint32, 3)

	var ops []*operation.Operation

	for id := uint32(1); id <= 3; id++ {
		op := operation.New(operation.Options{
			ID:         id,
			Devices:    []string{"B"},
			Mode:       models.SyncModePushPull,
			Identifier: "B",
			OnComplete: func(operation.Result) { order <- id },
		}, a.rt, logger.NewTestLogger())
		require.NoError(t, op.Initialize())

		ops = append(ops, op)
	}

	for _, op := range ops {
		require.NoError(t, tc.AddSyncTarget(&Target{Op: op, Device: "B", Mode: op.Mode()}))
	}

	for want := uint32(1); want <= 3; want++ {
		select {
		case got := <-order:
			assert.Equal(t, want, got)
		case <-time.After(10 * time.Second):
			t.Fatal("targets did not complete")
		}
	}
}

func TestKilledContextRefusesTargets(t *testing.T) {
	net := communicator.NewMemoryNetwork(logger.NewTestLogger())
	a := newPeer(t, net, "A", kv())
	_ = newPeer(t, net, "B", kv())

	// hold every message so the first target stays in flight
	net.SetDropFilter(func(source, _ string, _ *message.Message) bool { return source == "A" })

	id := models.NewPeerIdentity("B", models.DefaultUser)

	tc, err := a.reg.GetOrCreate(id)
	require.NoError(t, err)

	done := make(chan operation.Result, 2)

	for i := uint32(1); i <= 2; i++ {
		op := operation.New(operation.Options{
			ID:         i,
			Devices:    []string{"B"},
			Mode:       models.SyncModePush,
			OnComplete: func(r operation.Result) { done <- r },
		}, a.rt, logger.NewTestLogger())
		require.NoError(t, op.Initialize())
		require.NoError(t, tc.AddSyncTarget(&Target{Op: op, Device: "B", Mode: op.Mode()}))
	}

	a.reg.Remove(id)

	for i := 0; i < 2; i++ {
		select {
		case r := <-done:
			assert.Equal(t, models.DBStatusDBError, r["B"])
		case <-time.After(5 * time.Second):
			t.Fatal("killed targets not reported")
		}
	}

	op := operation.New(operation.Options{ID: 9, Devices: []string{"B"}}, a.rt, logger.NewTestLogger())
	require.NoError(t, op.Initialize())
	require.ErrorIs(t, tc.AddSyncTarget(&Target{Op: op, Device: "B"}), models.ErrObjectKilled)

	tc.Release()

	_, ok := a.reg.Find(id)
	assert.False(t, ok)
	assert.Zero(t, a.reg.Len())
}
