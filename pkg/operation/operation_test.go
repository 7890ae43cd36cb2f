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

package operation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/runtime"
)

func newPool(t *testing.T) *runtime.Pool {
	t.Helper()

	p := runtime.NewPool(4, logger.NewTestLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = p.Close(ctx)
	})

	return p
}

func TestInitializeRewritesAutoModes(t *testing.T) {
	op := New(Options{ID: 1, Devices: []string{"a"}, Mode: models.SyncModeAutoPush}, newPool(t), logger.NewTestLogger())
	require.NoError(t, op.Initialize())

	assert.Equal(t, models.SyncModePush, op.Mode())
	assert.True(t, op.IsAutoSync())

	s, ok := op.Status("a")
	require.True(t, ok)
	assert.Equal(t, models.OpWaiting, s)
}

func TestInitializeRejectsBadRequests(t *testing.T) {
	rt := newPool(t)
	log := logger.NewTestLogger()

	err := New(Options{ID: 1}, rt, log).Initialize()
	require.ErrorIs(t, err, models.ErrInvalidArgs)

	err = New(Options{ID: 2, Devices: []string{"a"}, Mode: models.SyncModeQueryPull}, rt, log).Initialize()
	require.ErrorIs(t, err, models.ErrInvalidQueryFormat)

	err = New(Options{ID: 3, Devices: []string{"a"}, Mode: models.SyncModeQueryPull, Query: &models.Query{}}, rt, log).Initialize()
	require.ErrorIs(t, err, models.ErrInvalidQueryFormat)

	err = New(Options{ID: 4, Devices: []string{"a", "a"}}, rt, log).Initialize()
	require.ErrorIs(t, err, models.ErrInvalidArgs)
}

func TestTerminalCallbackFiresOnce(t *testing.T) {
	const devices = 32

	var names []string
	for i := 0; i < devices; i++ {
		names = append(names, fmt.Sprintf("dev-%d", i))
	}

	var calls atomic.Int32

	got := make(chan Result, 4)

	op := New(Options{
		ID:         7,
		Devices:    names,
		Mode:       models.SyncModePush,
		Identifier: "store-1",
		OnComplete: func(r Result) {
			calls.Add(1)
			got <- r
		},
	}, newPool(t), logger.NewTestLogger())
	require.NoError(t, op.Initialize())

	var hooks atomic.Int32

	op.SetOnSyncFinished(func(id uint32) {
		assert.Equal(t, uint32(7), id)
		hooks.Add(1)
	})

	var wg sync.WaitGroup

	for _, d := range names {
		for j := 0; j < 3; j++ {
			wg.Add(1)

			go func(d string) {
				defer wg.Done()
				op.SetStatus(d, models.OpFinishedAll, models.DBStatusOK)
				op.Finished()
			}(d)
		}
	}

	wg.Wait()

	select {
	case r := <-got:
		assert.Len(t, r, devices)
		for _, s := range r {
			assert.Equal(t, models.DBStatusOK, s)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("callback never fired")
	}

	// give a duplicate a chance to show up
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int32(1), hooks.Load())
}

func TestTerminalStatusSticksAndCommCodesSurvive(t *testing.T) {
	done := make(chan Result, 1)

	op := New(Options{
		ID:         1,
		Devices:    []string{"a", "b", "c"},
		Blocking:   true,
		OnComplete: func(r Result) { done <- r },
	}, newPool(t), logger.NewTestLogger())
	require.NoError(t, op.Initialize())

	op.SetStatus("a", models.OpCommAbnormal, models.DBStatusNoNetwork)
	op.SetStatus("a", models.OpFinishedAll, models.DBStatusOK)
	op.SetStatus("b", models.OpSyncing, models.DBStatusOK)
	op.SetError("b", &models.CommError{Device: "b", Code: models.DBStatusTimeout, Err: models.ErrTimeout})
	op.SetError("c", fmt.Errorf("negotiate: %w", models.ErrSchemaMismatch))
	op.SetStatus("unknown", models.OpFinishedAll, models.DBStatusOK)

	require.NoError(t, op.WaitIfNeed(context.Background()))

	r := <-done
	assert.Equal(t, Result{
		"a": models.DBStatusNoNetwork,
		"b": models.DBStatusTimeout,
		"c": models.DBStatusSchemaMismatch,
	}, r)
	assert.Equal(t, []string{"a", "b", "c"}, r.SortedDevices())
	assert.True(t, op.IsFinished())
}

func TestForcedFinishReportsUnfinishedAsDBError(t *testing.T) {
	done := make(chan Result, 1)

	op := New(Options{
		ID:         1,
		Devices:    []string{"a", "b"},
		Blocking:   true,
		OnComplete: func(r Result) { done <- r },
	}, newPool(t), logger.NewTestLogger())
	require.NoError(t, op.Initialize())

	op.SetStatus("a", models.OpFinishedAll, models.DBStatusOK)
	assert.False(t, op.CheckIsAllFinished())

	op.Finished()

	r := <-done
	assert.Equal(t, models.DBStatusOK, r["a"])
	assert.Equal(t, models.DBStatusDBError, r["b"])
}

func TestCallbacksOrderedPerIdentifier(t *testing.T) {
	rt := newPool(t)

	var (
		mu    sync.Mutex
		order []uint32
	)

	all := make(chan struct{})

	const n = 20

	for i := uint32(1); i <= n; i++ {
		id := i
		op := New(Options{
			ID:         id,
			Devices:    []string{"a"},
			Identifier: "same",
			OnComplete: func(Result) {
				mu.Lock()
				order = append(order, id)
				if len(order) == n {
					close(all)
				}
				mu.Unlock()
			},
		}, rt, logger.NewTestLogger())
		require.NoError(t, op.Initialize())

		op.SetStatus("a", models.OpFinishedAll, models.DBStatusOK)
	}

	select {
	case <-all:
	case <-time.After(5 * time.Second):
		t.Fatal("callbacks not delivered")
	}

	for i := 0; i < n; i++ {
		assert.Equal(t, uint32(i+1), order[i])
	}
}

func TestProgressUpdates(t *testing.T) {
	var (
		mu   sync.Mutex
		last Progress
	)

	op := New(Options{
		ID:       1,
		Devices:  []string{"a"},
		Blocking: true,
		OnProgress: func(p Progress) {
			mu.Lock()
			last = p
			mu.Unlock()
		},
	}, newPool(t), logger.NewTestLogger())
	require.NoError(t, op.Initialize())

	op.SetSyncProcessTotal("a", 10)
	op.SetStatus("a", models.OpSyncing, models.DBStatusOK)
	op.UpdateFinishedCount("a", 4)

	mu.Lock()
	assert.Equal(t, DeviceProgress{Process: models.ProcessProcessing, Status: models.DBStatusOK, Total: 10, Finished: 4}, last["a"])
	mu.Unlock()

	op.UpdateFinishedCount("a", 8)
	op.SetStatus("a", models.OpFinishedAll, models.DBStatusOK)

	mu.Lock()
	assert.Equal(t, DeviceProgress{Process: models.ProcessFinished, Status: models.DBStatusOK, Total: 12, Finished: 12}, last["a"])
	mu.Unlock()
}

func TestWaitIfNeedHonoursContext(t *testing.T) {
	op := New(Options{ID: 1, Devices: []string{"a"}, Blocking: true}, newPool(t), logger.NewTestLogger())
	require.NoError(t, op.Initialize())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, op.WaitIfNeed(ctx), models.ErrTimeout)

	nb := New(Options{ID: 2, Devices: []string{"a"}}, newPool(t), logger.NewTestLogger())
	require.NoError(t, nb.Initialize())
	require.NoError(t, nb.WaitIfNeed(ctx))
}

func TestCallbackInlineWhenRuntimeClosed(t *testing.T) {
	rt := runtime.NewPool(1, logger.NewTestLogger())
	require.NoError(t, rt.Close(context.Background()))

	called := false

	op := New(Options{ID: 1, Devices: []string{"a"}, OnComplete: func(Result) { called = true }}, rt, logger.NewTestLogger())
	require.NoError(t, op.Initialize())

	op.SetStatus("a", models.OpFinishedAll, models.DBStatusOK)
	assert.True(t, called)
}
