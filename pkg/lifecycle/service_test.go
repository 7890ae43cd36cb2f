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

package lifecycle

import (
	"context"
	"errors"
	"os"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/peersync/pkg/logger"
)

var (
	errStart = errors.New("start failed")
	errStop  = errors.New("stop failed")
)

type fakeService struct {
	started  chan struct{}
	stopped  atomic.Bool
	startErr error
	stopErr  error
	deadline atomic.Bool
}

func newFakeService() *fakeService {
	return &fakeService{started: make(chan struct{})}
}

func (f *fakeService) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}

	close(f.started)

	return nil
}

func (f *fakeService) Stop(ctx context.Context) error {
	_, ok := ctx.Deadline()
	f.deadline.Store(ok)
	f.stopped.Store(true)

	return f.stopErr
}

func TestRunServiceStopsOnCancel(t *testing.T) {
	svc := newFakeService()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)

	go func() {
		done <- RunService(ctx, &ServiceOptions{ServiceName: "test", Service: svc, Logger: logger.NewTestLogger()})
	}()

	<-svc.started
	assert.False(t, svc.stopped.Load())

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunService did not return")
	}

	assert.True(t, svc.stopped.Load())
	assert.True(t, svc.deadline.Load(), "stop runs under the shutdown timeout")
}

func TestRunServiceStopsOnSignal(t *testing.T) {
	svc := newFakeService()
	done := make(chan error, 1)

	go func() {
		done <- RunService(context.Background(), &ServiceOptions{
			ServiceName: "test",
			Service:     svc,
			Signals:     []os.Signal{syscall.SIGUSR1},
		})
	}()

	<-svc.started
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("RunService did not return after SIGUSR1")
	}
}

func TestRunServiceStartError(t *testing.T) {
	svc := newFakeService()
	svc.startErr = errStart

	err := RunService(context.Background(), &ServiceOptions{ServiceName: "test", Service: svc})
	require.ErrorIs(t, err, errStart)
	assert.False(t, svc.stopped.Load())
}

func TestRunServiceStopError(t *testing.T) {
	svc := newFakeService()
	svc.stopErr = errStop

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := RunService(ctx, &ServiceOptions{ServiceName: "test", Service: svc, ShutdownTimeout: time.Second})
	require.ErrorIs(t, err, errStop)
}

func TestRunServiceRequiresService(t *testing.T) {
	require.ErrorIs(t, RunService(context.Background(), nil), errServiceRequired)
	require.ErrorIs(t, RunService(context.Background(), &ServiceOptions{}), errServiceRequired)
}

func TestCreateComponentLogger(t *testing.T) {
	log, err := CreateComponentLogger(context.Background(), "engine", &logger.Config{Level: "warn", Output: "stderr"})
	require.NoError(t, err)
	require.NotNil(t, log)

	_, err = CreateComponentLogger(context.Background(), "engine", &logger.Config{Level: "loud"})
	require.Error(t, err)
}

func TestInitializeTelemetryWithoutExport(t *testing.T) {
	shutdown, err := InitializeTelemetry(context.Background(), "peersync-test", "dev", &logger.Config{}, logger.NewTestLogger())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
