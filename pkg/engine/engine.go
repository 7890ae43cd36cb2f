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

// Package engine is the sync dispatcher. It admits inbound messages under a
// byte and concurrency budget, routes them to the task context of the peer
// that sent them, and turns caller requests into sync operations.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/carverauto/peersync/pkg/ability"
	"github.com/carverauto/peersync/pkg/communicator"
	"github.com/carverauto/peersync/pkg/datasync"
	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/message"
	"github.com/carverauto/peersync/pkg/metastore"
	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/operation"
	"github.com/carverauto/peersync/pkg/runtime"
	"github.com/carverauto/peersync/pkg/taskcontext"
	"github.com/carverauto/peersync/pkg/watermark"
)

const inboundQueuePrefix = "inbound/"

var (
	errMissingDependency = errors.New("engine dependency is nil")
	errNoDevices         = errors.New("sync request has no devices")
	errQueryRequired     = errors.New("query mode requires a query")
)

// RemoteQueryExecutor is told when a peer goes offline so it can fail the
// remote queries it is waiting on.
type RemoteQueryExecutor interface {
	NotifyDeviceOffline(device string)
}

// Options are the collaborators of an Engine.
type Options struct {
	Config     Config
	Aggregator communicator.Aggregator
	Runtime    runtime.Context
	Store      datasync.DataStore
	Meta       metastore.Store
	Info       ability.InfoProvider
	// LocalUser is the user this instance answers for. Messages addressed to
	// another non-default user are dropped.
	LocalUser   string
	RemoteQuery RemoteQueryExecutor
	Log         logger.Logger
}

// SyncRequest is one caller sync request.
type SyncRequest struct {
	Devices []string
	// User addresses a specific remote user; empty means the default user.
	User     string
	Mode     models.SyncMode
	Query    *models.Query
	Blocking bool
	// Identifier orders completion callbacks of requests sharing it.
	Identifier string
	OnComplete operation.CompleteFunc
	OnProgress operation.ProgressFunc
}

type inbound struct {
	source string
	msg    *message.Message
	size   int64
}

// Engine owns the transport, the task context registry and the inbound queue.
type Engine struct {
	cfg         Config
	log         logger.Logger
	rt          runtime.Context
	agg         communicator.Aggregator
	proxy       *communicator.Proxy
	store       datasync.DataStore
	waterMarks  *watermark.Store
	marks       *ability.MarkStore
	subs        *Subscriptions
	registry    *taskcontext.Registry
	localUser   string
	remoteQuery RemoteQueryExecutor

	// handle processes one admitted message on the runtime.
	handle func(source string, msg *message.Message)

	active         atomic.Bool
	queueCacheSize atomic.Int64
	discarded      atomic.Uint64
	nextSyncID     atomic.Uint32

	qmu       sync.Mutex
	qcond     *sync.Cond
	queue     []inbound
	execTasks int
	// inFlight holds sources with a dispatched message not yet handled.
	inFlight map[string]struct{}

	opsMu sync.Mutex
	ops   map[uint32]*operation.Operation

	equalMu sync.Mutex

	evictTimer runtime.TimerID
}

// New allocates the main communicator, registers the transport callbacks and
// starts the watermark eviction timer.
func New(opts Options) (*Engine, error) {
	if opts.Aggregator == nil || opts.Runtime == nil || opts.Store == nil || opts.Meta == nil || opts.Info == nil {
		return nil, errMissingDependency
	}

	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	log := opts.Log
	if log == nil {
		log = logger.NewTestLogger()
	}

	agg := opts.Aggregator
	if cfg.CircuitBreaker != nil {
		agg = communicator.NewBreakerAggregator(agg, *cfg.CircuitBreaker, log)
	}

	e := &Engine{
		cfg:         cfg,
		log:         log,
		rt:          opts.Runtime,
		agg:         agg,
		proxy:       communicator.NewProxy(),
		store:       opts.Store,
		waterMarks:  watermark.NewStore(opts.Meta, log, watermark.WithCeiling(cfg.WaterMarkCeiling)),
		marks:       ability.NewMarkStore(opts.Meta),
		subs:        NewSubscriptions(),
		localUser:   opts.LocalUser,
		remoteQuery: opts.RemoteQuery,
		ops:         make(map[uint32]*operation.Operation),
		inFlight:    make(map[string]struct{}),
	}
	e.qcond = sync.NewCond(&e.qmu)
	e.handle = e.route

	main, err := agg.AllocCommunicator(communicator.DefaultLabel)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate main communicator: %w", err)
	}

	e.proxy.SetMainCommunicator(main)

	e.registry = taskcontext.NewRegistry(taskcontext.Deps{
		Comm:           e.proxy,
		RT:             e.rt,
		Store:          e.store,
		WaterMarks:     e.waterMarks,
		Marks:          e.marks,
		Info:           opts.Info,
		Subscriptions:  e.subs,
		LocalUser:      e.localUser,
		BatchSize:      cfg.BatchSize,
		DefaultTimeout: time.Duration(cfg.DefaultDeviceTimeout),
		Log:            log,
	})

	e.active.Store(true)

	if err := e.register(main); err != nil {
		e.active.Store(false)
		agg.ReleaseCommunicator(main)

		return nil, err
	}

	if interval := time.Duration(cfg.WaterMarkEvictInterval); interval > 0 {
		id, err := e.rt.SetTimer(interval, e.evictWaterMarks, nil)
		if err != nil {
			log.Warn().Err(err).Msg("Watermark eviction disabled")
		} else {
			e.evictTimer = id
		}
	}

	local, _ := main.GetLocalIdentity()
	log.Info().
		Str("device", local).
		Int64("max_queue_cache_bytes", cfg.MaxQueueCacheBytes).
		Int("max_concurrent_dispatch", cfg.MaxConcurrentDispatch).
		Msg("Sync engine started")

	return e, nil
}

func (e *Engine) register(c communicator.Communicator) error {
	if err := c.RegOnMessageCallback(e.onMessage); err != nil {
		return fmt.Errorf("failed to register message callback: %w", err)
	}

	if err := c.RegOnConnectCallback(e.onConnect); err != nil {
		return fmt.Errorf("failed to register connect callback: %w", err)
	}

	return nil
}

func unregister(c communicator.Communicator) {
	_ = c.RegOnMessageCallback(nil)
	_ = c.RegOnConnectCallback(nil)
}

// QueueCacheSize is the summed length of queued inbound messages.
func (e *Engine) QueueCacheSize() int64 { return e.queueCacheSize.Load() }

// DiscardedMessages is the number of inbound messages dropped before dispatch.
func (e *Engine) DiscardedMessages() uint64 { return e.discarded.Load() }

// OnlineDevices lists the peers any communicator currently sees.
func (e *Engine) OnlineDevices() []string { return e.proxy.OnlineDevices() }

// Subscriptions exposes the query subscriptions peers hold on this instance.
func (e *Engine) Subscriptions() *Subscriptions { return e.subs }

func (e *Engine) discard(source string, msg *message.Message, reason string, err error) {
	e.discarded.Add(1)
	recordDiscard(context.Background(), reason)

	e.log.Warn().
		Err(err).
		Str("device", source).
		Str("msg_id", msg.ID.String()).
		Str("reason", reason).
		Msg("Discarding inbound message")
}

// onMessage admits msg from source. It runs on the transport's goroutine and
// never blocks on protocol work.
func (e *Engine) onMessage(source string, msg *message.Message) {
	if msg == nil {
		return
	}

	if !e.active.Load() {
		e.discard(source, msg, reasonClosed, models.ErrBusy)

		return
	}

	n, err := msg.Length()
	if err != nil {
		e.discard(source, msg, reasonUnsupported, fmt.Errorf("%w: %w", models.ErrNotSupport, err))

		return
	}

	item := inbound{source: source, msg: msg, size: int64(n)}

	e.qmu.Lock()
	// Close drains the queue under qmu after clearing active
	if !e.active.Load() {
		e.qmu.Unlock()
		e.discard(source, msg, reasonClosed, models.ErrBusy)

		return
	}

	if e.execTasks < e.cfg.MaxConcurrentDispatch && !e.busyLocked(source) {
		e.startLocked(source)
		e.qmu.Unlock()

		recordInbound(context.Background(), outcomeDispatched)
		e.dispatch(item)

		return
	}

	if msg.ID == message.IDLocalDataChanged && e.queuedChangeLocked(source) {
		e.qmu.Unlock()
		e.discard(source, msg, reasonCoalesced, nil)

		return
	}

	if e.queueCacheSize.Load()+item.size > e.cfg.MaxQueueCacheBytes {
		e.qmu.Unlock()
		e.discard(source, msg, reasonBusy, models.ErrBusy)

		return
	}

	e.queue = append(e.queue, item)
	e.queueCacheSize.Add(item.size)
	e.qmu.Unlock()

	recordInbound(context.Background(), outcomeQueued)
}

func (e *Engine) queuedChangeLocked(source string) bool {
	for _, q := range e.queue {
		if q.source == source && q.msg.ID == message.IDLocalDataChanged {
			return true
		}
	}

	return false
}

// busyLocked reports whether source has a message in flight or waiting.
// Either way a new message from it must queue behind the older ones.
func (e *Engine) busyLocked(source string) bool {
	if _, ok := e.inFlight[source]; ok {
		return true
	}

	for _, q := range e.queue {
		if q.source == source {
			return true
		}
	}

	return false
}

func (e *Engine) startLocked(source string) {
	e.execTasks++
	e.inFlight[source] = struct{}{}
}

// takeReadyLocked removes from the queue, oldest first, every message that can
// start now: a slot is free and its source has nothing in flight.
func (e *Engine) takeReadyLocked() []inbound {
	var ready []inbound

	kept := e.queue[:0]

	for _, q := range e.queue {
		if _, ok := e.inFlight[q.source]; !ok && e.execTasks < e.cfg.MaxConcurrentDispatch {
			e.startLocked(q.source)
			e.queueCacheSize.Add(-q.size)
			ready = append(ready, q)

			continue
		}

		kept = append(kept, q)
	}

	clear(e.queue[len(kept):])
	e.queue = kept

	return ready
}

// dispatch runs item on the runtime. Its slot was taken by the caller.
func (e *Engine) dispatch(item inbound) {
	err := e.rt.ScheduleQueuedTask(inboundQueuePrefix+item.source, func() {
		start := time.Now()

		e.handle(item.source, item.msg)
		recordDispatch(context.Background(), item.msg.ID.String(), time.Since(start))

		e.dispatchDone(item.source)
	})
	if err != nil {
		e.discard(item.source, item.msg, reasonClosed, err)
		e.dispatchDone(item.source)
	}
}

// dispatchDone releases the slot held by source and starts whatever queued
// messages became runnable.
func (e *Engine) dispatchDone(source string) {
	e.qmu.Lock()
	e.execTasks--
	delete(e.inFlight, source)

	ready := e.takeReadyLocked()

	e.qcond.Broadcast()
	e.qmu.Unlock()

	for _, item := range ready {
		e.dispatch(item)
	}
}

// route delivers msg to the context of its sender.
func (e *Engine) route(source string, msg *message.Message) {
	if msg.ID == message.IDLocalDataChanged {
		e.onRemoteDataChanged(source, msg)

		return
	}

	if msg.TargetUser != models.DefaultUser && e.localUser != models.DefaultUser && msg.TargetUser != e.localUser {
		e.log.Debug().
			Str("device", source).
			Str("target_user", msg.TargetUser).
			Msg("Dropping message addressed to another user")

		return
	}

	tc, err := e.registry.GetOrCreate(models.NewPeerIdentity(source, msg.SenderUser))
	if err != nil {
		e.log.Debug().Err(err).Str("device", source).Msg("No task context for message")

		return
	}
	defer tc.Release()

	if err := tc.HandleMessage(msg); err != nil {
		e.log.Debug().
			Err(err).
			Str("device", source).
			Str("msg_id", msg.ID.String()).
			Str("type", msg.Type.String()).
			Msg("Message not handled")
	}
}

func (e *Engine) onRemoteDataChanged(source string, msg *message.Message) {
	e.log.Debug().Str("device", source).Msg("Peer reported local data change")

	if !e.cfg.AutoPullOnNotify {
		return
	}

	_, err := e.Sync(context.Background(), SyncRequest{
		Devices:    []string{source},
		User:       msg.SenderUser,
		Mode:       models.SyncModeAutoPull,
		Identifier: source,
	})
	if err != nil {
		e.log.Warn().Err(err).Str("device", source).Msg("Auto pull after notify failed")
	}
}

func (e *Engine) onConnect(device string, online bool) {
	if !e.active.Load() {
		return
	}

	recordDeviceEvent(context.Background(), online)

	if online {
		e.log.Info().Str("device", device).Msg("Device online")

		return
	}

	e.log.Info().Str("device", device).Msg("Device offline")

	if e.remoteQuery != nil {
		e.remoteQuery.NotifyDeviceOffline(device)
	}

	if n := e.subs.RemoveDevice(device); n > 0 {
		e.log.Debug().Str("device", device).Int("subscriptions", n).Msg("Cleared subscriptions of offline device")
	}

	err := e.rt.ScheduleTask(func() {
		// the device may have come back while this task waited
		if e.proxy.IsDeviceOnline(device) {
			return
		}

		e.registry.ClearSyncTasks(device, &models.CommError{
			Device: device,
			Code:   models.DBStatusNoNetwork,
			Err:    models.ErrCommAbnormal,
		})

		if n := e.registry.RemoveDevice(device); n > 0 {
			e.log.Debug().Str("device", device).Int("contexts", n).Msg("Dropped sync contexts of offline device")
		}
	})
	if err != nil {
		e.log.Warn().Err(err).Str("device", device).Msg("Failed to clear sync tasks of offline device")
	}
}

// Sync issues req and returns its operation id. Blocking requests return once
// every device finished or ctx is done.
func (e *Engine) Sync(ctx context.Context, req SyncRequest) (uint32, error) {
	if !e.active.Load() {
		return 0, models.ErrBusy
	}

	if len(req.Devices) == 0 {
		return 0, fmt.Errorf("%w: %w", models.ErrInvalidArgs, errNoDevices)
	}

	if req.Mode.IsQuery() {
		if req.Query == nil {
			return 0, fmt.Errorf("%w: %w", models.ErrInvalidArgs, errQueryRequired)
		}

		if err := req.Query.Validate(); err != nil {
			return 0, err
		}
	}

	id := e.nextSyncID.Add(1)

	ctx, span := otel.Tracer(meterName).Start(ctx, "peersync.sync", trace.WithAttributes(
		attribute.Int64("sync_id", int64(id)),
		attribute.String("mode", req.Mode.String()),
		attribute.StringSlice("devices", req.Devices),
	))

	complete := req.OnComplete

	op := operation.New(operation.Options{
		ID:         id,
		Devices:    req.Devices,
		Mode:       req.Mode,
		Blocking:   req.Blocking,
		Query:      req.Query,
		Identifier: req.Identifier,
		OnComplete: func(r operation.Result) {
			endSpan(span, r)

			if complete != nil {
				complete(r)
			}
		},
		OnProgress: req.OnProgress,
	}, e.rt, e.log)

	if err := op.Initialize(); err != nil {
		span.RecordError(err)
		span.End()

		return 0, err
	}

	e.opsMu.Lock()
	e.ops[id] = op
	e.opsMu.Unlock()

	op.SetOnSyncFinished(e.forgetOperation)

	recordSync(ctx, req.Mode.String(), len(req.Devices))

	for _, device := range req.Devices {
		e.addTarget(op, device, req)
	}

	if err := op.WaitIfNeed(ctx); err != nil {
		return id, err
	}

	return id, nil
}

func endSpan(span trace.Span, r operation.Result) {
	failed := 0

	for _, status := range r {
		if status != models.DBStatusOK {
			failed++
		}
	}

	span.SetAttributes(attribute.Int("failed_devices", failed))

	if failed > 0 {
		span.SetStatus(codes.Error, "sync failed on some devices")
	}

	span.End()
}

func (e *Engine) addTarget(op *operation.Operation, device string, req SyncRequest) {
	if !e.proxy.IsDeviceOnline(device) {
		op.SetError(device, &models.CommError{Device: device, Code: models.DBStatusNoNetwork, Err: models.ErrCommAbnormal})

		return
	}

	tc, err := e.registry.GetOrCreate(models.NewPeerIdentity(device, req.User))
	if err != nil {
		op.SetError(device, err)

		return
	}
	defer tc.Release()

	if err := tc.AddSyncTarget(&taskcontext.Target{Op: op, Device: device, Mode: op.Mode(), Query: req.Query}); err != nil {
		op.SetError(device, err)
	}
}

func (e *Engine) forgetOperation(id uint32) {
	e.opsMu.Lock()
	delete(e.ops, id)
	e.opsMu.Unlock()
}

// StopSync aborts operation id on every peer. The peer may still finish its side.
func (e *Engine) StopSync(id uint32) {
	e.opsMu.Lock()
	op, ok := e.ops[id]
	e.opsMu.Unlock()

	if ok {
		op.Kill()
	}

	e.registry.AbortMachineIfNeed(id)
}

// PendingOperations is the number of operations not yet finished.
func (e *Engine) PendingOperations() int {
	e.opsMu.Lock()
	defer e.opsMu.Unlock()

	return len(e.ops)
}

// LocalDataChanged tells online peers that local data changed and pushes
// the change to peers holding query subscriptions.
func (e *Engine) LocalDataChanged(ctx context.Context) error {
	if !e.active.Load() {
		return models.ErrBusy
	}

	ts, err := e.store.MaxLocalTime(ctx)
	if err != nil {
		return fmt.Errorf("failed to read local change time: %w", err)
	}

	for _, device := range e.proxy.OnlineDevices() {
		msg := message.NewLocalDataChanged(e.localUser, ts)

		if err := e.proxy.SendMessage(ctx, device, msg, communicator.SendConfig{NonBlock: true}, nil); err != nil {
			e.log.Debug().Err(err).Str("device", device).Msg("Failed to notify peer of data change")
		}
	}

	for _, sub := range e.subs.Snapshot() {
		q := sub.Query

		_, err := e.Sync(ctx, SyncRequest{
			Devices:    []string{sub.Peer.Device},
			User:       sub.Peer.User,
			Mode:       models.SyncModeQueryPush,
			Query:      &q,
			Identifier: sub.Peer.Device,
		})
		if err != nil {
			e.log.Warn().Err(err).Str("device", sub.Peer.Device).Msg("Failed to push to subscriber")
		}
	}

	return nil
}

// SchemaChange drops every negotiated agreement after the local schema changed.
func (e *Engine) SchemaChange(ctx context.Context) error {
	n, err := e.marks.ClearAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to clear ability marks: %w", err)
	}

	e.registry.SchemaChange()

	e.log.Info().Int("marks", n).Msg("Local schema changed")

	return nil
}

// TimeChange drops every negotiated agreement after the local clock moved.
func (e *Engine) TimeChange() {
	e.registry.TimeChange()
}

// ResetDevice forgets everything synced with device: its watermarks and its
// ability marks. Running targets of the device are failed.
func (e *Engine) ResetDevice(ctx context.Context, device string) error {
	e.registry.ClearSyncTasks(device, models.ErrObjectKilled)

	if err := e.waterMarks.RemoveDevice(ctx, device); err != nil {
		return err
	}

	for _, user := range []string{models.DefaultUser, e.localUser} {
		if err := e.marks.Clear(ctx, models.NewPeerIdentity(device, user)); err != nil {
			return err
		}
	}

	e.log.Info().Str("device", device).Msg("Device sync state reset")

	return nil
}

// SetEqualIdentifier routes devices through the communicator labeled
// identifier. Identifiers left without devices are released.
func (e *Engine) SetEqualIdentifier(identifier string, devices []string) error {
	if identifier == communicator.DefaultLabel {
		return fmt.Errorf("%w: empty identifier", models.ErrInvalidArgs)
	}

	e.equalMu.Lock()
	defer e.equalMu.Unlock()

	if !e.active.Load() {
		return models.ErrBusy
	}

	c, ok := e.proxy.GetEqualCommunicator(identifier)
	if !ok && len(devices) == 0 {
		return nil
	}

	if !ok {
		var err error

		c, err = e.agg.AllocCommunicator(identifier)
		if err != nil {
			return fmt.Errorf("failed to allocate communicator %q: %w", identifier, err)
		}

		if err := e.register(c); err != nil {
			e.agg.ReleaseCommunicator(c)

			return err
		}
	}

	for _, unused := range e.proxy.SetEqualCommunicator(c, identifier, devices) {
		if rc, ok := e.proxy.RemoveEqualCommunicator(unused); ok {
			unregister(rc)
			e.agg.ReleaseCommunicator(rc)

			e.log.Info().Str("identifier", unused).Msg("Released equal communicator")
		}
	}

	e.log.Info().Str("identifier", identifier).Strs("devices", devices).Msg("Equal identifier set")

	return nil
}

func (e *Engine) evictWaterMarks(runtime.TimerID) error {
	ctx := context.Background()

	keys, err := e.waterMarks.QueryKeys(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("Watermark eviction scan failed")

		return nil
	}

	n, err := e.waterMarks.EvictLeastRecentlyUsed(ctx, keys)
	if err != nil {
		e.log.Warn().Err(err).Msg("Watermark eviction failed")

		return nil
	}

	if n > 0 {
		e.log.Info().Int("evicted", n).Msg("Evicted query watermarks")
	}

	return nil
}

// Close shuts the engine down. It stops admitting messages first, then
// unregisters the transport callbacks, stops timers, drops queued messages,
// waits up to ShutdownWait for running dispatches and finally releases the
// transport and every task context.
func (e *Engine) Close(ctx context.Context) error {
	if !e.active.CompareAndSwap(true, false) {
		return nil
	}

	e.equalMu.Lock()
	defer e.equalMu.Unlock()

	comms := e.proxy.All()
	for _, c := range comms {
		unregister(c)
	}

	if e.evictTimer != 0 {
		e.rt.RemoveTimer(e.evictTimer)
	}

	e.qmu.Lock()
	dropped := len(e.queue)
	e.queue = nil
	e.queueCacheSize.Store(0)
	e.qmu.Unlock()

	if dropped > 0 {
		e.discarded.Add(uint64(dropped))
	}

	waitErr := e.waitDispatches(ctx)

	for _, c := range comms {
		e.agg.ReleaseCommunicator(c)
	}

	e.proxy.Clear()
	e.registry.Close()

	e.log.Info().Int("dropped_messages", dropped).Msg("Sync engine stopped")

	return waitErr
}

// waitDispatches blocks until no dispatch task runs, ShutdownWait elapses or
// ctx is done.
func (e *Engine) waitDispatches(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.cfg.ShutdownWait))
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		e.qmu.Lock()
		e.qcond.Broadcast()
		e.qmu.Unlock()
	})
	defer stop()

	e.qmu.Lock()
	defer e.qmu.Unlock()

	for e.execTasks > 0 {
		if ctx.Err() != nil {
			e.log.Warn().Int("running", e.execTasks).Msg("Dispatch tasks still running at shutdown")

			return fmt.Errorf("%w: %d dispatch tasks running", models.ErrTimeout, e.execTasks)
		}

		e.qcond.Wait()
	}

	return nil
}
