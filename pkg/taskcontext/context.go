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

// Package taskcontext keeps one TaskContext per remote peer. A context owns the
// peer's queue of sync targets and runs them one at a time: negotiate if the
// pair has not agreed on schema and security yet, then move data.
package taskcontext

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carverauto/peersync/pkg/ability"
	"github.com/carverauto/peersync/pkg/communicator"
	"github.com/carverauto/peersync/pkg/datasync"
	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/message"
	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/operation"
	"github.com/carverauto/peersync/pkg/runtime"
	"github.com/carverauto/peersync/pkg/watermark"
)

// DefaultTimeout applies when the communicator reports no response timeout.
const DefaultTimeout = 5 * time.Second

var errUnknownMessage = errors.New("message not handled by task context")

// Target is one device entry of a sync operation queued on a context.
type Target struct {
	Op     *operation.Operation
	Device string
	Mode   models.SyncMode
	Query  *models.Query
}

// Deps are the collaborators shared by every context of an engine.
type Deps struct {
	Comm          communicator.Communicator
	RT            runtime.Context
	Store         datasync.DataStore
	WaterMarks    *watermark.Store
	Marks         *ability.MarkStore
	Info          ability.InfoProvider
	Subscriptions datasync.SubscriptionRecorder
	// LocalUser is stamped as SenderUser on everything this side sends.
	LocalUser      string
	BatchSize      int
	DefaultTimeout time.Duration
	Log            logger.Logger
}

type runState int

const (
	stateIdle runState = iota
	stateNegotiating
	stateSyncing
)

func (s runState) String() string {
	switch s {
	case stateNegotiating:
		return "negotiating"
	case stateSyncing:
		return "syncing"
	default:
		return "idle"
	}
}

// TaskContext is the per-peer sync state. It is reference counted: the
// registry holds one reference and every lookup adds one the caller releases.
type TaskContext struct {
	id   models.PeerIdentity
	deps Deps
	log  logger.Logger

	ctx    context.Context
	cancel context.CancelFunc

	initiator *ability.Negotiator
	responder *ability.Negotiator
	machine   *datasync.Machine
	serve     *datasync.Responder

	refs      atomic.Int32
	onRelease func(*TaskContext)
	sessions  atomic.Uint32

	mu        sync.Mutex
	killed    bool
	targets   []*Target
	current   *Target
	state     runState
	retried   bool
	sessionID uint32
	timerID   runtime.TimerID
	result    *ability.Result
}

// New builds a context holding one reference. onRelease runs once when the
// last reference is dropped.
func New(id models.PeerIdentity, deps Deps, onRelease func(*TaskContext)) *TaskContext {
	if deps.DefaultTimeout <= 0 {
		deps.DefaultTimeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	c := &TaskContext{
		id:        id,
		deps:      deps,
		log:       deps.Log,
		ctx:       ctx,
		cancel:    cancel,
		onRelease: onRelease,
	}

	c.refs.Store(1)
	c.sessions.Store(rand.Uint32())

	c.initiator = ability.NewNegotiator(id, deps.Info, deps.Marks, c.send, deps.Log)
	c.responder = ability.NewNegotiator(id, deps.Info, deps.Marks, c.send, deps.Log)

	cfg := datasync.Config{
		Peer:          id,
		Store:         deps.Store,
		WaterMarks:    deps.WaterMarks,
		Send:          c.send,
		Permit:        c.permits,
		Gate:          c.gate,
		Subscriptions: deps.Subscriptions,
		BatchSize:     deps.BatchSize,
		Log:           deps.Log,
	}
	c.machine = datasync.NewMachine(cfg)
	c.serve = datasync.NewResponder(cfg)

	return c
}

func (c *TaskContext) ID() models.PeerIdentity { return c.id }

// AddRef takes a reference. It fails once the context was killed.
func (c *TaskContext) AddRef() bool {
	for {
		n := c.refs.Load()
		if n <= 0 {
			return false
		}

		if c.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference; the last one tears the context down.
func (c *TaskContext) Release() {
	if c.refs.Add(-1) != 0 {
		return
	}

	c.cancel()
	c.disarmTimer()

	if c.onRelease != nil {
		c.onRelease(c)
	}
}

func (c *TaskContext) IsKilled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.killed
}

// Kill fails every queued and running target with models.ErrObjectKilled and
// refuses new ones.
func (c *TaskContext) Kill() {
	c.mu.Lock()
	if c.killed {
		c.mu.Unlock()

		return
	}

	c.killed = true
	c.mu.Unlock()

	c.ClearSyncTasks(models.ErrObjectKilled)
	c.cancel()
}

// Negotiated returns the agreement reached with the peer in this process.
func (c *TaskContext) Negotiated() (ability.Result, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.result == nil {
		return ability.Result{}, false
	}

	return *c.result, true
}

func (c *TaskContext) setResult(r ability.Result) {
	c.mu.Lock()
	c.result = &r
	c.mu.Unlock()

	c.log.Info().
		Str("device", c.id.Device).
		Str("user", c.id.User).
		Uint32("remote_version", r.RemoteSoftwareVersion).
		Bool("permit", r.Strategy.PermitSync || r.Tables != nil).
		Msg("Ability negotiation finished")
}

// forget drops the agreement so the next target negotiates again.
func (c *TaskContext) forget() {
	c.mu.Lock()
	c.result = nil
	c.mu.Unlock()
}

// SchemaChange invalidates the agreement after the local schema changed.
func (c *TaskContext) SchemaChange() {
	c.forget()
	c.responder.Reset()
}

// TimeChange invalidates the agreement after the local clock moved, since the
// peer's view of our creation time and cursors may no longer hold.
func (c *TaskContext) TimeChange() {
	c.forget()
}

func (c *TaskContext) permits(table string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.result != nil && c.result.Permits(table)
}

// gate refuses data traffic until the peer negotiated with this process
// against the current schema.
func (c *TaskContext) gate(ctx context.Context) error {
	c.mu.Lock()
	negotiated := c.result != nil
	c.mu.Unlock()

	if !negotiated {
		return models.ErrNeedAbilitySync
	}

	ok, err := c.deps.Marks.IsFinished(ctx, c.id, c.deps.Info.LocalInfo().SchemaVersion)
	if err != nil {
		return err
	}

	if !ok {
		return models.ErrNeedAbilitySync
	}

	return nil
}

func (c *TaskContext) timeout() time.Duration {
	if d := c.deps.Comm.GetTimeout(c.id.Device); d > 0 {
		return d
	}

	return c.deps.DefaultTimeout
}

// send addresses msg to the peer and hands it to the communicator.
func (c *TaskContext) send(ctx context.Context, msg *message.Message) error {
	msg.TargetUser = c.id.User
	msg.SenderUser = c.deps.LocalUser

	sid := msg.SessionID

	return c.deps.Comm.SendMessage(ctx, c.id.Device, msg, communicator.SendConfig{Timeout: c.timeout()},
		func(err error) { c.onAsyncSendError(sid, err) })
}

func (c *TaskContext) onAsyncSendError(sessionID uint32, err error) {
	c.mu.Lock()
	t := c.current
	match := t != nil && c.state != stateIdle && c.sessionID == sessionID
	c.mu.Unlock()

	if !match {
		return
	}

	c.failCurrent(t, err)
}

func (c *TaskContext) nextSession() uint32 {
	for {
		if id := c.sessions.Add(1); id != 0 {
			return id
		}
	}
}

// AddSyncTarget queues t and starts the loop if it is idle.
func (c *TaskContext) AddSyncTarget(t *Target) error {
	c.mu.Lock()
	if c.killed {
		c.mu.Unlock()

		return fmt.Errorf("%w: context %s", models.ErrObjectKilled, c.id)
	}

	c.targets = append(c.targets, t)
	idle := c.state == stateIdle && c.current == nil
	c.mu.Unlock()

	if idle {
		return c.schedule()
	}

	return nil
}

// schedule runs ExecSyncTask on the runtime, holding a reference meanwhile.
func (c *TaskContext) schedule() error {
	if !c.AddRef() {
		return models.ErrObjectKilled
	}

	err := c.deps.RT.ScheduleTask(func() {
		defer c.Release()

		c.ExecSyncTask()
	})
	if err != nil {
		c.Release()

		return err
	}

	return nil
}

// ExecSyncTask pops targets until one needs a round trip with the peer. The
// reply handlers call it again once that target completes.
func (c *TaskContext) ExecSyncTask() {
	for {
		c.mu.Lock()
		if c.killed || c.current != nil || len(c.targets) == 0 {
			c.mu.Unlock()

			return
		}

		t := c.targets[0]
		c.targets[0] = nil
		c.targets = c.targets[1:]
		c.current = t
		c.retried = false
		c.mu.Unlock()

		if c.run(t) {
			return
		}
	}
}

// run starts t and reports whether it is now waiting on the peer.
func (c *TaskContext) run(t *Target) bool {
	if t.Op.IsKilled() || t.Op.IsFinished() {
		c.clearCurrent(t)

		return false
	}

	if skip, err := c.skippable(t); err == nil && skip {
		c.log.Debug().Str("device", t.Device).Uint32("sync_id", t.Op.ID()).Msg("Nothing to push, skipping")
		c.finish(t, nil)

		return false
	}

	t.Op.SetStatus(t.Device, models.OpSyncing, models.DBStatusOK)

	negotiated, err := c.isNegotiated()
	if err != nil {
		c.finish(t, err)

		return false
	}

	if !negotiated {
		return c.startNegotiation(t)
	}

	return c.startData(t)
}

// skippable is true for auto pushes with nothing new to send.
func (c *TaskContext) skippable(t *Target) (bool, error) {
	if !t.Op.IsAutoSync() || !t.Mode.Pushes() || t.Mode.Pulls() {
		return false, nil
	}

	if ok, err := c.isNegotiated(); err != nil || !ok {
		return false, err
	}

	pending, err := c.machine.HasPendingPush(c.ctx, t.Query)

	return !pending, err
}

func (c *TaskContext) isNegotiated() (bool, error) {
	c.mu.Lock()
	have := c.result != nil
	c.mu.Unlock()

	if !have {
		return false, nil
	}

	return c.initiator.IsFinished(c.ctx)
}

func (c *TaskContext) begin(t *Target, state runState) (uint32, bool) {
	sid := c.nextSession()

	c.mu.Lock()
	if c.current != t {
		c.mu.Unlock()

		return 0, false
	}

	c.state = state
	c.sessionID = sid
	c.mu.Unlock()

	c.armTimer()

	return sid, true
}

func (c *TaskContext) startNegotiation(t *Target) bool {
	sid, ok := c.begin(t, stateNegotiating)
	if !ok {
		return false
	}

	if err := c.initiator.Start(c.ctx, sid); err != nil {
		c.finish(t, err)

		return false
	}

	return true
}

func (c *TaskContext) startData(t *Target) bool {
	sid, ok := c.begin(t, stateSyncing)
	if !ok {
		return false
	}

	done, err := c.machine.Start(c.ctx, &datasync.Job{
		SessionID: sid,
		Mode:      t.Mode,
		Query:     t.Query,
		Progress:  func(n uint32) { t.Op.UpdateFinishedCount(t.Device, n) },
	})
	if !done {
		return true
	}

	return c.dataDone(t, err)
}

// dataDone settles t after its data sync ended. A peer that lost our
// agreement gets one renegotiation before the target fails.
func (c *TaskContext) dataDone(t *Target, err error) bool {
	if errors.Is(err, models.ErrNeedAbilitySync) {
		c.mu.Lock()
		retry := !c.retried
		c.retried = true
		c.mu.Unlock()

		if retry {
			c.log.Info().Str("device", c.id.Device).Msg("Peer needs ability sync, renegotiating")

			if clearErr := c.deps.Marks.Clear(c.ctx, c.id); clearErr != nil {
				c.log.Warn().Err(clearErr).Str("device", c.id.Device).Msg("Failed to clear ability mark")
			}

			c.forget()
			c.initiator.Reset()

			return c.startNegotiation(t)
		}
	}

	c.finish(t, err)

	return false
}

// clearCurrent makes the context idle if t is still the running target.
func (c *TaskContext) clearCurrent(t *Target) bool {
	c.mu.Lock()

	if c.current != t {
		c.mu.Unlock()

		return false
	}

	c.current = nil
	c.state = stateIdle
	c.sessionID = 0
	timer := c.timerID
	c.timerID = 0
	c.mu.Unlock()

	if timer != 0 {
		c.deps.RT.RemoveTimer(timer)
	}

	return true
}

// finish reports t's outcome to its operation.
func (c *TaskContext) finish(t *Target, err error) {
	if !c.clearCurrent(t) {
		return
	}

	if err != nil {
		c.log.Warn().Err(err).
			Str("device", t.Device).
			Uint32("sync_id", t.Op.ID()).
			Msg("Sync target failed")
	}

	t.Op.SetError(t.Device, err)
}

// failCurrent ends t from outside the loop and restarts the loop.
func (c *TaskContext) failCurrent(t *Target, err error) {
	c.initiator.Reset()
	c.machine.Abort()
	c.finish(t, err)

	if err := c.schedule(); err != nil && !errors.Is(err, models.ErrObjectKilled) {
		c.log.Warn().Err(err).Str("device", c.id.Device).Msg("Failed to schedule next sync target")
	}
}

// armTimer replaces the running target's timeout with a fresh timer. Every
// arm gets a new id, so a firing of the previous timer that is still queued
// on the runtime is recognised as stale in onTimeout.
func (c *TaskContext) armTimer() {
	d := c.timeout()

	id, err := c.deps.RT.SetTimer(d, c.onTimeout, nil)
	if err != nil {
		c.log.Warn().Err(err).Str("device", c.id.Device).Msg("Failed to arm sync timeout")
	}

	c.mu.Lock()
	old := c.timerID
	c.timerID = id
	c.mu.Unlock()

	if old != 0 {
		c.deps.RT.RemoveTimer(old)
	}
}

func (c *TaskContext) disarmTimer() {
	c.mu.Lock()
	id := c.timerID
	c.timerID = 0
	c.mu.Unlock()

	if id != 0 {
		c.deps.RT.RemoveTimer(id)
	}
}

func (c *TaskContext) onTimeout(id runtime.TimerID) error {
	c.mu.Lock()
	if id != c.timerID {
		c.mu.Unlock()

		return errTimerStale
	}

	c.timerID = 0
	t := c.current
	c.mu.Unlock()

	if t != nil {
		c.failCurrent(t, &models.CommError{Device: c.id.Device, Code: models.DBStatusTimeout, Err: models.ErrTimeout})
	}

	return errTimerFired
}

var (
	errTimerFired = errors.New("sync timeout fired")
	errTimerStale = errors.New("sync timeout superseded")
)

// HandleMessage consumes one message from the peer.
func (c *TaskContext) HandleMessage(msg *message.Message) error {
	if c.IsKilled() {
		return models.ErrObjectKilled
	}

	switch msg.ID {
	case message.IDAbilitySync:
		if msg.Type == message.TypeResponse {
			return c.onNegotiationReply(msg)
		}

		done, err := c.responder.HandleMessage(c.ctx, msg)
		if done && err == nil {
			c.setResult(c.responder.Result())
		}

		return err
	case message.IDDataSync, message.IDDataPull:
		if msg.Type == message.TypeRequest {
			return c.serve.HandleRequest(c.ctx, msg)
		}

		return c.onDataReply(msg)
	default:
		return fmt.Errorf("%w: %s", errUnknownMessage, msg.ID)
	}
}

// waiting returns the target awaiting a reply of session in state s.
func (c *TaskContext) waiting(s runState, session uint32) *Target {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current == nil || c.state != s || c.sessionID != session {
		return nil
	}

	return c.current
}

func (c *TaskContext) onNegotiationReply(msg *message.Message) error {
	t := c.waiting(stateNegotiating, msg.SessionID)
	if t == nil {
		return ability.ErrStaleSession
	}

	done, err := c.initiator.HandleMessage(c.ctx, msg)
	if errors.Is(err, ability.ErrStaleSession) || errors.Is(err, ability.ErrUnexpectedPacket) {
		return err
	}

	if !done {
		c.armTimer()

		return nil
	}

	if err != nil {
		c.failCurrent(t, err)

		return nil
	}

	c.setResult(c.initiator.Result())

	if !c.startData(t) {
		return c.schedule()
	}

	return nil
}

func (c *TaskContext) onDataReply(msg *message.Message) error {
	t := c.waiting(stateSyncing, msg.SessionID)
	if t == nil {
		return datasync.ErrStalePacket
	}

	done, err := c.machine.HandleResponse(c.ctx, msg)
	if errors.Is(err, datasync.ErrStalePacket) {
		return err
	}

	if !done {
		c.armTimer()

		return nil
	}

	if !c.dataDone(t, err) {
		return c.schedule()
	}

	return nil
}

// AbortMachineIfNeed drops every target of operation syncID.
func (c *TaskContext) AbortMachineIfNeed(syncID uint32) {
	c.mu.Lock()

	kept := c.targets[:0]

	var dropped []*Target

	for _, t := range c.targets {
		if t.Op.ID() == syncID {
			dropped = append(dropped, t)
		} else {
			kept = append(kept, t)
		}
	}

	c.targets = kept
	cur := c.current
	c.mu.Unlock()

	for _, t := range dropped {
		t.Op.SetError(t.Device, models.ErrObjectKilled)
	}

	if cur != nil && cur.Op.ID() == syncID {
		c.failCurrent(cur, models.ErrObjectKilled)
	}
}

// ClearSyncTasks fails the running and every queued target with err.
func (c *TaskContext) ClearSyncTasks(err error) {
	c.mu.Lock()
	pending := c.targets
	c.targets = nil
	cur := c.current
	c.mu.Unlock()

	if cur != nil {
		c.initiator.Reset()
		c.machine.Abort()
		c.finish(cur, err)
	}

	for _, t := range pending {
		t.Op.SetError(t.Device, err)
	}
}

// Pending is the number of targets waiting or running.
func (c *TaskContext) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := len(c.targets)
	if c.current != nil {
		n++
	}

	return n
}
