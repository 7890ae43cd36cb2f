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

// Package operation tracks one caller-issued sync request across its target
// devices and delivers its terminal callback exactly once.
package operation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/runtime"
)

var (
	errNoDevices    = errors.New("sync operation has no target devices")
	errNotBlocking  = errors.New("operation is not blocking")
	errDuplicateDev = errors.New("duplicate target device")
)

// Result is the final user-facing status of each target device.
type Result map[string]models.DBStatus

// DeviceProgress is the progress of one target device.
type DeviceProgress struct {
	Process  models.ProcessStatus
	Status   models.DBStatus
	Total    uint32
	Finished uint32
}

// Progress maps a device to its progress.
type Progress map[string]DeviceProgress

// CompleteFunc receives the final result. It is called at most once.
type CompleteFunc func(Result)

// ProgressFunc receives progress snapshots.
type ProgressFunc func(Progress)

// Options describe a sync request.
type Options struct {
	ID      uint32
	Devices []string
	Mode    models.SyncMode
	// Blocking callers wait in WaitIfNeed and get their callback inline.
	Blocking bool
	Query    *models.Query
	// Identifier orders callbacks of operations sharing it.
	Identifier string
	OnComplete CompleteFunc
	OnProgress ProgressFunc
}

// Operation is one sync request. Its methods are safe for concurrent use.
type Operation struct {
	id         uint32
	traceID    string
	devices    []string
	blocking   bool
	query      *models.Query
	identifier string
	onComplete CompleteFunc
	onProgress ProgressFunc
	rt         runtime.Context
	log        logger.Logger

	mu         sync.Mutex
	mode       models.SyncMode
	isAuto     bool
	statuses   map[string]models.OpStatus
	commCodes  map[string]models.DBStatus
	progress   map[string]*DeviceProgress
	isFinished bool
	killed     bool
	onFinished func(id uint32)
	done       chan struct{}
}

// New builds an operation. Initialize must be called before use.
func New(opts Options, rt runtime.Context, log logger.Logger) *Operation {
	devices := make([]string, len(opts.Devices))
	copy(devices, opts.Devices)

	return &Operation{
		id:         opts.ID,
		traceID:    uuid.NewString(),
		devices:    devices,
		mode:       opts.Mode,
		blocking:   opts.Blocking,
		query:      opts.Query,
		identifier: opts.Identifier,
		onComplete: opts.OnComplete,
		onProgress: opts.OnProgress,
		rt:         rt,
		log:        log,
		statuses:   make(map[string]models.OpStatus, len(opts.Devices)),
		commCodes:  make(map[string]models.DBStatus),
		progress:   make(map[string]*DeviceProgress, len(opts.Devices)),
	}
}

// Initialize validates the request, marks every device waiting and rewrites
// auto modes to their manual counterpart.
func (o *Operation) Initialize() error {
	if len(o.devices) == 0 {
		return fmt.Errorf("%w: %w", models.ErrInvalidArgs, errNoDevices)
	}

	if o.mode.IsQuery() && o.mode != models.SyncModeUnsubscribeQuery && o.query == nil {
		return fmt.Errorf("%w: %s requires a query", models.ErrInvalidQueryFormat, o.mode)
	}

	if err := o.query.Validate(); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	for _, d := range o.devices {
		if _, dup := o.statuses[d]; dup {
			return fmt.Errorf("%w: %w: %s", models.ErrInvalidArgs, errDuplicateDev, d)
		}

		o.statuses[d] = models.OpWaiting
		o.progress[d] = &DeviceProgress{Process: models.ProcessPrepared}
	}

	if manual, ok := o.mode.Manual(); ok {
		o.mode = manual
		o.isAuto = true
	}

	if o.blocking {
		o.done = make(chan struct{})
	}

	return nil
}

func (o *Operation) ID() uint32 { return o.id }

// TraceID correlates log lines of one operation across peers.
func (o *Operation) TraceID() string { return o.traceID }

func (o *Operation) Identifier() string { return o.identifier }

func (o *Operation) Query() *models.Query { return o.query }

func (o *Operation) IsBlocking() bool { return o.blocking }

// Devices returns the target devices in request order.
func (o *Operation) Devices() []string {
	out := make([]string, len(o.devices))
	copy(out, o.devices)

	return out
}

func (o *Operation) Mode() models.SyncMode {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.mode
}

// IsAutoSync reports whether the request came in as an auto mode.
func (o *Operation) IsAutoSync() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.isAuto
}

// Status returns the status of device and whether it is a target.
func (o *Operation) Status(device string) (models.OpStatus, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	s, ok := o.statuses[device]

	return s, ok
}

// SetOnSyncFinished installs the internal hook run after the callbacks.
func (o *Operation) SetOnSyncFinished(fn func(id uint32)) {
	o.mu.Lock()
	o.onFinished = fn
	o.mu.Unlock()
}

// Kill marks the operation dead. Work still queued for it is dropped by its owners.
func (o *Operation) Kill() {
	o.mu.Lock()
	o.killed = true
	o.mu.Unlock()
}

func (o *Operation) IsKilled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.killed
}

// SetStatus records the status of device. Terminal statuses stick; commCode is
// remembered for communication failures so the final report keeps the
// transport's reason. Once every device is terminal the operation finishes.
func (o *Operation) SetStatus(device string, status models.OpStatus, commCode models.DBStatus) {
	o.mu.Lock()

	cur, ok := o.statuses[device]
	if !ok || cur.IsTerminal() {
		o.mu.Unlock()

		return
	}

	o.statuses[device] = status

	if status.IsCommFailure() && commCode != models.DBStatusOK {
		o.commCodes[device] = commCode
	}

	if p := o.progress[device]; p != nil {
		p.Process = models.ProcessStatusOf(status)
		if status.IsTerminal() {
			p.Status = o.dbStatusLocked(device, status)
		}
	}

	allDone := o.allTerminalLocked()
	o.mu.Unlock()

	o.log.Debug().
		Uint32("sync_id", o.id).
		Str("device", device).
		Int("status", int(status)).
		Msg("Sync operation status changed")

	if allDone {
		o.Finished()
	}
}

// SetError records the terminal status derived from err.
func (o *Operation) SetError(device string, err error) {
	o.SetStatus(device, models.StatusFromError(err), models.CommCodeOf(err))
}

// CheckIsAllFinished reports whether every device reached a terminal status.
func (o *Operation) CheckIsAllFinished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.allTerminalLocked()
}

func (o *Operation) allTerminalLocked() bool {
	for _, s := range o.statuses {
		if !s.IsTerminal() {
			return false
		}
	}

	return len(o.statuses) > 0
}

func (o *Operation) dbStatusLocked(device string, s models.OpStatus) models.DBStatus {
	if code, ok := o.commCodes[device]; ok && s.IsCommFailure() {
		return code
	}

	return models.DBStatusOf(s)
}

// Finished delivers the terminal callbacks. Only the first call has any effect.
func (o *Operation) Finished() {
	o.mu.Lock()

	if o.isFinished {
		o.mu.Unlock()

		return
	}

	o.isFinished = true

	result := make(Result, len(o.statuses))
	for d, s := range o.statuses {
		result[d] = o.dbStatusLocked(d, s)
	}

	progress := o.progressLocked()
	for d, p := range progress {
		p.Process = models.ProcessFinished
		progress[d] = p
	}

	hook := o.onFinished
	done := o.done
	o.mu.Unlock()

	o.log.Info().
		Uint32("sync_id", o.id).
		Str("trace_id", o.traceID).
		Str("mode", o.Mode().String()).
		Interface("result", result).
		Msg("Sync operation finished")

	deliver := func() {
		if o.onComplete != nil {
			o.onComplete(result)
		}

		if o.onProgress != nil {
			o.onProgress(progress)
		}
	}

	if done != nil {
		deliver()
		close(done)
	} else if err := o.rt.ScheduleQueuedTask(o.identifier, deliver); err != nil {
		// runtime is shutting down; the caller still gets its answer
		o.log.Warn().Err(err).Uint32("sync_id", o.id).Msg("Delivering sync callback inline")
		deliver()
	}

	if hook != nil {
		hook(o.id)
	}
}

// IsFinished reports whether the terminal callbacks were dispatched.
func (o *Operation) IsFinished() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.isFinished
}

// WaitIfNeed blocks a blocking caller until the operation finishes.
func (o *Operation) WaitIfNeed(ctx context.Context) error {
	if !o.blocking {
		return nil
	}

	o.mu.Lock()
	done := o.done
	o.mu.Unlock()

	if done == nil {
		return fmt.Errorf("%w: %w", models.ErrInvalidArgs, errNotBlocking)
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", models.ErrTimeout, ctx.Err())
	}
}

// SetSyncProcessTotal sets the number of items device will exchange.
func (o *Operation) SetSyncProcessTotal(device string, total uint32) {
	o.updateProgress(device, func(p *DeviceProgress) {
		p.Total = total
	})
}

// UpdateFinishedCount adds n exchanged items for device.
func (o *Operation) UpdateFinishedCount(device string, n uint32) {
	o.updateProgress(device, func(p *DeviceProgress) {
		p.Finished += n
		if p.Total < p.Finished {
			p.Total = p.Finished
		}
	})
}

func (o *Operation) updateProgress(device string, fn func(*DeviceProgress)) {
	o.mu.Lock()

	p, ok := o.progress[device]
	if !ok || o.isFinished {
		o.mu.Unlock()

		return
	}

	fn(p)

	snapshot := o.progressLocked()
	o.mu.Unlock()

	if o.onProgress != nil {
		o.onProgress(snapshot)
	}
}

func (o *Operation) progressLocked() Progress {
	out := make(Progress, len(o.progress))
	for d, p := range o.progress {
		out[d] = *p
	}

	return out
}

// SortedDevices is a helper for stable iteration over a Result.
func (r Result) SortedDevices() []string {
	out := make([]string, 0, len(r))
	for d := range r {
		out = append(out, d)
	}

	sort.Strings(out)

	return out
}
