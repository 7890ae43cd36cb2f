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

package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/models"
)

var (
	// ErrClosed is returned for work submitted after Close. It matches models.ErrBusy.
	ErrClosed = fmt.Errorf("%w: runtime closed", models.ErrBusy)

	errNilTask         = errors.New("task is nil")
	errInvalidInterval = errors.New("timer interval must be positive")
	errTimerNotFound   = errors.New("timer not found")
)

const defaultWorkers = 8

// Pool is the default Context: a fixed set of workers reading an unbounded FIFO.
type Pool struct {
	log logger.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	tasks  []func()
	closed bool

	queues map[string]*serialQueue

	timerMu sync.Mutex
	timers  map[TimerID]*timer
	nextID  TimerID

	wg sync.WaitGroup
}

type serialQueue struct {
	tasks  []func()
	active bool
}

type timer struct {
	t         *time.Timer
	interval  time.Duration
	action    TimerAction
	finalizer func()
	removed   bool
}

// NewPool starts workers goroutines. workers <= 0 selects a default.
func NewPool(workers int, log logger.Logger) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}

	p := &Pool{
		log:    log,
		queues: make(map[string]*serialQueue),
		timers: make(map[TimerID]*timer),
	}
	p.cond = sync.NewCond(&p.mu)

	p.wg.Add(workers)

	for i := 0; i < workers; i++ {
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()

		for len(p.tasks) == 0 && !p.closed {
			p.cond.Wait()
		}

		if len(p.tasks) == 0 {
			p.mu.Unlock()

			return
		}

		task := p.tasks[0]
		p.tasks[0] = nil
		p.tasks = p.tasks[1:]
		p.mu.Unlock()

		p.run(task)
	}
}

func (p *Pool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Scheduled task panicked")
		}
	}()

	task()
}

func (p *Pool) ScheduleTask(task func()) error {
	if task == nil {
		return errNilTask
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	p.tasks = append(p.tasks, task)
	p.cond.Signal()

	return nil
}

func (p *Pool) ScheduleQueuedTask(queueID string, task func()) error {
	if task == nil {
		return errNilTask
	}

	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()

		return ErrClosed
	}

	q, ok := p.queues[queueID]
	if !ok {
		q = &serialQueue{}
		p.queues[queueID] = q
	}

	q.tasks = append(q.tasks, task)

	if q.active {
		p.mu.Unlock()

		return nil
	}

	q.active = true
	p.tasks = append(p.tasks, func() { p.drainQueue(queueID) })
	p.cond.Signal()
	p.mu.Unlock()

	return nil
}

// drainQueue runs one serial queue to empty on the current worker.
func (p *Pool) drainQueue(queueID string) {
	for {
		p.mu.Lock()

		q := p.queues[queueID]
		if len(q.tasks) == 0 {
			q.active = false
			delete(p.queues, queueID)
			p.mu.Unlock()

			return
		}

		task := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		p.mu.Unlock()

		p.run(task)
	}
}

func (p *Pool) SetTimer(interval time.Duration, action TimerAction, finalizer func()) (TimerID, error) {
	if action == nil {
		return 0, errNilTask
	}

	if interval <= 0 {
		return 0, errInvalidInterval
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return 0, ErrClosed
	}

	p.timerMu.Lock()
	defer p.timerMu.Unlock()

	p.nextID++
	id := p.nextID
	tm := &timer{interval: interval, action: action, finalizer: finalizer}
	tm.t = time.AfterFunc(interval, func() { p.fire(id) })
	p.timers[id] = tm

	return id, nil
}

func (p *Pool) fire(id TimerID) {
	p.timerMu.Lock()
	tm, ok := p.timers[id]
	p.timerMu.Unlock()

	if !ok {
		return
	}

	err := p.ScheduleTask(func() {
		if err := tm.action(id); err != nil {
			p.log.Debug().Uint64("timer_id", uint64(id)).Err(err).Msg("Timer action stopped timer")
			p.RemoveTimer(id)

			return
		}

		p.timerMu.Lock()
		if !tm.removed {
			tm.t.Reset(tm.interval)
		}
		p.timerMu.Unlock()
	})
	if err != nil {
		p.RemoveTimer(id)
	}
}

func (p *Pool) ModifyTimer(id TimerID, interval time.Duration) error {
	if interval <= 0 {
		return errInvalidInterval
	}

	p.timerMu.Lock()
	defer p.timerMu.Unlock()

	tm, ok := p.timers[id]
	if !ok {
		return fmt.Errorf("%w: %d", errTimerNotFound, id)
	}

	tm.interval = interval
	tm.t.Stop()
	tm.t.Reset(interval)

	return nil
}

func (p *Pool) RemoveTimer(id TimerID) {
	p.timerMu.Lock()

	tm, ok := p.timers[id]
	if !ok {
		p.timerMu.Unlock()

		return
	}

	delete(p.timers, id)
	tm.removed = true
	tm.t.Stop()
	p.timerMu.Unlock()

	if tm.finalizer != nil {
		tm.finalizer()
	}
}

// Close stops all timers, refuses new work and waits until queued tasks drain or
// ctx expires.
func (p *Pool) Close(ctx context.Context) error {
	p.timerMu.Lock()
	ids := make([]TimerID, 0, len(p.timers))

	for id := range p.timers {
		ids = append(ids, id)
	}
	p.timerMu.Unlock()

	for _, id := range ids {
		p.RemoveTimer(id)
	}

	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan struct{})

	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Context = (*Pool)(nil)
