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

// Package runtime provides the shared worker pool, per-identifier serial queues
// and repeating timers the sync engine schedules its work on.
package runtime

import "time"

// TimerID identifies a timer created by SetTimer. Zero is never issued.
type TimerID uint64

// TimerAction runs on every tick. Returning an error stops the timer.
type TimerAction func(id TimerID) error

// Context is the scheduling surface handed to every sync component.
type Context interface {
	// ScheduleTask runs task on the pool. It never blocks the caller.
	ScheduleTask(task func()) error

	// ScheduleQueuedTask runs task after every task previously queued under
	// queueID has finished.
	ScheduleQueuedTask(queueID string, task func()) error

	// SetTimer starts a repeating timer. finalizer, if set, runs once after the
	// timer is removed.
	SetTimer(interval time.Duration, action TimerAction, finalizer func()) (TimerID, error)

	// ModifyTimer changes the interval; the next tick is rescheduled from now.
	ModifyTimer(id TimerID, interval time.Duration) error

	// RemoveTimer stops id. Unknown ids are ignored.
	RemoveTimer(id TimerID)
}
