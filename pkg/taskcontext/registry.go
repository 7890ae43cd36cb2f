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
	"sync"

	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/models"
)

// Registry maps peers to their TaskContext. Its lock is always taken before a
// context's own lock, never the other way round.
type Registry struct {
	deps Deps
	log  logger.Logger

	mu       sync.Mutex
	contexts map[models.PeerIdentity]*TaskContext
	closed   bool
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{
		deps:     deps,
		log:      deps.Log,
		contexts: make(map[models.PeerIdentity]*TaskContext),
	}
}

// Find returns the context of id with a reference the caller must Release. A
// default-user lookup falls back to any context of the same device.
func (r *Registry) Find(id models.PeerIdentity) (*TaskContext, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.contexts[id]
	if !ok && id.IsDefaultUser() {
		for key, candidate := range r.contexts {
			if key.Device == id.Device {
				c, ok = candidate, true

				break
			}
		}
	}

	if !ok || !c.AddRef() {
		return nil, false
	}

	return c, true
}

// GetOrCreate returns the context of id, creating it if needed, with a
// reference the caller must Release.
func (r *Registry) GetOrCreate(id models.PeerIdentity) (*TaskContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, models.ErrObjectKilled
	}

	if c, ok := r.contexts[id]; ok && c.AddRef() {
		return c, nil
	}

	c := New(id, r.deps, r.forget)
	r.contexts[id] = c

	if !c.AddRef() {
		return nil, models.ErrObjectKilled
	}

	r.log.Debug().Str("device", id.Device).Str("user", id.User).Msg("Created task context")

	return c, nil
}

// forget unmaps c once its last reference is gone.
func (r *Registry) forget(c *TaskContext) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.contexts[c.ID()]; ok && cur == c {
		delete(r.contexts, c.ID())
	}
}

// Remove kills the context of id and drops the registry's reference.
func (r *Registry) Remove(id models.PeerIdentity) {
	r.mu.Lock()
	c, ok := r.contexts[id]
	if ok {
		delete(r.contexts, id)
	}
	r.mu.Unlock()

	if ok {
		c.Kill()
		c.Release()
	}
}

// snapshot returns referenced live contexts matching keep. Callers release them.
func (r *Registry) snapshot(keep func(models.PeerIdentity) bool) []*TaskContext {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*TaskContext, 0, len(r.contexts))

	for id, c := range r.contexts {
		if keep != nil && !keep(id) {
			continue
		}

		if c.IsKilled() || !c.AddRef() {
			continue
		}

		out = append(out, c)
	}

	return out
}

func (r *Registry) each(keep func(models.PeerIdentity) bool, fn func(*TaskContext)) {
	for _, c := range r.snapshot(keep) {
		fn(c)
		c.Release()
	}
}

// SchemaChange tells every context the local schema changed.
func (r *Registry) SchemaChange() {
	r.each(nil, (*TaskContext).SchemaChange)
}

// TimeChange tells every context the local clock moved.
func (r *Registry) TimeChange() {
	r.each(nil, (*TaskContext).TimeChange)
}

// AbortMachineIfNeed drops the targets of operation syncID everywhere.
func (r *Registry) AbortMachineIfNeed(syncID uint32) {
	r.each(nil, func(c *TaskContext) { c.AbortMachineIfNeed(syncID) })
}

// ClearSyncTasks fails the in-flight targets of every context of device.
func (r *Registry) ClearSyncTasks(device string, err error) {
	r.each(
		func(id models.PeerIdentity) bool { return id.Device == device },
		func(c *TaskContext) { c.ClearSyncTasks(err) },
	)
}

// RemoveDevice unmaps and kills every context of device and returns how many
// were dropped. A later message from the device creates a fresh context.
func (r *Registry) RemoveDevice(device string) int {
	r.mu.Lock()
	var gone []*TaskContext

	for id, c := range r.contexts {
		if id.Device == device {
			delete(r.contexts, id)
			gone = append(gone, c)
		}
	}
	r.mu.Unlock()

	for _, c := range gone {
		c.Kill()
		c.Release()
	}

	return len(gone)
}

// Len is the number of mapped contexts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.contexts)
}

// Close kills every context and refuses new ones.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	all := r.contexts
	r.contexts = make(map[models.PeerIdentity]*TaskContext)
	r.mu.Unlock()

	for _, c := range all {
		c.Kill()
		c.Release()
	}
}
