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

package communicator

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/carverauto/peersync/pkg/message"
)

// Proxy routes each device to the communicator of its equal identifier, or to
// the main communicator when the device is not grouped.
type Proxy struct {
	mu            sync.RWMutex
	main          Communicator
	equal         map[string]Communicator // identifier -> communicator
	devIdentifier map[string]string       // device -> identifier
}

func NewProxy() *Proxy {
	return &Proxy{
		equal:         make(map[string]Communicator),
		devIdentifier: make(map[string]string),
	}
}

func (p *Proxy) SetMainCommunicator(c Communicator) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.main = c
}

// GetEqualCommunicator returns the communicator bound to identifier, if any.
func (p *Proxy) GetEqualCommunicator(identifier string) (Communicator, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	c, ok := p.equal[identifier]

	return c, ok
}

// SetEqualCommunicator binds targets to identifier served by c. Devices that
// previously belonged to identifier but are not in targets fall back to the
// main communicator. The identifiers left without any device are returned,
// sorted, so the caller can release their communicators.
func (p *Proxy) SetEqualCommunicator(c Communicator, identifier string, targets []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.equal[identifier] = c

	keep := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		keep[t] = struct{}{}
	}

	for dev, id := range p.devIdentifier {
		if id != identifier {
			continue
		}

		if _, ok := keep[dev]; !ok {
			delete(p.devIdentifier, dev)
		}
	}

	for _, t := range targets {
		p.devIdentifier[t] = identifier
	}

	used := make(map[string]struct{}, len(p.equal))
	for _, id := range p.devIdentifier {
		used[id] = struct{}{}
	}

	var unused []string

	for id := range p.equal {
		if _, ok := used[id]; !ok {
			unused = append(unused, id)
		}
	}

	sort.Strings(unused)

	return unused
}

// RemoveEqualCommunicator unbinds identifier and returns its communicator.
func (p *Proxy) RemoveEqualCommunicator(identifier string) (Communicator, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c, ok := p.equal[identifier]
	if !ok {
		return nil, false
	}

	delete(p.equal, identifier)

	for dev, id := range p.devIdentifier {
		if id == identifier {
			delete(p.devIdentifier, dev)
		}
	}

	return c, true
}

// IdentifierOf returns the equal identifier device is grouped under.
func (p *Proxy) IdentifierOf(device string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	id, ok := p.devIdentifier[device]

	return id, ok
}

// All returns the main communicator followed by every equal communicator.
func (p *Proxy) All() []Communicator {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Communicator, 0, len(p.equal)+1)
	if p.main != nil {
		out = append(out, p.main)
	}

	ids := make([]string, 0, len(p.equal))
	for id := range p.equal {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	for _, id := range ids {
		out = append(out, p.equal[id])
	}

	return out
}

// Clear drops every binding and returns the equal communicators that were held.
func (p *Proxy) Clear() []Communicator {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Communicator, 0, len(p.equal))
	for _, c := range p.equal {
		out = append(out, c)
	}

	p.equal = make(map[string]Communicator)
	p.devIdentifier = make(map[string]string)
	p.main = nil

	return out
}

func (p *Proxy) communicatorFor(device string) Communicator {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if id, ok := p.devIdentifier[device]; ok {
		if c, ok := p.equal[id]; ok {
			return c
		}
	}

	return p.main
}

// RegOnMessageCallback registers fn on the main communicator only; equal
// communicators are registered by whoever allocates them.
func (p *Proxy) RegOnMessageCallback(fn OnMessage) error {
	c := p.communicatorFor("")
	if c == nil {
		return errNoMainCommunicator
	}

	return c.RegOnMessageCallback(fn)
}

func (p *Proxy) RegOnConnectCallback(fn OnConnect) error {
	c := p.communicatorFor("")
	if c == nil {
		return errNoMainCommunicator
	}

	return c.RegOnConnectCallback(fn)
}

func (p *Proxy) SendMessage(ctx context.Context, target string, msg *message.Message, cfg SendConfig, onErr func(error)) error {
	c := p.communicatorFor(target)
	if c == nil {
		return errNoMainCommunicator
	}

	return c.SendMessage(ctx, target, msg, cfg, onErr)
}

func (p *Proxy) GetTimeout(device string) time.Duration {
	c := p.communicatorFor(device)
	if c == nil {
		return defaultTimeout
	}

	return c.GetTimeout(device)
}

func (p *Proxy) GetLocalIdentity() (string, error) {
	c := p.communicatorFor("")
	if c == nil {
		return "", errNoMainCommunicator
	}

	return c.GetLocalIdentity()
}

func (p *Proxy) IsDeviceOnline(device string) bool {
	c := p.communicatorFor(device)

	return c != nil && c.IsDeviceOnline(device)
}

// OnlineDevices merges the online sets of all communicators.
func (p *Proxy) OnlineDevices() []string {
	seen := make(map[string]struct{})

	var out []string

	for _, c := range p.All() {
		for _, d := range c.OnlineDevices() {
			if _, ok := seen[d]; ok {
				continue
			}

			seen[d] = struct{}{}
			out = append(out, d)
		}
	}

	sort.Strings(out)

	return out
}

var _ Communicator = (*Proxy)(nil)
