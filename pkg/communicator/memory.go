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

	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/message"
	"github.com/carverauto/peersync/pkg/models"
)

const defaultTimeout = 5 * time.Second

// DropFunc decides whether the in-memory network silently loses a message.
type DropFunc func(source, target string, msg *message.Message) bool

type endpointKey struct {
	label  string
	device string
}

// MemoryNetwork is a loopback transport connecting several in-process
// instances. Every message is encoded to a frame and decoded on delivery, and
// each endpoint delivers in send order on its own goroutine.
type MemoryNetwork struct {
	log logger.Logger

	mu        sync.Mutex
	endpoints map[endpointKey]*MemoryCommunicator
	online    map[string]bool
	drop      DropFunc
}

func NewMemoryNetwork(log logger.Logger) *MemoryNetwork {
	return &MemoryNetwork{
		log:       log,
		endpoints: make(map[endpointKey]*MemoryCommunicator),
		online:    make(map[string]bool),
	}
}

// SetDropFilter installs fn to simulate message loss. nil disables it.
func (n *MemoryNetwork) SetDropFilter(fn DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.drop = fn
}

// Aggregator returns the allocator for device's communicators.
func (n *MemoryNetwork) Aggregator(device string) *MemoryAggregator {
	return &MemoryAggregator{net: n, device: device}
}

// SetOnline changes device presence and tells every other endpoint about it.
func (n *MemoryNetwork) SetOnline(device string, online bool) {
	n.mu.Lock()
	if n.online[device] == online {
		n.mu.Unlock()

		return
	}

	n.online[device] = online
	peers := n.endpointsExceptLocked(device)
	n.mu.Unlock()

	for _, ep := range peers {
		ep.enqueue(delivery{source: device, connect: true, online: online})
	}
}

func (n *MemoryNetwork) endpointsExceptLocked(device string) []*MemoryCommunicator {
	out := make([]*MemoryCommunicator, 0, len(n.endpoints))

	for k, ep := range n.endpoints {
		if k.device != device {
			out = append(out, ep)
		}
	}

	return out
}

func (n *MemoryNetwork) hasEndpointLocked(device string) bool {
	for k := range n.endpoints {
		if k.device == device {
			return true
		}
	}

	return false
}

// MemoryAggregator allocates labeled communicators for one device.
type MemoryAggregator struct {
	net    *MemoryNetwork
	device string
}

// AllocCommunicator creates the endpoint (label, device). The first endpoint
// of a device brings it online.
func (a *MemoryAggregator) AllocCommunicator(label string) (Communicator, error) {
	n := a.net
	key := endpointKey{label: label, device: a.device}

	n.mu.Lock()
	if _, ok := n.endpoints[key]; ok {
		n.mu.Unlock()

		return nil, errLabelInUse
	}

	first := !n.hasEndpointLocked(a.device)
	c := newMemoryCommunicator(n, label, a.device)
	n.endpoints[key] = c
	n.mu.Unlock()

	if first {
		n.SetOnline(a.device, true)
	}

	return c, nil
}

// ReleaseCommunicator closes c. Releasing the last endpoint takes the device offline.
func (a *MemoryAggregator) ReleaseCommunicator(c Communicator) {
	mc, ok := c.(*MemoryCommunicator)
	if !ok {
		return
	}

	n := a.net

	n.mu.Lock()
	delete(n.endpoints, endpointKey{label: mc.label, device: mc.device})
	last := !n.hasEndpointLocked(mc.device)
	n.mu.Unlock()

	mc.close()

	if last {
		n.SetOnline(mc.device, false)
	}
}

type delivery struct {
	source  string
	frame   []byte
	connect bool
	online  bool
}

// MemoryCommunicator is one endpoint of a MemoryNetwork.
type MemoryCommunicator struct {
	net    *MemoryNetwork
	label  string
	device string

	mu       sync.Mutex
	cond     *sync.Cond
	inbox    []delivery
	closed   bool
	onMsg    OnMessage
	onConn   OnConnect
	timeout  time.Duration
	timeouts map[string]time.Duration
}

func newMemoryCommunicator(n *MemoryNetwork, label, device string) *MemoryCommunicator {
	c := &MemoryCommunicator{
		net:      n,
		label:    label,
		device:   device,
		timeout:  defaultTimeout,
		timeouts: make(map[string]time.Duration),
	}
	c.cond = sync.NewCond(&c.mu)

	go c.deliverLoop()

	return c
}

func (c *MemoryCommunicator) enqueue(d delivery) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.inbox = append(c.inbox, d)
	c.cond.Signal()
}

func (c *MemoryCommunicator) deliverLoop() {
	for {
		c.mu.Lock()
		for len(c.inbox) == 0 && !c.closed {
			c.cond.Wait()
		}

		if c.closed {
			c.mu.Unlock()

			return
		}

		d := c.inbox[0]
		c.inbox[0] = delivery{}
		c.inbox = c.inbox[1:]
		onMsg, onConn := c.onMsg, c.onConn
		c.mu.Unlock()

		if d.connect {
			if onConn != nil {
				onConn(d.source, d.online)
			}

			continue
		}

		msg, err := message.Decode(d.frame)
		if err != nil {
			c.net.log.Warn().Err(err).Str("source", d.source).Msg("Dropping undecodable frame")

			continue
		}

		if onMsg != nil {
			onMsg(d.source, msg)
		}
	}
}

func (c *MemoryCommunicator) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	c.inbox = nil
	c.cond.Broadcast()
}

func (c *MemoryCommunicator) RegOnMessageCallback(fn OnMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onMsg = fn

	return nil
}

func (c *MemoryCommunicator) RegOnConnectCallback(fn OnConnect) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onConn = fn

	return nil
}

func (c *MemoryCommunicator) SendMessage(_ context.Context, target string, msg *message.Message, _ SendConfig, _ func(error)) error {
	if msg == nil {
		return errNilMessage
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return &models.CommError{Device: target, Code: models.DBStatusCommFailure, Err: errCommunicatorGone}
	}

	frame, err := message.Encode(msg)
	if err != nil {
		return err
	}

	n := c.net

	n.mu.Lock()
	dst, ok := n.endpoints[endpointKey{label: c.label, device: target}]
	reachable := ok && n.online[target] && n.online[c.device]
	drop := n.drop
	n.mu.Unlock()

	if !reachable {
		return &models.CommError{Device: target, Code: models.DBStatusNoNetwork, Err: errDeviceUnreachable}
	}

	if drop != nil && drop(c.device, target, msg) {
		return nil
	}

	dst.enqueue(delivery{source: c.device, frame: frame})

	return nil
}

// SetTimeout overrides the response timeout for device; an empty device sets the default.
func (c *MemoryCommunicator) SetTimeout(device string, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if device == "" {
		c.timeout = d

		return
	}

	c.timeouts[device] = d
}

func (c *MemoryCommunicator) GetTimeout(device string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, ok := c.timeouts[device]; ok {
		return d
	}

	return c.timeout
}

func (c *MemoryCommunicator) GetLocalIdentity() (string, error) {
	return c.device, nil
}

func (c *MemoryCommunicator) IsDeviceOnline(device string) bool {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	return c.net.online[device]
}

func (c *MemoryCommunicator) OnlineDevices() []string {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()

	out := make([]string, 0, len(c.net.online))

	for d, on := range c.net.online {
		if on && d != c.device {
			out = append(out, d)
		}
	}

	sort.Strings(out)

	return out
}

var (
	_ Communicator = (*MemoryCommunicator)(nil)
	_ Aggregator   = (*MemoryAggregator)(nil)
)
