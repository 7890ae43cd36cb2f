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
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/message"
	"github.com/carverauto/peersync/pkg/models"
)

const (
	defaultSubjectPrefix     = "peersync"
	defaultHeartbeatInterval = 2 * time.Second
	offlineAfterBeats        = 3

	sourceHeader      = "Peersync-Source"
	presenceOn        = "online"
	presenceOff       = "offline"
	defaultLabelToken = "_"
)

var errNilConn = errors.New("nats connection is nil")

// NatsConfig parameterizes the NATS transport.
type NatsConfig struct {
	// SubjectPrefix namespaces every subject; peers must agree on it.
	SubjectPrefix string `json:"subject_prefix"`
	// HeartbeatInterval is how often presence is announced.
	HeartbeatInterval models.Duration `json:"heartbeat_interval"`
	// Timeout is the response timeout reported for every device.
	Timeout models.Duration `json:"timeout"`
}

func (c *NatsConfig) setDefaults() {
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = defaultSubjectPrefix
	}

	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = models.Duration(defaultHeartbeatInterval)
	}

	if c.Timeout <= 0 {
		c.Timeout = models.Duration(defaultTimeout)
	}
}

func token(s string) string {
	if s == "" {
		return defaultLabelToken
	}

	return hex.EncodeToString([]byte(s))
}

func untoken(t string) (string, bool) {
	if t == defaultLabelToken {
		return "", true
	}

	b, err := hex.DecodeString(t)
	if err != nil {
		return "", false
	}

	return string(b), true
}

// NatsAggregator runs the presence protocol for one device and allocates
// labeled communicators on a shared NATS connection. Messages for (label,
// device) go to <prefix>.msg.<label>.<device>; presence heartbeats go to
// <prefix>.presence.<device>. Tokens are hex encoded.
type NatsAggregator struct {
	nc     *nats.Conn
	device string
	cfg    NatsConfig
	log    logger.Logger

	mu       sync.Mutex
	comms    map[string]*NatsCommunicator
	lastSeen map[string]time.Time
	online   map[string]bool
	now      func() time.Time

	presenceSub *nats.Subscription
	stop        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// NewNatsAggregator starts announcing device on nc. An empty device gets a
// random identity.
func NewNatsAggregator(nc *nats.Conn, device string, cfg NatsConfig, log logger.Logger) (*NatsAggregator, error) {
	if nc == nil {
		return nil, errNilConn
	}

	cfg.setDefaults()

	if device == "" {
		device = uuid.NewString()
	}

	a := &NatsAggregator{
		nc:       nc,
		device:   device,
		cfg:      cfg,
		log:      log,
		comms:    make(map[string]*NatsCommunicator),
		lastSeen: make(map[string]time.Time),
		online:   make(map[string]bool),
		now:      time.Now,
		stop:     make(chan struct{}),
	}

	sub, err := nc.Subscribe(a.presenceSubject("*"), a.handlePresence)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to presence: %w", err)
	}

	a.presenceSub = sub

	if err := a.announce(presenceOn); err != nil {
		_ = sub.Unsubscribe()

		return nil, err
	}

	a.wg.Add(1)

	go a.heartbeatLoop()

	log.Info().
		Str("device", device).
		Str("subject_prefix", cfg.SubjectPrefix).
		Msg("NATS transport started")

	return a, nil
}

// LocalDevice is the identity announced on the network.
func (a *NatsAggregator) LocalDevice() string { return a.device }

func (a *NatsAggregator) presenceSubject(deviceToken string) string {
	return a.cfg.SubjectPrefix + ".presence." + deviceToken
}

func (a *NatsAggregator) messageSubject(label, device string) string {
	return a.cfg.SubjectPrefix + ".msg." + token(label) + "." + token(device)
}

func (a *NatsAggregator) announce(state string) error {
	if err := a.nc.Publish(a.presenceSubject(token(a.device)), []byte(state)); err != nil {
		return fmt.Errorf("failed to publish presence: %w", err)
	}

	return nil
}

func (a *NatsAggregator) heartbeatLoop() {
	defer a.wg.Done()

	interval := time.Duration(a.cfg.HeartbeatInterval)
	ticker := time.NewTicker(interval)

	defer ticker.Stop()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			if err := a.announce(presenceOn); err != nil {
				a.log.Warn().Err(err).Msg("Heartbeat failed")
			}

			a.sweep()
		}
	}
}

// sweep marks devices offline after offlineAfterBeats missed heartbeats.
func (a *NatsAggregator) sweep() {
	deadline := a.now().Add(-offlineAfterBeats * time.Duration(a.cfg.HeartbeatInterval))

	var gone []string

	a.mu.Lock()
	for dev, seen := range a.lastSeen {
		if a.online[dev] && seen.Before(deadline) {
			a.online[dev] = false
			gone = append(gone, dev)
		}
	}
	a.mu.Unlock()

	for _, dev := range gone {
		a.log.Info().Str("device", dev).Msg("Peer heartbeat expired")
		a.notifyConnect(dev, false)
	}
}

func (a *NatsAggregator) handlePresence(msg *nats.Msg) {
	tok := msg.Subject[len(a.presenceSubject("")):]

	dev, ok := untoken(tok)
	if !ok || dev == a.device {
		return
	}

	online := string(msg.Data) != presenceOff

	a.mu.Lock()
	was := a.online[dev]
	a.online[dev] = online
	a.lastSeen[dev] = a.now()
	a.mu.Unlock()

	if was == online {
		return
	}

	if online {
		// let a fresh peer learn about us without waiting a full interval
		_ = a.announce(presenceOn)
	}

	a.notifyConnect(dev, online)
}

func (a *NatsAggregator) notifyConnect(device string, online bool) {
	a.mu.Lock()
	comms := make([]*NatsCommunicator, 0, len(a.comms))

	for _, c := range a.comms {
		comms = append(comms, c)
	}
	a.mu.Unlock()

	for _, c := range comms {
		c.mu.RLock()
		fn := c.onConn
		c.mu.RUnlock()

		if fn != nil {
			fn(device, online)
		}
	}
}

func (a *NatsAggregator) isOnline(device string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.online[device]
}

func (a *NatsAggregator) onlineDevices() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]string, 0, len(a.online))

	for d, on := range a.online {
		if on {
			out = append(out, d)
		}
	}

	sort.Strings(out)

	return out
}

func (a *NatsAggregator) AllocCommunicator(label string) (Communicator, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.comms[label]; ok {
		return nil, fmt.Errorf("%w: %q", errLabelInUse, label)
	}

	c := &NatsCommunicator{agg: a, label: label}

	sub, err := a.nc.Subscribe(a.messageSubject(label, a.device), c.handleMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe for label %q: %w", label, err)
	}

	c.sub = sub
	a.comms[label] = c

	return c, nil
}

func (a *NatsAggregator) ReleaseCommunicator(c Communicator) {
	nc, ok := c.(*NatsCommunicator)
	if !ok {
		return
	}

	a.mu.Lock()
	if a.comms[nc.label] == nc {
		delete(a.comms, nc.label)
	}
	a.mu.Unlock()

	nc.release()
}

// Close announces departure and stops the presence loop. The NATS connection
// stays owned by the caller.
func (a *NatsAggregator) Close() error {
	var err error

	a.closeOnce.Do(func() {
		close(a.stop)
		a.wg.Wait()

		err = a.announce(presenceOff)

		if uerr := a.presenceSub.Unsubscribe(); uerr != nil && err == nil {
			err = uerr
		}

		a.mu.Lock()
		comms := a.comms
		a.comms = make(map[string]*NatsCommunicator)
		a.mu.Unlock()

		for _, c := range comms {
			c.release()
		}

		if ferr := a.nc.Flush(); ferr != nil && err == nil {
			err = ferr
		}
	})

	return err
}

// NatsCommunicator is a labeled endpoint of a NatsAggregator.
type NatsCommunicator struct {
	agg   *NatsAggregator
	label string
	sub   *nats.Subscription

	mu       sync.RWMutex
	onMsg    OnMessage
	onConn   OnConnect
	released bool
}

func (c *NatsCommunicator) handleMessage(m *nats.Msg) {
	source := m.Header.Get(sourceHeader)
	if source == "" {
		c.agg.log.Warn().Str("subject", m.Subject).Msg("Dropping frame without source")

		return
	}

	msg, err := message.Decode(m.Data)
	if err != nil {
		c.agg.log.Warn().Err(err).Str("source", source).Msg("Dropping undecodable frame")

		return
	}

	c.mu.RLock()
	fn := c.onMsg
	c.mu.RUnlock()

	if fn != nil {
		fn(source, msg)
	}
}

func (c *NatsCommunicator) release() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return
	}

	c.released = true

	if err := c.sub.Unsubscribe(); err != nil {
		c.agg.log.Debug().Err(err).Str("label", c.label).Msg("Unsubscribe failed")
	}
}

func (c *NatsCommunicator) RegOnMessageCallback(fn OnMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onMsg = fn

	return nil
}

func (c *NatsCommunicator) RegOnConnectCallback(fn OnConnect) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.onConn = fn

	return nil
}

func (c *NatsCommunicator) SendMessage(_ context.Context, target string, msg *message.Message, _ SendConfig, _ func(error)) error {
	if msg == nil {
		return errNilMessage
	}

	c.mu.RLock()
	released := c.released
	c.mu.RUnlock()

	if released {
		return &models.CommError{Device: target, Code: models.DBStatusCommFailure, Err: errCommunicatorGone}
	}

	if !c.agg.isOnline(target) {
		return &models.CommError{Device: target, Code: models.DBStatusNoNetwork, Err: errDeviceUnreachable}
	}

	frame, err := message.Encode(msg)
	if err != nil {
		return err
	}

	out := nats.NewMsg(c.agg.messageSubject(c.label, target))
	out.Header.Set(sourceHeader, c.agg.device)
	out.Data = frame

	if err := c.agg.nc.PublishMsg(out); err != nil {
		return &models.CommError{Device: target, Code: models.DBStatusCommFailure, Err: err}
	}

	return nil
}

func (c *NatsCommunicator) GetTimeout(string) time.Duration {
	return time.Duration(c.agg.cfg.Timeout)
}

func (c *NatsCommunicator) GetLocalIdentity() (string, error) {
	return c.agg.device, nil
}

func (c *NatsCommunicator) IsDeviceOnline(device string) bool {
	return c.agg.isOnline(device)
}

func (c *NatsCommunicator) OnlineDevices() []string {
	return c.agg.onlineDevices()
}

var (
	_ Communicator = (*NatsCommunicator)(nil)
	_ Aggregator   = (*NatsAggregator)(nil)
)
