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
	"errors"
	"sync"
	"time"

	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/message"
	"github.com/carverauto/peersync/pkg/models"
)

// BreakerState is the state of one per-device circuit.
type BreakerState int

const (
	// StateClosed lets sends through.
	StateClosed BreakerState = iota
	// StateOpen rejects sends until Timeout elapses.
	StateOpen
	// StateHalfOpen lets probes through to test recovery.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the thresholds of a circuit.
type BreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit. Zero disables breaking.
	FailureThreshold int `json:"failure_threshold"`
	// SuccessThreshold successes in half-open close it again.
	SuccessThreshold int `json:"success_threshold"`
	// Timeout is how long the circuit stays open before probing.
	Timeout models.Duration `json:"timeout"`
	// ResetTimeout clears the failure count after a quiet period in closed state.
	ResetTimeout models.Duration `json:"reset_timeout"`
}

// DefaultBreakerConfig returns the thresholds used when none are configured.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          models.Duration(30 * time.Second),
		ResetTimeout:     models.Duration(60 * time.Second),
	}
}

type circuit struct {
	state         BreakerState
	failureCount  int
	successCount  int
	lastFailTime  time.Time
	lastResetTime time.Time
}

// BreakerCommunicator wraps a Communicator with one circuit per target device.
// An open circuit fails SendMessage immediately with a CommError.
type BreakerCommunicator struct {
	Communicator

	cfg BreakerConfig
	log logger.Logger
	now func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

func NewBreakerCommunicator(inner Communicator, cfg BreakerConfig, log logger.Logger) *BreakerCommunicator {
	return &BreakerCommunicator{
		Communicator: inner,
		cfg:          cfg,
		log:          log,
		now:          time.Now,
		circuits:     make(map[string]*circuit),
	}
}

func (b *BreakerCommunicator) SendMessage(ctx context.Context, target string, msg *message.Message, cfg SendConfig, onErr func(error)) error {
	if b.cfg.FailureThreshold <= 0 {
		return b.Communicator.SendMessage(ctx, target, msg, cfg, onErr)
	}

	if !b.allow(target) {
		return &models.CommError{Device: target, Code: models.DBStatusCommFailure, Err: errCircuitOpen}
	}

	wrapped := onErr
	if onErr != nil {
		wrapped = func(err error) {
			b.record(target, err)
			onErr(err)
		}
	}

	err := b.Communicator.SendMessage(ctx, target, msg, cfg, wrapped)
	b.record(target, err)

	return err
}

func (b *BreakerCommunicator) allow(target string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(target)
	now := b.now()

	switch c.state {
	case StateClosed:
		if now.Sub(c.lastResetTime) >= time.Duration(b.cfg.ResetTimeout) {
			c.failureCount = 0
			c.lastResetTime = now
		}

		return true
	case StateOpen:
		if now.Sub(c.lastFailTime) >= time.Duration(b.cfg.Timeout) {
			c.state = StateHalfOpen
			c.successCount = 0
			b.log.Info().Str("device", target).Msg("Circuit breaker transitioning to half-open")

			return true
		}

		return false
	case StateHalfOpen:
		return true
	default:
		return false
	}
}

// record counts only transport failures; payload errors say nothing about the link.
func (b *BreakerCommunicator) record(target string, err error) {
	if err != nil && !errors.Is(err, models.ErrCommAbnormal) {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.circuitLocked(target)

	if err != nil {
		c.failureCount++
		c.lastFailTime = b.now()

		switch c.state {
		case StateClosed:
			if c.failureCount >= b.cfg.FailureThreshold {
				c.state = StateOpen
				b.log.Warn().
					Str("device", target).
					Int("failure_count", c.failureCount).
					Msg("Circuit breaker opened due to failures")
			}
		case StateHalfOpen:
			c.state = StateOpen
			b.log.Warn().Str("device", target).Msg("Circuit breaker reopened after failed probe")
		case StateOpen:
		}

		return
	}

	switch c.state {
	case StateHalfOpen:
		c.successCount++
		if c.successCount >= b.cfg.SuccessThreshold {
			c.state = StateClosed
			c.failureCount = 0
			c.lastResetTime = b.now()
			b.log.Info().Str("device", target).Msg("Circuit breaker closed after recovery")
		}
	case StateClosed:
		c.failureCount = 0
		c.lastResetTime = b.now()
	case StateOpen:
	}
}

func (b *BreakerCommunicator) circuitLocked(target string) *circuit {
	c, ok := b.circuits[target]
	if !ok {
		c = &circuit{state: StateClosed, lastResetTime: b.now()}
		b.circuits[target] = c
	}

	return c
}

// State reports the circuit state for target.
func (b *BreakerCommunicator) State(target string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if c, ok := b.circuits[target]; ok {
		return c.state
	}

	return StateClosed
}

// Reset closes the circuit of target, used when the device comes back online.
func (b *BreakerCommunicator) Reset(target string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.circuits, target)
}

// BreakerAggregator decorates every communicator it allocates with circuits.
type BreakerAggregator struct {
	inner Aggregator
	cfg   BreakerConfig
	log   logger.Logger

	mu      sync.Mutex
	wrapped map[*BreakerCommunicator]Communicator
}

func NewBreakerAggregator(inner Aggregator, cfg BreakerConfig, log logger.Logger) *BreakerAggregator {
	return &BreakerAggregator{
		inner:   inner,
		cfg:     cfg,
		log:     log,
		wrapped: make(map[*BreakerCommunicator]Communicator),
	}
}

func (a *BreakerAggregator) AllocCommunicator(label string) (Communicator, error) {
	c, err := a.inner.AllocCommunicator(label)
	if err != nil {
		return nil, err
	}

	bc := NewBreakerCommunicator(c, a.cfg, a.log)

	// a device coming back online gets a fresh circuit
	if err := bc.RegOnConnectCallback(nil); err != nil {
		a.inner.ReleaseCommunicator(c)

		return nil, err
	}

	a.mu.Lock()
	a.wrapped[bc] = c
	a.mu.Unlock()

	return bc, nil
}

func (a *BreakerAggregator) ReleaseCommunicator(c Communicator) {
	bc, ok := c.(*BreakerCommunicator)
	if !ok {
		a.inner.ReleaseCommunicator(c)

		return
	}

	a.mu.Lock()
	inner, ok := a.wrapped[bc]
	delete(a.wrapped, bc)
	a.mu.Unlock()

	if ok {
		a.inner.ReleaseCommunicator(inner)
	}
}

// RegOnConnectCallback resets the circuit of devices that come back online
// before forwarding the event.
func (b *BreakerCommunicator) RegOnConnectCallback(fn OnConnect) error {
	return b.Communicator.RegOnConnectCallback(func(device string, online bool) {
		if online {
			b.Reset(device)
		}

		if fn != nil {
			fn(device, online)
		}
	})
}

var (
	_ Communicator = (*BreakerCommunicator)(nil)
	_ Aggregator   = (*BreakerAggregator)(nil)
)
