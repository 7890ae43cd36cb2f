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

package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/carverauto/peersync/pkg/communicator"
	"github.com/carverauto/peersync/pkg/models"
	"github.com/carverauto/peersync/pkg/watermark"
)

const (
	defaultMaxQueueCacheBytes    = 160 * 1024 * 1024
	defaultMaxConcurrentDispatch = 7
	defaultShutdownWait          = 10 * time.Second
	defaultEvictInterval         = 10 * time.Minute
)

var (
	errNegativeQueueSize   = errors.New("max_queue_cache_bytes must be positive")
	errNegativeConcurrency = errors.New("max_concurrent_dispatch must be positive")
	errNegativeDuration    = errors.New("duration must not be negative")
)

// Config tunes the dispatcher.
type Config struct {
	// MaxQueueCacheBytes caps the summed length of queued inbound messages.
	MaxQueueCacheBytes int64 `json:"max_queue_cache_bytes"`
	// MaxConcurrentDispatch caps dispatch tasks running at once.
	MaxConcurrentDispatch int `json:"max_concurrent_dispatch"`
	// ShutdownWait bounds how long Close waits for running dispatches.
	ShutdownWait models.Duration `json:"shutdown_wait"`
	// DefaultDeviceTimeout applies when the transport has no timeout for a device.
	DefaultDeviceTimeout models.Duration `json:"default_device_timeout"`
	// WaterMarkCeiling is the number of query watermarks kept before eviction.
	WaterMarkCeiling int `json:"watermark_ceiling"`
	// WaterMarkEvictInterval is the period of the eviction sweep. Zero disables it.
	WaterMarkEvictInterval models.Duration `json:"watermark_evict_interval"`
	// BatchSize is the number of entries per data packet.
	BatchSize int `json:"batch_size"`
	// AutoPullOnNotify pulls from a peer when it reports a local data change.
	AutoPullOnNotify bool `json:"auto_pull_on_notify"`
	// CircuitBreaker guards sends per device when set.
	CircuitBreaker *communicator.BreakerConfig `json:"circuit_breaker,omitempty"`
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueCacheBytes:     defaultMaxQueueCacheBytes,
		MaxConcurrentDispatch:  defaultMaxConcurrentDispatch,
		ShutdownWait:           models.Duration(defaultShutdownWait),
		WaterMarkCeiling:       watermark.DefaultCeiling,
		WaterMarkEvictInterval: models.Duration(defaultEvictInterval),
	}
}

// Validate fills zero values with defaults and rejects negative ones.
func (c *Config) Validate() error {
	if c.MaxQueueCacheBytes < 0 {
		return errNegativeQueueSize
	}

	if c.MaxQueueCacheBytes == 0 {
		c.MaxQueueCacheBytes = defaultMaxQueueCacheBytes
	}

	if c.MaxConcurrentDispatch < 0 {
		return errNegativeConcurrency
	}

	if c.MaxConcurrentDispatch == 0 {
		c.MaxConcurrentDispatch = defaultMaxConcurrentDispatch
	}

	for name, d := range map[string]models.Duration{
		"shutdown_wait":            c.ShutdownWait,
		"default_device_timeout":   c.DefaultDeviceTimeout,
		"watermark_evict_interval": c.WaterMarkEvictInterval,
	} {
		if d < 0 {
			return fmt.Errorf("%s: %w", name, errNegativeDuration)
		}
	}

	if c.ShutdownWait == 0 {
		c.ShutdownWait = models.Duration(defaultShutdownWait)
	}

	if c.WaterMarkCeiling <= 0 {
		c.WaterMarkCeiling = watermark.DefaultCeiling
	}

	return nil
}
