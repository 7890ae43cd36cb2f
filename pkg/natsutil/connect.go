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

package natsutil

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/models"
)

const (
	defaultURL           = nats.DefaultURL
	defaultMaxReconnects = -1
	defaultReconnectWait = 2 * time.Second
)

var errNegativeReconnectWait = errors.New("reconnect_wait must not be negative")

// Config describes one NATS client connection.
type Config struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	// CredsFile is a NATS user credentials file.
	CredsFile string `json:"creds_file,omitempty" sensitive:"true"`
	Token     string `json:"token,omitempty" sensitive:"true"`
	// MaxReconnects of -1 retries forever.
	MaxReconnects int                    `json:"max_reconnects,omitempty"`
	ReconnectWait models.Duration        `json:"reconnect_wait,omitempty"`
	Security      *models.SecurityConfig `json:"security,omitempty"`
}

// Validate fills defaults.
func (c *Config) Validate() error {
	if c.URL == "" {
		c.URL = defaultURL
	}

	if c.MaxReconnects == 0 {
		c.MaxReconnects = defaultMaxReconnects
	}

	if c.ReconnectWait < 0 {
		return errNegativeReconnectWait
	}

	if c.ReconnectWait == 0 {
		c.ReconnectWait = models.Duration(defaultReconnectWait)
	}

	return nil
}

// Options turns cfg into connect options. Connection state changes are
// logged through log.
func Options(cfg *Config, log logger.Logger) ([]nats.Option, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWait)),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Error().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}

			ev.Msg("NATS async error")
		}),
		nats.ConnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrlRedacted()).Msg("Connected to NATS")
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrlRedacted()).Msg("NATS reconnected")
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info().Msg("NATS connection closed")
		}),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.CredsFile != "" {
		opts = append(opts, nats.UserCredentials(cfg.CredsFile))
	}

	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if cfg.Security != nil {
		tlsConf, err := TLSConfig(cfg.Security)
		if err != nil {
			return nil, fmt.Errorf("failed to build NATS TLS config: %w", err)
		}

		if tlsConf != nil {
			opts = append(opts, nats.Secure(tlsConf))
		}
	}

	return opts, nil
}

// Connect validates cfg and dials NATS.
func Connect(cfg *Config, log logger.Logger, extra ...nats.Option) (*nats.Conn, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	opts, err := Options(cfg, log)
	if err != nil {
		return nil, err
	}

	nc, err := nats.Connect(cfg.URL, append(opts, extra...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return nc, nil
}
