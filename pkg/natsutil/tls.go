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

// Package natsutil builds NATS connections for peersync processes.
package natsutil

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"

	"github.com/carverauto/peersync/pkg/config"
	"github.com/carverauto/peersync/pkg/models"
)

var (
	// ErrSecurityRequired is returned when TLS is requested without a security block.
	ErrSecurityRequired = errors.New("security config required")
	// ErrCAParsingFailed is returned when CA certificate cannot be parsed
	ErrCAParsingFailed = errors.New("failed to parse CA certificate")
	// ErrUnknownSecurityMode is returned for modes other than none, tls and mtls.
	ErrUnknownSecurityMode = errors.New("unknown security mode")
)

// TLSConfig builds the client tls.Config for sec. Mode none returns nil
// without error; tls verifies the server against the CA; mtls also presents
// the client certificate.
func TLSConfig(sec *models.SecurityConfig) (*tls.Config, error) {
	if sec == nil {
		return nil, ErrSecurityRequired
	}

	switch sec.Mode {
	case models.SecurityModeNone, "":
		return nil, nil
	case models.SecurityModeTLS, models.SecurityModeMTLS:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownSecurityMode, sec.Mode)
	}

	paths := sec.TLS
	config.NormalizeTLSPaths(&paths, sec.CertDir)

	caCert, err := os.ReadFile(paths.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, ErrCAParsingFailed
	}

	conf := &tls.Config{
		RootCAs:    caPool,
		ServerName: sec.ServerName,
		MinVersion: tls.VersionTLS13,
	}

	if sec.Mode == models.SecurityModeMTLS {
		cert, err := tls.LoadX509KeyPair(paths.CertFile, paths.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}

		conf.Certificates = []tls.Certificate{cert}
	}

	return conf, nil
}
