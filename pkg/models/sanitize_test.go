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

package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type transportSection struct {
	URL      string            `json:"url"`
	Password string            `json:"password" sensitive:"true"`
	Headers  map[string]string `json:"headers,omitempty" sensitive:"true"`
	Peers    []string          `json:"peers"`
}

type daemonSection struct {
	Device    string            `json:"device"`
	Transport *transportSection `json:"transport"`
	Security  *SecurityConfig   `json:"security,omitempty"`
	Tokens    []transportSection
	internal  string
	Skipped   string `json:"-"`
}

func TestFilterSensitiveFields(t *testing.T) {
	in := &daemonSection{
		Device: "node-a",
		Transport: &transportSection{
			URL:      "nats://127.0.0.1:4222",
			Password: "hunter2",
			Headers:  map[string]string{"Authorization": "Bearer x"},
			Peers:    []string{"b", "c"},
		},
		Tokens:   []transportSection{{URL: "u", Password: "p"}},
		internal: "hidden",
		Skipped:  "skipped",
	}

	out, err := FilterSensitiveFields(in)
	require.NoError(t, err)

	assert.Equal(t, map[string]interface{}{
		"device": "node-a",
		"transport": map[string]interface{}{
			"url":   "nats://127.0.0.1:4222",
			"peers": []interface{}{"b", "c"},
		},
		"security": nil,
		"Tokens": []interface{}{
			map[string]interface{}{"url": "u", "peers": nil},
		},
	}, out)
}

func TestFilterSensitiveFieldsKeepsSecurityPaths(t *testing.T) {
	out, err := FilterSensitiveFields(SecurityConfig{
		Mode:    SecurityModeMTLS,
		CertDir: "/etc/peersync/certs",
		TLS:     TLSConfig{CertFile: "client.pem"},
	})
	require.NoError(t, err)

	assert.Equal(t, SecurityModeMTLS, out["mode"])
	assert.Equal(t, "client.pem", out["tls"].(map[string]interface{})["cert_file"])
}

func TestFilterSensitiveFieldsRejectsNonStruct(t *testing.T) {
	_, err := FilterSensitiveFields(42)
	require.ErrorIs(t, err, errNotStruct)

	out, err := FilterSensitiveFields((*daemonSection)(nil))
	require.NoError(t, err)
	assert.Empty(t, out)
}
