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
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/peersync/pkg/logger"
	"github.com/carverauto/peersync/pkg/models"
)

func writePEM(t *testing.T, path, typ string, der []byte) {
	t.Helper()

	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: typ, Bytes: der}), 0o600))
}

// writeCerts creates ca.pem, client.pem and client-key.pem in a temp dir.
func writeCerts(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	caTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "peersync test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}

	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	require.NoError(t, err)

	clientKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	clientTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "node-a"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}

	clientDER, err := x509.CreateCertificate(rand.Reader, clientTmpl, caTmpl, &clientKey.PublicKey, caKey)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(clientKey)
	require.NoError(t, err)

	writePEM(t, filepath.Join(dir, "ca.pem"), "CERTIFICATE", caDER)
	writePEM(t, filepath.Join(dir, "client.pem"), "CERTIFICATE", clientDER)
	writePEM(t, filepath.Join(dir, "client-key.pem"), "EC PRIVATE KEY", keyDER)

	return dir
}

func TestTLSConfigModes(t *testing.T) {
	dir := writeCerts(t)
	paths := models.TLSConfig{CertFile: "client.pem", KeyFile: "client-key.pem", CAFile: "ca.pem"}

	_, err := TLSConfig(nil)
	require.ErrorIs(t, err, ErrSecurityRequired)

	conf, err := TLSConfig(&models.SecurityConfig{Mode: models.SecurityModeNone})
	require.NoError(t, err)
	assert.Nil(t, conf)

	_, err = TLSConfig(&models.SecurityConfig{Mode: "spiffe"})
	require.ErrorIs(t, err, ErrUnknownSecurityMode)

	sec := &models.SecurityConfig{Mode: models.SecurityModeTLS, CertDir: dir, ServerName: "nats.local", TLS: paths}

	conf, err = TLSConfig(sec)
	require.NoError(t, err)
	assert.Empty(t, conf.Certificates)
	assert.Equal(t, "nats.local", conf.ServerName)
	assert.Equal(t, uint16(tls.VersionTLS13), conf.MinVersion)
	assert.Equal(t, "client.pem", sec.TLS.CertFile, "caller's paths are not rewritten")

	sec.Mode = models.SecurityModeMTLS

	conf, err = TLSConfig(sec)
	require.NoError(t, err)
	assert.Len(t, conf.Certificates, 1)
}

func TestTLSConfigBadCA(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ca.pem"), []byte("not a certificate"), 0o600))

	_, err := TLSConfig(&models.SecurityConfig{
		Mode:    models.SecurityModeTLS,
		CertDir: dir,
		TLS:     models.TLSConfig{CAFile: "ca.pem"},
	})
	require.ErrorIs(t, err, ErrCAParsingFailed)

	_, err = TLSConfig(&models.SecurityConfig{
		Mode:    models.SecurityModeTLS,
		CertDir: dir,
		TLS:     models.TLSConfig{CAFile: "missing.pem"},
	})
	require.Error(t, err)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	require.NoError(t, cfg.Validate())

	assert.Equal(t, defaultURL, cfg.URL)
	assert.Equal(t, -1, cfg.MaxReconnects)
	assert.Equal(t, models.Duration(defaultReconnectWait), cfg.ReconnectWait)

	cfg.ReconnectWait = -1
	require.ErrorIs(t, cfg.Validate(), errNegativeReconnectWait)
}

func TestConnect(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping embedded NATS test in short mode")
	}

	srv, err := server.NewServer(&server.Options{Host: "127.0.0.1", Port: -1})
	require.NoError(t, err)

	go srv.Start()
	t.Cleanup(srv.Shutdown)

	require.True(t, srv.ReadyForConnections(10*time.Second))

	nc, err := Connect(&Config{URL: srv.ClientURL(), Name: "peersync-test"}, logger.NewTestLogger())
	require.NoError(t, err)
	t.Cleanup(nc.Close)

	assert.True(t, nc.IsConnected())
	assert.Equal(t, "peersync-test", nc.Opts.Name)
}

func TestConnectRejectsBadSecurity(t *testing.T) {
	_, err := Connect(&Config{
		URL:      "nats://127.0.0.1:1",
		Security: &models.SecurityConfig{Mode: "kerberos"},
	}, logger.NewTestLogger())
	require.ErrorIs(t, err, ErrUnknownSecurityMode)
}
