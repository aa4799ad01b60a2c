// Copyright 2023 The mqtt-gateway Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package tls loads the TLS material of the device-facing listener and parses
// the PEM encoded certificates used as trust anchors.
package tls

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"
)

// ClientAuthMode selects whether the listener asks for client certificates.
type ClientAuthMode string

const (
	// ClientAuthNone never asks for a certificate.
	ClientAuthNone ClientAuthMode = "none"
	// ClientAuthRequest asks for a certificate without verifying it during the
	// handshake. Chains are validated later against per-tenant trust anchors.
	ClientAuthRequest ClientAuthMode = "request"
	// ClientAuthRequire fails the handshake when no certificate is sent.
	ClientAuthRequire ClientAuthMode = "require"
)

// Config is the TLS configuration of a listener.
type Config struct {
	CertFile   string         `json:"cert_file" yaml:"cert_file"`
	KeyFile    string         `json:"key_file" yaml:"key_file"`
	ClientAuth ClientAuthMode `json:"client_auth" yaml:"client_auth"`
	MinVersion string         `json:"min_version,omitempty" yaml:"min_version,omitempty"`
}

var versions = map[string]uint16{
	"":    tls.VersionTLS12,
	"1.2": tls.VersionTLS12,
	"1.3": tls.VersionTLS13,
}

// ServerConfig builds a server side *tls.Config.
func ServerConfig(cfg Config) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate: %w", err)
	}
	minVersion, ok := versions[cfg.MinVersion]
	if !ok {
		return nil, fmt.Errorf("unsupported TLS version: %s", cfg.MinVersion)
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   minVersion,
	}
	switch cfg.ClientAuth {
	case ClientAuthNone:
		tlsConfig.ClientAuth = tls.NoClientCert
	case ClientAuthRequest, "":
		tlsConfig.ClientAuth = tls.RequestClientCert
	case ClientAuthRequire:
		tlsConfig.ClientAuth = tls.RequireAnyClientCert
	default:
		return nil, fmt.Errorf("unsupported client auth mode: %s", cfg.ClientAuth)
	}
	return tlsConfig, nil
}

// ParseCertificatesPEM parses every CERTIFICATE block in data.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificate found in PEM data")
	}
	return certs, nil
}

// LoadCertificatesFile parses the certificates of a PEM file.
func LoadCertificatesFile(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	certs, err := ParseCertificatesPEM(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return certs, nil
}

// Fingerprint returns the hex encoded SHA-256 digest of the certificate.
func Fingerprint(cert *x509.Certificate) string {
	sum := sha256.Sum256(cert.Raw)
	return hex.EncodeToString(sum[:])
}

// IsExpiringSoon reports whether cert expires within the given duration.
func IsExpiringSoon(cert *x509.Certificate, within time.Duration) bool {
	return time.Now().Add(within).After(cert.NotAfter)
}
