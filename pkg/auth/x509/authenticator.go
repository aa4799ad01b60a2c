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

// Package x509 authenticates devices by client certificate. Each tenant
// registers its own CA certificates as trust anchors; a device belongs to the
// tenant whose anchor its chain validates against, and its device id is
// derived from an identity field of the leaf certificate.
package x509

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"sync"

	"github.com/turtacn/mqtt-gateway/pkg/auth"
	tlspkg "github.com/turtacn/mqtt-gateway/pkg/tls"
)

// IdentitySource defines how to extract identity from certificate
type IdentitySource string

const (
	// IdentityFromSubjectDN extracts identity from certificate subject DN
	IdentityFromSubjectDN IdentitySource = "subject_dn"
	// IdentityFromSubjectCN extracts identity from certificate subject common name
	IdentityFromSubjectCN IdentitySource = "subject_cn"
	// IdentityFromSAN extracts identity from Subject Alternative Names
	IdentityFromSAN IdentitySource = "san"
	// IdentityFromSerial extracts identity from certificate serial number
	IdentityFromSerial IdentitySource = "serial"
	// IdentityFromFingerprint extracts identity from certificate fingerprint
	IdentityFromFingerprint IdentitySource = "fingerprint"
)

// Config represents X.509 authentication configuration
type Config struct {
	IdentitySource  IdentitySource `json:"identity_source" yaml:"identity_source"`
	IdentityField   string         `json:"identity_field,omitempty" yaml:"identity_field,omitempty"`
	IdentityPattern string         `json:"identity_pattern,omitempty" yaml:"identity_pattern,omitempty"`
	RevokedSerials  []string       `json:"revoked_serials,omitempty" yaml:"revoked_serials,omitempty"`
}

// DefaultConfig returns default X.509 authentication configuration
func DefaultConfig() *Config {
	return &Config{IdentitySource: IdentityFromSubjectCN}
}

type anchor struct {
	tenantID string
	cert     *x509.Certificate
}

// Authenticator implements auth.CertificateAuthenticator.
type Authenticator struct {
	config  *Config
	pattern *regexp.Regexp

	mu      sync.RWMutex
	anchors []anchor
	// devices maps tenant -> identity -> device id. Tenants without an entry
	// use the identity itself as device id.
	devices map[string]map[string]string
}

// New creates an authenticator without trust anchors.
func New(config *Config) (*Authenticator, error) {
	if config == nil {
		config = DefaultConfig()
	}
	a := &Authenticator{
		config:  config,
		devices: make(map[string]map[string]string),
	}
	if config.IdentityPattern != "" {
		pattern, err := regexp.Compile(config.IdentityPattern)
		if err != nil {
			return nil, fmt.Errorf("invalid identity pattern: %v", err)
		}
		a.pattern = pattern
	}
	return a, nil
}

// AddTrustAnchor registers a CA certificate for a tenant.
func (a *Authenticator) AddTrustAnchor(tenantID string, cert *x509.Certificate) error {
	if !cert.IsCA {
		return fmt.Errorf("trust anchor %s of tenant %s is not a CA certificate", cert.Subject, tenantID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.anchors = append(a.anchors, anchor{tenantID: tenantID, cert: cert})
	log.Printf("[INFO] Added trust anchor %s for tenant %s", cert.Subject, tenantID)
	return nil
}

// AddDevice maps a certificate identity within a tenant to a device id.
func (a *Authenticator) AddDevice(tenantID, identity, deviceID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.devices[tenantID]
	if !ok {
		m = make(map[string]string)
		a.devices[tenantID] = m
	}
	m[identity] = deviceID
}

// GetTrustAnchors returns the anchors that may have issued the top of chain.
func (a *Authenticator) GetTrustAnchors(_ context.Context, chain []*x509.Certificate) ([]*x509.Certificate, error) {
	if len(chain) == 0 {
		return nil, errors.New("empty certificate chain")
	}
	top := chain[len(chain)-1]

	a.mu.RLock()
	defer a.mu.RUnlock()
	var certs []*x509.Certificate
	for _, an := range a.anchors {
		if bytes.Equal(an.cert.RawSubject, top.RawIssuer) || an.cert.Equal(top) {
			certs = append(certs, an.cert)
		}
	}
	return certs, nil
}

// AuthenticateCertificate maps a validated chain to a device. The tenant is
// the owner of the anchor ending the chain.
func (a *Authenticator) AuthenticateCertificate(_ context.Context, chain []*x509.Certificate) (*auth.Device, error) {
	if len(chain) < 2 {
		return nil, fmt.Errorf("%w: chain does not end in a trust anchor", auth.ErrAuthenticationFailed)
	}
	leaf, root := chain[0], chain[len(chain)-1]

	if a.isCertificateRevoked(leaf) {
		return nil, fmt.Errorf("%w: certificate %s is revoked", auth.ErrAuthenticationFailed, leaf.SerialNumber)
	}
	identity, err := a.extractIdentity(leaf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", auth.ErrAuthenticationFailed, err)
	}
	if a.pattern != nil && !a.pattern.MatchString(identity) {
		return nil, fmt.Errorf("%w: identity %q does not match pattern", auth.ErrAuthenticationFailed, identity)
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	tenantID := ""
	for _, an := range a.anchors {
		if an.cert.Equal(root) {
			tenantID = an.tenantID
			break
		}
	}
	if tenantID == "" {
		return nil, fmt.Errorf("%w: unknown trust anchor %s", auth.ErrAuthenticationFailed, root.Subject)
	}

	deviceID := identity
	if m, ok := a.devices[tenantID]; ok {
		if deviceID, ok = m[identity]; !ok {
			return nil, fmt.Errorf("%w: no device for identity %q in tenant %s", auth.ErrAuthenticationFailed, identity, tenantID)
		}
	}
	return &auth.Device{TenantID: tenantID, DeviceID: deviceID}, nil
}

// extractIdentity extracts identity from certificate based on configuration
func (a *Authenticator) extractIdentity(cert *x509.Certificate) (string, error) {
	switch a.config.IdentitySource {
	case IdentityFromSubjectDN:
		return cert.Subject.String(), nil

	case IdentityFromSubjectCN, "":
		if cert.Subject.CommonName == "" {
			return "", errors.New("certificate subject common name is empty")
		}
		return cert.Subject.CommonName, nil

	case IdentityFromSAN:
		switch strings.ToLower(a.config.IdentityField) {
		case "", "dns":
			if len(cert.DNSNames) > 0 {
				return cert.DNSNames[0], nil
			}
		case "email":
			if len(cert.EmailAddresses) > 0 {
				return cert.EmailAddresses[0], nil
			}
		case "uri":
			if len(cert.URIs) > 0 {
				return cert.URIs[0].String(), nil
			}
		case "ip":
			if len(cert.IPAddresses) > 0 {
				return cert.IPAddresses[0].String(), nil
			}
		}
		return "", fmt.Errorf("SAN field '%s' not found", a.config.IdentityField)

	case IdentityFromSerial:
		return cert.SerialNumber.String(), nil

	case IdentityFromFingerprint:
		return tlspkg.Fingerprint(cert), nil

	default:
		return "", fmt.Errorf("unsupported identity source: %s", a.config.IdentitySource)
	}
}

// isCertificateRevoked checks if certificate is in revocation list
func (a *Authenticator) isCertificateRevoked(cert *x509.Certificate) bool {
	serialStr := cert.SerialNumber.String()
	for _, revokedSerial := range a.config.RevokedSerials {
		if revokedSerial == serialStr {
			return true
		}
	}
	return false
}
