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

package auth

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log"

	"github.com/turtacn/mqtt-gateway/pkg/topic"
)

// PasswordAuthenticator authenticates a device from CONNECT credentials.
type PasswordAuthenticator interface {
	AuthenticatePassword(ctx context.Context, username, password, clientID string) (*Device, error)
}

// CertificateAuthenticator authenticates a device from its client
// certificate. GetTrustAnchors returns the CA certificates the chain must
// validate against; AuthenticateCertificate maps a validated chain, leaf
// first and anchor last, to a device.
type CertificateAuthenticator interface {
	GetTrustAnchors(ctx context.Context, chain []*x509.Certificate) ([]*x509.Certificate, error)
	AuthenticateCertificate(ctx context.Context, chain []*x509.Certificate) (*Device, error)
}

// TopicFilterValidator decides whether a device may subscribe to a filter.
type TopicFilterValidator interface {
	IsTopicFilterValid(filter, tenantID, deviceID, clientID string) bool
}

// GatewayCredentials are the credentials the gateway presents to the backend
// for a tenant.
type GatewayCredentials struct {
	Username string
	Password string
}

// CredentialResolver supplies backend credentials per tenant.
type CredentialResolver interface {
	ResolveGatewayCredentials(ctx context.Context, tenantID string) (GatewayCredentials, error)
}

// CommandFilterValidator accepts command filters that select the subscribing
// device itself.
type CommandFilterValidator struct{}

// IsTopicFilterValid implements TopicFilterValidator.
func (CommandFilterValidator) IsTopicFilterValid(filter, tenantID, deviceID, clientID string) bool {
	f, err := topic.ParseCommandFilter(filter)
	if err != nil {
		log.Printf("[DEBUG] Client %s: %v", clientID, err)
		return false
	}
	tenant, device := f.Resolve(tenantID, deviceID)
	return tenant == tenantID && device == deviceID
}

// StaticCredentials resolves backend credentials from a fixed table.
type StaticCredentials map[string]GatewayCredentials

// ResolveGatewayCredentials implements CredentialResolver.
func (s StaticCredentials) ResolveGatewayCredentials(_ context.Context, tenantID string) (GatewayCredentials, error) {
	creds, ok := s[tenantID]
	if !ok {
		return GatewayCredentials{}, fmt.Errorf("%w: %s", ErrNoCredentials, tenantID)
	}
	return creds, nil
}

// ResolverChain consults resolvers in order until one knows the tenant.
type ResolverChain []CredentialResolver

// ResolveGatewayCredentials implements CredentialResolver.
func (rc ResolverChain) ResolveGatewayCredentials(ctx context.Context, tenantID string) (GatewayCredentials, error) {
	var lastErr error = fmt.Errorf("%w: %s", ErrNoCredentials, tenantID)
	for _, r := range rc {
		creds, err := r.ResolveGatewayCredentials(ctx, tenantID)
		if err == nil {
			return creds, nil
		}
		lastErr = err
		if !errors.Is(err, ErrNoCredentials) {
			log.Printf("[WARN] Credential resolver failed for tenant %s: %v", tenantID, err)
		}
	}
	return GatewayCredentials{}, lastErr
}

// Provider bundles the policy the gateway consults.
type Provider struct {
	Passwords    PasswordAuthenticator
	Certificates CertificateAuthenticator
	Filters      TopicFilterValidator
	Credentials  CredentialResolver
}

// AuthenticateDevice authenticates a connecting device. A certificate chain is
// tried first; if it is absent or does not authenticate, the username and
// password are required.
func (p *Provider) AuthenticateDevice(ctx context.Context, chain []*x509.Certificate, username, password, clientID string) (*Device, error) {
	if len(chain) > 0 && p.Certificates != nil {
		device, err := p.authenticateCertificate(ctx, chain)
		if err == nil {
			log.Printf("[INFO] Client %s authenticated by certificate as %s", clientID, device)
			return device, nil
		}
		log.Printf("[DEBUG] Certificate authentication for client %s failed, trying password: %v", clientID, err)
	}
	if p.Passwords == nil {
		return nil, fmt.Errorf("%w: password authentication not configured", ErrAuthenticationFailed)
	}
	return p.Passwords.AuthenticatePassword(ctx, username, password, clientID)
}

func (p *Provider) authenticateCertificate(ctx context.Context, chain []*x509.Certificate) (*Device, error) {
	anchors, err := p.Certificates.GetTrustAnchors(ctx, chain)
	if err != nil {
		return nil, err
	}
	if len(anchors) == 0 {
		return nil, fmt.Errorf("%w: no trust anchors for %s", ErrAuthenticationFailed, chain[0].Issuer)
	}

	roots := x509.NewCertPool()
	for _, a := range anchors {
		roots.AddCert(a)
	}
	intermediates := x509.NewCertPool()
	for _, c := range chain[1:] {
		intermediates.AddCert(c)
	}
	verified, err := chain[0].Verify(x509.VerifyOptions{
		Roots:         roots,
		Intermediates: intermediates,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return p.Certificates.AuthenticateCertificate(ctx, verified[0])
}

// IsTopicFilterValid delegates to the configured validator, defaulting to
// CommandFilterValidator.
func (p *Provider) IsTopicFilterValid(filter, tenantID, deviceID, clientID string) bool {
	if p.Filters == nil {
		return CommandFilterValidator{}.IsTopicFilterValid(filter, tenantID, deviceID, clientID)
	}
	return p.Filters.IsTopicFilterValid(filter, tenantID, deviceID, clientID)
}

// ResolveGatewayCredentials delegates to the configured resolver.
func (p *Provider) ResolveGatewayCredentials(ctx context.Context, tenantID string) (GatewayCredentials, error) {
	if p.Credentials == nil {
		return GatewayCredentials{}, fmt.Errorf("%w: %s", ErrNoCredentials, tenantID)
	}
	return p.Credentials.ResolveGatewayCredentials(ctx, tenantID)
}
