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

package config

import (
	"context"
	"fmt"
	"log"

	"github.com/turtacn/mqtt-gateway/pkg/auth"
	"github.com/turtacn/mqtt-gateway/pkg/auth/kube"
	"github.com/turtacn/mqtt-gateway/pkg/auth/sqlstore"
	authx509 "github.com/turtacn/mqtt-gateway/pkg/auth/x509"
	tlsconfig "github.com/turtacn/mqtt-gateway/pkg/tls"
)

// Policy is the authentication policy built from an AuthConfig. Close
// releases the database it may hold.
type Policy struct {
	*auth.Provider
	store *sqlstore.Store
}

// Close releases the resources held by the policy.
func (p *Policy) Close() error {
	if p.store == nil {
		return nil
	}
	return p.store.Close()
}

// BuildPolicy assembles the password chain, certificate authenticator and
// gateway credential resolvers described by a. Static gateway credentials are
// consulted first, then the database, then Kubernetes Secrets.
func (a *AuthConfig) BuildPolicy(ctx context.Context) (*Policy, error) {
	p := &Policy{Provider: &auth.Provider{Filters: auth.CommandFilterValidator{}}}

	memory := auth.NewMemoryAuthenticator()
	for _, d := range a.Devices {
		if err := addDevice(memory, a.DefaultTenant, d); err != nil {
			return nil, err
		}
	}
	chain := auth.NewChain(a.DefaultTenant, memory)

	var resolvers auth.ResolverChain
	if len(a.GatewayCredentials) > 0 {
		static := make(auth.StaticCredentials, len(a.GatewayCredentials))
		for tenant, c := range a.GatewayCredentials {
			static[tenant] = auth.GatewayCredentials{Username: c.Username, Password: c.Password}
		}
		resolvers = append(resolvers, static)
	}

	if s := a.SQL; s != nil {
		store, err := sqlstore.Open(sqlstore.Config{
			Driver:          s.Driver,
			DSN:             s.DSN,
			MaxOpenConns:    s.MaxOpenConns,
			ConnMaxLifetime: s.ConnMaxLifetime.Std(),
			QueryTimeout:    s.QueryTimeout.Std(),
		})
		if err != nil {
			return nil, err
		}
		if s.EnsureSchema {
			if err := store.EnsureSchema(ctx); err != nil {
				store.Close()
				return nil, err
			}
		}
		p.store = store
		chain.AddAuthenticator(store)
		resolvers = append(resolvers, store)
		log.Printf("[INFO] Using %s credential store", s.Driver)
	}

	if k := a.Kubernetes; k != nil {
		secrets, err := kube.NewSecretResolver(k.Namespace, k.SecretPrefix)
		if err != nil {
			p.Close()
			return nil, err
		}
		resolvers = append(resolvers, secrets)
		log.Printf("[INFO] Resolving gateway credentials from secrets in namespace %s", k.Namespace)
	}

	if c := a.Certificates; c != nil {
		certs, err := buildCertificateAuthenticator(c)
		if err != nil {
			p.Close()
			return nil, err
		}
		p.Certificates = certs
	}

	p.Passwords = chain
	if len(resolvers) > 0 {
		p.Credentials = resolvers
	}
	log.Printf("[INFO] Authentication configured with %d device credentials", memory.Count())
	return p, nil
}

func addDevice(memory *auth.MemoryAuthenticator, defaultTenant string, d DeviceConfig) error {
	tenant := d.TenantID
	if tenant == "" {
		tenant = defaultTenant
	}
	algorithm := auth.HashAlgorithm(d.Algorithm)

	if d.PasswordHash != "" {
		return memory.AddCredential(auth.Credential{
			TenantID:     tenant,
			AuthID:       d.AuthID,
			DeviceID:     d.DeviceID,
			PasswordHash: d.PasswordHash,
			Algorithm:    algorithm,
			Salt:         d.Salt,
			Enabled:      !d.Disabled,
		})
	}

	deviceID := d.DeviceID
	if deviceID == "" {
		deviceID = d.AuthID
	}
	if err := memory.AddDevice(tenant, d.AuthID, deviceID, d.Password, algorithm); err != nil {
		return fmt.Errorf("failed to add device %s@%s: %w", d.AuthID, tenant, err)
	}
	if d.Disabled {
		return memory.SetCredentialEnabled(tenant, d.AuthID, false)
	}
	return nil
}

func buildCertificateAuthenticator(c *CertificateConfig) (*authx509.Authenticator, error) {
	cfg := authx509.DefaultConfig()
	if c.IdentitySource != "" {
		cfg.IdentitySource = authx509.IdentitySource(c.IdentitySource)
	}
	cfg.IdentityField = c.IdentityField
	cfg.IdentityPattern = c.IdentityPattern
	cfg.RevokedSerials = c.RevokedSerials

	certs, err := authx509.New(cfg)
	if err != nil {
		return nil, err
	}
	for _, ta := range c.TrustAnchors {
		anchors, err := tlsconfig.LoadCertificatesFile(ta.File)
		if err != nil {
			return nil, fmt.Errorf("failed to load trust anchors of tenant %s: %w", ta.TenantID, err)
		}
		for _, cert := range anchors {
			if err := certs.AddTrustAnchor(ta.TenantID, cert); err != nil {
				return nil, err
			}
		}
	}
	for _, d := range c.Devices {
		deviceID := d.DeviceID
		if deviceID == "" {
			deviceID = d.Identity
		}
		certs.AddDevice(d.TenantID, d.Identity, deviceID)
	}
	return certs, nil
}
