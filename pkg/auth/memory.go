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
	"fmt"
	"log"
	"sync"
)

// Credential is a stored device credential.
type Credential struct {
	TenantID     string        `json:"tenant_id" yaml:"tenant_id"`
	AuthID       string        `json:"auth_id" yaml:"auth_id"`
	DeviceID     string        `json:"device_id" yaml:"device_id"`
	PasswordHash string        `json:"password_hash" yaml:"password_hash"`
	Algorithm    HashAlgorithm `json:"algorithm" yaml:"algorithm"`
	Salt         string        `json:"salt,omitempty" yaml:"salt,omitempty"`
	Enabled      bool          `json:"enabled" yaml:"enabled"`
}

func credentialKey(tenantID, authID string) string {
	return tenantID + "\x00" + authID
}

// MemoryAuthenticator keeps device credentials in memory.
type MemoryAuthenticator struct {
	mu          sync.RWMutex
	credentials map[string]*Credential
	enabled     bool
}

// NewMemoryAuthenticator creates an empty, enabled authenticator.
func NewMemoryAuthenticator() *MemoryAuthenticator {
	return &MemoryAuthenticator{
		credentials: make(map[string]*Credential),
		enabled:     true,
	}
}

// Name returns the name of this authenticator
func (ma *MemoryAuthenticator) Name() string {
	return "memory"
}

// Enabled returns whether this authenticator is enabled
func (ma *MemoryAuthenticator) Enabled() bool {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return ma.enabled
}

// SetEnabled enables or disables this authenticator
func (ma *MemoryAuthenticator) SetEnabled(enabled bool) {
	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.enabled = enabled
}

// AddDevice hashes password and stores a credential mapping
// authID@tenantID to deviceID.
func (ma *MemoryAuthenticator) AddDevice(tenantID, authID, deviceID, password string, algorithm HashAlgorithm) error {
	salt := ""
	if algorithm == HashSHA256 {
		salt = tenantID + "/" + authID
	}
	hash, err := HashPassword(password, salt, algorithm)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	return ma.AddCredential(Credential{
		TenantID:     tenantID,
		AuthID:       authID,
		DeviceID:     deviceID,
		PasswordHash: hash,
		Algorithm:    algorithm,
		Salt:         salt,
		Enabled:      true,
	})
}

// AddCredential stores an already hashed credential. An empty device id
// defaults to the auth id.
func (ma *MemoryAuthenticator) AddCredential(c Credential) error {
	if c.TenantID == "" || c.AuthID == "" {
		return fmt.Errorf("tenant id and auth id cannot be empty")
	}
	if c.DeviceID == "" {
		c.DeviceID = c.AuthID
	}
	if c.Algorithm == "" {
		c.Algorithm = HashPlain
	}

	ma.mu.Lock()
	defer ma.mu.Unlock()
	ma.credentials[credentialKey(c.TenantID, c.AuthID)] = &c
	log.Printf("[INFO] Added credential %s@%s for device %s with algorithm: %s", c.AuthID, c.TenantID, c.DeviceID, c.Algorithm)
	return nil
}

// RemoveCredential removes a credential.
func (ma *MemoryAuthenticator) RemoveCredential(tenantID, authID string) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()

	key := credentialKey(tenantID, authID)
	if _, exists := ma.credentials[key]; !exists {
		return fmt.Errorf("credential not found: %s@%s", authID, tenantID)
	}
	delete(ma.credentials, key)
	return nil
}

// SetCredentialEnabled enables or disables a credential.
func (ma *MemoryAuthenticator) SetCredentialEnabled(tenantID, authID string, enabled bool) error {
	ma.mu.Lock()
	defer ma.mu.Unlock()

	c, exists := ma.credentials[credentialKey(tenantID, authID)]
	if !exists {
		return fmt.Errorf("credential not found: %s@%s", authID, tenantID)
	}
	c.Enabled = enabled
	return nil
}

// Count returns the number of credentials.
func (ma *MemoryAuthenticator) Count() int {
	ma.mu.RLock()
	defer ma.mu.RUnlock()
	return len(ma.credentials)
}

// Authenticate implements Authenticator.
func (ma *MemoryAuthenticator) Authenticate(_ context.Context, tenantID, authID, password string) (string, AuthResult) {
	ma.mu.RLock()
	defer ma.mu.RUnlock()

	if !ma.enabled {
		return "", AuthIgnore
	}

	c, exists := ma.credentials[credentialKey(tenantID, authID)]
	if !exists {
		return "", AuthIgnore
	}
	if !c.Enabled {
		log.Printf("[WARN] Credential %s@%s is disabled", authID, tenantID)
		return "", AuthFailure
	}
	if !VerifyPassword(password, c.PasswordHash, c.Salt, c.Algorithm) {
		log.Printf("[WARN] Password verification failed for %s@%s", authID, tenantID)
		return "", AuthFailure
	}
	return c.DeviceID, AuthSuccess
}
