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

// Package auth authenticates devices connecting to the gateway and supplies
// the other policy decisions the gateway delegates: which command topic
// filters a device may subscribe to and which credentials the gateway uses
// towards the backend on behalf of a tenant.
//
// Devices authenticate either with a client certificate or with a username of
// the form authId@tenantId and a password. Passwords may be stored in plain
// text, as salted SHA256 or as bcrypt hashes.
package auth

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"log"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	// ErrAuthenticationFailed is returned when a device presented bad or
	// missing credentials.
	ErrAuthenticationFailed = errors.New("authentication failed")
	// ErrNoCredentials is returned when no backend credentials are known for
	// a tenant.
	ErrNoCredentials = errors.New("no gateway credentials for tenant")
	// ErrCredentialsUnavailable is returned when the credential source could
	// not be consulted.
	ErrCredentialsUnavailable = errors.New("gateway credentials unavailable")
)

// Device is the identity of an authenticated device.
type Device struct {
	TenantID string
	DeviceID string
}

// String returns tenant/device.
func (d Device) String() string {
	return d.TenantID + "/" + d.DeviceID
}

// HashAlgorithm defines the password hashing algorithm type
type HashAlgorithm string

const (
	// HashPlain represents plain text passwords (not recommended for production)
	HashPlain HashAlgorithm = "plain"
	// HashSHA256 represents SHA256 hashed passwords
	HashSHA256 HashAlgorithm = "sha256"
	// HashBcrypt represents bcrypt hashed passwords (recommended)
	HashBcrypt HashAlgorithm = "bcrypt"
)

// AuthResult represents the result of an authentication attempt
type AuthResult int

const (
	// AuthSuccess indicates successful authentication
	AuthSuccess AuthResult = iota
	// AuthFailure indicates authentication failed due to invalid credentials
	AuthFailure
	// AuthError indicates an error occurred during authentication
	AuthError
	// AuthIgnore indicates the authenticator does not know the device
	AuthIgnore
)

// String returns the string representation of AuthResult
func (ar AuthResult) String() string {
	switch ar {
	case AuthSuccess:
		return "success"
	case AuthFailure:
		return "failure"
	case AuthError:
		return "error"
	case AuthIgnore:
		return "ignore"
	default:
		return "unknown"
	}
}

// Authenticator verifies a device's password within a tenant and returns the
// id of the device the credentials belong to.
type Authenticator interface {
	Authenticate(ctx context.Context, tenantID, authID, password string) (string, AuthResult)
	Name() string
	Enabled() bool
}

// ParseUsername splits a username of the form authId@tenantId. Usernames
// without a tenant part belong to defaultTenant.
func ParseUsername(username, defaultTenant string) (authID, tenantID string, err error) {
	i := strings.LastIndex(username, "@")
	if i < 0 {
		if defaultTenant == "" {
			return "", "", fmt.Errorf("%w: username %q has no tenant", ErrAuthenticationFailed, username)
		}
		return username, defaultTenant, nil
	}
	authID, tenantID = username[:i], username[i+1:]
	if authID == "" || tenantID == "" {
		return "", "", fmt.Errorf("%w: malformed username %q", ErrAuthenticationFailed, username)
	}
	return authID, tenantID, nil
}

// Chain tries its authenticators in order. The first success or failure
// decides; errors and unknown devices move on to the next authenticator. A
// device no authenticator knows is rejected.
type Chain struct {
	authenticators []Authenticator
	defaultTenant  string
}

// NewChain creates a chain. defaultTenant is used for usernames without a
// tenant part and may be empty.
func NewChain(defaultTenant string, authenticators ...Authenticator) *Chain {
	return &Chain{authenticators: authenticators, defaultTenant: defaultTenant}
}

// AddAuthenticator adds an authenticator to the chain
func (c *Chain) AddAuthenticator(a Authenticator) {
	c.authenticators = append(c.authenticators, a)
}

// Count returns the number of authenticators in the chain
func (c *Chain) Count() int {
	return len(c.authenticators)
}

// AuthenticatePassword authenticates a device by username and password.
func (c *Chain) AuthenticatePassword(ctx context.Context, username, password, clientID string) (*Device, error) {
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: missing username or password", ErrAuthenticationFailed)
	}
	authID, tenantID, err := ParseUsername(username, c.defaultTenant)
	if err != nil {
		return nil, err
	}

	for i, a := range c.authenticators {
		if !a.Enabled() {
			log.Printf("[DEBUG] Authenticator %d (%s) is disabled, skipping", i+1, a.Name())
			continue
		}

		deviceID, result := a.Authenticate(ctx, tenantID, authID, password)
		log.Printf("[DEBUG] Authenticator %s returned: %s for %s@%s (client %s)", a.Name(), result, authID, tenantID, clientID)

		switch result {
		case AuthSuccess:
			log.Printf("[INFO] Device %s/%s authenticated as %s via %s", tenantID, deviceID, authID, a.Name())
			return &Device{TenantID: tenantID, DeviceID: deviceID}, nil
		case AuthFailure:
			return nil, fmt.Errorf("%w: bad credentials for %s@%s", ErrAuthenticationFailed, authID, tenantID)
		case AuthError:
			log.Printf("[ERROR] Authentication error for %s@%s via %s", authID, tenantID, a.Name())
		}
	}

	return nil, fmt.Errorf("%w: unknown device %s@%s", ErrAuthenticationFailed, authID, tenantID)
}

// HashPassword creates a hash of the password using the specified algorithm
func HashPassword(password, salt string, algorithm HashAlgorithm) (string, error) {
	switch algorithm {
	case HashPlain:
		return password, nil
	case HashSHA256:
		hasher := sha256.New()
		hasher.Write([]byte(salt + password))
		return fmt.Sprintf("%x", hasher.Sum(nil)), nil
	case HashBcrypt:
		hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	default:
		return "", fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
}

// VerifyPassword verifies a password against a hash using the specified algorithm
func VerifyPassword(password, hash, salt string, algorithm HashAlgorithm) bool {
	switch algorithm {
	case HashPlain:
		return password == hash
	case HashSHA256:
		expectedHash, err := HashPassword(password, salt, HashSHA256)
		if err != nil {
			return false
		}
		return expectedHash == hash
	case HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
	default:
		return false
	}
}
