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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAuthenticator struct {
	name     string
	deviceID string
	result   AuthResult
	enabled  bool
	calls    int
}

func (s *stubAuthenticator) Authenticate(_ context.Context, tenantID, authID, password string) (string, AuthResult) {
	s.calls++
	return s.deviceID, s.result
}

func (s *stubAuthenticator) Name() string  { return s.name }
func (s *stubAuthenticator) Enabled() bool { return s.enabled }

func TestParseUsername(t *testing.T) {
	testCases := []struct {
		username      string
		defaultTenant string
		authID        string
		tenantID      string
		wantErr       bool
	}{
		{"u1@t1", "", "u1", "t1", false},
		{"u1@corp@t1", "", "u1@corp", "t1", false},
		{"u1", "default", "u1", "default", false},
		{"u1", "", "", "", true},
		{"@t1", "", "", "", true},
		{"u1@", "", "", "", true},
	}
	for _, tc := range testCases {
		t.Run(tc.username, func(t *testing.T) {
			authID, tenantID, err := ParseUsername(tc.username, tc.defaultTenant)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrAuthenticationFailed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.authID, authID)
			assert.Equal(t, tc.tenantID, tenantID)
		})
	}
}

func TestChain_Order(t *testing.T) {
	disabled := &stubAuthenticator{name: "disabled", result: AuthSuccess, deviceID: "x"}
	erroring := &stubAuthenticator{name: "erroring", result: AuthError, enabled: true}
	ignoring := &stubAuthenticator{name: "ignoring", result: AuthIgnore, enabled: true}
	success := &stubAuthenticator{name: "success", result: AuthSuccess, deviceID: "d1", enabled: true}
	chain := NewChain("", disabled, erroring, ignoring, success)

	device, err := chain.AuthenticatePassword(context.Background(), "u1@t1", "p1", "c1")
	require.NoError(t, err)
	assert.Equal(t, Device{TenantID: "t1", DeviceID: "d1"}, *device)
	assert.Equal(t, 0, disabled.calls)
	assert.Equal(t, 1, erroring.calls)
	assert.Equal(t, 4, chain.Count())
}

func TestChain_FailureStops(t *testing.T) {
	failure := &stubAuthenticator{name: "failure", result: AuthFailure, enabled: true}
	success := &stubAuthenticator{name: "success", result: AuthSuccess, deviceID: "d1", enabled: true}
	chain := NewChain("", failure)
	chain.AddAuthenticator(success)

	_, err := chain.AuthenticatePassword(context.Background(), "u1@t1", "p1", "c1")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	assert.Equal(t, 0, success.calls)
}

func TestChain_UnknownAndMissing(t *testing.T) {
	chain := NewChain("")
	_, err := chain.AuthenticatePassword(context.Background(), "u1@t1", "p1", "c1")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	_, err = chain.AuthenticatePassword(context.Background(), "", "p1", "c1")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
	_, err = chain.AuthenticatePassword(context.Background(), "u1@t1", "", "c1")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestMemoryAuthenticator(t *testing.T) {
	ma := NewMemoryAuthenticator()
	require.NoError(t, ma.AddDevice("t1", "u1", "d1", "p1", HashBcrypt))
	require.NoError(t, ma.AddDevice("t1", "u2", "", "p2", HashSHA256))
	require.NoError(t, ma.AddDevice("t2", "u1", "d9", "p9", HashPlain))
	assert.Equal(t, 3, ma.Count())

	testCases := []struct {
		tenant, authID, password string
		deviceID                 string
		result                   AuthResult
	}{
		{"t1", "u1", "p1", "d1", AuthSuccess},
		{"t1", "u1", "bad", "", AuthFailure},
		{"t1", "u2", "p2", "u2", AuthSuccess},
		{"t2", "u1", "p9", "d9", AuthSuccess},
		{"t2", "u1", "p1", "", AuthFailure},
		{"t3", "u1", "p1", "", AuthIgnore},
	}
	for _, tc := range testCases {
		deviceID, result := ma.Authenticate(context.Background(), tc.tenant, tc.authID, tc.password)
		assert.Equal(t, tc.result, result, "%s@%s", tc.authID, tc.tenant)
		assert.Equal(t, tc.deviceID, deviceID, "%s@%s", tc.authID, tc.tenant)
	}

	require.NoError(t, ma.SetCredentialEnabled("t1", "u1", false))
	_, result := ma.Authenticate(context.Background(), "t1", "u1", "p1")
	assert.Equal(t, AuthFailure, result)

	ma.SetEnabled(false)
	_, result = ma.Authenticate(context.Background(), "t2", "u1", "p9")
	assert.Equal(t, AuthIgnore, result)
	ma.SetEnabled(true)

	require.NoError(t, ma.RemoveCredential("t2", "u1"))
	assert.Error(t, ma.RemoveCredential("t2", "u1"))
	assert.Error(t, ma.SetCredentialEnabled("t2", "u1", true))
	assert.Error(t, ma.AddCredential(Credential{AuthID: "x"}))
	assert.Error(t, ma.AddDevice("t1", "u3", "", "p", HashAlgorithm("md5")))
}

func TestHashPassword(t *testing.T) {
	for _, algo := range []HashAlgorithm{HashPlain, HashSHA256, HashBcrypt} {
		hash, err := HashPassword("secret", "salt", algo)
		require.NoError(t, err)
		assert.True(t, VerifyPassword("secret", hash, "salt", algo), algo)
		assert.False(t, VerifyPassword("wrong", hash, "salt", algo), algo)
	}
	assert.False(t, VerifyPassword("secret", "secret", "", HashAlgorithm("md5")))
}

func TestCommandFilterValidator(t *testing.T) {
	v := CommandFilterValidator{}
	testCases := []struct {
		filter string
		valid  bool
	}{
		{"command///req/#", true},
		{"c/+/+/q/#", true},
		{"command/t1/d1/req/#", true},
		{"command/t1//req/#", true},
		{"command/t2/+/req/#", false},
		{"command/+/d2/req/#", false},
		{"telemetry/#", false},
		{"command/+/+/req/+", false},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.valid, v.IsTopicFilterValid(tc.filter, "t1", "d1", "c1"), tc.filter)
	}
}

func TestResolvers(t *testing.T) {
	static := StaticCredentials{"t1": {Username: "gw", Password: "secret"}}
	creds, err := static.ResolveGatewayCredentials(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "gw", creds.Username)

	_, err = static.ResolveGatewayCredentials(context.Background(), "t2")
	assert.ErrorIs(t, err, ErrNoCredentials)

	broken := resolverFunc(func(context.Context, string) (GatewayCredentials, error) {
		return GatewayCredentials{}, ErrCredentialsUnavailable
	})
	chain := ResolverChain{broken, static}
	creds, err = chain.ResolveGatewayCredentials(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "secret", creds.Password)

	_, err = chain.ResolveGatewayCredentials(context.Background(), "t2")
	assert.ErrorIs(t, err, ErrNoCredentials)

	_, err = ResolverChain{}.ResolveGatewayCredentials(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrNoCredentials)
}

type resolverFunc func(context.Context, string) (GatewayCredentials, error)

func (f resolverFunc) ResolveGatewayCredentials(ctx context.Context, tenantID string) (GatewayCredentials, error) {
	return f(ctx, tenantID)
}

func TestProvider_Defaults(t *testing.T) {
	p := &Provider{}
	assert.True(t, p.IsTopicFilterValid("command///req/#", "t1", "d1", "c1"))
	_, err := p.ResolveGatewayCredentials(context.Background(), "t1")
	assert.ErrorIs(t, err, ErrNoCredentials)
	_, err = p.AuthenticateDevice(context.Background(), nil, "u1@t1", "p1", "c1")
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	p.Filters = filterFunc(func(string) bool { return false })
	assert.False(t, p.IsTopicFilterValid("command///req/#", "t1", "d1", "c1"))
}

type filterFunc func(string) bool

func (f filterFunc) IsTopicFilterValid(filter, _, _, _ string) bool { return f(filter) }

func TestDeviceString(t *testing.T) {
	assert.Equal(t, "t1/d1", Device{TenantID: "t1", DeviceID: "d1"}.String())
	assert.Equal(t, "ignore", AuthIgnore.String())
}
