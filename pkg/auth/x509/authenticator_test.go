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

package x509

import (
	"context"
	stdx509 "crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/mqtt-gateway/pkg/auth"
	"github.com/turtacn/mqtt-gateway/pkg/tls/tlstest"
)

func setup(t *testing.T) (*Authenticator, *tlstest.CA, *tlstest.CA) {
	t.Helper()
	a, err := New(nil)
	require.NoError(t, err)
	ca1 := tlstest.NewCA(t, "tenant-1-ca")
	ca2 := tlstest.NewCA(t, "tenant-2-ca")
	require.NoError(t, a.AddTrustAnchor("t1", ca1.Cert))
	require.NoError(t, a.AddTrustAnchor("t2", ca2.Cert))
	return a, ca1, ca2
}

func TestGetTrustAnchors(t *testing.T) {
	a, ca1, _ := setup(t)
	leaf := ca1.IssueClient(t, "device-1")

	anchors, err := a.GetTrustAnchors(context.Background(), []*stdx509.Certificate{leaf.Cert})
	require.NoError(t, err)
	require.Len(t, anchors, 1)
	assert.True(t, anchors[0].Equal(ca1.Cert))

	other := tlstest.NewCA(t, "unknown-ca").IssueClient(t, "device-1")
	anchors, err = a.GetTrustAnchors(context.Background(), []*stdx509.Certificate{other.Cert})
	require.NoError(t, err)
	assert.Empty(t, anchors)

	_, err = a.GetTrustAnchors(context.Background(), nil)
	assert.Error(t, err)
}

func TestAddTrustAnchor_RejectsLeaf(t *testing.T) {
	a, ca1, _ := setup(t)
	leaf := ca1.IssueClient(t, "device-1")
	assert.Error(t, a.AddTrustAnchor("t1", leaf.Cert))
}

func TestProviderCertificatePath(t *testing.T) {
	a, ca1, ca2 := setup(t)
	provider := &auth.Provider{Certificates: a}

	device, err := provider.AuthenticateDevice(context.Background(), []*stdx509.Certificate{ca1.IssueClient(t, "sensor-7").Cert}, "", "", "c1")
	require.NoError(t, err)
	assert.Equal(t, auth.Device{TenantID: "t1", DeviceID: "sensor-7"}, *device)

	device, err = provider.AuthenticateDevice(context.Background(), []*stdx509.Certificate{ca2.IssueClient(t, "sensor-8").Cert}, "", "", "c2")
	require.NoError(t, err)
	assert.Equal(t, "t2", device.TenantID)
}

func TestProviderFallsBackToPassword(t *testing.T) {
	a, _, _ := setup(t)
	memory := auth.NewMemoryAuthenticator()
	require.NoError(t, memory.AddDevice("t1", "u1", "d1", "p1", auth.HashPlain))
	provider := &auth.Provider{Certificates: a, Passwords: auth.NewChain("", memory)}

	untrusted := tlstest.NewCA(t, "rogue-ca").IssueClient(t, "sensor-7")
	chain := []*stdx509.Certificate{untrusted.Cert}

	device, err := provider.AuthenticateDevice(context.Background(), chain, "u1@t1", "p1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "d1", device.DeviceID)

	_, err = provider.AuthenticateDevice(context.Background(), chain, "u1@t1", "wrong", "c1")
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)
}

func TestDeviceMapping(t *testing.T) {
	a, ca1, _ := setup(t)
	a.AddDevice("t1", "sensor-7", "d-007")
	leaf := ca1.IssueClient(t, "sensor-7")

	device, err := a.AuthenticateCertificate(context.Background(), []*stdx509.Certificate{leaf.Cert, ca1.Cert})
	require.NoError(t, err)
	assert.Equal(t, "d-007", device.DeviceID)

	unmapped := ca1.IssueClient(t, "sensor-9")
	_, err = a.AuthenticateCertificate(context.Background(), []*stdx509.Certificate{unmapped.Cert, ca1.Cert})
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)
}

func TestRevokedAndPattern(t *testing.T) {
	ca := tlstest.NewCA(t, "ca")
	leaf := ca.IssueClient(t, "sensor-1")

	a, err := New(&Config{IdentitySource: IdentityFromSubjectCN, RevokedSerials: []string{leaf.Cert.SerialNumber.String()}})
	require.NoError(t, err)
	require.NoError(t, a.AddTrustAnchor("t1", ca.Cert))
	_, err = a.AuthenticateCertificate(context.Background(), []*stdx509.Certificate{leaf.Cert, ca.Cert})
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)

	a, err = New(&Config{IdentitySource: IdentityFromSubjectCN, IdentityPattern: "^gw-"})
	require.NoError(t, err)
	require.NoError(t, a.AddTrustAnchor("t1", ca.Cert))
	_, err = a.AuthenticateCertificate(context.Background(), []*stdx509.Certificate{leaf.Cert, ca.Cert})
	assert.ErrorIs(t, err, auth.ErrAuthenticationFailed)

	_, err = New(&Config{IdentityPattern: "("})
	assert.Error(t, err)
}

func TestExtractIdentity(t *testing.T) {
	leaf := tlstest.NewCA(t, "ca").IssueClient(t, "sensor-1").Cert

	testCases := []struct {
		source   IdentitySource
		field    string
		expected string
	}{
		{IdentityFromSubjectCN, "", "sensor-1"},
		{IdentityFromSubjectDN, "", "CN=sensor-1"},
		{IdentityFromSAN, "dns", "localhost"},
		{IdentityFromSAN, "ip", "127.0.0.1"},
		{IdentityFromSerial, "", leaf.SerialNumber.String()},
	}
	for _, tc := range testCases {
		t.Run(string(tc.source)+tc.field, func(t *testing.T) {
			a, err := New(&Config{IdentitySource: tc.source, IdentityField: tc.field})
			require.NoError(t, err)
			identity, err := a.extractIdentity(leaf)
			require.NoError(t, err)
			assert.Equal(t, tc.expected, identity)
		})
	}

	a, err := New(&Config{IdentitySource: IdentityFromFingerprint})
	require.NoError(t, err)
	fp, err := a.extractIdentity(leaf)
	require.NoError(t, err)
	assert.Len(t, fp, 64)

	a, err = New(&Config{IdentitySource: IdentityFromSAN, IdentityField: "email"})
	require.NoError(t, err)
	_, err = a.extractIdentity(leaf)
	assert.Error(t, err)
}
