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

package transport

import (
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/mqtt-gateway/pkg/tls/tlstest"
)

func echo(conn net.Conn) {
	go func() {
		defer conn.Close()
		_, _ = io.Copy(conn, conn)
	}()
}

func roundTrip(t *testing.T, conn net.Conn) {
	t.Helper()
	_, err := conn.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, err = io.ReadFull(conn, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))
}

func TestServerTCP(t *testing.T) {
	s := NewServer(echo, nil)
	assert.Nil(t, s.Addr())
	require.NoError(t, s.Start("127.0.0.1:0"))
	defer s.Stop()

	conn, err := net.DialTimeout("tcp", s.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	roundTrip(t, conn)
}

func TestServerTLS(t *testing.T) {
	ca := tlstest.NewCA(t, "test-ca")
	leaf := ca.IssueServer(t, "localhost")

	s := NewServer(echo, &tls.Config{Certificates: []tls.Certificate{leaf.TLSCertificate()}})
	require.NoError(t, s.Start("127.0.0.1:0"))
	defer s.Stop()

	pool := x509.NewCertPool()
	pool.AddCert(ca.Cert)
	conn, err := tls.Dial("tcp", s.Addr().String(), &tls.Config{RootCAs: pool, ServerName: "localhost"})
	require.NoError(t, err)
	defer conn.Close()
	roundTrip(t, conn)
}

func TestServerStop(t *testing.T) {
	s := NewServer(echo, nil)
	require.NoError(t, s.Start("127.0.0.1:0"))
	addr := s.Addr().String()

	s.Stop()
	s.Stop()

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	assert.Error(t, err)
}

func TestServerBindFailure(t *testing.T) {
	s := NewServer(echo, nil)
	require.NoError(t, s.Start("127.0.0.1:0"))
	defer s.Stop()

	other := NewServer(echo, nil)
	assert.Error(t, other.Start(s.Addr().String()))
}
