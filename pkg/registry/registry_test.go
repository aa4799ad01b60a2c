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

package registry

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/turtacn/mqtt-gateway/pkg/backend"
	"github.com/turtacn/mqtt-gateway/pkg/backend/backendtest"
)

type member struct {
	id     string
	closed int32
	order  *[]string
	mu     *sync.Mutex
}

func (m *member) ID() string { return m.id }

func (m *member) Close() error {
	atomic.AddInt32(&m.closed, 1)
	if m.order != nil {
		m.mu.Lock()
		*m.order = append(*m.order, "member:"+m.id)
		m.mu.Unlock()
	}
	return nil
}

func newRegistry() (*Registry, *backendtest.Factory) {
	f := backendtest.NewFactory()
	return New(f.New), f
}

func TestConnect_SingleBackendPerTenant(t *testing.T) {
	r, f := newRegistry()
	f.Configure = func(c *backendtest.Client) { c.ConnectDelay = 50 * time.Millisecond }

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Connect(context.Background(), "t1", backend.Config{}, time.Second))
		}()
	}
	wg.Wait()

	assert.Len(t, f.Clients("t1"), 1)
	assert.Equal(t, 1, f.Last("t1").Connects())
	assert.Equal(t, []string{"t1"}, r.Tenants())
}

func TestConnect_FailureLeavesNoEntry(t *testing.T) {
	r, f := newRegistry()
	boom := errors.New("refused")
	f.Configure = func(c *backendtest.Client) { c.ConnectErr = boom }

	err := r.Connect(context.Background(), "t1", backend.Config{}, time.Second)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, r.Tenants())
	assert.Equal(t, 1, f.Last("t1").Disconnects())

	err = r.AddConnection("t1", &member{id: "c1"})
	assert.ErrorIs(t, err, ErrTenantNotConnected)
}

func TestConnect_TimeoutLeavesNoEntry(t *testing.T) {
	r, f := newRegistry()
	f.Configure = func(c *backendtest.Client) { c.ConnectDelay = time.Second }

	err := r.Connect(context.Background(), "t1", backend.Config{}, 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Eventually(t, func() bool { return len(r.Tenants()) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestAddConnection_WithoutConnect(t *testing.T) {
	r, _ := newRegistry()
	assert.ErrorIs(t, r.AddConnection("t1", &member{id: "c1"}), ErrTenantNotConnected)
	assert.False(t, r.RemoveConnection("t1", &member{id: "c1"}))
}

func TestRemoveConnection_LastMemberClosesBackend(t *testing.T) {
	r, f := newRegistry()
	require.NoError(t, r.Connect(context.Background(), "t1", backend.Config{}, time.Second))
	m1, m2 := &member{id: "c1"}, &member{id: "c2"}
	require.NoError(t, r.AddConnection("t1", m1))
	require.NoError(t, r.AddConnection("t1", m2))
	assert.Equal(t, 2, r.Members("t1"))

	assert.False(t, r.RemoveConnection("t1", m1))
	assert.Equal(t, 0, f.Last("t1").Disconnects())

	assert.True(t, r.RemoveConnection("t1", m2))
	assert.Equal(t, 1, f.Last("t1").Disconnects())
	assert.Equal(t, -1, r.Members("t1"))

	assert.False(t, r.RemoveConnection("t1", m2))
	assert.Equal(t, 1, f.Last("t1").Disconnects())
}

func TestRemoveConnection_UnknownMember(t *testing.T) {
	r, f := newRegistry()
	require.NoError(t, r.Connect(context.Background(), "t1", backend.Config{}, time.Second))
	require.NoError(t, r.AddConnection("t1", &member{id: "c1"}))

	assert.False(t, r.RemoveConnection("t1", &member{id: "other"}))
	assert.Equal(t, 1, r.Members("t1"))
	assert.Equal(t, 0, f.Last("t1").Disconnects())
}

func TestAddConnection_SameClientIDCountedSeparately(t *testing.T) {
	r, f := newRegistry()
	require.NoError(t, r.Connect(context.Background(), "t1", backend.Config{}, time.Second))
	m1, m2 := &member{id: "same"}, &member{id: "same"}
	require.NoError(t, r.AddConnection("t1", m1))
	require.NoError(t, r.AddConnection("t1", m2))
	assert.Equal(t, 2, r.Members("t1"))

	assert.False(t, r.RemoveConnection("t1", m1))
	assert.Equal(t, 0, f.Last("t1").Disconnects())
	assert.True(t, r.RemoveConnection("t1", m2))
	assert.Equal(t, 1, f.Last("t1").Disconnects())
}

func TestReconnectAfterTeardown(t *testing.T) {
	r, f := newRegistry()
	m := &member{id: "c1"}
	require.NoError(t, r.Connect(context.Background(), "t1", backend.Config{}, time.Second))
	require.NoError(t, r.AddConnection("t1", m))
	require.True(t, r.RemoveConnection("t1", m))

	require.NoError(t, r.Connect(context.Background(), "t1", backend.Config{}, time.Second))
	require.NoError(t, r.AddConnection("t1", m))
	assert.Len(t, f.Clients("t1"), 2)
}

func TestTenantsAreIndependent(t *testing.T) {
	r, f := newRegistry()
	f.Configure = func(c *backendtest.Client) {
		if c.TenantID == "slow" {
			c.ConnectDelay = 500 * time.Millisecond
		}
	}

	done := make(chan error, 1)
	go func() { done <- r.Connect(context.Background(), "slow", backend.Config{}, time.Second) }()

	start := time.Now()
	require.NoError(t, r.Connect(context.Background(), "fast", backend.Config{}, time.Second))
	assert.Less(t, time.Since(start), 400*time.Millisecond)
	require.NoError(t, <-done)
}

func TestCloseAll(t *testing.T) {
	r, f := newRegistry()
	var mu sync.Mutex
	var order []string

	for _, tenant := range []string{"t1", "t2"} {
		require.NoError(t, r.Connect(context.Background(), tenant, backend.Config{}, time.Second))
	}
	m1 := &member{id: "c1", order: &order, mu: &mu}
	m2 := &member{id: "c2", order: &order, mu: &mu}
	require.NoError(t, r.AddConnection("t1", m1))
	require.NoError(t, r.AddConnection("t2", m2))

	r.CloseAll()

	assert.Empty(t, r.Tenants())
	assert.Equal(t, int32(1), atomic.LoadInt32(&m1.closed))
	assert.Equal(t, int32(1), atomic.LoadInt32(&m2.closed))
	assert.Equal(t, 1, f.Last("t1").Disconnects())
	assert.Equal(t, 1, f.Last("t2").Disconnects())

	// Members closing afterwards find nothing to release.
	assert.False(t, r.RemoveConnection("t1", m1))
	assert.Equal(t, 1, f.Last("t1").Disconnects())
}

func TestAccessors(t *testing.T) {
	r, f := newRegistry()
	_, err := r.TelemetrySender("t1")
	assert.ErrorIs(t, err, ErrTenantNotConnected)
	_, err = r.CreateTenantCommandConsumer(context.Background(), "t1", func(*backend.Command) {})
	assert.ErrorIs(t, err, ErrTenantNotConnected)

	require.NoError(t, r.Connect(context.Background(), "t1", backend.Config{}, time.Second))
	require.NoError(t, r.AddConnection("t1", &member{id: "c1"}))

	sender, err := r.TelemetrySender("t1")
	require.NoError(t, err)
	require.NoError(t, sender.SendTelemetry(context.Background(), backend.AtMostOnce, "t1", "d1", backend.Message{Payload: []byte("x")}))
	events, err := r.EventSender("t1")
	require.NoError(t, err)
	require.NoError(t, events.SendEvent(context.Background(), "t1", "d1", backend.Message{}))
	responses, err := r.CommandResponseSender("t1")
	require.NoError(t, err)
	require.NoError(t, responses.SendCommandResponse(context.Background(), "r", "c", 200, backend.Message{}))
	assert.Len(t, f.Last("t1").Sent(), 3)

	_, err = r.CreateDeviceSpecificCommandConsumer(context.Background(), "t1", "d1", func(*backend.Command) {})
	require.NoError(t, err)
	assert.True(t, f.Last("t1").HasDeviceConsumer("t1", "d1"))
}
