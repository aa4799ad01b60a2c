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

// Package backendtest provides an in-memory backend.Client for tests.
package backendtest

import (
	"context"
	"sync"
	"time"

	"github.com/turtacn/mqtt-gateway/pkg/backend"
)

// Sent records one message handed to a sender.
type Sent struct {
	Kind          string
	QoS           backend.QoS
	TenantID      string
	DeviceID      string
	TargetAddress string
	CorrelationID string
	Status        int
	Message       backend.Message
}

// Client is a scriptable backend.Client. The exported error fields may be set
// before use to make the corresponding operation fail.
type Client struct {
	TenantID string
	Config   backend.Config

	ConnectErr   error
	ConnectDelay time.Duration
	SendErr      error
	ConsumerErr  error
	// SendHook, if set, runs before a message is recorded and may delay it or
	// fail it.
	SendHook func(Sent) error

	mu             sync.Mutex
	connected      bool
	connects       int
	disconnects    int
	sent           []Sent
	deviceHandlers map[string]backend.CommandHandler
	tenantHandler  backend.CommandHandler
	consumers      int
}

// NewClient returns an unconnected client.
func NewClient(tenantID string, cfg backend.Config) *Client {
	return &Client{
		TenantID:       tenantID,
		Config:         cfg,
		deviceHandlers: make(map[string]backend.CommandHandler),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	if c.ConnectDelay > 0 {
		select {
		case <-time.After(c.ConnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.connected = true
	return nil
}

func (c *Client) IsConnected(ctx context.Context, timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return backend.ErrNotConnected
	}
	return nil
}

func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	c.disconnects++
}

func (c *Client) record(s Sent) error {
	if c.SendHook != nil {
		if err := c.SendHook(s); err != nil {
			return err
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return backend.ErrNotConnected
	}
	if c.SendErr != nil {
		return c.SendErr
	}
	c.sent = append(c.sent, s)
	return nil
}

func (c *Client) SendTelemetry(ctx context.Context, qos backend.QoS, tenantID, deviceID string, msg backend.Message) error {
	return c.record(Sent{Kind: "telemetry", QoS: qos, TenantID: tenantID, DeviceID: deviceID, Message: msg})
}

func (c *Client) SendEvent(ctx context.Context, tenantID, deviceID string, msg backend.Message) error {
	return c.record(Sent{Kind: "event", TenantID: tenantID, DeviceID: deviceID, Message: msg})
}

func (c *Client) SendCommandResponse(ctx context.Context, targetAddress, correlationID string, status int, msg backend.Message) error {
	return c.record(Sent{Kind: "command_response", TargetAddress: targetAddress, CorrelationID: correlationID, Status: status, Message: msg})
}

type consumer struct {
	close func()
}

func (c *consumer) Close() error {
	c.close()
	return nil
}

func (c *Client) CreateDeviceSpecificCommandConsumer(ctx context.Context, tenantID, deviceID string, handler backend.CommandHandler) (backend.CommandConsumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConsumerErr != nil {
		return nil, c.ConsumerErr
	}
	key := tenantID + "/" + deviceID
	c.deviceHandlers[key] = handler
	c.consumers++
	return &consumer{close: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.deviceHandlers, key)
	}}, nil
}

func (c *Client) CreateTenantCommandConsumer(ctx context.Context, tenantID string, handler backend.CommandHandler) (backend.CommandConsumer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ConsumerErr != nil {
		return nil, c.ConsumerErr
	}
	c.tenantHandler = handler
	c.consumers++
	return &consumer{close: func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		c.tenantHandler = nil
	}}, nil
}

// Deliver pushes a command to the consumer registered for its device, falling
// back to the tenant consumer. It reports whether a consumer received it.
func (c *Client) Deliver(cmd *backend.Command) bool {
	c.mu.Lock()
	handler, ok := c.deviceHandlers[cmd.TenantID+"/"+cmd.DeviceID]
	if !ok && c.tenantHandler != nil {
		handler, ok = c.tenantHandler, true
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	handler(cmd)
	return true
}

// Sent returns a copy of the recorded messages.
func (c *Client) Sent() []Sent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Sent(nil), c.sent...)
}

// Connects returns how many times Connect was called.
func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Disconnects returns how many times Disconnect was called.
func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// Consumers returns how many consumers were created.
func (c *Client) Consumers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.consumers
}

// HasDeviceConsumer reports whether a device consumer is open.
func (c *Client) HasDeviceConsumer(tenantID, deviceID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.deviceHandlers[tenantID+"/"+deviceID]
	return ok
}

// Factory creates Clients and remembers them per tenant.
type Factory struct {
	// Configure, when set, is applied to every new client.
	Configure func(*Client)

	mu      sync.Mutex
	clients map[string][]*Client
}

// NewFactory returns an empty factory.
func NewFactory() *Factory {
	return &Factory{clients: make(map[string][]*Client)}
}

// New implements backend.Factory.
func (f *Factory) New(tenantID string, cfg backend.Config) (backend.Client, error) {
	c := NewClient(tenantID, cfg)
	if f.Configure != nil {
		f.Configure(c)
	}
	f.mu.Lock()
	f.clients[tenantID] = append(f.clients[tenantID], c)
	f.mu.Unlock()
	return c, nil
}

// Clients returns every client created for a tenant, oldest first.
func (f *Factory) Clients(tenantID string) []*Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Client(nil), f.clients[tenantID]...)
}

// Last returns the most recent client for a tenant, or nil.
func (f *Factory) Last(tenantID string) *Client {
	cs := f.Clients(tenantID)
	if len(cs) == 0 {
		return nil
	}
	return cs[len(cs)-1]
}
