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

// Package backend defines the client abstraction the gateway uses to talk to
// the northbound messaging system: senders for telemetry, events and command
// responses, and consumers delivering commands for a device or a whole tenant.
// One Client is shared by every device connection of a tenant.
package backend

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrUndeliverable is returned when the backend refused or could not route
	// a message.
	ErrUndeliverable = errors.New("message undeliverable")
	// ErrNotConnected is returned when an operation needs a live backend link.
	ErrNotConnected = errors.New("backend not connected")
)

// QoS is the delivery guarantee requested for a telemetry message.
type QoS int

const (
	AtMostOnce QoS = iota
	AtLeastOnce
)

// String returns the name of the delivery guarantee.
func (q QoS) String() string {
	if q == AtLeastOnce {
		return "at-least-once"
	}
	return "at-most-once"
}

// Message carries the fields shared by all downstream messages.
type Message struct {
	Payload     []byte
	ContentType string
	Properties  map[string]string
}

// Outcome is the settlement of a command delivery reported back to the backend.
type Outcome int

const (
	// Accepted means the command reached the device.
	Accepted Outcome = iota
	// Released means the command was not delivered and may be redelivered.
	Released
	// Rejected means the command cannot be delivered and must not be redelivered.
	Rejected
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Released:
		return "released"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Command is a command pushed by the backend for a device.
type Command struct {
	TenantID      string
	DeviceID      string
	Name          string
	CorrelationID string
	// ReplyID identifies where the device's response is to be sent. Empty
	// for one-way commands.
	ReplyID     string
	ContentType string
	Payload     []byte
	Properties  map[string]string

	once   sync.Once
	settle func(Outcome)
}

// NewCommand returns a command whose settlement is reported to settle.
func NewCommand(settle func(Outcome)) *Command {
	return &Command{settle: settle}
}

// OneWay reports whether the command expects no response.
func (c *Command) OneWay() bool {
	return c.CorrelationID == ""
}

// Settle reports the delivery outcome to the backend. Only the first call has
// an effect.
func (c *Command) Settle(o Outcome) {
	c.once.Do(func() {
		if c.settle != nil {
			c.settle(o)
		}
	})
}

// CommandHandler receives commands from a consumer.
type CommandHandler func(cmd *Command)

// CommandConsumer is a live subscription to commands.
type CommandConsumer interface {
	Close() error
}

// TelemetrySender sends telemetry on behalf of devices.
type TelemetrySender interface {
	SendTelemetry(ctx context.Context, qos QoS, tenantID, deviceID string, msg Message) error
}

// EventSender sends events on behalf of devices.
type EventSender interface {
	SendEvent(ctx context.Context, tenantID, deviceID string, msg Message) error
}

// CommandResponseSender sends a device's response to a command.
type CommandResponseSender interface {
	SendCommandResponse(ctx context.Context, targetAddress, correlationID string, status int, msg Message) error
}

// Client is a connection to the backend shared by the devices of one tenant.
type Client interface {
	TelemetrySender
	EventSender
	CommandResponseSender

	Connect(ctx context.Context) error
	IsConnected(ctx context.Context, timeout time.Duration) error
	Disconnect()

	CreateDeviceSpecificCommandConsumer(ctx context.Context, tenantID, deviceID string, handler CommandHandler) (CommandConsumer, error)
	CreateTenantCommandConsumer(ctx context.Context, tenantID string, handler CommandHandler) (CommandConsumer, error)
}

// Config holds the settings used to open a backend connection.
type Config struct {
	URL            string
	Username       string
	Password       string
	ClientIDPrefix string
	ConnectTimeout time.Duration
}

// HasCredentials reports whether static credentials are configured.
func (c Config) HasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// WithCredentials returns a copy of c using the given credentials.
func (c Config) WithCredentials(username, password string) Config {
	c.Username = username
	c.Password = password
	return c
}

// ResponseAddress returns the address a device's response to a command with
// the given reply id is sent to.
func ResponseAddress(tenantID, replyID string) string {
	return "command_response/" + tenantID + "/" + replyID
}

// Factory creates an unconnected client for a tenant.
type Factory func(tenantID string, cfg Config) (Client, error)
