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

package gateway

import (
	"errors"
	"fmt"
	"log"

	"github.com/turtacn/mqtt-gateway/pkg/auth"
	"github.com/turtacn/mqtt-gateway/pkg/backend"
	"github.com/turtacn/mqtt-gateway/pkg/topic"
	"github.com/turtacn/mqtt-gateway/pkg/tracker"
)

var (
	// ErrUnclassifiableMessage is returned when a device publish cannot be
	// translated into a downstream message.
	ErrUnclassifiableMessage = errors.New("unclassifiable message")
	// ErrNoSubscriber is reported when the backend delivers a command the
	// device has no subscription for.
	ErrNoSubscriber = errors.New("no subscriber for command")
	// ErrNilCommand is reported when OnCommandReceived returns no command.
	ErrNilCommand = errors.New("command hook returned no command")
)

// PublishContext describes a publish received from a device.
type PublishContext struct {
	Device   auth.Device
	ClientID string
	Topic    string
	QoS      byte
	Payload  []byte
	// ContentType and Properties are taken from MQTT 5 publish properties.
	ContentType string
	Properties  map[string]string
}

// CommandContext describes a command about to be published to a device.
type CommandContext struct {
	Device       auth.Device
	ClientID     string
	Command      *backend.Command
	Subscription tracker.Subscription
}

// Extension adapts the gateway to a device protocol. Hooks run on the
// connection's actor and must not block.
type Extension interface {
	// OnPublishedMessage translates a device publish.
	OnPublishedMessage(ctx *PublishContext) (DownstreamMessage, error)
	// OnCommandReceived returns the command to publish to the device. It must
	// not return nil.
	OnCommandReceived(ctx *CommandContext) *backend.Command
	// OnMessageSent is called once the backend accepted a message.
	OnMessageSent(ctx *PublishContext, msg DownstreamMessage)
	// OnMessageUndeliverable is called when the backend failed to take a
	// message.
	OnMessageUndeliverable(ctx *PublishContext, msg DownstreamMessage, err error)
	// OnCommandPublished is called when a command was published at QoS 0 or
	// acknowledged by the device at QoS 1.
	OnCommandPublished(ctx *CommandContext)
	// OnCommandUndeliverable is called when a command could not be published.
	OnCommandUndeliverable(ctx *CommandContext, err error)
	// OnDeviceConnectionClosed is called once for every connection that
	// completed CONNECT.
	OnDeviceConnectionClosed(device auth.Device, clientID string)
	AfterStartup()
	BeforeShutdown()
}

// DefaultExtension classifies publishes by topic: telemetry/{tenant}/{device},
// event/{tenant}/{device} and command/{tenant}/{device}/res/{requestId}/{status}.
// Empty tenant and device levels refer to the authenticated device. Other
// hooks only log.
type DefaultExtension struct{}

var _ Extension = DefaultExtension{}

// OnPublishedMessage implements Extension.
func (DefaultExtension) OnPublishedMessage(ctx *PublishContext) (DownstreamMessage, error) {
	res, err := topic.ParseResource(ctx.Topic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnclassifiableMessage, err)
	}
	if res.TenantID != "" && res.TenantID != ctx.Device.TenantID {
		return nil, fmt.Errorf("%w: device %s may not publish for tenant %s", ErrUnclassifiableMessage, ctx.Device, res.TenantID)
	}
	if res.DeviceID != "" && res.DeviceID != ctx.Device.DeviceID {
		return nil, fmt.Errorf("%w: device %s may not publish for device %s", ErrUnclassifiableMessage, ctx.Device, res.DeviceID)
	}

	base := backend.Message{
		Payload:     ctx.Payload,
		ContentType: ctx.ContentType,
		Properties:  ctx.Properties,
	}
	switch res.Kind {
	case topic.KindTelemetry:
		qos := backend.AtMostOnce
		if ctx.QoS > 0 {
			qos = backend.AtLeastOnce
		}
		return Telemetry{Message: base, QoS: qos}, nil
	case topic.KindEvent:
		return Event{Message: base}, nil
	case topic.KindCommandResponse:
		status, err := res.ResponseStatus()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnclassifiableMessage, err)
		}
		correlationID, replyID, err := topic.DecodeRequestID(res.ResponseRequestID())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrUnclassifiableMessage, err)
		}
		return CommandResponse{
			Message:       base,
			CorrelationID: correlationID,
			TargetAddress: backend.ResponseAddress(ctx.Device.TenantID, replyID),
			Status:        status,
		}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnclassifiableMessage, ctx.Topic)
}

// OnCommandReceived implements Extension.
func (DefaultExtension) OnCommandReceived(ctx *CommandContext) *backend.Command {
	return ctx.Command
}

// OnMessageSent implements Extension.
func (DefaultExtension) OnMessageSent(ctx *PublishContext, msg DownstreamMessage) {
	log.Printf("[DEBUG] Forwarded %s from %s (client %s)", msg.Kind(), ctx.Device, ctx.ClientID)
}

// OnMessageUndeliverable implements Extension.
func (DefaultExtension) OnMessageUndeliverable(ctx *PublishContext, msg DownstreamMessage, err error) {
	log.Printf("[WARN] Could not forward %s from %s (client %s): %v", msg.Kind(), ctx.Device, ctx.ClientID, err)
}

// OnCommandPublished implements Extension.
func (DefaultExtension) OnCommandPublished(ctx *CommandContext) {
	log.Printf("[DEBUG] Published command %s to %s (client %s)", ctx.Command.Name, ctx.Device, ctx.ClientID)
}

// OnCommandUndeliverable implements Extension.
func (DefaultExtension) OnCommandUndeliverable(ctx *CommandContext, err error) {}

// OnDeviceConnectionClosed implements Extension.
func (DefaultExtension) OnDeviceConnectionClosed(device auth.Device, clientID string) {}

// AfterStartup implements Extension.
func (DefaultExtension) AfterStartup() {}

// BeforeShutdown implements Extension.
func (DefaultExtension) BeforeShutdown() {}
