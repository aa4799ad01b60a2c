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

// Package mqttbridge implements backend.Client on top of a northbound MQTT
// broker. Messages are wrapped in a JSON envelope and published on
// tenant-scoped topics; commands are consumed from command/{tenant}/{device}.
package mqttbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/turtacn/mqtt-gateway/pkg/backend"
)

const (
	defaultConnectTimeout    = 10 * time.Second
	defaultKeepAlive         = 30 * time.Second
	defaultDisconnectQuiesce = 250 // milliseconds
	pollInterval             = 20 * time.Millisecond
)

// Northbound topic prefixes.
const (
	TopicTelemetry       = "telemetry"
	TopicEvent           = "event"
	TopicCommand         = "command"
	TopicCommandResponse = "command_response"
)

// Envelope is the JSON document exchanged with the northbound broker.
type Envelope struct {
	TenantID      string            `json:"tenant_id,omitempty"`
	DeviceID      string            `json:"device_id,omitempty"`
	Name          string            `json:"name,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	ReplyID       string            `json:"reply_id,omitempty"`
	Status        int               `json:"status,omitempty"`
	QoS           int               `json:"qos,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
}

type subscription struct {
	topic   string
	handler paho.MessageHandler
}

// Client is a backend.Client bound to one tenant.
type Client struct {
	tenantID string
	cfg      backend.Config
	client   paho.Client

	subMu         sync.RWMutex
	subscriptions map[string]subscription
}

// New creates an unconnected client. It has the signature of backend.Factory.
func New(tenantID string, cfg backend.Config) (backend.Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("mqttbridge: broker url is required")
	}
	c := &Client{
		tenantID:      tenantID,
		cfg:           cfg,
		subscriptions: make(map[string]subscription),
	}
	c.client = paho.NewClient(c.buildClientOptions())
	return c, nil
}

func (c *Client) buildClientOptions() *paho.ClientOptions {
	opts := paho.NewClientOptions()
	opts.AddBroker(c.cfg.URL)
	opts.SetClientID(fmt.Sprintf("%s%s-%s", c.cfg.ClientIDPrefix, c.tenantID, uuid.NewString()[:8]))
	if c.cfg.Username != "" {
		opts.SetUsername(c.cfg.Username)
		opts.SetPassword(c.cfg.Password)
	}
	timeout := c.cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	opts.SetConnectTimeout(timeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(false)
	opts.SetOrderMatters(false)
	// Commands are acknowledged when the gateway settles them.
	opts.SetAutoAckDisabled(true)

	opts.SetOnConnectHandler(func(_ paho.Client) {
		c.restoreSubscriptions()
	})
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Printf("[WARN] Backend connection for tenant %s lost: %v", c.tenantID, err)
	})
	return opts
}

func (c *Client) restoreSubscriptions() {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	for _, sub := range c.subscriptions {
		c.client.Subscribe(sub.topic, 1, sub.handler)
	}
}

func wait(ctx context.Context, token paho.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect opens the connection to the broker.
func (c *Client) Connect(ctx context.Context) error {
	if err := wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("failed to connect to backend for tenant %s: %w", c.tenantID, err)
	}
	log.Printf("[INFO] Backend connection for tenant %s established", c.tenantID)
	return nil
}

// IsConnected waits up to timeout for the connection to become usable.
func (c *Client) IsConnected(ctx context.Context, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if c.client.IsConnectionOpen() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return backend.ErrNotConnected
		case <-ticker.C:
		}
	}
}

// Disconnect closes the connection.
func (c *Client) Disconnect() {
	c.client.Disconnect(defaultDisconnectQuiesce)
	log.Printf("[INFO] Backend connection for tenant %s closed", c.tenantID)
}

func (c *Client) publish(ctx context.Context, topic string, qos byte, env Envelope) error {
	if !c.client.IsConnectionOpen() {
		return backend.ErrNotConnected
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}
	if err := wait(ctx, c.client.Publish(topic, qos, false, body)); err != nil {
		return fmt.Errorf("%w: %s: %v", backend.ErrUndeliverable, topic, err)
	}
	return nil
}

func (c *Client) SendTelemetry(ctx context.Context, qos backend.QoS, tenantID, deviceID string, msg backend.Message) error {
	return c.publish(ctx, TopicTelemetry+"/"+tenantID+"/"+deviceID, byte(qos), Envelope{
		TenantID:    tenantID,
		DeviceID:    deviceID,
		QoS:         int(qos),
		ContentType: msg.ContentType,
		Properties:  msg.Properties,
		Payload:     msg.Payload,
	})
}

func (c *Client) SendEvent(ctx context.Context, tenantID, deviceID string, msg backend.Message) error {
	return c.publish(ctx, TopicEvent+"/"+tenantID+"/"+deviceID, 1, Envelope{
		TenantID:    tenantID,
		DeviceID:    deviceID,
		QoS:         int(backend.AtLeastOnce),
		ContentType: msg.ContentType,
		Properties:  msg.Properties,
		Payload:     msg.Payload,
	})
}

func (c *Client) SendCommandResponse(ctx context.Context, targetAddress, correlationID string, status int, msg backend.Message) error {
	if targetAddress == "" || strings.ContainsAny(targetAddress, "+#") {
		return fmt.Errorf("%w: invalid response address %q", backend.ErrUndeliverable, targetAddress)
	}
	return c.publish(ctx, targetAddress, 1, Envelope{
		CorrelationID: correlationID,
		Status:        status,
		ContentType:   msg.ContentType,
		Properties:    msg.Properties,
		Payload:       msg.Payload,
	})
}

type consumer struct {
	c     *Client
	topic string
	once  sync.Once
}

func (cc *consumer) Close() error {
	var err error
	cc.once.Do(func() {
		cc.c.subMu.Lock()
		delete(cc.c.subscriptions, cc.topic)
		cc.c.subMu.Unlock()
		if !cc.c.client.IsConnectionOpen() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultConnectTimeout)
		defer cancel()
		err = wait(ctx, cc.c.client.Unsubscribe(cc.topic))
	})
	return err
}

func (c *Client) subscribe(ctx context.Context, topic string, handler backend.CommandHandler) (backend.CommandConsumer, error) {
	if !c.client.IsConnectionOpen() {
		return nil, backend.ErrNotConnected
	}
	h := c.wrapHandler(handler)
	c.subMu.Lock()
	c.subscriptions[topic] = subscription{topic: topic, handler: h}
	c.subMu.Unlock()

	if err := wait(ctx, c.client.Subscribe(topic, 1, h)); err != nil {
		c.subMu.Lock()
		delete(c.subscriptions, topic)
		c.subMu.Unlock()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
	}
	return &consumer{c: c, topic: topic}, nil
}

func (c *Client) CreateDeviceSpecificCommandConsumer(ctx context.Context, tenantID, deviceID string, handler backend.CommandHandler) (backend.CommandConsumer, error) {
	return c.subscribe(ctx, TopicCommand+"/"+tenantID+"/"+deviceID, handler)
}

func (c *Client) CreateTenantCommandConsumer(ctx context.Context, tenantID string, handler backend.CommandHandler) (backend.CommandConsumer, error) {
	return c.subscribe(ctx, TopicCommand+"/"+tenantID+"/+", handler)
}

// wrapHandler decodes command envelopes. The broker message is acknowledged
// once the command is settled as accepted or rejected; released commands stay
// unacknowledged so the broker may redeliver them.
func (c *Client) wrapHandler(handler backend.CommandHandler) paho.MessageHandler {
	return func(_ paho.Client, msg paho.Message) {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[ERROR] Command handler panic on %s: %v", msg.Topic(), r)
			}
		}()

		var env Envelope
		if err := json.Unmarshal(msg.Payload(), &env); err != nil {
			log.Printf("[WARN] Dropping malformed command on %s: %v", msg.Topic(), err)
			msg.Ack()
			return
		}
		levels := strings.Split(msg.Topic(), "/")
		if env.TenantID == "" && len(levels) > 1 {
			env.TenantID = levels[1]
		}
		if env.DeviceID == "" && len(levels) > 2 {
			env.DeviceID = levels[2]
		}

		cmd := backend.NewCommand(func(o backend.Outcome) {
			if o != backend.Released {
				msg.Ack()
			}
		})
		cmd.TenantID = env.TenantID
		cmd.DeviceID = env.DeviceID
		cmd.Name = env.Name
		cmd.CorrelationID = env.CorrelationID
		cmd.ReplyID = env.ReplyID
		cmd.ContentType = env.ContentType
		cmd.Payload = env.Payload
		cmd.Properties = env.Properties
		handler(cmd)
	}
}
