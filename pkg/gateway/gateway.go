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

// Package gateway terminates device MQTT connections and forwards their
// traffic to per-tenant backend connections.
package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asynkron/protoactor-go/actor"

	"github.com/turtacn/mqtt-gateway/pkg/auth"
	"github.com/turtacn/mqtt-gateway/pkg/backend"
	"github.com/turtacn/mqtt-gateway/pkg/metrics"
	"github.com/turtacn/mqtt-gateway/pkg/protocol/mqtt"
	"github.com/turtacn/mqtt-gateway/pkg/registry"
	"github.com/turtacn/mqtt-gateway/pkg/supervisor"
	"github.com/turtacn/mqtt-gateway/pkg/transport"
)

// Defaults applied by New.
const (
	DefaultConnectTimeout        = 10 * time.Second
	DefaultBackendConnectTimeout = 10 * time.Second
	DefaultSendTimeout           = 10 * time.Second
	DefaultOutboundQueueSize     = 256
)

// ErrStopped is returned by Start after Stop.
var ErrStopped = errors.New("gateway stopped")

// NoSubscriberPolicy decides how a command without a matching subscription is
// settled with the backend.
type NoSubscriberPolicy string

const (
	// NoSubscriberReject settles the command as rejected.
	NoSubscriberReject NoSubscriberPolicy = "reject"
	// NoSubscriberRelease hands the command back to the backend for
	// redelivery.
	NoSubscriberRelease NoSubscriberPolicy = "release"
)

func (p NoSubscriberPolicy) outcome() backend.Outcome {
	if p == NoSubscriberRelease {
		return backend.Released
	}
	return backend.Rejected
}

// Policy is the deployment's authentication and authorization policy.
// *auth.Provider implements it.
type Policy interface {
	AuthenticateDevice(ctx context.Context, chain []*x509.Certificate, username, password, clientID string) (*auth.Device, error)
	auth.TopicFilterValidator
	auth.CredentialResolver
}

// Readiness receives the serving state of the gateway.
type Readiness interface {
	SetServing(serving bool)
}

// Options configures a Gateway.
type Options struct {
	// Bind is the device listener address.
	Bind string
	// TLSConfig, if set, makes the listener terminate TLS.
	TLSConfig *tls.Config

	Policy    Policy
	Extension Extension
	// Backend is the backend configuration shared by all tenants. When it
	// carries credentials they are used for every tenant; otherwise they are
	// resolved per tenant through the Policy.
	Backend        backend.Config
	BackendFactory backend.Factory

	// ConnectTimeout bounds both the wait for CONNECT and its processing.
	ConnectTimeout        time.Duration
	BackendConnectTimeout time.Duration
	SendTimeout           time.Duration
	CommandAckTimeout     time.Duration
	NoSubscriberPolicy    NoSubscriberPolicy
	MaxPacketSize         int
	OutboundQueueSize     int

	Readiness Readiness
}

func (o *Options) setDefaults() {
	if o.Extension == nil {
		o.Extension = DefaultExtension{}
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.BackendConnectTimeout <= 0 {
		o.BackendConnectTimeout = DefaultBackendConnectTimeout
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.NoSubscriberPolicy == "" {
		o.NoSubscriberPolicy = NoSubscriberReject
	}
	if o.MaxPacketSize <= 0 {
		o.MaxPacketSize = mqtt.DefaultMaxPacketSize
	}
	if o.OutboundQueueSize <= 0 {
		o.OutboundQueueSize = DefaultOutboundQueueSize
	}
}

// Gateway accepts device connections and runs one actor per connection.
type Gateway struct {
	opts     Options
	ext      Extension
	registry *registry.Registry
	system   *actor.ActorSystem
	writers  *supervisor.OneForOneSupervisor
	server   *transport.Server

	mu      sync.Mutex
	conns   map[*deviceConn]struct{}
	stopped atomic.Bool
}

// New creates a gateway. Policy and BackendFactory are required.
func New(opts Options) (*Gateway, error) {
	if opts.Policy == nil {
		return nil, errors.New("gateway: no policy configured")
	}
	if opts.BackendFactory == nil {
		return nil, errors.New("gateway: no backend factory configured")
	}
	switch opts.NoSubscriberPolicy {
	case "", NoSubscriberReject, NoSubscriberRelease:
	default:
		return nil, fmt.Errorf("gateway: unknown no-subscriber policy %q", opts.NoSubscriberPolicy)
	}
	opts.setDefaults()

	g := &Gateway{
		opts:     opts,
		ext:      opts.Extension,
		registry: registry.New(opts.BackendFactory),
		system:   actor.NewActorSystem(),
		writers:  supervisor.NewOneForOneSupervisor(0),
		conns:    make(map[*deviceConn]struct{}),
	}
	g.server = transport.NewServer(g.HandleConnection, opts.TLSConfig)
	return g, nil
}

// Registry returns the gateway's tenant connection registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Start binds the device listener and reports the gateway as serving.
func (g *Gateway) Start() error {
	if g.stopped.Load() {
		return ErrStopped
	}
	if err := g.server.Start(g.opts.Bind); err != nil {
		return fmt.Errorf("failed to bind device listener on %s: %w", g.opts.Bind, err)
	}
	g.ext.AfterStartup()
	if g.opts.Readiness != nil {
		g.opts.Readiness.SetServing(true)
	}
	log.Printf("[INFO] Gateway started")
	return nil
}

// Addr returns the address of the device listener, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	return g.server.Addr()
}

// Stop closes every device and backend connection and unbinds the listener.
func (g *Gateway) Stop() {
	if !g.stopped.CompareAndSwap(false, true) {
		return
	}
	if g.opts.Readiness != nil {
		g.opts.Readiness.SetServing(false)
	}
	g.ext.BeforeShutdown()
	g.registry.CloseAll()
	g.server.Stop()

	// Connections still authenticating are not registry members yet.
	g.mu.Lock()
	for c := range g.conns {
		_ = c.Close()
	}
	g.mu.Unlock()
	log.Printf("[INFO] Gateway stopped")
}

// HandleConnection takes ownership of an accepted device transport.
func (g *Gateway) HandleConnection(conn net.Conn) {
	metrics.ConnectionsTotal.Inc()
	if g.stopped.Load() {
		_ = conn.Close()
		return
	}
	c := newDeviceConn(g, conn)
	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()

	g.system.Root.Spawn(actor.PropsFromProducer(func() actor.Actor { return c }))
}

// Connections returns the number of device connections not yet closed.
func (g *Gateway) Connections() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

func (g *Gateway) forget(c *deviceConn) {
	g.mu.Lock()
	delete(g.conns, c)
	g.mu.Unlock()
}

// backendConfig returns the backend configuration for a tenant.
func (g *Gateway) backendConfig(ctx context.Context, tenantID string) (backend.Config, error) {
	if g.opts.Backend.HasCredentials() {
		return g.opts.Backend, nil
	}
	creds, err := g.opts.Policy.ResolveGatewayCredentials(ctx, tenantID)
	if err != nil {
		return backend.Config{}, err
	}
	return g.opts.Backend.WithCredentials(creds.Username, creds.Password), nil
}

// attach connects the tenant's backend and adds c as a member. An entry torn
// down between the two steps is reconnected once.
func (g *Gateway) attach(ctx context.Context, tenantID string, c *deviceConn) error {
	cfg, err := g.backendConfig(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("failed to resolve backend credentials: %w", err)
	}
	for attempt := 0; ; attempt++ {
		if err := g.registry.Connect(ctx, tenantID, cfg, g.opts.BackendConnectTimeout); err != nil {
			return err
		}
		err := g.registry.AddConnection(tenantID, c)
		if err == nil || !errors.Is(err, registry.ErrTenantNotConnected) || attempt > 0 {
			return err
		}
		log.Printf("[DEBUG] Backend of tenant %s closed while %s was connecting, retrying", tenantID, c)
	}
}

// dispatch sends a downstream message on behalf of device.
func (g *Gateway) dispatch(ctx context.Context, device auth.Device, msg DownstreamMessage) error {
	switch m := msg.(type) {
	case Telemetry:
		s, err := g.registry.TelemetrySender(device.TenantID)
		if err != nil {
			return err
		}
		return s.SendTelemetry(ctx, m.QoS, device.TenantID, device.DeviceID, m.Message)
	case Event:
		s, err := g.registry.EventSender(device.TenantID)
		if err != nil {
			return err
		}
		return s.SendEvent(ctx, device.TenantID, device.DeviceID, m.Message)
	case CommandResponse:
		s, err := g.registry.CommandResponseSender(device.TenantID)
		if err != nil {
			return err
		}
		return s.SendCommandResponse(ctx, m.TargetAddress, m.CorrelationID, m.Status, m.Message)
	default:
		return fmt.Errorf("%w: %T", ErrUnclassifiableMessage, msg)
	}
}
