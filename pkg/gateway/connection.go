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
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/google/uuid"
	"github.com/mochi-mqtt/server/v2/packets"
	"golang.org/x/sync/errgroup"

	mailbox "github.com/turtacn/mqtt-gateway/pkg/actor"
	"github.com/turtacn/mqtt-gateway/pkg/auth"
	"github.com/turtacn/mqtt-gateway/pkg/backend"
	"github.com/turtacn/mqtt-gateway/pkg/metrics"
	"github.com/turtacn/mqtt-gateway/pkg/protocol/mqtt"
	"github.com/turtacn/mqtt-gateway/pkg/session"
	"github.com/turtacn/mqtt-gateway/pkg/supervisor"
	"github.com/turtacn/mqtt-gateway/pkg/topic"
	"github.com/turtacn/mqtt-gateway/pkg/tracker"
)

var (
	errConnectExpected  = errors.New("first packet is not CONNECT")
	errConnectionClosed = errors.New("device connection closed")
	errEmptyClientID    = errors.New("empty client identifier without clean session")
	errNoPacketID       = errors.New("no free packet identifier")
)

type state int

const (
	stateUnauthenticated state = iota
	stateAuthenticating
	stateBackendConnecting
	stateActive
	stateRejected
	stateClosing
	stateClosed
)

var stateNames = [...]string{"unauthenticated", "authenticating", "backend-connecting", "active", "rejected", "closing", "closed"}

func (s state) String() string { return stateNames[s] }

// Messages handled by the connection actor.
type (
	packetReceived struct{ pk *packets.Packet }
	connectionLost struct{ err error }
	authenticated  struct {
		device *auth.Device
		err    error
	}
	backendAttached struct{ err error }
	publishDone     struct {
		p   *inboundPublish
		err error
	}
	subscribeDone struct {
		packetID uint16
		codes    []byte
	}
	unsubscribeDone struct {
		packetID uint16
		filters  int
	}
	commandReceived struct{ cmd *backend.Command }
)

// inboundPublish is a device publish awaiting its backend outcome. Outcomes
// are applied in arrival order.
type inboundPublish struct {
	packetID uint16
	qos      byte
	ctx      *PublishContext
	msg      DownstreamMessage
	done     bool
	err      error
}

// deviceConn is the actor owning one device connection. Fields below mu are
// shared with goroutines; everything else is confined to the actor.
type deviceConn struct {
	gw     *Gateway
	conn   net.Conn
	remote string
	ctx    context.Context
	cancel context.CancelFunc
	outbox *mailbox.Mailbox
	subs   *tracker.Tracker
	alive  atomic.Bool

	self         *actor.PID
	state        state
	version      byte
	clientID     string
	device       *auth.Device
	connecting   bool
	attached     bool
	accepted     bool
	early        []*packets.Packet
	publishes    []*inboundPublish
	lastPacketID uint16
	// SUBSCRIBE and UNSUBSCRIBE packets are processed one at a time, in
	// arrival order.
	subJobs []func()
	subBusy bool

	mu       sync.Mutex
	consumer backend.CommandConsumer
	released bool
}

var _ actor.Actor = (*deviceConn)(nil)

func newDeviceConn(g *Gateway, conn net.Conn) *deviceConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &deviceConn{
		gw:     g,
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		ctx:    ctx,
		cancel: cancel,
		outbox: mailbox.NewMailbox(g.opts.OutboundQueueSize),
		subs:   tracker.New(g.opts.CommandAckTimeout),
	}
	c.alive.Store(true)
	return c
}

// ID implements registry.Member.
func (c *deviceConn) ID() string {
	return c.clientID
}

// Close implements registry.Member. The actor cleans up once the reader sees
// the closed transport.
func (c *deviceConn) Close() error {
	c.alive.Store(false)
	return c.conn.Close()
}

func (c *deviceConn) String() string {
	if c.clientID == "" {
		return c.remote
	}
	return c.clientID
}

// Receive implements actor.Actor.
func (c *deviceConn) Receive(ctx actor.Context) {
	switch msg := ctx.Message().(type) {
	case *actor.Started:
		c.self = ctx.Self()
		c.gw.writers.StartChild(c.ctx, supervisor.Spec{
			ID:      "writer-" + c.remote,
			Kind:    "writer",
			Actor:   session.New(c.remote, c.conn),
			Restart: supervisor.RestartTemporary,
			Mailbox: c.outbox,
		})
		go c.readLoop(c.gw.system.Root, c.self)
	case *packetReceived:
		c.handlePacket(ctx, msg.pk)
	case *authenticated:
		c.onAuthenticated(ctx, msg)
	case *backendAttached:
		c.onBackendAttached(ctx, msg)
	case *publishDone:
		msg.p.done, msg.p.err = true, msg.err
		c.flushPublishes()
	case *subscribeDone:
		c.write(mqtt.NewSuback(c.version, msg.packetID, msg.codes))
		c.subBusy = false
		c.nextSubscriptionJob()
	case *unsubscribeDone:
		c.write(mqtt.NewUnsuback(c.version, msg.packetID, msg.filters))
		c.subBusy = false
		c.nextSubscriptionJob()
	case *commandReceived:
		c.deliverCommand(msg.cmd)
	case *connectionLost:
		c.onConnectionLost(ctx, msg.err)
	}
}

// readLoop decodes packets and posts them to the actor. It enforces the
// CONNECT deadline and the keep-alive interval.
func (c *deviceConn) readLoop(root *actor.RootContext, self *actor.PID) {
	r := bufio.NewReader(c.conn)
	deadline := c.gw.opts.ConnectTimeout
	var version byte
	for {
		if deadline > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(deadline))
		} else {
			_ = c.conn.SetReadDeadline(time.Time{})
		}
		pk, err := mqtt.ReadPacket(r, version, c.gw.opts.MaxPacketSize)
		if err != nil {
			root.Send(self, &connectionLost{err: err})
			return
		}
		if version == 0 {
			if pk.FixedHeader.Type != packets.Connect {
				root.Send(self, &connectionLost{err: errConnectExpected})
				return
			}
			version = pk.ProtocolVersion
			// The client must send a packet within one and a half keep-alive
			// intervals.
			deadline = time.Duration(pk.Connect.Keepalive) * 1500 * time.Millisecond
		}
		root.Send(self, &packetReceived{pk: pk})
	}
}

func (c *deviceConn) handlePacket(ctx actor.Context, pk *packets.Packet) {
	switch c.state {
	case stateUnauthenticated:
		c.handleConnect(ctx, pk)
	case stateAuthenticating, stateBackendConnecting:
		if pk.FixedHeader.Type == packets.Connect || len(c.early) >= c.gw.opts.OutboundQueueSize {
			c.protocolViolation(pk)
			return
		}
		c.early = append(c.early, pk)
	case stateActive:
		c.handleActive(ctx, pk)
	case stateRejected:
		log.Printf("[DEBUG] Client %s: dropping %s after rejected CONNECT", c, mqtt.PacketName(pk.FixedHeader.Type))
	}
}

func (c *deviceConn) handleActive(ctx actor.Context, pk *packets.Packet) {
	switch pk.FixedHeader.Type {
	case packets.Publish:
		c.handlePublish(ctx, pk)
	case packets.Puback:
		if err := c.subs.HandleAcknowledgement(pk.PacketID); err != nil {
			log.Printf("[DEBUG] Client %s: ignoring PUBACK: %v", c, err)
		}
	case packets.Subscribe:
		c.handleSubscribe(ctx, pk)
	case packets.Unsubscribe:
		c.handleUnsubscribe(ctx, pk)
	case packets.Pingreq:
		c.write(mqtt.NewPingresp(c.version))
	case packets.Disconnect:
		log.Printf("[DEBUG] Client %s disconnected", c)
		c.closeTransport()
	default:
		c.protocolViolation(pk)
	}
}

func (c *deviceConn) protocolViolation(pk *packets.Packet) {
	log.Printf("[WARN] Client %s sent unexpected %s in state %s, closing connection", c, mqtt.PacketName(pk.FixedHeader.Type), c.state)
	c.closeTransport()
}

func (c *deviceConn) handleConnect(ctx actor.Context, pk *packets.Packet) {
	c.version = pk.ProtocolVersion
	c.clientID = pk.Connect.ClientIdentifier
	if c.clientID == "" {
		if !pk.Connect.Clean {
			c.reject(mqtt.IdentifierRejected, errEmptyClientID)
			return
		}
		c.clientID = uuid.NewString()
	}
	c.state = stateAuthenticating
	c.connecting = true

	var chain []*x509.Certificate
	if tc, ok := c.conn.(*tls.Conn); ok {
		chain = tc.ConnectionState().PeerCertificates
	}
	username, password, clientID := string(pk.Connect.Username), string(pk.Connect.Password), c.clientID
	root, self := c.gw.system.Root, ctx.Self()
	go func() {
		actx, cancel := context.WithTimeout(c.ctx, c.gw.opts.ConnectTimeout)
		defer cancel()
		device, err := c.gw.opts.Policy.AuthenticateDevice(actx, chain, username, password, clientID)
		root.Send(self, &authenticated{device: device, err: err})
	}()
}

func (c *deviceConn) onAuthenticated(ctx actor.Context, msg *authenticated) {
	if c.state == stateClosing {
		c.connecting = false
		c.finish(ctx)
		return
	}
	if msg.err != nil || msg.device == nil {
		c.connecting = false
		c.reject(mqtt.NotAuthorized, msg.err)
		return
	}

	c.device = msg.device
	c.state = stateBackendConnecting
	device := *msg.device
	root, self := c.gw.system.Root, ctx.Self()
	go func() {
		bctx, cancel := context.WithTimeout(c.ctx, c.gw.opts.BackendConnectTimeout)
		defer cancel()
		root.Send(self, &backendAttached{err: c.gw.attach(bctx, device.TenantID, c)})
	}()
}

func (c *deviceConn) onBackendAttached(ctx actor.Context, msg *backendAttached) {
	c.connecting = false
	c.attached = msg.err == nil
	if c.state == stateClosing {
		c.finish(ctx)
		return
	}
	if msg.err != nil {
		c.reject(mqtt.ServerUnavailable, msg.err)
		return
	}

	c.write(mqtt.NewConnack(c.version, mqtt.Accepted))
	c.state = stateActive
	c.accepted = true
	metrics.ConnectResults.WithLabelValues(mqtt.Accepted.String()).Inc()
	metrics.ConnectionsActive.Inc()
	log.Printf("[INFO] Client %s connected as device %s", c, c.device)

	early := c.early
	c.early = nil
	for _, pk := range early {
		if c.state != stateActive {
			return
		}
		c.handleActive(ctx, pk)
	}
}

// reject sends a CONNACK with the outcome and closes the transport once it
// has been written. Packets arriving in the meantime are dropped.
func (c *deviceConn) reject(outcome mqtt.ConnectOutcome, err error) {
	c.state = stateRejected
	c.early = nil
	log.Printf("[WARN] Rejecting client %s (%s): %v", c, outcome, err)
	metrics.ConnectResults.WithLabelValues(outcome.String()).Inc()
	c.write(mqtt.NewConnack(c.version, outcome))
	c.alive.Store(false)
	if err := c.outbox.TrySend(session.Close{}); err != nil {
		_ = c.conn.Close()
	}
}

// write queues a packet for the device. Nothing is written once the
// transport is no longer alive.
func (c *deviceConn) write(pk *packets.Packet) bool {
	if !c.alive.Load() {
		return false
	}
	if err := c.outbox.TrySend(pk); err != nil {
		log.Printf("[WARN] Client %s is not reading, closing connection", c)
		c.closeTransport()
		return false
	}
	return true
}

func (c *deviceConn) closeTransport() {
	c.alive.Store(false)
	_ = c.conn.Close()
}

func (c *deviceConn) handlePublish(ctx actor.Context, pk *packets.Packet) {
	if pk.FixedHeader.Qos > mqtt.QoSAtLeastOnce {
		log.Printf("[WARN] Client %s published with QoS 2 on %s, closing connection", c, pk.TopicName)
		c.closeTransport()
		return
	}

	pctx := &PublishContext{
		Device:      *c.device,
		ClientID:    c.clientID,
		Topic:       pk.TopicName,
		QoS:         pk.FixedHeader.Qos,
		Payload:     pk.Payload,
		ContentType: pk.Properties.ContentType,
	}
	if len(pk.Properties.User) > 0 {
		pctx.Properties = make(map[string]string, len(pk.Properties.User))
		for _, p := range pk.Properties.User {
			pctx.Properties[p.Key] = p.Val
		}
	}
	p := &inboundPublish{packetID: pk.PacketID, qos: pk.FixedHeader.Qos, ctx: pctx}
	c.publishes = append(c.publishes, p)

	msg, err := c.gw.ext.OnPublishedMessage(pctx)
	if err == nil && msg == nil {
		err = fmt.Errorf("%w: %q", ErrUnclassifiableMessage, pk.TopicName)
	}
	if err != nil {
		if !errors.Is(err, ErrUnclassifiableMessage) {
			err = fmt.Errorf("%w: %v", ErrUnclassifiableMessage, err)
		}
		p.done, p.err = true, err
		c.flushPublishes()
		return
	}

	p.msg = msg
	device := *c.device
	root, self := c.gw.system.Root, ctx.Self()
	go func() {
		sctx, cancel := context.WithTimeout(c.ctx, c.gw.opts.SendTimeout)
		defer cancel()
		root.Send(self, &publishDone{p: p, err: c.gw.dispatch(sctx, device, msg)})
	}()
}

// flushPublishes applies the outcomes at the head of the queue. A failure
// closes the transport and discards the rest.
func (c *deviceConn) flushPublishes() {
	for len(c.publishes) > 0 && c.publishes[0].done {
		p := c.publishes[0]
		c.publishes[0] = nil
		c.publishes = c.publishes[1:]

		if p.err == nil {
			if p.qos == mqtt.QoSAtLeastOnce {
				c.write(mqtt.NewPuback(c.version, p.packetID))
			}
			metrics.DownstreamMessages.WithLabelValues(p.msg.Kind().String(), "accepted").Inc()
			c.gw.ext.OnMessageSent(p.ctx, p.msg)
			continue
		}

		if errors.Is(p.err, ErrUnclassifiableMessage) {
			metrics.DownstreamMessages.WithLabelValues(topic.KindUnknown.String(), "unclassifiable").Inc()
			log.Printf("[WARN] Client %s published on %s: %v", c, p.ctx.Topic, p.err)
		} else {
			metrics.DownstreamMessages.WithLabelValues(p.msg.Kind().String(), "undeliverable").Inc()
			c.gw.ext.OnMessageUndeliverable(p.ctx, p.msg, p.err)
		}
		if c.alive.Load() {
			log.Printf("[INFO] Closing connection of client %s after failed publish", c)
			c.closeTransport()
		}
		c.publishes = nil
		return
	}
}

func (c *deviceConn) handleSubscribe(ctx actor.Context, pk *packets.Packet) {
	filters := pk.Filters
	packetID := pk.PacketID
	device, clientID := *c.device, c.clientID
	root, self := c.gw.system.Root, ctx.Self()

	c.queueSubscriptionJob(func() {
		codes := make([]byte, len(filters))
		var g errgroup.Group
		for i, f := range filters {
			g.Go(func() error {
				codes[i] = c.subscribe(device, clientID, f.Filter, f.Qos, root, self)
				return nil
			})
		}
		_ = g.Wait()
		root.Send(self, &subscribeDone{packetID: packetID, codes: codes})
	})
}

func (c *deviceConn) queueSubscriptionJob(job func()) {
	c.subJobs = append(c.subJobs, job)
	c.nextSubscriptionJob()
}

// nextSubscriptionJob starts the oldest queued job unless one is running. A
// job reports completion with subscribeDone or unsubscribeDone.
func (c *deviceConn) nextSubscriptionJob() {
	if c.subBusy || len(c.subJobs) == 0 || c.state != stateActive {
		return
	}
	job := c.subJobs[0]
	c.subJobs[0] = nil
	c.subJobs = c.subJobs[1:]
	c.subBusy = true
	go job()
}

// subscribe registers one filter and returns its SUBACK code.
func (c *deviceConn) subscribe(device auth.Device, clientID, filter string, qos byte, root *actor.RootContext, self *actor.PID) byte {
	if !c.gw.opts.Policy.IsTopicFilterValid(filter, device.TenantID, device.DeviceID, clientID) {
		log.Printf("[WARN] Client %s may not subscribe to %q", clientID, filter)
		metrics.SubscribeGrants.WithLabelValues("invalid").Inc()
		return mqtt.SubackFailure
	}
	cf, err := topic.ParseCommandFilter(filter)
	if err != nil {
		log.Printf("[WARN] Client %s: %v", clientID, err)
		metrics.SubscribeGrants.WithLabelValues("invalid").Inc()
		return mqtt.SubackFailure
	}
	if qos > mqtt.QoSAtLeastOnce {
		qos = mqtt.QoSAtLeastOnce
	}

	tenantID, deviceID := cf.Resolve(device.TenantID, device.DeviceID)
	sub := &tracker.Subscription{
		Filter:   cf,
		QoS:      qos,
		ClientID: clientID,
		TenantID: tenantID,
		DeviceID: deviceID,
	}
	err = c.subs.AddSubscription(sub, func() error {
		return c.createConsumer(device, root, self)
	})
	if err != nil {
		log.Printf("[ERROR] Client %s: subscription to %q failed: %v", clientID, filter, err)
		metrics.SubscribeGrants.WithLabelValues("failed").Inc()
		return mqtt.SubackFailure
	}
	log.Printf("[INFO] Client %s subscribed to %q with QoS %d", clientID, filter, qos)
	metrics.SubscribeGrants.WithLabelValues("granted").Inc()
	return qos
}

func (c *deviceConn) createConsumer(device auth.Device, root *actor.RootContext, self *actor.PID) error {
	ctx, cancel := context.WithTimeout(c.ctx, c.gw.opts.BackendConnectTimeout)
	defer cancel()

	handler := func(cmd *backend.Command) {
		if !c.alive.Load() {
			cmd.Settle(backend.Released)
			return
		}
		root.Send(self, &commandReceived{cmd: cmd})
	}
	consumer, err := c.gw.registry.CreateDeviceSpecificCommandConsumer(ctx, device.TenantID, device.DeviceID, handler)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		_ = consumer.Close()
		return errConnectionClosed
	}
	c.consumer = consumer
	return nil
}

func (c *deviceConn) handleUnsubscribe(ctx actor.Context, pk *packets.Packet) {
	filters := pk.Filters
	packetID := pk.PacketID
	device, clientID := *c.device, c.clientID
	root, self := c.gw.system.Root, ctx.Self()

	c.queueSubscriptionJob(func() {
		var g errgroup.Group
		for _, f := range filters {
			g.Go(func() error {
				if !c.gw.opts.Policy.IsTopicFilterValid(f.Filter, device.TenantID, device.DeviceID, clientID) {
					log.Printf("[DEBUG] Client %s: ignoring unsubscribe from %q", clientID, f.Filter)
					return nil
				}
				c.subs.RemoveSubscription(f.Filter)
				return nil
			})
		}
		_ = g.Wait()
		root.Send(self, &unsubscribeDone{packetID: packetID, filters: len(filters)})
	})
}

func (c *deviceConn) deliverCommand(cmd *backend.Command) {
	cctx := &CommandContext{Device: *c.device, ClientID: c.clientID, Command: cmd}

	sub, ok := c.subs.Lookup(cmd.TenantID, cmd.DeviceID)
	if !ok {
		log.Printf("[ERROR] Command %s for %s/%s: %v (client %s)", cmd.Name, cmd.TenantID, cmd.DeviceID, ErrNoSubscriber, c)
		c.commandFailed(cctx, ErrNoSubscriber, c.gw.opts.NoSubscriberPolicy.outcome(), metrics.CommandNoSubscriber)
		return
	}
	cctx.Subscription = sub

	if cmd = c.gw.ext.OnCommandReceived(cctx); cmd == nil {
		log.Printf("[ERROR] Client %s: %v", c, ErrNilCommand)
		c.commandFailed(cctx, ErrNilCommand, backend.Rejected, metrics.CommandFailed)
		return
	}
	cctx.Command = cmd

	requestID, err := topic.EncodeRequestID(cmd.CorrelationID, cmd.ReplyID)
	if err != nil {
		log.Printf("[ERROR] Command %s for client %s: %v", cmd.Name, c, err)
		c.commandFailed(cctx, err, backend.Rejected, metrics.CommandFailed)
		return
	}
	if !c.alive.Load() {
		c.commandFailed(cctx, errConnectionClosed, backend.Released, metrics.CommandFailed)
		return
	}
	name := sub.Filter.CommandTopic(sub.TenantID, sub.DeviceID, requestID, cmd.Name)

	if sub.QoS == mqtt.QoSAtMostOnce {
		if !c.write(mqtt.NewPublish(c.version, name, cmd.Payload, mqtt.QoSAtMostOnce, 0)) {
			c.commandFailed(cctx, errConnectionClosed, backend.Released, metrics.CommandFailed)
			return
		}
		cmd.Settle(backend.Accepted)
		metrics.Commands.WithLabelValues(metrics.CommandDelivered).Inc()
		c.gw.ext.OnCommandPublished(cctx)
		return
	}

	id, ok := c.nextPacketID()
	if !ok {
		c.commandFailed(cctx, errNoPacketID, backend.Released, metrics.CommandFailed)
		return
	}
	c.subs.AddToWaitingForAcknowledgement(id,
		func() {
			cmd.Settle(backend.Accepted)
			metrics.Commands.WithLabelValues(metrics.CommandAcknowledged).Inc()
			c.gw.ext.OnCommandPublished(cctx)
		},
		func() {
			log.Printf("[WARN] Command %s (packet %d) was not acknowledged by client %s", cmd.Name, id, c.clientID)
			cmd.Settle(backend.Released)
			metrics.Commands.WithLabelValues(metrics.CommandTimedOut).Inc()
		})
	c.write(mqtt.NewPublish(c.version, name, cmd.Payload, mqtt.QoSAtLeastOnce, id))
}

func (c *deviceConn) commandFailed(cctx *CommandContext, err error, outcome backend.Outcome, label string) {
	cctx.Command.Settle(outcome)
	metrics.Commands.WithLabelValues(label).Inc()
	c.gw.ext.OnCommandUndeliverable(cctx, err)
}

// nextPacketID allocates an identifier not awaiting acknowledgement.
func (c *deviceConn) nextPacketID() (uint16, bool) {
	for i := 0; i < 0xffff; i++ {
		c.lastPacketID++
		if c.lastPacketID == 0 {
			c.lastPacketID = 1
		}
		if !c.subs.IsPending(c.lastPacketID) {
			return c.lastPacketID, true
		}
	}
	return 0, false
}

func (c *deviceConn) onConnectionLost(ctx actor.Context, err error) {
	if c.state == stateClosing || c.state == stateClosed {
		return
	}
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
		log.Printf("[DEBUG] Connection of client %s lost: %v", c, err)
	}
	c.state = stateClosing
	c.closeTransport()
	if c.connecting {
		return
	}
	c.finish(ctx)
}

// finish releases everything the connection holds and stops the actor.
func (c *deviceConn) finish(ctx actor.Context) {
	c.state = stateClosed
	c.subJobs = nil
	c.cancel()

	c.mu.Lock()
	c.released = true
	consumer := c.consumer
	c.consumer = nil
	c.mu.Unlock()

	if c.attached {
		c.gw.ext.OnDeviceConnectionClosed(*c.device, c.clientID)
		c.subs.RemoveAllSubscriptions()
		if consumer != nil {
			if err := consumer.Close(); err != nil {
				log.Printf("[WARN] Failed to close command consumer of client %s: %v", c, err)
			}
		}
		if c.gw.registry.RemoveConnection(c.device.TenantID, c) {
			log.Printf("[INFO] Client %s was the last device of tenant %s, backend connection closed", c, c.device.TenantID)
		}
	}
	if c.accepted {
		metrics.ConnectionsActive.Dec()
		log.Printf("[INFO] Client %s (device %s) closed", c, c.device)
	}
	c.gw.forget(c)
	ctx.Stop(ctx.Self())
}
