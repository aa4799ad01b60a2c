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

// Package registry shares one backend connection between all device
// connections of a tenant. The connection is opened by the first device of the
// tenant and closed when the last one leaves.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/turtacn/mqtt-gateway/pkg/backend"
	"github.com/turtacn/mqtt-gateway/pkg/metrics"
)

// ErrTenantNotConnected is returned when a tenant has no live entry.
var ErrTenantNotConnected = errors.New("tenant not connected")

// Member is a device connection relying on a tenant's backend connection.
type Member interface {
	ID() string
	Close() error
}

// entry is the state kept per tenant. closed is set under mu together with
// the removal of the last member, so an entry with no members is never handed
// out as usable.
type entry struct {
	tenantID string
	client   backend.Client
	ready    chan struct{}
	err      error

	mu      sync.Mutex
	members map[Member]struct{}
	closed  bool
}

// Registry maps tenant ids to their shared backend connection. The map lock is
// only held to look up, insert or delete entries; per-tenant work happens
// under the entry's own lock so tenants do not contend. Lock order is
// entry.mu before Registry.mu.
type Registry struct {
	factory backend.Factory

	mu      sync.Mutex
	entries map[string]*entry
}

// New creates a registry that opens backend connections with factory.
func New(factory backend.Factory) *Registry {
	return &Registry{
		factory: factory,
		entries: make(map[string]*entry),
	}
}

// Connect returns once the tenant's shared backend connection is usable,
// creating it if this is the first request for the tenant. Concurrent callers
// for the same tenant wait for the same attempt. A failed attempt leaves no
// entry behind.
func (r *Registry) Connect(ctx context.Context, tenantID string, cfg backend.Config, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.mu.Lock()
	e, ok := r.entries[tenantID]
	if !ok {
		e = &entry{
			tenantID: tenantID,
			ready:    make(chan struct{}),
			members:  make(map[Member]struct{}),
		}
		r.entries[tenantID] = e
	}
	r.mu.Unlock()

	if !ok {
		go r.open(e, cfg, timeout)
	}

	select {
	case <-e.ready:
	case <-ctx.Done():
		if !ok {
			go r.reapIfUnused(e)
		}
		return fmt.Errorf("connect to backend for tenant %s: %w", tenantID, ctx.Err())
	}
	if e.err != nil {
		return e.err
	}
	return nil
}

// open establishes the backend connection of a new entry. It runs detached
// from the first caller so that caller giving up does not fail the others.
func (r *Registry) open(e *entry, cfg backend.Config, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := r.factory(e.tenantID, cfg)
	if err == nil {
		if err = client.Connect(ctx); err == nil {
			err = client.IsConnected(ctx, timeout)
		}
		if err != nil {
			client.Disconnect()
		}
	}

	if err != nil {
		log.Printf("[ERROR] Failed to connect backend for tenant %s: %v", e.tenantID, err)
		e.mu.Lock()
		e.err = fmt.Errorf("connect to backend for tenant %s: %w", e.tenantID, err)
		e.closed = true
		e.mu.Unlock()
		r.deleteEntry(e)
		close(e.ready)
		return
	}

	e.mu.Lock()
	e.client = client
	e.mu.Unlock()
	metrics.TenantConnections.Inc()
	log.Printf("[INFO] Backend connection for tenant %s ready", e.tenantID)
	close(e.ready)
}

// reapIfUnused closes an entry whose creator gave up waiting, unless another
// device joined it in the meantime.
func (r *Registry) reapIfUnused(e *entry) {
	<-e.ready
	e.mu.Lock()
	if e.err != nil || e.closed || len(e.members) > 0 {
		e.mu.Unlock()
		return
	}
	e.closed = true
	r.deleteEntry(e)
	e.mu.Unlock()

	e.client.Disconnect()
	metrics.TenantConnections.Dec()
	log.Printf("[INFO] Discarded unused backend connection for tenant %s", e.tenantID)
}

// deleteEntry removes e from the map if it is still the registered entry.
func (r *Registry) deleteEntry(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.entries[e.tenantID] == e {
		delete(r.entries, e.tenantID)
	}
}

// live returns the entry for tenantID if its connection is established.
func (r *Registry) live(tenantID string) (*entry, error) {
	r.mu.Lock()
	e, ok := r.entries[tenantID]
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotConnected, tenantID)
	}
	select {
	case <-e.ready:
	default:
		return nil, fmt.Errorf("%w: %s is still connecting", ErrTenantNotConnected, tenantID)
	}
	if e.err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotConnected, tenantID)
	}
	return e, nil
}

// AddConnection makes m a member of the tenant's entry.
func (r *Registry) AddConnection(tenantID string, m Member) error {
	e, err := r.live(tenantID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return fmt.Errorf("%w: %s is closing", ErrTenantNotConnected, tenantID)
	}
	e.members[m] = struct{}{}
	return nil
}

// RemoveConnection removes m from the tenant's entry. When the last member
// leaves, the backend connection is closed and the entry deleted; the return
// value reports whether that happened. Removing an unknown member is a no-op.
func (r *Registry) RemoveConnection(tenantID string, m Member) bool {
	e, err := r.live(tenantID)
	if err != nil {
		return false
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	if _, ok := e.members[m]; !ok {
		e.mu.Unlock()
		return false
	}
	delete(e.members, m)
	if len(e.members) > 0 {
		e.mu.Unlock()
		return false
	}
	e.closed = true
	r.deleteEntry(e)
	e.mu.Unlock()

	e.client.Disconnect()
	metrics.TenantConnections.Dec()
	log.Printf("[INFO] Last device of tenant %s disconnected, backend connection closed", tenantID)
	return true
}

// CloseAll closes every member and then the backend connection of every
// tenant, and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range entries {
		select {
		case <-e.ready:
		default:
			// Still connecting; open() cleans up if it fails and the entry
			// is no longer reachable if it succeeds.
			go r.discardWhenReady(e)
			continue
		}
		r.closeEntry(e)
	}
}

func (r *Registry) discardWhenReady(e *entry) {
	<-e.ready
	r.closeEntry(e)
}

func (r *Registry) closeEntry(e *entry) {
	e.mu.Lock()
	if e.closed || e.err != nil {
		e.mu.Unlock()
		return
	}
	e.closed = true
	members := make([]Member, 0, len(e.members))
	for m := range e.members {
		members = append(members, m)
	}
	e.members = make(map[Member]struct{})
	e.mu.Unlock()

	for _, m := range members {
		if err := m.Close(); err != nil {
			log.Printf("[WARN] Failed to close device connection %s of tenant %s: %v", m.ID(), e.tenantID, err)
		}
	}
	e.client.Disconnect()
	metrics.TenantConnections.Dec()
	log.Printf("[INFO] Backend connection for tenant %s closed on shutdown", e.tenantID)
}

// Tenants returns the ids of tenants with an entry.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Members returns the number of members of a tenant, or -1 without an entry.
func (r *Registry) Members(tenantID string) int {
	r.mu.Lock()
	e, ok := r.entries[tenantID]
	r.mu.Unlock()
	if !ok {
		return -1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.members)
}

func (r *Registry) client(tenantID string) (backend.Client, error) {
	e, err := r.live(tenantID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotConnected, tenantID)
	}
	return e.client, nil
}

// TelemetrySender returns the tenant's telemetry sender.
func (r *Registry) TelemetrySender(tenantID string) (backend.TelemetrySender, error) {
	return r.client(tenantID)
}

// EventSender returns the tenant's event sender.
func (r *Registry) EventSender(tenantID string) (backend.EventSender, error) {
	return r.client(tenantID)
}

// CommandResponseSender returns the tenant's command response sender.
func (r *Registry) CommandResponseSender(tenantID string) (backend.CommandResponseSender, error) {
	return r.client(tenantID)
}

// CreateDeviceSpecificCommandConsumer opens a command consumer for one device.
func (r *Registry) CreateDeviceSpecificCommandConsumer(ctx context.Context, tenantID, deviceID string, handler backend.CommandHandler) (backend.CommandConsumer, error) {
	c, err := r.client(tenantID)
	if err != nil {
		return nil, err
	}
	return c.CreateDeviceSpecificCommandConsumer(ctx, tenantID, deviceID, handler)
}

// CreateTenantCommandConsumer opens a command consumer for all devices of a
// tenant.
func (r *Registry) CreateTenantCommandConsumer(ctx context.Context, tenantID string, handler backend.CommandHandler) (backend.CommandConsumer, error) {
	c, err := r.client(tenantID)
	if err != nil {
		return nil, err
	}
	return c.CreateTenantCommandConsumer(ctx, tenantID, handler)
}
