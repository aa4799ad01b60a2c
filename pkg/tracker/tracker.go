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

// Package tracker keeps the command subscriptions of one device connection and
// correlates commands published at QoS 1 with the device's acknowledgements.
package tracker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/turtacn/mqtt-gateway/pkg/topic"
)

// ErrUnknownMessageID is returned when an acknowledgement matches no pending
// publish.
var ErrUnknownMessageID = errors.New("unknown message id")

// DefaultAckTimeout is used when a tracker is created with a zero timeout.
const DefaultAckTimeout = 30 * time.Second

// Subscription is a command subscription granted to the device.
type Subscription struct {
	Filter   topic.CommandFilter
	QoS      byte
	ClientID string
	// TenantID and DeviceID are the ids the filter resolved to for the
	// subscribing connection.
	TenantID string
	DeviceID string
}

type pending struct {
	timer      *time.Timer
	onAcked    func()
	onTimedOut func()
}

// Tracker is safe for concurrent use. Callbacks are invoked without the lock
// held.
type Tracker struct {
	timeout time.Duration

	mu              sync.Mutex
	subscriptions   map[string]*Subscription
	order           []string
	consumerCreated bool
	attempt         *consumerAttempt
	pending         map[uint16]*pending
}

// New creates a tracker whose pending acknowledgements time out after timeout.
func New(timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultAckTimeout
	}
	return &Tracker{
		timeout:       timeout,
		subscriptions: make(map[string]*Subscription),
		pending:       make(map[uint16]*pending),
	}
}

// consumerAttempt is one creation of the device's command consumer. Callers
// arriving while it runs wait on done.
type consumerAttempt struct {
	done chan struct{}
	err  error
}

// AddSubscription inserts or replaces the subscription for its filter. The
// first time a subscription is added, onFirst is called to create the
// device's command consumer and later calls wait for its outcome. If creation
// fails the subscription is dropped again and the next call retries.
func (t *Tracker) AddSubscription(sub *Subscription, onFirst func() error) error {
	t.mu.Lock()
	if _, ok := t.subscriptions[sub.Filter.Filter]; !ok {
		t.order = append(t.order, sub.Filter.Filter)
	}
	t.subscriptions[sub.Filter.Filter] = sub

	if t.consumerCreated || onFirst == nil {
		t.mu.Unlock()
		return nil
	}
	attempt := t.attempt
	if attempt == nil {
		attempt = &consumerAttempt{done: make(chan struct{})}
		t.attempt = attempt
		t.mu.Unlock()

		attempt.err = onFirst()

		t.mu.Lock()
		t.attempt = nil
		t.consumerCreated = attempt.err == nil
		close(attempt.done)
		t.mu.Unlock()
	} else {
		t.mu.Unlock()
		<-attempt.done
	}

	if attempt.err != nil {
		t.mu.Lock()
		if t.subscriptions[sub.Filter.Filter] == sub {
			t.removeLocked(sub.Filter.Filter)
		}
		t.mu.Unlock()
		return fmt.Errorf("failed to create command consumer: %w", attempt.err)
	}
	return nil
}

// ConsumerCreated reports whether the command consumer has been created.
func (t *Tracker) ConsumerCreated() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consumerCreated
}

// RemoveSubscription removes the subscription for filter, if any.
func (t *Tracker) RemoveSubscription(filter string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(filter)
}

func (t *Tracker) removeLocked(filter string) {
	if _, ok := t.subscriptions[filter]; !ok {
		return
	}
	delete(t.subscriptions, filter)
	for i, f := range t.order {
		if f == filter {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

// RemoveAllSubscriptions clears every subscription and releases the pending
// acknowledgements, calling their timeout callbacks.
func (t *Tracker) RemoveAllSubscriptions() {
	t.mu.Lock()
	t.subscriptions = make(map[string]*Subscription)
	t.order = nil
	t.mu.Unlock()

	t.ReleasePending()
}

// ReleasePending removes every pending acknowledgement and calls its timeout
// callback right away. It returns the number of released publishes.
func (t *Tracker) ReleasePending() int {
	t.mu.Lock()
	released := make([]*pending, 0, len(t.pending))
	for id, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, id)
		released = append(released, p)
	}
	t.mu.Unlock()

	for _, p := range released {
		if p.onTimedOut != nil {
			p.onTimedOut()
		}
	}
	return len(released)
}

// Subscriptions returns the current subscriptions in the order they were
// first added.
func (t *Tracker) Subscriptions() []Subscription {
	t.mu.Lock()
	defer t.mu.Unlock()
	subs := make([]Subscription, 0, len(t.order))
	for _, f := range t.order {
		subs = append(subs, *t.subscriptions[f])
	}
	return subs
}

// Len returns the number of subscriptions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subscriptions)
}

// Lookup returns the oldest subscription whose filter selects the given
// device, or false if there is none.
func (t *Tracker) Lookup(tenantID, deviceID string) (Subscription, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, f := range t.order {
		sub := t.subscriptions[f]
		if sub.TenantID == tenantID && sub.DeviceID == deviceID {
			return *sub, true
		}
	}
	return Subscription{}, false
}

// AddToWaitingForAcknowledgement registers a published message. Exactly one
// of onAcked and onTimedOut is called. An entry still pending under the same
// id is released first.
func (t *Tracker) AddToWaitingForAcknowledgement(messageID uint16, onAcked, onTimedOut func()) {
	p := &pending{onAcked: onAcked, onTimedOut: onTimedOut}

	t.mu.Lock()
	old, replaced := t.pending[messageID]
	if replaced {
		old.timer.Stop()
	}
	t.pending[messageID] = p
	p.timer = time.AfterFunc(t.timeout, func() {
		if t.take(messageID, p) && p.onTimedOut != nil {
			p.onTimedOut()
		}
	})
	t.mu.Unlock()

	if replaced && old.onTimedOut != nil {
		old.onTimedOut()
	}
}

// take removes the entry for messageID if it is still p.
func (t *Tracker) take(messageID uint16, p *pending) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.pending[messageID]; !ok || cur != p {
		return false
	}
	delete(t.pending, messageID)
	return true
}

// HandleAcknowledgement resolves the pending publish with messageID. A late or
// duplicate acknowledgement returns ErrUnknownMessageID.
func (t *Tracker) HandleAcknowledgement(messageID uint16) error {
	t.mu.Lock()
	p, ok := t.pending[messageID]
	if ok {
		delete(t.pending, messageID)
	}
	t.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownMessageID, messageID)
	}
	p.timer.Stop()
	if p.onAcked != nil {
		p.onAcked()
	}
	return nil
}

// IsPending reports whether messageID awaits an acknowledgement.
func (t *Tracker) IsPending(messageID uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[messageID]
	return ok
}

// PendingCount returns the number of publishes awaiting acknowledgement.
func (t *Tracker) PendingCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
