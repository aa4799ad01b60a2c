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

// Package actor provides the mailbox-driven actor primitive used by
// supervised background workers.
package actor

import (
	"context"
	"errors"
)

// ErrMailboxFull is returned by TrySend when the mailbox has no free slot.
var ErrMailboxFull = errors.New("mailbox full")

// Actor is a worker driven by the messages in its mailbox. Start blocks until
// the context is canceled or the actor terminates; a non-nil error marks an
// abnormal termination.
type Actor interface {
	Start(ctx context.Context, mb *Mailbox) error
}

// Mailbox is a bounded, channel-based message queue.
type Mailbox struct {
	messages chan any
}

// NewMailbox creates a mailbox holding up to size messages.
func NewMailbox(size int) *Mailbox {
	return &Mailbox{
		messages: make(chan any, size),
	}
}

// Send puts a message into the mailbox, blocking while it is full.
func (mb *Mailbox) Send(msg any) {
	mb.messages <- msg
}

// TrySend puts a message into the mailbox without blocking.
func (mb *Mailbox) TrySend(msg any) error {
	select {
	case mb.messages <- msg:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Receive blocks until a message arrives or the context is canceled.
func (mb *Mailbox) Receive(ctx context.Context) (any, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-mb.messages:
		return msg, nil
	}
}

// Len returns the number of queued messages.
func (mb *Mailbox) Len() int {
	return len(mb.messages)
}

// Chan returns the underlying message channel.
func (mb *Mailbox) Chan() <-chan any {
	return mb.messages
}
