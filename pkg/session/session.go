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

// Package session provides the outbound half of a device connection: an actor
// that serializes packets onto the device's transport in mailbox order.
package session

import (
	"context"
	"fmt"
	"io"
	"log"

	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/mqtt-gateway/pkg/actor"
	"github.com/turtacn/mqtt-gateway/pkg/protocol/mqtt"
)

// Close asks the session to close the transport once every packet queued
// before it has been written.
type Close struct{}

// Session writes the packets it receives to a device's transport.
type Session struct {
	ID   string
	conn io.WriteCloser
}

// New creates a session writing to conn.
func New(id string, conn io.WriteCloser) *Session {
	return &Session{
		ID:   id,
		conn: conn,
	}
}

// Start writes queued packets until the context is canceled, a Close message
// is processed or a write fails. The transport is closed on a write failure.
func (s *Session) Start(ctx context.Context, mb *actor.Mailbox) error {
	for {
		msg, err := mb.Receive(ctx)
		if err != nil {
			return nil
		}

		switch m := msg.(type) {
		case *packets.Packet:
			if err := mqtt.WritePacket(s.conn, m); err != nil {
				_ = s.conn.Close()
				return fmt.Errorf("write %s to %s: %w", mqtt.PacketName(m.FixedHeader.Type), s.ID, err)
			}
		case Close:
			log.Printf("[DEBUG] Closing transport of %s", s.ID)
			return s.conn.Close()
		default:
			log.Printf("[WARN] Session %s received unknown message type: %T", s.ID, m)
		}
	}
}
