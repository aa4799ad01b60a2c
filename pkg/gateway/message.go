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
	"github.com/turtacn/mqtt-gateway/pkg/backend"
	"github.com/turtacn/mqtt-gateway/pkg/topic"
)

// DownstreamMessage is a device publish translated for the backend. The
// implementations are Telemetry, Event and CommandResponse.
type DownstreamMessage interface {
	// Kind names the variant.
	Kind() topic.Kind
	// Base returns the fields shared by all variants.
	Base() backend.Message
	downstream()
}

// Telemetry is sent with the QoS the device published with.
type Telemetry struct {
	backend.Message
	QoS backend.QoS
}

// Kind implements DownstreamMessage.
func (Telemetry) Kind() topic.Kind { return topic.KindTelemetry }

// Base implements DownstreamMessage.
func (m Telemetry) Base() backend.Message { return m.Message }

func (Telemetry) downstream() {}

// Event is always sent at least once.
type Event struct {
	backend.Message
}

// Kind implements DownstreamMessage.
func (Event) Kind() topic.Kind { return topic.KindEvent }

// Base implements DownstreamMessage.
func (m Event) Base() backend.Message { return m.Message }

func (Event) downstream() {}

// CommandResponse answers a request-response command.
type CommandResponse struct {
	backend.Message
	CorrelationID string
	TargetAddress string
	Status        int
}

// Kind implements DownstreamMessage.
func (CommandResponse) Kind() topic.Kind { return topic.KindCommandResponse }

// Base implements DownstreamMessage.
func (m CommandResponse) Base() backend.Message { return m.Message }

func (CommandResponse) downstream() {}
