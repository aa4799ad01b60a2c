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

// Package topic implements the topic grammar spoken between devices and the
// gateway: classification of device publishes, command topic filters and the
// concrete topics commands are delivered on.
package topic

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Endpoint names and their short forms.
const (
	EndpointTelemetry      = "telemetry"
	EndpointTelemetryShort = "t"
	EndpointEvent          = "event"
	EndpointEventShort     = "e"
	EndpointCommand        = "command"
	EndpointCommandShort   = "c"

	partRequest       = "req"
	partRequestShort  = "q"
	partResponse      = "res"
	partResponseShort = "s"
)

var (
	// ErrInvalidTopic is returned for a topic name that cannot be parsed.
	ErrInvalidTopic = errors.New("invalid topic")
	// ErrInvalidFilter is returned for a malformed topic filter.
	ErrInvalidFilter = errors.New("invalid topic filter")
	// ErrInvalidRequestID is returned when a request id cannot be decoded.
	ErrInvalidRequestID = errors.New("invalid request id")
)

// Kind classifies the endpoint of a device publish.
type Kind int

const (
	KindUnknown Kind = iota
	KindTelemetry
	KindEvent
	KindCommandResponse
)

// String returns the endpoint name for the kind.
func (k Kind) String() string {
	switch k {
	case KindTelemetry:
		return EndpointTelemetry
	case KindEvent:
		return EndpointEvent
	case KindCommandResponse:
		return "command-response"
	default:
		return "unknown"
	}
}

// Resource is a parsed device publish topic of the form
// endpoint[/tenant[/device[/path...]]].
type Resource struct {
	Kind     Kind
	Endpoint string
	TenantID string
	DeviceID string
	// Path holds the levels following the device id.
	Path []string
}

// ParseResource classifies a device publish topic.
func ParseResource(name string) (Resource, error) {
	if name == "" || strings.ContainsAny(name, "+#") {
		return Resource{}, fmt.Errorf("%w: %q", ErrInvalidTopic, name)
	}
	levels := strings.Split(name, "/")
	r := Resource{Endpoint: levels[0]}
	if len(levels) > 1 {
		r.TenantID = levels[1]
	}
	if len(levels) > 2 {
		r.DeviceID = levels[2]
	}
	if len(levels) > 3 {
		r.Path = levels[3:]
	}

	switch r.Endpoint {
	case EndpointTelemetry, EndpointTelemetryShort:
		r.Kind = KindTelemetry
	case EndpointEvent, EndpointEventShort:
		r.Kind = KindEvent
	case EndpointCommand, EndpointCommandShort:
		// command/{tenant}/{device}/res/{requestId}/{status}
		if len(r.Path) != 3 || !isResponsePart(r.Path[0]) {
			return Resource{}, fmt.Errorf("%w: %q is not a command response topic", ErrInvalidTopic, name)
		}
		r.Kind = KindCommandResponse
	default:
		return Resource{}, fmt.Errorf("%w: unknown endpoint %q", ErrInvalidTopic, r.Endpoint)
	}
	return r, nil
}

// ResponseRequestID returns the request id of a command response resource.
func (r Resource) ResponseRequestID() string {
	if r.Kind != KindCommandResponse {
		return ""
	}
	return r.Path[1]
}

// ResponseStatus returns the status code of a command response resource.
func (r Resource) ResponseStatus() (int, error) {
	if r.Kind != KindCommandResponse {
		return 0, fmt.Errorf("%w: not a command response", ErrInvalidTopic)
	}
	status, err := strconv.Atoi(r.Path[2])
	if err != nil || status < 100 || status >= 600 {
		return 0, fmt.Errorf("%w: bad status %q", ErrInvalidTopic, r.Path[2])
	}
	return status, nil
}

func isResponsePart(s string) bool {
	return s == partResponse || s == partResponseShort
}

func isRequestPart(s string) bool {
	return s == partRequest || s == partRequestShort
}

// ValidateFilter checks the general MQTT syntax of a topic filter: '#' may only
// appear as the last level and wildcards must occupy a whole level.
func ValidateFilter(filter string) error {
	if filter == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFilter)
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return fmt.Errorf("%w: misplaced '#' in %q", ErrInvalidFilter, filter)
		}
		if strings.Contains(level, "+") && level != "+" {
			return fmt.Errorf("%w: misplaced '+' in %q", ErrInvalidFilter, filter)
		}
	}
	return nil
}

// Match reports whether a topic name matches a topic filter using the MQTT
// 3.1.1 wildcard rules.
func Match(name, filter string) bool {
	topicSegments := strings.Split(name, "/")
	filterSegments := strings.Split(filter, "/")

	topicLen := len(topicSegments)
	filterLen := len(filterSegments)

	for i := 0; i < filterLen; i++ {
		if i >= topicLen {
			return filterSegments[i] == "#" && i == filterLen-1
		}

		filterSegment := filterSegments[i]
		if filterSegment == "#" {
			return i == filterLen-1
		}
		if filterSegment != "+" && filterSegment != topicSegments[i] {
			return false
		}
	}

	return topicLen == filterLen
}
