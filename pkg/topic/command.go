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

package topic

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandFilter is a parsed command subscription of the form
// {command|c}/{tenant}/{device}/{req|q}/#. Tenant and device levels may be
// empty or '+', both of which stand for the authenticated device.
type CommandFilter struct {
	Filter        string
	Endpoint      string
	TenantSegment string
	DeviceSegment string
	RequestPart   string
}

// ParseCommandFilter parses a command subscription filter.
func ParseCommandFilter(filter string) (CommandFilter, error) {
	if err := ValidateFilter(filter); err != nil {
		return CommandFilter{}, err
	}
	levels := strings.Split(filter, "/")
	if len(levels) != 5 {
		return CommandFilter{}, fmt.Errorf("%w: %q is not a command filter", ErrInvalidFilter, filter)
	}
	if levels[0] != EndpointCommand && levels[0] != EndpointCommandShort {
		return CommandFilter{}, fmt.Errorf("%w: unknown endpoint %q", ErrInvalidFilter, levels[0])
	}
	if !isRequestPart(levels[3]) || levels[4] != "#" {
		return CommandFilter{}, fmt.Errorf("%w: %q must end with /req/#", ErrInvalidFilter, filter)
	}
	return CommandFilter{
		Filter:        filter,
		Endpoint:      levels[0],
		TenantSegment: levels[1],
		DeviceSegment: levels[2],
		RequestPart:   levels[3],
	}, nil
}

// IsWildcard reports whether a tenant or device level refers to the
// authenticated device rather than naming one explicitly.
func IsWildcard(segment string) bool {
	return segment == "" || segment == "+"
}

// Resolve returns the tenant and device a filter selects for a connection
// authenticated as tenantID/deviceID.
func (f CommandFilter) Resolve(tenantID, deviceID string) (string, string) {
	tenant, device := f.TenantSegment, f.DeviceSegment
	if IsWildcard(tenant) {
		tenant = tenantID
	}
	if IsWildcard(device) {
		device = deviceID
	}
	return tenant, device
}

// CommandTopic computes the concrete topic a command is published on. The
// tenant and device levels echo the form used in the subscription: explicit
// ids are repeated, empty levels stay empty and '+' is replaced by the id.
func (f CommandFilter) CommandTopic(tenantID, deviceID, requestID, command string) string {
	tenant := f.TenantSegment
	if tenant == "+" {
		tenant = tenantID
	}
	device := f.DeviceSegment
	if device == "+" {
		device = deviceID
	}
	return strings.Join([]string{f.Endpoint, tenant, device, f.RequestPart, requestID, command}, "/")
}

// EncodeRequestID packs a correlation id and a reply id into a single topic
// level: two hex digits holding the length of the correlation id, followed by
// the correlation id and the reply id. One-way commands have no correlation
// id and yield an empty request id.
func EncodeRequestID(correlationID, replyID string) (string, error) {
	if correlationID == "" {
		return "", nil
	}
	if len(correlationID) > 0xff {
		return "", fmt.Errorf("%w: correlation id longer than 255 bytes", ErrInvalidRequestID)
	}
	if strings.ContainsAny(correlationID+replyID, "/+#") {
		return "", fmt.Errorf("%w: ids must not contain topic separators or wildcards", ErrInvalidRequestID)
	}
	return fmt.Sprintf("%02x%s%s", len(correlationID), correlationID, replyID), nil
}

// DecodeRequestID reverses EncodeRequestID.
func DecodeRequestID(requestID string) (correlationID, replyID string, err error) {
	if len(requestID) < 3 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRequestID, requestID)
	}
	n, err := strconv.ParseUint(requestID[:2], 16, 8)
	if err != nil || n == 0 || int(n) > len(requestID)-2 {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRequestID, requestID)
	}
	return requestID[2 : 2+n], requestID[2+n:], nil
}
