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

// Package mqtt adapts the mochi-mqtt packet codec to the device-facing side of
// the gateway. It reads and writes whole control packets on a stream and maps
// gateway-level outcomes to the reason codes of the negotiated protocol
// version (3.1, 3.1.1 or 5).
package mqtt

// Protocol versions as carried in the CONNECT variable header.
const (
	Version31  byte = 3
	Version311 byte = 4
	Version5   byte = 5
)

// QoS levels.
const (
	QoSAtMostOnce  byte = 0
	QoSAtLeastOnce byte = 1
	QoSExactlyOnce byte = 2
)

// DefaultMaxPacketSize bounds the remaining length accepted from a device.
const DefaultMaxPacketSize = 256 * 1024

// ConnectOutcome is the gateway-level result of a CONNECT attempt. It is
// translated into a version specific CONNACK return or reason code.
type ConnectOutcome int

const (
	// Accepted means the connection was accepted.
	Accepted ConnectOutcome = iota
	// IdentifierRejected means the client identifier could not be used.
	IdentifierRejected
	// ServerUnavailable means the backend could not be reached for the tenant.
	ServerUnavailable
	// NotAuthorized means the device could not be authenticated.
	NotAuthorized
)

// String returns a readable name for the outcome.
func (o ConnectOutcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case IdentifierRejected:
		return "identifier rejected"
	case ServerUnavailable:
		return "server unavailable"
	case NotAuthorized:
		return "not authorized"
	default:
		return "unknown"
	}
}

// ConnackCode returns the CONNACK code for the outcome in the given protocol version.
func ConnackCode(version byte, o ConnectOutcome) byte {
	if version == Version5 {
		switch o {
		case Accepted:
			return 0x00
		case IdentifierRejected:
			return 0x85
		case ServerUnavailable:
			return 0x88
		case NotAuthorized:
			return 0x87
		default:
			return 0x80
		}
	}
	switch o {
	case Accepted:
		return 0x00
	case IdentifierRejected:
		return 0x02
	case ServerUnavailable:
		return 0x03
	default:
		return 0x05
	}
}

// SubackFailure is the SUBACK return code for a rejected topic filter. The
// value is shared by 3.1.1 ("Failure") and 5 ("Unspecified error").
const SubackFailure byte = 0x80

// UnsubackSuccess is the per-filter reason code sent to MQTT 5 clients.
const UnsubackSuccess byte = 0x00

// IsFailure reports whether a SUBACK code denotes a rejected filter.
func IsFailure(code byte) bool {
	return code >= SubackFailure
}

var packetNames = [...]string{
	"RESERVED", "CONNECT", "CONNACK", "PUBLISH", "PUBACK", "PUBREC", "PUBREL", "PUBCOMP",
	"SUBSCRIBE", "SUBACK", "UNSUBSCRIBE", "UNSUBACK", "PINGREQ", "PINGRESP", "DISCONNECT", "AUTH",
}

// PacketName returns the name of a control packet type for logging.
func PacketName(t byte) string {
	if int(t) < len(packetNames) {
		return packetNames[t]
	}
	return "UNKNOWN"
}
