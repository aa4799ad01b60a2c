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

package mqtt

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/mochi-mqtt/server/v2/packets"
)

var (
	// ErrPacketTooLarge is returned when a packet exceeds the configured maximum size.
	ErrPacketTooLarge = errors.New("packet exceeds maximum size")
	// ErrUnsupportedPacket is returned for packet types the gateway does not accept from devices.
	ErrUnsupportedPacket = errors.New("unsupported packet type")
)

// ReadPacket reads one full control packet. version is the protocol version
// negotiated by CONNECT (zero before CONNECT) and is needed to decode MQTT 5
// properties. A maxSize of zero disables the size check.
func ReadPacket(r *bufio.Reader, version byte, maxSize int) (*packets.Packet, error) {
	fh := new(packets.FixedHeader)
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if err := fh.Decode(b); err != nil {
		return nil, err
	}
	rem, _, err := packets.DecodeLength(r)
	if err != nil {
		return nil, err
	}
	if maxSize > 0 && rem > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrPacketTooLarge, rem, maxSize)
	}
	fh.Remaining = rem

	buf := make([]byte, fh.Remaining)
	if fh.Remaining > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}

	pk := &packets.Packet{FixedHeader: *fh, ProtocolVersion: version}
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = pk.ConnectDecode(buf)
	case packets.Connack:
		err = pk.ConnackDecode(buf)
	case packets.Publish:
		err = pk.PublishDecode(buf)
	case packets.Puback:
		err = pk.PubackDecode(buf)
	case packets.Subscribe:
		err = pk.SubscribeDecode(buf)
	case packets.Suback:
		err = pk.SubackDecode(buf)
	case packets.Unsubscribe:
		err = pk.UnsubscribeDecode(buf)
	case packets.Unsuback:
		err = pk.UnsubackDecode(buf)
	case packets.Pingreq:
		err = pk.PingreqDecode(buf)
	case packets.Pingresp:
		err = pk.PingrespDecode(buf)
	case packets.Disconnect:
		err = pk.DisconnectDecode(buf)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedPacket, PacketName(pk.FixedHeader.Type))
	}
	if err != nil {
		return nil, err
	}

	return pk, nil
}

// WritePacket encodes pk and writes it in a single call.
func WritePacket(w io.Writer, pk *packets.Packet) error {
	var buf bytes.Buffer
	var err error
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = pk.ConnectEncode(&buf)
	case packets.Connack:
		err = pk.ConnackEncode(&buf)
	case packets.Publish:
		err = pk.PublishEncode(&buf)
	case packets.Puback:
		err = pk.PubackEncode(&buf)
	case packets.Subscribe:
		err = pk.SubscribeEncode(&buf)
	case packets.Suback:
		err = pk.SubackEncode(&buf)
	case packets.Unsubscribe:
		err = pk.UnsubscribeEncode(&buf)
	case packets.Unsuback:
		err = pk.UnsubackEncode(&buf)
	case packets.Pingreq:
		err = pk.PingreqEncode(&buf)
	case packets.Pingresp:
		err = pk.PingrespEncode(&buf)
	case packets.Disconnect:
		err = pk.DisconnectEncode(&buf)
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedPacket, PacketName(pk.FixedHeader.Type))
	}
	if err != nil {
		return err
	}
	_, err = w.Write(buf.Bytes())
	return err
}

// NewConnack builds a CONNACK for the outcome. Sessions are never resumed, so
// the session-present flag is always false.
func NewConnack(version byte, o ConnectOutcome) *packets.Packet {
	return &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Connack},
		ProtocolVersion: version,
		ReasonCode:      ConnackCode(version, o),
	}
}

// NewPuback acknowledges a QoS 1 publish.
func NewPuback(version byte, packetID uint16) *packets.Packet {
	return &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Puback},
		ProtocolVersion: version,
		PacketID:        packetID,
	}
}

// NewSuback builds a SUBACK carrying one code per requested filter.
func NewSuback(version byte, packetID uint16, codes []byte) *packets.Packet {
	return &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Suback},
		ProtocolVersion: version,
		PacketID:        packetID,
		ReasonCodes:     codes,
	}
}

// NewUnsuback builds an UNSUBACK. MQTT 5 requires one reason code per filter;
// earlier versions carry only the packet identifier.
func NewUnsuback(version byte, packetID uint16, filters int) *packets.Packet {
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Unsuback},
		ProtocolVersion: version,
		PacketID:        packetID,
	}
	if version == Version5 {
		pk.ReasonCodes = bytes.Repeat([]byte{UnsubackSuccess}, filters)
	}
	return pk
}

// NewPublish builds a server-to-device PUBLISH.
func NewPublish(version byte, topic string, payload []byte, qos byte, packetID uint16) *packets.Packet {
	pk := &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Publish, Qos: qos},
		ProtocolVersion: version,
		TopicName:       topic,
		Payload:         payload,
	}
	if qos > QoSAtMostOnce {
		pk.PacketID = packetID
	}
	return pk
}

// NewPingresp answers a PINGREQ.
func NewPingresp(version byte) *packets.Packet {
	return &packets.Packet{
		FixedHeader:     packets.FixedHeader{Type: packets.Pingresp},
		ProtocolVersion: version,
	}
}
