// SPDX-FileCopyrightText: 2021, 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package packet defines the packet types of the client/server protocol,
// their wire codecs and the common framing. The connection establishment
// packets (request, denied, challenge, response, keep-alive, disconnect)
// carry the handshake; the Connection packet carries acknowledgements and
// reliable messages between connected endpoints.
package packet

import (
	"errors"

	"github.com/ratchet-net/ratchet-go/message"
	"github.com/ratchet-net/ratchet-go/wire"
)

// Packet type tags, also their wire representation.
const (
	// TypeConnectionRequest starts a handshake, client to server.
	TypeConnectionRequest = iota

	// TypeConnectionDenied rejects a request, server to client.
	TypeConnectionDenied

	// TypeConnectionChallenge answers a request, server to client.
	TypeConnectionChallenge

	// TypeConnectionResponse answers a challenge, client to server.
	TypeConnectionResponse

	// TypeKeepAlive keeps an established connection alive in both directions.
	TypeKeepAlive

	// TypeDisconnect announces a disconnect, nicer than a timeout.
	TypeDisconnect

	// TypeConnection carries acks and reliable messages once connected.
	TypeConnection

	// NumTypes is the number of packet types.
	NumTypes
)

// ErrMalformed is returned when parsing a packet fails. The datagram must be
// dropped without touching any connection state.
var ErrMalformed = errors.New("packet: malformed packet")

// Packet is one protocol packet. The concrete type is determined by Type.
type Packet interface {
	// Type is this packet's type tag.
	Type() int

	// Serialize passes the packet body through a wire.Stream.
	Serialize(s wire.Stream) error
}

// Factory creates empty Packets from their type tags for parsing.
type Factory interface {
	// Create returns a fresh Packet of the given type, nil for unknown tags.
	Create(pktType int) Packet

	// NumTypes is the number of packet types this Factory knows.
	NumTypes() int
}

// Context is attached to the serialization stream so that the Connection
// packet codec can resolve its message factory.
type Context struct {
	MessageFactory message.Factory
}

// ClientServerFactory creates the packets of the client/server protocol.
type ClientServerFactory struct{}

func (ClientServerFactory) Create(pktType int) Packet {
	switch pktType {
	case TypeConnectionRequest:
		return &ConnectionRequestPacket{}
	case TypeConnectionDenied:
		return &ConnectionDeniedPacket{}
	case TypeConnectionChallenge:
		return &ConnectionChallengePacket{}
	case TypeConnectionResponse:
		return &ConnectionResponsePacket{}
	case TypeKeepAlive:
		return &KeepAlivePacket{}
	case TypeDisconnect:
		return &DisconnectPacket{}
	case TypeConnection:
		return &ConnectionPacket{}

	default:
		return nil
	}
}

func (ClientServerFactory) NumTypes() int {
	return NumTypes
}
