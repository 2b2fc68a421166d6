// SPDX-FileCopyrightText: 2021, 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"github.com/ratchet-net/ratchet-go/token"
	"github.com/ratchet-net/ratchet-go/wire"
)

// RequestPadBytes pads an insecure connection request so that a request is
// never smaller than the packets it provokes. Otherwise the handshake could
// be abused to amplify traffic towards a spoofed address.
const RequestPadBytes = 256

// ConnectionRequestPacket asks the server for a connection. In the insecure
// variant the client identifies itself with a random salt and pads the
// packet; in the secure variant it presents a sealed connect token instead.
type ConnectionRequestPacket struct {
	ClientSalt  uint64
	HasToken    bool
	TokenExpiry uint64
	TokenData   [token.EncryptedTokenBytes]byte
	TokenNonce  [token.NonceBytes]byte
}

func (p *ConnectionRequestPacket) Type() int { return TypeConnectionRequest }

func (p *ConnectionRequestPacket) Serialize(s wire.Stream) error {
	if err := s.SerializeUint64(&p.ClientSalt); err != nil {
		return err
	}

	if err := s.SerializeBool(&p.HasToken); err != nil {
		return err
	}

	if p.HasToken {
		// The expiry travels in the clear but is bound into the token's
		// additional authenticated data, so it cannot be forged. It lets the
		// server reject stale requests before paying for a decryption.
		if err := s.SerializeUint64(&p.TokenExpiry); err != nil {
			return err
		}

		if err := s.SerializeBytes(p.TokenData[:]); err != nil {
			return err
		}

		return s.SerializeBytes(p.TokenNonce[:])
	}

	var pad [RequestPadBytes]byte

	return s.SerializeBytes(pad[:])
}

// DeniedReason tells a client why its connection request was rejected.
type DeniedReason int

const (
	// DeniedServerFull means all client slots are taken.
	DeniedServerFull DeniedReason = iota

	// DeniedAlreadyConnected means the address is connected under another
	// identity.
	DeniedAlreadyConnected

	numDeniedReasons
)

func (dr DeniedReason) String() string {
	switch dr {
	case DeniedServerFull:
		return "server full"
	case DeniedAlreadyConnected:
		return "already connected"
	default:
		return "INVALID"
	}
}

// ConnectionDeniedPacket rejects a connection request.
type ConnectionDeniedPacket struct {
	Reason DeniedReason
}

func (p *ConnectionDeniedPacket) Type() int { return TypeConnectionDenied }

func (p *ConnectionDeniedPacket) Serialize(s wire.Stream) error {
	reason := int(p.Reason)
	if err := s.SerializeInt(&reason, 0, int(numDeniedReasons)-1); err != nil {
		return err
	}

	p.Reason = DeniedReason(reason)

	return nil
}

// ConnectionChallengePacket carries the server's challenge salt. Only a
// client at its claimed address receives it and can echo it back.
type ConnectionChallengePacket struct {
	ChallengeSalt uint64
}

func (p *ConnectionChallengePacket) Type() int { return TypeConnectionChallenge }

func (p *ConnectionChallengePacket) Serialize(s wire.Stream) error {
	return s.SerializeUint64(&p.ChallengeSalt)
}

// ConnectionResponsePacket echoes the challenge salt back to the server.
type ConnectionResponsePacket struct {
	ChallengeSalt uint64
}

func (p *ConnectionResponsePacket) Type() int { return TypeConnectionResponse }

func (p *ConnectionResponsePacket) Serialize(s wire.Stream) error {
	return s.SerializeUint64(&p.ChallengeSalt)
}

// KeepAlivePacket is sent at a low rate to keep a connection alive.
type KeepAlivePacket struct{}

func (p *KeepAlivePacket) Type() int { return TypeKeepAlive }

func (p *KeepAlivePacket) Serialize(_ wire.Stream) error { return nil }

// DisconnectPacket announces a disconnect to the other side.
type DisconnectPacket struct{}

func (p *DisconnectPacket) Type() int { return TypeDisconnect }

func (p *DisconnectPacket) Serialize(_ wire.Stream) error { return nil }
