// SPDX-FileCopyrightText: 2021, 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"github.com/ratchet-net/ratchet-go/message"
	"github.com/ratchet-net/ratchet-go/wire"
)

// MaxMessagesPerPacket bounds the reliable messages in one Connection packet.
const MaxMessagesPerPacket = 64

// ConnectionPacket is exchanged between connected endpoints. It always
// carries the sender's packet sequence number and its view of received
// packets for acknowledgement; a non-empty message list carries reliable
// messages pending delivery.
type ConnectionPacket struct {
	Sequence uint16
	Ack      uint16
	AckBits  uint32

	Messages []message.Message
}

func (p *ConnectionPacket) Type() int { return TypeConnection }

// Serialize implements the Connection packet codec. The stream's Context
// must be a *Context carrying the message factory; without one, or when any
// message fails to parse, the packet is malformed.
func (p *ConnectionPacket) Serialize(s wire.Stream) error {
	ctx, ok := s.Context().(*Context)
	if !ok || ctx == nil || ctx.MessageFactory == nil {
		return ErrMalformed
	}

	if err := s.SerializeUint16(&p.Sequence); err != nil {
		return err
	}
	if err := s.SerializeUint16(&p.Ack); err != nil {
		return err
	}
	if err := s.SerializeBits(&p.AckBits, 32); err != nil {
		return err
	}

	hasMessages := len(p.Messages) != 0
	if err := s.SerializeBool(&hasMessages); err != nil {
		return err
	}

	if !hasMessages {
		return nil
	}

	factory := ctx.MessageFactory
	maxMessageType := factory.NumTypes() - 1

	numMessages := len(p.Messages)
	if err := s.SerializeInt(&numMessages, 1, MaxMessagesPerPacket); err != nil {
		return err
	}

	messageIDs := make([]uint16, numMessages)
	messageTypes := make([]int, numMessages)

	if s.IsWriting() {
		for i, msg := range p.Messages {
			messageIDs[i] = msg.ID()
			messageTypes[i] = msg.Type()
		}
	} else {
		p.Messages = make([]message.Message, numMessages)
	}

	for i := range messageIDs {
		if err := s.SerializeUint16(&messageIDs[i]); err != nil {
			return err
		}
	}

	for i := 0; i < numMessages; i++ {
		if err := s.SerializeInt(&messageTypes[i], 0, maxMessageType); err != nil {
			return err
		}

		if s.IsReading() {
			msg := factory.Create(messageTypes[i])
			if msg == nil {
				return ErrMalformed
			}

			msg.SetID(messageIDs[i])
			p.Messages[i] = msg
		}

		if err := p.Messages[i].Serialize(s); err != nil {
			return err
		}
	}

	return nil
}
