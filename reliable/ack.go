// SPDX-FileCopyrightText: 2021, 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package reliable implements reliable-ordered message delivery on top of an
// unreliable sequenced datagram channel. The AckSystem turns per-packet
// sequence numbers into acknowledgement events; the Channel resends messages
// until their carrying packet is acknowledged and reassembles them in order
// on the receiving side.
package reliable

import (
	"github.com/ratchet-net/ratchet-go/sequence"
)

// SlidingWindowSize is the capacity of the sent and received packet windows.
const SlidingWindowSize = 256

type sentPacketData struct {
	acked bool
}

type receivedPacketData struct{}

// AckSystem maintains a sliding window over sent and received packet
// sequence numbers. Every outgoing packet is stamped with the most recently
// received sequence plus a 32 bit history bitmap; processing the stamps of
// inbound packets fires an acknowledgement event exactly once per sent
// sequence number.
type AckSystem struct {
	sent     *sequence.Buffer[sentPacketData]
	received *sequence.Buffer[receivedPacketData]

	handlers []func(seq uint16)
}

// NewAckSystem creates an AckSystem with empty windows.
func NewAckSystem() *AckSystem {
	return &AckSystem{
		sent:     sequence.NewBuffer[sentPacketData](SlidingWindowSize),
		received: sequence.NewBuffer[receivedPacketData](SlidingWindowSize),
	}
}

// OnAck subscribes a handler to acknowledgement events.
func (as *AckSystem) OnAck(handler func(seq uint16)) {
	as.handlers = append(as.handlers, handler)
}

// Reset empties both windows. Subscriptions stay.
func (as *AckSystem) Reset() {
	as.sent.Reset()
	as.received.Reset()
}

// StampOutgoing assigns the next sequence number to an outgoing packet and
// generates its acknowledgement stamp from the receive window.
func (as *AckSystem) StampOutgoing() (seq, ack uint16, ackBits uint32) {
	seq = as.sent.Sequence()
	ack, ackBits = as.generateAckBits()

	as.sent.Insert(seq)

	return
}

// RegisterReceived inserts an inbound packet's sequence number into the
// receive window. Sequence numbers behind the window are rejected and the
// packet must be discarded.
func (as *AckSystem) RegisterReceived(seq uint16) bool {
	return as.received.Insert(seq) != nil
}

// ProcessAcks walks an inbound acknowledgement stamp and fires the
// subscribed handlers. The sent window's acked flag suppresses duplicates,
// so a sequence number is acknowledged at most once; stamps referring to
// sequences outside the window are ignored.
func (as *AckSystem) ProcessAcks(ack uint16, ackBits uint32) {
	for i := 0; i < 32; i++ {
		if ackBits&1 != 0 {
			seq := ack - uint16(i)

			if data := as.sent.Find(seq); data != nil && !data.acked {
				data.acked = true
				for _, handler := range as.handlers {
					handler(seq)
				}
			}
		}

		ackBits >>= 1
	}
}

// generateAckBits scans the receive window: ack is the newest received
// sequence number, bit i of ackBits reports receipt of ack-i.
func (as *AckSystem) generateAckBits() (ack uint16, ackBits uint32) {
	ack = as.received.Sequence() - 1

	for i := 0; i < 32; i++ {
		if as.received.Exists(ack - uint16(i)) {
			ackBits |= 1 << i
		}
	}

	return
}
