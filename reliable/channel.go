// SPDX-FileCopyrightText: 2021, 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package reliable

import (
	"errors"

	"github.com/ratchet-net/ratchet-go/message"
	"github.com/ratchet-net/ratchet-go/packet"
	"github.com/ratchet-net/ratchet-go/sequence"
	"github.com/ratchet-net/ratchet-go/wire"
)

const (
	// SendQueueSize is the capacity of the message send queue.
	SendQueueSize = 1024

	// SentPacketsSize is the capacity of the sent packet message id map.
	SentPacketsSize = 256

	// ReceiveQueueSize is the capacity of the message receive window.
	ReceiveQueueSize = 1024

	// PacketBudget is the message byte budget of one Connection packet.
	PacketBudget = 1024

	// ResendRate is the minimum time in seconds between two transmissions
	// of the same message.
	ResendRate = 0.1

	// giveUpBits stops the packer when the remaining budget is too small
	// for any realistic message.
	giveUpBits = 8 * 8

	// neverSent predates every reachable time, forcing a first send even
	// for ticks near t=0.
	neverSent = -1.0
)

var (
	// ErrSendQueueFull is the sticky error after a send queue overflow.
	ErrSendQueueFull = errors.New("reliable: message send queue overflow")

	// ErrMeasureFailed is the sticky error after a message failed its
	// serialization measure pass, e.g. one exceeding the packet budget.
	ErrMeasureFailed = errors.New("reliable: message serialize measure failed")

	// ErrStalePacket rejects a packet behind the receive window.
	ErrStalePacket = errors.New("reliable: packet sequence behind receive window")

	// ErrEarlyMessage rejects a packet carrying a message beyond the
	// receive window. Acknowledging it would out-run the receive queue.
	ErrEarlyMessage = errors.New("reliable: message beyond receive window")
)

type sendQueueEntry struct {
	message      message.Message
	timeLastSent float64
	measuredBits int
}

type sentPacketEntry struct {
	timeSent   float64
	messageIDs []uint16
	acked      bool
}

type receiveQueueEntry struct {
	message message.Message
}

// Channel is one directionless reliable-ordered message channel between two
// endpoints. Messages enter through Send, leave through WritePacket inside
// Connection packets, are resent until acknowledged, and surface on the
// other side through Receive in send order without gaps or duplicates.
//
// A Channel is not safe for concurrent use; like the rest of the library it
// expects a single-threaded tick loop.
type Channel struct {
	factory message.Factory
	acks    *AckSystem

	time float64
	err  error

	messageOverheadBits int

	sendMessageID          uint16
	receiveMessageID       uint16
	oldestUnackedMessageID uint16

	sendQueue    *sequence.Buffer[sendQueueEntry]
	sentPackets  *sequence.Buffer[sentPacketEntry]
	receiveQueue *sequence.Buffer[receiveQueueEntry]

	// One flat id array for all sent packet entries; each entry borrows the
	// subslice for its window slot. Amortizes allocation over the window.
	sentPacketMessageIDs []uint16
}

// NewChannel creates a Channel for messages of the given factory. All queues
// are preallocated; the steady state does not allocate.
func NewChannel(factory message.Factory) *Channel {
	c := &Channel{
		factory:              factory,
		acks:                 NewAckSystem(),
		messageOverheadBits:  16 + wire.BitsRequired(0, factory.NumTypes()-1),
		sendQueue:            sequence.NewBuffer[sendQueueEntry](SendQueueSize),
		sentPackets:          sequence.NewBuffer[sentPacketEntry](SentPacketsSize),
		receiveQueue:         sequence.NewBuffer[receiveQueueEntry](ReceiveQueueSize),
		sentPacketMessageIDs: make([]uint16, packet.MaxMessagesPerPacket*SentPacketsSize),
	}

	c.acks.OnAck(c.packetAcked)

	return c
}

// Reset returns the Channel to its initial state and clears a sticky error.
func (c *Channel) Reset() {
	c.err = nil
	c.time = 0

	c.sendMessageID = 0
	c.receiveMessageID = 0
	c.oldestUnackedMessageID = 0

	c.acks.Reset()
	c.sendQueue.Reset()
	c.sentPackets.Reset()
	c.receiveQueue.Reset()
}

// Error returns the sticky channel error, nil while the Channel is healthy.
func (c *Channel) Error() error {
	return c.err
}

// AdvanceTime moves the Channel's clock, driving the resend scheduler.
func (c *Channel) AdvanceTime(now float64) {
	c.time = now
}

// CanSend checks if the send queue accepts another message.
func (c *Channel) CanSend() bool {
	return c.sendQueue.Available(c.sendMessageID)
}

// Send queues a message for reliable-ordered delivery, assigning its id.
// A full send queue or a failed measure pass is a sticky error: the Channel
// refuses all further work until Reset.
func (c *Channel) Send(msg message.Message) error {
	if c.err != nil {
		return c.err
	}

	if !c.CanSend() {
		c.err = ErrSendQueueFull
		return c.err
	}

	ms := wire.NewMeasureStream(PacketBudget / 2)
	if err := msg.Serialize(ms); err != nil {
		c.err = ErrMeasureFailed
		return c.err
	}

	msg.SetID(c.sendMessageID)

	entry := c.sendQueue.Insert(c.sendMessageID)
	entry.message = msg
	entry.timeLastSent = neverSent
	entry.measuredBits = ms.BitsProcessed() + c.messageOverheadBits

	c.sendMessageID++

	return nil
}

// Receive returns the next message in id order, or nil if it has not
// arrived yet.
func (c *Channel) Receive() message.Message {
	if c.err != nil {
		return nil
	}

	entry := c.receiveQueue.Find(c.receiveMessageID)
	if entry == nil {
		return nil
	}

	msg := entry.message
	c.receiveQueue.Remove(c.receiveMessageID)
	c.receiveMessageID++

	return msg
}

// HasUnackedMessages checks for messages still awaiting acknowledgement.
func (c *Channel) HasUnackedMessages() bool {
	return c.oldestUnackedMessageID != c.sendMessageID
}

// WritePacket assembles the next outgoing Connection packet: sequence
// number, acknowledgement stamp and as many due messages as the packet
// budget takes. Returns nil while a sticky error is set.
func (c *Channel) WritePacket() *packet.ConnectionPacket {
	if c.err != nil {
		return nil
	}

	p := &packet.ConnectionPacket{}
	p.Sequence, p.Ack, p.AckBits = c.acks.StampOutgoing()

	messageIDs := c.messagesToSend()
	c.addSentPacketEntry(messageIDs, p.Sequence)

	for _, id := range messageIDs {
		entry := c.sendQueue.Find(id)
		p.Messages = append(p.Messages, entry.message)
	}

	return p
}

// ReadPacket ingests an inbound Connection packet: its messages enter the
// receive window, its sequence number is registered for acknowledgement and
// its acknowledgement stamp is processed. Failures drop the packet without
// touching any state beyond messages already stored; they are not sticky.
func (c *Channel) ReadPacket(p *packet.ConnectionPacket) error {
	if c.err != nil {
		return c.err
	}

	if err := c.processPacketMessages(p); err != nil {
		return err
	}

	// A packet holding any early message returned above and does not count
	// as received: acknowledging it would tell the sender to stop resending
	// messages the receive queue cannot hold yet.
	if !c.acks.RegisterReceived(p.Sequence) {
		return ErrStalePacket
	}

	c.acks.ProcessAcks(p.Ack, p.AckBits)

	return nil
}

// messagesToSend walks the send queue from the oldest unacked message and
// collects ids which are due for (re)transmission and fit the budget, in
// strictly ascending id order. The walk never skips past a queue gap.
func (c *Channel) messagesToSend() (messageIDs []uint16) {
	if c.sendQueue.Find(c.oldestUnackedMessageID) == nil {
		return nil
	}

	availableBits := PacketBudget * 8

	for i := 0; i < SendQueueSize; i++ {
		if availableBits <= giveUpBits {
			break
		}

		messageID := c.oldestUnackedMessageID + uint16(i)

		entry := c.sendQueue.Find(messageID)
		if entry == nil {
			break
		}

		if entry.timeLastSent+ResendRate <= c.time && availableBits >= entry.measuredBits {
			messageIDs = append(messageIDs, messageID)
			entry.timeLastSent = c.time
			availableBits -= entry.measuredBits
		}

		if len(messageIDs) == packet.MaxMessagesPerPacket {
			break
		}
	}

	return
}

// addSentPacketEntry records which message ids travelled in the packet with
// the given sequence number, for resolution when the packet is acked.
func (c *Channel) addSentPacketEntry(messageIDs []uint16, seq uint16) {
	entry := c.sentPackets.Insert(seq)
	if entry == nil {
		return
	}

	slot := c.sentPackets.Index(seq)
	ids := c.sentPacketMessageIDs[slot*packet.MaxMessagesPerPacket:]
	ids = ids[:len(messageIDs)]
	copy(ids, messageIDs)

	entry.timeSent = c.time
	entry.messageIDs = ids
	entry.acked = false
}

// processPacketMessages files a packet's messages into the receive window.
// Messages before the window were delivered already and are skipped;
// duplicates within the window are skipped; a message beyond the window
// fails the whole packet with ErrEarlyMessage.
func (c *Channel) processPacketMessages(p *packet.ConnectionPacket) error {
	earlyMessage := false

	minMessageID := c.receiveMessageID
	maxMessageID := c.receiveMessageID + ReceiveQueueSize - 1

	for _, msg := range p.Messages {
		messageID := msg.ID()

		if sequence.Less(messageID, minMessageID) {
			continue
		}

		if sequence.Greater(messageID, maxMessageID) {
			earlyMessage = true
			continue
		}

		if c.receiveQueue.Exists(messageID) {
			continue
		}

		entry := c.receiveQueue.Insert(messageID)
		entry.message = msg
	}

	if earlyMessage {
		return ErrEarlyMessage
	}

	return nil
}

// packetAcked resolves an acknowledged packet sequence number back to its
// message ids, retiring them from the send queue.
func (c *Channel) packetAcked(seq uint16) {
	entry := c.sentPackets.Find(seq)
	if entry == nil || entry.acked {
		return
	}
	entry.acked = true

	for _, messageID := range entry.messageIDs {
		if c.sendQueue.Exists(messageID) {
			c.sendQueue.Remove(messageID)
		}
	}

	c.updateOldestUnackedMessageID()
}

// updateOldestUnackedMessageID advances the oldest unacked id over the
// contiguous acked prefix, stopping at the first gap or the send head.
func (c *Channel) updateOldestUnackedMessageID() {
	stopMessageID := c.sendQueue.Sequence()

	for c.oldestUnackedMessageID != stopMessageID {
		if c.sendQueue.Exists(c.oldestUnackedMessageID) {
			break
		}

		c.oldestUnackedMessageID++
	}
}
