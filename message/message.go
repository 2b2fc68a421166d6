// SPDX-FileCopyrightText: 2021, 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package message defines the application message contract for the reliable
// message channel. A Message is a small, typed unit of data which fits into a
// single packet; the channel assigns ids and guarantees ordered,
// duplicate-free delivery.
package message

import (
	"github.com/ratchet-net/ratchet-go/wire"
)

// Message is one application message. Concrete message types embed Base and
// add their payload fields plus a Serialize implementation.
type Message interface {
	// Type is the registered type tag of this Message.
	Type() int

	// ID is the channel-assigned message id.
	ID() uint16

	// SetID assigns the message id. Called once by the sending channel.
	SetID(id uint16)

	// Serialize passes the payload through a wire.Stream.
	Serialize(s wire.Stream) error
}

// Factory creates Messages from their type tags, e.g. when parsing a packet.
type Factory interface {
	// Create returns a fresh Message of the given type, or nil for an
	// unknown type tag.
	Create(msgType int) Message

	// NumTypes is the number of registered message types. Valid type tags
	// are 0 to NumTypes-1.
	NumTypes() int
}

// Base carries the type tag and id common to all Messages. Embed it in
// concrete message types.
type Base struct {
	msgType int
	id      uint16
}

// NewBase creates a Base for the given registered type tag.
func NewBase(msgType int) Base {
	return Base{msgType: msgType}
}

func (b *Base) Type() int       { return b.msgType }
func (b *Base) ID() uint16      { return b.id }
func (b *Base) SetID(id uint16) { b.id = id }
