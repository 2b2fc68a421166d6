// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package message

import (
	"github.com/ratchet-net/ratchet-go/wire"
)

// MaxTextLength bounds the payload of a TextMessage.
const MaxTextLength = 255

// Message type tags of the built-in factory.
const (
	TypeText = iota
	numBuiltinTypes
)

// TextMessage is a minimal built-in message carrying a short string. The CLI
// drivers exchange TextMessages; applications register their own types.
type TextMessage struct {
	Base

	Text string
}

// NewTextMessage creates a TextMessage with the given payload.
func NewTextMessage(text string) *TextMessage {
	return &TextMessage{Base: NewBase(TypeText), Text: text}
}

func (tm *TextMessage) Serialize(s wire.Stream) error {
	return s.SerializeString(&tm.Text, MaxTextLength)
}

// BuiltinFactory creates the built-in message types.
type BuiltinFactory struct{}

func (BuiltinFactory) Create(msgType int) Message {
	switch msgType {
	case TypeText:
		return &TextMessage{Base: NewBase(TypeText)}

	default:
		return nil
	}
}

func (BuiltinFactory) NumTypes() int {
	return numBuiltinTypes
}
