// SPDX-FileCopyrightText: 2021, 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"testing"

	"github.com/ratchet-net/ratchet-go/message"
)

func testContext() *Context {
	return &Context{MessageFactory: message.BuiltinFactory{}}
}

func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()

	body, err := Write(p, ClientServerFactory{}, testContext(), 4096)
	if err != nil {
		t.Fatalf("Writing %T failed: %v", p, err)
	}

	parsed, err := Read(body, ClientServerFactory{}, testContext())
	if err != nil {
		t.Fatalf("Reading %T failed: %v", p, err)
	}

	if parsed.Type() != p.Type() {
		t.Fatalf("Type changed: %d became %d", p.Type(), parsed.Type())
	}

	return parsed
}

func TestHandshakePacketsRoundTrip(t *testing.T) {
	request := roundTrip(t, &ConnectionRequestPacket{ClientSalt: 0xBADC0FFEE}).(*ConnectionRequestPacket)
	if request.ClientSalt != 0xBADC0FFEE || request.HasToken {
		t.Fatalf("Request changed: %+v", request)
	}

	tokenRequest := &ConnectionRequestPacket{HasToken: true, TokenExpiry: 1010}
	tokenRequest.TokenData[0] = 0x23
	tokenRequest.TokenNonce[23] = 0x42

	parsedTokenRequest := roundTrip(t, tokenRequest).(*ConnectionRequestPacket)
	if !parsedTokenRequest.HasToken || parsedTokenRequest.TokenExpiry != 1010 ||
		parsedTokenRequest.TokenData != tokenRequest.TokenData ||
		parsedTokenRequest.TokenNonce != tokenRequest.TokenNonce {
		t.Fatal("Token request changed")
	}

	denied := roundTrip(t, &ConnectionDeniedPacket{Reason: DeniedAlreadyConnected}).(*ConnectionDeniedPacket)
	if denied.Reason != DeniedAlreadyConnected {
		t.Fatalf("Reason changed: %v", denied.Reason)
	}

	challenge := roundTrip(t, &ConnectionChallengePacket{ChallengeSalt: 23}).(*ConnectionChallengePacket)
	if challenge.ChallengeSalt != 23 {
		t.Fatalf("Challenge salt changed: %d", challenge.ChallengeSalt)
	}

	response := roundTrip(t, &ConnectionResponsePacket{ChallengeSalt: 42}).(*ConnectionResponsePacket)
	if response.ChallengeSalt != 42 {
		t.Fatalf("Response salt changed: %d", response.ChallengeSalt)
	}

	roundTrip(t, &KeepAlivePacket{})
	roundTrip(t, &DisconnectPacket{})
}

func TestConnectionPacketRoundTrip(t *testing.T) {
	for _, numMessages := range []int{0, 1, 3, MaxMessagesPerPacket} {
		in := &ConnectionPacket{Sequence: 1000, Ack: 999, AckBits: 0xF00F}

		for i := 0; i < numMessages; i++ {
			msg := message.NewTextMessage("hello")
			msg.SetID(uint16(2000 + i))
			in.Messages = append(in.Messages, msg)
		}

		out := roundTrip(t, in).(*ConnectionPacket)

		if out.Sequence != in.Sequence || out.Ack != in.Ack || out.AckBits != in.AckBits {
			t.Fatalf("Header changed: %+v", out)
		}
		if len(out.Messages) != numMessages {
			t.Fatalf("Carried %d messages != %d", len(out.Messages), numMessages)
		}

		for i, msg := range out.Messages {
			text, ok := msg.(*message.TextMessage)
			if !ok {
				t.Fatalf("Message %d has type %T", i, msg)
			}
			if msg.ID() != uint16(2000+i) || text.Text != "hello" {
				t.Fatalf("Message %d changed: id %d, %q", i, msg.ID(), text.Text)
			}
		}
	}
}

func TestReadTruncated(t *testing.T) {
	in := &ConnectionPacket{Sequence: 7}
	in.Messages = append(in.Messages, message.NewTextMessage("truncate me"))

	body, err := Write(in, ClientServerFactory{}, testContext(), 4096)
	if err != nil {
		t.Fatalf("Writing failed: %v", err)
	}

	for _, size := range []int{0, 1, len(body) / 2, len(body) - 1} {
		if _, err := Read(body[:size], ClientServerFactory{}, testContext()); err == nil {
			t.Fatalf("Reading %d of %d bytes succeeded", size, len(body))
		}
	}
}

func TestReadWithoutContext(t *testing.T) {
	body, err := Write(&ConnectionPacket{}, ClientServerFactory{}, testContext(), 4096)
	if err != nil {
		t.Fatalf("Writing failed: %v", err)
	}

	if _, err := Read(body, ClientServerFactory{}, nil); err == nil {
		t.Fatal("Reading without a message factory succeeded")
	}
}

func TestChecksumDetectsProtocolMismatch(t *testing.T) {
	body := []byte{0x23, 0x42, 0x13, 0x37}

	if Checksum(1, body) == Checksum(2, body) {
		t.Fatal("Checksums collide across protocol ids")
	}
}
