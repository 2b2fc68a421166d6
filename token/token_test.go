// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package token

import (
	"errors"
	"testing"

	"github.com/ratchet-net/ratchet-go/wire"
)

const testProtocolID uint32 = 0x12341651

func generateTestToken(t *testing.T, now uint64) Token {
	servers := []wire.Address{
		wire.NewAddress("127.0.0.1", 50000),
		wire.NewAddress("::1", 50001),
	}

	tok, err := Generate(testProtocolID, 1231241, servers, now)
	if err != nil {
		t.Fatalf("Generating token failed: %v", err)
	}

	return tok
}

func TestTokenSerializeRoundTrip(t *testing.T) {
	tokIn := generateTestToken(t, 1000)

	ws := wire.NewWriteStream(TokenBytes)
	if err := tokIn.Serialize(ws); err != nil {
		t.Fatalf("Writing failed: %v", err)
	}
	if err := ws.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	var tokOut Token
	rs := wire.NewReadStream(ws.Bytes())
	if err := tokOut.Serialize(rs); err != nil {
		t.Fatalf("Reading failed: %v", err)
	}

	if !tokOut.Equal(tokIn) {
		t.Fatalf("Token changed: %v became %v", tokIn, tokOut)
	}
	if tokOut.ClientToServerKey != tokIn.ClientToServerKey ||
		tokOut.ServerToClientKey != tokIn.ServerToClientKey {
		t.Fatal("Session keys changed")
	}
}

func TestTokenSealOpen(t *testing.T) {
	tok := generateTestToken(t, 1000)

	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("Generating key failed: %v", err)
	}

	nonce := NonceFromCounter(23)

	sealed, err := tok.Seal(&nonce, key[:])
	if err != nil {
		t.Fatalf("Sealing failed: %v", err)
	}
	if len(sealed) != EncryptedTokenBytes {
		t.Fatalf("Sealed token is %d bytes != %d", len(sealed), EncryptedTokenBytes)
	}

	opened, err := Open(sealed, &nonce, key[:], testProtocolID, tok.ExpiryTimestamp)
	if err != nil {
		t.Fatalf("Opening failed: %v", err)
	}

	if !opened.Equal(tok) {
		t.Fatalf("Token changed: %v became %v", tok, *opened)
	}
}

func TestTokenSealTamper(t *testing.T) {
	tok := generateTestToken(t, 1000)

	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("Generating key failed: %v", err)
	}

	nonce := NonceFromCounter(42)

	sealed, err := tok.Seal(&nonce, key[:])
	if err != nil {
		t.Fatalf("Sealing failed: %v", err)
	}

	for _, index := range []int{0, TokenBytes / 2, len(sealed) - 1} {
		tampered := make([]byte, len(sealed))
		copy(tampered, sealed)
		tampered[index] ^= 0x01

		if _, err := Open(tampered, &nonce, key[:], testProtocolID, tok.ExpiryTimestamp); !errors.Is(err, ErrOpenFailed) {
			t.Fatalf("Opening with flipped byte %d succeeded", index)
		}
	}

	// A wrong expiry changes the additional data, which must also fail.
	if _, err := Open(sealed, &nonce, key[:], testProtocolID, tok.ExpiryTimestamp+1); !errors.Is(err, ErrOpenFailed) {
		t.Fatal("Opening with forged expiry succeeded")
	}
}

func TestTokenValidate(t *testing.T) {
	tok := generateTestToken(t, 1000)
	listed := tok.ServerAddresses[0]
	unlisted := wire.NewAddress("10.0.0.1", 50000)

	if err := tok.Validate(testProtocolID, listed, 1001); err != nil {
		t.Fatalf("Validation failed: %v", err)
	}

	if err := tok.Validate(testProtocolID+1, listed, 1001); !errors.Is(err, ErrWrongProtocol) {
		t.Fatalf("Expected ErrWrongProtocol, got %v", err)
	}

	if err := tok.Validate(testProtocolID, unlisted, 1001); !errors.Is(err, ErrWrongServer) {
		t.Fatalf("Expected ErrWrongServer, got %v", err)
	}

	if err := tok.Validate(testProtocolID, listed, tok.ExpiryTimestamp); !errors.Is(err, ErrExpired) {
		t.Fatalf("Expected ErrExpired, got %v", err)
	}

	// An expired token validated against the wrong server reports both.
	err := tok.Validate(testProtocolID, unlisted, tok.ExpiryTimestamp)
	if !errors.Is(err, ErrExpired) || !errors.Is(err, ErrWrongServer) {
		t.Fatalf("Expected both errors, got %v", err)
	}
}

func TestReplayGuard(t *testing.T) {
	rg := NewReplayGuard()

	if !rg.Check(23, 1010, 1000) {
		t.Fatal("First token was rejected")
	}
	if rg.Check(23, 1010, 1001) {
		t.Fatal("Replayed token was accepted")
	}

	// A fresh token for the same client, after the old one expired.
	if !rg.Check(23, 1030, 1020) {
		t.Fatal("Fresh token was rejected")
	}

	// Another client is unaffected.
	if !rg.Check(42, 1030, 1020) {
		t.Fatal("Unrelated client was rejected")
	}
}
