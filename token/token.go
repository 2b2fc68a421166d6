// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package token implements matchmaker-issued connect tokens. A token
// authorizes one client to connect to a fixed set of servers before a short
// expiry and transports the per-direction session keys. Tokens are sealed
// with XChaCha20-Poly1305 under a key shared between matchmaker and server
// operator; clients can neither read nor forge them.
package token

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ratchet-net/ratchet-go/wire"
)

const (
	// TokenBytes is the fixed size of a serialized, unencrypted token.
	TokenBytes = 1024

	// KeyBytes is the size of all keys: token sealing and session keys.
	KeyBytes = chacha20poly1305.KeySize

	// NonceBytes is the size of an XChaCha20-Poly1305 nonce.
	NonceBytes = chacha20poly1305.NonceSizeX

	// AuthBytes is the size of the authentication tag.
	AuthBytes = chacha20poly1305.Overhead

	// EncryptedTokenBytes is the size of a sealed token.
	EncryptedTokenBytes = TokenBytes + AuthBytes

	// MaxServersPerToken bounds the server address list of a token.
	MaxServersPerToken = 8

	// ExpirySeconds is the lifetime of a freshly minted token.
	ExpirySeconds = 10
)

var (
	// ErrSealedLength is returned for a sealed token of the wrong length.
	ErrSealedLength = errors.New("token: sealed token has wrong length")

	// ErrOpenFailed is returned when decryption or authentication fails.
	ErrOpenFailed = errors.New("token: decryption failed")

	// ErrExpired is returned for a token past its expiry timestamp.
	ErrExpired = errors.New("token: expired")

	// ErrWrongProtocol is returned for a token of a foreign protocol id.
	ErrWrongProtocol = errors.New("token: wrong protocol id")

	// ErrWrongServer is returned when the validating server's address is not
	// in the token's server list.
	ErrWrongServer = errors.New("token: server address not listed")
)

// Token authorizes a client against a set of servers. ClientID is the
// client's matchmaker-assigned identity; the two keys secure the two packet
// directions of the resulting connection.
type Token struct {
	ProtocolID        uint32
	ClientID          uint64
	ExpiryTimestamp   uint64
	ServerAddresses   []wire.Address
	ClientToServerKey [KeyBytes]byte
	ServerToClientKey [KeyBytes]byte
}

// Generate mints a Token for clientID, valid for the given servers from now,
// a Unix timestamp, until now+ExpirySeconds. Fresh random session keys are
// drawn from the system's entropy source.
func Generate(protocolID uint32, clientID uint64, servers []wire.Address, now uint64) (t Token, err error) {
	if len(servers) == 0 || len(servers) > MaxServersPerToken {
		err = fmt.Errorf("token: %d server addresses, must be 1 to %d",
			len(servers), MaxServersPerToken)
		return
	}

	t = Token{
		ProtocolID:      protocolID,
		ClientID:        clientID,
		ExpiryTimestamp: now + ExpirySeconds,
		ServerAddresses: servers,
	}

	if err = RandomBytes(t.ClientToServerKey[:]); err != nil {
		return
	}
	err = RandomBytes(t.ServerToClientKey[:])

	return
}

// Serialize passes the Token through a wire.Stream.
func (t *Token) Serialize(s wire.Stream) error {
	if err := s.SerializeUint32(&t.ProtocolID); err != nil {
		return err
	}
	if err := s.SerializeUint64(&t.ClientID); err != nil {
		return err
	}
	if err := s.SerializeUint64(&t.ExpiryTimestamp); err != nil {
		return err
	}

	numServers := len(t.ServerAddresses)
	if err := s.SerializeInt(&numServers, 1, MaxServersPerToken); err != nil {
		return err
	}

	if s.IsReading() {
		t.ServerAddresses = make([]wire.Address, numServers)
	}

	for i := range t.ServerAddresses {
		if err := t.ServerAddresses[i].Serialize(s); err != nil {
			return err
		}
	}

	if err := s.SerializeBytes(t.ClientToServerKey[:]); err != nil {
		return err
	}

	return s.SerializeBytes(t.ServerToClientKey[:])
}

// Validate checks this Token against a server's protocol id and address at
// the given Unix timestamp. All failed checks are reported together.
func (t *Token) Validate(protocolID uint32, serverAddr wire.Address, now uint64) error {
	var errs *multierror.Error

	if t.ProtocolID != protocolID {
		errs = multierror.Append(errs, ErrWrongProtocol)
	}

	if t.ExpiryTimestamp <= now {
		errs = multierror.Append(errs, ErrExpired)
	}

	listed := false
	for _, addr := range t.ServerAddresses {
		if addr.Equal(serverAddr) {
			listed = true
			break
		}
	}
	if !listed {
		errs = multierror.Append(errs, ErrWrongServer)
	}

	return errs.ErrorOrNil()
}

// Equal compares two Tokens, ignoring the session keys.
func (t Token) Equal(other Token) bool {
	if t.ProtocolID != other.ProtocolID || t.ClientID != other.ClientID ||
		t.ExpiryTimestamp != other.ExpiryTimestamp ||
		len(t.ServerAddresses) != len(other.ServerAddresses) {
		return false
	}

	for i, addr := range t.ServerAddresses {
		if !addr.Equal(other.ServerAddresses[i]) {
			return false
		}
	}

	return true
}

// Aad is the additional authenticated data binding a sealed token to its
// protocol id and expiry timestamp.
func Aad(protocolID uint32, expiryTimestamp uint64) []byte {
	aad := make([]byte, 12)
	binary.BigEndian.PutUint32(aad, protocolID)
	binary.BigEndian.PutUint64(aad[4:], expiryTimestamp)

	return aad
}

// Seal serializes this Token into its fixed-size buffer and encrypts it with
// the matchmaker's key. The nonce must never repeat under the same key; the
// matchmaker uses a monotonic counter, see NonceFromCounter.
func (t *Token) Seal(nonce *[NonceBytes]byte, key []byte) ([]byte, error) {
	ws := wire.NewWriteStream(TokenBytes)
	if err := t.Serialize(ws); err != nil {
		return nil, err
	}
	if err := ws.Flush(); err != nil {
		return nil, err
	}

	// Fixed-size plaintext: the serialization is zero-padded to TokenBytes
	// so every sealed token is indistinguishable in length.
	plaintext := make([]byte, TokenBytes)
	copy(plaintext, ws.Bytes())

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	aad := Aad(t.ProtocolID, t.ExpiryTimestamp)

	return aead.Seal(nil, nonce[:], plaintext, aad), nil
}

// Open decrypts and parses a sealed Token. The expected protocol id and
// expiry are authenticated through the additional data; any mismatch or
// bit flip fails with ErrOpenFailed.
func Open(sealed []byte, nonce *[NonceBytes]byte, key []byte, protocolID uint32, expiryTimestamp uint64) (*Token, error) {
	if len(sealed) != EncryptedTokenBytes {
		return nil, ErrSealedLength
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}

	aad := Aad(protocolID, expiryTimestamp)

	plaintext, err := aead.Open(nil, nonce[:], sealed, aad)
	if err != nil {
		return nil, ErrOpenFailed
	}

	var t Token
	rs := wire.NewReadStream(plaintext)
	if err := t.Serialize(rs); err != nil {
		return nil, err
	}

	return &t, nil
}
