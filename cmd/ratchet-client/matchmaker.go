// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ratchet-net/ratchet-go/endpoint"
	"github.com/ratchet-net/ratchet-go/token"
	"github.com/ratchet-net/ratchet-go/wire"
)

// tokenResponse mirrors the matchmaker's token endpoint.
type tokenResponse struct {
	ClientID          uint64   `json:"client_id"`
	ExpiryTimestamp   uint64   `json:"expiry_timestamp"`
	ServerAddresses   []string `json:"server_addresses"`
	Token             string   `json:"token"`
	Nonce             string   `json:"nonce"`
	ClientToServerKey string   `json:"client_to_server_key"`
	ServerToClientKey string   `json:"server_to_client_key"`
}

// connectThroughMatchmaker requests a connect token for the given server and
// starts a secure handshake with it.
func connectThroughMatchmaker(client *endpoint.Client, baseURL string, serverAddr wire.Address) error {
	url := fmt.Sprintf("%s/v1/token/%s", baseURL, serverAddr)

	resp, err := http.Post(url, "application/json", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("matchmaker answered %s", resp.Status)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return err
	}

	sealed, err := base64.StdEncoding.DecodeString(tr.Token)
	if err != nil {
		return err
	}

	nonceBytes, err := base64.StdEncoding.DecodeString(tr.Nonce)
	if err != nil {
		return err
	}
	if len(nonceBytes) != token.NonceBytes {
		return fmt.Errorf("nonce has %d bytes, wants %d", len(nonceBytes), token.NonceBytes)
	}

	var nonce [token.NonceBytes]byte
	copy(nonce[:], nonceBytes)

	tok := &token.Token{
		ClientID:        tr.ClientID,
		ExpiryTimestamp: tr.ExpiryTimestamp,
	}

	for _, addrStr := range tr.ServerAddresses {
		addr, err := wire.ParseAddress(addrStr)
		if err != nil {
			return err
		}
		tok.ServerAddresses = append(tok.ServerAddresses, addr)
	}

	for i, keys := range []struct {
		encoded string
		target  []byte
	}{
		{tr.ClientToServerKey, tok.ClientToServerKey[:]},
		{tr.ServerToClientKey, tok.ServerToClientKey[:]},
	} {
		decoded, err := base64.StdEncoding.DecodeString(keys.encoded)
		if err != nil {
			return err
		}
		if len(decoded) != token.KeyBytes {
			return fmt.Errorf("key %d has %d bytes, wants %d", i, len(decoded), token.KeyBytes)
		}

		copy(keys.target, decoded)
	}

	return client.ConnectWithToken(serverAddr, tok, sealed, nonce, 0)
}
