// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// ratchet-matchmaker is the trusted token issuer of the secure variant. It
// shares a private key with the server operators and hands out short-lived,
// sealed connect tokens over HTTP. Clients call POST /v1/token/{server} and
// receive the sealed token plus their session keys.
package main

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/ratchet-net/ratchet-go/token"
	"github.com/ratchet-net/ratchet-go/wire"
)

// tomlConfig describes the TOML-configuration.
type tomlConfig struct {
	Matchmaker matchmakerConf
}

// matchmakerConf describes the matchmaker block.
type matchmakerConf struct {
	Listen     string
	ProtocolID uint32 `toml:"protocol-id"`
	PrivateKey string `toml:"private-key"`
	Servers    []string
}

// matchmaker mints connect tokens for its known servers.
type matchmaker struct {
	protocolID uint32
	privateKey []byte
	servers    []wire.Address

	clientCounter uint64
	nonceCounter  uint64
}

// tokenResponse is the JSON answer of the token endpoint.
type tokenResponse struct {
	ClientID          uint64   `json:"client_id"`
	ExpiryTimestamp   uint64   `json:"expiry_timestamp"`
	ServerAddresses   []string `json:"server_addresses"`
	Token             string   `json:"token"`
	Nonce             string   `json:"nonce"`
	ClientToServerKey string   `json:"client_to_server_key"`
	ServerToClientKey string   `json:"server_to_client_key"`
}

func (mm *matchmaker) knowsServer(addr wire.Address) bool {
	for _, server := range mm.servers {
		if server.Equal(addr) {
			return true
		}
	}

	return false
}

// handleToken mints one token bound to the requested server.
func (mm *matchmaker) handleToken(w http.ResponseWriter, r *http.Request) {
	serverAddr, err := wire.ParseAddress(mux.Vars(r)["server"])
	if err != nil {
		http.Error(w, "unparseable server address", http.StatusBadRequest)
		return
	}

	if !mm.knowsServer(serverAddr) {
		http.Error(w, "unknown server", http.StatusNotFound)
		return
	}

	clientID := atomic.AddUint64(&mm.clientCounter, 1)

	tok, err := token.Generate(mm.protocolID, clientID,
		[]wire.Address{serverAddr}, uint64(time.Now().Unix()))
	if err != nil {
		http.Error(w, "token generation failed", http.StatusInternalServerError)
		return
	}

	nonce := token.NonceFromCounter(atomic.AddUint64(&mm.nonceCounter, 1))

	sealed, err := tok.Seal(&nonce, mm.privateKey)
	if err != nil {
		http.Error(w, "token sealing failed", http.StatusInternalServerError)
		return
	}

	log.WithFields(log.Fields{
		"client": clientID,
		"server": serverAddr,
		"expiry": tok.ExpiryTimestamp,
	}).Info("Issued connect token")

	resp := tokenResponse{
		ClientID:          tok.ClientID,
		ExpiryTimestamp:   tok.ExpiryTimestamp,
		ServerAddresses:   []string{serverAddr.String()},
		Token:             base64.StdEncoding.EncodeToString(sealed),
		Nonce:             base64.StdEncoding.EncodeToString(nonce[:]),
		ClientToServerKey: base64.StdEncoding.EncodeToString(tok.ClientToServerKey[:]),
		ServerToClientKey: base64.StdEncoding.EncodeToString(tok.ServerToClientKey[:]),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.WithError(err).Warn("Writing token response failed")
	}
}

func main() {
	if len(os.Args) != 2 {
		log.Fatalf("Usage: %s configuration.toml", os.Args[0])
	}

	var conf tomlConfig
	if _, err := toml.DecodeFile(os.Args[1], &conf); err != nil {
		log.WithError(err).Fatal("Failed to parse config")
	}

	key, err := hex.DecodeString(conf.Matchmaker.PrivateKey)
	if err != nil || len(key) != token.KeyBytes {
		log.Fatal("matchmaker.private-key must be a hex key of 32 bytes")
	}

	mm := &matchmaker{
		protocolID: conf.Matchmaker.ProtocolID,
		privateKey: key,
		// Nonces must never repeat under one key; starting at the wall
		// clock survives restarts as long as issuing stays below 1/ns.
		nonceCounter: uint64(time.Now().UnixNano()),
	}

	for _, serverStr := range conf.Matchmaker.Servers {
		addr, err := wire.ParseAddress(serverStr)
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"server": serverStr,
			}).Fatal("Unparseable server address")
		}

		mm.servers = append(mm.servers, addr)
	}

	router := mux.NewRouter()
	router.HandleFunc("/v1/token/{server}", mm.handleToken).Methods(http.MethodPost)

	log.WithFields(log.Fields{
		"listen":  conf.Matchmaker.Listen,
		"servers": len(mm.servers),
	}).Info("Matchmaker listening")

	log.Fatal(http.ListenAndServe(conf.Matchmaker.Listen, router))
}
