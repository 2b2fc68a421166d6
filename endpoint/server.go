// SPDX-FileCopyrightText: 2021, 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package endpoint

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/ratchet-net/ratchet-go/message"
	"github.com/ratchet-net/ratchet-go/packet"
	"github.com/ratchet-net/ratchet-go/reliable"
	"github.com/ratchet-net/ratchet-go/token"
	"github.com/ratchet-net/ratchet-go/transport"
	"github.com/ratchet-net/ratchet-go/wire"
)

// clientData is the per-slot state of a connected client.
type clientData struct {
	clientID              uint64
	address               wire.Address
	connectTime           float64
	lastPacketSendTime    float64
	lastPacketReceiveTime float64
}

// Server is the accepting end of the protocol. It holds a fixed number of
// client slots, a challenge table for handshakes in flight and one reliable
// message channel per connected client. A secure Server additionally opens
// matchmaker-issued connect tokens and seals all post-handshake traffic.
type Server struct {
	transport      transport.Interface
	messageFactory message.Factory
	protocolID     uint32

	// Secure mode. privateKey is the token key shared with the matchmaker;
	// a nil key runs the insecure salt-based handshake.
	privateKey    []byte
	serverAddress wire.Address
	replay        *token.ReplayGuard
	unixNow       func() uint64

	numConnectedClients int
	clientConnected     [MaxClients]bool
	clientData          [MaxClients]clientData
	clientChannel       [MaxClients]*reliable.Channel
	clientAckDirty      [MaxClients]bool

	challenges *challengeHash
}

// NewServer creates an insecure Server: clients identify themselves with
// self-chosen salts and traffic is not encrypted.
func NewServer(trans transport.Interface, messageFactory message.Factory, protocolID uint32) (*Server, error) {
	seed, err := token.GenerateSalt()
	if err != nil {
		return nil, err
	}

	trans.SetContext(&packet.Context{MessageFactory: messageFactory})

	s := &Server{
		transport:      trans,
		messageFactory: messageFactory,
		protocolID:     protocolID,
		unixNow:        func() uint64 { return uint64(time.Now().Unix()) },
		challenges:     newChallengeHash(seed),
	}

	for i := range s.clientChannel {
		s.clientChannel[i] = reliable.NewChannel(messageFactory)
		s.resetClientState(i)
	}

	return s, nil
}

// NewSecureServer creates a Server accepting only clients presenting a
// connect token sealed with privateKey. serverAddress is the public address
// clients dial, it must appear in each token's server list.
func NewSecureServer(trans transport.Interface, messageFactory message.Factory, protocolID uint32, serverAddress wire.Address, privateKey []byte) (*Server, error) {
	if len(privateKey) != token.KeyBytes {
		return nil, fmt.Errorf("endpoint: private key has %d bytes, wants %d",
			len(privateKey), token.KeyBytes)
	}

	s, err := NewServer(trans, messageFactory, protocolID)
	if err != nil {
		return nil, err
	}

	s.privateKey = privateKey
	s.serverAddress = serverAddress
	s.replay = token.NewReplayGuard()

	trans.EnableEncryption()

	return s, nil
}

func (s *Server) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"server":  s.serverAddress,
		"clients": s.numConnectedClients,
	})
}

func (s *Server) secure() bool {
	return s.privateKey != nil
}

// NumConnectedClients is the number of occupied client slots.
func (s *Server) NumConnectedClients() int {
	return s.numConnectedClients
}

// IsClientConnected checks if a client slot is occupied.
func (s *Server) IsClientConnected(clientIndex int) bool {
	return s.clientConnected[clientIndex]
}

// ClientID is the identity of the client in the given slot: its matchmaker
// client id in the secure variant, its salt otherwise.
func (s *Server) ClientID(clientIndex int) uint64 {
	return s.clientData[clientIndex].clientID
}

// ClientAddress is the address of the client in the given slot.
func (s *Server) ClientAddress(clientIndex int) wire.Address {
	return s.clientData[clientIndex].address
}

// FindClientIndex resolves an address to its client slot, or -1.
func (s *Server) FindClientIndex(addr wire.Address) int {
	for i := 0; i < MaxClients; i++ {
		if s.clientConnected[i] && s.clientData[i].address.Equal(addr) {
			return i
		}
	}

	return -1
}

// CanSendMessage checks a slot's reliable send queue for room.
func (s *Server) CanSendMessage(clientIndex int) bool {
	return s.clientConnected[clientIndex] && s.clientChannel[clientIndex].CanSend()
}

// SendMessage queues a reliable message towards a connected client.
func (s *Server) SendMessage(clientIndex int, msg message.Message) error {
	if !s.clientConnected[clientIndex] {
		return fmt.Errorf("endpoint: client %d is not connected", clientIndex)
	}

	return s.clientChannel[clientIndex].Send(msg)
}

// ReceiveMessage returns the next reliable message from a client, or nil.
func (s *Server) ReceiveMessage(clientIndex int) message.Message {
	if !s.clientConnected[clientIndex] {
		return nil
	}

	return s.clientChannel[clientIndex].Receive()
}

// ClientError returns a slot's sticky channel error, if any.
func (s *Server) ClientError(clientIndex int) error {
	return s.clientChannel[clientIndex].Error()
}

// SendPackets emits Connection packets towards clients with pending
// messages or acknowledgements and keep-alives towards the idle rest.
func (s *Server) SendPackets(now float64) {
	for i := 0; i < MaxClients; i++ {
		if !s.clientConnected[i] {
			continue
		}

		ch := s.clientChannel[i]
		ch.AdvanceTime(now)

		if ch.Error() == nil && (ch.HasUnackedMessages() || s.clientAckDirty[i]) {
			s.clientAckDirty[i] = false
			s.sendToClient(i, ch.WritePacket(), now)
			continue
		}

		if s.clientData[i].lastPacketSendTime+KeepAliveSendRate > now {
			continue
		}

		s.sendToClient(i, &packet.KeepAlivePacket{}, now)
	}
}

// ReceivePackets processes every pending inbound packet.
func (s *Server) ReceivePackets(now float64) {
	for {
		p, from, ok := s.transport.ReceivePacket()
		if !ok {
			break
		}

		switch p := p.(type) {
		case *packet.ConnectionRequestPacket:
			s.processConnectionRequest(p, from, now)

		case *packet.ConnectionResponsePacket:
			s.processConnectionResponse(p, from, now)

		case *packet.KeepAlivePacket:
			s.processKeepAlive(from, now)

		case *packet.DisconnectPacket:
			s.processDisconnect(from, now)

		case *packet.ConnectionPacket:
			s.processConnection(p, from, now)
		}
	}
}

// CheckForTimeout disconnects clients which went silent.
func (s *Server) CheckForTimeout(now float64) {
	for i := 0; i < MaxClients; i++ {
		if !s.clientConnected[i] {
			continue
		}

		if s.clientData[i].lastPacketReceiveTime+KeepAliveTimeout < now {
			s.logger().WithFields(log.Fields{
				"index":   i,
				"address": s.clientData[i].address,
			}).Info("Client timed out")

			s.DisconnectClient(i, now)
		}
	}
}

// DisconnectClient frees a client slot, sending a courtesy disconnect. It is
// idempotent.
func (s *Server) DisconnectClient(clientIndex int, now float64) {
	if !s.clientConnected[clientIndex] {
		return
	}

	s.logger().WithFields(log.Fields{
		"index":   clientIndex,
		"address": s.clientData[clientIndex].address,
		"id":      fmt.Sprintf("%016x", s.clientData[clientIndex].clientID),
	}).Info("Client disconnected")

	s.sendToClient(clientIndex, &packet.DisconnectPacket{}, now)

	if s.secure() {
		s.transport.RemoveEncryptionMapping(s.clientData[clientIndex].address)
	}

	s.resetClientState(clientIndex)
	s.numConnectedClients--
}

func (s *Server) resetClientState(clientIndex int) {
	s.clientConnected[clientIndex] = false
	s.clientData[clientIndex] = clientData{
		lastPacketSendTime:    neverTime,
		lastPacketReceiveTime: neverTime,
	}
	s.clientAckDirty[clientIndex] = false
	s.clientChannel[clientIndex].Reset()
}

func (s *Server) findFreeClientIndex() int {
	for i := 0; i < MaxClients; i++ {
		if !s.clientConnected[i] {
			return i
		}
	}

	return -1
}

func (s *Server) sendToClient(clientIndex int, p packet.Packet, now float64) {
	s.clientData[clientIndex].lastPacketSendTime = now
	s.transport.SendPacket(s.clientData[clientIndex].address, p)
}

func (s *Server) connectClient(clientIndex int, entry *challengeEntry, now float64) {
	s.numConnectedClients++

	s.clientConnected[clientIndex] = true
	s.clientData[clientIndex] = clientData{
		clientID:              entry.clientID,
		address:               entry.address,
		connectTime:           now,
		lastPacketSendTime:    now,
		lastPacketReceiveTime: now,
	}
	s.clientChannel[clientIndex].Reset()
	s.clientAckDirty[clientIndex] = false

	// The handshake is complete, its challenge entry would only waste a
	// table slot. Request resends of a connected client are answered from
	// its slot, not from the table.
	s.challenges.remove(entry.address, entry.clientID)

	s.logger().WithFields(log.Fields{
		"index":   clientIndex,
		"address": entry.address,
		"id":      fmt.Sprintf("%016x", entry.clientID),
	}).Info("Client connected")

	s.sendToClient(clientIndex, &packet.KeepAlivePacket{}, now)
}

// processConnectionRequest runs the first handshake step: validate the
// claimed identity, file or refresh a challenge entry and answer with a
// challenge at a limited rate. Nothing here allocates a client slot, a
// spoofed address can only ever cost one challenge table entry.
func (s *Server) processConnectionRequest(p *packet.ConnectionRequestPacket, from wire.Address, now float64) {
	var clientID uint64
	var tok *token.Token

	if s.secure() {
		if !p.HasToken {
			s.logger().WithFields(log.Fields{
				"address": from,
			}).Debug("Dropped tokenless connection request")

			return
		}

		if p.TokenExpiry <= s.unixNow() {
			return
		}

		var err error
		tok, err = token.Open(p.TokenData[:], &p.TokenNonce, s.privateKey,
			s.protocolID, p.TokenExpiry)
		if err != nil {
			s.logger().WithError(err).WithFields(log.Fields{
				"address": from,
			}).Warn("Opening connect token failed")

			return
		}

		if err := tok.Validate(s.protocolID, s.serverAddress, s.unixNow()); err != nil {
			s.logger().WithError(err).WithFields(log.Fields{
				"address": from,
			}).Warn("Connect token is invalid")

			return
		}

		clientID = tok.ClientID

		// The token authorized this client, so its session keys may be
		// installed right away. Challenges and denials towards it travel
		// sealed from the first answer on.
		s.transport.AddEncryptionMapping(from,
			tok.ServerToClientKey[:], tok.ClientToServerKey[:])
	} else {
		if p.HasToken {
			return
		}

		clientID = p.ClientSalt
	}

	// A client which is already in can only be confirmed or, under a new
	// identity from the same address, rejected.
	if existing := s.FindClientIndex(from); existing != -1 {
		if s.clientData[existing].clientID == clientID {
			if s.clientData[existing].lastPacketSendTime+ConnectionConfirmSendRate < now {
				s.sendToClient(existing, &packet.KeepAlivePacket{}, now)
			}
		} else {
			s.transport.SendPacket(from, &packet.ConnectionDeniedPacket{
				Reason: packet.DeniedAlreadyConnected,
			})
		}

		return
	}

	if s.numConnectedClients == MaxClients {
		if entry := s.challenges.find(from, clientID, now); entry != nil {
			if entry.lastPacketSendTime+ChallengeSendRate < now {
				s.transport.SendPacket(from, &packet.ConnectionDeniedPacket{
					Reason: packet.DeniedServerFull,
				})
				entry.lastPacketSendTime = now
			}
		} else {
			s.transport.SendPacket(from, &packet.ConnectionDeniedPacket{
				Reason: packet.DeniedServerFull,
			})
		}

		return
	}

	// A connect token authorizes exactly one handshake. The check runs only
	// when no challenge entry exists yet, so the client's own request
	// resends do not trip it.
	if s.secure() && s.challenges.find(from, clientID, now) == nil {
		if !s.replay.Check(clientID, p.TokenExpiry, s.unixNow()) {
			s.logger().WithFields(log.Fields{
				"address": from,
				"id":      fmt.Sprintf("%016x", clientID),
			}).Warn("Dropped replayed connect token")

			return
		}
	}

	salt, err := token.GenerateSalt()
	if err != nil {
		return
	}

	entry, _ := s.challenges.findOrInsert(from, clientID, salt, now)
	if entry == nil {
		s.logger().WithFields(log.Fields{
			"address": from,
		}).Debug("Dropped connection request under challenge table pressure")

		return
	}

	if entry.lastPacketSendTime+ChallengeSendRate < now {
		s.logger().WithFields(log.Fields{
			"address": from,
			"id":      fmt.Sprintf("%016x", clientID),
		}).Debug("Sending connection challenge")

		s.transport.SendPacket(from, &packet.ConnectionChallengePacket{
			ChallengeSalt: entry.challengeSalt,
		})
		entry.lastPacketSendTime = now
	}
}

// processConnectionResponse runs the second handshake step: the echoed salt
// proves the client owns its claimed address, so a slot may be allocated.
func (s *Server) processConnectionResponse(p *packet.ConnectionResponsePacket, from wire.Address, now float64) {
	if existing := s.FindClientIndex(from); existing != -1 {
		if s.clientData[existing].lastPacketSendTime+ConnectionConfirmSendRate < now {
			s.sendToClient(existing, &packet.KeepAlivePacket{}, now)
		}

		return
	}

	entry := s.challenges.findByResponse(from, p.ChallengeSalt, now)
	if entry == nil {
		s.logger().WithFields(log.Fields{
			"address": from,
		}).Debug("Dropped unmatched challenge response")

		return
	}

	if s.numConnectedClients == MaxClients {
		if entry.lastPacketSendTime+ChallengeSendRate < now {
			s.transport.SendPacket(from, &packet.ConnectionDeniedPacket{
				Reason: packet.DeniedServerFull,
			})
			entry.lastPacketSendTime = now
		}

		return
	}

	clientIndex := s.findFreeClientIndex()
	if clientIndex == -1 {
		return
	}

	s.connectClient(clientIndex, entry, now)
}

func (s *Server) processKeepAlive(from wire.Address, now float64) {
	clientIndex := s.FindClientIndex(from)
	if clientIndex == -1 {
		return
	}

	s.clientData[clientIndex].lastPacketReceiveTime = now
}

func (s *Server) processDisconnect(from wire.Address, now float64) {
	clientIndex := s.FindClientIndex(from)
	if clientIndex == -1 {
		return
	}

	s.DisconnectClient(clientIndex, now)
}

func (s *Server) processConnection(p *packet.ConnectionPacket, from wire.Address, now float64) {
	clientIndex := s.FindClientIndex(from)
	if clientIndex == -1 {
		return
	}

	if err := s.clientChannel[clientIndex].ReadPacket(p); err != nil {
		s.logger().WithError(err).WithFields(log.Fields{
			"index": clientIndex,
		}).Debug("Dropped connection packet")

		return
	}

	s.clientAckDirty[clientIndex] = true
	s.clientData[clientIndex].lastPacketReceiveTime = now
}
