// SPDX-FileCopyrightText: 2021, 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package endpoint

import (
	log "github.com/sirupsen/logrus"

	"github.com/ratchet-net/ratchet-go/message"
	"github.com/ratchet-net/ratchet-go/packet"
	"github.com/ratchet-net/ratchet-go/reliable"
	"github.com/ratchet-net/ratchet-go/token"
	"github.com/ratchet-net/ratchet-go/transport"
	"github.com/ratchet-net/ratchet-go/wire"
)

// Client is the connecting end of the protocol. Connect or ConnectWithToken
// starts a handshake towards one server; afterwards the owner ticks the
// Client with SendPackets, ReceivePackets and CheckForTimeout. Packets from
// any address but the server's are ignored without comment.
type Client struct {
	transport      transport.Interface
	messageFactory message.Factory

	state         ClientState
	serverAddress wire.Address

	clientSalt    uint64
	challengeSalt uint64

	connectToken *token.Token
	sealedToken  []byte
	tokenNonce   [token.NonceBytes]byte

	lastPacketSendTime    float64
	lastPacketReceiveTime float64

	channel  *reliable.Channel
	ackDirty bool
}

// NewClient creates a disconnected Client on the given transport.
func NewClient(trans transport.Interface, messageFactory message.Factory) *Client {
	trans.SetContext(&packet.Context{MessageFactory: messageFactory})

	c := &Client{
		transport:      trans,
		messageFactory: messageFactory,
		channel:        reliable.NewChannel(messageFactory),
	}
	c.resetConnectionData()

	return c
}

func (c *Client) logger() *log.Entry {
	return log.WithFields(log.Fields{
		"client": c.serverAddress,
		"state":  c.state,
	})
}

// State returns the current ClientState.
func (c *Client) State() ClientState {
	return c.state
}

// IsConnecting checks if a handshake is in flight.
func (c *Client) IsConnecting() bool {
	return c.state == StateSendingConnectionRequest ||
		c.state == StateSendingChallengeResponse
}

// IsConnected checks for an established connection.
func (c *Client) IsConnected() bool {
	return c.state == StateConnected
}

// ConnectionFailed checks if the Client sits in a terminal failure state.
func (c *Client) ConnectionFailed() bool {
	return c.state > StateConnected
}

// Error returns the reliable channel's sticky error, if any.
func (c *Client) Error() error {
	return c.channel.Error()
}

// Connect starts an insecure handshake towards a server, identifying this
// Client with a fresh random salt. Any previous connection is dropped.
func (c *Client) Connect(serverAddress wire.Address, now float64) error {
	c.Disconnect(now)

	salt, err := token.GenerateSalt()
	if err != nil {
		return err
	}

	c.clientSalt = salt
	c.beginConnect(serverAddress, now)

	return nil
}

// ConnectWithToken starts a secure handshake, presenting a sealed connect
// token obtained from the matchmaker. The token's session keys are installed
// on the transport, all packets past the request travel sealed.
func (c *Client) ConnectWithToken(serverAddress wire.Address, tok *token.Token, sealed []byte, nonce [token.NonceBytes]byte, now float64) error {
	if len(sealed) != token.EncryptedTokenBytes {
		return token.ErrSealedLength
	}

	c.Disconnect(now)

	c.connectToken = tok
	c.sealedToken = sealed
	c.tokenNonce = nonce

	c.transport.EnableEncryption()
	c.transport.AddEncryptionMapping(serverAddress,
		tok.ClientToServerKey[:], tok.ServerToClientKey[:])

	c.beginConnect(serverAddress, now)

	return nil
}

func (c *Client) beginConnect(serverAddress wire.Address, now float64) {
	c.serverAddress = serverAddress
	c.state = StateSendingConnectionRequest

	// One second in the past, the first request leaves on the next tick.
	c.lastPacketSendTime = now - 1.0
	c.lastPacketReceiveTime = now

	c.logger().Info("Connecting")
}

// Disconnect tears the connection down, sending a courtesy disconnect packet
// when connected. It is idempotent.
func (c *Client) Disconnect(now float64) {
	if c.state == StateConnected {
		c.logger().Info("Disconnecting")
		c.sendToServer(&packet.DisconnectPacket{}, now)
	}

	if c.connectToken != nil {
		c.transport.RemoveEncryptionMapping(c.serverAddress)
	}

	c.resetConnectionData()
}

func (c *Client) resetConnectionData() {
	c.serverAddress = wire.Address{}
	c.state = StateDisconnected
	c.clientSalt = 0
	c.challengeSalt = 0
	c.connectToken = nil
	c.sealedToken = nil
	c.lastPacketSendTime = neverTime
	c.lastPacketReceiveTime = neverTime
	c.ackDirty = false
	c.channel.Reset()
}

// CanSendMessage checks if the reliable send queue accepts another message.
func (c *Client) CanSendMessage() bool {
	return c.channel.CanSend()
}

// SendMessage queues a message for reliable-ordered delivery to the server.
func (c *Client) SendMessage(msg message.Message) error {
	return c.channel.Send(msg)
}

// ReceiveMessage returns the next reliable message from the server, in
// order, or nil.
func (c *Client) ReceiveMessage() message.Message {
	return c.channel.Receive()
}

// SendPackets emits the packets the current state owes: handshake resends,
// Connection packets carrying messages and acks, and keep-alives.
func (c *Client) SendPackets(now float64) {
	c.channel.AdvanceTime(now)

	switch c.state {
	case StateSendingConnectionRequest:
		if c.lastPacketSendTime+ConnectionRequestSendRate > now {
			return
		}

		c.logger().Debug("Sending connection request")

		request := &packet.ConnectionRequestPacket{ClientSalt: c.clientSalt}
		if c.connectToken != nil {
			request.HasToken = true
			request.TokenExpiry = c.connectToken.ExpiryTimestamp
			request.TokenNonce = c.tokenNonce
			copy(request.TokenData[:], c.sealedToken)
		}

		c.sendToServer(request, now)

	case StateSendingChallengeResponse:
		if c.lastPacketSendTime+ConnectionResponseSendRate > now {
			return
		}

		c.logger().Debug("Sending challenge response")
		c.sendToServer(&packet.ConnectionResponsePacket{ChallengeSalt: c.challengeSalt}, now)

	case StateConnected:
		if c.channel.Error() == nil && (c.channel.HasUnackedMessages() || c.ackDirty) {
			c.ackDirty = false
			c.sendToServer(c.channel.WritePacket(), now)
			return
		}

		if c.lastPacketSendTime+KeepAliveSendRate > now {
			return
		}

		c.sendToServer(&packet.KeepAlivePacket{}, now)
	}
}

// ReceivePackets processes every pending inbound packet.
func (c *Client) ReceivePackets(now float64) {
	for {
		p, from, ok := c.transport.ReceivePacket()
		if !ok {
			break
		}

		if !from.Equal(c.serverAddress) {
			continue
		}

		switch p := p.(type) {
		case *packet.ConnectionDeniedPacket:
			c.processConnectionDenied(p, now)

		case *packet.ConnectionChallengePacket:
			c.processConnectionChallenge(p, now)

		case *packet.KeepAlivePacket:
			c.processKeepAlive(now)

		case *packet.DisconnectPacket:
			c.processDisconnect(now)

		case *packet.ConnectionPacket:
			c.processConnection(p, now)
		}
	}
}

// CheckForTimeout fails the pending state when the server went silent for
// its timeout. A connected client sends a courtesy disconnect first.
func (c *Client) CheckForTimeout(now float64) {
	switch c.state {
	case StateSendingConnectionRequest:
		if c.lastPacketReceiveTime+ConnectionRequestTimeout < now {
			c.logger().Warn("Connection request timed out")
			c.state = StateConnectionRequestTimedOut
		}

	case StateSendingChallengeResponse:
		if c.lastPacketReceiveTime+ChallengeResponseTimeout < now {
			c.logger().Warn("Challenge response timed out")
			c.state = StateChallengeResponseTimedOut
		}

	case StateConnected:
		if c.lastPacketReceiveTime+KeepAliveTimeout < now {
			c.logger().Warn("Connection timed out")
			c.Disconnect(now)
			c.state = StateKeepAliveTimedOut
		}
	}
}

func (c *Client) sendToServer(p packet.Packet, now float64) {
	c.transport.SendPacket(c.serverAddress, p)
	c.lastPacketSendTime = now
}

func (c *Client) processConnectionDenied(p *packet.ConnectionDeniedPacket, now float64) {
	if c.state != StateSendingConnectionRequest {
		return
	}

	c.logger().WithFields(log.Fields{
		"reason": p.Reason,
	}).Warn("Connection denied")

	switch p.Reason {
	case packet.DeniedServerFull:
		c.state = StateConnectionDeniedFull
	case packet.DeniedAlreadyConnected:
		c.state = StateConnectionDeniedAlreadyConnected
	}
}

func (c *Client) processConnectionChallenge(p *packet.ConnectionChallengePacket, now float64) {
	if c.state != StateSendingConnectionRequest {
		return
	}

	c.challengeSalt = p.ChallengeSalt
	c.state = StateSendingChallengeResponse
	c.lastPacketReceiveTime = now

	c.logger().Debug("Received connection challenge")
}

func (c *Client) processKeepAlive(now float64) {
	if c.state < StateSendingChallengeResponse || c.state > StateConnected {
		return
	}

	if c.state == StateSendingChallengeResponse {
		c.state = StateConnected
		c.logger().Info("Connected")
	}

	c.lastPacketReceiveTime = now
}

func (c *Client) processDisconnect(now float64) {
	if c.state != StateConnected {
		return
	}

	c.logger().Info("Server disconnected us")
	c.Disconnect(now)
}

func (c *Client) processConnection(p *packet.ConnectionPacket, now float64) {
	if c.state != StateConnected {
		return
	}

	if err := c.channel.ReadPacket(p); err != nil {
		c.logger().WithError(err).Debug("Dropped connection packet")
		return
	}

	c.ackDirty = true
	c.lastPacketReceiveTime = now
}
