// SPDX-FileCopyrightText: 2021, 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package endpoint

import (
	"fmt"
	"testing"

	"github.com/ratchet-net/ratchet-go/message"
	"github.com/ratchet-net/ratchet-go/packet"
	"github.com/ratchet-net/ratchet-go/token"
	"github.com/ratchet-net/ratchet-go/transport"
	"github.com/ratchet-net/ratchet-go/wire"
)

const testProtocolID uint32 = 0x12341651

// testNet wires clients and one server over a simulated network and runs the
// canonical tick order.
type testNet struct {
	sim *transport.Simulator

	server   *Server
	serverIf *transport.SimulatorInterface

	clients   []*Client
	clientIfs []*transport.SimulatorInterface

	now float64
}

func newTestNet(t *testing.T, seed int64, secure bool, privateKey []byte) *testNet {
	t.Helper()

	sim := transport.NewSimulator(seed)

	serverAddr := wire.NewAddress("10.0.0.1", 50000)
	serverIf := sim.Endpoint(serverAddr, packet.ClientServerFactory{}, testProtocolID)

	var server *Server
	var err error
	if secure {
		server, err = NewSecureServer(serverIf, message.BuiltinFactory{}, testProtocolID, serverAddr, privateKey)
	} else {
		server, err = NewServer(serverIf, message.BuiltinFactory{}, testProtocolID)
	}
	if err != nil {
		t.Fatalf("Creating server failed: %v", err)
	}

	return &testNet{sim: sim, server: server, serverIf: serverIf}
}

func (tn *testNet) serverAddr() wire.Address {
	return wire.NewAddress("10.0.0.1", 50000)
}

func (tn *testNet) addClient(t *testing.T) *Client {
	t.Helper()

	addr := wire.NewAddress("10.0.1.1", 40000+uint16(len(tn.clients)))
	clientIf := tn.sim.Endpoint(addr, packet.ClientServerFactory{}, testProtocolID)

	client := NewClient(clientIf, message.BuiltinFactory{})
	tn.clients = append(tn.clients, client)
	tn.clientIfs = append(tn.clientIfs, clientIf)

	return client
}

func (tn *testNet) tick() {
	for _, c := range tn.clients {
		c.SendPackets(tn.now)
	}
	tn.server.SendPackets(tn.now)

	for _, ci := range tn.clientIfs {
		ci.WritePackets()
	}
	tn.serverIf.WritePackets()

	for _, ci := range tn.clientIfs {
		ci.ReadPackets()
	}
	tn.serverIf.ReadPackets()

	for _, c := range tn.clients {
		c.ReceivePackets(tn.now)
	}
	tn.server.ReceivePackets(tn.now)

	for _, c := range tn.clients {
		c.CheckForTimeout(tn.now)
	}
	tn.server.CheckForTimeout(tn.now)

	tn.now += 0.1
}

func TestHandshake(t *testing.T) {
	tn := newTestNet(t, 23, false, nil)
	client := tn.addClient(t)

	if err := client.Connect(tn.serverAddr(), tn.now); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if client.State() != StateSendingConnectionRequest {
		t.Fatalf("Client state is %v", client.State())
	}

	sawResponseState := false
	for i := 0; i < 10 && !client.IsConnected(); i++ {
		tn.tick()

		if client.State() == StateSendingChallengeResponse {
			sawResponseState = true
		}
	}

	if !client.IsConnected() {
		t.Fatalf("Client state is %v after 10 ticks", client.State())
	}
	if !sawResponseState {
		t.Fatal("Client skipped the challenge response state")
	}

	if tn.server.NumConnectedClients() != 1 {
		t.Fatalf("Server has %d clients != 1", tn.server.NumConnectedClients())
	}
	if !tn.server.IsClientConnected(0) {
		t.Fatal("Server slot 0 is empty")
	}
	if got := tn.server.ClientID(0); got != client.clientSalt {
		t.Fatalf("Server knows client id %x, client salt is %x", got, client.clientSalt)
	}
}

func TestHandshakeServerFull(t *testing.T) {
	tn := newTestNet(t, 23, false, nil)

	for i := 0; i < MaxClients; i++ {
		c := tn.addClient(t)
		if err := c.Connect(tn.serverAddr(), tn.now); err != nil {
			t.Fatalf("Connect %d failed: %v", i, err)
		}
	}

	for i := 0; i < 50 && tn.server.NumConnectedClients() < MaxClients; i++ {
		tn.tick()
	}
	if tn.server.NumConnectedClients() != MaxClients {
		t.Fatalf("Server has %d clients != %d", tn.server.NumConnectedClients(), MaxClients)
	}

	late := tn.addClient(t)
	if err := late.Connect(tn.serverAddr(), tn.now); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for i := 0; i < 20 && !late.ConnectionFailed(); i++ {
		tn.tick()
	}

	if late.State() != StateConnectionDeniedFull {
		t.Fatalf("Late client state is %v", late.State())
	}
	if tn.server.NumConnectedClients() != MaxClients {
		t.Fatalf("Server changed to %d clients", tn.server.NumConnectedClients())
	}
}

func TestReliableMessagesOverLossyNetwork(t *testing.T) {
	tn := newTestNet(t, 23, false, nil)
	tn.sim.SetLossRate(0.25)
	tn.sim.SetDuplicateRate(0.1)
	tn.sim.SetReorderRate(0.1)

	client := tn.addClient(t)
	if err := client.Connect(tn.serverAddr(), tn.now); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for i := 0; i < 100 && !client.IsConnected(); i++ {
		tn.tick()
	}
	if !client.IsConnected() {
		t.Fatalf("Client state is %v", client.State())
	}

	const numMessages = 50

	for i := 0; i < numMessages; i++ {
		if err := client.SendMessage(message.NewTextMessage(fmt.Sprintf("c%d", i))); err != nil {
			t.Fatalf("Client send %d failed: %v", i, err)
		}
		if err := tn.server.SendMessage(0, message.NewTextMessage(fmt.Sprintf("s%d", i))); err != nil {
			t.Fatalf("Server send %d failed: %v", i, err)
		}
	}

	var fromClient, fromServer []string

	for i := 0; i < 2000; i++ {
		tn.tick()

		for {
			msg := tn.server.ReceiveMessage(0)
			if msg == nil {
				break
			}
			fromClient = append(fromClient, msg.(*message.TextMessage).Text)
		}
		for {
			msg := client.ReceiveMessage()
			if msg == nil {
				break
			}
			fromServer = append(fromServer, msg.(*message.TextMessage).Text)
		}

		if len(fromClient) == numMessages && len(fromServer) == numMessages {
			break
		}
	}

	if len(fromClient) != numMessages || len(fromServer) != numMessages {
		t.Fatalf("Delivered %d and %d messages != %d",
			len(fromClient), len(fromServer), numMessages)
	}

	for i := 0; i < numMessages; i++ {
		if fromClient[i] != fmt.Sprintf("c%d", i) {
			t.Fatalf("Server received %q at position %d", fromClient[i], i)
		}
		if fromServer[i] != fmt.Sprintf("s%d", i) {
			t.Fatalf("Client received %q at position %d", fromServer[i], i)
		}
	}
}

func TestClientTimeout(t *testing.T) {
	tn := newTestNet(t, 23, false, nil)
	client := tn.addClient(t)

	if err := client.Connect(tn.serverAddr(), tn.now); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for i := 0; i < 10 && !client.IsConnected(); i++ {
		tn.tick()
	}
	if !client.IsConnected() {
		t.Fatalf("Client state is %v", client.State())
	}

	// The network swallows everything from here on.
	tn.sim.SetLossRate(1.0)

	for i := 0; i < 150 && client.IsConnected(); i++ {
		tn.tick()
	}

	if client.State() != StateKeepAliveTimedOut {
		t.Fatalf("Client state is %v", client.State())
	}
	if tn.server.NumConnectedClients() != 0 {
		t.Fatalf("Server still has %d clients", tn.server.NumConnectedClients())
	}
}

func TestConnectionRequestTimeout(t *testing.T) {
	sim := transport.NewSimulator(23)
	sim.SetLossRate(1.0)

	addr := wire.NewAddress("10.0.1.1", 40000)
	clientIf := sim.Endpoint(addr, packet.ClientServerFactory{}, testProtocolID)
	client := NewClient(clientIf, message.BuiltinFactory{})

	now := 0.0
	if err := client.Connect(wire.NewAddress("10.0.0.1", 50000), now); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for i := 0; i < 100 && !client.ConnectionFailed(); i++ {
		client.SendPackets(now)
		clientIf.WritePackets()
		clientIf.ReadPackets()
		client.ReceivePackets(now)
		client.CheckForTimeout(now)
		now += 0.1
	}

	if client.State() != StateConnectionRequestTimedOut {
		t.Fatalf("Client state is %v", client.State())
	}
}

func TestChallengeHashFloodResistance(t *testing.T) {
	tn := newTestNet(t, 23, false, nil)
	s := tn.server

	// A legitimate handshake in flight before the flood.
	legit := wire.NewAddress("192.168.0.1", 40000)
	s.processConnectionRequest(&packet.ConnectionRequestPacket{ClientSalt: 4242}, legit, 0)

	if s.challenges.find(legit, 4242, 0) == nil {
		t.Fatal("Legitimate challenge entry is missing")
	}

	// Spoofed requests from 300 distinct addresses.
	for i := 0; i < 300; i++ {
		addr := wire.NewAddress(fmt.Sprintf("10.%d.%d.%d", i%256, (i/4)%256, i%256), uint16(20000+i))
		s.processConnectionRequest(&packet.ConnectionRequestPacket{ClientSalt: uint64(i)}, addr, 0.01)
	}

	if s.challenges.numEntries > ChallengeHashSize/4 {
		t.Fatalf("Challenge table holds %d entries, cap is %d",
			s.challenges.numEntries, ChallengeHashSize/4)
	}

	// The flood must not have evicted the live entry.
	if s.challenges.find(legit, 4242, 1) == nil {
		t.Fatal("Flood evicted the legitimate challenge entry")
	}
}

func TestChallengeTableRecoversAfterExpiry(t *testing.T) {
	tn := newTestNet(t, 23, false, nil)
	s := tn.server

	// Saturate the table up to its occupancy cap. More requests than slots,
	// so the cap is reached regardless of how the seeded hash scatters them.
	for i := 0; i < 2*ChallengeHashSize; i++ {
		addr := wire.NewAddress(fmt.Sprintf("10.%d.%d.%d", i%256, (i/256)%256, i%200), uint16(20000+i%40000))
		s.processConnectionRequest(&packet.ConnectionRequestPacket{ClientSalt: uint64(i)}, addr, 0)
	}

	if s.challenges.numEntries != ChallengeHashSize/4 {
		t.Fatalf("Challenge table holds %d entries, cap is %d",
			s.challenges.numEntries, ChallengeHashSize/4)
	}

	// Once every flood entry has expired, the cap must count the table as
	// empty again: abandoned handshakes never block later clients, no
	// matter which slot they hash to.
	later := ChallengeTimeout + 1

	legit := wire.NewAddress("192.168.0.1", 40000)
	s.processConnectionRequest(&packet.ConnectionRequestPacket{ClientSalt: 4242}, legit, later)

	if s.challenges.find(legit, 4242, later) == nil {
		t.Fatal("Request after expiry was dropped")
	}
	if s.challenges.numEntries > ChallengeHashSize/4 {
		t.Fatalf("Challenge table holds %d entries, cap is %d",
			s.challenges.numEntries, ChallengeHashSize/4)
	}

	// A full sweep leaves exactly the one live entry behind.
	s.challenges.sweep(later)
	if s.challenges.numEntries != 1 {
		t.Fatalf("Challenge table holds %d live entries != 1", s.challenges.numEntries)
	}
}

func TestChallengeResponseSaltMismatch(t *testing.T) {
	tn := newTestNet(t, 23, false, nil)
	s := tn.server

	addr := wire.NewAddress("192.168.0.1", 40000)
	s.processConnectionRequest(&packet.ConnectionRequestPacket{ClientSalt: 23}, addr, 0)

	entry := s.challenges.find(addr, 23, 0)
	if entry == nil {
		t.Fatal("Challenge entry is missing")
	}

	s.processConnectionResponse(&packet.ConnectionResponsePacket{
		ChallengeSalt: entry.challengeSalt + 1,
	}, addr, 0.1)

	if s.NumConnectedClients() != 0 {
		t.Fatal("Wrong salt connected a client")
	}

	s.processConnectionResponse(&packet.ConnectionResponsePacket{
		ChallengeSalt: entry.challengeSalt,
	}, addr, 0.2)

	if s.NumConnectedClients() != 1 {
		t.Fatal("Correct salt did not connect")
	}

	// The consumed challenge entry must not occupy its slot any longer.
	if s.challenges.find(addr, 23, 0.3) != nil {
		t.Fatal("Completed handshake left its challenge entry behind")
	}
	if s.challenges.numEntries != 0 {
		t.Fatalf("Challenge table holds %d entries != 0", s.challenges.numEntries)
	}
}

func secureTestSetup(t *testing.T) (*testNet, *Client, *token.Token, []byte, [token.NonceBytes]byte) {
	t.Helper()

	key, err := token.GenerateKey()
	if err != nil {
		t.Fatalf("Generating key failed: %v", err)
	}

	tn := newTestNet(t, 23, true, key[:])
	tn.server.unixNow = func() uint64 { return 1000 }

	tok, err := token.Generate(testProtocolID, 0xC0FFEE, []wire.Address{tn.serverAddr()}, 1000)
	if err != nil {
		t.Fatalf("Generating token failed: %v", err)
	}

	nonce := token.NonceFromCounter(1)
	sealed, err := tok.Seal(&nonce, key[:])
	if err != nil {
		t.Fatalf("Sealing token failed: %v", err)
	}

	client := tn.addClient(t)

	return tn, client, &tok, sealed, nonce
}

func TestSecureHandshake(t *testing.T) {
	tn, client, tok, sealed, nonce := secureTestSetup(t)

	if err := client.ConnectWithToken(tn.serverAddr(), tok, sealed, nonce, tn.now); err != nil {
		t.Fatalf("ConnectWithToken failed: %v", err)
	}

	for i := 0; i < 10 && !client.IsConnected(); i++ {
		tn.tick()
	}

	if !client.IsConnected() {
		t.Fatalf("Client state is %v", client.State())
	}
	if got := tn.server.ClientID(0); got != tok.ClientID {
		t.Fatalf("Server knows client id %x != %x", got, tok.ClientID)
	}

	// Post-handshake traffic is sealed; a second client replaying the very
	// same token must not get anywhere.
	replayer := tn.addClient(t)
	if err := replayer.ConnectWithToken(tn.serverAddr(), tok, sealed, nonce, tn.now); err != nil {
		t.Fatalf("ConnectWithToken failed: %v", err)
	}

	for i := 0; i < 20 && !replayer.ConnectionFailed(); i++ {
		tn.tick()
	}

	if replayer.IsConnected() {
		t.Fatal("Replayed token connected a second client")
	}
	if tn.server.NumConnectedClients() != 1 {
		t.Fatalf("Server has %d clients != 1", tn.server.NumConnectedClients())
	}
}

func TestSecureTokenlessRequestIgnored(t *testing.T) {
	tn, client, _, _, _ := secureTestSetup(t)

	// Plain Connect presents no token; the secure server must stay silent.
	if err := client.Connect(tn.serverAddr(), tn.now); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	for i := 0; i < 60 && !client.ConnectionFailed(); i++ {
		tn.tick()
	}

	if client.State() != StateConnectionRequestTimedOut {
		t.Fatalf("Client state is %v", client.State())
	}
	if tn.server.NumConnectedClients() != 0 {
		t.Fatal("Tokenless client connected")
	}
}

func TestDisconnectFreesSlot(t *testing.T) {
	tn := newTestNet(t, 23, false, nil)
	client := tn.addClient(t)

	if err := client.Connect(tn.serverAddr(), tn.now); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	for i := 0; i < 10 && !client.IsConnected(); i++ {
		tn.tick()
	}
	if !client.IsConnected() {
		t.Fatalf("Client state is %v", client.State())
	}

	client.Disconnect(tn.now)

	for i := 0; i < 10 && tn.server.NumConnectedClients() > 0; i++ {
		tn.tick()
	}

	if tn.server.NumConnectedClients() != 0 {
		t.Fatalf("Server still has %d clients", tn.server.NumConnectedClients())
	}
	if client.State() != StateDisconnected {
		t.Fatalf("Client state is %v", client.State())
	}
}
