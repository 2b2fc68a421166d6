// SPDX-FileCopyrightText: 2021, 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package endpoint implements the client and server ends of the connection
// protocol: a challenge/response handshake hardened against spoofed-address
// amplification, keep-alive based liveness, and, once connected, reliable
// message exchange through Connection packets. Both ends are tick-driven:
// the owner calls SendPackets, ReceivePackets and CheckForTimeout with a
// monotonic time in seconds; nothing blocks and nothing keeps its own clock.
package endpoint

const (
	// MaxClients is the number of client slots of a Server.
	MaxClients = 32

	// ChallengeHashSize is the capacity of the server's challenge table.
	// Keep this prime, the table is open-addressed.
	ChallengeHashSize = 1031

	// ChallengeSendRate limits how often a challenge is sent per client.
	ChallengeSendRate = 0.1

	// ChallengeTimeout expires a challenge entry, in seconds.
	ChallengeTimeout = 10.0

	// ConnectionRequestSendRate is the client's request resend interval.
	ConnectionRequestSendRate = 0.1

	// ConnectionResponseSendRate is the client's response resend interval.
	ConnectionResponseSendRate = 0.1

	// ConnectionConfirmSendRate limits keep-alive resends towards a client
	// whose connection is established but who keeps requesting.
	ConnectionConfirmSendRate = 0.1

	// KeepAliveSendRate is the keep-alive interval on an idle connection.
	KeepAliveSendRate = 1.0

	// ConnectionRequestTimeout fails a client not hearing back on its
	// connection requests, in seconds.
	ConnectionRequestTimeout = 5.0

	// ChallengeResponseTimeout fails a client not hearing back on its
	// challenge responses, in seconds.
	ChallengeResponseTimeout = 5.0

	// KeepAliveTimeout disconnects an endpoint without inbound packets, in
	// seconds.
	KeepAliveTimeout = 10.0

	// neverTime predates every reachable tick time by more than any send
	// rate, keeping the rate checks sound near t=0.
	neverTime = -1000.0
)
