// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package transport moves packets over UDP. The Interface queues outgoing
// packets, serializes, checksums and optionally encrypts them on write, and
// reverses all of that on read. Endpoints drive it from their tick loop; no
// call waits longer than the socket's short read deadline. A deterministic
// in-memory Simulator stands in for the real network in tests.
package transport

import (
	"net"
	"time"

	"github.com/ratchet-net/ratchet-go/wire"
)

// Socket is a non-blocking UDP socket.
type Socket struct {
	conn *net.UDPConn
}

// NewSocket binds a UDP socket on the given port. Port zero binds any free
// port, see LocalAddr.
func NewSocket(port uint16) (*Socket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: int(port)})
	if err != nil {
		return nil, err
	}

	return &Socket{conn: conn}, nil
}

// LocalAddr is the bound address of this Socket.
func (s *Socket) LocalAddr() wire.Address {
	return wire.AddressFromUDP(s.conn.LocalAddr().(*net.UDPAddr))
}

// Send transmits one datagram. Send errors are reported but a datagram is
// never retried; the protocol treats every datagram as droppable anyway.
func (s *Socket) Send(to wire.Address, data []byte) error {
	_, err := s.conn.WriteToUDP(data, to.UDPAddr())
	return err
}

// Receive returns one pending datagram, or ok == false if none is pending.
// With nothing pending it returns once its one millisecond read deadline
// passes.
func (s *Socket) Receive(buf []byte) (n int, from wire.Address, ok bool) {
	if err := s.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return 0, wire.Address{}, false
	}

	n, udpAddr, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, wire.Address{}, false
	}

	return n, wire.AddressFromUDP(udpAddr), true
}

// Close releases the underlying socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}
