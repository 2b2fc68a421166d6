// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package transport

import (
	"bytes"
	"encoding/binary"

	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/ratchet-net/ratchet-go/packet"
	"github.com/ratchet-net/ratchet-go/token"
	"github.com/ratchet-net/ratchet-go/wire"
)

const (
	// MaxPacketSize bounds a serialized packet body.
	MaxPacketSize = 4 * 1024

	// QueueSize bounds the send and receive packet queues.
	QueueSize = 1024

	// MaxEncryptionMappings bounds the per-address encryption table.
	MaxEncryptionMappings = 1024
)

// Counter indexes the transport's statistic counters.
type Counter int

const (
	// CounterPacketsSent counts packets entering the send queue.
	CounterPacketsSent Counter = iota

	// CounterPacketsReceived counts packets leaving the receive queue.
	CounterPacketsReceived

	// CounterPacketsWritten counts datagrams handed to the network.
	CounterPacketsWritten

	// CounterPacketsRead counts datagrams parsed into packets.
	CounterPacketsRead

	// CounterReadErrors counts malformed datagrams.
	CounterReadErrors

	// CounterChecksumFailures counts datagrams with a bad checksum.
	CounterChecksumFailures

	// CounterDecryptFailures counts datagrams failing authentication.
	CounterDecryptFailures

	// CounterMappingFailures counts packets without an encryption mapping,
	// in either direction.
	CounterMappingFailures

	// CounterQueueOverflow counts packets dropped at a full queue.
	CounterQueueOverflow

	numCounters
)

// Interface sends and receives packets on behalf of an endpoint. SendPacket
// and ReceivePacket only touch in-memory queues; WritePackets and
// ReadPackets exchange the queued packets with the network. The owner calls
// ReadPackets and WritePackets once per tick; endpoints call SendPacket and
// ReceivePacket as often as they need in between.
type Interface interface {
	// SendPacket queues a packet. A full send queue drops it.
	SendPacket(to wire.Address, p packet.Packet)

	// ReceivePacket dequeues one parsed inbound packet.
	ReceivePacket() (p packet.Packet, from wire.Address, ok bool)

	// WritePackets serializes and transmits all queued packets.
	WritePackets()

	// ReadPackets drains the network into the receive queue.
	ReadPackets()

	// SetContext attaches the serialization context, e.g. the message
	// factory for Connection packets.
	SetContext(ctx *packet.Context)

	// EnableEncryption requires packet bodies to be sealed with a
	// per-address mapping. Connection requests stay unencrypted.
	EnableEncryption()

	// AddEncryptionMapping installs the per-direction keys for an address.
	AddEncryptionMapping(addr wire.Address, sendKey, receiveKey []byte) bool

	// RemoveEncryptionMapping forgets an address's keys.
	RemoveEncryptionMapping(addr wire.Address) bool

	// Counter reads a statistic counter.
	Counter(c Counter) uint64
}

// Datagram layout: a 16 bit checksum folding in the protocol id, one flag
// byte, for sealed bodies the 64 bit nonce counter, then the packet body.
const (
	headerBytes = 3

	flagEncrypted = 0x01
)

type packetEntry struct {
	addr wire.Address
	pkt  packet.Packet
}

type encryptionMapping struct {
	addr       wire.Address
	sendKey    [token.KeyBytes]byte
	receiveKey [token.KeyBytes]byte
	sendNonce  uint64
}

// core implements the packet pipeline shared by the UDP-backed interface and
// the simulator: queues, framing, checksums and packet encryption.
type core struct {
	factory    packet.Factory
	ctx        *packet.Context
	protocolID uint32

	sendQueue    []packetEntry
	receiveQueue []packetEntry

	encryption bool
	mappings   []encryptionMapping

	counters [numCounters]uint64
}

func newCore(factory packet.Factory, protocolID uint32) core {
	return core{
		factory:    factory,
		protocolID: protocolID,
		mappings:   make([]encryptionMapping, 0, MaxEncryptionMappings),
	}
}

func (c *core) SendPacket(to wire.Address, p packet.Packet) {
	if len(c.sendQueue) >= QueueSize {
		c.counters[CounterQueueOverflow]++
		return
	}

	c.sendQueue = append(c.sendQueue, packetEntry{addr: to, pkt: p})
	c.counters[CounterPacketsSent]++
}

func (c *core) ReceivePacket() (packet.Packet, wire.Address, bool) {
	if len(c.receiveQueue) == 0 {
		return nil, wire.Address{}, false
	}

	entry := c.receiveQueue[0]
	c.receiveQueue = c.receiveQueue[1:]
	c.counters[CounterPacketsReceived]++

	return entry.pkt, entry.addr, true
}

func (c *core) SetContext(ctx *packet.Context) {
	c.ctx = ctx
}

func (c *core) EnableEncryption() {
	c.encryption = true
}

func (c *core) AddEncryptionMapping(addr wire.Address, sendKey, receiveKey []byte) bool {
	if m := c.findMapping(addr); m != nil {
		// Re-adding identical keys must keep the nonce counters running; a
		// rewind would reuse nonces under the same key.
		if !bytes.Equal(m.sendKey[:], sendKey) || !bytes.Equal(m.receiveKey[:], receiveKey) {
			copy(m.sendKey[:], sendKey)
			copy(m.receiveKey[:], receiveKey)
			m.sendNonce = 0
		}

		return true
	}

	if len(c.mappings) >= MaxEncryptionMappings {
		return false
	}

	m := encryptionMapping{addr: addr}
	copy(m.sendKey[:], sendKey)
	copy(m.receiveKey[:], receiveKey)
	c.mappings = append(c.mappings, m)

	return true
}

func (c *core) RemoveEncryptionMapping(addr wire.Address) bool {
	for i := range c.mappings {
		if c.mappings[i].addr.Equal(addr) {
			c.mappings = append(c.mappings[:i], c.mappings[i+1:]...)
			return true
		}
	}

	return false
}

func (c *core) Counter(counter Counter) uint64 {
	return c.counters[counter]
}

func (c *core) findMapping(addr wire.Address) *encryptionMapping {
	for i := range c.mappings {
		if c.mappings[i].addr.Equal(addr) {
			return &c.mappings[i]
		}
	}

	return nil
}

// encryptedType reports if a packet type must travel sealed. The connection
// request cannot be: its token transports the keys in the first place.
func (c *core) encryptedType(pktType int) bool {
	return c.encryption && pktType != packet.TypeConnectionRequest
}

// writeDatagram turns one queued packet into a datagram.
func (c *core) writeDatagram(entry packetEntry) ([]byte, bool) {
	body, err := packet.Write(entry.pkt, c.factory, c.ctx, MaxPacketSize)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"address": entry.addr,
			"type":    entry.pkt.Type(),
		}).Warn("Serializing packet failed")

		return nil, false
	}

	var flags byte
	var nonceCounter uint64

	if c.encryptedType(entry.pkt.Type()) {
		m := c.findMapping(entry.addr)
		if m == nil {
			c.counters[CounterMappingFailures]++
			return nil, false
		}

		aead, err := chacha20poly1305.NewX(m.sendKey[:])
		if err != nil {
			return nil, false
		}

		nonceCounter = m.sendNonce
		m.sendNonce++

		nonce := token.NonceFromCounter(nonceCounter)
		body = aead.Seal(nil, nonce[:], body, nil)
		flags |= flagEncrypted
	}

	size := headerBytes + len(body)
	if flags&flagEncrypted != 0 {
		size += 8
	}

	data := make([]byte, size)
	data[2] = flags

	offset := headerBytes
	if flags&flagEncrypted != 0 {
		binary.LittleEndian.PutUint64(data[offset:], nonceCounter)
		offset += 8
	}
	copy(data[offset:], body)

	binary.BigEndian.PutUint16(data, packet.Checksum(c.protocolID, data[2:]))

	return data, true
}

// readDatagram parses one datagram into the receive queue. Anything
// malformed is counted and dropped without side effects.
func (c *core) readDatagram(from wire.Address, data []byte) {
	if len(data) < headerBytes {
		c.counters[CounterReadErrors]++
		return
	}

	if binary.BigEndian.Uint16(data) != packet.Checksum(c.protocolID, data[2:]) {
		c.counters[CounterChecksumFailures]++
		return
	}

	flags := data[2]
	body := data[headerBytes:]

	encrypted := flags&flagEncrypted != 0
	if encrypted {
		if len(body) < 8 {
			c.counters[CounterReadErrors]++
			return
		}

		m := c.findMapping(from)
		if m == nil {
			c.counters[CounterMappingFailures]++
			log.WithFields(log.Fields{
				"address": from,
			}).Debug("Dropped sealed packet without encryption mapping")

			return
		}

		aead, err := chacha20poly1305.NewX(m.receiveKey[:])
		if err != nil {
			return
		}

		nonce := token.NonceFromCounter(binary.LittleEndian.Uint64(body))

		body, err = aead.Open(nil, nonce[:], body[8:], nil)
		if err != nil {
			c.counters[CounterDecryptFailures]++
			return
		}
	}

	p, err := packet.Read(body, c.factory, c.ctx)
	if err != nil {
		c.counters[CounterReadErrors]++
		log.WithError(err).WithFields(log.Fields{
			"address": from,
		}).Debug("Dropped malformed packet")

		return
	}

	// With encryption required, a plaintext packet of a sealed type is an
	// imposter and must not reach the endpoint.
	if !encrypted && c.encryptedType(p.Type()) {
		c.counters[CounterReadErrors]++
		return
	}

	if len(c.receiveQueue) >= QueueSize {
		c.counters[CounterQueueOverflow]++
		return
	}

	c.receiveQueue = append(c.receiveQueue, packetEntry{addr: from, pkt: p})
	c.counters[CounterPacketsRead]++
}

// SocketInterface is the Interface over a UDP socket.
type SocketInterface struct {
	core

	socket  *Socket
	readBuf []byte
}

// NewSocketInterface creates a SocketInterface for a bound socket.
func NewSocketInterface(socket *Socket, factory packet.Factory, protocolID uint32) *SocketInterface {
	return &SocketInterface{
		core:    newCore(factory, protocolID),
		socket:  socket,
		readBuf: make([]byte, MaxPacketSize+headerBytes+8+token.AuthBytes),
	}
}

func (si *SocketInterface) WritePackets() {
	for _, entry := range si.sendQueue {
		data, ok := si.writeDatagram(entry)
		if !ok {
			continue
		}

		if err := si.socket.Send(entry.addr, data); err != nil {
			log.WithError(err).WithFields(log.Fields{
				"address": entry.addr,
			}).Warn("Sending datagram failed")

			continue
		}

		si.counters[CounterPacketsWritten]++
	}

	si.sendQueue = si.sendQueue[:0]
}

func (si *SocketInterface) ReadPackets() {
	for {
		n, from, ok := si.socket.Receive(si.readBuf)
		if !ok {
			return
		}

		si.readDatagram(from, si.readBuf[:n])
	}
}
