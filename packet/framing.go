// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import (
	"encoding/binary"

	"github.com/howeyc/crc16"

	"github.com/ratchet-net/ratchet-go/wire"
)

var crc16table = crc16.MakeTable(crc16.CCITT)

// Checksum computes the CRC-16/CCITT over the protocol id followed by a
// packet body. The protocol id is folded into the checksum instead of being
// sent, so packets of a foreign protocol fail their checksum and are dropped
// without a dedicated version field on the wire.
func Checksum(protocolID uint32, body []byte) uint16 {
	buff := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buff, protocolID)
	copy(buff[4:], body)

	return crc16.Checksum(buff, crc16table)
}

// Write serializes a packet body: the bounded type tag followed by the
// packet's own serialization.
func Write(p Packet, factory Factory, ctx *Context, maxBytes int) ([]byte, error) {
	ws := wire.NewWriteStream(maxBytes)
	ws.SetContext(ctx)

	pktType := p.Type()
	if err := ws.SerializeInt(&pktType, 0, factory.NumTypes()-1); err != nil {
		return nil, err
	}

	if err := p.Serialize(ws); err != nil {
		return nil, err
	}

	if err := ws.Flush(); err != nil {
		return nil, err
	}

	body := make([]byte, len(ws.Bytes()))
	copy(body, ws.Bytes())

	return body, nil
}

// Read parses a packet body written by Write. Any parse error, including an
// unknown type tag, means a malformed packet.
func Read(body []byte, factory Factory, ctx *Context) (Packet, error) {
	rs := wire.NewReadStream(body)
	rs.SetContext(ctx)

	var pktType int
	if err := rs.SerializeInt(&pktType, 0, factory.NumTypes()-1); err != nil {
		return nil, err
	}

	p := factory.Create(pktType)
	if p == nil {
		return nil, ErrMalformed
	}

	if err := p.Serialize(rs); err != nil {
		return nil, err
	}

	return p, nil
}
