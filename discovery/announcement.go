// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package discovery implements LAN server discovery through UDP multicast.
// Running servers announce themselves at a fixed interval; clients listen
// for a while and present the collected server list. Discovery is a lobby
// convenience and plays no role in the connection protocol itself.
package discovery

import (
	"bytes"
	"fmt"
	"io"

	"github.com/dtn7/cboring"
)

const (
	// Address4 is the default multicast IPv4 address used for discovery.
	Address4 = "224.23.23.23"

	// Address6 is the default multicast IPv6 address used for discovery.
	Address6 = "ff02::23:42:23"

	// Port is the default multicast port used for discovery.
	Port = 35039
)

// Announcement advertises one running server on the local network.
type Announcement struct {
	Name       string
	ProtocolID uint32
	Port       uint16
	NumPlayers uint
	MaxPlayers uint
}

// MarshalCbor writes this Announcement as a CBOR array.
func (a *Announcement) MarshalCbor(w io.Writer) error {
	if err := cboring.WriteArrayLength(5, w); err != nil {
		return err
	}

	if err := cboring.WriteTextString(a.Name, w); err != nil {
		return err
	}

	for _, field := range []uint64{
		uint64(a.ProtocolID), uint64(a.Port), uint64(a.NumPlayers), uint64(a.MaxPlayers),
	} {
		if err := cboring.WriteUInt(field, w); err != nil {
			return err
		}
	}

	return nil
}

// UnmarshalCbor reads an Announcement from its CBOR array form.
func (a *Announcement) UnmarshalCbor(r io.Reader) error {
	if n, err := cboring.ReadArrayLength(r); err != nil {
		return err
	} else if n != 5 {
		return fmt.Errorf("discovery: announcement has %d fields instead of 5", n)
	}

	name, err := cboring.ReadTextString(r)
	if err != nil {
		return err
	}
	a.Name = name

	fields := make([]uint64, 4)
	for i := range fields {
		if fields[i], err = cboring.ReadUInt(r); err != nil {
			return err
		}
	}

	a.ProtocolID = uint32(fields[0])
	a.Port = uint16(fields[1])
	a.NumPlayers = uint(fields[2])
	a.MaxPlayers = uint(fields[3])

	return nil
}

func (a Announcement) String() string {
	return fmt.Sprintf("Announcement(%s,%x,%d,%d/%d)",
		a.Name, a.ProtocolID, a.Port, a.NumPlayers, a.MaxPlayers)
}

// MarshalAnnouncements serializes an array of Announcements for one
// multicast payload.
func MarshalAnnouncements(as []Announcement) ([]byte, error) {
	var buff bytes.Buffer

	if err := cboring.WriteArrayLength(uint64(len(as)), &buff); err != nil {
		return nil, err
	}

	for i := range as {
		if err := cboring.Marshal(&as[i], &buff); err != nil {
			return nil, err
		}
	}

	return buff.Bytes(), nil
}

// UnmarshalAnnouncements parses a multicast payload.
func UnmarshalAnnouncements(data []byte) (as []Announcement, err error) {
	buff := bytes.NewBuffer(data)

	n, err := cboring.ReadArrayLength(buff)
	if err != nil {
		return nil, err
	}

	as = make([]Announcement, n)
	for i := range as {
		if err = cboring.Unmarshal(&as[i], buff); err != nil {
			return nil, err
		}
	}

	return as, nil
}
