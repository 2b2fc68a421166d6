// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"fmt"
	"net"
	"strconv"
)

// MaxAddressLength bounds the printable form of an Address on the wire.
const MaxAddressLength = 64

// Address is a UDP endpoint address. Its printable form, "1.2.3.4:56789" for
// IPv4 and "[::1]:56789" for IPv6, doubles as the input for hash-key
// derivation, so two equal addresses always print identically.
type Address struct {
	IP   net.IP
	Port uint16
}

// NewAddress creates an Address from an IP literal and a port.
func NewAddress(host string, port uint16) Address {
	return Address{IP: net.ParseIP(host), Port: port}
}

// ParseAddress parses the printable "host:port" form.
func ParseAddress(s string) (addr Address, err error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return
	}

	ip := net.ParseIP(host)
	if ip == nil {
		err = fmt.Errorf("wire: %q is no IP address", host)
		return
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return
	}

	addr = Address{IP: ip, Port: uint16(port)}

	return
}

// Valid checks if this Address carries an IP address at all.
func (addr Address) Valid() bool {
	return addr.IP != nil
}

// Equal compares two Addresses componentwise.
func (addr Address) Equal(other Address) bool {
	return addr.Port == other.Port && addr.IP.Equal(other.IP)
}

func (addr Address) String() string {
	return net.JoinHostPort(addr.IP.String(), strconv.Itoa(int(addr.Port)))
}

// UDPAddr converts this Address for use with the net package.
func (addr Address) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: addr.IP, Port: int(addr.Port)}
}

// AddressFromUDP converts a net.UDPAddr, e.g. a packet's source address.
func AddressFromUDP(udp *net.UDPAddr) Address {
	return Address{IP: udp.IP, Port: uint16(udp.Port)}
}

// Serialize passes the printable form through a Stream. Reading an
// unparseable address fails.
func (addr *Address) Serialize(s Stream) error {
	var printable string
	if s.IsWriting() {
		printable = addr.String()
	}

	if err := s.SerializeString(&printable, MaxAddressLength); err != nil {
		return err
	}

	if s.IsReading() {
		parsed, err := ParseAddress(printable)
		if err != nil {
			return err
		}

		*addr = parsed
	}

	return nil
}
