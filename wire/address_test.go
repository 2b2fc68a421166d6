// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import "testing"

func TestAddressString(t *testing.T) {
	tests := []struct {
		host string
		port uint16
		str  string
	}{
		{"127.0.0.1", 50000, "127.0.0.1:50000"},
		{"::1", 50000, "[::1]:50000"},
		{"fe80::23", 1, "[fe80::23]:1"},
	}

	for _, test := range tests {
		addr := NewAddress(test.host, test.port)
		if !addr.Valid() {
			t.Fatalf("Address %q is invalid", test.host)
		}

		if s := addr.String(); s != test.str {
			t.Fatalf("Address prints %q != %q", s, test.str)
		}

		parsed, err := ParseAddress(test.str)
		if err != nil {
			t.Fatalf("Parsing %q failed: %v", test.str, err)
		}

		if !parsed.Equal(addr) {
			t.Fatalf("Parsed address %v differs from %v", parsed, addr)
		}
	}
}

func TestAddressSerialize(t *testing.T) {
	addrIn := NewAddress("192.168.23.42", 60000)

	ws := NewWriteStream(MaxAddressLength + 1)
	if err := addrIn.Serialize(ws); err != nil {
		t.Fatalf("Writing failed: %v", err)
	}
	if err := ws.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	var addrOut Address
	rs := NewReadStream(ws.Bytes())
	if err := addrOut.Serialize(rs); err != nil {
		t.Fatalf("Reading failed: %v", err)
	}

	if !addrOut.Equal(addrIn) {
		t.Fatalf("Address changed: %v != %v", addrOut, addrIn)
	}
}

func TestAddressSerializeGarbage(t *testing.T) {
	garbage := "not an address"

	ws := NewWriteStream(MaxAddressLength + 1)
	if err := ws.SerializeString(&garbage, MaxAddressLength); err != nil {
		t.Fatalf("Writing failed: %v", err)
	}
	if err := ws.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	var addr Address
	rs := NewReadStream(ws.Bytes())
	if err := addr.Serialize(rs); err == nil {
		t.Fatal("Reading garbage succeeded")
	}
}
