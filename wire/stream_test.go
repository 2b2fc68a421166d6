// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"testing"
)

func TestBitsRequired(t *testing.T) {
	tests := []struct {
		min, max int
		bits     int
	}{
		{0, 0, 0},
		{0, 1, 1},
		{0, 63, 6},
		{0, 64, 7},
		{1, 64, 6},
		{0, 255, 8},
		{0, 65535, 16},
	}

	for _, test := range tests {
		if bits := BitsRequired(test.min, test.max); bits != test.bits {
			t.Fatalf("BitsRequired(%d, %d) is %d != %d",
				test.min, test.max, bits, test.bits)
		}
	}
}

func TestStreamRoundTrip(t *testing.T) {
	var (
		vBits   uint32 = 0x2A
		vU16    uint16 = 0xCAFE
		vU32    uint32 = 0xDEADBEEF
		vU64    uint64 = 0x0123456789ABCDEF
		vInt           = 23
		vBool          = true
		vBytes         = []byte{0x13, 0x37, 0x00, 0xFF}
		vString        = "dtn://ratchet/"
	)

	ws := NewWriteStream(64)

	serialize := func(s Stream, bits *uint32, u16 *uint16, u32 *uint32, u64 *uint64, i *int, b *bool, data []byte, str *string) error {
		if err := s.SerializeBits(bits, 6); err != nil {
			return err
		}
		if err := s.SerializeUint16(u16); err != nil {
			return err
		}
		if err := s.SerializeUint32(u32); err != nil {
			return err
		}
		if err := s.SerializeUint64(u64); err != nil {
			return err
		}
		if err := s.SerializeInt(i, 0, 63); err != nil {
			return err
		}
		if err := s.SerializeBool(b); err != nil {
			return err
		}
		if err := s.SerializeBytes(data); err != nil {
			return err
		}
		return s.SerializeString(str, 32)
	}

	if err := serialize(ws, &vBits, &vU16, &vU32, &vU64, &vInt, &vBool, vBytes, &vString); err != nil {
		t.Fatalf("Writing failed: %v", err)
	}
	if err := ws.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	ms := NewMeasureStream(64)
	if err := serialize(ms, &vBits, &vU16, &vU32, &vU64, &vInt, &vBool, vBytes, &vString); err != nil {
		t.Fatalf("Measuring failed: %v", err)
	}
	if measured, written := ms.BitsProcessed(), ws.BitsProcessed(); measured != written {
		t.Fatalf("Measured %d bits, wrote %d bits", measured, written)
	}

	var (
		rBits   uint32
		rU16    uint16
		rU32    uint32
		rU64    uint64
		rInt    int
		rBool   bool
		rBytes  = make([]byte, len(vBytes))
		rString string
	)

	rs := NewReadStream(ws.Bytes())
	if err := serialize(rs, &rBits, &rU16, &rU32, &rU64, &rInt, &rBool, rBytes, &rString); err != nil {
		t.Fatalf("Reading failed: %v", err)
	}

	if rBits != vBits || rU16 != vU16 || rU32 != vU32 || rU64 != vU64 {
		t.Fatalf("Integers changed: %x %x %x %x", rBits, rU16, rU32, rU64)
	}
	if rInt != vInt || rBool != vBool || rString != vString {
		t.Fatalf("Values changed: %d %v %q", rInt, rBool, rString)
	}
	for i := range vBytes {
		if rBytes[i] != vBytes[i] {
			t.Fatalf("Byte %d changed: %x != %x", i, rBytes[i], vBytes[i])
		}
	}
}

func TestStreamOverflow(t *testing.T) {
	ws := NewWriteStream(2)

	var v uint16 = 42
	if err := ws.SerializeUint16(&v); err != nil {
		t.Fatalf("First word failed: %v", err)
	}
	if err := ws.SerializeUint16(&v); err != ErrOverflow {
		t.Fatalf("Expected ErrOverflow, got %v", err)
	}
}

func TestReadStreamTruncation(t *testing.T) {
	rs := NewReadStream([]byte{0xFF})

	var v uint32
	if err := rs.SerializeUint32(&v); err != ErrOverflow {
		t.Fatalf("Expected ErrOverflow, got %v", err)
	}
}

func TestReadStreamBoundedIntRange(t *testing.T) {
	ws := NewWriteStream(4)

	var v uint32 = 13
	if err := ws.SerializeBits(&v, 4); err != nil {
		t.Fatalf("Writing failed: %v", err)
	}
	if err := ws.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	var bounded int
	rs := NewReadStream(ws.Bytes())
	if err := rs.SerializeInt(&bounded, 0, 10); err != ErrValueOutOfRange {
		t.Fatalf("Expected ErrValueOutOfRange, got %v", err)
	}
}
