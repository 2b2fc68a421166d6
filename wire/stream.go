// SPDX-FileCopyrightText: 2022 Markus Sommer
//
// SPDX-License-Identifier: GPL-3.0-or-later

// Package wire implements the bit-level serialization streams used by every
// packet and message in this library. A value is serialized through one of
// three streams sharing the Stream interface: a WriteStream emits bits, a
// ReadStream consumes them, and a MeasureStream only counts them. Bits are
// emitted most-significant-bit first.
package wire

import (
	"bytes"
	"errors"
	"math/bits"

	"github.com/icza/bitio"
)

var (
	// ErrOverflow is returned when a stream runs out of bits.
	ErrOverflow = errors.New("wire: stream overflow")

	// ErrValueOutOfRange is returned when a bounded integer leaves its range.
	ErrValueOutOfRange = errors.New("wire: value out of range")
)

// BitsRequired returns the number of bits needed to represent all integers
// in the inclusive interval [min, max].
func BitsRequired(min, max int) int {
	if min == max {
		return 0
	}

	return bits.Len64(uint64(max - min))
}

// Stream is the common surface of WriteStream, ReadStream and MeasureStream.
// Serialization code is written once against this interface and behaves as a
// writer, parser or size measurement depending on the concrete stream.
type Stream interface {
	// IsWriting is true for a WriteStream or MeasureStream.
	IsWriting() bool

	// IsReading is true for a ReadStream.
	IsReading() bool

	// SerializeBits passes the low `bits` bits of *value through the stream.
	SerializeBits(value *uint32, bits int) error

	// SerializeUint16 passes a 16 bit unsigned integer through the stream.
	SerializeUint16(value *uint16) error

	// SerializeUint32 passes a 32 bit unsigned integer through the stream.
	SerializeUint32(value *uint32) error

	// SerializeUint64 passes a 64 bit unsigned integer through the stream.
	SerializeUint64(value *uint64) error

	// SerializeInt passes an integer bounded to [min, max] through the stream.
	// Reading a value outside the bound fails with ErrValueOutOfRange.
	SerializeInt(value *int, min, max int) error

	// SerializeBool passes a single bit through the stream.
	SerializeBool(value *bool) error

	// SerializeBytes passes a fixed-length byte slice through the stream.
	SerializeBytes(data []byte) error

	// SerializeString passes a length-prefixed string of at most maxLength
	// bytes through the stream.
	SerializeString(value *string, maxLength int) error

	// BitsProcessed is the number of bits written, read or measured so far.
	BitsProcessed() int

	// BitsRemaining is the number of bits left before the stream overflows.
	BitsRemaining() int

	// Context returns the attached context, e.g. a message factory.
	Context() interface{}

	// SetContext attaches a context to be inspected during serialization.
	SetContext(ctx interface{})
}

// WriteStream emits bits into an internal buffer, bounded by a byte limit.
type WriteStream struct {
	buf     *bytes.Buffer
	writer  *bitio.Writer
	bitsMax int
	bitsCur int
	context interface{}
}

// NewWriteStream creates a WriteStream bounded to maxBytes.
func NewWriteStream(maxBytes int) *WriteStream {
	buf := new(bytes.Buffer)

	return &WriteStream{
		buf:     buf,
		writer:  bitio.NewWriter(buf),
		bitsMax: maxBytes * 8,
	}
}

func (ws *WriteStream) IsWriting() bool { return true }
func (ws *WriteStream) IsReading() bool { return false }

func (ws *WriteStream) writeBits(value uint64, bits int) error {
	if ws.bitsCur+bits > ws.bitsMax {
		return ErrOverflow
	}

	if err := ws.writer.WriteBits(value, uint8(bits)); err != nil {
		return err
	}

	ws.bitsCur += bits

	return nil
}

func (ws *WriteStream) SerializeBits(value *uint32, bits int) error {
	return ws.writeBits(uint64(*value), bits)
}

func (ws *WriteStream) SerializeUint16(value *uint16) error {
	return ws.writeBits(uint64(*value), 16)
}

func (ws *WriteStream) SerializeUint32(value *uint32) error {
	return ws.writeBits(uint64(*value), 32)
}

func (ws *WriteStream) SerializeUint64(value *uint64) error {
	return ws.writeBits(*value, 64)
}

func (ws *WriteStream) SerializeInt(value *int, min, max int) error {
	if *value < min || *value > max {
		return ErrValueOutOfRange
	}

	return ws.writeBits(uint64(*value-min), BitsRequired(min, max))
}

func (ws *WriteStream) SerializeBool(value *bool) error {
	var bit uint64
	if *value {
		bit = 1
	}

	return ws.writeBits(bit, 1)
}

func (ws *WriteStream) SerializeBytes(data []byte) error {
	for _, b := range data {
		if err := ws.writeBits(uint64(b), 8); err != nil {
			return err
		}
	}

	return nil
}

func (ws *WriteStream) SerializeString(value *string, maxLength int) error {
	length := len(*value)
	if length > maxLength {
		return ErrValueOutOfRange
	}

	if err := ws.SerializeInt(&length, 0, maxLength); err != nil {
		return err
	}

	return ws.SerializeBytes([]byte(*value))
}

func (ws *WriteStream) BitsProcessed() int { return ws.bitsCur }
func (ws *WriteStream) BitsRemaining() int { return ws.bitsMax - ws.bitsCur }

func (ws *WriteStream) Context() interface{}       { return ws.context }
func (ws *WriteStream) SetContext(ctx interface{}) { ws.context = ctx }

// Flush writes buffered bits, padding the final partial byte with zeros.
// It must be called once, after the last serialization.
func (ws *WriteStream) Flush() error {
	return ws.writer.Close()
}

// Bytes returns the emitted packet data. Only valid after Flush.
func (ws *WriteStream) Bytes() []byte {
	return ws.buf.Bytes()
}

// ReadStream parses bits from a packet received from the network. All read
// errors, including truncation, must be treated as a malformed packet.
type ReadStream struct {
	reader  *bitio.Reader
	bitsMax int
	bitsCur int
	context interface{}
}

// NewReadStream creates a ReadStream over received packet data.
func NewReadStream(data []byte) *ReadStream {
	return &ReadStream{
		reader:  bitio.NewReader(bytes.NewReader(data)),
		bitsMax: len(data) * 8,
	}
}

func (rs *ReadStream) IsWriting() bool { return false }
func (rs *ReadStream) IsReading() bool { return true }

func (rs *ReadStream) readBits(bits int) (uint64, error) {
	if rs.bitsCur+bits > rs.bitsMax {
		return 0, ErrOverflow
	}

	value, err := rs.reader.ReadBits(uint8(bits))
	if err != nil {
		return 0, err
	}

	rs.bitsCur += bits

	return value, nil
}

func (rs *ReadStream) SerializeBits(value *uint32, bits int) error {
	v, err := rs.readBits(bits)
	if err != nil {
		return err
	}

	*value = uint32(v)

	return nil
}

func (rs *ReadStream) SerializeUint16(value *uint16) error {
	v, err := rs.readBits(16)
	if err != nil {
		return err
	}

	*value = uint16(v)

	return nil
}

func (rs *ReadStream) SerializeUint32(value *uint32) error {
	v, err := rs.readBits(32)
	if err != nil {
		return err
	}

	*value = uint32(v)

	return nil
}

func (rs *ReadStream) SerializeUint64(value *uint64) error {
	v, err := rs.readBits(64)
	if err != nil {
		return err
	}

	*value = v

	return nil
}

func (rs *ReadStream) SerializeInt(value *int, min, max int) error {
	v, err := rs.readBits(BitsRequired(min, max))
	if err != nil {
		return err
	}

	unquantized := min + int(v)
	if unquantized > max {
		return ErrValueOutOfRange
	}

	*value = unquantized

	return nil
}

func (rs *ReadStream) SerializeBool(value *bool) error {
	v, err := rs.readBits(1)
	if err != nil {
		return err
	}

	*value = v != 0

	return nil
}

func (rs *ReadStream) SerializeBytes(data []byte) error {
	for i := range data {
		v, err := rs.readBits(8)
		if err != nil {
			return err
		}

		data[i] = byte(v)
	}

	return nil
}

func (rs *ReadStream) SerializeString(value *string, maxLength int) error {
	var length int
	if err := rs.SerializeInt(&length, 0, maxLength); err != nil {
		return err
	}

	data := make([]byte, length)
	if err := rs.SerializeBytes(data); err != nil {
		return err
	}

	*value = string(data)

	return nil
}

func (rs *ReadStream) BitsProcessed() int { return rs.bitsCur }
func (rs *ReadStream) BitsRemaining() int { return rs.bitsMax - rs.bitsCur }

func (rs *ReadStream) Context() interface{}       { return rs.context }
func (rs *ReadStream) SetContext(ctx interface{}) { rs.context = ctx }

// MeasureStream counts the bits a serialization would emit without emitting
// anything. The reliable message channel uses it to precompute per-message
// sizes for the packet budget.
type MeasureStream struct {
	bitsMax int
	bitsCur int
	context interface{}
}

// NewMeasureStream creates a MeasureStream bounded to maxBytes.
func NewMeasureStream(maxBytes int) *MeasureStream {
	return &MeasureStream{bitsMax: maxBytes * 8}
}

func (ms *MeasureStream) IsWriting() bool { return true }
func (ms *MeasureStream) IsReading() bool { return false }

func (ms *MeasureStream) measure(bits int) error {
	if ms.bitsCur+bits > ms.bitsMax {
		return ErrOverflow
	}

	ms.bitsCur += bits

	return nil
}

func (ms *MeasureStream) SerializeBits(_ *uint32, bits int) error {
	return ms.measure(bits)
}

func (ms *MeasureStream) SerializeUint16(_ *uint16) error { return ms.measure(16) }
func (ms *MeasureStream) SerializeUint32(_ *uint32) error { return ms.measure(32) }
func (ms *MeasureStream) SerializeUint64(_ *uint64) error { return ms.measure(64) }

func (ms *MeasureStream) SerializeInt(value *int, min, max int) error {
	if *value < min || *value > max {
		return ErrValueOutOfRange
	}

	return ms.measure(BitsRequired(min, max))
}

func (ms *MeasureStream) SerializeBool(_ *bool) error { return ms.measure(1) }

func (ms *MeasureStream) SerializeBytes(data []byte) error {
	return ms.measure(len(data) * 8)
}

func (ms *MeasureStream) SerializeString(value *string, maxLength int) error {
	length := len(*value)
	if length > maxLength {
		return ErrValueOutOfRange
	}

	if err := ms.SerializeInt(&length, 0, maxLength); err != nil {
		return err
	}

	return ms.measure(length * 8)
}

func (ms *MeasureStream) BitsProcessed() int { return ms.bitsCur }
func (ms *MeasureStream) BitsRemaining() int { return ms.bitsMax - ms.bitsCur }

func (ms *MeasureStream) Context() interface{}       { return ms.context }
func (ms *MeasureStream) SetContext(ctx interface{}) { ms.context = ctx }
