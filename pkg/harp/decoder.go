// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package harp

import (
	"encoding/binary"
	"time"
)

// minLength is the smallest legal value of the length byte:
// address, port, payload type and checksum.
const minLength = MinFrameSize - 2

// Decode decodes exactly one complete frame.
//
// Errors are returned as *DecodeError wrapping one of the decode sentinels.
// Decode never panics on malformed input.
func Decode(b []byte) (*Message, error) {
	return decode(b, nil)
}

// Decode decodes one frame and additionally checks that the payload of a
// known register has the catalog's element count.
func (c *Catalog) Decode(b []byte) (*Message, error) {
	return decode(b, c)
}

func decode(b []byte, catalog *Catalog) (*Message, error) {
	if len(b) < MinFrameSize {
		return nil, decodeError(b, ErrTruncatedFrame, "%d bytes", len(b))
	}

	length := int(b[1])
	if length < minLength {
		return nil, decodeError(b, ErrFrameLength, "length byte %d", length)
	}
	if len(b) < length+2 {
		return nil, decodeError(b, ErrTruncatedFrame, "have %d bytes, length byte needs %d", len(b), length+2)
	}
	if len(b) > length+2 {
		return nil, decodeError(b, ErrFrameLength, "%d trailing bytes", len(b)-length-2)
	}

	end := len(b) - 1
	if sum := Checksum(b[:end]); sum != b[end] {
		return nil, decodeError(b, ErrChecksumMismatch, "expected 0x%02X, got 0x%02X", sum, b[end])
	}

	msgType := MessageType(b[0])
	if !msgType.Valid() {
		return nil, decodeError(b, ErrInvalidMessageType, "0x%02X", b[0])
	}

	rawType := PayloadType(b[4])
	payloadType := rawType &^ payloadTimestampFlag
	if !payloadType.Valid() {
		return nil, decodeError(b, ErrUnsupportedPayloadType, "0x%02X", b[4])
	}

	m := &Message{
		Type:        msgType,
		Address:     b[2],
		Port:        b[3],
		PayloadType: payloadType,
		Checksum:    b[end],
	}

	body := b[headerSize:end]
	if rawType&payloadTimestampFlag != 0 {
		if len(body) < TimestampSize {
			return nil, decodeError(b, ErrTruncatedFrame, "timestamp needs %d bytes, have %d", TimestampSize, len(body))
		}
		m.HasTimestamp = true
		m.Seconds = joinSeconds(binary.LittleEndian.Uint32(body[0:4]), binary.LittleEndian.Uint16(body[4:6]))
		body = body[TimestampSize:]
	}

	if len(body)%payloadType.Size() != 0 {
		return nil, decodeError(b, ErrPayloadLength, "%d bytes is not a multiple of %s", len(body), payloadType)
	}

	if catalog != nil && len(body) > 0 {
		if desc, err := catalog.Lookup(m.Address); err == nil {
			if want := desc.Type.Size() * desc.Length; len(body) != want || desc.Type != payloadType {
				return nil, decodeError(b, ErrPayloadLength, "register %s expects %d bytes of %s, got %d bytes of %s",
					desc.Name, want, desc.Type, len(body), payloadType)
			}
		}
	}

	if len(body) > 0 {
		m.Payload = append([]byte(nil), body...)
	}
	return m, nil
}

// Decoder implements a streaming Harp frame decoder for byte transports.
//
// Bytes that cannot start a frame are skipped silently. After any error the
// decoder returns to looking for a message type byte; it does not try to
// resynchronize inside the dropped frame.
type Decoder struct {
	state   int
	buffer  []byte
	length  int
	catalog *Catalog
}

// NewDecoder creates a new streaming decoder.
func NewDecoder() *Decoder {
	return &Decoder{
		state:  stateType,
		buffer: make([]byte, 0, MaxFrameSize),
	}
}

// WithCatalog enables the per-register payload length check.
func (d *Decoder) WithCatalog(c *Catalog) *Decoder {
	d.catalog = c
	return d
}

// Reset discards any partial frame.
func (d *Decoder) Reset() {
	d.state = stateType
	d.buffer = d.buffer[:0]
	d.length = 0
}

// Pending reports the number of buffered bytes of an incomplete frame.
func (d *Decoder) Pending() int {
	return len(d.buffer)
}

// DecodeByte processes a single byte through the decoder state machine.
// Returns a completed message, or nil if the frame is incomplete.
// Returns an error if the completed frame is invalid.
func (d *Decoder) DecodeByte(b byte) (*Message, error) {
	switch d.state {
	case stateType:
		if !MessageType(b).Valid() {
			return nil, nil
		}
		d.buffer = append(d.buffer[:0], b)
		d.state = stateLength
		return nil, nil

	case stateLength:
		d.buffer = append(d.buffer, b)
		if int(b) < minLength {
			frame := append([]byte(nil), d.buffer...)
			d.Reset()
			return nil, decodeError(frame, ErrFrameLength, "length byte %d", b)
		}
		d.length = int(b)
		d.state = stateBody
		return nil, nil

	case stateBody:
		d.buffer = append(d.buffer, b)
		if len(d.buffer) < d.length+2 {
			return nil, nil
		}
		m, err := decode(d.buffer, d.catalog)
		d.Reset()
		if err != nil {
			return nil, err
		}
		m.ReceivedAt = time.Now()
		return m, nil
	}

	d.Reset()
	return nil, nil
}

// DecodeBytes feeds a chunk of bytes through the decoder and returns every
// completed message and every decode error, in order of occurrence.
func (d *Decoder) DecodeBytes(data []byte) ([]*Message, []error) {
	var msgs []*Message
	var errs []error
	for _, b := range data {
		m, err := d.DecodeByte(b)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if m != nil {
			msgs = append(msgs, m)
		}
	}
	return msgs, errs
}
