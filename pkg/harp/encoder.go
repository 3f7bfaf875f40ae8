// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package harp

import (
	"encoding/binary"
	"fmt"
)

// Encode serializes a message to wire format.
//
// The payload must be a whole number of elements of the message payload type.
// Timestamped messages carry the 6 byte timestamp before the payload.
func Encode(m *Message) ([]byte, error) {
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: 0x%02X", ErrInvalidMessageType, uint8(m.Type))
	}
	if !m.PayloadType.Valid() {
		return nil, fmt.Errorf("%w: 0x%02X", ErrUnsupportedPayloadType, uint8(m.PayloadType))
	}
	if len(m.Payload)%m.PayloadType.Size() != 0 {
		return nil, fmt.Errorf("%w: %d bytes for %s", ErrPayloadLength, len(m.Payload), m.PayloadType)
	}

	body := len(m.Payload)
	if m.HasTimestamp {
		body += TimestampSize
	}

	// length counts address, port, payload type, body and checksum
	length := 3 + body + 1
	if length > 0xFF {
		return nil, fmt.Errorf("%w: payload too large: %d bytes", ErrPayloadLength, len(m.Payload))
	}
	frame := make([]byte, 0, length+2)

	payloadType := m.PayloadType
	if m.HasTimestamp {
		payloadType |= payloadTimestampFlag
	}
	frame = append(frame, uint8(m.Type), uint8(length), m.Address, m.Port, uint8(payloadType))

	if m.HasTimestamp {
		seconds, ticks, err := splitSeconds(m.Seconds)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", err, m.Seconds)
		}
		frame = binary.LittleEndian.AppendUint32(frame, seconds)
		frame = binary.LittleEndian.AppendUint16(frame, ticks)
	}

	frame = append(frame, m.Payload...)
	frame = append(frame, Checksum(frame))
	return frame, nil
}

// MustEncode encodes a message and panics on error.
// Use Encode for error handling.
func MustEncode(m *Message) []byte {
	data, err := Encode(m)
	if err != nil {
		panic(fmt.Sprintf("harp: encode error: %v", err))
	}
	return data
}
