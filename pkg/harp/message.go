// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package harp

import (
	"encoding/binary"
	"math"
	"time"
)

// Message represents a single Harp frame.
type Message struct {
	Type        MessageType
	Address     uint8
	Port        uint8
	PayloadType PayloadType // without the timestamp flag
	Payload     []byte

	// Seconds is the device timestamp; only meaningful when HasTimestamp is set.
	Seconds      float64
	HasTimestamp bool

	// Checksum is filled in by the decoder.
	Checksum uint8

	// ReceivedAt is the local decode time (zero for locally built messages).
	ReceivedAt time.Time
}

// NewMessage creates a message for the device port with the given payload.
func NewMessage(msgType MessageType, address uint8, payloadType PayloadType, payload []byte) *Message {
	return &Message{
		Type:        msgType,
		Address:     address,
		Port:        DefaultPort,
		PayloadType: payloadType,
		Payload:     payload,
	}
}

// NewTimestampedMessage creates a message carrying a device timestamp.
func NewTimestampedMessage(seconds float64, msgType MessageType, address uint8, payloadType PayloadType, payload []byte) *Message {
	m := NewMessage(msgType, address, payloadType, payload)
	m.Seconds = seconds
	m.HasTimestamp = true
	return m
}

// NewReadRequest creates a read request. Read requests carry no payload.
func NewReadRequest(address uint8, payloadType PayloadType) *Message {
	return NewMessage(MessageRead, address, payloadType, nil)
}

// IsError reports whether the device flagged this message as an error reply.
func (m *Message) IsError() bool {
	return m.Type.IsError()
}

// IsEvent reports whether the message was emitted unsolicited by the device.
func (m *Message) IsEvent() bool {
	return m.Type == MessageEvent
}

// Count returns the number of payload elements.
func (m *Message) Count() int {
	size := m.PayloadType.Size()
	if size == 0 {
		return 0
	}
	return len(m.Payload) / size
}

// Uint reads element i as an unsigned integer, widening it to 64 bits.
// Signed elements are sign extended, float elements return their raw bits.
func (m *Message) Uint(i int) (uint64, bool) {
	size := m.PayloadType.Size()
	off := i * size
	if size == 0 || i < 0 || off+size > len(m.Payload) {
		return 0, false
	}
	b := m.Payload[off : off+size]
	switch size {
	case 1:
		if m.PayloadType.Signed() {
			return uint64(int64(int8(b[0]))), true
		}
		return uint64(b[0]), true
	case 2:
		v := binary.LittleEndian.Uint16(b)
		if m.PayloadType.Signed() {
			return uint64(int64(int16(v))), true
		}
		return uint64(v), true
	case 4:
		v := binary.LittleEndian.Uint32(b)
		if m.PayloadType.Signed() {
			return uint64(int64(int32(v))), true
		}
		return uint64(v), true
	case 8:
		return binary.LittleEndian.Uint64(b), true
	}
	return 0, false
}

// Float reads element i of a Float payload.
func (m *Message) Float(i int) (float32, bool) {
	if m.PayloadType != TypeFloat {
		return 0, false
	}
	bits, ok := m.Uint(i)
	if !ok {
		return 0, false
	}
	return math.Float32frombits(uint32(bits)), true
}

// Timestamp converts the device timestamp to a duration since the device epoch.
func (m *Message) Timestamp() (time.Duration, bool) {
	if !m.HasTimestamp {
		return 0, false
	}
	return time.Duration(m.Seconds * float64(time.Second)), true
}

// splitSeconds converts fractional seconds to the wire representation.
func splitSeconds(seconds float64) (uint32, uint16, error) {
	if math.IsNaN(seconds) || seconds < 0 || seconds >= float64(math.MaxUint32)+1 {
		return 0, 0, ErrInvalidTimestamp
	}
	whole := math.Floor(seconds)
	ticks := math.Round((seconds - whole) * ticksPerSecond)
	if ticks >= ticksPerSecond {
		whole++
		ticks = 0
	}
	if whole > math.MaxUint32 {
		return 0, 0, ErrInvalidTimestamp
	}
	return uint32(whole), uint16(ticks), nil
}

// joinSeconds converts the wire representation to fractional seconds.
func joinSeconds(whole uint32, ticks uint16) float64 {
	return float64(whole) + float64(uint32(ticks)*TickMicroseconds)/1e6
}
