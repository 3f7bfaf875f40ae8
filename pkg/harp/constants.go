// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package harp provides a Go implementation of the Harp binary register protocol.
//
// Harp devices expose their state as numbered, typed registers. Hosts read
// and write registers with request frames and the device answers with reply
// frames for the same address, or emits event frames on its own. This package
// provides frame encoding/decoding, checksum validation, a register catalog,
// an asynchronous command engine over a single byte-stream transport and
// channel based combinators for routing frames to typed values.
package harp

// Frame layout
const (
	// MinFrameSize is the size of a frame with no timestamp and no payload:
	// type, length, address, port, payload type and checksum.
	MinFrameSize = 6

	// MaxFrameSize is the largest frame a one-byte length field can describe.
	MaxFrameSize = 255 + 2

	// TimestampSize is the wire size of the optional timestamp: u32 seconds
	// followed by u16 ticks of 32 microseconds.
	TimestampSize = 6

	// headerSize covers type, length, address, port and payload type.
	headerSize = 5

	// MaxPayloadSize is the payload capacity of a timestamped frame.
	MaxPayloadSize = 255 - 4 - TimestampSize

	// TickMicroseconds is the resolution of the wire timestamp.
	TickMicroseconds = 32

	ticksPerSecond = 1_000_000 / TickMicroseconds
)

// DefaultPort addresses the device itself rather than a downstream hub port.
const DefaultPort = 0xFF

// DefaultBaudRate is the serial speed used by Harp devices.
const DefaultBaudRate = 1_000_000

// MessageType identifies the kind of frame.
type MessageType uint8

// Message types
const (
	MessageRead  MessageType = 0x01
	MessageWrite MessageType = 0x02
	MessageEvent MessageType = 0x03

	// MessageErrorFlag is set on replies the device could not honor.
	MessageErrorFlag MessageType = 0x08

	MessageReadError  = MessageRead | MessageErrorFlag
	MessageWriteError = MessageWrite | MessageErrorFlag
)

// IsError reports whether the error flag is set.
func (t MessageType) IsError() bool {
	return t&MessageErrorFlag != 0
}

// Base returns the message type without the error flag.
func (t MessageType) Base() MessageType {
	return t &^ MessageErrorFlag
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageRead, MessageWrite, MessageEvent, MessageReadError, MessageWriteError:
		return true
	}
	return false
}

// String returns the protocol name of the message type.
func (t MessageType) String() string {
	switch t {
	case MessageRead:
		return "READ"
	case MessageWrite:
		return "WRITE"
	case MessageEvent:
		return "EVENT"
	case MessageReadError:
		return "READ_ERROR"
	case MessageWriteError:
		return "WRITE_ERROR"
	default:
		return "UNKNOWN"
	}
}

// PayloadType is the element type tag carried in every frame.
type PayloadType uint8

// Payload type flags
const (
	payloadSizeMask      PayloadType = 0x0F
	payloadFloatFlag     PayloadType = 0x40
	payloadSignedFlag    PayloadType = 0x80
	payloadTimestampFlag PayloadType = 0x10
)

// Payload types
const (
	TypeU8    PayloadType = 0x01
	TypeS8    PayloadType = 0x81
	TypeU16   PayloadType = 0x02
	TypeS16   PayloadType = 0x82
	TypeU32   PayloadType = 0x04
	TypeS32   PayloadType = 0x84
	TypeU64   PayloadType = 0x08
	TypeS64   PayloadType = 0x88
	TypeFloat PayloadType = 0x44
)

// Size returns the size in bytes of one element.
func (p PayloadType) Size() int {
	return int(p & payloadSizeMask)
}

// Signed reports whether elements are two's complement integers.
func (p PayloadType) Signed() bool {
	return p&payloadSignedFlag != 0
}

// Float reports whether elements are IEEE 754 single precision values.
func (p PayloadType) Float() bool {
	return p&payloadFloatFlag != 0
}

// Valid reports whether p is one of the supported payload types.
func (p PayloadType) Valid() bool {
	switch p {
	case TypeU8, TypeS8, TypeU16, TypeS16, TypeU32, TypeS32, TypeU64, TypeS64, TypeFloat:
		return true
	}
	return false
}

// String returns the short name of the payload type.
func (p PayloadType) String() string {
	switch p {
	case TypeU8:
		return "U8"
	case TypeS8:
		return "S8"
	case TypeU16:
		return "U16"
	case TypeS16:
		return "S16"
	case TypeU32:
		return "U32"
	case TypeS32:
		return "S32"
	case TypeU64:
		return "U64"
	case TypeS64:
		return "S64"
	case TypeFloat:
		return "Float"
	default:
		return "UNKNOWN"
	}
}

// Decoder states (internal)
const (
	stateType = iota
	stateLength
	stateBody
)
