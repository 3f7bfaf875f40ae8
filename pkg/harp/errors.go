// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package harp

import (
	"errors"
	"fmt"
)

// Catalog errors.
var (
	// ErrUnknownRegister indicates an address that is not in the catalog.
	ErrUnknownRegister = errors.New("unknown register")
)

// Decode errors. Each is non-fatal: the frame is dropped and the stream continues.
var (
	ErrTruncatedFrame         = errors.New("truncated frame")
	ErrFrameLength            = errors.New("invalid frame length")
	ErrChecksumMismatch       = errors.New("checksum mismatch")
	ErrInvalidMessageType     = errors.New("invalid message type")
	ErrUnsupportedPayloadType = errors.New("unsupported payload type")
	ErrPayloadLength          = errors.New("payload length does not match payload type")
	ErrInvalidTimestamp       = errors.New("timestamp out of range")
)

// Session and command errors.
var (
	ErrUnexpectedIdentity = errors.New("unexpected device identity")
	ErrOperationCancelled = errors.New("operation cancelled")
	ErrConnectionClosed   = errors.New("connection closed")
	ErrNotReady           = errors.New("device session is not ready")
	ErrProtocol           = errors.New("protocol error")
	ErrCommandRejected    = errors.New("command rejected by device")
)

// Typed payload errors.
var (
	ErrPayloadDecode = errors.New("payload decode error")
	ErrOutOfRange    = errors.New("value out of range")
)

// DecodeError describes a frame that could not be decoded.
// Address is only meaningful when HasAddress is true.
type DecodeError struct {
	Address    uint8
	HasAddress bool
	Err        error
	Detail     string
}

func (e *DecodeError) Error() string {
	msg := e.Err.Error()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.HasAddress {
		return fmt.Sprintf("address %d: %s", e.Address, msg)
	}
	return msg
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

func decodeError(frame []byte, err error, format string, args ...interface{}) *DecodeError {
	de := &DecodeError{Err: err}
	if format != "" {
		de.Detail = fmt.Sprintf(format, args...)
	}
	if len(frame) > 2 {
		de.Address = frame[2]
		de.HasAddress = true
	}
	return de
}

// IdentityError is returned by Connect when the device reports an unexpected WhoAmI.
type IdentityError struct {
	Connection string
	Expected   uint16
	Observed   uint16
}

func (e *IdentityError) Error() string {
	conn := e.Connection
	if conn == "" {
		conn = "the connection"
	}
	return fmt.Sprintf("the device ID %d on %s was unexpected (expected %d)", e.Observed, conn, e.Expected)
}

func (e *IdentityError) Is(target error) bool {
	return target == ErrUnexpectedIdentity
}

// CommandError reports an error reply from the device.
type CommandError struct {
	Reply *Message
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s reply for address %d", ErrCommandRejected, e.Reply.Type, e.Reply.Address)
}

func (e *CommandError) Is(target error) bool {
	return target == ErrCommandRejected
}

// PayloadDecodeError reports a frame whose payload cannot be converted to the
// register's typed value.
type PayloadDecodeError struct {
	Register string
	Address  uint8
	Reason   string
}

func (e *PayloadDecodeError) Error() string {
	return fmt.Sprintf("%s: register %s (%d): %s", ErrPayloadDecode, e.Register, e.Address, e.Reason)
}

func (e *PayloadDecodeError) Is(target error) bool {
	return target == ErrPayloadDecode
}

// RangeError reports a value rejected before it was sent.
type RangeError struct {
	Register string
	Value    uint64
	Detail   string
}

func (e *RangeError) Error() string {
	return fmt.Sprintf("%s: register %s value %d %s", ErrOutOfRange, e.Register, e.Value, e.Detail)
}

func (e *RangeError) Is(target error) bool {
	return target == ErrOutOfRange
}
