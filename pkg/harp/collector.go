// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package harp

import (
	"errors"
	"time"
)

// Collector receives session telemetry from a Device.
//
// Hooks run inline on the reader loop and the command path, so
// implementations must not block.
type Collector interface {
	IncFramesReceived(messageType string)
	IncFramesSent(messageType string)
	IncDecodeErrors(reason string)
	ObserveCommand(messageType string, outcome string, d time.Duration)
}

type noopCollector struct{}

// NoopCollector returns a collector that discards all telemetry.
func NoopCollector() Collector {
	return noopCollector{}
}

func (noopCollector) IncFramesReceived(string)                     {}
func (noopCollector) IncFramesSent(string)                         {}
func (noopCollector) IncDecodeErrors(string)                       {}
func (noopCollector) ObserveCommand(string, string, time.Duration) {}

// ErrorReason maps an error to a short label suitable for metrics and statistics.
func ErrorReason(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, ErrTruncatedFrame):
		return "truncated"
	case errors.Is(err, ErrFrameLength):
		return "frame_length"
	case errors.Is(err, ErrInvalidMessageType):
		return "message_type"
	case errors.Is(err, ErrUnsupportedPayloadType):
		return "payload_type"
	case errors.Is(err, ErrPayloadLength):
		return "payload_length"
	case errors.Is(err, ErrPayloadDecode):
		return "payload_decode"
	case errors.Is(err, ErrOperationCancelled):
		return "cancelled"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	case errors.Is(err, ErrCommandRejected):
		return "rejected"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrOutOfRange):
		return "out_of_range"
	default:
		return "other"
	}
}
