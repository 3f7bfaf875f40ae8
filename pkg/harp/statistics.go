// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package harp

import (
	"errors"
	"fmt"
	"time"
)

// Statistics tracks frame statistics and error rates
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames     uint64
	ValidFrames     uint64
	Events          uint64
	Replies         uint64
	ErrorReplies    uint64
	ChecksumErrors  uint64
	DecodeErrors    uint64
	LengthErrors    uint64
	Anomalies       uint64
	UnknownRegister uint64
	OutOfRange      uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update updates statistics based on a frame and its errors
func (s *Statistics) Update(m *Message, decodeErr error, validationErrors []ValidationError) {
	s.TotalFrames++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		switch {
		case errors.Is(decodeErr, ErrChecksumMismatch):
			s.ChecksumErrors++
		case errors.Is(decodeErr, ErrPayloadLength), errors.Is(decodeErr, ErrFrameLength):
			s.LengthErrors++
			s.DecodeErrors++
		default:
			s.DecodeErrors++
		}
		return
	}

	switch {
	case m.IsError():
		s.ErrorReplies++
	case m.IsEvent():
		s.Events++
	default:
		s.Replies++
	}

	anomalous := false
	for _, v := range validationErrors {
		switch v.Type {
		case AnomalyUnknownRegister:
			s.UnknownRegister++
			anomalous = true
		case AnomalyOutOfRange, AnomalyUnknownMember, AnomalyTypeMismatch:
			s.OutOfRange++
			anomalous = true
		}
	}
	if anomalous {
		s.Anomalies++
		return
	}
	s.ValidFrames++
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		errorCount := s.ChecksumErrors + s.DecodeErrors + s.Anomalies
		s.ErrorRate = float64(errorCount) / elapsed
	}
}

func percent(n, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100.0 / float64(total)
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()

	elapsed := time.Since(s.StartTime)

	result := fmt.Sprintf("=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	result += fmt.Sprintf("Total Frames:    %8d\n", s.TotalFrames)
	result += fmt.Sprintf("Valid Frames:    %8d (%.1f%%)\n", s.ValidFrames, percent(s.ValidFrames, s.TotalFrames))
	result += fmt.Sprintf("  Events:           %5d\n", s.Events)
	result += fmt.Sprintf("  Replies:          %5d\n", s.Replies)

	if s.ErrorReplies > 0 {
		result += fmt.Sprintf("Error Replies:   %8d (%.1f%%)\n", s.ErrorReplies, percent(s.ErrorReplies, s.TotalFrames))
	}
	if s.ChecksumErrors > 0 {
		result += fmt.Sprintf("Checksum Errors: %8d (%.1f%%)\n", s.ChecksumErrors, percent(s.ChecksumErrors, s.TotalFrames))
	}
	if s.DecodeErrors > 0 {
		result += fmt.Sprintf("Decode Errors:   %8d (%.1f%%)\n", s.DecodeErrors, percent(s.DecodeErrors, s.TotalFrames))
		if s.LengthErrors > 0 {
			result += fmt.Sprintf("  Length Errors:    %5d\n", s.LengthErrors)
		}
	}
	if s.Anomalies > 0 {
		result += fmt.Sprintf("Anomalies:       %8d (%.1f%%)\n", s.Anomalies, percent(s.Anomalies, s.TotalFrames))
		if s.UnknownRegister > 0 {
			result += fmt.Sprintf("  Unknown Register: %5d\n", s.UnknownRegister)
		}
		if s.OutOfRange > 0 {
			result += fmt.Sprintf("  Out Of Range:     %5d\n", s.OutOfRange)
		}
	}

	result += fmt.Sprintf("Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	result += fmt.Sprintf("Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	result += "================================\n"

	return result
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
