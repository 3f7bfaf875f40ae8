// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package harp

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// FormatMessage formats a message into a human-readable string.
// catalog may be nil, in which case registers are shown by address only.
func FormatMessage(m *Message, catalog *Catalog) string {
	received := "--:--:--.---"
	if !m.ReceivedAt.IsZero() {
		received = m.ReceivedAt.Format("15:04:05.000")
	}

	name := fmt.Sprintf("R%d", m.Address)
	desc, err := catalog.Lookup(m.Address)
	known := err == nil
	if known {
		name = desc.Name
	}

	result := fmt.Sprintf("[%s] %-11s %s (addr=%d port=0x%02X type=%s", received, m.Type, name, m.Address, m.Port, m.PayloadType)
	if m.HasTimestamp {
		result += fmt.Sprintf(" t=%s", FormatSeconds(m.Seconds))
	}
	result += ")\n"

	if len(m.Payload) == 0 {
		return result + "  (no payload)\n"
	}
	if known {
		return result + "  " + FormatValue(desc, m) + "\n"
	}
	return result + "  " + formatElements(m) + "\n"
}

// FormatValue formats the payload of m according to desc.
func FormatValue(desc Descriptor, m *Message) string {
	if desc.Length > 1 {
		if desc.Type == TypeU8 && desc.Name == DeviceName.Name {
			return fmt.Sprintf("%q", DecodeString(m.Payload))
		}
		return formatElements(m)
	}

	v, ok := m.Uint(0)
	if !ok {
		return formatElements(m)
	}

	switch desc.Kind {
	case KindFlags:
		return fmt.Sprintf("%s (0x%0*X)", FormatFlags(desc, v), desc.Type.Size()*2, v)
	case KindEnum:
		if name, ok := desc.MemberName(v); ok {
			return fmt.Sprintf("%s (%d)", name, v)
		}
		return fmt.Sprintf("UNKNOWN (%d)", v)
	default:
		return formatElement(m, 0)
	}
}

// FormatFlags names every set bit of v. Unnamed bits are shown in hex.
func FormatFlags(desc Descriptor, v uint64) string {
	if v == 0 {
		if name, ok := desc.Members[0]; ok {
			return name
		}
		return "None"
	}

	bits := make([]uint64, 0, len(desc.Members))
	for bit := range desc.Members {
		if bit != 0 {
			bits = append(bits, bit)
		}
	}
	sort.Slice(bits, func(i, j int) bool { return bits[i] < bits[j] })

	parts := []string{}
	rest := v
	for _, bit := range bits {
		if v&bit == bit {
			parts = append(parts, desc.Members[bit])
			rest &^= bit
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%X", rest))
	}
	return strings.Join(parts, "|")
}

func formatElements(m *Message) string {
	n := m.Count()
	parts := make([]string, 0, n)
	for i := 0; i < n; i++ {
		parts = append(parts, formatElement(m, i))
	}
	if n == 1 {
		return parts[0]
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

func formatElement(m *Message, i int) string {
	if m.PayloadType.Float() {
		f, _ := m.Float(i)
		return fmt.Sprintf("%g", f)
	}
	v, _ := m.Uint(i)
	if m.PayloadType.Signed() {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%d", v)
}

// FormatSeconds renders a device timestamp as seconds with microsecond precision.
func FormatSeconds(seconds float64) string {
	return fmt.Sprintf("%.6fs", seconds)
}

// FormatUptime converts whole seconds to a human-readable duration.
func FormatUptime(seconds float64) string {
	total := uint64(math.Max(seconds, 0))
	if total == 0 {
		return fmt.Sprintf("%.3f seconds", seconds)
	}

	const (
		secondsPerMinute = 60
		secondsPerHour   = 60 * secondsPerMinute
		secondsPerDay    = 24 * secondsPerHour
	)

	days := total / secondsPerDay
	total %= secondsPerDay
	hours := total / secondsPerHour
	total %= secondsPerHour
	minutes := total / secondsPerMinute
	total %= secondsPerMinute

	parts := []string{}
	for _, p := range []struct {
		n    uint64
		unit string
	}{
		{days, "day"},
		{hours, "hour"},
		{minutes, "minute"},
		{total, "second"},
	} {
		switch {
		case p.n == 1:
			parts = append(parts, "1 "+p.unit)
		case p.n > 1:
			parts = append(parts, fmt.Sprintf("%d %ss", p.n, p.unit))
		}
	}

	switch len(parts) {
	case 1:
		return parts[0]
	case 2:
		return parts[0] + " and " + parts[1]
	default:
		last := parts[len(parts)-1]
		return strings.Join(parts[:len(parts)-1], ", ") + ", and " + last
	}
}
