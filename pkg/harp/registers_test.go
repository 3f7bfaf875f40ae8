// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package harp

import (
	"errors"
	"strings"
	"testing"
)

// ============================================================
// Catalog Tests
// ============================================================

func TestCatalog_Lookup(t *testing.T) {
	c := CoreCatalog()

	d, err := c.Lookup(AddressWhoAmI)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Name != "WhoAmI" || d.Type != TypeU16 || d.Length != 1 {
		t.Errorf("unexpected descriptor: %+v", d)
	}

	_, err = c.Lookup(200)
	if !errors.Is(err, ErrUnknownRegister) {
		t.Errorf("expected ErrUnknownRegister, got %v", err)
	}
	if !strings.Contains(err.Error(), "200") {
		t.Errorf("error should name the address: %v", err)
	}
}

func TestCatalog_DuplicateAddress(t *testing.T) {
	_, err := NewCatalog(
		Descriptor{Address: 32, Name: "A", Type: TypeU8, Length: 1},
		Descriptor{Address: 32, Name: "B", Type: TypeU16, Length: 1},
	)
	if err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Errorf("expected duplicate address error, got %v", err)
	}
}

func TestCatalog_InvalidDescriptor(t *testing.T) {
	tests := []struct {
		name string
		desc Descriptor
	}{
		{"missing name", Descriptor{Address: 1, Type: TypeU8, Length: 1}},
		{"bad type", Descriptor{Address: 1, Name: "X", Type: 0x03, Length: 1}},
		{"zero length", Descriptor{Address: 1, Name: "X", Type: TypeU8}},
		{"inverted range", Descriptor{Address: 1, Name: "X", Type: TypeU8, Length: 1, Range: &Range{Min: 5, Max: 1}}},
		{"empty enum", Descriptor{Address: 1, Name: "X", Type: TypeU8, Length: 1, Kind: KindEnum}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewCatalog(tt.desc); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestCatalog_DescriptorsSorted(t *testing.T) {
	c := MustCatalog(
		Descriptor{Address: 36, Name: "C", Type: TypeU32, Length: 1},
		Descriptor{Address: 32, Name: "A", Type: TypeU16, Length: 1},
		Descriptor{Address: 34, Name: "B", Type: TypeU16, Length: 1},
	)
	descs := c.Descriptors()
	if c.Len() != 3 || len(descs) != 3 {
		t.Fatalf("expected 3 descriptors, got %d", len(descs))
	}
	for i, want := range []uint8{32, 34, 36} {
		if descs[i].Address != want {
			t.Errorf("position %d: expected address %d, got %d", i, want, descs[i].Address)
		}
	}
	if d, ok := c.ByName("B"); !ok || d.Address != 34 {
		t.Errorf("ByName failed: %+v %v", d, ok)
	}
}

func TestCoreDescriptors(t *testing.T) {
	c := CoreCatalog()
	if c.Len() != 15 {
		t.Errorf("expected 15 core registers, got %d", c.Len())
	}
	name, _ := c.Lookup(AddressDeviceName)
	if name.Length != DeviceNameLength || name.Size() != DeviceNameLength {
		t.Errorf("device name should hold %d bytes, got %d", DeviceNameLength, name.Size())
	}
	seconds, _ := c.Lookup(AddressTimestampSeconds)
	if seconds.Type != TypeU32 {
		t.Errorf("timestamp seconds should be U32, got %s", seconds.Type)
	}
}

// ============================================================
// Typed Register Tests
// ============================================================

type mode uint8

func TestRegister_EnumValidation(t *testing.T) {
	reg := NewU8[mode](Descriptor{
		Address: 35,
		Name:    "Mode",
		Kind:    KindEnum,
		Members: map[uint64]string{0: "Off", 1: "On"},
	})

	if err := reg.Validate(1); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	err := reg.Validate(3)
	if !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
}

func TestRegister_FlagsAcceptAnyBits(t *testing.T) {
	reg := NewU16[uint16](Descriptor{
		Address: 32,
		Name:    "Flags",
		Kind:    KindFlags,
		Members: map[uint64]string{0x1: "A"},
	})
	if err := reg.Validate(0xFFFF); err != nil {
		t.Errorf("flags should not be validated: %v", err)
	}
}

func TestRegister_RangeBounds(t *testing.T) {
	reg := NewU32[uint32](Descriptor{Address: 36, Name: "Baud", Range: &Range{Min: 40, Max: 1_000_000}})
	for _, v := range []uint32{40, 1000, 1_000_000} {
		if err := reg.Validate(v); err != nil {
			t.Errorf("%d: unexpected error: %v", v, err)
		}
	}
	for _, v := range []uint32{0, 39, 1_000_001} {
		if err := reg.Validate(v); !errors.Is(err, ErrOutOfRange) {
			t.Errorf("%d: expected ErrOutOfRange, got %v", v, err)
		}
	}
}

func TestRegister_SignedAndFloat(t *testing.T) {
	s32 := NewS32[int32](Descriptor{Address: 50, Name: "Offset"})
	v, err := s32.Payload(s32.Message(MessageEvent, -123456))
	if err != nil || v != -123456 {
		t.Errorf("expected -123456, got %d (%v)", v, err)
	}

	f := NewFloat[float32](Descriptor{Address: 51, Name: "Gain"})
	g, err := f.Payload(f.Message(MessageEvent, 0.25))
	if err != nil || g != 0.25 {
		t.Errorf("expected 0.25, got %v (%v)", g, err)
	}
}

func TestRegister_DeviceName(t *testing.T) {
	m := DeviceName.Message(MessageWrite, []byte("WhiteRabbit"))
	if len(m.Payload) != DeviceNameLength {
		t.Fatalf("expected %d bytes, got %d", DeviceNameLength, len(m.Payload))
	}
	v, err := DeviceName.Payload(m)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := DecodeString(v); got != "WhiteRabbit" {
		t.Errorf("expected WhiteRabbit, got %q", got)
	}
}

func TestRegister_PayloadErrors(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"wrong address", NewMessage(MessageRead, 1, TypeU16, []byte{1, 0})},
		{"wrong type", NewMessage(MessageRead, 0, TypeU8, []byte{1})},
		{"wrong length", NewMessage(MessageRead, 0, TypeU16, []byte{1, 0, 2, 0})},
		{"empty", NewMessage(MessageRead, 0, TypeU16, nil)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := WhoAmI.Payload(tt.msg)
			var pe *PayloadDecodeError
			if !errors.As(err, &pe) {
				t.Fatalf("expected *PayloadDecodeError, got %v", err)
			}
			if pe.Register != "WhoAmI" {
				t.Errorf("expected register WhoAmI, got %s", pe.Register)
			}
		})
	}

	_, err := WhoAmI.TimestampedPayload(WhoAmI.Message(MessageRead, 1))
	if !errors.Is(err, ErrPayloadDecode) {
		t.Errorf("missing timestamp should fail, got %v", err)
	}
}

// ============================================================
// Formatter and Validator Tests
// ============================================================

func TestFormatFlags(t *testing.T) {
	desc := OperationControl.Descriptor
	if got := FormatFlags(desc, 0x82); got != "ActiveMode|Heartbeat" {
		t.Errorf("unexpected flags: %s", got)
	}
	if got := FormatFlags(desc, 0x10); got != "0x10" {
		t.Errorf("unnamed bits should be hex, got %s", got)
	}
	if got := FormatFlags(desc, 0); got != "None" {
		t.Errorf("expected None, got %s", got)
	}
}

func TestFormatMessage(t *testing.T) {
	out := FormatMessage(WhoAmI.TimestampedMessage(2.5, MessageRead, 1404), CoreCatalog())
	for _, want := range []string{"READ", "WhoAmI", "1404", "2.500000s"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	out = FormatMessage(NewMessage(MessageEvent, 99, TypeS8, []byte{0xFF, 0x01}), nil)
	if !strings.Contains(out, "R99") || !strings.Contains(out, "[-1, 1]") {
		t.Errorf("unexpected output:\n%s", out)
	}
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		seconds  float64
		expected string
	}{
		{1, "1 second"},
		{61, "1 minute and 1 second"},
		{90061, "1 day, 1 hour, 1 minute, and 1 second"},
	}
	for _, tt := range tests {
		if got := FormatUptime(tt.seconds); got != tt.expected {
			t.Errorf("%v: expected %q, got %q", tt.seconds, tt.expected, got)
		}
	}
}

func TestValidateMessage(t *testing.T) {
	catalog := MustCatalog(append(CoreDescriptors(), testFrequency.Descriptor)...)

	if errs := ValidateMessage(testFrequency.Message(MessageEvent, 100), catalog); len(errs) != 0 {
		t.Errorf("unexpected anomalies: %v", errs)
	}

	errs := ValidateMessage(testFrequency.Message(MessageEvent, 900), catalog)
	if len(errs) != 1 || errs[0].Type != AnomalyOutOfRange {
		t.Errorf("expected out of range anomaly, got %v", errs)
	}

	errs = ValidateMessage(NewMessage(MessageEvent, 120, TypeU8, []byte{1}), catalog)
	if len(errs) != 1 || errs[0].Type != AnomalyUnknownRegister {
		t.Errorf("expected unknown register anomaly, got %v", errs)
	}

	errs = ValidateMessage(testFrequency.Message(MessageWriteError, 100), catalog)
	if len(errs) != 1 || errs[0].Type != AnomalyErrorReply {
		t.Errorf("expected error reply anomaly, got %v", errs)
	}
}

func TestStatistics_Update(t *testing.T) {
	s := NewStatistics()
	catalog := CoreCatalog()

	ok := WhoAmI.Message(MessageRead, 1404)
	s.Update(ok, nil, ValidateMessage(ok, catalog))

	unknown := NewMessage(MessageEvent, 77, TypeU8, []byte{1})
	s.Update(unknown, nil, ValidateMessage(unknown, catalog))

	s.Update(nil, &DecodeError{Err: ErrChecksumMismatch}, nil)
	s.Update(nil, &DecodeError{Err: ErrPayloadLength}, nil)

	if s.TotalFrames != 4 || s.ValidFrames != 1 || s.Anomalies != 1 {
		t.Errorf("unexpected counters: %+v", s)
	}
	if s.ChecksumErrors != 1 || s.DecodeErrors != 1 || s.LengthErrors != 1 {
		t.Errorf("unexpected error counters: %+v", s)
	}
	if !strings.Contains(s.String(), "Checksum Errors") {
		t.Errorf("summary should list checksum errors:\n%s", s)
	}

	s.Reset()
	if s.TotalFrames != 0 {
		t.Error("reset should clear counters")
	}
}
