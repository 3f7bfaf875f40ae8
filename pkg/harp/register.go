// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package harp

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Timestamped pairs a register value with the device timestamp of its frame.
type Timestamped[T any] struct {
	Value   T
	Seconds float64
}

// Register is a Descriptor plus the codec for its typed value.
type Register[T any] struct {
	Descriptor

	encode func(T) []byte
	decode func([]byte) T
	raw    func(T) uint64 // nil for array registers
}

func newRegister[T any](d Descriptor, typ PayloadType, enc func(T) []byte, dec func([]byte) T, raw func(T) uint64) *Register[T] {
	d.Type = typ
	if d.Length == 0 {
		d.Length = 1
	}
	if d.Access == 0 {
		d.Access = AccessRead | AccessWrite
	}
	return &Register[T]{Descriptor: d, encode: enc, decode: dec, raw: raw}
}

// NewU8 declares a single U8 register.
func NewU8[T ~uint8](d Descriptor) *Register[T] {
	return newRegister(d, TypeU8,
		func(v T) []byte { return []byte{uint8(v)} },
		func(b []byte) T { return T(b[0]) },
		func(v T) uint64 { return uint64(v) })
}

// NewS8 declares a single S8 register.
func NewS8[T ~int8](d Descriptor) *Register[T] {
	return newRegister(d, TypeS8,
		func(v T) []byte { return []byte{uint8(v)} },
		func(b []byte) T { return T(int8(b[0])) },
		func(v T) uint64 { return uint64(v) })
}

// NewU16 declares a single U16 register.
func NewU16[T ~uint16](d Descriptor) *Register[T] {
	return newRegister(d, TypeU16,
		func(v T) []byte { return binary.LittleEndian.AppendUint16(nil, uint16(v)) },
		func(b []byte) T { return T(binary.LittleEndian.Uint16(b)) },
		func(v T) uint64 { return uint64(v) })
}

// NewS16 declares a single S16 register.
func NewS16[T ~int16](d Descriptor) *Register[T] {
	return newRegister(d, TypeS16,
		func(v T) []byte { return binary.LittleEndian.AppendUint16(nil, uint16(v)) },
		func(b []byte) T { return T(int16(binary.LittleEndian.Uint16(b))) },
		func(v T) uint64 { return uint64(v) })
}

// NewU32 declares a single U32 register.
func NewU32[T ~uint32](d Descriptor) *Register[T] {
	return newRegister(d, TypeU32,
		func(v T) []byte { return binary.LittleEndian.AppendUint32(nil, uint32(v)) },
		func(b []byte) T { return T(binary.LittleEndian.Uint32(b)) },
		func(v T) uint64 { return uint64(v) })
}

// NewS32 declares a single S32 register.
func NewS32[T ~int32](d Descriptor) *Register[T] {
	return newRegister(d, TypeS32,
		func(v T) []byte { return binary.LittleEndian.AppendUint32(nil, uint32(v)) },
		func(b []byte) T { return T(int32(binary.LittleEndian.Uint32(b))) },
		func(v T) uint64 { return uint64(v) })
}

// NewU64 declares a single U64 register.
func NewU64[T ~uint64](d Descriptor) *Register[T] {
	return newRegister(d, TypeU64,
		func(v T) []byte { return binary.LittleEndian.AppendUint64(nil, uint64(v)) },
		func(b []byte) T { return T(binary.LittleEndian.Uint64(b)) },
		func(v T) uint64 { return uint64(v) })
}

// NewS64 declares a single S64 register.
func NewS64[T ~int64](d Descriptor) *Register[T] {
	return newRegister(d, TypeS64,
		func(v T) []byte { return binary.LittleEndian.AppendUint64(nil, uint64(v)) },
		func(b []byte) T { return T(int64(binary.LittleEndian.Uint64(b))) },
		func(v T) uint64 { return uint64(v) })
}

// NewFloat declares a single Float register. Range checks do not apply.
func NewFloat[T ~float32](d Descriptor) *Register[T] {
	return newRegister(d, TypeFloat,
		func(v T) []byte { return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(v))) },
		func(b []byte) T { return T(math.Float32frombits(binary.LittleEndian.Uint32(b))) },
		nil)
}

// NewU8Array declares a fixed length U8 array register, such as the device name.
// Values shorter than Length are zero padded on encode.
func NewU8Array(d Descriptor) *Register[[]byte] {
	r := newRegister(d, TypeU8, nil,
		func(b []byte) []byte { return append([]byte(nil), b...) },
		nil)
	n := r.Length
	r.encode = func(v []byte) []byte {
		out := make([]byte, n)
		copy(out, v)
		return out
	}
	return r
}

func (r *Register[T]) payloadError(m *Message, format string, args ...interface{}) error {
	return &PayloadDecodeError{
		Register: r.Name,
		Address:  m.Address,
		Reason:   fmt.Sprintf(format, args...),
	}
}

// Payload decodes the typed value of m.
// Returns a *PayloadDecodeError when m does not carry this register's payload.
func (r *Register[T]) Payload(m *Message) (T, error) {
	var zero T
	if m.Address != r.Address {
		return zero, r.payloadError(m, "frame is for address %d", m.Address)
	}
	if m.PayloadType != r.Type {
		return zero, r.payloadError(m, "payload type %s, want %s", m.PayloadType, r.Type)
	}
	if len(m.Payload) != r.Size() {
		return zero, r.payloadError(m, "payload is %d bytes, want %d", len(m.Payload), r.Size())
	}
	return r.decode(m.Payload), nil
}

// TimestampedPayload decodes the typed value of m together with its timestamp.
func (r *Register[T]) TimestampedPayload(m *Message) (Timestamped[T], error) {
	v, err := r.Payload(m)
	if err != nil {
		return Timestamped[T]{}, err
	}
	if !m.HasTimestamp {
		return Timestamped[T]{}, r.payloadError(m, "frame carries no timestamp")
	}
	return Timestamped[T]{Value: v, Seconds: m.Seconds}, nil
}

// Message builds a frame of the given type carrying v.
func (r *Register[T]) Message(msgType MessageType, v T) *Message {
	return NewMessage(msgType, r.Address, r.Type, r.encode(v))
}

// TimestampedMessage builds a timestamped frame of the given type carrying v.
func (r *Register[T]) TimestampedMessage(seconds float64, msgType MessageType, v T) *Message {
	return NewTimestampedMessage(seconds, msgType, r.Address, r.Type, r.encode(v))
}

// ReadRequest builds a read request for this register.
func (r *Register[T]) ReadRequest() *Message {
	return NewReadRequest(r.Address, r.Type)
}

// Validate checks v against the register range and enum members.
// Flag registers accept any bit pattern.
func (r *Register[T]) Validate(v T) error {
	if r.raw == nil {
		return nil
	}
	n := r.raw(v)
	if r.Kind == KindEnum {
		if _, ok := r.Members[n]; !ok {
			return &RangeError{Register: r.Name, Value: n, Detail: "is not a defined member"}
		}
	}
	if r.Range != nil && !r.Range.Contains(n) {
		return &RangeError{
			Register: r.Name,
			Value:    n,
			Detail:   fmt.Sprintf("is outside [%d, %d]", r.Range.Min, r.Range.Max),
		}
	}
	return nil
}
