// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package harp

import "fmt"

// AnomalyType classifies a decoded frame that disagrees with the catalog.
type AnomalyType int

const (
	AnomalyUnknownRegister AnomalyType = iota
	AnomalyTypeMismatch
	AnomalyOutOfRange
	AnomalyUnknownMember
	AnomalyErrorReply
)

// ValidationError describes one anomaly found by ValidateMessage.
type ValidationError struct {
	Type    AnomalyType
	Address uint8
	Message string
}

// Error implements the error interface
func (v *ValidationError) Error() string {
	return v.Message
}

// ValidateMessage checks a decoded frame against catalog.
// Returns a slice of validation errors (empty if the frame is consistent).
// Flag registers are never checked against their named bits.
func ValidateMessage(m *Message, catalog *Catalog) []ValidationError {
	errors := []ValidationError{}

	if m.IsError() {
		errors = append(errors, ValidationError{
			Type:    AnomalyErrorReply,
			Address: m.Address,
			Message: fmt.Sprintf("%s reply for address %d", m.Type, m.Address),
		})
	}

	desc, err := catalog.Lookup(m.Address)
	if err != nil {
		return append(errors, ValidationError{
			Type:    AnomalyUnknownRegister,
			Address: m.Address,
			Message: err.Error(),
		})
	}

	if m.PayloadType != desc.Type {
		return append(errors, ValidationError{
			Type:    AnomalyTypeMismatch,
			Address: m.Address,
			Message: fmt.Sprintf("%s: payload type %s, expected %s", desc.Name, m.PayloadType, desc.Type),
		})
	}

	// Read requests carry no value.
	if len(m.Payload) == 0 || desc.Length != 1 || m.PayloadType.Float() {
		return errors
	}

	v, _ := m.Uint(0)
	switch {
	case desc.Kind == KindEnum:
		if _, ok := desc.Members[v]; !ok {
			errors = append(errors, ValidationError{
				Type:    AnomalyUnknownMember,
				Address: m.Address,
				Message: fmt.Sprintf("%s: %d is not a defined value", desc.Name, v),
			})
		}
	case desc.Range != nil && !desc.Range.Contains(v):
		errors = append(errors, ValidationError{
			Type:    AnomalyOutOfRange,
			Address: m.Address,
			Message: fmt.Sprintf("%s: %d outside [%d, %d]", desc.Name, v, desc.Range.Min, desc.Range.Max),
		})
	}

	return errors
}
