// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package harp

import (
	"errors"
	"fmt"
	"sort"
)

// Kind describes how a register value is interpreted.
type Kind uint8

// Register kinds
const (
	KindValue Kind = iota
	KindFlags
	KindEnum
)

func (k Kind) String() string {
	switch k {
	case KindValue:
		return "value"
	case KindFlags:
		return "flags"
	case KindEnum:
		return "enum"
	default:
		return "unknown"
	}
}

// Access describes which message types a register answers.
type Access uint8

// Access modes
const (
	AccessRead Access = 1 << iota
	AccessWrite
	AccessEvent
)

// Has reports whether all bits of other are set.
func (a Access) Has(other Access) bool {
	return a&other == other
}

func (a Access) String() string {
	s := ""
	if a.Has(AccessRead) {
		s += "R"
	}
	if a.Has(AccessWrite) {
		s += "W"
	}
	if a.Has(AccessEvent) {
		s += "E"
	}
	if s == "" {
		return "-"
	}
	return s
}

// Range bounds the values accepted by a writable register (inclusive).
type Range struct {
	Min uint64
	Max uint64
}

// Contains reports whether v lies in the range.
func (r Range) Contains(v uint64) bool {
	return v >= r.Min && v <= r.Max
}

// Descriptor binds a register address to its payload type and element count.
type Descriptor struct {
	Address     uint8
	Name        string
	Type        PayloadType
	Length      int
	Kind        Kind
	Members     map[uint64]string // flag bits or enum values
	Range       *Range
	Access      Access
	Description string
}

// Size returns the payload size in bytes of a full register value.
func (d Descriptor) Size() int {
	return d.Type.Size() * d.Length
}

// MemberName returns the name of an enum value or single flag bit.
func (d Descriptor) MemberName(v uint64) (string, bool) {
	name, ok := d.Members[v]
	return name, ok
}

// Validate checks the descriptor for internal consistency.
func (d Descriptor) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("register %d: missing name", d.Address)
	}
	if !d.Type.Valid() {
		return fmt.Errorf("register %s: %w: 0x%02X", d.Name, ErrUnsupportedPayloadType, uint8(d.Type))
	}
	if d.Length < 1 {
		return fmt.Errorf("register %s: length must be at least 1, got %d", d.Name, d.Length)
	}
	if d.Range != nil && d.Range.Min > d.Range.Max {
		return fmt.Errorf("register %s: range minimum %d exceeds maximum %d", d.Name, d.Range.Min, d.Range.Max)
	}
	if d.Kind == KindEnum && len(d.Members) == 0 {
		return fmt.Errorf("register %s: enum without members", d.Name)
	}
	return nil
}

// Catalog maps register addresses to descriptors.
// A catalog is immutable after construction and safe for concurrent use.
type Catalog struct {
	byAddress map[uint8]Descriptor
	sorted    []Descriptor
}

// NewCatalog builds a catalog, rejecting invalid descriptors and duplicate addresses.
func NewCatalog(descs ...Descriptor) (*Catalog, error) {
	c := &Catalog{byAddress: make(map[uint8]Descriptor, len(descs))}
	var errs []error
	for _, d := range descs {
		if err := d.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if prev, ok := c.byAddress[d.Address]; ok {
			errs = append(errs, fmt.Errorf("duplicate register address %d: %s and %s", d.Address, prev.Name, d.Name))
			continue
		}
		c.byAddress[d.Address] = d
		c.sorted = append(c.sorted, d)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	sort.Slice(c.sorted, func(i, j int) bool {
		return c.sorted[i].Address < c.sorted[j].Address
	})
	return c, nil
}

// MustCatalog is like NewCatalog but panics on error.
func MustCatalog(descs ...Descriptor) *Catalog {
	c, err := NewCatalog(descs...)
	if err != nil {
		panic(fmt.Sprintf("harp: %v", err))
	}
	return c
}

// Lookup returns the descriptor for address.
func (c *Catalog) Lookup(address uint8) (Descriptor, error) {
	if c == nil {
		return Descriptor{}, fmt.Errorf("%w: address %d", ErrUnknownRegister, address)
	}
	d, ok := c.byAddress[address]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: address %d", ErrUnknownRegister, address)
	}
	return d, nil
}

// ByName finds a descriptor by its register name.
func (c *Catalog) ByName(name string) (Descriptor, bool) {
	if c == nil {
		return Descriptor{}, false
	}
	for _, d := range c.sorted {
		if d.Name == name {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Descriptors returns all descriptors sorted by address.
func (c *Catalog) Descriptors() []Descriptor {
	if c == nil {
		return nil
	}
	out := make([]Descriptor, len(c.sorted))
	copy(out, c.sorted)
	return out
}

// Len returns the number of registers.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.sorted)
}
