// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Thermoquad/harpstat/pkg/harp"
)

// lookupRegister finds a register by name (case insensitive) or address.
func lookupRegister(catalog *harp.Catalog, arg string) (harp.Descriptor, error) {
	if n, err := strconv.ParseUint(arg, 0, 8); err == nil {
		return catalog.Lookup(uint8(n))
	}
	if d, ok := catalog.ByName(arg); ok {
		return d, nil
	}
	for _, d := range catalog.Descriptors() {
		if strings.EqualFold(d.Name, arg) {
			return d, nil
		}
	}
	return harp.Descriptor{}, fmt.Errorf("%w: %q", harp.ErrUnknownRegister, arg)
}

// parseValue converts a command line value to the wire payload of desc.
//
// Enum registers accept member names, flag registers accept names joined by
// "|", and the device name accepts any string.
func parseValue(desc harp.Descriptor, arg string) ([]byte, error) {
	if desc.Address == harp.AddressDeviceName {
		if len(arg) > desc.Size() {
			return nil, fmt.Errorf("device name is limited to %d bytes", desc.Size())
		}
		b := make([]byte, desc.Size())
		copy(b, arg)
		return b, nil
	}
	if desc.Length != 1 {
		return nil, fmt.Errorf("register %s holds %d elements and cannot be written from the command line", desc.Name, desc.Length)
	}

	if desc.Type.Float() {
		f, err := strconv.ParseFloat(arg, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q for %s: %w", arg, desc.Name, err)
		}
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(float32(f))), nil
	}

	v, err := parseInteger(desc, arg)
	if err != nil {
		return nil, err
	}
	if desc.Kind == harp.KindEnum {
		if _, ok := desc.MemberName(v); !ok {
			return nil, &harp.RangeError{Register: desc.Name, Value: v, Detail: "is not a defined member"}
		}
	}
	if desc.Range != nil && !desc.Range.Contains(v) {
		return nil, &harp.RangeError{
			Register: desc.Name,
			Value:    v,
			Detail:   fmt.Sprintf("is outside [%d, %d]", desc.Range.Min, desc.Range.Max),
		}
	}

	size := desc.Type.Size()
	if size < 8 && !desc.Type.Signed() && v >= 1<<(8*size) {
		return nil, fmt.Errorf("value %d does not fit in %s", v, desc.Type)
	}
	b := binary.LittleEndian.AppendUint64(nil, v)
	return b[:size], nil
}

func parseInteger(desc harp.Descriptor, arg string) (uint64, error) {
	switch desc.Kind {
	case harp.KindEnum:
		for v, name := range desc.Members {
			if strings.EqualFold(name, arg) {
				return v, nil
			}
		}
	case harp.KindFlags:
		if strings.EqualFold(arg, "none") {
			return 0, nil
		}
		if strings.ContainsAny(arg, "|") || !isNumber(arg) {
			var v uint64
			for _, part := range strings.Split(arg, "|") {
				bit, ok := memberValue(desc, strings.TrimSpace(part))
				if !ok {
					return 0, fmt.Errorf("unknown flag %q for %s", part, desc.Name)
				}
				v |= bit
			}
			return v, nil
		}
	}

	if desc.Type.Signed() {
		n, err := strconv.ParseInt(arg, 0, desc.Type.Size()*8)
		if err != nil {
			return 0, fmt.Errorf("invalid value %q for %s: %w", arg, desc.Name, err)
		}
		return uint64(n), nil
	}
	n, err := strconv.ParseUint(arg, 0, desc.Type.Size()*8)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q for %s: %w", arg, desc.Name, err)
	}
	return n, nil
}

func memberValue(desc harp.Descriptor, name string) (uint64, bool) {
	for v, n := range desc.Members {
		if strings.EqualFold(n, name) {
			return v, true
		}
	}
	return 0, false
}

func isNumber(s string) bool {
	_, err := strconv.ParseUint(s, 0, 64)
	return err == nil
}
