// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package whiterabbit

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/Thermoquad/harpstat/pkg/harp"
)

//go:embed device.yml
var deviceYAML []byte

// DeviceMetadata is the published register description of the device.
type DeviceMetadata struct {
	Device          string                   `yaml:"device"`
	WhoAmI          uint16                   `yaml:"whoAmI"`
	FirmwareVersion string                   `yaml:"firmwareVersion"`
	HardwareTargets string                   `yaml:"hardwareTargets"`
	Registers       map[string]RegisterInfo  `yaml:"registers"`
	BitMasks        map[string]BitMaskInfo   `yaml:"bitMasks"`
	GroupMasks      map[string]GroupMaskInfo `yaml:"groupMasks"`
}

// RegisterInfo describes one register.
type RegisterInfo struct {
	Name        string   `yaml:"-"`
	Address     uint8    `yaml:"address"`
	Type        string   `yaml:"type"`
	Access      []string `yaml:"access"`
	MaskType    string   `yaml:"maskType"`
	MinValue    *uint64  `yaml:"minValue"`
	MaxValue    *uint64  `yaml:"maxValue"`
	Description string   `yaml:"description"`
}

// BitMaskInfo names the bits of a flags register.
type BitMaskInfo struct {
	Description string            `yaml:"description"`
	Bits        map[string]uint64 `yaml:"bits"`
}

// GroupMaskInfo names the values of an enumerated register.
type GroupMaskInfo struct {
	Description string            `yaml:"description"`
	Values      map[string]uint64 `yaml:"values"`
}

var (
	metadataOnce sync.Once
	metadata     *DeviceMetadata
	metadataErr  error
)

// Metadata returns the embedded device description.
func Metadata() (*DeviceMetadata, error) {
	metadataOnce.Do(func() {
		metadata, metadataErr = parseMetadata(deviceYAML)
	})
	return metadata, metadataErr
}

func parseMetadata(data []byte) (*DeviceMetadata, error) {
	var m DeviceMetadata
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing device metadata: %w", err)
	}
	for name, r := range m.Registers {
		r.Name = name
		m.Registers[name] = r
	}
	return &m, nil
}

// SortedRegisters returns the registers in address order.
func (m *DeviceMetadata) SortedRegisters() []RegisterInfo {
	out := make([]RegisterInfo, 0, len(m.Registers))
	for _, r := range m.Registers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Descriptor converts the register description to a catalog descriptor.
func (m *DeviceMetadata) Descriptor(name string) (harp.Descriptor, error) {
	r, ok := m.Registers[name]
	if !ok {
		return harp.Descriptor{}, fmt.Errorf("register %q not described", name)
	}

	pt, err := parsePayloadType(r.Type)
	if err != nil {
		return harp.Descriptor{}, fmt.Errorf("register %s: %w", name, err)
	}
	d := harp.Descriptor{
		Address:     r.Address,
		Name:        name,
		Type:        pt,
		Length:      1,
		Description: r.Description,
	}
	for _, a := range r.Access {
		switch a {
		case "Read":
			d.Access |= harp.AccessRead
		case "Write":
			d.Access |= harp.AccessWrite
		case "Event":
			d.Access |= harp.AccessEvent
		default:
			return harp.Descriptor{}, fmt.Errorf("register %s: unknown access %q", name, a)
		}
	}
	if r.MinValue != nil || r.MaxValue != nil {
		d.Range = &harp.Range{Max: ^uint64(0)}
		if r.MinValue != nil {
			d.Range.Min = *r.MinValue
		}
		if r.MaxValue != nil {
			d.Range.Max = *r.MaxValue
		}
	}
	if r.MaskType != "" {
		if bm, ok := m.BitMasks[r.MaskType]; ok {
			d.Kind = harp.KindFlags
			d.Members = invert(bm.Bits)
		} else if gm, ok := m.GroupMasks[r.MaskType]; ok {
			d.Kind = harp.KindEnum
			d.Members = invert(gm.Values)
		} else {
			return harp.Descriptor{}, fmt.Errorf("register %s: unknown mask type %q", name, r.MaskType)
		}
	}
	return d, nil
}

func invert(in map[string]uint64) map[uint64]string {
	out := make(map[uint64]string, len(in))
	for name, v := range in {
		out[v] = name
	}
	return out
}

func parsePayloadType(s string) (harp.PayloadType, error) {
	switch s {
	case "U8":
		return harp.TypeU8, nil
	case "S8":
		return harp.TypeS8, nil
	case "U16":
		return harp.TypeU16, nil
	case "S16":
		return harp.TypeS16, nil
	case "U32":
		return harp.TypeU32, nil
	case "S32":
		return harp.TypeS32, nil
	case "U64":
		return harp.TypeU64, nil
	case "S64":
		return harp.TypeS64, nil
	case "Float":
		return harp.TypeFloat, nil
	default:
		return 0, fmt.Errorf("unknown payload type %q", s)
	}
}
