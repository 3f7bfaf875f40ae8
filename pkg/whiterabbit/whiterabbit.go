// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package whiterabbit describes the registers of the WhiteRabbit Harp clock
// distribution device and provides a typed session on top of package harp.
package whiterabbit

import (
	"fmt"
	"strings"

	"github.com/Thermoquad/harpstat/pkg/harp"
)

// WhoAmI is the Harp identity reported by WhiteRabbit devices.
const WhoAmI = 1404

// Register addresses
const (
	AddressConnectedDevices   = 32
	AddressCounter            = 33
	AddressCounterFrequencyHz = 34
	AddressAuxPortMode        = 35
	AddressAuxPortBaudRate    = 36
)

// Device limits
const (
	MaxCounterFrequencyHz = 500

	// FirmwareMaxCounterFrequencyHz is the cap applied by the firmware to
	// larger writes, which it acknowledges with a write error.
	FirmwareMaxCounterFrequencyHz = 1000

	MinAuxPortBaudRate     = 40
	MaxAuxPortBaudRate     = 1_000_000
	DefaultAuxPortBaudRate = 1000

	// ChannelCount is the number of clock output channels.
	ChannelCount = 16
)

// ClockOutChannels is a bit mask of clock output channels.
type ClockOutChannels uint16

// Clock output channels
const (
	Channel0 ClockOutChannels = 1 << iota
	Channel1
	Channel2
	Channel3
	Channel4
	Channel5
	Channel6
	Channel7
	Channel8
	Channel9
	Channel10
	Channel11
	Channel12
	Channel13
	Channel14
	Channel15

	ChannelsNone ClockOutChannels = 0
)

// Channel returns the mask bit for output channel n.
func Channel(n int) ClockOutChannels {
	if n < 0 || n >= ChannelCount {
		return ChannelsNone
	}
	return ClockOutChannels(1) << n
}

// Has reports whether every channel in other is set.
func (c ClockOutChannels) Has(other ClockOutChannels) bool {
	return c&other == other
}

// With returns c with the channels in other set.
func (c ClockOutChannels) With(other ClockOutChannels) ClockOutChannels {
	return c | other
}

// Without returns c with the channels in other cleared.
func (c ClockOutChannels) Without(other ClockOutChannels) ClockOutChannels {
	return c &^ other
}

// Channels returns the indices of the set channels in ascending order.
func (c ClockOutChannels) Channels() []int {
	var out []int
	for i := 0; i < ChannelCount; i++ {
		if c&Channel(i) != 0 {
			out = append(out, i)
		}
	}
	return out
}

func (c ClockOutChannels) String() string {
	if c == ChannelsNone {
		return "None"
	}
	parts := make([]string, 0, ChannelCount)
	for _, i := range c.Channels() {
		parts = append(parts, fmt.Sprintf("Channel%d", i))
	}
	return strings.Join(parts, "|")
}

// AuxMode selects the function of the auxiliary port.
type AuxMode uint8

// Auxiliary port modes
const (
	AuxDisabled  AuxMode = 0
	AuxHarpClock AuxMode = 1
	AuxPPS       AuxMode = 2
)

// Valid reports whether m is a defined mode.
func (m AuxMode) Valid() bool {
	return m <= AuxPPS
}

func (m AuxMode) String() string {
	switch m {
	case AuxDisabled:
		return "Disabled"
	case AuxHarpClock:
		return "HarpClock"
	case AuxPPS:
		return "PPS"
	default:
		return fmt.Sprintf("AuxMode(%d)", uint8(m))
	}
}

// ParseAuxMode converts a mode name (case insensitive) or number to an AuxMode.
func ParseAuxMode(s string) (AuxMode, error) {
	for _, m := range []AuxMode{AuxDisabled, AuxHarpClock, AuxPPS} {
		if strings.EqualFold(s, m.String()) || s == fmt.Sprint(uint8(m)) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("invalid aux port mode %q (expected Disabled, HarpClock or PPS)", s)
}

func channelMembers() map[uint64]string {
	m := make(map[uint64]string, ChannelCount)
	for i := 0; i < ChannelCount; i++ {
		m[uint64(Channel(i))] = fmt.Sprintf("Channel%d", i)
	}
	return m
}

// Device registers
var (
	ConnectedDevices = harp.NewU16[ClockOutChannels](harp.Descriptor{
		Address:     AddressConnectedDevices,
		Name:        "ConnectedDevices",
		Kind:        harp.KindFlags,
		Members:     channelMembers(),
		Access:      harp.AccessRead | harp.AccessEvent,
		Description: "The currently connected output channels. An event is generated when any channel is connected or disconnected.",
	})
	Counter = harp.NewU32[uint32](harp.Descriptor{
		Address:     AddressCounter,
		Name:        "Counter",
		Access:      harp.AccessRead | harp.AccessWrite | harp.AccessEvent,
		Description: "Incremented at CounterFrequencyHz. Write to force a counter value.",
	})
	CounterFrequencyHz = harp.NewU16[uint16](harp.Descriptor{
		Address:     AddressCounterFrequencyHz,
		Name:        "CounterFrequencyHz",
		Range:       &harp.Range{Min: 0, Max: MaxCounterFrequencyHz},
		Access:      harp.AccessRead | harp.AccessWrite,
		Description: "The frequency at which the counter is incremented. A value of 0 disables the counter.",
	})
	AuxPortMode = harp.NewU8[AuxMode](harp.Descriptor{
		Address: AddressAuxPortMode,
		Name:    "AuxPortMode",
		Kind:    harp.KindEnum,
		Members: map[uint64]string{
			uint64(AuxDisabled):  AuxDisabled.String(),
			uint64(AuxHarpClock): AuxHarpClock.String(),
			uint64(AuxPPS):       AuxPPS.String(),
		},
		Access:      harp.AccessRead | harp.AccessWrite,
		Description: "The function of the auxiliary port.",
	})
	AuxPortBaudRate = harp.NewU32[uint32](harp.Descriptor{
		Address:     AddressAuxPortBaudRate,
		Name:        "AuxPortBaudRate",
		Range:       &harp.Range{Min: MinAuxPortBaudRate, Max: MaxAuxPortBaudRate},
		Access:      harp.AccessRead | harp.AccessWrite,
		Description: "The baud rate, in bps, of the auxiliary port when in HarpClock mode.",
	})
)

// Descriptors returns the device specific register descriptors.
func Descriptors() []harp.Descriptor {
	return []harp.Descriptor{
		ConnectedDevices.Descriptor,
		Counter.Descriptor,
		CounterFrequencyHz.Descriptor,
		AuxPortMode.Descriptor,
		AuxPortBaudRate.Descriptor,
	}
}

var catalog = harp.MustCatalog(append(harp.CoreDescriptors(), Descriptors()...)...)

// Catalog returns the common Harp registers plus the WhiteRabbit registers.
func Catalog() *harp.Catalog {
	return catalog
}
