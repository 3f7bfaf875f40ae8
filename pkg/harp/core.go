// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package harp

// Common register addresses shared by every Harp device.
const (
	AddressWhoAmI                = 0
	AddressHardwareVersionHigh   = 1
	AddressHardwareVersionLow    = 2
	AddressAssemblyVersion       = 3
	AddressCoreVersionHigh       = 4
	AddressCoreVersionLow        = 5
	AddressFirmwareVersionHigh   = 6
	AddressFirmwareVersionLow    = 7
	AddressTimestampSeconds      = 8
	AddressTimestampMicroseconds = 9
	AddressOperationControl      = 10
	AddressResetDevice           = 11
	AddressDeviceName            = 12
	AddressSerialNumber          = 13
	AddressClockConfiguration    = 14
)

// DeviceNameLength is the element count of the device name register.
const DeviceNameLength = 25

// Common registers
var (
	WhoAmI = NewU16[uint16](Descriptor{
		Address:     AddressWhoAmI,
		Name:        "WhoAmI",
		Access:      AccessRead,
		Description: "Device identity",
	})
	HardwareVersionHigh = NewU8[uint8](Descriptor{
		Address: AddressHardwareVersionHigh,
		Name:    "HardwareVersionHigh",
		Access:  AccessRead,
	})
	HardwareVersionLow = NewU8[uint8](Descriptor{
		Address: AddressHardwareVersionLow,
		Name:    "HardwareVersionLow",
		Access:  AccessRead,
	})
	AssemblyVersion = NewU8[uint8](Descriptor{
		Address: AddressAssemblyVersion,
		Name:    "AssemblyVersion",
		Access:  AccessRead,
	})
	CoreVersionHigh = NewU8[uint8](Descriptor{
		Address: AddressCoreVersionHigh,
		Name:    "CoreVersionHigh",
		Access:  AccessRead,
	})
	CoreVersionLow = NewU8[uint8](Descriptor{
		Address: AddressCoreVersionLow,
		Name:    "CoreVersionLow",
		Access:  AccessRead,
	})
	FirmwareVersionHigh = NewU8[uint8](Descriptor{
		Address: AddressFirmwareVersionHigh,
		Name:    "FirmwareVersionHigh",
		Access:  AccessRead,
	})
	FirmwareVersionLow = NewU8[uint8](Descriptor{
		Address: AddressFirmwareVersionLow,
		Name:    "FirmwareVersionLow",
		Access:  AccessRead,
	})
	TimestampSeconds = NewU32[uint32](Descriptor{
		Address:     AddressTimestampSeconds,
		Name:        "TimestampSeconds",
		Access:      AccessRead | AccessWrite,
		Description: "Whole seconds of the device clock",
	})
	TimestampMicroseconds = NewU16[uint16](Descriptor{
		Address:     AddressTimestampMicroseconds,
		Name:        "TimestampMicroseconds",
		Access:      AccessRead,
		Range:       &Range{Min: 0, Max: 999_999 / TickMicroseconds},
		Description: "Fraction of the device clock in 32us ticks",
	})
	OperationControl = NewU8[uint8](Descriptor{
		Address: AddressOperationControl,
		Name:    "OperationControl",
		Kind:    KindFlags,
		Access:  AccessRead | AccessWrite,
		Members: map[uint64]string{
			0x01: "StandbyMode",
			0x02: "ActiveMode",
			0x04: "DumpRegisters",
			0x08: "MuteReplies",
			0x20: "VisualIndicators",
			0x40: "OperationLed",
			0x80: "Heartbeat",
		},
	})
	ResetDevice = NewU8[uint8](Descriptor{
		Address: AddressResetDevice,
		Name:    "ResetDevice",
		Kind:    KindFlags,
		Access:  AccessRead | AccessWrite,
		Members: map[uint64]string{
			0x01: "RestoreDefault",
			0x02: "RestoreEeprom",
			0x04: "Save",
			0x08: "RestoreName",
			0x40: "BootFromDefault",
			0x80: "BootFromEeprom",
		},
	})
	DeviceName = NewU8Array(Descriptor{
		Address: AddressDeviceName,
		Name:    "DeviceName",
		Length:  DeviceNameLength,
		Access:  AccessRead | AccessWrite,
	})
	SerialNumber = NewU16[uint16](Descriptor{
		Address: AddressSerialNumber,
		Name:    "SerialNumber",
		Access:  AccessRead | AccessWrite,
	})
	ClockConfiguration = NewU8[uint8](Descriptor{
		Address: AddressClockConfiguration,
		Name:    "ClockConfiguration",
		Kind:    KindFlags,
		Access:  AccessRead | AccessWrite,
		Members: map[uint64]string{
			0x01: "ClockRepeater",
			0x02: "ClockGenerator",
			0x08: "RepeaterCapability",
			0x10: "GeneratorCapability",
			0x40: "ClockUnlock",
			0x80: "ClockLock",
		},
	})
)

// CoreDescriptors returns the descriptors of the common registers.
func CoreDescriptors() []Descriptor {
	return []Descriptor{
		WhoAmI.Descriptor,
		HardwareVersionHigh.Descriptor,
		HardwareVersionLow.Descriptor,
		AssemblyVersion.Descriptor,
		CoreVersionHigh.Descriptor,
		CoreVersionLow.Descriptor,
		FirmwareVersionHigh.Descriptor,
		FirmwareVersionLow.Descriptor,
		TimestampSeconds.Descriptor,
		TimestampMicroseconds.Descriptor,
		OperationControl.Descriptor,
		ResetDevice.Descriptor,
		DeviceName.Descriptor,
		SerialNumber.Descriptor,
		ClockConfiguration.Descriptor,
	}
}

// CoreCatalog returns a catalog holding only the common registers.
func CoreCatalog() *Catalog {
	return MustCatalog(CoreDescriptors()...)
}

// DecodeString trims a zero padded device name.
func DecodeString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
