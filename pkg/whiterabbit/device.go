// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package whiterabbit

import (
	"context"
	"fmt"
	"io"

	"github.com/Thermoquad/harpstat/pkg/harp"
)

// Device is a typed session with a WhiteRabbit device.
type Device struct {
	*harp.Device
}

// Open connects to a WhiteRabbit device on conn.
//
// The handshake fails with an error matching harp.ErrUnexpectedIdentity when
// another kind of Harp device answers. Options are passed to harp.Connect;
// the identity and catalog are set by Open.
func Open(ctx context.Context, conn io.ReadWriteCloser, opts ...harp.Option) (*Device, error) {
	opts = append(opts, harp.WithWhoAmI(WhoAmI), harp.WithCatalog(Catalog()))
	d, err := harp.Connect(ctx, conn, opts...)
	if err != nil {
		return nil, err
	}
	return &Device{Device: d}, nil
}

// Info holds the identification registers of a device.
type Info struct {
	WhoAmI          uint16
	HardwareVersion string
	AssemblyVersion uint8
	CoreVersion     string
	FirmwareVersion string
	SerialNumber    uint16
	Name            string
}

// ReadInfo reads the common identification registers.
func (d *Device) ReadInfo(ctx context.Context) (Info, error) {
	info := Info{WhoAmI: d.WhoAmI()}

	bytes := make(map[uint8]uint8)
	for _, reg := range []*harp.Register[uint8]{
		harp.HardwareVersionHigh, harp.HardwareVersionLow, harp.AssemblyVersion,
		harp.CoreVersionHigh, harp.CoreVersionLow,
		harp.FirmwareVersionHigh, harp.FirmwareVersionLow,
	} {
		v, err := harp.Read(ctx, d.Device, reg)
		if err != nil {
			return info, err
		}
		bytes[reg.Address] = v
	}
	version := func(high, low uint8) string {
		return formatVersion(bytes[high], bytes[low])
	}
	info.HardwareVersion = version(harp.AddressHardwareVersionHigh, harp.AddressHardwareVersionLow)
	info.AssemblyVersion = bytes[harp.AddressAssemblyVersion]
	info.CoreVersion = version(harp.AddressCoreVersionHigh, harp.AddressCoreVersionLow)
	info.FirmwareVersion = version(harp.AddressFirmwareVersionHigh, harp.AddressFirmwareVersionLow)

	serial, err := harp.Read(ctx, d.Device, harp.SerialNumber)
	if err != nil {
		return info, err
	}
	info.SerialNumber = serial

	name, err := harp.Read(ctx, d.Device, harp.DeviceName)
	if err != nil {
		return info, err
	}
	info.Name = harp.DecodeString(name)
	return info, nil
}

func formatVersion(high, low uint8) string {
	return fmt.Sprintf("%d.%d", high, low)
}

// ReadConnectedDevices reads the connected output channels.
func (d *Device) ReadConnectedDevices(ctx context.Context) (ClockOutChannels, error) {
	return harp.Read(ctx, d.Device, ConnectedDevices)
}

// ReadTimestampedConnectedDevices reads the connected output channels with the device timestamp.
func (d *Device) ReadTimestampedConnectedDevices(ctx context.Context) (harp.Timestamped[ClockOutChannels], error) {
	return harp.ReadTimestamped(ctx, d.Device, ConnectedDevices)
}

// ReadCounter reads the counter.
func (d *Device) ReadCounter(ctx context.Context) (uint32, error) {
	return harp.Read(ctx, d.Device, Counter)
}

// ReadTimestampedCounter reads the counter with the device timestamp.
func (d *Device) ReadTimestampedCounter(ctx context.Context) (harp.Timestamped[uint32], error) {
	return harp.ReadTimestamped(ctx, d.Device, Counter)
}

// WriteCounter forces the counter value.
func (d *Device) WriteCounter(ctx context.Context, v uint32) error {
	_, err := harp.Write(ctx, d.Device, Counter, v)
	return err
}

// ReadCounterFrequencyHz reads the counter event frequency.
func (d *Device) ReadCounterFrequencyHz(ctx context.Context) (uint16, error) {
	return harp.Read(ctx, d.Device, CounterFrequencyHz)
}

// ReadTimestampedCounterFrequencyHz reads the counter event frequency with the device timestamp.
func (d *Device) ReadTimestampedCounterFrequencyHz(ctx context.Context) (harp.Timestamped[uint16], error) {
	return harp.ReadTimestamped(ctx, d.Device, CounterFrequencyHz)
}

// WriteCounterFrequencyHz sets the counter event frequency. 0 disables counter events.
func (d *Device) WriteCounterFrequencyHz(ctx context.Context, hz uint16) error {
	_, err := harp.Write(ctx, d.Device, CounterFrequencyHz, hz)
	return err
}

// ReadAuxPortMode reads the auxiliary port function.
func (d *Device) ReadAuxPortMode(ctx context.Context) (AuxMode, error) {
	return harp.Read(ctx, d.Device, AuxPortMode)
}

// ReadTimestampedAuxPortMode reads the auxiliary port function with the device timestamp.
func (d *Device) ReadTimestampedAuxPortMode(ctx context.Context) (harp.Timestamped[AuxMode], error) {
	return harp.ReadTimestamped(ctx, d.Device, AuxPortMode)
}

// WriteAuxPortMode sets the auxiliary port function.
func (d *Device) WriteAuxPortMode(ctx context.Context, mode AuxMode) error {
	_, err := harp.Write(ctx, d.Device, AuxPortMode, mode)
	return err
}

// ReadAuxPortBaudRate reads the auxiliary port baud rate.
func (d *Device) ReadAuxPortBaudRate(ctx context.Context) (uint32, error) {
	return harp.Read(ctx, d.Device, AuxPortBaudRate)
}

// ReadTimestampedAuxPortBaudRate reads the auxiliary port baud rate with the device timestamp.
func (d *Device) ReadTimestampedAuxPortBaudRate(ctx context.Context) (harp.Timestamped[uint32], error) {
	return harp.ReadTimestamped(ctx, d.Device, AuxPortBaudRate)
}

// WriteAuxPortBaudRate sets the auxiliary port baud rate.
func (d *Device) WriteAuxPortBaudRate(ctx context.Context, baud uint32) error {
	_, err := harp.Write(ctx, d.Device, AuxPortBaudRate, baud)
	return err
}

// Counters returns the typed stream of counter events until ctx is done or
// the session closes.
func (d *Device) Counters(ctx context.Context) <-chan harp.Result[uint32] {
	events := harp.Filter(ctx, harp.Messages(ctx, d.Subscribe(ctx), nil), AddressCounter)
	return harp.Parse(ctx, onlyEvents(ctx, events), Counter)
}

// ConnectedDevicesChanges returns the typed stream of connected channel events.
func (d *Device) ConnectedDevicesChanges(ctx context.Context) <-chan harp.Result[ClockOutChannels] {
	events := harp.Filter(ctx, harp.Messages(ctx, d.Subscribe(ctx), nil), AddressConnectedDevices)
	return harp.Parse(ctx, onlyEvents(ctx, events), ConnectedDevices)
}

func onlyEvents(ctx context.Context, in <-chan *harp.Message) <-chan *harp.Message {
	out := make(chan *harp.Message)
	go func() {
		defer close(out)
		for m := range in {
			if !m.IsEvent() {
				continue
			}
			select {
			case out <- m:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
