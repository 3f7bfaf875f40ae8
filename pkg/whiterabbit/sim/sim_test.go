// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package sim

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/harpstat/pkg/harp"
	"github.com/Thermoquad/harpstat/pkg/whiterabbit"
)

func connect(t *testing.T, opts ...Option) (*harp.Device, *Simulator) {
	t.Helper()
	s, conn := New(opts...)
	t.Cleanup(func() { _ = s.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := harp.Connect(ctx, conn, harp.WithCatalog(whiterabbit.Catalog()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, s
}

func TestSim_ReadOnlyCoreRegisters(t *testing.T) {
	d, _ := connect(t)

	reply, err := d.Command(context.Background(), harp.WhoAmI.Message(harp.MessageWrite, 1))
	require.ErrorIs(t, err, harp.ErrCommandRejected)

	id, err := harp.WhoAmI.Payload(reply)
	require.NoError(t, err)
	require.Equal(t, uint16(whiterabbit.WhoAmI), id)
}

func TestSim_UnknownRegister(t *testing.T) {
	d, _ := connect(t)

	reply, err := d.Command(context.Background(), harp.NewReadRequest(60, harp.TypeU8))
	require.ErrorIs(t, err, harp.ErrCommandRejected)
	require.Equal(t, harp.MessageReadError, reply.Type)
}

func TestSim_WrongPayloadType(t *testing.T) {
	d, _ := connect(t)

	reply, err := d.Command(context.Background(), harp.NewReadRequest(whiterabbit.AddressCounter, harp.TypeU8))
	require.ErrorIs(t, err, harp.ErrCommandRejected)
	require.Equal(t, harp.TypeU32, reply.PayloadType)
}

func TestSim_RepliesAreTimestamped(t *testing.T) {
	d, _ := connect(t)
	ctx := context.Background()

	_, err := harp.Write(ctx, d, harp.TimestampSeconds, 1000)
	require.NoError(t, err)

	ts, err := harp.ReadTimestamped(ctx, d, whiterabbit.CounterFrequencyHz)
	require.NoError(t, err)
	require.GreaterOrEqual(t, ts.Seconds, 1000.0)
	require.Less(t, ts.Seconds, 1010.0)

	seconds, err := harp.Read(ctx, d, harp.TimestampSeconds)
	require.NoError(t, err)
	require.GreaterOrEqual(t, seconds, uint32(1000))
}

func TestSim_ResetRestoresDefaults(t *testing.T) {
	d, s := connect(t)
	ctx := context.Background()

	_, err := harp.Write(ctx, d, whiterabbit.AuxPortMode, whiterabbit.AuxDisabled)
	require.NoError(t, err)
	_, err = harp.Write(ctx, d, whiterabbit.AuxPortBaudRate, 115200)
	require.NoError(t, err)
	_, err = harp.Write(ctx, d, whiterabbit.Counter, 77)
	require.NoError(t, err)

	_, err = harp.Write(ctx, d, harp.ResetDevice, restoreDefault)
	require.NoError(t, err)

	require.Equal(t, whiterabbit.AuxHarpClock, s.AuxPortMode())
	require.Equal(t, uint32(whiterabbit.DefaultAuxPortBaudRate), s.AuxPortBaudRate())
	require.Zero(t, s.Counter())
	require.Zero(t, s.CounterFrequencyHz())
}

func TestSim_DeviceName(t *testing.T) {
	d, _ := connect(t)
	ctx := context.Background()

	_, err := harp.Write(ctx, d, harp.DeviceName, []byte("Rig 3"))
	require.NoError(t, err)
	name, err := harp.Read(ctx, d, harp.DeviceName)
	require.NoError(t, err)
	require.Equal(t, "Rig 3", harp.DecodeString(name))

	_, err = harp.Write(ctx, d, harp.ResetDevice, restoreName)
	require.NoError(t, err)
	name, err = harp.Read(ctx, d, harp.DeviceName)
	require.NoError(t, err)
	require.Equal(t, DefaultName, harp.DecodeString(name))
}

func TestSim_MutedReplies(t *testing.T) {
	d, _ := connect(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := harp.Write(ctx, d, harp.OperationControl, 0x02|muteReplies)
	require.ErrorIs(t, err, harp.ErrOperationCancelled)

	ctx, cancel = context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = harp.Read(ctx, d, whiterabbit.Counter)
	require.ErrorIs(t, err, harp.ErrOperationCancelled)
	require.Equal(t, harp.StateReady, d.State())
}

func TestSim_ConnectedDevicesEventOnChangeOnly(t *testing.T) {
	d, s := connect(t, WithConnectedDevices(whiterabbit.Channel1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := harp.Messages(ctx, d.Subscribe(ctx), nil)

	require.NoError(t, s.SetConnectedDevices(whiterabbit.Channel1))
	require.NoError(t, s.SetConnectedDevices(whiterabbit.Channel1|whiterabbit.Channel4))

	select {
	case m := <-events:
		require.Equal(t, harp.MessageEvent, m.Type)
		v, err := whiterabbit.ConnectedDevices.Payload(m)
		require.NoError(t, err)
		require.Equal(t, whiterabbit.Channel1|whiterabbit.Channel4, v)
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
	}

	select {
	case m := <-events:
		t.Fatalf("unexpected frame for address %d", m.Address)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSim_CloseEndsSession(t *testing.T) {
	d, s := connect(t)
	require.NoError(t, s.Close())

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not observe the closed transport")
	}
	require.Error(t, d.Err())
	require.Eventually(t, func() bool { return d.State() == harp.StateClosed }, time.Second, time.Millisecond)

	_, err := harp.Read(context.Background(), d, whiterabbit.Counter)
	require.ErrorIs(t, err, harp.ErrConnectionClosed)
}
