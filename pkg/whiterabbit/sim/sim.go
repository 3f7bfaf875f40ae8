// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package sim emulates a WhiteRabbit device on an in-memory transport.
package sim

import (
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/harpstat/pkg/harp"
	"github.com/Thermoquad/harpstat/pkg/whiterabbit"
)

// Reply mute bit of OperationControl.
const muteReplies = 0x08

// Reset bits of ResetDevice.
const (
	restoreDefault = 0x01
	restoreName    = 0x08
)

// DefaultName is the device name reported after reset.
const DefaultName = "WhiteRabbit"

// Option configures a Simulator.
type Option func(*Simulator)

// WithLogger sets the simulator logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Simulator) {
		s.logger = logger
	}
}

// WithWhoAmI overrides the reported identity.
func WithWhoAmI(id uint16) Option {
	return func(s *Simulator) {
		s.whoAmI = id
	}
}

// WithSerialNumber sets the reported serial number.
func WithSerialNumber(serial uint16) Option {
	return func(s *Simulator) {
		s.serial = serial
	}
}

// WithConnectedDevices sets the initial connected channels.
func WithConnectedDevices(c whiterabbit.ClockOutChannels) Option {
	return func(s *Simulator) {
		s.connected = c
	}
}

// Simulator answers Harp commands like the WhiteRabbit firmware and emits
// its events.
type Simulator struct {
	conn    net.Conn
	logger  zerolog.Logger
	catalog *harp.Catalog

	writeMu sync.Mutex

	mu        sync.Mutex
	whoAmI    uint16
	serial    uint16
	epoch     time.Time // device time zero
	regs      map[uint8][]byte
	connected whiterabbit.ClockOutChannels
	counter   uint32
	frequency uint16
	auxMode   whiterabbit.AuxMode
	baud      uint32
	ticker    *time.Ticker
	tickStop  chan struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// New starts a simulator and returns it with the host end of its transport.
func New(opts ...Option) (*Simulator, net.Conn) {
	host, dev := net.Pipe()
	s := &Simulator{
		conn:    dev,
		logger:  zerolog.Nop(),
		catalog: whiterabbit.Catalog(),
		whoAmI:  whiterabbit.WhoAmI,
		serial:  1,
		epoch:   time.Now(),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.regs = map[uint8][]byte{
		harp.AddressHardwareVersionHigh: {1},
		harp.AddressHardwareVersionLow:  {0},
		harp.AddressAssemblyVersion:     {0},
		harp.AddressCoreVersionHigh:     {0},
		harp.AddressCoreVersionLow:      {1},
		harp.AddressFirmwareVersionHigh: {0},
		harp.AddressFirmwareVersionLow:  {2},
		harp.AddressOperationControl:    {0x02},
		harp.AddressResetDevice:         {0},
		harp.AddressClockConfiguration:  {0x11},
	}
	s.setName(DefaultName)
	s.resetApp()

	go s.run()
	return s, host
}

// Close stops the simulator and closes its end of the transport.
func (s *Simulator) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		s.stopTicker()
		s.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// Done is closed when the simulator stops.
func (s *Simulator) Done() <-chan struct{} {
	return s.done
}

// Counter returns the current counter value.
func (s *Simulator) Counter() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// CounterFrequencyHz returns the current counter frequency.
func (s *Simulator) CounterFrequencyHz() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frequency
}

// AuxPortMode returns the current aux port mode.
func (s *Simulator) AuxPortMode() whiterabbit.AuxMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.auxMode
}

// AuxPortBaudRate returns the current aux port baud rate.
func (s *Simulator) AuxPortBaudRate() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baud
}

// SetConnectedDevices changes the connected channels and emits an event when
// the value changes.
func (s *Simulator) SetConnectedDevices(c whiterabbit.ClockOutChannels) error {
	s.mu.Lock()
	if c == s.connected {
		s.mu.Unlock()
		return nil
	}
	s.connected = c
	ev := s.eventLocked(whiterabbit.ConnectedDevices.Address)
	s.mu.Unlock()
	if ev == nil {
		return nil
	}
	return s.send(ev)
}

func (s *Simulator) run() {
	defer s.Close()

	decoder := harp.NewDecoder()
	buf := make([]byte, 512)
	for {
		n, err := s.conn.Read(buf)
		for _, b := range buf[:n] {
			m, derr := decoder.DecodeByte(b)
			if derr != nil {
				s.logger.Warn().Err(derr).Msg("Dropped malformed request")
				continue
			}
			if m == nil {
				continue
			}
			if reply := s.handle(m); reply != nil {
				if err := s.send(reply); err != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (s *Simulator) send(m *harp.Message) error {
	frame, err := harp.Encode(m)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err = s.conn.Write(frame)
	return err
}

// now returns the device time in seconds.
func (s *Simulator) now() float64 {
	return time.Since(s.epoch).Seconds()
}

func (s *Simulator) handle(m *harp.Message) *harp.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	desc, err := s.catalog.Lookup(m.Address)
	if err != nil {
		s.logger.Debug().Uint8("address", m.Address).Msg("Request for unknown register")
		return s.replyLocked(m.Type|harp.MessageErrorFlag, m.Address, m.PayloadType, nil)
	}
	if m.PayloadType != desc.Type {
		return s.replyLocked(m.Type|harp.MessageErrorFlag, m.Address, desc.Type, s.valueLocked(m.Address))
	}

	switch m.Type {
	case harp.MessageRead:
		return s.replyLocked(harp.MessageRead, m.Address, desc.Type, s.valueLocked(m.Address))
	case harp.MessageWrite:
		if !desc.Access.Has(harp.AccessWrite) || len(m.Payload) != desc.Size() {
			return s.replyLocked(harp.MessageWriteError, m.Address, desc.Type, s.valueLocked(m.Address))
		}
		mt := harp.MessageWrite
		if !s.writeLocked(m.Address, m.Payload) {
			mt = harp.MessageWriteError
		}
		return s.replyLocked(mt, m.Address, desc.Type, s.valueLocked(m.Address))
	default:
		return nil
	}
}

func (s *Simulator) replyLocked(mt harp.MessageType, address uint8, pt harp.PayloadType, payload []byte) *harp.Message {
	if s.regs[harp.AddressOperationControl][0]&muteReplies != 0 {
		return nil
	}
	return harp.NewTimestampedMessage(s.now(), mt, address, pt, payload)
}

func (s *Simulator) eventLocked(address uint8) *harp.Message {
	desc, err := s.catalog.Lookup(address)
	if err != nil {
		return nil
	}
	return s.replyLocked(harp.MessageEvent, address, desc.Type, s.valueLocked(address))
}

func (s *Simulator) valueLocked(address uint8) []byte {
	switch address {
	case harp.AddressWhoAmI:
		return binary.LittleEndian.AppendUint16(nil, s.whoAmI)
	case harp.AddressSerialNumber:
		return binary.LittleEndian.AppendUint16(nil, s.serial)
	case harp.AddressTimestampSeconds:
		return binary.LittleEndian.AppendUint32(nil, uint32(s.now()))
	case harp.AddressTimestampMicroseconds:
		now := s.now()
		ticks := uint16((now - float64(uint32(now))) * 1e6 / harp.TickMicroseconds)
		return binary.LittleEndian.AppendUint16(nil, ticks)
	case whiterabbit.AddressConnectedDevices:
		return binary.LittleEndian.AppendUint16(nil, uint16(s.connected))
	case whiterabbit.AddressCounter:
		return binary.LittleEndian.AppendUint32(nil, s.counter)
	case whiterabbit.AddressCounterFrequencyHz:
		return binary.LittleEndian.AppendUint16(nil, s.frequency)
	case whiterabbit.AddressAuxPortMode:
		return []byte{uint8(s.auxMode)}
	case whiterabbit.AddressAuxPortBaudRate:
		return binary.LittleEndian.AppendUint32(nil, s.baud)
	}
	return append([]byte(nil), s.regs[address]...)
}

// writeLocked applies a write and reports whether the firmware accepts it.
func (s *Simulator) writeLocked(address uint8, payload []byte) bool {
	switch address {
	case harp.AddressTimestampSeconds:
		seconds := binary.LittleEndian.Uint32(payload)
		s.epoch = time.Now().Add(-time.Duration(seconds) * time.Second)
	case harp.AddressSerialNumber:
		s.serial = binary.LittleEndian.Uint16(payload)
	case harp.AddressResetDevice:
		bits := payload[0]
		if bits&restoreDefault != 0 {
			s.resetApp()
		}
		if bits&restoreName != 0 {
			s.setName(DefaultName)
		}
	case whiterabbit.AddressCounter:
		s.counter = binary.LittleEndian.Uint32(payload)
	case whiterabbit.AddressCounterFrequencyHz:
		hz := binary.LittleEndian.Uint16(payload)
		capped := hz > whiterabbit.FirmwareMaxCounterFrequencyHz
		if capped {
			hz = whiterabbit.FirmwareMaxCounterFrequencyHz
		}
		s.setFrequency(hz)
		return !capped
	case whiterabbit.AddressAuxPortMode:
		mode := whiterabbit.AuxMode(payload[0])
		if !mode.Valid() {
			return false
		}
		if mode != s.auxMode {
			s.logger.Debug().Stringer("mode", mode).Msg("Aux port reconfigured")
		}
		s.auxMode = mode
	case whiterabbit.AddressAuxPortBaudRate:
		baud := binary.LittleEndian.Uint32(payload)
		if baud < whiterabbit.MinAuxPortBaudRate {
			return false
		}
		s.baud = baud
	default:
		s.regs[address] = append([]byte(nil), payload...)
	}
	return true
}

func (s *Simulator) setName(name string) {
	b := make([]byte, harp.DeviceNameLength)
	copy(b, name)
	s.regs[harp.AddressDeviceName] = b
}

func (s *Simulator) resetApp() {
	s.counter = 0
	s.setFrequency(0)
	s.auxMode = whiterabbit.AuxHarpClock
	s.baud = whiterabbit.DefaultAuxPortBaudRate
}

// setFrequency restarts the counter ticker. Callers hold s.mu.
func (s *Simulator) setFrequency(hz uint16) {
	s.frequency = hz
	s.stopTicker()
	if hz == 0 {
		return
	}
	s.ticker = time.NewTicker(time.Second / time.Duration(hz))
	s.tickStop = make(chan struct{})
	go s.count(s.ticker.C, s.tickStop)
}

func (s *Simulator) stopTicker() {
	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.tickStop)
	s.ticker = nil
	s.tickStop = nil
}

func (s *Simulator) count(ticks <-chan time.Time, stop <-chan struct{}) {
	for {
		select {
		case <-ticks:
		case <-stop:
			return
		case <-s.done:
			return
		}
		s.mu.Lock()
		select {
		case <-stop:
			s.mu.Unlock()
			return
		default:
		}
		s.counter++
		ev := s.eventLocked(whiterabbit.AddressCounter)
		s.mu.Unlock()
		if ev == nil {
			continue
		}
		if err := s.send(ev); err != nil {
			return
		}
	}
}
