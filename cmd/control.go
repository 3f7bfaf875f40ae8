// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/harpstat/pkg/harp"
	"github.com/Thermoquad/harpstat/pkg/whiterabbit"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive TUI for controlling WhiteRabbit devices",
	Long: `Control a WhiteRabbit clock distributor via an interactive terminal UI.

Features:
  - Clock output channel grid (ConnectedDevices events)
  - Live counter value and device clock
  - Register browser with read and write
  - Statistics tracking
  - Event logging
  - Automatic reconnection on connection loss

Tab switches between the register list, the value input and the buttons.
Arrow keys navigate the register list.

Supports serial, WebSocket and simulated connections.`,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
}

var errNoDevice = errors.New("not connected")

// connectionManager handles the session lifecycle and reconnection
type connectionManager struct {
	ctx      context.Context
	device   *whiterabbit.Device
	connInfo string
	mu       sync.RWMutex
	p        *tea.Program
	done     chan struct{}
}

func (cm *connectionManager) getDevice() *whiterabbit.Device {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.device
}

func (cm *connectionManager) setDevice(d *whiterabbit.Device, connInfo string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.device = d
	cm.connInfo = connInfo
}

func runControl(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	d, connInfo, err := OpenDevice(ctx, nil)
	if err != nil {
		return exitf(2, "connection error: %w", err)
	}

	cm := &connectionManager{
		ctx:      ctx,
		device:   d,
		connInfo: connInfo,
		done:     make(chan struct{}),
	}

	m := initialControlModel(cm, connInfo, d.Catalog())

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion(), tea.WithContext(ctx))
	cm.p = p

	go cm.readerLoop()

	_, err = p.Run()
	close(cm.done)
	if d := cm.getDevice(); d != nil {
		d.Close()
	}
	if err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// readerLoop follows the session event stream and reconnects when it ends
func (cm *connectionManager) readerLoop() {
	for {
		select {
		case <-cm.done:
			return
		default:
		}

		cm.readEvents(cm.getDevice())

		select {
		case <-cm.done:
			return
		default:
		}

		cm.p.Send(connectionLostMsg{})
		if !cm.reconnect() {
			return // Shutdown requested during reconnect
		}
	}
}

// readEvents forwards session events to the TUI in batches until the
// session closes or shutdown is requested.
func (cm *connectionManager) readEvents(d *whiterabbit.Device) {
	ctx, cancel := context.WithCancel(cm.ctx)
	defer cancel()
	go func() {
		select {
		case <-cm.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	events := d.Subscribe(ctx)
	catalog := d.Catalog()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	var batch controlBatchMsg
	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-events:
			if !ok {
				if len(batch.messages) > 0 {
					cm.p.Send(batch)
				}
				return
			}
			if errors.Is(ev.Err, harp.ErrConnectionClosed) {
				continue
			}
			data := controlDataMsg{decodeErr: ev.Err, message: ev.Message}
			if ev.Message != nil {
				data.validationErrors = harp.ValidateMessage(ev.Message, catalog)
			}
			batch.messages = append(batch.messages, data)

		case <-ticker.C:
			if len(batch.messages) > 0 {
				cm.p.Send(batch)
				batch = controlBatchMsg{}
			}
		}
	}
}

// reconnect attempts to reconnect with exponential backoff
// Returns false if shutdown was requested during reconnection
func (cm *connectionManager) reconnect() bool {
	if d := cm.getDevice(); d != nil {
		d.Close()
	}

	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-cm.done:
			return false
		case <-time.After(backoff):
		}

		d, connInfo, err := OpenDevice(cm.ctx, nil)
		if err == nil {
			cm.setDevice(d, connInfo)
			cm.p.Send(reconnectedMsg{connInfo: connInfo})
			return true
		}
		logger.Debug().Err(err).Dur("backoff", backoff).Msg("Reconnect failed")

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// do runs fn against the current session in a tea.Cmd and reports the
// outcome as a commandResultMsg.
func (cm *connectionManager) do(action string, fn func(ctx context.Context, d *whiterabbit.Device) (*harp.Message, error)) tea.Cmd {
	d := cm.getDevice()
	return func() tea.Msg {
		if d == nil {
			return commandResultMsg{action: action, err: errNoDevice}
		}
		ctx, cancel := context.WithTimeout(cm.ctx, cfg.Connection.Timeout.Duration)
		defer cancel()
		reply, err := fn(ctx, d)
		return commandResultMsg{action: action, reply: reply, err: err}
	}
}

// snapshot reads the WhiteRabbit registers and the device clock.
func (cm *connectionManager) snapshot() tea.Cmd {
	d := cm.getDevice()
	return func() tea.Msg {
		if d == nil {
			return snapshotMsg{err: errNoDevice}
		}
		ctx, cancel := context.WithTimeout(cm.ctx, cfg.Connection.Timeout.Duration)
		defer cancel()

		var s snapshotMsg
		var err error
		if s.connected, err = d.ReadConnectedDevices(ctx); err != nil {
			return snapshotMsg{err: err}
		}
		counter, err := d.ReadTimestampedCounter(ctx)
		if err != nil {
			return snapshotMsg{err: err}
		}
		s.counter = counter.Value
		s.seconds = counter.Seconds
		if s.frequency, err = d.ReadCounterFrequencyHz(ctx); err != nil {
			return snapshotMsg{err: err}
		}
		if s.auxMode, err = d.ReadAuxPortMode(ctx); err != nil {
			return snapshotMsg{err: err}
		}
		if s.baud, err = d.ReadAuxPortBaudRate(ctx); err != nil {
			return snapshotMsg{err: err}
		}
		return s
	}
}
