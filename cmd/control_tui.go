// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/harpstat/pkg/harp"
	"github.com/Thermoquad/harpstat/pkg/whiterabbit"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const pollInterval = 5 * time.Second // Refresh register values every interval

// Focus states
const (
	focusRegisterList = iota
	focusValueInput
	focusWriteButton
	focusReadButton
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// registerItem is one row of the register browser
type registerItem struct {
	desc  harp.Descriptor
	value string
}

// Implement list.Item interface
func (r registerItem) Title() string { return r.desc.Name }
func (r registerItem) Description() string {
	value := r.value
	if value == "" {
		value = "-"
	}
	return fmt.Sprintf("%3d %-3s %s", r.desc.Address, r.desc.Access, value)
}
func (r registerItem) FilterValue() string { return r.desc.Name }

// controlModel is the Bubble Tea model for the control TUI
type controlModel struct {
	// Connection manager (for sending commands and reconnection)
	connMgr  *connectionManager
	connInfo string
	catalog  *harp.Catalog

	// Register browser
	registers    []registerItem
	registerList list.Model

	// Device state
	connected     whiterabbit.ClockOutChannels
	counter       uint32
	counterEvents uint64
	frequency     uint16
	auxMode       whiterabbit.AuxMode
	baud          uint32
	deviceSeconds float64
	hasClock      bool

	// Monitoring
	stats         *harp.Statistics
	log           []logEntry
	maxLogEntries int

	// Control
	valueInput   textinput.Model
	focusedField int

	// UI state
	width          int
	height         int
	quitting       bool
	connectionLost bool
	lastPoll       time.Time
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

type controlDataMsg struct {
	message          *harp.Message
	decodeErr        error
	validationErrors []harp.ValidationError
}

type controlBatchMsg struct {
	messages []controlDataMsg
}

type connectionLostMsg struct{}

type reconnectedMsg struct {
	connInfo string
}

type commandResultMsg struct {
	action string
	reply  *harp.Message
	err    error
}

type snapshotMsg struct {
	connected whiterabbit.ClockOutChannels
	counter   uint32
	seconds   float64
	frequency uint16
	auxMode   whiterabbit.AuxMode
	baud      uint32
	err       error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(connMgr *connectionManager, connInfo string, catalog *harp.Catalog) controlModel {
	ti := textinput.New()
	ti.Placeholder = "value"
	ti.CharLimit = harp.DeviceNameLength
	ti.Width = 26

	descs := catalog.Descriptors()
	registers := make([]registerItem, len(descs))
	items := make([]list.Item, len(descs))
	for i, d := range descs {
		registers[i] = registerItem{desc: d}
		items[i] = registers[i]
	}

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	registerList := list.New(items, delegate, 34, 12)
	registerList.Title = "Registers"
	registerList.SetShowStatusBar(false)
	registerList.SetShowHelp(false)
	registerList.SetFilteringEnabled(false)

	return controlModel{
		connMgr:       connMgr,
		connInfo:      connInfo,
		catalog:       catalog,
		registers:     registers,
		registerList:  registerList,
		stats:         harp.NewStatistics(),
		log:           make([]logEntry, 0),
		maxLogEntries: 100,
		valueInput:    ti,
		focusedField:  focusRegisterList,
		width:         80,
		height:        24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return tea.Batch(controlTickCmd(), m.connMgr.snapshot())
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.MouseMsg:
		if msg.Action == tea.MouseActionRelease && msg.Button == tea.MouseButtonLeft {
			m.registerList, _ = m.registerList.Update(msg)
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case controlTickMsg:
		m.stats.CalculateRates()
		cmds = append(cmds, controlTickCmd())
		if !m.connectionLost && time.Since(m.lastPoll) >= pollInterval {
			m.lastPoll = time.Now()
			cmds = append(cmds, m.connMgr.snapshot())
		}

	case controlBatchMsg:
		for _, data := range msg.messages {
			m.processControlData(data)
		}

	case snapshotMsg:
		if msg.err != nil {
			if !errors.Is(msg.err, errNoDevice) {
				m.addLogEntry(fmt.Sprintf("Refresh failed: %v", msg.err), true)
			}
			break
		}
		m.connected = msg.connected
		m.counter = msg.counter
		m.frequency = msg.frequency
		m.auxMode = msg.auxMode
		m.baud = msg.baud
		m.deviceSeconds = msg.seconds
		m.hasClock = true

	case commandResultMsg:
		m.handleCommandResult(msg)
		if msg.err == nil {
			cmds = append(cmds, m.connMgr.snapshot())
		}

	case connectionLostMsg:
		m.connectionLost = true
		m.addLogEntry("Connection lost - reconnecting...", true)

	case reconnectedMsg:
		m.connectionLost = false
		m.connInfo = msg.connInfo
		m.hasClock = false
		m.addLogEntry("Reconnected", false)
		cmds = append(cmds, m.connMgr.snapshot())
	}

	return m, tea.Batch(cmds...)
}

func (m *controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return *m, tea.Quit

	case "tab":
		m.cycleFocus(1)
		return *m, nil

	case "shift+tab":
		m.cycleFocus(-1)
		return *m, nil

	case "enter":
		return m.handleEnter()
	}

	// Pass through to focused component
	if m.focusedField == focusValueInput {
		var cmd tea.Cmd
		m.valueInput, cmd = m.valueInput.Update(msg)
		return *m, cmd
	}

	switch msg.String() {
	case "q":
		m.quitting = true
		return *m, tea.Quit

	case "r":
		m.lastPoll = time.Now()
		return *m, m.connMgr.snapshot()

	case "up", "k", "down", "j":
		if m.focusedField == focusRegisterList {
			m.registerList, _ = m.registerList.Update(msg)
		}
	}

	return *m, nil
}

func (m *controlModel) cycleFocus(delta int) {
	const maxFocus = focusReadButton

	selected := m.selectedRegister()
	if selected == nil {
		m.focusedField = focusRegisterList
		return
	}
	writable := selected.desc.Access.Has(harp.AccessWrite)

	for {
		m.focusedField = (m.focusedField + delta + maxFocus + 1) % (maxFocus + 1)
		// Skip write controls for read only registers
		if writable || (m.focusedField != focusValueInput && m.focusedField != focusWriteButton) {
			break
		}
	}

	if m.focusedField == focusValueInput {
		m.valueInput.Focus()
	} else {
		m.valueInput.Blur()
	}
}

func (m *controlModel) handleEnter() (tea.Model, tea.Cmd) {
	if m.connectionLost {
		m.addLogEntry("Cannot send command: connection lost", true)
		return *m, nil
	}

	selected := m.selectedRegister()
	if selected == nil {
		return *m, nil
	}

	switch m.focusedField {
	case focusValueInput, focusWriteButton:
		return m.sendWrite(selected.desc)
	default:
		return m.sendRead(selected.desc)
	}
}

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	buttonStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("0")).
		Background(lipgloss.Color("12")).
		Padding(0, 2)

	focusedButtonStyle := buttonStyle.
		Background(lipgloss.Color("10"))

	// Header
	s.WriteString(titleStyle.Render("HARPSTAT CONTROL"))
	s.WriteString(" ")
	connStatus := m.connInfo
	if m.connectionLost {
		connStatus = warningStyle.Render("RECONNECTING...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | q=quit Tab=switch r=refresh", connStatus)))
	s.WriteString("\n")

	if m.hasClock {
		s.WriteString(fmt.Sprintf(" %s %s",
			statsLabelStyle.Render("Device clock:"),
			statsValueStyle.Render(harp.FormatUptime(m.deviceSeconds))))
	}
	s.WriteString("\n\n")

	// Layout: left panel (registers) | right panel (control)
	leftWidth := 36
	rightWidth := m.width - leftWidth - 6
	if rightWidth < 30 {
		rightWidth = 30
	}

	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusRegisterList {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	registerPanel := listStyle.Render(m.registerList.View())

	right := lipgloss.JoinVertical(lipgloss.Left,
		boxStyle.Width(rightWidth).Render(m.renderControlPanel(statsLabelStyle, statsValueStyle, headerStyle, buttonStyle, focusedButtonStyle)),
		boxStyle.Width(rightWidth).Render(m.renderDeviceState(statsLabelStyle, statsValueStyle, headerStyle)),
	)

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, registerPanel, " ", right))
	s.WriteString("\n\n")

	s.WriteString(m.renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle))
	s.WriteString("\n\n")

	s.WriteString(m.renderEventLog(statsLabelStyle, warningStyle, boxStyle))

	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m controlModel) renderControlPanel(statsLabelStyle, statsValueStyle, headerStyle, buttonStyle, focusedButtonStyle lipgloss.Style) string {
	var s strings.Builder

	selected := m.selectedRegister()
	if selected == nil {
		s.WriteString(headerStyle.Render("No register selected"))
		return s.String()
	}
	d := selected.desc

	s.WriteString(fmt.Sprintf("%s %s (address %d)\n", statsLabelStyle.Render("Register:"), d.Name, d.Address))
	s.WriteString(fmt.Sprintf("%s %s x%d  %s %s\n", statsLabelStyle.Render("Type:"), d.Type, d.Length, statsLabelStyle.Render("Access:"), d.Access))
	if d.Range != nil {
		s.WriteString(fmt.Sprintf("%s [%d, %d]\n", statsLabelStyle.Render("Range:"), d.Range.Min, d.Range.Max))
	}
	if d.Description != "" {
		s.WriteString(headerStyle.Render(d.Description))
		s.WriteString("\n")
	}
	value := selected.value
	if value == "" {
		value = "(not read)"
	}
	s.WriteString(fmt.Sprintf("%s %s\n\n", statsLabelStyle.Render("Value:"), statsValueStyle.Render(value)))

	button := func(text string, focus int) string {
		if m.focusedField == focus {
			return focusedButtonStyle.Render(text)
		}
		return buttonStyle.Render(text)
	}

	if d.Access.Has(harp.AccessWrite) {
		s.WriteString(statsLabelStyle.Render("New value: "))
		if m.focusedField == focusValueInput {
			s.WriteString(m.valueInput.View())
		} else {
			val := m.valueInput.Value()
			if val == "" {
				val = m.valueInput.Placeholder
			}
			s.WriteString(fmt.Sprintf("[%s]", val))
		}
		s.WriteString("\n\n")
		s.WriteString(button("[ Write ]", focusWriteButton))
		s.WriteString(" ")
	}
	s.WriteString(button("[ Read ]", focusReadButton))

	return s.String()
}

// renderDeviceState shows the clock output grid and the counter settings
func (m controlModel) renderDeviceState(statsLabelStyle, statsValueStyle, headerStyle lipgloss.Style) string {
	var s strings.Builder

	onStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("0")).
		Background(lipgloss.Color("10"))
	offStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("245")).
		Background(lipgloss.Color("236"))

	s.WriteString(statsLabelStyle.Render("Clock outputs"))
	s.WriteString("\n")
	for row := 0; row < 2; row++ {
		cells := make([]string, 0, whiterabbit.ChannelCount/2)
		for col := 0; col < whiterabbit.ChannelCount/2; col++ {
			n := row*whiterabbit.ChannelCount/2 + col
			cell := fmt.Sprintf(" %2d ", n)
			if m.connected.Has(whiterabbit.Channel(n)) {
				cells = append(cells, onStyle.Render(cell))
			} else {
				cells = append(cells, offStyle.Render(cell))
			}
		}
		s.WriteString(strings.Join(cells, " "))
		s.WriteString("\n")
	}
	s.WriteString("\n")

	frequency := "disabled"
	if m.frequency > 0 {
		frequency = fmt.Sprintf("%d Hz", m.frequency)
	}
	s.WriteString(fmt.Sprintf("%s %s  %s %s  %s\n",
		statsLabelStyle.Render("Counter:"), statsValueStyle.Render(fmt.Sprintf("%d", m.counter)),
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(frequency),
		headerStyle.Render(fmt.Sprintf("(%d events)", m.counterEvents)),
	))
	s.WriteString(fmt.Sprintf("%s %s  %s %s",
		statsLabelStyle.Render("Aux port:"), statsValueStyle.Render(m.auxMode.String()),
		statsLabelStyle.Render("Baud:"), statsValueStyle.Render(fmt.Sprintf("%d", m.baud)),
	))

	return s.String()
}

func (m controlModel) renderStatisticsBar(statsLabelStyle, statsValueStyle, errorStyle, boxStyle lipgloss.Style) string {
	st := m.stats
	errorCount := st.ChecksumErrors + st.DecodeErrors + st.Anomalies + st.ErrorReplies
	errorPercent := percentOf(errorCount, st.TotalFrames)

	errText := statsValueStyle.Render("0.0%")
	if errorPercent > 0 {
		errText = errorStyle.Render(fmt.Sprintf("%.1f%%", errorPercent))
	}

	content := fmt.Sprintf("%s %s  %s %s  %s %s  %s %s",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", st.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%.1f%%", percentOf(st.ValidFrames, st.TotalFrames))),
		statsLabelStyle.Render("Errors:"), errText,
		statsLabelStyle.Render("Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", st.FrameRate)),
	)

	return boxStyle.Width(m.width - 4).Render(content)
}

func (m controlModel) renderEventLog(statsLabelStyle, warningStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(statsLabelStyle.Render("EVENTS"))
	s.WriteString("\n")

	headerStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyleLocal := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	logHeight := 8
	if len(m.log) < logHeight {
		logHeight = len(m.log)
	}

	if len(m.log) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for _, entry := range m.log[len(m.log)-logHeight:] {
			timestamp := entry.timestamp.Format("15:04:05.000")
			icon := "i"
			style := warningStyle
			if entry.isError {
				icon = "x"
				style = errorStyleLocal
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(timestamp),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Data Processing
//////////////////////////////////////////////////////////////

func (m *controlModel) processControlData(msg controlDataMsg) {
	if msg.decodeErr != nil {
		m.stats.Update(nil, msg.decodeErr, nil)
		m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", msg.decodeErr), true)
		return
	}

	frame := msg.message
	if frame == nil {
		return
	}

	m.stats.Update(frame, nil, msg.validationErrors)
	for _, verr := range msg.validationErrors {
		if verr.Type == harp.AnomalyErrorReply {
			continue // reported with the command result
		}
		m.addLogEntry(fmt.Sprintf("%s: %s", frame.Type, verr.Message), true)
	}
	if frame.IsError() {
		return
	}

	if frame.HasTimestamp {
		m.deviceSeconds = frame.Seconds
		m.hasClock = true
	}
	m.updateRegisterValue(frame)

	switch frame.Address {
	case whiterabbit.AddressConnectedDevices:
		if v, err := whiterabbit.ConnectedDevices.Payload(frame); err == nil {
			if frame.IsEvent() && v != m.connected {
				m.addLogEntry(fmt.Sprintf("Connected devices: %s", v), false)
			}
			m.connected = v
		}

	case whiterabbit.AddressCounter:
		if v, err := whiterabbit.Counter.Payload(frame); err == nil {
			m.counter = v
			if frame.IsEvent() {
				m.counterEvents++
			}
		}

	case whiterabbit.AddressCounterFrequencyHz:
		if v, err := whiterabbit.CounterFrequencyHz.Payload(frame); err == nil {
			m.frequency = v
		}

	case whiterabbit.AddressAuxPortMode:
		if v, err := whiterabbit.AuxPortMode.Payload(frame); err == nil {
			m.auxMode = v
		}

	case whiterabbit.AddressAuxPortBaudRate:
		if v, err := whiterabbit.AuxPortBaudRate.Payload(frame); err == nil {
			m.baud = v
		}
	}
}

// updateRegisterValue stores the formatted value of a frame in the browser
func (m *controlModel) updateRegisterValue(frame *harp.Message) {
	if len(frame.Payload) == 0 {
		return
	}
	for i := range m.registers {
		if m.registers[i].desc.Address != frame.Address {
			continue
		}
		m.registers[i].value = harp.FormatValue(m.registers[i].desc, frame)
		m.registerList.SetItem(i, m.registers[i])
		return
	}
}

func (m *controlModel) handleCommandResult(msg commandResultMsg) {
	if msg.err == nil {
		m.addLogEntry(msg.action+" OK", false)
		return
	}

	var cerr *harp.CommandError
	if errors.As(msg.err, &cerr) && cerr.Reply != nil {
		if desc, err := m.catalog.Lookup(cerr.Reply.Address); err == nil && len(cerr.Reply.Payload) > 0 {
			m.addLogEntry(fmt.Sprintf("%s rejected by device (value %s)", msg.action, harp.FormatValue(desc, cerr.Reply)), true)
			return
		}
	}
	m.addLogEntry(fmt.Sprintf("%s failed: %v", msg.action, msg.err), true)
}

//////////////////////////////////////////////////////////////
// Commands
//////////////////////////////////////////////////////////////

func (m *controlModel) sendWrite(desc harp.Descriptor) (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.valueInput.Value())
	if input == "" {
		m.addLogEntry(fmt.Sprintf("Enter a value for %s", desc.Name), true)
		return *m, nil
	}

	payload, err := parseValue(desc, input)
	if err != nil {
		m.addLogEntry(err.Error(), true)
		return *m, nil
	}

	action := fmt.Sprintf("Write %s = %s", desc.Name, input)
	m.addLogEntry("Sent "+action, false)
	m.valueInput.SetValue("")
	return *m, m.connMgr.do(action, func(ctx context.Context, d *whiterabbit.Device) (*harp.Message, error) {
		return d.Command(ctx, harp.NewMessage(harp.MessageWrite, desc.Address, desc.Type, payload))
	})
}

func (m *controlModel) sendRead(desc harp.Descriptor) (tea.Model, tea.Cmd) {
	action := "Read " + desc.Name
	return *m, m.connMgr.do(action, func(ctx context.Context, d *whiterabbit.Device) (*harp.Message, error) {
		return d.Command(ctx, harp.NewReadRequest(desc.Address, desc.Type))
	})
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *controlModel) addLogEntry(message string, isError bool) {
	entry := logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.log = append(m.log, entry)

	if len(m.log) > m.maxLogEntries {
		m.log = m.log[len(m.log)-m.maxLogEntries:]
	}
}

func (m *controlModel) selectedRegister() *registerItem {
	idx := m.registerList.Index()
	if idx < 0 || idx >= len(m.registers) {
		return nil
	}
	return &m.registers[idx]
}

func (m *controlModel) updateListSize() {
	listHeight := m.height / 2
	if listHeight < 6 {
		listHeight = 6
	}
	m.registerList.SetSize(34, listHeight)
}
