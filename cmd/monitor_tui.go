// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/harpstat/pkg/harp"
)

// Log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool // true for errors, false for information
}

// TUI model
type model struct {
	connInfo      string
	statsInterval time.Duration
	showAll       bool
	stats         *harp.Statistics
	activity      *activityTable
	log           []logEntry
	maxLogEntries int
	deviceSeconds float64
	hasClock      bool
	closed        bool
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time
type frameMsg monitorFrame
type closedMsg struct{}

func initialModel(connInfo string, statsInterval time.Duration, showAll bool) model {
	return model{
		connInfo:      connInfo,
		statsInterval: statsInterval,
		showAll:       showAll,
		stats:         harp.NewStatistics(),
		activity:      newActivityTable(),
		log:           make([]logEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			m.stats.Reset()
			m.activity = newActivityTable()
			m.addLogEntry("Statistics reset", false)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		m.stats.CalculateRates()
		return m, tickCmd()

	case closedMsg:
		m.closed = true
		m.addLogEntry("Connection closed", true)

	case frameMsg:
		f := monitorFrame(msg)
		if f.decodeErr != nil {
			m.stats.Update(nil, f.decodeErr, nil)
			m.addLogEntry(fmt.Sprintf("DECODE ERROR: %v", f.decodeErr), true)
			return m, nil
		}

		m.stats.Update(f.message, nil, f.validation)
		m.activity.observe(f)
		if f.message.HasTimestamp {
			m.deviceSeconds = f.message.Seconds
			m.hasClock = true
		}

		if len(f.validation) > 0 {
			for _, verr := range f.validation {
				m.addLogEntry(fmt.Sprintf("%s: %s", f.message.Type, verr.Message), true)
			}
		} else if m.showAll {
			m.addLogEntry(fmt.Sprintf("%s %s", f.message.Type, f.registerName()), false)
		}
	}

	return m, nil
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.log = append(m.log, entry)

	// Keep only last N entries
	if len(m.log) > m.maxLogEntries {
		m.log = m.log[len(m.log)-m.maxLogEntries:]
	}
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

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

	var s strings.Builder
	s.WriteString(titleStyle.Render("HARPSTAT - MONITOR"))
	s.WriteString("\n")
	mode := "Errors only"
	if m.showAll {
		mode = "All frames"
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Mode: %s | 'r' reset, 'q' quit", m.connInfo, mode)))
	s.WriteString("\n\n")

	switch {
	case m.closed:
		s.WriteString(errorStyle.Render("✗ Connection closed"))
	case m.hasClock:
		s.WriteString(statsValueStyle.Render("✓ Device clock " + harp.FormatUptime(m.deviceSeconds)))
	default:
		s.WriteString(warningStyle.Render("⏳ Waiting for frames..."))
	}
	s.WriteString("\n\n")

	// Statistics
	st := m.stats
	errorCount := st.ChecksumErrors + st.DecodeErrors + st.Anomalies + st.ErrorReplies

	var statsContent strings.Builder
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Total:"), statsValueStyle.Render(fmt.Sprintf("%d", st.TotalFrames)),
		statsLabelStyle.Render("Valid:"), statsValueStyle.Render(fmt.Sprintf("%d (%.1f%%)", st.ValidFrames, percentOf(st.ValidFrames, st.TotalFrames))),
		statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d (%.1f%%)", errorCount, percentOf(errorCount, st.TotalFrames))),
	))
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
		statsLabelStyle.Render("Events:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Events)),
		statsLabelStyle.Render("Replies:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Replies)),
	))

	if st.ChecksumErrors > 0 || st.DecodeErrors > 0 || st.ErrorReplies > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			statsLabelStyle.Render("Checksum:"), errorStyle.Render(fmt.Sprintf("%d", st.ChecksumErrors)),
			statsLabelStyle.Render("Decode:"), errorStyle.Render(fmt.Sprintf("%d", st.DecodeErrors)),
			statsLabelStyle.Render("Error replies:"), errorStyle.Render(fmt.Sprintf("%d", st.ErrorReplies)),
		))
	}

	if st.Anomalies > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s (%s: %d, %s: %d)\n",
			statsLabelStyle.Render("Anomalous:"), warningStyle.Render(fmt.Sprintf("%d", st.Anomalies)),
			headerStyle.Render("unknown register"), st.UnknownRegister,
			headerStyle.Render("out of range"), st.OutOfRange,
		))
	}

	errorRate := statsValueStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
	if st.ErrorRate > 0 {
		errorRate = errorStyle.Render(fmt.Sprintf("%.1f err/s", st.ErrorRate))
	}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		statsLabelStyle.Render("Frame Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f frames/s", st.FrameRate)),
		statsLabelStyle.Render("Error Rate:"), errorRate,
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	s.WriteString(statsLabelStyle.Render("Registers:"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Render(strings.TrimRight(m.activity.String(), "\n")))
	s.WriteString("\n\n")

	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := m.height - 18 - len(m.activity.order)
	if logHeight < 5 {
		logHeight = 5
	}

	var logContent strings.Builder
	startIdx := len(m.log) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.log) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for _, entry := range m.log[startIdx:] {
			timestamp := entry.timestamp.Format("15:04:05.000")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), errorStyle.Render("✗ "+entry.message)))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n", headerStyle.Render(timestamp), warningStyle.Render("ℹ "+entry.message)))
			}
		}
	}

	s.WriteString(boxStyle.Width(m.width - 4).Render(logContent.String()))

	return s.String()
}

func percentOf(n, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100.0 / float64(total)
}
