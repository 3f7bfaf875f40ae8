// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/harpstat/internal/telemetry"
	"github.com/Thermoquad/harpstat/pkg/harp"
	"github.com/Thermoquad/harpstat/pkg/whiterabbit"
)

var (
	showAll          bool
	statsInterval    time.Duration
	useTUI           bool
	metricsAddr      string
	monitorFrequency uint16
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Track register events, error replies and malformed frames",
	Long: `Follow the event stream of a WhiteRabbit device, grouped by register.

Every frame is checked against the register catalog, which flags:
  - Frames that fail to decode (checksum, length, payload type)
  - Error replies from the device
  - Unknown registers and payload type mismatches
  - Values outside the documented register range

By default, only problems are displayed. Use --show-all to display every
frame. Statistics are summarised every --stats-interval.

With --metrics-addr, session counters are served in the Prometheus text
format while the monitor runs.`,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&showAll, "show-all", false, "Show all frames (not just errors)")
	monitorCmd.Flags().DurationVar(&statsInterval, "stats-interval", 10*time.Second, "Statistics update interval")
	monitorCmd.Flags().BoolVar(&useTUI, "tui", true, "Use terminal UI (false for text mode)")
	monitorCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9110)")
	monitorCmd.Flags().Uint16Var(&monitorFrequency, "counter-hz", 0, "Set CounterFrequencyHz before monitoring (0 leaves it unchanged)")
}

// monitorFrame is one entry of the monitored stream: a decoded frame with its
// validation result, or a decode error.
type monitorFrame struct {
	message    *harp.Message
	register   harp.Descriptor
	known      bool
	decodeErr  error
	validation []harp.ValidationError
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	var collector *telemetry.PrometheusCollector
	addr := metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		var err error
		collector, err = telemetry.NewPrometheusCollector(registry)
		if err != nil {
			return err
		}
		srv := serveMetrics(addr, cfg.Metrics.Path, registry)
		defer srv.Close()
	}

	d, connInfo, err := OpenDevice(ctx, collector)
	if err != nil {
		return exitf(2, "connection error: %w", err)
	}
	defer d.Close()

	if cmd.Flags().Changed("counter-hz") {
		if err := d.WriteCounterFrequencyHz(ctx, monitorFrequency); err != nil {
			return err
		}
	}

	frames := monitorFrames(ctx, d)
	if useTUI {
		return runMonitorTUI(ctx, connInfo, frames)
	}
	return runMonitorText(connInfo, frames)
}

func serveMetrics(addr, path string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Str("path", path).Msg("Serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return srv
}

// monitorFrames merges the per-register streams of the session into one
// stream of validated frames. Decode errors are forwarded as frames with
// decodeErr set. The stream closes when the session does.
func monitorFrames(ctx context.Context, d *whiterabbit.Device) <-chan monitorFrame {
	out := make(chan monitorFrame, 64)
	catalog := d.Catalog()

	send := func(f monitorFrame) {
		select {
		case out <- f:
		case <-ctx.Done():
		}
	}
	onErr := func(err error) {
		if errors.Is(err, harp.ErrConnectionClosed) {
			return
		}
		send(monitorFrame{decodeErr: err})
	}

	groups := harp.GroupByRegister(ctx, harp.Messages(ctx, d.Subscribe(ctx), onErr), catalog)
	go func() {
		var wg sync.WaitGroup
		for g := range groups {
			wg.Add(1)
			go func(g harp.Group) {
				defer wg.Done()
				for m := range g.Messages {
					send(monitorFrame{
						message:    m,
						register:   g.Register,
						known:      g.Known,
						validation: harp.ValidateMessage(m, catalog),
					})
				}
			}(g)
		}
		wg.Wait()
		close(out)
	}()
	return out
}

// registerName returns the catalog name of a frame, or R<address>.
func (f monitorFrame) registerName() string {
	if f.known {
		return f.register.Name
	}
	return fmt.Sprintf("R%d", f.message.Address)
}

// printDecodeError prints a decode error in highlighted format
func printDecodeError(err error) {
	timestamp := time.Now().Format("15:04:05.000")
	fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, err)
	fmt.Printf("  >>> FRAME DROPPED <<<\n\n")
}

// printValidationErrors prints validation errors for a frame
func printValidationErrors(f monitorFrame) {
	m := f.message
	timestamp := m.ReceivedAt.Format("15:04:05.000")

	fmt.Printf("[%s] \033[1;33mVALIDATION ERROR:\033[0m %s %s (addr=%d)\n", timestamp, m.Type, f.registerName(), m.Address)
	fmt.Printf("  Checksum: \033[1;32mOK\033[0m\n")

	for i, verr := range f.validation {
		switch verr.Type {
		case harp.AnomalyErrorReply, harp.AnomalyUnknownRegister, harp.AnomalyTypeMismatch:
			fmt.Printf("  Issue %d: \033[1;31m%s\033[0m\n", i+1, verr.Message)
		default:
			fmt.Printf("  Issue %d: \033[1;33m%s\033[0m\n", i+1, verr.Message)
		}
	}
	if f.known && len(m.Payload) > 0 {
		fmt.Printf("  Value: %s\n", harp.FormatValue(f.register, m))
	}
	fmt.Printf("\n")
}

// registerActivity summarises the frames seen for one register.
type registerActivity struct {
	name     string
	address  uint8
	frames   uint64
	events   uint64
	last     string
	lastSeen time.Time
}

// activityTable tracks per-register activity in arrival order.
type activityTable struct {
	byAddress map[uint8]*registerActivity
	order     []uint8
}

func newActivityTable() *activityTable {
	return &activityTable{byAddress: make(map[uint8]*registerActivity)}
}

func (t *activityTable) observe(f monitorFrame) {
	m := f.message
	a, ok := t.byAddress[m.Address]
	if !ok {
		a = &registerActivity{name: f.registerName(), address: m.Address}
		t.byAddress[m.Address] = a
		t.order = append(t.order, m.Address)
	}
	a.frames++
	if m.IsEvent() {
		a.events++
	}
	a.lastSeen = m.ReceivedAt
	switch {
	case len(m.Payload) == 0:
		a.last = "(no payload)"
	case f.known:
		a.last = harp.FormatValue(f.register, m)
	default:
		a.last = fmt.Sprintf("%d bytes", len(m.Payload))
	}
}

func (t *activityTable) String() string {
	if len(t.order) == 0 {
		return "  (no frames yet)\n"
	}
	result := fmt.Sprintf("  %-22s %5s %8s %8s  %s\n", "Register", "Addr", "Frames", "Events", "Last value")
	for _, addr := range t.order {
		a := t.byAddress[addr]
		result += fmt.Sprintf("  %-22s %5d %8d %8d  %s\n", a.name, a.address, a.frames, a.events, a.last)
	}
	return result
}

// runMonitorTUI runs the monitor in TUI mode
func runMonitorTUI(ctx context.Context, connInfo string, frames <-chan monitorFrame) error {
	m := initialModel(connInfo, statsInterval, showAll)
	p := tea.NewProgram(m, tea.WithContext(ctx))

	// Frame forwarding goroutine
	go func() {
		for f := range frames {
			p.Send(frameMsg(f))
		}
		p.Send(closedMsg{})
	}()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}

// runMonitorText runs the monitor in text mode
func runMonitorText(connInfo string, frames <-chan monitorFrame) error {
	fmt.Printf("Harpstat - Monitor\n")
	fmt.Printf("Connection: %s\n", connInfo)
	fmt.Printf("Statistics interval: %v\n", statsInterval)
	if showAll {
		fmt.Printf("Mode: All frames\n")
	} else {
		fmt.Printf("Mode: Errors only\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	catalog := whiterabbit.Catalog()
	stats := harp.NewStatistics()
	activity := newActivityTable()

	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()

	summary := func() {
		fmt.Println()
		fmt.Print(stats.String())
		fmt.Print(activity.String())
		fmt.Println()
	}

	for {
		select {
		case f, ok := <-frames:
			if !ok {
				summary()
				logger.Info().Msg("Connection closed")
				return nil
			}
			if f.decodeErr != nil {
				stats.Update(nil, f.decodeErr, nil)
				printDecodeError(f.decodeErr)
				continue
			}

			stats.Update(f.message, nil, f.validation)
			activity.observe(f)

			if len(f.validation) > 0 {
				printValidationErrors(f)
			} else if showAll {
				fmt.Print(harp.FormatMessage(f.message, catalog))
			}

		case <-statsTicker.C:
			summary()
		}
	}
}
