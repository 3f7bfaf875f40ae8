// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/harpstat/internal/config"
	"github.com/Thermoquad/harpstat/internal/logging"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// Session flags
	simulate    bool
	configPath  string
	logLevel    string
	logFormat   string
	timeout     time.Duration
	capturePath string

	// Resolved by the root pre-run hook
	cfg    = config.Default()
	logger = zerolog.Nop()
)

var rootCmd = &cobra.Command{
	Use:   "harpstat",
	Short: "Harp Protocol Analyzer for WhiteRabbit devices",
	Long: `Harpstat - A CLI tool for monitoring, querying and controlling Harp devices,
with typed support for the WhiteRabbit clock distribution device.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 1000000]
  WebSocket: --url ws://host/path [--username user]
  Emulator:  --simulate

For WebSocket authentication, the password is read from the HARP_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.

Settings may also be read from a TOML file with --config. Flags given on the
command line take precedence over the file.`,
	Version:           "0.3.0",
	SilenceUsage:      true,
	PersistentPreRunE: loadSettings,
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 1_000_000, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// Session flags
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "Connect to a built-in WhiteRabbit emulator")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "TOML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "Log format (text or json)")
	rootCmd.PersistentFlags().DurationVarP(&timeout, "timeout", "t", 2*time.Second, "Handshake and command timeout")
	rootCmd.PersistentFlags().StringVar(&capturePath, "capture", "", "Record every frame to a capture file")
}

// loadSettings merges the configuration file with the flags that were set
// explicitly and builds the logger.
func loadSettings(cmd *cobra.Command, _ []string) error {
	loaded, err := config.Load(configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		loaded.Connection.Port = portName
	}
	if flags.Changed("baud") {
		loaded.Connection.Baud = baudRate
	}
	if flags.Changed("url") {
		loaded.Connection.URL = wsURL
	}
	if flags.Changed("username") {
		loaded.Connection.Username = wsUsername
	}
	if flags.Changed("no-ssl-verify") {
		loaded.Connection.NoSSLVerify = wsNoSSLVerify
	}
	if flags.Changed("timeout") {
		loaded.Connection.Timeout = config.Duration{Duration: timeout}
	}
	if flags.Changed("log-level") || configPath == "" {
		loaded.Logging.Level = logLevel
	}
	if flags.Changed("log-format") || configPath == "" {
		loaded.Logging.Format = logFormat
	}
	if err := loaded.Validate(); err != nil {
		return err
	}
	cfg = loaded

	logger, err = logging.Setup("harpstat", logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	return err
}

// ExitError carries a process exit code.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

func exitf(code int, format string, args ...any) error {
	return &ExitError{Code: code, Err: fmt.Errorf(format, args...)}
}

// ExitCode returns the process exit code for an error returned by Execute.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ee *ExitError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return 1
}

// Execute runs the root command. Interrupts cancel the command context.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}
