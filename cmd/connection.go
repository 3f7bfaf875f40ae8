// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
	"golang.org/x/term"

	"github.com/Thermoquad/harpstat/internal/capture"
	"github.com/Thermoquad/harpstat/internal/telemetry"
	"github.com/Thermoquad/harpstat/pkg/harp"
	"github.com/Thermoquad/harpstat/pkg/whiterabbit"
	"github.com/Thermoquad/harpstat/pkg/whiterabbit/sim"
)

// Connection is the byte-stream transport a session runs on.
type Connection = io.ReadWriteCloser

// ErrConnectionClosed is returned by transports that were closed.
var ErrConnectionClosed = harp.ErrConnectionClosed

// wsConnection carries the Harp byte stream in binary WebSocket messages.
// Frames may span messages, so each message is read as a stream.
type wsConnection struct {
	conn *websocket.Conn
	msg  io.Reader
}

func (w *wsConnection) Read(p []byte) (int, error) {
	for {
		if w.msg == nil {
			mt, r, err := w.conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, ErrConnectionClosed
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			w.msg = r
		}

		n, err := w.msg.Read(p)
		if errors.Is(err, io.EOF) {
			w.msg = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (w *wsConnection) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConnection) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return w.conn.Close()
}

// OpenSerialConnection opens a serial port at 8N1.
func OpenSerialConnection(portName string, baudRate int) (Connection, error) {
	port, err := serial.Open(portName, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", portName, err)
	}
	return port, nil
}

// OpenWebSocketConnection dials a ws:// or wss:// endpoint, with HTTP Basic
// auth when credentials are given.
func OpenWebSocketConnection(ctx context.Context, wsURL, username, password string, skipSSLVerify bool) (Connection, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: skipSSLVerify}
	}

	headers := http.Header{}
	if username != "" && password != "" {
		token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+token)
	}

	dctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, resp, err := dialer.DialContext(dctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}
	return &wsConnection{conn: conn}, nil
}

// GetPassword returns HARP_PASSWORD, or prompts for the password on the
// terminal without echo.
func GetPassword() (string, error) {
	if pw := os.Getenv("HARP_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")
	defer fmt.Fprintln(os.Stderr)

	fd := int(syscall.Stdin)
	if term.IsTerminal(fd) {
		pw, err := term.ReadPassword(fd)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(pw), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// OpenConnection opens a serial, WebSocket or emulator connection based on
// the resolved settings. When --capture is set, every frame is recorded.
func OpenConnection() (Connection, string, error) {
	conn, info, err := openTransport()
	if err != nil {
		return nil, "", err
	}
	if capturePath == "" {
		return conn, info, nil
	}

	w, err := capture.Create(capturePath)
	if err != nil {
		conn.Close()
		return nil, "", err
	}
	return &capturedConnection{Tap: capture.NewTap(conn, w, info), writer: w}, info + " (capturing to " + capturePath + ")", nil
}

func openTransport() (Connection, string, error) {
	c := cfg.Connection

	if simulate {
		s, conn := sim.New(sim.WithLogger(logger.With().Str("component", "sim").Logger()))
		return &simulatedConnection{Conn: conn, sim: s}, "Simulated WhiteRabbit", nil
	}

	if c.URL != "" {
		// WebSocket mode
		password := ""
		if c.Username != "" {
			var err error
			password, err = GetPassword()
			if err != nil {
				return nil, "", err
			}
		}

		conn, err := OpenWebSocketConnection(context.Background(), c.URL, c.Username, password, c.NoSSLVerify)
		if err != nil {
			return nil, "", err
		}

		return conn, fmt.Sprintf("WebSocket: %s", c.URL), nil
	}

	if c.Port != "" {
		// Serial mode
		conn, err := OpenSerialConnection(c.Port, c.Baud)
		if err != nil {
			return nil, "", err
		}

		return conn, fmt.Sprintf("Serial: %s @ %d baud", c.Port, c.Baud), nil
	}

	return nil, "", fmt.Errorf("one of --port, --url or --simulate must be specified")
}

// capturedConnection closes the capture file with the transport.
type capturedConnection struct {
	*capture.Tap
	writer *capture.Writer
}

func (c *capturedConnection) Close() error {
	err := c.Tap.Close()
	if cerr := c.writer.Close(); err == nil {
		err = cerr
	}
	return err
}

// simulatedConnection stops the emulator with the transport.
type simulatedConnection struct {
	net.Conn
	sim *sim.Simulator
}

func (c *simulatedConnection) Close() error {
	err := c.Conn.Close()
	c.sim.Close()
	return err
}

// sessionOptions are the engine options shared by every command.
func sessionOptions(name string, collector harp.Collector) []harp.Option {
	opts := []harp.Option{
		harp.WithName(name),
		harp.WithLogger(logger.With().Str("component", "harp").Logger()),
	}
	if collector != nil {
		opts = append(opts, harp.WithCollector(collector))
	}
	return opts
}

// OpenDevice opens the transport and performs the WhiteRabbit handshake.
func OpenDevice(ctx context.Context, collector *telemetry.PrometheusCollector) (*whiterabbit.Device, string, error) {
	conn, info, err := OpenConnection()
	if err != nil {
		return nil, "", err
	}

	var c harp.Collector
	if collector != nil {
		c = collector
	}

	hctx, cancel := context.WithTimeout(ctx, cfg.Connection.Timeout.Duration)
	defer cancel()
	d, err := whiterabbit.Open(hctx, conn, sessionOptions(info, c)...)
	if err != nil {
		return nil, "", err
	}
	return d, info, nil
}
