// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "harpstat.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.NoError(t, cfg.Validate())
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
[connection]
port = "/dev/ttyUSB0"
timeout = "500ms"

[logging]
level = "debug"

[mqtt]
broker = "tcp://localhost:1883"
topic_prefix = "lab/rig3"
qos = 1
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/dev/ttyUSB0", cfg.Connection.Port)
	require.Equal(t, 1_000_000, cfg.Connection.Baud)
	require.Equal(t, 500*time.Millisecond, cfg.Connection.Timeout.Duration)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "text", cfg.Logging.Format)
	require.Equal(t, "lab/rig3", cfg.MQTT.TopicPrefix)
	require.Equal(t, byte(1), cfg.MQTT.QoS)
	require.Equal(t, "harpstat", cfg.MQTT.ClientID)
}

func TestLoad_UnknownKey(t *testing.T) {
	path := writeConfig(t, `
[connection]
prot = "/dev/ttyUSB0"
`)
	_, err := Load(path)
	require.ErrorContains(t, err, "connection.prot")
}

func TestLoad_Malformed(t *testing.T) {
	_, err := Load(writeConfig(t, `[connection`))
	require.Error(t, err)

	_, err = Load(writeConfig(t, "[connection]\ntimeout = \"soon\"\n"))
	require.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		errMsg string
	}{
		{"port and url", func(c *Config) { c.Connection.Port = "/dev/ttyACM0"; c.Connection.URL = "ws://host/harp" }, "mutually exclusive"},
		{"http url", func(c *Config) { c.Connection.URL = "http://host" }, "ws://"},
		{"zero baud", func(c *Config) { c.Connection.Baud = 0 }, "baud"},
		{"zero timeout", func(c *Config) { c.Connection.Timeout.Duration = 0 }, "timeout"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "format"},
		{"metrics path", func(c *Config) { c.Metrics.Addr = ":9100"; c.Metrics.Path = "metrics" }, "path"},
		{"broker", func(c *Config) { c.MQTT.Broker = "localhost" }, "broker"},
		{"qos", func(c *Config) { c.MQTT.QoS = 3 }, "qos"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(&cfg)
			require.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}
