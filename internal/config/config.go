// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the optional harpstat configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the harpstat configuration.
type Config struct {
	Connection Connection `toml:"connection"`
	Logging    Logging    `toml:"logging"`
	Metrics    Metrics    `toml:"metrics"`
	MQTT       MQTT       `toml:"mqtt"`
}

// Connection selects the device transport.
type Connection struct {
	Port        string   `toml:"port"`
	Baud        int      `toml:"baud"`
	URL         string   `toml:"url"`
	Username    string   `toml:"username"`
	NoSSLVerify bool     `toml:"no_ssl_verify"`
	Timeout     Duration `toml:"timeout"`
}

// Logging configures the process logger.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Addr string `toml:"addr"`
	Path string `toml:"path"`
}

// MQTT configures the register event bridge.
type MQTT struct {
	Broker      string   `toml:"broker"`
	ClientID    string   `toml:"client_id"`
	Username    string   `toml:"username"`
	Password    string   `toml:"password"`
	TopicPrefix string   `toml:"topic_prefix"`
	QoS         byte     `toml:"qos"`
	Retain      bool     `toml:"retain"`
	Timeout     Duration `toml:"timeout"`
}

// Duration is a time.Duration read from a TOML string such as "2s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Connection: Connection{
			Baud:    1_000_000,
			Timeout: Duration{2 * time.Second},
		},
		Logging: Logging{
			Level:  "info",
			Format: "text",
		},
		Metrics: Metrics{
			Path: "/metrics",
		},
		MQTT: MQTT{
			ClientID:    "harpstat",
			TopicPrefix: "harp",
			QoS:         0,
			Timeout:     Duration{5 * time.Second},
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("load config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values and combinations.
func (c Config) Validate() error {
	var errs []error

	if c.Connection.Port != "" && c.Connection.URL != "" {
		errs = append(errs, errors.New("connection: port and url are mutually exclusive"))
	}
	if c.Connection.Baud <= 0 {
		errs = append(errs, fmt.Errorf("connection: invalid baud %d", c.Connection.Baud))
	}
	if c.Connection.URL != "" {
		u, err := url.Parse(c.Connection.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
			errs = append(errs, fmt.Errorf("connection: url %q must use ws:// or wss://", c.Connection.URL))
		}
	}
	if c.Connection.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("connection: timeout must be positive"))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging: invalid format %q", c.Logging.Format))
	}

	if c.Metrics.Addr != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		errs = append(errs, fmt.Errorf("metrics: path %q must start with /", c.Metrics.Path))
	}

	if c.MQTT.Broker != "" {
		u, err := url.Parse(c.MQTT.Broker)
		if err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("mqtt: invalid broker %q", c.MQTT.Broker))
		}
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt: invalid qos %d", c.MQTT.QoS))
	}

	return errors.Join(errs...)
}
