// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"errors"
	"fmt"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/Thermoquad/harpstat/internal/config"
)

const (
	disconnectQuiesce = 250 // milliseconds
	keepAlive         = 30 * time.Second
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("mqtt: timed out")

// MQTTPublisher publishes through a paho client.
type MQTTPublisher struct {
	client  pahomqtt.Client
	timeout time.Duration
}

// ClientOptions builds the paho options for cfg. The retained status topic
// is set as the last will.
func ClientOptions(cfg config.MQTT, statusTopic string, logger zerolog.Logger) *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(cfg.Timeout.Duration)
	opts.SetKeepAlive(keepAlive)
	opts.SetWill(statusTopic, "offline", 1, true)

	opts.SetOnConnectHandler(func(pahomqtt.Client) {
		logger.Info().Str("broker", cfg.Broker).Msg("mqtt connected")
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		logger.Warn().Err(err).Msg("mqtt connection lost")
	})
	return opts
}

// Dial connects to the broker described by opts.
func Dial(opts *pahomqtt.ClientOptions, timeout time.Duration) (*MQTTPublisher, error) {
	client := pahomqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("connect: %w after %v", ErrTimeout, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return NewMQTTPublisher(client, timeout), nil
}

// NewMQTTPublisher wraps a connected client.
func NewMQTTPublisher(client pahomqtt.Client, timeout time.Duration) *MQTTPublisher {
	return &MQTTPublisher{client: client, timeout: timeout}
}

// Publish sends payload and waits for the broker acknowledgement.
func (p *MQTTPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish %s: %w", topic, ErrTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Close disconnects from the broker.
func (p *MQTTPublisher) Close() {
	if p.client.IsConnected() {
		p.client.Disconnect(disconnectQuiesce)
	}
}
