// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bridge publishes decoded register frames to an MQTT broker.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Thermoquad/harpstat/pkg/harp"
)

// Publisher sends a payload to a topic.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// Options configures a Bridge.
type Options struct {
	TopicPrefix string
	QoS         byte
	Retain      bool

	// EventsOnly skips replies to commands.
	EventsOnly bool
}

// Payload is the JSON document published for each frame.
type Payload struct {
	Register    string    `json:"register"`
	Address     uint8     `json:"address"`
	Type        string    `json:"type"`
	PayloadType string    `json:"payload_type"`
	Value       any       `json:"value"`
	Text        string    `json:"text"`
	Seconds     *float64  `json:"seconds,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

// Bridge maps frames to topics and payloads.
type Bridge struct {
	pub     Publisher
	catalog *harp.Catalog
	opts    Options
	logger  zerolog.Logger

	published int
	failed    int
}

// New returns a Bridge publishing through pub.
func New(pub Publisher, catalog *harp.Catalog, opts Options, logger zerolog.Logger) *Bridge {
	opts.TopicPrefix = strings.TrimSuffix(opts.TopicPrefix, "/")
	return &Bridge{pub: pub, catalog: catalog, opts: opts, logger: logger}
}

// Topic returns the topic for frames of the register at address.
func (b *Bridge) Topic(address uint8) string {
	name := fmt.Sprintf("R%d", address)
	if desc, err := b.catalog.Lookup(address); err == nil {
		name = desc.Name
	}
	if b.opts.TopicPrefix == "" {
		return name
	}
	return b.opts.TopicPrefix + "/" + name
}

// StatusTopic returns the retained session status topic.
func (b *Bridge) StatusTopic() string {
	return StatusTopic(b.opts.TopicPrefix)
}

// StatusTopic returns the status topic under prefix.
func StatusTopic(prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return "status"
	}
	return prefix + "/status"
}

// Run publishes every frame from events until the stream ends or ctx is
// done. Publish failures are logged and counted.
func (b *Bridge) Run(ctx context.Context, events <-chan harp.Event) error {
	if err := b.pub.Publish(b.StatusTopic(), 1, true, []byte("online")); err != nil {
		return fmt.Errorf("publish status: %w", err)
	}
	defer func() {
		_ = b.pub.Publish(b.StatusTopic(), 1, true, []byte("offline"))
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Err != nil {
				b.logger.Debug().Err(ev.Err).Msg("skipping stream error")
				continue
			}
			if b.opts.EventsOnly && !ev.Message.IsEvent() {
				continue
			}
			if err := b.Publish(ev.Message); err != nil {
				b.failed++
				b.logger.Warn().Err(err).Uint8("address", ev.Message.Address).Msg("publish failed")
				continue
			}
			b.published++
		}
	}
}

// Publish sends one frame.
func (b *Bridge) Publish(m *harp.Message) error {
	data, err := json.Marshal(b.Payload(m))
	if err != nil {
		return err
	}
	return b.pub.Publish(b.Topic(m.Address), b.opts.QoS, b.opts.Retain, data)
}

// Payload builds the JSON document for m.
func (b *Bridge) Payload(m *harp.Message) Payload {
	p := Payload{
		Register:    fmt.Sprintf("R%d", m.Address),
		Address:     m.Address,
		Type:        m.Type.String(),
		PayloadType: m.PayloadType.String(),
		Value:       elements(m),
		ReceivedAt:  m.ReceivedAt,
	}
	if desc, err := b.catalog.Lookup(m.Address); err == nil {
		p.Register = desc.Name
		p.Text = harp.FormatValue(desc, m)
		if desc.Address == harp.AddressDeviceName {
			p.Value = harp.DecodeString(m.Payload)
		}
	}
	if m.HasTimestamp {
		seconds := m.Seconds
		p.Seconds = &seconds
	}
	return p
}

// Stats returns the number of published and failed frames.
func (b *Bridge) Stats() (published, failed int) {
	return b.published, b.failed
}

func elements(m *harp.Message) any {
	n := m.Count()
	values := make([]any, 0, n)
	for i := 0; i < n; i++ {
		values = append(values, element(m, i))
	}
	switch len(values) {
	case 0:
		return nil
	case 1:
		return values[0]
	default:
		return values
	}
}

func element(m *harp.Message, i int) any {
	switch {
	case m.PayloadType.Float():
		f, _ := m.Float(i)
		return f
	case m.PayloadType.Signed():
		u, _ := m.Uint(i)
		return int64(u)
	default:
		u, _ := m.Uint(i)
		return u
	}
}
