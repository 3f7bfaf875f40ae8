// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/harpstat/internal/config"
	"github.com/Thermoquad/harpstat/pkg/harp"
	"github.com/Thermoquad/harpstat/pkg/whiterabbit"
	"github.com/Thermoquad/harpstat/pkg/whiterabbit/sim"
)

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu   sync.Mutex
	msgs []published
	fail map[string]bool
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail[topic] {
		return errors.New("broker unavailable")
	}
	f.msgs = append(f.msgs, published{topic, qos, retained, payload})
	return nil
}

func (f *fakePublisher) snapshot() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.msgs...)
}

func decodePayload(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}

func TestBridge_Topics(t *testing.T) {
	b := New(&fakePublisher{}, whiterabbit.Catalog(), Options{TopicPrefix: "lab/rig3/"}, zerolog.Nop())
	require.Equal(t, "lab/rig3/Counter", b.Topic(whiterabbit.AddressCounter))
	require.Equal(t, "lab/rig3/R90", b.Topic(90))
	require.Equal(t, "lab/rig3/status", b.StatusTopic())

	bare := New(&fakePublisher{}, nil, Options{}, zerolog.Nop())
	require.Equal(t, "R33", bare.Topic(33))
	require.Equal(t, "status", bare.StatusTopic())
}

func TestBridge_Payload(t *testing.T) {
	b := New(&fakePublisher{}, whiterabbit.Catalog(), Options{}, zerolog.Nop())

	p := b.Payload(whiterabbit.ConnectedDevices.TimestampedMessage(4.5, harp.MessageEvent, whiterabbit.Channel0|whiterabbit.Channel2))
	require.Equal(t, "ConnectedDevices", p.Register)
	require.Equal(t, uint64(5), p.Value)
	require.Equal(t, "Channel0|Channel2 (0x0005)", p.Text)
	require.NotNil(t, p.Seconds)
	require.Equal(t, 4.5, *p.Seconds)

	p = b.Payload(harp.NewMessage(harp.MessageEvent, 90, harp.TypeS16, []byte{0xFE, 0xFF, 0x02, 0x00}))
	require.Equal(t, "R90", p.Register)
	require.Equal(t, []any{int64(-2), int64(2)}, p.Value)
	require.Nil(t, p.Seconds)

	p = b.Payload(harp.DeviceName.Message(harp.MessageRead, []byte("WhiteRabbit")))
	require.Equal(t, "WhiteRabbit", p.Value)
}

func TestBridge_RunPublishesEvents(t *testing.T) {
	pub := &fakePublisher{}
	b := New(pub, whiterabbit.Catalog(), Options{TopicPrefix: "harp", QoS: 1, EventsOnly: true}, zerolog.Nop())

	events := make(chan harp.Event, 4)
	events <- harp.Event{Message: whiterabbit.Counter.Message(harp.MessageEvent, 3)}
	events <- harp.Event{Message: whiterabbit.Counter.Message(harp.MessageRead, 3)}
	events <- harp.Event{Err: harp.ErrChecksumMismatch}
	events <- harp.Event{Message: whiterabbit.Counter.Message(harp.MessageEvent, 4)}
	close(events)

	require.NoError(t, b.Run(context.Background(), events))

	msgs := pub.snapshot()
	require.Len(t, msgs, 4)
	require.Equal(t, published{"harp/status", 1, true, []byte("online")}, msgs[0])
	require.Equal(t, "harp/Counter", msgs[1].topic)
	require.Equal(t, byte(1), msgs[1].qos)
	require.EqualValues(t, 3, decodePayload(t, msgs[1].payload)["value"])
	require.EqualValues(t, 4, decodePayload(t, msgs[2].payload)["value"])
	require.Equal(t, []byte("offline"), msgs[3].payload)

	sent, failed := b.Stats()
	require.Equal(t, 2, sent)
	require.Zero(t, failed)
}

func TestBridge_RunCountsFailures(t *testing.T) {
	pub := &fakePublisher{fail: map[string]bool{"Counter": true}}
	b := New(pub, whiterabbit.Catalog(), Options{}, zerolog.Nop())

	events := make(chan harp.Event, 2)
	events <- harp.Event{Message: whiterabbit.Counter.Message(harp.MessageEvent, 1)}
	events <- harp.Event{Message: whiterabbit.ConnectedDevices.Message(harp.MessageEvent, whiterabbit.Channel1)}
	close(events)

	require.NoError(t, b.Run(context.Background(), events))
	sent, failed := b.Stats()
	require.Equal(t, 1, sent)
	require.Equal(t, 1, failed)
}

func TestBridge_StatusFailure(t *testing.T) {
	pub := &fakePublisher{fail: map[string]bool{"status": true}}
	b := New(pub, nil, Options{}, zerolog.Nop())
	require.Error(t, b.Run(context.Background(), make(chan harp.Event)))
}

func TestBridge_DeviceSession(t *testing.T) {
	s, conn := sim.New()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := whiterabbit.Open(ctx, conn)
	require.NoError(t, err)

	pub := &fakePublisher{}
	b := New(pub, d.Catalog(), Options{TopicPrefix: "harp", EventsOnly: true}, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- b.Run(ctx, d.Subscribe(ctx)) }()

	require.Eventually(t, func() bool { return len(pub.snapshot()) == 1 }, time.Second, time.Millisecond)
	require.NoError(t, s.SetConnectedDevices(whiterabbit.Channel7))
	require.Eventually(t, func() bool { return len(pub.snapshot()) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, d.Close())
	require.NoError(t, <-done)

	msgs := pub.snapshot()
	require.Equal(t, "harp/ConnectedDevices", msgs[1].topic)
	require.Equal(t, "Channel7 (0x0080)", decodePayload(t, msgs[1].payload)["text"])
}

// ============================================================
// paho adapter
// ============================================================

type fakeToken struct {
	err      error
	complete bool
}

func (t *fakeToken) Wait() bool                     { return t.complete }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return t.complete }
func (t *fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if t.complete {
		close(ch)
	}
	return ch
}
func (t *fakeToken) Error() error { return t.err }

type fakeClient struct {
	pahomqtt.Client
	token        *fakeToken
	topics       []string
	disconnected bool
}

func (c *fakeClient) Publish(topic string, _ byte, _ bool, _ interface{}) pahomqtt.Token {
	c.topics = append(c.topics, topic)
	return c.token
}

func (c *fakeClient) IsConnected() bool { return true }

func (c *fakeClient) Disconnect(uint) { c.disconnected = true }

func TestMQTTPublisher(t *testing.T) {
	client := &fakeClient{token: &fakeToken{complete: true}}
	p := NewMQTTPublisher(client, time.Second)
	require.NoError(t, p.Publish("harp/Counter", 0, false, []byte("{}")))
	require.Equal(t, []string{"harp/Counter"}, client.topics)

	client.token = &fakeToken{}
	require.ErrorIs(t, p.Publish("harp/Counter", 0, false, nil), ErrTimeout)

	client.token = &fakeToken{complete: true, err: errors.New("not authorized")}
	require.ErrorContains(t, p.Publish("harp/Counter", 0, false, nil), "not authorized")

	p.Close()
	require.True(t, client.disconnected)
}

func TestClientOptions(t *testing.T) {
	cfg := config.Default().MQTT
	cfg.Broker = "tcp://broker:1883"
	cfg.Username = "rig"
	cfg.Password = "secret"

	opts := ClientOptions(cfg, "harp/status", zerolog.Nop())
	require.Len(t, opts.Servers, 1)
	require.Equal(t, "broker:1883", opts.Servers[0].Host)
	require.Equal(t, "harpstat", opts.ClientID)
	require.Equal(t, "rig", opts.Username)
	require.True(t, opts.WillEnabled)
	require.Equal(t, "harp/status", opts.WillTopic)
	require.True(t, opts.WillRetained)
}
