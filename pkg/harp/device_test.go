// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package harp

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testWhoAmI = 1404

var testFrequency = NewU16[uint16](Descriptor{
	Address: 34,
	Name:    "CounterFrequencyHz",
	Range:   &Range{Min: 0, Max: 500},
	Access:  AccessRead | AccessWrite,
})

func testCatalog() *Catalog {
	return MustCatalog(append(CoreDescriptors(), testFrequency.Descriptor)...)
}

// mockDevice answers frames on the far end of a net.Pipe.
type mockDevice struct {
	conn     net.Conn
	requests chan *Message
	closed   chan struct{}

	mu        sync.Mutex
	whoAmI    uint16
	frequency uint16
	handler   func(m *Message) []*Message
}

func newMockDevice(t *testing.T, whoAmI uint16) (net.Conn, *mockDevice) {
	t.Helper()
	host, dev := net.Pipe()
	md := &mockDevice{
		conn:     dev,
		requests: make(chan *Message, 64),
		closed:   make(chan struct{}),
		whoAmI:   whoAmI,
	}
	go md.run()
	t.Cleanup(func() { _ = dev.Close() })
	return host, md
}

func (md *mockDevice) run() {
	defer close(md.closed)
	decoder := NewDecoder()
	buf := make([]byte, 256)
	for {
		n, err := md.conn.Read(buf)
		for _, b := range buf[:n] {
			m, derr := decoder.DecodeByte(b)
			if derr != nil || m == nil {
				continue
			}
			select {
			case md.requests <- m:
			default:
			}
			for _, reply := range md.handle(m) {
				if md.send(reply) != nil {
					return
				}
			}
		}
		if err != nil {
			return
		}
	}
}

func (md *mockDevice) setHandler(h func(m *Message) []*Message) {
	md.mu.Lock()
	md.handler = h
	md.mu.Unlock()
}

func (md *mockDevice) handle(m *Message) []*Message {
	md.mu.Lock()
	defer md.mu.Unlock()

	if md.handler != nil {
		if replies := md.handler(m); replies != nil {
			return replies
		}
	}

	switch {
	case m.Address == AddressWhoAmI && m.Type == MessageRead:
		return []*Message{WhoAmI.Message(MessageRead, md.whoAmI)}
	case m.Address == testFrequency.Address && m.Type == MessageRead:
		return []*Message{testFrequency.Message(MessageRead, md.frequency)}
	case m.Address == testFrequency.Address && m.Type == MessageWrite:
		v, err := testFrequency.Payload(m)
		if err != nil || v > 1000 {
			return []*Message{testFrequency.Message(MessageWriteError, md.frequency)}
		}
		md.frequency = v
		return []*Message{testFrequency.TimestampedMessage(5.5, MessageWrite, v)}
	}
	return nil
}

func (md *mockDevice) send(m *Message) error {
	_, err := md.conn.Write(MustEncode(m))
	return err
}

func (md *mockDevice) sendRaw(b []byte) error {
	_, err := md.conn.Write(b)
	return err
}

// waitRequest returns the next request for address.
func (md *mockDevice) waitRequest(t *testing.T, address uint8) *Message {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m := <-md.requests:
			if m.Address == address {
				return m
			}
		case <-timeout:
			t.Fatalf("no request for address %d", address)
			return nil
		}
	}
}

func connectTest(t *testing.T, opts ...Option) (*Device, *mockDevice) {
	t.Helper()
	host, md := newMockDevice(t, testWhoAmI)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	opts = append([]Option{WithWhoAmI(testWhoAmI), WithCatalog(testCatalog()), WithName("pipe")}, opts...)
	d, err := Connect(ctx, host, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d, md
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

// ============================================================
// Handshake
// ============================================================

func TestConnect_IdentityMatch(t *testing.T) {
	d, _ := connectTest(t)
	require.Equal(t, StateReady, d.State())
	require.Equal(t, uint16(testWhoAmI), d.WhoAmI())
	require.NotEmpty(t, d.ID().String())
	require.Equal(t, "pipe", d.Name())
	require.NoError(t, d.Err())
}

func TestConnect_AnyIdentityWithoutExpectation(t *testing.T) {
	host, _ := newMockDevice(t, 1234)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d, err := Connect(ctx, host)
	require.NoError(t, err)
	defer d.Close()
	require.Equal(t, uint16(1234), d.WhoAmI())
}

func TestConnect_IdentityMismatch(t *testing.T) {
	host, md := newMockDevice(t, 1234)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	d, err := Connect(ctx, host, WithWhoAmI(testWhoAmI), WithName("/dev/ttyUSB0"))
	require.Nil(t, d)
	require.ErrorIs(t, err, ErrUnexpectedIdentity)

	var ie *IdentityError
	require.True(t, errors.As(err, &ie))
	require.Equal(t, uint16(testWhoAmI), ie.Expected)
	require.Equal(t, uint16(1234), ie.Observed)
	require.Contains(t, err.Error(), "/dev/ttyUSB0")

	select {
	case <-md.closed:
	case <-time.After(2 * time.Second):
		t.Fatal("transport was not released")
	}
}

func TestConnect_NoAnswer(t *testing.T) {
	host, md := newMockDevice(t, testWhoAmI)
	md.setHandler(func(m *Message) []*Message { return []*Message{} })

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := Connect(ctx, host)
	require.ErrorIs(t, err, ErrOperationCancelled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

// ============================================================
// Commands
// ============================================================

func TestCommand_WriteAcknowledged(t *testing.T) {
	d, _ := connectTest(t)
	ctx := context.Background()

	ack, err := Write(ctx, d, testFrequency, 250)
	require.NoError(t, err)
	require.Equal(t, uint16(250), ack)

	v, err := Read(ctx, d, testFrequency)
	require.NoError(t, err)
	require.Equal(t, uint16(250), v)
}

func TestCommand_TimestampedReply(t *testing.T) {
	d, _ := connectTest(t)

	reply, err := d.Command(context.Background(), testFrequency.Message(MessageWrite, 100))
	require.NoError(t, err)

	ts, err := testFrequency.TimestampedPayload(reply)
	require.NoError(t, err)
	require.Equal(t, uint16(100), ts.Value)
	require.Equal(t, 5.5, ts.Seconds)
}

func TestCommand_OutOfRangeNotSent(t *testing.T) {
	d, md := connectTest(t)
	md.waitRequest(t, AddressWhoAmI)

	_, err := Write(context.Background(), d, testFrequency, 600)
	require.ErrorIs(t, err, ErrOutOfRange)

	var re *RangeError
	require.True(t, errors.As(err, &re))
	require.Equal(t, uint64(600), re.Value)

	select {
	case m := <-md.requests:
		t.Fatalf("unexpected request for address %d", m.Address)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCommand_ErrorReply(t *testing.T) {
	d, _ := connectTest(t)

	reply, err := d.Command(context.Background(), testFrequency.Message(MessageWrite, 1001))
	require.ErrorIs(t, err, ErrCommandRejected)
	require.NotNil(t, reply)
	require.Equal(t, MessageWriteError, reply.Type)

	var ce *CommandError
	require.True(t, errors.As(err, &ce))
	require.Same(t, reply, ce.Reply)
}

func TestCommand_EventsDoNotResolve(t *testing.T) {
	d, md := connectTest(t)
	md.setHandler(func(m *Message) []*Message {
		if m.Address != testFrequency.Address || m.Type != MessageWrite {
			return nil
		}
		return []*Message{
			testFrequency.Message(MessageEvent, 7),
			NewMessage(MessageEvent, 33, TypeU32, []byte{1, 0, 0, 0}),
			testFrequency.Message(MessageWrite, 250),
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := d.Subscribe(ctx)

	ack, err := Write(context.Background(), d, testFrequency, 250)
	require.NoError(t, err)
	require.Equal(t, uint16(250), ack)

	first := nextEvent(t, events)
	require.Equal(t, MessageEvent, first.Message.Type)
	require.Equal(t, uint8(34), first.Message.Address)

	second := nextEvent(t, events)
	require.Equal(t, uint8(33), second.Message.Address)

	third := nextEvent(t, events)
	require.Equal(t, MessageWrite, third.Message.Type)
}

func TestCommand_CancellationLeavesSessionReady(t *testing.T) {
	d, md := connectTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Command(ctx, NewReadRequest(40, TypeU8))
	require.ErrorIs(t, err, ErrOperationCancelled)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Equal(t, StateReady, d.State())

	sub, stop := context.WithCancel(context.Background())
	defer stop()
	events := d.Subscribe(sub)

	// The late reply is visible on the event stream only.
	require.NoError(t, md.send(NewMessage(MessageRead, 40, TypeU8, []byte{7})))
	ev := nextEvent(t, events)
	require.Equal(t, uint8(40), ev.Message.Address)

	id, err := Read(context.Background(), d, WhoAmI)
	require.NoError(t, err)
	require.Equal(t, uint16(testWhoAmI), id)
}

func TestCommand_DecodeErrorForPendingAddress(t *testing.T) {
	d, md := connectTest(t)
	md.setHandler(func(m *Message) []*Message {
		if m.Address == testFrequency.Address {
			frame := MustEncode(testFrequency.Message(MessageRead, 1))
			frame[len(frame)-1] ^= 0xFF
			_ = md.sendRaw(frame)
			return []*Message{}
		}
		return nil
	})

	_, err := Read(context.Background(), d, testFrequency)
	require.ErrorIs(t, err, ErrProtocol)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	require.Equal(t, StateReady, d.State())
}

func TestCommand_DecodeErrorOnEventStream(t *testing.T) {
	d, md := connectTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := d.Subscribe(ctx)

	frame := MustEncode(NewMessage(MessageEvent, 33, TypeU32, []byte{1, 2, 3, 4}))
	frame[len(frame)-1]++
	require.NoError(t, md.sendRaw(frame))

	ev := nextEvent(t, events)
	require.Nil(t, ev.Message)
	require.ErrorIs(t, ev.Err, ErrChecksumMismatch)
	require.Equal(t, StateReady, d.State())
}

func TestCommand_ConcurrentCallers(t *testing.T) {
	d, _ := connectTest(t)

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := Read(context.Background(), d, WhoAmI)
			if err == nil && id != testWhoAmI {
				err = errors.New("wrong identity")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

// ============================================================
// Session Lifecycle
// ============================================================

func TestClose_AbandonsPendingCommand(t *testing.T) {
	d, md := connectTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := d.Subscribe(ctx)

	result := make(chan error, 1)
	go func() {
		_, err := d.Command(context.Background(), NewReadRequest(40, TypeU8))
		result <- err
	}()
	md.waitRequest(t, 40)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("pending command was not resolved")
	}

	ev := nextEvent(t, events)
	require.ErrorIs(t, ev.Err, ErrConnectionClosed)
	_, ok := <-events
	require.False(t, ok)

	require.Equal(t, StateClosed, d.State())
	_, err := d.Command(context.Background(), WhoAmI.ReadRequest())
	require.ErrorIs(t, err, ErrConnectionClosed)
}

func TestSubscribe_AfterClose(t *testing.T) {
	d, _ := connectTest(t)
	require.NoError(t, d.Close())

	events := d.Subscribe(context.Background())
	ev := nextEvent(t, events)
	require.ErrorIs(t, ev.Err, ErrConnectionClosed)
}

func TestTransportFailure(t *testing.T) {
	d, md := connectTest(t)
	require.NoError(t, md.conn.Close())

	require.Eventually(t, func() bool { return d.State() == StateClosed }, 2*time.Second, 5*time.Millisecond)
	require.Error(t, d.Err())

	select {
	case <-d.Done():
	default:
		t.Fatal("Done should be closed")
	}

	_, err := Read(context.Background(), d, WhoAmI)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

// stallingConn blocks every Write once stalled, until Close.
type stallingConn struct {
	net.Conn
	stalled atomic.Bool
	closed  chan struct{}
	once    sync.Once
}

func newStallingConn(c net.Conn) *stallingConn {
	return &stallingConn{Conn: c, closed: make(chan struct{})}
}

func (c *stallingConn) Write(b []byte) (int, error) {
	if c.stalled.Load() {
		<-c.closed
		return 0, net.ErrClosed
	}
	return c.Conn.Write(b)
}

func (c *stallingConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return c.Conn.Close()
}

func TestConnect_PeerNeverReads(t *testing.T) {
	host, dev := net.Pipe()
	t.Cleanup(func() { _ = dev.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		_, err := Connect(ctx, host)
		errc <- err
	}()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrOperationCancelled)
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect ignored its context while writing")
	}
}

func TestCommand_StalledWriteEndsSession(t *testing.T) {
	host, _ := newMockDevice(t, testWhoAmI)
	conn := newStallingConn(host)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := Connect(ctx, conn, WithCatalog(testCatalog()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	conn.stalled.Store(true)

	short, stop := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		_, err := Write(short, d, testFrequency, 100)
		errc <- err
	}()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrOperationCancelled)
	case <-time.After(2 * time.Second):
		t.Fatal("Command ignored its context while writing")
	}

	select {
	case <-d.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session survived an abandoned write")
	}
	require.Eventually(t, func() bool { return d.State() == StateClosed }, 2*time.Second, 5*time.Millisecond)
	require.Error(t, d.Err())

	_, err = Read(context.Background(), d, WhoAmI)
	require.ErrorIs(t, err, ErrConnectionClosed)
}

// answerThenHangUp replies to the first request with the WhoAmI value and
// closes the transport straight after.
func answerThenHangUp(dev net.Conn) {
	defer dev.Close()
	decoder := NewDecoder()
	buf := make([]byte, 64)
	for {
		n, err := dev.Read(buf)
		for _, b := range buf[:n] {
			m, derr := decoder.DecodeByte(b)
			if derr != nil || m == nil {
				continue
			}
			_, _ = dev.Write(MustEncode(WhoAmI.Message(MessageRead, testWhoAmI)))
			return
		}
		if err != nil {
			return
		}
	}
}

func TestConnect_HangUpAfterIdentity(t *testing.T) {
	for i := 0; i < 50; i++ {
		host, dev := net.Pipe()
		go answerThenHangUp(dev)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		d, err := Connect(ctx, host, WithWhoAmI(testWhoAmI))
		cancel()
		if err != nil {
			require.ErrorIs(t, err, ErrConnectionClosed)
			continue
		}

		select {
		case <-d.Done():
		case <-time.After(2 * time.Second):
			t.Fatal("session did not notice the hang-up")
		}
		require.Eventually(t, func() bool { return d.State() == StateClosed }, 2*time.Second, time.Millisecond)
		require.NoError(t, d.Close())
		require.Equal(t, StateClosed, d.State())
	}
}

// ============================================================
// Telemetry
// ============================================================

type countingCollector struct {
	mu       sync.Mutex
	received map[string]int
	sent     map[string]int
	outcomes map[string]int
}

func newCountingCollector() *countingCollector {
	return &countingCollector{
		received: map[string]int{},
		sent:     map[string]int{},
		outcomes: map[string]int{},
	}
}

func (c *countingCollector) IncFramesReceived(mt string) {
	c.mu.Lock()
	c.received[mt]++
	c.mu.Unlock()
}

func (c *countingCollector) IncFramesSent(mt string) {
	c.mu.Lock()
	c.sent[mt]++
	c.mu.Unlock()
}

func (c *countingCollector) IncDecodeErrors(string) {}

func (c *countingCollector) ObserveCommand(_ string, outcome string, _ time.Duration) {
	c.mu.Lock()
	c.outcomes[outcome]++
	c.mu.Unlock()
}

func TestCollector_CountsCommands(t *testing.T) {
	c := newCountingCollector()
	d, _ := connectTest(t, WithCollector(c))

	_, err := Read(context.Background(), d, WhoAmI)
	require.NoError(t, err)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.Equal(t, 2, c.sent["READ"])
	require.Equal(t, 2, c.outcomes["ok"])
	require.GreaterOrEqual(t, c.received["READ"], 2)
}
