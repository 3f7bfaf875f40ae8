// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package harp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a device session.
type State int32

// Session states
const (
	StateDisconnected State = iota
	StateConnecting
	StateIdentifying
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateIdentifying:
		return "identifying"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one item of a device event stream: a decoded frame, or a decode
// error that was not claimed by a pending command.
type Event struct {
	Message *Message
	Err     error
}

// Option configures a Device.
type Option func(*Device)

// WithWhoAmI requires the device to report the given identity during Connect.
func WithWhoAmI(id uint16) Option {
	return func(d *Device) {
		d.expected = id
		d.checkIdentity = true
	}
}

// WithLogger sets the session logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Device) {
		d.logger = logger
	}
}

// WithCollector sets the telemetry collector.
func WithCollector(c Collector) Option {
	return func(d *Device) {
		if c != nil {
			d.collector = c
		}
	}
}

// WithCatalog sets the register catalog used to validate incoming payload lengths.
func WithCatalog(c *Catalog) Option {
	return func(d *Device) {
		if c != nil {
			d.catalog = c
		}
	}
}

// WithName sets the connection name used in logs and identity errors,
// typically the serial port or URL.
func WithName(name string) Option {
	return func(d *Device) {
		d.name = name
	}
}

type commandResult struct {
	msg *Message
	err error
}

type pendingCommand struct {
	address uint8
	result  chan commandResult
}

// Device is a session with one Harp device over a byte-stream transport.
//
// A single reader goroutine owns the receive side of the transport. At most
// one command is in flight; concurrent callers wait in FIFO order.
type Device struct {
	id        uuid.UUID
	name      string
	conn      io.ReadWriteCloser
	catalog   *Catalog
	logger    zerolog.Logger
	collector Collector

	checkIdentity bool
	expected      uint16
	whoAmI        atomic.Uint32

	state   atomic.Int32
	gate    gate
	writeMu sync.Mutex

	mu      sync.Mutex
	pending *pendingCommand
	subs    map[*queue[Event]]struct{}
	err     error

	done       chan struct{}
	readerDone chan struct{}
	closeOnce  sync.Once
}

// Connect starts a session on conn and performs the identity handshake.
//
// The device WhoAmI register is read before Connect returns. When WithWhoAmI
// is given and the device reports another identity, the session is closed and
// an *IdentityError is returned.
func Connect(ctx context.Context, conn io.ReadWriteCloser, opts ...Option) (*Device, error) {
	d := &Device{
		id:         uuid.New(),
		conn:       conn,
		catalog:    CoreCatalog(),
		logger:     zerolog.Nop(),
		collector:  NoopCollector(),
		subs:       make(map[*queue[Event]]struct{}),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.name == "" {
		d.name = "connection " + d.id.String()[:8]
	}
	d.logger = d.logger.With().Str("session", d.id.String()).Str("conn", d.name).Logger()

	d.setState(StateConnecting)
	go d.readLoop()

	d.advance(StateConnecting, StateIdentifying)
	reply, err := d.command(ctx, WhoAmI.ReadRequest())
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("identify device on %s: %w", d.name, err)
	}
	id, err := WhoAmI.Payload(reply)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("identify device on %s: %w: %w", d.name, ErrProtocol, err)
	}
	d.whoAmI.Store(uint32(id))

	if d.checkIdentity && id != d.expected {
		d.Close()
		return nil, &IdentityError{Connection: d.name, Expected: d.expected, Observed: id}
	}

	if !d.advance(StateIdentifying, StateReady) {
		d.Close()
		return nil, fmt.Errorf("identify device on %s: %w", d.name, ErrConnectionClosed)
	}
	d.logger.Info().Uint16("whoami", id).Msg("device ready")
	return d, nil
}

// ID returns the unique session identifier.
func (d *Device) ID() uuid.UUID {
	return d.id
}

// Name returns the connection name.
func (d *Device) Name() string {
	return d.name
}

// WhoAmI returns the identity reported during the handshake.
func (d *Device) WhoAmI() uint16 {
	return uint16(d.whoAmI.Load())
}

// Catalog returns the register catalog of the session.
func (d *Device) Catalog() *Catalog {
	return d.catalog
}

// State returns the current session state.
func (d *Device) State() State {
	return State(d.state.Load())
}

// Done is closed when the session starts shutting down.
func (d *Device) Done() <-chan struct{} {
	return d.done
}

// Err returns the reason the session ended, or nil while it is open.
func (d *Device) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}

func (d *Device) setState(s State) {
	old := State(d.state.Swap(int32(s)))
	if old != s {
		d.logger.Debug().Str("from", old.String()).Str("to", s.String()).Msg("state change")
	}
}

// advance moves the session from one state to the next. It fails when the
// session has left from, which is how a transport failure during the
// handshake wins over the handshake.
func (d *Device) advance(from, to State) bool {
	if !d.state.CompareAndSwap(int32(from), int32(to)) {
		return false
	}
	d.logger.Debug().Str("from", from.String()).Str("to", to.String()).Msg("state change")
	return true
}

// closing moves the session to Closing unless it is already closed.
func (d *Device) closing() {
	for {
		cur := State(d.state.Load())
		if cur == StateClosing || cur == StateClosed {
			return
		}
		if d.advance(cur, StateClosing) {
			return
		}
	}
}

// Command sends m and waits for the device reply with the same address.
//
// Event frames never resolve a command. An error reply is returned together
// with a *CommandError. No retries are attempted.
func (d *Device) Command(ctx context.Context, m *Message) (*Message, error) {
	switch d.State() {
	case StateReady:
	case StateClosing, StateClosed:
		return nil, ErrConnectionClosed
	default:
		return nil, ErrNotReady
	}
	return d.command(ctx, m)
}

func (d *Device) command(ctx context.Context, m *Message) (*Message, error) {
	frame, err := Encode(m)
	if err != nil {
		return nil, err
	}
	if err := d.gate.acquire(ctx, d.done); err != nil {
		return nil, err
	}
	defer d.gate.release()

	p := &pendingCommand{address: m.Address, result: make(chan commandResult, 1)}
	d.mu.Lock()
	if d.err != nil {
		d.mu.Unlock()
		return nil, ErrConnectionClosed
	}
	d.pending = p
	d.mu.Unlock()

	start := time.Now()
	written := make(chan error, 1)
	go func() { written <- d.write(frame) }()

	var r commandResult
	select {
	case err := <-written:
		d.wrote(m, err)
	case <-ctx.Done():
		select {
		case err := <-written:
			d.wrote(m, err)
		default:
			// The frame may be partly written and the device stream is no
			// longer in step: end the session.
			if d.takePending(p) {
				r.err = cancelled(ctx)
			} else {
				r = <-p.result
			}
			d.logger.Warn().Uint8("address", m.Address).Err(ctx.Err()).Msg("write abandoned")
			d.fail(fmt.Errorf("write abandoned: %w", ctx.Err()))
			d.collector.ObserveCommand(m.Type.String(), ErrorReason(r.err), time.Since(start))
			return r.msg, r.err
		}
	case <-d.done:
	}

	select {
	case r = <-p.result:
	case <-ctx.Done():
		if d.takePending(p) {
			r.err = cancelled(ctx)
			d.logger.Debug().Uint8("address", m.Address).Err(ctx.Err()).Msg("command cancelled")
		} else {
			r = <-p.result
		}
	}
	d.collector.ObserveCommand(m.Type.String(), ErrorReason(r.err), time.Since(start))
	return r.msg, r.err
}

func (d *Device) wrote(m *Message, err error) {
	if err != nil {
		d.fail(fmt.Errorf("write: %w", err))
		return
	}
	d.collector.IncFramesSent(m.Type.String())
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrOperationCancelled, ctx.Err())
}

func (d *Device) write(frame []byte) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	_, err := d.conn.Write(frame)
	return err
}

// takePending clears the pending slot if it still holds p.
func (d *Device) takePending(p *pendingCommand) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending != p {
		return false
	}
	d.pending = nil
	return true
}

// claim removes and returns the pending command when it waits for address.
func (d *Device) claim(address uint8) *pendingCommand {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.pending
	if p == nil || p.address != address {
		return nil
	}
	d.pending = nil
	return p
}

// Subscribe returns the event stream of the session.
//
// Each subscription buffers without bound, so the reader loop never waits on
// a slow subscriber. The stream ends when ctx is done, or after a final
// ErrConnectionClosed event once the session closes.
func (d *Device) Subscribe(ctx context.Context) <-chan Event {
	q := newQueue[Event](ctx)

	d.mu.Lock()
	if d.subs == nil {
		d.mu.Unlock()
		q.push(Event{Err: ErrConnectionClosed})
		q.close()
		return q.out
	}
	d.subs[q] = struct{}{}
	d.mu.Unlock()

	go func() {
		<-q.done
		d.mu.Lock()
		if d.subs != nil {
			delete(d.subs, q)
		}
		d.mu.Unlock()
	}()
	return q.out
}

func (d *Device) publish(ev Event) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for q := range d.subs {
		q.push(ev)
	}
}

func (d *Device) readLoop() {
	defer close(d.readerDone)
	defer d.finish()

	decoder := NewDecoder().WithCatalog(d.catalog)
	buf := make([]byte, 512)
	for {
		n, err := d.conn.Read(buf)
		for _, b := range buf[:n] {
			m, derr := decoder.DecodeByte(b)
			if derr != nil {
				d.handleDecodeError(derr)
				continue
			}
			if m != nil {
				d.dispatch(m)
			}
		}
		if err != nil {
			select {
			case <-d.done:
			default:
				if errors.Is(err, io.EOF) {
					d.logger.Info().Msg("transport closed by peer")
				} else {
					d.logger.Error().Err(err).Msg("transport read failed")
				}
			}
			d.fail(fmt.Errorf("read: %w", err))
			return
		}
	}
}

func (d *Device) dispatch(m *Message) {
	d.collector.IncFramesReceived(m.Type.String())

	if !m.IsEvent() {
		if p := d.claim(m.Address); p != nil {
			var err error
			if m.IsError() {
				err = &CommandError{Reply: m}
			}
			p.result <- commandResult{msg: m, err: err}
		} else {
			d.logger.Debug().
				Uint8("address", m.Address).
				Str("type", m.Type.String()).
				Msg("reply without pending command")
		}
	}

	d.publish(Event{Message: m})
}

func (d *Device) handleDecodeError(err error) {
	d.collector.IncDecodeErrors(ErrorReason(err))

	var de *DecodeError
	if errors.As(err, &de) && de.HasAddress {
		if p := d.claim(de.Address); p != nil {
			p.result <- commandResult{err: fmt.Errorf("%w: %w", ErrProtocol, err)}
			return
		}
	}

	d.logger.Warn().Err(err).Msg("dropped frame")
	d.publish(Event{Err: err})
}

// fail records cause, abandons the pending command and starts shutdown.
func (d *Device) fail(cause error) {
	d.mu.Lock()
	if d.err == nil {
		d.err = cause
	}
	p := d.pending
	d.pending = nil
	d.mu.Unlock()

	if p != nil {
		p.result <- commandResult{err: fmt.Errorf("%w: %v", ErrConnectionClosed, cause)}
	}
	d.shutdown()
}

func (d *Device) shutdown() {
	d.closeOnce.Do(func() {
		d.closing()
		close(d.done)
		if err := d.conn.Close(); err != nil {
			d.logger.Debug().Err(err).Msg("transport close")
		}
	})
}

// finish ends every event stream. Runs once, when the reader loop exits.
func (d *Device) finish() {
	d.mu.Lock()
	subs := d.subs
	d.subs = nil
	p := d.pending
	d.pending = nil
	if d.err == nil {
		d.err = ErrConnectionClosed
	}
	d.mu.Unlock()

	if p != nil {
		p.result <- commandResult{err: ErrConnectionClosed}
	}
	for q := range subs {
		q.push(Event{Err: ErrConnectionClosed})
		q.close()
	}
	d.setState(StateClosed)
	d.logger.Info().Msg("session closed")
}

// Close ends the session. It abandons the pending command with
// ErrConnectionClosed, releases the transport and ends all event streams.
// Close is idempotent.
func (d *Device) Close() error {
	d.mu.Lock()
	if d.err == nil {
		d.err = ErrConnectionClosed
	}
	d.mu.Unlock()

	d.shutdown()
	<-d.readerDone
	return nil
}

// Read reads the typed value of reg.
func Read[T any](ctx context.Context, d *Device, reg *Register[T]) (T, error) {
	var zero T
	reply, err := d.Command(ctx, reg.ReadRequest())
	if err != nil {
		return zero, err
	}
	return reg.Payload(reply)
}

// ReadTimestamped reads the typed value of reg with the device timestamp.
func ReadTimestamped[T any](ctx context.Context, d *Device, reg *Register[T]) (Timestamped[T], error) {
	reply, err := d.Command(ctx, reg.ReadRequest())
	if err != nil {
		return Timestamped[T]{}, err
	}
	return reg.TimestampedPayload(reply)
}

// Write validates v, writes it to reg and returns the value acknowledged by
// the device.
func Write[T any](ctx context.Context, d *Device, reg *Register[T], v T) (T, error) {
	var zero T
	if err := reg.Validate(v); err != nil {
		return zero, err
	}
	reply, err := d.Command(ctx, reg.Message(MessageWrite, v))
	if err != nil {
		return zero, err
	}
	if len(reply.Payload) == 0 {
		return v, nil
	}
	return reg.Payload(reply)
}
