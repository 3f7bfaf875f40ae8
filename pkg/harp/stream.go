// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package harp

import (
	"context"
)

// Group is the sub-stream of frames for one register address.
type Group struct {
	Address  uint8
	Register Descriptor
	Known    bool
	Messages <-chan *Message
}

// Result is one typed value produced by Parse, or the error for a frame
// whose payload could not be converted.
type Result[T any] struct {
	Timestamped[T]
	Message *Message
	Err     error
}

// Messages strips error events from an event stream. onErr, if non-nil, is
// called for each error event on the forwarding goroutine.
func Messages(ctx context.Context, events <-chan Event, onErr func(error)) <-chan *Message {
	out := make(chan *Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Err != nil {
					if onErr != nil {
						onErr(ev.Err)
					}
					continue
				}
				if ev.Message == nil {
					continue
				}
				select {
				case out <- ev.Message:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Filter forwards only frames for address.
func Filter(ctx context.Context, in <-chan *Message, address uint8) <-chan *Message {
	out := make(chan *Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				if m.Address != address {
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// GroupByRegister partitions in by register address.
//
// A Group is emitted the first time an address is seen, in first-seen order,
// including addresses absent from catalog. Each group preserves the order of
// its frames and buffers without bound, so an unread group never stalls the
// others. All group streams close when in closes or ctx is done.
func GroupByRegister(ctx context.Context, in <-chan *Message, catalog *Catalog) <-chan Group {
	groupCh := newQueue[Group](ctx)
	go func() {
		groups := make(map[uint8]*queue[*Message])
		defer func() {
			for _, q := range groups {
				q.close()
			}
			groupCh.close()
		}()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				q, seen := groups[m.Address]
				if !seen {
					q = newQueue[*Message](ctx)
					groups[m.Address] = q
					desc, err := catalog.Lookup(m.Address)
					groupCh.push(Group{
						Address:  m.Address,
						Register: desc,
						Known:    err == nil,
						Messages: q.out,
					})
				}
				q.push(m)
			}
		}
	}()
	return groupCh.out
}

// Parse converts the frames of one register to typed values.
//
// Frames for other addresses are skipped. A frame whose payload does not fit
// reg yields a Result with a *PayloadDecodeError and the stream continues.
// An error reply yields a Result with a *CommandError; its Value holds the
// register value the device kept.
func Parse[T any](ctx context.Context, in <-chan *Message, reg *Register[T]) <-chan Result[T] {
	out := make(chan Result[T])
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					return
				}
				if m.Address != reg.Address {
					continue
				}
				r := Result[T]{Message: m}
				r.Value, r.Err = reg.Payload(m)
				if r.Err == nil && m.IsError() {
					r.Err = &CommandError{Reply: m}
				}
				r.Seconds = m.Seconds
				select {
				case out <- r:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Values strips failed results from a Parse stream.
func Values[T any](ctx context.Context, in <-chan Result[T]) <-chan Timestamped[T] {
	out := make(chan Timestamped[T])
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-in:
				if !ok {
					return
				}
				if r.Err != nil {
					continue
				}
				select {
				case out <- r.Timestamped:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// Format converts typed values to frames of the given message type for reg.
func Format[T any](ctx context.Context, in <-chan T, reg *Register[T], msgType MessageType) <-chan *Message {
	out := make(chan *Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- reg.Message(msgType, v):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// FormatTimestamped converts timestamped values to timestamped frames.
func FormatTimestamped[T any](ctx context.Context, in <-chan Timestamped[T], reg *Register[T], msgType MessageType) <-chan *Message {
	out := make(chan *Message)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-in:
				if !ok {
					return
				}
				select {
				case out <- reg.TimestampedMessage(v.Seconds, msgType, v.Value):
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
