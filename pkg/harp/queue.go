// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package harp

import (
	"context"
	"sync"
)

// queue is an unbounded FIFO in front of an output channel.
// push never blocks, so a slow consumer cannot stall the producer.
type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	signal chan struct{}
	out    chan T
	done   chan struct{}
}

func newQueue[T any](ctx context.Context) *queue[T] {
	q := &queue[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go q.run(ctx)
	return q
}

// push appends v. Returns false once the queue is closed or its consumer is gone.
func (q *queue[T]) push(v T) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, v)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// close stops accepting items. Buffered items are still delivered
// before the output channel closes.
func (q *queue[T]) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *queue[T]) run(ctx context.Context) {
	defer close(q.done)
	defer close(q.out)

	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-q.signal:
				continue
			case <-ctx.Done():
				q.abandon()
				return
			}
		}
		v := q.items[0]
		var zero T
		q.items[0] = zero
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- v:
		case <-ctx.Done():
			q.abandon()
			return
		}
	}
}

func (q *queue[T]) abandon() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.mu.Unlock()
}

// gate serializes commands. Waiters are admitted in arrival order.
type gate struct {
	mu      sync.Mutex
	busy    bool
	waiters []chan struct{}
}

// acquire waits for the gate. On ctx or done it leaves the queue
// and returns the corresponding error.
func (g *gate) acquire(ctx context.Context, done <-chan struct{}) error {
	g.mu.Lock()
	if !g.busy {
		g.busy = true
		g.mu.Unlock()
		return nil
	}
	ticket := make(chan struct{})
	g.waiters = append(g.waiters, ticket)
	g.mu.Unlock()

	var err error
	select {
	case <-ticket:
		return nil
	case <-ctx.Done():
		err = cancelled(ctx)
	case <-done:
		err = ErrConnectionClosed
	}

	g.mu.Lock()
	for i, w := range g.waiters {
		if w == ticket {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			g.mu.Unlock()
			return err
		}
	}
	g.mu.Unlock()

	// Admitted concurrently with the cancellation: pass the gate on.
	g.release()
	return err
}

func (g *gate) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.waiters) == 0 {
		g.busy = false
		return
	}
	next := g.waiters[0]
	g.waiters = g.waiters[1:]
	close(next)
}

// queued returns the number of waiting callers.
func (g *gate) queued() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}
