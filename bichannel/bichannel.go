// Package bichannel provides an unbounded bidirectional channel between two parties
package bichannel

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("channel is closed")

type queue[T any] struct {
	mu     sync.Mutex
	items  []T
	closed bool
	notify chan struct{}
	done   chan struct{}
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

func (q *queue[T]) push(v T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.items = append(q.items, v)

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *queue[T]) pop(ctx context.Context) (T, error) {
	var zero T
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			v := q.items[0]
			q.items[0] = zero
			q.items = q.items[1:]
			q.mu.Unlock()
			return v, nil
		}
		if q.closed {
			q.mu.Unlock()
			return zero, ErrClosed
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-q.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

func (q *queue[T]) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// BiChannel is one end of a bidirectional channel
type BiChannel[T any] struct {
	in  *queue[T]
	out *queue[T]
}

// New returns the two ends of a channel. Values sent on one end are received on the other one in order.
func New[T any]() (*BiChannel[T], *BiChannel[T]) {
	a, b := newQueue[T](), newQueue[T]()
	return &BiChannel[T]{in: a, out: b}, &BiChannel[T]{in: b, out: a}
}

// Send never blocks. It fails with ErrClosed once either end has been closed.
func (c *BiChannel[T]) Send(v T) error {
	return c.out.push(v)
}

// Recv blocks until a value arrives. Values sent before Close are still delivered, after that it returns ErrClosed.
func (c *BiChannel[T]) Recv(ctx context.Context) (T, error) {
	return c.in.pop(ctx)
}

// Close shuts down both directions
func (c *BiChannel[T]) Close() {
	c.out.close()
	c.in.close()
}
