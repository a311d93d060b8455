// Package channel implements the typed conduit that carries sample-keyed
// values between pipeline stages.
//
// A channel has exactly one producer and any number of subscribers. Values
// are delivered in write order. Two consumption modes exist: a streaming
// subscription yields values one at a time as they arrive, and a collected
// subscription blocks until the producer closes the channel and then
// returns the complete ordered sequence (the fan-in barrier). Every
// subscriber observes the full, independent sequence; consumption by one
// subscriber never steals values from another.
package channel

import (
	"context"
	"fmt"
	"sync"
)

// Item is one sample-keyed value flowing through a channel.
type Item[T any] struct {
	Key   string
	Value T
}

// Channel is a single-producer, multi-subscriber broadcast conduit.
type Channel[T any] struct {
	name string

	mu     sync.Mutex
	items  []Item[T]
	closed bool
	err    error
	// wake is closed and replaced whenever state changes, releasing every
	// blocked subscriber to re-check.
	wake chan struct{}
}

// New creates an open, empty channel with the given name.
func New[T any](name string) *Channel[T] {
	return &Channel[T]{
		name: name,
		wake: make(chan struct{}),
	}
}

// Name returns the channel's name as declared in the pipeline.
func (c *Channel[T]) Name() string {
	return c.name
}

// Write appends one keyed value. Only the producing stage may call Write.
// Writing after Close is a programming error and panics; writing after
// Abort silently drops the value, since the run is already failing and
// in-flight producers may legitimately race the abort signal.
func (c *Channel[T]) Write(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return
	}
	if c.closed {
		panic(fmt.Sprintf("channel %q: write after close", c.name))
	}
	c.items = append(c.items, Item[T]{Key: key, Value: value})
	c.broadcastLocked()
}

// Close marks that no more values will arrive. It is idempotent. A close
// racing an abort loses: the channel stays poisoned.
func (c *Channel[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.err != nil {
		return
	}
	c.closed = true
	c.broadcastLocked()
}

// Abort poisons the channel so blocked subscribers return err instead of
// waiting for values that will never arrive. It is idempotent and has no
// effect on a channel that already closed cleanly.
func (c *Channel[T]) Abort(err error) {
	if err == nil {
		panic(fmt.Sprintf("channel %q: abort with nil error", c.name))
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.err != nil {
		return
	}
	c.err = err
	c.broadcastLocked()
}

// Len returns the number of values written so far.
func (c *Channel[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Channel[T]) broadcastLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

// Stream returns a new independent streaming subscription positioned at
// the start of the sequence.
func (c *Channel[T]) Stream() *Stream[T] {
	return &Stream[T]{c: c}
}

// Collected blocks until the producer closes the channel, then returns the
// full write-ordered sequence. It returns the abort error if the channel
// was poisoned, or the context error if ctx ends first.
func (c *Channel[T]) Collected(ctx context.Context) ([]Item[T], error) {
	c.mu.Lock()
	for {
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return nil, err
		}
		if c.closed {
			out := make([]Item[T], len(c.items))
			copy(out, c.items)
			c.mu.Unlock()
			return out, nil
		}
		wake := c.wake
		c.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.mu.Lock()
	}
}

// Stream is a lazy, order-preserving cursor over a channel's sequence.
// Each Stream tracks its own position; streams never interfere.
type Stream[T any] struct {
	c    *Channel[T]
	next int
}

// Next blocks until a value is available at the cursor position and
// returns it with ok=true. After the producer closes and the stream has
// drained every value, it returns ok=false. It returns an error if the
// channel is aborted or ctx ends while waiting.
func (s *Stream[T]) Next(ctx context.Context) (Item[T], bool, error) {
	var zero Item[T]
	c := s.c
	c.mu.Lock()
	for {
		if s.next < len(c.items) {
			item := c.items[s.next]
			s.next++
			c.mu.Unlock()
			return item, true, nil
		}
		if c.err != nil {
			err := c.err
			c.mu.Unlock()
			return zero, false, err
		}
		if c.closed {
			c.mu.Unlock()
			return zero, false, nil
		}
		wake := c.wake
		c.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return zero, false, ctx.Err()
		}
		c.mu.Lock()
	}
}
