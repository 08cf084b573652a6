// Package mailbox runs closures on a single goroutine that owns a component's state.
//
// Components never share their state behind a lock. Callers post work into the
// mailbox and, when they need an answer, wait for it with a context.
package mailbox

import (
	"context"
	"errors"
)

// ErrClosed is returned once the owning loop has stopped.
var ErrClosed = errors.New("mailbox closed")

// Mailbox is a bounded queue of closures drained by Run.
type Mailbox struct {
	ch   chan func()
	done chan struct{}
}

// New creates a mailbox with the given queue size.
func New(size int) *Mailbox {
	if size <= 0 {
		size = 64
	}
	return &Mailbox{
		ch:   make(chan func(), size),
		done: make(chan struct{}),
	}
}

// Run drains the mailbox until ctx is cancelled. It must be called exactly once.
func (m *Mailbox) Run(ctx context.Context) {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-m.ch:
			fn()
		}
	}
}

// Done is closed after Run returns.
func (m *Mailbox) Done() <-chan struct{} {
	return m.done
}

// Post enqueues fn without waiting. It returns false if the queue is full or closed.
func (m *Mailbox) Post(fn func()) bool {
	select {
	case <-m.done:
		return false
	default:
	}
	select {
	case m.ch <- fn:
		return true
	default:
		return false
	}
}

// Do enqueues fn and waits until it has run. Never call Do from inside the loop.
func (m *Mailbox) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	wrapped := func() {
		defer close(finished)
		fn()
	}

	select {
	case m.ch <- wrapped:
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-m.done:
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Call runs fn in the loop and returns its result.
func Call[T any](ctx context.Context, m *Mailbox, fn func() (T, error)) (T, error) {
	var (
		out    T
		outErr error
	)
	if err := m.Do(ctx, func() { out, outErr = fn() }); err != nil {
		var zero T
		return zero, err
	}
	return out, outErr
}
