// Package cancel implements cooperative cancellation for long-lived exchange
// services. A Source owns the cancellation state; Tokens are read-only views
// handed to business code and protocol clients. Cancellation is cooperative:
// code that never checks its token runs to completion regardless.
package cancel

import (
	"sync"

	"github.com/quantfabric/xconnect/pkg/errors"
)

// State tracks the cancellation lifecycle. It is monotonic and never reverses.
type State int

const (
	// StateNone means cancellation has not been requested.
	StateNone State = iota
	// StateRequested means Cancel has been called and callbacks are being scheduled.
	StateRequested
	// StateCancelled means cancellation is complete and all callbacks were scheduled.
	StateCancelled
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateRequested:
		return "requested"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// cell is the single authoritative state shared by a Source and every Token it
// hands out. Tokens never own the cell; they only read it.
type cell struct {
	mu        sync.Mutex
	state     State
	reason    string
	done      chan struct{}
	callbacks []func(reason string)
}

// Source owns a cancellation cell. Exactly one Source exists per cell; a
// service creates one Source per lifecycle and requests cancellation on stop.
type Source struct {
	c *cell
}

// NewSource creates a Source in the none state.
func NewSource() *Source {
	return &Source{c: &cell{done: make(chan struct{})}}
}

// Cancel requests cancellation with an optional diagnostic reason. It is
// idempotent: the second and later calls are no-ops and callbacks are never
// re-invoked. Callbacks run sequentially in registration order on a detached
// goroutine; Cancel does not wait for them to settle.
func (s *Source) Cancel(reason string) {
	s.c.mu.Lock()
	if s.c.state != StateNone {
		s.c.mu.Unlock()
		return
	}
	s.c.state = StateRequested
	s.c.reason = reason
	callbacks := s.c.callbacks
	s.c.callbacks = nil
	close(s.c.done)
	s.c.mu.Unlock()

	// One dispatch goroutine keeps callbacks in registration order while
	// Cancel itself stays fire-and-forget.
	go func() {
		for _, cb := range callbacks {
			cb(reason)
		}
	}()

	s.c.mu.Lock()
	s.c.state = StateCancelled
	s.c.mu.Unlock()
}

// Token returns a read-only view sharing this Source's state cell.
func (s *Source) Token() *Token {
	return &Token{c: s.c}
}

// Cancelled reports whether cancellation has been requested on this Source.
func (s *Source) Cancelled() bool {
	return s.Token().Cancelled()
}

// Token is a read-only projection of a Source. Many tokens may share one
// Source; a token outlives no longer than the cell it reads.
type Token struct {
	c *cell
}

// Cancelled reports whether cancellation has been requested.
func (t *Token) Cancelled() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.c.state != StateNone
}

// State returns the current cancellation state.
func (t *Token) State() State {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.c.state
}

// Reason returns the diagnostic reason passed to Cancel, or "" if cancellation
// has not been requested.
func (t *Token) Reason() string {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	return t.c.reason
}

// Check returns a cancellation-classified error if cancellation has been
// requested, nil otherwise. The returned error carries errors.CodeCancelled so
// callers can tell an abandoned call apart from a failed one.
func (t *Token) Check() error {
	t.c.mu.Lock()
	state, reason := t.c.state, t.c.reason
	t.c.mu.Unlock()
	if state == StateNone {
		return nil
	}
	return errors.Cancelled(reason)
}

// Done returns a channel closed when cancellation is requested, for use in
// select statements racing cancellation against normal work.
func (t *Token) Done() <-chan struct{} {
	return t.c.done
}

// OnCancel registers a callback invoked exactly once when cancellation is
// requested. If cancellation already happened the callback is still invoked,
// asynchronously, exactly once. The returned function unregisters the callback;
// unregistering after the callback fired is a no-op.
func (t *Token) OnCancel(fn func(reason string)) (unregister func()) {
	t.c.mu.Lock()
	if t.c.state != StateNone {
		reason := t.c.reason
		t.c.mu.Unlock()
		go fn(reason)
		return func() {}
	}
	t.c.callbacks = append(t.c.callbacks, fn)
	idx := len(t.c.callbacks) - 1
	t.c.mu.Unlock()

	return func() {
		t.c.mu.Lock()
		defer t.c.mu.Unlock()
		if idx < len(t.c.callbacks) && t.c.callbacks[idx] != nil {
			t.c.callbacks[idx] = func(string) {}
		}
	}
}

// Never is a sentinel token that can never be cancelled. Use it when an API
// requires a token but the caller supports no cancellation.
var Never = &Token{c: &cell{done: make(chan struct{})}}

// Already is a sentinel token that is permanently cancelled. Use it for
// post-shutdown code paths and in tests.
var Already = func() *Token {
	src := NewSource()
	src.Cancel("sentinel")
	return src.Token()
}()
