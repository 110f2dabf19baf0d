// Package events implements a conditional event-dispatch registry. Handlers
// register against an event name with an optional gating condition and a
// priority; one emission runs the matching handlers in priority order (ties in
// registration order), each isolated so a slow or failing handler cannot block
// the rest of the emission or the emitter.
package events

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultHandlerTimeout bounds one handler invocation during an emission.
const DefaultHandlerTimeout = 5 * time.Second

// Handler processes one event payload.
type Handler func(ctx context.Context, payload interface{}) error

// Condition gates a registration for a given emission. A registration whose
// condition returns false is skipped and not counted as executed.
type Condition func(payload interface{}) bool

// Registration binds a handler to an event name.
type Registration struct {
	// ID is the sole handle for unregistration. Left empty, Register assigns one.
	ID string
	// Event is the event name this registration listens to.
	Event string
	// Handler is invoked for matching emissions. Required.
	Handler Handler
	// Condition optionally gates invocation per emission.
	Condition Condition
	// Priority orders handlers within one emission; lower runs first.
	Priority int

	seq uint64
}

// HandlerFailure records one isolated handler error during an emission.
type HandlerFailure struct {
	ID  string
	Err error
}

// EmitResult summarizes one emission.
type EmitResult struct {
	// Executed counts handlers that ran (successfully or not).
	Executed int
	// Skipped counts registrations whose condition rejected the payload.
	Skipped int
	// Failures lists handlers that errored, timed out, or panicked.
	Failures []HandlerFailure
}

// Registry is a thread-safe conditional event registry.
type Registry struct {
	mu             sync.RWMutex
	byEvent        map[string][]*Registration
	nextSeq        uint64
	handlerTimeout time.Duration
}

// NewRegistry creates an empty registry with the default per-handler timeout.
func NewRegistry() *Registry {
	return NewRegistryWithTimeout(DefaultHandlerTimeout)
}

// NewRegistryWithTimeout creates an empty registry with a custom per-handler
// timeout. A non-positive timeout disables the bound.
func NewRegistryWithTimeout(handlerTimeout time.Duration) *Registry {
	return &Registry{
		byEvent:        make(map[string][]*Registration),
		handlerTimeout: handlerTimeout,
	}
}

// Register adds a registration and returns its id. An empty ID is replaced
// with a generated uuid; a duplicate ID for the same event is rejected.
func (r *Registry) Register(reg Registration) (string, error) {
	if reg.Event == "" {
		return "", fmt.Errorf("events: registration requires an event name")
	}
	if reg.Handler == nil {
		return "", fmt.Errorf("events: registration requires a handler")
	}
	if reg.ID == "" {
		reg.ID = uuid.New().String()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, regs := range r.byEvent {
		for _, existing := range regs {
			if existing.ID == reg.ID {
				return "", fmt.Errorf("events: id %s already registered", reg.ID)
			}
		}
	}
	r.nextSeq++
	reg.seq = r.nextSeq
	stored := reg
	r.byEvent[reg.Event] = append(r.byEvent[reg.Event], &stored)
	return reg.ID, nil
}

// Unregister removes the registration with the given id across all events,
// reporting whether anything was removed.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for event, regs := range r.byEvent {
		for i, reg := range regs {
			if reg.ID == id {
				r.byEvent[event] = append(regs[:i:i], regs[i+1:]...)
				if len(r.byEvent[event]) == 0 {
					delete(r.byEvent, event)
				}
				return true
			}
		}
	}
	return false
}

// Emit invokes every registration for event whose condition accepts payload,
// in priority order with ties broken by registration order. Each handler runs
// isolated: an error, timeout, or panic is recorded in the result and the
// emission continues. Emit never returns an error to its caller.
func (r *Registry) Emit(ctx context.Context, event string, payload interface{}) EmitResult {
	r.mu.RLock()
	regs := make([]*Registration, len(r.byEvent[event]))
	copy(regs, r.byEvent[event])
	timeout := r.handlerTimeout
	r.mu.RUnlock()

	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].Priority != regs[j].Priority {
			return regs[i].Priority < regs[j].Priority
		}
		return regs[i].seq < regs[j].seq
	})

	var result EmitResult
	for _, reg := range regs {
		if reg.Condition != nil && !reg.Condition(payload) {
			result.Skipped++
			continue
		}
		result.Executed++
		if err := r.invoke(ctx, reg, payload, timeout); err != nil {
			result.Failures = append(result.Failures, HandlerFailure{ID: reg.ID, Err: err})
		}
	}
	return result
}

// invoke runs one handler with panic recovery and the per-handler timeout.
func (r *Registry) invoke(ctx context.Context, reg *Registration, payload interface{}, timeout time.Duration) error {
	hctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("events: handler %s panicked: %v", reg.ID, rec)
			}
		}()
		done <- reg.Handler(hctx, payload)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return fmt.Errorf("events: handler %s: %w", reg.ID, hctx.Err())
	}
}

// Clear removes all registrations.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byEvent = make(map[string][]*Registration)
}

// Len returns the total number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, regs := range r.byEvent {
		n += len(regs)
	}
	return n
}

// Count returns the number of registrations for one event.
func (r *Registry) Count(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byEvent[event])
}
