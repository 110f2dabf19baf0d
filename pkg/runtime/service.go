// Package runtime is the service runtime underlying every exchange-connectivity
// component in xconnect. A Service composes a lifecycle state machine,
// cooperative cancellation, keyed locking, an instance-scoped TTL cache, and a
// conditional event registry, and drives bounded auto-recovery when wrapped
// business operations fail at runtime.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/quantfabric/xconnect/pkg/cancel"
	"github.com/quantfabric/xconnect/pkg/errors"
	"github.com/quantfabric/xconnect/pkg/events"
	"github.com/quantfabric/xconnect/pkg/keyedlock"
	"github.com/quantfabric/xconnect/pkg/logging"
	"github.com/quantfabric/xconnect/pkg/metrics"
	"github.com/quantfabric/xconnect/pkg/ttlcache"
)

// Events emitted on the service's own registry around lifecycle transitions.
// Subclass code may subscribe to them like any other event.
const (
	EventStateChanged      = "service.state_changed"
	EventOperationError    = "service.operation_error"
	EventRecoveryExhausted = "service.recovery_exhausted"
)

// Handler supplies the required extension points of a concrete service. The
// runtime calls OnStart while entering RUNNING and OnStop while leaving it,
// passing the token owned by the service's cancellation source.
type Handler interface {
	OnStart(ctx context.Context, tok *cancel.Token) error
	OnStop(ctx context.Context, tok *cancel.Token) error
}

// PostStartHandler is an optional extension point invoked after OnStart
// succeeds, before the service is marked RUNNING.
type PostStartHandler interface {
	PostStart(ctx context.Context, tok *cancel.Token) error
}

// PreStopHandler is an optional extension point invoked during Stop with the
// already-cancelled token, for cleanup that needs notice of shutdown such as
// flushing pending work.
type PreStopHandler interface {
	PreStop(ctx context.Context, tok *cancel.Token) error
}

// Observer receives lifecycle notifications from the state machine. It
// replaces emitter inheritance with an explicit subscriber interface.
type Observer interface {
	StateChanged(instanceKey string, from, to State, reason string)
	RecoveryExhausted(instanceKey string, attempts int, lastErr error)
}

// StateChange is the payload of EventStateChanged emissions.
type StateChange struct {
	InstanceKey string
	From        State
	To          State
	Reason      string
}

// Config configures a Service.
type Config struct {
	// InstanceKey identifies this logical service instance.
	InstanceKey string
	// AutoRecover enables bounded automatic restart on runtime errors.
	AutoRecover bool
	// MaxRecoveryAttempts bounds automatic restarts before the service parks
	// itself in ERROR. Defaults to 3.
	MaxRecoveryAttempts int
	// RecoveryBackoff is the delay before each recovery restart. Defaults to 5s.
	RecoveryBackoff time.Duration
	// LockTimeout bounds keyed-lock waits for wrapped operations.
	LockTimeout time.Duration
	// CacheTTL is the default TTL of the instance cache.
	CacheTTL time.Duration
	// CacheSweep enables the cache background sweep when positive.
	CacheSweep time.Duration
	// HandlerTimeout bounds one event handler invocation.
	HandlerTimeout time.Duration
	// Lock is the keyed lock to serialize wrapped operations on. Nil selects
	// the process-wide shared instance.
	Lock *keyedlock.KeyedLock
	// Logger defaults to the package default when nil.
	Logger *logging.Logger
	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics
	// Observer is optional.
	Observer Observer
}

// Service is the lifecycle-managed aggregate root. Construct with New, supply
// a Handler, then drive it with Start/Stop/Restart/Pause/Resume.
type Service struct {
	cfg     Config
	handler Handler
	lock    *keyedlock.KeyedLock
	logger  *logging.Logger

	// opMu serializes lifecycle operations so a Stop cannot interleave with a
	// Start or a recovery restart.
	opMu sync.Mutex

	mu               sync.Mutex
	state            State
	status           Status
	source           *cancel.Source
	startedAt        time.Time
	errorCount       int64
	lastErr          error
	lastErrAt        time.Time
	recoveryAttempts int
	recovering       bool

	cache  *ttlcache.Cache[any]
	events *events.Registry
}

// Stats is the observability snapshot returned by Stats.
type Stats struct {
	InstanceKey           string        `json:"instance_key"`
	State                 State         `json:"state"`
	Status                Status        `json:"status"`
	StartedAt             time.Time     `json:"started_at"`
	Uptime                time.Duration `json:"uptime"`
	ErrorCount            int64         `json:"error_count"`
	LastError             string        `json:"last_error,omitempty"`
	LastErrorAt           time.Time     `json:"last_error_at,omitzero"`
	RecoveryAttempts      int           `json:"recovery_attempts"`
	CacheSize             int           `json:"cache_size"`
	EventHandlers         int           `json:"event_handlers"`
	CancellationRequested bool          `json:"cancellation_requested"`
}

// New constructs a STOPPED service around handler.
func New(cfg Config, handler Handler) (*Service, error) {
	if cfg.InstanceKey == "" {
		return nil, errors.New("runtime: config requires an instance key")
	}
	if handler == nil {
		return nil, errors.New("runtime: handler is required")
	}
	if cfg.MaxRecoveryAttempts <= 0 {
		cfg.MaxRecoveryAttempts = 3
	}
	if cfg.RecoveryBackoff <= 0 {
		cfg.RecoveryBackoff = 5 * time.Second
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = keyedlock.DefaultTimeout
	}

	lock := cfg.Lock
	if lock == nil {
		lock = keyedlock.Default()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}
	logger = logger.WithField("service", cfg.InstanceKey)

	var cacheOpts []ttlcache.Option
	if cfg.CacheSweep > 0 {
		cacheOpts = append(cacheOpts, ttlcache.WithSweep(cfg.CacheSweep))
	}

	s := &Service{
		cfg:     cfg,
		handler: handler,
		lock:    lock,
		logger:  logger,
		state:   StateStopped,
		status:  StatusIdle,
		source:  cancel.NewSource(),
		cache:   ttlcache.New[any](cfg.InstanceKey, cfg.CacheTTL, cacheOpts...),
		events:  events.NewRegistryWithTimeout(eventTimeout(cfg.HandlerTimeout)),
	}
	return s, nil
}

func eventTimeout(configured time.Duration) time.Duration {
	if configured > 0 {
		return configured
	}
	return events.DefaultHandlerTimeout
}

// InstanceKey returns the key supplied at construction.
func (s *Service) InstanceKey() string {
	return s.cfg.InstanceKey
}

// State returns the current lifecycle state.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns the current informational status.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// SetStatus records an informational status with an optional reason. Status
// never gates operations.
func (s *Service) SetStatus(status Status, reason string) {
	s.mu.Lock()
	s.status = status
	s.mu.Unlock()
	if reason != "" {
		s.logger.Debug("status changed", "status", string(status), "reason", reason)
	} else {
		s.logger.Debug("status changed", "status", string(status))
	}
}

// IsRunning reports whether the service is in RUNNING.
func (s *Service) IsRunning() bool {
	return s.State() == StateRunning
}

// Token returns the service's current cancellation token. Tokens handed out
// before a restart remain cancelled; callers should re-fetch after Start.
func (s *Service) Token() *cancel.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.source.Token()
}

// Cache returns the instance-scoped TTL cache.
func (s *Service) Cache() *ttlcache.Cache[any] {
	return s.cache
}

// Events returns the instance-scoped event registry.
func (s *Service) Events() *events.Registry {
	return s.events
}

// Lock returns the keyed lock this service serializes wrapped operations on.
func (s *Service) Lock() *keyedlock.KeyedLock {
	return s.lock
}

// Stats returns an observability snapshot of the service.
func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	var uptime time.Duration
	if s.state == StateRunning || s.state == StatePaused {
		uptime = time.Since(s.startedAt)
	}
	var lastErr string
	if s.lastErr != nil {
		lastErr = s.lastErr.Error()
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SetUptime(s.cfg.InstanceKey, uptime)
		s.cfg.Metrics.SetCacheSize(s.cfg.InstanceKey, s.cache.Size())
	}
	return Stats{
		InstanceKey:           s.cfg.InstanceKey,
		State:                 s.state,
		Status:                s.status,
		StartedAt:             s.startedAt,
		Uptime:                uptime,
		ErrorCount:            s.errorCount,
		LastError:             lastErr,
		LastErrorAt:           s.lastErrAt,
		RecoveryAttempts:      s.recoveryAttempts,
		CacheSize:             s.cache.Size(),
		EventHandlers:         s.events.Len(),
		CancellationRequested: s.source.Cancelled(),
	}
}

// Start transitions STOPPED/ERROR -> STARTING -> RUNNING, running the start
// procedure and the optional post-start hook with a fresh cancellation token.
// A failure from either leaves the service in ERROR with a classified error;
// Start never retries inline, that is the recovery loop's job.
func (s *Service) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.start(ctx)
}

// start is the lock-free core shared by Start and the recovery restart.
func (s *Service) start(ctx context.Context) error {
	s.mu.Lock()
	if !CanStart(s.state) {
		state := s.state
		s.mu.Unlock()
		return errors.InvalidState(errors.OpStart, string(state))
	}
	s.transitionLocked(StateStarting, "")
	s.status = StatusInitializing
	s.source = cancel.NewSource()
	tok := s.source.Token()
	s.cache.Reset()
	s.mu.Unlock()

	err := safeCall(func() error { return s.handler.OnStart(ctx, tok) })
	if err == nil {
		if post, ok := s.handler.(PostStartHandler); ok {
			err = safeCall(func() error { return post.PostStart(ctx, tok) })
		}
	}

	s.mu.Lock()
	if err != nil {
		s.recordErrorLocked(err)
		s.transitionLocked(StateError, "start failed")
		s.status = StatusError
		s.mu.Unlock()
		s.logger.WithError(err).Error("service start failed")
		return errors.Operation(errors.OpStart, err)
	}
	s.startedAt = time.Now()
	s.errorCount = 0
	s.lastErr = nil
	s.lastErrAt = time.Time{}
	s.recoveryAttempts = 0
	s.transitionLocked(StateRunning, "")
	s.status = StatusRunning
	s.mu.Unlock()

	s.logger.Info("service started")
	return nil
}

// Stop transitions RUNNING/PAUSED/ERROR -> STOPPING -> STOPPED. Cancellation
// is requested with reason before the pre-stop hook runs; the cache and event
// registry are torn down unconditionally even when a stop procedure fails.
func (s *Service) Stop(ctx context.Context, reason string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.stop(ctx, reason)
}

// stop is the lock-free core shared by Stop and the recovery restart.
func (s *Service) stop(ctx context.Context, reason string) error {
	s.mu.Lock()
	if !CanStop(s.state) {
		state := s.state
		s.mu.Unlock()
		return errors.InvalidState(errors.OpStop, string(state))
	}
	s.transitionLocked(StateStopping, reason)
	s.status = StatusShuttingDown
	source := s.source
	s.mu.Unlock()

	source.Cancel(reason)
	tok := source.Token()

	var stopErr error
	func() {
		// Teardown must survive a failing stop procedure.
		defer func() {
			s.cache.Dispose()
			s.events.Clear()
		}()

		if pre, ok := s.handler.(PreStopHandler); ok {
			stopErr = safeCall(func() error { return pre.PreStop(ctx, tok) })
		}
		if err := safeCall(func() error { return s.handler.OnStop(ctx, tok) }); err != nil && stopErr == nil {
			stopErr = err
		}
	}()

	s.mu.Lock()
	if stopErr != nil {
		s.recordErrorLocked(stopErr)
		s.transitionLocked(StateError, "stop failed")
		s.status = StatusError
		s.mu.Unlock()
		s.logger.WithError(stopErr).Error("service stop failed")
		return errors.Operation(errors.OpStop, stopErr)
	}
	s.transitionLocked(StateStopped, reason)
	s.status = StatusStopped
	s.mu.Unlock()

	s.logger.Info("service stopped", "reason", reason)
	return nil
}

// Restart performs Stop then Start. It is not atomic: observers see the full
// STOPPED interval. When Stop fails its error is returned and Start is not
// attempted.
func (s *Service) Restart(ctx context.Context, reason string) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.SetStatus(StatusRestarting, reason)
	if err := s.stop(ctx, reason); err != nil {
		return err
	}
	return s.start(ctx)
}

// Pause annotates a RUNNING service as PAUSED. It touches neither
// cancellation, cache, nor locks; business code is expected to consult the
// state before doing work.
func (s *Service) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanPause(s.state) {
		return errors.InvalidState(errors.OpPause, string(s.state))
	}
	s.transitionLocked(StatePaused, "")
	s.status = StatusPaused
	return nil
}

// Resume returns a PAUSED service to RUNNING.
func (s *Service) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanResume(s.state) {
		return errors.InvalidState(errors.OpResume, string(s.state))
	}
	s.transitionLocked(StateRunning, "")
	s.status = StatusRunning
	return nil
}

// transitionLocked records a state change and fans out notifications. Callers
// hold s.mu.
func (s *Service) transitionLocked(to State, reason string) {
	from := s.state
	if from == to {
		return
	}
	s.state = to

	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SetServiceState(s.cfg.InstanceKey, string(to))
	}
	change := StateChange{InstanceKey: s.cfg.InstanceKey, From: from, To: to, Reason: reason}
	observer := s.cfg.Observer

	// Notifications run outside the state lock.
	go func() {
		if observer != nil {
			observer.StateChanged(change.InstanceKey, change.From, change.To, change.Reason)
		}
		s.events.Emit(context.Background(), EventStateChanged, change)
	}()
}

// recordErrorLocked updates error counters. Callers hold s.mu.
func (s *Service) recordErrorLocked(err error) {
	s.errorCount++
	s.lastErr = err
	s.lastErrAt = time.Now()
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordServiceError(s.cfg.InstanceKey)
	}
}

// safeCall converts a panic from a user-supplied procedure into an error so
// extension hooks can fail however they like without killing the runtime.
func safeCall(fn func() error) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn()
}
