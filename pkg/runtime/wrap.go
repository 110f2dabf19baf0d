package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/quantfabric/xconnect/pkg/errors"
)

// Wrap executes a business operation under the service's execution envelope:
// cancellation check, active-state check, optional keyed-lock serialization,
// then error classification. The checks run before fn; when either rejects,
// fn never executes.
//
// A cancellation-classified failure is passed through untouched and is not
// counted as an error. Any other failure bumps the error counters and, when
// the service is RUNNING with auto-recovery enabled, detaches a recovery
// attempt; the caller gets the classified failure either way and never waits
// on recovery.
func Wrap[T any](ctx context.Context, s *Service, op, lockKey string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	started := time.Now()

	if err := s.Token().Check(); err != nil {
		return zero, err
	}
	if state := s.State(); !IsActive(state) {
		return zero, errors.NotRunning(op, string(state))
	}

	var val T
	var err error
	run := func() {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic in %s: %v", op, rec)
			}
		}()
		val, err = fn(ctx)
	}

	if lockKey != "" {
		if lockErr := s.lock.WithLock(ctx, lockKey, s.cfg.LockTimeout, func() error {
			run()
			return nil
		}); lockErr != nil {
			err = lockErr
			val = zero
		}
	} else {
		run()
	}

	if err == nil {
		s.observeOperation(op, "ok", time.Since(started))
		return val, nil
	}
	if errors.IsCancellation(err) {
		s.observeOperation(op, "cancelled", time.Since(started))
		return zero, err
	}

	classified := errors.Operation(op, err)
	s.mu.Lock()
	s.recordErrorLocked(classified)
	s.mu.Unlock()
	s.observeOperation(op, "error", time.Since(started))
	s.logger.WithError(classified).Error("operation failed", "operation", op)
	s.events.Emit(context.Background(), EventOperationError, classified)

	if s.cfg.AutoRecover && s.State() == StateRunning {
		go s.recover()
	}
	return zero, classified
}

// Do is the error-only form of Wrap.
func (s *Service) Do(ctx context.Context, op, lockKey string, fn func(ctx context.Context) error) error {
	_, err := Wrap(ctx, s, op, lockKey, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (s *Service) observeOperation(op, outcome string, elapsed time.Duration) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RecordOperation(s.cfg.InstanceKey, op, outcome, elapsed)
	}
}

// recover runs the bounded recovery loop, detached from the failing call.
// Each attempt waits the backoff then restarts the service; a successful
// restart resets the attempt counter and ends the loop. When the configured
// maximum is exhausted the service parks in ERROR with a critical status for
// an operator.
func (s *Service) recover() {
	s.mu.Lock()
	if s.recovering {
		s.mu.Unlock()
		return
	}
	s.recovering = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.recovering = false
		s.mu.Unlock()
	}()

	s.SetStatus(StatusRecovering, "auto-recovery")

	for {
		s.mu.Lock()
		if s.recoveryAttempts >= s.cfg.MaxRecoveryAttempts {
			attempts := s.recoveryAttempts
			lastErr := s.lastErr
			s.transitionLocked(StateError, "recovery exhausted")
			s.status = StatusCritical
			s.mu.Unlock()

			s.logger.Error("auto-recovery exhausted", "attempts", attempts)
			if s.cfg.Observer != nil {
				s.cfg.Observer.RecoveryExhausted(s.cfg.InstanceKey, attempts, lastErr)
			}
			s.events.Emit(context.Background(), EventRecoveryExhausted, Stats{
				InstanceKey:      s.cfg.InstanceKey,
				RecoveryAttempts: attempts,
			})
			return
		}
		s.recoveryAttempts++
		attempt := s.recoveryAttempts
		s.mu.Unlock()

		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordRecoveryAttempt(s.cfg.InstanceKey)
		}
		s.logger.Warn("auto-recovery attempt",
			"attempt", attempt,
			"max_attempts", s.cfg.MaxRecoveryAttempts,
			"backoff", s.cfg.RecoveryBackoff.String(),
		)

		// The backoff timer is deliberately not wired to the cancellation
		// token: the token was likely cancelled by the very failure being
		// recovered from, and tying them together would suppress the restart.
		time.Sleep(s.cfg.RecoveryBackoff)

		// An operator may have stopped the service during the backoff. The
		// state predicate decides, not a stale snapshot from before the sleep.
		if !CanStop(s.State()) {
			s.logger.Info("auto-recovery abandoned, service no longer stoppable",
				"state", string(s.State()))
			return
		}

		if err := s.Restart(context.Background(), "auto-recovery"); err != nil {
			s.logger.WithError(err).Error("auto-recovery restart failed", "attempt", attempt)
			continue
		}

		s.mu.Lock()
		s.recoveryAttempts = 0
		s.mu.Unlock()
		s.logger.Info("auto-recovery succeeded", "attempt", attempt)
		return
	}
}
