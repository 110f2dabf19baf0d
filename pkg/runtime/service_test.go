package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/xconnect/pkg/cancel"
	"github.com/quantfabric/xconnect/pkg/errors"
	"github.com/quantfabric/xconnect/pkg/events"
	"github.com/quantfabric/xconnect/pkg/logging"
	"github.com/quantfabric/xconnect/pkg/metrics"
)

// testHandler is a scriptable Handler with optional pre/post hooks.
type testHandler struct {
	mu         sync.Mutex
	starts     int
	stops      int
	preStops   int
	postStarts int

	startErr       error
	stopErr        error
	failStartAfter int // OnStart fails once starts exceed this; 0 disables

	stopToken *cancel.Token
}

func (h *testHandler) OnStart(ctx context.Context, tok *cancel.Token) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.starts++
	if h.startErr != nil {
		return h.startErr
	}
	if h.failStartAfter > 0 && h.starts > h.failStartAfter {
		return fmt.Errorf("start refused on attempt %d", h.starts)
	}
	return nil
}

func (h *testHandler) OnStop(ctx context.Context, tok *cancel.Token) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stops++
	h.stopToken = tok
	return h.stopErr
}

func (h *testHandler) PostStart(ctx context.Context, tok *cancel.Token) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.postStarts++
	return nil
}

func (h *testHandler) PreStop(ctx context.Context, tok *cancel.Token) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.preStops++
	if h.stops > 0 {
		return fmt.Errorf("pre-stop ran after stop")
	}
	return nil
}

func (h *testHandler) counts() (starts, stops, preStops, postStarts int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.starts, h.stops, h.preStops, h.postStarts
}

func newTestService(t *testing.T, cfg Config, h Handler) *Service {
	t.Helper()
	if cfg.InstanceKey == "" {
		cfg.InstanceKey = "test:svc"
	}
	cfg.Logger = logging.Nop()
	s, err := New(cfg, h)
	require.NoError(t, err)
	return s
}

func TestNewValidation(t *testing.T) {
	_, err := New(Config{}, &testHandler{})
	assert.Error(t, err)

	_, err = New(Config{InstanceKey: "x"}, nil)
	assert.Error(t, err)
}

func TestStartSuccess(t *testing.T) {
	h := &testHandler{}
	s := newTestService(t, Config{}, h)

	require.NoError(t, s.Start(context.Background()))

	assert.Equal(t, StateRunning, s.State())
	assert.Equal(t, StatusRunning, s.Status())
	assert.True(t, s.IsRunning())
	assert.False(t, s.Token().Cancelled())

	starts, _, _, postStarts := h.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, postStarts)
}

func TestStartRejectedWhileRunning(t *testing.T) {
	s := newTestService(t, Config{}, &testHandler{})
	require.NoError(t, s.Start(context.Background()))

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsInvalidState(err))
}

func TestStartFailureEntersError(t *testing.T) {
	h := &testHandler{startErr: fmt.Errorf("exchange unreachable")}
	s := newTestService(t, Config{}, h)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, s.State())
	assert.Equal(t, errors.CodeOperation, errors.CodeOf(err))

	// ERROR is restartable.
	h.mu.Lock()
	h.startErr = nil
	h.mu.Unlock()
	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, StateRunning, s.State())
}

func TestStopCancelsTokenAndTearsDown(t *testing.T) {
	h := &testHandler{}
	s := newTestService(t, Config{}, h)
	require.NoError(t, s.Start(context.Background()))

	tok := s.Token()
	require.NoError(t, s.Cache().Set("k", 1))
	_, err := s.Events().Register(events.Registration{
		Event:   "custom",
		Handler: func(context.Context, interface{}) error { return nil },
	})
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background(), "maintenance"))

	assert.Equal(t, StateStopped, s.State())
	assert.True(t, tok.Cancelled())
	assert.Equal(t, "maintenance", tok.Reason())

	// Cache rejects writes, registry is empty.
	assert.Error(t, s.Cache().Set("k", 2))
	assert.Zero(t, s.Events().Len())

	_, stops, preStops, _ := h.counts()
	assert.Equal(t, 1, stops)
	assert.Equal(t, 1, preStops)
	// The stop procedures saw the already-cancelled token.
	assert.True(t, h.stopToken.Cancelled())
}

func TestStopRejectedWhileStopped(t *testing.T) {
	s := newTestService(t, Config{}, &testHandler{})

	err := s.Stop(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidState(err))
}

func TestStopFailureStillTearsDown(t *testing.T) {
	h := &testHandler{stopErr: fmt.Errorf("flush failed")}
	s := newTestService(t, Config{}, h)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Cache().Set("k", 1))

	err := s.Stop(context.Background(), "bye")
	require.Error(t, err)
	assert.Equal(t, StateError, s.State())

	// Teardown happens even when the stop procedure fails.
	assert.Error(t, s.Cache().Set("k", 2))
	assert.Zero(t, s.Events().Len())
}

func TestRestartIssuesFreshToken(t *testing.T) {
	h := &testHandler{}
	s := newTestService(t, Config{}, h)
	require.NoError(t, s.Start(context.Background()))

	old := s.Token()
	require.NoError(t, s.Restart(context.Background(), "redeploy"))

	assert.Equal(t, StateRunning, s.State())
	assert.True(t, old.Cancelled())
	assert.False(t, s.Token().Cancelled())

	starts, stops, _, _ := h.counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, stops)
}

func TestPauseResume(t *testing.T) {
	s := newTestService(t, Config{}, &testHandler{})

	assert.True(t, errors.IsInvalidState(s.Pause()))

	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Pause())
	assert.Equal(t, StatePaused, s.State())

	// Pause leaves cancellation untouched.
	assert.False(t, s.Token().Cancelled())

	assert.True(t, errors.IsInvalidState(s.Pause()))
	require.NoError(t, s.Resume())
	assert.Equal(t, StateRunning, s.State())
	assert.True(t, errors.IsInvalidState(s.Resume()))
}

func TestStopFromPaused(t *testing.T) {
	s := newTestService(t, Config{}, &testHandler{})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Pause())

	require.NoError(t, s.Stop(context.Background(), "done"))
	assert.Equal(t, StateStopped, s.State())
}

func TestStats(t *testing.T) {
	s := newTestService(t, Config{InstanceKey: "stats:svc"}, &testHandler{})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Cache().Set("k", 1))

	st := s.Stats()
	assert.Equal(t, "stats:svc", st.InstanceKey)
	assert.Equal(t, StateRunning, st.State)
	assert.Equal(t, StatusRunning, st.Status)
	assert.Equal(t, 1, st.CacheSize)
	assert.Zero(t, st.ErrorCount)
	assert.Zero(t, st.RecoveryAttempts)
	assert.False(t, st.CancellationRequested)
	assert.False(t, st.StartedAt.IsZero())

	require.NoError(t, s.Stop(context.Background(), "x"))
	st = s.Stats()
	assert.Equal(t, StateStopped, st.State)
	assert.Zero(t, st.Uptime)
	assert.True(t, st.CancellationRequested)
}

type recordingObserver struct {
	changes   chan StateChange
	exhausted chan int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{
		changes:   make(chan StateChange, 32),
		exhausted: make(chan int, 1),
	}
}

func (o *recordingObserver) StateChanged(instanceKey string, from, to State, reason string) {
	o.changes <- StateChange{InstanceKey: instanceKey, From: from, To: to, Reason: reason}
}

func (o *recordingObserver) RecoveryExhausted(instanceKey string, attempts int, lastErr error) {
	o.exhausted <- attempts
}

func TestObserverSeesTransitions(t *testing.T) {
	obs := newRecordingObserver()
	s := newTestService(t, Config{Observer: obs}, &testHandler{})

	require.NoError(t, s.Start(context.Background()))

	seen := map[State]bool{}
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case ch := <-obs.changes:
			seen[ch.To] = true
		case <-timeout:
			t.Fatal("observer never saw the start transitions")
		}
	}
	assert.True(t, seen[StateStarting])
	assert.True(t, seen[StateRunning])
}

func TestStateChangedEventEmitted(t *testing.T) {
	s := newTestService(t, Config{}, &testHandler{})
	require.NoError(t, s.Start(context.Background()))

	got := make(chan StateChange, 8)
	_, err := s.Events().Register(events.Registration{
		Event: EventStateChanged,
		Handler: func(_ context.Context, payload interface{}) error {
			if ch, ok := payload.(StateChange); ok {
				got <- ch
			}
			return nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.Pause())

	select {
	case ch := <-got:
		assert.Equal(t, StateRunning, ch.From)
		assert.Equal(t, StatePaused, ch.To)
	case <-time.After(time.Second):
		t.Fatal("state change event never emitted")
	}
}

func TestStatsUpdatesGauges(t *testing.T) {
	m := metrics.New(metrics.Config{Namespace: "test"})
	s := newTestService(t, Config{InstanceKey: "gauged:svc", Metrics: m}, &testHandler{})

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background(), "cleanup")

	require.NoError(t, s.Cache().Set("k", "v"))
	time.Sleep(10 * time.Millisecond)
	stats := s.Stats()

	assert.Greater(t, testutil.ToFloat64(m.ServiceUptime.WithLabelValues("gauged:svc")), 0.0)
	assert.Equal(t, float64(stats.CacheSize), testutil.ToFloat64(m.CacheSize.WithLabelValues("gauged:svc")))
}
