package account

import (
	"context"
	"time"

	"github.com/quantfabric/xconnect/internal/exchange"
	"github.com/quantfabric/xconnect/pkg/cancel"
	"github.com/quantfabric/xconnect/pkg/errors"
	"github.com/quantfabric/xconnect/pkg/logging"
	"github.com/quantfabric/xconnect/pkg/metrics"
	"github.com/quantfabric/xconnect/pkg/runtime"
)

// Event emitted after each successful poll cycle, with a Snapshot payload.
const EventSnapshot = "account.snapshot"

const defaultPollInterval = 10 * time.Second

// Snapshot is one polled view of the account.
type Snapshot struct {
	Exchange  string              `json:"exchange"`
	Balances  []exchange.Balance  `json:"balances"`
	Positions []exchange.Position `json:"positions"`
	PolledAt  time.Time           `json:"polled_at"`
}

// Config configures the account service.
type Config struct {
	Exchange     string
	PollInterval time.Duration
	Runtime      runtime.Config
	Metrics      *metrics.Metrics
}

// Service polls balances and positions from the exchange REST client, keeps
// the latest snapshot in the runtime cache, and persists it through the store.
type Service struct {
	rt       *runtime.Service
	client   exchange.Client
	store    *RedisStore
	metrics  *metrics.Metrics
	logger   *logging.Logger
	interval time.Duration

	loopDone chan struct{}
}

// New constructs a stopped account service. The store may be nil, in which
// case snapshots live only in the runtime cache.
func New(cfg Config, client exchange.Client, store *RedisStore) (*Service, error) {
	if client == nil {
		return nil, errors.New("account: exchange client is required")
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = defaultPollInterval
	}

	s := &Service{
		client:   client,
		store:    store,
		metrics:  cfg.Metrics,
		interval: interval,
	}

	rtCfg := cfg.Runtime
	if rtCfg.InstanceKey == "" {
		rtCfg.InstanceKey = "account:" + cfg.Exchange
	}
	rt, err := runtime.New(rtCfg, s)
	if err != nil {
		return nil, err
	}
	s.rt = rt
	s.logger = logging.New(logging.DefaultConfig()).WithField("service", rtCfg.InstanceKey)
	return s, nil
}

// Runtime exposes the underlying runtime service.
func (s *Service) Runtime() *runtime.Service {
	return s.rt
}

// OnStart performs an initial poll so the cache is warm before RUNNING, then
// launches the poll loop.
func (s *Service) OnStart(ctx context.Context, tok *cancel.Token) error {
	if err := s.pollOnce(ctx); err != nil {
		return err
	}
	s.loopDone = make(chan struct{})
	go s.pollLoop(tok)
	return nil
}

// OnStop waits for the poll loop to exit.
func (s *Service) OnStop(ctx context.Context, tok *cancel.Token) error {
	if s.loopDone != nil {
		select {
		case <-s.loopDone:
		case <-time.After(5 * time.Second):
			return errors.New("account: poll loop did not stop in time")
		}
	}
	return nil
}

// Poll runs one poll cycle on demand through the execution envelope. The lock
// key serializes it against the background loop's cycles.
func (s *Service) Poll(ctx context.Context) error {
	return s.rt.Do(ctx, errors.OpFetchBalances, s.pollLockKey(), s.pollOnce)
}

// Balances returns the cached balance snapshot.
func (s *Service) Balances() ([]exchange.Balance, bool) {
	v, ok := s.rt.Cache().Get("balances")
	if !ok {
		return nil, false
	}
	balances, ok := v.([]exchange.Balance)
	return balances, ok
}

// Positions returns the cached position snapshot.
func (s *Service) Positions() ([]exchange.Position, bool) {
	v, ok := s.rt.Cache().Get("positions")
	if !ok {
		return nil, false
	}
	positions, ok := v.([]exchange.Position)
	return positions, ok
}

func (s *Service) pollLockKey() string {
	return "acct:poll:" + s.client.Name()
}

// pollLoop polls on the configured interval until cancellation.
func (s *Service) pollLoop(tok *cancel.Token) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-tok.Done():
			return
		case <-ticker.C:
		}

		err := s.rt.Do(context.Background(), errors.OpFetchBalances, s.pollLockKey(), s.pollOnce)
		if err != nil && !errors.IsCancellation(err) && !errors.IsNotRunning(err) {
			s.logger.WithError(err).Warn("account poll failed")
		}
	}
}

// pollOnce fetches balances and positions, updates the cache, persists the
// snapshot, and emits it.
func (s *Service) pollOnce(ctx context.Context) error {
	balances, err := s.client.FetchBalances(ctx)
	if err != nil {
		return err
	}
	positions, err := s.client.FetchPositions(ctx)
	if err != nil {
		return err
	}

	if err := s.rt.Cache().Set("balances", balances); err != nil {
		return err
	}
	if err := s.rt.Cache().Set("positions", positions); err != nil {
		return err
	}

	if s.store != nil {
		if err := s.store.SaveBalances(ctx, s.client.Name(), balances); err != nil {
			return err
		}
		if err := s.store.SavePositions(ctx, s.client.Name(), positions); err != nil {
			return err
		}
	}

	if s.metrics != nil {
		s.metrics.RecordPollCycle(s.client.Name(), "ok")
	}
	s.rt.Events().Emit(context.Background(), EventSnapshot, Snapshot{
		Exchange:  s.client.Name(),
		Balances:  balances,
		Positions: positions,
		PolledAt:  time.Now(),
	})
	return nil
}
