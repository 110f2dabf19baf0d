package account

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/xconnect/internal/exchange"
	"github.com/quantfabric/xconnect/pkg/errors"
	"github.com/quantfabric/xconnect/pkg/events"
	"github.com/quantfabric/xconnect/pkg/logging"
	"github.com/quantfabric/xconnect/pkg/runtime"
)

// fakeClient serves scripted balances and positions and counts fetches.
type fakeClient struct {
	mu        sync.Mutex
	balances  []exchange.Balance
	positions []exchange.Position
	fetchErr  error
	fetches   int
}

func (f *fakeClient) Name() string { return "testex" }

func (f *fakeClient) FetchBalances(ctx context.Context) ([]exchange.Balance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return append([]exchange.Balance(nil), f.balances...), nil
}

func (f *fakeClient) FetchPositions(ctx context.Context) ([]exchange.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]exchange.Position(nil), f.positions...), nil
}

func (f *fakeClient) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeClient) CancelOrder(ctx context.Context, symbol, clientOrderID string) (*exchange.Order, error) {
	return nil, fmt.Errorf("not implemented")
}

func (f *fakeClient) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func newAccountService(t *testing.T, client *fakeClient, interval time.Duration) *Service {
	t.Helper()
	s, err := New(Config{
		Exchange:     "testex",
		PollInterval: interval,
		Runtime:      runtime.Config{InstanceKey: "account:testex", Logger: logging.Nop()},
	}, client, nil)
	require.NoError(t, err)
	return s
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(Config{}, nil, nil)
	assert.Error(t, err)
}

func TestStartWarmsCache(t *testing.T) {
	client := &fakeClient{
		balances:  []exchange.Balance{{Asset: "BTC", Free: 1.5}},
		positions: []exchange.Position{{Symbol: "BTC-USD", Quantity: 0.5}},
	}
	s := newAccountService(t, client, time.Hour)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	balances, ok := s.Balances()
	require.True(t, ok)
	require.Len(t, balances, 1)
	assert.Equal(t, "BTC", balances[0].Asset)

	positions, ok := s.Positions()
	require.True(t, ok)
	require.Len(t, positions, 1)
	assert.Equal(t, "BTC-USD", positions[0].Symbol)
}

func TestStartFailsWhenInitialPollFails(t *testing.T) {
	client := &fakeClient{fetchErr: fmt.Errorf("exchange down")}
	s := newAccountService(t, client, time.Hour)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, runtime.StateError, s.State())
}

func TestPollOnDemand(t *testing.T) {
	client := &fakeClient{balances: []exchange.Balance{{Asset: "ETH", Free: 10}}}
	s := newAccountService(t, client, time.Hour)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	before := client.fetchCount()
	require.NoError(t, s.Poll(context.Background()))
	assert.Equal(t, before+1, client.fetchCount())
}

func TestPollRejectedWhenStopped(t *testing.T) {
	client := &fakeClient{}
	s := newAccountService(t, client, time.Hour)

	err := s.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsNotRunning(err))
	assert.Zero(t, client.fetchCount())
}

func TestPollLoopRunsOnInterval(t *testing.T) {
	client := &fakeClient{}
	s := newAccountService(t, client, 20*time.Millisecond)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		return client.fetchCount() >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSnapshotEventEmitted(t *testing.T) {
	client := &fakeClient{balances: []exchange.Balance{{Asset: "SOL", Free: 3}}}
	s := newAccountService(t, client, time.Hour)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	got := make(chan Snapshot, 1)
	_, err := s.rt.Events().Register(snapshotRegistration(got))
	require.NoError(t, err)

	require.NoError(t, s.Poll(context.Background()))

	select {
	case snap := <-got:
		assert.Equal(t, "testex", snap.Exchange)
		require.Len(t, snap.Balances, 1)
		assert.Equal(t, "SOL", snap.Balances[0].Asset)
	case <-time.After(time.Second):
		t.Fatal("snapshot event never emitted")
	}
}

func snapshotRegistration(got chan Snapshot) events.Registration {
	return events.Registration{
		Event: EventSnapshot,
		Handler: func(_ context.Context, payload interface{}) error {
			if snap, ok := payload.(Snapshot); ok {
				select {
				case got <- snap:
				default:
				}
			}
			return nil
		},
	}
}

func TestStopEndsPollLoop(t *testing.T) {
	client := &fakeClient{}
	s := newAccountService(t, client, 20*time.Millisecond)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, runtime.StateStopped, s.State())

	settled := client.fetchCount()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, client.fetchCount())
}
