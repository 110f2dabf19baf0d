package marketdata

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfabric/xconnect/internal/exchange"
	"github.com/quantfabric/xconnect/pkg/logging"
	"github.com/quantfabric/xconnect/pkg/runtime"
)

// fakeConn scripts the stream side of the service.
type fakeConn struct {
	mu       sync.Mutex
	incoming chan []byte
	writes   []map[string]string
	closed   chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 16),
		closed:   make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case raw := <-f.incoming:
		return 1, raw, nil
	case <-f.closed:
		return 0, nil, fmt.Errorf("use of closed connection")
	}
}

func (f *fakeConn) WriteJSON(v interface{}) error {
	msg, ok := v.(map[string]string)
	if !ok {
		return fmt.Errorf("unexpected write type %T", v)
	}
	f.mu.Lock()
	f.writes = append(f.writes, msg)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) written() []map[string]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]string(nil), f.writes...)
}

// fakeDialer hands out fresh connections and counts dials.
type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
}

func (d *fakeDialer) dial(ctx context.Context, endpoint string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func newStreamService(t *testing.T, dialer *fakeDialer, symbols ...string) *Service {
	t.Helper()
	s, err := New(Config{
		Exchange: "testex",
		Endpoint: "wss://stream.test",
		Symbols:  symbols,
		Dialer:   dialer.dial,
		Runtime:  runtime.Config{InstanceKey: "md:testex", Logger: logging.Nop()},
	})
	require.NoError(t, err)
	return s
}

func TestNewRequiresEndpoint(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestStartSubscribesConfiguredSymbols(t *testing.T) {
	dialer := &fakeDialer{}
	s := newStreamService(t, dialer, "BTC-USD", "ETH-USD")

	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	assert.Equal(t, runtime.StateRunning, s.State())
	require.Equal(t, 1, dialer.dials())

	writes := dialer.conn(0).written()
	subscribed := map[string]bool{}
	for _, w := range writes {
		if w["op"] == "subscribe" {
			subscribed[w["symbol"]] = true
		}
	}
	assert.True(t, subscribed["BTC-USD"])
	assert.True(t, subscribed["ETH-USD"])
}

func TestTickerCachedAndDispatched(t *testing.T) {
	dialer := &fakeDialer{}
	s := newStreamService(t, dialer, "BTC-USD")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	got := make(chan exchange.Ticker, 1)
	_, err := s.OnTicker("BTC-USD", 0, func(tk exchange.Ticker) {
		select {
		case got <- tk:
		default:
		}
	})
	require.NoError(t, err)

	dialer.conn(0).incoming <- []byte(`{"type":"ticker","symbol":"BTC-USD","bid":64999.5,"ask":65000.5,"last":65000,"volume":1234,"ts":1700000000000}`)

	select {
	case tk := <-got:
		assert.Equal(t, 64999.5, tk.Bid)
		assert.Equal(t, 65000.5, tk.Ask)
	case <-time.After(time.Second):
		t.Fatal("ticker never dispatched")
	}

	require.Eventually(t, func() bool {
		_, ok := s.LastTicker("BTC-USD")
		return ok
	}, time.Second, 5*time.Millisecond)

	tk, ok := s.LastTicker("BTC-USD")
	require.True(t, ok)
	assert.Equal(t, float64(65000), tk.Last)
}

func TestTickerConditionFiltersSymbols(t *testing.T) {
	dialer := &fakeDialer{}
	s := newStreamService(t, dialer, "BTC-USD", "ETH-USD")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	var mu sync.Mutex
	var seen []string
	_, err := s.OnTicker("ETH-USD", 0, func(tk exchange.Ticker) {
		mu.Lock()
		seen = append(seen, tk.Symbol)
		mu.Unlock()
	})
	require.NoError(t, err)

	dialer.conn(0).incoming <- []byte(`{"type":"ticker","symbol":"BTC-USD","last":65000,"ts":1}`)
	dialer.conn(0).incoming <- []byte(`{"type":"ticker","symbol":"ETH-USD","last":3000,"ts":2}`)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"ETH-USD"}, seen)
}

func TestTradeDispatched(t *testing.T) {
	dialer := &fakeDialer{}
	s := newStreamService(t, dialer, "BTC-USD")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	got := make(chan exchange.Trade, 1)
	_, err := s.OnTrade("", 0, func(tr exchange.Trade) {
		select {
		case got <- tr:
		default:
		}
	})
	require.NoError(t, err)

	dialer.conn(0).incoming <- []byte(`{"type":"trade","symbol":"BTC-USD","price":65001,"quantity":0.25,"side":"BUY","ts":1700000000000}`)

	select {
	case tr := <-got:
		assert.Equal(t, float64(65001), tr.Price)
		assert.Equal(t, exchange.Buy, tr.Side)
	case <-time.After(time.Second):
		t.Fatal("trade never dispatched")
	}
}

func TestSubscribeWritesControlMessage(t *testing.T) {
	dialer := &fakeDialer{}
	s := newStreamService(t, dialer)
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.NoError(t, s.Subscribe(context.Background(), "SOL-USD"))
	// Subscribing again is a no-op.
	require.NoError(t, s.Subscribe(context.Background(), "SOL-USD"))

	writes := dialer.conn(0).written()
	count := 0
	for _, w := range writes {
		if w["op"] == "subscribe" && w["symbol"] == "SOL-USD" {
			count++
		}
	}
	assert.Equal(t, 1, count)

	require.NoError(t, s.Unsubscribe(context.Background(), "SOL-USD"))
	writes = dialer.conn(0).written()
	last := writes[len(writes)-1]
	assert.Equal(t, "unsubscribe", last["op"])
	assert.Equal(t, "SOL-USD", last["symbol"])
}

func TestSubscribeRejectedWhenStopped(t *testing.T) {
	dialer := &fakeDialer{}
	s := newStreamService(t, dialer)

	err := s.Subscribe(context.Background(), "BTC-USD")
	assert.Error(t, err)
}

func TestStopShutsDownLoop(t *testing.T) {
	dialer := &fakeDialer{}
	s := newStreamService(t, dialer, "BTC-USD")
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, runtime.StateStopped, s.State())

	// The cache is torn down with the service.
	_, ok := s.LastTicker("BTC-USD")
	assert.False(t, ok)
}

func TestReconnectAfterStreamError(t *testing.T) {
	old := reconnectBackoff
	reconnectBackoff = 10 * time.Millisecond
	defer func() { reconnectBackoff = old }()

	dialer := &fakeDialer{}
	s := newStreamService(t, dialer, "BTC-USD")
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	// Kill the first connection; the loop should redial and resubscribe.
	dialer.conn(0).Close()

	require.Eventually(t, func() bool {
		return dialer.dials() >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, w := range dialer.conn(1).written() {
			if w["op"] == "subscribe" && w["symbol"] == "BTC-USD" {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}
