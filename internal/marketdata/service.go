// Package marketdata implements the streaming market-data service. It owns a
// WebSocket connection to one exchange, normalizes ticker and trade messages,
// caches the latest ticker per symbol, and dispatches events to subscribers
// through the runtime's conditional event registry.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/quantfabric/xconnect/internal/exchange"
	"github.com/quantfabric/xconnect/pkg/cancel"
	"github.com/quantfabric/xconnect/pkg/errors"
	"github.com/quantfabric/xconnect/pkg/events"
	"github.com/quantfabric/xconnect/pkg/logging"
	"github.com/quantfabric/xconnect/pkg/metrics"
	"github.com/quantfabric/xconnect/pkg/runtime"
)

// Event names dispatched on the service registry.
const (
	EventTicker = "marketdata.ticker"
	EventTrade  = "marketdata.trade"
)

const readTimeout = 30 * time.Second

// reconnectBackoff is the wait between redial attempts.
var reconnectBackoff = 2 * time.Second

// Conn is the subset of a WebSocket connection the stream loop needs.
// gorilla's *websocket.Conn satisfies it; tests substitute a fake.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteJSON(v interface{}) error
	SetReadDeadline(t time.Time) error
	Close() error
}

// Dialer opens a stream connection to the exchange.
type Dialer func(ctx context.Context, endpoint string) (Conn, error)

// WebsocketDialer dials with gorilla/websocket.
func WebsocketDialer(ctx context.Context, endpoint string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, errors.ExchangeError(errors.ExErrUnavailable, errors.OpStreamConnect,
			fmt.Sprintf("dial %s", endpoint), err)
	}
	return conn, nil
}

// Config configures the market-data service.
type Config struct {
	Exchange string
	Endpoint string
	Symbols  []string
	Runtime  runtime.Config
	Dialer   Dialer
}

// Service is the market-data streaming service.
type Service struct {
	rt       *runtime.Service
	exchange string
	endpoint string
	dialer   Dialer
	logger   *logging.Logger
	metrics  *metrics.Metrics

	mu      sync.Mutex
	symbols map[string]struct{}
	conn    Conn

	loopDone chan struct{}
}

// New constructs a stopped market-data service.
func New(cfg Config) (*Service, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("marketdata: endpoint is required")
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = WebsocketDialer
	}

	s := &Service{
		exchange: cfg.Exchange,
		endpoint: cfg.Endpoint,
		dialer:   dialer,
		symbols:  make(map[string]struct{}),
	}
	for _, sym := range cfg.Symbols {
		s.symbols[sym] = struct{}{}
	}

	rtCfg := cfg.Runtime
	if rtCfg.InstanceKey == "" {
		rtCfg.InstanceKey = "marketdata:" + cfg.Exchange
	}
	rt, err := runtime.New(rtCfg, s)
	if err != nil {
		return nil, err
	}
	s.rt = rt
	s.metrics = rtCfg.Metrics
	s.logger = logging.New(logging.DefaultConfig()).WithField("service", rtCfg.InstanceKey)
	return s, nil
}

// Runtime exposes the underlying runtime service.
func (s *Service) Runtime() *runtime.Service {
	return s.rt
}

// OnStart opens the stream and launches the read loop.
func (s *Service) OnStart(ctx context.Context, tok *cancel.Token) error {
	conn, err := s.dialer(ctx, s.endpoint)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	if err := s.subscribeAll(conn); err != nil {
		conn.Close()
		return err
	}

	s.loopDone = make(chan struct{})
	go s.streamLoop(tok)
	return nil
}

// PostStart marks the stream healthy once the loop is up.
func (s *Service) PostStart(ctx context.Context, tok *cancel.Token) error {
	s.rt.SetStatus(runtime.StatusHealthy, "stream connected")
	return nil
}

// PreStop closes the connection so the read loop unblocks promptly; the loop
// itself exits on the cancelled token.
func (s *Service) PreStop(ctx context.Context, tok *cancel.Token) error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}

// OnStop waits for the read loop to drain.
func (s *Service) OnStop(ctx context.Context, tok *cancel.Token) error {
	if s.loopDone != nil {
		select {
		case <-s.loopDone:
		case <-time.After(5 * time.Second):
			return errors.New("marketdata: stream loop did not stop in time")
		}
	}
	return nil
}

// Subscribe adds a symbol to the stream. Concurrent subscription changes for
// the same symbol are serialized through the keyed lock.
func (s *Service) Subscribe(ctx context.Context, symbol string) error {
	return s.rt.Do(ctx, errors.OpSubscribe, "md:sub:"+symbol, func(ctx context.Context) error {
		s.mu.Lock()
		if _, ok := s.symbols[symbol]; ok {
			s.mu.Unlock()
			return nil
		}
		s.symbols[symbol] = struct{}{}
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			return nil // picked up on next reconnect
		}
		return s.writeSubscribe(conn, "subscribe", symbol)
	})
}

// Unsubscribe removes a symbol from the stream.
func (s *Service) Unsubscribe(ctx context.Context, symbol string) error {
	return s.rt.Do(ctx, errors.OpUnsubscribe, "md:sub:"+symbol, func(ctx context.Context) error {
		s.mu.Lock()
		if _, ok := s.symbols[symbol]; !ok {
			s.mu.Unlock()
			return nil
		}
		delete(s.symbols, symbol)
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			return nil
		}
		return s.writeSubscribe(conn, "unsubscribe", symbol)
	})
}

// LastTicker returns the cached ticker for symbol, if fresh.
func (s *Service) LastTicker(symbol string) (exchange.Ticker, bool) {
	v, ok := s.rt.Cache().Get("ticker:" + symbol)
	if !ok {
		return exchange.Ticker{}, false
	}
	t, ok := v.(exchange.Ticker)
	return t, ok
}

// OnTicker registers a handler for ticker events. An empty symbol receives
// every ticker; otherwise the registration's condition gates on the symbol.
func (s *Service) OnTicker(symbol string, priority int, fn func(exchange.Ticker)) (string, error) {
	reg := events.Registration{
		Event:    EventTicker,
		Priority: priority,
		Handler: func(ctx context.Context, payload interface{}) error {
			t, ok := payload.(exchange.Ticker)
			if !ok {
				return errors.New("marketdata: unexpected ticker payload")
			}
			fn(t)
			return nil
		},
	}
	if symbol != "" {
		reg.Condition = func(payload interface{}) bool {
			t, ok := payload.(exchange.Ticker)
			return ok && t.Symbol == symbol
		}
	}
	return s.rt.Events().Register(reg)
}

// OnTrade registers a handler for trade events, optionally gated on symbol.
func (s *Service) OnTrade(symbol string, priority int, fn func(exchange.Trade)) (string, error) {
	reg := events.Registration{
		Event:    EventTrade,
		Priority: priority,
		Handler: func(ctx context.Context, payload interface{}) error {
			t, ok := payload.(exchange.Trade)
			if !ok {
				return errors.New("marketdata: unexpected trade payload")
			}
			fn(t)
			return nil
		},
	}
	if symbol != "" {
		reg.Condition = func(payload interface{}) bool {
			t, ok := payload.(exchange.Trade)
			return ok && t.Symbol == symbol
		}
	}
	return s.rt.Events().Register(reg)
}

// subscribeAll (re)subscribes every tracked symbol on a fresh connection.
func (s *Service) subscribeAll(conn Conn) error {
	s.mu.Lock()
	symbols := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		symbols = append(symbols, sym)
	}
	s.mu.Unlock()

	for _, sym := range symbols {
		if err := s.writeSubscribe(conn, "subscribe", sym); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) writeSubscribe(conn Conn, op, symbol string) error {
	msg := map[string]string{"op": op, "symbol": symbol}
	if err := conn.WriteJSON(msg); err != nil {
		return errors.ExchangeError(errors.ExErrSubscribeFailed, errors.OpSubscribe, symbol, err)
	}
	return nil
}

// streamLoop reads messages until cancellation, reconnecting with backoff on
// stream errors. The token is checked between reconnect attempts; the loop is
// the long-lived operation the service hands its token to.
func (s *Service) streamLoop(tok *cancel.Token) {
	defer close(s.loopDone)

	for {
		if tok.Cancelled() {
			return
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			if !s.reconnect(tok) {
				return
			}
			continue
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if tok.Cancelled() {
				return
			}
			s.logger.WithError(err).Warn("stream read failed, reconnecting")
			s.mu.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			conn.Close()
			continue
		}

		s.dispatch(raw)
	}
}

// reconnect waits the backoff then redials, observing the token during the
// wait. It reports false when the loop should exit.
func (s *Service) reconnect(tok *cancel.Token) bool {
	select {
	case <-tok.Done():
		return false
	case <-time.After(reconnectBackoff):
	}

	ctx, cancelDial := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelDial()

	conn, err := s.dialer(ctx, s.endpoint)
	if err != nil {
		s.logger.WithError(err).Warn("stream reconnect failed")
		return !tok.Cancelled()
	}
	if err := s.subscribeAll(conn); err != nil {
		s.logger.WithError(err).Warn("resubscribe failed")
		conn.Close()
		return !tok.Cancelled()
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RecordReconnect(s.exchange)
	}
	s.logger.Info("stream reconnected")
	return true
}

// wireMessage is the normalized stream envelope.
type wireMessage struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Bid       float64 `json:"bid"`
	Ask       float64 `json:"ask"`
	Last      float64 `json:"last"`
	Volume    float64 `json:"volume"`
	Price     float64 `json:"price"`
	Quantity  float64 `json:"quantity"`
	Side      string  `json:"side"`
	Timestamp int64   `json:"ts"`
}

// dispatch parses one raw message, updates the cache, and emits.
func (s *Service) dispatch(raw []byte) {
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		s.logger.WithError(err).Debug("dropping unparseable stream message")
		return
	}
	ts := time.UnixMilli(msg.Timestamp)

	switch msg.Type {
	case "ticker":
		ticker := exchange.Ticker{
			Symbol:    msg.Symbol,
			Bid:       msg.Bid,
			Ask:       msg.Ask,
			Last:      msg.Last,
			Volume24h: msg.Volume,
			Timestamp: ts,
		}
		if err := s.rt.Cache().Set("ticker:"+msg.Symbol, ticker); err != nil {
			// Disposed cache means we lost a race with shutdown; drop it.
			return
		}
		s.rt.Events().Emit(context.Background(), EventTicker, ticker)
	case "trade":
		trade := exchange.Trade{
			Symbol:    msg.Symbol,
			Price:     msg.Price,
			Quantity:  msg.Quantity,
			Side:      exchange.Side(msg.Side),
			Timestamp: ts,
		}
		s.rt.Events().Emit(context.Background(), EventTrade, trade)
	default:
		s.logger.Debug("ignoring stream message", "type", msg.Type)
	}
}
