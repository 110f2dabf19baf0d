package orders

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfabric/xconnect/internal/exchange"
	"github.com/quantfabric/xconnect/pkg/cancel"
	"github.com/quantfabric/xconnect/pkg/errors"
	"github.com/quantfabric/xconnect/pkg/events"
	"github.com/quantfabric/xconnect/pkg/logging"
	"github.com/quantfabric/xconnect/pkg/metrics"
	"github.com/quantfabric/xconnect/pkg/runtime"
)

// Event emitted for every execution report, with an exchange.ExecReport payload.
const EventExecReport = "orders.exec_report"

// Config configures the order service.
type Config struct {
	Exchange string
	Runtime  runtime.Config
	Metrics  *metrics.Metrics
}

// Service is the order-entry service. Place and Cancel run under the runtime
// envelope with a per-symbol lock key, so order flow for one symbol is
// serialized while symbols proceed independently.
type Service struct {
	rt        *runtime.Service
	client    exchange.Client
	publisher ReportPublisher
	metrics   *metrics.Metrics
	logger    *logging.Logger

	mu   sync.Mutex
	open map[string]exchange.Order // keyed by client order id
}

// New constructs a stopped order service. The publisher may be nil when no
// downstream consumer exists.
func New(cfg Config, client exchange.Client, publisher ReportPublisher) (*Service, error) {
	if client == nil {
		return nil, errors.New("orders: exchange client is required")
	}

	s := &Service{
		client:    client,
		publisher: publisher,
		metrics:   cfg.Metrics,
		open:      make(map[string]exchange.Order),
	}

	rtCfg := cfg.Runtime
	if rtCfg.InstanceKey == "" {
		rtCfg.InstanceKey = "orders:" + cfg.Exchange
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

// OnStart resets the open-order book.
func (s *Service) OnStart(ctx context.Context, tok *cancel.Token) error {
	s.mu.Lock()
	s.open = make(map[string]exchange.Order)
	s.mu.Unlock()
	return nil
}

// OnStop flushes the publisher so no accepted report is lost on shutdown.
func (s *Service) OnStop(ctx context.Context, tok *cancel.Token) error {
	if s.publisher != nil {
		return s.publisher.Close()
	}
	return nil
}

// Place submits a new order. A missing client order id is assigned. The order
// is tracked as open and its acceptance published as an execution report.
func (s *Service) Place(ctx context.Context, req exchange.OrderRequest) (*exchange.Order, error) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.New().String()
	}
	if req.Symbol == "" {
		return nil, errors.ExchangeError(errors.ExErrBadSymbol, errors.OpPlaceOrder,
			"order request requires a symbol", nil)
	}
	if req.Quantity <= 0 {
		return nil, errors.ExchangeError(errors.ExErrOrderRejected, errors.OpPlaceOrder,
			"order request requires a positive quantity", nil)
	}

	return runtime.Wrap(ctx, s.rt, errors.OpPlaceOrder, s.symbolLockKey(req.Symbol),
		func(ctx context.Context) (*exchange.Order, error) {
			order, err := s.client.PlaceOrder(ctx, req)
			if err != nil {
				return nil, err
			}

			s.mu.Lock()
			s.open[order.ClientOrderID] = *order
			s.mu.Unlock()

			if s.metrics != nil {
				s.metrics.RecordOrder(s.client.Name(), string(order.Side), string(order.Status))
			}
			s.report(*order)
			return order, nil
		})
}

// Cancel cancels an open order by client order id.
func (s *Service) Cancel(ctx context.Context, symbol, clientOrderID string) (*exchange.Order, error) {
	s.mu.Lock()
	_, tracked := s.open[clientOrderID]
	s.mu.Unlock()
	if !tracked {
		return nil, errors.ExchangeError(errors.ExErrOrderNotFound, errors.OpCancelOrder,
			"unknown client order id "+clientOrderID, nil)
	}

	return runtime.Wrap(ctx, s.rt, errors.OpCancelOrder, s.symbolLockKey(symbol),
		func(ctx context.Context) (*exchange.Order, error) {
			order, err := s.client.CancelOrder(ctx, symbol, clientOrderID)
			if err != nil {
				return nil, err
			}

			s.mu.Lock()
			delete(s.open, clientOrderID)
			s.mu.Unlock()

			if s.metrics != nil {
				s.metrics.RecordOrder(s.client.Name(), string(order.Side), string(order.Status))
			}
			s.report(*order)
			return order, nil
		})
}

// ApplyReport ingests an exchange-originated execution report, e.g. a fill
// arriving over a private stream, updating the open-order book.
func (s *Service) ApplyReport(report exchange.ExecReport) {
	s.mu.Lock()
	switch report.Status {
	case exchange.OrderFilled, exchange.OrderCancelled, exchange.OrderRejected:
		delete(s.open, report.ClientOrderID)
	default:
		if order, ok := s.open[report.ClientOrderID]; ok {
			order.Status = report.Status
			order.FilledQuantity = report.FilledQuantity
			order.UpdatedAt = report.Timestamp
			s.open[report.ClientOrderID] = order
		}
	}
	s.mu.Unlock()

	s.publish(report)
	s.rt.Events().Emit(context.Background(), EventExecReport, report)
}

// OnExecReport registers a handler for execution-report events. An empty
// symbol receives every report.
func (s *Service) OnExecReport(symbol string, fn func(exchange.ExecReport)) (string, error) {
	reg := events.Registration{
		Event: EventExecReport,
		Handler: func(ctx context.Context, payload interface{}) error {
			rep, ok := payload.(exchange.ExecReport)
			if !ok {
				return errors.New("orders: unexpected exec report payload")
			}
			fn(rep)
			return nil
		},
	}
	if symbol != "" {
		reg.Condition = func(payload interface{}) bool {
			rep, ok := payload.(exchange.ExecReport)
			return ok && rep.Symbol == symbol
		}
	}
	return s.rt.Events().Register(reg)
}

// Open returns a copy of the currently tracked open orders.
func (s *Service) Open() []exchange.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]exchange.Order, 0, len(s.open))
	for _, order := range s.open {
		out = append(out, order)
	}
	return out
}

func (s *Service) symbolLockKey(symbol string) string {
	return "orders:" + s.client.Name() + ":" + symbol
}

// report converts an order snapshot into an execution report and fans it out.
func (s *Service) report(order exchange.Order) {
	rep := exchange.ExecReport{
		Exchange:        s.client.Name(),
		ExchangeOrderID: order.ExchangeOrderID,
		ClientOrderID:   order.ClientOrderID,
		Symbol:          order.Symbol,
		Side:            order.Side,
		Status:          order.Status,
		Price:           order.Price,
		FilledQuantity:  order.FilledQuantity,
		Timestamp:       time.Now(),
	}
	s.publish(rep)
	s.rt.Events().Emit(context.Background(), EventExecReport, rep)
}

func (s *Service) publish(report exchange.ExecReport) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(report); err != nil {
		s.logger.WithError(err).Error("failed to publish execution report",
			"client_order_id", report.ClientOrderID)
	}
}
