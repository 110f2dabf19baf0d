// Package main is the entry point of connectd, the exchange-connectivity
// daemon. It wires the market-data, account, and order services over a shared
// runtime stack and serves the operator HTTP surface until shutdown.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/quantfabric/xconnect/internal/account"
	"github.com/quantfabric/xconnect/internal/exchange"
	"github.com/quantfabric/xconnect/internal/marketdata"
	"github.com/quantfabric/xconnect/internal/ops"
	"github.com/quantfabric/xconnect/internal/orders"
	"github.com/quantfabric/xconnect/pkg/config"
	"github.com/quantfabric/xconnect/pkg/health"
	"github.com/quantfabric/xconnect/pkg/keyedlock"
	"github.com/quantfabric/xconnect/pkg/logging"
	"github.com/quantfabric/xconnect/pkg/metrics"
	"github.com/quantfabric/xconnect/pkg/runtime"
	"github.com/quantfabric/xconnect/pkg/service"
)

func main() {
	configFile := pflag.String("config", "", "Path to configuration file")
	logLevel := pflag.String("log-level", "", "Log level (debug, info, warn, error)")
	pflag.Parse()

	opts := config.DefaultLoadOptions()
	if *configFile != "" {
		opts.ConfigFile = *configFile
	}
	cfg, err := config.LoadWithOptions(opts)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	logger := logging.New(logging.Config{
		Level:       logging.LogLevel(cfg.Log.Level),
		Output:      os.Stdout,
		Component:   "connectd",
		Environment: cfg.Log.Environment,
	})
	m := metrics.New(metrics.Config{Namespace: cfg.Metrics.Namespace})

	// One keyed lock shared by every service, so cross-service operations on
	// the same key serialize.
	lock := keyedlock.New()

	rtCfg := runtime.Config{
		AutoRecover:         cfg.Runtime.AutoRecover,
		MaxRecoveryAttempts: cfg.Runtime.MaxRecoveryAttempts,
		RecoveryBackoff:     cfg.Runtime.RecoveryBackoff,
		LockTimeout:         cfg.Runtime.LockTimeout,
		CacheTTL:            cfg.Runtime.CacheTTL,
		CacheSweep:          cfg.Runtime.CacheSweep,
		HandlerTimeout:      cfg.Runtime.HandlerTimeout,
		Lock:                lock,
		Logger:              logger,
		Metrics:             m,
	}

	client, err := exchange.NewRESTClient(cfg.Exchange.Name, cfg.Exchange.RESTEndpoint, exchange.Credentials{
		APIKey:    cfg.Exchange.APIKey,
		APISecret: cfg.Exchange.APISecret,
	})
	if err != nil {
		logger.WithError(err).Error("failed to initialize exchange client")
		os.Exit(1)
	}

	store, err := account.NewRedisStore(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.WithError(err).Error("failed to connect to Redis")
		os.Exit(1)
	}
	defer store.Close()

	publisher, err := orders.NewKafkaPublisher(cfg.Kafka.Brokers, cfg.Kafka.ReportTopic)
	if err != nil {
		logger.WithError(err).Error("failed to create Kafka publisher")
		os.Exit(1)
	}

	mdService, err := marketdata.New(marketdata.Config{
		Exchange: cfg.Exchange.Name,
		Endpoint: cfg.Exchange.WSEndpoint,
		Symbols:  cfg.Exchange.Symbols,
		Runtime:  rtCfg,
	})
	if err != nil {
		logger.WithError(err).Error("failed to initialize market-data service")
		os.Exit(1)
	}

	acctService, err := account.New(account.Config{
		Exchange:     cfg.Exchange.Name,
		PollInterval: cfg.Exchange.PollInterval,
		Runtime:      rtCfg,
		Metrics:      m,
	}, client, store)
	if err != nil {
		logger.WithError(err).Error("failed to initialize account service")
		os.Exit(1)
	}

	orderService, err := orders.New(orders.Config{
		Exchange: cfg.Exchange.Name,
		Runtime:  rtCfg,
		Metrics:  m,
	}, client, publisher)
	if err != nil {
		logger.WithError(err).Error("failed to initialize order service")
		os.Exit(1)
	}

	registry := service.NewRegistry(logger)
	for _, svc := range []service.Service{mdService, acctService, orderService} {
		if err := registry.Register(svc); err != nil {
			logger.WithError(err).Error("failed to register service", "name", svc.Name())
			os.Exit(1)
		}
	}

	healthReg := health.NewRegistry(logger)
	healthReg.Register(mdService.Name(), health.RuntimeChecker(mdService.Stats))
	healthReg.Register(acctService.Name(), health.RuntimeChecker(acctService.Stats))
	healthReg.Register(orderService.Name(), health.RuntimeChecker(orderService.Stats))

	opsServer, err := ops.NewServer(cfg.Ops, registry, healthReg, m, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize ops server")
		os.Exit(1)
	}
	go func() {
		if err := opsServer.Start(); err != nil {
			logger.WithError(err).Error("ops server failed")
		}
	}()

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	logger.Info("starting services", "exchange", cfg.Exchange.Name)
	if err := registry.StartAll(ctx); err != nil {
		logger.WithError(err).Error("failed to start services")
		_ = registry.StopAll(context.Background())
		os.Exit(1)
	}
	logger.Info("all services started")

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs

	logger.Info("shutting down")
	cancelCtx()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()

	if err := opsServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("ops server shutdown failed")
	}
	if err := registry.StopAll(shutdownCtx); err != nil {
		logger.WithError(err).Error("error during shutdown")
	}
	logger.Info("shutdown complete")
}
