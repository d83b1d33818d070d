package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/order-saga/internal/changefeed"
	"github.com/ariefcatur/order-saga/internal/config"
	"github.com/ariefcatur/order-saga/internal/httpx"
	kafkax "github.com/ariefcatur/order-saga/internal/kafka"
	"github.com/ariefcatur/order-saga/internal/logx"
	"github.com/ariefcatur/order-saga/internal/metrics"
	"github.com/ariefcatur/order-saga/internal/observability"
	"github.com/ariefcatur/order-saga/internal/postgres"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load("order-relay")
	log := logx.New(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		log.Fatal("tracing setup failed", zap.Error(err))
	}

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, 2)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal("db migrate failed", zap.Error(err))
	}

	out := kafkax.NewSyncProducer(cfg.KafkaBrokers)
	defer out.Close()

	msrv := &http.Server{Addr: cfg.HTTPAddr, Handler: httpx.MetricsHandler(reg)}
	go func() {
		if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	relay := &changefeed.Relay{Source: postgres.NewStore(db), Outlet: out, Log: log, Metrics: m}
	log.Info("relay started", zap.Duration("interval", cfg.RelayInterval))
	if err := relay.Run(ctx, cfg.RelayInterval); err != nil {
		log.Error("relay stopped", zap.Error(err))
	}
	log.Info("shutting down")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = msrv.Shutdown(ctx2)
	_ = shutdownTracing(ctx2)
}
