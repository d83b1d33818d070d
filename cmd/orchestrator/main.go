package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/order-saga/internal/config"
	"github.com/ariefcatur/order-saga/internal/grpcx"
	"github.com/ariefcatur/order-saga/internal/httpx"
	"github.com/ariefcatur/order-saga/internal/inventory"
	kafkax "github.com/ariefcatur/order-saga/internal/kafka"
	"github.com/ariefcatur/order-saga/internal/logx"
	"github.com/ariefcatur/order-saga/internal/metrics"
	"github.com/ariefcatur/order-saga/internal/notify"
	"github.com/ariefcatur/order-saga/internal/observability"
	"github.com/ariefcatur/order-saga/internal/orders"
	"github.com/ariefcatur/order-saga/internal/payment"
	"github.com/ariefcatur/order-saga/internal/postgres"
	"github.com/ariefcatur/order-saga/internal/redisx"
	"github.com/ariefcatur/order-saga/internal/saga"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load("order-orchestrator")
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

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.SagaConcurrency+2)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()
	st := postgres.NewStore(db)

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka: notifications (async), requeue + DLQ writes (sync)
	notifications := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicNotifications, 1024, log)
	notifications.Start(ctx)
	out := kafkax.NewSyncProducer(cfg.KafkaBrokers)
	defer out.Close()

	repo := orders.NewRepository(st, log, m)
	ledger := inventory.NewLedger(st, cfg.ReservationTTL, log, m)
	gateway := payment.NewStub(cfg.PaymentDeclineRate, cfg.PaymentUnavailableRate, 200*time.Millisecond)
	payments := payment.NewClient(gateway, cfg.PaymentTimeout, cfg.PaymentAttempts, log, m)
	dispatcher := &notify.Dispatcher{Publisher: notifications, Dedup: redisx.NewDedup(rdb, "notify"), Log: log}
	orch := saga.New(repo, ledger, payments, dispatcher, log, m, cfg.SagaConcurrency)

	cons := kafkax.NewBatchConsumer(kafkax.BatchConfig{
		Brokers:     cfg.KafkaBrokers,
		GroupID:     cfg.ServiceName,
		Topic:       orders.TopicWork,
		DLQTopic:    orders.TopicWorkDLQ,
		Mode:        kafkax.Requeue,
		BatchSize:   cfg.SagaBatchSize,
		MaxAttempts: cfg.QueueMaxAttempts,
	}, out, log, m)

	// gRPC health
	health := grpcx.NewHealthServer(log,
		grpcx.Check{Name: "postgres", Ping: st.Ping},
		grpcx.Check{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	)
	gsrv := grpcx.NewServer(health, log)
	if err := grpcx.ListenAndServe(gsrv, cfg.GRPCAddr, log); err != nil {
		log.Fatal("grpc listen failed", zap.Error(err))
	}
	msrv := &http.Server{Addr: cfg.HTTPAddr, Handler: httpx.MetricsHandler(reg)}
	go func() {
		if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("saga consumer started", zap.String("topic", orders.TopicWork), zap.Int("concurrency", cfg.SagaConcurrency))
		return cons.Start(gctx, orch)
	})
	g.Go(func() error {
		return sweep(gctx, ledger, cfg.SweepInterval, log)
	})
	if err := g.Wait(); err != nil {
		log.Error("orchestrator stopped", zap.Error(err))
	}
	log.Info("shutting down")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = msrv.Shutdown(ctx2)
	gsrv.GracefulStop()
	notifications.Close()
	notifications.WaitClosed()
	_ = shutdownTracing(ctx2)
}

// sweep releases expired reservations until ctx ends.
func sweep(ctx context.Context, ledger *inventory.Ledger, every time.Duration, log *zap.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, err := ledger.SweepExpired(ctx)
			if err != nil {
				log.Warn("reservation sweep failed", zap.Error(err))
				continue
			}
			if n > 0 {
				log.Info("expired reservations released", zap.Int("count", n))
			}
		}
	}
}
