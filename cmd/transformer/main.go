package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/order-saga/internal/bus"
	"github.com/ariefcatur/order-saga/internal/changefeed"
	"github.com/ariefcatur/order-saga/internal/config"
	"github.com/ariefcatur/order-saga/internal/httpx"
	kafkax "github.com/ariefcatur/order-saga/internal/kafka"
	"github.com/ariefcatur/order-saga/internal/logx"
	"github.com/ariefcatur/order-saga/internal/metrics"
	"github.com/ariefcatur/order-saga/internal/observability"
	"github.com/ariefcatur/order-saga/internal/orders"
	"github.com/ariefcatur/order-saga/internal/postgres"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load("order-transformer")
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

	db, err := postgres.Connect(ctx, cfg.PostgresDSN, cfg.SagaConcurrency)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()

	pub, err := bus.NewPublisher(cfg.RabbitMQURL, orders.EventsExchange, cfg.ServiceName, log)
	if err != nil {
		log.Fatal("rabbitmq connect failed", zap.Error(err))
	}
	defer pub.Close()

	out := kafkax.NewSyncProducer(cfg.KafkaBrokers)
	defer out.Close()

	tr := &changefeed.Transformer{
		Sink:        pub,
		Repo:        orders.NewRepository(postgres.NewStore(db), log, m),
		Log:         log,
		Metrics:     m,
		Concurrency: cfg.SagaConcurrency,
	}
	cons := kafkax.NewBatchConsumer(kafkax.BatchConfig{
		Brokers:     cfg.KafkaBrokers,
		GroupID:     cfg.ServiceName,
		Topic:       orders.TopicChanges,
		DLQTopic:    orders.TopicChangesDLQ,
		Mode:        kafkax.Inline,
		BatchSize:   cfg.SagaBatchSize,
		MaxAttempts: cfg.QueueMaxAttempts,
	}, out, log, m)

	msrv := &http.Server{Addr: cfg.HTTPAddr, Handler: httpx.MetricsHandler(reg)}
	go func() {
		if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	if err := cons.Start(ctx, tr); err != nil {
		log.Error("transformer stopped", zap.Error(err))
	}
	log.Info("shutting down")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = msrv.Shutdown(ctx2)
	_ = shutdownTracing(ctx2)
}
