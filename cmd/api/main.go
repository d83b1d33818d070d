package main

import (
	"context"
	"errors"
	"net/http"
	"os"
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
	"github.com/ariefcatur/order-saga/internal/postgres"
	"github.com/ariefcatur/order-saga/internal/redisx"
	"github.com/ariefcatur/order-saga/internal/saga"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg := config.Load("order-api")
	log := logx.New(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.ServiceName, cfg.OTelEndpoint)
	if err != nil {
		log.Fatal("tracing setup failed", zap.Error(err))
	}

	reg := metrics.NewRegistry()
	m := metrics.New(reg)

	// DB
	db, err := postgres.Connect(ctx, cfg.PostgresDSN, 0)
	if err != nil {
		log.Fatal("db connect failed", zap.Error(err))
	}
	defer db.Close()
	if err := postgres.Migrate(ctx, db); err != nil {
		log.Fatal("db migrate failed", zap.Error(err))
	}
	st := postgres.NewStore(db)

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	// Kafka producer for cancellation notifications
	prod := kafkax.NewProducer(cfg.KafkaBrokers, orders.TopicNotifications, 1024, log)
	prod.Start(ctx)

	taxRate, err := decimal.NewFromString(cfg.TaxRate)
	if err != nil {
		log.Fatal("invalid TAX_RATE", zap.String("value", cfg.TaxRate), zap.Error(err))
	}
	keys, err := orders.NewKeyDeriver(redisx.NewPinner(rdb), cfg.NodeID)
	if err != nil {
		log.Fatal("key deriver", zap.Error(err))
	}

	repo := orders.NewRepository(st, log, m)
	ledger := inventory.NewLedger(st, cfg.ReservationTTL, log, m)
	dispatcher := &notify.Dispatcher{Publisher: prod, Dedup: redisx.NewDedup(rdb, "notify"), Log: log}

	router := httpx.NewRouter(log, m, reg)
	oh := &httpx.OrdersHandler{
		Intake:    &orders.Intake{Repo: repo, Keys: keys, TaxRate: taxRate, Log: log},
		Repo:      repo,
		Canceller: &saga.Canceller{Repo: repo, Ledger: ledger, Notifier: dispatcher, Log: log},
		Cache:     redisx.NewOrderCache(rdb),
		Log:       log,
	}
	oh.Register(router)

	// gRPC health
	health := grpcx.NewHealthServer(log,
		grpcx.Check{Name: "postgres", Ping: st.Ping},
		grpcx.Check{Name: "redis", Ping: func(ctx context.Context) error { return rdb.Ping(ctx).Err() }},
	)
	gsrv := grpcx.NewServer(health, log)
	if err := grpcx.ListenAndServe(gsrv, cfg.GRPCAddr, log); err != nil {
		log.Fatal("grpc listen failed", zap.Error(err))
	}

	// HTTP server
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router}
	go func() {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("listen failed", zap.Error(err))
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("shutting down")

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	_ = srv.Shutdown(ctx2)
	gsrv.GracefulStop()
	prod.Close()
	cancel()
	prod.WaitClosed()
	_ = shutdownTracing(ctx2)
}
