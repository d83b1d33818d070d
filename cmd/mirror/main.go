package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/order-saga/internal/bus"
	"github.com/ariefcatur/order-saga/internal/config"
	"github.com/ariefcatur/order-saga/internal/httpx"
	"github.com/ariefcatur/order-saga/internal/logx"
	"github.com/ariefcatur/order-saga/internal/metrics"
	"github.com/ariefcatur/order-saga/internal/mirror"
	"github.com/ariefcatur/order-saga/internal/orders"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const mirrorQueue = "orders.legacy-mirror"

func main() {
	_ = godotenv.Load()

	cfg := config.Load("order-mirror")
	log := logx.New(cfg.ServiceName, cfg.LogLevel)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.NewRegistry()

	db, err := mirror.Open(ctx, cfg.MySQLDSN)
	if err != nil {
		log.Fatal("mysql connect failed", zap.Error(err))
	}
	defer db.Close()
	mir := &mirror.MySQL{DB: db, Log: log}
	if err := mir.Migrate(ctx); err != nil {
		log.Fatal("mysql migrate failed", zap.Error(err))
	}

	cons, err := bus.NewConsumer(cfg.RabbitMQURL, orders.EventsExchange, mirrorQueue, []string{"#"}, 50, log)
	if err != nil {
		log.Fatal("rabbitmq connect failed", zap.Error(err))
	}
	defer cons.Close()

	msrv := &http.Server{Addr: cfg.HTTPAddr, Handler: httpx.MetricsHandler(reg)}
	go func() {
		if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()

	if err := cons.Start(ctx, mir.Apply); err != nil {
		log.Error("mirror stopped", zap.Error(err))
	}
	log.Info("shutting down")

	ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = msrv.Shutdown(ctx2)
}
