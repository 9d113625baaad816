// Command aggregator drains the durable metric log and writes resolved
// samples into the time-series store. It runs no HTTP traffic of its own
// beyond a health endpoint, since its only job is consume-insert-ack.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"flowmetry.evalgo.org/aggregator"
	"flowmetry.evalgo.org/common"
	httpcommon "flowmetry.evalgo.org/http"
	"flowmetry.evalgo.org/otel"
	"flowmetry.evalgo.org/streamlog"
	"flowmetry.evalgo.org/tsdb"

	"flowmetry.evalgo.org/config"
	"flowmetry.evalgo.org/db"
)

func main() {
	cfg := config.LoadAggregatorConfig()
	common.ConfigureGlobalLogger(common.LogLevel(cfg.Service.LogLevel), cfg.Service.LogFormat)
	logger := common.ServiceLogger(cfg.Service.Name, cfg.Service.Version)
	defer common.LogPanic(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider := otel.Init(cfg.Service.Name, cfg.Service.Version)

	pg, err := db.NewPostgresDB(cfg.Store.ConnString())
	if err != nil {
		logger.WithError(err).Fatal("failed to connect to postgres")
	}
	store := tsdb.NewStore(pg)

	streamClient := streamlog.NewClient(streamlog.Config{
		Addr:     cfg.Stream.Addr,
		Password: cfg.Stream.Password,
		DB:       cfg.Stream.DB,
		Stream:   cfg.Stream.Stream,
		Group:    cfg.Stream.ConsumerGroup,
		Consumer: cfg.Stream.ConsumerName,
	})

	worker := aggregator.NewWorker(streamClient, store, aggregator.Config{
		BatchSize:     cfg.Stream.BatchSize,
		BlockDuration: cfg.Stream.BlockDuration,
		PendingIdle:   cfg.Stream.PendingIdle,
		RetryDelay:    time.Second,
	}, logger)

	go worker.Run(ctx)

	e := httpcommon.NewEchoServer(httpcommon.DefaultServerConfig())
	e.GET("/health", httpcommon.HealthCheckHandler(cfg.Service.Name, cfg.Service.Version))
	go func() {
		logger.Infof("aggregator health endpoint listening on %s:%d", cfg.HealthHost, cfg.HealthPort)
		if err := httpcommon.StartServer(e, httpcommon.ServerConfig{Port: cfg.HealthPort}); err != nil {
			logger.WithError(err).Info("health http server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, waiting for worker to drain")

	select {
	case <-worker.Done():
		logger.Info("worker stopped cleanly")
	case <-time.After(cfg.ShutdownTimeout):
		logger.Warn("worker did not stop within shutdown timeout, proceeding with close")
	}

	if err := httpcommon.GracefulShutdown(e, cfg.ShutdownTimeout); err != nil {
		logger.WithError(err).Error("health server shutdown failed")
	}

	// Stream client and database pool close concurrently; errors are
	// collected, never propagated, so one failing closure cannot block or
	// abort the other.
	closeErrs := make(chan error, 2)
	go func() { closeErrs <- streamClient.Close() }()
	go func() {
		pg.Close()
		closeErrs <- nil
	}()
	for i := 0; i < 2; i++ {
		if err := <-closeErrs; err != nil {
			logger.WithError(err).Warn("connection close failed during shutdown")
		}
	}

	if provider != nil {
		shutdownCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("failed to shut down tracing provider")
		}
	}

	fmt.Println("aggregator stopped")
}
