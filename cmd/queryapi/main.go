// Command queryapi serves the Prometheus-compatible read path: PromQL
// instant/range queries, series and label metadata, and a /metrics scrape
// endpoint, all backed by the shared time-series store.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"flowmetry.evalgo.org/common"
	httpcommon "flowmetry.evalgo.org/http"
	"flowmetry.evalgo.org/otel"
	"flowmetry.evalgo.org/query"
	"flowmetry.evalgo.org/queryapi"
	"flowmetry.evalgo.org/tsdb"
	"flowmetry.evalgo.org/version"

	"flowmetry.evalgo.org/config"
	"flowmetry.evalgo.org/db"
)

func main() {
	cfg := config.LoadQueryAPIConfig()
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
	evaluator := query.NewEvaluator(store)

	service := queryapi.NewService(evaluator, store, logger)

	serverCfg := httpcommon.ServerConfig{
		Port:            cfg.Server.Port,
		BodyLimit:       "1M",
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	e := httpcommon.NewEchoServer(serverCfg)
	e.HTTPErrorHandler = httpcommon.CustomHTTPErrorHandler
	e.GET("/health", httpcommon.HealthCheckHandler(cfg.Service.Name, cfg.Service.Version))
	service.Register(e)

	go func() {
		logger.Infof("queryapi listening on %s:%d (build %s)", cfg.Server.Host, cfg.Server.Port, version.GetModuleVersion())
		if err := httpcommon.StartServer(e, serverCfg); err != nil {
			logger.WithError(err).Info("http server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if err := httpcommon.GracefulShutdown(e, serverCfg.ShutdownTimeout); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}

	pg.Close()

	if provider != nil {
		shutdownCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("failed to shut down tracing provider")
		}
	}

	fmt.Println("queryapi stopped")
}
