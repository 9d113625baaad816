// Command collector runs the OTLP ingestion HTTP service: it decodes
// ExportMetricsServiceRequest bodies posted to /v1/metrics and hands each
// resulting metric point to the durable log, buffering in memory across
// transient stream outages.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"flowmetry.evalgo.org/collector"
	"flowmetry.evalgo.org/common"
	httpcommon "flowmetry.evalgo.org/http"
	"flowmetry.evalgo.org/otel"
	"flowmetry.evalgo.org/streamlog"
	"flowmetry.evalgo.org/version"

	"flowmetry.evalgo.org/config"
)

func main() {
	cfg := config.LoadCollectorConfig()
	common.ConfigureGlobalLogger(common.LogLevel(cfg.Service.LogLevel), cfg.Service.LogFormat)
	logger := common.ServiceLogger(cfg.Service.Name, cfg.Service.Version)
	defer common.LogPanic(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider := otel.Init(cfg.Service.Name, cfg.Service.Version)

	streamClient := streamlog.NewClient(streamlog.Config{
		Addr:     cfg.Stream.Addr,
		Password: cfg.Stream.Password,
		DB:       cfg.Stream.DB,
		Stream:   cfg.Stream.Stream,
		Group:    cfg.Stream.ConsumerGroup,
		Consumer: cfg.Stream.ConsumerName,
	})

	var metrics *collector.Metrics
	buffer := collector.NewOverflowBuffer(streamClient, cfg.OverflowBufferCap, func(payload []byte) {
		metrics.PointsDropped.Inc()
		logger.WithField("buffer_dropped_bytes", len(payload)).Warn("overflow buffer full, dropping metric point")
	})
	metrics = collector.NewMetrics("", buffer.Depth)

	service := collector.NewService(buffer, metrics, logger)

	serverCfg := httpcommon.ServerConfig{
		Port:            cfg.Server.Port,
		BodyLimit:       "10M",
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}
	e := httpcommon.NewEchoServer(serverCfg)
	e.HTTPErrorHandler = httpcommon.CustomHTTPErrorHandler
	e.GET("/health", httpcommon.HealthCheckHandler(cfg.Service.Name, cfg.Service.Version))
	collector.RegisterMetricsEndpoint(e, "/metrics")
	service.Register(e)

	go func() {
		logger.Infof("collector listening on %s:%d (build %s)", cfg.Server.Host, cfg.Server.Port, version.GetModuleVersion())
		if err := httpcommon.StartServer(e, serverCfg); err != nil {
			logger.WithError(err).Info("http server stopped")
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	if err := httpcommon.GracefulShutdown(e, serverCfg.ShutdownTimeout); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}

	if err := streamClient.Close(); err != nil {
		logger.WithError(err).Error("failed to close stream client")
	}

	if provider != nil {
		shutdownCtx, cancel := context.WithCancel(context.Background())
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Error("failed to shut down tracing provider")
		}
	}

	fmt.Println("collector stopped")
}
