// Package collector implements the OTLP ingestion HTTP service: decode,
// attach a trace id, and hand off to the durable log via a bounded overflow
// buffer that survives transient stream outages.
package collector

import (
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"flowmetry.evalgo.org/common"
	"flowmetry.evalgo.org/otel"
	"flowmetry.evalgo.org/otlpdecode"
)

// Service wires an Echo server for POST /v1/metrics.
type Service struct {
	buffer  *OverflowBuffer
	metrics *Metrics
	logger  *common.ContextLogger
}

// NewService constructs a Service. buffer is the (already-constructed)
// overflow-buffered appender onto the durable log; metrics may be nil when
// self-instrumentation is not wanted, e.g. in tests.
func NewService(buffer *OverflowBuffer, metrics *Metrics, logger *common.ContextLogger) *Service {
	return &Service{buffer: buffer, metrics: metrics, logger: logger}
}

// Register mounts the collector's routes onto e.
func (s *Service) Register(e *echo.Echo) {
	e.POST("/v1/metrics", s.handleMetrics)
}

func (s *Service) handleMetrics(c echo.Context) error {
	contentType := c.Request().Header.Get(echo.HeaderContentType)

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read request body")
	}

	points, err := otlpdecode.DecodeRequest(contentType, body)
	if err != nil {
		if err == otlpdecode.ErrUnsupportedMediaType {
			s.countRequest("unsupported_media_type")
			return echo.NewHTTPError(http.StatusUnsupportedMediaType, err.Error())
		}
		s.countRequest("bad_request")
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.countRequest("ok")
	if s.metrics != nil {
		s.metrics.PointsReceived.Add(float64(len(points)))
	}

	ctx := c.Request().Context()
	traceID := otel.GetTraceID(c)
	if traceID == "" {
		traceID = uuid.NewString()
	}

	for _, point := range points {
		if err := s.buffer.Send(ctx, point, traceID); err != nil {
			s.logger.WithField("trace_id", traceID).WithError(err).Error("failed to enqueue metric point")
		}
	}

	return c.JSON(http.StatusOK, map[string]int{"received": len(points)})
}

func (s *Service) countRequest(status string) {
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(status).Inc()
	}
}
