// Package queryapi implements the Prometheus-compatible HTTP query surface
// under /api/v1: parse each request's PromQL query, dispatch it through the
// evaluator, and shape the result with promfmt.
package queryapi

import (
	"context"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"flowmetry.evalgo.org/common"
	"flowmetry.evalgo.org/metricpoint"
	"flowmetry.evalgo.org/promfmt"
	"flowmetry.evalgo.org/promql"
	"flowmetry.evalgo.org/query"
	"flowmetry.evalgo.org/tsdb"
)

// MetaStore is the subset of *tsdb.Store the metadata and exposition
// handlers depend on; the query handlers go through the evaluator instead.
type MetaStore interface {
	FetchSeries(ctx context.Context, name string, matchers metricpoint.Labels) ([]tsdb.SeriesDescriptor, error)
	FetchLabelNames(ctx context.Context) ([]string, error)
	FetchLabelValues(ctx context.Context, name string) ([]string, error)
	FetchExposition(ctx context.Context) ([]tsdb.ExpositionRow, error)
}

// Service wires an Echo server for the /api/v1 Prometheus-compatible routes.
type Service struct {
	evaluator *query.Evaluator
	store     MetaStore
	logger    *common.ContextLogger
}

// NewService constructs a Service over an already-constructed evaluator and
// store facade.
func NewService(evaluator *query.Evaluator, store MetaStore, logger *common.ContextLogger) *Service {
	return &Service{evaluator: evaluator, store: store, logger: logger}
}

// Register mounts the query API's routes onto e.
func (s *Service) Register(e *echo.Echo) {
	g := e.Group("/api/v1")
	g.GET("/query", s.handleInstant)
	g.POST("/query", s.handleInstant)
	g.GET("/query_range", s.handleRange)
	g.POST("/query_range", s.handleRange)
	g.GET("/series", s.handleSeries)
	g.POST("/series", s.handleSeries)
	g.GET("/labels", s.handleLabelNames)
	g.GET("/label/:name/values", s.handleLabelValues)
	g.GET("/status/buildinfo", s.handleBuildInfo)
	e.GET("/metrics", s.handleExposition)
}

// param reads a parameter accepted on the query string (GET) or the form
// body (POST), per §6's "both GET and POST accepted" contract.
func param(c echo.Context, name string) string {
	if v := c.QueryParam(name); v != "" {
		return v
	}
	return c.FormValue(name)
}

func (s *Service) handleInstant(c echo.Context) error {
	raw := param(c, "query")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing required parameter: query")
	}

	parsed, err := promql.Parse(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.warnDefaultedRange(parsed)

	ts := time.Now()
	if raw := param(c, "time"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid time parameter")
		}
		ts = time.Unix(0, int64(secs*float64(time.Second))).UTC()
	}

	results, err := s.evaluator.Instant(c.Request().Context(), parsed, ts)
	if err != nil {
		s.logger.WithError(err).Error("instant query evaluation failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "query evaluation failed")
	}

	return c.JSON(http.StatusOK, promfmt.Success(promfmt.VectorData(results)))
}

func (s *Service) handleRange(c echo.Context) error {
	raw := param(c, "query")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing required parameter: query")
	}

	parsed, err := promql.Parse(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	s.warnDefaultedRange(parsed)

	start, err := parseTimeParam(param(c, "start"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid or missing start parameter")
	}
	end, err := parseTimeParam(param(c, "end"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid or missing end parameter")
	}
	stepSecs, err := strconv.ParseFloat(param(c, "step"), 64)
	if err != nil || stepSecs < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "step must be a number >= 1")
	}
	step := time.Duration(stepSecs * float64(time.Second))

	results, err := s.evaluator.Range(c.Request().Context(), parsed, start, end, step)
	if err != nil {
		if err == query.ErrScalarInRangeQuery {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		s.logger.WithError(err).Error("range query evaluation failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "query evaluation failed")
	}

	return c.JSON(http.StatusOK, promfmt.Success(promfmt.MatrixData(results)))
}

func (s *Service) warnDefaultedRange(q *promql.Query) {
	if q.RangeDefaulted {
		s.logger.WithField("query", q.Raw).Warn("rate/increase without a range vector, using default lookback")
	}
}

func parseTimeParam(raw string) (time.Time, error) {
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(0, int64(secs*float64(time.Second))).UTC(), nil
}

func (s *Service) handleSeries(c echo.Context) error {
	matches := c.QueryParams()["match[]"]
	if len(matches) == 0 {
		if form, err := c.FormParams(); err == nil {
			matches = form["match[]"]
		}
	}
	if len(matches) == 0 {
		matches = []string{""}
	}

	var names []string
	var labelSets []map[string]string
	for _, name := range matches {
		descriptors, err := s.store.FetchSeries(c.Request().Context(), name, nil)
		if err != nil {
			s.logger.WithError(err).Error("series lookup failed")
			return echo.NewHTTPError(http.StatusInternalServerError, "series lookup failed")
		}
		for _, d := range descriptors {
			names = append(names, d.Name)
			labelSets = append(labelSets, d.Labels.Map())
		}
	}

	return c.JSON(http.StatusOK, promfmt.Success(promfmt.SeriesData(names, labelSets)))
}

func (s *Service) handleLabelNames(c echo.Context) error {
	names, err := s.store.FetchLabelNames(c.Request().Context())
	if err != nil {
		s.logger.WithError(err).Error("label name lookup failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "label name lookup failed")
	}
	return c.JSON(http.StatusOK, promfmt.Success(promfmt.LabelNamesData(names)))
}

func (s *Service) handleLabelValues(c echo.Context) error {
	name := c.Param("name")
	values, err := s.store.FetchLabelValues(c.Request().Context(), name)
	if err != nil {
		s.logger.WithError(err).Error("label value lookup failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "label value lookup failed")
	}
	return c.JSON(http.StatusOK, promfmt.Success(promfmt.LabelValuesData(values)))
}

func (s *Service) handleBuildInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, promfmt.Success(promfmt.BuildInfoData()))
}

func (s *Service) handleExposition(c echo.Context) error {
	rows, err := s.store.FetchExposition(c.Request().Context())
	if err != nil {
		s.logger.WithError(err).Error("exposition fetch failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "exposition fetch failed")
	}

	series := make([]promfmt.TextSeries, 0, len(rows))
	for _, r := range rows {
		series = append(series, promfmt.TextSeries{
			Name:           r.Name,
			Type:           r.Type,
			Help:           r.Description,
			Labels:         r.Labels,
			Value:          r.Value,
			Sum:            r.Sum,
			Count:          r.Count,
			BucketCounts:   r.BucketCounts,
			ExplicitBounds: r.ExplicitBounds,
		})
	}
	sort.Slice(series, func(i, j int) bool { return series[i].Name < series[j].Name })

	body, err := promfmt.EncodeText(series)
	if err != nil {
		s.logger.WithError(err).Error("exposition encoding failed")
		return echo.NewHTTPError(http.StatusInternalServerError, "exposition encoding failed")
	}
	return c.String(http.StatusOK, body)
}
