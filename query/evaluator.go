// Package query evaluates a parsed promql.Query against the time-series
// store, producing one Result per resolved series, with counter-reset-aware
// rate/increase and cross-series aggregation.
package query

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"flowmetry.evalgo.org/metricpoint"
	"flowmetry.evalgo.org/promql"
	"flowmetry.evalgo.org/tsdb"
)

// ErrScalarInRangeQuery is returned when a pure-scalar query (e.g. "1+1") is
// submitted as a range query; scalars are instant-only.
var ErrScalarInRangeQuery = errors.New("query: scalar expression is not valid in a range query")

// Store is the subset of *tsdb.Store the evaluator depends on.
type Store interface {
	FetchInstant(ctx context.Context, name string, matchers metricpoint.Labels, ts time.Time) ([]tsdb.InstantSample, error)
	FetchGaugeAggregated(ctx context.Context, name string, matchers metricpoint.Labels, start, end time.Time, step time.Duration) ([]tsdb.SeriesSamples, error)
	FetchCounterRaw(ctx context.Context, name string, matchers metricpoint.Labels, start, end time.Time) ([]tsdb.SeriesSamples, error)
	MetricType(ctx context.Context, name string, matchers metricpoint.Labels) (metricpoint.Type, error)
}

// Evaluator resolves parsed queries against a Store.
type Evaluator struct {
	store Store
}

// NewEvaluator constructs an Evaluator.
func NewEvaluator(store Store) *Evaluator {
	return &Evaluator{store: store}
}

// Sample is one (timestamp, value) observation attached to a label set.
type Sample struct {
	Labels metricpoint.Labels
	Time   time.Time
	Value  float64
}

// Result is one resolved series: its effective name, labels, and either a
// single instant sample or an ascending series of samples.
type Result struct {
	Name    string
	Labels  metricpoint.Labels
	Samples []Sample
}

// Instant evaluates q as an instant query at ts.
func (e *Evaluator) Instant(ctx context.Context, q *promql.Query, ts time.Time) ([]Result, error) {
	name := promql.EffectiveName(q)

	if q.HasScalar {
		return []Result{{
			Name:    q.Raw,
			Labels:  metricpoint.NewLabels(map[string]string{"__name__": q.Raw}),
			Samples: []Sample{{Time: ts, Value: q.ScalarValue}},
		}}, nil
	}

	if q.MetricName == "up" {
		return []Result{{
			Name:    name,
			Labels:  q.Matchers.Add("__name__", name),
			Samples: []Sample{{Time: ts, Value: 1.0}},
		}}, nil
	}

	if q.Function == promql.FuncRate || q.Function == promql.FuncIncrease {
		lookback := q.Range
		if lookback == 0 {
			lookback = promql.DefaultLookback
		}
		series, err := e.store.FetchCounterRaw(ctx, q.MetricName, q.Matchers, ts.Add(-lookback), ts)
		if err != nil {
			return nil, err
		}
		return e.aggregate(e.applyCounterFunction(series, q, name, ts, ts, lookback, lookback), q, name), nil
	}

	rows, err := e.store.FetchInstant(ctx, q.MetricName, q.Matchers, ts)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(rows))
	for _, row := range rows {
		results = append(results, Result{
			Name:    name,
			Labels:  row.Labels.Add("__name__", name),
			Samples: []Sample{{Time: row.Time, Value: row.Value}},
		})
	}
	return e.aggregate(results, q, name), nil
}

// Range evaluates q as a range query over [start, end] at the given step.
func (e *Evaluator) Range(ctx context.Context, q *promql.Query, start, end time.Time, step time.Duration) ([]Result, error) {
	if q.HasScalar {
		return nil, ErrScalarInRangeQuery
	}

	name := promql.EffectiveName(q)

	if q.MetricName == "up" {
		var samples []Sample
		for t := start; !t.After(end); t = t.Add(step) {
			samples = append(samples, Sample{Time: t, Value: 1.0})
		}
		return []Result{{
			Name:    name,
			Labels:  q.Matchers.Add("__name__", name),
			Samples: samples,
		}}, nil
	}

	metricType, err := e.store.MetricType(ctx, q.MetricName, q.Matchers)
	if err != nil {
		return nil, fmt.Errorf("query: resolve metric type: %w", err)
	}

	var results []Result
	switch metricType {
	case metricpoint.TypeGauge:
		series, err := e.store.FetchGaugeAggregated(ctx, q.MetricName, q.Matchers, start, end, step)
		if err != nil {
			return nil, err
		}
		for _, s := range series {
			results = append(results, toResult(s, name))
		}
	case metricpoint.TypeCounter:
		window := q.Range
		if window == 0 {
			window = promql.DefaultLookback
		}
		series, err := e.store.FetchCounterRaw(ctx, q.MetricName, q.Matchers, start.Add(-window), end)
		if err != nil {
			return nil, err
		}
		if q.Function == promql.FuncRate || q.Function == promql.FuncIncrease {
			results = e.applyCounterFunction(series, q, name, start, end, step, window)
		} else {
			for _, s := range series {
				results = append(results, toResult(bucketLastValue(s, start, end, step), name))
			}
		}
	default:
		return nil, fmt.Errorf("query: unsupported metric type %q for range query", metricType)
	}

	return e.aggregate(results, q, name), nil
}

func toResult(s tsdb.SeriesSamples, name string) Result {
	samples := make([]Sample, 0, len(s.Points))
	for _, p := range s.Points {
		samples = append(samples, Sample{Time: p.Time, Value: p.Value})
	}
	return Result{Name: name, Labels: s.Labels.Add("__name__", name), Samples: samples}
}

// bucketLastValue reduces raw ascending points into one step-bucketed series
// keeping the last observed value in each bucket (the "raw" counter path).
func bucketLastValue(s tsdb.SeriesSamples, start, end time.Time, step time.Duration) tsdb.SeriesSamples {
	out := tsdb.SeriesSamples{Labels: s.Labels}
	for t := start; !t.After(end); t = t.Add(step) {
		bucketEnd := t.Add(step)
		var last *tsdb.TimeValue
		for i := range s.Points {
			p := s.Points[i]
			if !p.Time.Before(t) && p.Time.Before(bucketEnd) {
				last = &s.Points[i]
			}
		}
		if last != nil {
			out.Points = append(out.Points, tsdb.TimeValue{Time: t, Value: last.Value})
		}
	}
	return out
}

// applyCounterFunction runs the counter-reset-aware rate/increase algorithm
// over each series' raw points. One value is emitted per evaluation tick in
// [start, end] at step intervals; the points feeding a tick at t are the
// raw observations in the lookback window [t-window, t].
func (e *Evaluator) applyCounterFunction(series []tsdb.SeriesSamples, q *promql.Query, name string, start, end time.Time, step, window time.Duration) []Result {
	results := make([]Result, 0, len(series))
	for _, s := range series {
		var samples []Sample
		for t := start; !t.After(end); t = t.Add(step) {
			windowStart := t.Add(-window)
			var bucket []tsdb.TimeValue
			for _, p := range s.Points {
				if !p.Time.Before(windowStart) && !p.Time.After(t) {
					bucket = append(bucket, p)
				}
			}
			if len(bucket) == 0 {
				continue
			}
			if len(bucket) < 2 {
				samples = append(samples, Sample{Time: t, Value: 0.0})
				continue
			}
			totalDelta := counterDelta(bucket)
			if q.Function == promql.FuncRate {
				samples = append(samples, Sample{Time: t, Value: totalDelta / window.Seconds()})
			} else {
				samples = append(samples, Sample{Time: t, Value: totalDelta})
			}
		}
		results = append(results, Result{Name: name, Labels: s.Labels.Add("__name__", name), Samples: samples})
	}
	return results
}

// counterDelta sums deltas across ascending points, treating any negative
// delta as a counter reset (the new value itself becomes the delta for that
// step, as if the counter restarted from zero).
func counterDelta(points []tsdb.TimeValue) float64 {
	var total float64
	for i := 1; i < len(points); i++ {
		d := points[i].Value - points[i-1].Value
		if d < 0 {
			d = points[i].Value
		}
		total += d
	}
	return total
}

// aggregate applies q's aggregation (sum/avg/min/max/count), grouping rows by
// the by_labels projection of each row's label set and timestamp. If no
// aggregation is set, results pass through unchanged.
func (e *Evaluator) aggregate(results []Result, q *promql.Query, name string) []Result {
	if q.Aggregation == promql.AggNone {
		return results
	}

	type groupKey struct {
		labelsKey string
		time      int64
	}
	type group struct {
		labels metricpoint.Labels
		time   time.Time
		values []float64
	}

	groups := make(map[groupKey]*group)
	var order []groupKey

	for _, r := range results {
		for _, s := range r.Samples {
			projected := projectLabels(r.Labels, q.ByLabels)
			key := groupKey{labelsKey: projected.Key(), time: s.Time.UnixNano()}
			g, ok := groups[key]
			if !ok {
				g = &group{labels: projected.Add("__name__", name), time: s.Time}
				groups[key] = g
				order = append(order, key)
			}
			g.values = append(g.values, s.Value)
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].labelsKey != order[j].labelsKey {
			return order[i].labelsKey < order[j].labelsKey
		}
		return order[i].time < order[j].time
	})

	bySeries := make(map[string]*Result)
	var seriesOrder []string
	for _, key := range order {
		g := groups[key]
		value := reduceAggregation(q.Aggregation, g.values)
		r, ok := bySeries[key.labelsKey]
		if !ok {
			r = &Result{Name: name, Labels: g.labels}
			bySeries[key.labelsKey] = r
			seriesOrder = append(seriesOrder, key.labelsKey)
		}
		r.Samples = append(r.Samples, Sample{Time: g.time, Value: value})
	}

	out := make([]Result, 0, len(seriesOrder))
	for _, k := range seriesOrder {
		out = append(out, *bySeries[k])
	}
	return out
}

// projectLabels keeps only the by_labels keys from full, used to form
// aggregation groups. With no by_labels it returns no labels, so every row
// falls into a single group.
func projectLabels(full metricpoint.Labels, byLabels []string) metricpoint.Labels {
	if len(byLabels) == 0 {
		return nil
	}
	var out metricpoint.Labels
	for _, key := range byLabels {
		if v, ok := full.Get(key); ok {
			out = out.Add(key, v)
		}
	}
	return out
}

func reduceAggregation(agg promql.Aggregation, values []float64) float64 {
	switch agg {
	case promql.AggSum:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum
	case promql.AggAvg:
		var sum float64
		for _, v := range values {
			sum += v
		}
		return sum / float64(len(values))
	case promql.AggMin:
		min := values[0]
		for _, v := range values[1:] {
			if v < min {
				min = v
			}
		}
		return min
	case promql.AggMax:
		max := values[0]
		for _, v := range values[1:] {
			if v > max {
				max = v
			}
		}
		return max
	case promql.AggCount:
		return float64(len(values))
	default:
		return 0
	}
}
