package query

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmetry.evalgo.org/metricpoint"
	"flowmetry.evalgo.org/promql"
	"flowmetry.evalgo.org/tsdb"
)

type fakeStore struct {
	instant       []tsdb.InstantSample
	gauge         []tsdb.SeriesSamples
	counterRaw    []tsdb.SeriesSamples
	metricType    metricpoint.Type
	metricTypeErr error
}

func (f *fakeStore) FetchInstant(_ context.Context, _ string, _ metricpoint.Labels, _ time.Time) ([]tsdb.InstantSample, error) {
	return f.instant, nil
}

func (f *fakeStore) FetchGaugeAggregated(_ context.Context, _ string, _ metricpoint.Labels, _, _ time.Time, _ time.Duration) ([]tsdb.SeriesSamples, error) {
	return f.gauge, nil
}

func (f *fakeStore) FetchCounterRaw(_ context.Context, _ string, _ metricpoint.Labels, _, _ time.Time) ([]tsdb.SeriesSamples, error) {
	return f.counterRaw, nil
}

func (f *fakeStore) MetricType(_ context.Context, _ string, _ metricpoint.Labels) (metricpoint.Type, error) {
	return f.metricType, f.metricTypeErr
}

func TestInstantScalarLiteral(t *testing.T) {
	q, err := promql.Parse("1+1")
	require.NoError(t, err)

	eval := NewEvaluator(&fakeStore{})
	results, err := eval.Instant(context.Background(), q, time.Unix(100, 0))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Samples, 1)
	assert.Equal(t, float64(2), results[0].Samples[0].Value)
}

func TestInstantUpIsAlwaysOne(t *testing.T) {
	q, err := promql.Parse("up")
	require.NoError(t, err)

	eval := NewEvaluator(&fakeStore{})
	results, err := eval.Instant(context.Background(), q, time.Unix(100, 0))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1.0, results[0].Samples[0].Value)
}

func TestInstantGaugeResolvesFromFetchInstant(t *testing.T) {
	q, err := promql.Parse(`temperature{room="a"}`)
	require.NoError(t, err)

	now := time.Unix(1000, 0)
	store := &fakeStore{instant: []tsdb.InstantSample{
		{Labels: metricpoint.NewLabels(map[string]string{"room": "a"}), Time: now, Value: 21.5},
	}}

	eval := NewEvaluator(store)
	results, err := eval.Instant(context.Background(), q, now)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 21.5, results[0].Samples[0].Value)
	name, ok := results[0].Labels.Get("__name__")
	require.True(t, ok)
	assert.Equal(t, "temperature", name)
}

func TestRangeScalarIsRejected(t *testing.T) {
	q, err := promql.Parse("1")
	require.NoError(t, err)

	eval := NewEvaluator(&fakeStore{})
	_, err = eval.Range(context.Background(), q, time.Unix(0, 0), time.Unix(100, 0), 10*time.Second)
	assert.ErrorIs(t, err, ErrScalarInRangeQuery)
}

func TestRangeUpSynthesizesOneSamplePerStep(t *testing.T) {
	q, err := promql.Parse("up")
	require.NoError(t, err)

	eval := NewEvaluator(&fakeStore{})
	start := time.Unix(0, 0)
	end := time.Unix(30, 0)
	results, err := eval.Range(context.Background(), q, start, end, 10*time.Second)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Len(t, results[0].Samples, 4)
	for _, s := range results[0].Samples {
		assert.Equal(t, 1.0, s.Value)
	}
}

func TestRangeCounterRateHandlesReset(t *testing.T) {
	q, err := promql.Parse("rate(requests_total[1m])")
	require.NoError(t, err)

	base := time.Unix(0, 0)
	store := &fakeStore{
		metricType: metricpoint.TypeCounter,
		counterRaw: []tsdb.SeriesSamples{
			{
				Labels: metricpoint.NewLabels(map[string]string{"route": "/a"}),
				Points: []tsdb.TimeValue{
					{Time: base, Value: 10},
					{Time: base.Add(20 * time.Second), Value: 15},
					{Time: base.Add(40 * time.Second), Value: 2}, // reset
				},
			},
		},
	}

	eval := NewEvaluator(store)
	results, err := eval.Range(context.Background(), q, base.Add(60*time.Second), base.Add(60*time.Second), 60*time.Second)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Samples, 1)

	// delta = (15-10) + reset(2) = 5 + 2 = 7, over the 60s lookback window
	assert.InDelta(t, 7.0/60.0, results[0].Samples[0].Value, 1e-9)
}

func TestRangeCounterRateResetMidSequence(t *testing.T) {
	q, err := promql.Parse("rate(c[30s])")
	require.NoError(t, err)

	base := time.Unix(0, 0)
	store := &fakeStore{
		metricType: metricpoint.TypeCounter,
		counterRaw: []tsdb.SeriesSamples{
			{
				Points: []tsdb.TimeValue{
					{Time: base, Value: 0},
					{Time: base.Add(10 * time.Second), Value: 10},
					{Time: base.Add(20 * time.Second), Value: 5},
					{Time: base.Add(30 * time.Second), Value: 15},
				},
			},
		},
	}

	eval := NewEvaluator(store)
	at := base.Add(30 * time.Second)
	results, err := eval.Range(context.Background(), q, at, at, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Samples, 1)

	// deltas 10, reset-to-5, 10 sum to 25 over the 30s window
	assert.InDelta(t, 25.0/30.0, results[0].Samples[0].Value, 1e-9)
}

func TestInstantRateUsesSingleLookbackWindow(t *testing.T) {
	q, err := promql.Parse("rate(requests_total[1m])")
	require.NoError(t, err)

	base := time.Unix(0, 0)
	store := &fakeStore{
		counterRaw: []tsdb.SeriesSamples{
			{Points: []tsdb.TimeValue{
				{Time: base, Value: 0},
				{Time: base.Add(30 * time.Second), Value: 30},
			}},
		},
	}

	eval := NewEvaluator(store)
	results, err := eval.Instant(context.Background(), q, base.Add(60*time.Second))
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Samples, 1)
	assert.InDelta(t, 30.0/60.0, results[0].Samples[0].Value, 1e-9)
}

func TestRangeGaugeAggregatedBySum(t *testing.T) {
	q, err := promql.Parse("sum(cpu_usage) by (host)")
	require.NoError(t, err)

	base := time.Unix(0, 0)
	store := &fakeStore{
		metricType: metricpoint.TypeGauge,
		gauge: []tsdb.SeriesSamples{
			{Labels: metricpoint.NewLabels(map[string]string{"host": "a"}), Points: []tsdb.TimeValue{{Time: base, Value: 1}}},
			{Labels: metricpoint.NewLabels(map[string]string{"host": "a"}), Points: []tsdb.TimeValue{{Time: base, Value: 3}}},
		},
	}

	eval := NewEvaluator(store)
	results, err := eval.Range(context.Background(), q, base, base, time.Minute)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Samples, 1)
	assert.Equal(t, float64(4), results[0].Samples[0].Value)
}

func TestEffectiveNameIsUsedAsMetricLabel(t *testing.T) {
	q, err := promql.Parse("rate(requests_total[5m])")
	require.NoError(t, err)

	store := &fakeStore{
		metricType: metricpoint.TypeCounter,
		counterRaw: []tsdb.SeriesSamples{
			{Labels: nil, Points: []tsdb.TimeValue{{Time: time.Unix(0, 0), Value: 1}, {Time: time.Unix(60, 0), Value: 2}}},
		},
	}
	eval := NewEvaluator(store)
	results, err := eval.Range(context.Background(), q, time.Unix(0, 0), time.Unix(300, 0), 5*time.Minute)
	require.NoError(t, err)
	require.Len(t, results, 1)
	name, ok := results[0].Labels.Get("__name__")
	require.True(t, ok)
	assert.Equal(t, "rate(requests_total)", name)
}
