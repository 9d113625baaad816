package promfmt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmetry.evalgo.org/metricpoint"
)

func TestEncodeTextRendersCounterAndGauge(t *testing.T) {
	series := []TextSeries{
		{Name: "requests_total", Type: metricpoint.TypeCounter, Help: "total requests", Value: 42},
		{Name: "up", Type: metricpoint.TypeGauge, Value: 1},
	}

	out, err := EncodeText(series)
	require.NoError(t, err)
	assert.Contains(t, out, "requests_total")
	assert.Contains(t, out, "# TYPE requests_total counter")
	assert.Contains(t, out, "# TYPE up gauge")
}

func TestEncodeTextRendersCumulativeHistogramBuckets(t *testing.T) {
	series := []TextSeries{
		{
			Name:           "request_duration_seconds",
			Type:           metricpoint.TypeHistogram,
			Sum:            12.5,
			Count:          10,
			BucketCounts:   []uint64{3, 4, 3},
			ExplicitBounds: []float64{0.1, 0.5},
		},
	}

	out, err := EncodeText(series)
	require.NoError(t, err)
	assert.Contains(t, out, "request_duration_seconds_bucket")
	assert.Contains(t, out, `le="0.1"`)
	assert.Contains(t, out, "request_duration_seconds_sum 12.5")
	assert.Contains(t, out, "request_duration_seconds_count 10")
}
