package promql

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBareUp(t *testing.T) {
	q, err := Parse("up")
	require.NoError(t, err)
	assert.Equal(t, "up", q.MetricName)
	assert.False(t, q.HasScalar)
}

func TestParseScalarLiterals(t *testing.T) {
	q1, err := Parse("1")
	require.NoError(t, err)
	assert.True(t, q1.HasScalar)
	assert.Equal(t, float64(1), q1.ScalarValue)

	q2, err := Parse("1+1")
	require.NoError(t, err)
	assert.True(t, q2.HasScalar)
	assert.Equal(t, float64(2), q2.ScalarValue)
}

func TestParseBareMetricName(t *testing.T) {
	q, err := Parse("http_requests_total")
	require.NoError(t, err)
	assert.Equal(t, "http_requests_total", q.MetricName)
	assert.Equal(t, FuncRaw, q.Function)
	assert.False(t, q.HasRange)
}

func TestParseSelectorWithLabelMatchers(t *testing.T) {
	q, err := Parse(`http_requests_total{route="/a",method="GET"}`)
	require.NoError(t, err)
	assert.Equal(t, "http_requests_total", q.MetricName)
	route, ok := q.Matchers.Get("route")
	require.True(t, ok)
	assert.Equal(t, "/a", route)
	method, ok := q.Matchers.Get("method")
	require.True(t, ok)
	assert.Equal(t, "GET", method)
}

func TestParseNameFromLabelsOnly(t *testing.T) {
	q, err := Parse(`{__name__="up",job="collector"}`)
	require.NoError(t, err)
	assert.Equal(t, "up", q.MetricName)
	job, ok := q.Matchers.Get("job")
	require.True(t, ok)
	assert.Equal(t, "collector", job)
}

func TestParseConflictingNameIsError(t *testing.T) {
	_, err := Parse(`up{__name__="down"}`)
	require.Error(t, err)
	var pe *ParseError
	require.ErrorAs(t, err, &pe)
}

func TestParseRateWithRangeVector(t *testing.T) {
	q, err := Parse("rate(http_requests_total[5m])")
	require.NoError(t, err)
	assert.Equal(t, FuncRate, q.Function)
	assert.True(t, q.HasRange)
	assert.Equal(t, 5*time.Minute, q.Range)
}

func TestParseRateWithoutRangeVectorDefaultsLookback(t *testing.T) {
	q, err := Parse("rate(http_requests_total)")
	require.NoError(t, err)
	assert.True(t, q.HasRange)
	assert.Equal(t, DefaultLookback, q.Range)
}

func TestParseSumRateByRoundTrips(t *testing.T) {
	q, err := Parse("sum(rate(x[5m])) by (a,b)")
	require.NoError(t, err)
	assert.Equal(t, "x", q.MetricName)
	assert.Equal(t, FuncRate, q.Function)
	assert.Equal(t, 5*time.Minute, q.Range)
	assert.Equal(t, AggSum, q.Aggregation)
	assert.Equal(t, []string{"a", "b"}, q.ByLabels)
	assert.Equal(t, "sum(rate(x))", EffectiveName(q))
}

func TestParseMissingClosingParenIsError(t *testing.T) {
	_, err := Parse("sum(rate(x[5m])")
	require.Error(t, err)
}

func TestParseUnknownRangeUnitIsError(t *testing.T) {
	_, err := Parse("rate(x[5y])")
	require.Error(t, err)
}

func TestParseTrailingGarbageIsError(t *testing.T) {
	_, err := Parse("up extra")
	require.Error(t, err)
}
