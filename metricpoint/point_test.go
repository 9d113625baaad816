package metricpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLabelsSortedByKey(t *testing.T) {
	l := NewLabels(map[string]string{"host": "a", "job": "b", "az": "c"})
	require.Len(t, l, 3)
	assert.Equal(t, []string{"az", "host", "job"}, []string{l[0].Key, l[1].Key, l[2].Key})
}

func TestLabelsAddReplacesExisting(t *testing.T) {
	l := NewLabels(map[string]string{"host": "a"})
	l = l.Add("host", "b")
	v, ok := l.Get("host")
	require.True(t, ok)
	assert.Equal(t, "b", v)
	assert.Len(t, l, 1)
}

func TestLabelsMergeDataPointWins(t *testing.T) {
	resource := NewLabels(map[string]string{"host": "a", "region": "us"})
	dataPoint := NewLabels(map[string]string{"host": "b"})
	merged := resource.Merge(dataPoint)

	v, _ := merged.Get("host")
	assert.Equal(t, "b", v)
	r, _ := merged.Get("region")
	assert.Equal(t, "us", r)
}

func TestLabelsKeyIsOrderIndependent(t *testing.T) {
	a := NewLabels(map[string]string{"b": "2", "a": "1"})
	b := NewLabels(map[string]string{"a": "1", "b": "2"})
	assert.Equal(t, a.Key(), b.Key())
}

func TestNormalizeKeyReplacesDots(t *testing.T) {
	k, ok := NormalizeKey("http.method")
	require.True(t, ok)
	assert.Equal(t, "http_method", k)
}

func TestNormalizeKeyDropsReservedPrefixes(t *testing.T) {
	for _, k := range []string{"telemetry.sdk.name", "otel.scope.name", "otel.library.version"} {
		_, ok := NormalizeKey(k)
		assert.False(t, ok, "expected %q to be dropped", k)
	}
}

func TestPointValidateHistogramShape(t *testing.T) {
	p := &Point{
		Type:           TypeHistogram,
		TimestampNano:  1,
		BucketCounts:   []uint64{2, 3, 1},
		ExplicitBounds: []float64{1, 5},
		Count:          6,
	}
	assert.NoError(t, p.Validate())

	bad := *p
	bad.Count = 5
	assert.Error(t, bad.Validate())
}

func TestPointValidateRequiresTimestamp(t *testing.T) {
	p := &Point{Type: TypeCounter, Value: 1}
	assert.Error(t, p.Validate())
}

func TestPointValidateBoundsMustAscend(t *testing.T) {
	p := &Point{
		Type:           TypeHistogram,
		TimestampNano:  1,
		BucketCounts:   []uint64{1, 1, 1},
		ExplicitBounds: []float64{5, 1},
		Count:          3,
	}
	assert.Error(t, p.Validate())
}
