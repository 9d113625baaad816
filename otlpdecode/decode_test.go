package otlpdecode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

func stringKV(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func TestDecodeRequestRejectsWrongContentType(t *testing.T) {
	_, err := DecodeRequest("application/json", []byte("{}"))
	assert.ErrorIs(t, err, ErrUnsupportedMediaType)
}

func TestDecodeRequestRejectsMalformedBody(t *testing.T) {
	_, err := DecodeRequest(ContentTypeProtobuf, []byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestDecodeRequestFlattensSumAndMergesResourceAttributes(t *testing.T) {
	req := &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{
			{
				Resource: &resourcepb.Resource{
					Attributes: []*commonpb.KeyValue{stringKV("host.name", "node-1")},
				},
				ScopeMetrics: []*metricspb.ScopeMetrics{
					{
						Metrics: []*metricspb.Metric{
							{
								Name: "http_requests_total",
								Data: &metricspb.Metric_Sum{
									Sum: &metricspb.Sum{
										IsMonotonic: true,
										DataPoints: []*metricspb.NumberDataPoint{
											{
												TimeUnixNano: 1700000000000000000,
												Attributes:   []*commonpb.KeyValue{stringKV("host.name", "override"), stringKV("route", "/a")},
												Value:        &metricspb.NumberDataPoint_AsInt{AsInt: 42},
											},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}

	body, err := proto.Marshal(req)
	require.NoError(t, err)

	points, err := DecodeRequest(ContentTypeProtobuf, body)
	require.NoError(t, err)
	require.Len(t, points, 1)

	p := points[0]
	assert.Equal(t, "http_requests_total", p.Name)
	assert.Equal(t, "counter", string(p.Type))
	assert.Equal(t, float64(42), p.Value)
	assert.Equal(t, uint64(1700000000000000000), p.TimestampNano)

	host, ok := p.Attributes.Get("host_name")
	require.True(t, ok)
	assert.Equal(t, "override", host, "data point attribute must win over resource attribute")

	route, ok := p.Attributes.Get("route")
	require.True(t, ok)
	assert.Equal(t, "/a", route)
}

func TestDecodeRequestSkipsMetricWithNoRecognizedPayload(t *testing.T) {
	req := &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{
			{
				ScopeMetrics: []*metricspb.ScopeMetrics{
					{
						Metrics: []*metricspb.Metric{
							{Name: "unsupported_summary"},
						},
					},
				},
			},
		},
	}

	body, err := proto.Marshal(req)
	require.NoError(t, err)

	points, err := DecodeRequest(ContentTypeProtobuf, body)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestDecodeRequestHistogramCarriesBucketsAndBounds(t *testing.T) {
	req := &colmetricspb.ExportMetricsServiceRequest{
		ResourceMetrics: []*metricspb.ResourceMetrics{
			{
				ScopeMetrics: []*metricspb.ScopeMetrics{
					{
						Metrics: []*metricspb.Metric{
							{
								Name: "request_duration_seconds",
								Data: &metricspb.Metric_Histogram{
									Histogram: &metricspb.Histogram{
										DataPoints: []*metricspb.HistogramDataPoint{
											{
												TimeUnixNano:   1700000000000000000,
												Sum:            proto.Float64(12.5),
												Count:          6,
												BucketCounts:   []uint64{2, 3, 1},
												ExplicitBounds: []float64{1, 5},
											},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}

	body, err := proto.Marshal(req)
	require.NoError(t, err)

	points, err := DecodeRequest(ContentTypeProtobuf, body)
	require.NoError(t, err)
	require.Len(t, points, 1)

	p := points[0]
	assert.Equal(t, "histogram", string(p.Type))
	assert.Equal(t, 12.5, p.Sum)
	assert.Equal(t, uint64(6), p.Count)
	assert.Equal(t, []uint64{2, 3, 1}, p.BucketCounts)
	assert.Equal(t, []float64{1, 5}, p.ExplicitBounds)
	assert.NoError(t, p.Validate())
}

func TestCoerceAnyValueBoolAndFloat(t *testing.T) {
	assert.Equal(t, "true", coerceAnyValue(&commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: true}}))
	assert.Equal(t, "3", coerceAnyValue(&commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: 3.0}}))
	assert.Equal(t, "3.5", coerceAnyValue(&commonpb.AnyValue{Value: &commonpb.AnyValue_DoubleValue{DoubleValue: 3.5}}))
}
