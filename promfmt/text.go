package promfmt

import (
	"bytes"
	"fmt"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"flowmetry.evalgo.org/metricpoint"
)

// TextSeries is one series' current value, as scraped for text exposition.
type TextSeries struct {
	Name   string
	Type   metricpoint.Type
	Help   string
	Labels metricpoint.Labels
	Value  float64

	// Histogram fields, used when Type == TypeHistogram.
	Sum            float64
	Count          uint64
	BucketCounts   []uint64
	ExplicitBounds []float64
}

// EncodeText renders series in the Prometheus text exposition format,
// building real dto.MetricFamily values and encoding them with
// expfmt.Encoder, since samples here come from the store rather than a live
// in-process prometheus.Registry.
func EncodeText(series []TextSeries) (string, error) {
	var buf bytes.Buffer
	encoder := expfmt.NewEncoder(&buf, expfmt.NewFormat(expfmt.TypeTextPlain))

	for _, s := range series {
		family, err := toMetricFamily(s)
		if err != nil {
			return "", err
		}
		if err := encoder.Encode(family); err != nil {
			return "", fmt.Errorf("promfmt: encode %q: %w", s.Name, err)
		}
	}

	return buf.String(), nil
}

func toMetricFamily(s TextSeries) (*dto.MetricFamily, error) {
	labelPairs := make([]*dto.LabelPair, 0, len(s.Labels))
	for _, l := range s.Labels {
		labelPairs = append(labelPairs, &dto.LabelPair{Name: strPtr(l.Key), Value: strPtr(l.Value)})
	}

	metric := &dto.Metric{Label: labelPairs}

	var metricType dto.MetricType
	switch s.Type {
	case metricpoint.TypeCounter:
		metricType = dto.MetricType_COUNTER
		metric.Counter = &dto.Counter{Value: floatPtr(s.Value)}
	case metricpoint.TypeGauge:
		metricType = dto.MetricType_GAUGE
		metric.Gauge = &dto.Gauge{Value: floatPtr(s.Value)}
	case metricpoint.TypeHistogram:
		metricType = dto.MetricType_HISTOGRAM
		metric.Histogram = toHistogram(s)
	default:
		return nil, fmt.Errorf("promfmt: unknown metric type %q", s.Type)
	}

	return &dto.MetricFamily{
		Name:   strPtr(s.Name),
		Help:   strPtr(s.Help),
		Type:   metricType.Enum(),
		Metric: []*dto.Metric{metric},
	}, nil
}

// toHistogram builds cumulative bucket counts from per-bucket counts, since
// the Prometheus text format expects "less than or equal to" cumulative
// totals, not discrete per-bucket counts.
func toHistogram(s TextSeries) *dto.Histogram {
	buckets := make([]*dto.Bucket, 0, len(s.ExplicitBounds))
	var cumulative uint64
	for i, bound := range s.ExplicitBounds {
		if i < len(s.BucketCounts) {
			cumulative += s.BucketCounts[i]
		}
		buckets = append(buckets, &dto.Bucket{
			UpperBound:      floatPtr(bound),
			CumulativeCount: uint64Ptr(cumulative),
		})
	}
	return &dto.Histogram{
		SampleSum:   floatPtr(s.Sum),
		SampleCount: uint64Ptr(s.Count),
		Bucket:      buckets,
	}
}

func strPtr(s string) *string     { return &s }
func floatPtr(f float64) *float64 { return &f }
func uint64Ptr(u uint64) *uint64  { return &u }
