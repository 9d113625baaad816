// Package otlpdecode turns an OTLP ExportMetricsServiceRequest protobuf
// message into a flat slice of metricpoint.Point values. It decodes directly
// from the generated protobuf types, so there is no second schema layer to
// keep in sync with the wire format.
package otlpdecode

import (
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/proto"

	colmetricspb "go.opentelemetry.io/proto/otlp/collector/metrics/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	metricspb "go.opentelemetry.io/proto/otlp/metrics/v1"

	"flowmetry.evalgo.org/metricpoint"
)

// ErrUnsupportedMediaType is returned when the request's Content-Type is not
// application/x-protobuf. Protobuf is the only accepted wire form; the JSON
// OTLP variant is never parsed or exposed.
var ErrUnsupportedMediaType = fmt.Errorf("otlpdecode: unsupported content type, expected application/x-protobuf")

// ContentTypeProtobuf is the only Content-Type this decoder accepts.
const ContentTypeProtobuf = "application/x-protobuf"

// DecodeRequest validates contentType and unmarshals body as an
// ExportMetricsServiceRequest, returning every metric point flattened out of
// it. A malformed body returns an error suitable for a 400 response; an
// unsupported media type returns ErrUnsupportedMediaType for a 415 response.
func DecodeRequest(contentType string, body []byte) ([]metricpoint.Point, error) {
	if !strings.Contains(contentType, ContentTypeProtobuf) {
		return nil, ErrUnsupportedMediaType
	}

	var req colmetricspb.ExportMetricsServiceRequest
	if err := proto.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("otlpdecode: malformed protobuf body: %w", err)
	}

	return Flatten(req.GetResourceMetrics()), nil
}

// Flatten walks resourceMetrics -> scopeMetrics -> metric -> dataPoint and
// emits one metricpoint.Point per data point. Metrics whose payload is none
// of sum/gauge/histogram are skipped, not fatal.
func Flatten(resourceMetrics []*metricspb.ResourceMetrics) []metricpoint.Point {
	var out []metricpoint.Point

	for _, rm := range resourceMetrics {
		resourceAttrs := attributesToLabels(rm.GetResource().GetAttributes())

		for _, sm := range rm.GetScopeMetrics() {
			for _, m := range sm.GetMetrics() {
				out = append(out, flattenMetric(m, resourceAttrs)...)
			}
		}
	}

	return out
}

func flattenMetric(m *metricspb.Metric, resourceAttrs metricpoint.Labels) []metricpoint.Point {
	switch {
	case m.GetSum() != nil:
		return flattenNumberDataPoints(m, m.GetSum().GetDataPoints(), metricpoint.TypeCounter, resourceAttrs)
	case m.GetGauge() != nil:
		return flattenNumberDataPoints(m, m.GetGauge().GetDataPoints(), metricpoint.TypeGauge, resourceAttrs)
	case m.GetHistogram() != nil:
		return flattenHistogramDataPoints(m, m.GetHistogram().GetDataPoints(), resourceAttrs)
	default:
		return nil
	}
}

func flattenNumberDataPoints(m *metricspb.Metric, dps []*metricspb.NumberDataPoint, typ metricpoint.Type, resourceAttrs metricpoint.Labels) []metricpoint.Point {
	points := make([]metricpoint.Point, 0, len(dps))
	for _, dp := range dps {
		attrs := resourceAttrs.Merge(attributesToLabels(dp.GetAttributes()))

		var value float64
		switch v := dp.GetValue().(type) {
		case *metricspb.NumberDataPoint_AsDouble:
			value = v.AsDouble
		case *metricspb.NumberDataPoint_AsInt:
			value = float64(v.AsInt)
		}

		points = append(points, metricpoint.Point{
			Name:          m.GetName(),
			Description:   m.GetDescription(),
			Unit:          m.GetUnit(),
			Type:          typ,
			TimestampNano: dp.GetTimeUnixNano(),
			Attributes:    attrs,
			Value:         value,
		})
	}
	return points
}

func flattenHistogramDataPoints(m *metricspb.Metric, dps []*metricspb.HistogramDataPoint, resourceAttrs metricpoint.Labels) []metricpoint.Point {
	points := make([]metricpoint.Point, 0, len(dps))
	for _, dp := range dps {
		attrs := resourceAttrs.Merge(attributesToLabels(dp.GetAttributes()))

		bounds := append([]float64(nil), dp.GetExplicitBounds()...)
		buckets := append([]uint64(nil), dp.GetBucketCounts()...)

		points = append(points, metricpoint.Point{
			Name:           m.GetName(),
			Description:    m.GetDescription(),
			Unit:           m.GetUnit(),
			Type:           metricpoint.TypeHistogram,
			TimestampNano:  dp.GetTimeUnixNano(),
			Attributes:     attrs,
			Sum:            dp.GetSum(),
			Count:          dp.GetCount(),
			BucketCounts:   buckets,
			ExplicitBounds: bounds,
		})
	}
	return points
}

func attributesToLabels(kvs []*commonpb.KeyValue) metricpoint.Labels {
	var out metricpoint.Labels
	for _, kv := range kvs {
		key, ok := metricpoint.NormalizeKey(kv.GetKey())
		if !ok {
			continue
		}
		value := coerceAnyValue(kv.GetValue())
		if value == "" {
			continue
		}
		out = out.Add(key, value)
	}
	return out
}

// coerceAnyValue implements the attribute value coercion rule: strings pass
// through, bools lowercase, numbers render as the shortest decimal with a
// trailing ".0" trimmed for integral doubles.
func coerceAnyValue(v *commonpb.AnyValue) string {
	if v == nil {
		return ""
	}
	switch val := v.GetValue().(type) {
	case *commonpb.AnyValue_StringValue:
		return val.StringValue
	case *commonpb.AnyValue_BoolValue:
		if val.BoolValue {
			return "true"
		}
		return "false"
	case *commonpb.AnyValue_IntValue:
		return strconv.FormatInt(val.IntValue, 10)
	case *commonpb.AnyValue_DoubleValue:
		s := strconv.FormatFloat(val.DoubleValue, 'f', -1, 64)
		return strings.TrimSuffix(s, ".0")
	default:
		return ""
	}
}
