// Package metricpoint defines the canonical in-flight representation of a
// single metric observation as it travels from the OTLP decoder through the
// durable log to the time-series store.
package metricpoint

import (
	"fmt"
	"sort"
	"strings"
)

// Type identifies which payload shape a Point carries.
type Type string

const (
	TypeCounter   Type = "counter"
	TypeGauge     Type = "gauge"
	TypeHistogram Type = "histogram"
)

// Label is one key/value attribute pair.
type Label struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Labels is an ordered set of attributes, always kept sorted by key so that
// two Labels built from the same attribute set compare equal regardless of
// the order attributes were observed in. Never range over a map to build
// one of these directly; use Add or NewLabels.
type Labels []Label

// NewLabels builds a sorted Labels from an unordered map.
func NewLabels(attrs map[string]string) Labels {
	out := make(Labels, 0, len(attrs))
	for k, v := range attrs {
		out = append(out, Label{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Add returns a new Labels with key=value set, replacing any existing entry
// for key, keeping the result sorted.
func (l Labels) Add(key, value string) Labels {
	out := make(Labels, 0, len(l)+1)
	inserted := false
	for _, lbl := range l {
		if lbl.Key == key {
			out = append(out, Label{Key: key, Value: value})
			inserted = true
			continue
		}
		out = append(out, lbl)
	}
	if !inserted {
		out = append(out, Label{Key: key, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Merge returns a new Labels containing l's entries overridden by other's
// entries on key conflict (other wins).
func (l Labels) Merge(other Labels) Labels {
	out := l
	for _, lbl := range other {
		out = out.Add(lbl.Key, lbl.Value)
	}
	return out
}

// Get returns the value for key and whether it was present.
func (l Labels) Get(key string) (string, bool) {
	for _, lbl := range l {
		if lbl.Key == key {
			return lbl.Value, true
		}
	}
	return "", false
}

// Map renders Labels as a plain map, for JSON serialization of results.
func (l Labels) Map() map[string]string {
	out := make(map[string]string, len(l))
	for _, lbl := range l {
		out[lbl.Key] = lbl.Value
	}
	return out
}

// Key renders a stable identity string for grouping, e.g. for aggregation
// "by" grouping or descriptor identity comparisons.
func (l Labels) Key() string {
	var b strings.Builder
	for i, lbl := range l {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(lbl.Key)
		b.WriteByte('=')
		b.WriteString(lbl.Value)
	}
	return b.String()
}

var reservedPrefixes = []string{"telemetry.sdk.", "otel.scope.", "otel.library."}

// NormalizeKey replaces '.' with '_' in an attribute key, per the decoder's
// normalization rule. Returns ok=false if the key falls under a reserved
// prefix and must be dropped entirely.
func NormalizeKey(key string) (string, bool) {
	for _, prefix := range reservedPrefixes {
		if strings.HasPrefix(key, prefix) {
			return "", false
		}
	}
	return strings.ReplaceAll(key, ".", "_"), true
}

// Point is one observed metric sample, counter/gauge/histogram.
type Point struct {
	Name           string  `json:"name"`
	Description    string  `json:"description,omitempty"`
	Unit           string  `json:"unit,omitempty"`
	Type           Type    `json:"type"`
	TimestampNano  uint64  `json:"timestamp_nano"`
	Attributes     Labels  `json:"attributes"`

	// counter/gauge
	Value float64 `json:"value,omitempty"`

	// histogram
	Sum            float64   `json:"sum,omitempty"`
	Count          uint64    `json:"count,omitempty"`
	BucketCounts   []uint64  `json:"bucket_counts,omitempty"`
	ExplicitBounds []float64 `json:"explicit_bounds,omitempty"`

	// TraceID correlates this point back to the HTTP request that produced
	// it, merged in by the collector before the point is serialized onto
	// the durable log.
	TraceID string `json:"trace_id,omitempty"`
}

// Validate checks the invariants from the data model: histogram bucket/bound
// shape, ascending bounds, non-zero timestamp.
func (p *Point) Validate() error {
	if p.TimestampNano == 0 {
		return fmt.Errorf("metricpoint: timestamp_nano must be > 0")
	}
	switch p.Type {
	case TypeCounter, TypeGauge:
		// Value is a plain float64; zero is a legitimate observation, so
		// there is nothing further to check here.
	case TypeHistogram:
		if len(p.BucketCounts) != len(p.ExplicitBounds)+1 {
			return fmt.Errorf("metricpoint: bucket_counts length %d must equal explicit_bounds length %d + 1",
				len(p.BucketCounts), len(p.ExplicitBounds))
		}
		for i := 1; i < len(p.ExplicitBounds); i++ {
			if p.ExplicitBounds[i] <= p.ExplicitBounds[i-1] {
				return fmt.Errorf("metricpoint: explicit_bounds must be strictly ascending")
			}
		}
		var sum uint64
		for _, c := range p.BucketCounts {
			sum += c
		}
		if sum != p.Count {
			return fmt.Errorf("metricpoint: count %d must equal sum of bucket_counts %d", p.Count, sum)
		}
	default:
		return fmt.Errorf("metricpoint: unknown type %q", p.Type)
	}
	return nil
}
