// Package promql parses the supported subset of PromQL into an immutable
// Query record. The parser is pure and deterministic: no I/O, no clock, no
// external calls.
package promql

import (
	"fmt"
	"time"

	"flowmetry.evalgo.org/metricpoint"
)

// Function names the rate-style function wrapping a selector, if any.
type Function string

const (
	FuncRaw      Function = "raw"
	FuncRate     Function = "rate"
	FuncIncrease Function = "increase"
)

// Aggregation names the cross-series aggregation operator, if any.
type Aggregation string

const (
	AggNone  Aggregation = ""
	AggSum   Aggregation = "sum"
	AggAvg   Aggregation = "avg"
	AggMin   Aggregation = "min"
	AggMax   Aggregation = "max"
	AggCount Aggregation = "count"
)

// DefaultLookback is the window used for rate/increase when no range vector
// is given in the query.
const DefaultLookback = 300 * time.Second

// Query is the parsed form of one query string.
type Query struct {
	Raw string

	// MetricName is set for selector-based queries, including the bare "up"
	// scalar-like metric. Empty for the "1"/"1+1" pure-scalar forms.
	MetricName string
	Matchers   metricpoint.Labels

	Function Function
	HasRange bool
	Range    time.Duration

	// RangeDefaulted marks a rate/increase query written without a range
	// vector, whose Range was filled in with DefaultLookback. Callers log a
	// warning for these rather than failing the query.
	RangeDefaulted bool

	Aggregation Aggregation
	ByLabels    []string

	// HasScalar marks the "1"/"1+1" literal forms, which bypass selector
	// resolution entirely.
	HasScalar   bool
	ScalarValue float64
}

// EffectiveName formats the metric name as wrapped by the query's function
// and aggregation, e.g. "sum(rate(http_requests_total))".
func EffectiveName(q *Query) string {
	name := q.MetricName
	if q.Function == FuncRate || q.Function == FuncIncrease {
		name = fmt.Sprintf("%s(%s)", q.Function, name)
	}
	if q.Aggregation != AggNone {
		name = fmt.Sprintf("%s(%s)", q.Aggregation, name)
	}
	return name
}

// ParseError is a typed parse failure carrying the offending query and,
// where known, the character position of the failure.
type ParseError struct {
	Query string
	Pos   int
	Msg   string
}

func (e *ParseError) Error() string {
	if e.Pos >= 0 {
		return fmt.Sprintf("promql: %s (at position %d in %q)", e.Msg, e.Pos, e.Query)
	}
	return fmt.Sprintf("promql: %s (in %q)", e.Msg, e.Query)
}
