// Package promfmt renders query.Result values into the wire shapes of the
// Prometheus HTTP API: the {status, data} envelope for vector/matrix/label
// queries, and the text exposition format for /metrics scraping.
package promfmt

import (
	"fmt"
	"sort"
	"strconv"

	"flowmetry.evalgo.org/query"
	"flowmetry.evalgo.org/version"
)

// Envelope is the top-level {status, data} response shape.
type Envelope struct {
	Status string `json:"status"`
	Data   any    `json:"data,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Success wraps data in a successful envelope.
func Success(data any) Envelope {
	return Envelope{Status: "success", Data: data}
}

// Failure wraps an error message in a failed envelope.
func Failure(msg string) Envelope {
	return Envelope{Status: "error", Error: msg}
}

// sampleValue formats one sample as [ts, "v"], for vector values and for each
// entry of a matrix's values.
type sampleValue struct {
	Timestamp float64
	Value     string
}

func (s sampleValue) MarshalJSON() ([]byte, error) {
	return []byte(fmt.Sprintf(`[%s,"%s"]`, formatTimestamp(s.Timestamp), s.Value)), nil
}

func formatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// VectorItem is one entry of a vector result.
type VectorItem struct {
	Metric map[string]string `json:"metric"`
	Value  sampleValue       `json:"value"`
}

// MatrixItem is one entry of a matrix result.
type MatrixItem struct {
	Metric map[string]string `json:"metric"`
	Values []sampleValue     `json:"values"`
}

// VectorData builds the "vector" resultType payload for an instant query.
func VectorData(results []query.Result) map[string]any {
	items := make([]VectorItem, 0, len(results))
	for _, r := range results {
		if len(r.Samples) == 0 {
			continue
		}
		s := r.Samples[0]
		items = append(items, VectorItem{
			Metric: r.Labels.Map(),
			Value:  sampleValue{Timestamp: tsSeconds(s.Time.UnixNano()), Value: formatValue(s.Value)},
		})
	}
	return map[string]any{"resultType": "vector", "result": items}
}

// MatrixData builds the "matrix" resultType payload for a range query.
func MatrixData(results []query.Result) map[string]any {
	items := make([]MatrixItem, 0, len(results))
	for _, r := range results {
		values := make([]sampleValue, 0, len(r.Samples))
		for _, s := range r.Samples {
			values = append(values, sampleValue{Timestamp: tsSeconds(s.Time.UnixNano()), Value: formatValue(s.Value)})
		}
		items = append(items, MatrixItem{Metric: r.Labels.Map(), Values: values})
	}
	return map[string]any{"resultType": "matrix", "result": items}
}

func tsSeconds(nanos int64) float64 {
	return float64(nanos) / 1e9
}

// LabelNamesData renders a sorted label-name list.
func LabelNamesData(names []string) []string {
	out := append([]string(nil), names...)
	sort.Strings(out)
	return out
}

// LabelValuesData renders a sorted label-value list.
func LabelValuesData(values []string) []string {
	out := append([]string(nil), values...)
	sort.Strings(out)
	return out
}

// SeriesItem is one entry of a /series response: the full label map
// including __name__.
type SeriesItem map[string]string

// SeriesData renders descriptor label maps for the /series endpoint.
func SeriesData(names []string, labelSets []map[string]string) []SeriesItem {
	out := make([]SeriesItem, 0, len(labelSets))
	for i, labels := range labelSets {
		item := SeriesItem{}
		for k, v := range labels {
			item[k] = v
		}
		item["__name__"] = names[i]
		out = append(out, item)
	}
	return out
}

// BuildInfoData renders the fixed buildinfo object from the binary's
// embedded module information.
func BuildInfoData() map[string]string {
	info := version.GetBuildInfo()
	return map[string]string{
		"version":   info.MainVersion,
		"revision":  "",
		"branch":    "",
		"buildUser": "",
		"buildDate": "",
		"goVersion": info.GoVersion,
	}
}
