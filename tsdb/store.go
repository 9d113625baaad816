// Package tsdb is the time-series store facade: descriptor identity,
// idempotent upsert, sample insertion, and the read operations the query
// evaluator dispatches against. It is a thin layer over pgx; all SQL lives
// here and nowhere else.
package tsdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"flowmetry.evalgo.org/db"
	"flowmetry.evalgo.org/metricpoint"
)

// ErrInvalidPoint is returned by Insert when a point is missing a
// type-required field.
var ErrInvalidPoint = errors.New("tsdb: point missing required field for its type")

// Store is the time-series store facade.
type Store struct {
	pg *db.PostgresDB
}

// NewStore wraps an already-connected PostgresDB.
func NewStore(pg *db.PostgresDB) *Store {
	return &Store{pg: pg}
}

// TimeValue is one (time, value) sample.
type TimeValue struct {
	Time  time.Time
	Value float64
}

// SeriesSamples groups ascending TimeValue points under one series' labels.
type SeriesSamples struct {
	Labels metricpoint.Labels
	Points []TimeValue
}

// SeriesDescriptor identifies one series by name and label set, without
// samples; used by FetchSeries.
type SeriesDescriptor struct {
	Name   string
	Labels metricpoint.Labels
}

// InstantSample is one observed (time, value) for a series at or before a
// requested instant.
type InstantSample struct {
	Labels metricpoint.Labels
	Time   time.Time
	Value  float64
}

// Insert resolves the point's descriptor id via upsert-by-identity, then
// inserts one row into metrics_values or metrics_histograms.
func (s *Store) Insert(ctx context.Context, p metricpoint.Point) error {
	descriptorID, err := s.upsertDescriptor(ctx, p)
	if err != nil {
		return fmt.Errorf("tsdb: upsert descriptor: %w", err)
	}

	ts := time.Unix(0, int64(p.TimestampNano)).UTC()

	switch p.Type {
	case metricpoint.TypeCounter, metricpoint.TypeGauge:
		err := s.pg.Exec(ctx,
			`INSERT INTO metrics_values (time, descriptor_id, value) VALUES ($1, $2, $3)`,
			ts, descriptorID, p.Value)
		if err != nil {
			return fmt.Errorf("tsdb: insert value: %w", err)
		}
	case metricpoint.TypeHistogram:
		if p.BucketCounts == nil {
			return ErrInvalidPoint
		}
		err := s.pg.Exec(ctx,
			`INSERT INTO metrics_histograms (time, descriptor_id, sum, count, bucket_counts) VALUES ($1, $2, $3, $4, $5)`,
			ts, descriptorID, p.Sum, p.Count, toInt64Slice(p.BucketCounts))
		if err != nil {
			return fmt.Errorf("tsdb: insert histogram: %w", err)
		}
	default:
		return ErrInvalidPoint
	}

	return nil
}

func toInt64Slice(u []uint64) []int64 {
	out := make([]int64, len(u))
	for i, v := range u {
		out[i] = int64(v)
	}
	return out
}

// upsertDescriptor executes the idempotent INSERT ... ON CONFLICT DO NOTHING
// RETURNING id, falling back to a SELECT on the same identity key when no
// row is returned. Both branches return a stable id even under concurrent
// inserts of the same identity.
func (s *Store) upsertDescriptor(ctx context.Context, p metricpoint.Point) (int64, error) {
	attrsJSON, err := json.Marshal(p.Attributes.Map())
	if err != nil {
		return 0, err
	}

	var bounds []float64
	if p.Type == metricpoint.TypeHistogram {
		bounds = p.ExplicitBounds
	}

	var id int64
	err = s.pg.QueryRow(ctx, `
		INSERT INTO metrics_info (name, description, unit, type, attributes, explicit_bounds)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name, attributes, COALESCE(explicit_bounds, '{}'::DOUBLE PRECISION[]))
		DO NOTHING
		RETURNING id
	`, p.Name, p.Description, p.Unit, string(p.Type), attrsJSON, bounds).Scan(&id)

	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}

	err = s.pg.QueryRow(ctx, `
		SELECT id FROM metrics_info
		WHERE name = $1
		  AND attributes = $2
		  AND COALESCE(explicit_bounds, '{}'::DOUBLE PRECISION[]) = COALESCE($3, '{}'::DOUBLE PRECISION[])
	`, p.Name, attrsJSON, bounds).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("tsdb: descriptor identity lookup failed: %w", err)
	}
	return id, nil
}

// FetchSeries returns the distinct (name, attributes) pairs for descriptors
// matching name (if non-empty) and the equality matchers.
func (s *Store) FetchSeries(ctx context.Context, name string, matchers metricpoint.Labels) ([]SeriesDescriptor, error) {
	query := `SELECT DISTINCT name, attributes FROM metrics_info WHERE ($1 = '' OR name = $1) AND attributes @> $2::jsonb`
	matchersJSON, err := matchersToJSON(matchers)
	if err != nil {
		return nil, err
	}

	rows, err := s.pg.Query(ctx, query, name, matchersJSON)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SeriesDescriptor
	for rows.Next() {
		var n string
		var attrs []byte
		if err := rows.Scan(&n, &attrs); err != nil {
			return nil, err
		}
		labels, err := labelsFromJSON(attrs)
		if err != nil {
			return nil, err
		}
		out = append(out, SeriesDescriptor{Name: n, Labels: labels})
	}
	return out, rows.Err()
}

// FetchInstant returns, for each descriptor matching name+labels of
// counter/gauge type, the latest sample at or before ts.
func (s *Store) FetchInstant(ctx context.Context, name string, matchers metricpoint.Labels, ts time.Time) ([]InstantSample, error) {
	matchersJSON, err := matchersToJSON(matchers)
	if err != nil {
		return nil, err
	}

	rows, err := s.pg.Query(ctx, `
		SELECT i.attributes, v.time, v.value
		FROM metrics_info i
		JOIN LATERAL (
			SELECT time, value FROM metrics_values
			WHERE descriptor_id = i.id AND time <= $3
			ORDER BY time DESC LIMIT 1
		) v ON true
		WHERE i.name = $1 AND i.type IN ('counter', 'gauge') AND i.attributes @> $2::jsonb
	`, name, matchersJSON, ts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []InstantSample
	for rows.Next() {
		var attrs []byte
		var t time.Time
		var v float64
		if err := rows.Scan(&attrs, &t, &v); err != nil {
			return nil, err
		}
		labels, err := labelsFromJSON(attrs)
		if err != nil {
			return nil, err
		}
		out = append(out, InstantSample{Labels: labels, Time: t, Value: v})
	}
	return out, rows.Err()
}

// FetchGaugeAggregated returns, per matching gauge series, the per
// step-sized-bucket average of observed values over [start, end].
func (s *Store) FetchGaugeAggregated(ctx context.Context, name string, matchers metricpoint.Labels, start, end time.Time, step time.Duration) ([]SeriesSamples, error) {
	matchersJSON, err := matchersToJSON(matchers)
	if err != nil {
		return nil, err
	}

	rows, err := s.pg.Query(ctx, `
		SELECT i.id, i.attributes, v.time, v.value
		FROM metrics_info i
		JOIN metrics_values v ON v.descriptor_id = i.id
		WHERE i.name = $1 AND i.type = 'gauge' AND i.attributes @> $2::jsonb
		  AND v.time >= $3 AND v.time <= $4
		ORDER BY i.id, v.time ASC
	`, name, matchersJSON, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	raw, err := scanSeriesRows(rows)
	if err != nil {
		return nil, err
	}

	return bucketAverage(raw, start, end, step), nil
}

// FetchCounterRaw returns, per matching counter series, the raw ascending
// (time, value) pairs over [start, end], for the evaluator's rate/increase
// computation.
func (s *Store) FetchCounterRaw(ctx context.Context, name string, matchers metricpoint.Labels, start, end time.Time) ([]SeriesSamples, error) {
	matchersJSON, err := matchersToJSON(matchers)
	if err != nil {
		return nil, err
	}

	rows, err := s.pg.Query(ctx, `
		SELECT i.id, i.attributes, v.time, v.value
		FROM metrics_info i
		JOIN metrics_values v ON v.descriptor_id = i.id
		WHERE i.name = $1 AND i.type = 'counter' AND i.attributes @> $2::jsonb
		  AND v.time >= $3 AND v.time <= $4
		ORDER BY i.id, v.time ASC
	`, name, matchersJSON, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSeriesRows(rows)
}

// FetchLabelNames returns the union of __name__ and all keys from all
// descriptor attribute objects.
func (s *Store) FetchLabelNames(ctx context.Context) ([]string, error) {
	rows, err := s.pg.Query(ctx, `SELECT DISTINCT jsonb_object_keys(attributes) FROM metrics_info`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := map[string]struct{}{"__name__": {}}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		names[k] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]string, 0, len(names))
	for k := range names {
		out = append(out, k)
	}
	return out, nil
}

// FetchLabelValues returns, for __name__, the distinct descriptor names;
// otherwise the distinct JSON string values present at that attribute key.
func (s *Store) FetchLabelValues(ctx context.Context, name string) ([]string, error) {
	var rows pgx.Rows
	var err error
	if name == "__name__" {
		rows, err = s.pg.Query(ctx, `SELECT DISTINCT name FROM metrics_info ORDER BY name`)
	} else {
		rows, err = s.pg.Query(ctx,
			`SELECT DISTINCT attributes->>$1 FROM metrics_info WHERE attributes ? $1 ORDER BY 1`, name)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ExpositionRow is one descriptor's current value, as scraped for the
// text exposition endpoint. Value is populated for counter/gauge
// descriptors; the histogram fields are populated for histogram
// descriptors whose latest row exists.
type ExpositionRow struct {
	Name           string
	Description    string
	Unit           string
	Type           metricpoint.Type
	Labels         metricpoint.Labels
	HasValue       bool
	Value          float64
	HasHistogram   bool
	Sum            float64
	Count          uint64
	BucketCounts   []uint64
	ExplicitBounds []float64
}

// FetchExposition returns, for every descriptor, its most recent observed
// value (counter/gauge) or histogram row, for rendering in Prometheus text
// exposition format. Descriptors with no samples yet are omitted.
func (s *Store) FetchExposition(ctx context.Context) ([]ExpositionRow, error) {
	rows, err := s.pg.Query(ctx, `
		SELECT i.name, i.description, i.unit, i.type, i.attributes, i.explicit_bounds,
		       v.value, h.sum, h.count, h.bucket_counts
		FROM metrics_info i
		LEFT JOIN LATERAL (
			SELECT value FROM metrics_values
			WHERE descriptor_id = i.id ORDER BY time DESC LIMIT 1
		) v ON i.type IN ('counter', 'gauge')
		LEFT JOIN LATERAL (
			SELECT sum, count, bucket_counts FROM metrics_histograms
			WHERE descriptor_id = i.id ORDER BY time DESC LIMIT 1
		) h ON i.type = 'histogram'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExpositionRow
	for rows.Next() {
		var (
			r              ExpositionRow
			typ            string
			attrs          []byte
			explicitBounds []float64
			value          *float64
			sum            *float64
			count          *int64
			bucketCounts   []int64
		)
		if err := rows.Scan(&r.Name, &r.Description, &r.Unit, &typ, &attrs, &explicitBounds,
			&value, &sum, &count, &bucketCounts); err != nil {
			return nil, err
		}

		r.Type = metricpoint.Type(typ)
		r.ExplicitBounds = explicitBounds
		labels, err := labelsFromJSON(attrs)
		if err != nil {
			return nil, err
		}
		r.Labels = labels

		if value != nil {
			r.HasValue = true
			r.Value = *value
		}
		if sum != nil && count != nil {
			r.HasHistogram = true
			r.Sum = *sum
			r.Count = uint64(*count)
			r.BucketCounts = make([]uint64, len(bucketCounts))
			for i, c := range bucketCounts {
				r.BucketCounts[i] = uint64(c)
			}
		}

		if !r.HasValue && !r.HasHistogram {
			continue
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// MetricType peeks at a descriptor's type for dispatching range queries.
func (s *Store) MetricType(ctx context.Context, name string, matchers metricpoint.Labels) (metricpoint.Type, error) {
	matchersJSON, err := matchersToJSON(matchers)
	if err != nil {
		return "", err
	}

	var typ string
	err = s.pg.QueryRow(ctx,
		`SELECT type FROM metrics_info WHERE name = $1 AND attributes @> $2::jsonb LIMIT 1`,
		name, matchersJSON).Scan(&typ)
	if err != nil {
		return "", err
	}
	return metricpoint.Type(typ), nil
}

func matchersToJSON(matchers metricpoint.Labels) ([]byte, error) {
	return json.Marshal(matchers.Map())
}

func labelsFromJSON(raw []byte) (metricpoint.Labels, error) {
	var m map[string]string
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return metricpoint.NewLabels(m), nil
}

// seriesRow is one raw (descriptor, time, value) row as scanned from
// metrics_values, before grouping by descriptor id.
type seriesRow struct {
	descriptorID int64
	labels       metricpoint.Labels
	t            time.Time
	v            float64
}

func scanSeriesRows(rows pgx.Rows) ([]SeriesSamples, error) {
	var raw []seriesRow
	for rows.Next() {
		var r seriesRow
		var attrs []byte
		if err := rows.Scan(&r.descriptorID, &attrs, &r.t, &r.v); err != nil {
			return nil, err
		}
		labels, err := labelsFromJSON(attrs)
		if err != nil {
			return nil, err
		}
		r.labels = labels
		raw = append(raw, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return groupByDescriptor(raw), nil
}

func groupByDescriptor(raw []seriesRow) []SeriesSamples {
	order := make([]int64, 0)
	bySeries := make(map[int64]*SeriesSamples)
	for _, r := range raw {
		series, ok := bySeries[r.descriptorID]
		if !ok {
			series = &SeriesSamples{Labels: r.labels}
			bySeries[r.descriptorID] = series
			order = append(order, r.descriptorID)
		}
		series.Points = append(series.Points, TimeValue{Time: r.t, Value: r.v})
	}

	out := make([]SeriesSamples, 0, len(order))
	for _, id := range order {
		out = append(out, *bySeries[id])
	}
	return out
}

// bucketAverage groups ascending points into step-sized buckets starting at
// start and running through end inclusive, averaging the values observed in
// each bucket. Buckets with no points are omitted.
func bucketAverage(series []SeriesSamples, start, end time.Time, step time.Duration) []SeriesSamples {
	out := make([]SeriesSamples, 0, len(series))
	for _, s := range series {
		bucketed := SeriesSamples{Labels: s.Labels}
		for t := start; !t.After(end); t = t.Add(step) {
			bucketEnd := t.Add(step)
			var sum float64
			var count int
			for _, p := range s.Points {
				if !p.Time.Before(t) && p.Time.Before(bucketEnd) {
					sum += p.Value
					count++
				}
			}
			if count > 0 {
				bucketed.Points = append(bucketed.Points, TimeValue{Time: t, Value: sum / float64(count)})
			}
		}
		out = append(out, bucketed)
	}
	return out
}
