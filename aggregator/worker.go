// Package aggregator drains the durable log and writes resolved samples
// into the time-series store, with at-least-once delivery via
// ack-after-insert and periodic reclaim of abandoned pending entries.
package aggregator

import (
	"context"
	"time"

	"flowmetry.evalgo.org/common"
	"flowmetry.evalgo.org/metricpoint"
	"flowmetry.evalgo.org/streamlog"
)

// Reader is the subset of streamlog.Client the worker depends on.
type Reader interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64, block time.Duration) ([]streamlog.Entry, error)
	Ack(ctx context.Context, entryID string) error
	ClaimIdle(ctx context.Context, minIdle time.Duration, count int64) ([]streamlog.Entry, error)
}

// Inserter is the subset of tsdb.Store the worker depends on.
type Inserter interface {
	Insert(ctx context.Context, point metricpoint.Point) error
}

// Config controls the worker's batch size and timing.
type Config struct {
	BatchSize     int64
	BlockDuration time.Duration
	PendingIdle   time.Duration
	RetryDelay    time.Duration
}

// Worker drains entries from a Reader into an Inserter.
type Worker struct {
	reader Reader
	store  Inserter
	cfg    Config
	logger *common.ContextLogger
	done   chan struct{}
}

// NewWorker constructs a Worker. A zero RetryDelay defaults to one second.
func NewWorker(reader Reader, store Inserter, cfg Config, logger *common.ContextLogger) *Worker {
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = time.Second
	}
	return &Worker{reader: reader, store: store, cfg: cfg, logger: logger, done: make(chan struct{})}
}

// Done is closed once Run returns.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// Run drains the stream until ctx is cancelled. It ensures the consumer
// group exists once, then loops: read new entries, insert+ack each one
// (logging and skipping failures so they remain pending for reclaim); if a
// read yields nothing, fall back to claiming idle pending entries from any
// consumer in the group.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)

	if err := w.reader.EnsureGroup(ctx); err != nil {
		w.logger.WithError(err).Error("failed to ensure consumer group")
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := w.reader.Read(ctx, w.cfg.BatchSize, w.cfg.BlockDuration)
		if err != nil {
			w.logAndSleep(ctx, err)
			continue
		}

		if len(entries) == 0 {
			claimed, err := w.reader.ClaimIdle(ctx, w.cfg.PendingIdle, w.cfg.BatchSize)
			if err != nil {
				w.logAndSleep(ctx, err)
				continue
			}
			w.processEntries(ctx, claimed)
			continue
		}

		w.processEntries(ctx, entries)
	}
}

func (w *Worker) processEntries(ctx context.Context, entries []streamlog.Entry) {
	for _, entry := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					w.logger.WithField("entry_id", entry.ID).WithField("panic", r).Error("panic while processing entry, leaving pending for reclaim")
				}
			}()
			if err := w.store.Insert(ctx, entry.Point); err != nil {
				w.logger.WithField("entry_id", entry.ID).WithError(err).Error("failed to insert metric point, leaving pending for reclaim")
				return
			}
			if err := w.reader.Ack(ctx, entry.ID); err != nil {
				w.logger.WithField("entry_id", entry.ID).WithError(err).Error("failed to ack entry after successful insert")
			}
		}()
	}
}

func (w *Worker) logAndSleep(ctx context.Context, err error) {
	w.logger.WithError(err).Error("aggregator loop error, retrying")
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.RetryDelay):
	}
}
