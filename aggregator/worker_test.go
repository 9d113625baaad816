package aggregator

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmetry.evalgo.org/common"
	"flowmetry.evalgo.org/metricpoint"
	"flowmetry.evalgo.org/streamlog"
)

func testLogger() *common.ContextLogger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return common.NewContextLogger(logger, nil)
}

type fakeReader struct {
	mu        sync.Mutex
	toRead    []streamlog.Entry
	toClaim   []streamlog.Entry
	acked     []string
	groupErr  error
	readCalls int
}

func (f *fakeReader) EnsureGroup(_ context.Context) error { return f.groupErr }

func (f *fakeReader) Read(_ context.Context, _ int64, _ time.Duration) ([]streamlog.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readCalls++
	out := f.toRead
	f.toRead = nil
	return out, nil
}

func (f *fakeReader) Ack(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, id)
	return nil
}

func (f *fakeReader) ClaimIdle(_ context.Context, _ time.Duration, _ int64) ([]streamlog.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := f.toClaim
	f.toClaim = nil
	return out, nil
}

type fakeInserter struct {
	mu       sync.Mutex
	inserted []metricpoint.Point
	fail     bool
}

func (f *fakeInserter) Insert(_ context.Context, p metricpoint.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("insert failed")
	}
	f.inserted = append(f.inserted, p)
	return nil
}

func entry(id string) streamlog.Entry {
	return streamlog.Entry{ID: id, Point: metricpoint.Point{Name: "up", Type: metricpoint.TypeGauge, TimestampNano: 1, Value: 1}}
}

func TestWorkerInsertsAndAcksReadEntries(t *testing.T) {
	reader := &fakeReader{toRead: []streamlog.Entry{entry("1-0"), entry("2-0")}}
	store := &fakeInserter{}
	w := NewWorker(reader, store, Config{BatchSize: 10, BlockDuration: time.Millisecond, RetryDelay: time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.inserted) == 2
	}, time.Second, time.Millisecond)

	cancel()
	<-w.Done()

	assert.ElementsMatch(t, []string{"1-0", "2-0"}, reader.acked)
}

func TestWorkerDoesNotAckOnInsertFailure(t *testing.T) {
	reader := &fakeReader{toRead: []streamlog.Entry{entry("1-0")}}
	store := &fakeInserter{fail: true}
	w := NewWorker(reader, store, Config{BatchSize: 10, BlockDuration: time.Millisecond, RetryDelay: time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		reader.mu.Lock()
		defer reader.mu.Unlock()
		return reader.readCalls > 0
	}, time.Second, time.Millisecond)

	cancel()
	<-w.Done()

	assert.Empty(t, reader.acked)
}

func TestWorkerClaimsIdleWhenReadIsEmpty(t *testing.T) {
	reader := &fakeReader{toClaim: []streamlog.Entry{entry("3-0")}}
	store := &fakeInserter{}
	w := NewWorker(reader, store, Config{BatchSize: 10, BlockDuration: time.Millisecond, RetryDelay: time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.inserted) == 1
	}, time.Second, time.Millisecond)

	cancel()
	<-w.Done()
}

func TestWorkerStopsOnContextCancel(t *testing.T) {
	reader := &fakeReader{}
	store := &fakeInserter{}
	w := NewWorker(reader, store, Config{BatchSize: 10, BlockDuration: time.Millisecond, RetryDelay: time.Millisecond}, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	cancel()

	select {
	case <-w.Done():
	case <-time.After(time.Second):
		t.Fatal("worker did not stop after context cancellation")
	}
}
