package collector

import (
	"context"
	"encoding/json"
	"sync"

	"flowmetry.evalgo.org/metricpoint"
)

// Appender is the subset of streamlog.Client the overflow buffer depends on,
// kept narrow so tests can fake a failing transport without a real Redis.
type Appender interface {
	Append(ctx context.Context, payload []byte) (string, error)
}

// OverflowBuffer enhances a durable-log append with an in-memory FIFO of
// fixed capacity, used when the stream transport is temporarily unreachable.
// A single mutex guards drain-and-send: the critical section is a network
// round-trip, so a bounded FIFO under a plain mutex is sufficient and no
// lock-free structure is warranted.
type OverflowBuffer struct {
	mu       sync.Mutex
	appender Appender
	capacity int
	buffered [][]byte
	onDrop   func(payload []byte)
}

// NewOverflowBuffer constructs a buffer of the given capacity in front of
// appender. onDrop, if non-nil, is called whenever a payload is discarded
// because the buffer is full; callers use it to log and count drops.
func NewOverflowBuffer(appender Appender, capacity int, onDrop func(payload []byte)) *OverflowBuffer {
	return &OverflowBuffer{appender: appender, capacity: capacity, onDrop: onDrop}
}

// Send merges traceID into point, serializes it, and appends it to the
// stream. On each call the buffer first drains any previously failed
// entries, in FIFO order, before sending the new one. If a send fails with
// a transport error, the failed payload is appended to the tail of the
// buffer (dropped if the buffer is already at capacity).
func (b *OverflowBuffer) Send(ctx context.Context, point metricpoint.Point, traceID string) error {
	if traceID != "" {
		point.TraceID = traceID
	}
	payload, err := json.Marshal(point)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.drainLocked(ctx)

	if _, err := b.appender.Append(ctx, payload); err != nil {
		b.bufferLocked(payload)
		return nil
	}
	return nil
}

// drainLocked flushes buffered payloads to the stream in FIFO order,
// stopping at the first failure. The failing payload stays at the head of
// the buffer, so the FIFO order across reconnects holds as long as the
// buffer never overflows.
func (b *OverflowBuffer) drainLocked(ctx context.Context) {
	for len(b.buffered) > 0 {
		payload := b.buffered[0]
		if _, err := b.appender.Append(ctx, payload); err != nil {
			return
		}
		b.buffered = b.buffered[1:]
	}
}

func (b *OverflowBuffer) bufferLocked(payload []byte) {
	if len(b.buffered) >= b.capacity {
		if b.onDrop != nil {
			b.onDrop(payload)
		}
		return
	}
	b.buffered = append(b.buffered, payload)
}

// Depth returns the number of entries currently held in the overflow
// buffer, for diagnostics.
func (b *OverflowBuffer) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffered)
}
