package collector

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowmetry.evalgo.org/metricpoint"
)

type fakeAppender struct {
	mu       sync.Mutex
	fail     bool
	appended [][]byte
}

func (f *fakeAppender) Append(_ context.Context, payload []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return "", errors.New("connection refused")
	}
	f.appended = append(f.appended, payload)
	return "1-0", nil
}

func point() metricpoint.Point {
	return metricpoint.Point{Name: "up", Type: metricpoint.TypeGauge, TimestampNano: 1, Value: 1}
}

func TestOverflowBufferSendsDirectlyWhenHealthy(t *testing.T) {
	fa := &fakeAppender{}
	buf := NewOverflowBuffer(fa, 2, nil)

	require.NoError(t, buf.Send(context.Background(), point(), "trace-1"))

	assert.Len(t, fa.appended, 1)
	assert.Equal(t, 0, buf.Depth())
}

func TestOverflowBufferBuffersOnTransportFailure(t *testing.T) {
	fa := &fakeAppender{fail: true}
	buf := NewOverflowBuffer(fa, 2, nil)

	require.NoError(t, buf.Send(context.Background(), point(), "trace-1"))

	assert.Equal(t, 1, buf.Depth())
	assert.Empty(t, fa.appended)
}

func TestOverflowBufferDropsWhenCapacityExceeded(t *testing.T) {
	fa := &fakeAppender{fail: true}
	var dropped int
	buf := NewOverflowBuffer(fa, 1, func([]byte) { dropped++ })

	require.NoError(t, buf.Send(context.Background(), point(), "trace-1"))
	require.NoError(t, buf.Send(context.Background(), point(), "trace-2"))

	assert.Equal(t, 1, buf.Depth())
	assert.Equal(t, 1, dropped)
}

func TestOverflowBufferDrainsBufferedEntriesFIFOOnRecovery(t *testing.T) {
	fa := &fakeAppender{fail: true}
	buf := NewOverflowBuffer(fa, 4, nil)

	require.NoError(t, buf.Send(context.Background(), point(), "trace-1"))
	require.NoError(t, buf.Send(context.Background(), point(), "trace-2"))
	assert.Equal(t, 2, buf.Depth())

	fa.mu.Lock()
	fa.fail = false
	fa.mu.Unlock()

	require.NoError(t, buf.Send(context.Background(), point(), "trace-3"))

	assert.Equal(t, 0, buf.Depth())
	assert.Len(t, fa.appended, 3)
}
