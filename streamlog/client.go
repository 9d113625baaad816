// Package streamlog provides a durable-log abstraction over a Redis Streams
// consumer group: append, consume, ack, and claim-idle for abandoned pending
// entries. Consumer groups, rather than a plain list queue, are what the
// aggregator's at-least-once delivery model depends on.
package streamlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"flowmetry.evalgo.org/common"
	"flowmetry.evalgo.org/metricpoint"
)

// Entry is one durable-log record paired with the metric point it carries.
type Entry struct {
	ID    string
	Point metricpoint.Point
}

// Config configures a Client.
type Config struct {
	Addr     string
	Password string
	DB       int
	Stream   string
	Group    string
	Consumer string
}

// Client wraps a consumer-group stream on a single Redis instance.
type Client struct {
	rdb      *redis.Client
	stream   string
	group    string
	consumer string
	logger   *common.ContextLogger
}

// NewClient constructs a Client from Config. It does not connect eagerly;
// the first operation establishes the connection.
func NewClient(cfg Config) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		stream:   cfg.Stream,
		group:    cfg.Group,
		consumer: cfg.Consumer,
		logger:   common.NewContextLogger(common.Logger, map[string]interface{}{"stream": cfg.Stream}),
	}
}

// NewClientFromRedis wraps an already-constructed *redis.Client, used by
// tests against miniredis.
func NewClientFromRedis(rdb *redis.Client, stream, group, consumer string) *Client {
	return &Client{
		rdb:      rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		logger:   common.NewContextLogger(common.Logger, map[string]interface{}{"stream": stream}),
	}
}

// Close releases the underlying Redis connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Append atomically appends one entry containing payload under the "data"
// field to the configured stream.
func (c *Client) Append(ctx context.Context, payload []byte) (string, error) {
	id, err := c.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: c.stream,
		Values: map[string]interface{}{"data": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("streamlog: append failed: %w", err)
	}
	return id, nil
}

// EnsureGroup idempotently creates the consumer group starting from the
// beginning of the stream, auto-creating the stream if missing. The
// "group already exists" (BUSYGROUP) error is swallowed.
func (c *Client) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.stream, c.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("streamlog: ensure group failed: %w", err)
	}
	return nil
}

// Read returns up to count new entries addressed to this consumer under the
// group, blocking up to block for new data. A timeout (no new messages)
// returns an empty, non-error result.
func (c *Client) Read(ctx context.Context, count int64, block time.Duration) ([]Entry, error) {
	res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.consumer,
		Streams:  []string{c.stream, ">"},
		Count:    count,
		Block:    block,
	}).Result()

	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("streamlog: read failed: %w", err)
	}

	var entries []Entry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			entry, ok := c.parseMessage(msg.ID, msg.Values)
			if !ok {
				// The entry stays un-acked and will come back via claim_idle.
				c.logger.WithField("entry_id", msg.ID).Warn("skipping unparseable stream entry")
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Ack marks one entry delivered.
func (c *Client) Ack(ctx context.Context, entryID string) error {
	if err := c.rdb.XAck(ctx, c.stream, c.group, entryID).Err(); err != nil {
		return fmt.Errorf("streamlog: ack failed: %w", err)
	}
	return nil
}

// ClaimIdle transfers ownership of up to count pending entries that have not
// been acked for at least minIdle to this consumer, returning them in the
// same shape as Read. Claimed entries with an empty "data" field are
// immediately acked and skipped.
func (c *Client) ClaimIdle(ctx context.Context, minIdle time.Duration, count int64) ([]Entry, error) {
	pending, err := c.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: c.stream,
		Group:  c.group,
		Idle:   minIdle,
		Start:  "-",
		End:    "+",
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("streamlog: xpending failed: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		ids = append(ids, p.ID)
	}

	msgs, err := c.rdb.XClaim(ctx, &redis.XClaimArgs{
		Stream:   c.stream,
		Group:    c.group,
		Consumer: c.consumer,
		MinIdle:  minIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("streamlog: xclaim failed: %w", err)
	}

	var entries []Entry
	for _, msg := range msgs {
		raw, hasData := msg.Values["data"]
		if !hasData || raw == nil || raw == "" {
			if ackErr := c.Ack(ctx, msg.ID); ackErr != nil {
				return nil, ackErr
			}
			continue
		}
		entry, ok := c.parseMessage(msg.ID, msg.Values)
		if !ok {
			c.logger.WithField("entry_id", msg.ID).Warn("skipping unparseable claimed entry")
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func (c *Client) parseMessage(id string, values map[string]interface{}) (Entry, bool) {
	raw, ok := values["data"]
	if !ok {
		return Entry{}, false
	}

	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return Entry{}, false
	}

	var point metricpoint.Point
	if err := json.Unmarshal(data, &point); err != nil {
		return Entry{}, false
	}

	return Entry{ID: id, Point: point}, true
}
