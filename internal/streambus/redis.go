package streambus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of *redis.Client the stream backend needs.
type RedisClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	XRead(ctx context.Context, a *redis.XReadArgs) *redis.XStreamSliceCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Redis stores each task's log in a Redis stream capped near MaxLen entries.
type Redis struct {
	client RedisClient
	prefix string
	maxLen int64
}

func NewRedis(client RedisClient, keyPrefix string, maxLen int64) *Redis {
	if keyPrefix == "" {
		keyPrefix = "taskstream"
	}
	return &Redis{client: client, prefix: keyPrefix, maxLen: maxLen}
}

// Key returns the stream key for a task.
func (r *Redis) Key(taskID string) string {
	return fmt.Sprintf("%s:task:%s:stream", r.prefix, taskID)
}

func (r *Redis) Append(ctx context.Context, taskID string, e Entry) (string, error) {
	e = stamp(e)
	data := string(e.StructuredData)
	if data == "" {
		data = "{}"
	}
	args := &redis.XAddArgs{
		Stream: r.Key(taskID),
		Values: map[string]any{
			"message_type":    e.MessageType,
			"timestamp":       e.Timestamp,
			"message":         e.Message,
			"structured_data": data,
		},
	}
	if r.maxLen > 0 {
		args.MaxLen = r.maxLen
		args.Approx = true
	}
	id, err := r.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd %s: %w", args.Stream, err)
	}
	return id, nil
}

func (r *Redis) ReadSince(ctx context.Context, taskID, offset string, maxCount int64, block time.Duration) ([]Record, error) {
	key := r.Key(taskID)
	if maxCount <= 0 {
		maxCount = 100
	}
	if block > 0 {
		if isStart(offset) {
			offset = "0"
		}
		streams, err := r.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{key, offset},
			Count:   maxCount,
			Block:   block,
		}).Result()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("xread %s: %w", key, err)
		}
		var out []Record
		for _, s := range streams {
			out = append(out, toRecords(s.Messages)...)
		}
		return out, nil
	}

	start := "-"
	if !isStart(offset) {
		start = "(" + offset
	}
	msgs, err := r.client.XRangeN(ctx, key, start, "+", maxCount).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", key, err)
	}
	return toRecords(msgs), nil
}

// Purge deletes the task's stream.
func (r *Redis) Purge(ctx context.Context, taskID string) error {
	if err := r.client.Del(ctx, r.Key(taskID)).Err(); err != nil {
		return fmt.Errorf("del %s: %w", r.Key(taskID), err)
	}
	return nil
}

func toRecords(msgs []redis.XMessage) []Record {
	out := make([]Record, 0, len(msgs))
	for _, m := range msgs {
		e := Entry{
			MessageType: field(m.Values, "message_type"),
			Timestamp:   field(m.Values, "timestamp"),
			Message:     field(m.Values, "message"),
		}
		if raw := field(m.Values, "structured_data"); raw != "" && json.Valid([]byte(raw)) {
			e.StructuredData = json.RawMessage(raw)
		}
		out = append(out, Record{Offset: m.ID, Entry: e})
	}
	return out
}

func field(values map[string]any, key string) string {
	switch v := values[key].(type) {
	case string:
		return v
	case []byte:
		return string(v)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}
