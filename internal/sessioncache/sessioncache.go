// Package sessioncache maps a conversation id to the last upstream session id
// the agent runtime reported, so a later process can resume it.
package sessioncache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is implemented by Redis and KV. GetSessionID returns "" when nothing
// is cached.
type Cache interface {
	GetSessionID(ctx context.Context, conversationID string) (string, error)
	SetSessionID(ctx context.Context, conversationID, sessionID string) error
	Delete(ctx context.Context, conversationID string) error
}

// RedisClient is the subset of *redis.Client used here.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type Redis struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

func NewRedis(client RedisClient, keyPrefix string, ttl time.Duration) *Redis {
	if keyPrefix == "" {
		keyPrefix = "taskstream"
	}
	return &Redis{client: client, prefix: keyPrefix, ttl: ttl}
}

func (r *Redis) key(conversationID string) string {
	return fmt.Sprintf("%s:conversation:%s:session", r.prefix, conversationID)
}

func (r *Redis) GetSessionID(ctx context.Context, conversationID string) (string, error) {
	v, err := r.client.Get(ctx, r.key(conversationID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get cached session: %w", err)
	}
	return v, nil
}

func (r *Redis) SetSessionID(ctx context.Context, conversationID, sessionID string) error {
	if err := r.client.Set(ctx, r.key(conversationID), sessionID, r.ttl).Err(); err != nil {
		return fmt.Errorf("set cached session: %w", err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, conversationID string) error {
	if err := r.client.Del(ctx, r.key(conversationID)).Err(); err != nil {
		return fmt.Errorf("delete cached session: %w", err)
	}
	return nil
}

// KVStore is the kv_store slice of persistence.Store.
type KVStore interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string, ttl time.Duration) error
	KVDelete(ctx context.Context, key string) error
}

// KV keeps session ids in the task database when no Redis is configured.
type KV struct {
	store KVStore
	ttl   time.Duration
}

func NewKV(store KVStore, ttl time.Duration) *KV {
	return &KV{store: store, ttl: ttl}
}

func kvKey(conversationID string) string {
	return "session:" + conversationID
}

func (k *KV) GetSessionID(ctx context.Context, conversationID string) (string, error) {
	return k.store.KVGet(ctx, kvKey(conversationID))
}

func (k *KV) SetSessionID(ctx context.Context, conversationID, sessionID string) error {
	return k.store.KVSet(ctx, kvKey(conversationID), sessionID, k.ttl)
}

func (k *KV) Delete(ctx context.Context, conversationID string) error {
	return k.store.KVDelete(ctx, kvKey(conversationID))
}
