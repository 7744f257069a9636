package tokenvault

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RedisIndex is a shared Index backend for multi-process deployments,
// grounded on secure-payment-gateway's Redis idempotency cache: a
// client plus a key prefix, Get/Set wrapped with context and a
// goredis.Nil check for absence.
type RedisIndex struct {
	client *goredis.Client
	prefix string
}

// NewRedisIndex creates a RedisIndex over an already-connected client.
func NewRedisIndex(client *goredis.Client) *RedisIndex {
	return &RedisIndex{client: client, prefix: "tokenvault:"}
}

func (r *RedisIndex) tokenKey(token string) string     { return r.prefix + token }
func (r *RedisIndex) sessionKey(keyHash string) string { return r.prefix + "session:" + keyHash }

func (r *RedisIndex) Put(ctx context.Context, token string, entry IndexEntry, ttl time.Duration) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("tokenvault: redis index marshal: %w", err)
	}
	if err := r.client.Set(ctx, r.tokenKey(token), data, ttl).Err(); err != nil {
		return fmt.Errorf("tokenvault: redis index set: %w", err)
	}
	if err := r.client.SAdd(ctx, r.sessionKey(entry.SessionKeyHash), token).Err(); err != nil {
		return fmt.Errorf("tokenvault: redis index sadd: %w", err)
	}
	return nil
}

func (r *RedisIndex) Get(ctx context.Context, token string) (IndexEntry, bool, error) {
	val, err := r.client.Get(ctx, r.tokenKey(token)).Bytes()
	if err != nil {
		if err == goredis.Nil {
			return IndexEntry{}, false, nil
		}
		return IndexEntry{}, false, fmt.Errorf("tokenvault: redis index get: %w", err)
	}
	var entry IndexEntry
	if err := json.Unmarshal(val, &entry); err != nil {
		return IndexEntry{}, false, fmt.Errorf("tokenvault: redis index unmarshal: %w", err)
	}
	return entry, true, nil
}

func (r *RedisIndex) Delete(ctx context.Context, token string) error {
	entry, ok, err := r.Get(ctx, token)
	if err != nil {
		return err
	}
	if err := r.client.Del(ctx, r.tokenKey(token)).Err(); err != nil {
		return fmt.Errorf("tokenvault: redis index del: %w", err)
	}
	if ok {
		if err := r.client.SRem(ctx, r.sessionKey(entry.SessionKeyHash), token).Err(); err != nil {
			return fmt.Errorf("tokenvault: redis index srem: %w", err)
		}
	}
	return nil
}

func (r *RedisIndex) TokensForSession(ctx context.Context, keyHash string) ([]string, error) {
	tokens, err := r.client.SMembers(ctx, r.sessionKey(keyHash)).Result()
	if err != nil {
		return nil, fmt.Errorf("tokenvault: redis index smembers: %w", err)
	}
	return tokens, nil
}

// Cleanup is a no-op: Redis expires token keys by TTL natively. A
// session-set member whose token key has expired is not removed by
// Cleanup, Get or Delete; it stays in the set, and TokensForSession
// still returns it.
func (r *RedisIndex) Cleanup(_ context.Context, _ time.Time) (int, error) {
	return 0, nil
}

var _ Index = (*RedisIndex)(nil)
