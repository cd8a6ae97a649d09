// redis.go -- go-redis client for session caching.
//
// Stores the fields needed to validate a session, keyed by the hex token hash,
// with a TTL matching session expiry. Postgres remains the source of truth:
// a cache miss or Redis failure falls back to the database.
package store

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
)

// Key prefixes.
const (
	sessionKeyPrefix     = "session:"
	userSessionKeyPrefix = "user_sessions:"
)

// NewRedisClient parses redisURL, connects and pings.
// The client is shared by the session cache, rate-limit counters and the mail queue.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return rdb, nil
}

// RedisStore wraps a Redis client for session cache operations.
type RedisStore struct {
	rdb *redis.Client
}

// NewRedisStore wraps an existing client. Close the client, not the store.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

// CheckHealth pings Redis.
func (s *RedisStore) CheckHealth(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func sessionKey(tokenHash []byte) string {
	return sessionKeyPrefix + hex.EncodeToString(tokenHash)
}

func userSessionsKey(userID uuid.UUID) string {
	return userSessionKeyPrefix + userID.String()
}

// SetSession caches a session until its expiry.
// Also tracks the token hash in a per-user Set for bulk deletion.
func (s *RedisStore) SetSession(ctx context.Context, tokenHash []byte, cached CachedSession) error {
	ttl := time.Until(cached.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}

	setKey := userSessionsKey(cached.UserID)
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, sessionKey(tokenHash), data, ttl)
	pipe.SAdd(ctx, setKey, hex.EncodeToString(tokenHash))
	// Index outlives each member by at most one session lifetime.
	pipe.ExpireGT(ctx, setKey, ttl)
	pipe.ExpireNX(ctx, setKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("caching session: %w", err)
	}
	return nil
}

// GetSession retrieves a cached session by its token hash.
// Returns ErrCacheMiss when the key does not exist.
func (s *RedisStore) GetSession(ctx context.Context, tokenHash []byte) (*CachedSession, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(tokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("fetching session: %w", err)
	}

	var cached CachedSession
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, fmt.Errorf("parsing session: %w", err)
	}
	return &cached, nil
}

// DeleteSession removes a single session from cache by its token hash.
func (s *RedisStore) DeleteSession(ctx context.Context, tokenHash []byte, userID uuid.UUID) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(tokenHash))
	pipe.SRem(ctx, userSessionsKey(userID), hex.EncodeToString(tokenHash))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// DeleteAllUserSessions removes all cached sessions for the user.
func (s *RedisStore) DeleteAllUserSessions(ctx context.Context, userID uuid.UUID) error {
	setKey := userSessionsKey(userID)

	hashes, err := s.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return fmt.Errorf("fetching user sessions: %w", err)
	}

	pipe := s.rdb.TxPipeline()
	for _, h := range hashes {
		pipe.Del(ctx, sessionKeyPrefix+h)
	}
	pipe.Del(ctx, setKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("deleting user sessions: %w", err)
	}
	return nil
}

// NoopSessionCache satisfies the session cache contract without Redis.
// Every read is a miss, every write succeeds.
type NoopSessionCache struct{}

func (NoopSessionCache) SetSession(context.Context, []byte, CachedSession) error { return nil }

func (NoopSessionCache) GetSession(context.Context, []byte) (*CachedSession, error) {
	return nil, ErrCacheMiss
}

func (NoopSessionCache) DeleteSession(context.Context, []byte, uuid.UUID) error { return nil }

func (NoopSessionCache) DeleteAllUserSessions(context.Context, uuid.UUID) error { return nil }

func (NoopSessionCache) CheckHealth(context.Context) error { return ErrCacheDisabled }
