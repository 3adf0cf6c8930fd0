package redis

import (
	"context"
	"errors"
	"time"

	"github.com/birdiecourt/registry-core/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Cache struct {
	Client *redis.Client
}

func New(addr, pass string, db int) *Cache {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr, Password: pass, DB: db,
	})
	return &Cache{Client: rdb}
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.Client.Ping(ctx).Err()
}

// GetSessionStatus mirrors the session's status for a fast pre-check before
// a request is routed onto the Postgres-backed allocator, so a closed
// session can be rejected without taking a lock.
func (c *Cache) GetSessionStatus(ctx context.Context, sessionID uuid.UUID) (domain.SessionStatus, error) {
	val, err := c.Client.Get(ctx, sessionStatusKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", domain.ErrCacheMiss
		}
		return "", err
	}
	return domain.SessionStatus(val), nil
}

func (c *Cache) SetSessionStatus(ctx context.Context, sessionID uuid.UUID, status domain.SessionStatus) error {
	return c.Client.Set(ctx, sessionStatusKey(sessionID), string(status), 24*time.Hour).Err()
}

func sessionStatusKey(sessionID uuid.UUID) string { return "session:status:" + sessionID.String() }

// AllowRequest is a fixed-window rate limiter, grounded on the teacher's
// original event-join rate limit but keyed by caller-supplied key (user ID
// or IP) instead of always IP, since join requests are authenticated.
func (c *Cache) AllowRequest(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	fullKey := "ratelimit:" + key
	count, err := c.Client.Incr(ctx, fullKey).Result()
	if err != nil {
		return true, nil // fail open
	}
	if count == 1 {
		_ = c.Client.Expire(ctx, fullKey, window).Err()
	}
	return count <= int64(limit), nil
}
