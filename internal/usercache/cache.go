// Package usercache caches user profiles in Redis for the gateway hot path.
package usercache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/Proton-105/xo-arena/internal/domain"
)

// ErrUnknown is returned for ids recently confirmed missing from the identity store.
var ErrUnknown = errors.New("user known to be missing")

const (
	keyPrefix  = "user:"
	missingTTL = 30 * time.Second

	fieldUsername = "username"
	fieldAvatar   = "avatar"
	fieldStatus   = "status"
	fieldAdmin    = "is_admin"
	fieldMissing  = "missing"
)

// Cache keeps the identity part of a profile in a Redis hash. Balances and
// statistics are never cached. A nil Cache or one without a client behaves as
// an always-empty cache.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache constructs a user cache backed by the provided Redis client.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}
}

// Get returns the cached profile, nil on a miss, or ErrUnknown for a negative entry.
func (c *Cache) Get(ctx context.Context, userID string) (*domain.User, error) {
	if c == nil || c.client == nil {
		return nil, nil
	}

	fields, err := c.client.HGetAll(ctx, cacheKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get cached user: %w", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	if fields[fieldMissing] == "1" {
		return nil, ErrUnknown
	}

	admin, _ := strconv.ParseBool(fields[fieldAdmin])
	return &domain.User{
		ID:       userID,
		Username: fields[fieldUsername],
		Avatar:   fields[fieldAvatar],
		Status:   domain.UserStatus(fields[fieldStatus]),
		IsAdmin:  admin,
	}, nil
}

// Set stores the identity fields of user.
func (c *Cache) Set(ctx context.Context, user *domain.User) error {
	if c == nil || c.client == nil || user == nil {
		return nil
	}

	return c.write(ctx, user.ID, c.ttl, map[string]any{
		fieldUsername: user.Username,
		fieldAvatar:   user.Avatar,
		fieldStatus:   string(user.Status),
		fieldAdmin:    strconv.FormatBool(user.IsAdmin),
	})
}

// SetMissing records that userID does not exist, so repeated connection
// attempts with a bogus id skip the database for a short while.
func (c *Cache) SetMissing(ctx context.Context, userID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.write(ctx, userID, missingTTL, map[string]any{fieldMissing: "1"})
}

// Invalidate removes the cached entry if it exists.
func (c *Cache) Invalidate(ctx context.Context, userID string) error {
	if c == nil || c.client == nil {
		return nil
	}

	if err := c.client.Unlink(ctx, cacheKey(userID)).Err(); err != nil {
		return fmt.Errorf("delete cached user: %w", err)
	}

	return nil
}

func (c *Cache) write(ctx context.Context, userID string, ttl time.Duration, fields map[string]any) error {
	key := cacheKey(userID)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("set cached user: %w", err)
	}
	return nil
}

func cacheKey(userID string) string {
	return keyPrefix + userID
}
