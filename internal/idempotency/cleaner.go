package idempotency

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const cleanerBatch = 100

// Cleaner removes keys under KeyPrefix that lost their expiry or whose TTL
// exceeds maxTTL, which happens when retention is shortened in configuration.
type Cleaner struct {
	client *redis.Client
	log    *slog.Logger
	maxTTL time.Duration
}

func NewCleaner(client *redis.Client, log *slog.Logger, maxTTL time.Duration) *Cleaner {
	if log == nil {
		log = slog.Default()
	}
	if maxTTL <= 0 {
		maxTTL = 25 * time.Hour
	}

	return &Cleaner{
		client: client,
		log:    log.With(slog.String("component", "idempotency_cleaner")),
		maxTTL: maxTTL,
	}
}

// Cleanup performs one scan pass and returns the number of deleted keys.
func (c *Cleaner) Cleanup(ctx context.Context) int {
	if c == nil || c.client == nil {
		return 0
	}

	deleted := 0
	batch := make([]string, 0, cleanerBatch)

	iter := c.client.Scan(ctx, 0, KeyPrefix+"*", cleanerBatch).Iterator()
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cleanerBatch {
			deleted += c.sweep(ctx, batch)
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		c.log.Error("scan failed", slog.Any("error", err))
	}
	if len(batch) > 0 {
		deleted += c.sweep(ctx, batch)
	}

	if deleted > 0 {
		c.log.Info("removed stale keys", slog.Int("deleted", deleted))
	}
	return deleted
}

func (c *Cleaner) sweep(ctx context.Context, keys []string) int {
	pipe := c.client.Pipeline()
	ttls := make([]*redis.DurationCmd, len(keys))
	for i, key := range keys {
		ttls[i] = pipe.TTL(ctx, key)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("ttl lookup failed", slog.Any("error", err))
		return 0
	}

	stale := make([]string, 0, len(keys))
	for i, cmd := range ttls {
		ttl, err := cmd.Result()
		if err != nil {
			continue
		}
		// -1 marks a key without expiry; -2 a key that vanished meanwhile.
		if ttl == -1 || ttl > c.maxTTL {
			stale = append(stale, keys[i])
		}
	}
	if len(stale) == 0 {
		return 0
	}

	n, err := c.client.Unlink(ctx, stale...).Result()
	if err != nil {
		c.log.Warn("failed to delete stale keys", slog.Any("error", err))
		return 0
	}
	return int(n)
}
