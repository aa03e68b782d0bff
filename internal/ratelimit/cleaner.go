package ratelimit

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cleaner trims sliding windows that no request touched for maxAge. It runs as
// a scheduled job rather than a loop of its own.
type Cleaner struct {
	client *redis.Client
	log    *slog.Logger
	maxAge time.Duration
	now    func() time.Time
}

// NewCleaner constructs a Cleaner instance.
func NewCleaner(client *redis.Client, log *slog.Logger, maxAge time.Duration) *Cleaner {
	if log == nil {
		log = slog.Default()
	}
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}

	return &Cleaner{
		client: client,
		log:    log.With(slog.String("component", "ratelimit_cleaner")),
		maxAge: maxAge,
		now:    time.Now,
	}
}

// Cleanup removes entries older than maxAge and deletes the windows left empty.
// It returns the number of deleted keys.
func (c *Cleaner) Cleanup(ctx context.Context) int {
	if c == nil || c.client == nil {
		return 0
	}

	cutoff := "(" + strconv.FormatInt(c.now().Add(-c.maxAge).UnixMilli(), 10)
	removed := 0

	iter := c.client.Scan(ctx, 0, keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		if c.trim(ctx, iter.Val(), cutoff) {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		c.log.Error("scan failed", slog.Any("error", err))
	}

	if removed > 0 {
		c.log.Info("windows removed", slog.Int("keys_removed", removed))
	}
	return removed
}

func (c *Cleaner) trim(ctx context.Context, key, cutoff string) bool {
	var card *redis.IntCmd
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
		card = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		c.log.Warn("trim failed", slog.String("key", key), slog.Any("error", err))
		return false
	}
	if card.Val() > 0 {
		return false
	}

	if err := c.client.Unlink(ctx, key).Err(); err != nil {
		c.log.Warn("failed to delete empty window", slog.String("key", key), slog.Any("error", err))
		return false
	}
	return true
}
