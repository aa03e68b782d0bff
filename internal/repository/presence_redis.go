package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	appredis "github.com/Proton-105/xo-arena/pkg/redis"
)

const presenceKeyPattern = "presence:%s"

// Presence is the last known connection state of a user.
type Presence struct {
	UserID   string    `json:"user_id"`
	Online   bool      `json:"online"`
	Sessions int       `json:"sessions"`
	LastSeen time.Time `json:"last_seen"`
}

// PresenceRepository mirrors gateway connection state into Redis for
// operators and other processes sharing the instance.
type PresenceRepository struct {
	client *appredis.Client
	ttl    time.Duration
}

// NewPresenceRepository creates a Redis-backed presence store. Records expire after ttl.
func NewPresenceRepository(client *appredis.Client, ttl time.Duration) *PresenceRepository {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &PresenceRepository{client: client, ttl: ttl}
}

// Set stores the presence record with the repository TTL.
func (r *PresenceRepository) Set(ctx context.Context, p Presence) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	if err := r.client.Set(ctx, fmt.Sprintf(presenceKeyPattern, p.UserID), payload, r.ttl).Err(); err != nil {
		return fmt.Errorf("set presence to redis: %w", err)
	}

	return nil
}
