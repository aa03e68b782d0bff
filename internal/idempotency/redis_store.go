package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

// KeyPrefix namespaces every key written by RedisStore.
const KeyPrefix = "idempotency:"

// Record is the stored outcome of a key.
type Record struct {
	Status      string          `json:"status"`
	Response    json.RawMessage `json:"response,omitempty"`
	CompletedAt time.Time       `json:"completed_at"`
}

// Store persists records and the per-key execution lock. Lock hands out a
// token; only the holder of that token can release the lock.
type Store interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error)
	Get(ctx context.Context, key string) (*Record, error)
	Set(ctx context.Context, key string, record *Record, ttl time.Duration) error
	ReleaseLock(ctx context.Context, key, token string) error
}

// releaseScript deletes the lock only while it still carries the caller's token,
// so an expired lock taken over by another caller is left alone.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStore keeps JSON records under KeyPrefix with an expiry.
type RedisStore struct {
	client *redis.Client
	log    *slog.Logger
}

func NewRedisStore(client *redis.Client, log *slog.Logger) Store {
	if log == nil {
		log = slog.Default()
	}

	return &RedisStore{client: client, log: log.With(slog.String("component", "idempotency"))}
}

func (s *RedisStore) Lock(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	acquired, err := s.client.SetNX(ctx, lockKey(key), token, ttl).Result()
	if err != nil {
		s.log.Error("failed to acquire lock", slog.String("key", key), slog.Any("error", err))
		return "", false, fmt.Errorf("acquire lock: %w", err)
	}
	if !acquired {
		return "", false, nil
	}

	return token, true, nil
}

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	raw, err := s.client.Get(ctx, recordKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		s.log.Error("failed to fetch record", slog.String("key", key), slog.Any("error", err))
		return nil, fmt.Errorf("get record: %w", err)
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		s.log.Warn("dropping unreadable record", slog.String("key", key), slog.Any("error", err))
		return nil, nil
	}

	return &record, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, record *Record, ttl time.Duration) error {
	if record == nil {
		return nil
	}

	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	if err := s.client.Set(ctx, recordKey(key), raw, ttl).Err(); err != nil {
		s.log.Error("failed to store record", slog.String("key", key), slog.Any("error", err))
		return fmt.Errorf("store record: %w", err)
	}

	return nil
}

func (s *RedisStore) ReleaseLock(ctx context.Context, key, token string) error {
	if token == "" {
		return nil
	}

	if err := releaseScript.Run(ctx, s.client, []string{lockKey(key)}, token).Err(); err != nil {
		s.log.Error("failed to release lock", slog.String("key", key), slog.Any("error", err))
		return fmt.Errorf("release lock: %w", err)
	}

	return nil
}

func recordKey(key string) string {
	return KeyPrefix + key
}

func lockKey(key string) string {
	return KeyPrefix + "lock:" + key
}
