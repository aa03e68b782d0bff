// Package idempotency guarantees that an operation keyed by a stable identifier
// completes at most once within the retention window.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// ErrRequestInProgress is returned when another caller holds the lock for the key.
var ErrRequestInProgress = errors.New("request with this key is already in progress")

const defaultLockTTL = 5 * time.Minute

// Operation is the guarded unit of work. Its result must be JSON serializable.
type Operation func(ctx context.Context) (any, error)

// Result carries the operation output. Cached results only expose Raw.
type Result struct {
	Value     any
	Raw       json.RawMessage
	FromCache bool
}

// Decode unmarshals the stored response into dst.
func (r *Result) Decode(dst any) error {
	if r == nil || len(r.Raw) == 0 {
		return nil
	}
	return json.Unmarshal(r.Raw, dst)
}

type Manager interface {
	Execute(
		ctx context.Context,
		key string,
		ttl time.Duration,
		fn Operation,
	) (*Result, error)
}

type manager struct {
	store   Store
	log     *slog.Logger
	lockTTL time.Duration
	now     func() time.Time
}

func NewManager(store Store, log *slog.Logger) Manager {
	if log == nil {
		log = slog.Default()
	}

	return &manager{
		store:   store,
		log:     log,
		lockTTL: defaultLockTTL,
		now:     time.Now,
	}
}

// Execute runs fn unless a completed record exists for key. A failed fn leaves
// no record, so the caller may try again.
func (m *manager) Execute(ctx context.Context, key string, ttl time.Duration, fn Operation) (*Result, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if fn == nil {
		return nil, errors.New("operation fn cannot be nil")
	}

	record, err := m.store.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if record != nil && record.Status == StatusCompleted {
		return &Result{Raw: record.Response, FromCache: true}, nil
	}

	token, locked, err := m.store.Lock(ctx, key, m.lockTTL)
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, ErrRequestInProgress
	}
	defer func() {
		if err := m.store.ReleaseLock(context.WithoutCancel(ctx), key, token); err != nil {
			m.log.Warn("failed to release idempotency lock", slog.String("key", key), slog.Any("error", err))
		}
	}()

	// The record may have been written between Get and Lock.
	if record, err = m.store.Get(ctx, key); err != nil {
		return nil, err
	} else if record != nil && record.Status == StatusCompleted {
		return &Result{Raw: record.Response, FromCache: true}, nil
	}

	value, err := fn(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}

	if err := m.store.Set(ctx, key, &Record{Status: StatusCompleted, Response: raw, CompletedAt: m.now().UTC()}, ttl); err != nil {
		m.log.Error("failed to persist idempotency record", slog.String("key", key), slog.Any("error", err))
		return nil, err
	}

	return &Result{Value: value, Raw: raw}, nil
}
