// Package user resolves player identities for the gateway and the game service.
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Proton-105/xo-arena/internal/domain"
	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/internal/repository"
	"github.com/Proton-105/xo-arena/internal/usercache"
)

// ErrUnknownUser is returned for ids the identity store does not know or has banned.
var ErrUnknownUser = apperrors.NewNotFoundError(apperrors.CodeUnknownUser, "unknown user")

// Service provides business operations over users.
type Service struct {
	repo  repository.UserRepository
	cache *usercache.Cache
	log   *slog.Logger
	now   func() time.Time
}

// NewService constructs a new Service instance. cache may be nil.
func NewService(repo repository.UserRepository, cache *usercache.Cache, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, cache: cache, log: log, now: time.Now}
}

// Resolve returns the profile of an active user, preferring the cache. Cached
// profiles carry no balance; read balances through the ledger.
func (s *Service) Resolve(ctx context.Context, userID string) (*domain.User, error) {
	if userID == "" {
		return nil, ErrUnknownUser
	}

	cached, err := s.cache.Get(ctx, userID)
	switch {
	case errors.Is(err, usercache.ErrUnknown):
		return nil, ErrUnknownUser
	case err != nil:
		s.logError("resolve.cache_get", userID, err)
	case cached != nil:
		if !cached.CanPlay() {
			return nil, ErrUnknownUser
		}
		return cached, nil
	}

	u, err := s.Get(ctx, userID)
	if errors.Is(err, ErrUnknownUser) {
		if cacheErr := s.cache.SetMissing(ctx, userID); cacheErr != nil {
			s.logError("resolve.cache_missing", userID, cacheErr)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}

	if err := s.cache.Set(ctx, u); err != nil {
		s.logError("resolve.cache_set", userID, err)
	}

	if !u.CanPlay() {
		return nil, ErrUnknownUser
	}

	return u, nil
}

// Get reads the user from the repository, bypassing the cache.
func (s *Service) Get(ctx context.Context, userID string) (*domain.User, error) {
	u, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownUser
		}
		s.logError("get", userID, err)
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// EnsureUser creates u when no user with the same id exists.
func (s *Service) EnsureUser(ctx context.Context, u domain.User) (*domain.User, error) {
	existing, err := s.repo.FindByID(ctx, u.ID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		s.logError("ensure.find", u.ID, err)
		return nil, fmt.Errorf("get user: %w", err)
	}

	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	if err := s.repo.Create(ctx, &u); err != nil {
		s.logError("ensure.create", u.ID, err)
		return nil, fmt.Errorf("create user: %w", err)
	}

	s.Invalidate(ctx, u.ID)
	s.log.Info("user created", slog.String("user_id", u.ID), slog.String("username", u.Username))
	return &u, nil
}

// TouchLogin records a successful gateway connection.
func (s *Service) TouchLogin(ctx context.Context, userID string) {
	if err := s.repo.TouchLogin(ctx, userID, s.now().UTC()); err != nil {
		s.logError("touch_login", userID, err)
	}
}

// Invalidate drops the cached profile after an out-of-band change.
func (s *Service) Invalidate(ctx context.Context, userID string) {
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logError("invalidate", userID, err)
	}
}

func (s *Service) logError(operation, userID string, err error) {
	if s == nil || s.log == nil || err == nil {
		return
	}

	s.log.Error("user service operation failed",
		slog.String("operation", operation),
		slog.String("user_id", userID),
		slog.Any("error", err),
	)
}
