package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Proton-105/xo-arena/internal/domain"
)

// UserRepository defines persistence operations for users.
type UserRepository interface {
	FindByID(ctx context.Context, id string) (*domain.User, error)
	Create(ctx context.Context, user *domain.User) error
	TouchLogin(ctx context.Context, id string, at time.Time) error
}

type userRepository struct {
	db  *sql.DB
	log *slog.Logger
}

// NewUserRepository creates a new SQL-backed user repository.
func NewUserRepository(db *sql.DB, log *slog.Logger) UserRepository {
	return &userRepository{
		db:  db,
		log: log,
	}
}

// FindByID retrieves a user by the identifier issued by the identity provider.
func (r *userRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `
		SELECT id, username, avatar, balance, games_played, games_won, status, is_admin, created_at, last_login_at
		FROM users
		WHERE id = $1
	`

	row := r.db.QueryRowContext(ctx, query, id)

	var (
		user      domain.User
		lastLogin sql.NullTime
	)
	if err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Avatar,
		&user.Balance,
		&user.GamesPlayed,
		&user.GamesWon,
		&user.Status,
		&user.IsAdmin,
		&user.CreatedAt,
		&lastLogin,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}

		if r.log != nil {
			r.log.Error("failed to fetch user", slog.String("user_id", id), slog.Any("error", err))
		}
		return nil, dbError(fmt.Errorf("select user: %w", err))
	}

	if lastLogin.Valid {
		t := lastLogin.Time
		user.LastLoginAt = &t
	}

	return &user, nil
}

// Create persists a new user record in the database.
func (r *userRepository) Create(ctx context.Context, user *domain.User) error {
	const query = `
		INSERT INTO users (id, username, avatar, balance, status, is_admin, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	status := user.Status
	if status == "" {
		status = domain.UserStatusActive
	}

	if _, err := r.db.ExecContext(
		ctx,
		query,
		user.ID,
		user.Username,
		user.Avatar,
		user.Balance,
		status,
		user.IsAdmin,
		user.CreatedAt,
	); err != nil {
		if pqCode(err) == pqUniqueViolation {
			return fmt.Errorf("insert user %s: already exists", user.ID)
		}
		if r.log != nil {
			r.log.Error("failed to create user", slog.String("user_id", user.ID), slog.Any("error", err))
		}
		return dbError(fmt.Errorf("insert user: %w", err))
	}

	return nil
}

// TouchLogin records the time of the latest gateway connection.
func (r *userRepository) TouchLogin(ctx context.Context, id string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return dbError(fmt.Errorf("update last login: %w", err))
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}

	return nil
}
