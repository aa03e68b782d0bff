package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Proton-105/xo-arena/internal/match"
)

// GameRepository stores match snapshots for history and reconciliation.
type GameRepository interface {
	Upsert(ctx context.Context, m match.Match) error
	FindByID(ctx context.Context, id string) (*match.Match, error)
	ListBySettlement(ctx context.Context, state match.SettlementState, limit int) ([]match.Match, error)
	ListByPlayer(ctx context.Context, userID string, limit int) ([]match.Match, error)
}

type gameRepository struct {
	db  *sql.DB
	log *slog.Logger
}

// NewGameRepository creates a PostgreSQL-backed game repository.
func NewGameRepository(db *sql.DB, log *slog.Logger) GameRepository {
	return &gameRepository{db: db, log: log}
}

func (r *gameRepository) Upsert(ctx context.Context, m match.Match) error {
	const query = `
		INSERT INTO games (id, status, settlement, bet_amount, pot, winner, player_x, player_o, snapshot, created_at, updated_at, ended_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), $11)
		ON CONFLICT (id) DO UPDATE SET
			status     = EXCLUDED.status,
			settlement = EXCLUDED.settlement,
			pot        = EXCLUDED.pot,
			winner     = EXCLUDED.winner,
			player_o   = EXCLUDED.player_o,
			snapshot   = EXCLUDED.snapshot,
			updated_at = now(),
			ended_at   = EXCLUDED.ended_at
	`

	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal match snapshot: %w", err)
	}

	var endedAt sql.NullTime
	if m.EndedAt != nil {
		endedAt = sql.NullTime{Time: *m.EndedAt, Valid: true}
	}

	if _, err := r.db.ExecContext(ctx, query,
		m.ID,
		string(m.Status),
		string(m.Settlement),
		m.BetAmount,
		m.Pot,
		m.Winner.String(),
		seatID(m.Players.X),
		seatID(m.Players.O),
		payload,
		m.CreatedAt,
		endedAt,
	); err != nil {
		if r.log != nil {
			r.log.Error("failed to upsert game", slog.String("match_id", m.ID), slog.Any("error", err))
		}
		return dbError(fmt.Errorf("upsert game: %w", err))
	}

	return nil
}

func (r *gameRepository) FindByID(ctx context.Context, id string) (*match.Match, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx, `SELECT snapshot FROM games WHERE id = $1`, id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, dbError(fmt.Errorf("select game: %w", err))
	}

	var m match.Match
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("unmarshal match snapshot: %w", err)
	}

	return &m, nil
}

func (r *gameRepository) ListBySettlement(ctx context.Context, state match.SettlementState, limit int) ([]match.Match, error) {
	return r.list(ctx, `
		SELECT snapshot FROM games
		WHERE settlement = $1
		ORDER BY created_at
		LIMIT $2
	`, string(state), normalizeLimit(limit))
}

func (r *gameRepository) ListByPlayer(ctx context.Context, userID string, limit int) ([]match.Match, error) {
	return r.list(ctx, `
		SELECT snapshot FROM games
		WHERE player_x = $1 OR player_o = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, normalizeLimit(limit))
}

func (r *gameRepository) list(ctx context.Context, query string, args ...any) ([]match.Match, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError(fmt.Errorf("select games: %w", err))
	}
	defer rows.Close()

	var result []match.Match
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, dbError(fmt.Errorf("scan game: %w", err))
		}

		var m match.Match
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("unmarshal match snapshot: %w", err)
		}
		result = append(result, m)
	}

	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}

	return result, nil
}

func seatID(p *match.Player) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: p.ID, Valid: true}
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return 100
	}
	return limit
}
