package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Proton-105/xo-arena/internal/domain"
)

// TransactionRepository reads the transaction history.
type TransactionRepository interface {
	FindByID(ctx context.Context, id string) (*domain.Transaction, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]domain.Transaction, error)
	ListByMatch(ctx context.Context, matchID string) ([]domain.Transaction, error)
}

type transactionRepository struct {
	db *sql.DB
}

// NewTransactionRepository creates a PostgreSQL-backed transaction repository.
func NewTransactionRepository(db *sql.DB) TransactionRepository {
	return &transactionRepository{db: db}
}

const transactionColumns = `id, user_id, type, amount, currency, status, match_id, reference, created_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tx          domain.Transaction
		matchID     sql.NullString
		reference   sql.NullString
		completedAt sql.NullTime
	)

	if err := row.Scan(
		&tx.ID,
		&tx.UserID,
		&tx.Type,
		&tx.Amount,
		&tx.Currency,
		&tx.Status,
		&matchID,
		&reference,
		&tx.CreatedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	tx.MatchID = matchID.String
	tx.Reference = reference.String
	if completedAt.Valid {
		t := completedAt.Time
		tx.CompletedAt = &t
	}

	return &tx, nil
}

func (r *transactionRepository) FindByID(ctx context.Context, id string) (*domain.Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = $1`, id)

	tx, err := scanTransaction(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, dbError(fmt.Errorf("select transaction: %w", err))
	}

	return tx, nil
}

func (r *transactionRepository) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Transaction, error) {
	return r.list(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2`,
		userID, normalizeLimit(limit))
}

func (r *transactionRepository) ListByMatch(ctx context.Context, matchID string) ([]domain.Transaction, error) {
	return r.list(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE match_id = $1 ORDER BY created_at`, matchID)
}

func (r *transactionRepository) list(ctx context.Context, query string, args ...any) ([]domain.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, dbError(fmt.Errorf("select transactions: %w", err))
	}
	defer rows.Close()

	var result []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, dbError(fmt.Errorf("scan transaction: %w", err))
		}
		result = append(result, *tx)
	}

	if err := rows.Err(); err != nil {
		return nil, dbError(err)
	}

	return result, nil
}
