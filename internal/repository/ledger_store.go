package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Proton-105/xo-arena/internal/domain"
	"github.com/Proton-105/xo-arena/internal/ledger"
)

// LedgerStore implements ledger.Store on PostgreSQL. Every balance change runs
// as a single conditional UPDATE inside the transaction that records it.
type LedgerStore struct {
	db  *sql.DB
	log *slog.Logger
	now func() time.Time
}

var _ ledger.Store = (*LedgerStore)(nil)

// NewLedgerStore creates a PostgreSQL-backed ledger store.
func NewLedgerStore(db *sql.DB, log *slog.Logger) *LedgerStore {
	if log == nil {
		log = slog.Default()
	}
	return &LedgerStore{db: db, log: log, now: time.Now}
}

// Apply adds e.Delta to the user's balance and records a completed transaction.
func (s *LedgerStore) Apply(ctx context.Context, e ledger.Entry) (int64, *domain.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, dbError(fmt.Errorf("begin ledger tx: %w", err))
	}
	defer rollback(tx)

	balance, err := adjust(ctx, tx, e.UserID, e.Delta)
	if err != nil {
		return 0, nil, err
	}

	now := s.now().UTC()
	record := domain.Transaction{
		ID:          uuid.NewString(),
		UserID:      e.UserID,
		Type:        e.Type,
		Amount:      abs(e.Delta),
		Currency:    domain.DefaultCurrency,
		Status:      domain.TransactionCompleted,
		MatchID:     e.MatchID,
		Reference:   e.Reference,
		CreatedAt:   now,
		CompletedAt: &now,
	}
	if err := insertTransaction(ctx, tx, record); err != nil {
		return 0, nil, err
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, dbError(fmt.Errorf("commit ledger tx: %w", err))
	}

	return balance, &record, nil
}

// Balance returns the stored balance.
func (s *LedgerStore) Balance(ctx context.Context, userID string) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = $1`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ledger.ErrUserNotFound
		}
		return 0, dbError(fmt.Errorf("select balance: %w", err))
	}
	return balance, nil
}

// CommitSettlement writes the settlement marker, credits and play counters in one transaction.
func (s *LedgerStore) CommitSettlement(ctx context.Context, st ledger.Settlement) ([]domain.Transaction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbError(fmt.Errorf("begin settlement tx: %w", err))
	}
	defer rollback(tx)

	now := s.now().UTC()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO settlements (match_id, outcome, settled_at) VALUES ($1, $2, $3) ON CONFLICT (match_id) DO NOTHING`,
		st.MatchID, st.Outcome, now)
	if err != nil {
		return nil, dbError(fmt.Errorf("insert settlement marker: %w", err))
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, dbError(err)
	} else if n == 0 {
		return nil, ledger.ErrAlreadySettled
	}

	records := make([]domain.Transaction, 0, len(st.Entries))
	for _, e := range st.Entries {
		if _, err := adjust(ctx, tx, e.UserID, e.Delta); err != nil {
			return nil, err
		}

		record := domain.Transaction{
			ID:          uuid.NewString(),
			UserID:      e.UserID,
			Type:        e.Type,
			Amount:      abs(e.Delta),
			Currency:    domain.DefaultCurrency,
			Status:      domain.TransactionCompleted,
			MatchID:     st.MatchID,
			Reference:   e.Reference,
			CreatedAt:   now,
			CompletedAt: &now,
		}
		if err := insertTransaction(ctx, tx, record); err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	for _, stat := range st.Stats {
		if _, err := tx.ExecContext(ctx,
			`UPDATE users SET games_played = games_played + $2, games_won = games_won + $3 WHERE id = $1`,
			stat.UserID, stat.Played, stat.Won); err != nil {
			return nil, dbError(fmt.Errorf("update play counters: %w", err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, dbError(fmt.Errorf("commit settlement: %w", err))
	}

	s.log.Info("settlement committed",
		slog.String("match_id", st.MatchID),
		slog.String("outcome", st.Outcome),
		slog.Int("credits", len(records)),
	)

	return records, nil
}

// RecordPending inserts a pending deposit or withdrawal.
func (s *LedgerStore) RecordPending(ctx context.Context, t domain.Transaction) (*domain.Transaction, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, dbError(fmt.Errorf("begin pending tx: %w", err))
	}
	defer rollback(tx)

	if err := insertTransaction(ctx, tx, t); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, dbError(fmt.Errorf("commit pending tx: %w", err))
	}

	return &t, nil
}

// ResolvePending completes or fails a pending transaction exactly once.
func (s *LedgerStore) ResolvePending(ctx context.Context, txID string, status domain.TransactionStatus) (*domain.Transaction, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, dbError(fmt.Errorf("begin resolve tx: %w", err))
	}
	defer rollback(tx)

	if _, err := uuid.Parse(txID); err != nil {
		return nil, 0, ledger.ErrTransactionNotFound
	}

	record, err := scanTransaction(tx.QueryRowContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = $1 FOR UPDATE`, txID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, ledger.ErrTransactionNotFound
		}
		return nil, 0, dbError(fmt.Errorf("select pending transaction: %w", err))
	}
	if record.Status != domain.TransactionPending {
		return nil, 0, ledger.ErrTransactionResolved
	}

	var balance int64
	if status == domain.TransactionCompleted {
		balance, err = adjust(ctx, tx, record.UserID, record.SignedAmount())
		if err != nil {
			return nil, 0, err
		}
	} else if err := tx.QueryRowContext(ctx, `SELECT balance FROM users WHERE id = $1`, record.UserID).Scan(&balance); err != nil {
		return nil, 0, dbError(fmt.Errorf("select balance: %w", err))
	}

	now := s.now().UTC()
	if _, err := tx.ExecContext(ctx,
		`UPDATE transactions SET status = $2, completed_at = $3 WHERE id = $1`,
		txID, string(status), now); err != nil {
		return nil, 0, dbError(fmt.Errorf("update transaction status: %w", err))
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, dbError(fmt.Errorf("commit resolve tx: %w", err))
	}

	record.Status = status
	record.CompletedAt = &now

	return record, balance, nil
}

func adjust(ctx context.Context, tx *sql.Tx, userID string, delta int64) (int64, error) {
	var balance int64
	err := tx.QueryRowContext(ctx,
		`UPDATE users SET balance = balance + $2 WHERE id = $1 AND balance + $2 >= 0 RETURNING balance`,
		userID, delta).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, dbError(fmt.Errorf("update balance: %w", err))
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); err != nil {
		return 0, dbError(fmt.Errorf("check user: %w", err))
	}
	if !exists {
		return 0, ledger.ErrUserNotFound
	}

	return 0, ledger.ErrInsufficientFunds
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t domain.Transaction) error {
	var completedAt sql.NullTime
	if t.CompletedAt != nil {
		completedAt = sql.NullTime{Time: *t.CompletedAt, Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions (id, user_id, type, amount, currency, status, match_id, reference, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), NULLIF($8, ''), $9, $10)
	`, t.ID, t.UserID, string(t.Type), t.Amount, t.Currency, string(t.Status), t.MatchID, t.Reference, t.CreatedAt, completedAt)
	if err != nil {
		switch pqCode(err) {
		case pqForeignKeyViolation:
			return ledger.ErrUserNotFound
		case pqCheckViolation:
			return fmt.Errorf("%w: %v", ledger.ErrInvalidEntry, err)
		}
		return dbError(fmt.Errorf("insert transaction: %w", err))
	}

	return nil
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
