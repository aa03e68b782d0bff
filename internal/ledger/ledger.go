// Package ledger is the only code path allowed to change user balances and play counts.
package ledger

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Proton-105/xo-arena/internal/domain"
	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/pkg/metrics"
)

var (
	// ErrInsufficientFunds is returned when a debit would make the balance negative.
	ErrInsufficientFunds = apperrors.NewResourceError(apperrors.CodeInsufficientFunds, "insufficient funds")
	// ErrUserNotFound is returned when the entry targets an unknown user.
	ErrUserNotFound = apperrors.NewNotFoundError(apperrors.CodeUnknownUser, "user not found")
	// ErrTransactionNotFound is returned when resolving an unknown transaction.
	ErrTransactionNotFound = apperrors.NewNotFoundError(apperrors.CodeTransactionMissing, "transaction not found")
	// ErrTransactionResolved is returned when a transaction is no longer pending.
	ErrTransactionResolved = apperrors.NewStateError(apperrors.CodeTransactionClosed, "transaction already resolved")
	// ErrAlreadySettled is returned by CommitSettlement when the match marker already exists.
	ErrAlreadySettled = stderrors.New("match already settled")
	// ErrInvalidEntry reports a malformed entry: zero delta, unknown type or a sign that contradicts the type.
	ErrInvalidEntry = apperrors.NewValidationError(apperrors.CodeValidation, "invalid ledger entry")
)

// Entry is one signed balance change and the transaction recorded with it.
type Entry struct {
	UserID    string
	Delta     int64
	Type      domain.TransactionType
	MatchID   string
	Reference string
}

// StatsDelta increments play counters for a user.
type StatsDelta struct {
	UserID string
	Played int
	Won    int
}

// Settlement is the all-or-nothing unit written when a match ends.
// Entries must all be credits.
type Settlement struct {
	MatchID string
	Outcome string
	Entries []Entry
	Stats   []StatsDelta
}

// Store persists balances and transactions. Implementations must apply each
// call atomically and never lose concurrent updates to the same user.
type Store interface {
	// Apply adds e.Delta to the balance and records a completed transaction in the same unit.
	Apply(ctx context.Context, e Entry) (int64, *domain.Transaction, error)
	Balance(ctx context.Context, userID string) (int64, error)
	// CommitSettlement writes the settled marker, the credits and the counters, or nothing.
	CommitSettlement(ctx context.Context, s Settlement) ([]domain.Transaction, error)
	// RecordPending inserts a pending transaction and returns the stored row.
	RecordPending(ctx context.Context, tx domain.Transaction) (*domain.Transaction, error)
	// ResolvePending moves a pending transaction to completed or failed, applying
	// the balance delta when completed. Returns the new balance.
	ResolvePending(ctx context.Context, txID string, status domain.TransactionStatus) (*domain.Transaction, int64, error)
}

// Ledger validates balance changes and delegates them to the Store.
type Ledger struct {
	store   Store
	houseID string
	log     *slog.Logger
	now     func() time.Time
}

// New builds a Ledger. Entries addressed to houseID are skipped: the house
// (the bot opponent) has no wallet.
func New(store Store, houseID string, log *slog.Logger) *Ledger {
	if log == nil {
		log = slog.Default()
	}

	return &Ledger{
		store:   store,
		houseID: houseID,
		log:     log,
		now:     time.Now,
	}
}

// IsHouse reports whether userID is the house identity.
func (l *Ledger) IsHouse(userID string) bool {
	return l.houseID != "" && userID == l.houseID
}

// AdjustBalance atomically applies e and returns the new balance.
func (l *Ledger) AdjustBalance(ctx context.Context, e Entry) (int64, error) {
	if err := validateEntry(e); err != nil {
		return 0, err
	}

	if l.IsHouse(e.UserID) {
		return 0, nil
	}

	balance, tx, err := l.store.Apply(ctx, e)
	if err != nil {
		metrics.RecordLedgerAdjustment(string(e.Type), resultLabel(err))
		if !stderrors.Is(err, ErrInsufficientFunds) {
			l.log.Error("ledger adjustment failed",
				slog.String("user_id", e.UserID),
				slog.Int64("delta", e.Delta),
				slog.String("type", string(e.Type)),
				slog.Any("error", err),
			)
		}
		return balance, err
	}

	metrics.RecordLedgerAdjustment(string(e.Type), "ok")
	l.log.Debug("ledger adjusted",
		slog.String("user_id", e.UserID),
		slog.Int64("delta", e.Delta),
		slog.Int64("balance", balance),
		slog.String("transaction_id", tx.ID),
	)

	return balance, nil
}

// Charge debits a per-move stake.
func (l *Ledger) Charge(ctx context.Context, userID string, amount int64, matchID string) error {
	_, err := l.AdjustBalance(ctx, Entry{
		UserID:  userID,
		Delta:   -amount,
		Type:    domain.TransactionBet,
		MatchID: matchID,
	})
	return err
}

// Balance returns the current balance of userID.
func (l *Ledger) Balance(ctx context.Context, userID string) (int64, error) {
	if l.IsHouse(userID) {
		return 0, nil
	}

	return l.store.Balance(ctx, userID)
}

// HasFunds reports whether userID can cover amount right now.
func (l *Ledger) HasFunds(ctx context.Context, userID string, amount int64) (bool, error) {
	if l.IsHouse(userID) {
		return true, nil
	}

	balance, err := l.store.Balance(ctx, userID)
	if err != nil {
		return false, err
	}

	return balance >= amount, nil
}

// CommitSettlement writes a match settlement. ErrAlreadySettled means a previous
// call already committed it.
func (l *Ledger) CommitSettlement(ctx context.Context, s Settlement) ([]domain.Transaction, error) {
	if s.MatchID == "" {
		return nil, fmt.Errorf("%w: settlement without match id", ErrInvalidEntry)
	}

	filtered := Settlement{MatchID: s.MatchID, Outcome: s.Outcome}
	for _, e := range s.Entries {
		if err := validateEntry(e); err != nil {
			return nil, err
		}
		if e.Delta < 0 {
			return nil, fmt.Errorf("%w: settlement entries must be credits", ErrInvalidEntry)
		}
		if l.IsHouse(e.UserID) {
			continue
		}
		filtered.Entries = append(filtered.Entries, e)
	}
	for _, st := range s.Stats {
		if l.IsHouse(st.UserID) {
			continue
		}
		filtered.Stats = append(filtered.Stats, st)
	}

	txs, err := l.store.CommitSettlement(ctx, filtered)
	if err != nil {
		if !stderrors.Is(err, ErrAlreadySettled) {
			l.log.Error("settlement commit failed", slog.String("match_id", s.MatchID), slog.Any("error", err))
		}
		return nil, err
	}

	for _, e := range filtered.Entries {
		metrics.RecordLedgerAdjustment(string(e.Type), "ok")
	}

	return txs, nil
}

// RequestTransfer records a pending deposit or withdrawal awaiting adjudication.
func (l *Ledger) RequestTransfer(ctx context.Context, userID string, kind domain.TransactionType, amount int64, currency, reference string) (*domain.Transaction, error) {
	if kind != domain.TransactionDeposit && kind != domain.TransactionWithdrawal {
		return nil, fmt.Errorf("%w: only deposits and withdrawals can be requested", ErrInvalidEntry)
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidEntry)
	}
	if currency == "" {
		currency = domain.DefaultCurrency
	}

	return l.store.RecordPending(ctx, domain.Transaction{
		UserID:    userID,
		Type:      kind,
		Amount:    amount,
		Currency:  currency,
		Status:    domain.TransactionPending,
		Reference: reference,
		CreatedAt: l.now().UTC(),
	})
}

// Resolve completes or fails a pending transaction, applying its balance effect once.
func (l *Ledger) Resolve(ctx context.Context, txID string, status domain.TransactionStatus) (*domain.Transaction, int64, error) {
	if status != domain.TransactionCompleted && status != domain.TransactionFailed {
		return nil, 0, fmt.Errorf("%w: resolution must be completed or failed", ErrInvalidEntry)
	}

	tx, balance, err := l.store.ResolvePending(ctx, txID, status)
	if err != nil {
		return nil, 0, err
	}

	if status == domain.TransactionCompleted {
		metrics.RecordLedgerAdjustment(string(tx.Type), "ok")
	}

	l.log.Info("transaction resolved",
		slog.String("transaction_id", tx.ID),
		slog.String("user_id", tx.UserID),
		slog.String("status", string(status)),
		slog.Int64("balance", balance),
	)

	return tx, balance, nil
}

func validateEntry(e Entry) error {
	if e.UserID == "" || e.Delta == 0 || !e.Type.Valid() {
		return ErrInvalidEntry
	}
	if (e.Delta > 0) != e.Type.Credits() {
		return fmt.Errorf("%w: %s cannot carry delta %d", ErrInvalidEntry, e.Type, e.Delta)
	}
	return nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case stderrors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "error"
	}
}
