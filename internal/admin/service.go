// Package admin adjudicates pending transfers and applies payment provider callbacks.
package admin

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Proton-105/xo-arena/internal/domain"
	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/internal/idempotency"
	"github.com/Proton-105/xo-arena/internal/ledger"
)

var (
	// ErrForbidden is returned when the caller is not an administrator.
	ErrForbidden = apperrors.NewValidationError(apperrors.CodeForbidden, "administrator rights required")
	// ErrInvalidAdjustment rejects adjustments other than deposits and withdrawals with a positive amount.
	ErrInvalidAdjustment = apperrors.NewValidationError(apperrors.CodeValidation, "adjustment must be a positive deposit or withdrawal")
	// ErrInvalidNotice rejects malformed payment callbacks.
	ErrInvalidNotice = apperrors.NewValidationError(apperrors.CodeValidation, "invalid payment notice")
)

// Ledger is the subset of the ledger used by adjudication.
type Ledger interface {
	AdjustBalance(ctx context.Context, e ledger.Entry) (int64, error)
	RequestTransfer(ctx context.Context, userID string, kind domain.TransactionType, amount int64, currency, reference string) (*domain.Transaction, error)
	Resolve(ctx context.Context, txID string, status domain.TransactionStatus) (*domain.Transaction, int64, error)
}

// Users resolves identities and drops stale cached profiles.
type Users interface {
	Resolve(ctx context.Context, userID string) (*domain.User, error)
	Invalidate(ctx context.Context, userID string)
}

// PaymentNotice is a deposit or withdrawal reported by a payment provider.
type PaymentNotice struct {
	Provider  string                   `json:"provider" binding:"required"`
	Reference string                   `json:"reference" binding:"required"`
	UserID    string                   `json:"user_id" binding:"required"`
	Type      domain.TransactionType   `json:"type" binding:"required,oneof=deposit withdrawal"`
	Amount    int64                    `json:"amount" binding:"gt=0"`
	Currency  string                   `json:"currency"`
	Status    domain.TransactionStatus `json:"status" binding:"required,oneof=pending completed"`
}

// Receipt describes how a payment notice was recorded.
type Receipt struct {
	Reference     string                   `json:"reference"`
	Status        domain.TransactionStatus `json:"status"`
	TransactionID string                   `json:"transaction_id,omitempty"`
	Balance       *int64                   `json:"balance,omitempty"`
	Replayed      bool                     `json:"replayed"`
}

// Service implements the administrative balance operations.
type Service struct {
	ledger      Ledger
	users       Users
	idempotency idempotency.Manager
	ttl         time.Duration
	log         *slog.Logger
}

// NewService constructs the admin service. idem may be nil, in which case
// repeated payment notices are applied again.
func NewService(l Ledger, users Users, idem idempotency.Manager, ttl time.Duration, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Service{
		ledger:      l,
		users:       users,
		idempotency: idem,
		ttl:         ttl,
		log:         log.With(slog.String("component", "admin")),
	}
}

// Authorize returns the admin profile for adminID or ErrForbidden.
func (s *Service) Authorize(ctx context.Context, adminID string) (*domain.User, error) {
	if adminID == "" {
		return nil, ErrForbidden
	}
	u, err := s.users.Resolve(ctx, adminID)
	if err != nil {
		var appErr *apperrors.AppError
		if stderrors.As(err, &appErr) {
			return nil, ErrForbidden
		}
		return nil, err
	}
	if !u.IsAdmin {
		s.log.Warn("admin action denied", slog.String("user_id", adminID))
		return nil, ErrForbidden
	}
	return u, nil
}

// ResolveTransaction completes or fails a pending transfer. A transaction is resolved at most once.
func (s *Service) ResolveTransaction(ctx context.Context, adminID, txID string, status domain.TransactionStatus) (*domain.Transaction, int64, error) {
	if _, err := s.Authorize(ctx, adminID); err != nil {
		return nil, 0, err
	}

	tx, balance, err := s.ledger.Resolve(ctx, txID, status)
	if err != nil {
		return nil, 0, err
	}
	s.users.Invalidate(ctx, tx.UserID)

	s.log.Info("transaction adjudicated",
		slog.String("admin_id", adminID),
		slog.String("transaction_id", tx.ID),
		slog.String("status", string(status)),
	)
	return tx, balance, nil
}

// AdjustBalance applies a manual deposit or withdrawal and returns the new balance.
func (s *Service) AdjustBalance(ctx context.Context, adminID, userID string, amount int64, kind domain.TransactionType, reference string) (int64, error) {
	if _, err := s.Authorize(ctx, adminID); err != nil {
		return 0, err
	}

	balance, err := s.apply(ctx, userID, amount, kind, reference)
	if err != nil {
		return balance, err
	}

	s.log.Info("balance adjusted",
		slog.String("admin_id", adminID),
		slog.String("user_id", userID),
		slog.String("type", string(kind)),
		slog.Int64("amount", amount),
		slog.Int64("balance", balance),
	)
	return balance, nil
}

// RecordPayment stores a provider callback. Completed notices move the balance
// immediately; pending ones wait for adjudication. The same provider reference
// is recorded once.
func (s *Service) RecordPayment(ctx context.Context, n PaymentNotice) (Receipt, error) {
	if n.Provider == "" || n.Reference == "" || n.UserID == "" {
		return Receipt{}, ErrInvalidNotice
	}
	if n.Status != domain.TransactionPending && n.Status != domain.TransactionCompleted {
		return Receipt{}, fmt.Errorf("%w: status %q", ErrInvalidNotice, n.Status)
	}

	if s.idempotency == nil {
		return s.record(ctx, n)
	}

	res, err := s.idempotency.Execute(ctx, idempotency.WebhookKey(n.Provider, n.Reference), s.ttl, func(ctx context.Context) (any, error) {
		return s.record(ctx, n)
	})
	if err != nil {
		return Receipt{}, err
	}
	if !res.FromCache {
		return res.Value.(Receipt), nil
	}

	var cached Receipt
	if err := res.Decode(&cached); err != nil {
		return Receipt{}, fmt.Errorf("decode cached receipt: %w", err)
	}
	cached.Replayed = true
	return cached, nil
}

func (s *Service) record(ctx context.Context, n PaymentNotice) (Receipt, error) {
	log := s.log.With(
		slog.String("provider", n.Provider),
		slog.String("reference", n.Reference),
		slog.String("user_id", n.UserID),
	)
	ref := n.Provider + ":" + n.Reference

	if n.Status == domain.TransactionCompleted {
		balance, err := s.apply(ctx, n.UserID, n.Amount, n.Type, ref)
		if err != nil {
			log.Error("payment apply failed", slog.Any("error", err))
			return Receipt{}, err
		}
		log.Info("payment applied", slog.Int64("amount", n.Amount))
		return Receipt{Reference: n.Reference, Status: domain.TransactionCompleted, Balance: &balance}, nil
	}

	tx, err := s.ledger.RequestTransfer(ctx, n.UserID, n.Type, n.Amount, n.Currency, ref)
	if err != nil {
		log.Error("payment request failed", slog.Any("error", err))
		return Receipt{}, err
	}
	log.Info("payment pending", slog.String("transaction_id", tx.ID))
	return Receipt{Reference: n.Reference, Status: domain.TransactionPending, TransactionID: tx.ID}, nil
}

func (s *Service) apply(ctx context.Context, userID string, amount int64, kind domain.TransactionType, reference string) (int64, error) {
	if amount <= 0 || (kind != domain.TransactionDeposit && kind != domain.TransactionWithdrawal) {
		return 0, ErrInvalidAdjustment
	}

	delta := amount
	if !kind.Credits() {
		delta = -amount
	}

	balance, err := s.ledger.AdjustBalance(ctx, ledger.Entry{
		UserID:    userID,
		Delta:     delta,
		Type:      kind,
		Reference: reference,
	})
	if err != nil {
		return balance, err
	}
	s.users.Invalidate(ctx, userID)
	return balance, nil
}
