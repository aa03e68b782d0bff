// Package settlement pays out terminal matches exactly once.
package settlement

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Proton-105/xo-arena/internal/board"
	"github.com/Proton-105/xo-arena/internal/domain"
	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/internal/idempotency"
	"github.com/Proton-105/xo-arena/internal/ledger"
	"github.com/Proton-105/xo-arena/internal/match"
	"github.com/Proton-105/xo-arena/pkg/metrics"
)

const (
	OutcomeWin  = "win"
	OutcomeDraw = "draw"
)

var (
	// ErrNotSettleable is returned for matches that are not completed or drawn.
	ErrNotSettleable = stderrors.New("match is not in a settleable state")
	// ErrInProgress is returned when another worker is settling the same match.
	ErrInProgress = stderrors.New("settlement already in progress")
)

// Ledger is the part of the ledger the service writes through.
type Ledger interface {
	CommitSettlement(ctx context.Context, s ledger.Settlement) ([]domain.Transaction, error)
	IsHouse(userID string) bool
}

// FeeRates are the platform cut taken from the pot, in [0, 1).
type FeeRates struct {
	VsPlayer float64
	VsBot    float64
}

// Config tunes the service.
type Config struct {
	Fees           FeeRates
	Retry          apperrors.RetryPolicy
	IdempotencyTTL time.Duration
}

// Payout is a single credit produced by a settlement.
type Payout struct {
	UserID string                 `json:"user_id"`
	Amount int64                  `json:"amount"`
	Type   domain.TransactionType `json:"type"`
}

// Result summarizes a settlement.
type Result struct {
	MatchID  string   `json:"match_id"`
	Outcome  string   `json:"outcome"`
	Pot      int64    `json:"pot"`
	Fee      int64    `json:"fee"`
	FeeRate  float64  `json:"fee_rate"`
	Payouts  []Payout `json:"payouts"`
	Replayed bool     `json:"replayed"`
}

// Service computes payouts and commits them through the ledger.
type Service struct {
	ledger      Ledger
	idempotency idempotency.Manager
	retry       apperrors.RetryPolicy
	ttl         time.Duration
	fees        atomic.Pointer[FeeRates]
	log         *slog.Logger
}

// NewService builds a settlement service. idem may be nil.
func NewService(l Ledger, idem idempotency.Manager, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}

	s := &Service{
		ledger:      l,
		idempotency: idem,
		retry:       cfg.Retry,
		ttl:         cfg.IdempotencyTTL,
		log:         log.With(slog.String("component", "settlement")),
	}
	s.SetFeeRates(cfg.Fees)

	return s
}

// SetFeeRates swaps the fee rates used by subsequent settlements.
func (s *Service) SetFeeRates(rates FeeRates) {
	s.fees.Store(&rates)
}

// FeeRates returns the active fee rates.
func (s *Service) FeeRates() FeeRates {
	return *s.fees.Load()
}

// Plan computes the ledger settlement for m without writing anything.
func (s *Service) Plan(m match.Match) (ledger.Settlement, Result, error) {
	if m.Players.X == nil || m.Players.O == nil {
		return ledger.Settlement{}, Result{}, fmt.Errorf("%w: match %s has an empty seat", ErrNotSettleable, m.ID)
	}

	result := Result{MatchID: m.ID, Pot: m.Pot}
	plan := ledger.Settlement{MatchID: m.ID}

	switch m.Status {
	case match.StatusCompleted:
		winner := m.PlayerAt(m.Winner)
		if winner == nil {
			return ledger.Settlement{}, Result{}, fmt.Errorf("%w: completed match %s has no winner", ErrNotSettleable, m.ID)
		}
		loser := m.PlayerAt(m.Winner.Opponent())

		rate := s.rateFor(m)
		prize := Prize(m.Pot, rate)

		result.Outcome = OutcomeWin
		result.FeeRate = rate
		result.Fee = m.Pot - prize
		if prize > 0 {
			plan.Entries = append(plan.Entries, ledger.Entry{
				UserID:  winner.ID,
				Delta:   prize,
				Type:    domain.TransactionWin,
				MatchID: m.ID,
			})
			result.Payouts = append(result.Payouts, Payout{UserID: winner.ID, Amount: prize, Type: domain.TransactionWin})
		}
		plan.Stats = []ledger.StatsDelta{
			{UserID: winner.ID, Played: 1, Won: 1},
			{UserID: loser.ID, Played: 1},
		}

	case match.StatusDraw:
		result.Outcome = OutcomeDraw
		for _, mark := range []board.Mark{board.X, board.O} {
			player := m.PlayerAt(mark)
			stake := m.Stakes.Of(mark)
			if stake > 0 {
				plan.Entries = append(plan.Entries, ledger.Entry{
					UserID:  player.ID,
					Delta:   stake,
					Type:    domain.TransactionRefund,
					MatchID: m.ID,
				})
				result.Payouts = append(result.Payouts, Payout{UserID: player.ID, Amount: stake, Type: domain.TransactionRefund})
			}
			plan.Stats = append(plan.Stats, ledger.StatsDelta{UserID: player.ID, Played: 1})
		}

	default:
		return ledger.Settlement{}, Result{}, fmt.Errorf("%w: %s is %s", ErrNotSettleable, m.ID, m.Status)
	}

	plan.Outcome = result.Outcome
	return plan, result, nil
}

// Settle commits the payout of a terminal match. Repeated calls for the same
// match never pay twice; they return the original result with Replayed set.
func (s *Service) Settle(ctx context.Context, m match.Match) (Result, error) {
	start := time.Now()

	plan, result, err := s.Plan(m)
	if err != nil {
		metrics.RecordSettlement("invalid", "rejected", time.Since(start))
		return Result{}, err
	}

	log := s.log.With(slog.String("match_id", m.ID), slog.String("outcome", result.Outcome))

	result, err = s.commitOnce(ctx, plan, result, log)
	label := "ok"
	switch {
	case err != nil:
		label = "failed"
	case result.Replayed:
		label = "replayed"
	}
	metrics.RecordSettlement(result.Outcome, label, time.Since(start))

	if err != nil {
		log.Error("settlement failed", slog.Any("error", err))
		return result, err
	}

	log.Info("match settled",
		slog.Int64("pot", result.Pot),
		slog.Int64("fee", result.Fee),
		slog.Bool("replayed", result.Replayed),
	)

	return result, nil
}

func (s *Service) commitOnce(ctx context.Context, plan ledger.Settlement, result Result, log *slog.Logger) (Result, error) {
	if s.idempotency == nil {
		return s.commit(ctx, plan, result, log)
	}

	var (
		ran       bool
		committed Result
		commitErr error
	)
	res, err := s.idempotency.Execute(ctx, idempotency.SettlementKey(plan.MatchID), s.ttl, func(ctx context.Context) (any, error) {
		ran = true
		committed, commitErr = s.commit(ctx, plan, result, log)
		return committed, commitErr
	})
	switch {
	case stderrors.Is(err, idempotency.ErrRequestInProgress):
		return result, ErrInProgress
	case err != nil && !ran:
		log.Warn("idempotency store unavailable, relying on settlement marker", slog.Any("error", err))
		return s.commit(ctx, plan, result, log)
	case ran && commitErr != nil:
		return result, commitErr
	case err != nil:
		// The payout is committed; only the record write failed. The marker row
		// turns any later attempt into a replay.
		log.Warn("settlement committed but idempotency record not stored", slog.Any("error", err))
		return committed, nil
	}

	if !res.FromCache {
		return res.Value.(Result), nil
	}

	var cached Result
	if err := res.Decode(&cached); err != nil {
		return result, fmt.Errorf("decode cached settlement: %w", err)
	}
	cached.Replayed = true
	return cached, nil
}

func (s *Service) commit(ctx context.Context, plan ledger.Settlement, result Result, log *slog.Logger) (Result, error) {
	policy := s.retry
	policy.OnRetry = func(attempt int, err error) {
		log.Warn("settlement commit failed, retrying", slog.Int("attempt", attempt), slog.Any("error", err))
	}

	err := apperrors.WithRetryPolicy(ctx, policy, func() error {
		_, err := s.ledger.CommitSettlement(ctx, plan)
		return err
	})
	if stderrors.Is(err, ledger.ErrAlreadySettled) {
		result.Replayed = true
		return result, nil
	}
	if err != nil {
		return result, err
	}

	return result, nil
}

func (s *Service) rateFor(m match.Match) float64 {
	rates := s.FeeRates()
	if m.HasBot() {
		return rates.VsBot
	}
	for _, id := range m.PlayerIDs() {
		if s.ledger.IsHouse(id) {
			return rates.VsBot
		}
	}
	return rates.VsPlayer
}

// Prize returns floor(pot × (1 − rate)).
func Prize(pot int64, rate float64) int64 {
	if pot <= 0 {
		return 0
	}

	share := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(rate))
	if share.IsNegative() {
		return 0
	}

	return decimal.NewFromInt(pot).Mul(share).Floor().IntPart()
}
