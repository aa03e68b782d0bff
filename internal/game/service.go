// Package game orchestrates matches: it resolves players, serializes moves
// through the registry, persists snapshots and hands finished matches to settlement.
package game

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Proton-105/xo-arena/internal/alert"
	"github.com/Proton-105/xo-arena/internal/board"
	"github.com/Proton-105/xo-arena/internal/domain"
	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/internal/ledger"
	"github.com/Proton-105/xo-arena/internal/match"
	"github.com/Proton-105/xo-arena/internal/registry"
	"github.com/Proton-105/xo-arena/internal/repository"
	"github.com/Proton-105/xo-arena/internal/settlement"
	"github.com/Proton-105/xo-arena/pkg/metrics"
)

var (
	ErrBotDisabled    = apperrors.NewValidationError(apperrors.CodeValidation, "bot opponent is disabled")
	ErrTargetOffline  = apperrors.NewStateError(apperrors.CodeTargetOffline, "invited user is offline")
	ErrInviteNotFound = apperrors.NewNotFoundError(apperrors.CodeInviteNotFound, "invite not found")
)

// Users resolves active players.
type Users interface {
	Resolve(ctx context.Context, userID string) (*domain.User, error)
}

// Wallet charges stakes and answers balance pre-checks.
type Wallet interface {
	match.Charger
	HasFunds(ctx context.Context, userID string, amount int64) (bool, error)
}

// Settler pays out terminal matches.
type Settler interface {
	Settle(ctx context.Context, m match.Match) (settlement.Result, error)
}

// Presence reports connection state for the disconnect policy and invites.
type Presence interface {
	IsOnline(userID string) bool
	// OfflineSince returns when the user's last connection closed. ok is false
	// while the user is connected or was never seen.
	OfflineSince(userID string) (since time.Time, ok bool)
}

// Listener receives match and lobby changes. Implementations must not block.
type Listener interface {
	MatchUpdated(m match.Match)
	LobbyChanged()
}

// Config bundles the game rules.
type Config struct {
	Limits         match.BetLimits
	WaitingTTL     time.Duration
	InviteTTL      time.Duration
	ReconnectGrace time.Duration
}

// Deps are the collaborators of Service. Games, Presence and Alerts are optional.
type Deps struct {
	Registry *registry.Registry
	Users    Users
	Wallet   Wallet
	Settler  Settler
	Games    repository.GameRepository
	Presence Presence
	Alerts   alert.Notifier
	// Bot seats the house opponent; nil disables vs-bot matches.
	Bot *match.Player
}

// Service is the single entry point for match mutations.
type Service struct {
	registry *registry.Registry
	users    Users
	wallet   Wallet
	settler  Settler
	games    repository.GameRepository
	presence Presence
	alerts   alert.Notifier
	bot      *match.Player

	cfgMu sync.RWMutex
	cfg   Config

	listenersMu sync.RWMutex
	listeners   []Listener

	log   *slog.Logger
	now   func() time.Time
	newID func() string
}

// NewService wires a Service.
func NewService(deps Deps, cfg Config, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = registry.New()
	}

	return &Service{
		registry: deps.Registry,
		users:    deps.Users,
		wallet:   deps.Wallet,
		settler:  deps.Settler,
		games:    deps.Games,
		presence: deps.Presence,
		alerts:   deps.Alerts,
		bot:      deps.Bot,
		cfg:      cfg,
		log:      log.With(slog.String("component", "game")),
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Subscribe registers a listener for match and lobby changes.
func (s *Service) Subscribe(l Listener) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.listeners = append(s.listeners, l)
}

// SetPresence attaches the presence source once the gateway exists.
func (s *Service) SetPresence(p Presence) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()
	s.presence = p
}

// UpdateConfig swaps the game rules; running matches keep their bet.
func (s *Service) UpdateConfig(cfg Config) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg = cfg
}

func (s *Service) config() Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Service) presenceSource() Presence {
	s.listenersMu.RLock()
	defer s.listenersMu.RUnlock()
	return s.presence
}

// BotID returns the house identity or "" when the bot is disabled.
func (s *Service) BotID() string {
	if s.bot == nil {
		return ""
	}
	return s.bot.ID
}

// CreateMatch opens a waiting match for userID, or starts one against the bot.
func (s *Service) CreateMatch(ctx context.Context, userID string, bet int64, vsBot bool) (match.Match, error) {
	if vsBot && s.bot == nil {
		return match.Match{}, ErrBotDisabled
	}

	m, err := s.newMatch(ctx, userID, bet)
	if err != nil {
		return match.Match{}, err
	}

	if vsBot {
		if err := m.Join(*s.bot, s.now()); err != nil {
			return match.Match{}, err
		}
	}

	if !s.registry.Create(m) {
		return match.Match{}, fmt.Errorf("match id collision: %s", m.ID)
	}
	metrics.RecordMatchCreated(vsBot)

	snap := m.Snapshot()
	s.log.Info("match created",
		slog.String("match_id", snap.ID),
		slog.String("user_id", userID),
		slog.Int64("bet", bet),
		slog.Bool("vs_bot", vsBot),
	)

	s.afterChange(ctx, snap, !vsBot)
	return snap, nil
}

// JoinMatch seats userID as O in a waiting lobby match.
func (s *Service) JoinMatch(ctx context.Context, userID, matchID string) (match.Match, error) {
	current, err := s.registry.Get(matchID)
	if err != nil {
		return match.Match{}, err
	}
	if current.ReservedFor != "" && current.ReservedFor != userID {
		return current, match.ErrMatchNotJoinable
	}

	return s.join(ctx, userID, current)
}

// Invite opens a match reserved for toUserID.
func (s *Service) Invite(ctx context.Context, fromUserID, toUserID string, bet int64) (match.Match, error) {
	if fromUserID == toUserID {
		return match.Match{}, match.ErrSelfJoin
	}
	if _, err := s.users.Resolve(ctx, toUserID); err != nil {
		return match.Match{}, err
	}
	if p := s.presenceSource(); p != nil && !p.IsOnline(toUserID) {
		return match.Match{}, ErrTargetOffline
	}

	m, err := s.newMatch(ctx, fromUserID, bet)
	if err != nil {
		return match.Match{}, err
	}
	m.Reserve(toUserID)

	if !s.registry.Create(m) {
		return match.Match{}, fmt.Errorf("match id collision: %s", m.ID)
	}
	metrics.RecordMatchCreated(false)

	snap := m.Snapshot()
	s.log.Info("invite sent",
		slog.String("match_id", snap.ID),
		slog.String("from_user_id", fromUserID),
		slog.String("to_user_id", toUserID),
		slog.Int64("bet", bet),
	)

	s.afterChange(ctx, snap, false)
	return snap, nil
}

// AcceptInvite joins the match reserved for userID.
func (s *Service) AcceptInvite(ctx context.Context, userID, matchID string) (match.Match, error) {
	current, err := s.registry.Get(matchID)
	if err != nil || current.ReservedFor != userID {
		return match.Match{}, ErrInviteNotFound
	}

	return s.join(ctx, userID, current)
}

// DeclineInvite removes the match reserved for userID.
func (s *Service) DeclineInvite(ctx context.Context, userID, matchID string) (match.Match, error) {
	snap, removed := s.registry.RemoveIf(matchID, func(m *match.Match) bool {
		if m.Status != match.StatusWaiting || m.ReservedFor != userID {
			return false
		}
		return m.Abandon(s.now()) == nil
	})
	if !removed {
		return match.Match{}, ErrInviteNotFound
	}

	s.log.Info("invite declined", slog.String("match_id", matchID), slog.String("user_id", userID))
	s.afterChange(ctx, snap, false)
	return snap, nil
}

// Move applies a move for userID. The returned snapshot is authoritative even on error.
func (s *Service) Move(ctx context.Context, userID, matchID string, cell int) (match.Match, error) {
	handoff := false

	snap, err := s.registry.Update(matchID, func(m *match.Match) error {
		outcome, err := m.ApplyMove(ctx, s.wallet, userID, cell, s.now())
		if err != nil {
			return err
		}
		if outcome.Terminal {
			handoff = m.MarkSettlementPending()
		}
		return nil
	})
	metrics.RecordMove(moveResult(err))
	if err != nil {
		return snap, err
	}

	s.afterChange(ctx, snap, false)

	if handoff {
		snap = s.settle(ctx, snap)
	}

	return snap, nil
}

// Get returns a match from the registry, falling back to the persisted snapshot.
func (s *Service) Get(ctx context.Context, matchID string) (match.Match, error) {
	snap, err := s.registry.Get(matchID)
	if err == nil || s.games == nil {
		return snap, err
	}

	stored, err := s.games.FindByID(ctx, matchID)
	if err != nil {
		if stderrors.Is(err, repository.ErrNotFound) {
			return match.Match{}, match.ErrMatchNotFound
		}
		return match.Match{}, err
	}
	return *stored, nil
}

// Lobby lists open, unreserved matches.
func (s *Service) Lobby() []match.Match {
	return s.registry.List(registry.Waiting)
}

// List returns active matches selected by filter.
func (s *Service) List(filter registry.Filter) []match.Match {
	return s.registry.List(filter)
}

// IsPlaying reports whether userID holds a seat in a match in progress.
func (s *Service) IsPlaying(userID string) bool {
	return len(s.registry.List(func(m *match.Match) bool {
		return m.Status == match.StatusPlaying && m.MarkOf(userID) != board.Empty
	})) > 0
}

// ActiveFor lists the non-terminal matches of userID.
func (s *Service) ActiveFor(userID string) []match.Match {
	involving := registry.Involving(userID)
	return s.registry.List(func(m *match.Match) bool {
		return !m.IsTerminal() && involving(m)
	})
}

func (s *Service) newMatch(ctx context.Context, userID string, bet int64) (*match.Match, error) {
	u, err := s.users.Resolve(ctx, userID)
	if err != nil {
		return nil, err
	}

	cfg := s.config()
	if !cfg.Limits.Allows(bet) {
		return nil, match.ErrInvalidBet
	}
	if err := s.ensureFunds(ctx, userID, bet); err != nil {
		return nil, err
	}

	return match.New(s.newID(), playerOf(u), bet, cfg.Limits, s.now())
}

func (s *Service) join(ctx context.Context, userID string, current match.Match) (match.Match, error) {
	u, err := s.users.Resolve(ctx, userID)
	if err != nil {
		return match.Match{}, err
	}
	if err := s.ensureFunds(ctx, userID, current.BetAmount); err != nil {
		return current, err
	}

	snap, err := s.registry.Update(current.ID, func(m *match.Match) error {
		return m.Join(playerOf(u), s.now())
	})
	if err != nil {
		return snap, err
	}

	s.log.Info("match started",
		slog.String("match_id", snap.ID),
		slog.String("x", snap.Players.X.ID),
		slog.String("o", snap.Players.O.ID),
	)

	s.afterChange(ctx, snap, true)
	return snap, nil
}

func (s *Service) ensureFunds(ctx context.Context, userID string, bet int64) error {
	ok, err := s.wallet.HasFunds(ctx, userID, bet)
	if err != nil {
		return err
	}
	if !ok {
		return ledger.ErrInsufficientFunds
	}
	return nil
}

// settle runs outside the match lock. It returns the final snapshot.
func (s *Service) settle(ctx context.Context, snap match.Match) match.Match {
	ctx = context.WithoutCancel(ctx)
	log := s.log.With(slog.String("match_id", snap.ID))

	result, err := s.settler.Settle(ctx, snap)
	switch {
	case stderrors.Is(err, settlement.ErrInProgress):
		return snap
	case err != nil:
		final, _ := s.registry.Update(snap.ID, func(m *match.Match) error {
			m.Settlement = match.SettlementFailed
			return nil
		})
		if final.ID == "" {
			final = snap
			final.Settlement = match.SettlementFailed
		}
		s.persist(ctx, final)
		s.raise(ctx, final, err)
		s.notify(final, false)
		return final
	}

	final, removed := s.registry.RemoveIf(snap.ID, func(m *match.Match) bool {
		m.Settlement = match.SettlementSettled
		return true
	})
	if !removed {
		final = snap
		final.Settlement = match.SettlementSettled
	}

	log.Debug("settlement applied", slog.String("outcome", result.Outcome), slog.Bool("replayed", result.Replayed))
	s.persist(ctx, final)
	s.notify(final, false)
	return final
}

// ReconcileFailed re-attempts settlements marked as failed, in the registry
// and in storage. It returns how many matches were settled.
func (s *Service) ReconcileFailed(ctx context.Context, limit int) (int, error) {
	candidates := s.registry.List(registry.SettlementFailed)
	seen := make(map[string]struct{}, len(candidates))
	for _, m := range candidates {
		seen[m.ID] = struct{}{}
	}

	if s.games != nil {
		stored, err := s.games.ListBySettlement(ctx, match.SettlementFailed, limit)
		if err != nil {
			return 0, err
		}
		for _, m := range stored {
			if _, dup := seen[m.ID]; !dup {
				candidates = append(candidates, m)
			}
		}
	}

	settled := 0
	for _, m := range candidates {
		if err := ctx.Err(); err != nil {
			return settled, err
		}
		if final := s.settle(ctx, m); final.Settlement == match.SettlementSettled {
			settled++
		}
	}

	if len(candidates) > 0 {
		s.log.Info("reconciliation finished", slog.Int("candidates", len(candidates)), slog.Int("settled", settled))
	}

	return settled, nil
}

func (s *Service) afterChange(ctx context.Context, snap match.Match, lobbyChanged bool) {
	s.persist(ctx, snap)
	s.notify(snap, lobbyChanged || snap.Status != match.StatusPlaying)
}

func (s *Service) persist(ctx context.Context, snap match.Match) {
	if s.games == nil {
		return
	}
	if err := s.games.Upsert(context.WithoutCancel(ctx), snap); err != nil {
		s.log.Warn("failed to persist match snapshot", slog.String("match_id", snap.ID), slog.Any("error", err))
	}
}

func (s *Service) notify(snap match.Match, lobbyChanged bool) {
	s.listenersMu.RLock()
	listeners := append([]Listener(nil), s.listeners...)
	s.listenersMu.RUnlock()

	for _, l := range listeners {
		l.MatchUpdated(snap)
		if lobbyChanged {
			l.LobbyChanged()
		}
	}
}

func (s *Service) raise(ctx context.Context, snap match.Match, cause error) {
	s.log.Error("settlement failed, match kept for reconciliation",
		slog.String("match_id", snap.ID),
		slog.Int64("pot", snap.Pot),
		slog.Any("error", cause),
	)
	if s.alerts == nil {
		return
	}

	err := s.alerts.Notify(ctx, alert.Alert{
		Title: "settlement failed",
		Text:  cause.Error(),
		Fields: map[string]string{
			"match_id": snap.ID,
			"status":   string(snap.Status),
			"pot":      fmt.Sprintf("%d", snap.Pot),
		},
	})
	if err != nil {
		s.log.Warn("failed to raise settlement alert", slog.String("match_id", snap.ID), slog.Any("error", err))
	}
}

func playerOf(u *domain.User) match.Player {
	return match.Player{ID: u.ID, Username: u.Username, Avatar: u.Avatar}
}

func moveResult(err error) string {
	if err == nil {
		return "accepted"
	}
	var appErr *apperrors.AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "error"
}
