package game

import (
	"context"
	"log/slog"
	"time"

	"github.com/Proton-105/xo-arena/internal/board"
	"github.com/Proton-105/xo-arena/internal/match"
	"github.com/Proton-105/xo-arena/internal/registry"
)

// SweepReport summarizes a single janitor pass.
type SweepReport struct {
	Abandoned []string
	Expired   []string
	Forfeited []string
}

// Forfeit concedes a match in progress on behalf of userID.
func (s *Service) Forfeit(ctx context.Context, userID, matchID string) (match.Match, error) {
	return s.forfeit(ctx, matchID, func(m *match.Match) (string, error) {
		return userID, nil
	})
}

func (s *Service) forfeit(ctx context.Context, matchID string, pick func(m *match.Match) (string, error)) (match.Match, error) {
	handoff := false
	var loser string

	snap, err := s.registry.Update(matchID, func(m *match.Match) error {
		id, err := pick(m)
		if err != nil {
			return err
		}
		if err := m.Forfeit(id, s.now()); err != nil {
			return err
		}
		loser = id
		handoff = m.MarkSettlementPending()
		return nil
	})
	if err != nil {
		return snap, err
	}

	s.log.Info("match forfeited", slog.String("match_id", matchID), slog.String("user_id", loser))
	s.afterChange(ctx, snap, false)

	if handoff {
		snap = s.settle(ctx, snap)
	}
	return snap, nil
}

// Sweep abandons stale waiting matches, expires unanswered invites and
// applies the disconnect policy to matches in progress.
func (s *Service) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	cfg := s.config()
	now := s.now()

	for _, m := range s.registry.List(func(m *match.Match) bool { return m.Status == match.StatusWaiting }) {
		ttl := cfg.WaitingTTL
		reserved := m.ReservedFor != ""
		if reserved {
			ttl = cfg.InviteTTL
		}
		if ttl <= 0 {
			continue
		}

		snap, removed := s.registry.RemoveIf(m.ID, func(m *match.Match) bool {
			if m.Status != match.StatusWaiting || now.Sub(m.LastActivityAt) < ttl {
				return false
			}
			return m.Abandon(now) == nil
		})
		if !removed {
			continue
		}

		if reserved {
			report.Expired = append(report.Expired, snap.ID)
		} else {
			report.Abandoned = append(report.Abandoned, snap.ID)
		}
		s.log.Info("waiting match removed",
			slog.String("match_id", snap.ID),
			slog.Bool("invite", reserved),
			slog.Duration("idle", now.Sub(m.LastActivityAt)),
		)
		s.afterChange(ctx, snap, true)
	}

	report.Forfeited = s.enforceDisconnects(ctx, cfg.ReconnectGrace, now)

	return report
}

// enforceDisconnects forfeits players that stayed offline past grace. When both
// players are gone, the one holding the turn loses.
func (s *Service) enforceDisconnects(ctx context.Context, grace time.Duration, now time.Time) []string {
	presence := s.presenceSource()
	if presence == nil || grace <= 0 {
		return nil
	}

	var forfeited []string
	for _, m := range s.registry.List(registry.Playing) {
		_, err := s.forfeit(ctx, m.ID, func(m *match.Match) (string, error) {
			if m.Status != match.StatusPlaying {
				return "", match.ErrGameNotActive
			}
			return s.disconnectLoser(presence, m, grace, now)
		})
		if err == nil {
			forfeited = append(forfeited, m.ID)
		}
	}
	return forfeited
}

func (s *Service) disconnectLoser(presence Presence, m *match.Match, grace time.Duration, now time.Time) (string, error) {
	var gone []board.Mark
	for _, mark := range []board.Mark{board.X, board.O} {
		p := m.PlayerAt(mark)
		if p == nil || p.IsBot {
			continue
		}
		since, offline := presence.OfflineSince(p.ID)
		if offline && now.Sub(since) >= grace {
			gone = append(gone, mark)
		}
	}

	switch len(gone) {
	case 0:
		return "", match.ErrGameNotActive
	case 1:
		return m.PlayerAt(gone[0]).ID, nil
	default:
		return m.PlayerAt(m.CurrentTurn).ID, nil
	}
}

// Janitor runs Sweep on a fixed interval.
type Janitor struct {
	service  *Service
	interval time.Duration
	log      *slog.Logger
}

// NewJanitor builds a janitor for service.
func NewJanitor(service *Service, interval time.Duration, log *slog.Logger) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Janitor{service: service, interval: interval, log: log.With(slog.String("component", "janitor"))}
}

// Run sweeps until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := j.service.Sweep(ctx)
			if n := len(report.Abandoned) + len(report.Expired) + len(report.Forfeited); n > 0 {
				j.log.Info("sweep finished",
					slog.Int("abandoned", len(report.Abandoned)),
					slog.Int("expired_invites", len(report.Expired)),
					slog.Int("forfeited", len(report.Forfeited)),
				)
			}
		}
	}
}
