// Package match holds the authoritative state machine of a single wagered game.
package match

import (
	"context"
	"time"

	"github.com/Proton-105/xo-arena/internal/board"
	apperrors "github.com/Proton-105/xo-arena/internal/errors"
)

// Status is the lifecycle stage of a match.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusPlaying   Status = "playing"
	StatusCompleted Status = "completed"
	StatusDraw      Status = "draw"
	// StatusAbandoned marks a match removed by a sweep or a declined invite. No payout applies.
	StatusAbandoned Status = "abandoned"
)

// SettlementState tracks the payout of a terminal match.
type SettlementState string

const (
	SettlementNone    SettlementState = ""
	SettlementPending SettlementState = "pending"
	SettlementSettled SettlementState = "settled"
	SettlementFailed  SettlementState = "settlement_failed"
)

// EndReason explains how a match reached a terminal status.
type EndReason string

const (
	EndReasonLine      EndReason = "line"
	EndReasonFullBoard EndReason = "full_board"
	EndReasonForfeit   EndReason = "forfeit"
	EndReasonAbandoned EndReason = "abandoned"
)

var (
	ErrInvalidBet        = apperrors.NewValidationError(apperrors.CodeInvalidBet, "bet amount is outside the allowed range")
	ErrMatchNotFound     = apperrors.NewNotFoundError(apperrors.CodeMatchNotFound, "match not found")
	ErrMatchNotJoinable  = apperrors.NewStateError(apperrors.CodeMatchNotJoinable, "match is not open for joining")
	ErrSelfJoin          = apperrors.NewStateError(apperrors.CodeSelfJoin, "cannot join your own match")
	ErrNotYourTurn       = apperrors.NewStateError(apperrors.CodeNotYourTurn, "not your turn")
	ErrGameNotActive     = apperrors.NewStateError(apperrors.CodeGameNotActive, "match is not in progress")
	ErrIllegalMove       = apperrors.NewStateError(apperrors.CodeIllegalMove, "cell is occupied or out of range")
	ErrNotParticipant    = apperrors.NewStateError(apperrors.CodeNotParticipant, "user does not play in this match")
	ErrInvalidTransition = apperrors.NewStateError(apperrors.CodeInvalidTransition, "invalid match status transition")
)

// Charger debits a per-move stake. Implementations must be atomic: on error nothing was charged.
type Charger interface {
	Charge(ctx context.Context, userID string, amount int64, matchID string) error
}

// BetLimits bounds the per-move stake.
type BetLimits struct {
	Min int64
	Max int64
}

// Allows reports whether bet lies within the limits.
func (l BetLimits) Allows(bet int64) bool {
	return bet > 0 && bet >= l.Min && (l.Max <= 0 || bet <= l.Max)
}

// Player is a seated participant.
type Player struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	IsBot    bool   `json:"isBot,omitempty"`
}

// Players maps marks to seats. O is nil while the match is waiting.
type Players struct {
	X *Player `json:"X"`
	O *Player `json:"O"`
}

// Stakes records how much each seat has paid into the pot.
type Stakes struct {
	X int64 `json:"X"`
	O int64 `json:"O"`
}

// Of returns the stake paid by mark.
func (s Stakes) Of(mark board.Mark) int64 {
	switch mark {
	case board.X:
		return s.X
	case board.O:
		return s.O
	default:
		return 0
	}
}

func (s *Stakes) add(mark board.Mark, amount int64) {
	switch mark {
	case board.X:
		s.X += amount
	case board.O:
		s.O += amount
	}
}

// Match is a single game session.
type Match struct {
	ID             string          `json:"id"`
	Board          board.Board     `json:"board"`
	CurrentTurn    board.Mark      `json:"currentTurn"`
	Players        Players         `json:"players"`
	Status         Status          `json:"status"`
	BetAmount      int64           `json:"betAmount"`
	Pot            int64           `json:"pot"`
	Stakes         Stakes          `json:"stakes"`
	Winner         board.Mark      `json:"winner"`
	Moves          int             `json:"moves"`
	ReservedFor    string          `json:"reservedFor,omitempty"`
	EndReason      EndReason       `json:"endReason,omitempty"`
	Settlement     SettlementState `json:"settlement,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	LastActivityAt time.Time       `json:"lastActivityAt"`
	EndedAt        *time.Time      `json:"endedAt,omitempty"`
}

// Outcome describes an accepted move.
type Outcome struct {
	Mark     board.Mark
	Cell     int
	Terminal bool
}

// New seats creator as X in a waiting match.
func New(id string, creator Player, bet int64, limits BetLimits, now time.Time) (*Match, error) {
	if !limits.Allows(bet) {
		return nil, ErrInvalidBet
	}

	seat := creator
	return &Match{
		ID:             id,
		CurrentTurn:    board.X,
		Players:        Players{X: &seat},
		Status:         StatusWaiting,
		BetAmount:      bet,
		CreatedAt:      now,
		LastActivityAt: now,
	}, nil
}

// Reserve limits joining to a single invited user.
func (m *Match) Reserve(userID string) {
	m.ReservedFor = userID
}

// Join seats joiner as O and starts the match.
func (m *Match) Join(joiner Player, now time.Time) error {
	if m.Status != StatusWaiting {
		return ErrMatchNotJoinable
	}
	if m.Players.X != nil && m.Players.X.ID == joiner.ID {
		return ErrSelfJoin
	}
	if m.ReservedFor != "" && m.ReservedFor != joiner.ID {
		return ErrMatchNotJoinable
	}

	if err := m.transition(StatusPlaying); err != nil {
		return err
	}

	seat := joiner
	m.Players.O = &seat
	m.ReservedFor = ""
	m.LastActivityAt = now

	return nil
}

// ApplyMove validates and applies a move for playerID. A rejected move leaves the match unchanged.
func (m *Match) ApplyMove(ctx context.Context, charger Charger, playerID string, cell int, now time.Time) (Outcome, error) {
	mark := m.MarkOf(playerID)
	if mark == board.Empty {
		return Outcome{}, ErrNotParticipant
	}
	if m.Status != StatusPlaying {
		return Outcome{}, ErrGameNotActive
	}
	if mark != m.CurrentTurn {
		return Outcome{}, ErrNotYourTurn
	}

	legal, err := board.IsLegalMove(m.Board, cell)
	if err != nil {
		return Outcome{}, apperrors.Wrap(ErrIllegalMove, err)
	}
	if !legal {
		return Outcome{}, ErrIllegalMove
	}

	if charger != nil && m.BetAmount > 0 {
		if err := charger.Charge(ctx, playerID, m.BetAmount, m.ID); err != nil {
			return Outcome{}, err
		}
	}

	m.Board[cell] = mark
	m.Pot += m.BetAmount
	m.Stakes.add(mark, m.BetAmount)
	m.Moves++
	m.LastActivityAt = now

	switch winner := board.Winner(m.Board); {
	case winner != board.Empty:
		m.Winner = winner
		m.finish(StatusCompleted, EndReasonLine, now)
	case board.IsFull(m.Board):
		m.finish(StatusDraw, EndReasonFullBoard, now)
	default:
		m.CurrentTurn = mark.Opponent()
	}

	return Outcome{Mark: mark, Cell: cell, Terminal: m.IsTerminal()}, nil
}

// Forfeit ends a playing match in favour of loserID's opponent.
func (m *Match) Forfeit(loserID string, now time.Time) error {
	mark := m.MarkOf(loserID)
	if mark == board.Empty {
		return ErrNotParticipant
	}
	if m.Status != StatusPlaying {
		return ErrGameNotActive
	}

	m.Winner = mark.Opponent()
	m.finish(StatusCompleted, EndReasonForfeit, now)
	return nil
}

// Abandon force-closes a non-terminal match without payout.
func (m *Match) Abandon(now time.Time) error {
	if err := m.transition(StatusAbandoned); err != nil {
		return err
	}

	m.EndReason = EndReasonAbandoned
	ended := now
	m.EndedAt = &ended
	return nil
}

// MarkSettlementPending flags a terminal match for settlement. It returns true exactly once.
func (m *Match) MarkSettlementPending() bool {
	if !m.IsTerminal() || m.Status == StatusAbandoned || m.Settlement != SettlementNone {
		return false
	}

	m.Settlement = SettlementPending
	return true
}

// IsTerminal reports whether the match accepts no further moves.
func (m *Match) IsTerminal() bool {
	return m.Status.IsTerminal()
}

// MarkOf returns the mark seated by userID or board.Empty.
func (m *Match) MarkOf(userID string) board.Mark {
	switch {
	case userID == "":
		return board.Empty
	case m.Players.X != nil && m.Players.X.ID == userID:
		return board.X
	case m.Players.O != nil && m.Players.O.ID == userID:
		return board.O
	default:
		return board.Empty
	}
}

// PlayerAt returns the player seated at mark.
func (m *Match) PlayerAt(mark board.Mark) *Player {
	switch mark {
	case board.X:
		return m.Players.X
	case board.O:
		return m.Players.O
	default:
		return nil
	}
}

// PlayerIDs lists the seated user ids, X first.
func (m *Match) PlayerIDs() []string {
	ids := make([]string, 0, 2)
	if m.Players.X != nil {
		ids = append(ids, m.Players.X.ID)
	}
	if m.Players.O != nil {
		ids = append(ids, m.Players.O.ID)
	}
	return ids
}

// HasBot reports whether either seat is taken by the bot.
func (m *Match) HasBot() bool {
	return (m.Players.X != nil && m.Players.X.IsBot) || (m.Players.O != nil && m.Players.O.IsBot)
}

// Snapshot returns a deep copy safe to share outside the registry lock.
func (m *Match) Snapshot() Match {
	cp := *m
	if m.Players.X != nil {
		x := *m.Players.X
		cp.Players.X = &x
	}
	if m.Players.O != nil {
		o := *m.Players.O
		cp.Players.O = &o
	}
	if m.EndedAt != nil {
		ended := *m.EndedAt
		cp.EndedAt = &ended
	}
	return cp
}

func (m *Match) finish(status Status, reason EndReason, now time.Time) {
	if err := m.transition(status); err != nil {
		return
	}

	m.EndReason = reason
	ended := now
	m.EndedAt = &ended
}

func (m *Match) transition(to Status) error {
	if !IsTransitionAllowed(m.Status, to) {
		return ErrInvalidTransition
	}

	transitionRecorder(string(m.Status), string(to))
	m.Status = to
	return nil
}
