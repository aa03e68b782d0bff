package bot

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Proton-105/xo-arena/internal/match"
)

// Mover submits moves through the same entry point as human players.
type Mover interface {
	Move(ctx context.Context, userID, matchID string, cell int) (match.Match, error)
}

// Driver watches match updates and answers when the bot holds the turn.
type Driver struct {
	mover    Mover
	strategy Strategy
	botID    string
	delay    atomic.Int64
	log      *slog.Logger

	turns    chan match.Match
	stopped  chan struct{}
	stopOnce sync.Once

	mu        sync.Mutex
	scheduled map[string]int
}

// NewDriver creates a Driver for the bot identity botID.
func NewDriver(mover Mover, strategy Strategy, botID string, delay time.Duration, log *slog.Logger) *Driver {
	if log == nil {
		log = slog.Default()
	}

	d := &Driver{
		mover:     mover,
		strategy:  strategy,
		botID:     botID,
		log:       log.With(slog.String("component", "bot")),
		turns:     make(chan match.Match, 64),
		stopped:   make(chan struct{}),
		scheduled: make(map[string]int),
	}
	d.SetDelay(delay)
	return d
}

// SetDelay changes the pause before each bot move.
func (d *Driver) SetDelay(delay time.Duration) {
	if delay < 0 {
		delay = 0
	}
	d.delay.Store(int64(delay))
}

// MatchUpdated schedules a bot move when the bot is to play. It never blocks.
func (d *Driver) MatchUpdated(m match.Match) {
	if m.Status != match.StatusPlaying {
		return
	}
	seat := m.PlayerAt(m.CurrentTurn)
	if seat == nil || seat.ID != d.botID {
		return
	}

	d.mu.Lock()
	if moves, ok := d.scheduled[m.ID]; ok && moves >= m.Moves {
		d.mu.Unlock()
		return
	}
	d.scheduled[m.ID] = m.Moves
	d.mu.Unlock()

	time.AfterFunc(time.Duration(d.delay.Load()), func() {
		select {
		case d.turns <- m:
		case <-d.stopped:
		}
	})
}

// LobbyChanged is a no-op; the bot never browses the lobby.
func (d *Driver) LobbyChanged() {}

// Run plays scheduled turns until ctx is cancelled, then waits for moves in
// flight. Turns of distinct matches run concurrently.
func (d *Driver) Run(ctx context.Context) {
	var inflight sync.WaitGroup
	defer inflight.Wait()
	defer d.stopOnce.Do(func() { close(d.stopped) })

	for {
		select {
		case <-ctx.Done():
			return
		case m := <-d.turns:
			inflight.Add(1)
			go func() {
				defer inflight.Done()
				d.play(ctx, m)
			}()
		}
	}
}

func (d *Driver) play(ctx context.Context, m match.Match) {
	d.mu.Lock()
	if d.scheduled[m.ID] == m.Moves {
		delete(d.scheduled, m.ID)
	}
	d.mu.Unlock()

	cell := d.strategy.ChooseMove(m.Board, m.CurrentTurn)
	if cell < 0 {
		return
	}

	if _, err := d.mover.Move(ctx, d.botID, m.ID, cell); err != nil {
		d.log.Debug("bot move rejected",
			slog.String("match_id", m.ID),
			slog.Int("cell", cell),
			slog.Any("error", err),
		)
	}
}
