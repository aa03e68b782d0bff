package settlement

import (
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/xo-arena/internal/board"
	"github.com/Proton-105/xo-arena/internal/domain"
	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/internal/idempotency"
	"github.com/Proton-105/xo-arena/internal/ledger"
	"github.com/Proton-105/xo-arena/internal/match"
	"github.com/Proton-105/xo-arena/internal/repository/memory"
)

const botID = "bot"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// flakyStore fails the first failures commits with a retryable error.
type flakyStore struct {
	*memory.Store
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyStore) CommitSettlement(ctx context.Context, s ledger.Settlement) ([]domain.Transaction, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, apperrors.NewDatabaseError(stderrors.New("connection reset"))
	}
	return f.Store.CommitSettlement(ctx, s)
}

type fixture struct {
	store   *flakyStore
	ledger  *ledger.Ledger
	service *Service
}

func newFixture(t *testing.T, failures int32, withIdempotency bool) *fixture {
	t.Helper()

	store := &flakyStore{Store: memory.NewStore()}
	store.failures.Store(failures)
	for _, id := range []string{"alice", "bob"} {
		require.NoError(t, store.Create(context.Background(), &domain.User{ID: id, Username: id, Balance: 1000}))
	}

	l := ledger.New(store, botID, testLogger())

	var idem idempotency.Manager
	if withIdempotency {
		idem = idempotency.NewManager(idempotency.NewMemoryStore(), testLogger())
	}

	svc := NewService(l, idem, Config{
		Fees: FeeRates{VsPlayer: 0.2, VsBot: 0.1},
		Retry: apperrors.RetryPolicy{
			MaxRetries:     2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     2 * time.Millisecond,
		},
	}, testLogger())

	return &fixture{store: store, ledger: l, service: svc}
}

// play drives a match through cells, charging through l.
func play(t *testing.T, l *ledger.Ledger, x, o match.Player, bet int64, cells ...int) match.Match {
	t.Helper()

	now := time.Now()
	m, err := match.New("m-"+x.ID+"-"+o.ID, x, bet, match.BetLimits{Min: 1, Max: 1000}, now)
	require.NoError(t, err)
	require.NoError(t, m.Join(o, now))

	for _, cell := range cells {
		player := m.PlayerAt(m.CurrentTurn)
		_, err := m.ApplyMove(context.Background(), l, player.ID, cell, now)
		require.NoError(t, err)
	}

	return m.Snapshot()
}

func balance(t *testing.T, f *fixture, id string) int64 {
	t.Helper()
	b, err := f.ledger.Balance(context.Background(), id)
	require.NoError(t, err)
	return b
}

func TestSettle_WinPaysPotMinusFee(t *testing.T) {
	f := newFixture(t, 0, true)
	alice, bob := match.Player{ID: "alice"}, match.Player{ID: "bob"}

	m := play(t, f.ledger, alice, bob, 10, 0, 3, 1, 4, 2)
	require.Equal(t, match.StatusCompleted, m.Status)
	require.Equal(t, int64(50), m.Pot)

	res, err := f.service.Settle(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeWin, res.Outcome)
	assert.Equal(t, int64(10), res.Fee)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, Payout{UserID: "alice", Amount: 40, Type: domain.TransactionWin}, res.Payouts[0])

	assert.Equal(t, int64(1000-30+40), balance(t, f, "alice"))
	assert.Equal(t, int64(1000-20), balance(t, f, "bob"))

	a, err := f.store.FindByID(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, a.GamesPlayed)
	assert.Equal(t, 1, a.GamesWon)

	b, err := f.store.FindByID(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, b.GamesPlayed)
	assert.Equal(t, 0, b.GamesWon)
}

func TestSettle_DrawRefundsContributions(t *testing.T) {
	f := newFixture(t, 0, true)

	m := play(t, f.ledger, match.Player{ID: "alice"}, match.Player{ID: "bob"}, 10, 0, 4, 8, 1, 7, 6, 2, 5, 3)
	require.Equal(t, match.StatusDraw, m.Status)
	require.Equal(t, int64(90), m.Pot)

	res, err := f.service.Settle(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDraw, res.Outcome)
	assert.Equal(t, int64(0), res.Fee)
	assert.ElementsMatch(t, []Payout{
		{UserID: "alice", Amount: 50, Type: domain.TransactionRefund},
		{UserID: "bob", Amount: 40, Type: domain.TransactionRefund},
	}, res.Payouts)

	assert.Equal(t, int64(1000), balance(t, f, "alice"))
	assert.Equal(t, int64(1000), balance(t, f, "bob"))
}

func TestSettle_Idempotent(t *testing.T) {
	for _, withIdem := range []bool{true, false} {
		withIdem := withIdem
		name := "marker only"
		if withIdem {
			name = "idempotency manager"
		}

		t.Run(name, func(t *testing.T) {
			f := newFixture(t, 0, withIdem)
			m := play(t, f.ledger, match.Player{ID: "alice"}, match.Player{ID: "bob"}, 10, 0, 3, 1, 4, 2)

			var wg sync.WaitGroup
			for i := 0; i < 5; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := f.service.Settle(context.Background(), m)
					if err != nil {
						assert.ErrorIs(t, err, ErrInProgress)
					}
				}()
			}
			wg.Wait()

			res, err := f.service.Settle(context.Background(), m)
			require.NoError(t, err)
			assert.True(t, res.Replayed)
			assert.Equal(t, int64(1000-30+40), balance(t, f, "alice"))

			history, err := f.store.Transactions().ListByMatch(context.Background(), m.ID)
			require.NoError(t, err)
			wins := 0
			for _, tx := range history {
				if tx.Type == domain.TransactionWin {
					wins++
				}
			}
			assert.Equal(t, 1, wins)
		})
	}
}

// unsavedRecordStore accepts locks but cannot persist completed records.
type unsavedRecordStore struct {
	*idempotency.MemoryStore
}

func (unsavedRecordStore) Set(context.Context, string, *idempotency.Record, time.Duration) error {
	return stderrors.New("redis: connection reset")
}

func TestSettle_RecordWriteFailureAfterCommit(t *testing.T) {
	f := newFixture(t, 0, false)
	f.service.idempotency = idempotency.NewManager(unsavedRecordStore{idempotency.NewMemoryStore()}, testLogger())

	m := play(t, f.ledger, match.Player{ID: "alice"}, match.Player{ID: "bob"}, 10, 0, 3, 1, 4, 2)

	res, err := f.service.Settle(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, int64(40), res.Payouts[0].Amount)
	assert.True(t, f.store.IsSettled(m.ID))
	assert.Equal(t, int64(1000-30+40), balance(t, f, "alice"))

	again, err := f.service.Settle(context.Background(), m)
	require.NoError(t, err)
	assert.True(t, again.Replayed)
	assert.Equal(t, int64(1000-30+40), balance(t, f, "alice"))
}

func TestSettle_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t, 2, true)
	m := play(t, f.ledger, match.Player{ID: "alice"}, match.Player{ID: "bob"}, 10, 0, 3, 1, 4, 2)

	res, err := f.service.Settle(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int32(3), f.store.calls.Load())
	assert.Equal(t, int64(1000-30+40), balance(t, f, "alice"))
}

func TestSettle_ExhaustedRetriesLeaveNothingCommitted(t *testing.T) {
	f := newFixture(t, 10, true)
	m := play(t, f.ledger, match.Player{ID: "alice"}, match.Player{ID: "bob"}, 10, 0, 3, 1, 4, 2)

	_, err := f.service.Settle(context.Background(), m)
	require.Error(t, err)
	assert.True(t, apperrors.IsRetryable(err))
	assert.Equal(t, int32(3), f.store.calls.Load())
	assert.False(t, f.store.IsSettled(m.ID))
	assert.Equal(t, int64(1000-30), balance(t, f, "alice"))

	f.store.failures.Store(0)
	res, err := f.service.Settle(context.Background(), m)
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, int64(1000-30+40), balance(t, f, "alice"))
}

func TestSettle_BotFeeRate(t *testing.T) {
	f := newFixture(t, 0, false)
	bot := match.Player{ID: botID, IsBot: true}

	m := play(t, f.ledger, match.Player{ID: "alice"}, bot, 10, 0, 3, 1, 4, 2)
	res, err := f.service.Settle(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, 0.1, res.FeeRate)
	assert.Equal(t, int64(45), res.Payouts[0].Amount)
	assert.Equal(t, int64(1000-30+45), balance(t, f, "alice"))

	botWin := play(t, f.ledger, bot, match.Player{ID: "bob"}, 10, 0, 3, 1, 4, 2)
	res, err = f.service.Settle(context.Background(), botWin)
	require.NoError(t, err)
	assert.Equal(t, botID, res.Payouts[0].UserID)
	assert.Equal(t, int64(1000-20), balance(t, f, "bob"))
}

func TestSettle_RejectsNonTerminal(t *testing.T) {
	f := newFixture(t, 0, false)
	m := play(t, f.ledger, match.Player{ID: "alice"}, match.Player{ID: "bob"}, 10, 0)

	_, err := f.service.Settle(context.Background(), m)
	assert.ErrorIs(t, err, ErrNotSettleable)

	forfeited := play(t, f.ledger, match.Player{ID: "alice"}, match.Player{ID: "bob"}, 10)
	forfeited.Status = match.StatusCompleted
	forfeited.Winner = board.Empty
	_, err = f.service.Settle(context.Background(), forfeited)
	assert.ErrorIs(t, err, ErrNotSettleable)
}

func TestSettle_ForfeitWithEmptyPot(t *testing.T) {
	f := newFixture(t, 0, false)
	m := play(t, f.ledger, match.Player{ID: "alice"}, match.Player{ID: "bob"}, 10)
	m.Status = match.StatusCompleted
	m.Winner = board.O
	m.EndReason = match.EndReasonForfeit

	res, err := f.service.Settle(context.Background(), m)
	require.NoError(t, err)
	assert.Empty(t, res.Payouts)

	b, err := f.store.FindByID(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, b.GamesWon)
}

func TestPrize(t *testing.T) {
	tests := []struct {
		pot  int64
		rate float64
		want int64
	}{
		{pot: 50, rate: 0.2, want: 40},
		{pot: 90, rate: 0.1, want: 81},
		{pot: 7, rate: 0.15, want: 5},
		{pot: 1, rate: 0.5, want: 0},
		{pot: 0, rate: 0.2, want: 0},
		{pot: 100, rate: 0, want: 100},
	}

	for _, tc := range tests {
		tc := tc
		t.Run("", func(t *testing.T) {
			assert.Equal(t, tc.want, Prize(tc.pot, tc.rate))
		})
	}
}

func TestSetFeeRates(t *testing.T) {
	f := newFixture(t, 0, false)
	f.service.SetFeeRates(FeeRates{VsPlayer: 0.5, VsBot: 0.5})

	m := play(t, f.ledger, match.Player{ID: "alice"}, match.Player{ID: "bob"}, 10, 0, 3, 1, 4, 2)
	res, err := f.service.Settle(context.Background(), m)
	require.NoError(t, err)
	assert.Equal(t, int64(25), res.Payouts[0].Amount)
}
