package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/xo-arena/internal/domain"
	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/internal/event"
	"github.com/Proton-105/xo-arena/internal/game"
	"github.com/Proton-105/xo-arena/internal/i18n"
	"github.com/Proton-105/xo-arena/internal/ledger"
	"github.com/Proton-105/xo-arena/internal/match"
	"github.com/Proton-105/xo-arena/internal/middleware"
	"github.com/Proton-105/xo-arena/internal/repository/memory"
	"github.com/Proton-105/xo-arena/internal/settlement"
	"github.com/Proton-105/xo-arena/internal/user"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeConn struct {
	in        chan []byte
	written   chan []byte
	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 16),
		written: make(chan []byte, 256),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errors.New("closed")
	default:
	}
	c.written <- data
	return nil
}

func (c *fakeConn) Ping() error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(t *testing.T, name string, data any) {
	t.Helper()
	payload, err := json.Marshal(data)
	require.NoError(t, err)
	raw, err := json.Marshal(event.Envelope{Event: name, Data: payload})
	require.NoError(t, err)
	c.in <- raw
}

// next returns the first written frame named name, skipping others.
func (c *fakeConn) next(t *testing.T, name string) json.RawMessage {
	t.Helper()

	timeout := time.After(2 * time.Second)
	for {
		select {
		case raw := <-c.written:
			var env event.Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			if env.Event == name {
				return env.Data
			}
		case <-timeout:
			t.Fatalf("no %s event received", name)
			return nil
		}
	}
}

// expectNone fails if a frame named name is written within wait.
func (c *fakeConn) expectNone(t *testing.T, name string, wait time.Duration) {
	t.Helper()

	timeout := time.After(wait)
	for {
		select {
		case raw := <-c.written:
			var env event.Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			require.NotEqual(t, name, env.Event, "unexpected %s: %s", name, env.Data)
		case <-timeout:
			return
		}
	}
}

type fixture struct {
	hub   *Hub
	games *game.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	log := testLogger()
	store := memory.NewStore()
	for _, id := range []string{"alice", "bob", "carol"} {
		require.NoError(t, store.Create(context.Background(), &domain.User{ID: id, Username: id, Balance: 1000}))
	}

	catalog, err := i18n.LoadFS(os.DirFS("../../locales"), "en")
	require.NoError(t, err)

	l := ledger.New(store, "bot", log)
	users := user.NewService(store, nil, log)
	games := game.NewService(game.Deps{
		Users:   users,
		Wallet:  l,
		Settler: settlement.NewService(l, nil, settlement.Config{Fees: settlement.FeeRates{VsPlayer: 0.2, VsBot: 0.1}}, log),
	}, game.Config{Limits: match.BetLimits{Min: 1, Max: 100}}, log)

	hub := NewHub(Deps{
		Games:       games,
		Users:       users,
		Catalog:     catalog,
		Errors:      apperrors.NewHandler(log, false),
		Middlewares: []middleware.Middleware{middleware.Recovery(log), middleware.Metrics()},
	}, Config{WriteBuffer: 64}, log)

	games.Subscribe(hub)
	games.SetPresence(hub)

	return &fixture{hub: hub, games: games}
}

func (f *fixture) connect(t *testing.T, userID, lang string) *fakeConn {
	t.Helper()

	conn := newFakeConn()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.hub.Serve(context.Background(), conn, userID, lang)
	}()
	t.Cleanup(func() {
		conn.Close()
		<-done
	})

	conn.next(t, event.NameLobbyUpdate)
	require.Eventually(t, func() bool { return f.hub.IsOnline(userID) }, time.Second, 5*time.Millisecond)
	return conn
}

func decodeMatch(t *testing.T, data json.RawMessage) match.Match {
	t.Helper()
	var payload event.MatchUpdate
	require.NoError(t, json.Unmarshal(data, &payload))
	return payload.Match
}

func decodeError(t *testing.T, data json.RawMessage) event.Error {
	t.Helper()
	var payload event.Error
	require.NoError(t, json.Unmarshal(data, &payload))
	return payload
}

func TestHub_UnknownUserIsRejected(t *testing.T) {
	f := newFixture(t)
	conn := newFakeConn()

	err := f.hub.Serve(context.Background(), conn, "ghost", "en")
	assert.ErrorIs(t, err, user.ErrUnknownUser)

	payload := decodeError(t, conn.next(t, event.NameError))
	assert.Equal(t, apperrors.CodeUnknownUser, payload.Code)
	assert.False(t, f.hub.IsOnline("ghost"))
}

func TestHub_MatchFlow(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice", "en")
	bob := f.connect(t, "bob", "ru")

	alice.send(t, event.NameCreateMatch, map[string]any{"betAmount": 10})
	created := decodeMatch(t, alice.next(t, event.NameMatchUpdate))
	assert.Equal(t, match.StatusWaiting, created.Status)

	var lobby event.LobbyUpdate
	require.NoError(t, json.Unmarshal(bob.next(t, event.NameLobbyUpdate), &lobby))
	require.Len(t, lobby.Matches, 1)
	assert.Equal(t, created.ID, lobby.Matches[0].ID)

	bob.send(t, event.NameJoinMatch, map[string]any{"matchId": created.ID})
	assert.Equal(t, match.StatusPlaying, decodeMatch(t, alice.next(t, event.NameMatchUpdate)).Status)
	assert.Equal(t, match.StatusPlaying, decodeMatch(t, bob.next(t, event.NameMatchUpdate)).Status)

	bob.send(t, event.NameMove, map[string]any{"matchId": created.ID, "cellIndex": 4})
	rejected := decodeError(t, bob.next(t, event.NameError))
	assert.Equal(t, apperrors.CodeNotYourTurn, rejected.Code)
	assert.Equal(t, "Сейчас не ваш ход.", rejected.Message)
	require.NotNil(t, rejected.Match)
	assert.Equal(t, created.ID, rejected.Match.ID)
	assert.Zero(t, rejected.Match.Moves)

	alice.send(t, event.NameMove, map[string]any{"matchId": created.ID, "cellIndex": 4})
	moved := decodeMatch(t, bob.next(t, event.NameMatchUpdate))
	assert.Equal(t, 1, moved.Moves)
	assert.Equal(t, int64(10), moved.Pot)
}

func TestHub_LobbySkipsSeatedPlayers(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice", "en")
	bob := f.connect(t, "bob", "en")
	carol := f.connect(t, "carol", "en")

	alice.send(t, event.NameCreateMatch, map[string]any{"betAmount": 10})
	created := decodeMatch(t, alice.next(t, event.NameMatchUpdate))
	alice.next(t, event.NameLobbyUpdate)
	bob.next(t, event.NameLobbyUpdate)
	carol.next(t, event.NameLobbyUpdate)

	bob.send(t, event.NameJoinMatch, map[string]any{"matchId": created.ID})
	decodeMatch(t, alice.next(t, event.NameMatchUpdate))
	decodeMatch(t, bob.next(t, event.NameMatchUpdate))
	carol.next(t, event.NameLobbyUpdate)
	require.True(t, f.games.IsPlaying("alice"))
	require.True(t, f.games.IsPlaying("bob"))

	carol.send(t, event.NameCreateMatch, map[string]any{"betAmount": 5})
	decodeMatch(t, carol.next(t, event.NameMatchUpdate))

	var lobby event.LobbyUpdate
	require.NoError(t, json.Unmarshal(carol.next(t, event.NameLobbyUpdate), &lobby))
	require.Len(t, lobby.Matches, 1)
	assert.Equal(t, int64(5), lobby.Matches[0].BetAmount)

	alice.expectNone(t, event.NameLobbyUpdate, 100*time.Millisecond)
	bob.expectNone(t, event.NameLobbyUpdate, 100*time.Millisecond)
}

func TestHub_MalformedFrame(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice", "en")

	alice.in <- []byte(`{"event":"move","data":{"matchId":"m1"}}`)
	payload := decodeError(t, alice.next(t, event.NameError))
	assert.Equal(t, apperrors.CodeMalformedEvent, payload.Code)
	assert.Equal(t, "The message could not be understood.", payload.Message)
}

func TestHub_Invite(t *testing.T) {
	f := newFixture(t)
	alice := f.connect(t, "alice", "en")
	bob := f.connect(t, "bob", "en")

	alice.send(t, event.NameInvite, map[string]any{"toUserId": "bob", "betAmount": 5})

	var invite event.InviteReceived
	require.NoError(t, json.Unmarshal(bob.next(t, event.NameInviteReceived), &invite))
	assert.Equal(t, "alice", invite.FromUser.ID)
	assert.Equal(t, int64(5), invite.BetAmount)

	bob.send(t, event.NameDeclineInvite, map[string]any{"matchId": invite.MatchID})
	declined := decodeMatch(t, alice.next(t, event.NameMatchUpdate))
	for declined.Status != match.StatusAbandoned {
		declined = decodeMatch(t, alice.next(t, event.NameMatchUpdate))
	}
	assert.Equal(t, invite.MatchID, declined.ID)
}

func TestHub_PresenceTracksSessions(t *testing.T) {
	f := newFixture(t)
	conn := f.connect(t, "alice", "en")

	_, offline := f.hub.OfflineSince("alice")
	assert.False(t, offline)
	assert.Equal(t, 1, f.hub.SessionCount())

	conn.Close()
	require.Eventually(t, func() bool { return !f.hub.IsOnline("alice") }, time.Second, 5*time.Millisecond)

	since, offline := f.hub.OfflineSince("alice")
	assert.True(t, offline)
	assert.False(t, since.IsZero())

	_, known := f.hub.OfflineSince("bob")
	assert.False(t, known)
}
