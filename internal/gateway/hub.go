// Package gateway binds client connections to the game service: it resolves
// identities, decodes events, dispatches them and pushes state to every
// interested session.
package gateway

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Proton-105/xo-arena/internal/domain"
	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/internal/event"
	"github.com/Proton-105/xo-arena/internal/i18n"
	"github.com/Proton-105/xo-arena/internal/match"
	"github.com/Proton-105/xo-arena/internal/middleware"
	"github.com/Proton-105/xo-arena/internal/repository"
	"github.com/Proton-105/xo-arena/pkg/metrics"
)

// Games is the subset of the game service reachable from clients.
type Games interface {
	CreateMatch(ctx context.Context, userID string, bet int64, vsBot bool) (match.Match, error)
	JoinMatch(ctx context.Context, userID, matchID string) (match.Match, error)
	Move(ctx context.Context, userID, matchID string, cell int) (match.Match, error)
	Invite(ctx context.Context, fromUserID, toUserID string, bet int64) (match.Match, error)
	AcceptInvite(ctx context.Context, userID, matchID string) (match.Match, error)
	DeclineInvite(ctx context.Context, userID, matchID string) (match.Match, error)
	Get(ctx context.Context, matchID string) (match.Match, error)
	Lobby() []match.Match
	ActiveFor(userID string) []match.Match
	IsPlaying(userID string) bool
}

// Users resolves connecting identities.
type Users interface {
	Resolve(ctx context.Context, userID string) (*domain.User, error)
	TouchLogin(ctx context.Context, userID string)
}

// PresenceStore mirrors connection state outside the process. Optional.
type PresenceStore interface {
	Set(ctx context.Context, p repository.Presence) error
}

// Config tunes session behaviour.
type Config struct {
	WriteBuffer  int
	PingInterval time.Duration
}

// Deps are the collaborators of Hub. Catalog, Errors, Presence and Middlewares are optional.
type Deps struct {
	Games       Games
	Users       Users
	Catalog     *i18n.Manager
	Errors      *apperrors.Handler
	Presence    PresenceStore
	Middlewares []middleware.Middleware
}

// Hub tracks open sessions and implements the game listener and presence source.
type Hub struct {
	games    Games
	users    Users
	catalog  *i18n.Manager
	errors   *apperrors.Handler
	presence PresenceStore
	handler  middleware.Handler
	cfg      Config
	log      *slog.Logger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]map[string]*Session
	offline  map[string]time.Time
}

// NewHub wires a Hub.
func NewHub(deps Deps, cfg Config, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("component", "gateway"))
	if deps.Errors == nil {
		deps.Errors = apperrors.NewHandler(log, false)
	}

	h := &Hub{
		games:    deps.Games,
		users:    deps.Users,
		catalog:  deps.Catalog,
		errors:   deps.Errors,
		presence: deps.Presence,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		sessions: make(map[string]map[string]*Session),
		offline:  make(map[string]time.Time),
	}
	h.handler = middleware.Chain(h.dispatch, deps.Middlewares...)

	return h
}

// Serve runs a session for userID on conn until the connection ends or ctx is
// cancelled. Unknown users receive an UNKNOWN_USER error and are disconnected.
func (h *Hub) Serve(ctx context.Context, conn Conn, userID, lang string) error {
	tr := h.catalog.Translator(lang)
	s := newSession(uuid.NewString(), userID, conn, tr, h.cfg.WriteBuffer, h.log)

	if _, err := h.users.Resolve(ctx, userID); err != nil {
		h.reject(ctx, s, err)
		return err
	}

	h.register(ctx, s)
	defer h.unregister(ctx, s)

	metrics.ConnectionOpened()
	defer metrics.ConnectionClosed()

	h.users.TouchLogin(ctx, userID)
	s.log.Info("session opened", slog.String("lang", tr.Lang()))

	go s.writeLoop(h.cfg.PingInterval)
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.Done():
		}
	}()

	s.Send(event.LobbyUpdate{Matches: h.games.Lobby()})
	for _, m := range h.games.ActiveFor(userID) {
		s.Send(event.MatchUpdate{Match: m})
	}

	for {
		raw, err := conn.ReadMessage()
		if err != nil {
			s.Close()
			s.log.Info("session closed", slog.Any("reason", err))
			return nil
		}
		h.handleFrame(ctx, s, raw)
	}
}

func (h *Hub) reject(ctx context.Context, s *Session, cause error) {
	data, err := event.Encode(h.errorEvent(ctx, s, cause, nil))
	if err == nil {
		_ = s.conn.WriteMessage(data)
	}
	s.Close()
}

func (h *Hub) handleFrame(ctx context.Context, s *Session, raw []byte) {
	in, err := event.Decode(raw)
	if err != nil {
		metrics.RecordGatewayEvent("malformed", apperrors.CodeMalformedEvent, 0)
		s.Send(h.errorEvent(ctx, s, err, nil))
		return
	}

	req := middleware.Request{UserID: s.UserID, SessionID: s.ID, Event: in}
	if err := h.handler(ctx, req); err != nil {
		s.Send(h.errorEvent(ctx, s, err, in))
	}
}

func (h *Hub) dispatch(ctx context.Context, req middleware.Request) error {
	userID := req.UserID

	switch in := req.Event.(type) {
	case event.CreateMatch:
		_, err := h.games.CreateMatch(ctx, userID, in.BetAmount, in.VsBot)
		return err
	case event.JoinMatch:
		_, err := h.games.JoinMatch(ctx, userID, in.MatchID)
		return err
	case event.Move:
		_, err := h.games.Move(ctx, userID, in.MatchID, in.Cell())
		return err
	case event.Invite:
		m, err := h.games.Invite(ctx, userID, in.ToUserID, in.BetAmount)
		if err != nil {
			return err
		}
		h.SendTo(in.ToUserID, event.InviteReceived{
			FromUser:  *m.Players.X,
			MatchID:   m.ID,
			BetAmount: m.BetAmount,
		})
		return nil
	case event.AcceptInvite:
		_, err := h.games.AcceptInvite(ctx, userID, in.MatchID)
		return err
	case event.DeclineInvite:
		_, err := h.games.DeclineInvite(ctx, userID, in.MatchID)
		return err
	default:
		return event.ErrMalformed
	}
}

// errorEvent localizes err for s. State conflicts carry the authoritative match.
func (h *Hub) errorEvent(ctx context.Context, s *Session, err error, in event.Inbound) event.Error {
	report := h.errors.Handle(ctx, err)
	out := event.Error{
		Code:    report.Code,
		Message: i18n.ErrorMessage(s.tr, report.Code, report.UserMessage),
	}

	if report.Kind == apperrors.KindStateConflict {
		if id := matchIDOf(in); id != "" {
			if m, getErr := h.games.Get(ctx, id); getErr == nil {
				out.Match = &m
			}
		}
	}

	return out
}

func matchIDOf(in event.Inbound) string {
	switch e := in.(type) {
	case event.JoinMatch:
		return e.MatchID
	case event.Move:
		return e.MatchID
	case event.AcceptInvite:
		return e.MatchID
	case event.DeclineInvite:
		return e.MatchID
	default:
		return ""
	}
}

// MatchUpdated pushes the snapshot to every session of both players.
func (h *Hub) MatchUpdated(m match.Match) {
	out := event.MatchUpdate{Match: m}
	for _, id := range m.PlayerIDs() {
		h.SendTo(id, out)
	}
}

// LobbyChanged sends the open matches to every user not seated in a match in progress.
func (h *Hub) LobbyChanged() {
	h.broadcast(event.LobbyUpdate{Matches: h.games.Lobby()}, func(userID string) bool {
		return !h.games.IsPlaying(userID)
	})
}

// SendTo delivers ev to every session of userID. It returns the number of sessions reached.
func (h *Hub) SendTo(userID string, ev event.Outbound) int {
	sent := 0
	for _, s := range h.sessionsOf(userID) {
		if s.Send(ev) {
			sent++
		}
	}
	return sent
}

// Broadcast delivers ev to every open session.
func (h *Hub) Broadcast(ev event.Outbound) {
	h.broadcast(ev, nil)
}

// broadcast delivers ev to the sessions of users accepted by include. A nil
// include accepts everyone.
func (h *Hub) broadcast(ev event.Outbound, include func(userID string) bool) {
	data, err := event.Encode(ev)
	if err != nil {
		h.log.Error("failed to encode broadcast", slog.String("event", ev.EventName()), slog.Any("error", err))
		return
	}

	h.mu.RLock()
	byUser := make(map[string][]*Session, len(h.sessions))
	for userID, byID := range h.sessions {
		for _, s := range byID {
			byUser[userID] = append(byUser[userID], s)
		}
	}
	h.mu.RUnlock()

	for userID, sessions := range byUser {
		if include != nil && !include(userID) {
			continue
		}
		for _, s := range sessions {
			s.send(data)
		}
	}
}

// IsOnline reports whether userID has at least one open session.
func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[userID]) > 0
}

// OfflineSince returns when the last session of userID closed.
func (h *Hub) OfflineSince(userID string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.sessions[userID]) > 0 {
		return time.Time{}, false
	}
	since, ok := h.offline[userID]
	return since, ok
}

// SessionCount returns the number of open sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for _, byID := range h.sessions {
		n += len(byID)
	}
	return n
}

// Close terminates every session.
func (h *Hub) Close() {
	h.mu.RLock()
	var all []*Session
	for _, byID := range h.sessions {
		for _, s := range byID {
			all = append(all, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range all {
		s.Close()
	}
}

func (h *Hub) sessionsOf(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	byID := h.sessions[userID]
	out := make([]*Session, 0, len(byID))
	for _, s := range byID {
		out = append(out, s)
	}
	return out
}

func (h *Hub) register(ctx context.Context, s *Session) {
	h.mu.Lock()
	byID := h.sessions[s.UserID]
	if byID == nil {
		byID = make(map[string]*Session)
		h.sessions[s.UserID] = byID
	}
	byID[s.ID] = s
	delete(h.offline, s.UserID)
	count := len(byID)
	h.mu.Unlock()

	h.mirror(ctx, s.UserID, count)
}

func (h *Hub) unregister(ctx context.Context, s *Session) {
	now := h.now()

	h.mu.Lock()
	byID := h.sessions[s.UserID]
	delete(byID, s.ID)
	count := len(byID)
	if count == 0 {
		delete(h.sessions, s.UserID)
		h.offline[s.UserID] = now
	}
	h.mu.Unlock()

	h.mirror(context.WithoutCancel(ctx), s.UserID, count)
}

func (h *Hub) mirror(ctx context.Context, userID string, sessions int) {
	if h.presence == nil {
		return
	}

	err := h.presence.Set(ctx, repository.Presence{
		UserID:   userID,
		Online:   sessions > 0,
		Sessions: sessions,
		LastSeen: h.now().UTC(),
	})
	if err != nil && !stderrors.Is(err, context.Canceled) {
		h.log.Warn("failed to store presence", slog.String("user_id", userID), slog.Any("error", err))
	}
}
