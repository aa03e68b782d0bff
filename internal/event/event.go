// Package event defines the closed sets of gateway events and their wire envelope.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	apperrors "github.com/Proton-105/xo-arena/internal/errors"
	"github.com/Proton-105/xo-arena/internal/match"
)

// Inbound event names.
const (
	NameCreateMatch   = "create_match"
	NameJoinMatch     = "join_match"
	NameMove          = "move"
	NameInvite        = "invite"
	NameAcceptInvite  = "accept_invite"
	NameDeclineInvite = "decline_invite"
)

// Outbound event names.
const (
	NameMatchUpdate    = "match_update"
	NameLobbyUpdate    = "lobby_update"
	NameInviteReceived = "invite_received"
	NameError          = "error"
)

// ErrMalformed reports an envelope or payload that cannot be decoded.
var ErrMalformed = apperrors.NewValidationError(apperrors.CodeMalformedEvent, "malformed event")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Envelope is the wire frame shared by both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Inbound is a client request. The set is closed: only this package implements it.
type Inbound interface {
	EventName() string
	inbound()
}

type CreateMatch struct {
	BetAmount int64 `json:"betAmount" validate:"gt=0"`
	VsBot     bool  `json:"vsBot,omitempty"`
}

type JoinMatch struct {
	MatchID string `json:"matchId" validate:"required"`
}

type Move struct {
	MatchID   string `json:"matchId" validate:"required"`
	CellIndex *int   `json:"cellIndex" validate:"required"`
}

// Cell returns the requested cell index.
func (m Move) Cell() int {
	if m.CellIndex == nil {
		return -1
	}
	return *m.CellIndex
}

type Invite struct {
	ToUserID  string `json:"toUserId" validate:"required"`
	BetAmount int64  `json:"betAmount" validate:"gt=0"`
}

type AcceptInvite struct {
	MatchID string `json:"matchId" validate:"required"`
}

type DeclineInvite struct {
	MatchID string `json:"matchId" validate:"required"`
}

func (CreateMatch) EventName() string   { return NameCreateMatch }
func (JoinMatch) EventName() string     { return NameJoinMatch }
func (Move) EventName() string          { return NameMove }
func (Invite) EventName() string        { return NameInvite }
func (AcceptInvite) EventName() string  { return NameAcceptInvite }
func (DeclineInvite) EventName() string { return NameDeclineInvite }

func (CreateMatch) inbound()   {}
func (JoinMatch) inbound()     {}
func (Move) inbound()          {}
func (Invite) inbound()        {}
func (AcceptInvite) inbound()  {}
func (DeclineInvite) inbound() {}

// Outbound is a server push. The set is closed: only this package implements it.
type Outbound interface {
	EventName() string
	outbound()
}

type MatchUpdate struct {
	Match match.Match `json:"match"`
}

type LobbyUpdate struct {
	Matches []match.Match `json:"matches"`
}

type InviteReceived struct {
	FromUser  match.Player `json:"fromUser"`
	MatchID   string       `json:"matchId"`
	BetAmount int64        `json:"betAmount"`
}

type Error struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Match   *match.Match `json:"match,omitempty"`
}

func (MatchUpdate) EventName() string    { return NameMatchUpdate }
func (LobbyUpdate) EventName() string    { return NameLobbyUpdate }
func (InviteReceived) EventName() string { return NameInviteReceived }
func (Error) EventName() string          { return NameError }

func (MatchUpdate) outbound()    {}
func (LobbyUpdate) outbound()    {}
func (InviteReceived) outbound() {}
func (Error) outbound()          {}

// Decode parses a raw frame into a validated inbound event. Unknown event
// names, unknown fields and failed validation all yield ErrMalformed.
func Decode(raw []byte) (Inbound, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, apperrors.Wrap(ErrMalformed, fmt.Errorf("decode envelope: %w", err))
	}

	switch env.Event {
	case NameCreateMatch:
		return decodeData[CreateMatch](env)
	case NameJoinMatch:
		return decodeData[JoinMatch](env)
	case NameMove:
		return decodeData[Move](env)
	case NameInvite:
		return decodeData[Invite](env)
	case NameAcceptInvite:
		return decodeData[AcceptInvite](env)
	case NameDeclineInvite:
		return decodeData[DeclineInvite](env)
	}

	return nil, apperrors.Wrap(ErrMalformed, fmt.Errorf("unknown event %q", env.Event))
}

func decodeData[T Inbound](env Envelope) (Inbound, error) {
	var payload T
	if len(env.Data) == 0 || bytes.Equal(env.Data, []byte("null")) {
		return nil, apperrors.Wrap(ErrMalformed, fmt.Errorf("%s: missing data", env.Event))
	}

	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		return nil, apperrors.Wrap(ErrMalformed, fmt.Errorf("%s: %w", env.Event, err))
	}
	if err := validate.Struct(payload); err != nil {
		return nil, apperrors.Wrap(ErrMalformed, fmt.Errorf("%s: %w", env.Event, err))
	}

	return payload, nil
}

// Encode frames an outbound event.
func Encode(out Outbound) ([]byte, error) {
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", out.EventName(), err)
	}
	return json.Marshal(Envelope{Event: out.EventName(), Data: data})
}
