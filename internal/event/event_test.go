package event

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/xo-arena/internal/board"
	"github.com/Proton-105/xo-arena/internal/match"
)

func TestDecode(t *testing.T) {
	four := 4
	zero := 0

	tests := []struct {
		name string
		raw  string
		want Inbound
	}{
		{name: "create", raw: `{"event":"create_match","data":{"betAmount":10}}`, want: CreateMatch{BetAmount: 10}},
		{name: "create vs bot", raw: `{"event":"create_match","data":{"betAmount":5,"vsBot":true}}`, want: CreateMatch{BetAmount: 5, VsBot: true}},
		{name: "join", raw: `{"event":"join_match","data":{"matchId":"m1"}}`, want: JoinMatch{MatchID: "m1"}},
		{name: "move", raw: `{"event":"move","data":{"matchId":"m1","cellIndex":4}}`, want: Move{MatchID: "m1", CellIndex: &four}},
		{name: "move to cell zero", raw: `{"event":"move","data":{"matchId":"m1","cellIndex":0}}`, want: Move{MatchID: "m1", CellIndex: &zero}},
		{name: "invite", raw: `{"event":"invite","data":{"toUserId":"bob","betAmount":10}}`, want: Invite{ToUserID: "bob", BetAmount: 10}},
		{name: "accept", raw: `{"event":"accept_invite","data":{"matchId":"m1"}}`, want: AcceptInvite{MatchID: "m1"}},
		{name: "decline", raw: `{"event":"decline_invite","data":{"matchId":"m1"}}`, want: DeclineInvite{MatchID: "m1"}},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.raw))
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.want.EventName(), got.EventName())
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `hello`},
		{name: "unknown event", raw: `{"event":"resign","data":{}}`},
		{name: "missing data", raw: `{"event":"join_match"}`},
		{name: "null data", raw: `{"event":"join_match","data":null}`},
		{name: "missing cell", raw: `{"event":"move","data":{"matchId":"m1"}}`},
		{name: "string cell", raw: `{"event":"move","data":{"matchId":"m1","cellIndex":"4"}}`},
		{name: "non positive bet", raw: `{"event":"create_match","data":{"betAmount":0}}`},
		{name: "unknown field", raw: `{"event":"join_match","data":{"matchId":"m1","extra":1}}`},
		{name: "missing target", raw: `{"event":"invite","data":{"betAmount":10}}`},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			got, err := Decode([]byte(tc.raw))
			assert.Nil(t, got)
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestEncode(t *testing.T) {
	m := match.Match{ID: "m1", Status: match.StatusPlaying, CurrentTurn: board.O, BetAmount: 10, Pot: 10}
	m.Board[4] = board.X

	raw, err := Encode(Error{Code: "NOT_YOUR_TURN", Message: "not your turn", Match: &m})
	require.NoError(t, err)

	var env struct {
		Event string `json:"event"`
		Data  struct {
			Code  string         `json:"code"`
			Match map[string]any `json:"match"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))

	assert.Equal(t, NameError, env.Event)
	assert.Equal(t, "NOT_YOUR_TURN", env.Data.Code)
	assert.Equal(t, "m1", env.Data.Match["id"])
	assert.Equal(t, "O", env.Data.Match["currentTurn"])

	raw, err = Encode(LobbyUpdate{Matches: []match.Match{}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"lobby_update","data":{"matches":[]}}`, string(raw))
}
