package bot

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Proton-105/xo-arena/internal/board"
)

func first(int) int { return 0 }

func parse(t *testing.T, rows string) board.Board {
	t.Helper()

	var b board.Board
	i := 0
	for _, r := range rows {
		switch r {
		case 'X':
			b[i] = board.X
		case 'O':
			b[i] = board.O
		case '.':
		default:
			continue
		}
		i++
	}
	if i != board.Size {
		t.Fatalf("board %q has %d cells", rows, i)
	}
	return b
}

func TestStrategic_ChooseMove(t *testing.T) {
	s := &Strategic{intn: first}

	tests := []struct {
		name  string
		board string
		mark  board.Mark
		want  int
	}{
		{name: "takes the win", board: "OO. XX. ...", mark: board.O, want: 2},
		{name: "prefers win over block", board: "XX. OO. ...", mark: board.O, want: 5},
		{name: "blocks opponent", board: "XX. .O. ...", mark: board.O, want: 2},
		{name: "takes center", board: "X.. ... ...", mark: board.O, want: 4},
		{name: "then a corner", board: "... .X. ...", mark: board.O, want: 0},
		{name: "full board", board: "XOX OXX OXO", mark: board.O, want: -1},
		{name: "edge when corners are taken", board: "OXO .X. XOX", mark: board.O, want: 3},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			b := parse(t, tc.board)
			if tc.want >= 0 && b[tc.want] != board.Empty {
				t.Fatalf("expected cell %d to be free", tc.want)
			}
			assert.Equal(t, tc.want, s.ChooseMove(b, tc.mark))
		})
	}
}

func TestRandom_PicksEmptyCell(t *testing.T) {
	r := NewRandom()
	b := parse(t, "XOX OX. OXO")

	for i := 0; i < 20; i++ {
		assert.Equal(t, 5, r.ChooseMove(b, board.O))
	}
	assert.Equal(t, -1, r.ChooseMove(parse(t, "XOX OXX OXO"), board.O))
}

func TestMixed_Probability(t *testing.T) {
	m := NewMixed(1.7)
	assert.Equal(t, 1.0, m.Probability())

	m.SetProbability(-1)
	assert.Equal(t, 0.0, m.Probability())

	b := parse(t, "XX. .O. ...")

	m.SetProbability(1)
	for i := 0; i < 10; i++ {
		assert.Equal(t, 2, m.ChooseMove(b, board.O))
	}

	m.random = &Random{intn: func(n int) int { return n - 1 }}
	m.SetProbability(0)
	assert.Equal(t, 8, m.ChooseMove(b, board.O))
}
