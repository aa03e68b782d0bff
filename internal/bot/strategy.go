// Package bot plays the house opponent in vs-bot matches.
package bot

import (
	"math"
	"math/rand/v2"
	"sync/atomic"

	"github.com/Proton-105/xo-arena/internal/board"
)

var (
	center  = 4
	corners = []int{0, 2, 6, 8}
	edges   = []int{1, 3, 5, 7}
)

// Strategy picks the next cell for mark. It returns -1 when the board is full.
type Strategy interface {
	ChooseMove(b board.Board, mark board.Mark) int
}

// Random picks a uniformly random empty cell.
type Random struct {
	intn func(n int) int
}

// NewRandom returns a Random strategy backed by the global source.
func NewRandom() *Random {
	return &Random{intn: rand.IntN}
}

func (r *Random) ChooseMove(b board.Board, _ board.Mark) int {
	return pick(r.intn, board.EmptyCells(b))
}

// Strategic wins when it can, blocks the opponent, then prefers the center,
// a corner and finally an edge.
type Strategic struct {
	intn func(n int) int
}

// NewStrategic returns a Strategic strategy backed by the global source.
func NewStrategic() *Strategic {
	return &Strategic{intn: rand.IntN}
}

func (s *Strategic) ChooseMove(b board.Board, mark board.Mark) int {
	if cell := board.WinningCell(b, mark); cell >= 0 {
		return cell
	}
	if cell := board.WinningCell(b, mark.Opponent()); cell >= 0 {
		return cell
	}
	if b[center] == board.Empty {
		return center
	}
	if cell := pick(s.intn, free(b, corners)); cell >= 0 {
		return cell
	}
	return pick(s.intn, free(b, edges))
}

// Mixed plays Strategic with the configured probability and Random otherwise.
type Mixed struct {
	strategic   Strategy
	random      Strategy
	probability atomic.Uint64
	float       func() float64
}

// NewMixed builds a Mixed strategy. probability is clamped to [0, 1].
func NewMixed(probability float64) *Mixed {
	m := &Mixed{
		strategic: NewStrategic(),
		random:    NewRandom(),
		float:     rand.Float64,
	}
	m.SetProbability(probability)
	return m
}

// SetProbability changes the share of strategic moves for subsequent calls.
func (m *Mixed) SetProbability(p float64) {
	m.probability.Store(math.Float64bits(math.Min(math.Max(p, 0), 1)))
}

// Probability returns the current share of strategic moves.
func (m *Mixed) Probability() float64 {
	return math.Float64frombits(m.probability.Load())
}

func (m *Mixed) ChooseMove(b board.Board, mark board.Mark) int {
	if m.float() < m.Probability() {
		return m.strategic.ChooseMove(b, mark)
	}
	return m.random.ChooseMove(b, mark)
}

func free(b board.Board, cells []int) []int {
	out := make([]int, 0, len(cells))
	for _, c := range cells {
		if b[c] == board.Empty {
			out = append(out, c)
		}
	}
	return out
}

func pick(intn func(n int) int, cells []int) int {
	if len(cells) == 0 {
		return -1
	}
	return cells[intn(len(cells))]
}
