// Package board implements the stateless 3x3 tic-tac-toe rules.
package board

import (
	"encoding/json"
	"fmt"

	apperrors "github.com/Proton-105/xo-arena/internal/errors"
)

// Size is the number of cells on the board.
const Size = 9

// Mark is the content of a single cell.
type Mark uint8

const (
	Empty Mark = iota
	X
	O
)

// ErrInvalidIndex is returned for cell indexes outside [0, Size).
var ErrInvalidIndex = apperrors.NewValidationError(apperrors.CodeInvalidIndex, "cell index out of range")

// lines lists the rows, columns and diagonals in evaluation order.
var lines = [8][3]int{
	{0, 1, 2},
	{3, 4, 5},
	{6, 7, 8},
	{0, 3, 6},
	{1, 4, 7},
	{2, 5, 8},
	{0, 4, 8},
	{2, 4, 6},
}

// Board is an ordered 9-cell grid, row-major.
type Board [Size]Mark

func (m Mark) String() string {
	switch m {
	case X:
		return "X"
	case O:
		return "O"
	default:
		return ""
	}
}

// Opponent returns the other player's mark.
func (m Mark) Opponent() Mark {
	switch m {
	case X:
		return O
	case O:
		return X
	default:
		return Empty
	}
}

// MarshalJSON renders a mark as "X", "O" or null.
func (m Mark) MarshalJSON() ([]byte, error) {
	if m == Empty {
		return []byte("null"), nil
	}
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts "X", "O", "" or null.
func (m *Mark) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*m = Empty
		return nil
	}

	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode mark: %w", err)
	}

	parsed, err := ParseMark(raw)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// ParseMark converts "X", "O" or "" into a Mark.
func ParseMark(raw string) (Mark, error) {
	switch raw {
	case "X", "x":
		return X, nil
	case "O", "o":
		return O, nil
	case "":
		return Empty, nil
	default:
		return Empty, fmt.Errorf("unknown mark %q", raw)
	}
}

// Winner returns the mark owning the first complete line, or Empty.
func Winner(b Board) Mark {
	for _, line := range lines {
		first := b[line[0]]
		if first != Empty && first == b[line[1]] && first == b[line[2]] {
			return first
		}
	}

	return Empty
}

// IsFull reports whether every cell is occupied.
func IsFull(b Board) bool {
	for _, cell := range b {
		if cell == Empty {
			return false
		}
	}

	return true
}

// IsLegalMove reports whether cell is empty. Out of range indexes yield ErrInvalidIndex.
func IsLegalMove(b Board, cell int) (bool, error) {
	if cell < 0 || cell >= Size {
		return false, ErrInvalidIndex
	}

	return b[cell] == Empty, nil
}

// EmptyCells lists free cell indexes in ascending order.
func EmptyCells(b Board) []int {
	cells := make([]int, 0, Size)
	for i, cell := range b {
		if cell == Empty {
			cells = append(cells, i)
		}
	}

	return cells
}

// Count returns how many cells hold mark m.
func Count(b Board, m Mark) int {
	n := 0
	for _, cell := range b {
		if cell == m {
			n++
		}
	}

	return n
}

// WinningCell returns a free cell that completes a line for m, or -1.
func WinningCell(b Board, m Mark) int {
	if m == Empty {
		return -1
	}

	for _, line := range lines {
		owned, free := 0, -1
		for _, idx := range line {
			switch b[idx] {
			case m:
				owned++
			case Empty:
				free = idx
			}
		}
		if owned == 2 && free >= 0 {
			return free
		}
	}

	return -1
}
