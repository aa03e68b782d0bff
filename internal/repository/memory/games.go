package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/Proton-105/xo-arena/internal/board"
	"github.com/Proton-105/xo-arena/internal/match"
	"github.com/Proton-105/xo-arena/internal/repository"
)

// GameStore keeps match snapshots in memory.
type GameStore struct {
	mu    sync.RWMutex
	games map[string]match.Match
}

var _ repository.GameRepository = (*GameStore)(nil)

// NewGameStore creates an empty GameStore.
func NewGameStore() *GameStore {
	return &GameStore{games: make(map[string]match.Match)}
}

func (g *GameStore) Upsert(_ context.Context, m match.Match) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.games[m.ID] = m.Snapshot()
	return nil
}

func (g *GameStore) FindByID(_ context.Context, id string) (*match.Match, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	m, ok := g.games[id]
	if !ok {
		return nil, repository.ErrNotFound
	}

	cp := m.Snapshot()
	return &cp, nil
}

func (g *GameStore) ListBySettlement(_ context.Context, state match.SettlementState, limit int) ([]match.Match, error) {
	return g.filter(limit, func(m *match.Match) bool { return m.Settlement == state }), nil
}

func (g *GameStore) ListByPlayer(_ context.Context, userID string, limit int) ([]match.Match, error) {
	return g.filter(limit, func(m *match.Match) bool { return m.MarkOf(userID) != board.Empty }), nil
}

func (g *GameStore) filter(limit int, keep func(m *match.Match) bool) []match.Match {
	g.mu.RLock()
	result := make([]match.Match, 0)
	for id := range g.games {
		m := g.games[id]
		if keep(&m) {
			result = append(result, m.Snapshot())
		}
	}
	g.mu.RUnlock()

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result
}
