// Package memory provides an in-process implementation of the repositories and
// the ledger store, used by the memory database driver and by tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Proton-105/xo-arena/internal/domain"
	"github.com/Proton-105/xo-arena/internal/ledger"
	"github.com/Proton-105/xo-arena/internal/repository"
)

type account struct {
	balance atomic.Int64
}

// apply adds delta with a compare-and-swap loop so concurrent updates are never lost.
func (a *account) apply(delta int64) (int64, error) {
	for {
		current := a.balance.Load()
		next := current + delta
		if next < 0 {
			return current, ledger.ErrInsufficientFunds
		}
		if a.balance.CompareAndSwap(current, next) {
			return next, nil
		}
	}
}

// Store keeps users, balances and transactions in memory.
type Store struct {
	mu       sync.RWMutex
	users    map[string]*domain.User
	accounts map[string]*account

	txMu    sync.Mutex
	txs     []domain.Transaction
	txIndex map[string]int

	settleMu sync.Mutex
	settled  map[string]string

	now func() time.Time
}

var (
	_ ledger.Store              = (*Store)(nil)
	_ repository.UserRepository = (*Store)(nil)
)

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		users:    make(map[string]*domain.User),
		accounts: make(map[string]*account),
		txIndex:  make(map[string]int),
		settled:  make(map[string]string),
		now:      time.Now,
	}
}

// Create registers a user. The initial balance is taken from user.Balance.
func (s *Store) Create(_ context.Context, user *domain.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("create user: empty id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[user.ID]; exists {
		return fmt.Errorf("insert user %s: already exists", user.ID)
	}

	cp := *user
	if cp.Status == "" {
		cp.Status = domain.UserStatusActive
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now().UTC()
	}

	acc := &account{}
	acc.balance.Store(cp.Balance)

	s.users[cp.ID] = &cp
	s.accounts[cp.ID] = acc

	return nil
}

// FindByID returns a copy of the user with its live balance.
func (s *Store) FindByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}

	cp := *u
	cp.Balance = s.accounts[id].balance.Load()
	if u.LastLoginAt != nil {
		t := *u.LastLoginAt
		cp.LastLoginAt = &t
	}

	return &cp, nil
}

// TouchLogin records the time of the latest connection.
func (s *Store) TouchLogin(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return repository.ErrNotFound
	}

	t := at
	u.LastLoginAt = &t
	return nil
}

func (s *Store) account(userID string) (*account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc, ok := s.accounts[userID]
	return acc, ok
}

// Apply implements ledger.Store.
func (s *Store) Apply(_ context.Context, e ledger.Entry) (int64, *domain.Transaction, error) {
	acc, ok := s.account(e.UserID)
	if !ok {
		return 0, nil, ledger.ErrUserNotFound
	}

	balance, err := acc.apply(e.Delta)
	if err != nil {
		return balance, nil, err
	}

	now := s.now().UTC()
	record := s.appendTransaction(domain.Transaction{
		UserID:      e.UserID,
		Type:        e.Type,
		Amount:      abs(e.Delta),
		Currency:    domain.DefaultCurrency,
		Status:      domain.TransactionCompleted,
		MatchID:     e.MatchID,
		Reference:   e.Reference,
		CreatedAt:   now,
		CompletedAt: &now,
	})

	return balance, &record, nil
}

// Balance implements ledger.Store.
func (s *Store) Balance(_ context.Context, userID string) (int64, error) {
	acc, ok := s.account(userID)
	if !ok {
		return 0, ledger.ErrUserNotFound
	}
	return acc.balance.Load(), nil
}

// CommitSettlement implements ledger.Store. Settlement entries are credits, so
// once every target account is known the commit cannot fail halfway.
func (s *Store) CommitSettlement(_ context.Context, st ledger.Settlement) ([]domain.Transaction, error) {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()

	if _, done := s.settled[st.MatchID]; done {
		return nil, ledger.ErrAlreadySettled
	}

	accounts := make([]*account, len(st.Entries))
	for i, e := range st.Entries {
		acc, ok := s.account(e.UserID)
		if !ok {
			return nil, ledger.ErrUserNotFound
		}
		accounts[i] = acc
	}

	s.mu.Lock()
	for _, stat := range st.Stats {
		if _, ok := s.users[stat.UserID]; !ok {
			s.mu.Unlock()
			return nil, ledger.ErrUserNotFound
		}
	}
	for _, stat := range st.Stats {
		u := s.users[stat.UserID]
		u.GamesPlayed += stat.Played
		u.GamesWon += stat.Won
	}
	s.mu.Unlock()

	now := s.now().UTC()
	records := make([]domain.Transaction, 0, len(st.Entries))
	for i, e := range st.Entries {
		if _, err := accounts[i].apply(e.Delta); err != nil {
			return nil, err
		}
		records = append(records, s.appendTransaction(domain.Transaction{
			UserID:      e.UserID,
			Type:        e.Type,
			Amount:      abs(e.Delta),
			Currency:    domain.DefaultCurrency,
			Status:      domain.TransactionCompleted,
			MatchID:     st.MatchID,
			Reference:   e.Reference,
			CreatedAt:   now,
			CompletedAt: &now,
		}))
	}

	s.settled[st.MatchID] = st.Outcome

	return records, nil
}

// IsSettled reports whether a settlement marker exists for matchID.
func (s *Store) IsSettled(matchID string) bool {
	s.settleMu.Lock()
	defer s.settleMu.Unlock()

	_, ok := s.settled[matchID]
	return ok
}

// RecordPending implements ledger.Store.
func (s *Store) RecordPending(_ context.Context, t domain.Transaction) (*domain.Transaction, error) {
	if _, ok := s.account(t.UserID); !ok {
		return nil, ledger.ErrUserNotFound
	}

	record := s.appendTransaction(t)
	return &record, nil
}

// ResolvePending implements ledger.Store.
func (s *Store) ResolvePending(_ context.Context, txID string, status domain.TransactionStatus) (*domain.Transaction, int64, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	idx, ok := s.txIndex[txID]
	if !ok {
		return nil, 0, ledger.ErrTransactionNotFound
	}

	record := s.txs[idx]
	if record.Status != domain.TransactionPending {
		return nil, 0, ledger.ErrTransactionResolved
	}

	acc, ok := s.account(record.UserID)
	if !ok {
		return nil, 0, ledger.ErrUserNotFound
	}

	balance := acc.balance.Load()
	if status == domain.TransactionCompleted {
		var err error
		if balance, err = acc.apply(record.SignedAmount()); err != nil {
			return nil, 0, err
		}
	}

	now := s.now().UTC()
	record.Status = status
	record.CompletedAt = &now
	s.txs[idx] = record

	return &record, balance, nil
}

func (s *Store) appendTransaction(t domain.Transaction) domain.Transaction {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.txIndex[t.ID] = len(s.txs)
	s.txs = append(s.txs, t)

	return t
}

// Transactions exposes the transaction history as a repository.TransactionRepository.
func (s *Store) Transactions() repository.TransactionRepository {
	return transactions{s: s}
}

type transactions struct {
	s *Store
}

func (t transactions) FindByID(_ context.Context, id string) (*domain.Transaction, error) {
	t.s.txMu.Lock()
	defer t.s.txMu.Unlock()

	idx, ok := t.s.txIndex[id]
	if !ok {
		return nil, repository.ErrNotFound
	}

	record := t.s.txs[idx]
	return &record, nil
}

// ListByUser returns the user's transactions, newest first.
func (t transactions) ListByUser(_ context.Context, userID string, limit int) ([]domain.Transaction, error) {
	return t.s.filterTransactions(limit, true, func(tx *domain.Transaction) bool { return tx.UserID == userID }), nil
}

// ListByMatch returns the transactions recorded for matchID in order.
func (t transactions) ListByMatch(_ context.Context, matchID string) ([]domain.Transaction, error) {
	return t.s.filterTransactions(0, false, func(tx *domain.Transaction) bool { return tx.MatchID == matchID }), nil
}

func (s *Store) filterTransactions(limit int, newestFirst bool, keep func(t *domain.Transaction) bool) []domain.Transaction {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	var result []domain.Transaction
	for i := range s.txs {
		if keep(&s.txs[i]) {
			result = append(result, s.txs[i])
		}
	}

	if newestFirst {
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
