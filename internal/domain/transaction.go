package domain

import "time"

// TransactionType classifies a ledger entry; the sign of its effect follows from the type.
type TransactionType string

const (
	TransactionDeposit    TransactionType = "deposit"
	TransactionWithdrawal TransactionType = "withdrawal"
	TransactionBet        TransactionType = "bet"
	TransactionWin        TransactionType = "win"
	TransactionRefund     TransactionType = "refund"
)

// Credits reports whether the type increases the balance.
func (t TransactionType) Credits() bool {
	switch t {
	case TransactionDeposit, TransactionWin, TransactionRefund:
		return true
	default:
		return false
	}
}

// Valid reports whether t is a known type.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionDeposit, TransactionWithdrawal, TransactionBet, TransactionWin, TransactionRefund:
		return true
	default:
		return false
	}
}

type TransactionStatus string

const (
	TransactionPending   TransactionStatus = "pending"
	TransactionCompleted TransactionStatus = "completed"
	TransactionFailed    TransactionStatus = "failed"
)

// DefaultCurrency is recorded when a request does not name one.
const DefaultCurrency = "USDT"

// Transaction is an immutable record of a balance change. Amount is always positive.
type Transaction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Type        TransactionType   `json:"type"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Status      TransactionStatus `json:"status"`
	MatchID     string            `json:"match_id,omitempty"`
	Reference   string            `json:"reference,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// SignedAmount returns the balance delta the transaction represents.
func (t *Transaction) SignedAmount() int64 {
	if t.Type.Credits() {
		return t.Amount
	}
	return -t.Amount
}
