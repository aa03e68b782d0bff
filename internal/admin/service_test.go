package admin

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/xo-arena/internal/domain"
	"github.com/Proton-105/xo-arena/internal/idempotency"
	"github.com/Proton-105/xo-arena/internal/ledger"
	"github.com/Proton-105/xo-arena/internal/repository/memory"
	"github.com/Proton-105/xo-arena/internal/user"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(t *testing.T) (*Service, *ledger.Ledger) {
	t.Helper()

	ctx := context.Background()
	store := memory.NewStore()
	require.NoError(t, store.Create(ctx, &domain.User{ID: "root", Username: "root", IsAdmin: true}))
	require.NoError(t, store.Create(ctx, &domain.User{ID: "alice", Username: "alice", Balance: 100}))

	log := testLogger()
	l := ledger.New(store, "bot", log)
	users := user.NewService(store, nil, log)
	idem := idempotency.NewManager(idempotency.NewMemoryStore(), log)

	return NewService(l, users, idem, time.Hour, log), l
}

func TestAuthorize(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		adminID string
		wantErr bool
	}{
		{name: "admin", adminID: "root"},
		{name: "regular user", adminID: "alice", wantErr: true},
		{name: "unknown user", adminID: "ghost", wantErr: true},
		{name: "empty id", adminID: "", wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Authorize(ctx, tc.adminID)
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrForbidden)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestAdjustBalance(t *testing.T) {
	svc, l := newService(t)
	ctx := context.Background()

	balance, err := svc.AdjustBalance(ctx, "root", "alice", 50, domain.TransactionDeposit, "bonus")
	require.NoError(t, err)
	assert.Equal(t, int64(150), balance)

	balance, err = svc.AdjustBalance(ctx, "root", "alice", 30, domain.TransactionWithdrawal, "")
	require.NoError(t, err)
	assert.Equal(t, int64(120), balance)

	_, err = svc.AdjustBalance(ctx, "root", "alice", 500, domain.TransactionWithdrawal, "")
	assert.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	_, err = svc.AdjustBalance(ctx, "root", "alice", 10, domain.TransactionWin, "")
	assert.ErrorIs(t, err, ErrInvalidAdjustment)

	_, err = svc.AdjustBalance(ctx, "root", "alice", 0, domain.TransactionDeposit, "")
	assert.ErrorIs(t, err, ErrInvalidAdjustment)

	_, err = svc.AdjustBalance(ctx, "alice", "alice", 1000, domain.TransactionDeposit, "")
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(120), got)
}

func TestRecordPayment(t *testing.T) {
	svc, l := newService(t)
	ctx := context.Background()

	completed := PaymentNotice{
		Provider:  "cryptopay",
		Reference: "inv-1",
		UserID:    "alice",
		Type:      domain.TransactionDeposit,
		Amount:    25,
		Status:    domain.TransactionCompleted,
	}

	receipt, err := svc.RecordPayment(ctx, completed)
	require.NoError(t, err)
	assert.False(t, receipt.Replayed)
	require.NotNil(t, receipt.Balance)
	assert.Equal(t, int64(125), *receipt.Balance)

	receipt, err = svc.RecordPayment(ctx, completed)
	require.NoError(t, err)
	assert.True(t, receipt.Replayed)

	balance, err := l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(125), balance, "replayed notice must not credit twice")

	pending := completed
	pending.Reference = "inv-2"
	pending.Type = domain.TransactionWithdrawal
	pending.Amount = 40
	pending.Status = domain.TransactionPending

	receipt, err = svc.RecordPayment(ctx, pending)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionPending, receipt.Status)
	require.NotEmpty(t, receipt.TransactionID)

	balance, err = l.Balance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(125), balance)

	tx, balance, err := svc.ResolveTransaction(ctx, "root", receipt.TransactionID, domain.TransactionCompleted)
	require.NoError(t, err)
	assert.Equal(t, domain.TransactionCompleted, tx.Status)
	assert.Equal(t, "cryptopay:inv-2", tx.Reference)
	assert.Equal(t, int64(85), balance)

	_, _, err = svc.ResolveTransaction(ctx, "root", receipt.TransactionID, domain.TransactionFailed)
	assert.ErrorIs(t, err, ledger.ErrTransactionResolved)

	_, err = svc.RecordPayment(ctx, PaymentNotice{Provider: "cryptopay", UserID: "alice"})
	assert.ErrorIs(t, err, ErrInvalidNotice)
}
