package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wopr-platform/controlplane/internal/core"
)

func newTestLedger() (*Ledger, *MemoryStore) {
	store := NewMemoryStore()
	return New(store), store
}

func TestLedger_CreditDebitBalance(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	tx, err := l.Credit(ctx, "tenant-a", 1000, core.TxPurchase, EntryParams{Description: "top-up"})
	require.NoError(t, err)
	assert.Equal(t, core.Credit(1000), tx.Amount)
	assert.Equal(t, core.Credit(1000), tx.BalanceAfter)

	tx, err = l.Debit(ctx, "tenant-a", 400, core.TxConsumption, EntryParams{})
	require.NoError(t, err)
	assert.Equal(t, core.Credit(-400), tx.Amount)
	assert.Equal(t, core.Credit(600), tx.BalanceAfter)

	balance, err := l.Balance(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, core.Credit(600), balance)
}

func TestLedger_DebitMayGoNegative(t *testing.T) {
	// Non-negative enforcement is the budget gate's job, not the ledger's.
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "tenant-a", 100, core.TxSignupGrant, EntryParams{})
	require.NoError(t, err)

	tx, err := l.Debit(ctx, "tenant-a", 250, core.TxRuntimeDeduction, EntryParams{})
	require.NoError(t, err)
	assert.Equal(t, core.Credit(-150), tx.BalanceAfter)
}

func TestLedger_IdempotentCredit(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "tenant-a", 1000, core.TxPurchase, EntryParams{ReferenceID: "stripe_cs_XYZ"})
	require.NoError(t, err)

	_, err = l.Credit(ctx, "tenant-a", 1000, core.TxPurchase, EntryParams{ReferenceID: "stripe_cs_XYZ"})
	assert.ErrorIs(t, err, ErrDuplicateReference)

	balance, err := l.Balance(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, core.Credit(1000), balance, "duplicate reference must not double-credit")

	ok, err := l.HasReferenceID(ctx, "tenant-a", "stripe_cs_XYZ")
	require.NoError(t, err)
	assert.True(t, ok)

	// Same reference under a different tenant is a distinct transaction.
	_, err = l.Credit(ctx, "tenant-b", 500, core.TxPurchase, EntryParams{ReferenceID: "stripe_cs_XYZ"})
	require.NoError(t, err)
}

func TestLedger_InvalidAmounts(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.Credit(ctx, "tenant-a", 0, core.TxPurchase, EntryParams{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Credit(ctx, "tenant-a", -5, core.TxPurchase, EntryParams{})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = l.Debit(ctx, "tenant-a", 0, core.TxConsumption, EntryParams{})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestLedger_BalanceIsRunningSum(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	amounts := []core.Credit{500, 120, 80, 999, 1}
	for i, a := range amounts {
		if i%2 == 0 {
			_, err := l.Credit(ctx, "tenant-a", a, core.TxPurchase, EntryParams{})
			require.NoError(t, err)
		} else {
			_, err := l.Debit(ctx, "tenant-a", a, core.TxConsumption, EntryParams{})
			require.NoError(t, err)
		}
	}

	var running core.Credit
	for _, tx := range store.Transactions("tenant-a") {
		running += tx.Amount
		assert.Equal(t, running, tx.BalanceAfter)
	}

	balance, err := l.Balance(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, running, balance)
}

func TestLedger_ConcurrentWritersStayOrdered(t *testing.T) {
	l, store := newTestLedger()
	ctx := context.Background()

	const writers = 32
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				l.Credit(ctx, "tenant-a", 10, core.TxPurchase, EntryParams{})
			} else {
				l.Debit(ctx, "tenant-a", 3, core.TxConsumption, EntryParams{})
			}
		}(i)
	}
	wg.Wait()

	rows := store.Transactions("tenant-a")
	require.Len(t, rows, writers)

	var running core.Credit
	for _, tx := range rows {
		running += tx.Amount
		require.Equal(t, running, tx.BalanceAfter, "balance chain must hold under concurrency")
	}
	assert.Equal(t, core.Credit(16*10-16*3), running)
}

func TestLedger_HistoryNewestFirst(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := l.Credit(ctx, "tenant-a", core.Credit(i+1), core.TxPurchase, EntryParams{})
		require.NoError(t, err)
	}

	history, err := l.History(ctx, "tenant-a", 3, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, core.Credit(5), history[0].Amount)
	assert.Equal(t, core.Credit(3), history[2].Amount)

	page2, err := l.History(ctx, "tenant-a", 3, 3)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, core.Credit(2), page2[0].Amount)
}
