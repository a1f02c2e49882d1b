package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/logging"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/store/memory"
)

func TestRecordRejectsInconsistentEntry(t *testing.T) {
	repo := memory.NewSeeded()
	l := New(repo, logging.Discard())
	ctx := context.Background()

	before, err := l.ByProduct(ctx, "P-GULA-01")
	require.NoError(t, err)

	err = repo.WithTx(ctx, func(ctx context.Context, tx store.Tx) error {
		_, err := l.Record(ctx, tx, domain.LedgerEntry{
			ProductID: "P-GULA-01",
			Type:      domain.LedgerPurchase,
			Delta:     5,
			QtyBefore: 10,
			QtyAfter:  14,
			CreatedAt: time.Now(),
		})
		return err
	})
	var inconsistent *domain.InconsistentStockError
	require.True(t, errors.As(err, &inconsistent), "expected InconsistentStockError, got %v", err)

	after, err := l.ByProduct(ctx, "P-GULA-01")
	require.NoError(t, err)
	require.Len(t, after, len(before))
}

func TestQueryFilters(t *testing.T) {
	repo := memory.NewSeeded()
	l := New(repo, logging.Discard())
	ctx := context.Background()

	entries, err := l.Query(ctx, Filter{Type: domain.LedgerInitialLoad})
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	_, err = l.Query(ctx, Filter{Type: domain.LedgerType("teleport")})
	require.ErrorIs(t, err, domain.ErrInvalidReference)

	now := time.Now()
	_, err = l.Query(ctx, Filter{From: now, To: now.Add(-time.Hour)})
	require.ErrorIs(t, err, domain.ErrInvalidReference)

	none, err := l.Query(ctx, Filter{From: now.Add(time.Hour), To: now.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.Empty(t, none)

	byBatch, err := l.ByBatch(ctx, entries[0].BatchID)
	require.NoError(t, err)
	require.Len(t, byBatch, 1)
}

func TestReplaySeededChains(t *testing.T) {
	repo := memory.NewSeeded()
	l := New(repo, logging.Discard())
	ctx := context.Background()

	products, err := repo.ListProducts(ctx)
	require.NoError(t, err)
	for _, p := range products {
		entries, err := l.ByProduct(ctx, p.ID)
		require.NoError(t, err)
		qty, err := Replay(entries)
		require.NoError(t, err)
		require.Equal(t, p.StockQty, qty, "product %s", p.ID)
	}
}

func TestReplayDetectsBrokenChain(t *testing.T) {
	entries := []domain.LedgerEntry{
		{ID: "a", Delta: 10, QtyBefore: 0, QtyAfter: 10},
		{ID: "b", Delta: -3, QtyBefore: 9, QtyAfter: 6},
	}
	_, err := Replay(entries)
	require.ErrorIs(t, err, domain.ErrInconsistentStock)

	entries[1].QtyBefore = 10
	entries[1].QtyAfter = 7
	qty, err := Replay(entries)
	require.NoError(t, err)
	require.Equal(t, 7, qty)
}
