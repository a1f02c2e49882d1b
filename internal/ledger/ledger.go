package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

// Filter selects ledger entries. Zero fields match everything.
type Filter = store.LedgerFilter

type Reader interface {
	ListLedgerEntries(ctx context.Context, filter store.LedgerFilter) ([]domain.LedgerEntry, error)
}

// Ledger is the append-only stock ledger. Entries are written inside the
// caller's unit of work and never updated or deleted afterwards; mistakes are
// corrected by writing a compensating entry.
type Ledger struct {
	reader Reader
	log    logrus.FieldLogger
}

func New(reader Reader, log logrus.FieldLogger) *Ledger {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Ledger{reader: reader, log: log.WithField("component", "ledger")}
}

// Record validates entry and appends it through tx. An entry whose quantities
// do not add up is a bug upstream, so it is logged at error level before the
// unit of work is aborted.
func (l *Ledger) Record(ctx context.Context, tx store.Tx, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	if entry.ID == "" {
		entry.ID = xid.New("led")
	}
	if err := entry.Validate(); err != nil {
		if errors.Is(err, domain.ErrInconsistentStock) {
			l.log.WithFields(logrus.Fields{
				"entry_id":   entry.ID,
				"product_id": entry.ProductID,
				"batch_id":   entry.BatchID,
				"type":       entry.Type,
				"before":     entry.QtyBefore,
				"delta":      entry.Delta,
				"after":      entry.QtyAfter,
			}).Error("ledger invariant violated")
		}
		return domain.LedgerEntry{}, err
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("ledger: insert %s: %w", entry.ID, err)
	}
	return entry, nil
}

func (l *Ledger) Query(ctx context.Context, filter store.LedgerFilter) ([]domain.LedgerEntry, error) {
	if filter.Type != "" && !filter.Type.Valid() {
		return nil, fmt.Errorf("ledger: unknown entry type %q: %w", filter.Type, domain.ErrInvalidReference)
	}
	if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
		return nil, fmt.Errorf("ledger: range ends before it starts: %w", domain.ErrInvalidReference)
	}
	return l.reader.ListLedgerEntries(ctx, filter)
}

func (l *Ledger) ByProduct(ctx context.Context, productID string) ([]domain.LedgerEntry, error) {
	return l.Query(ctx, store.LedgerFilter{ProductID: productID})
}

func (l *Ledger) ByBatch(ctx context.Context, batchID string) ([]domain.LedgerEntry, error) {
	return l.Query(ctx, store.LedgerFilter{BatchID: batchID})
}

// Replay walks one product's entries in order and returns the final quantity.
// It fails on the first entry that breaks its own invariant or does not start
// where the previous one ended.
func Replay(entries []domain.LedgerEntry) (int, error) {
	qty := 0
	for i, e := range entries {
		if e.QtyAfter != e.QtyBefore+e.Delta {
			return qty, &domain.InconsistentStockError{EntryID: e.ID, Before: e.QtyBefore, Delta: e.Delta, After: e.QtyAfter}
		}
		if i > 0 && e.QtyBefore != qty {
			return qty, fmt.Errorf("entry %s starts at %d, previous ended at %d: %w", e.ID, e.QtyBefore, qty, domain.ErrInconsistentStock)
		}
		qty = e.QtyAfter
	}
	return qty, nil
}
