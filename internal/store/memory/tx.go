package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
)

// tx works on private copies of the rows it has locked. Nothing becomes
// visible to other readers until commit copies the staged rows back under the
// store's map guard.
type tx struct {
	s *Store

	held     []string
	heldSet  map[string]struct{}
	cashiers map[string]struct{}

	products map[string]domain.Product
	batches  map[string]domain.Batch
	shifts   map[string]domain.CashShift
	sales    map[string]domain.Sale

	dirtyProducts map[string]struct{}
	dirtyBatches  map[string]struct{}
	dirtyShifts   map[string]struct{}
	dirtySales    map[string]struct{}
	newBatches    []string

	ledger   []domain.LedgerEntry
	returns  []domain.Return
	expenses []domain.ExpenseEntry
}

func newTx(s *Store) *tx {
	return &tx{
		s:             s,
		heldSet:       make(map[string]struct{}),
		cashiers:      make(map[string]struct{}),
		products:      make(map[string]domain.Product),
		batches:       make(map[string]domain.Batch),
		shifts:        make(map[string]domain.CashShift),
		sales:         make(map[string]domain.Sale),
		dirtyProducts: make(map[string]struct{}),
		dirtyBatches:  make(map[string]struct{}),
		dirtyShifts:   make(map[string]struct{}),
		dirtySales:    make(map[string]struct{}),
	}
}

func (t *tx) lock(ctx context.Context, key string) error {
	if _, ok := t.heldSet[key]; ok {
		return nil
	}
	if err := t.s.locks.acquire(ctx, key); err != nil {
		return err
	}
	t.heldSet[key] = struct{}{}
	t.held = append(t.held, key)
	return nil
}

func (t *tx) releaseAll() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.s.locks.release(t.held[i])
	}
	t.held = nil
	t.heldSet = nil
}

func (t *tx) commit() {
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id := range t.dirtyProducts {
		s.products[id] = t.products[id]
	}
	for _, id := range t.newBatches {
		b := t.batches[id]
		s.batchesByProduct[b.ProductID] = append(s.batchesByProduct[b.ProductID], id)
	}
	for id := range t.dirtyBatches {
		s.batches[id] = t.batches[id]
	}
	for id := range t.dirtySales {
		s.sales[id] = cloneSale(t.sales[id])
	}
	for _, ret := range t.returns {
		s.returnsBySale[ret.SaleID] = ret
	}
	for _, e := range t.expenses {
		s.expenses[e.ShiftID] = append(s.expenses[e.ShiftID], e)
	}
	for id := range t.dirtyShifts {
		sh := t.shifts[id]
		sh.Expenses = nil
		s.shifts[id] = sh
		if sh.Active() {
			s.activeShiftByCashier[sh.CashierID] = id
		} else if s.activeShiftByCashier[sh.CashierID] == id {
			delete(s.activeShiftByCashier, sh.CashierID)
		}
	}
	s.ledger = append(s.ledger, t.ledger...)
}

func (t *tx) GetProductForUpdate(ctx context.Context, id string) (*domain.Product, error) {
	if p, ok := t.products[id]; ok {
		return &p, nil
	}
	if err := t.lock(ctx, productKey(id)); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	p, ok := t.s.products[id]
	t.s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	t.products[id] = p
	return &p, nil
}

func (t *tx) UpdateProductStock(_ context.Context, id string, qty int, at time.Time) error {
	p, ok := t.products[id]
	if !ok {
		return fmt.Errorf("memory: product %s not locked", id)
	}
	if qty < 0 {
		return fmt.Errorf("memory: product %s stock %d: %w", id, qty, domain.ErrInconsistentStock)
	}
	p.StockQty = qty
	p.UpdatedAt = at
	t.products[id] = p
	t.dirtyProducts[id] = struct{}{}
	return nil
}

func (t *tx) ListBatchesForUpdate(ctx context.Context, productID string) ([]domain.Batch, error) {
	if _, ok := t.products[productID]; !ok {
		return nil, fmt.Errorf("memory: product %s not locked", productID)
	}

	t.s.mu.RLock()
	ids := slices.Clone(t.s.batchesByProduct[productID])
	t.s.mu.RUnlock()
	for _, id := range t.newBatches {
		if t.batches[id].ProductID == productID {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	out := make([]domain.Batch, 0, len(ids))
	for _, id := range ids {
		b, err := t.GetBatchForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, nil
}

func (t *tx) GetBatchForUpdate(ctx context.Context, id string) (*domain.Batch, error) {
	if b, ok := t.batches[id]; ok {
		return cloneBatchPtr(b), nil
	}

	t.s.mu.RLock()
	b, ok := t.s.batches[id]
	t.s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	// The product lock guards the batch set, so take it first.
	if _, err := t.GetProductForUpdate(ctx, b.ProductID); err != nil {
		return nil, err
	}
	if err := t.lock(ctx, batchKey(id)); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	b = t.s.batches[id]
	t.s.mu.RUnlock()
	t.batches[id] = b
	return cloneBatchPtr(b), nil
}

func (t *tx) InsertBatch(ctx context.Context, batch domain.Batch) error {
	if _, ok := t.products[batch.ProductID]; !ok {
		return fmt.Errorf("memory: product %s not locked", batch.ProductID)
	}
	t.s.mu.RLock()
	_, exists := t.s.batches[batch.ID]
	t.s.mu.RUnlock()
	if _, staged := t.batches[batch.ID]; exists || staged {
		return store.ErrAlreadyExists
	}
	if err := t.lock(ctx, batchKey(batch.ID)); err != nil {
		return err
	}
	t.batches[batch.ID] = batch
	t.dirtyBatches[batch.ID] = struct{}{}
	t.newBatches = append(t.newBatches, batch.ID)
	return nil
}

func (t *tx) UpdateBatchQty(_ context.Context, id string, qty int) error {
	b, ok := t.batches[id]
	if !ok {
		return fmt.Errorf("memory: batch %s not locked", id)
	}
	if qty < 0 {
		return fmt.Errorf("memory: batch %s qty %d: %w", id, qty, domain.ErrInconsistentStock)
	}
	b.QtyAvailable = qty
	t.batches[id] = b
	t.dirtyBatches[id] = struct{}{}
	return nil
}

func (t *tx) InsertLedgerEntry(_ context.Context, entry domain.LedgerEntry) error {
	t.ledger = append(t.ledger, entry)
	return nil
}

func (t *tx) NextSaleNumber(_ context.Context) (int64, error) {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	t.s.saleSeq++
	return t.s.saleSeq, nil
}

func (t *tx) InsertSale(ctx context.Context, sale domain.Sale) error {
	t.s.mu.RLock()
	_, exists := t.s.sales[sale.ID]
	t.s.mu.RUnlock()
	if exists {
		return store.ErrAlreadyExists
	}
	if err := t.lock(ctx, saleKey(sale.ID)); err != nil {
		return err
	}
	t.sales[sale.ID] = cloneSale(sale)
	t.dirtySales[sale.ID] = struct{}{}
	return nil
}

func (t *tx) GetSaleForUpdate(ctx context.Context, id string) (*domain.Sale, error) {
	if sale, ok := t.sales[id]; ok {
		c := cloneSale(sale)
		return &c, nil
	}
	if err := t.lock(ctx, saleKey(id)); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	sale, ok := t.s.sales[id]
	t.s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	t.sales[id] = cloneSale(sale)
	c := cloneSale(sale)
	return &c, nil
}

func (t *tx) MarkSaleReturned(_ context.Context, saleID string, returnID string, at time.Time) error {
	sale, ok := t.sales[saleID]
	if !ok {
		return fmt.Errorf("memory: sale %s not locked", saleID)
	}
	if sale.ReturnID != "" {
		return domain.ErrAlreadyReturned
	}
	sale.Status = domain.SaleCancelled
	sale.ReturnID = returnID
	sale.CancelledAt = &at
	t.sales[saleID] = sale
	t.dirtySales[saleID] = struct{}{}
	return nil
}

func (t *tx) InsertReturn(_ context.Context, ret domain.Return) error {
	if _, ok := t.sales[ret.SaleID]; !ok {
		return fmt.Errorf("memory: sale %s not locked", ret.SaleID)
	}
	t.s.mu.RLock()
	_, exists := t.s.returnsBySale[ret.SaleID]
	t.s.mu.RUnlock()
	if exists {
		return domain.ErrAlreadyReturned
	}
	for _, staged := range t.returns {
		if staged.SaleID == ret.SaleID {
			return domain.ErrAlreadyReturned
		}
	}
	t.returns = append(t.returns, ret)
	return nil
}

func (t *tx) GetActiveShiftForUpdate(ctx context.Context, cashierID string) (*domain.CashShift, error) {
	if err := t.lock(ctx, cashierKey(cashierID)); err != nil {
		return nil, err
	}
	t.cashiers[cashierID] = struct{}{}

	candidates := make([]string, 0, 2)
	t.s.mu.RLock()
	if id, ok := t.s.activeShiftByCashier[cashierID]; ok {
		candidates = append(candidates, id)
	}
	t.s.mu.RUnlock()
	for id, sh := range t.shifts {
		if sh.CashierID == cashierID && !slices.Contains(candidates, id) {
			candidates = append(candidates, id)
		}
	}
	slices.Sort(candidates)

	for _, id := range candidates {
		sh, err := t.GetShiftForUpdate(ctx, id)
		if err != nil {
			return nil, err
		}
		if sh.Active() {
			return sh, nil
		}
	}
	return nil, store.ErrNotFound
}

func (t *tx) GetShiftForUpdate(ctx context.Context, id string) (*domain.CashShift, error) {
	if sh, ok := t.shifts[id]; ok {
		c := cloneShift(sh)
		return &c, nil
	}
	if err := t.lock(ctx, shiftKey(id)); err != nil {
		return nil, err
	}
	t.s.mu.RLock()
	sh, ok := t.s.shifts[id]
	if ok {
		sh.Expenses = slices.Clone(t.s.expenses[id])
	}
	t.s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	t.shifts[id] = sh
	c := cloneShift(sh)
	return &c, nil
}

func (t *tx) InsertShift(ctx context.Context, shift domain.CashShift) error {
	if _, err := t.GetActiveShiftForUpdate(ctx, shift.CashierID); err == nil {
		return domain.ErrShiftAlreadyOpen
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}
	t.s.mu.RLock()
	_, exists := t.s.shifts[shift.ID]
	t.s.mu.RUnlock()
	if exists {
		return store.ErrAlreadyExists
	}
	if err := t.lock(ctx, shiftKey(shift.ID)); err != nil {
		return err
	}
	shift.Expenses = nil
	t.shifts[shift.ID] = shift
	t.dirtyShifts[shift.ID] = struct{}{}
	return nil
}

func (t *tx) UpdateShift(_ context.Context, shift domain.CashShift) error {
	current, ok := t.shifts[shift.ID]
	if !ok {
		return fmt.Errorf("memory: shift %s not locked", shift.ID)
	}
	if current.Version != shift.Version {
		return store.ErrConflict
	}
	if shift.Active() && !current.Active() {
		if _, locked := t.cashiers[shift.CashierID]; !locked {
			return fmt.Errorf("memory: cashier slot %s not locked", shift.CashierID)
		}
	}
	shift.Expenses = current.Expenses
	shift.Version++
	t.shifts[shift.ID] = shift
	t.dirtyShifts[shift.ID] = struct{}{}
	return nil
}

func (t *tx) InsertExpense(_ context.Context, expense domain.ExpenseEntry) error {
	sh, ok := t.shifts[expense.ShiftID]
	if !ok {
		return fmt.Errorf("memory: shift %s not locked", expense.ShiftID)
	}
	sh.Expenses = append(slices.Clone(sh.Expenses), expense)
	t.shifts[expense.ShiftID] = sh
	t.expenses = append(t.expenses, expense)
	return nil
}

func cloneBatchPtr(b domain.Batch) *domain.Batch {
	c := b
	if b.ExpiresAt != nil {
		exp := *b.ExpiresAt
		c.ExpiresAt = &exp
	}
	return &c
}
