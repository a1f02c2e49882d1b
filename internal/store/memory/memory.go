package memory

import (
	"cmp"
	"context"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"kasirledger/backend/internal/domain"
	"kasirledger/backend/internal/store"
	"kasirledger/backend/internal/xid"
)

// Store keeps everything in process memory. mu guards the maps and is only
// held for the duration of a map read or a commit; rows are serialized by the
// per-row locks in locks, never by a store-wide lock.
type Store struct {
	mu    sync.RWMutex
	locks *lockTable

	products             map[string]domain.Product
	batches              map[string]domain.Batch
	batchesByProduct     map[string][]string
	ledger               []domain.LedgerEntry
	sales                map[string]domain.Sale
	saleSeq              int64
	returnsBySale        map[string]domain.Return
	shifts               map[string]domain.CashShift
	activeShiftByCashier map[string]string
	expenses             map[string][]domain.ExpenseEntry
	auditLogs            []domain.AuditLog
	usersByUsername      map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		locks:                newLockTable(),
		products:             make(map[string]domain.Product),
		batches:              make(map[string]domain.Batch),
		batchesByProduct:     make(map[string][]string),
		ledger:               make([]domain.LedgerEntry, 0, 256),
		sales:                make(map[string]domain.Sale),
		returnsBySale:        make(map[string]domain.Return),
		shifts:               make(map[string]domain.CashShift),
		activeShiftByCashier: make(map[string]string),
		expenses:             make(map[string][]domain.ExpenseEntry),
		auditLogs:            make([]domain.AuditLog, 0, 128),
		usersByUsername:      make(map[string]domain.UserAccount),
	}
}

// seedUsers builds the initial in-memory user accounts for dev/demo mode.
// Credentials are read from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD; the
// dev defaults are used with a warning when unset.
func seedUsers(now time.Time) map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	cashierPwd := envOr("SEED_CASHIER_PASSWORD", "cashier123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_CASHIER_PASSWORD") == "" {
		logrus.WithField("component", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD to override")
	}

	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"cashier", cashierPwd, domain.RoleCashier},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithError(err).Fatalf("memory-store: failed to hash seed password for %s", u.username)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

type seedBatch struct {
	lot        string
	qty        int
	costCents  int64
	expiryDays int
}

// NewSeeded returns a store with a small demo catalog. Every seeded batch is
// written with an initial_load ledger entry so the ledger chain is complete.
func NewSeeded() *Store {
	s := New()
	now := time.Now().UTC()
	s.usersByUsername = seedUsers(now)

	catalog := []struct {
		product domain.Product
		batches []seedBatch
	}{
		{domain.Product{ID: "P-MIE-01", Name: "Mie Goreng Instan", PriceCents: 3500, ReorderThreshold: 40, Perishable: true},
			[]seedBatch{{"MIE-A", 60, 2700, 30}, {"MIE-B", 60, 2750, 120}}},
		{domain.Product{ID: "P-TELUR-01", Name: "Telur 10 Butir", PriceCents: 26500, ReorderThreshold: 20, Perishable: true},
			[]seedBatch{{"TLR-A", 24, 23000, 10}}},
		{domain.Product{ID: "P-SUSU-01", Name: "Susu UHT 1L", PriceCents: 18900, ReorderThreshold: 24, Perishable: true},
			[]seedBatch{{"SUSU-A", 12, 13600, 5}, {"SUSU-B", 36, 13800, 60}}},
		{domain.Product{ID: "P-KOPI-01", Name: "Kopi Sachet", PriceCents: 2600, ReorderThreshold: 50, Perishable: true},
			[]seedBatch{{"KOPI-A", 200, 1700, 365}}},
		{domain.Product{ID: "P-SABUN-01", Name: "Sabun Mandi", PriceCents: 7400, ReorderThreshold: 30},
			[]seedBatch{{"SBN-A", 80, 5000, 0}}},
		{domain.Product{ID: "P-GULA-01", Name: "Gula 1kg", PriceCents: 17400, ReorderThreshold: 15},
			[]seedBatch{{"GULA-A", 10, 15300, 0}}},
	}

	for _, item := range catalog {
		p := item.product
		p.Active = true
		p.CreatedAt = now
		p.UpdatedAt = now
		for _, sb := range item.batches {
			b := domain.Batch{
				ID:            xid.New("batch"),
				ProductID:     p.ID,
				LotCode:       sb.lot,
				QtyReceived:   sb.qty,
				QtyAvailable:  sb.qty,
				UnitCostCents: sb.costCents,
				Active:        true,
				ReceivedAt:    now,
			}
			if sb.expiryDays > 0 {
				exp := now.AddDate(0, 0, sb.expiryDays)
				b.ExpiresAt = &exp
			}
			s.ledger = append(s.ledger, domain.LedgerEntry{
				ID:        xid.New("led"),
				ProductID: p.ID,
				BatchID:   b.ID,
				Type:      domain.LedgerInitialLoad,
				Delta:     sb.qty,
				QtyBefore: p.StockQty,
				QtyAfter:  p.StockQty + sb.qty,
				Actor:     "system",
				Reason:    "seed",
				CreatedAt: now,
			})
			p.StockQty += sb.qty
			s.batches[b.ID] = b
			s.batchesByProduct[p.ID] = append(s.batchesByProduct[p.ID], b.ID)
		}
		s.products[p.ID] = p
	}
	return s
}

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	t := newTx(s)
	defer t.releaseAll()
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	t.commit()
	return nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrAlreadyExists
	}
	product.StockQty = 0
	s.products[product.ID] = product
	created := product
	return &created, nil
}

func (s *Store) GetProduct(_ context.Context, id string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.products[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &p, nil
}

func (s *Store) ListProducts(_ context.Context) ([]domain.Product, error) {
	s.mu.RLock()
	result := make([]domain.Product, 0, len(s.products))
	for _, p := range s.products {
		result = append(result, p)
	}
	s.mu.RUnlock()
	slices.SortFunc(result, func(a, b domain.Product) int { return cmp.Compare(a.ID, b.ID) })
	return result, nil
}

func (s *Store) ListLowStock(ctx context.Context) ([]domain.Product, error) {
	all, err := s.ListProducts(ctx)
	if err != nil {
		return nil, err
	}
	low := make([]domain.Product, 0, len(all))
	for _, p := range all {
		if p.Active && p.StockQty <= p.ReorderThreshold {
			low = append(low, p)
		}
	}
	return low, nil
}

func (s *Store) ListBatches(_ context.Context, productID string) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.products[productID]; !ok {
		return nil, store.ErrNotFound
	}
	ids := s.batchesByProduct[productID]
	result := make([]domain.Batch, 0, len(ids))
	for _, id := range ids {
		result = append(result, *cloneBatchPtr(s.batches[id]))
	}
	slices.SortFunc(result, func(a, b domain.Batch) int { return cmp.Compare(a.ID, b.ID) })
	return result, nil
}

func (s *Store) ListLedgerEntries(_ context.Context, filter store.LedgerFilter) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	result := make([]domain.LedgerEntry, 0, 64)
	for _, e := range s.ledger {
		if matchLedger(e, filter) {
			result = append(result, e)
		}
	}
	s.mu.RUnlock()

	// s.ledger is in commit order, which is the order each product's chain
	// was built in.
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func matchLedger(e domain.LedgerEntry, f store.LedgerFilter) bool {
	if f.ProductID != "" && e.ProductID != f.ProductID {
		return false
	}
	if f.BatchID != "" && e.BatchID != f.BatchID {
		return false
	}
	if f.Type != "" && e.Type != f.Type {
		return false
	}
	if f.SaleID != "" && e.SaleID != f.SaleID {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

func (s *Store) GetSale(_ context.Context, id string) (*domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sale, ok := s.sales[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := cloneSale(sale)
	return &c, nil
}

func (s *Store) GetReturnBySale(_ context.Context, saleID string) (*domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ret, ok := s.returnsBySale[saleID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &ret, nil
}

func (s *Store) GetShift(_ context.Context, id string) (*domain.CashShift, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shifts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	sh.Expenses = slices.Clone(s.expenses[id])
	return &sh, nil
}

func (s *Store) ListShifts(_ context.Context, filter store.ShiftFilter) ([]domain.CashShift, error) {
	s.mu.RLock()
	result := make([]domain.CashShift, 0, 16)
	for id, sh := range s.shifts {
		if filter.CashierID != "" && sh.CashierID != filter.CashierID {
			continue
		}
		if !filter.From.IsZero() && sh.OpenedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !sh.OpenedAt.Before(filter.To) {
			continue
		}
		if filter.ActiveOnly && sh.Status == domain.ShiftClosed {
			continue
		}
		sh.Expenses = slices.Clone(s.expenses[id])
		result = append(result, sh)
	}
	s.mu.RUnlock()

	slices.SortFunc(result, func(a, b domain.CashShift) int {
		if c := b.OpenedAt.Compare(a.OpenedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *Store) CreateAuditLog(_ context.Context, entry domain.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = xid.New("audit")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *Store) ListAuditLogs(_ context.Context, filter store.AuditFilter) ([]domain.AuditLog, error) {
	s.mu.RLock()
	result := make([]domain.AuditLog, 0, 32)
	for i := len(s.auditLogs) - 1; i >= 0; i-- {
		entry := s.auditLogs[i]
		if !filter.From.IsZero() && entry.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && !entry.CreatedAt.Before(filter.To) {
			continue
		}
		result = append(result, entry)
		if filter.Limit > 0 && len(result) >= filter.Limit {
			break
		}
	}
	s.mu.RUnlock()
	return result, nil
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" {
		return store.ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrAlreadyExists
	}
	user.Username = username
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, u := range s.usersByUsername {
		users = append(users, u)
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int { return cmp.Compare(a.Username, b.Username) })
	return users, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	username = strings.ToLower(strings.TrimSpace(username))
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) SetUserActive(_ context.Context, username string, active bool) error {
	username = strings.ToLower(strings.TrimSpace(username))
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.usersByUsername[username]
	if !ok {
		return store.ErrNotFound
	}
	user.Active = active
	s.usersByUsername[username] = user
	return nil
}

func cloneSale(src domain.Sale) domain.Sale {
	dst := src
	dst.Lines = make([]domain.SaleLine, len(src.Lines))
	for i, line := range src.Lines {
		line.Allocations = slices.Clone(line.Allocations)
		dst.Lines[i] = line
	}
	if src.TenderedCents != nil {
		v := *src.TenderedCents
		dst.TenderedCents = &v
	}
	if src.CancelledAt != nil {
		v := *src.CancelledAt
		dst.CancelledAt = &v
	}
	return dst
}

func cloneShift(src domain.CashShift) domain.CashShift {
	dst := src
	dst.Expenses = slices.Clone(src.Expenses)
	if src.CountedCashCents != nil {
		v := *src.CountedCashCents
		dst.CountedCashCents = &v
	}
	return dst
}
