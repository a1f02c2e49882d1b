package memory

import (
	"context"
	"sync"
)

// lockTable hands out one exclusive lock per row key. A lock is a buffered
// channel so that acquisition can give up when the context ends.
type lockTable struct {
	mu   sync.Mutex
	rows map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{rows: make(map[string]chan struct{})}
}

func (t *lockTable) row(key string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.rows[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.rows[key] = ch
	}
	return ch
}

func (t *lockTable) acquire(ctx context.Context, key string) error {
	ch := t.row(key)
	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *lockTable) release(key string) {
	<-t.row(key)
}

func productKey(id string) string { return "product:" + id }
func batchKey(id string) string   { return "batch:" + id }
func shiftKey(id string) string   { return "shift:" + id }
func saleKey(id string) string    { return "sale:" + id }
func cashierKey(id string) string { return "cashier:" + id }
