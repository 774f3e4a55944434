package inventory

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"adega/backend/internal/domain"
	"adega/backend/internal/events"
	"adega/backend/internal/store"
	"adega/backend/internal/xid"
)

const historyLimit = 500

var log = logrus.WithField("component", "inventory")

// Reconciler applies the pure functions of this package to the inventory
// collection of a store.
type Reconciler struct {
	store *store.Store
	bus   *events.Bus

	mu      sync.Mutex
	history []domain.StockMovement
}

func NewReconciler(s *store.Store, bus *events.Bus) *Reconciler {
	return &Reconciler{store: s, bus: bus}
}

// SyncProduct brings the item for p in line with the catalog.
func (r *Reconciler) SyncProduct(ctx context.Context, p domain.Product) error {
	return r.store.Inventory.Batch(ctx, func(items []domain.InventoryItem, now time.Time) ([]domain.InventoryItem, bool, error) {
		next, changed := SyncProduct(items, p, now)
		return next, changed, nil
	})
}

// SyncAll reconciles the whole inventory against the current catalog.
func (r *Reconciler) SyncAll(ctx context.Context) (Result, error) {
	products := r.store.Products.All()
	var res Result
	err := r.store.Inventory.Batch(ctx, func(items []domain.InventoryItem, now time.Time) ([]domain.InventoryItem, bool, error) {
		var next []domain.InventoryItem
		next, res = SyncAll(products, items, now)
		return next, res.Changed(), nil
	})
	if err != nil {
		return Result{}, err
	}
	if res.Changed() {
		log.WithFields(logrus.Fields{
			"created": len(res.Created),
			"updated": len(res.Updated),
			"pruned":  len(res.Pruned),
		}).Info("inventory reconciled")
	}
	return res, nil
}

// RemoveProduct drops the item for code. Unknown codes are ignored.
func (r *Reconciler) RemoveProduct(ctx context.Context, code string) (bool, error) {
	removed := false
	err := r.store.Inventory.Batch(ctx, func(items []domain.InventoryItem, _ time.Time) ([]domain.InventoryItem, bool, error) {
		next := make([]domain.InventoryItem, 0, len(items))
		for _, item := range items {
			if item.Code == code {
				removed = true
				continue
			}
			next = append(next, item)
		}
		return next, removed, nil
	})
	return removed && err == nil, err
}

// Apply records movements as one all-or-nothing change and returns them with
// ids and timestamps filled in.
func (r *Reconciler) Apply(ctx context.Context, movements ...domain.StockMovement) ([]domain.StockMovement, error) {
	if len(movements) == 0 {
		return nil, nil
	}
	applied := make([]domain.StockMovement, len(movements))
	err := r.store.Inventory.Batch(ctx, func(items []domain.InventoryItem, now time.Time) ([]domain.InventoryItem, bool, error) {
		for i, m := range movements {
			if m.ID == "" {
				m.ID = xid.New("mov")
			}
			if m.At.IsZero() {
				m.At = now
			}
			applied[i] = m
		}
		next, err := ApplyMovements(items, applied, now)
		if err != nil {
			return nil, false, err
		}
		return next, true, nil
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.history = append(applied, r.history...)
	if len(r.history) > historyLimit {
		r.history = r.history[:historyLimit]
	}
	r.mu.Unlock()
	return applied, nil
}

// Movements returns the most recent movements, newest first.
func (r *Reconciler) Movements(limit int) []domain.StockMovement {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}
	out := make([]domain.StockMovement, limit)
	copy(out, r.history[:limit])
	return out
}

// LowStock lists items that are low or out of stock.
func (r *Reconciler) LowStock() []domain.InventoryItem {
	var out []domain.InventoryItem
	for _, item := range r.store.Inventory.All() {
		if item.Status != domain.StockOK {
			out = append(out, item)
		}
	}
	return out
}

// Watch reconciles the inventory whenever the catalog is replaced from the
// remote store. It returns when ctx is done.
func (r *Reconciler) Watch(ctx context.Context) error {
	ch, cancel := r.bus.Subscribe(8, events.TopicDataChanged, events.TopicReset)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			if _, err := r.SyncAll(ctx); err != nil {
				log.Warnf("reconcile after data change failed: %v", err)
			}
		}
	}
}
