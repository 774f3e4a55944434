// Package inventory keeps one stock record per product in step with the
// catalog and with entry/exit movements.
package inventory

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"adega/backend/internal/domain"
	"adega/backend/internal/store"
)

// Status classifies a stock level against its minimum.
func Status(current, min int) domain.StockStatus {
	switch {
	case current <= 0:
		return domain.StockOutOfStock
	case current <= min:
		return domain.StockLow
	default:
		return domain.StockOK
	}
}

// Result summarises what SyncAll changed.
type Result struct {
	Created []string `json:"created"`
	Updated []string `json:"updated"`
	Pruned  []string `json:"pruned"`
}

func (r Result) Changed() bool {
	return len(r.Created)+len(r.Updated)+len(r.Pruned) > 0
}

// SyncProduct refreshes the descriptive fields of the item whose code matches
// p, or adds a new empty item at the front. New items carry a zero id. It
// reports whether items changed.
func SyncProduct(items []domain.InventoryItem, p domain.Product, now time.Time) ([]domain.InventoryItem, bool) {
	idx := indexByCode(items, p.Code)
	if idx < 0 {
		item := domain.InventoryItem{
			Code:         p.Code,
			Name:         p.Name,
			CurrentStock: 0,
			MinStock:     p.MinStock,
			MaxStock:     p.MaxStock,
			UnitValue:    p.CostPrice,
			TotalValue:   decimal.Zero,
			Status:       domain.StockOutOfStock,
		}
		out := make([]domain.InventoryItem, 0, len(items)+1)
		out = append(out, item)
		return append(out, items...), true
	}

	current := items[idx]
	next := current
	next.Name = p.Name
	next.MinStock = p.MinStock
	next.MaxStock = p.MaxStock
	next.UnitValue = p.CostPrice
	refresh(&next)
	if sameDescription(current, next) {
		return items, false
	}

	next.UpdatedAt = now
	out := make([]domain.InventoryItem, len(items))
	copy(out, items)
	out[idx] = next
	return out, true
}

// SyncAll applies SyncProduct for every product and then drops items whose
// code no longer belongs to any product. Stock levels of kept items are not
// touched.
func SyncAll(products []domain.Product, items []domain.InventoryItem, now time.Time) ([]domain.InventoryItem, Result) {
	var res Result
	out := items
	for _, p := range products {
		before := indexByCode(out, p.Code)
		var changed bool
		out, changed = SyncProduct(out, p, now)
		if !changed {
			continue
		}
		if before < 0 {
			res.Created = append(res.Created, p.Code)
		} else {
			res.Updated = append(res.Updated, p.Code)
		}
	}

	known := make(map[string]struct{}, len(products))
	for _, p := range products {
		known[p.Code] = struct{}{}
	}
	kept := make([]domain.InventoryItem, 0, len(out))
	for _, item := range out {
		if _, ok := known[item.Code]; !ok {
			res.Pruned = append(res.Pruned, item.Code)
			continue
		}
		kept = append(kept, item)
	}
	return kept, res
}

// ApplyMovement adjusts the stock of the item named by m. An exit larger
// than the current stock fails with store.ErrInsufficientStock and leaves
// items untouched.
func ApplyMovement(items []domain.InventoryItem, m domain.StockMovement, now time.Time) ([]domain.InventoryItem, error) {
	if m.Quantity <= 0 {
		return items, errors.Wrapf(store.ErrInvalidInput, "movement quantity %d", m.Quantity)
	}
	idx := indexByCode(items, m.Code)
	if idx < 0 {
		return items, errors.Wrapf(store.ErrNotFound, "inventory item %q", m.Code)
	}

	at := m.At
	if at.IsZero() {
		at = now
	}

	next := items[idx]
	switch m.Type {
	case domain.MovementEntry:
		next.CurrentStock += m.Quantity
		next.LastEntryAt = &at
	case domain.MovementExit:
		if m.Quantity > next.CurrentStock {
			return items, errors.Wrapf(store.ErrInsufficientStock, "%s: requested %d, available %d", m.Code, m.Quantity, next.CurrentStock)
		}
		next.CurrentStock -= m.Quantity
		next.LastExitAt = &at
	default:
		return items, errors.Wrapf(store.ErrInvalidInput, "movement type %q", m.Type)
	}
	refresh(&next)
	next.UpdatedAt = now

	out := make([]domain.InventoryItem, len(items))
	copy(out, items)
	out[idx] = next
	return out, nil
}

// ApplyMovements applies every movement in order, or none of them.
func ApplyMovements(items []domain.InventoryItem, movements []domain.StockMovement, now time.Time) ([]domain.InventoryItem, error) {
	out := items
	for _, m := range movements {
		var err error
		out, err = ApplyMovement(out, m, now)
		if err != nil {
			return items, err
		}
	}
	return out, nil
}

func refresh(item *domain.InventoryItem) {
	item.TotalValue = item.UnitValue.Mul(decimal.NewFromInt(int64(item.CurrentStock)))
	item.Status = Status(item.CurrentStock, item.MinStock)
}

func sameDescription(a, b domain.InventoryItem) bool {
	return a.Name == b.Name &&
		a.MinStock == b.MinStock &&
		a.MaxStock == b.MaxStock &&
		a.UnitValue.Equal(b.UnitValue) &&
		a.TotalValue.Equal(b.TotalValue) &&
		a.Status == b.Status
}

func indexByCode(items []domain.InventoryItem, code string) int {
	for i := range items {
		if items[i].Code == code {
			return i
		}
	}
	return -1
}
