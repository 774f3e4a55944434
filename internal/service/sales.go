package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"adega/backend/internal/domain"
	"adega/backend/internal/store"
)

const (
	SaleCompleted = "completed"

	categorySales     = "sales"
	categoryPurchases = "purchases"
)

func (s *Service) ListSales() []domain.Sale {
	return s.store.Sales.All()
}

func (s *Service) GetSale(id int64) (domain.Sale, error) {
	return s.store.Sales.Get(id)
}

// CreateSale prices every line from the catalog when no unit price is given,
// takes the goods out of stock and records the sale. Stock is checked for
// every line before any of it is taken.
func (s *Service) CreateSale(ctx context.Context, req domain.SaleCreateRequest) (domain.Sale, error) {
	for i := range req.Items {
		req.Items[i].Code = strings.ToUpper(strings.TrimSpace(req.Items[i].Code))
	}
	if err := s.check(req); err != nil {
		return domain.Sale{}, err
	}
	if req.Discount.IsNegative() {
		return domain.Sale{}, errors.Wrap(store.ErrInvalidInput, "discount must not be negative")
	}

	sale := domain.Sale{
		CustomerID:    req.CustomerID,
		Discount:      req.Discount,
		PaymentMethod: req.PaymentMethod,
		Status:        SaleCompleted,
	}
	if req.CustomerID != 0 {
		customer, err := s.store.Customers.Get(req.CustomerID)
		if err != nil {
			return domain.Sale{}, err
		}
		sale.CustomerName = customer.Name
	}

	subtotal := decimal.Zero
	exits := make([]domain.StockMovement, 0, len(req.Items))
	for _, line := range req.Items {
		product, ok := s.store.Products.Find(func(p domain.Product) bool { return p.Code == line.Code })
		if !ok {
			return domain.Sale{}, errors.Wrapf(store.ErrNotFound, "product %s", line.Code)
		}
		if line.UnitPrice.IsZero() {
			line.UnitPrice = product.SalePrice
		}
		if line.UnitPrice.IsNegative() {
			return domain.Sale{}, errors.Wrapf(store.ErrInvalidInput, "negative price for %s", line.Code)
		}
		line.Name = product.Name
		line.Total = line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity)))
		subtotal = subtotal.Add(line.Total)
		sale.Items = append(sale.Items, line)

		exits = append(exits, domain.StockMovement{
			Code:     line.Code,
			Type:     domain.MovementExit,
			Quantity: line.Quantity,
			Reason:   "sale",
		})
	}
	if req.Discount.GreaterThan(subtotal) {
		return domain.Sale{}, errors.Wrapf(store.ErrInvalidInput, "discount %s exceeds subtotal %s", req.Discount, subtotal)
	}
	sale.Total = subtotal.Sub(req.Discount)

	if _, err := s.stock.Apply(ctx, exits...); err != nil {
		return domain.Sale{}, err
	}
	created, err := s.store.Sales.Create(ctx, sale)
	if err != nil {
		s.restock(ctx, exits)
		return domain.Sale{}, err
	}

	s.recordFinance(ctx, domain.FinanceEntry{
		Kind:        domain.FinanceIncome,
		Category:    categorySales,
		Description: fmt.Sprintf("Sale %d", created.ID),
		Amount:      created.Total,
		Paid:        true,
		Reference:   fmt.Sprintf("sale:%d", created.ID),
	})
	return created, nil
}

// DeleteSale removes the sale record. Stock is not returned.
func (s *Service) DeleteSale(ctx context.Context, id int64) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	_, err := s.store.Sales.Delete(ctx, id)
	return err
}

func (s *Service) ListPurchases() []domain.Purchase {
	return s.store.Purchases.All()
}

func (s *Service) GetPurchase(id int64) (domain.Purchase, error) {
	return s.store.Purchases.Get(id)
}

func (s *Service) CreatePurchase(ctx context.Context, req domain.PurchaseCreateRequest) (domain.Purchase, error) {
	for i := range req.Items {
		req.Items[i].Code = strings.ToUpper(strings.TrimSpace(req.Items[i].Code))
	}
	if err := s.check(req); err != nil {
		return domain.Purchase{}, err
	}
	if _, err := s.store.Suppliers.Get(req.SupplierID); err != nil {
		return domain.Purchase{}, err
	}

	total := decimal.Zero
	for i, line := range req.Items {
		product, ok := s.store.Products.Find(func(p domain.Product) bool { return p.Code == line.Code })
		if !ok {
			return domain.Purchase{}, errors.Wrapf(store.ErrNotFound, "product %s", line.Code)
		}
		if line.UnitCost.IsZero() {
			req.Items[i].UnitCost = product.CostPrice
		}
		if req.Items[i].UnitCost.IsNegative() {
			return domain.Purchase{}, errors.Wrapf(store.ErrInvalidInput, "negative cost for %s", line.Code)
		}
		total = total.Add(req.Items[i].UnitCost.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}

	return s.store.Purchases.Create(ctx, domain.Purchase{
		SupplierID: req.SupplierID,
		Items:      req.Items,
		Total:      total,
		Status:     domain.PurchasePending,
	})
}

// ReceivePurchase marks a pending purchase received and puts every line into
// stock. The status changes under the store lock, so a purchase is received
// once no matter how many requests race for it.
func (s *Service) ReceivePurchase(ctx context.Context, id int64) (domain.Purchase, error) {
	received, err := s.store.Purchases.Update(ctx, id, func(p *domain.Purchase) error {
		if p.Status == domain.PurchaseReceived {
			return errors.Wrapf(store.ErrConflict, "purchase %d already received", id)
		}
		at := s.store.Now()
		p.Status = domain.PurchaseReceived
		p.ReceivedAt = &at
		return nil
	})
	if err != nil {
		return domain.Purchase{}, err
	}

	entries := make([]domain.StockMovement, 0, len(received.Items))
	for _, line := range received.Items {
		entries = append(entries, domain.StockMovement{
			Code:      line.Code,
			Type:      domain.MovementEntry,
			Quantity:  line.Quantity,
			Reason:    "purchase",
			Reference: fmt.Sprintf("purchase:%d", id),
		})
	}
	if _, err := s.stock.Apply(ctx, entries...); err != nil {
		s.reopenPurchase(ctx, id)
		return domain.Purchase{}, err
	}

	s.recordFinance(ctx, domain.FinanceEntry{
		Kind:        domain.FinanceExpense,
		Category:    categoryPurchases,
		Description: fmt.Sprintf("Purchase %d", id),
		Amount:      received.Total,
		Reference:   fmt.Sprintf("purchase:%d", id),
	})
	return received, nil
}

func (s *Service) DeletePurchase(ctx context.Context, id int64) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	_, err := s.store.Purchases.Delete(ctx, id)
	return err
}

// reopenPurchase undoes the status change of a receive whose stock entries
// could not be applied.
func (s *Service) reopenPurchase(ctx context.Context, id int64) {
	_, err := s.store.Purchases.Update(ctx, id, func(p *domain.Purchase) error {
		p.Status = domain.PurchasePending
		p.ReceivedAt = nil
		return nil
	})
	if err != nil {
		log.Warnf("failed to reopen purchase %d after a failed receive: %v", id, err)
	}
}

func (s *Service) restock(ctx context.Context, exits []domain.StockMovement) {
	entries := make([]domain.StockMovement, 0, len(exits))
	for _, m := range exits {
		entries = append(entries, domain.StockMovement{
			Code:     m.Code,
			Type:     domain.MovementEntry,
			Quantity: m.Quantity,
			Reason:   "sale rollback",
		})
	}
	if _, err := s.stock.Apply(ctx, entries...); err != nil {
		log.Warnf("failed to return stock after aborted sale: %v", err)
	}
}

func (s *Service) recordFinance(ctx context.Context, entry domain.FinanceEntry) {
	if _, err := s.store.Finance.Create(ctx, entry); err != nil {
		log.Warnf("failed to record finance entry ref=%s: %v", entry.Reference, err)
	}
}
