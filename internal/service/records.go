package service

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"adega/backend/internal/domain"
	"adega/backend/internal/store"
)

func (s *Service) ListCustomers() []domain.Customer {
	return s.store.Customers.All()
}

func (s *Service) GetCustomer(id int64) (domain.Customer, error) {
	return s.store.Customers.Get(id)
}

func (s *Service) CreateCustomer(ctx context.Context, c domain.Customer) (domain.Customer, error) {
	trimCustomer(&c)
	if err := s.check(c); err != nil {
		return domain.Customer{}, err
	}
	return s.store.Customers.Create(ctx, c)
}

func (s *Service) UpdateCustomer(ctx context.Context, id int64, c domain.Customer) (domain.Customer, error) {
	trimCustomer(&c)
	if err := s.check(c); err != nil {
		return domain.Customer{}, err
	}
	return s.store.Customers.Update(ctx, id, func(existing *domain.Customer) error {
		c.Meta = existing.Meta
		*existing = c
		return nil
	})
}

func (s *Service) DeleteCustomer(ctx context.Context, id int64) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	_, err := s.store.Customers.Delete(ctx, id)
	return err
}

func trimCustomer(c *domain.Customer) {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.TrimSpace(c.Email)
	c.Phone = strings.TrimSpace(c.Phone)
}

func (s *Service) ListSuppliers() []domain.Supplier {
	return s.store.Suppliers.All()
}

func (s *Service) GetSupplier(id int64) (domain.Supplier, error) {
	return s.store.Suppliers.Get(id)
}

func (s *Service) CreateSupplier(ctx context.Context, sup domain.Supplier) (domain.Supplier, error) {
	sup.Name = strings.TrimSpace(sup.Name)
	if err := s.check(sup); err != nil {
		return domain.Supplier{}, err
	}
	return s.store.Suppliers.Create(ctx, sup)
}

func (s *Service) UpdateSupplier(ctx context.Context, id int64, sup domain.Supplier) (domain.Supplier, error) {
	sup.Name = strings.TrimSpace(sup.Name)
	if err := s.check(sup); err != nil {
		return domain.Supplier{}, err
	}
	return s.store.Suppliers.Update(ctx, id, func(existing *domain.Supplier) error {
		sup.Meta = existing.Meta
		*existing = sup
		return nil
	})
}

func (s *Service) DeleteSupplier(ctx context.Context, id int64) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	_, err := s.store.Suppliers.Delete(ctx, id)
	return err
}

func (s *Service) ListFinance() []domain.FinanceEntry {
	return s.store.Finance.All()
}

func (s *Service) GetFinanceEntry(id int64) (domain.FinanceEntry, error) {
	return s.store.Finance.Get(id)
}

func (s *Service) CreateFinanceEntry(ctx context.Context, e domain.FinanceEntry) (domain.FinanceEntry, error) {
	if err := s.checkFinance(&e); err != nil {
		return domain.FinanceEntry{}, err
	}
	return s.store.Finance.Create(ctx, e)
}

func (s *Service) UpdateFinanceEntry(ctx context.Context, id int64, e domain.FinanceEntry) (domain.FinanceEntry, error) {
	if err := s.checkFinance(&e); err != nil {
		return domain.FinanceEntry{}, err
	}
	return s.store.Finance.Update(ctx, id, func(existing *domain.FinanceEntry) error {
		e.Meta = existing.Meta
		*existing = e
		return nil
	})
}

func (s *Service) DeleteFinanceEntry(ctx context.Context, id int64) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	_, err := s.store.Finance.Delete(ctx, id)
	return err
}

func (s *Service) checkFinance(e *domain.FinanceEntry) error {
	e.Category = strings.TrimSpace(e.Category)
	e.Description = strings.TrimSpace(e.Description)
	if err := s.check(e); err != nil {
		return err
	}
	if !e.Amount.GreaterThan(decimal.Zero) {
		return errors.Wrap(store.ErrInvalidInput, "amount must be positive")
	}
	return nil
}

func (s *Service) Dashboard() domain.Dashboard {
	data, _ := s.store.Snapshot()

	d := domain.Dashboard{
		ProductCount:   len(data.Products),
		CustomerCount:  len(data.Customers),
		SalesCount:     len(data.Sales),
		SalesRevenue:   decimal.Zero,
		PurchasesCost:  decimal.Zero,
		Income:         decimal.Zero,
		Expenses:       decimal.Zero,
		InventoryValue: decimal.Zero,
	}
	for _, sale := range data.Sales {
		d.SalesRevenue = d.SalesRevenue.Add(sale.Total)
	}
	for _, p := range data.Purchases {
		if p.Status == domain.PurchaseReceived {
			d.PurchasesCost = d.PurchasesCost.Add(p.Total)
		}
	}
	for _, e := range data.Finance {
		switch e.Kind {
		case domain.FinanceIncome:
			d.Income = d.Income.Add(e.Amount)
		case domain.FinanceExpense:
			d.Expenses = d.Expenses.Add(e.Amount)
		}
	}
	d.Balance = d.Income.Sub(d.Expenses)
	for _, item := range data.Inventory {
		d.InventoryValue = d.InventoryValue.Add(item.TotalValue)
		switch item.Status {
		case domain.StockLow:
			d.LowStockCount++
		case domain.StockOutOfStock:
			d.OutOfStockCount++
		}
	}
	return d
}
