package service

import (
	"context"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"adega/backend/internal/app"
	"adega/backend/internal/barcode"
	"adega/backend/internal/domain"
	"adega/backend/internal/inventory"
	"adega/backend/internal/store"
	"adega/backend/internal/syncer"
)

var ErrForbidden = errors.New("admin role required")

const roleAdmin = "admin"

var log = logrus.WithField("component", "service")

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.UserIdentity) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.UserIdentity, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.UserIdentity)
	return actor, ok
}

type Service struct {
	app      *app.App
	store    *store.Store
	stock    *inventory.Reconciler
	validate *validator.Validate
}

func New(a *app.App) *Service {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &Service{
		app:      a,
		store:    a.Store,
		stock:    a.Reconciler,
		validate: v,
	}
}

func (s *Service) check(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return errors.Wrap(store.ErrInvalidInput, err.Error())
	}
	return nil
}

func requireAdmin(ctx context.Context) error {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Role != roleAdmin {
		return ErrForbidden
	}
	return nil
}

func (s *Service) ListProducts() []domain.Product {
	return s.store.Products.All()
}

func (s *Service) GetProduct(id int64) (domain.Product, error) {
	return s.store.Products.Get(id)
}

func (s *Service) CreateProduct(ctx context.Context, req domain.ProductCreateRequest) (domain.Product, error) {
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	req.Name = strings.TrimSpace(req.Name)
	req.Type = strings.TrimSpace(req.Type)
	req.Barcode = strings.TrimSpace(req.Barcode)
	if err := s.check(req); err != nil {
		return domain.Product{}, err
	}
	if err := checkPricing(req.CostPrice.IsNegative() || req.SalePrice.IsNegative(), req.MinStock, req.MaxStock); err != nil {
		return domain.Product{}, err
	}

	if req.Barcode != "" && !barcode.Validate(req.Barcode) {
		return domain.Product{}, errors.Wrapf(store.ErrInvalidInput, "barcode %q has a bad check digit", req.Barcode)
	}

	// code assignment and uniqueness are decided under the store lock so
	// concurrent creates cannot take the same code
	created, err := s.store.Products.CreateIf(ctx, domain.Product{
		Code:      req.Code,
		Name:      req.Name,
		Type:      req.Type,
		Country:   strings.TrimSpace(req.Country),
		Vintage:   req.Vintage,
		CostPrice: req.CostPrice,
		SalePrice: req.SalePrice,
		MinStock:  req.MinStock,
		MaxStock:  req.MaxStock,
		Barcode:   req.Barcode,
	}, func(existing []domain.Product, p *domain.Product) error {
		if p.Code == "" {
			p.Code = barcode.NextProductCode(productCodes(existing))
		}
		if p.Barcode == "" {
			p.Barcode = barcode.Generate(p.Code)
		}
		for _, other := range existing {
			if other.Code == p.Code {
				return errors.Wrapf(store.ErrConflict, "product code %s already exists", p.Code)
			}
			if other.Barcode == p.Barcode {
				return errors.Wrapf(store.ErrConflict, "barcode %s already used by %s", p.Barcode, other.Code)
			}
		}
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	if err := s.stock.SyncProduct(ctx, created); err != nil {
		log.Warnf("failed to add inventory item code=%s: %v", created.Code, err)
	}
	return created, nil
}

func (s *Service) UpdateProduct(ctx context.Context, id int64, req domain.ProductUpdateRequest) (domain.Product, error) {
	if req.Barcode != nil {
		code := strings.TrimSpace(*req.Barcode)
		if !barcode.Validate(code) {
			return domain.Product{}, errors.Wrapf(store.ErrInvalidInput, "barcode %q has a bad check digit", code)
		}
		req.Barcode = &code
	}

	updated, err := s.store.Products.UpdateIf(ctx, id, func(existing []domain.Product, p *domain.Product) error {
		if req.Barcode != nil {
			for _, other := range existing {
				if other.Barcode == *req.Barcode && other.ID != id {
					return errors.Wrapf(store.ErrConflict, "barcode %s already used by %s", *req.Barcode, other.Code)
				}
			}
		}
		if req.Name != nil {
			p.Name = strings.TrimSpace(*req.Name)
		}
		if req.Type != nil {
			p.Type = strings.TrimSpace(*req.Type)
		}
		if req.Country != nil {
			p.Country = strings.TrimSpace(*req.Country)
		}
		if req.Vintage != nil {
			p.Vintage = *req.Vintage
		}
		if req.CostPrice != nil {
			p.CostPrice = *req.CostPrice
		}
		if req.SalePrice != nil {
			p.SalePrice = *req.SalePrice
		}
		if req.MinStock != nil {
			p.MinStock = *req.MinStock
		}
		if req.MaxStock != nil {
			p.MaxStock = *req.MaxStock
		}
		if req.Barcode != nil {
			p.Barcode = *req.Barcode
		}
		if err := s.check(p); err != nil {
			return err
		}
		return checkPricing(p.CostPrice.IsNegative() || p.SalePrice.IsNegative(), p.MinStock, p.MaxStock)
	})
	if err != nil {
		return domain.Product{}, err
	}
	if err := s.stock.SyncProduct(ctx, updated); err != nil {
		log.Warnf("failed to refresh inventory item code=%s: %v", updated.Code, err)
	}
	return updated, nil
}

// DeleteProduct removes the product and its inventory item.
func (s *Service) DeleteProduct(ctx context.Context, id int64) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	p, err := s.store.Products.Get(id)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if _, err := s.store.Products.Delete(ctx, id); err != nil {
		return err
	}
	if _, err := s.stock.RemoveProduct(ctx, p.Code); err != nil {
		log.Warnf("failed to remove inventory item code=%s: %v", p.Code, err)
	}
	return nil
}

// FindByBarcode resolves a scanned code. Codes failing the check digit are
// rejected before the catalog is searched.
func (s *Service) FindByBarcode(code string) (domain.Product, error) {
	code = strings.TrimSpace(code)
	if !barcode.Validate(code) {
		return domain.Product{}, errors.Wrapf(store.ErrInvalidInput, "scanned code %q", code)
	}
	p, ok := s.store.Products.Find(func(p domain.Product) bool { return p.Barcode == code })
	if !ok {
		return domain.Product{}, errors.Wrapf(store.ErrNotFound, "no product with barcode %s", code)
	}
	return p, nil
}

func (s *Service) NextProductCode() string {
	return barcode.NextProductCode(productCodes(s.store.Products.All()))
}

func (s *Service) ListInventory() []domain.InventoryItem {
	return s.store.Inventory.All()
}

func (s *Service) RecordMovement(ctx context.Context, req domain.MovementRequest) (domain.StockMovement, error) {
	req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
	if err := s.check(req); err != nil {
		return domain.StockMovement{}, err
	}
	applied, err := s.stock.Apply(ctx, domain.StockMovement{
		Code:      req.Code,
		Type:      req.Type,
		Quantity:  req.Quantity,
		Reason:    strings.TrimSpace(req.Reason),
		Reference: strings.TrimSpace(req.Reference),
	})
	if err != nil {
		return domain.StockMovement{}, err
	}
	return applied[0], nil
}

func (s *Service) Movements(limit int) []domain.StockMovement {
	return s.stock.Movements(limit)
}

func (s *Service) ReconcileInventory(ctx context.Context) (inventory.Result, error) {
	return s.stock.SyncAll(ctx)
}

func (s *Service) LowStock() []domain.InventoryItem {
	return s.stock.LowStock()
}

func (s *Service) SyncStatus() syncer.Status {
	return s.app.Engine.Status()
}

// SyncNow runs a cycle right away. ran is false when one was already running.
func (s *Service) SyncNow(ctx context.Context, reason syncer.Reason) (syncer.Outcome, bool) {
	return s.app.Engine.Sync(ctx, reason)
}

func (s *Service) SetOnline(online bool) {
	s.app.Engine.SetOnline(online)
}

// ResetData wipes local storage and reloads the seed catalog.
func (s *Service) ResetData(ctx context.Context) error {
	if err := requireAdmin(ctx); err != nil {
		return err
	}
	if err := s.app.Reset(ctx); err != nil {
		return err
	}
	actor, _ := ActorFromContext(ctx)
	log.WithField("user", actor.Username).Warn("local data reset")
	return nil
}

func checkPricing(negative bool, minStock, maxStock int) error {
	if negative {
		return errors.Wrap(store.ErrInvalidInput, "prices must not be negative")
	}
	if maxStock > 0 && maxStock < minStock {
		return errors.Wrapf(store.ErrInvalidInput, "maxStock %d below minStock %d", maxStock, minStock)
	}
	return nil
}

func productCodes(products []domain.Product) []string {
	codes := make([]string, 0, len(products))
	for _, p := range products {
		codes = append(codes, p.Code)
	}
	return codes
}
