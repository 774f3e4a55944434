package httpapi

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"adega/backend/internal/domain"
)

// resource describes one record collection exposed under /api/v1/{plural}.
// T is the stored record, C the create payload and U the update payload. A
// nil func leaves that route unmounted.
type resource[T, C, U any] struct {
	plural   string
	singular string

	list   func() []T
	get    func(id int64) (T, error)
	create func(ctx context.Context, req C) (T, error)
	update func(ctx context.Context, id int64, req U) (T, error)
	remove func(ctx context.Context, id int64) error

	// extra mounts additional routes under the collection path.
	extra func(r chi.Router)
}

func mountResource[T, C, U any](r chi.Router, res resource[T, C, U]) {
	r.Route("/"+res.plural, func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{res.plural: res.list()})
		})
		r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, err := parseID(r)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			record, err := res.get(id)
			if err != nil {
				writeServiceError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{res.singular: record})
		})

		if res.create != nil {
			r.Post("/", func(w http.ResponseWriter, r *http.Request) {
				var req C
				if err := decodeJSON(r, &req); err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				created, err := res.create(r.Context(), req)
				if err != nil {
					writeServiceError(w, err)
					return
				}
				writeJSON(w, http.StatusCreated, map[string]any{res.singular: created})
			})
		}

		if res.update != nil {
			r.Patch("/{id}", func(w http.ResponseWriter, r *http.Request) {
				id, err := parseID(r)
				if err != nil {
					writeServiceError(w, err)
					return
				}
				var req U
				if err := decodeJSON(r, &req); err != nil {
					writeError(w, http.StatusBadRequest, err)
					return
				}
				updated, err := res.update(r.Context(), id, req)
				if err != nil {
					writeServiceError(w, err)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{res.singular: updated})
			})
		}

		if res.remove != nil {
			r.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
				id, err := parseID(r)
				if err != nil {
					writeServiceError(w, err)
					return
				}
				if err := res.remove(r.Context(), id); err != nil {
					writeServiceError(w, err)
					return
				}
				w.WriteHeader(http.StatusNoContent)
			})
		}

		if res.extra != nil {
			res.extra(r)
		}
	})
}

func (a *API) mountRecords(r chi.Router) {
	svc := a.service

	mountResource(r, resource[domain.Product, domain.ProductCreateRequest, domain.ProductUpdateRequest]{
		plural:   "products",
		singular: "product",
		list:     svc.ListProducts,
		get:      svc.GetProduct,
		create:   svc.CreateProduct,
		update:   svc.UpdateProduct,
		remove:   svc.DeleteProduct,
	})
	mountResource(r, resource[domain.Customer, domain.Customer, domain.Customer]{
		plural:   "customers",
		singular: "customer",
		list:     svc.ListCustomers,
		get:      svc.GetCustomer,
		create:   svc.CreateCustomer,
		update:   svc.UpdateCustomer,
		remove:   svc.DeleteCustomer,
	})
	mountResource(r, resource[domain.Supplier, domain.Supplier, domain.Supplier]{
		plural:   "suppliers",
		singular: "supplier",
		list:     svc.ListSuppliers,
		get:      svc.GetSupplier,
		create:   svc.CreateSupplier,
		update:   svc.UpdateSupplier,
		remove:   svc.DeleteSupplier,
	})
	mountResource(r, resource[domain.FinanceEntry, domain.FinanceEntry, domain.FinanceEntry]{
		plural:   "finance",
		singular: "entry",
		list:     svc.ListFinance,
		get:      svc.GetFinanceEntry,
		create:   svc.CreateFinanceEntry,
		update:   svc.UpdateFinanceEntry,
		remove:   svc.DeleteFinanceEntry,
	})
	mountResource(r, resource[domain.Sale, domain.SaleCreateRequest, struct{}]{
		plural:   "sales",
		singular: "sale",
		list:     svc.ListSales,
		get:      svc.GetSale,
		create:   svc.CreateSale,
		remove:   svc.DeleteSale,
	})
	mountResource(r, resource[domain.Purchase, domain.PurchaseCreateRequest, struct{}]{
		plural:   "purchases",
		singular: "purchase",
		list:     svc.ListPurchases,
		get:      svc.GetPurchase,
		create:   svc.CreatePurchase,
		remove:   svc.DeletePurchase,
		extra: func(r chi.Router) {
			r.Post("/{id}/receive", a.handleReceivePurchase)
		},
	})
}

func (a *API) handleReceivePurchase(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	purchase, err := a.service.ReceivePurchase(r.Context(), id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"purchase": purchase})
}
