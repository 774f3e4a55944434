// Package seed holds the demo catalog loaded on first run and after a reset.
package seed

import (
	"time"

	"github.com/shopspring/decimal"

	"adega/backend/internal/barcode"
	"adega/backend/internal/domain"
	"adega/backend/internal/inventory"
)

type wine struct {
	code    string
	name    string
	kind    string
	country string
	vintage int
	cost    string
	price   string
	min     int
	max     int
	stock   int
}

var wines = []wine{
	{"V001", "Quinta do Vale Tinto Reserva", "tinto", "Portugal", 2019, "58.90", "119.90", 6, 48, 24},
	{"V002", "Casa Serrana Malbec", "tinto", "Argentina", 2021, "42.00", "89.90", 6, 60, 5},
	{"V003", "Vale dos Vinhedos Chardonnay", "branco", "Brasil", 2022, "35.50", "74.90", 4, 36, 12},
	{"V004", "Douro Rosé Seco", "rosé", "Portugal", 2023, "29.90", "64.90", 4, 36, 0},
	{"V005", "Espumante Brut Serra Gaúcha", "espumante", "Brasil", 2022, "39.00", "84.90", 8, 72, 30},
}

// Data returns the seed dataset stamped at now. Inventory starts at the
// listed stock levels.
func Data(now time.Time) domain.Dataset {
	meta := func(id int64) domain.Meta {
		return domain.Meta{ID: id, CreatedAt: now, UpdatedAt: now}
	}

	data := domain.Dataset{
		Products:  make([]domain.Product, 0, len(wines)),
		Inventory: make([]domain.InventoryItem, 0, len(wines)),
		Sales:     []domain.Sale{},
		Purchases: []domain.Purchase{},
		Finance:   []domain.FinanceEntry{},
	}
	for i, w := range wines {
		id := int64(i + 1)
		cost := decimal.RequireFromString(w.cost)
		data.Products = append(data.Products, domain.Product{
			Meta:      meta(id),
			Code:      w.code,
			Name:      w.name,
			Type:      w.kind,
			Country:   w.country,
			Vintage:   w.vintage,
			CostPrice: cost,
			SalePrice: decimal.RequireFromString(w.price),
			MinStock:  w.min,
			MaxStock:  w.max,
			Barcode:   barcode.Generate(w.code),
		})
		data.Inventory = append(data.Inventory, domain.InventoryItem{
			Meta:         meta(id),
			Code:         w.code,
			Name:         w.name,
			CurrentStock: w.stock,
			MinStock:     w.min,
			MaxStock:     w.max,
			UnitValue:    cost,
			TotalValue:   cost.Mul(decimal.NewFromInt(int64(w.stock))),
			Status:       inventory.Status(w.stock, w.min),
		})
	}

	data.Customers = []domain.Customer{
		{Meta: meta(1), Name: "Maria Oliveira", Email: "maria.oliveira@example.com", Phone: "(11) 98888-1234"},
		{Meta: meta(2), Name: "Restaurante Bom Sabor", Email: "compras@bomsabor.example.com", Document: "12.345.678/0001-90"},
	}
	data.Suppliers = []domain.Supplier{
		{Meta: meta(1), Name: "Importadora Atlântico", Contact: "João Pereira", Email: "vendas@atlantico.example.com"},
		{Meta: meta(2), Name: "Vinícola Serra Alta", Contact: "Ana Costa", Phone: "(54) 3333-0000"},
	}
	return data
}
