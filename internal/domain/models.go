package domain

import (
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// ErrInvalidInput is returned for malformed input by every layer, from the
// barcode codec to the record store.
var ErrInvalidInput = errors.New("invalid input")

// Meta carries the store-managed fields shared by every record.
type Meta struct {
	ID        int64     `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Base exposes the embedded metadata so generic collections can stamp it.
func (m *Meta) Base() *Meta {
	return m
}

type Product struct {
	Meta
	Code      string          `json:"code" validate:"required,max=16"`
	Name      string          `json:"name" validate:"required,max=120"`
	Type      string          `json:"type" validate:"max=40"`
	Country   string          `json:"country,omitempty"`
	Vintage   int             `json:"vintage,omitempty" validate:"omitempty,gte=1800,lte=2200"`
	CostPrice decimal.Decimal `json:"costPrice"`
	SalePrice decimal.Decimal `json:"salePrice"`
	MinStock  int             `json:"minStock" validate:"gte=0"`
	MaxStock  int             `json:"maxStock" validate:"gte=0"`
	Barcode   string          `json:"barcode,omitempty"`
}

type Customer struct {
	Meta
	Name     string `json:"name" validate:"required,max=120"`
	Email    string `json:"email,omitempty" validate:"omitempty,email"`
	Phone    string `json:"phone,omitempty"`
	Document string `json:"document,omitempty"`
	Address  string `json:"address,omitempty"`
	Notes    string `json:"notes,omitempty"`
}

type Supplier struct {
	Meta
	Name    string `json:"name" validate:"required,max=120"`
	Contact string `json:"contact,omitempty"`
	Email   string `json:"email,omitempty" validate:"omitempty,email"`
	Phone   string `json:"phone,omitempty"`
	TaxID   string `json:"taxId,omitempty"`
}

type SaleItem struct {
	Code      string          `json:"code" validate:"required"`
	Name      string          `json:"name,omitempty"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Total     decimal.Decimal `json:"total"`
}

type Sale struct {
	Meta
	CustomerID    int64           `json:"customerId,omitempty"`
	CustomerName  string          `json:"customerName,omitempty"`
	Items         []SaleItem      `json:"items" validate:"required,min=1,dive"`
	Discount      decimal.Decimal `json:"discount"`
	Total         decimal.Decimal `json:"total"`
	PaymentMethod string          `json:"paymentMethod" validate:"required,oneof=cash card pix transfer"`
	Status        string          `json:"status"`
}

const (
	PurchasePending  = "pending"
	PurchaseReceived = "received"
)

type PurchaseItem struct {
	Code     string          `json:"code" validate:"required"`
	Quantity int             `json:"quantity" validate:"gt=0"`
	UnitCost decimal.Decimal `json:"unitCost"`
}

type Purchase struct {
	Meta
	SupplierID int64           `json:"supplierId" validate:"required,gt=0"`
	Items      []PurchaseItem  `json:"items" validate:"required,min=1,dive"`
	Total      decimal.Decimal `json:"total"`
	Status     string          `json:"status"`
	ReceivedAt *time.Time      `json:"receivedAt,omitempty"`
}

const (
	FinanceIncome  = "income"
	FinanceExpense = "expense"
)

type FinanceEntry struct {
	Meta
	Kind        string          `json:"kind" validate:"required,oneof=income expense"`
	Category    string          `json:"category" validate:"required,max=60"`
	Description string          `json:"description,omitempty"`
	Amount      decimal.Decimal `json:"amount"`
	DueDate     *time.Time      `json:"dueDate,omitempty"`
	Paid        bool            `json:"paid"`
	Reference   string          `json:"reference,omitempty"`
}

type StockStatus string

const (
	StockOK         StockStatus = "ok"
	StockLow        StockStatus = "low"
	StockOutOfStock StockStatus = "out of stock"
)

type InventoryItem struct {
	Meta
	Code         string          `json:"code"`
	Name         string          `json:"name"`
	CurrentStock int             `json:"currentStock"`
	MinStock     int             `json:"minStock"`
	MaxStock     int             `json:"maxStock"`
	UnitValue    decimal.Decimal `json:"unitValue"`
	TotalValue   decimal.Decimal `json:"totalValue"`
	Status       StockStatus     `json:"status"`
	LastEntryAt  *time.Time      `json:"lastEntryAt,omitempty"`
	LastExitAt   *time.Time      `json:"lastExitAt,omitempty"`
}

const (
	MovementEntry = "entry"
	MovementExit  = "exit"
)

type StockMovement struct {
	ID        string    `json:"id"`
	Code      string    `json:"code" validate:"required"`
	Type      string    `json:"type" validate:"required,oneof=entry exit"`
	Quantity  int       `json:"quantity" validate:"gt=0"`
	Reason    string    `json:"reason,omitempty"`
	Reference string    `json:"reference,omitempty"`
	At        time.Time `json:"at"`
}

// Dataset is the full set of collections exchanged during sync.
type Dataset struct {
	Products  []Product       `json:"products"`
	Customers []Customer      `json:"customers"`
	Sales     []Sale          `json:"sales"`
	Inventory []InventoryItem `json:"inventory"`
	Purchases []Purchase      `json:"purchases"`
	Suppliers []Supplier      `json:"suppliers"`
	Finance   []FinanceEntry  `json:"finance"`
}

// SyncEnvelope is the unit stored in and fetched from the remote store.
// LastModified and Version are Unix milliseconds.
type SyncEnvelope struct {
	Data         Dataset `json:"data"`
	LastModified int64   `json:"lastModified"`
	DeviceID     string  `json:"deviceId"`
	Version      int64   `json:"version"`
}

type UserIdentity struct {
	Username string `json:"username"`
	Name     string `json:"name"`
	Role     string `json:"role"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string       `json:"accessToken"`
	User        UserIdentity `json:"user"`
	ExpiresAt   string       `json:"expiresAt"`
}

type ProductCreateRequest struct {
	Code      string          `json:"code"`
	Name      string          `json:"name" validate:"required,max=120"`
	Type      string          `json:"type" validate:"max=40"`
	Country   string          `json:"country"`
	Vintage   int             `json:"vintage" validate:"omitempty,gte=1800,lte=2200"`
	CostPrice decimal.Decimal `json:"costPrice"`
	SalePrice decimal.Decimal `json:"salePrice"`
	MinStock  int             `json:"minStock" validate:"gte=0"`
	MaxStock  int             `json:"maxStock" validate:"gte=0"`
	Barcode   string          `json:"barcode"`
}

type ProductUpdateRequest struct {
	Name      *string          `json:"name,omitempty"`
	Type      *string          `json:"type,omitempty"`
	Country   *string          `json:"country,omitempty"`
	Vintage   *int             `json:"vintage,omitempty"`
	CostPrice *decimal.Decimal `json:"costPrice,omitempty"`
	SalePrice *decimal.Decimal `json:"salePrice,omitempty"`
	MinStock  *int             `json:"minStock,omitempty"`
	MaxStock  *int             `json:"maxStock,omitempty"`
	Barcode   *string          `json:"barcode,omitempty"`
}

type SaleCreateRequest struct {
	CustomerID    int64           `json:"customerId"`
	Items         []SaleItem      `json:"items" validate:"required,min=1,dive"`
	Discount      decimal.Decimal `json:"discount"`
	PaymentMethod string          `json:"paymentMethod" validate:"required,oneof=cash card pix transfer"`
}

type PurchaseCreateRequest struct {
	SupplierID int64          `json:"supplierId" validate:"required,gt=0"`
	Items      []PurchaseItem `json:"items" validate:"required,min=1,dive"`
}

type MovementRequest struct {
	Code      string `json:"code" validate:"required"`
	Type      string `json:"type" validate:"required,oneof=entry exit"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
	Reason    string `json:"reason"`
	Reference string `json:"reference"`
}

type Dashboard struct {
	ProductCount    int             `json:"productCount"`
	CustomerCount   int             `json:"customerCount"`
	SalesCount      int             `json:"salesCount"`
	SalesRevenue    decimal.Decimal `json:"salesRevenue"`
	PurchasesCost   decimal.Decimal `json:"purchasesCost"`
	Income          decimal.Decimal `json:"income"`
	Expenses        decimal.Decimal `json:"expenses"`
	Balance         decimal.Decimal `json:"balance"`
	InventoryValue  decimal.Decimal `json:"inventoryValue"`
	LowStockCount   int             `json:"lowStockCount"`
	OutOfStockCount int             `json:"outOfStockCount"`
}
