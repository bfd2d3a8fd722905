// Package ledger is the transactional core of the shop: an append-only
// record of sales and payments plus the reconciliation rules that keep
// customer balances and product stock consistent with that record.
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// Enumerations
// ============================================================================

// PaymentMethod is the closed set of accepted tender types.
type PaymentMethod string

const (
	MethodCash   PaymentMethod = "cash"
	MethodMobile PaymentMethod = "mobile"
	MethodBank   PaymentMethod = "bank"
	MethodCheck  PaymentMethod = "check"
)

// Valid reports whether the method is accepted.
func (m PaymentMethod) Valid() bool {
	switch m {
	case MethodCash, MethodMobile, MethodBank, MethodCheck:
		return true
	}
	return false
}

// PaymentStatus is derived from a sale's total and amount paid, never set
// directly.
type PaymentStatus string

const (
	StatusPaid    PaymentStatus = "paid"
	StatusPartial PaymentStatus = "partial"
	StatusUnpaid  PaymentStatus = "unpaid"
)

// DeriveStatus computes the payment status from the sale total and the
// amount paid so far.
func DeriveStatus(total, paid decimal.Decimal) PaymentStatus {
	switch {
	case paid.GreaterThanOrEqual(total):
		return StatusPaid
	case paid.IsPositive():
		return StatusPartial
	default:
		return StatusUnpaid
	}
}

// CustomerType selects which price tier a customer buys at.
type CustomerType string

const (
	CustomerWholesale CustomerType = "wholesale"
	CustomerRetail    CustomerType = "retail"
)

// Valid reports whether the customer type is known.
func (t CustomerType) Valid() bool {
	return t == CustomerWholesale || t == CustomerRetail
}

// ============================================================================
// Records
// ============================================================================

// Customer carries the running aggregates maintained by the reconciliation
// engine. Balance is always TotalPurchases minus TotalPaid; it is stored for
// cheap reads and can be rebuilt from the sale and payment records at any
// time.
type Customer struct {
	ID             string          `json:"id"`
	Name           string          `json:"name"`
	Phone          string          `json:"phone,omitempty"`
	Company        string          `json:"company,omitempty"`
	Type           CustomerType    `json:"type"`
	TotalPurchases decimal.Decimal `json:"total_purchases"`
	TotalPaid      decimal.Decimal `json:"total_paid"`
	Balance        decimal.Decimal `json:"balance"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// SaleLine is one product position on a sale. Name, category and unit price
// are captured at sale time so the line stays meaningful even after the
// product record changes or is retired.
type SaleLine struct {
	ID          string          `json:"id"`
	SaleID      string          `json:"sale_id"`
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Category    string          `json:"category"`
	Quantity    int64           `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	LineTotal   decimal.Decimal `json:"line_total"`
}

// Sale is an immutable sale record. CustomerType captures the price tier
// the sale was priced at. Only AmountPaid, AmountDue and PaymentStatus move
// after creation, and only through recorded payments.
type Sale struct {
	ID            string          `json:"id"`
	CustomerID    string          `json:"customer_id"`
	CustomerName  string          `json:"customer_name"`
	CustomerType  CustomerType    `json:"customer_type"`
	Lines         []SaleLine      `json:"lines"`
	Total         decimal.Decimal `json:"total"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	AmountDue     decimal.Decimal `json:"amount_due"`
	PaymentStatus PaymentStatus   `json:"payment_status"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Note          string          `json:"note,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// Payment is an append-only record of money received. SaleID is set when the
// payment targets a specific sale; a nil SaleID means the payment was made
// against the customer's overall balance and is settled against outstanding
// sales oldest first.
type Payment struct {
	ID         string          `json:"id"`
	CustomerID string          `json:"customer_id"`
	SaleID     *string         `json:"sale_id,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Method     PaymentMethod   `json:"method"`
	ReceivedBy string          `json:"received_by,omitempty"`
	Note       string          `json:"note,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ============================================================================
// Command inputs
// ============================================================================

// SaleLineInput names a product and how many units of it are sold. The unit
// price is looked up from the catalog based on the customer's price tier,
// never trusted from the request.
type SaleLineInput struct {
	ProductID string `json:"product_id" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"required,gt=0"`
}

// RecordSaleRequest is the recordSale command. Either CustomerID references
// an existing customer or CustomerName opens a new one on the spot.
type RecordSaleRequest struct {
	CustomerID     string          `json:"customer_id,omitempty"`
	CustomerName   string          `json:"customer_name,omitempty" validate:"omitempty,max=200"`
	CustomerPhone  string          `json:"customer_phone,omitempty" validate:"omitempty,max=30"`
	CustomerType   CustomerType    `json:"customer_type,omitempty"`
	Lines          []SaleLineInput `json:"lines" validate:"required,min=1,dive"`
	AmountPaid     decimal.Decimal `json:"amount_paid"`
	PaymentMethod  PaymentMethod   `json:"payment_method" validate:"required"`
	ReceivedBy     string          `json:"received_by,omitempty" validate:"omitempty,max=100"`
	Note           string          `json:"note,omitempty" validate:"omitempty,max=500"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// RecordPaymentRequest is the recordPayment command. SaleID targets a single
// sale; when empty the amount is applied to the customer's balance.
type RecordPaymentRequest struct {
	CustomerID     string          `json:"customer_id" validate:"required"`
	SaleID         *string         `json:"sale_id,omitempty"`
	Amount         decimal.Decimal `json:"amount"`
	Method         PaymentMethod   `json:"method" validate:"required"`
	ReceivedBy     string          `json:"received_by,omitempty" validate:"omitempty,max=100"`
	Note           string          `json:"note,omitempty" validate:"omitempty,max=500"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// CreateCustomerRequest opens a customer account ahead of any sale.
type CreateCustomerRequest struct {
	Name    string       `json:"name" validate:"required,max=200"`
	Phone   string       `json:"phone,omitempty" validate:"omitempty,max=30"`
	Company string       `json:"company,omitempty" validate:"omitempty,max=200"`
	Type    CustomerType `json:"type" validate:"required"`
}

// SaleFilters narrows listSales.
type SaleFilters struct {
	CustomerID string
	Status     PaymentStatus
	From       time.Time
	To         time.Time
	Page       int
	Limit      int
}

// ============================================================================
// Replay
// ============================================================================

// ReplayReport summarises a rebuild of the derived state from the sale and
// payment records. Running a replay twice in a row must report zero repairs
// the second time.
type ReplayReport struct {
	SalesChecked      int `json:"sales_checked"`
	SalesRepaired     int `json:"sales_repaired"`
	CustomersChecked  int `json:"customers_checked"`
	CustomersRepaired int `json:"customers_repaired"`
}
