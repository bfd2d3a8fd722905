// Package reports is the read side of the shop: dashboard figures, periodic
// sales reports and customer statements, all derived from the ledger and
// served from a versioned Redis cache.
package reports

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/buildmat-erp/buildmat-erp/internal/ledger"
)

// Period selects a reporting window.
type Period string

const (
	PeriodToday Period = "today"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
	PeriodAll   Period = "all"
)

// Valid reports whether the period is known.
func (p Period) Valid() bool {
	switch p {
	case PeriodToday, PeriodWeek, PeriodMonth, PeriodAll:
		return true
	}
	return false
}

// DashboardStats is the at-a-glance view the shop opens the day with.
type DashboardStats struct {
	SalesTotalToday    decimal.Decimal `json:"sales_total_today"`
	SalesCountToday    int             `json:"sales_count_today"`
	CashCollectedToday decimal.Decimal `json:"cash_collected_today"`
	OutstandingTotal   decimal.Decimal `json:"outstanding_total"`
	DebtorCount        int             `json:"debtor_count"`
	LowStockCount      int             `json:"low_stock_count"`
	StockValue         decimal.Decimal `json:"stock_value"`
	GeneratedAt        time.Time       `json:"generated_at"`
}

// BestSeller ranks a product by units moved in the reporting window.
type BestSeller struct {
	ProductID    string          `json:"product_id"`
	ProductName  string          `json:"product_name"`
	QuantitySold int64           `json:"quantity_sold"`
	Revenue      decimal.Decimal `json:"revenue"`
}

// SalesReport aggregates the sales inside one reporting window.
type SalesReport struct {
	Period      Period                     `json:"period"`
	From        time.Time                  `json:"from,omitempty"`
	To          time.Time                  `json:"to,omitempty"`
	SalesCount  int                        `json:"sales_count"`
	Total       decimal.Decimal            `json:"total"`
	AmountPaid  decimal.Decimal            `json:"amount_paid"`
	AmountDue   decimal.Decimal            `json:"amount_due"`
	ByCategory  map[string]decimal.Decimal `json:"by_category"`
	BestSellers []BestSeller               `json:"best_sellers"`
	GeneratedAt time.Time                  `json:"generated_at"`
}

// CustomerStatement is the full paper trail for one customer.
type CustomerStatement struct {
	Customer    ledger.Customer  `json:"customer"`
	Sales       []ledger.Sale    `json:"sales"`
	Payments    []ledger.Payment `json:"payments"`
	GeneratedAt time.Time        `json:"generated_at"`
}
