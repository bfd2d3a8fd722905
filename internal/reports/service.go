package reports

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/buildmat-erp/buildmat-erp/internal/catalog"
	"github.com/buildmat-erp/buildmat-erp/internal/ledger"
	"github.com/buildmat-erp/buildmat-erp/internal/shared"
)

// LedgerReader is the slice of the ledger the reports need.
type LedgerReader interface {
	SalesInPeriod(ctx context.Context, from, to time.Time) ([]ledger.Sale, error)
	SalesForCustomer(ctx context.Context, customerID string) ([]ledger.Sale, error)
	PaymentsForCustomer(ctx context.Context, customerID string) ([]ledger.Payment, error)
	GetCustomer(ctx context.Context, id string) (ledger.Customer, error)
	ReceivablesTotal(ctx context.Context) (decimal.Decimal, int, error)
}

// StockReader is the slice of the catalog the reports need.
type StockReader interface {
	List(ctx context.Context, filters catalog.ListFilters) ([]catalog.Product, int, error)
	StockValue(ctx context.Context) (decimal.Decimal, error)
}

// Service assembles the derived read models.
type Service struct {
	ledger            LedgerReader
	stock             StockReader
	cache             *Cache
	lowStockThreshold int64
	now               func() time.Time
}

// NewService constructs the reporting service. cache may be nil.
func NewService(ledgerReader LedgerReader, stock StockReader, cache *Cache, lowStockThreshold int64) *Service {
	return &Service{
		ledger:            ledgerReader,
		stock:             stock,
		cache:             cache,
		lowStockThreshold: lowStockThreshold,
		now:               time.Now,
	}
}

// Dashboard returns the headline figures. The three independent reads fan
// out concurrently; each sees its own consistent snapshot, which is enough
// for a dashboard.
func (s *Service) Dashboard(ctx context.Context) (DashboardStats, error) {
	key, err := s.cache.BuildKey(ctx, "reports", "dashboard")
	if err != nil {
		return DashboardStats{}, err
	}
	var stats DashboardStats
	err = s.cache.FetchJSON(ctx, key, &stats, func(ctx context.Context) (interface{}, error) {
		return s.buildDashboard(ctx)
	})
	if err != nil {
		return DashboardStats{}, fmt.Errorf("dashboard: %w", err)
	}
	return stats, nil
}

func (s *Service) buildDashboard(ctx context.Context) (DashboardStats, error) {
	now := s.now()
	from, to := dayWindow(now)

	var (
		todaySales  []ledger.Sale
		outstanding decimal.Decimal
		debtors     int
		lowStock    int
		stockValue  decimal.Decimal
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sales, err := s.ledger.SalesInPeriod(gctx, from, to)
		todaySales = sales
		return err
	})
	g.Go(func() error {
		total, count, err := s.ledger.ReceivablesTotal(gctx)
		outstanding = total
		debtors = count
		return err
	})
	g.Go(func() error {
		_, count, err := s.stock.List(gctx, catalog.ListFilters{
			LowStockBelow: s.lowStockThreshold,
			Limit:         1,
			Page:          1,
		})
		lowStock = count
		return err
	})
	g.Go(func() error {
		value, err := s.stock.StockValue(gctx)
		stockValue = value
		return err
	})
	if err := g.Wait(); err != nil {
		return DashboardStats{}, err
	}

	stats := DashboardStats{
		SalesTotalToday:    decimal.Zero,
		CashCollectedToday: decimal.Zero,
		SalesCountToday:    len(todaySales),
		OutstandingTotal:   outstanding,
		DebtorCount:        debtors,
		LowStockCount:      lowStock,
		StockValue:         stockValue,
		GeneratedAt:        now.UTC(),
	}
	for _, sale := range todaySales {
		stats.SalesTotalToday = stats.SalesTotalToday.Add(sale.Total)
		stats.CashCollectedToday = stats.CashCollectedToday.Add(sale.AmountPaid)
	}
	return stats, nil
}

// SalesReport aggregates the sales of one reporting window.
func (s *Service) SalesReport(ctx context.Context, period Period) (SalesReport, error) {
	if !period.Valid() {
		return SalesReport{}, fmt.Errorf("%w: unknown period %q", shared.ErrValidation, period)
	}
	key, err := s.cache.BuildKey(ctx, "reports", "sales", string(period))
	if err != nil {
		return SalesReport{}, err
	}
	var report SalesReport
	err = s.cache.FetchJSON(ctx, key, &report, func(ctx context.Context) (interface{}, error) {
		return s.buildSalesReport(ctx, period)
	})
	if err != nil {
		return SalesReport{}, fmt.Errorf("sales report: %w", err)
	}
	return report, nil
}

func (s *Service) buildSalesReport(ctx context.Context, period Period) (SalesReport, error) {
	now := s.now()
	from, to := periodWindow(period, now)

	sales, err := s.ledger.SalesInPeriod(ctx, from, to)
	if err != nil {
		return SalesReport{}, err
	}

	report := SalesReport{
		Period:      period,
		From:        from,
		To:          to,
		SalesCount:  len(sales),
		Total:       decimal.Zero,
		AmountPaid:  decimal.Zero,
		AmountDue:   decimal.Zero,
		ByCategory:  make(map[string]decimal.Decimal),
		GeneratedAt: now.UTC(),
	}

	type sellerAgg struct {
		name     string
		quantity int64
		revenue  decimal.Decimal
	}
	sellers := make(map[string]*sellerAgg)

	for _, sale := range sales {
		report.Total = report.Total.Add(sale.Total)
		report.AmountPaid = report.AmountPaid.Add(sale.AmountPaid)
		report.AmountDue = report.AmountDue.Add(sale.AmountDue)
		for _, line := range sale.Lines {
			cur, ok := report.ByCategory[line.Category]
			if !ok {
				cur = decimal.Zero
			}
			report.ByCategory[line.Category] = cur.Add(line.LineTotal)

			agg, ok := sellers[line.ProductID]
			if !ok {
				agg = &sellerAgg{name: line.ProductName, revenue: decimal.Zero}
				sellers[line.ProductID] = agg
			}
			agg.quantity += line.Quantity
			agg.revenue = agg.revenue.Add(line.LineTotal)
		}
	}

	for id, agg := range sellers {
		report.BestSellers = append(report.BestSellers, BestSeller{
			ProductID:    id,
			ProductName:  agg.name,
			QuantitySold: agg.quantity,
			Revenue:      agg.revenue,
		})
	}
	sort.Slice(report.BestSellers, func(i, j int) bool {
		a, b := report.BestSellers[i], report.BestSellers[j]
		if cmp := a.Revenue.Cmp(b.Revenue); cmp != 0 {
			return cmp > 0
		}
		return a.ProductID < b.ProductID
	})
	if len(report.BestSellers) > 10 {
		report.BestSellers = report.BestSellers[:10]
	}
	return report, nil
}

// CustomerStatement returns the customer's account with full sale and
// payment history. Statements are never cached; they are the one report a
// customer may be looking over the counter at.
func (s *Service) CustomerStatement(ctx context.Context, customerID string) (CustomerStatement, error) {
	customer, err := s.ledger.GetCustomer(ctx, customerID)
	if err != nil {
		return CustomerStatement{}, err
	}

	var (
		sales    []ledger.Sale
		payments []ledger.Payment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		sales, err = s.ledger.SalesForCustomer(gctx, customerID)
		return err
	})
	g.Go(func() error {
		var err error
		payments, err = s.ledger.PaymentsForCustomer(gctx, customerID)
		return err
	})
	if err := g.Wait(); err != nil {
		return CustomerStatement{}, fmt.Errorf("customer statement: %w", err)
	}

	if sales == nil {
		sales = []ledger.Sale{}
	}
	if payments == nil {
		payments = []ledger.Payment{}
	}
	return CustomerStatement{
		Customer:    customer,
		Sales:       sales,
		Payments:    payments,
		GeneratedAt: s.now().UTC(),
	}, nil
}

// dayWindow is the local calendar day containing t.
func dayWindow(t time.Time) (time.Time, time.Time) {
	year, month, day := t.Date()
	from := time.Date(year, month, day, 0, 0, 0, 0, t.Location())
	return from, from.AddDate(0, 0, 1)
}

// periodWindow resolves a reporting period to [from, to). "today" and
// "month" follow the calendar; "week" is the trailing seven days; "all"
// is unbounded.
func periodWindow(p Period, now time.Time) (time.Time, time.Time) {
	switch p {
	case PeriodToday:
		return dayWindow(now)
	case PeriodWeek:
		return now.AddDate(0, 0, -7), now
	case PeriodMonth:
		year, month, _ := now.Date()
		from := time.Date(year, month, 1, 0, 0, 0, 0, now.Location())
		return from, from.AddDate(0, 1, 0)
	default:
		return time.Time{}, time.Time{}
	}
}
