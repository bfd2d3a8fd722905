package ledger

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildmat-erp/buildmat-erp/internal/shared"
)

// memRepository backs the engine with in-memory maps. WithTx serialises on a
// mutex and restores a snapshot when the callback fails, mirroring the
// all-or-nothing commit of the real repository.
type memRepository struct {
	mu        sync.Mutex
	products  map[string]LockedProduct
	customers map[string]Customer
	sales     map[string]Sale
	payments  []Payment
}

func newMemRepository() *memRepository {
	return &memRepository{
		products:  make(map[string]LockedProduct),
		customers: make(map[string]Customer),
		sales:     make(map[string]Sale),
	}
}

func (m *memRepository) snapshot() *memRepository {
	snap := newMemRepository()
	for k, v := range m.products {
		snap.products[k] = v
	}
	for k, v := range m.customers {
		snap.customers[k] = v
	}
	for k, v := range m.sales {
		lines := make([]SaleLine, len(v.Lines))
		copy(lines, v.Lines)
		v.Lines = lines
		snap.sales[k] = v
	}
	snap.payments = make([]Payment, len(m.payments))
	copy(snap.payments, m.payments)
	return snap
}

func (m *memRepository) restore(snap *memRepository) {
	m.products = snap.products
	m.customers = snap.customers
	m.sales = snap.sales
	m.payments = snap.payments
}

func (m *memRepository) WithTx(_ context.Context, fn func(TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(&memTxRepository{store: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memRepository) GetSale(_ context.Context, id string) (Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sales[id]
	if !ok {
		return Sale{}, shared.ErrNotFound
	}
	return s, nil
}

func (m *memRepository) ListSales(_ context.Context, filters SaleFilters) ([]Sale, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sale
	for _, s := range m.sales {
		if filters.CustomerID != "" && s.CustomerID != filters.CustomerID {
			continue
		}
		if filters.Status != "" && s.PaymentStatus != filters.Status {
			continue
		}
		if !filters.From.IsZero() && s.CreatedAt.Before(filters.From) {
			continue
		}
		if !filters.To.IsZero() && !s.CreatedAt.Before(filters.To) {
			continue
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, len(out), nil
}

func (m *memRepository) SalesInPeriod(_ context.Context, from, to time.Time) ([]Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Sale
	for _, s := range m.sales {
		if !from.IsZero() && s.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && !s.CreatedAt.Before(to) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memRepository) ReceivablesTotal(_ context.Context) (decimal.Decimal, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := decimal.Zero
	count := 0
	for _, c := range m.customers {
		if c.Balance.IsPositive() {
			total = total.Add(c.Balance)
			count++
		}
	}
	return total, count, nil
}

func (m *memRepository) SalesForCustomer(_ context.Context, customerID string) ([]Sale, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.salesForCustomerLocked(customerID), nil
}

func (m *memRepository) salesForCustomerLocked(customerID string) []Sale {
	var out []Sale
	for _, s := range m.sales {
		if s.CustomerID == customerID {
			out = append(out, s)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *memRepository) PaymentsForCustomer(_ context.Context, customerID string) ([]Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Payment
	for _, p := range m.payments {
		if p.CustomerID == customerID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memRepository) GetCustomer(_ context.Context, id string) (Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return Customer{}, shared.ErrNotFound
	}
	return c, nil
}

func (m *memRepository) ListCustomers(_ context.Context, _, _ int) ([]Customer, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Customer
	for _, c := range m.customers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, len(out), nil
}

func (m *memRepository) SaleLineExists(_ context.Context, productID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sales {
		for _, l := range s.Lines {
			if l.ProductID == productID {
				return true, nil
			}
		}
	}
	return false, nil
}

type memTxRepository struct {
	store *memRepository
}

func (t *memTxRepository) LockProducts(_ context.Context, ids []string) ([]LockedProduct, error) {
	var out []LockedProduct
	for _, id := range ids {
		if p, ok := t.store.products[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

func (t *memTxRepository) DeductStock(_ context.Context, productID string, qty int64) error {
	p, ok := t.store.products[productID]
	if !ok || p.StockQuantity < qty {
		return shared.ErrConflict
	}
	p.StockQuantity -= qty
	t.store.products[productID] = p
	return nil
}

func (t *memTxRepository) GetCustomerForUpdate(_ context.Context, id string) (Customer, error) {
	c, ok := t.store.customers[id]
	if !ok {
		return Customer{}, shared.ErrNotFound
	}
	return c, nil
}

func (t *memTxRepository) InsertCustomer(_ context.Context, c Customer) error {
	t.store.customers[c.ID] = c
	return nil
}

func (t *memTxRepository) UpdateCustomerAggregates(_ context.Context, c Customer) error {
	if _, ok := t.store.customers[c.ID]; !ok {
		return shared.ErrNotFound
	}
	t.store.customers[c.ID] = c
	return nil
}

func (t *memTxRepository) InsertSale(_ context.Context, s Sale) error {
	t.store.sales[s.ID] = s
	return nil
}

func (t *memTxRepository) InsertPayment(_ context.Context, p Payment) error {
	t.store.payments = append(t.store.payments, p)
	return nil
}

func (t *memTxRepository) GetSaleForUpdate(_ context.Context, id string) (Sale, error) {
	s, ok := t.store.sales[id]
	if !ok {
		return Sale{}, shared.ErrNotFound
	}
	return s, nil
}

func (t *memTxRepository) OutstandingSalesForUpdate(_ context.Context, customerID string) ([]Sale, error) {
	var out []Sale
	for _, s := range t.store.salesForCustomerLocked(customerID) {
		if s.PaymentStatus != StatusPaid {
			out = append(out, s)
		}
	}
	return out, nil
}

func (t *memTxRepository) UpdateSalePayment(_ context.Context, saleID string, paid, due decimal.Decimal, status PaymentStatus) error {
	s, ok := t.store.sales[saleID]
	if !ok {
		return shared.ErrNotFound
	}
	s.AmountPaid = paid
	s.AmountDue = due
	s.PaymentStatus = status
	t.store.sales[saleID] = s
	return nil
}

func (t *memTxRepository) AllSalesForUpdate(_ context.Context) ([]Sale, error) {
	var out []Sale
	for _, s := range t.store.sales {
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (t *memTxRepository) AllPayments(_ context.Context) ([]Payment, error) {
	out := make([]Payment, len(t.store.payments))
	copy(out, t.store.payments)
	return out, nil
}

func (t *memTxRepository) AllCustomersForUpdate(_ context.Context) ([]Customer, error) {
	var out []Customer
	for _, c := range t.store.customers {
		out = append(out, c)
	}
	return out, nil
}

// memKeyer is an in-memory idempotency key store.
type memKeyer struct {
	mu   sync.Mutex
	keys map[string]bool
}

func newMemKeyer() *memKeyer { return &memKeyer{keys: make(map[string]bool)} }

func (k *memKeyer) CheckAndInsert(_ context.Context, key, _ string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	k.keys[key] = true
	return nil
}

func (k *memKeyer) Delete(_ context.Context, key string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	delete(k.keys, key)
	return nil
}

// ============================================================================
// Fixtures
// ============================================================================

func seedProduct(repo *memRepository, id, name string, wholesale, retail int64, stock int64) {
	repo.products[id] = LockedProduct{
		ID:             id,
		Name:           name,
		Category:       "cement",
		WholesalePrice: decimal.NewFromInt(wholesale),
		RetailPrice:    decimal.NewFromInt(retail),
		StockQuantity:  stock,
		Active:         true,
	}
}

func seedCustomer(repo *memRepository, id, name string, t CustomerType) {
	now := time.Now().UTC()
	repo.customers[id] = Customer{
		ID:             id,
		Name:           name,
		Type:           t,
		TotalPurchases: decimal.Zero,
		TotalPaid:      decimal.Zero,
		Balance:        decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// requireLedgerInvariants asserts balance = totalPurchases - totalPaid and
// that the balance equals the sum of outstanding amounts across the
// customer's sales.
func requireLedgerInvariants(t *testing.T, repo *memRepository, customerID string) {
	t.Helper()
	c, err := repo.GetCustomer(context.Background(), customerID)
	require.NoError(t, err)
	require.True(t, c.Balance.Equal(c.TotalPurchases.Sub(c.TotalPaid)),
		"balance %s != purchases %s - paid %s", c.Balance, c.TotalPurchases, c.TotalPaid)

	sales, err := repo.SalesForCustomer(context.Background(), customerID)
	require.NoError(t, err)
	sumDue := decimal.Zero
	for _, s := range sales {
		require.True(t, s.AmountDue.Equal(s.Total.Sub(s.AmountPaid)),
			"sale %s: due %s != total %s - paid %s", s.ID, s.AmountDue, s.Total, s.AmountPaid)
		sumDue = sumDue.Add(s.AmountDue)
	}
	require.True(t, c.Balance.Equal(sumDue), "balance %s != sum of due %s", c.Balance, sumDue)
}

// ============================================================================
// Sales
// ============================================================================

func TestRecordSaleFullyPaid(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Dangote 42.5R", 9500, 10200, 100)
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	svc := NewService(repo, nil, nil)

	sale, err := svc.RecordSale(context.Background(), RecordSaleRequest{
		CustomerID:    "c1",
		Lines:         []SaleLineInput{{ProductID: "p1", Quantity: 10}},
		AmountPaid:    decimal.NewFromInt(102000),
		PaymentMethod: MethodCash,
	})
	require.NoError(t, err)

	assert.Equal(t, StatusPaid, sale.PaymentStatus)
	assert.True(t, sale.Total.Equal(decimal.NewFromInt(102000)))
	assert.True(t, sale.AmountDue.IsZero())
	require.Len(t, sale.Lines, 1)
	assert.True(t, sale.Lines[0].UnitPrice.Equal(decimal.NewFromInt(10200)))

	assert.Equal(t, int64(90), repo.products["p1"].StockQuantity)
	require.Len(t, repo.payments, 1)
	assert.Equal(t, sale.ID, *repo.payments[0].SaleID)

	c, err := repo.GetCustomer(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, c.TotalPurchases.Equal(decimal.NewFromInt(102000)))
	assert.True(t, c.Balance.IsZero())
	requireLedgerInvariants(t, repo, "c1")
}

func TestRecordSaleWholesalePricing(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Dangote 42.5R", 9500, 10200, 100)
	seedCustomer(repo, "c1", "Bashir Builders", CustomerWholesale)
	svc := NewService(repo, nil, nil)

	sale, err := svc.RecordSale(context.Background(), RecordSaleRequest{
		CustomerID:    "c1",
		Lines:         []SaleLineInput{{ProductID: "p1", Quantity: 10}},
		PaymentMethod: MethodBank,
	})
	require.NoError(t, err)
	assert.True(t, sale.Total.Equal(decimal.NewFromInt(95000)))
	assert.Equal(t, StatusUnpaid, sale.PaymentStatus)
	assert.Empty(t, repo.payments, "no payment row for an unpaid sale")
	requireLedgerInvariants(t, repo, "c1")
}

func TestRecordSaleCapturesTierAndReceiver(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Dangote 42.5R", 9500, 10200, 100)
	seedCustomer(repo, "c1", "Bashir Builders", CustomerWholesale)
	svc := NewService(repo, nil, nil)

	sale, err := svc.RecordSale(context.Background(), RecordSaleRequest{
		CustomerID:    "c1",
		Lines:         []SaleLineInput{{ProductID: "p1", Quantity: 2}},
		AmountPaid:    decimal.NewFromInt(19000),
		PaymentMethod: MethodCash,
		ReceivedBy:    "Aisha",
	})
	require.NoError(t, err)

	// the tier the sale was priced at sticks to the record
	assert.Equal(t, CustomerWholesale, sale.CustomerType)
	got, err := repo.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.Equal(t, CustomerWholesale, got.CustomerType)

	require.Len(t, repo.payments, 1)
	assert.Equal(t, "Aisha", repo.payments[0].ReceivedBy)
}

func TestRecordSaleOnCreditIsPartial(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Dangote 42.5R", 9500, 10200, 100)
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	svc := NewService(repo, nil, nil)

	sale, err := svc.RecordSale(context.Background(), RecordSaleRequest{
		CustomerID:    "c1",
		Lines:         []SaleLineInput{{ProductID: "p1", Quantity: 10}},
		AmountPaid:    decimal.NewFromInt(50000),
		PaymentMethod: MethodMobile,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, sale.PaymentStatus)
	assert.True(t, sale.AmountDue.Equal(decimal.NewFromInt(52000)))

	c, err := repo.GetCustomer(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, c.Balance.Equal(decimal.NewFromInt(52000)))
	requireLedgerInvariants(t, repo, "c1")
}

func TestRecordSaleInsufficientStockLeavesNothingBehind(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Dangote 42.5R", 9500, 10200, 100)
	seedProduct(repo, "p2", "Rebar 12mm", 4300, 4600, 3)
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	svc := NewService(repo, nil, nil)

	_, err := svc.RecordSale(context.Background(), RecordSaleRequest{
		CustomerID: "c1",
		Lines: []SaleLineInput{
			{ProductID: "p1", Quantity: 10},
			{ProductID: "p2", Quantity: 5},
		},
		PaymentMethod: MethodCash,
	})
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	var stockErr *shared.InsufficientStockError
	require.ErrorAs(t, err, &stockErr)
	assert.Equal(t, "p2", stockErr.ProductID)
	assert.Equal(t, "Rebar 12mm", stockErr.ProductName)
	assert.Equal(t, int64(2), stockErr.Shortfall())

	// nothing moved: no sale, no stock change, no aggregate change
	assert.Equal(t, int64(100), repo.products["p1"].StockQuantity)
	assert.Equal(t, int64(3), repo.products["p2"].StockQuantity)
	assert.Empty(t, repo.sales)
	c, err := repo.GetCustomer(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, c.TotalPurchases.IsZero())
}

func TestRecordSaleUnknownProduct(t *testing.T) {
	repo := newMemRepository()
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	svc := NewService(repo, nil, nil)

	_, err := svc.RecordSale(context.Background(), RecordSaleRequest{
		CustomerID:    "c1",
		Lines:         []SaleLineInput{{ProductID: "ghost", Quantity: 1}},
		PaymentMethod: MethodCash,
	})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestRecordSaleInactiveProduct(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Old stock", 100, 120, 10)
	p := repo.products["p1"]
	p.Active = false
	repo.products["p1"] = p
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	svc := NewService(repo, nil, nil)

	_, err := svc.RecordSale(context.Background(), RecordSaleRequest{
		CustomerID:    "c1",
		Lines:         []SaleLineInput{{ProductID: "p1", Quantity: 1}},
		PaymentMethod: MethodCash,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRecordSaleRejectsPayingMoreThanTotal(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Dangote 42.5R", 9500, 10200, 100)
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	svc := NewService(repo, nil, nil)

	_, err := svc.RecordSale(context.Background(), RecordSaleRequest{
		CustomerID:    "c1",
		Lines:         []SaleLineInput{{ProductID: "p1", Quantity: 1}},
		AmountPaid:    decimal.NewFromInt(999999),
		PaymentMethod: MethodCash,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
	assert.Empty(t, repo.sales)
}

func TestRecordSaleOpensWalkInCustomer(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Dangote 42.5R", 9500, 10200, 100)
	svc := NewService(repo, nil, nil)

	sale, err := svc.RecordSale(context.Background(), RecordSaleRequest{
		CustomerName:  "Walk-in Aisha",
		Lines:         []SaleLineInput{{ProductID: "p1", Quantity: 2}},
		AmountPaid:    decimal.NewFromInt(20400),
		PaymentMethod: MethodCash,
	})
	require.NoError(t, err)
	require.NotEmpty(t, sale.CustomerID)

	c, err := repo.GetCustomer(context.Background(), sale.CustomerID)
	require.NoError(t, err)
	assert.Equal(t, "Walk-in Aisha", c.Name)
	assert.Equal(t, CustomerRetail, c.Type)
	requireLedgerInvariants(t, repo, sale.CustomerID)
}

func TestRecordSaleConcurrentLastUnits(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Rebar 12mm", 4300, 4600, 5)
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	seedCustomer(repo, "c2", "Sani", CustomerRetail)
	svc := NewService(repo, nil, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, customerID := range []string{"c1", "c2"} {
		wg.Add(1)
		go func(i int, customerID string) {
			defer wg.Done()
			_, errs[i] = svc.RecordSale(context.Background(), RecordSaleRequest{
				CustomerID:    customerID,
				Lines:         []SaleLineInput{{ProductID: "p1", Quantity: 4}},
				PaymentMethod: MethodCash,
			})
		}(i, customerID)
	}
	wg.Wait()

	// exactly one of the two racing sales may win the last units
	if errs[0] == nil {
		require.ErrorIs(t, errs[1], shared.ErrInsufficientStock)
	} else {
		require.ErrorIs(t, errs[0], shared.ErrInsufficientStock)
		require.NoError(t, errs[1])
	}
	assert.Equal(t, int64(1), repo.products["p1"].StockQuantity)
	assert.Len(t, repo.sales, 1)
}

// ============================================================================
// Payments
// ============================================================================

func recordCreditSale(t *testing.T, svc *Service, customerID string, qty int64) Sale {
	t.Helper()
	sale, err := svc.RecordSale(context.Background(), RecordSaleRequest{
		CustomerID:    customerID,
		Lines:         []SaleLineInput{{ProductID: "p1", Quantity: qty}},
		PaymentMethod: MethodCash,
	})
	require.NoError(t, err)
	return sale
}

func TestRecordPaymentSettlesSale(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Dangote 42.5R", 9500, 10200, 100)
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	svc := NewService(repo, nil, nil)

	sale := recordCreditSale(t, svc, "c1", 10)

	payment, err := svc.RecordPayment(context.Background(), RecordPaymentRequest{
		CustomerID: "c1",
		SaleID:     &sale.ID,
		Amount:     decimal.NewFromInt(102000),
		Method:     MethodBank,
		ReceivedBy: "Aisha",
	})
	require.NoError(t, err)
	assert.Equal(t, "Aisha", payment.ReceivedBy)

	got, err := repo.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, got.PaymentStatus)
	assert.True(t, got.AmountDue.IsZero())
	requireLedgerInvariants(t, repo, "c1")
}

func TestRecordPaymentRejectsOverpayingSale(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Dangote 42.5R", 9500, 10200, 100)
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	svc := NewService(repo, nil, nil)

	sale := recordCreditSale(t, svc, "c1", 10)

	_, err := svc.RecordPayment(context.Background(), RecordPaymentRequest{
		CustomerID: "c1",
		SaleID:     &sale.ID,
		Amount:     decimal.NewFromInt(102001),
		Method:     MethodCash,
	})
	require.ErrorIs(t, err, shared.ErrOverpayment)

	// the rejected payment left no trace
	assert.Empty(t, repo.payments)
	requireLedgerInvariants(t, repo, "c1")
}

func TestRecordPaymentAgainstBalanceSettlesOldestFirst(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Dangote 42.5R", 9500, 10200, 100)
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	svc := NewService(repo, nil, nil)

	first := recordCreditSale(t, svc, "c1", 2)  // 20400
	second := recordCreditSale(t, svc, "c1", 3) // 30600

	// covers the first sale and part of the second
	_, err := svc.RecordPayment(context.Background(), RecordPaymentRequest{
		CustomerID: "c1",
		Amount:     decimal.NewFromInt(30000),
		Method:     MethodMobile,
	})
	require.NoError(t, err)

	gotFirst, err := repo.GetSale(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, gotFirst.PaymentStatus)

	gotSecond, err := repo.GetSale(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, gotSecond.PaymentStatus)
	assert.True(t, gotSecond.AmountDue.Equal(decimal.NewFromInt(21000)))
	requireLedgerInvariants(t, repo, "c1")
}

func TestRecordPaymentRejectsExceedingBalance(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Dangote 42.5R", 9500, 10200, 100)
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	svc := NewService(repo, nil, nil)

	recordCreditSale(t, svc, "c1", 1) // balance 10200

	_, err := svc.RecordPayment(context.Background(), RecordPaymentRequest{
		CustomerID: "c1",
		Amount:     decimal.NewFromInt(10201),
		Method:     MethodCash,
	})
	require.ErrorIs(t, err, shared.ErrOverpayment)
	requireLedgerInvariants(t, repo, "c1")
}

func TestRecordPaymentRejectsForeignSale(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Dangote 42.5R", 9500, 10200, 100)
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	seedCustomer(repo, "c2", "Sani", CustomerRetail)
	svc := NewService(repo, nil, nil)

	sale := recordCreditSale(t, svc, "c1", 1)

	_, err := svc.RecordPayment(context.Background(), RecordPaymentRequest{
		CustomerID: "c2",
		SaleID:     &sale.ID,
		Amount:     decimal.NewFromInt(100),
		Method:     MethodCash,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestRecordPaymentRejectsNonPositiveAmount(t *testing.T) {
	repo := newMemRepository()
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	svc := NewService(repo, nil, nil)

	_, err := svc.RecordPayment(context.Background(), RecordPaymentRequest{
		CustomerID: "c1",
		Amount:     decimal.Zero,
		Method:     MethodCash,
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

// ============================================================================
// Idempotency
// ============================================================================

func TestRecordSaleIdempotencyKey(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Dangote 42.5R", 9500, 10200, 100)
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	svc := NewService(repo, newMemKeyer(), nil)

	req := RecordSaleRequest{
		CustomerID:     "c1",
		Lines:          []SaleLineInput{{ProductID: "p1", Quantity: 1}},
		PaymentMethod:  MethodCash,
		IdempotencyKey: "sale-001",
	}
	_, err := svc.RecordSale(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.RecordSale(context.Background(), req)
	require.ErrorIs(t, err, shared.ErrIdempotencyConflict)
	assert.Len(t, repo.sales, 1)
}

func TestFailedSaleReleasesIdempotencyKey(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Rebar 12mm", 4300, 4600, 1)
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	svc := NewService(repo, newMemKeyer(), nil)

	req := RecordSaleRequest{
		CustomerID:     "c1",
		Lines:          []SaleLineInput{{ProductID: "p1", Quantity: 5}},
		PaymentMethod:  MethodCash,
		IdempotencyKey: "sale-002",
	}
	_, err := svc.RecordSale(context.Background(), req)
	require.ErrorIs(t, err, shared.ErrInsufficientStock)

	// the key is free again, a corrected retry goes through
	req.Lines[0].Quantity = 1
	_, err = svc.RecordSale(context.Background(), req)
	require.NoError(t, err)
}

// ============================================================================
// Replay
// ============================================================================

func TestReplayRepairsDriftAndIsIdempotent(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Dangote 42.5R", 9500, 10200, 100)
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	svc := NewService(repo, nil, nil)

	sale := recordCreditSale(t, svc, "c1", 5) // total 51000
	_, err := svc.RecordPayment(context.Background(), RecordPaymentRequest{
		CustomerID: "c1",
		SaleID:     &sale.ID,
		Amount:     decimal.NewFromInt(20000),
		Method:     MethodCash,
	})
	require.NoError(t, err)

	// corrupt the derived state behind the engine's back
	s := repo.sales[sale.ID]
	s.AmountPaid = decimal.Zero
	s.AmountDue = s.Total
	s.PaymentStatus = StatusUnpaid
	repo.sales[sale.ID] = s
	c := repo.customers["c1"]
	c.TotalPaid = decimal.Zero
	c.Balance = decimal.NewFromInt(999)
	repo.customers["c1"] = c

	report, err := svc.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.SalesRepaired)
	assert.Equal(t, 1, report.CustomersRepaired)

	got, err := repo.GetSale(context.Background(), sale.ID)
	require.NoError(t, err)
	assert.True(t, got.AmountPaid.Equal(decimal.NewFromInt(20000)))
	assert.Equal(t, StatusPartial, got.PaymentStatus)
	requireLedgerInvariants(t, repo, "c1")

	// a second replay finds nothing to repair
	report, err = svc.Replay(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.SalesRepaired)
	assert.Zero(t, report.CustomersRepaired)
}

func TestReplayReallocatesBalancePayments(t *testing.T) {
	repo := newMemRepository()
	seedProduct(repo, "p1", "Dangote 42.5R", 9500, 10200, 100)
	seedCustomer(repo, "c1", "Musa", CustomerRetail)
	svc := NewService(repo, nil, nil)

	first := recordCreditSale(t, svc, "c1", 2)
	recordCreditSale(t, svc, "c1", 3)
	_, err := svc.RecordPayment(context.Background(), RecordPaymentRequest{
		CustomerID: "c1",
		Amount:     decimal.NewFromInt(25000),
		Method:     MethodCash,
	})
	require.NoError(t, err)

	// wipe the per-sale allocation; replay must rebuild it oldest first
	for id, s := range repo.sales {
		s.AmountPaid = decimal.Zero
		s.AmountDue = s.Total
		s.PaymentStatus = StatusUnpaid
		repo.sales[id] = s
	}

	report, err := svc.Replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.SalesRepaired)

	gotFirst, err := repo.GetSale(context.Background(), first.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, gotFirst.PaymentStatus)
	requireLedgerInvariants(t, repo, "c1")
}

// ============================================================================
// Customers and queries
// ============================================================================

func TestCreateCustomer(t *testing.T) {
	repo := newMemRepository()
	svc := NewService(repo, nil, nil)

	c, err := svc.CreateCustomer(context.Background(), CreateCustomerRequest{
		Name:    "Bashir Builders",
		Company: "Bashir Builders Ltd",
		Type:    CustomerWholesale,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "Bashir Builders Ltd", c.Company)
	assert.True(t, c.Balance.IsZero())

	_, err = svc.CreateCustomer(context.Background(), CreateCustomerRequest{
		Name: "Nobody", Type: "vip",
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestListSalesRejectsUnknownStatus(t *testing.T) {
	svc := NewService(newMemRepository(), nil, nil)

	_, _, err := svc.ListSales(context.Background(), SaleFilters{Status: "settled"})
	require.ErrorIs(t, err, shared.ErrValidation)
}
