package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/buildmat-erp/buildmat-erp/internal/shared"
)

// CacheInvalidator lets the engine drop derived report caches after a
// committed write. The reports package provides the implementation.
type CacheInvalidator interface {
	Bump(ctx context.Context) error
}

// Keyer persists idempotency keys for the commands that accept one.
type Keyer interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Service is the reconciliation engine. Every command runs all-or-nothing:
// the sale record, the stock deduction and the customer aggregates commit in
// one transaction or not at all.
type Service struct {
	repo        Repository
	keys        Keyer
	invalidator CacheInvalidator
	validate    *validator.Validate
}

// NewService constructs the engine. keys and invalidator may be nil when the
// respective concern is not wired (tests, tooling).
func NewService(repo Repository, keys Keyer, invalidator CacheInvalidator) *Service {
	return &Service{
		repo:        repo,
		keys:        keys,
		invalidator: invalidator,
		validate:    validator.New(),
	}
}

// RecordSale validates, prices and commits a sale. Stock is checked and
// deducted under row locks, so two concurrent sales can never both take the
// last units of a product. Product locks are taken in id order before the
// customer row.
func (s *Service) RecordSale(ctx context.Context, req RecordSaleRequest) (Sale, error) {
	if err := s.validate.Struct(req); err != nil {
		return Sale{}, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	if !req.PaymentMethod.Valid() {
		return Sale{}, fmt.Errorf("%w: unknown payment method %q", shared.ErrValidation, req.PaymentMethod)
	}
	if req.AmountPaid.IsNegative() {
		return Sale{}, fmt.Errorf("%w: amount_paid must be >= 0", shared.ErrValidation)
	}
	if req.CustomerID == "" && req.CustomerName == "" {
		return Sale{}, fmt.Errorf("%w: customer_id or customer_name required", shared.ErrValidation)
	}
	if req.CustomerType != "" && !req.CustomerType.Valid() {
		return Sale{}, fmt.Errorf("%w: unknown customer type %q", shared.ErrValidation, req.CustomerType)
	}

	// Merge duplicate product positions so each product is locked once.
	qtyByProduct := make(map[string]int64, len(req.Lines))
	for _, l := range req.Lines {
		qtyByProduct[l.ProductID] += l.Quantity
	}
	productIDs := make([]string, 0, len(qtyByProduct))
	for id := range qtyByProduct {
		productIDs = append(productIDs, id)
	}
	sort.Strings(productIDs)

	if err := s.claimKey(ctx, req.IdempotencyKey, "ledger.sale"); err != nil {
		return Sale{}, err
	}

	var sale Sale
	err := s.repo.WithTx(ctx, func(tx TxRepository) error {
		locked, err := tx.LockProducts(ctx, productIDs)
		if err != nil {
			return err
		}
		products := make(map[string]LockedProduct, len(locked))
		for _, p := range locked {
			products[p.ID] = p
		}
		for _, id := range productIDs {
			p, ok := products[id]
			if !ok {
				return fmt.Errorf("%w: product %s", shared.ErrNotFound, id)
			}
			if !p.Active {
				return fmt.Errorf("%w: product %s is no longer sold", shared.ErrValidation, id)
			}
			if p.StockQuantity < qtyByProduct[id] {
				return &shared.InsufficientStockError{
					ProductID:   p.ID,
					ProductName: p.Name,
					Requested:   qtyByProduct[id],
					Available:   p.StockQuantity,
				}
			}
		}

		now := time.Now().UTC()
		customer, err := s.resolveCustomer(ctx, tx, req, now)
		if err != nil {
			return err
		}

		saleID := uuid.NewString()
		total := decimal.Zero
		lines := make([]SaleLine, 0, len(productIDs))
		for _, id := range productIDs {
			p := products[id]
			unitPrice := p.RetailPrice
			if customer.Type == CustomerWholesale {
				unitPrice = p.WholesalePrice
			}
			qty := qtyByProduct[id]
			lineTotal := unitPrice.Mul(decimal.NewFromInt(qty))
			total = total.Add(lineTotal)
			lines = append(lines, SaleLine{
				ID:          uuid.NewString(),
				SaleID:      saleID,
				ProductID:   p.ID,
				ProductName: p.Name,
				Category:    p.Category,
				Quantity:    qty,
				UnitPrice:   unitPrice,
				LineTotal:   lineTotal,
			})
		}

		if req.AmountPaid.GreaterThan(total) {
			return fmt.Errorf("%w: amount_paid %s exceeds sale total %s",
				shared.ErrValidation, req.AmountPaid, total)
		}

		for _, id := range productIDs {
			if err := tx.DeductStock(ctx, id, qtyByProduct[id]); err != nil {
				return err
			}
		}

		sale = Sale{
			ID:            saleID,
			CustomerID:    customer.ID,
			CustomerName:  customer.Name,
			CustomerType:  customer.Type,
			Lines:         lines,
			Total:         total,
			AmountPaid:    req.AmountPaid,
			AmountDue:     total.Sub(req.AmountPaid),
			PaymentStatus: DeriveStatus(total, req.AmountPaid),
			PaymentMethod: req.PaymentMethod,
			Note:          req.Note,
			CreatedAt:     now,
		}
		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}

		if req.AmountPaid.IsPositive() {
			payment := Payment{
				ID:         uuid.NewString(),
				CustomerID: customer.ID,
				SaleID:     &saleID,
				Amount:     req.AmountPaid,
				Method:     req.PaymentMethod,
				ReceivedBy: req.ReceivedBy,
				CreatedAt:  now,
			}
			if err := tx.InsertPayment(ctx, payment); err != nil {
				return err
			}
		}

		customer.TotalPurchases = customer.TotalPurchases.Add(total)
		customer.TotalPaid = customer.TotalPaid.Add(req.AmountPaid)
		customer.Balance = customer.TotalPurchases.Sub(customer.TotalPaid)
		return tx.UpdateCustomerAggregates(ctx, customer)
	})
	if err != nil {
		s.releaseKey(ctx, req.IdempotencyKey)
		return Sale{}, err
	}

	s.bumpCache(ctx)
	return sale, nil
}

// RecordPayment applies a payment either to one sale or to the customer's
// balance. Balance payments settle outstanding sales oldest first so the
// per-sale amounts always sum back to the customer balance.
func (s *Service) RecordPayment(ctx context.Context, req RecordPaymentRequest) (Payment, error) {
	if err := s.validate.Struct(req); err != nil {
		return Payment{}, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	if !req.Method.Valid() {
		return Payment{}, fmt.Errorf("%w: unknown payment method %q", shared.ErrValidation, req.Method)
	}
	if !req.Amount.IsPositive() {
		return Payment{}, fmt.Errorf("%w: amount must be > 0", shared.ErrValidation)
	}

	if err := s.claimKey(ctx, req.IdempotencyKey, "ledger.payment"); err != nil {
		return Payment{}, err
	}

	var payment Payment
	err := s.repo.WithTx(ctx, func(tx TxRepository) error {
		customer, err := tx.GetCustomerForUpdate(ctx, req.CustomerID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()

		if req.SaleID != nil {
			sale, err := tx.GetSaleForUpdate(ctx, *req.SaleID)
			if err != nil {
				return err
			}
			if sale.CustomerID != customer.ID {
				return fmt.Errorf("%w: sale %s does not belong to customer %s",
					shared.ErrValidation, sale.ID, customer.ID)
			}
			if req.Amount.GreaterThan(sale.AmountDue) {
				return fmt.Errorf("%w: amount %s exceeds outstanding %s on sale %s",
					shared.ErrOverpayment, req.Amount, sale.AmountDue, sale.ID)
			}
			paid := sale.AmountPaid.Add(req.Amount)
			if err := tx.UpdateSalePayment(ctx, sale.ID, paid, sale.Total.Sub(paid), DeriveStatus(sale.Total, paid)); err != nil {
				return err
			}
		} else {
			if req.Amount.GreaterThan(customer.Balance) {
				return fmt.Errorf("%w: amount %s exceeds customer balance %s",
					shared.ErrOverpayment, req.Amount, customer.Balance)
			}
			outstanding, err := tx.OutstandingSalesForUpdate(ctx, customer.ID)
			if err != nil {
				return err
			}
			remaining := req.Amount
			for _, sale := range outstanding {
				if !remaining.IsPositive() {
					break
				}
				applied := decimal.Min(remaining, sale.AmountDue)
				paid := sale.AmountPaid.Add(applied)
				if err := tx.UpdateSalePayment(ctx, sale.ID, paid, sale.Total.Sub(paid), DeriveStatus(sale.Total, paid)); err != nil {
					return err
				}
				remaining = remaining.Sub(applied)
			}
			if remaining.IsPositive() {
				return fmt.Errorf("%w: balance does not match outstanding sales for customer %s",
					shared.ErrConflict, customer.ID)
			}
		}

		payment = Payment{
			ID:         uuid.NewString(),
			CustomerID: customer.ID,
			SaleID:     req.SaleID,
			Amount:     req.Amount,
			Method:     req.Method,
			ReceivedBy: req.ReceivedBy,
			Note:       req.Note,
			CreatedAt:  now,
		}
		if err := tx.InsertPayment(ctx, payment); err != nil {
			return err
		}

		customer.TotalPaid = customer.TotalPaid.Add(req.Amount)
		customer.Balance = customer.TotalPurchases.Sub(customer.TotalPaid)
		return tx.UpdateCustomerAggregates(ctx, customer)
	})
	if err != nil {
		s.releaseKey(ctx, req.IdempotencyKey)
		return Payment{}, err
	}

	s.bumpCache(ctx)
	return payment, nil
}

// Replay rebuilds every derived figure from the sale and payment records and
// repairs any drift. Replaying an already consistent ledger changes nothing,
// so the report from a second run straight after a first is all zeros on the
// repaired counters.
func (s *Service) Replay(ctx context.Context) (ReplayReport, error) {
	var report ReplayReport
	err := s.repo.WithTx(ctx, func(tx TxRepository) error {
		customers, err := tx.AllCustomersForUpdate(ctx)
		if err != nil {
			return err
		}
		sales, err := tx.AllSalesForUpdate(ctx)
		if err != nil {
			return err
		}
		payments, err := tx.AllPayments(ctx)
		if err != nil {
			return err
		}

		// Recompute per-sale paid amounts. Attached payments go straight to
		// their sale; balance payments settle the customer's sales oldest
		// first, replayed in the order they were recorded.
		paidBySale := make(map[string]decimal.Decimal, len(sales))
		salesByCustomer := make(map[string][]*Sale)
		saleByID := make(map[string]*Sale, len(sales))
		for i := range sales {
			sale := &sales[i]
			paidBySale[sale.ID] = decimal.Zero
			saleByID[sale.ID] = sale
			salesByCustomer[sale.CustomerID] = append(salesByCustomer[sale.CustomerID], sale)
		}
		for _, p := range payments {
			if p.SaleID != nil {
				paidBySale[*p.SaleID] = paidBySale[*p.SaleID].Add(p.Amount)
				continue
			}
			remaining := p.Amount
			for _, sale := range salesByCustomer[p.CustomerID] {
				if !remaining.IsPositive() {
					break
				}
				due := sale.Total.Sub(paidBySale[sale.ID])
				if !due.IsPositive() {
					continue
				}
				applied := decimal.Min(remaining, due)
				paidBySale[sale.ID] = paidBySale[sale.ID].Add(applied)
				remaining = remaining.Sub(applied)
			}
		}

		report.SalesChecked = len(sales)
		for _, sale := range sales {
			paid := paidBySale[sale.ID]
			due := sale.Total.Sub(paid)
			status := DeriveStatus(sale.Total, paid)
			if sale.AmountPaid.Equal(paid) && sale.AmountDue.Equal(due) && sale.PaymentStatus == status {
				continue
			}
			if err := tx.UpdateSalePayment(ctx, sale.ID, paid, due, status); err != nil {
				return err
			}
			report.SalesRepaired++
		}

		purchasesByCustomer := make(map[string]decimal.Decimal)
		paidByCustomer := make(map[string]decimal.Decimal)
		for _, sale := range sales {
			purchasesByCustomer[sale.CustomerID] = purchasesByCustomer[sale.CustomerID].Add(sale.Total)
		}
		for _, p := range payments {
			paidByCustomer[p.CustomerID] = paidByCustomer[p.CustomerID].Add(p.Amount)
		}

		report.CustomersChecked = len(customers)
		for _, c := range customers {
			purchases := purchasesByCustomer[c.ID]
			paid := paidByCustomer[c.ID]
			balance := purchases.Sub(paid)
			if c.TotalPurchases.Equal(purchases) && c.TotalPaid.Equal(paid) && c.Balance.Equal(balance) {
				continue
			}
			c.TotalPurchases = purchases
			c.TotalPaid = paid
			c.Balance = balance
			if err := tx.UpdateCustomerAggregates(ctx, c); err != nil {
				return err
			}
			report.CustomersRepaired++
		}
		return nil
	})
	if err != nil {
		return ReplayReport{}, err
	}
	if report.SalesRepaired > 0 || report.CustomersRepaired > 0 {
		s.bumpCache(ctx)
	}
	return report, nil
}

// CreateCustomer opens a customer account.
func (s *Service) CreateCustomer(ctx context.Context, req CreateCustomerRequest) (Customer, error) {
	if err := s.validate.Struct(req); err != nil {
		return Customer{}, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	if !req.Type.Valid() {
		return Customer{}, fmt.Errorf("%w: unknown customer type %q", shared.ErrValidation, req.Type)
	}
	now := time.Now().UTC()
	customer := Customer{
		ID:             uuid.NewString(),
		Name:           req.Name,
		Phone:          req.Phone,
		Company:        req.Company,
		Type:           req.Type,
		TotalPurchases: decimal.Zero,
		TotalPaid:      decimal.Zero,
		Balance:        decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	err := s.repo.WithTx(ctx, func(tx TxRepository) error {
		return tx.InsertCustomer(ctx, customer)
	})
	if err != nil {
		return Customer{}, fmt.Errorf("create customer: %w", err)
	}
	return customer, nil
}

// GetCustomer loads one customer with current aggregates.
func (s *Service) GetCustomer(ctx context.Context, id string) (Customer, error) {
	return s.repo.GetCustomer(ctx, id)
}

// ListCustomers pages through customers.
func (s *Service) ListCustomers(ctx context.Context, page, limit int) ([]Customer, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	return s.repo.ListCustomers(ctx, page, limit)
}

// GetSale loads one sale with lines.
func (s *Service) GetSale(ctx context.Context, id string) (Sale, error) {
	return s.repo.GetSale(ctx, id)
}

// ListSales returns a filtered sale page, newest first.
func (s *Service) ListSales(ctx context.Context, filters SaleFilters) ([]Sale, int, error) {
	if filters.Status != "" {
		switch filters.Status {
		case StatusPaid, StatusPartial, StatusUnpaid:
		default:
			return nil, 0, fmt.Errorf("%w: unknown payment status %q", shared.ErrValidation, filters.Status)
		}
	}
	if filters.Limit <= 0 {
		filters.Limit = 50
	}
	if filters.Page <= 0 {
		filters.Page = 1
	}
	return s.repo.ListSales(ctx, filters)
}

func (s *Service) resolveCustomer(ctx context.Context, tx TxRepository, req RecordSaleRequest, now time.Time) (Customer, error) {
	if req.CustomerID != "" {
		return tx.GetCustomerForUpdate(ctx, req.CustomerID)
	}
	custType := req.CustomerType
	if custType == "" {
		custType = CustomerRetail
	}
	customer := Customer{
		ID:             uuid.NewString(),
		Name:           req.CustomerName,
		Phone:          req.CustomerPhone,
		Type:           custType,
		TotalPurchases: decimal.Zero,
		TotalPaid:      decimal.Zero,
		Balance:        decimal.Zero,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := tx.InsertCustomer(ctx, customer); err != nil {
		return Customer{}, err
	}
	return customer, nil
}

func (s *Service) claimKey(ctx context.Context, key, module string) error {
	if key == "" || s.keys == nil {
		return nil
	}
	if err := s.keys.CheckAndInsert(ctx, key, module); err != nil {
		if errors.Is(err, shared.ErrIdempotencyConflict) {
			return fmt.Errorf("%w: key %s", shared.ErrIdempotencyConflict, key)
		}
		return fmt.Errorf("idempotency check: %w", err)
	}
	return nil
}

func (s *Service) releaseKey(ctx context.Context, key string) {
	if key == "" || s.keys == nil {
		return
	}
	_ = s.keys.Delete(ctx, key)
}

func (s *Service) bumpCache(ctx context.Context) {
	if s.invalidator == nil {
		return
	}
	_ = s.invalidator.Bump(ctx)
}
