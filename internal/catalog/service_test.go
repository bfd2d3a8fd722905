package catalog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildmat-erp/buildmat-erp/internal/shared"
)

type mockRepository struct {
	mu       sync.Mutex
	products map[string]Product
}

func newMockRepository() *mockRepository {
	return &mockRepository{products: make(map[string]Product)}
}

// WithTx serializes transactions on a mutex and rolls the product map back
// when the callback fails, mirroring the all-or-nothing commit.
func (m *mockRepository) WithTx(_ context.Context, fn func(TxRepository) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := make(map[string]Product, len(m.products))
	for k, v := range m.products {
		snapshot[k] = v
	}
	if err := fn(&mockTxRepository{repo: m}); err != nil {
		m.products = snapshot
		return err
	}
	return nil
}

type mockTxRepository struct {
	repo *mockRepository
}

func (t *mockTxRepository) GetForUpdate(_ context.Context, id string) (Product, error) {
	p, ok := t.repo.products[id]
	if !ok {
		return Product{}, shared.ErrNotFound
	}
	return p, nil
}

func (t *mockTxRepository) Deactivate(_ context.Context, id string, at time.Time) error {
	p, ok := t.repo.products[id]
	if !ok {
		return shared.ErrNotFound
	}
	p.Active = false
	p.UpdatedAt = at
	t.repo.products[id] = p
	return nil
}

func (m *mockRepository) List(_ context.Context, filters ListFilters) ([]Product, int, error) {
	var out []Product
	for _, p := range m.products {
		if !filters.IncludeInactive && !p.Active {
			continue
		}
		if filters.Category != "" && p.Category != filters.Category {
			continue
		}
		if filters.LowStockBelow > 0 && p.StockQuantity >= filters.LowStockBelow {
			continue
		}
		out = append(out, p)
	}
	return out, len(out), nil
}

func (m *mockRepository) Get(_ context.Context, id string) (Product, error) {
	p, ok := m.products[id]
	if !ok {
		return Product{}, shared.ErrNotFound
	}
	return p, nil
}

func (m *mockRepository) Create(_ context.Context, product Product) (Product, error) {
	m.products[product.ID] = product
	return product, nil
}

func (m *mockRepository) Update(_ context.Context, product Product) error {
	if _, ok := m.products[product.ID]; !ok {
		return shared.ErrNotFound
	}
	m.products[product.ID] = product
	return nil
}

type stubSaleRefChecker struct {
	referenced map[string]bool
}

func (s *stubSaleRefChecker) SaleLineExists(_ context.Context, productID string) (bool, error) {
	return s.referenced[productID], nil
}

func ptr[T any](v T) *T { return &v }

func cementRequest() CreateProductRequest {
	return CreateProductRequest{
		Name:     "Dangote 42.5R",
		Category: CategoryCement,
		Attributes: Attributes{
			Cement: &CementAttributes{
				Brand:       "Dangote",
				BagWeightKG: 50,
				Origin:      "Obajana",
				ArrivalDate: time.Date(2026, 8, 14, 0, 0, 0, 0, time.UTC),
			},
		},
		WholesalePrice: decimal.NewFromInt(9500),
		RetailPrice:    decimal.NewFromInt(10200),
		StockQuantity:  400,
		Location:       LocationWarehouse,
		Unit:           "bag",
	}
}

func TestCreateAssignsID(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, &stubSaleRefChecker{})

	created, err := svc.Create(context.Background(), cementRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.True(t, created.Active)
	assert.Equal(t, int64(400), created.StockQuantity)
}

func TestCreateRejectsMismatchedAttributes(t *testing.T) {
	svc := NewService(newMockRepository(), &stubSaleRefChecker{})

	req := cementRequest()
	req.Attributes = Attributes{
		Iron: &IronAttributes{Type: "rebar", Size: "12mm", Length: "12m", Weight: "10.6kg", Brand: "Pulkit"},
	}

	_, err := svc.Create(context.Background(), req)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateRejectsTwoAttributeVariants(t *testing.T) {
	svc := NewService(newMockRepository(), &stubSaleRefChecker{})

	req := cementRequest()
	req.Attributes.Wood = &WoodAttributes{Type: "plank", Dimensions: "2x4", QualityGrade: "A"}

	_, err := svc.Create(context.Background(), req)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateRejectsMissingRequiredAttributeFields(t *testing.T) {
	svc := NewService(newMockRepository(), &stubSaleRefChecker{})

	req := cementRequest()
	req.Attributes.Cement.Brand = ""

	_, err := svc.Create(context.Background(), req)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateRejectsNegativePrice(t *testing.T) {
	svc := NewService(newMockRepository(), &stubSaleRefChecker{})

	req := cementRequest()
	req.RetailPrice = decimal.NewFromInt(-1)

	_, err := svc.Create(context.Background(), req)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateRejectsUnknownSourceType(t *testing.T) {
	svc := NewService(newMockRepository(), &stubSaleRefChecker{})

	req := cementRequest()
	req.Source = &SourceRef{Type: "mystery", ID: "x-1"}

	_, err := svc.Create(context.Background(), req)
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestUpdatePatchesAndRevalidates(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, &stubSaleRefChecker{})

	created, err := svc.Create(context.Background(), cementRequest())
	require.NoError(t, err)

	updated, err := svc.Update(context.Background(), created.ID, UpdateProductRequest{
		RetailPrice:   ptr(decimal.NewFromInt(10500)),
		StockQuantity: ptr(int64(380)),
	})
	require.NoError(t, err)
	assert.True(t, updated.RetailPrice.Equal(decimal.NewFromInt(10500)))
	assert.Equal(t, int64(380), updated.StockQuantity)
	// untouched fields survive the patch
	assert.Equal(t, "Dangote 42.5R", updated.Name)

	// a patch that breaks the attribute shape is rejected
	_, err = svc.Update(context.Background(), created.ID, UpdateProductRequest{
		Attributes: &Attributes{},
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestUpdateRejectsNegativeStockOverwrite(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, &stubSaleRefChecker{})

	created, err := svc.Create(context.Background(), cementRequest())
	require.NoError(t, err)

	_, err = svc.Update(context.Background(), created.ID, UpdateProductRequest{
		StockQuantity: ptr(int64(-5)),
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestUpdateUnknownProduct(t *testing.T) {
	svc := NewService(newMockRepository(), &stubSaleRefChecker{})

	_, err := svc.Update(context.Background(), "missing", UpdateProductRequest{Name: ptr("x")})
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestDeleteDeactivatesUnreferencedProduct(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, &stubSaleRefChecker{})

	created, err := svc.Create(context.Background(), cementRequest())
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), created.ID))

	// gone from the active listing
	active, _, err := svc.List(context.Background(), ListFilters{})
	require.NoError(t, err)
	assert.Empty(t, active)

	// still resolvable by id for historic records
	got, err := svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
}

func TestDeleteRejectsReferencedProduct(t *testing.T) {
	repo := newMockRepository()
	refs := &stubSaleRefChecker{referenced: map[string]bool{}}
	svc := NewService(repo, refs)

	created, err := svc.Create(context.Background(), cementRequest())
	require.NoError(t, err)
	refs.referenced[created.ID] = true

	err = svc.Delete(context.Background(), created.ID)
	require.ErrorIs(t, err, shared.ErrConflict)

	// the product is untouched
	got, getErr := svc.Get(context.Background(), created.ID)
	require.NoError(t, getErr)
	assert.True(t, got.Active)
}

// lockCheckingRefChecker fails the test if the reference check runs while
// the repository's transaction lock is free.
type lockCheckingRefChecker struct {
	t    *testing.T
	repo *mockRepository
}

func (c *lockCheckingRefChecker) SaleLineExists(_ context.Context, _ string) (bool, error) {
	if c.repo.mu.TryLock() {
		c.repo.mu.Unlock()
		c.t.Error("sale reference check ran outside the deletion transaction")
	}
	return false, nil
}

func TestDeleteChecksReferencesUnderTransaction(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, &lockCheckingRefChecker{t: t, repo: repo})

	created, err := svc.Create(context.Background(), cementRequest())
	require.NoError(t, err)

	require.NoError(t, svc.Delete(context.Background(), created.ID))
}

func TestDeleteRacingSaleNeverStrandsALine(t *testing.T) {
	repo := newMockRepository()
	refs := &stubSaleRefChecker{referenced: map[string]bool{}}
	svc := NewService(repo, refs)

	created, err := svc.Create(context.Background(), cementRequest())
	require.NoError(t, err)

	// A sale records a line for the product under the same transaction
	// discipline the ledger uses: it checks the product is still active
	// while holding the lock and only then attaches the reference.
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = repo.WithTx(context.Background(), func(tx TxRepository) error {
			p, err := tx.GetForUpdate(context.Background(), created.ID)
			if err != nil || !p.Active {
				return err
			}
			refs.referenced[created.ID] = true
			return nil
		})
	}()
	go func() {
		defer wg.Done()
		_ = svc.Delete(context.Background(), created.ID)
	}()
	wg.Wait()

	// Whichever transaction won, a deactivated product must not carry a
	// sale line recorded after the deactivation.
	got, err := svc.Get(context.Background(), created.ID)
	require.NoError(t, err)
	if !got.Active {
		assert.False(t, refs.referenced[created.ID])
	}
}

func TestListFiltersLowStock(t *testing.T) {
	repo := newMockRepository()
	svc := NewService(repo, &stubSaleRefChecker{})

	low := cementRequest()
	low.Name = "Low stock cement"
	low.StockQuantity = 5
	_, err := svc.Create(context.Background(), low)
	require.NoError(t, err)
	_, err = svc.Create(context.Background(), cementRequest())
	require.NoError(t, err)

	products, total, err := svc.List(context.Background(), ListFilters{LowStockBelow: 20})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, "Low stock cement", products[0].Name)
}

func TestGetUnknownProduct(t *testing.T) {
	svc := NewService(newMockRepository(), &stubSaleRefChecker{})

	_, err := svc.Get(context.Background(), "nope")
	require.True(t, errors.Is(err, shared.ErrNotFound))
}
