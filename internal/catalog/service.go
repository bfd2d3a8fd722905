package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/buildmat-erp/buildmat-erp/internal/shared"
)

// Repository abstracts product persistence for the service.
type Repository interface {
	List(ctx context.Context, filters ListFilters) ([]Product, int, error)
	Get(ctx context.Context, id string) (Product, error)
	Create(ctx context.Context, product Product) (Product, error)
	Update(ctx context.Context, product Product) error
	WithTx(ctx context.Context, fn func(TxRepository) error) error
}

// TxRepository is the write surface inside a catalog transaction. Deletion
// locks the product row before checking sale references so a concurrent sale
// for the same product either commits first and is seen, or waits until the
// deactivation commits and then fails the active check.
type TxRepository interface {
	GetForUpdate(ctx context.Context, id string) (Product, error)
	Deactivate(ctx context.Context, id string, at time.Time) error
}

// SaleRefChecker reports whether any recorded sale line still references a
// product. The ledger provides the implementation; the deletion guard keeps
// historic sales resolvable.
type SaleRefChecker interface {
	SaleLineExists(ctx context.Context, productID string) (bool, error)
}

// Service provides catalog business logic.
type Service struct {
	repo     Repository
	saleRefs SaleRefChecker
	validate *validator.Validate
}

// NewService constructs a catalog service.
func NewService(repo Repository, saleRefs SaleRefChecker) *Service {
	return &Service{
		repo:     repo,
		saleRefs: saleRefs,
		validate: validator.New(),
	}
}

// Create validates and stores a new product. An id is assigned when absent.
func (s *Service) Create(ctx context.Context, req CreateProductRequest) (Product, error) {
	if err := s.validate.Struct(req); err != nil {
		return Product{}, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}
	if !req.Category.Valid() {
		return Product{}, fmt.Errorf("%w: unknown category %q", shared.ErrValidation, req.Category)
	}
	if !req.Location.Valid() {
		return Product{}, fmt.Errorf("%w: unknown location %q", shared.ErrValidation, req.Location)
	}
	if err := validateAttributes(req.Category, req.Attributes); err != nil {
		return Product{}, err
	}
	if err := validatePrices(req.WholesalePrice, req.RetailPrice, req.CostPerUnit); err != nil {
		return Product{}, err
	}
	if err := validateSource(req.Source); err != nil {
		return Product{}, err
	}
	if req.StockQuantity < 0 {
		return Product{}, fmt.Errorf("%w: stock_quantity must be >= 0", shared.ErrValidation)
	}

	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := time.Now().UTC()
	product := Product{
		ID:             id,
		Name:           req.Name,
		Category:       req.Category,
		Attributes:     req.Attributes,
		WholesalePrice: req.WholesalePrice,
		RetailPrice:    req.RetailPrice,
		StockQuantity:  req.StockQuantity,
		Location:       req.Location,
		Unit:           req.Unit,
		CostPerUnit:    req.CostPerUnit,
		Source:         req.Source,
		Active:         true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, err := s.repo.Create(ctx, product)
	if err != nil {
		return Product{}, fmt.Errorf("create product: %w", err)
	}
	return created, nil
}

// Update applies a patch to an existing product, re-validating the attribute
// shape after the merge. Stock changes through here are manual overwrites.
func (s *Service) Update(ctx context.Context, id string, req UpdateProductRequest) (Product, error) {
	if err := s.validate.Struct(req); err != nil {
		return Product{}, fmt.Errorf("%w: %v", shared.ErrValidation, err)
	}

	existing, err := s.repo.Get(ctx, id)
	if err != nil {
		return Product{}, fmt.Errorf("get product: %w", err)
	}

	if req.Name != nil {
		existing.Name = *req.Name
	}
	if req.Attributes != nil {
		existing.Attributes = *req.Attributes
	}
	if req.WholesalePrice != nil {
		existing.WholesalePrice = *req.WholesalePrice
	}
	if req.RetailPrice != nil {
		existing.RetailPrice = *req.RetailPrice
	}
	if req.StockQuantity != nil {
		if *req.StockQuantity < 0 {
			return Product{}, fmt.Errorf("%w: stock_quantity must be >= 0", shared.ErrValidation)
		}
		existing.StockQuantity = *req.StockQuantity
	}
	if req.Location != nil {
		if !req.Location.Valid() {
			return Product{}, fmt.Errorf("%w: unknown location %q", shared.ErrValidation, *req.Location)
		}
		existing.Location = *req.Location
	}
	if req.Unit != nil {
		existing.Unit = *req.Unit
	}
	if req.CostPerUnit != nil {
		existing.CostPerUnit = req.CostPerUnit
	}
	if req.Source != nil {
		existing.Source = req.Source
	}

	if err := validateAttributes(existing.Category, existing.Attributes); err != nil {
		return Product{}, err
	}
	if err := validatePrices(existing.WholesalePrice, existing.RetailPrice, existing.CostPerUnit); err != nil {
		return Product{}, err
	}
	if err := validateSource(existing.Source); err != nil {
		return Product{}, err
	}

	existing.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, existing); err != nil {
		return Product{}, fmt.Errorf("update product: %w", err)
	}
	return existing, nil
}

// Delete removes a product from the active listing. Products referenced by
// recorded sales cannot be deleted; their ids must stay resolvable.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.repo.WithTx(ctx, func(tx TxRepository) error {
		if _, err := tx.GetForUpdate(ctx, id); err != nil {
			return fmt.Errorf("get product: %w", err)
		}
		referenced, err := s.saleRefs.SaleLineExists(ctx, id)
		if err != nil {
			return fmt.Errorf("check sale references: %w", err)
		}
		if referenced {
			return fmt.Errorf("%w: product %s is referenced by recorded sales", shared.ErrConflict, id)
		}
		if err := tx.Deactivate(ctx, id, time.Now().UTC()); err != nil {
			return fmt.Errorf("deactivate product: %w", err)
		}
		return nil
	})
}

// Get retrieves a product by id, including logically deleted ones so that
// historic sales remain resolvable.
func (s *Service) Get(ctx context.Context, id string) (Product, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			return Product{}, fmt.Errorf("%w: product %s", shared.ErrNotFound, id)
		}
		return Product{}, err
	}
	return p, nil
}

// List returns the filtered active catalog plus total count.
func (s *Service) List(ctx context.Context, filters ListFilters) ([]Product, int, error) {
	if filters.Limit <= 0 {
		filters.Limit = 50
	}
	if filters.Page <= 0 {
		filters.Page = 1
	}
	return s.repo.List(ctx, filters)
}
