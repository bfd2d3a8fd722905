package catalog

import (
	"time"

	"github.com/shopspring/decimal"
)

// Category enumerates the product families the shop trades in. Each category
// carries its own attribute shape; see Attributes.
type Category string

const (
	CategoryCement Category = "cement"
	CategoryIron   Category = "iron"
	CategoryWood   Category = "wood"
	CategoryPaint  Category = "paint"
)

// Valid reports whether the category is one of the closed set.
func (c Category) Valid() bool {
	switch c {
	case CategoryCement, CategoryIron, CategoryWood, CategoryPaint:
		return true
	}
	return false
}

// Location enumerates where stock physically sits.
type Location string

const (
	LocationWarehouse Location = "warehouse"
	LocationVehicle   Location = "vehicle"
)

// Valid reports whether the location is known.
func (l Location) Valid() bool {
	return l == LocationWarehouse || l == LocationVehicle
}

// SourceType is the closed set of procurement records a product may point at.
// The catalog stores and returns the link; it never interprets it.
type SourceType string

const (
	SourceIronOrder      SourceType = "iron_order"
	SourceCementShipment SourceType = "cement_shipment"
	SourceWoodShipment   SourceType = "wood_shipment"
	SourcePaintShipment  SourceType = "paint_shipment"
	SourcePurchaseOrder  SourceType = "purchase_order"
)

// Valid reports whether the source type is known.
func (s SourceType) Valid() bool {
	switch s {
	case SourceIronOrder, SourceCementShipment, SourceWoodShipment, SourcePaintShipment, SourcePurchaseOrder:
		return true
	}
	return false
}

// SourceRef links a product to the procurement record it arrived under.
type SourceRef struct {
	Type SourceType `json:"type"`
	ID   string     `json:"id"`
}

// CementAttributes describe a cement product.
type CementAttributes struct {
	Brand       string    `json:"brand"`
	BagWeightKG int       `json:"bag_weight_kg"`
	Origin      string    `json:"origin"`
	ArrivalDate time.Time `json:"arrival_date"`
	VehicleID   *string   `json:"vehicle_id,omitempty"`
}

// IronAttributes describe an iron/rebar product.
type IronAttributes struct {
	Type   string `json:"type"`
	Size   string `json:"size"`
	Length string `json:"length"`
	Weight string `json:"weight"`
	Brand  string `json:"brand"`
}

// WoodAttributes describe a wood product.
type WoodAttributes struct {
	Type         string `json:"type"`
	Dimensions   string `json:"dimensions"`
	QualityGrade string `json:"quality_grade"`
}

// PaintAttributes describe a paint product.
type PaintAttributes struct {
	Brand  string `json:"brand"`
	Type   string `json:"type"`
	Color  string `json:"color"`
	Volume string `json:"volume"`
	Finish string `json:"finish"`
}

// Attributes is a tagged union over the four category shapes. Exactly one
// variant must be set, and it must match the product's category.
type Attributes struct {
	Cement *CementAttributes `json:"cement,omitempty"`
	Iron   *IronAttributes   `json:"iron,omitempty"`
	Wood   *WoodAttributes   `json:"wood,omitempty"`
	Paint  *PaintAttributes  `json:"paint,omitempty"`
}

// Product is a catalog entry. StockQuantity is owned by the ledger's
// reconciliation engine for sale-driven deductions; catalog edits overwrite
// it directly as a manual correction.
type Product struct {
	ID             string           `json:"id"`
	Name           string           `json:"name"`
	Category       Category         `json:"category"`
	Attributes     Attributes       `json:"attributes"`
	WholesalePrice decimal.Decimal  `json:"wholesale_price"`
	RetailPrice    decimal.Decimal  `json:"retail_price"`
	StockQuantity  int64            `json:"stock_quantity"`
	Location       Location         `json:"location"`
	Unit           string           `json:"unit"`
	CostPerUnit    *decimal.Decimal `json:"cost_per_unit,omitempty"`
	Source         *SourceRef       `json:"source,omitempty"`
	Active         bool             `json:"active"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// CreateProductRequest is the addProduct command input.
type CreateProductRequest struct {
	ID             string           `json:"id,omitempty" validate:"omitempty,uuid4"`
	Name           string           `json:"name" validate:"required,max=200"`
	Category       Category         `json:"category" validate:"required"`
	Attributes     Attributes       `json:"attributes"`
	WholesalePrice decimal.Decimal  `json:"wholesale_price"`
	RetailPrice    decimal.Decimal  `json:"retail_price"`
	StockQuantity  int64            `json:"stock_quantity" validate:"gte=0"`
	Location       Location         `json:"location" validate:"required"`
	Unit           string           `json:"unit" validate:"required,max=30"`
	CostPerUnit    *decimal.Decimal `json:"cost_per_unit,omitempty"`
	Source         *SourceRef       `json:"source,omitempty"`
}

// UpdateProductRequest is the updateProduct patch. Nil fields are untouched.
// A non-nil StockQuantity is a direct overwrite (manual correction), distinct
// from sale-driven deductions.
type UpdateProductRequest struct {
	Name           *string          `json:"name,omitempty" validate:"omitempty,max=200"`
	Attributes     *Attributes      `json:"attributes,omitempty"`
	WholesalePrice *decimal.Decimal `json:"wholesale_price,omitempty"`
	RetailPrice    *decimal.Decimal `json:"retail_price,omitempty"`
	StockQuantity  *int64           `json:"stock_quantity,omitempty"`
	Location       *Location        `json:"location,omitempty"`
	Unit           *string          `json:"unit,omitempty" validate:"omitempty,max=30"`
	CostPerUnit    *decimal.Decimal `json:"cost_per_unit,omitempty"`
	Source         *SourceRef       `json:"source,omitempty"`
}

// ListFilters narrows listProducts.
type ListFilters struct {
	Category        Category
	Location        Location
	Search          string
	LowStockBelow   int64
	IncludeInactive bool
	Page            int
	Limit           int
}
