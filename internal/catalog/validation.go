package catalog

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/buildmat-erp/buildmat-erp/internal/shared"
)

// validateAttributes checks that exactly one variant is populated, that it
// matches the declared category, and that the variant's required fields are
// present. Validation happens here at the union boundary, not per form.
func validateAttributes(category Category, attrs Attributes) error {
	set := 0
	if attrs.Cement != nil {
		set++
	}
	if attrs.Iron != nil {
		set++
	}
	if attrs.Wood != nil {
		set++
	}
	if attrs.Paint != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one attribute variant required, got %d", shared.ErrValidation, set)
	}

	switch category {
	case CategoryCement:
		a := attrs.Cement
		if a == nil {
			return fmt.Errorf("%w: cement product requires cement attributes", shared.ErrValidation)
		}
		if err := requireFields(map[string]string{
			"brand":  a.Brand,
			"origin": a.Origin,
		}); err != nil {
			return err
		}
		if a.BagWeightKG <= 0 {
			return fmt.Errorf("%w: cement bag_weight_kg must be positive", shared.ErrValidation)
		}
		if a.ArrivalDate.IsZero() {
			return fmt.Errorf("%w: cement arrival_date is required", shared.ErrValidation)
		}
	case CategoryIron:
		a := attrs.Iron
		if a == nil {
			return fmt.Errorf("%w: iron product requires iron attributes", shared.ErrValidation)
		}
		if err := requireFields(map[string]string{
			"type":   a.Type,
			"size":   a.Size,
			"length": a.Length,
			"weight": a.Weight,
			"brand":  a.Brand,
		}); err != nil {
			return err
		}
	case CategoryWood:
		a := attrs.Wood
		if a == nil {
			return fmt.Errorf("%w: wood product requires wood attributes", shared.ErrValidation)
		}
		if err := requireFields(map[string]string{
			"type":          a.Type,
			"dimensions":    a.Dimensions,
			"quality_grade": a.QualityGrade,
		}); err != nil {
			return err
		}
	case CategoryPaint:
		a := attrs.Paint
		if a == nil {
			return fmt.Errorf("%w: paint product requires paint attributes", shared.ErrValidation)
		}
		if err := requireFields(map[string]string{
			"brand":  a.Brand,
			"type":   a.Type,
			"color":  a.Color,
			"volume": a.Volume,
			"finish": a.Finish,
		}); err != nil {
			return err
		}
	default:
		return fmt.Errorf("%w: unknown category %q", shared.ErrValidation, category)
	}
	return nil
}

func requireFields(fields map[string]string) error {
	for name, value := range fields {
		if strings.TrimSpace(value) == "" {
			return fmt.Errorf("%w: attribute %s is required", shared.ErrValidation, name)
		}
	}
	return nil
}

func validatePrices(wholesale, retail decimal.Decimal, cost *decimal.Decimal) error {
	if wholesale.IsNegative() {
		return fmt.Errorf("%w: wholesale_price must be >= 0", shared.ErrValidation)
	}
	if retail.IsNegative() {
		return fmt.Errorf("%w: retail_price must be >= 0", shared.ErrValidation)
	}
	if cost != nil && cost.IsNegative() {
		return fmt.Errorf("%w: cost_per_unit must be >= 0", shared.ErrValidation)
	}
	return nil
}

func validateSource(src *SourceRef) error {
	if src == nil {
		return nil
	}
	if !src.Type.Valid() {
		return fmt.Errorf("%w: unknown source type %q", shared.ErrValidation, src.Type)
	}
	if strings.TrimSpace(src.ID) == "" {
		return fmt.Errorf("%w: source id is required when source is set", shared.ErrValidation)
	}
	return nil
}
