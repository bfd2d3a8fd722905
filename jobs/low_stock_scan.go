package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/buildmat-erp/buildmat-erp/internal/catalog"
)

// StockLister pages through the catalog. The catalog repository provides
// the implementation.
type StockLister interface {
	List(ctx context.Context, filters catalog.ListFilters) ([]catalog.Product, int, error)
}

// LowStockScanJob logs every active product whose stock sits below the
// reorder threshold so the morning shift knows what to restock.
type LowStockScanJob struct {
	Stock            StockLister
	Logger           *slog.Logger
	DefaultThreshold int64
}

// NewLowStockScanJob initialises the scan handler.
func NewLowStockScanJob(stock StockLister, logger *slog.Logger, defaultThreshold int64) *LowStockScanJob {
	return &LowStockScanJob{Stock: stock, Logger: logger, DefaultThreshold: defaultThreshold}
}

// Handle executes the low stock scan.
func (j *LowStockScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Stock == nil {
		return errors.New("low stock scan: handler not configured")
	}
	var payload LowStockScanPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	threshold := payload.Threshold
	if threshold <= 0 {
		threshold = j.DefaultThreshold
	}

	page := 1
	found := 0
	for {
		products, total, err := j.Stock.List(ctx, catalog.ListFilters{
			LowStockBelow: threshold,
			Page:          page,
			Limit:         100,
		})
		if err != nil {
			j.Logger.Error("low stock scan failed", slog.Any("error", err))
			return err
		}
		for _, p := range products {
			j.Logger.Warn("low stock",
				slog.String("product_id", p.ID),
				slog.String("name", p.Name),
				slog.String("category", string(p.Category)),
				slog.Int64("stock", p.StockQuantity),
				slog.Int64("threshold", threshold),
			)
		}
		found += len(products)
		if found >= total || len(products) == 0 {
			break
		}
		page++
	}

	j.Logger.Info("completed low stock scan",
		slog.Int64("threshold", threshold),
		slog.Int("products_below", found),
	)
	return nil
}
