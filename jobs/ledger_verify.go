package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/buildmat-erp/buildmat-erp/internal/ledger"
)

// Replayer rebuilds the ledger's derived state. The ledger service provides
// the implementation.
type Replayer interface {
	Replay(ctx context.Context) (ledger.ReplayReport, error)
}

// LedgerVerifyJob replays the sale and payment records against the stored
// aggregates and repairs any drift.
type LedgerVerifyJob struct {
	Replayer Replayer
	Logger   *slog.Logger
}

// NewLedgerVerifyJob initialises the verification handler.
func NewLedgerVerifyJob(replayer Replayer, logger *slog.Logger) *LedgerVerifyJob {
	return &LedgerVerifyJob{Replayer: replayer, Logger: logger}
}

// Handle executes the verification replay.
func (j *LedgerVerifyJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Replayer == nil {
		return errors.New("ledger verify: handler not configured")
	}
	var payload LedgerVerifyPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	logger := j.Logger
	if payload.Reason != "" {
		logger = logger.With(slog.String("reason", payload.Reason))
	}
	logger.Info("starting ledger verification")

	start := time.Now()
	report, err := j.Replayer.Replay(ctx)
	if err != nil {
		logger.Error("ledger verification failed", slog.Any("error", err))
		return err
	}

	if report.SalesRepaired > 0 || report.CustomersRepaired > 0 {
		logger.Warn("ledger drift repaired",
			slog.Int("sales_repaired", report.SalesRepaired),
			slog.Int("customers_repaired", report.CustomersRepaired),
		)
	}
	logger.Info("completed ledger verification",
		slog.Int("sales_checked", report.SalesChecked),
		slog.Int("customers_checked", report.CustomersChecked),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}
