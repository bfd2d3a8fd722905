// Package jobs holds the background tasks: the nightly ledger verification
// replay and the low stock scan, both run through Asynq.
package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskLedgerVerify replays the ledger and repairs derived state drift.
	TaskLedgerVerify = "ledger:verify"
	// TaskLowStockScan reports products below the reorder threshold.
	TaskLowStockScan = "stock:lowscan"
	// TaskIdempotencyCleanup prunes idempotency keys past their retention.
	TaskIdempotencyCleanup = "ledger:idemclean"
)

// LedgerVerifyPayload configures a verification run.
type LedgerVerifyPayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewLedgerVerifyTask constructs an Asynq task for ledger verification.
func NewLedgerVerifyTask(reason string) (*asynq.Task, error) {
	data, err := json.Marshal(LedgerVerifyPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLedgerVerify, data), nil
}

// LowStockScanPayload configures a stock scan run. A zero threshold falls
// back to the configured default.
type LowStockScanPayload struct {
	Threshold int64 `json:"threshold,omitempty"`
}

// NewLowStockScanTask constructs an Asynq task for the low stock scan.
func NewLowStockScanTask(threshold int64) (*asynq.Task, error) {
	data, err := json.Marshal(LowStockScanPayload{Threshold: threshold})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskLowStockScan, data), nil
}

// IdempotencyCleanupPayload configures a key pruning run. A zero retention
// falls back to the configured default.
type IdempotencyCleanupPayload struct {
	RetentionHours int64 `json:"retention_hours,omitempty"`
}

// NewIdempotencyCleanupTask constructs an Asynq task for idempotency key
// pruning.
func NewIdempotencyCleanupTask(retentionHours int64) (*asynq.Task, error) {
	data, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: retentionHours})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, data), nil
}
