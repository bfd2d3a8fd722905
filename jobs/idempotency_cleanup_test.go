package jobs

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPruner struct {
	calls     int
	olderThan time.Duration
}

func (s *stubPruner) Cleanup(_ context.Context, olderThan time.Duration) error {
	s.calls++
	s.olderThan = olderThan
	return nil
}

func TestIdempotencyCleanupUsesPayloadRetention(t *testing.T) {
	pruner := &stubPruner{}
	job := NewIdempotencyCleanupJob(pruner, slog.Default(), 168*time.Hour)

	task, err := NewIdempotencyCleanupTask(24)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, 1, pruner.calls)
	assert.Equal(t, 24*time.Hour, pruner.olderThan)
}

func TestIdempotencyCleanupFallsBackToDefault(t *testing.T) {
	pruner := &stubPruner{}
	job := NewIdempotencyCleanupJob(pruner, slog.Default(), 168*time.Hour)

	task, err := NewIdempotencyCleanupTask(0)
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))

	assert.Equal(t, 168*time.Hour, pruner.olderThan)
}
