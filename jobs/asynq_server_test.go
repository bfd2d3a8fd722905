package jobs

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientEnqueuesTasks(t *testing.T) {
	srv := miniredis.RunT(t)
	client, err := NewClient(asynq.RedisClientOpt{Addr: srv.Addr()})
	require.NoError(t, err)
	defer client.Close()

	info, err := client.EnqueueLedgerVerify(context.Background(), "manual")
	require.NoError(t, err)
	assert.Equal(t, TaskLedgerVerify, info.Type)

	info, err = client.EnqueueLowStockScan(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, TaskLowStockScan, info.Type)
}

func TestEnqueueEndpointsAcceptTasks(t *testing.T) {
	srv := miniredis.RunT(t)
	client, err := NewClient(asynq.RedisClientOpt{Addr: srv.Addr()})
	require.NoError(t, err)
	defer client.Close()

	h := NewHandler(nil, client, slog.Default())
	r := chi.NewRouter()
	r.Route("/jobs", h.MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/verify", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), TaskLedgerVerify)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/scan?threshold=5", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), TaskLowStockScan)
}

func TestEnqueueWithoutClientIsUnavailable(t *testing.T) {
	h := NewHandler(nil, nil, slog.Default())
	r := chi.NewRouter()
	r.Route("/jobs", h.MountRoutes)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/jobs/verify", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
