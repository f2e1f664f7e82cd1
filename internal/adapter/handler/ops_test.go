package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/hive-corporation/watchtower-enrich/internal/adapter/repository"
	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
	"github.com/hive-corporation/watchtower-enrich/internal/core/service"
	"github.com/hive-corporation/watchtower-enrich/internal/quota"
)

type staticRuns struct {
	summary service.Summary
	ok      bool
}

func (s staticRuns) LastSummary() (service.Summary, bool) { return s.summary, s.ok }

type downStore struct{ *repository.MemoryRepository }

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func serve(t *testing.T, h *OpsHandler, method, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	h.Router().ServeHTTP(rr, req)
	return rr
}

func TestHealth(t *testing.T) {
	h := NewOpsHandler(repository.NewMemoryRepository(), nil, nil, "secret", nil)
	rr := serve(t, h, "GET", "/api/v1/health", "")
	assert.Equal(t, http.StatusOK, rr.Code, "health skips auth")

	down := NewOpsHandler(downStore{repository.NewMemoryRepository()}, nil, nil, "", nil)
	rr = serve(t, down, "GET", "/api/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.Contains(t, rr.Body.String(), "unhealthy")
}

func TestAuthMiddleware(t *testing.T) {
	h := NewOpsHandler(repository.NewMemoryRepository(), nil, nil, "secret", nil)

	assert.Equal(t, http.StatusUnauthorized, serve(t, h, "GET", "/api/v1/quota", "").Code)
	assert.Equal(t, http.StatusUnauthorized, serve(t, h, "GET", "/api/v1/quota", "wrong").Code)
	assert.Equal(t, http.StatusOK, serve(t, h, "GET", "/api/v1/quota", "secret").Code)
}

func TestLastRun(t *testing.T) {
	h := NewOpsHandler(repository.NewMemoryRepository(), staticRuns{}, nil, "", nil)
	assert.Equal(t, http.StatusNotFound, serve(t, h, "GET", "/api/v1/ingestion/last", "").Code)

	summary := service.Summary{Status: service.RunPartial, Persisted: 7, PersistFailed: 1}
	h = NewOpsHandler(repository.NewMemoryRepository(), staticRuns{summary: summary, ok: true}, nil, "", nil)
	rr := serve(t, h, "GET", "/api/v1/ingestion/last", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var got map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, "partial", got["status"])
	assert.Equal(t, float64(7), got["persisted"])
}

func TestQuota(t *testing.T) {
	tracker := quota.NewTracker(map[string]quota.Limit{"virustotal": {DailyLimit: 500, MinInterval: 15 * time.Second}})
	h := NewOpsHandler(repository.NewMemoryRepository(), nil, tracker, "", nil)

	rr := serve(t, h, "GET", "/api/v1/quota", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var got struct {
		Providers []quota.QuotaState `json:"providers"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	require.Len(t, got.Providers, 1)
	assert.Equal(t, "virustotal", got.Providers[0].Provider)
	assert.Equal(t, 500, got.Providers[0].RemainingCalls)
}

func TestCheckIndicator(t *testing.T) {
	store := repository.NewMemoryRepository()
	rec := domain.NewIndicatorRecord(domain.RawIndicator{Value: "evil.example", TypeHint: domain.Domain}, time.Now())
	require.NoError(t, store.Upsert(context.Background(), rec))
	h := NewOpsHandler(store, nil, nil, "", nil)

	rr := serve(t, h, "GET", "/api/v1/indicators/check?value=EVIL.example", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"exists":true`)
	assert.Contains(t, rr.Body.String(), rec.CorrelationID.String())

	rr = serve(t, h, "GET", "/api/v1/indicators/check?value=other.example", "")
	assert.Contains(t, rr.Body.String(), `"exists":false`)

	assert.Equal(t, http.StatusBadRequest, serve(t, h, "GET", "/api/v1/indicators/check", "").Code)
}

func TestHealthServer_ObserveRun(t *testing.T) {
	hs := NewHealthServer()
	check := func() healthpb.HealthCheckResponse_ServingStatus {
		resp, err := hs.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
		require.NoError(t, err)
		return resp.Status
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
	hs.ObserveRun(service.Summary{Status: service.RunFailed})
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check())
	hs.ObserveRun(service.Summary{Status: service.RunPartial})
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check())
}
