package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hive-corporation/watchtower-enrich/internal/core/domain"
	"github.com/hive-corporation/watchtower-enrich/internal/core/ports"
	"github.com/hive-corporation/watchtower-enrich/internal/core/service"
	"github.com/hive-corporation/watchtower-enrich/internal/quota"
)

// RunReporter exposes the outcome of the last ingestion run.
type RunReporter interface {
	LastSummary() (service.Summary, bool)
}

// QuotaReporter exposes per-provider budget state.
type QuotaReporter interface {
	Snapshots() []quota.QuotaState
}

// OpsHandler serves the operational surface of the ingester: health, last
// run report, provider quotas and single indicator lookups.
type OpsHandler struct {
	store  ports.IndicatorStore
	runs   RunReporter
	quotas QuotaReporter
	token  string
	logger *zap.SugaredLogger
}

func NewOpsHandler(store ports.IndicatorStore, runs RunReporter, quotas QuotaReporter, authToken string, logger *zap.SugaredLogger) *OpsHandler {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &OpsHandler{store: store, runs: runs, quotas: quotas, token: authToken, logger: logger}
}

// Router wires the ops endpoints on a gorilla/mux router.
func (h *OpsHandler) Router() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/api/v1/health", h.Health).Methods("GET")
	router.HandleFunc("/api/v1/ingestion/last", h.LastRun).Methods("GET")
	router.HandleFunc("/api/v1/quota", h.Quota).Methods("GET")
	router.HandleFunc("/api/v1/indicators/check", h.CheckIndicator).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	router.Use(h.loggingMiddleware)
	router.Use(h.authMiddleware)
	return router
}

// Health reports healthy only when the persistence sink answers a ping.
func (h *OpsHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "watchtower-enrich",
	}
	if err := h.store.Ping(ctx); err != nil {
		response["status"] = "unhealthy"
		response["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (h *OpsHandler) LastRun(w http.ResponseWriter, r *http.Request) {
	if h.runs == nil {
		writeError(w, http.StatusNotFound, "no ingestion run recorded")
		return
	}
	summary, ok := h.runs.LastSummary()
	if !ok {
		writeError(w, http.StatusNotFound, "no ingestion run recorded")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (h *OpsHandler) Quota(w http.ResponseWriter, r *http.Request) {
	if h.quotas == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"providers": []quota.QuotaState{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": h.quotas.Snapshots()})
}

// CheckIndicator returns the stored record for ?value=, or exists=false.
func (h *OpsHandler) CheckIndicator(w http.ResponseWriter, r *http.Request) {
	value := r.URL.Query().Get("value")
	if value == "" {
		writeError(w, http.StatusBadRequest, "missing 'value' parameter")
		return
	}
	reader, ok := h.store.(ports.IndicatorReader)
	if !ok {
		writeError(w, http.StatusNotImplemented, "store does not support lookups")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if t := domain.DetectIOCType(value); t != "" {
		value = domain.NormalizeIOCValue(value, t)
	}
	rec, err := reader.FindByValue(ctx, value)
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"exists": false, "value": value})
		return
	}
	if err != nil {
		h.logger.Errorw("indicator lookup failed", "value", value, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to query indicator")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"exists": true, "record": rec})
}

func (h *OpsHandler) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		h.logger.Debugw("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

// authMiddleware requires a bearer token on everything except health. An
// empty token disables auth (development mode).
func (h *OpsHandler) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.token == "" || r.URL.Path == "/api/v1/health" {
			next.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+h.token {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
