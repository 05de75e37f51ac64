// Package api exposes report jobs and per-store metrics over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/storemon/internal/ingest"
	"github.com/kalambet/storemon/internal/monitor"
	"github.com/kalambet/storemon/internal/report"
)

// Reports is the report job surface used by the handlers.
type Reports interface {
	Trigger(ctx context.Context) (string, error)
	Fetch(ctx context.Context, id string) (report.Job, error)
}

// StoreComputer computes the rows of a single store.
type StoreComputer interface {
	ComputeStore(ctx context.Context, storeID string, now time.Time) ([]monitor.Row, error)
}

// Importer re-runs the configured CSV import.
type Importer interface {
	RunOnce(ctx context.Context) (ingest.Summary, error)
}

type Deps struct {
	Reports  Reports
	Stores   StoreComputer
	Importer Importer // optional; if nil, POST /import returns 404
	Metrics  bool
	Now      func() time.Time
}

// NewHandler returns the HTTP surface of the service.
func NewHandler(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()
	r.Use(RequestLogger)

	r.Get("/health", handleHealth)
	if deps.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	r.Get("/trigger_report", handleTrigger(deps))
	r.Post("/trigger_report", handleTrigger(deps))
	r.Get("/get_report", handleGetReport(deps))
	r.Get("/reports/{id}", handleGetJob(deps))
	r.Get("/stores/{id}/metrics", handleStoreMetrics(deps))
	if deps.Importer != nil {
		r.Post("/import", handleImport(deps))
	}

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
