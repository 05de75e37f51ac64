package api

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/storemon/internal/export"
	"github.com/kalambet/storemon/internal/monitor"
	"github.com/kalambet/storemon/internal/report"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type triggerResponse struct {
	ReportID string `json:"report_id"`
}

type statusResponse struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func handleTrigger(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := deps.Reports.Trigger(r.Context())
		if errors.Is(err, report.ErrQueueFull) {
			w.Header().Set("Retry-After", "5")
			httpError(w, http.StatusServiceUnavailable, "overloaded_error", "report %s rejected: %v", id, err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to trigger report: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, triggerResponse{ReportID: id})
	}
}

// handleGetReport answers polls. Running and Error jobs get a status body;
// Complete jobs get the rows in the requested format, CSV by default.
func handleGetReport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.URL.Query().Get("report_id")
		if id == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "report_id is required")
			return
		}
		format := r.URL.Query().Get("format")
		if format == "" {
			format = "csv"
		}
		if format != "csv" && format != "json" && format != "xlsx" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "unsupported format %q", format)
			return
		}

		job, ok := fetchJob(w, r, deps, id)
		if !ok {
			return
		}
		if job.Status != report.StatusComplete {
			writeJSON(w, http.StatusOK, statusResponse{Status: job.Status, Error: job.Error})
			return
		}

		switch format {
		case "json":
			writeJSON(w, http.StatusOK, job)
		case "xlsx":
			data, err := export.BuildXLSX(job)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "building workbook: %v", err)
				return
			}
			attachment(w, xlsxContentType, export.Filename(id, "xlsx"))
			w.Write(data)
		default:
			// Buffer so a write failure can still become an error response.
			var buf bytes.Buffer
			if err := export.WriteCSV(&buf, job.Rows); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "encoding csv: %v", err)
				return
			}
			attachment(w, "text/csv", export.Filename(id, "csv"))
			w.Write(buf.Bytes())
		}
	}
}

func handleGetJob(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := fetchJob(w, r, deps, chi.URLParam(r, "id"))
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func fetchJob(w http.ResponseWriter, r *http.Request, deps Deps, id string) (report.Job, bool) {
	job, err := deps.Reports.Fetch(r.Context(), id)
	if errors.Is(err, report.ErrJobNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "report not found")
		return report.Job{}, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get report: %v", err)
		return report.Job{}, false
	}
	return job, true
}

func attachment(w http.ResponseWriter, contentType, filename string) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)
}

// handleStoreMetrics computes one store synchronously. An optional "at"
// query parameter (RFC 3339) replaces the current time.
func handleStoreMetrics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		storeID := chi.URLParam(r, "id")

		now := deps.Now()
		if at := r.URL.Query().Get("at"); at != "" {
			t, err := time.Parse(time.RFC3339, at)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid at: %v", err)
				return
			}
			now = t
		}

		rows, err := deps.Stores.ComputeStore(r.Context(), storeID, now)
		if errors.Is(err, monitor.ErrUnknownStore) {
			httpError(w, http.StatusNotFound, "not_found", "store %s: %v", storeID, err)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "computing store %s: %v", storeID, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"store_id": storeID,
			"at":       now.UTC(),
			"rows":     rows,
		})
	}
}

func handleImport(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sum, err := deps.Importer.RunOnce(r.Context())
		if err != nil {
			slog.Error("import failed", "error", err)
			httpError(w, http.StatusInternalServerError, "api_error", "import failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	}
}
