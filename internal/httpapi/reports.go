package httpapi

import (
	"net/http"
	"strconv"

	"github.com/deepdive-labs/deepdive/internal/reports"
)

// ListReports handles GET /api/v1/reports?limit=n
func (h *Handler) ListReports(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		h.sendError(w, "Report storage is not configured", http.StatusServiceUnavailable)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.sendError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	list, err := h.reports.List(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if list == nil {
		list = []reports.Meta{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"reports": list,
		"count":   len(list),
	})
}

// GetReport handles GET /api/v1/reports/{filename}. With ?format=markdown
// the raw report is returned instead of JSON.
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	if h.reports == nil {
		h.sendError(w, "Report storage is not configured", http.StatusServiceUnavailable)
		return
	}
	report, err := h.reports.Get(r.Context(), r.PathValue("filename"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if r.URL.Query().Get("format") == "markdown" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(report.Content))
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}
