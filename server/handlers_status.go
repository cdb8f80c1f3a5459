package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/onnwee/points-tender/db"
	"github.com/onnwee/points-tender/monitor"
	"github.com/onnwee/points-tender/telemetry"
)

// statusResponse is the supervisor snapshot plus stored bonus totals.
type statusResponse struct {
	monitor.Status
	Bonuses map[string]int `json:"bonuses,omitempty"`
}

// HandleStatus returns the supervisor snapshot, plus per-channel bonus totals
// when history is configured.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp := statusResponse{Status: h.mon.Status()}
	if h.events != nil {
		counts, err := h.events.BonusCounts(r.Context())
		if err != nil {
			telemetry.LoggerWithCorr(r.Context()).Warn("bonus counts failed", slog.Any("err", err), slog.String("component", "http"))
		} else {
			resp.Bonuses = counts
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleEvents lists recent session transitions: ?channel=&limit=.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.events == nil {
		http.Error(w, "history not configured", http.StatusNotFound)
		return
	}
	limit := parseIntQuery(r, "limit", 100)
	rows, err := h.events.RecentEvents(r.Context(), r.URL.Query().Get("channel"), limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("list events failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []db.EventRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// parseIntQuery extracts an int parameter from the query string with a default value.
func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}
