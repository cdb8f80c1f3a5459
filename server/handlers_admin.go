package server

import (
	"log/slog"
	"net/http"

	"github.com/onnwee/points-tender/monitor"
	"github.com/onnwee/points-tender/telemetry"
)

// HandleAdminRestart schedules a browser restart. The restart runs on the
// scheduler goroutine; the response only acknowledges the request.
func (h *Handlers) HandleAdminRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	log := telemetry.LoggerWithCorr(r.Context())
	if !h.mon.RequestRestart(monitor.RestartRequested) {
		log.Info("restart already pending", slog.String("component", "http_admin"))
		writeJSON(w, http.StatusConflict, map[string]string{"status": "already_pending"})
		return
	}
	log.Info("restart requested", slog.String("remote_addr", r.RemoteAddr), slog.String("component", "http_admin"))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}
