package server

import (
	"encoding/json"
	"errors"
	"net/http"
)

// HandleHealthz answers liveness probes: ok while the supervisor holds a
// live browser.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if !h.mon.Healthy() {
		http.Error(w, "unhealthy", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz runs the readiness checks in order and reports the first failure.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"browser", func() error {
			if !h.mon.Healthy() {
				return errors.New("no live browser context")
			}
			return nil
		}},
		{"sessions", func() error {
			if len(h.mon.Status().Channels) == 0 {
				return errors.New("no desired channels")
			}
			return nil
		}},
	}
	if h.db != nil {
		checks = append(checks, struct {
			name string
			fn   func() error
		}{"database", func() error { return h.db.PingContext(r.Context()) }})
	}

	w.Header().Set("Content-Type", "application/json")
	for _, check := range checks {
		if err := check.fn(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
}
