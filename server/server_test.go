package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/onnwee/points-tender/db"
	"github.com/onnwee/points-tender/monitor"
	"github.com/onnwee/points-tender/session"
)

type fakeMonitor struct {
	status   monitor.Status
	pending  bool
	requests []string
}

func (f *fakeMonitor) Status() monitor.Status { return f.status }
func (f *fakeMonitor) Healthy() bool          { return f.status.Healthy }
func (f *fakeMonitor) RequestRestart(reason string) bool {
	if f.pending {
		return false
	}
	f.pending = true
	f.requests = append(f.requests, reason)
	return true
}

type fakeEvents struct {
	rows    []db.EventRow
	counts  map[string]int
	err     error
	channel string
	limit   int
}

func (f *fakeEvents) RecentEvents(ctx context.Context, channel string, limit int) ([]db.EventRow, error) {
	f.channel, f.limit = channel, limit
	return f.rows, f.err
}

func (f *fakeEvents) BonusCounts(ctx context.Context) (map[string]int, error) {
	return f.counts, f.err
}

type fakePinger struct{ err error }

func (p fakePinger) PingContext(ctx context.Context) error { return p.err }

func healthyMonitor() *fakeMonitor {
	return &fakeMonitor{status: monitor.Status{
		Healthy:    true,
		Generation: 3,
		RunID:      "run-abc",
		Channels:   []string{"alice", "bob"},
		Sessions:   []session.Session{{ID: 1, Name: "alice", State: session.Watching, Generation: 3}},
	}}
}

func serve(t *testing.T, h *Handlers, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	t.Setenv("ADMIN_TOKEN", "")
	t.Setenv("ADMIN_USERNAME", "")
	t.Setenv("ADMIN_PASSWORD", "")
	req := httptest.NewRequest(method, path, nil)
	rr := httptest.NewRecorder()
	NewMux(ctx, h).ServeHTTP(rr, req)
	return rr
}

func TestHealthz(t *testing.T) {
	mon := healthyMonitor()
	rr := serve(t, NewHandlers(mon, nil, nil), http.MethodGet, "/healthz")
	if rr.Code != http.StatusOK || rr.Body.String() != "ok" {
		t.Fatalf("healthz = %d %q", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing X-Correlation-ID")
	}

	mon.status.Healthy = false
	if rr := serve(t, NewHandlers(mon, nil, nil), http.MethodGet, "/healthz"); rr.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy healthz = %d, want 503", rr.Code)
	}
}

func TestReadyz(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(*fakeMonitor)
		db         Pinger
		wantStatus int
		wantCheck  string
	}{
		{name: "ready", wantStatus: http.StatusOK},
		{name: "ready with db", db: fakePinger{}, wantStatus: http.StatusOK},
		{name: "no browser", mutate: func(m *fakeMonitor) { m.status.Healthy = false }, wantStatus: http.StatusServiceUnavailable, wantCheck: "browser"},
		{name: "no channels", mutate: func(m *fakeMonitor) { m.status.Channels = nil }, wantStatus: http.StatusServiceUnavailable, wantCheck: "sessions"},
		{name: "db down", db: fakePinger{err: errors.New("refused")}, wantStatus: http.StatusServiceUnavailable, wantCheck: "database"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mon := healthyMonitor()
			if tt.mutate != nil {
				tt.mutate(mon)
			}
			rr := serve(t, NewHandlers(mon, nil, tt.db), http.MethodGet, "/readyz")
			if rr.Code != tt.wantStatus {
				t.Fatalf("readyz = %d, want %d (%s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			var body map[string]string
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["failed_check"] != tt.wantCheck {
				t.Errorf("failed_check = %q, want %q", body["failed_check"], tt.wantCheck)
			}
		})
	}
}

func TestStatus(t *testing.T) {
	events := &fakeEvents{counts: map[string]int{"alice": 4}}
	rr := serve(t, NewHandlers(healthyMonitor(), events, nil), http.MethodGet, "/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Healthy    bool              `json:"healthy"`
		Generation uint64            `json:"generation"`
		RunID      string            `json:"run_id"`
		Channels   []string          `json:"channels"`
		Sessions   []json.RawMessage `json:"sessions"`
		Bonuses    map[string]int    `json:"bonuses"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Healthy || body.Generation != 3 || body.RunID != "run-abc" {
		t.Errorf("status body = %+v", body)
	}
	if len(body.Channels) != 2 || len(body.Sessions) != 1 || body.Bonuses["alice"] != 4 {
		t.Errorf("status body = %+v", body)
	}

	if rr := serve(t, NewHandlers(healthyMonitor(), nil, nil), http.MethodPost, "/status"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST /status = %d, want 405", rr.Code)
	}
}

func TestEvents(t *testing.T) {
	if rr := serve(t, NewHandlers(healthyMonitor(), nil, nil), http.MethodGet, "/events"); rr.Code != http.StatusNotFound {
		t.Errorf("events without history = %d, want 404", rr.Code)
	}

	events := &fakeEvents{rows: []db.EventRow{{ID: 1, Channel: "alice", From: "OPENING", To: "WATCHING"}}}
	rr := serve(t, NewHandlers(healthyMonitor(), events, nil), http.MethodGet, "/events?channel=alice&limit=5")
	if rr.Code != http.StatusOK {
		t.Fatalf("events = %d", rr.Code)
	}
	if events.channel != "alice" || events.limit != 5 {
		t.Errorf("query passed channel=%q limit=%d", events.channel, events.limit)
	}
	if !strings.Contains(rr.Body.String(), `"to":"WATCHING"`) {
		t.Errorf("body = %s", rr.Body.String())
	}

	empty := &fakeEvents{}
	rr = serve(t, NewHandlers(healthyMonitor(), empty, nil), http.MethodGet, "/events")
	if strings.TrimSpace(rr.Body.String()) != "[]" {
		t.Errorf("empty events body = %q, want []", rr.Body.String())
	}

	failing := &fakeEvents{err: errors.New("boom")}
	if rr := serve(t, NewHandlers(healthyMonitor(), failing, nil), http.MethodGet, "/events"); rr.Code != http.StatusInternalServerError {
		t.Errorf("failing events = %d, want 500", rr.Code)
	}
}

func TestAdminRestart(t *testing.T) {
	mon := healthyMonitor()
	h := NewHandlers(mon, nil, nil)

	if rr := serve(t, h, http.MethodGet, "/admin/restart"); rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET /admin/restart = %d, want 405", rr.Code)
	}
	if rr := serve(t, h, http.MethodPost, "/admin/restart"); rr.Code != http.StatusAccepted {
		t.Fatalf("POST /admin/restart = %d, want 202", rr.Code)
	}
	if len(mon.requests) != 1 || mon.requests[0] != monitor.RestartRequested {
		t.Errorf("restart requests = %v", mon.requests)
	}
	if rr := serve(t, h, http.MethodPost, "/admin/restart"); rr.Code != http.StatusConflict {
		t.Errorf("second POST = %d, want 409", rr.Code)
	}
}

func TestAdminRestartRequiresAuth(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	t.Setenv("ADMIN_TOKEN", "secret")
	mon := healthyMonitor()
	mux := NewMux(ctx, NewHandlers(mon, nil, nil))

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/admin/restart", nil))
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated = %d, want 401", rr.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/restart", nil)
	req.Header.Set("X-Admin-Token", "secret")
	rr = httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted || len(mon.requests) != 1 {
		t.Errorf("authenticated = %d, requests = %v", rr.Code, mon.requests)
	}
}

func TestCorrelationIDReused(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Correlation-ID", "corr-123")
	rr := httptest.NewRecorder()
	NewMux(ctx, NewHandlers(healthyMonitor(), nil, nil)).ServeHTTP(rr, req)
	if got := rr.Header().Get("X-Correlation-ID"); got != "corr-123" {
		t.Errorf("X-Correlation-ID = %q, want corr-123", got)
	}
}

func TestStartAndShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Start(ctx, NewHandlers(healthyMonitor(), nil, nil), "127.0.0.1:0") }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("server returned error: %v", err)
	}
}
