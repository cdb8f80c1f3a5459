package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		cfg            authConfig
		basicUser      string
		basicPass      string
		token          string
		expectedStatus int
	}{
		{name: "no auth configured", cfg: authConfig{}, expectedStatus: http.StatusOK},
		{
			name:           "valid basic auth",
			cfg:            authConfig{adminUsername: "admin", adminPassword: "pw", enabled: true},
			basicUser:      "admin",
			basicPass:      "pw",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "wrong password",
			cfg:            authConfig{adminUsername: "admin", adminPassword: "pw", enabled: true},
			basicUser:      "admin",
			basicPass:      "nope",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "valid token",
			cfg:            authConfig{adminToken: "t0k", enabled: true},
			token:          "t0k",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "wrong token",
			cfg:            authConfig{adminToken: "t0k", enabled: true},
			token:          "other",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "token configured, basic sent",
			cfg:            authConfig{adminToken: "t0k", enabled: true},
			basicUser:      "admin",
			basicPass:      "pw",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "no credentials",
			cfg:            authConfig{adminUsername: "admin", adminPassword: "pw", adminToken: "t0k", enabled: true},
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			req := httptest.NewRequest(http.MethodPost, "/admin/restart", nil)
			if tt.basicUser != "" {
				req.SetBasicAuth(tt.basicUser, tt.basicPass)
			}
			if tt.token != "" {
				req.Header.Set("X-Admin-Token", tt.token)
			}
			rr := httptest.NewRecorder()
			adminAuth(okHandler, &cfg).ServeHTTP(rr, req)
			if rr.Code != tt.expectedStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.expectedStatus)
			}
			if rr.Code == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("missing WWW-Authenticate header")
			}
		})
	}
}

func TestLoadAuthConfig(t *testing.T) {
	t.Setenv("ADMIN_USERNAME", "admin")
	t.Setenv("ADMIN_PASSWORD", "")
	t.Setenv("ADMIN_TOKEN", "")
	if loadAuthConfig().enabled {
		t.Error("username without password should not enable auth")
	}
	t.Setenv("ADMIN_TOKEN", "x")
	if !loadAuthConfig().enabled {
		t.Error("token should enable auth")
	}
}

func newTestLimiter(t *testing.T, n int) (*ipRateLimiter, *time.Time) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	rl := newIPRateLimiter(ctx, &rateLimiterConfig{enabled: true, requestsPerIP: n, window: time.Minute})
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }
	return rl, &now
}

func TestRateLimiterWindow(t *testing.T) {
	rl, now := newTestLimiter(t, 3)

	for i := 0; i < 3; i++ {
		if !rl.allow("10.0.0.1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if rl.allow("10.0.0.1") {
		t.Error("4th request within the window should be denied")
	}
	if !rl.allow("10.0.0.2") {
		t.Error("other IPs have their own budget")
	}

	*now = now.Add(61 * time.Second)
	if !rl.allow("10.0.0.1") {
		t.Error("budget should reset after the window")
	}
}

func TestRateLimiterSweep(t *testing.T) {
	rl, now := newTestLimiter(t, 3)
	rl.allow("10.0.0.1")
	*now = now.Add(2 * time.Minute)
	rl.sweep()
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.hits) != 0 {
		t.Errorf("idle callers not swept: %v", rl.hits)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := &ipRateLimiter{cfg: &rateLimiterConfig{enabled: false, requestsPerIP: 1, window: time.Minute}, now: time.Now, hits: map[string][]time.Time{}}
	for i := 0; i < 5; i++ {
		if !rl.allow("10.0.0.1") {
			t.Fatal("disabled limiter should allow everything")
		}
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
		want       string
	}{
		{name: "ipv4 with port", remoteAddr: "192.0.2.1:1234", want: "192.0.2.1"},
		{name: "ipv4 without port", remoteAddr: "192.0.2.1", want: "192.0.2.1"},
		{name: "ipv6 with port", remoteAddr: "[2001:db8::1]:443", want: "2001:db8::1"},
		{name: "ipv6 without port", remoteAddr: "2001:db8::1", want: "2001:db8::1"},
		{name: "forwarded list", remoteAddr: "10.0.0.1:80", forwarded: "203.0.113.5, 10.0.0.1", want: "203.0.113.5"},
		{name: "forwarded ipv6", remoteAddr: "10.0.0.1:80", forwarded: "[2001:db8::2]:5000", want: "2001:db8::2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.forwarded != "" {
				req.Header.Set("X-Forwarded-For", tt.forwarded)
			}
			if got := clientIP(req); got != tt.want {
				t.Errorf("clientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	rl, _ := newTestLimiter(t, 2)
	h := rateLimitMiddleware(okHandler, rl)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/admin/restart", nil)
		req.RemoteAddr = "[2001:db8::1]:5555"
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
		if rr.Code == http.StatusTooManyRequests && rr.Header().Get("Retry-After") != "60" {
			t.Errorf("Retry-After = %q, want 60", rr.Header().Get("Retry-After"))
		}
	}
	if codes[0] != 200 || codes[1] != 200 || codes[2] != http.StatusTooManyRequests {
		t.Errorf("status codes = %v, want [200 200 429]", codes)
	}
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name       string
		cfg        corsConfig
		origin     string
		wantOrigin string
	}{
		{name: "permissive", cfg: corsConfig{permissive: true}, origin: "http://x.test", wantOrigin: "*"},
		{name: "allowed exact", cfg: corsConfig{allowedOrigins: []string{"https://ui.test"}}, origin: "https://ui.test", wantOrigin: "https://ui.test"},
		{name: "allowed wildcard", cfg: corsConfig{allowedOrigins: []string{"*.example.com"}}, origin: "https://app.example.com", wantOrigin: "https://app.example.com"},
		{name: "denied", cfg: corsConfig{allowedOrigins: []string{"https://ui.test"}}, origin: "https://evil.test", wantOrigin: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			req.Header.Set("Origin", tt.origin)
			rr := httptest.NewRecorder()
			withCORSConfig(okHandler, &cfg).ServeHTTP(rr, req)
			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.wantOrigin {
				t.Errorf("Allow-Origin = %q, want %q", got, tt.wantOrigin)
			}
		})
	}
}

func TestCORSPreflight(t *testing.T) {
	req := httptest.NewRequest(http.MethodOptions, "/admin/restart", nil)
	rr := httptest.NewRecorder()
	withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("preflight should not reach the handler")
	}), &corsConfig{permissive: true}).ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", rr.Code)
	}
}

func TestLoadCORSConfig(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("CORS_PERMISSIVE", "")
	t.Setenv("CORS_ALLOWED_ORIGINS", " https://a.test , ,https://b.test")
	cfg := loadCORSConfig()
	if cfg.permissive {
		t.Error("production should not be permissive")
	}
	if len(cfg.allowedOrigins) != 2 {
		t.Errorf("allowedOrigins = %v", cfg.allowedOrigins)
	}
	t.Setenv("CORS_PERMISSIVE", "true")
	if !loadCORSConfig().permissive {
		t.Error("CORS_PERMISSIVE=true should override ENV")
	}
}

func TestParseInt(t *testing.T) {
	if parseInt(" 42 ", 1) != 42 || parseInt("x", 7) != 7 || parseInt("", 3) != 3 {
		t.Error("parseInt mismatch")
	}
}
