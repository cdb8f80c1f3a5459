package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

// MockTwitchServer fakes the Helix endpoints the live gate uses plus the
// client-credentials token endpoint. Point HelixClient.BaseURL at HelixURL()
// and TokenSource.TokenURL at TokenURL().
type MockTwitchServer struct {
	*httptest.Server

	mu       sync.Mutex
	live     map[string]bool
	users    map[string]string
	token    string
	requests map[string]int
}

// NewMockTwitchServer creates a mock server that issues the token "mock-token".
func NewMockTwitchServer(t *testing.T) *MockTwitchServer {
	t.Helper()
	m := &MockTwitchServer{
		live:     make(map[string]bool),
		users:    make(map[string]string),
		token:    "mock-token",
		requests: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", m.handleToken)
	mux.HandleFunc("/helix/streams", m.authorized(m.handleStreams))
	mux.HandleFunc("/helix/users", m.authorized(m.handleUsers))
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests[r.URL.Path]++
		m.mu.Unlock()
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(m.Close)
	return m
}

// HelixURL is the Helix API root on the mock.
func (m *MockTwitchServer) HelixURL() string { return m.URL + "/helix" }

// TokenURL is the token endpoint on the mock.
func (m *MockTwitchServer) TokenURL() string { return m.URL + "/oauth2/token" }

// SetLive replaces the set of live logins.
func (m *MockTwitchServer) SetLive(logins ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.live = make(map[string]bool, len(logins))
	for _, l := range logins {
		m.live[strings.ToLower(l)] = true
	}
}

// AddUser registers a login for /helix/users.
func (m *MockTwitchServer) AddUser(login, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[strings.ToLower(login)] = id
}

// RotateToken makes previously issued tokens invalid.
func (m *MockTwitchServer) RotateToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
}

// Requests returns how many requests hit path.
func (m *MockTwitchServer) Requests(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[path]
}

func (m *MockTwitchServer) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		want := "Bearer " + m.token
		m.mu.Unlock()
		if r.Header.Get("Authorization") != want || r.Header.Get("Client-Id") == "" {
			http.Error(w, `{"error":"Unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (m *MockTwitchServer) handleToken(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	tok := m.token
	m.mu.Unlock()
	writeMockJSON(w, map[string]any{"access_token": tok, "expires_in": 3600, "token_type": "bearer"})
}

func (m *MockTwitchServer) handleStreams(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := []map[string]any{}
	for _, login := range r.URL.Query()["user_login"] {
		if m.live[strings.ToLower(login)] {
			data = append(data, map[string]any{"user_login": login, "type": "live", "title": login + " live"})
		}
	}
	writeMockJSON(w, map[string]any{"data": data})
}

func (m *MockTwitchServer) handleUsers(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data := []map[string]string{}
	login := strings.ToLower(r.URL.Query().Get("login"))
	if id, ok := m.users[login]; ok {
		data = append(data, map[string]string{"id": id, "login": login})
	}
	writeMockJSON(w, map[string]any{"data": data})
}

func writeMockJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
