package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// MockOsuServer creates a test server that mocks osu! API v2 and OAuth responses.
// Handlers are keyed by path; requests are recorded for later assertions.
type MockOsuServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc

	mu       sync.Mutex
	requests []*http.Request
}

// NewMockOsuServer creates a new mock osu! server.
func NewMockOsuServer(t *testing.T) *MockOsuServer {
	t.Helper()
	m := &MockOsuServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.requests = append(m.requests, r.Clone(r.Context()))
		handler, ok := m.Handlers[r.URL.Path]
		m.mu.Unlock()
		if ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

// Handle registers a handler for path.
func (m *MockOsuServer) Handle(path string, h http.HandlerFunc) {
	m.mu.Lock()
	m.Handlers[path] = h
	m.mu.Unlock()
}

// Requests returns the recorded requests for path.
func (m *MockOsuServer) Requests(path string) []*http.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*http.Request
	for _, r := range m.requests {
		if r.URL.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// MockBulkUsers answers /api/v2/users with one user per requested id, named "user<id>",
// whose osu! pp equals the id.
func (m *MockOsuServer) MockBulkUsers() {
	m.Handle("/api/v2/users", func(w http.ResponseWriter, r *http.Request) {
		users := []map[string]interface{}{}
		for _, raw := range r.URL.Query()["ids[]"] {
			id, _ := strconv.ParseInt(raw, 10, 64)
			users = append(users, map[string]interface{}{
				"id":       id,
				"username": "user" + raw,
				"statistics_rulesets": map[string]interface{}{
					"osu": map[string]interface{}{"pp": float64(id), "global_rank": 1000 + id},
				},
			})
		}
		writeJSON(w, map[string]interface{}{"users": users})
	})
}

// MockRooms answers /api/v2/rooms with the given rooms.
func (m *MockOsuServer) MockRooms(rooms []map[string]interface{}) {
	m.Handle("/api/v2/rooms", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, rooms)
	})
}

// MockMe answers /api/v2/me with the given user.
func (m *MockOsuServer) MockMe(id int64, username string) {
	m.Handle("/api/v2/me", func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, map[string]interface{}{"id": id, "username": username, "playmode": "osu"})
	})
}

// MockOAuthTokenResponse answers /oauth/token for every grant type.
func (m *MockOsuServer) MockOAuthTokenResponse(accessToken, refreshToken string, expiresIn int) {
	m.Handle("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		response := map[string]interface{}{
			"access_token": accessToken,
			"expires_in":   expiresIn,
			"token_type":   "Bearer",
		}
		if refreshToken != "" {
			response["refresh_token"] = refreshToken
		}
		writeJSON(w, response)
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // test mock response
}
