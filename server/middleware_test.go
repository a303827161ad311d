package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
}

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		username       string
		password       string
		token          string
		reqUsername    string
		reqPassword    string
		reqToken       string
		expectedStatus int
	}{
		{name: "no auth configured allows request", expectedStatus: http.StatusOK},
		{name: "valid basic auth", username: "admin", password: "secret123", reqUsername: "admin", reqPassword: "secret123", expectedStatus: http.StatusOK},
		{name: "invalid basic auth username", username: "admin", password: "secret123", reqUsername: "wrong", reqPassword: "secret123", expectedStatus: http.StatusUnauthorized},
		{name: "invalid basic auth password", username: "admin", password: "secret123", reqUsername: "admin", reqPassword: "wrong", expectedStatus: http.StatusUnauthorized},
		{name: "valid token auth", token: "test-token-12345", reqToken: "test-token-12345", expectedStatus: http.StatusOK},
		{name: "invalid token auth", token: "test-token-12345", reqToken: "wrong-token", expectedStatus: http.StatusUnauthorized},
		{
			name:     "token auth takes precedence over basic auth",
			username: "admin", password: "secret123", token: "test-token-12345",
			reqToken: "test-token-12345", reqUsername: "wrong", reqPassword: "wrong",
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &authConfig{
				adminUsername: tt.username,
				adminPassword: tt.password,
				adminToken:    tt.token,
				enabled:       (tt.username != "" && tt.password != "") || tt.token != "",
			}
			req := httptest.NewRequest(http.MethodGet, "/admin/renders", nil)
			if tt.reqUsername != "" || tt.reqPassword != "" {
				req.SetBasicAuth(tt.reqUsername, tt.reqPassword)
			}
			if tt.reqToken != "" {
				req.Header.Set("X-Admin-Token", tt.reqToken)
			}
			rr := httptest.NewRecorder()
			adminAuth(okHandler(), cfg).ServeHTTP(rr, req)

			assert.Equal(t, tt.expectedStatus, rr.Code)
			if tt.expectedStatus == http.StatusUnauthorized {
				assert.NotEmpty(t, rr.Header().Get("WWW-Authenticate"))
			}
		})
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{
		enabled:       true,
		requestsPerIP: 3,
		window:        100 * time.Millisecond,
	})

	for i := 0; i < 3; i++ {
		assert.True(t, limiter.allow("192.168.1.1"), "request %d should be allowed", i+1)
	}
	assert.False(t, limiter.allow("192.168.1.1"), "request 4 should be denied")

	time.Sleep(150 * time.Millisecond)
	assert.True(t, limiter.allow("192.168.1.1"), "bucket should refill after the window")
}

func TestRateLimiterDifferentIPs(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{enabled: true, requestsPerIP: 2, window: time.Minute})

	for _, ip := range []string{"192.168.1.1", "192.168.1.2"} {
		assert.True(t, limiter.allow(ip))
		assert.True(t, limiter.allow(ip))
	}
	assert.False(t, limiter.allow("192.168.1.1"))
	assert.False(t, limiter.allow("192.168.1.2"))
}

func TestRateLimiterDisabled(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{enabled: false, requestsPerIP: 1, window: time.Second})
	for i := 0; i < 100; i++ {
		if !limiter.allow("192.168.1.1") {
			t.Fatalf("request %d denied with limiter disabled", i+1)
		}
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{enabled: true, requestsPerIP: 2, window: time.Second})
	limiter.allow("192.168.1.1")

	limiter.cleanup(time.Now())
	assert.Len(t, limiter.visitors, 1)
	limiter.cleanup(time.Now().Add(3 * time.Second))
	assert.Empty(t, limiter.visitors)
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		forwarded  string
	}{
		{name: "remote addr", remoteAddr: "192.168.1.1:12345"},
		{name: "x-forwarded-for first hop", remoteAddr: "10.0.0.1:12345", forwarded: "203.0.113.1, 10.0.0.2"},
		{name: "ipv6 with port", remoteAddr: "[2001:db8::1]:12345"},
		{name: "ipv6 forwarded without port", remoteAddr: "127.0.0.1:8080", forwarded: "2001:db8::42"},
		{name: "ipv4 forwarded without port", remoteAddr: "10.0.0.1:8080", forwarded: "192.0.2.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := newIPRateLimiter(context.Background(), &rateLimiterConfig{enabled: true, requestsPerIP: 2, window: time.Minute})
			handler := rateLimitMiddleware(okHandler(), limiter)

			codes := make([]int, 3)
			for i := range codes {
				req := httptest.NewRequest(http.MethodPost, "/admin/sync", nil)
				req.RemoteAddr = tt.remoteAddr
				if tt.forwarded != "" {
					req.Header.Set("X-Forwarded-For", tt.forwarded)
				}
				rr := httptest.NewRecorder()
				handler.ServeHTTP(rr, req)
				codes[i] = rr.Code
				if rr.Code == http.StatusTooManyRequests {
					assert.Equal(t, "60", rr.Header().Get("Retry-After"))
				}
			}
			assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
		})
	}
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[2001:db8::1]:443"
	assert.Equal(t, "2001:db8::1", clientIP(req))

	req.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(req))
}

func TestCORSConfig(t *testing.T) {
	tests := []struct {
		name              string
		permissive        bool
		allowedOrigins    []string
		requestOrigin     string
		expectAllowOrigin string
		expectCredentials bool
	}{
		{name: "permissive mode allows all origins", permissive: true, requestOrigin: "https://example.com", expectAllowOrigin: "*"},
		{name: "restricted mode with matching origin", allowedOrigins: []string{"https://example.com", "https://app.example.com"}, requestOrigin: "https://example.com", expectAllowOrigin: "https://example.com", expectCredentials: true},
		{name: "restricted mode with non-matching origin", allowedOrigins: []string{"https://example.com"}, requestOrigin: "https://evil.com"},
		{name: "wildcard subdomain matching", allowedOrigins: []string{"*.example.com"}, requestOrigin: "https://app.example.com", expectAllowOrigin: "https://app.example.com", expectCredentials: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := withCORSConfig(okHandler(), &corsConfig{permissive: tt.permissive, allowedOrigins: tt.allowedOrigins})
			req := httptest.NewRequest(http.MethodGet, "/leaderboard", nil)
			req.Header.Set("Origin", tt.requestOrigin)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.expectAllowOrigin, rr.Header().Get("Access-Control-Allow-Origin"))
			if tt.expectCredentials {
				assert.Equal(t, "true", rr.Header().Get("Access-Control-Allow-Credentials"))
			}
		})
	}
}

func TestCORSPreflightRequest(t *testing.T) {
	handler := withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for OPTIONS request")
	}), &corsConfig{permissive: true})

	req := httptest.NewRequest(http.MethodOptions, "/auth/osu/callback", nil)
	req.Header.Set("Origin", "https://example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.NotEmpty(t, rr.Header().Get("Access-Control-Allow-Methods"))
	assert.NotEmpty(t, rr.Header().Get("Access-Control-Allow-Headers"))
}

func TestLoadAuthConfig(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		wantEnabled bool
	}{
		{name: "no auth configured", env: map[string]string{}},
		{name: "basic auth only", env: map[string]string{"ADMIN_USERNAME": "admin", "ADMIN_PASSWORD": "secret"}, wantEnabled: true},
		{name: "username without password", env: map[string]string{"ADMIN_USERNAME": "admin"}},
		{name: "token auth only", env: map[string]string{"ADMIN_TOKEN": "test-token"}, wantEnabled: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"ADMIN_USERNAME", "ADMIN_PASSWORD", "ADMIN_TOKEN"} {
				t.Setenv(k, tt.env[k])
			}
			assert.Equal(t, tt.wantEnabled, loadAuthConfig().enabled)
		})
	}
}

func TestLoadRateLimiterConfig(t *testing.T) {
	t.Setenv("RATE_LIMIT_ENABLED", "")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "")
	cfg := loadRateLimiterConfig()
	assert.True(t, cfg.enabled)
	assert.Equal(t, 10, cfg.requestsPerIP)
	assert.Equal(t, time.Minute, cfg.window)

	t.Setenv("RATE_LIMIT_ENABLED", "0")
	t.Setenv("RATE_LIMIT_REQUESTS_PER_IP", "5")
	t.Setenv("RATE_LIMIT_WINDOW_SECONDS", "bogus")
	cfg = loadRateLimiterConfig()
	assert.False(t, cfg.enabled)
	assert.Equal(t, 5, cfg.requestsPerIP)
	assert.Equal(t, time.Minute, cfg.window)
}

func TestLoadCORSConfig(t *testing.T) {
	tests := []struct {
		name           string
		env            map[string]string
		wantPermissive bool
		wantOrigins    int
	}{
		{name: "default dev mode", env: map[string]string{}, wantPermissive: true},
		{name: "production mode", env: map[string]string{"ENV": "production"}},
		{name: "production with allowed origins", env: map[string]string{"ENV": "production", "CORS_ALLOWED_ORIGINS": "https://example.com, https://app.example.com"}, wantOrigins: 2},
		{name: "explicit permissive override", env: map[string]string{"ENV": "production", "CORS_PERMISSIVE": "1"}, wantPermissive: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"ENV", "CORS_PERMISSIVE", "CORS_ALLOWED_ORIGINS"} {
				t.Setenv(k, tt.env[k])
			}
			cfg := loadCORSConfig()
			assert.Equal(t, tt.wantPermissive, cfg.permissive)
			assert.Len(t, cfg.allowedOrigins, tt.wantOrigins)
		})
	}
}

func TestIsOriginAllowed(t *testing.T) {
	tests := []struct {
		origin  string
		allowed []string
		want    bool
	}{
		{"https://example.com", []string{"https://example.com", "https://other.com"}, true},
		{"https://evil.com", []string{"https://example.com"}, false},
		{"https://app.example.com", []string{"*.example.com"}, true},
		{"https://api.v2.example.com", []string{"*.example.com"}, true},
		{"https://example.com", []string{"*.example.com"}, true},
		{"http://example.com", []string{"https://example.com"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isOriginAllowed(tt.origin, tt.allowed), "%s in %v", tt.origin, tt.allowed)
	}
}

func TestParseInt(t *testing.T) {
	assert.Equal(t, 123, parseInt("123", 0))
	assert.Equal(t, 42, parseInt("", 42))
	assert.Equal(t, 42, parseInt("invalid", 42))
	assert.Equal(t, -1, parseInt(" -1 ", 0))
}
