package twitchapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// newHelixServer serves /oauth2/token and /helix/users. users maps id to login.
func newHelixServer(t *testing.T, users map[string]string, tokenCalls *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		_ = r.ParseForm()
		if r.PostForm.Get("grant_type") != "client_credentials" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"app-token","expires_in":3600,"token_type":"bearer"}`))
	})
	mux.HandleFunc("/helix/users", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Client-Id") != "test-client-id" {
			t.Errorf("missing or wrong Client-Id header")
		}
		if r.Header.Get("Authorization") != "Bearer app-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		id := r.URL.Query().Get("id")
		if login, ok := users[id]; ok {
			_, _ = w.Write([]byte(`{"data":[{"id":"` + id + `","login":"` + login + `"}]}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testClient(srv *httptest.Server) *HelixClient {
	hc := NewHelixClient("test-client-id", "test-secret")
	hc.BaseURL = srv.URL + "/helix"
	hc.AppTokenSource.TokenURL = srv.URL + "/oauth2/token"
	return hc
}

func TestHelixClient_Login(t *testing.T) {
	var tokenCalls atomic.Int32
	srv := newHelixServer(t, map[string]string{"12345": "testuser"}, &tokenCalls)
	hc := testClient(srv)

	tests := []struct {
		name      string
		userID    string
		wantLogin string
		wantErr   bool
	}{
		{name: "successful lookup", userID: "12345", wantLogin: "testuser"},
		{name: "user not found", userID: "999", wantErr: true},
		{name: "empty id", userID: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := hc.Login(context.Background(), tt.userID)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Login() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.wantLogin {
				t.Errorf("Login() = %q, want %q", got, tt.wantLogin)
			}
		})
	}
	if n := tokenCalls.Load(); n != 1 {
		t.Errorf("token endpoint called %d times, want 1 (cached)", n)
	}
}

func TestHelixClient_NotFoundSentinel(t *testing.T) {
	var tokenCalls atomic.Int32
	hc := testClient(newHelixServer(t, nil, &tokenCalls))
	if _, err := hc.Login(context.Background(), "1"); err != ErrUserNotFound {
		t.Errorf("Login() error = %v, want ErrUserNotFound", err)
	}
}

func TestHelixClient_MissingCredentials(t *testing.T) {
	hc := NewHelixClient("", "")
	if _, err := hc.Login(context.Background(), "1"); err == nil {
		t.Error("expected error without client credentials")
	}
}
