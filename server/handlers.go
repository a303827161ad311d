package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const (
	// Maximum number of OAuth states to keep in memory
	maxOAuthStates = 10000
	oauthStateTTL  = 10 * time.Minute
)

// pendingLink is an authorization in progress for one chat identity.
type pendingLink struct {
	identityID string
	expires    time.Time
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	deps Deps
	ctx  context.Context
	now  func() time.Time

	stateMu    sync.Mutex
	stateStore map[string]pendingLink
}

// NewHandlers creates a Handlers instance. ctx bounds work that outlives a request.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{
		deps:       deps,
		ctx:        ctx,
		now:        time.Now,
		stateStore: make(map[string]pendingLink),
	}
}

// addOAuthState records state for identityID. It reports false when the store is full.
func (h *Handlers) addOAuthState(state, identityID string) bool {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()

	now := h.now()
	if len(h.stateStore)%100 == 0 {
		for st, p := range h.stateStore {
			if now.After(p.expires) {
				delete(h.stateStore, st)
			}
		}
	}
	if len(h.stateStore) >= maxOAuthStates {
		return false
	}
	h.stateStore[state] = pendingLink{identityID: identityID, expires: now.Add(oauthStateTTL)}
	return true
}

// takeOAuthState consumes state, returning the identity it was issued for.
func (h *Handlers) takeOAuthState(state string) (string, bool) {
	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	p, ok := h.stateStore[state]
	if !ok {
		return "", false
	}
	delete(h.stateStore, state)
	if h.now().After(p.expires) {
		return "", false
	}
	return p.identityID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode JSON response", slog.Any("err", err), slog.String("component", "http"))
	}
}
