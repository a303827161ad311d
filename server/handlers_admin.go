package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/osu-tender/leaderboard"
)

// HandleAdminSync starts a refresh cycle in the background. It answers 409 while a cycle
// is already running.
func (h *Handlers) HandleAdminSync(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sync == nil {
		http.Error(w, "sync not configured", http.StatusServiceUnavailable)
		return
	}
	if h.deps.Sync.Running() {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "running"})
		return
	}
	// the cycle outlives the request but not the server
	ctx := h.ctx
	go func() {
		if err := h.deps.Sync.Trigger(ctx); err != nil && !errors.Is(err, leaderboard.ErrCycleRunning) && !errors.Is(err, context.Canceled) {
			slog.Warn("admin-triggered sync failed", slog.Any("err", err), slog.String("component", "admin"))
		}
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

type inFlightRender struct {
	RenderID     int64     `json:"render_id"`
	IdentityID   string    `json:"identity_id"`
	DisplayName  string    `json:"display_name"`
	Replay       string    `json:"replay"`
	Hash         string    `json:"hash"`
	SubmittedAt  time.Time `json:"submitted_at"`
	DispatchedAt time.Time `json:"dispatched_at"`
}

// HandleAdminRenders lists queue counts and the renders awaiting a completion event.
func (h *Handlers) HandleAdminRenders(w http.ResponseWriter, r *http.Request) {
	if h.deps.Renders == nil {
		http.Error(w, "render queue not configured", http.StatusServiceUnavailable)
		return
	}
	jobs := h.deps.Renders.InFlight()
	rows := make([]inFlightRender, len(jobs))
	for i, j := range jobs {
		rows[i] = inFlightRender{
			RenderID:     j.RenderID,
			IdentityID:   j.IdentityID,
			DisplayName:  j.DisplayName,
			Replay:       j.Replay,
			Hash:         j.Hash,
			SubmittedAt:  j.SubmittedAt,
			DispatchedAt: j.DispatchedAt,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"stats":     h.deps.Renders.Stats(),
		"in_flight": rows,
	})
}
