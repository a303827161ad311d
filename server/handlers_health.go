package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/osu-tender/osuapi"
	"github.com/onnwee/osu-tender/render"
	"github.com/onnwee/osu-tender/telemetry"
)

// staleAfterIntervals is how many sync intervals may pass before the cache counts as stale.
const staleAfterIntervals = 3

// HandleHealthz is the liveness check.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
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
		{"database", func() error {
			if h.deps.DB == nil {
				return errors.New("database not configured")
			}
			return h.deps.DB.Ping(r.Context())
		}},
		{"completion_listener", func() error {
			if h.deps.Listener == nil {
				return nil
			}
			if st := h.deps.Listener.State(); st != render.StateConnected {
				return fmt.Errorf("listener %s", st)
			}
			return nil
		}},
		{"leaderboard", h.cacheFresh},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handlers) cacheFresh() error {
	if h.deps.Sync == nil {
		return nil
	}
	last := h.deps.Sync.LastSuccess()
	if last.IsZero() {
		return errors.New("no successful sync yet")
	}
	if age := h.now().Sub(last); age > staleAfterIntervals*h.deps.Sync.Interval() {
		return fmt.Errorf("last successful sync %s ago", age.Round(time.Second))
	}
	return nil
}

type syncStatus struct {
	Running     bool       `json:"running"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	Interval    string     `json:"interval"`
}

type cacheStatus struct {
	Generation uint64    `json:"generation"`
	Entries    int       `json:"entries"`
	BuiltAt    time.Time `json:"built_at"`
	Rooms      int       `json:"rooms"`
}

type listenerStatus struct {
	State string     `json:"state"`
	Since *time.Time `json:"since,omitempty"`
}

type statusResponse struct {
	Sync     *syncStatus     `json:"sync,omitempty"`
	Cache    *cacheStatus    `json:"cache,omitempty"`
	Renders  *render.Stats   `json:"renders,omitempty"`
	Listener *listenerStatus `json:"listener,omitempty"`
	Tracing  bool            `json:"tracing"`
}

// HandleStatus summarizes sync, cache, render queue and listener state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{Tracing: telemetry.TracingEnabled()}
	if s := h.deps.Sync; s != nil {
		resp.Sync = &syncStatus{Running: s.Running(), Interval: s.Interval().String()}
		if last := s.LastSuccess(); !last.IsZero() {
			resp.Sync.LastSuccess = &last
		}
	}
	if c := h.deps.Cache; c != nil {
		snap := c.Snapshot()
		resp.Cache = &cacheStatus{Generation: snap.Generation, Entries: snap.Len(), BuiltAt: snap.BuiltAt, Rooms: len(c.Rooms().Rooms)}
	}
	if q := h.deps.Renders; q != nil {
		st := q.Stats()
		resp.Renders = &st
	}
	if l := h.deps.Listener; l != nil {
		resp.Listener = &listenerStatus{State: l.State().String()}
		if since := l.Since(); since.Unix() > 0 {
			resp.Listener.Since = &since
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type leaderboardRow struct {
	Rank        int     `json:"rank"`
	IdentityID  string  `json:"identity_id"`
	OsuID       int64   `json:"osu_id"`
	Username    string  `json:"username"`
	CountryCode string  `json:"country_code,omitempty"`
	PP          float64 `json:"pp"`
	GlobalRank  int     `json:"global_rank,omitempty"`
	Accuracy    float64 `json:"accuracy"`
	PlayCount   int     `json:"play_count"`
}

// HandleLeaderboard lists linked players for ?mode= (default osu), best first. ?limit= caps
// the list.
func (h *Handlers) HandleLeaderboard(w http.ResponseWriter, r *http.Request) {
	if h.deps.Cache == nil {
		http.Error(w, "leaderboard unavailable", http.StatusServiceUnavailable)
		return
	}
	q := r.URL.Query()
	mode, ok := osuapi.ParseMode(q.Get("mode"))
	if !ok {
		http.Error(w, fmt.Sprintf("unknown mode %q (want %s)", q.Get("mode"), joinModes()), http.StatusBadRequest)
		return
	}
	limit := parseInt(q.Get("limit"), 0)

	snap := h.deps.Cache.Snapshot()
	entries := h.deps.Cache.Top(mode, limit)
	rows := make([]leaderboardRow, len(entries))
	for i, e := range entries {
		s := e.Stats[mode]
		rows[i] = leaderboardRow{
			Rank:        i + 1,
			IdentityID:  e.IdentityID,
			OsuID:       e.OsuID,
			Username:    e.DisplayName,
			CountryCode: e.CountryCode,
			PP:          s.PP,
			GlobalRank:  s.GlobalRank,
			Accuracy:    s.Accuracy,
			PlayCount:   s.PlayCount,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":       mode,
		"generation": snap.Generation,
		"built_at":   snap.BuiltAt,
		"entries":    rows,
	})
}

func joinModes() string {
	names := make([]string, len(osuapi.Modes))
	for i, m := range osuapi.Modes {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}
