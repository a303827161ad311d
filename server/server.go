// Package server exposes the HTTP API: the osu! account linking flow, health and readiness
// checks, status, leaderboard and metrics, plus admin endpoints for triggering a sync and
// inspecting renders. Every request carries a correlation ID for consistent logging.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/onnwee/osu-tender/leaderboard"
	"github.com/onnwee/osu-tender/osuapi"
	"github.com/onnwee/osu-tender/render"
	"github.com/onnwee/osu-tender/telemetry"
)

// Pinger reports database connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// LinkWriter persists a completed account link.
type LinkWriter interface {
	LinkIdentity(ctx context.Context, identityID string, osuUserID int64, username, refreshToken string) error
}

// LinkRedeemer consumes the one-time tokens handed out by the chat !link command.
type LinkRedeemer interface {
	Redeem(token string) (identityID string, ok bool)
}

// CodeExchanger runs the authorization-code half of the OAuth flow.
type CodeExchanger interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (osuapi.Token, error)
}

// MeResolver resolves the owner of a user token.
type MeResolver interface {
	Me(ctx context.Context, token string) (*osuapi.User, error)
}

// LeaderboardReader is the read side of the statistics cache.
type LeaderboardReader interface {
	Snapshot() *leaderboard.Snapshot
	Top(mode osuapi.Mode, n int) []leaderboard.Entry
	Rooms() *leaderboard.RoomSnapshot
}

// SyncController triggers and reports on refresh cycles.
type SyncController interface {
	Trigger(ctx context.Context) error
	Running() bool
	LastSuccess() time.Time
	Interval() time.Duration
}

// RenderMonitor exposes render queue state.
type RenderMonitor interface {
	Stats() render.Stats
	InFlight() []render.InFlightJob
}

// ListenerMonitor exposes the completion listener's connection state.
type ListenerMonitor interface {
	State() render.State
	Since() time.Time
}

// Notifier delivers a chat message to one identity.
type Notifier interface {
	Notify(ctx context.Context, identityID, msg string)
}

// Deps wires the handlers to the rest of the service. Nil members disable the routes or
// checks that need them.
type Deps struct {
	DB         Pinger
	Links      LinkWriter
	LinkTokens LinkRedeemer
	OAuth      CodeExchanger
	Users      MeResolver
	Cache      LeaderboardReader
	Sync       SyncController
	Renders    RenderMonitor
	Listener   ListenerMonitor
	Notifier   Notifier
}

// NewMux returns the HTTP handler with all routes. ctx bounds background work started by
// handlers and the rate limiter cleanup loop.
func NewMux(ctx context.Context, deps Deps) http.Handler {
	authCfg := loadAuthConfig()
	rateLimiter := newIPRateLimiter(ctx, loadRateLimiterConfig())
	corsCfg := loadCORSConfig()

	h := NewHandlers(ctx, deps)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /auth/osu/start", h.HandleOsuOAuthStart)
	mux.HandleFunc("GET /auth/osu/callback", h.HandleOsuOAuthCallback)
	// the registered redirect URI of older deployments
	mux.HandleFunc("GET /callback", h.HandleOsuOAuthCallback)

	mux.HandleFunc("GET /healthz", h.HandleHealthz)
	mux.HandleFunc("GET /readyz", h.HandleReadyz)
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /leaderboard", h.HandleLeaderboard)

	mux.HandleFunc("POST /admin/sync", h.HandleAdminSync)
	mux.HandleFunc("GET /admin/renders", h.HandleAdminRenders)

	selective := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasPrefix(r.URL.Path, "/admin/"):
			adminAuth(rateLimitMiddleware(mux, rateLimiter), authCfg).ServeHTTP(w, r)
		case strings.HasPrefix(r.URL.Path, "/auth/"):
			rateLimitMiddleware(mux, rateLimiter).ServeHTTP(w, r)
		default:
			mux.ServeHTTP(w, r)
		}
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, telemetry.TracerHTTP, r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selective.ServeHTTP(rec, r.WithContext(ctx))
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
	})
	return withCORSConfig(handler, corsCfg)
}

// statusRecorder captures the response status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, deps Deps, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewMux(ctx, deps),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err), slog.String("component", "http"))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err), slog.String("component", "http"))
		return err
	}
	return nil
}
