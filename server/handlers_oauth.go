package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/onnwee/osu-tender/osuapi"
	"github.com/onnwee/osu-tender/telemetry"
)

// HandleOsuOAuthStart redeems the one-time ?token= minted by !link and redirects to the
// osu! authorization page on behalf of the identity the token was issued to.
func (h *Handlers) HandleOsuOAuthStart(w http.ResponseWriter, r *http.Request) {
	if h.deps.OAuth == nil || h.deps.LinkTokens == nil {
		http.Error(w, "oauth not configured (need OSU_CLIENT_ID + OSU_CLIENT_SECRET + OSU_REDIRECT_URI)", http.StatusServiceUnavailable)
		return
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing link token", http.StatusBadRequest)
		return
	}
	identity, ok := h.deps.LinkTokens.Redeem(token)
	if !ok {
		http.Error(w, "this link is invalid or has expired; type !link in chat for a new one", http.StatusBadRequest)
		return
	}
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		http.Error(w, "state gen error", http.StatusInternalServerError)
		return
	}
	st := hex.EncodeToString(b)
	if !h.addOAuthState(st, identity) {
		http.Error(w, "too many pending authorizations, try again later", http.StatusServiceUnavailable)
		return
	}
	http.Redirect(w, r, h.deps.OAuth.AuthCodeURL(st), http.StatusFound)
}

// HandleOsuOAuthCallback completes the flow: it exchanges the code, resolves the account
// owner and links it to the identity the state was issued for.
func (h *Handlers) HandleOsuOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "oauth"))
	q := r.URL.Query()

	if e := q.Get("error"); e != "" {
		msg := q.Get("error_description")
		if msg == "" {
			msg = "authorization was not granted"
		}
		oauthFailure(w, http.StatusBadRequest, msg, e)
		return
	}
	code, st := q.Get("code"), q.Get("state")
	if code == "" || st == "" {
		http.Error(w, "missing code/state", http.StatusBadRequest)
		return
	}
	identity, ok := h.takeOAuthState(st)
	if !ok {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	if h.deps.OAuth == nil || h.deps.Users == nil || h.deps.Links == nil {
		http.Error(w, "oauth not configured", http.StatusServiceUnavailable)
		return
	}

	telemetry.TokenExchanges.WithLabelValues("authorization_code").Inc()
	tok, err := h.deps.OAuth.Exchange(ctx, code)
	if err != nil {
		logger.Warn("authorization code exchange failed", slog.Any("err", err), slog.String("identity", identity))
		telemetry.TokenExchangeFailures.WithLabelValues("authorization_code").Inc()
		msg, errCode := osuapi.ProviderError(err)
		oauthFailure(w, http.StatusBadRequest, msg, errCode)
		return
	}

	user, err := h.deps.Users.Me(ctx, tok.AccessToken)
	if err != nil {
		logger.Error("resolving account owner failed", slog.Any("err", err), slog.String("identity", identity))
		oauthFailure(w, http.StatusBadGateway, "could not load your osu! profile", "server_error")
		return
	}
	if err := h.deps.Links.LinkIdentity(ctx, identity, user.ID, user.Username, tok.RefreshToken); err != nil {
		logger.Error("saving identity link failed", slog.Any("err", err), slog.String("identity", identity), slog.Int64("osu_id", user.ID))
		oauthFailure(w, http.StatusInternalServerError, "could not save the linked account", "server_error")
		return
	}
	logger.Info("identity linked", slog.String("identity", identity), slog.Int64("osu_id", user.ID), slog.String("username", user.Username))
	if h.deps.Notifier != nil {
		h.deps.Notifier.Notify(ctx, identity, fmt.Sprintf("Linked osu! account %s.", user.Username))
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "Hello, %s!", user.Username)
}

func oauthFailure(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "Something went wrong: \n\n%s (%s)\n\nThis has been reported.", message, code)
}
