// Package auth owns the bearer tokens used against the statistics API: one process-wide
// app token (client credentials) and per-identity user tokens minted from rotating,
// single-use refresh tokens kept in the identity store.
package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/onnwee/osu-tender/osuapi"
	"github.com/onnwee/osu-tender/telemetry"
)

// Exchanger performs the provider token grants.
type Exchanger interface {
	ClientCredentials(ctx context.Context) (osuapi.Token, error)
	Refresh(ctx context.Context, refreshToken string) (osuapi.Token, error)
}

// CredentialStore persists refresh tokens per chat identity. GetRefreshToken returns ""
// when the identity has no stored credential.
type CredentialStore interface {
	GetRefreshToken(ctx context.Context, identityID string) (string, error)
	SetRefreshToken(ctx context.Context, identityID, token string) error
}

// Broker hands out usable bearer tokens with transparent renewal.
type Broker struct {
	exchanger Exchanger
	store     CredentialStore
	clock     clockwork.Clock
	group     singleflight.Group

	mu      sync.RWMutex
	app     string
	expires time.Time
	timer   clockwork.Timer
}

// NewBroker wires a broker. A nil clock means the real clock.
func NewBroker(ex Exchanger, store CredentialStore, clock clockwork.Clock) *Broker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Broker{exchanger: ex, store: store, clock: clock}
}

// AppToken returns the cached app token while it is unexpired, otherwise performs one
// client-credentials exchange. Concurrent callers share a single in-flight exchange.
func (b *Broker) AppToken(ctx context.Context) (string, error) {
	if tok, ok := b.cachedApp(); ok {
		return tok, nil
	}
	v, err, _ := b.group.Do("app", func() (interface{}, error) {
		// A caller that lost the race to the previous flight finds the fresh token here.
		if tok, ok := b.cachedApp(); ok {
			return tok, nil
		}
		telemetry.TokenExchanges.WithLabelValues("client_credentials").Inc()
		tok, err := b.exchanger.ClientCredentials(context.WithoutCancel(ctx))
		if err != nil {
			telemetry.TokenExchangeFailures.WithLabelValues("client_credentials").Inc()
			return "", err
		}
		b.storeApp(tok)
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (b *Broker) cachedApp() (string, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.app == "" || !b.clock.Now().Before(b.expires) {
		return "", false
	}
	return b.app, true
}

func (b *Broker) storeApp(tok osuapi.Token) {
	lifetime := tok.ExpiresIn
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
	}
	b.app = tok.AccessToken
	b.expires = b.clock.Now().Add(lifetime)
	var timer clockwork.Timer
	timer = b.clock.AfterFunc(lifetime, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		// Only the timer belonging to the current token may clear it.
		if b.timer == timer {
			b.app = ""
			b.expires = time.Time{}
			b.timer = nil
		}
	})
	b.timer = timer
}

// UserToken mints an access token for identityID from its stored refresh token and persists
// the rotated refresh token before returning. It reports false when the identity has no
// credential or the exchange failed; the caller should prompt the user to re-link.
// A failed exchange leaves the stored credential untouched.
func (b *Broker) UserToken(ctx context.Context, identityID string) (string, bool) {
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("identity", identityID), slog.String("component", "token_broker"))
	v, _, _ := b.group.Do("user:"+identityID, func() (interface{}, error) {
		refresh, err := b.store.GetRefreshToken(ctx, identityID)
		if err != nil {
			logger.Warn("refresh token lookup failed", slog.Any("err", err))
			return "", nil
		}
		if refresh == "" {
			logger.Debug("no stored credential")
			return "", nil
		}
		telemetry.TokenExchanges.WithLabelValues("refresh_token").Inc()
		tok, err := b.exchanger.Refresh(ctx, refresh)
		if err != nil {
			telemetry.TokenExchangeFailures.WithLabelValues("refresh_token").Inc()
			logger.Warn("refresh exchange failed", slog.Bool("revoked", osuapi.IsRevoked(err)), slog.Any("err", err))
			return "", nil
		}
		if tok.RefreshToken != "" && tok.RefreshToken != refresh {
			if err := b.store.SetRefreshToken(ctx, identityID, tok.RefreshToken); err != nil {
				// The old token is spent; without the new one persisted the link is dead.
				logger.Error("rotated refresh token persist failed", slog.Any("err", err))
				return "", nil
			}
		}
		return tok.AccessToken, nil
	})
	tok, _ := v.(string)
	return tok, tok != ""
}

// Stop cancels the pending expiry timer.
func (b *Broker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
}
