package auth

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	// DefaultLinkTokenTTL bounds how long a link handed out in chat stays usable.
	DefaultLinkTokenTTL = 15 * time.Minute
	maxLinkTokens       = 10000
)

// ErrTooManyLinkTokens is returned by Issue when the pending set is full.
var ErrTooManyLinkTokens = errors.New("too many pending link tokens")

type linkGrant struct {
	identityID string
	expires    time.Time
}

// LinkTokens binds account-link requests to the chat identity that asked for them. A token
// is single use and expires after the TTL; only the newest token of an identity is valid.
type LinkTokens struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu         sync.Mutex
	grants     map[string]linkGrant
	byIdentity map[string]string
}

// NewLinkTokens returns an empty store. A non-positive ttl means DefaultLinkTokenTTL and a
// nil clock the real clock.
func NewLinkTokens(ttl time.Duration, clock clockwork.Clock) *LinkTokens {
	if ttl <= 0 {
		ttl = DefaultLinkTokenTTL
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LinkTokens{
		clock:      clock,
		ttl:        ttl,
		grants:     make(map[string]linkGrant),
		byIdentity: make(map[string]string),
	}
}

// Issue mints a token for identityID, revoking any earlier one.
func (l *LinkTokens) Issue(identityID string) (string, error) {
	if identityID == "" {
		return "", errors.New("identity id empty")
	}
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	tok := hex.EncodeToString(b)

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if prev, ok := l.byIdentity[identityID]; ok {
		delete(l.grants, prev)
	}
	if len(l.grants) >= maxLinkTokens {
		l.pruneLocked(now)
		if len(l.grants) >= maxLinkTokens {
			return "", ErrTooManyLinkTokens
		}
	}
	l.grants[tok] = linkGrant{identityID: identityID, expires: now.Add(l.ttl)}
	l.byIdentity[identityID] = tok
	return tok, nil
}

// Redeem consumes token and returns the identity it was issued for.
func (l *LinkTokens) Redeem(token string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.grants[token]
	if !ok {
		return "", false
	}
	delete(l.grants, token)
	if l.byIdentity[g.identityID] == token {
		delete(l.byIdentity, g.identityID)
	}
	if l.clock.Now().After(g.expires) {
		return "", false
	}
	return g.identityID, true
}

func (l *LinkTokens) pruneLocked(now time.Time) {
	for tok, g := range l.grants {
		if now.After(g.expires) {
			delete(l.grants, tok)
			if l.byIdentity[g.identityID] == tok {
				delete(l.byIdentity, g.identityID)
			}
		}
	}
}
