package osuapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// defaultLifetime is assumed when the provider does not report expires_in.
const defaultLifetime = 60 * time.Minute

// OAuth performs the token exchanges against the osu! OAuth server.
type OAuth struct {
	// HTTPClient is used for every exchange when set.
	HTTPClient *http.Client

	user *oauth2.Config
	app  *clientcredentials.Config
}

// NewOAuth configures the authorization-code, refresh and client-credentials grants.
func NewOAuth(clientID, clientSecret, redirectURI, authorizeURL, tokenURL string) *OAuth {
	endpoint := oauth2.Endpoint{AuthURL: authorizeURL, TokenURL: tokenURL, AuthStyle: oauth2.AuthStyleInParams}
	return &OAuth{
		user: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
			RedirectURL:  redirectURI,
			Scopes:       []string{"identify", "public"},
		},
		app: &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
			Scopes:       []string{"public"},
			AuthStyle:    oauth2.AuthStyleInParams,
		},
	}
}

func (o *OAuth) ctx(ctx context.Context) context.Context {
	if o.HTTPClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, o.HTTPClient)
	}
	return ctx
}

// AuthCodeURL builds the user authorization URL carrying state.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.user.AuthCodeURL(state)
}

// Exchange trades an authorization code for access and refresh tokens.
func (o *OAuth) Exchange(ctx context.Context, code string) (Token, error) {
	if code == "" {
		return Token{}, errors.New("missing authorization code")
	}
	tok, err := o.user.Exchange(o.ctx(ctx), code)
	if err != nil {
		return Token{}, err
	}
	return fromOAuth2(tok), nil
}

// ClientCredentials mints an app-level token.
func (o *OAuth) ClientCredentials(ctx context.Context) (Token, error) {
	if o.app.ClientID == "" || o.app.ClientSecret == "" {
		return Token{}, errors.New("missing client id/secret for osu app token")
	}
	tok, err := o.app.Token(o.ctx(ctx))
	if err != nil {
		return Token{}, err
	}
	return fromOAuth2(tok), nil
}

// Refresh spends refreshToken for a new access token. The provider rotates the refresh token;
// the returned RefreshToken is empty only if the provider omitted it.
func (o *OAuth) Refresh(ctx context.Context, refreshToken string) (Token, error) {
	if refreshToken == "" {
		return Token{}, errors.New("missing refresh token")
	}
	// Expiry in the past forces the token source to hit the endpoint.
	src := o.user.TokenSource(o.ctx(ctx), &oauth2.Token{RefreshToken: refreshToken, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return Token{}, err
	}
	t := fromOAuth2(tok)
	if t.RefreshToken == refreshToken {
		// oauth2 copies the old refresh token forward when the response omits one.
		t.RefreshToken = ""
	}
	return t, nil
}

// IsRevoked reports whether err is the provider rejecting the grant itself (400/401),
// as opposed to a transport failure.
func IsRevoked(err error) bool {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode == http.StatusBadRequest || re.Response.StatusCode == http.StatusUnauthorized
	}
	return false
}

// ProviderError extracts the provider's message and error code from a failed exchange.
// Errors that did not come from the token endpoint yield err's text and an empty code.
func ProviderError(err error) (message, code string) {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return err.Error(), ""
	}
	var body struct {
		Error       string `json:"error"`
		Message     string `json:"message"`
		Description string `json:"error_description"`
	}
	_ = json.Unmarshal(re.Body, &body)
	code = body.Error
	if code == "" {
		code = re.ErrorCode
	}
	message = body.Message
	if message == "" {
		message = body.Description
	}
	if message == "" {
		message = re.ErrorDescription
	}
	if message == "" && re.Response != nil {
		message = re.Response.Status
	}
	return message, code
}

func fromOAuth2(tok *oauth2.Token) Token {
	lifetime := defaultLifetime
	if !tok.Expiry.IsZero() {
		lifetime = time.Until(tok.Expiry).Round(time.Second)
	}
	return Token{AccessToken: tok.AccessToken, RefreshToken: tok.RefreshToken, ExpiresIn: lifetime}
}
