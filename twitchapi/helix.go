// Package twitchapi contains minimal helpers to interact with the Twitch Helix API using an
// app access token. The bot uses it to resolve chat identities to logins for mentions.
package twitchapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

const defaultHelixBase = "https://api.twitch.tv/helix"

// ErrUserNotFound is returned when Helix knows no user with the requested id.
var ErrUserNotFound = errors.New("user not found")

// HelixClient provides the user lookups the bot needs.
type HelixClient struct {
	AppTokenSource *TokenSource
	ClientID       string
	// BaseURL overrides the Helix endpoint.
	BaseURL    string
	HTTPClient *http.Client
}

// NewHelixClient returns a client authenticating with an app token for clientID.
func NewHelixClient(clientID, clientSecret string) *HelixClient {
	return &HelixClient{
		AppTokenSource: &TokenSource{ClientID: clientID, ClientSecret: clientSecret},
		ClientID:       clientID,
	}
}

func (hc *HelixClient) http() *http.Client {
	if hc.HTTPClient != nil {
		return hc.HTTPClient
	}
	return http.DefaultClient
}

// Login resolves a user id to its login name.
func (hc *HelixClient) Login(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("user id empty")
	}
	tok, err := hc.AppTokenSource.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("twitch app token: %w", err)
	}
	base := hc.BaseURL
	if base == "" {
		base = defaultHelixBase
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/users", nil)
	if err != nil {
		return "", err
	}
	q := req.URL.Query()
	q.Set("id", userID)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", hc.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := hc.http().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("helix users request failed: %s: %s", resp.Status, strings.TrimSpace(string(b)))
	}
	var body struct {
		Data []struct {
			ID    string `json:"id"`
			Login string `json:"login"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if len(body.Data) == 0 || body.Data[0].Login == "" {
		return "", ErrUserNotFound
	}
	return body.Data[0].Login, nil
}
