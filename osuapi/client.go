// Package osuapi contains minimal helpers for the osu! API v2: bulk and single user lookup,
// active room listing and the OAuth exchanges used to mint bearer tokens.
// Payloads are decoded into strongly typed records; numeric fields the API omits are zero.
package osuapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/onnwee/osu-tender/telemetry"
)

// MaxBulkUsers is the provider's ceiling for ids per bulk lookup.
const MaxBulkUsers = 50

var (
	ErrUserNotFound = errors.New("user not found")
	ErrTooManyIDs   = fmt.Errorf("bulk lookup accepts at most %d ids", MaxBulkUsers)
)

// StatusError is a non-2xx response from the API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("osu api request failed: %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// transient reports whether the failure says something about the provider's health.
func (e *StatusError) transient() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// Client calls the statistics endpoints. Every request carries a caller-supplied bearer token.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client

	breaker *gobreaker.CircuitBreaker
}

// NewClient builds a client whose requests pass through a circuit breaker that opens after
// 5 consecutive transport or 5xx/429 failures and retries after 30s.
func NewClient(baseURL string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	c := &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: hc}
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "osu-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			var se *StatusError
			if errors.As(err, &se) {
				return !se.transient()
			}
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("circuit state change", slog.String("breaker", name), slog.String("from", from.String()), slog.String("to", to.String()), slog.String("component", "osu_api"))
			telemetry.UpdateCircuitGauge(to == gobreaker.StateOpen)
		},
	})
	return c
}

// Users looks up to MaxBulkUsers users by id. Unknown ids are silently absent from the result.
func (c *Client) Users(ctx context.Context, token string, ids []int64) ([]User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	if len(ids) > MaxBulkUsers {
		return nil, ErrTooManyIDs
	}
	q := url.Values{}
	for _, id := range ids {
		q.Add("ids[]", strconv.FormatInt(id, 10))
	}
	var body struct {
		Users []rawUser `json:"users"`
	}
	if err := c.get(ctx, token, "/users", q, &body); err != nil {
		return nil, err
	}
	out := make([]User, 0, len(body.Users))
	for _, u := range body.Users {
		out = append(out, u.parse(""))
	}
	return out, nil
}

// User looks up a single user by numeric id or, when byName is set, by username.
func (c *Client) User(ctx context.Context, token, key string, byName bool, mode Mode) (*User, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("user key empty")
	}
	if mode == "" {
		mode = ModeOsu
	}
	q := url.Values{}
	if byName {
		q.Set("key", "username")
	} else {
		q.Set("key", "id")
	}
	var raw rawUser
	err := c.get(ctx, token, "/users/"+url.PathEscape(key)+"/"+string(mode), q, &raw)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	u := raw.parse(mode)
	return &u, nil
}

// Me resolves the owner of a user token.
func (c *Client) Me(ctx context.Context, token string) (*User, error) {
	var raw rawUser
	if err := c.get(ctx, token, "/me", nil, &raw); err != nil {
		return nil, err
	}
	if raw.ID == 0 {
		return nil, ErrUserNotFound
	}
	u := raw.parse("")
	return &u, nil
}

// Rooms lists active rooms. The endpoint requires a user token.
func (c *Client) Rooms(ctx context.Context, token string) ([]Room, error) {
	q := url.Values{}
	q.Set("mode", "active")
	var raw []rawRoom
	if err := c.get(ctx, token, "/rooms", q, &raw); err != nil {
		return nil, err
	}
	out := make([]Room, 0, len(raw))
	for _, r := range raw {
		out = append(out, r.parse())
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, token, path string, q url.Values, out any) error {
	if token == "" {
		return fmt.Errorf("missing bearer token")
	}
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.do(ctx, token, path, q, out)
	})
	return err
}

func (c *Client) do(ctx context.Context, token, path string, q url.Values, out any) error {
	u := c.BaseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("x-api-version", "20240529")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
