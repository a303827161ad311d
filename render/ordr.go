package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"
)

// OrdrOptions are the rendering options sent with every job.
type OrdrOptions struct {
	APIKey     string
	Skin       string
	Resolution string
}

// OrdrClient submits renders to the o!rdr API.
type OrdrClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Options    OrdrOptions
}

// NewOrdrClient returns a client for baseURL (for example https://apis.issou.best/ordr).
func NewOrdrClient(baseURL string, hc *http.Client, opts OrdrOptions) *OrdrClient {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Skin == "" {
		opts.Skin = "default"
	}
	if opts.Resolution == "" {
		opts.Resolution = "1280x720"
	}
	return &OrdrClient{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: hc, Options: opts}
}

type ordrResponse struct {
	Message   string `json:"message"`
	RenderID  int64  `json:"renderID"`
	ErrorCode int    `json:"errorCode"`
}

// Submit posts job as a multipart form and returns the assigned render id. A refusal by
// o!rdr is returned as *RejectError carrying its message.
func (c *OrdrClient) Submit(ctx context.Context, job Job) (int64, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fields := []struct{ k, v string }{
		{"replayURL", job.Replay},
		{"username", job.DisplayName},
		{"resolution", c.Options.Resolution},
		{"skin", c.Options.Skin},
	}
	if c.Options.APIKey != "" {
		fields = append(fields, struct{ k, v string }{"verificationKey", c.Options.APIKey})
	}
	for _, f := range fields {
		if err := w.WriteField(f.k, f.v); err != nil {
			return 0, fmt.Errorf("write form field %s: %w", f.k, err)
		}
	}
	if err := w.Close(); err != nil {
		return 0, fmt.Errorf("close form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/renders", &body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("submit render: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, fmt.Errorf("read render response: %w", err)
	}
	var out ordrResponse
	_ = json.Unmarshal(raw, &out)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && out.RenderID != 0 {
		return out.RenderID, nil
	}
	if out.Message == "" {
		out.Message = fmt.Sprintf("render service returned HTTP %d", resp.StatusCode)
	}
	return 0, &RejectError{Code: out.ErrorCode, Message: out.Message}
}
