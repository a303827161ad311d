package render

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrdrClient_Submit(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantID   int64
		wantCode int
		wantMsg  string
	}{
		{
			name:   "accepted",
			status: http.StatusCreated,
			body:   `{"message":"Render added successfully","renderID":42}`,
			wantID: 42,
		},
		{
			name:     "rejected with provider message",
			status:   http.StatusBadRequest,
			body:     `{"message":"invalid format","errorCode":2}`,
			wantCode: 2,
			wantMsg:  "invalid format",
		},
		{
			name:    "server error without body",
			status:  http.StatusBadGateway,
			body:    ``,
			wantMsg: "render service returned HTTP 502",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var form map[string]string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/renders", r.URL.Path)
				assert.Equal(t, http.MethodPost, r.Method)
				form = map[string]string{}
				if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
					w.WriteHeader(http.StatusBadRequest)
					return
				}
				for k, v := range r.MultipartForm.Value {
					form[k] = v[0]
				}
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewOrdrClient(srv.URL+"/", nil, OrdrOptions{APIKey: "secret"})
			job := NewJob("https://example.com/r.osr", "Alice", "alice", time.Now())
			id, err := c.Submit(context.Background(), job)

			assert.Equal(t, "https://example.com/r.osr", form["replayURL"])
			assert.Equal(t, "Alice", form["username"])
			assert.Equal(t, "1280x720", form["resolution"])
			assert.Equal(t, "default", form["skin"])
			assert.Equal(t, "secret", form["verificationKey"])

			if tt.wantID != 0 {
				require.NoError(t, err)
				assert.Equal(t, tt.wantID, id)
				return
			}
			var rej *RejectError
			require.True(t, errors.As(err, &rej), "error = %v", err)
			assert.Equal(t, tt.wantCode, rej.Code)
			assert.Equal(t, tt.wantMsg, rej.Message)
		})
	}
}

func TestOrdrClient_TransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewOrdrClient(url, nil, OrdrOptions{}).Submit(context.Background(), testJob("x"))
	require.Error(t, err)
	var rej *RejectError
	assert.False(t, errors.As(err, &rej))
}

func TestValidateReplay(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "https://example.com/replays/abc.osr", want: "https://example.com/replays/abc.osr"},
		{in: "  http://cdn.example.com/x.OSR  ", want: "http://cdn.example.com/x.OSR"},
		{in: "https://example.com/abc.osz", wantErr: true},
		{in: "ftp://example.com/abc.osr", wantErr: true},
		{in: "abc.osr", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ValidateReplay(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidReplay)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewJobHashStable(t *testing.T) {
	a := NewJob("https://example.com/a.osr", "A", "a", time.Time{})
	b := NewJob("https://example.com/a.osr", "B", "b", time.Time{})
	c := NewJob("https://example.com/c.osr", "A", "a", time.Time{})
	assert.Equal(t, a.Hash, b.Hash)
	assert.NotEqual(t, a.Hash, c.Hash)
	assert.Len(t, a.Hash, 16)
}
