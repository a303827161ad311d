// Package render dispatches replay renders to o!rdr one at a time and reconciles the
// completion events it later pushes over its socket.
package render

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"
)

// ErrInvalidReplay is returned for references that cannot be a replay file.
var ErrInvalidReplay = errors.New("replay must be an http(s) link to an .osr file")

// Job is a replay waiting for, or undergoing, a render.
type Job struct {
	Replay      string // replay URL handed to the render service
	Hash        string
	DisplayName string
	SubmittedAt time.Time
	IdentityID  string
}

// NewJob builds a job for a validated replay URL.
func NewJob(replay, displayName, identityID string, at time.Time) Job {
	sum := sha256.Sum256([]byte(replay))
	return Job{
		Replay:      replay,
		Hash:        hex.EncodeToString(sum[:8]),
		DisplayName: displayName,
		SubmittedAt: at,
		IdentityID:  identityID,
	}
}

// InFlightJob is a job the render service accepted and has not yet reported on.
type InFlightJob struct {
	Job
	RenderID     int64
	DispatchedAt time.Time
}

// Outcome is the terminal result of a render.
type Outcome struct {
	Success   bool
	VideoURL  string
	ErrorCode int
	Message   string
}

// Done is a successful outcome.
func Done(videoURL string) Outcome { return Outcome{Success: true, VideoURL: videoURL} }

// Failed is a failed outcome.
func Failed(code int, message string) Outcome {
	return Outcome{ErrorCode: code, Message: message}
}

// RejectError is a synchronous refusal by the render service.
type RejectError struct {
	Code    int
	Message string
}

func (e *RejectError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("render rejected (code %d): %s", e.Code, e.Message)
	}
	return "render rejected: " + e.Message
}

// ValidateReplay checks that raw looks like a downloadable replay and returns it normalized.
func ValidateReplay(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", ErrInvalidReplay
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", ErrInvalidReplay
	}
	if !strings.EqualFold(path.Ext(u.Path), ".osr") {
		return "", ErrInvalidReplay
	}
	return u.String(), nil
}
