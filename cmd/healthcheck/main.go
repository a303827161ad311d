// Command healthcheck queries the bot's HTTP server for container health checks.
//
// It exits 0 when the target answers 200 and 1 otherwise. The target defaults to
// http://localhost:8080/healthz; --ready checks /readyz instead, and HEALTHCHECK_URL
// overrides the target entirely.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

const (
	defaultLivenessURL  = "http://localhost:8080/healthz"
	defaultReadinessURL = "http://localhost:8080/readyz"
)

func main() {
	ready := flag.Bool("ready", false, "Check readiness (/readyz) instead of liveness")
	timeout := flag.Duration("timeout", 3*time.Second, "Request timeout")
	flag.Parse()

	target := targetURL(os.Getenv("HEALTHCHECK_URL"), *ready)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := check(ctx, &http.Client{}, target); err != nil {
		slog.Error("health check failed", slog.String("url", target), slog.Any("err", err))
		os.Exit(1)
	}
}

func targetURL(override string, ready bool) string {
	if override != "" {
		return override
	}
	if ready {
		return defaultReadinessURL
	}
	return defaultLivenessURL
}

// check returns nil when url answers 200.
func check(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("unexpected status %s: %s", resp.Status, body)
	}
	return nil
}
