// Package notify posts run summaries to an ntfy-style endpoint.
package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dgnsrekt/tv_harvester/internal/harvest"
)

// ErrNoEndpoint is returned by Send when no endpoint is configured.
var ErrNoEndpoint = errors.New("ntfy endpoint not configured")

// Notifier sends plain-text messages. A zero Endpoint disables it.
type Notifier struct {
	Endpoint string
	Client   *http.Client
}

// Enabled reports whether an endpoint is configured.
func (n Notifier) Enabled() bool { return strings.TrimSpace(n.Endpoint) != "" }

// RunFinished posts the summary of res. It is a no-op when disabled.
func (n Notifier) RunFinished(ctx context.Context, res harvest.Result, watchlist string, outputs []string) error {
	if !n.Enabled() {
		return nil
	}
	return Send(ctx, n.Client, n.Endpoint, FormatSummary(res, watchlist, outputs))
}

// FormatSummary renders a short multi-line summary of a finished run.
func FormatSummary(res harvest.Result, watchlist string, outputs []string) string {
	var b strings.Builder
	name := watchlist
	if name == "" {
		name = "watchlist"
	}
	fmt.Fprintf(&b, "tv_harvester %s: %s\n", res.Status, name)
	fmt.Fprintf(&b, "run %s collected %d/%d, skipped %d (%s)\n",
		res.RunID, res.Collected, res.Requested, res.Skipped, res.StopReason)
	if !res.StartedAt.IsZero() && !res.FinishedAt.IsZero() {
		fmt.Fprintf(&b, "took %s\n", res.FinishedAt.Sub(res.StartedAt).Round(time.Second))
	}
	if res.Err != nil {
		fmt.Fprintf(&b, "error: %v\n", res.Err)
	}
	for _, p := range outputs {
		fmt.Fprintf(&b, "output: %s\n", p)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	if strings.TrimSpace(endpoint) == "" {
		return ErrNoEndpoint
	}
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Title", "tv_harvester")

	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy notification failed: status=%d", resp.StatusCode)
	}
	return nil
}
