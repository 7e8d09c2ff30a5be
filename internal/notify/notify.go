// Package notify delivers short diagnostic strings through an ntfy-style
// HTTP endpoint. It is the fallback surface for entry-action failures that
// have no consumer tab to render in.
package notify

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// Notifier posts diagnostics to a fixed endpoint. An empty endpoint
// disables delivery entirely; diagnostics then only appear in the log.
type Notifier struct {
	endpoint string
	client   *http.Client
}

func New(endpoint string, client *http.Client) *Notifier {
	return &Notifier{endpoint: endpoint, client: client}
}

// Diagnostic sends a user-visible diagnostic, fire-and-forget. Delivery
// failure is logged and never surfaced further.
func (n *Notifier) Diagnostic(ctx context.Context, message string) {
	slog.Info("diagnostic", "message", message)
	if n == nil || n.endpoint == "" {
		return
	}
	if err := Send(ctx, n.client, n.endpoint, message); err != nil {
		slog.Warn("diagnostic notification failed", "error", err)
	}
}

// Send sends a message to the requested endpoint using HTTP POST.
func Send(ctx context.Context, client *http.Client, endpoint, message string) error {
	c := client
	if c == nil {
		c = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "text/plain")

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
