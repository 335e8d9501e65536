// Package notify delivers canary alerts. Delivery is best effort: each channel
// gets one attempt, failures are logged and never retried.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/PratikDhanave/kanariya/internal/models"
)

// DefaultTimeout bounds a single delivery attempt.
const DefaultTimeout = 10 * time.Second

// Channel is one alert transport.
type Channel interface {
	Name() string
	Send(ctx context.Context, ev models.HitEvent) error
}

// BuildChannels returns the channels enabled by configuration.
func BuildChannels(webhookURL string, email EmailConfig, client *http.Client) []Channel {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	var out []Channel
	if webhookURL != "" {
		out = append(out, NewWebhook(webhookURL, client))
	}
	if email.Enabled() {
		out = append(out, NewEmail(email, client))
	}
	return out
}

// postJSON sends payload and treats any non-2xx answer as an error.
func postJSON(ctx context.Context, client *http.Client, url string, header http.Header, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}
