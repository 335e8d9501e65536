package notify

import (
	"context"
	"net/http"

	"github.com/PratikDhanave/kanariya/internal/models"
)

// Webhook POSTs {"kind":"canary.hit","event":{...}} to a fixed URL.
type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string, client *http.Client) *Webhook {
	return &Webhook{url: url, client: client}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, ev models.HitEvent) error {
	return postJSON(ctx, w.client, w.url, nil, models.Alert{Kind: models.AlertKind, Event: ev})
}
