package notify

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/PratikDhanave/kanariya/internal/models"
)

const (
	DefaultMailAPIURL        = "https://api.mailchannels.net/tx/v1/send"
	DefaultMailSubjectPrefix = "[kanariya]"
)

// EmailConfig configures the transactional mail channel.
type EmailConfig struct {
	APIURL        string
	APIKey        string
	From          string
	FromName      string
	To            []string
	SubjectPrefix string
}

// Enabled reports whether both a sender and at least one recipient exist.
func (c EmailConfig) Enabled() bool {
	return c.From != "" && len(c.To) > 0
}

type mailAddress struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

type mailPersonalization struct {
	To []mailAddress `json:"to"`
}

type mailContent struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type mailRequest struct {
	Personalizations []mailPersonalization `json:"personalizations"`
	From             mailAddress           `json:"from"`
	Subject          string                `json:"subject"`
	Content          []mailContent         `json:"content"`
}

// Email submits a plain-text alert to a MailChannels-compatible send API.
type Email struct {
	cfg    EmailConfig
	client *http.Client
}

func NewEmail(cfg EmailConfig, client *http.Client) *Email {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultMailAPIURL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = DefaultMailSubjectPrefix
	}
	return &Email{cfg: cfg, client: client}
}

func (e *Email) Name() string { return "email" }

func (e *Email) Send(ctx context.Context, ev models.HitEvent) error {
	to := make([]mailAddress, 0, len(e.cfg.To))
	for _, addr := range e.cfg.To {
		to = append(to, mailAddress{Email: addr})
	}

	req := mailRequest{
		Personalizations: []mailPersonalization{{To: to}},
		From:             mailAddress{Email: e.cfg.From, Name: e.cfg.FromName},
		Subject:          e.Subject(ev),
		Content:          []mailContent{{Type: "text/plain", Value: Body(ev)}},
	}

	var header http.Header
	if e.cfg.APIKey != "" {
		header = http.Header{"X-Api-Key": {e.cfg.APIKey}}
	}
	return postJSON(ctx, e.client, e.cfg.APIURL, header, req)
}

func (e *Email) Subject(ev models.HitEvent) string {
	return e.cfg.SubjectPrefix + " canary hit: " + ev.Token
}

// Body renders the alert text.
func Body(ev models.HitEvent) string {
	var b strings.Builder
	b.WriteString("A canary token was accessed.\n\n")
	for _, f := range [][2]string{
		{"token", ev.Token},
		{"time", ev.Timestamp},
		{"source", ev.Source},
		{"ip_hash", ev.IPHash},
		{"country", ev.Country},
		{"asn", ev.ASN},
		{"user_agent", ev.UserAgent},
		{"referer", ev.Referer},
	} {
		fmt.Fprintf(&b, "%-11s %s\n", f[0]+":", f[1])
	}
	return b.String()
}
