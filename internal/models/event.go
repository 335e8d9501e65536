package models

import "time"

// TimestampFormat is fixed-width UTC with milliseconds, so string order is time order.
const TimestampFormat = "2006-01-02T15:04:05.000Z"

// Field bounds applied before storage.
const (
	MaxSourceBytes    = 512
	MaxUserAgentBytes = 256
	MaxRefererBytes   = 512
)

// HitEvent is one accepted request to a canary URL.
// ip_hash is keyed and one-way; the raw client IP is never stored.
type HitEvent struct {
	Timestamp string `json:"ts"`
	Token     string `json:"token"`
	Source    string `json:"src"`
	IPHash    string `json:"ip_hash"`
	Country   string `json:"country"`
	ASN       string `json:"asn"`
	UserAgent string `json:"user_agent"`
	Referer   string `json:"referer"`
}

// FormatTimestamp renders t in TimestampFormat.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampFormat)
}

// AlertKind tags webhook payloads.
const AlertKind = "canary.hit"

// Alert is the webhook envelope.
type Alert struct {
	Kind  string   `json:"kind"`
	Event HitEvent `json:"event"`
}
