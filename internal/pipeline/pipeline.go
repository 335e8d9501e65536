// Package pipeline runs one canary hit through verification, rate limiting,
// dedupe, storage and alerting.
//
// Every step reads or writes the shared KV without coordination. The
// ingestion steps run in order on the request goroutine; alerting is handed
// to a Notifier and continues after the response is written.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/PratikDhanave/kanariya/internal/guard"
	"github.com/PratikDhanave/kanariya/internal/identity"
	"github.com/PratikDhanave/kanariya/internal/models"
	"github.com/PratikDhanave/kanariya/internal/signing"
	"github.com/PratikDhanave/kanariya/internal/store"
)

const meterName = "github.com/PratikDhanave/kanariya/internal/pipeline"

// Outcome is the internal decision for a hit. It is never shown to the caller.
type Outcome string

const (
	OutcomeAccepted        Outcome = "accepted"
	OutcomeDuplicate       Outcome = "duplicate"
	OutcomeInvalid         Outcome = "invalid"
	OutcomeUnauthenticated Outcome = "unauthenticated"
	OutcomeReplayed        Outcome = "replayed"
	OutcomeRateLimited     Outcome = "rate_limited"
	OutcomeFailed          Outcome = "failed"
)

// Stored reports whether the outcome wrote a hit event.
func (o Outcome) Stored() bool {
	return o == OutcomeAccepted || o == OutcomeDuplicate
}

// Hit is the request data the pipeline needs. ClientIP is the resolved raw
// address; it is hashed here and dropped.
type Hit struct {
	Token     string
	Path      string
	Query     url.Values
	ClientIP  string
	UserAgent string
	Referer   string
	Edge      identity.Edge
}

// Settings are the per-deployment knobs of the pipeline.
type Settings struct {
	RequireSignature bool
	EventTTL         time.Duration
	DedupeTTL        time.Duration
	RateWindow       time.Duration
	RateMax          int
}

// Verifier authenticates signed hits; see signing.Verifier.
type Verifier interface {
	Verify(ctx context.Context, r signing.Request) (string, error)
}

// Notifier schedules alert delivery without blocking; see notify.Dispatcher.
type Notifier interface {
	Dispatch(ctx context.Context, ev models.HitEvent)
}

// Deps are the collaborators of an Ingestor.
type Deps struct {
	Verifier Verifier
	Limiter  *guard.RateLimiter
	Dedupe   *guard.DedupeGate
	Events   *store.EventStore
	Hasher   identity.Hasher
	Notifier Notifier
	Logger   *zap.Logger
	Meter    metric.Meter
	Now      func() time.Time
}

// Ingestor is safe for concurrent use; it holds no per-request state.
type Ingestor struct {
	settings Settings
	verifier Verifier
	limiter  *guard.RateLimiter
	dedupe   *guard.DedupeGate
	events   *store.EventStore
	hasher   identity.Hasher
	notifier Notifier
	logger   *zap.Logger
	now      func() time.Time
	hits     metric.Int64Counter
}

func New(s Settings, d Deps) (*Ingestor, error) {
	if d.Limiter == nil || d.Dedupe == nil || d.Events == nil {
		return nil, errors.New("pipeline: limiter, dedupe gate and event store are required")
	}
	if s.RequireSignature && d.Verifier == nil {
		return nil, errors.New("pipeline: signatures required but no verifier given")
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := d.Now
	if now == nil {
		now = time.Now
	}
	meter := d.Meter
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	hits, err := meter.Int64Counter("kanariya.hits",
		metric.WithDescription("Canary hits by pipeline outcome."))
	if err != nil {
		return nil, err
	}

	return &Ingestor{
		settings: s,
		verifier: d.Verifier,
		limiter:  d.Limiter,
		dedupe:   d.Dedupe,
		events:   d.Events,
		hasher:   d.Hasher,
		notifier: d.Notifier,
		logger:   logger.Named("pipeline"),
		now:      now,
		hits:     hits,
	}, nil
}

// Ingest processes h and reports what happened. A non-nil error always comes
// with OutcomeFailed; the caller logs it and answers as for any other outcome.
func (in *Ingestor) Ingest(ctx context.Context, h Hit) (Outcome, error) {
	outcome, err := in.ingest(ctx, h)
	in.hits.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", string(outcome))))
	return outcome, err
}

func (in *Ingestor) ingest(ctx context.Context, h Hit) (Outcome, error) {
	if h.Token == "" {
		return OutcomeInvalid, nil
	}

	if in.settings.RequireSignature {
		strategy, err := in.verifier.Verify(ctx, signing.Request{Token: h.Token, Path: h.Path, Query: h.Query})
		if err != nil {
			return classify(err)
		}
		in.logger.Debug("signature accepted", zap.String("token", h.Token), zap.String("strategy", strategy))
	}

	ipHash := in.hasher.IPHash(h.ClientIP)
	ua := Truncate(h.UserAgent, models.MaxUserAgentBytes)
	uaHash := in.hasher.UAHash(ua)

	allowed, err := in.limiter.Allow(ctx, h.Token, ipHash, in.settings.RateWindow, in.settings.RateMax)
	if err != nil {
		return OutcomeFailed, err
	}
	if !allowed {
		return OutcomeRateLimited, nil
	}

	duplicate, err := in.dedupe.IsDuplicate(ctx, h.Token, ipHash, uaHash)
	if err != nil {
		return OutcomeFailed, err
	}

	ev := models.HitEvent{
		Timestamp: models.FormatTimestamp(in.now()),
		Token:     h.Token,
		Source:    Truncate(h.Query.Get(signing.ParamSource), models.MaxSourceBytes),
		IPHash:    ipHash,
		Country:   h.Edge.Country,
		ASN:       h.Edge.ASN,
		UserAgent: ua,
		Referer:   Truncate(h.Referer, models.MaxRefererBytes),
	}
	if _, err := in.events.Append(ctx, ev); err != nil {
		return OutcomeFailed, err
	}

	if duplicate {
		return OutcomeDuplicate, nil
	}

	// The marker goes in before dispatch so a concurrent hit is more likely to see it.
	if err := in.dedupe.Mark(ctx, h.Token, ipHash, uaHash, in.settings.DedupeTTL); err != nil {
		return OutcomeFailed, err
	}
	if in.notifier != nil {
		in.notifier.Dispatch(ctx, ev)
	}
	return OutcomeAccepted, nil
}

// classify maps a verification error to an outcome. Store failures during
// the nonce check are the only errors passed on.
func classify(err error) (Outcome, error) {
	switch {
	case errors.Is(err, signing.ErrMissingSignature), errors.Is(err, signing.ErrMalformedTimestamp):
		return OutcomeInvalid, nil
	case errors.Is(err, signing.ErrReplayed):
		return OutcomeReplayed, nil
	case errors.Is(err, signing.ErrOutsideWindow),
		errors.Is(err, signing.ErrBadSignature),
		errors.Is(err, signing.ErrNotConfigured):
		return OutcomeUnauthenticated, nil
	default:
		return OutcomeFailed, fmt.Errorf("verify signature: %w", err)
	}
}

// Truncate cuts s to at most max bytes without splitting a UTF-8 sequence.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
