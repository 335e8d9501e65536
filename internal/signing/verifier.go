package signing

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/PratikDhanave/kanariya/internal/digest"
)

// DefaultWindow is the accepted clock skew between ts and now, and the nonce lifetime.
const DefaultWindow = 300 * time.Second

var (
	ErrNotConfigured      = errors.New("signing: no signing secret configured")
	ErrMissingSignature   = errors.New("signing: ts or sig missing")
	ErrMalformedTimestamp = errors.New("signing: ts is not numeric")
	ErrOutsideWindow      = errors.New("signing: ts outside signature window")
	ErrBadSignature       = errors.New("signing: signature mismatch")
	ErrReplayed           = errors.New("signing: nonce already consumed")
)

// Strategy checks a signature against one signing key.
type Strategy interface {
	Name() string
	Verify(token, message, sig string) bool
}

// DerivedKey verifies with the per-token key derived from Master.
type DerivedKey struct {
	Master string
}

func (DerivedKey) Name() string { return "derived" }

func (s DerivedKey) Verify(token, message, sig string) bool {
	if s.Master == "" {
		return false
	}
	return digest.EqualHex(digest.HMACHex(DeriveKey(s.Master, token), message), sig)
}

// LegacyKey verifies with Secret used directly as the HMAC key, for URLs
// minted before per-token derivation.
type LegacyKey struct {
	Secret string
}

func (LegacyKey) Name() string { return "legacy" }

func (s LegacyKey) Verify(_, message, sig string) bool {
	if s.Secret == "" {
		return false
	}
	return digest.EqualHex(digest.HMACHex(s.Secret, message), sig)
}

// KeyStrategies returns the verification order for the configured secrets.
// The derived strategy uses masterSecret, or signingSecret when no master is set;
// the legacy strategy uses signingSecret directly.
func KeyStrategies(masterSecret, signingSecret string) []Strategy {
	var out []Strategy
	master := masterSecret
	if master == "" {
		master = signingSecret
	}
	if master != "" {
		out = append(out, DerivedKey{Master: master})
	}
	if signingSecret != "" {
		out = append(out, LegacyKey{Secret: signingSecret})
	}
	return out
}

// ReplayChecker consumes nonces; see guard.ReplayGuard.
type ReplayChecker interface {
	CheckAndConsume(ctx context.Context, token, nonce string, ttl time.Duration) (bool, error)
}

// Options configures a Verifier.
type Options struct {
	Strategies []Strategy
	// Window bounds |now - ts|. A value <= 0 turns the bound off.
	Window time.Duration
	Replay ReplayChecker
	Now    func() time.Time
}

// Verifier authenticates signed ingestion requests.
type Verifier struct {
	strategies []Strategy
	window     time.Duration
	replay     ReplayChecker
	now        func() time.Time
}

func NewVerifier(o Options) *Verifier {
	now := o.Now
	if now == nil {
		now = time.Now
	}
	return &Verifier{
		strategies: o.Strategies,
		window:     o.Window,
		replay:     o.Replay,
		now:        now,
	}
}

// Configured reports whether any signing key is available.
func (v *Verifier) Configured() bool {
	return len(v.strategies) > 0
}

// Request is the part of an ingestion request covered by the signature.
type Request struct {
	Token string
	Path  string
	Query url.Values
}

// Verify returns the name of the accepting strategy, or an error.
// A nonce is only consumed once a signature has matched.
func (v *Verifier) Verify(ctx context.Context, r Request) (string, error) {
	if !v.Configured() {
		return "", ErrNotConfigured
	}

	tsRaw := r.Query.Get(ParamTimestamp)
	sig := r.Query.Get(ParamSignature)
	if tsRaw == "" || sig == "" {
		return "", ErrMissingSignature
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		return "", ErrMalformedTimestamp
	}

	if v.window > 0 {
		// now - ts can overflow; now ± w cannot.
		now, w := v.now().Unix(), int64(v.window/time.Second)
		if ts < now-w || ts > now+w {
			return "", ErrOutsideWindow
		}
	}

	message := StringToSign(ts, r.Path, CanonicalQuery(r.Query))
	accepted := ""
	for _, s := range v.strategies {
		if s.Verify(r.Token, message, sig) {
			accepted = s.Name()
			break
		}
	}
	if accepted == "" {
		return "", ErrBadSignature
	}

	if nonce := r.Query.Get(ParamNonce); nonce != "" && v.replay != nil {
		ttl := v.window
		if ttl <= 0 {
			ttl = DefaultWindow
		}
		ok, err := v.replay.CheckAndConsume(ctx, r.Token, nonce, ttl)
		if err != nil {
			return "", fmt.Errorf("replay check: %w", err)
		}
		if !ok {
			return "", ErrReplayed
		}
	}
	return accepted, nil
}
