package pipeline

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/PratikDhanave/kanariya/internal/guard"
	"github.com/PratikDhanave/kanariya/internal/identity"
	"github.com/PratikDhanave/kanariya/internal/models"
	"github.com/PratikDhanave/kanariya/internal/signing"
	"github.com/PratikDhanave/kanariya/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

type recordingNotifier struct {
	mu     sync.Mutex
	events []models.HitEvent
}

func (n *recordingNotifier) Dispatch(_ context.Context, ev models.HitEvent) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.events)
}

type harness struct {
	clk      *clock
	kv       *store.MemoryKV
	events   *store.EventStore
	notifier *recordingNotifier
	reader   *sdkmetric.ManualReader
	in       *Ingestor
}

func newHarness(t *testing.T, s Settings) *harness {
	t.Helper()
	clk := &clock{t: time.Unix(1_700_000_040, 0)}
	kv := store.NewMemoryKV(clk.now)
	events := store.NewEventStore(kv, s.EventTTL)
	notifier := &recordingNotifier{}
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	verifier := signing.NewVerifier(signing.Options{
		Strategies: signing.KeyStrategies("master", "legacy"),
		Window:     signing.DefaultWindow,
		Replay:     guard.NewReplayGuard(kv),
		Now:        clk.now,
	})

	in, err := New(s, Deps{
		Verifier: verifier,
		Limiter:  guard.NewRateLimiter(kv, clk.now),
		Dedupe:   guard.NewDedupeGate(kv),
		Events:   events,
		Hasher:   identity.NewHasher("ip-secret"),
		Notifier: notifier,
		Meter:    provider.Meter("test"),
		Now:      clk.now,
	})
	require.NoError(t, err)
	return &harness{clk: clk, kv: kv, events: events, notifier: notifier, reader: reader, in: in}
}

func defaultSettings() Settings {
	return Settings{
		EventTTL:  30 * 24 * time.Hour,
		DedupeTTL: 30 * time.Minute,
	}
}

func hit(token string) Hit {
	return Hit{
		Token:     token,
		Path:      "/canary/" + token,
		Query:     url.Values{"src": {"doc"}},
		ClientIP:  "203.0.113.5",
		UserAgent: "UnitTest/1.0",
		Referer:   "https://example.test/",
		Edge:      identity.Edge{Country: "JP", ASN: "64512"},
	}
}

func (h *harness) stored(t *testing.T, token string) []models.HitEvent {
	t.Helper()
	got, err := h.events.List(context.Background(), token, 1000)
	require.NoError(t, err)
	return got
}

func TestIngest_StoresEventWithoutRawIP(t *testing.T) {
	h := newHarness(t, defaultSettings())

	outcome, err := h.in.Ingest(context.Background(), hit("tok"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, outcome)

	got := h.stored(t, "tok")
	require.Len(t, got, 1)
	ev := got[0]
	assert.Equal(t, "2023-11-14T22:14:00.000Z", ev.Timestamp)
	assert.Equal(t, "doc", ev.Source)
	assert.Equal(t, identity.NewHasher("ip-secret").IPHash("203.0.113.5"), ev.IPHash)
	assert.NotContains(t, ev.IPHash, "203.0.113.5")
	assert.Equal(t, "JP", ev.Country)
	assert.Equal(t, "64512", ev.ASN)
	assert.Equal(t, "UnitTest/1.0", ev.UserAgent)
	assert.Equal(t, 1, h.notifier.count())
}

func TestIngest_DuplicateStoredButNotNotified(t *testing.T) {
	h := newHarness(t, defaultSettings())
	ctx := context.Background()

	first, err := h.in.Ingest(ctx, hit("tok"))
	require.NoError(t, err)
	second, err := h.in.Ingest(ctx, hit("tok"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeAccepted, first)
	assert.Equal(t, OutcomeDuplicate, second)
	assert.Len(t, h.stored(t, "tok"), 2)
	assert.Equal(t, 1, h.notifier.count())

	h.clk.t = h.clk.t.Add(31 * time.Minute)
	third, err := h.in.Ingest(ctx, hit("tok"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, third, "dedupe window elapsed")
	assert.Equal(t, 2, h.notifier.count())
}

func TestIngest_NoIdentityDisablesDedupe(t *testing.T) {
	h := newHarness(t, defaultSettings())
	ctx := context.Background()

	anon := hit("tok")
	anon.ClientIP = ""
	for i := 0; i < 3; i++ {
		outcome, err := h.in.Ingest(ctx, anon)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, outcome)
	}
	assert.Equal(t, 3, h.notifier.count())
	for _, ev := range h.stored(t, "tok") {
		assert.Empty(t, ev.IPHash)
	}
}

func TestIngest_MissingToken(t *testing.T) {
	h := newHarness(t, defaultSettings())

	outcome, err := h.in.Ingest(context.Background(), hit(""))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, outcome)
	assert.Equal(t, 0, h.kv.Len())
}

func TestIngest_TruncatesFields(t *testing.T) {
	h := newHarness(t, defaultSettings())

	long := hit("tok")
	long.Query = url.Values{"src": {strings.Repeat("s", 2000)}}
	long.UserAgent = strings.Repeat("u", 1000)
	long.Referer = strings.Repeat("r", 1000)

	_, err := h.in.Ingest(context.Background(), long)
	require.NoError(t, err)

	ev := h.stored(t, "tok")[0]
	assert.Len(t, ev.Source, models.MaxSourceBytes)
	assert.Len(t, ev.UserAgent, models.MaxUserAgentBytes)
	assert.Len(t, ev.Referer, models.MaxRefererBytes)
}

func TestTruncate_KeepsRunesWhole(t *testing.T) {
	assert.Equal(t, "abc", Truncate("abc", 5))
	assert.Equal(t, "ab", Truncate("abcd", 2))
	// "é" is two bytes; cutting inside it drops the whole rune.
	assert.Equal(t, "a", Truncate("aé", 2))
	assert.Equal(t, "", Truncate("é", 1))
}

func TestIngest_RateLimited(t *testing.T) {
	s := defaultSettings()
	s.RateWindow = time.Minute
	s.RateMax = 2
	h := newHarness(t, s)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		outcome, err := h.in.Ingest(ctx, hit("tok"))
		require.NoError(t, err)
		assert.True(t, outcome.Stored())
	}

	outcome, err := h.in.Ingest(ctx, hit("tok"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRateLimited, outcome)
	assert.Len(t, h.stored(t, "tok"), 2)
	assert.Equal(t, 1, h.notifier.count())

	h.clk.t = h.clk.t.Add(time.Minute)
	outcome, err = h.in.Ingest(ctx, hit("tok"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome, "next bucket is admitted again")
	assert.Len(t, h.stored(t, "tok"), 3)
}

func signedHit(h *harness, key string, extra url.Values) Hit {
	x := hit("tok")
	q := url.Values{}
	for k, vs := range extra {
		q[k] = vs
	}
	ts := h.clk.t.Unix()
	q.Set(signing.ParamTimestamp, strconv.FormatInt(ts, 10))
	q.Set(signing.ParamSignature, signing.Sign(key, ts, x.Path, q))
	x.Query = q
	return x
}

func TestIngest_RequireSignature(t *testing.T) {
	s := defaultSettings()
	s.RequireSignature = true
	ctx := context.Background()

	t.Run("unsigned is dropped", func(t *testing.T) {
		h := newHarness(t, s)
		outcome, err := h.in.Ingest(ctx, hit("tok"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeInvalid, outcome)
		assert.Empty(t, h.stored(t, "tok"))
		assert.Equal(t, 0, h.notifier.count())
	})

	t.Run("derived key accepted once", func(t *testing.T) {
		h := newHarness(t, s)
		outcome, err := h.in.Ingest(ctx, signedHit(h, signing.DeriveKey("master", "tok"), nil))
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, outcome)
		assert.Len(t, h.stored(t, "tok"), 1)
	})

	t.Run("legacy key accepted", func(t *testing.T) {
		h := newHarness(t, s)
		outcome, err := h.in.Ingest(ctx, signedHit(h, "legacy", nil))
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, outcome)
	})

	t.Run("bad signature", func(t *testing.T) {
		h := newHarness(t, s)
		outcome, err := h.in.Ingest(ctx, signedHit(h, "wrong", nil))
		require.NoError(t, err)
		assert.Equal(t, OutcomeUnauthenticated, outcome)
		assert.Empty(t, h.stored(t, "tok"))
	})

	t.Run("replayed nonce", func(t *testing.T) {
		h := newHarness(t, s)
		x := signedHit(h, signing.DeriveKey("master", "tok"), url.Values{"nonce": {"n-1"}})

		outcome, err := h.in.Ingest(ctx, x)
		require.NoError(t, err)
		assert.Equal(t, OutcomeAccepted, outcome)

		outcome, err = h.in.Ingest(ctx, x)
		require.NoError(t, err)
		assert.Equal(t, OutcomeReplayed, outcome)
		assert.Len(t, h.stored(t, "tok"), 1)
	})
}

type brokenKV struct{ err error }

func (b brokenKV) Get(context.Context, string) (string, bool, error) { return "", false, b.err }
func (b brokenKV) Put(context.Context, string, string, time.Duration) error {
	return b.err
}
func (b brokenKV) List(context.Context, string, string, int) (store.Page, error) {
	return store.Page{}, b.err
}

func TestIngest_StoreFailure(t *testing.T) {
	boom := errors.New("kv unavailable")
	kv := brokenKV{err: boom}
	notifier := &recordingNotifier{}
	in, err := New(defaultSettings(), Deps{
		Limiter:  guard.NewRateLimiter(kv, nil),
		Dedupe:   guard.NewDedupeGate(kv),
		Events:   store.NewEventStore(kv, time.Hour),
		Hasher:   identity.NewHasher("ip-secret"),
		Notifier: notifier,
	})
	require.NoError(t, err)

	outcome, err := in.Ingest(context.Background(), hit("tok"))
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, notifier.count())
}

func TestNew_RequiresVerifierWhenSigning(t *testing.T) {
	kv := store.NewMemoryKV(nil)
	_, err := New(Settings{RequireSignature: true}, Deps{
		Limiter: guard.NewRateLimiter(kv, nil),
		Dedupe:  guard.NewDedupeGate(kv),
		Events:  store.NewEventStore(kv, time.Hour),
	})
	assert.Error(t, err)
}

func TestIngest_CountsOutcomes(t *testing.T) {
	h := newHarness(t, defaultSettings())
	ctx := context.Background()

	_, _ = h.in.Ingest(ctx, hit("tok"))
	_, _ = h.in.Ingest(ctx, hit("tok"))
	_, _ = h.in.Ingest(ctx, hit(""))

	var rm metricdata.ResourceMetrics
	require.NoError(t, h.reader.Collect(ctx, &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "kanariya.hits" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				v, _ := dp.Attributes.Value("outcome")
				counts[v.AsString()] = dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{"accepted": 1, "duplicate": 1, "invalid": 1}, counts)
}
