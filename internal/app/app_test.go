package app

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/PratikDhanave/kanariya/internal/config"
	"github.com/PratikDhanave/kanariya/internal/models"
	"github.com/PratikDhanave/kanariya/internal/signing"
	"github.com/PratikDhanave/kanariya/internal/store"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// webhookSink records alert envelopes.
type webhookSink struct {
	mu     sync.Mutex
	alerts []models.Alert
}

func (s *webhookSink) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var a models.Alert
	_ = json.NewDecoder(r.Body).Decode(&a)
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *webhookSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type testApp struct {
	*App
	clk  *clock
	sink *webhookSink
}

func newTestApp(t *testing.T, vars map[string]string) *testApp {
	t.Helper()

	sink := &webhookSink{}
	hook := httptest.NewServer(sink)
	t.Cleanup(hook.Close)

	base := map[string]string{
		"IP_HMAC_KEY":    "ip-secret",
		"ADMIN_KEY":      "admin-secret",
		"MASTER_SECRET":  "master",
		"WEBHOOK_URL":    hook.URL,
		"RATE_LIMIT_MAX": "100",
	}
	for k, v := range vars {
		base[k] = v
	}
	cfg, err := config.LoadFrom(func(k string) (string, bool) {
		v, ok := base[k]
		return v, ok
	})
	require.NoError(t, err)

	clk := &clock{t: time.Unix(1_700_000_040, 0)}
	a, err := New(cfg, store.NewMemoryKV(clk.Now), nil, Options{Now: clk.Now, HTTPClient: hook.Client()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Dispatcher.Shutdown(context.Background()) })

	return &testApp{App: a, clk: clk, sink: sink}
}

func (a *testApp) do(t *testing.T, method, target string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	for k, vs := range header {
		req.Header[k] = vs
	}
	w := httptest.NewRecorder()
	a.Router.ServeHTTP(w, req)
	return w
}

func (a *testApp) hit(t *testing.T, target string) {
	t.Helper()
	w := a.do(t, http.MethodGet, target, http.Header{
		"Cf-Connecting-Ip": {"203.0.113.7"},
		"User-Agent":       {"UnitTest/1.0"},
	})
	require.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())
}

func (a *testApp) stored(t *testing.T, token string) []models.HitEvent {
	t.Helper()
	evs, err := a.Events.List(context.Background(), token, 10_000)
	require.NoError(t, err)
	return evs
}

func (a *testApp) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Dispatcher.Drain(ctx))
}

func (a *testApp) signedPath(token string, extra url.Values) string {
	return signedPathAt(token, a.clk.Now().Unix(), extra)
}

func signedPathAt(token string, ts int64, extra url.Values) string {
	q := url.Values{}
	for k, vs := range extra {
		q[k] = vs
	}
	q.Set(signing.ParamTimestamp, strconv.FormatInt(ts, 10))
	path := "/canary/" + token
	q.Set(signing.ParamSignature, signing.Sign(signing.DeriveKey("master", token), ts, path, q))
	return path + "?" + q.Encode()
}

func TestCanary_UnsignedHitStoredOnce(t *testing.T) {
	a := newTestApp(t, nil)

	a.hit(t, "/canary/tok?src=mail")

	evs := a.stored(t, "tok")
	require.Len(t, evs, 1)
	assert.Equal(t, "mail", evs[0].Source)
	assert.NotEqual(t, "203.0.113.7", evs[0].IPHash)
	assert.NotEmpty(t, evs[0].IPHash)
}

func TestCanary_DuplicateNotifiesOnce(t *testing.T) {
	a := newTestApp(t, nil)

	a.hit(t, "/canary/tok")
	a.hit(t, "/canary/tok")
	a.drain(t)

	assert.Len(t, a.stored(t, "tok"), 2)
	require.Equal(t, 1, a.sink.count())
	assert.Equal(t, models.AlertKind, a.sink.alerts[0].Kind)
	assert.Equal(t, "tok", a.sink.alerts[0].Event.Token)
}

func TestCanary_MissingTokenIsSilent(t *testing.T) {
	a := newTestApp(t, nil)

	a.hit(t, "/canary/")
	assert.Equal(t, 0, a.Backend.(*store.MemoryKV).Len())
}

func TestCanary_SubpathUsesFirstSegment(t *testing.T) {
	a := newTestApp(t, nil)

	a.hit(t, "/canary/tok/logo.png")
	assert.Len(t, a.stored(t, "tok"), 1)
}

func TestCanary_Preflight(t *testing.T) {
	a := newTestApp(t, map[string]string{"CORS_ALLOW_ORIGIN": "https://docs.example.test"})

	w := a.do(t, http.MethodOptions, "/canary/tok", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://docs.example.test", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "GET")
	assert.Empty(t, a.stored(t, "tok"))
}

func TestCanary_RequireSignature(t *testing.T) {
	vars := map[string]string{"REQUIRE_SIGNATURE": "true"}

	t.Run("unsigned dropped", func(t *testing.T) {
		a := newTestApp(t, vars)
		a.hit(t, "/canary/tok")
		a.drain(t)
		assert.Empty(t, a.stored(t, "tok"))
		assert.Equal(t, 0, a.sink.count())
	})

	t.Run("signed stored once", func(t *testing.T) {
		a := newTestApp(t, vars)
		a.hit(t, a.signedPath("tok", url.Values{"src": {"doc"}}))
		assert.Len(t, a.stored(t, "tok"), 1)
	})

	t.Run("nonce replay dropped", func(t *testing.T) {
		a := newTestApp(t, vars)
		p := a.signedPath("tok", url.Values{"nonce": {"n-1"}})
		a.hit(t, p)
		a.hit(t, p)
		assert.Len(t, a.stored(t, "tok"), 1)
	})

	t.Run("expired signature dropped", func(t *testing.T) {
		a := newTestApp(t, vars)
		p := a.signedPath("tok", nil)
		a.clk.Advance(301 * time.Second)
		a.hit(t, p)
		assert.Empty(t, a.stored(t, "tok"))
	})

	t.Run("wrapping timestamp dropped", func(t *testing.T) {
		a := newTestApp(t, vars)
		a.hit(t, signedPathAt("tok", a.clk.Now().Unix()+math.MinInt64, nil))
		assert.Empty(t, a.stored(t, "tok"))
	})
}

func TestCanary_RateLimit(t *testing.T) {
	a := newTestApp(t, map[string]string{
		"RATE_LIMIT_MAX":            "3",
		"RATE_LIMIT_WINDOW_SECONDS": "60",
	})

	for i := 0; i < 4; i++ {
		a.hit(t, "/canary/tok")
	}
	assert.Len(t, a.stored(t, "tok"), 3)

	a.clk.Advance(time.Minute)
	a.hit(t, "/canary/tok")
	assert.Len(t, a.stored(t, "tok"), 4)
}

func TestAdminSign_MintsVerifiableURL(t *testing.T) {
	a := newTestApp(t, map[string]string{
		"REQUIRE_SIGNATURE": "1",
		"PUBLIC_BASE_URL":   "https://canary.example.test",
	})

	w := a.do(t, http.MethodGet, "/admin/sign?token=tok&src=doc", http.Header{"Authorization": {"Bearer admin-secret"}})
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.SignResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "tok", resp.Token)
	assert.Equal(t, a.clk.Now().Unix(), resp.TS)
	assert.NotEmpty(t, resp.Nonce, "nonce is generated when absent")

	u, err := url.Parse(resp.URL)
	require.NoError(t, err)
	assert.Equal(t, "canary.example.test", u.Host)
	assert.Equal(t, "/canary/tok", u.Path)

	a.hit(t, u.RequestURI())
	a.hit(t, u.RequestURI())
	evs := a.stored(t, "tok")
	require.Len(t, evs, 1, "the minted nonce is single use")
	assert.Equal(t, "doc", evs[0].Source)
}

func TestAdminSign_Errors(t *testing.T) {
	a := newTestApp(t, nil)
	auth := http.Header{"Authorization": {"Bearer admin-secret"}}

	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, "/admin/sign?token=tok", nil).Code)
	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, "/admin/sign?token=tok",
		http.Header{"Authorization": {"Bearer wrong"}}).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/admin/sign", auth).Code)

	unconfigured := newTestApp(t, map[string]string{"MASTER_SECRET": "", "ALLOW_PUBLIC_SIGN": "true"})
	assert.Equal(t, http.StatusInternalServerError, unconfigured.do(t, http.MethodGet, "/admin/sign?token=tok", nil).Code)
}

func TestAdminSign_RequestDerivedBase(t *testing.T) {
	a := newTestApp(t, map[string]string{"ALLOW_PUBLIC_SIGN": "yes"})

	w := a.do(t, http.MethodGet, "/admin/sign?token=tok&nonce=fixed", http.Header{"X-Forwarded-Proto": {"https"}})
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.SignResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "fixed", resp.Nonce)
	assert.Contains(t, resp.URL, "https://example.com/canary/tok?")
}

func TestAdminExport(t *testing.T) {
	a := newTestApp(t, map[string]string{"EXPORT_MAX_ITEMS": "5"})
	auth := http.Header{"Authorization": {"Bearer admin-secret"}}

	for i := 0; i < 8; i++ {
		a.hit(t, "/canary/tok?src="+strconv.Itoa(i))
		a.clk.Advance(time.Second)
	}

	w := a.do(t, http.MethodGet, "/admin/export?token=tok", auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json; charset=utf-8", w.Header().Get("Content-Type"))

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	var evs []models.HitEvent
	require.NoError(t, json.Unmarshal(body, &evs))
	require.Len(t, evs, 5)
	for i := 1; i < len(evs); i++ {
		assert.Less(t, evs[i-1].Timestamp, evs[i].Timestamp)
	}

	assert.Equal(t, http.StatusForbidden, a.do(t, http.MethodGet, "/admin/export?token=tok", nil).Code)
	assert.Equal(t, http.StatusBadRequest, a.do(t, http.MethodGet, "/admin/export", auth).Code)

	w = a.do(t, http.MethodGet, "/admin/export?token=unknown", auth)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, "[]", w.Body.String())
}

func TestAdminExport_Public(t *testing.T) {
	a := newTestApp(t, map[string]string{"ALLOW_PUBLIC_EXPORT": "true", "ADMIN_KEY": ""})
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/admin/export?token=tok", nil).Code)
}

func TestHealthAndReady(t *testing.T) {
	a := newTestApp(t, nil)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusOK, a.do(t, http.MethodGet, "/ready", nil).Code)
}

type countingPurger struct {
	mu    sync.Mutex
	calls int
}

func (p *countingPurger) PurgeExpired(context.Context) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return 1, nil
}

func TestRunPurger_StopsWithContext(t *testing.T) {
	p := &countingPurger{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunPurger(ctx, p, 5*time.Millisecond, zap.NewNop())
		close(done)
	}()

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.calls >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("purger did not stop")
	}
}
