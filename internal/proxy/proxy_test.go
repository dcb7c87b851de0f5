package proxy

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tollgate-proxy/tollgate/internal/cache"
	"github.com/tollgate-proxy/tollgate/internal/model"
	"github.com/tollgate-proxy/tollgate/internal/pipeline"
	"github.com/tollgate-proxy/tollgate/internal/pool"
	"github.com/tollgate-proxy/tollgate/internal/profile"
	"github.com/tollgate-proxy/tollgate/internal/ratelimit"
	"github.com/tollgate-proxy/tollgate/internal/state"
)

const (
	testWindowMs = int64(18_000_000) // 5h
	testBucketMs = int64(300_000)    // 5m
	upstreamKey  = "sk-upstream-secret"
	tenantKey    = "tg-tenant-alpha-0123456789"
)

type stubBackend struct{}

func (stubBackend) Name() string                           { return "stub" }
func (stubBackend) LoadAll() ([]model.TenantRecord, error) { return nil, nil }
func (stubBackend) Upsert(model.TenantRecord) error        { return nil }
func (stubBackend) BulkUpsert([]model.TenantRecord) error  { return nil }
func (stubBackend) Delete(string) error                    { return nil }
func (stubBackend) Ping() error                            { return nil }
func (stubBackend) Close() error                           { return nil }

type fixture struct {
	store   *state.TenantStore
	limiter *ratelimit.Limiter
	engine  *Engine
}

func newFixture(t *testing.T, baseURL string, mutate func(*Config)) *fixture {
	t.Helper()
	store, err := state.NewTenantStore(state.StoreConfig{
		Backend:  stubBackend{},
		WindowMs: testWindowMs,
		BucketMs: testBucketMs,
	})
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	limiter := ratelimit.New(ratelimit.Config{Recorder: store})
	t.Cleanup(limiter.Close)

	cfg := Config{
		Store:   store,
		Limiter: limiter,
		Upstream: Upstream{
			BaseURL: strings.TrimSuffix(baseURL, "/"),
			APIKey:  upstreamKey,
		},
		Profiler:        profile.New(false),
		UpstreamTimeout: 5 * time.Second,
		InjectFallback:  true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return &fixture{store: store, limiter: limiter, engine: NewEngine(cfg)}
}

func (f *fixture) createTenant(t *testing.T, limit int64, expiryMs int64) {
	t.Helper()
	_, err := f.store.Create(model.TenantRecord{
		Key:             tenantKey,
		Name:            "alpha",
		Model:           "glm-4.7",
		TokenLimitPer5h: limit,
		ExpiryDateMs:    expiryMs,
		CreatedAtMs:     time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("create tenant: %v", err)
	}
}

func chatRequest(body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(body))
	r.Header.Set("Authorization", "Bearer "+tenantKey)
	r.Header.Set("Content-Type", "application/json")
	return r
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestEngine_MissingCredential(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0", nil)
	r := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if got := w.Header().Get("X-Tollgate-Error"); got != "unauthenticated" {
		t.Fatalf("error code header = %q", got)
	}
}

func TestEngine_UnknownKey(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0", nil)
	r := chatRequest(`{}`)
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if got := w.Header().Get("X-Tollgate-Error"); got != "invalid_credential" {
		t.Fatalf("error code header = %q", got)
	}
}

func TestEngine_ExpiredKey(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0", nil)
	f.createTenant(t, 1000, time.Now().UnixMilli()-60_000)

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, chatRequest(`{"model":"x"}`))
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if got := w.Header().Get("X-Tollgate-Error"); got != "key_expired" {
		t.Fatalf("error code header = %q", got)
	}
}

func TestEngine_RateLimitedResponseShape(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0", nil)
	f.createTenant(t, 100, 0)
	nowMs := time.Now().UnixMilli()
	if err := f.store.RecordUsage(tenantKey, 100, "glm-4.7", nowMs); err != nil {
		t.Fatalf("seed usage: %v", err)
	}

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, chatRequest(`{"model":"x"}`))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("429 missing Retry-After header")
	}

	var body struct {
		Message      string `json:"message"`
		Type         string `json:"type"`
		TokensUsed   int64  `json:"tokens_used"`
		TokensLimit  int64  `json:"tokens_limit"`
		WindowEndsAt int64  `json:"window_ends_at"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode 429 body: %v", err)
	}
	if body.Type != "rate_limit_exceeded" || body.Message == "" {
		t.Fatalf("unexpected body: %+v", body)
	}
	if body.TokensUsed != 100 || body.TokensLimit != 100 {
		t.Fatalf("usage fields wrong: used=%d limit=%d", body.TokensUsed, body.TokensLimit)
	}
	if body.WindowEndsAt <= nowMs {
		t.Fatalf("window_ends_at not in the future: %d", body.WindowEndsAt)
	}
}

func TestEngine_InjectsModelAndChargesTokens(t *testing.T) {
	var gotModel, gotAuth string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var doc map[string]any
		json.Unmarshal(body, &doc)
		gotModel, _ = doc["model"].(string)
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","usage":{"prompt_tokens":10,"completion_tokens":32,"total_tokens":42}}`))
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, nil)
	f.createTenant(t, 1000, 0)

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, chatRequest(`{"model":"gpt-4","messages":[]}`))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if gotModel != "glm-4.7" {
		t.Fatalf("upstream saw model %q, want the tenant's", gotModel)
	}
	if gotAuth != "Bearer "+upstreamKey {
		t.Fatalf("upstream auth = %q", gotAuth)
	}
	if !strings.Contains(w.Body.String(), `"total_tokens":42`) {
		t.Fatalf("response body not forwarded verbatim: %s", w.Body.String())
	}

	// Usage recording is fire-and-forget.
	waitFor(t, func() bool {
		tnt, ok := f.store.Lookup(tenantKey)
		return ok && tnt.Window().Total(time.Now().UnixMilli()) == 42
	}, "42 tokens charged to the window")
}

func TestEngine_TenantCredentialNeverForwarded(t *testing.T) {
	var sawKey bool
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization") + r.Header.Get("x-api-key")
		sawKey = strings.Contains(auth, tenantKey)
		w.Write([]byte(`{}`))
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, nil)
	f.createTenant(t, 1000, 0)

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, chatRequest(`{"model":"x"}`))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if sawKey {
		t.Fatalf("tenant credential leaked to the upstream")
	}
}

func TestEngine_AnthropicSurface(t *testing.T) {
	var gotPath, gotKey, gotVersion string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("x-api-key")
		gotVersion = r.Header.Get("anthropic-version")
		w.Write([]byte(`{"usage":{"input_tokens":5,"output_tokens":7}}`))
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, nil)
	f.createTenant(t, 1000, 0)

	r := httptest.NewRequest(http.MethodPost, "/anthropic/v1/messages", strings.NewReader(`{"model":"x"}`))
	r.Header.Set("x-api-key", tenantKey)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotPath != "/v1/messages" {
		t.Fatalf("upstream path = %q, want /v1/messages", gotPath)
	}
	if gotKey != upstreamKey {
		t.Fatalf("upstream x-api-key = %q", gotKey)
	}
	if gotVersion != "2023-06-01" {
		t.Fatalf("anthropic-version = %q", gotVersion)
	}

	// input+output tokens sum to the charge.
	waitFor(t, func() bool {
		tnt, _ := f.store.Lookup(tenantKey)
		return tnt.Window().Total(time.Now().UnixMilli()) == 12
	}, "12 tokens charged")
}

func TestEngine_StreamPassthrough(t *testing.T) {
	const stream = "data: {\"delta\":\"hi\"}\n\ndata: [DONE]\n\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, stream)
	}))
	defer upstream.Close()

	f := newFixture(t, upstream.URL, nil)
	f.createTenant(t, 1000, 0)

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, chatRequest(`{"model":"x","stream":true}`))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if w.Body.String() != stream {
		t.Fatalf("stream body altered:\n got %q\nwant %q", w.Body.String(), stream)
	}

	// Streamed responses are never charged.
	time.Sleep(50 * time.Millisecond)
	tnt, _ := f.store.Lookup(tenantKey)
	if total := tnt.Window().Total(time.Now().UnixMilli()); total != 0 {
		t.Fatalf("streamed response charged %d tokens", total)
	}
}

func TestEngine_CacheServesRepeatedRequest(t *testing.T) {
	var upstreamHits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"cmpl-1","usage":{"total_tokens":5}}`))
	}))
	defer upstream.Close()

	respCache, err := cache.New(64, time.Minute)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	f := newFixture(t, upstream.URL, func(c *Config) { c.Cache = respCache })
	f.createTenant(t, 1000, 0)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		f.engine.ServeHTTP(w, chatRequest(`{"model":"x","messages":[{"role":"user","content":"hello"}]}`))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
		if i == 1 && w.Header().Get("X-Tollgate-Cache") != "hit" {
			t.Fatalf("second request missed the cache")
		}
	}
	if n := upstreamHits.Load(); n != 1 {
		t.Fatalf("upstream hit %d times, want 1", n)
	}
}

func TestEngine_StreamedResponseNotCached(t *testing.T) {
	var upstreamHits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		upstreamHits.Add(1)
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer upstream.Close()

	respCache, err := cache.New(64, time.Minute)
	if err != nil {
		t.Fatalf("cache: %v", err)
	}
	f := newFixture(t, upstream.URL, func(c *Config) { c.Cache = respCache })
	f.createTenant(t, 1000, 0)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		f.engine.ServeHTTP(w, chatRequest(`{"model":"x"}`))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	if n := upstreamHits.Load(); n != 2 {
		t.Fatalf("stream was cached: upstream hit %d times, want 2", n)
	}
}

func TestEngine_MalformedJSONBody(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0", nil)
	f.createTenant(t, 1000, 0)

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, chatRequest(`{"model": broken`))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if got := w.Header().Get("X-Tollgate-Error"); got != "validation" {
		t.Fatalf("error code header = %q", got)
	}
}

func TestEngine_UpstreamUnreachableMapsTo502(t *testing.T) {
	// A listener that is immediately closed leaves a refused port behind.
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	deadURL := dead.URL
	dead.Close()

	f := newFixture(t, deadURL, nil)
	f.createTenant(t, 1000, 0)

	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, chatRequest(`{"model":"x"}`))
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", w.Code)
	}
	if got := w.Header().Get("X-Tollgate-Error"); got != "upstream_error" {
		t.Fatalf("error code header = %q", got)
	}
}

func TestEngine_MissingUpstreamCredential(t *testing.T) {
	f := newFixture(t, "http://127.0.0.1:0", func(c *Config) { c.Upstream.APIKey = "" })
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, chatRequest(`{}`))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	if got := w.Header().Get("X-Tollgate-Error"); got != "configuration_error" {
		t.Fatalf("error code header = %q", got)
	}
}

func TestEngine_PooledDispatch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"usage":{"total_tokens":3}}`))
	}))
	defer upstream.Close()

	p, err := pool.New(upstream.URL, pool.Config{
		MinConnections:           1,
		MaxConnections:           2,
		MaxInFlightPerConnection: 4,
		AcquireTimeout:           2 * time.Second,
		HealthCheckInterval:      time.Hour,
	})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer p.Close()
	m := pipeline.NewManager(pipeline.Config{MaxPerConnection: 4, MaxQueueSize: 8})

	f := newFixture(t, upstream.URL, func(c *Config) {
		c.Pool = p
		c.Pipeline = m
	})
	f.createTenant(t, 1000, 0)

	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		f.engine.ServeHTTP(w, chatRequest(`{"model":"x"}`))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d: %s", i, w.Code, w.Body.String())
		}
	}
	if p.Size() == 0 {
		t.Fatalf("pool did not retain any connections")
	}
}

// A single pooled connection carries concurrent requests up to the lane
// cap; beyond it requests queue, and a full queue sheds load with 503.
func TestEngine_PipelinesOverOneConnection(t *testing.T) {
	release := make(chan struct{})
	var inflight, peak atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := inflight.Add(1)
		for {
			p := peak.Load()
			if cur <= p || peak.CompareAndSwap(p, cur) {
				break
			}
		}
		<-release
		inflight.Add(-1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"usage":{"total_tokens":1}}`))
	}))
	defer upstream.Close()

	p, err := pool.New(upstream.URL, pool.Config{
		MinConnections:           1,
		MaxConnections:           1,
		MaxInFlightPerConnection: 3,
		HealthCheckInterval:      time.Hour,
	})
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer p.Close()
	m := pipeline.NewManager(pipeline.Config{MaxPerConnection: 3, MaxQueueSize: 1, QueueTimeout: 5 * time.Second})

	f := newFixture(t, upstream.URL, func(c *Config) {
		c.Pool = p
		c.Pipeline = m
	})
	f.createTenant(t, 1000, 0)

	codes := make(chan int, 4)
	send := func() {
		w := httptest.NewRecorder()
		f.engine.ServeHTTP(w, chatRequest(`{"model":"x"}`))
		codes <- w.Code
	}

	for i := 0; i < 3; i++ {
		go send()
	}
	waitFor(t, func() bool { return peak.Load() == 3 }, "3 concurrent requests over one connection")
	if p.Size() != 1 {
		t.Fatalf("expected a single pooled connection, got %d", p.Size())
	}

	// Lane full: the next request waits in the priority queue.
	go send()
	waitFor(t, func() bool { return m.Stats().QueueDepth == 1 }, "fourth request queued")

	// Queue full: the next sheds immediately.
	w := httptest.NewRecorder()
	f.engine.ServeHTTP(w, chatRequest(`{"model":"x"}`))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if got := w.Header().Get("X-Tollgate-Error"); got != "backpressure" {
		t.Fatalf("error code header = %q", got)
	}

	close(release)
	for i := 0; i < 4; i++ {
		if code := <-codes; code != http.StatusOK {
			t.Fatalf("request %d finished with %d", i, code)
		}
	}
	if got := m.Stats().PeakConcurrency; got != 3 {
		t.Fatalf("pipeline peak concurrency = %d, want 3", got)
	}
}

func TestEngine_StreamResponseCountsBytes(t *testing.T) {
	const stream = "data: {\"delta\":\"hi\"}\n\ndata: [DONE]\n\n"
	e := NewEngine(Config{Profiler: profile.New(false)})

	resp := &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": []string{"text/event-stream"}},
		Body:       io.NopCloser(strings.NewReader(stream)),
	}
	w := httptest.NewRecorder()
	if got := e.streamResponse(w, resp); got != int64(len(stream)) {
		t.Fatalf("streamed byte count = %d, want %d", got, len(stream))
	}
	if w.Body.String() != stream {
		t.Fatalf("stream body altered: %q", w.Body.String())
	}
}

func TestUpstreamPath(t *testing.T) {
	cases := []struct{ in, want string }{
		{"/chat/completions", "/chat/completions"},
		{"/v1/chat/completions", "/v1/chat/completions"},
		{"/anthropic/v1/messages", "/v1/messages"},
		{"/anthropic", "/anthropic"},
	}
	for _, c := range cases {
		if got := upstreamPath(c.in); got != c.want {
			t.Fatalf("upstreamPath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
