package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/tollgate-proxy/tollgate/internal/cache"
	"github.com/tollgate-proxy/tollgate/internal/pipeline"
	"github.com/tollgate-proxy/tollgate/internal/pool"
	"github.com/tollgate-proxy/tollgate/internal/profile"
	"github.com/tollgate-proxy/tollgate/internal/ratelimit"
	"github.com/tollgate-proxy/tollgate/internal/state"
	"github.com/tollgate-proxy/tollgate/internal/transform"
)

const (
	maxBufferedBody        = 10 << 20 // bodies above this pass through unmodified
	defaultUpstreamTimeout = 30 * time.Second
)

// Config assembles one Engine.
type Config struct {
	Store    *state.TenantStore
	Limiter  *ratelimit.Limiter
	Upstream Upstream

	// Pool and Pipeline are nil when DISABLE_CONNECTION_POOL is set; the
	// engine then dispatches over a plain shared client.
	Pool     *pool.ConnectionPool
	Pipeline *pipeline.Manager

	// Cache is nil when response caching is off.
	Cache *cache.ResponseCache

	Profiler *profile.Profiler

	StreamChunkSize  int
	StreamBufferPool bool
	UpstreamTimeout  time.Duration
	InjectFallback   bool
}

// Engine is the tenant-facing proxy handler.
type Engine struct {
	store    *state.TenantStore
	limiter  *ratelimit.Limiter
	upstream Upstream

	pool     *pool.ConnectionPool
	pipeline *pipeline.Manager
	cache    *cache.ResponseCache
	profiler *profile.Profiler

	fallbackClient  *http.Client
	buffers         *bufferPool
	upstreamTimeout time.Duration
	injectFallback  bool
}

// NewEngine wires the data plane.
func NewEngine(cfg Config) *Engine {
	timeout := cfg.UpstreamTimeout
	if timeout <= 0 {
		timeout = defaultUpstreamTimeout
	}
	return &Engine{
		store:           cfg.Store,
		limiter:         cfg.Limiter,
		upstream:        cfg.Upstream,
		pool:            cfg.Pool,
		pipeline:        cfg.Pipeline,
		cache:           cfg.Cache,
		profiler:        cfg.Profiler,
		fallbackClient:  &http.Client{},
		buffers:         newBufferPool(cfg.StreamChunkSize, cfg.StreamBufferPool),
		upstreamTimeout: timeout,
		injectFallback:  cfg.InjectFallback,
	}
}

// extractCredential pulls the tenant key from Authorization: Bearer or
// x-api-key.
func extractCredential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return strings.TrimSpace(r.Header.Get("x-api-key"))
}

// requestPriority maps the optional priority hint header; absent means
// normal.
func requestPriority(r *http.Request) pipeline.Priority {
	switch strings.ToLower(r.Header.Get("X-Tollgate-Priority")) {
	case "low":
		return pipeline.PriorityLow
	case "high":
		return pipeline.PriorityHigh
	case "critical":
		return pipeline.PriorityCritical
	default:
		return pipeline.PriorityNormal
	}
}

func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx, trace := e.profiler.Start(r.Context())
	r = r.WithContext(ctx)

	status, tokens, streamed := e.serve(w, r, trace)

	key := extractCredential(r)
	suffix := ""
	if streamed > 0 {
		suffix = fmt.Sprintf(" stream_bytes=%d", streamed)
	}
	if trace != nil {
		suffix += " " + trace.Summary()
	}
	log.Printf("[proxy] %s %s -> %d tenant=%s tokens=%d dur=%s%s",
		r.Method, r.URL.Path, status, truncateKey(key), tokens, time.Since(start).Round(time.Millisecond), suffix)
}

// serve runs the request and returns (status, tokensCharged, streamedBytes)
// for the lifecycle log.
func (e *Engine) serve(w http.ResponseWriter, r *http.Request, trace *profile.Trace) (int, int64, int64) {
	if e.upstream.APIKey == "" {
		writeProxyError(w, ErrConfiguration)
		return ErrConfiguration.HTTPCode, 0, 0
	}

	// 1. Credential.
	key := extractCredential(r)
	if key == "" {
		writeProxyError(w, ErrUnauthenticated)
		return ErrUnauthenticated.HTTPCode, 0, 0
	}
	tenant, ok := e.store.Lookup(key)
	if !ok {
		writeProxyError(w, ErrInvalidCredential)
		return ErrInvalidCredential.HTTPCode, 0, 0
	}
	trace.Mark("auth")

	// 2. Rate limit, point-in-time with hint 1.
	nowMs := time.Now().UnixMilli()
	rec := tenant.Limits()
	decision := e.limiter.Check(rec, tenant.Window(), 1, nowMs)
	if !decision.Allowed {
		switch decision.Reason {
		case ratelimit.ReasonKeyExpired:
			writeProxyError(w, ErrKeyExpired)
			return ErrKeyExpired.HTTPCode, 0, 0
		case ratelimit.ReasonInternal:
			writeProxyError(w, ErrInternal)
			return ErrInternal.HTTPCode, 0, 0
		}
		writeRateLimited(w, decision.TokensUsed, decision.TokensLimit,
			decision.WindowEndsAtMs, decision.RetryAfterSeconds)
		return http.StatusTooManyRequests, 0, 0
	}
	trace.Mark("ratelimit")

	// 3. Body transformation for buffered JSON writes.
	body, pe := e.prepareBody(r, rec.Model)
	if pe != nil {
		writeProxyError(w, pe)
		return pe.HTTPCode, 0, 0
	}
	trace.Mark("transform")

	// 4. Response cache.
	cacheKey := ""
	if e.cache != nil && body != nil {
		cacheKey = cache.Fingerprint(r.Method, r.URL.Path, body, rec.Model)
		if entry, hit := e.cache.Get(cacheKey); hit {
			writeCached(w, entry)
			return entry.Status, 0, 0
		}
	}

	// 5. Dispatch.
	resp, err := e.dispatch(r, body)
	if err != nil {
		pe := mapDispatchError(err)
		if pe == nil {
			// Client went away; nothing to write.
			return 499, 0, 0
		}
		log.Printf("[proxy] upstream dispatch failed: %v", err)
		writeProxyError(w, pe)
		return pe.HTTPCode, 0, 0
	}
	defer resp.Body.Close()
	trace.Mark("upstream")

	// 6. Stream passthrough, untouched and uncounted.
	if isEventStream(resp) {
		streamed := e.streamResponse(w, resp)
		return resp.StatusCode, 0, streamed
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBufferedBody))
	if err != nil {
		writeProxyError(w, ErrUpstreamFailed)
		return ErrUpstreamFailed.HTTPCode, 0, 0
	}

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	w.Write(respBody)

	// 7. Post-hoc accounting on non-streamed 2xx.
	var charged int64
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		extracted := transform.ExtractTokens(respBody)
		if extracted.Found && extracted.Tokens > 0 {
			charged = extracted.Tokens
			go func(n int64) {
				if err := e.limiter.Record(key, n, rec.Model, time.Now().UnixMilli()); err != nil {
					log.Printf("[proxy] usage record failed for %s: %v", truncateKey(key), err)
				}
			}(charged)
		}
		if e.cache != nil && cacheKey != "" {
			e.cache.Set(cacheKey, cache.Entry{
				Status:     resp.StatusCode,
				Header:     resp.Header.Clone(),
				Body:       respBody,
				TokensUsed: charged,
			}, 0)
		}
	}
	trace.Mark("respond")
	return resp.StatusCode, charged, 0
}

// prepareBody buffers and transforms JSON write bodies. Returns nil for
// passthrough (streaming or non-write methods).
func (e *Engine) prepareBody(r *http.Request, tenantModel string) ([]byte, *ProxyError) {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
	default:
		return nil, nil
	}
	// Chunked inbound bodies stream through unbuffered.
	if r.ContentLength < 0 {
		return nil, nil
	}
	if r.ContentLength == 0 {
		return []byte{}, nil
	}
	if r.ContentLength > maxBufferedBody {
		return nil, nil
	}
	ct := r.Header.Get("Content-Type")
	if ct != "" && !strings.Contains(ct, "json") {
		return nil, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBufferedBody+1))
	if err != nil {
		return nil, ErrInternal
	}
	r.Body.Close()

	result, err := transform.InjectModel(body, tenantModel, e.injectFallback)
	if err != nil {
		return nil, ErrMalformedBody
	}
	return result.Body, nil
}

// dispatch sends the outbound request through the pool and pipeline, or over
// the shared client when pooling is disabled.
func (e *Engine) dispatch(r *http.Request, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(r.Context(), e.upstreamTimeout)

	out, err := e.upstream.buildUpstreamRequest(ctx, r, body)
	if err != nil {
		cancel()
		return nil, err
	}

	if e.pool == nil || e.pipeline == nil {
		resp, err := e.fallbackClient.Do(out)
		return wrapCancel(resp, cancel, err)
	}

	conn, err := e.pool.Acquire(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	start := time.Now()
	resp, err := e.pipeline.Execute(ctx, conn, requestPriority(r), func() (*http.Response, error) {
		return conn.Do(out)
	})
	e.pool.ObserveRequest(time.Since(start), err == nil)
	// Scheduling rejections and client cancellations say nothing about the
	// connection itself.
	healthy := err == nil || ctx.Err() != nil || schedulingFailure(err)
	e.pool.Release(conn, healthy)
	return wrapCancel(resp, cancel, err)
}

// schedulingFailure reports errors raised before the request touched the
// wire.
func schedulingFailure(err error) bool {
	return errors.Is(err, pipeline.ErrBackpressure) ||
		errors.Is(err, pipeline.ErrQueueTimeout) ||
		errors.Is(err, pipeline.ErrShuttingDown)
}

// wrapCancel ties the request context's cancel to body close so the timeout
// does not fire while the caller is still reading.
func wrapCancel(resp *http.Response, cancel context.CancelFunc, err error) (*http.Response, error) {
	if err != nil || resp == nil {
		cancel()
		return resp, err
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func isEventStream(resp *http.Response) bool {
	return strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream")
}

// streamResponse copies the upstream stream chunk by chunk, flushing each
// one, and returns the bytes relayed. Errors mid-stream just end the body.
func (e *Engine) streamResponse(w http.ResponseWriter, resp *http.Response) int64 {
	copyHeaders(w.Header(), resp.Header)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(resp.StatusCode)

	flusher, _ := w.(http.Flusher)
	buf := e.buffers.get()
	defer e.buffers.put(buf)

	tap := newCountingReadCloser(resp.Body)
	for {
		n, err := tap.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return tap.Bytes()
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			return tap.Bytes()
		}
	}
}

func writeCached(w http.ResponseWriter, entry cache.Entry) {
	copyHeaders(w.Header(), entry.Header)
	w.Header().Set("X-Tollgate-Cache", "hit")
	w.WriteHeader(entry.Status)
	w.Write(entry.Body)
}

func copyHeaders(dst, src http.Header) {
	for k, vals := range src {
		if k == "Connection" || k == "Transfer-Encoding" {
			continue
		}
		for _, v := range vals {
			dst.Add(k, v)
		}
	}
}

// truncateKey shortens a credential for log lines; full keys never land in
// logs.
func truncateKey(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8] + "..."
}
