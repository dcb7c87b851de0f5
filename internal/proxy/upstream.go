package proxy

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
)

// Upstream describes the proxied LLM service.
type Upstream struct {
	BaseURL          string // no trailing slash
	APIKey           string
	AnthropicVersion string
}

// upstreamPath maps an inbound path to the upstream path. The /anthropic
// prefix is the compatibility alias; everything else forwards as-is.
func upstreamPath(inbound string) string {
	if rest, ok := strings.CutPrefix(inbound, "/anthropic"); ok && rest != "" {
		return rest
	}
	return inbound
}

// isOpenAIShaped reports whether the upstream endpoint uses the OpenAI
// surface (bearer auth) rather than the Anthropic one (x-api-key).
func isOpenAIShaped(path string) bool {
	return strings.HasSuffix(path, "/chat/completions")
}

// hopHeaders are dropped when forwarding, plus the tenant credential.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Authorization",
	"X-Api-Key",
}

// buildUpstreamRequest assembles the outbound request. body may be nil for a
// passthrough of the inbound stream.
func (u Upstream) buildUpstreamRequest(ctx context.Context, r *http.Request, body []byte) (*http.Request, error) {
	target := u.BaseURL + upstreamPath(r.URL.Path)
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = r.Body
	}
	out, err := http.NewRequestWithContext(ctx, r.Method, target, reader)
	if err != nil {
		return nil, err
	}

	out.Header = r.Header.Clone()
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	out.Host = ""

	if body != nil {
		out.ContentLength = int64(len(body))
	}

	if isOpenAIShaped(out.URL.Path) {
		out.Header.Set("Authorization", "Bearer "+u.APIKey)
	} else {
		out.Header.Set("x-api-key", u.APIKey)
		if out.Header.Get("anthropic-version") == "" {
			version := u.AnthropicVersion
			if version == "" {
				version = "2023-06-01"
			}
			out.Header.Set("anthropic-version", version)
		}
	}
	return out, nil
}
