package cache

import (
	"bytes"
	"encoding/json"
	"strconv"

	"github.com/zeebo/xxh3"
)

// Fingerprint derives the stable cache key for one request: method, path,
// normalized JSON body, and the tenant's pinned model. JSON bodies are
// compacted first so formatting differences hash identically.
func Fingerprint(method, path string, body []byte, tenantModel string) string {
	normalized := body
	if len(body) > 0 {
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err == nil {
			normalized = buf.Bytes()
		}
	}

	h := xxh3.New()
	h.WriteString(method)
	h.Write([]byte{0})
	h.WriteString(path)
	h.Write([]byte{0})
	h.Write(normalized)
	h.Write([]byte{0})
	h.WriteString(tenantModel)
	return strconv.FormatUint(h.Sum64(), 16)
}
