package transform

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
)

// usageTotalRe matches the OpenAI usage object with its total_tokens member,
// tolerating other members before it inside the usage object.
var usageTotalRe = regexp.MustCompile(`"usage"\s*:\s*\{[^{}]*"total_tokens"\s*:\s*(\d+)`)

// ExtractResult reports a token-usage extraction.
type ExtractResult struct {
	Tokens        int64
	Found         bool
	UsedFullParse bool
}

// ExtractTokens pulls the token-usage counter from a response body.
//
// The regex peephole covers the OpenAI shape (usage.total_tokens). Misses
// fall back to a full parse that also recognizes the Anthropic shape
// (usage.input_tokens + usage.output_tokens). Found is false when neither
// shape is present.
func ExtractTokens(body []byte) ExtractResult {
	if m := usageTotalRe.FindSubmatch(body); m != nil {
		n, err := strconv.ParseInt(string(m[1]), 10, 64)
		if err == nil && n >= 0 {
			return ExtractResult{Tokens: n, Found: true}
		}
	}
	return extractTokensFullParse(body)
}

type usageEnvelope struct {
	Usage *usageFields `json:"usage"`
}

type usageFields struct {
	TotalTokens  *int64 `json:"total_tokens"`
	InputTokens  *int64 `json:"input_tokens"`
	OutputTokens *int64 `json:"output_tokens"`
}

func extractTokensFullParse(body []byte) ExtractResult {
	var env usageEnvelope
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&env); err != nil || env.Usage == nil {
		return ExtractResult{UsedFullParse: true}
	}
	u := env.Usage
	switch {
	case u.TotalTokens != nil && *u.TotalTokens >= 0:
		return ExtractResult{Tokens: *u.TotalTokens, Found: true, UsedFullParse: true}
	case u.InputTokens != nil || u.OutputTokens != nil:
		var total int64
		if u.InputTokens != nil && *u.InputTokens > 0 {
			total += *u.InputTokens
		}
		if u.OutputTokens != nil && *u.OutputTokens > 0 {
			total += *u.OutputTokens
		}
		return ExtractResult{Tokens: total, Found: true, UsedFullParse: true}
	default:
		return ExtractResult{UsedFullParse: true}
	}
}
