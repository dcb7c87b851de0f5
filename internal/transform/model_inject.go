// Package transform rewrites and reads single known JSON fields on the proxy
// hot path without a full parse, falling back to encoding/json only when the
// byte-level pattern is absent or ambiguous.
package transform

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// modelFieldRe matches a "model" member with a string value, capturing the
// value region. The value pattern tolerates escaped quotes.
var modelFieldRe = regexp.MustCompile(`"model"(\s*:\s*)"((?:[^"\\]|\\.)*)"`)

// InjectResult reports how a model injection was performed.
type InjectResult struct {
	Body          []byte
	Modified      bool
	UsedFullParse bool
}

// escapeModelValue escapes backslashes and quotes so the replacement value
// cannot break out of the JSON string literal.
func escapeModelValue(model string) string {
	model = strings.ReplaceAll(model, `\`, `\\`)
	return strings.ReplaceAll(model, `"`, `\"`)
}

// InjectModel replaces the top-level "model" field value with newModel.
//
// The fast path edits the value bytes in place, preserving surrounding
// whitespace and member order. When the field is absent, appears more than
// once, or sits below the top level, the document is re-written through a
// full parse instead. With fallback disabled the body
// comes back unchanged with Modified=false. A body that fails even the full
// parse is returned unchanged together with the parse error so the caller
// can surface it without forwarding corrupted bytes.
func InjectModel(body []byte, newModel string, fallback bool) (InjectResult, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return InjectResult{Body: body}, fmt.Errorf("transform: body is not a JSON object")
	}

	locs := modelFieldRe.FindAllSubmatchIndex(body, 2)
	if len(locs) == 1 && atTopLevel(body, locs[0][0]) {
		loc := locs[0]
		// Group 2 is the value region between the quotes.
		var out bytes.Buffer
		out.Grow(len(body) + len(newModel))
		out.Write(body[:loc[4]])
		out.WriteString(escapeModelValue(newModel))
		out.Write(body[loc[5]:])
		return InjectResult{Body: out.Bytes(), Modified: true}, nil
	}

	if !fallback {
		return InjectResult{Body: body}, nil
	}
	return injectModelFullParse(body, newModel)
}

// injectModelFullParse sets model via decode/encode. Member order is not
// preserved on this path; well-formedness is.
func injectModelFullParse(body []byte, newModel string) (InjectResult, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return InjectResult{Body: body}, fmt.Errorf("transform: parse body: %w", err)
	}
	doc["model"] = newModel
	out, err := json.Marshal(doc)
	if err != nil {
		return InjectResult{Body: body}, fmt.Errorf("transform: serialize body: %w", err)
	}
	return InjectResult{Body: out, Modified: true, UsedFullParse: true}, nil
}

// atTopLevel reports whether the byte offset sits at object nesting depth 1,
// scanning braces and brackets outside string literals.
func atTopLevel(body []byte, offset int) bool {
	depth := 0
	inString := false
	escaped := false
	for i := 0; i < offset && i < len(body); i++ {
		c := body[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
		}
	}
	return depth == 1 && !inString
}
