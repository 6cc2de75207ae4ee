package stage

import (
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strings"

	"inferd/internal/failure"
)

const previewLen = 200

var (
	fenceRE         = regexp.MustCompile("```[a-zA-Z]*")
	trailingCommaRE = regexp.MustCompile(`,(\s*[}\]])`)
)

// ErrNoJSONObject is returned when no '{' in the text starts a decodable object.
var ErrNoJSONObject = errors.New("no JSON object found")

// ExtractJSON finds the JSON object embedded in raw. The span from the first
// '{' to the last '}' wins when it decodes, first as written, then without
// code fences, then with trailing commas removed. Otherwise the largest
// object that decodes on its own is taken, so a small object quoted in the
// leading prose never shadows the response. Numbers are kept as json.Number
// and survive re-encoding exactly.
func ExtractJSON(raw string) (map[string]any, error) {
	stripped := fenceRE.ReplaceAllString(raw, "")
	repaired := trailingCommaRE.ReplaceAllString(stripped, "$1")
	for _, text := range []string{raw, stripped, repaired} {
		if obj, ok := outerSpan(text); ok {
			return obj, nil
		}
	}
	for _, text := range []string{raw, repaired} {
		if obj, ok := largestObject(text); ok {
			return obj, nil
		}
	}
	fe := failure.New(failure.ParseFailure, "parse", ErrNoJSONObject)
	fe.Details = map[string]any{"preview": preview(raw), "length": len(raw)}
	return nil, fe
}

func outerSpan(text string) (map[string]any, bool) {
	start, end := strings.IndexByte(text, '{'), strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, false
	}
	dec := newDecoder(text[start : end+1])
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil || obj == nil {
		return nil, false
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, false
	}
	return obj, true
}

// largestObject decodes an object at every '{' not already inside a decoded
// one and keeps the longest.
func largestObject(text string) (map[string]any, bool) {
	var best map[string]any
	bestLen := int64(0)
	for i := 0; i < len(text); i++ {
		if text[i] != '{' {
			continue
		}
		dec := newDecoder(text[i:])
		var obj map[string]any
		if err := dec.Decode(&obj); err != nil || obj == nil {
			continue
		}
		n := dec.InputOffset()
		if n > bestLen {
			best, bestLen = obj, n
		}
		i += int(n) - 1
	}
	return best, best != nil
}

func newDecoder(s string) *json.Decoder {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	return dec
}

// preview trims s to previewLen runes for logs and error details.
func preview(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= previewLen {
		return s
	}
	return string(r[:previewLen]) + "..."
}
