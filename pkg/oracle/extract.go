package oracle

import (
	"encoding/json"
	"regexp"
	"strings"
)

var (
	thinkRe = regexp.MustCompile(`(?s)<think>.*?</think>`)
	fenceRe = regexp.MustCompile("(?s)```([A-Za-z0-9_+-]*)[ \t]*\n(.*?)```")
)

// StripThink removes <think>...</think> reasoning blocks.
func StripThink(s string) string {
	return strings.TrimSpace(thinkRe.ReplaceAllString(s, ""))
}

// FencedBlock returns the body and language tag of the first fenced code
// block. A json block wins over earlier blocks of other languages.
func FencedBlock(s string) (body, lang string, ok bool) {
	matches := fenceRe.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return "", "", false
	}
	for _, m := range matches {
		if strings.EqualFold(m[1], "json") {
			return strings.TrimSpace(m[2]), "json", true
		}
	}
	return strings.TrimSpace(matches[0][2]), strings.ToLower(matches[0][1]), true
}

// ExtractJSON finds the JSON document in an oracle reply: a fenced json
// block, a fenced block holding JSON, or the first decodable object or array
// in the text.
func ExtractJSON(s string) ([]byte, bool) {
	s = StripThink(s)
	if body, _, ok := FencedBlock(s); ok {
		// A fenced document must be exactly one JSON value.
		if strings.HasPrefix(body, "{") || strings.HasPrefix(body, "[") {
			return []byte(body), true
		}
		if doc, ok := firstJSON(body); ok {
			return doc, true
		}
	}
	return firstJSON(s)
}

func firstJSON(s string) ([]byte, bool) {
	for i := 0; i < len(s); i++ {
		if s[i] != '{' && s[i] != '[' {
			continue
		}
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(s[i:])).Decode(&raw); err == nil {
			return raw, true
		}
	}
	return nil, false
}
