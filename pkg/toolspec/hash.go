package toolspec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"unicode"
)

// Fingerprint normalizes a capability query so identical requests map to the
// same registry key: lower case, punctuation dropped, whitespace collapsed.
func Fingerprint(query string) string {
	var b strings.Builder
	space := false
	for _, r := range strings.ToLower(query) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
		default:
			space = true
		}
	}
	return b.String()
}

// ArgsHash returns a stable 16 hex character key for a set of arguments.
// encoding/json writes map keys sorted, which makes the encoding canonical.
func ArgsHash(args map[string]interface{}) string {
	if args == nil {
		args = map[string]interface{}{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		data = []byte(err.Error())
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
