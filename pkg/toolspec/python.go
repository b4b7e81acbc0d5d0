// Copyright 2026 © The Forge Authors
// SPDX-License-Identifier: Apache-2.0

package toolspec

import (
	"fmt"
	"regexp"
	"strings"
)

// Param is one parameter of a Python function signature.
type Param struct {
	Name       string
	Type       string
	HasDefault bool
}

// ParseSignature extracts the parameters of the top-level function name.
// Variadic parameters are rejected: a tool's inputs must be enumerable.
func ParseSignature(code, name string) ([]Param, error) {
	re := regexp.MustCompile(`(?m)^def\s+` + regexp.QuoteMeta(name) + `\s*\(`)
	loc := re.FindStringIndex(code)
	if loc == nil {
		return nil, fmt.Errorf("function %q is not defined at top level", name)
	}
	open := loc[1] - 1
	end, err := matchParen(code, open)
	if err != nil {
		return nil, fmt.Errorf("function %q: %w", name, err)
	}

	var params []Param
	for _, raw := range splitTopLevel(code[open+1:end], ',') {
		raw = strings.TrimSpace(raw)
		if raw == "" || raw == "/" || raw == "*" {
			continue
		}
		if strings.HasPrefix(raw, "*") {
			return nil, fmt.Errorf("function %q: variadic parameter %q is not allowed", name, raw)
		}
		var p Param
		left := raw
		if parts := splitTopLevel(raw, '='); len(parts) > 1 {
			left = parts[0]
			p.HasDefault = true
		}
		if parts := splitTopLevel(left, ':'); len(parts) > 1 {
			p.Type = strings.TrimSpace(strings.Join(parts[1:], ":"))
			left = parts[0]
		}
		p.Name = strings.TrimSpace(left)
		if !identRe.MatchString(p.Name) {
			return nil, fmt.Errorf("function %q: cannot parse parameter %q", name, raw)
		}
		params = append(params, p)
	}
	return params, nil
}

// SchemaFromSignature rebuilds an input schema from the code. Parameters
// without annotations map to "any".
func SchemaFromSignature(code, name string) (Schema, error) {
	params, err := ParseSignature(code, name)
	if err != nil {
		return nil, err
	}
	s := make(Schema, len(params))
	for _, p := range params {
		s[p.Name] = NormalizeType(p.Type)
	}
	return s, nil
}

// matchParen returns the index of the parenthesis closing the one at open.
func matchParen(s string, open int) (int, error) {
	depth := 0
	var quote byte
	for i := open; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
			if depth == 0 {
				return i, nil
			}
		}
	}
	return 0, fmt.Errorf("unbalanced parentheses in signature")
}

// splitTopLevel splits s on sep outside brackets and string literals.
// '=' is not treated as a separator when part of ==, <=, >= or !=.
func splitTopLevel(s string, sep byte) []string {
	var parts []string
	depth, start := 0, 0
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}
			continue
		}
		switch c {
		case '\'', '"':
			quote = c
		case '(', '[', '{':
			depth++
		case ')', ']', '}':
			depth--
		case sep:
			if depth != 0 {
				continue
			}
			if sep == '=' && ((i+1 < len(s) && s[i+1] == '=') || (i > 0 && strings.ContainsRune("=<>!", rune(s[i-1])))) {
				continue
			}
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

var mainBlockRe = regexp.MustCompile(`^if\s+__name__\s*==\s*['"]__main__['"]\s*:`)

// StripMainBlock removes a top-level `if __name__ == "__main__":` block so the
// module can be imported without running its demo entry point.
func StripMainBlock(code string) string {
	lines := strings.Split(code, "\n")
	out := make([]string, 0, len(lines))
	inBlock := false
	for _, line := range lines {
		if inBlock {
			if strings.TrimSpace(line) == "" || line[0] == ' ' || line[0] == '\t' {
				continue
			}
			inBlock = false
		}
		if mainBlockRe.MatchString(line) {
			inBlock = true
			continue
		}
		out = append(out, line)
	}
	return strings.TrimRight(strings.Join(out, "\n"), "\n") + "\n"
}

var packageHintRe = regexp.MustCompile(`(?mi)^\s*#\s*packages?\s*:\s*(.+)$`)

// PackageHints returns packages listed in `# packages: a, b` comments.
func PackageHints(code string) []string {
	var out []string
	for _, m := range packageHintRe.FindAllStringSubmatch(code, -1) {
		for _, f := range strings.FieldsFunc(m[1], func(r rune) bool { return r == ',' || r == ' ' || r == '\t' }) {
			if f != "" {
				out = append(out, f)
			}
		}
	}
	return out
}

var (
	tryRe        = regexp.MustCompile(`(?m)^\s*(try\s*:|except\b)`)
	urlRe        = regexp.MustCompile(`["'](https?://[^"']+)["']`)
	credentialRe = regexp.MustCompile(`(?i)\b(api_?key|secret|password|passwd|token)\s*=\s*["'][^"']+["']`)
	homePathRe   = regexp.MustCompile(`["'](/home/[^"']*|/Users/[^"']*|[A-Za-z]:\\\\[^"']*)["']`)
	defHeaderRe  = regexp.MustCompile(`(?m)^\s*def\s+\w+\s*\(`)
)

// ForbiddenConstructs lists the constructs a synthesized tool may not contain:
// its own error handling and configuration values baked into the body.
// Defaults in function signatures are parameters and are allowed.
func ForbiddenConstructs(code string) []string {
	body := blankSignatures(code)
	var lines []string
	for _, l := range strings.Split(body, "\n") {
		if strings.HasPrefix(strings.TrimSpace(l), "#") {
			continue
		}
		lines = append(lines, l)
	}
	body = strings.Join(lines, "\n")

	var found []string
	if tryRe.MatchString(body) {
		found = append(found, "try/except error handling")
	}
	if m := urlRe.FindStringSubmatch(body); m != nil {
		found = append(found, "hard-coded URL "+m[1])
	}
	if credentialRe.MatchString(body) {
		found = append(found, "hard-coded credential")
	}
	if m := homePathRe.FindStringSubmatch(body); m != nil {
		found = append(found, "hard-coded path "+m[1])
	}
	return found
}

// blankSignatures replaces every def parameter list with spaces.
func blankSignatures(code string) string {
	b := []byte(code)
	for _, loc := range defHeaderRe.FindAllStringIndex(code, -1) {
		open := loc[1] - 1
		end, err := matchParen(code, open)
		if err != nil {
			continue
		}
		for i := open + 1; i < end; i++ {
			if b[i] != '\n' {
				b[i] = ' '
			}
		}
	}
	return string(b)
}
