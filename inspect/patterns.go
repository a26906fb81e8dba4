// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package inspect

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.gearno.de/shield/request"
)

type (
	// Signature pairs a regular expression with a description of
	// the attack class it matches. Patterns are compiled
	// case-insensitively.
	Signature struct {
		Pattern     string `json:"pattern"`
		Description string `json:"description"`
	}

	signature struct {
		re          *regexp.Regexp
		description string
	}
)

// DefaultSignatures returns the built-in malicious pattern list. Order
// matters: the first matching signature wins.
func DefaultSignatures() []Signature {
	return []Signature{
		{Pattern: `<script[^>]*>`, Description: "script tag injection"},
		{Pattern: `javascript:`, Description: "javascript scheme"},
		{Pattern: `vbscript:`, Description: "vbscript scheme"},
		{Pattern: `union\s+select`, Description: "sql injection"},
		{Pattern: `insert\s+into\s`, Description: "sql injection"},
		{Pattern: `delete\s+from\s`, Description: "sql injection"},
		{Pattern: `drop\s+table\s`, Description: "sql injection"},
		{Pattern: `file://`, Description: "file scheme access"},
		{Pattern: `\.\./`, Description: "path traversal"},
		{Pattern: `%00|\x00`, Description: "null byte encoding"},
		{Pattern: `\beval\s*\(`, Description: "code execution"},
		{Pattern: `\bexec\s*\(`, Description: "code execution"},
		{Pattern: `\bsystem\s*\(`, Description: "code execution"},
	}
}

// WithSignatures overrides the built-in pattern list. Patterns are
// matched case-insensitively; compilation errors surface from
// NewInspector.
func WithSignatures(signatures []Signature) Option {
	return func(i *Inspector) {
		compiled, err := compileSignatures(signatures)
		if err != nil {
			// Surfaced by NewInspector below.
			i.signatures = nil
			i.signaturesErr = err
			return
		}

		i.signatures = compiled
	}
}

func compileSignatures(signatures []Signature) ([]signature, error) {
	compiled := make([]signature, 0, len(signatures))
	for _, s := range signatures {
		re, err := regexp.Compile("(?i)" + s.Pattern)
		if err != nil {
			return nil, fmt.Errorf("cannot compile pattern %q: %w", s.Pattern, err)
		}

		compiled = append(compiled, signature{
			re:          re,
			description: s.Description,
		})
	}

	return compiled, nil
}

// CheckPatterns screens the request URL, path, query string, and the
// User-Agent and Referer headers against the signature list. The first
// match wins; nil means no signature matched.
func (i *Inspector) CheckPatterns(rc *request.Context) *Violation {
	fields := []struct {
		name  string
		value string
	}{
		{"url", rc.URL},
		{"path", rc.Path},
		{"query", serializeQuery(rc.Query)},
		{"user-agent", rc.UserAgent()},
		{"referer", rc.Referer()},
	}

	for _, s := range i.signatures {
		for _, f := range fields {
			if f.value == "" {
				continue
			}

			if match := s.re.FindString(f.value); match != "" {
				return &Violation{
					Code:    "malicious_pattern",
					Detail:  s.description,
					Field:   f.name,
					Snippet: truncate(match),
				}
			}
		}
	}

	return nil
}

// serializeQuery flattens query parameters without percent-escaping,
// so that signatures see the values the application will see.
func serializeQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}

	var b strings.Builder
	for key, vs := range values {
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(key)
			b.WriteByte('=')
			b.WriteString(v)
		}
	}

	return b.String()
}
