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

// Package inspect provides stateless protocol and payload analysis of
// inbound requests: request smuggling signatures, malicious pattern
// screening, and basic integrity validation. All checks are pure
// functions of the request context; no shared state, no I/O.
package inspect

import (
	"fmt"
	"strings"

	"go.gearno.de/shield/request"
)

type (
	// Option configures the Inspector during initialization.
	Option func(i *Inspector)

	// Limits holds the numeric thresholds used by the smuggling
	// checks.
	Limits struct {
		// MaxHeaders is the maximum number of header name/value
		// pairs allowed on a request.
		MaxHeaders int `json:"max-headers"`

		// MaxHeaderSize is the maximum combined length of one
		// header's name and value, in bytes.
		MaxHeaderSize int `json:"max-header-size"`

		// MaxURLLength is the maximum request URL length, in
		// bytes.
		MaxURLLength int `json:"max-url-length"`
	}

	// Violation describes one failed check. The snippet is bounded
	// and safe to log; it is never returned to clients.
	Violation struct {
		// Code is a stable machine-readable reason.
		Code string

		// Detail is a human-readable description of the rule.
		Detail string

		// Field names the request field that triggered the
		// violation, when relevant.
		Field string

		// Snippet is the offending input, truncated to 100
		// characters.
		Snippet string
	}

	// Inspector runs the configured checks. It is immutable after
	// construction and safe for concurrent use.
	Inspector struct {
		limits        Limits
		signatures    []signature
		signaturesErr error
		deniedMethods map[string]struct{}
	}
)

const maxSnippetLen = 100

// DefaultLimits returns the default smuggling-check thresholds.
func DefaultLimits() Limits {
	return Limits{
		MaxHeaders:    100,
		MaxHeaderSize: 8192,
		MaxURLLength:  2048,
	}
}

// WithLimits overrides the default thresholds. Zero fields keep their
// defaults.
func WithLimits(limits Limits) Option {
	return func(i *Inspector) {
		if limits.MaxHeaders > 0 {
			i.limits.MaxHeaders = limits.MaxHeaders
		}
		if limits.MaxHeaderSize > 0 {
			i.limits.MaxHeaderSize = limits.MaxHeaderSize
		}
		if limits.MaxURLLength > 0 {
			i.limits.MaxURLLength = limits.MaxURLLength
		}
	}
}

// WithDeniedMethods overrides the default method denylist.
func WithDeniedMethods(methods ...string) Option {
	return func(i *Inspector) {
		i.deniedMethods = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			i.deniedMethods[strings.ToUpper(m)] = struct{}{}
		}
	}
}

// NewInspector creates an inspector with the default thresholds,
// method denylist, and pattern signatures.
func NewInspector(options ...Option) (*Inspector, error) {
	i := &Inspector{
		limits: DefaultLimits(),
		deniedMethods: map[string]struct{}{
			"TRACE":   {},
			"TRACK":   {},
			"CONNECT": {},
		},
	}

	for _, o := range options {
		o(i)
	}

	if i.signaturesErr != nil {
		return nil, i.signaturesErr
	}

	if i.signatures == nil {
		compiled, err := compileSignatures(DefaultSignatures())
		if err != nil {
			return nil, fmt.Errorf("cannot compile default signatures: %w", err)
		}
		i.signatures = compiled
	}

	return i, nil
}

func (v *Violation) String() string {
	if v.Field == "" {
		return v.Code
	}

	return fmt.Sprintf("%s (%s)", v.Code, v.Field)
}

// CheckSmuggling detects HTTP request-smuggling signatures and related
// protocol anomalies. Checks run in a fixed order and short-circuit on
// the first match; nil means every check passed.
func (i *Inspector) CheckSmuggling(rc *request.Context) *Violation {
	if len(rc.Headers.Values("Content-Length")) > 1 {
		return &Violation{
			Code:   "duplicate_content_length",
			Detail: "multiple Content-Length header values",
			Field:  "Content-Length",
		}
	}

	hasTE := rc.TransferEncoding != "" || len(rc.Headers.Values("Transfer-Encoding")) > 0
	hasCL := rc.ContentLength >= 0 || len(rc.Headers.Values("Content-Length")) > 0
	if hasTE && hasCL {
		return &Violation{
			Code:   "transfer_encoding_with_content_length",
			Detail: "Transfer-Encoding and Content-Length both present",
		}
	}

	if _, denied := i.deniedMethods[rc.Method]; denied {
		return &Violation{
			Code:    "denied_method",
			Detail:  "HTTP method is not allowed",
			Field:   "method",
			Snippet: truncate(rc.Method),
		}
	}

	if rc.HeaderPairs() > i.limits.MaxHeaders {
		return &Violation{
			Code:   "too_many_headers",
			Detail: fmt.Sprintf("more than %d headers", i.limits.MaxHeaders),
		}
	}

	for name, values := range rc.Headers {
		for _, value := range values {
			if strings.ContainsAny(name, "\r\n\x00") || strings.ContainsAny(value, "\r\n\x00") {
				return &Violation{
					Code:    "header_injection",
					Detail:  "control byte in header",
					Field:   name,
					Snippet: truncate(value),
				}
			}
		}
	}

	for name, values := range rc.Headers {
		for _, value := range values {
			if len(name)+len(value) > i.limits.MaxHeaderSize {
				return &Violation{
					Code:   "oversized_header",
					Detail: fmt.Sprintf("header longer than %d bytes", i.limits.MaxHeaderSize),
					Field:  name,
				}
			}
		}
	}

	// Obsolete line folding: a value starting with SP or HTAB is a
	// continuation line, a desync signal in modern traffic.
	for name, values := range rc.Headers {
		for _, value := range values {
			if value != "" && (value[0] == ' ' || value[0] == '\t') {
				return &Violation{
					Code:    "folded_header",
					Detail:  "obsolete header line folding",
					Field:   name,
					Snippet: truncate(value),
				}
			}
		}
	}

	if len(rc.URL) > i.limits.MaxURLLength {
		return &Violation{
			Code:   "oversized_url",
			Detail: fmt.Sprintf("URL longer than %d bytes", i.limits.MaxURLLength),
			Field:  "url",
		}
	}

	if strings.ContainsRune(rc.URL, '\x00') {
		return &Violation{
			Code:   "invalid_url",
			Detail: "NUL byte in URL",
			Field:  "url",
		}
	}

	return nil
}

// CheckIntegrity validates basic request consistency for
// state-changing methods. Nil means the request is consistent.
func (i *Inspector) CheckIntegrity(rc *request.Context) *Violation {
	switch rc.Method {
	case "POST", "PUT", "PATCH":
	default:
		return nil
	}

	if rc.ContentLength >= 0 && rc.BodyLength >= 0 && rc.ContentLength != rc.BodyLength {
		return &Violation{
			Code:   "content_length_mismatch",
			Detail: fmt.Sprintf("declared %d bytes, got %d", rc.ContentLength, rc.BodyLength),
			Field:  "Content-Length",
		}
	}

	if rc.Header("Content-Type") == "" {
		return &Violation{
			Code:   "missing_content_type",
			Detail: "state-changing request without Content-Type",
			Field:  "Content-Type",
		}
	}

	return nil
}

func truncate(s string) string {
	if len(s) <= maxSnippetLen {
		return s
	}

	return s[:maxSnippetLen]
}
