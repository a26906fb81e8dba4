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
	"net/http"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/shield/request"
)

func newInspector(t *testing.T, options ...Option) *Inspector {
	t.Helper()

	i, err := NewInspector(options...)
	require.NoError(t, err)

	return i
}

func cleanContext() *request.Context {
	return &request.Context{
		Method:        "GET",
		Path:          "/api/receipts",
		URL:           "/api/receipts?page=1",
		Headers:       http.Header{"User-Agent": []string{"test-client/1.0"}},
		Query:         url.Values{"page": []string{"1"}},
		ContentLength: -1,
		BodyLength:    -1,
	}
}

func TestCheckSmuggling(t *testing.T) {
	inspector := newInspector(t, WithLimits(Limits{
		MaxHeaders:    5,
		MaxHeaderSize: 64,
		MaxURLLength:  50,
	}))

	tests := []struct {
		name     string
		mutate   func(rc *request.Context)
		wantCode string
	}{
		{
			name:     "clean request passes",
			mutate:   func(rc *request.Context) {},
			wantCode: "",
		},
		{
			name: "duplicate content length",
			mutate: func(rc *request.Context) {
				rc.Headers["Content-Length"] = []string{"10", "20"}
			},
			wantCode: "duplicate_content_length",
		},
		{
			name: "transfer encoding with content length",
			mutate: func(rc *request.Context) {
				rc.TransferEncoding = "chunked"
				rc.Headers.Set("Content-Length", "10")
			},
			wantCode: "transfer_encoding_with_content_length",
		},
		{
			name: "denied method",
			mutate: func(rc *request.Context) {
				rc.Method = "TRACE"
			},
			wantCode: "denied_method",
		},
		{
			name: "too many headers",
			mutate: func(rc *request.Context) {
				for _, n := range []string{"A", "B", "C", "D", "E", "F"} {
					rc.Headers.Set("X-Pad-"+n, "1")
				}
			},
			wantCode: "too_many_headers",
		},
		{
			name: "header injection",
			mutate: func(rc *request.Context) {
				rc.Headers.Set("X-Custom", "a\r\nSet-Cookie: pwn=1")
			},
			wantCode: "header_injection",
		},
		{
			name: "nul byte in header",
			mutate: func(rc *request.Context) {
				rc.Headers.Set("X-Custom", "a\x00b")
			},
			wantCode: "header_injection",
		},
		{
			name: "oversized header",
			mutate: func(rc *request.Context) {
				rc.Headers.Set("X-Custom", strings.Repeat("a", 65))
			},
			wantCode: "oversized_header",
		},
		{
			name: "folded header",
			mutate: func(rc *request.Context) {
				rc.Headers.Set("X-Custom", " folded value")
			},
			wantCode: "folded_header",
		},
		{
			name: "oversized url",
			mutate: func(rc *request.Context) {
				rc.URL = "/api/" + strings.Repeat("a", 50)
			},
			wantCode: "oversized_url",
		},
		{
			name: "nul byte in url",
			mutate: func(rc *request.Context) {
				rc.URL = "/api/\x00receipts"
			},
			wantCode: "invalid_url",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := cleanContext()
			tt.mutate(rc)

			v := inspector.CheckSmuggling(rc)
			if tt.wantCode == "" {
				assert.Nil(t, v)
				return
			}

			require.NotNil(t, v)
			assert.Equal(t, tt.wantCode, v.Code)
		})
	}
}

func TestCheckSmuggling_OrderShortCircuits(t *testing.T) {
	inspector := newInspector(t)

	// Duplicate Content-Length is checked before the denied method:
	// a request violating both reports the first rule only.
	rc := cleanContext()
	rc.Method = "TRACE"
	rc.Headers["Content-Length"] = []string{"1", "2"}

	v := inspector.CheckSmuggling(rc)
	require.NotNil(t, v)
	assert.Equal(t, "duplicate_content_length", v.Code)
}

func TestCheckPatterns(t *testing.T) {
	inspector := newInspector(t)

	tests := []struct {
		name   string
		mutate func(rc *request.Context)
		flag   bool
	}{
		{
			name: "script tag in query parameter",
			mutate: func(rc *request.Context) {
				rc.Query = url.Values{"q": []string{"<script>alert(1)</script>"}}
			},
			flag: true,
		},
		{
			name: "sql injection in path",
			mutate: func(rc *request.Context) {
				rc.Path = "/items/' union select password from users"
			},
			flag: true,
		},
		{
			name: "path traversal",
			mutate: func(rc *request.Context) {
				rc.Path = "/files/../../../etc/passwd"
			},
			flag: true,
		},
		{
			name: "benign use of sql keywords",
			mutate: func(rc *request.Context) {
				rc.Query = url.Values{"prompt": []string{"please select your category"}}
			},
			flag: false,
		},
		{
			name: "javascript scheme in referer",
			mutate: func(rc *request.Context) {
				rc.Headers.Set("Referer", "JAVASCRIPT:void(0)")
			},
			flag: true,
		},
		{
			name: "file scheme in user agent",
			mutate: func(rc *request.Context) {
				rc.Headers.Set("User-Agent", "fetcher file:///etc/shadow")
			},
			flag: true,
		},
		{
			name: "null byte encoding in url",
			mutate: func(rc *request.Context) {
				rc.URL = "/download?name=a%00.png"
			},
			flag: true,
		},
		{
			name:   "clean request",
			mutate: func(rc *request.Context) {},
			flag:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := cleanContext()
			tt.mutate(rc)

			v := inspector.CheckPatterns(rc)
			if !tt.flag {
				assert.Nil(t, v)
				return
			}

			require.NotNil(t, v)
			assert.Equal(t, "malicious_pattern", v.Code)
			assert.NotEmpty(t, v.Field)
			assert.LessOrEqual(t, len(v.Snippet), 100)
		})
	}
}

func TestCheckPatterns_CaseInsensitive(t *testing.T) {
	inspector := newInspector(t)

	rc := cleanContext()
	rc.Path = "/items/UNION SELECT name FROM sqlite_master"

	v := inspector.CheckPatterns(rc)
	require.NotNil(t, v)
	assert.Equal(t, "path", v.Field)
}

func TestCheckIntegrity(t *testing.T) {
	inspector := newInspector(t)

	tests := []struct {
		name     string
		mutate   func(rc *request.Context)
		wantCode string
	}{
		{
			name: "get requests are exempt",
			mutate: func(rc *request.Context) {
				rc.Method = "GET"
			},
			wantCode: "",
		},
		{
			name: "matching lengths with content type",
			mutate: func(rc *request.Context) {
				rc.Method = "POST"
				rc.ContentLength = 12
				rc.BodyLength = 12
				rc.Headers.Set("Content-Type", "application/json")
			},
			wantCode: "",
		},
		{
			name: "length mismatch",
			mutate: func(rc *request.Context) {
				rc.Method = "POST"
				rc.ContentLength = 12
				rc.BodyLength = 7
				rc.Headers.Set("Content-Type", "application/json")
			},
			wantCode: "content_length_mismatch",
		},
		{
			name: "unknown body length is tolerated",
			mutate: func(rc *request.Context) {
				rc.Method = "PUT"
				rc.ContentLength = 12
				rc.Headers.Set("Content-Type", "application/json")
			},
			wantCode: "",
		},
		{
			name: "missing content type",
			mutate: func(rc *request.Context) {
				rc.Method = "PATCH"
				rc.ContentLength = 3
				rc.BodyLength = 3
			},
			wantCode: "missing_content_type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rc := cleanContext()
			tt.mutate(rc)

			v := inspector.CheckIntegrity(rc)
			if tt.wantCode == "" {
				assert.Nil(t, v)
				return
			}

			require.NotNil(t, v)
			assert.Equal(t, tt.wantCode, v.Code)
		})
	}
}

func TestNewInspector_BadSignature(t *testing.T) {
	_, err := NewInspector(WithSignatures([]Signature{
		{Pattern: "([", Description: "broken"},
	}))
	require.Error(t, err)
}
