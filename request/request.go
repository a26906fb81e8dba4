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

// Package request defines the typed, read-only view of an inbound HTTP
// request consumed by the defense checks. The view is built once,
// before any check runs, from whatever transport layer received the
// request; the checks never touch raw wire bytes themselves.
package request

import (
	"net/http"
	"net/url"
	"strings"
)

type (
	// Context captures everything the defense layer needs to know
	// about one inbound request. It is immutable for the lifetime
	// of the request and never persisted.
	Context struct {
		// Method is the HTTP method, uppercase.
		Method string

		// Path is the URL path component.
		Path string

		// URL is the full request URL as received.
		URL string

		// Headers holds the header multimap, preserving
		// duplicate values for a given name.
		Headers http.Header

		// Query holds the parsed query parameters.
		Query url.Values

		// ContentLength is the declared Content-Length, or -1
		// when absent.
		ContentLength int64

		// BodyLength is the actual body length when known, or
		// -1 when the body has not been read.
		BodyLength int64

		// TransferEncoding is the Transfer-Encoding value, or
		// empty when the header is absent.
		TransferEncoding string

		// RemoteAddr is the peer address in "host:port" form as
		// reported by the transport.
		RemoteAddr string

		// UserID is the authenticated user id, or empty for
		// anonymous requests. Populated by the authentication
		// layer before the defense pipeline runs.
		UserID string

		// Premium reports whether the authenticated user holds a
		// premium subscription. Populated alongside UserID.
		Premium bool
	}
)

// FromHTTP builds a Context from a server-side *http.Request. The body
// is not read; BodyLength is unknown until the application layer reads
// it and reports the actual size.
func FromHTTP(r *http.Request) *Context {
	// net/http reports ContentLength 0 both for "0" and for no
	// header at all; the checks need absent to stay absent.
	contentLength := r.ContentLength
	if r.Header.Get("Content-Length") == "" {
		contentLength = -1
	}

	return &Context{
		Method:           strings.ToUpper(r.Method),
		Path:             r.URL.Path,
		URL:              r.URL.String(),
		Headers:          r.Header.Clone(),
		Query:            r.URL.Query(),
		ContentLength:    contentLength,
		BodyLength:       -1,
		TransferEncoding: strings.Join(r.TransferEncoding, ","),
		RemoteAddr:       r.RemoteAddr,
	}
}

// Header returns the first value for the named header, or "".
func (c *Context) Header(name string) string {
	return c.Headers.Get(name)
}

// UserAgent returns the User-Agent header value.
func (c *Context) UserAgent() string {
	return c.Headers.Get("User-Agent")
}

// Referer returns the Referer header value.
func (c *Context) Referer() string {
	return c.Headers.Get("Referer")
}

// HeaderPairs returns the total number of name/value pairs, counting
// duplicated names once per value.
func (c *Context) HeaderPairs() int {
	n := 0
	for _, values := range c.Headers {
		n += len(values)
	}

	return n
}
