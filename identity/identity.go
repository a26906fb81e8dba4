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

// Package identity derives a stable client identity and policy tier
// from an inbound request.
package identity

import (
	"net"
	"strings"

	"go.gearno.de/shield/request"
)

type (
	// Tier is a named client trust level. Each tier maps to a
	// distinct rate limit rule.
	Tier string

	// Identity is the stable identity of one request's client. It
	// lives for the duration of the request and is never persisted
	// beyond it.
	Identity struct {
		// Address is the client address, with any proxy
		// forwarding already resolved.
		Address string

		// UserID is the authenticated user id, or empty.
		UserID string

		// Tier is the policy tier the client falls into.
		Tier Tier
	}

	// Option configures the Resolver during initialization.
	Option func(r *Resolver)

	// Resolver derives identities from request contexts.
	Resolver struct {
		trustProxyHeaders bool
	}
)

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierPremium       Tier = "premium"
)

// WithTrustedProxyHeaders makes the resolver honor X-Forwarded-For and
// X-Real-IP headers. Only enable this behind a proxy that strips
// client-supplied values, otherwise the identity key is spoofable.
func WithTrustedProxyHeaders() Option {
	return func(r *Resolver) {
		r.trustProxyHeaders = true
	}
}

// NewResolver creates a resolver. By default proxy-forwarded headers
// are ignored and the transport peer address is used.
func NewResolver(options ...Option) *Resolver {
	r := &Resolver{}

	for _, o := range options {
		o(r)
	}

	return r
}

// Resolve derives the client identity for one request.
func (r *Resolver) Resolve(rc *request.Context) Identity {
	id := Identity{
		Address: r.resolveAddress(rc),
		UserID:  rc.UserID,
		Tier:    TierAnonymous,
	}

	if id.UserID != "" {
		id.Tier = TierAuthenticated
		if rc.Premium {
			id.Tier = TierPremium
		}
	}

	return id
}

// Key returns the stable key identifying this client across requests.
// Authenticated clients are keyed by user id so that address changes
// do not reset their counters; anonymous clients by address.
func (id Identity) Key() string {
	if id.UserID != "" {
		return "user:" + id.UserID
	}

	return "ip:" + id.Address
}

func (r *Resolver) resolveAddress(rc *request.Context) string {
	if r.trustProxyHeaders {
		if v := rc.Header("X-Forwarded-For"); v != "" {
			// First entry is the originating client; later
			// entries are intermediate proxies.
			addr := v
			if i := strings.IndexByte(v, ','); i >= 0 {
				addr = v[:i]
			}

			return strings.TrimSpace(addr)
		}

		if v := rc.Header("X-Real-IP"); v != "" {
			return strings.TrimSpace(v)
		}
	}

	host, _, err := net.SplitHostPort(rc.RemoteAddr)
	if err != nil {
		return rc.RemoteAddr
	}

	return host
}
