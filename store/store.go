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

// Package store defines the TTL-keyed key/value contract shared by all
// defense components. The contract is deliberately minimal: a get and a
// set with expiry, no transactions. Multi-instance deployments back it
// with Redis or PostgreSQL; single-instance deployments can use the
// in-process Memory implementation with the same behavior.
package store

import (
	"context"
	"time"
)

// Namespaces used by the defense layer.
const (
	NamespaceRateLimit = "rate_limit"
	NamespaceBlocked   = "blocked_identity"
	NamespaceEvents    = "security_event"
)

type (
	// Store is the shared counter store contract. Implementations
	// must treat expired keys as absent.
	Store interface {
		// Get returns the value stored under namespace/key. The
		// boolean reports whether the key was present and
		// unexpired.
		Get(ctx context.Context, namespace, key string) ([]byte, bool, error)

		// Set stores value under namespace/key with the given
		// time to live. A non-positive ttl stores the value
		// without expiry.
		Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error
	}
)
