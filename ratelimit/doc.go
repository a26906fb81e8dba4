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

// Package ratelimit provides a tiered sliding window rate limiter with
// escalating temporary blocks, backed by a shared TTL key/value store.
//
// # Algorithm
//
// Each (tier, identity) pair owns a window counter holding the
// timestamps of its recent requests. Before every check the counter is
// pruned of entries older than 60 seconds and 3600 seconds; if either
// remaining count has reached the tier's limit, the identity is
// blocked for the tier's block duration and the request denied.
// Otherwise the current timestamp is appended to both windows and the
// counter persisted with a one hour TTL.
//
// A block entry is written under its own namespace with a TTL equal to
// the block duration. While an unexpired entry exists the identity is
// rejected unconditionally, without touching its counters. Blocked
// identities are also cached in memory so repeated hits from a blocked
// client avoid store round trips.
//
// # Tiers
//
// The rule table maps client trust to policy: anonymous clients get 30
// requests per minute, 300 per hour, and 300 second blocks;
// authenticated clients 60/1000/180s; premium clients 200/5000/60s.
// Higher trust always means higher thresholds and shorter blocks, and
// NewLimiter rejects rule tables that break that ordering.
//
// # Consistency
//
// The counter read-modify-write against the shared store is not
// linearizable: concurrent requests from one identity can both read
// the same stale count and both be admitted slightly past the nominal
// limit. That is a deliberate trade-off. The limiter exists to
// mitigate abuse, not to enforce an exact quota, and convergence is
// eventual once traffic subsides and TTLs expire.
//
// For the same reason the limiter fails open: when the store is
// unreachable or times out, checks admit and log instead of rejecting
// all traffic on an infrastructure fault.
//
// # Usage
//
//	limiter, err := ratelimit.NewLimiter(st,
//	    ratelimit.WithLogger(logger),
//	    ratelimit.WithRegisterer(registry),
//	)
//	if err != nil {
//	    return err
//	}
//
//	if blocked, until := limiter.IsBlocked(ctx, id); blocked {
//	    w.Header().Set("Retry-After", strconv.Itoa(int(time.Until(until).Seconds())))
//	    w.WriteHeader(http.StatusTooManyRequests)
//	    return
//	}
//
//	result := limiter.Allow(ctx, id)
//	if !result.Allowed {
//	    w.WriteHeader(http.StatusTooManyRequests)
//	    return
//	}
//
// # Metrics
//
// The following Prometheus metrics are exposed:
//
//   - ratelimit_requests_total{allowed,tier}: Counter of rate limit checks
//   - ratelimit_check_duration_seconds{allowed}: Histogram of check durations
//   - ratelimit_cache_hits_total: Counter of blocked cache hits (store calls avoided)
package ratelimit
