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

package pipeline

import (
	"net/http"
	"strconv"

	"go.gearno.de/kit/httpserver"
	"go.gearno.de/shield/request"
)

// Middleware wraps next with the defense pipeline. Rejected requests
// receive a generic JSON error body with the verdict's status code;
// internal reasons stay in the event log. Admitted requests get the
// fixed defensive response header set and rate limit headers before
// control passes on.
func (p *Pipeline) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := request.FromHTTP(r)

		verdict := p.Check(r.Context(), rc)
		if !verdict.Admitted {
			// A cancelled pipeline means the client is gone;
			// there is nobody to answer.
			if verdict.Reason == ReasonCanceled {
				return
			}

			if verdict.RetryAfter > 0 {
				seconds := int(verdict.RetryAfter.Seconds())
				if seconds < 1 {
					seconds = 1
				}
				w.Header().Set("Retry-After", strconv.Itoa(seconds))
			}

			httpserver.RenderJSON(w, verdict.StatusCode, map[string]string{
				"error": genericMessage(verdict.StatusCode),
			})
			return
		}

		setDefensiveHeaders(w.Header())

		if verdict.RateLimit > 0 {
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(verdict.RateLimit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(verdict.RateRemaining))
		}

		next.ServeHTTP(w, r)
	})
}

// genericMessage maps a rejection status to a non-leaking client
// message. Internal reasons never appear here.
func genericMessage(statusCode int) string {
	switch statusCode {
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "too many requests"
	default:
		return "malformed request"
	}
}

func setDefensiveHeaders(h http.Header) {
	h.Set("Connection", "close")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	h.Set("Referrer-Policy", "no-referrer")
}
