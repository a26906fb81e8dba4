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

// Package pipeline orchestrates the request defense checks in a fixed
// order and produces a single admission verdict per request. Every
// check outcome is an explicit value; only the HTTP middleware at the
// outer boundary translates verdicts into status codes.
package pipeline

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/kit/log"
	"go.gearno.de/shield/eventlog"
	"go.gearno.de/shield/identity"
	"go.gearno.de/shield/inspect"
	"go.gearno.de/shield/internal/version"
	"go.gearno.de/shield/ratelimit"
	"go.gearno.de/shield/request"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Pipeline during
	// initialization.
	Option func(p *Pipeline)

	// Verdict is the outcome of running the pipeline for one
	// request.
	Verdict struct {
		// Admitted reports whether the request may proceed to
		// application logic.
		Admitted bool

		// StatusCode is the HTTP status to return on rejection;
		// zero when the pipeline was abandoned by cancellation.
		StatusCode int

		// Reason is the internal reason code. It is recorded in
		// the event log and never sent to clients.
		Reason string

		// RetryAfter is the time until a blocked identity is
		// unblocked; zero unless the rejection is a policy one.
		RetryAfter time.Duration

		// RateLimit and RateRemaining describe the applied
		// per-minute quota on admitted requests.
		RateLimit     int
		RateRemaining int
	}

	// Pipeline runs the ordered defense checks. Construct one at
	// process start and share it across requests; all dependencies
	// are injected, there is no package-level state.
	Pipeline struct {
		resolver  *identity.Resolver
		limiter   *ratelimit.Limiter
		inspector *inspect.Inspector
		events    *eventlog.Log

		blockedAgents []string

		logger *log.Logger
		tracer trace.Tracer
		now    func() time.Time

		decisionsTotal *prometheus.CounterVec
	}
)

const tracerName = "go.gearno.de/shield/pipeline"

// Reason codes produced by the pipeline.
const (
	ReasonBlockedAgent    = "blocked_agent"
	ReasonIdentityBlocked = "identity_blocked"
	ReasonRateLimited     = "rate_limited"
	ReasonSmuggling       = "smuggling"
	ReasonMaliciousInput  = "malicious_pattern"
	ReasonIntegrity       = "integrity"
	ReasonCanceled        = "canceled"
)

// WithBlockedAgents configures the client agent denylist. A request
// whose User-Agent contains any entry, case-insensitively, is rejected
// before any other check.
func WithBlockedAgents(agents ...string) Option {
	return func(p *Pipeline) {
		p.blockedAgents = make([]string, 0, len(agents))
		for _, a := range agents {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				p.blockedAgents = append(p.blockedAgents, a)
			}
		}
	}
}

// WithLogger sets a custom logger for the pipeline.
func WithLogger(l *log.Logger) Option {
	return func(p *Pipeline) {
		p.logger = l.Named("pipeline")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipeline) {
		p.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(p *Pipeline) {
		p.registerMetrics(r)
	}
}

// WithClock overrides the time source, for tests. Pass the same clock
// to the limiter so retry hints and block expiries agree.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// New creates a pipeline over the given collaborators.
func New(
	resolver *identity.Resolver,
	limiter *ratelimit.Limiter,
	inspector *inspect.Inspector,
	events *eventlog.Log,
	options ...Option,
) *Pipeline {
	p := &Pipeline{
		resolver:  resolver,
		limiter:   limiter,
		inspector: inspector,
		events:    events,
		logger:    log.NewLogger(log.WithOutput(io.Discard)),
		tracer:    otel.GetTracerProvider().Tracer(tracerName),
		now:       time.Now,
	}

	p.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(p)
	}

	return p
}

func (p *Pipeline) registerMetrics(r prometheus.Registerer) {
	p.decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "defense",
			Name:      "decisions_total",
			Help:      "Total number of pipeline admission decisions.",
		},
		[]string{"outcome"},
	)
	if err := r.Register(p.decisionsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			p.decisionsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}
}

// Check runs the defense checks in order: agent denylist, active
// block, rate limit, smuggling signatures, malicious patterns, and
// integrity. The first failing check terminates the pipeline. A
// cancelled context abandons the remaining checks with no further side
// effects.
func (p *Pipeline) Check(ctx context.Context, rc *request.Context) Verdict {
	id := p.resolver.Resolve(rc)

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	if rootSpan.IsRecording() {
		ctx, span = p.tracer.Start(
			ctx,
			"pipeline.Check",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("defense.identity", id.Key()),
				attribute.String("defense.tier", string(id.Tier)),
			),
		)
		defer span.End()
	}

	if agent := p.matchBlockedAgent(rc.UserAgent()); agent != "" {
		return p.reject(ctx, id, Verdict{
			StatusCode: http.StatusForbidden,
			Reason:     ReasonBlockedAgent,
		}, eventlog.SeverityMedium, map[string]string{
			"agent":   truncate(rc.UserAgent()),
			"matched": agent,
		})
	}

	if ctx.Err() != nil {
		return Verdict{Reason: ReasonCanceled}
	}

	if blocked, until := p.limiter.IsBlocked(ctx, id); blocked {
		return p.reject(ctx, id, Verdict{
			StatusCode: http.StatusTooManyRequests,
			Reason:     ReasonIdentityBlocked,
			RetryAfter: until.Sub(p.now()),
		}, eventlog.SeverityMedium, map[string]string{
			"blocked_until": until.UTC().Format(time.RFC3339),
		})
	}

	if ctx.Err() != nil {
		return Verdict{Reason: ReasonCanceled}
	}

	result := p.limiter.Allow(ctx, id)
	if !result.Allowed {
		return p.reject(ctx, id, Verdict{
			StatusCode: http.StatusTooManyRequests,
			Reason:     ReasonRateLimited,
			RetryAfter: result.BlockedUntil.Sub(p.now()),
		}, eventlog.SeverityMedium, map[string]string{
			"blocked_until": result.BlockedUntil.UTC().Format(time.RFC3339),
		})
	}

	if ctx.Err() != nil {
		return Verdict{Reason: ReasonCanceled}
	}

	if v := p.inspector.CheckSmuggling(rc); v != nil {
		return p.reject(ctx, id, Verdict{
			StatusCode: http.StatusBadRequest,
			Reason:     ReasonSmuggling + ":" + v.Code,
		}, eventlog.SeverityHigh, violationDetails(v))
	}

	if ctx.Err() != nil {
		return Verdict{Reason: ReasonCanceled}
	}

	if v := p.inspector.CheckPatterns(rc); v != nil {
		return p.reject(ctx, id, Verdict{
			StatusCode: http.StatusBadRequest,
			Reason:     ReasonMaliciousInput,
		}, eventlog.SeverityHigh, violationDetails(v))
	}

	if ctx.Err() != nil {
		return Verdict{Reason: ReasonCanceled}
	}

	if v := p.inspector.CheckIntegrity(rc); v != nil {
		return p.reject(ctx, id, Verdict{
			StatusCode: http.StatusBadRequest,
			Reason:     ReasonIntegrity + ":" + v.Code,
		}, eventlog.SeverityLow, violationDetails(v))
	}

	// Admission is informational only: logged, counted, but not
	// written to the bounded event buffer.
	p.decisionsTotal.WithLabelValues("admitted").Inc()
	p.logger.DebugCtx(ctx, "request admitted",
		log.String("identity", id.Key()),
		log.String("tier", string(id.Tier)),
	)

	return Verdict{
		Admitted:      true,
		StatusCode:    http.StatusOK,
		RateLimit:     result.Limit,
		RateRemaining: result.Remaining,
	}
}

func (p *Pipeline) reject(
	ctx context.Context,
	id identity.Identity,
	v Verdict,
	severity eventlog.Severity,
	details map[string]string,
) Verdict {
	p.decisionsTotal.WithLabelValues(v.Reason).Inc()

	p.events.Record(ctx, eventlog.Event{
		Type:     v.Reason,
		Severity: severity,
		Identity: id.Key(),
		Details:  details,
	})

	p.logger.WarnCtx(ctx, "request rejected",
		log.String("identity", id.Key()),
		log.String("reason", v.Reason),
		log.Int("status_code", v.StatusCode),
	)

	return v
}

func (p *Pipeline) matchBlockedAgent(userAgent string) string {
	if userAgent == "" {
		return ""
	}

	ua := strings.ToLower(userAgent)
	for _, agent := range p.blockedAgents {
		if strings.Contains(ua, agent) {
			return agent
		}
	}

	return ""
}

func violationDetails(v *inspect.Violation) map[string]string {
	details := map[string]string{
		"rule":   v.Code,
		"detail": v.Detail,
	}
	if v.Field != "" {
		details["field"] = v.Field
	}
	if v.Snippet != "" {
		details["snippet"] = v.Snippet
	}

	return details
}

func truncate(s string) string {
	if len(s) <= 100 {
		return s
	}

	return s[:100]
}
