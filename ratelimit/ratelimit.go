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

package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/kit/log"
	"go.gearno.de/shield/identity"
	"go.gearno.de/shield/internal/version"
	"go.gearno.de/shield/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Limiter during
	// initialization.
	Option func(l *Limiter)

	// Limiter applies per-tier sliding window limits against a
	// shared store and issues escalating temporary blocks when a
	// limit is exceeded.
	Limiter struct {
		store store.Store
		rules map[identity.Tier]Rule

		logger *log.Logger
		tracer trace.Tracer
		now    func() time.Time

		blockedCache sync.Map // identity key -> blockedUntil (time.Time)

		requestsTotal  *prometheus.CounterVec
		checkDuration  *prometheus.HistogramVec
		cacheHitsTotal prometheus.Counter
	}

	// Rule defines the rate limit parameters for one tier.
	Rule struct {
		// PerMinute is the maximum number of requests allowed
		// within a sliding 60 second window.
		PerMinute int

		// PerHour is the maximum number of requests allowed
		// within a sliding 3600 second window.
		PerHour int

		// BlockFor is how long an identity stays blocked after
		// exceeding either limit.
		BlockFor time.Duration
	}

	// Result contains the outcome of a rate limit check.
	Result struct {
		// Allowed indicates whether the request is permitted.
		Allowed bool

		// Limit is the per-minute limit applied.
		Limit int

		// Remaining is the number of requests remaining in the
		// current minute window.
		Remaining int

		// BlockedUntil is when the block expires; zero when
		// Allowed is true.
		BlockedUntil time.Time
	}

	windowCounter struct {
		Minute []int64 `json:"minute"`
		Hour   []int64 `json:"hour"`
	}

	blockEntry struct {
		Identity     string `json:"identity"`
		BlockedUntil int64  `json:"blocked_until"`
	}
)

const (
	tracerName = "go.gearno.de/shield/ratelimit"

	counterTTL = time.Hour
)

// DefaultRules returns the built-in per-tier rule table. Higher trust
// tiers get higher thresholds and shorter blocks.
func DefaultRules() map[identity.Tier]Rule {
	return map[identity.Tier]Rule{
		identity.TierAnonymous:     {PerMinute: 30, PerHour: 300, BlockFor: 300 * time.Second},
		identity.TierAuthenticated: {PerMinute: 60, PerHour: 1000, BlockFor: 180 * time.Second},
		identity.TierPremium:       {PerMinute: 200, PerHour: 5000, BlockFor: 60 * time.Second},
	}
}

// ValidateRules checks the tier ordering invariant: thresholds must
// strictly increase and block durations strictly decrease with trust.
func ValidateRules(rules map[identity.Tier]Rule) error {
	order := []identity.Tier{
		identity.TierAnonymous,
		identity.TierAuthenticated,
		identity.TierPremium,
	}

	for _, tier := range order {
		rule, ok := rules[tier]
		if !ok {
			return fmt.Errorf("missing rule for tier %q", tier)
		}

		if rule.PerMinute <= 0 || rule.PerHour <= 0 || rule.BlockFor <= 0 {
			return fmt.Errorf("rule for tier %q has non-positive parameters", tier)
		}
	}

	for i := 1; i < len(order); i++ {
		lower, higher := rules[order[i-1]], rules[order[i]]

		if higher.PerMinute <= lower.PerMinute || higher.PerHour <= lower.PerHour {
			return fmt.Errorf("tier %q must allow more requests than %q", order[i], order[i-1])
		}

		if higher.BlockFor >= lower.BlockFor {
			return fmt.Errorf("tier %q must be blocked shorter than %q", order[i], order[i-1])
		}
	}

	return nil
}

// WithLogger sets a custom logger for the limiter.
func WithLogger(l *log.Logger) Option {
	return func(lim *Limiter) {
		lim.logger = l.Named("ratelimit")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Limiter) {
		l.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.registerMetrics(r)
	}
}

// WithRules overrides the default per-tier rule table.
func WithRules(rules map[identity.Tier]Rule) Option {
	return func(l *Limiter) {
		l.rules = rules
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// NewLimiter creates a limiter over the given store. The rule table is
// validated against the tier ordering invariant.
func NewLimiter(st store.Store, options ...Option) (*Limiter, error) {
	l := &Limiter{
		store:  st,
		rules:  DefaultRules(),
		logger: log.NewLogger(log.WithOutput(io.Discard)),
		tracer: otel.GetTracerProvider().Tracer(tracerName),
		now:    time.Now,
	}

	l.registerMetrics(prometheus.DefaultRegisterer)

	for _, o := range options {
		o(l)
	}

	if err := ValidateRules(l.rules); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}

	return l, nil
}

func (l *Limiter) registerMetrics(r prometheus.Registerer) {
	l.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "requests_total",
			Help:      "Total number of rate limit checks.",
		},
		[]string{"allowed", "tier"},
	)
	if err := r.Register(l.requestsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.requestsTotal = are.ExistingCollector.(*prometheus.CounterVec)
		}
	}

	l.checkDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem: "ratelimit",
			Name:      "check_duration_seconds",
			Help:      "Duration of rate limit checks in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"allowed"},
	)
	if err := r.Register(l.checkDuration); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.checkDuration = are.ExistingCollector.(*prometheus.HistogramVec)
		}
	}

	l.cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: "ratelimit",
			Name:      "cache_hits_total",
			Help:      "Total number of blocked cache hits (store calls avoided).",
		},
	)
	if err := r.Register(l.cacheHitsTotal); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			l.cacheHitsTotal = are.ExistingCollector.(prometheus.Counter)
		}
	}
}

// IsBlocked reports whether the identity is under an active temporary
// block, and when that block expires. Store errors count as not
// blocked: on an outage under-enforcing quotas beats rejecting all
// traffic.
func (l *Limiter) IsBlocked(ctx context.Context, id identity.Identity) (bool, time.Time) {
	now := l.now()
	key := id.Key()

	// Fast path: local blocked cache.
	if until, ok := l.blockedCache.Load(key); ok {
		if now.Before(until.(time.Time)) {
			l.cacheHitsTotal.Inc()
			return true, until.(time.Time)
		}
		l.blockedCache.Delete(key)
	}

	value, ok, err := l.store.Get(ctx, store.NamespaceBlocked, key)
	if err != nil {
		l.logger.WarnCtx(ctx, "cannot read block entry, failing open",
			log.String("identity", key),
			log.Error(err),
		)
		return false, time.Time{}
	}
	if !ok {
		return false, time.Time{}
	}

	var entry blockEntry
	if err := json.Unmarshal(value, &entry); err != nil {
		l.logger.WarnCtx(ctx, "cannot decode block entry, failing open",
			log.String("identity", key),
			log.Error(err),
		)
		return false, time.Time{}
	}

	until := time.UnixMilli(entry.BlockedUntil)
	if !now.Before(until) {
		return false, time.Time{}
	}

	l.blockedCache.Store(key, until)

	return true, until
}

// Allow checks the identity's sliding windows, records the request
// when admitted, and creates a block entry when a limit is exceeded.
// Callers are expected to consult IsBlocked first.
func (l *Limiter) Allow(ctx context.Context, id identity.Identity) Result {
	start := l.now()

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
	)

	rule, ok := l.rules[id.Tier]
	if !ok {
		rule = l.rules[identity.TierAnonymous]
	}

	if rootSpan.IsRecording() {
		ctx, span = l.tracer.Start(
			ctx,
			"ratelimit.Allow",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("ratelimit.identity", id.Key()),
				attribute.String("ratelimit.tier", string(id.Tier)),
				attribute.Int("ratelimit.per_minute", rule.PerMinute),
				attribute.Int("ratelimit.per_hour", rule.PerHour),
			),
		)
		defer span.End()
	}

	now := l.now()
	key := string(id.Tier) + ":" + id.Key()

	counter, err := l.loadCounter(ctx, key)
	if err != nil {
		// Not a client error: on store failure the check admits
		// and logs instead of rejecting all traffic.
		l.logger.WarnCtx(ctx, "cannot read window counter, failing open",
			log.String("key", key),
			log.Error(err),
		)

		if rootSpan.IsRecording() {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		l.recordMetrics(true, id.Tier, l.now().Sub(start))
		return Result{Allowed: true, Limit: rule.PerMinute, Remaining: rule.PerMinute}
	}

	counter.prune(now)

	if len(counter.Minute) >= rule.PerMinute || len(counter.Hour) >= rule.PerHour {
		blockedUntil := now.Add(rule.BlockFor)
		l.block(ctx, id, blockedUntil, rule.BlockFor)

		if rootSpan.IsRecording() {
			span.SetAttributes(
				attribute.Bool("ratelimit.allowed", false),
				attribute.Int("ratelimit.minute_count", len(counter.Minute)),
				attribute.Int("ratelimit.hour_count", len(counter.Hour)),
			)
		}

		l.recordMetrics(false, id.Tier, l.now().Sub(start))
		return Result{
			Allowed:      false,
			Limit:        rule.PerMinute,
			BlockedUntil: blockedUntil,
		}
	}

	ts := now.UnixMilli()
	counter.Minute = append(counter.Minute, ts)
	counter.Hour = append(counter.Hour, ts)

	if err := l.storeCounter(ctx, key, counter); err != nil {
		// The request is still admitted; the lost update only
		// under-counts.
		l.logger.WarnCtx(ctx, "cannot persist window counter",
			log.String("key", key),
			log.Error(err),
		)
	}

	remaining := rule.PerMinute - len(counter.Minute)

	if rootSpan.IsRecording() {
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", true),
			attribute.Int("ratelimit.remaining", remaining),
		)
	}

	l.recordMetrics(true, id.Tier, l.now().Sub(start))
	return Result{
		Allowed:   true,
		Limit:     rule.PerMinute,
		Remaining: remaining,
	}
}

// BlockedIdentities returns the identity keys currently blocked
// according to the local cache. Blocks created by other instances are
// only visible once this instance has observed them.
func (l *Limiter) BlockedIdentities() []string {
	now := l.now()
	var keys []string

	l.blockedCache.Range(func(k, v any) bool {
		if now.Before(v.(time.Time)) {
			keys = append(keys, k.(string))
		} else {
			l.blockedCache.Delete(k)
		}
		return true
	})

	return keys
}

func (l *Limiter) block(ctx context.Context, id identity.Identity, until time.Time, ttl time.Duration) {
	key := id.Key()
	l.blockedCache.Store(key, until)

	value, err := json.Marshal(blockEntry{
		Identity:     key,
		BlockedUntil: until.UnixMilli(),
	})
	if err != nil {
		l.logger.ErrorCtx(ctx, "cannot encode block entry", log.Error(err))
		return
	}

	if err := l.store.Set(ctx, store.NamespaceBlocked, key, value, ttl); err != nil {
		l.logger.WarnCtx(ctx, "cannot persist block entry",
			log.String("identity", key),
			log.Error(err),
		)
	}

	l.logger.InfoCtx(ctx, "identity blocked",
		log.String("identity", key),
		log.String("tier", string(id.Tier)),
		log.Time("blocked_until", until),
	)
}

func (l *Limiter) loadCounter(ctx context.Context, key string) (*windowCounter, error) {
	value, ok, err := l.store.Get(ctx, store.NamespaceRateLimit, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return &windowCounter{}, nil
	}

	var counter windowCounter
	if err := json.Unmarshal(value, &counter); err != nil {
		return nil, fmt.Errorf("cannot decode window counter: %w", err)
	}

	return &counter, nil
}

func (l *Limiter) storeCounter(ctx context.Context, key string, counter *windowCounter) error {
	value, err := json.Marshal(counter)
	if err != nil {
		return fmt.Errorf("cannot encode window counter: %w", err)
	}

	return l.store.Set(ctx, store.NamespaceRateLimit, key, value, counterTTL)
}

func (c *windowCounter) prune(now time.Time) {
	c.Minute = pruneBefore(c.Minute, now.Add(-time.Minute).UnixMilli())
	c.Hour = pruneBefore(c.Hour, now.Add(-time.Hour).UnixMilli())
}

func pruneBefore(timestamps []int64, cutoff int64) []int64 {
	// Timestamps are appended in order; find the first one still
	// inside the window.
	i := 0
	for i < len(timestamps) && timestamps[i] <= cutoff {
		i++
	}

	return timestamps[i:]
}

func (l *Limiter) recordMetrics(allowed bool, tier identity.Tier, duration time.Duration) {
	allowedStr := "true"
	if !allowed {
		allowedStr = "false"
	}

	l.requestsTotal.WithLabelValues(allowedStr, string(tier)).Inc()
	l.checkDuration.WithLabelValues(allowedStr).Observe(duration.Seconds())
}
