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

// Package eventlog records security violations in a bounded in-memory
// ring buffer, mirrors them best-effort into the shared store, and
// aggregates them into a dashboard view. Admissions are logged but
// never buffered.
package eventlog

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"time"

	"go.gearno.de/crypto/uuid"
	"go.gearno.de/kit/httpserver"
	"go.gearno.de/kit/log"
	"go.gearno.de/shield/store"
)

type (
	// Severity classifies how serious an event is.
	Severity string

	// Event is one recorded security event. Events are append-only
	// and bounded by the ring buffer capacity.
	Event struct {
		ID        string            `json:"id"`
		Type      string            `json:"type"`
		Severity  Severity          `json:"severity"`
		Identity  string            `json:"identity"`
		Timestamp time.Time         `json:"timestamp"`
		Details   map[string]string `json:"details,omitempty"`
	}

	// Option configures the Log during initialization.
	Option func(l *Log)

	// BlockLister reports the identities currently under a
	// temporary block.
	BlockLister interface {
		BlockedIdentities() []string
	}

	// Log is the security event log.
	Log struct {
		mu     sync.Mutex
		events []Event
		next   int
		filled bool

		store   store.Store
		blocked BlockLister
		logger  *log.Logger
		now     func() time.Time
	}

	// Dashboard is the aggregated operational view of the log.
	Dashboard struct {
		RecentEvents      []Event         `json:"recent_events"`
		BlockedIdentities []string        `json:"blocked_identities"`
		EventCounts       DashboardCounts `json:"event_counts"`
		Status            string          `json:"status"`
	}

	// DashboardCounts holds event totals over trailing windows.
	DashboardCounts struct {
		LastHour int `json:"last_hour"`
		Last24h  int `json:"last_24h"`
	}
)

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"

	StatusNormal   = "normal"
	StatusElevated = "elevated"
	StatusCritical = "critical"

	defaultCapacity = 1000
	mirrorTTL       = 24 * time.Hour
	recentLimit     = 20
)

// WithStore mirrors recorded events into the shared store so other
// instances' dashboards can see them. Mirroring is best-effort; store
// failures are logged, never surfaced.
func WithStore(st store.Store) Option {
	return func(l *Log) {
		l.store = st
	}
}

// WithBlockLister wires the source of currently blocked identities
// (typically the rate limiter) into the dashboard.
func WithBlockLister(b BlockLister) Option {
	return func(l *Log) {
		l.blocked = b
	}
}

// WithLogger sets a custom logger for the event log.
func WithLogger(lg *log.Logger) Option {
	return func(l *Log) {
		l.logger = lg.Named("eventlog")
	}
}

// WithCapacity overrides the ring buffer capacity. Default is 1000.
func WithCapacity(n int) Option {
	return func(l *Log) {
		if n > 0 {
			l.events = make([]Event, n)
		}
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Log) {
		l.now = now
	}
}

// NewLog creates an empty event log.
func NewLog(options ...Option) *Log {
	l := &Log{
		events: make([]Event, defaultCapacity),
		logger: log.NewLogger(log.WithOutput(io.Discard)),
		now:    time.Now,
	}

	for _, o := range options {
		o(l)
	}

	return l
}

// Record appends the event to the ring buffer and mirrors it into the
// store when one is configured. Missing id and timestamp fields are
// filled in.
func (l *Log) Record(ctx context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now()
	}

	if ev.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			l.logger.ErrorCtx(ctx, "cannot generate event id", log.Error(err))
		} else {
			ev.ID = id.String()
		}
	}

	l.mu.Lock()
	l.events[l.next] = ev
	l.next++
	if l.next == len(l.events) {
		l.next = 0
		l.filled = true
	}
	l.mu.Unlock()

	l.logger.InfoCtx(ctx, "security event",
		log.String("event_type", ev.Type),
		log.String("event_severity", string(ev.Severity)),
		log.String("event_identity", ev.Identity),
	)

	if l.store == nil {
		return
	}

	value, err := json.Marshal(ev)
	if err != nil {
		l.logger.ErrorCtx(ctx, "cannot encode security event", log.Error(err))
		return
	}

	key := ev.Timestamp.UTC().Format(time.RFC3339Nano) + ":" + ev.ID
	if err := l.store.Set(ctx, store.NamespaceEvents, key, value, mirrorTTL); err != nil {
		l.logger.WarnCtx(ctx, "cannot mirror security event", log.Error(err))
	}
}

// Recent returns up to n events, newest first.
func (l *Log) Recent(n int) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	size := l.next
	if l.filled {
		size = len(l.events)
	}
	if n > size {
		n = size
	}

	events := make([]Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.events)) % len(l.events)
		events = append(events, l.events[idx])
	}

	return events
}

// Dashboard aggregates the log into the operational view. Status is
// critical when more than 5 critical events occurred in the trailing
// 30 minutes, elevated when more than 10 identities are blocked, and
// normal otherwise.
func (l *Log) Dashboard(_ context.Context) Dashboard {
	now := l.now()

	var blocked []string
	if l.blocked != nil {
		blocked = l.blocked.BlockedIdentities()
	}
	if blocked == nil {
		blocked = []string{}
	}

	l.mu.Lock()
	size := l.next
	if l.filled {
		size = len(l.events)
	}

	var (
		lastHour       int
		last24h        int
		recentCritical int
	)

	for i := 0; i < size; i++ {
		ev := l.events[i]

		age := now.Sub(ev.Timestamp)
		if age <= time.Hour {
			lastHour++
		}
		if age <= 24*time.Hour {
			last24h++
		}
		if ev.Severity == SeverityCritical && age <= 30*time.Minute {
			recentCritical++
		}
	}
	l.mu.Unlock()

	status := StatusNormal
	switch {
	case recentCritical > 5:
		status = StatusCritical
	case len(blocked) > 10:
		status = StatusElevated
	}

	return Dashboard{
		RecentEvents:      l.Recent(recentLimit),
		BlockedIdentities: blocked,
		EventCounts: DashboardCounts{
			LastHour: lastHour,
			Last24h:  last24h,
		},
		Status: status,
	}
}

// Handler returns an http.Handler serving the dashboard as JSON, for
// mounting on an operational router.
func (l *Log) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpserver.RenderJSON(w, http.StatusOK, l.Dashboard(r.Context()))
	})
}
