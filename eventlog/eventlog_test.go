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

package eventlog

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/shield/store"
)

type (
	staticBlockLister []string

	fakeClock struct {
		mu  sync.Mutex
		now time.Time
	}
)

func (s staticBlockLister) BlockedIdentities() []string {
	return s
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

func TestRecord_FillsAndBounds(t *testing.T) {
	ctx := context.Background()
	l := NewLog(WithCapacity(3))

	for i, typ := range []string{"a", "b", "c", "d"} {
		l.Record(ctx, Event{
			Type:     typ,
			Severity: SeverityLow,
			Identity: "ip:192.0.2.10",
		})

		recent := l.Recent(10)
		want := i + 1
		if want > 3 {
			want = 3
		}
		require.Len(t, recent, want)
	}

	// Oldest event fell out of the ring; newest first.
	recent := l.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, "d", recent[0].Type)
	assert.Equal(t, "c", recent[1].Type)
	assert.Equal(t, "b", recent[2].Type)

	for _, ev := range recent {
		assert.NotEmpty(t, ev.ID)
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestRecord_MirrorsToStore(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	l := NewLog(WithStore(st))

	l.Record(ctx, Event{
		Type:     "rate_limited",
		Severity: SeverityMedium,
		Identity: "ip:192.0.2.10",
	})

	assert.Equal(t, 1, st.Len())
}

func TestDashboard_Status(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := NewLog(WithClock(clock.Now))

	assert.Equal(t, StatusNormal, l.Dashboard(ctx).Status)

	// Five critical events keep the status normal; the sixth tips
	// it over.
	for i := 0; i < 5; i++ {
		l.Record(ctx, Event{Type: "smuggling", Severity: SeverityCritical})
	}
	assert.Equal(t, StatusNormal, l.Dashboard(ctx).Status)

	l.Record(ctx, Event{Type: "smuggling", Severity: SeverityCritical})
	assert.Equal(t, StatusCritical, l.Dashboard(ctx).Status)

	// The events age out of the trailing 30 minute window.
	clock.Advance(31 * time.Minute)
	assert.Equal(t, StatusNormal, l.Dashboard(ctx).Status)
}

func TestDashboard_Elevated(t *testing.T) {
	ctx := context.Background()

	blocked := make(staticBlockLister, 11)
	for i := range blocked {
		blocked[i] = "ip:192.0.2.10"
	}

	l := NewLog(WithBlockLister(blocked))
	assert.Equal(t, StatusElevated, l.Dashboard(ctx).Status)

	// Critical outranks elevated.
	for i := 0; i < 6; i++ {
		l.Record(ctx, Event{Type: "smuggling", Severity: SeverityCritical})
	}
	assert.Equal(t, StatusCritical, l.Dashboard(ctx).Status)
}

func TestDashboard_Counts(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	l := NewLog(WithClock(clock.Now))

	l.Record(ctx, Event{Type: "old", Severity: SeverityLow})
	clock.Advance(2 * time.Hour)
	l.Record(ctx, Event{Type: "recent", Severity: SeverityLow})

	d := l.Dashboard(ctx)
	assert.Equal(t, 1, d.EventCounts.LastHour)
	assert.Equal(t, 2, d.EventCounts.Last24h)

	clock.Advance(23 * time.Hour)
	d = l.Dashboard(ctx)
	assert.Equal(t, 0, d.EventCounts.LastHour)
	assert.Equal(t, 1, d.EventCounts.Last24h)
}

func TestHandler(t *testing.T) {
	l := NewLog()
	l.Record(context.Background(), Event{
		Type:     "malicious_pattern",
		Severity: SeverityHigh,
		Identity: "ip:192.0.2.10",
	})

	req := httptest.NewRequest("GET", "/internal/security/dashboard", nil)
	w := httptest.NewRecorder()
	l.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var d Dashboard
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, StatusNormal, d.Status)
	require.Len(t, d.RecentEvents, 1)
	assert.Equal(t, "malicious_pattern", d.RecentEvents[0].Type)
}
