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

package pgstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.gearno.de/kit/pg"
	"go.gearno.de/shield/store"
)

// The schema helper must match the connection callback signature the
// pg client expects; the Store must satisfy the store contract.
var (
	_ func(context.Context, pg.Querier) error = ensureTable

	_ store.Store = (*Store)(nil)
)

func TestOptions(t *testing.T) {
	s := &Store{
		opTimeout:       2 * time.Second,
		cleanupInterval: 5 * time.Minute,
	}

	WithOperationTimeout(500 * time.Millisecond)(s)
	assert.Equal(t, 500*time.Millisecond, s.opTimeout)

	// Non-positive values keep the default.
	WithOperationTimeout(0)(s)
	assert.Equal(t, 500*time.Millisecond, s.opTimeout)

	WithCleanupInterval(time.Minute)(s)
	assert.Equal(t, time.Minute, s.cleanupInterval)
}
