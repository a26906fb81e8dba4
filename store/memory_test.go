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

package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_GetSet(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, ok, err := m.Get(ctx, NamespaceRateLimit, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, NamespaceRateLimit, "k", []byte("v"), time.Minute))

	value, ok, err := m.Get(ctx, NamespaceRateLimit, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), value)

	// Same key in another namespace is a different entry.
	_, ok, err = m.Get(ctx, NamespaceBlocked, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemory_TTL(t *testing.T) {
	ctx := context.Background()

	now := time.Now()
	m := NewMemory()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Set(ctx, NamespaceBlocked, "k", []byte("v"), 10*time.Second))

	_, ok, err := m.Get(ctx, NamespaceBlocked, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(11 * time.Second)

	_, ok, err = m.Get(ctx, NamespaceBlocked, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	// Expired entry is removed by the read.
	assert.Equal(t, 0, m.Len())
}

func TestMemory_ValueIsolation(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	input := []byte("abc")
	require.NoError(t, m.Set(ctx, NamespaceEvents, "k", input, 0))
	input[0] = 'x'

	value, ok, err := m.Get(ctx, NamespaceEvents, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("abc"), value)

	value[1] = 'y'
	again, _, err := m.Get(ctx, NamespaceEvents, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}
