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

// Package pgstore implements the store contract on top of PostgreSQL
// using an UNLOGGED key/value table. UNLOGGED tables skip the WAL,
// which is 2-5x faster for writes; data loss on crash is acceptable
// since everything stored here is ephemeral defense state.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.gearno.de/kit/log"
	"go.gearno.de/kit/pg"
	"go.gearno.de/shield/store"
)

type (
	// Option configures the Store during initialization.
	Option func(s *Store)

	// Store is a PostgreSQL-backed store.Store. Expiry is enforced
	// by an expires_at column checked on read and swept by a
	// background cleanup loop.
	Store struct {
		pg     *pg.Client
		logger *log.Logger

		opTimeout       time.Duration
		cleanupInterval time.Duration
		cleanupOnce     sync.Once
	}
)

var _ store.Store = (*Store)(nil)

// WithLogger sets a custom logger for the store.
func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		s.logger = l.Named("pgstore")
	}
}

// WithCleanupInterval sets the interval for background cleanup of
// expired entries. Default is 5 minutes.
func WithCleanupInterval(d time.Duration) Option {
	return func(s *Store) {
		s.cleanupInterval = d
	}
}

// WithOperationTimeout bounds each store round trip. Default is 2s; a
// slow store must never stall the admission path.
func WithOperationTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// New creates a PostgreSQL-backed store. It automatically creates the
// required UNLOGGED table if it doesn't exist.
func New(pgClient *pg.Client, options ...Option) (*Store, error) {
	s := &Store{
		pg:              pgClient,
		logger:          log.NewLogger(log.WithOutput(io.Discard)),
		opTimeout:       2 * time.Second,
		cleanupInterval: 5 * time.Minute,
	}

	for _, o := range options {
		o(s)
	}

	if err := s.pg.WithConn(context.Background(), ensureTable); err != nil {
		return nil, fmt.Errorf("cannot ensure defense_kv table: %w", err)
	}

	return s, nil
}

func ensureTable(ctx context.Context, conn pg.Querier) error {
	q := `
CREATE UNLOGGED TABLE IF NOT EXISTS defense_kv (
    namespace   TEXT NOT NULL,
    key         TEXT NOT NULL,
    value       BYTEA NOT NULL,
    expires_at  BIGINT NOT NULL,
    PRIMARY KEY (namespace, key)
);

CREATE INDEX IF NOT EXISTS idx_defense_kv_cleanup
ON defense_kv (expires_at);
`
	_, err := conn.Exec(ctx, q)
	return err
}

// Get implements store.Store. Entries past their expiry are treated as
// absent even before the cleanup loop removes them.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	var value []byte

	err := s.pg.WithConn(ctx, func(ctx context.Context, conn pg.Querier) error {
		q := `
SELECT value FROM defense_kv
WHERE namespace = $1 AND key = $2 AND expires_at > $3
`
		row := conn.QueryRow(ctx, q, namespace, key, time.Now().UnixMilli())
		return row.Scan(&value)
	})

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("cannot get %s/%s: %w", namespace, key, err)
	}

	return value, true, nil
}

// Set implements store.Store.
func (s *Store) Set(ctx context.Context, namespace, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	expiresAt := time.Now().Add(ttl).UnixMilli()
	if ttl <= 0 {
		// Far future; rows without expiry still need a sweep
		// boundary for the cleanup index.
		expiresAt = time.Now().Add(365 * 24 * time.Hour).UnixMilli()
	}

	err := s.pg.WithConn(ctx, func(ctx context.Context, conn pg.Querier) error {
		q := `
INSERT INTO defense_kv (namespace, key, value, expires_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (namespace, key)
DO UPDATE SET value = $3, expires_at = $4
`
		_, err := conn.Exec(ctx, q, namespace, key, value, expiresAt)
		return err
	})

	if err != nil {
		return fmt.Errorf("cannot set %s/%s: %w", namespace, key, err)
	}

	return nil
}
