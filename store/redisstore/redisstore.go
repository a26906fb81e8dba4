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

// Package redisstore implements the store contract on top of Redis,
// for deployments where counters and block entries must be shared
// across server instances.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.gearno.de/shield/store"
)

type (
	// Option configures the Store during initialization.
	Option func(s *Store)

	// Store is a Redis-backed store.Store. Expiry is enforced by
	// Redis key TTLs.
	Store struct {
		client    redis.Cmdable
		keyPrefix string
		opTimeout time.Duration
	}

	// Config holds connection parameters for Dial.
	Config struct {
		Addr     string
		Password string
		DB       int
	}
)

var _ store.Store = (*Store)(nil)

const defaultOpTimeout = 2 * time.Second

// WithKeyPrefix prepends a prefix to every Redis key, allowing several
// applications to share one Redis database.
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) {
		s.keyPrefix = prefix
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

// New wraps an existing Redis client.
func New(client redis.Cmdable, options ...Option) *Store {
	s := &Store{
		client:    client,
		opTimeout: defaultOpTimeout,
	}

	for _, o := range options {
		o(s)
	}

	return s
}

// Dial connects to Redis and verifies the connection with a ping
// before returning the store.
func Dial(cfg Config, options ...Option) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("cannot ping redis: %w", err)
	}

	return New(client, options...), nil
}

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, namespace, key string) ([]byte, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()

	value, err := s.client.Get(ctx, s.key(namespace, key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
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

	if err := s.client.Set(ctx, s.key(namespace, key), value, ttl).Err(); err != nil {
		return fmt.Errorf("cannot set %s/%s: %w", namespace, key, err)
	}

	return nil
}

func (s *Store) key(namespace, key string) string {
	return s.keyPrefix + namespace + ":" + key
}
