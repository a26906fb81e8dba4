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
	"fmt"
	"time"

	"go.gearno.de/kit/log"
	"go.gearno.de/kit/pg"
)

// StartCleanup starts a background goroutine that periodically removes
// expired entries from the database. The goroutine stops when the
// provided context is cancelled.
//
// This method is safe to call multiple times; only the first call will
// start the cleanup goroutine.
func (s *Store) StartCleanup(ctx context.Context) {
	s.cleanupOnce.Do(func() {
		go s.runCleanupLoop(ctx)
	})
}

func (s *Store) runCleanupLoop(ctx context.Context) {
	s.logger.InfoCtx(ctx, "starting store cleanup loop",
		log.Duration("interval", s.cleanupInterval),
	)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoCtx(ctx, "stopping store cleanup loop")
			return
		case <-ticker.C:
			if _, err := s.Cleanup(ctx); err != nil {
				s.logger.ErrorCtx(ctx, "store cleanup failed",
					log.Error(err),
				)
			}
		}
	}
}

// Cleanup removes expired entries from the database. Reads already
// exclude them; this only bounds table growth.
func (s *Store) Cleanup(ctx context.Context) (int64, error) {
	var rowsDeleted int64

	err := s.pg.WithConn(ctx, func(ctx context.Context, conn pg.Querier) error {
		q := `DELETE FROM defense_kv WHERE expires_at < $1`
		tag, err := conn.Exec(ctx, q, time.Now().UnixMilli())
		if err != nil {
			return err
		}
		rowsDeleted = tag.RowsAffected()
		return nil
	})

	if err != nil {
		return 0, fmt.Errorf("cannot cleanup expired entries: %w", err)
	}

	s.logger.InfoCtx(ctx, "store cleanup completed",
		log.Int64("rows_deleted", rowsDeleted),
	)

	return rowsDeleted, nil
}
