// Package store persists order book snapshots and resync events to Postgres.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// txPool is the part of *pgxpool.Pool the store needs beyond DBTX.
type txPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store wraps Queries and provides transaction support.
type Store struct {
	*Queries
	pool txPool
}

// New creates a new Store with the given connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Queries: newQueries(pool),
		pool:    pool,
	}
}

// Close closes the underlying connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// WithTx runs fn with Queries bound to one transaction. The transaction
// commits when fn returns nil and rolls back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(*Queries) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(newQueries(tx))
	})
}

// Tick is what one snapshot interval writes: the top levels of every usable
// book and the resyncs raised since the previous tick.
type Tick struct {
	Snapshots []InsertOrderBookSnapshotBatchParams
	Resyncs   []InsertResyncEventParams
}

func (t Tick) Empty() bool {
	return len(t.Snapshots) == 0 && len(t.Resyncs) == 0
}

// WriteTick stores t atomically, so readers never see a snapshot without the
// resyncs that preceded it.
func (s *Store) WriteTick(ctx context.Context, t Tick) error {
	err := s.WithTx(ctx, func(q *Queries) error {
		for _, r := range t.Resyncs {
			if _, err := q.InsertResyncEvent(ctx, r); err != nil {
				return fmt.Errorf("couldn't insert resync event for %s: %w", r.MarketTicker, err)
			}
		}
		if len(t.Snapshots) == 0 {
			return nil
		}
		n, err := q.InsertOrderBookSnapshotBatch(ctx, t.Snapshots)
		if err != nil {
			return fmt.Errorf("couldn't copy snapshots: %w", err)
		}
		if n != int64(len(t.Snapshots)) {
			return fmt.Errorf("copied %d of %d snapshot rows", n, len(t.Snapshots))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("couldn't write tick: %w", err)
	}
	return nil
}
