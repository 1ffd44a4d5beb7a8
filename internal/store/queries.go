package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
)

//go:embed schema.sql
var schema string

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type Queries struct {
	db DBTX
}

func newQueries(db DBTX) *Queries {
	return &Queries{db: db}
}

// Migrate creates the tables if they do not exist.
func (q *Queries) Migrate(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

type InsertOrderBookSnapshotBatchParams struct {
	Time         time.Time
	MarketTicker string
	Side         string
	Level        int16
	Price        int64
	Size         int64
	Seq          int64
}

// InsertOrderBookSnapshotBatch copies rows into orderbook_snapshots.
func (q *Queries) InsertOrderBookSnapshotBatch(ctx context.Context, arg []InsertOrderBookSnapshotBatchParams) (int64, error) {
	return q.db.CopyFrom(ctx,
		pgx.Identifier{"orderbook_snapshots"},
		[]string{"time", "market_ticker", "side", "level", "price", "size", "seq"},
		pgx.CopyFromSlice(len(arg), func(i int) ([]any, error) {
			r := arg[i]
			return []any{r.Time, r.MarketTicker, r.Side, r.Level, r.Price, r.Size, r.Seq}, nil
		}),
	)
}

type InsertResyncEventParams struct {
	Time         time.Time
	SID          int64
	MarketTicker string
	Reason       string
	ExpectedSeq  pgtype.Int8
	GotSeq       pgtype.Int8
	Detail       string
}

const insertResyncEvent = `
INSERT INTO resync_events (time, sid, market_ticker, reason, expected_seq, got_seq, detail)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id`

// InsertResyncEvent records one book invalidation and returns its id.
func (q *Queries) InsertResyncEvent(ctx context.Context, arg InsertResyncEventParams) (int64, error) {
	var id int64
	err := q.db.QueryRow(ctx, insertResyncEvent,
		arg.Time, arg.SID, arg.MarketTicker, arg.Reason, arg.ExpectedSeq, arg.GotSeq, arg.Detail,
	).Scan(&id)
	return id, err
}
