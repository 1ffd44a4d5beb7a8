package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTx records what a transaction did. Methods the store never calls are
// left to the embedded nil pgx.Tx.
type fakeTx struct {
	pgx.Tx

	copyErr    error
	copied     [][]any
	resyncArgs [][]any
	committed  bool
	rolledBack bool
}

func (tx *fakeTx) CopyFrom(_ context.Context, table pgx.Identifier, _ []string, src pgx.CopyFromSource) (int64, error) {
	if tx.copyErr != nil {
		return 0, tx.copyErr
	}
	var n int64
	for src.Next() {
		row, err := src.Values()
		if err != nil {
			return n, err
		}
		tx.copied = append(tx.copied, row)
		n++
	}
	return n, nil
}

func (tx *fakeTx) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	tx.resyncArgs = append(tx.resyncArgs, args)
	return idRow(len(tx.resyncArgs))
}

func (tx *fakeTx) Commit(context.Context) error {
	tx.committed = true
	return nil
}

func (tx *fakeTx) Rollback(context.Context) error {
	if tx.committed || tx.rolledBack {
		return pgx.ErrTxClosed
	}
	tx.rolledBack = true
	return nil
}

type idRow int

func (r idRow) Scan(dest ...any) error {
	*dest[0].(*int64) = int64(r)
	return nil
}

type fakePool struct {
	tx     *fakeTx
	closed bool
}

func (p *fakePool) Begin(context.Context) (pgx.Tx, error) {
	return p.tx, nil
}

func (p *fakePool) Close() {
	p.closed = true
}

func newTestStore(tx *fakeTx) (*Store, *fakePool) {
	p := &fakePool{tx: tx}
	return &Store{Queries: newQueries(nil), pool: p}, p
}

var tickTime = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func testTick() Tick {
	return Tick{
		Snapshots: []InsertOrderBookSnapshotBatchParams{
			{Time: tickTime, MarketTicker: "ABC", Side: "yes", Level: 0, Price: 22, Size: 333, Seq: 4},
			{Time: tickTime, MarketTicker: "ABC", Side: "no", Level: 0, Price: 56, Size: 146, Seq: 4},
		},
		Resyncs: []InsertResyncEventParams{{
			Time:         tickTime,
			SID:          2,
			MarketTicker: "DEF",
			Reason:       "sequence_gap",
			ExpectedSeq:  pgtype.Int8{Int64: 5, Valid: true},
			GotSeq:       pgtype.Int8{Int64: 7, Valid: true},
		}},
	}
}

func TestWriteTickCommitsEverything(t *testing.T) {
	tx := &fakeTx{}
	s, _ := newTestStore(tx)

	require.NoError(t, s.WriteTick(context.Background(), testTick()))

	assert.True(t, tx.committed)
	assert.False(t, tx.rolledBack)
	require.Len(t, tx.resyncArgs, 1)
	assert.Equal(t, "DEF", tx.resyncArgs[0][2])
	require.Len(t, tx.copied, 2)
	assert.Equal(t, []any{tickTime, "ABC", "yes", int16(0), int64(22), int64(333), int64(4)}, tx.copied[0])
}

func TestWriteTickRollsBackOnFailure(t *testing.T) {
	tx := &fakeTx{copyErr: errors.New("disk full")}
	s, _ := newTestStore(tx)

	err := s.WriteTick(context.Background(), testTick())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

func TestWriteTickResyncsOnly(t *testing.T) {
	tx := &fakeTx{}
	s, p := newTestStore(tx)

	tick := testTick()
	tick.Snapshots = nil
	require.NoError(t, s.WriteTick(context.Background(), tick))
	assert.True(t, tx.committed)
	assert.Empty(t, tx.copied)
	assert.Len(t, tx.resyncArgs, 1)

	assert.True(t, Tick{}.Empty())
	assert.False(t, tick.Empty())

	s.Close()
	assert.True(t, p.closed)
}
