package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"github.com/daszybak/kalshi/internal/engine/orderbook"
	"github.com/daszybak/kalshi/internal/store"
)

// SnapshotSink stores one interval's book levels and resyncs together.
// Satisfied by *store.Store.
type SnapshotSink interface {
	WriteTick(ctx context.Context, tick store.Tick) error
}

// flushTimeout bounds the final write after the writer is cancelled.
const flushTimeout = 5 * time.Second

// SnapshotWriter periodically captures orderbook state and writes to the
// database along with the resyncs recorded since the last write.
type SnapshotWriter struct {
	books    *Reconciler
	sink     SnapshotSink
	interval time.Duration
	depth    int
	logger   *slog.Logger

	mu      sync.Mutex
	resyncs []store.InsertResyncEventParams
}

// NewSnapshotWriter creates a new snapshot writer.
func NewSnapshotWriter(books *Reconciler, sink SnapshotSink, interval time.Duration, depth int, logger *slog.Logger) *SnapshotWriter {
	return &SnapshotWriter{
		books:    books,
		sink:     sink,
		interval: interval,
		depth:    depth,
		logger:   logger.With("component", "snapshot_writer"),
	}
}

// Start runs the snapshot writer until the context is cancelled.
func (sw *SnapshotWriter) Start(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("started snapshot writer", "interval", sw.interval, "depth", sw.depth)

	for {
		select {
		case <-ctx.Done():
			// Resyncs recorded right before shutdown are still written.
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
			sw.flushResyncs(flushCtx)
			cancel()
			sw.logger.Info("snapshot writer stopped", "error", ctx.Err())
			return nil
		case <-ticker.C:
			sw.writeSnapshots(ctx)
		}
	}
}

// Record queues re for the next write. Safe for concurrent use.
func (sw *SnapshotWriter) Record(re *ResyncError) {
	row := ResyncRow(re, time.Now())
	sw.mu.Lock()
	sw.resyncs = append(sw.resyncs, row)
	sw.mu.Unlock()
}

func (sw *SnapshotWriter) takeResyncs() []store.InsertResyncEventParams {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	out := sw.resyncs
	sw.resyncs = nil
	return out
}

// requeue puts back resyncs of a failed write ahead of newer ones.
func (sw *SnapshotWriter) requeue(rows []store.InsertResyncEventParams) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.resyncs = append(rows, sw.resyncs...)
}

func (sw *SnapshotWriter) writeSnapshots(ctx context.Context) {
	tick := store.Tick{
		Snapshots: snapshotRows(sw.books.Views(sw.depth), time.Now()),
		Resyncs:   sw.takeResyncs(),
	}
	sw.write(ctx, tick)
}

func (sw *SnapshotWriter) flushResyncs(ctx context.Context) {
	sw.write(ctx, store.Tick{Resyncs: sw.takeResyncs()})
}

func (sw *SnapshotWriter) write(ctx context.Context, tick store.Tick) {
	if tick.Empty() {
		return
	}
	if err := sw.sink.WriteTick(ctx, tick); err != nil {
		sw.requeue(tick.Resyncs)
		sw.logger.Error("failed to write snapshots", "error", err, "pending_resyncs", len(tick.Resyncs))
		return
	}
	sw.logger.Debug("wrote snapshots", "rows", len(tick.Snapshots), "resyncs", len(tick.Resyncs))
}

// ResyncRow converts re into a resync_events row.
func ResyncRow(re *ResyncError, now time.Time) store.InsertResyncEventParams {
	row := store.InsertResyncEventParams{
		Time:         now,
		SID:          re.SID,
		MarketTicker: re.Market,
		Reason:       string(re.Reason),
		ExpectedSeq:  pgtype.Int8{Int64: re.Expected, Valid: re.Reason == ReasonSequenceGap},
		GotSeq:       pgtype.Int8{Int64: re.Got, Valid: re.Got != 0},
	}
	if re.Err != nil {
		row.Detail = re.Err.Error()
	}
	return row
}

// snapshotRows flattens views into rows. Stale books are skipped since their
// levels no longer mirror the exchange.
func snapshotRows(views []BookView, now time.Time) []store.InsertOrderBookSnapshotBatchParams {
	var params []store.InsertOrderBookSnapshotBatchParams
	for _, v := range views {
		if v.Stale {
			continue
		}
		params = appendSide(params, v, orderbook.Yes, v.Yes, now)
		params = appendSide(params, v, orderbook.No, v.No, now)
	}
	return params
}

func appendSide(params []store.InsertOrderBookSnapshotBatchParams, v BookView, side orderbook.Side, levels []orderbook.Level, now time.Time) []store.InsertOrderBookSnapshotBatchParams {
	for level, l := range levels {
		// Use level's UpdatedAt as event time, fall back to now if not set.
		eventTime := l.UpdatedAt
		if eventTime.IsZero() {
			eventTime = now
		}
		params = append(params, store.InsertOrderBookSnapshotBatchParams{
			Time:         eventTime,
			MarketTicker: v.Market,
			Side:         string(side),
			Level:        int16(level),
			Price:        int64(l.Price),
			Size:         int64(l.Size),
			Seq:          v.Seq,
		})
	}
	return params
}
