package engine

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daszybak/kalshi/internal/engine/orderbook"
	"github.com/daszybak/kalshi/internal/price"
)

var fixedNow = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func newTestReconciler(opts ...Option) *Reconciler {
	opts = append([]Option{WithClock(func() time.Time { return fixedNow })}, opts...)
	return NewReconciler(slog.New(slog.NewTextHandler(io.Discard, nil)), opts...)
}

func lv(p price.Cents, s price.Size) orderbook.Level {
	return orderbook.Level{Price: p, Size: s, UpdatedAt: fixedNow}
}

func requireResync(t *testing.T, err error, reason ResyncReason) *ResyncError {
	t.Helper()
	var re *ResyncError
	require.True(t, errors.As(err, &re), "expected *ResyncError, got %v", err)
	assert.Equal(t, reason, re.Reason)
	return re
}

func TestSnapshotThenDelta(t *testing.T) {
	r := newTestReconciler()
	r.Expect(1, []string{"ABC"})

	view, ok := r.View("ABC")
	require.True(t, ok)
	assert.True(t, view.Stale, "book without snapshot is not usable")

	require.NoError(t, r.ApplySnapshot(1, 5, "ABC", []orderbook.Level{lv(50, 100)}, []orderbook.Level{lv(48, 80)}))

	view, _ = r.View("ABC")
	assert.False(t, view.Stale)
	assert.Equal(t, []orderbook.Level{lv(50, 100)}, view.Yes)
	assert.Equal(t, []orderbook.Level{lv(48, 80)}, view.No)
	assert.Equal(t, int64(5), view.Seq)

	require.NoError(t, r.ApplyDelta(1, 6, "ABC", 50, orderbook.Yes, -100))

	view, _ = r.View("ABC")
	assert.Empty(t, view.Yes, "level at zero must be evicted")
	assert.Equal(t, []orderbook.Level{lv(48, 80)}, view.No)
	assert.Equal(t, int64(6), view.Seq)
	assert.False(t, view.Stale)
}

func TestSnapshotWithoutDeltasIsIdentity(t *testing.T) {
	r := newTestReconciler()
	yes := []orderbook.Level{lv(55, 3), lv(50, 10), lv(12, 1)}
	no := []orderbook.Level{lv(30, 7), lv(44, 2)}
	require.NoError(t, r.ApplySnapshot(3, 1, "XYZ", yes, no))

	view, ok := r.View("XYZ")
	require.True(t, ok)
	assert.Equal(t, yes, view.Yes)
	assert.Equal(t, no, view.No)
	assert.False(t, view.Stale)
}

func TestSequenceGapMarksStaleWithoutMutation(t *testing.T) {
	r := newTestReconciler()
	require.NoError(t, r.ApplySnapshot(1, 10, "ABC", []orderbook.Level{lv(50, 100)}, nil))

	err := r.ApplyDelta(1, 12, "ABC", 50, orderbook.Yes, 5)
	re := requireResync(t, err, ReasonSequenceGap)
	assert.Equal(t, int64(11), re.Expected)
	assert.Equal(t, int64(12), re.Got)
	assert.Equal(t, "ABC", re.Market)

	view, _ := r.View("ABC")
	assert.True(t, view.Stale)
	assert.Equal(t, []orderbook.Level{lv(50, 100)}, view.Yes)
	assert.Equal(t, int64(10), view.Seq)

	// The next in-order delta must not be applied to a stale book.
	err = r.ApplyDelta(1, 13, "ABC", 50, orderbook.Yes, 5)
	assert.ErrorIs(t, err, ErrStale)
	view, _ = r.View("ABC")
	assert.Equal(t, price.Size(100), view.Yes[0].Size)
}

func TestReorderedDeltaIsAGap(t *testing.T) {
	r := newTestReconciler()
	require.NoError(t, r.ApplySnapshot(1, 10, "ABC", nil, nil))
	require.NoError(t, r.ApplyDelta(1, 11, "ABC", 40, orderbook.No, 5))

	err := r.ApplyDelta(1, 11, "ABC", 40, orderbook.No, 5)
	requireResync(t, err, ReasonSequenceGap)
}

func TestNegativeSizeRaisesResync(t *testing.T) {
	r := newTestReconciler()
	require.NoError(t, r.ApplySnapshot(1, 1, "ABC", []orderbook.Level{lv(50, 10)}, nil))

	err := r.ApplyDelta(1, 2, "ABC", 50, orderbook.Yes, -11)
	requireResync(t, err, ReasonNegativeSize)

	view, _ := r.View("ABC")
	assert.True(t, view.Stale)
	assert.Equal(t, []orderbook.Level{lv(50, 10)}, view.Yes, "no clamping")
	assert.Equal(t, int64(1), view.Seq, "seq advances only on success")
}

func TestSnapshotRecoversStaleBook(t *testing.T) {
	r := newTestReconciler()
	require.NoError(t, r.ApplySnapshot(1, 10, "ABC", []orderbook.Level{lv(50, 100)}, nil))
	requireResync(t, r.ApplyDelta(1, 12, "ABC", 50, orderbook.Yes, 1), ReasonSequenceGap)

	require.NoError(t, r.ApplySnapshot(1, 20, "ABC", []orderbook.Level{lv(51, 7)}, nil))
	view, _ := r.View("ABC")
	assert.False(t, view.Stale)
	assert.Equal(t, []orderbook.Level{lv(51, 7)}, view.Yes)

	require.NoError(t, r.ApplyDelta(1, 21, "ABC", 51, orderbook.Yes, 1))
	view, _ = r.View("ABC")
	assert.Equal(t, price.Size(8), view.Yes[0].Size)
}

func TestDeltaBeforeSnapshot(t *testing.T) {
	r := newTestReconciler()
	r.Expect(1, []string{"NEW"})
	requireResync(t, r.ApplyDelta(1, 1, "NEW", 50, orderbook.Yes, 1), ReasonNoSnapshot)

	view, ok := r.View("NEW")
	require.True(t, ok)
	assert.True(t, view.Stale)
	assert.Empty(t, view.Yes)

	assert.ErrorIs(t, r.ApplyDelta(1, 2, "NEW", 50, orderbook.Yes, 1), ErrStale)
}

func TestDeltaForUnknownBookCreatesNothing(t *testing.T) {
	r := newTestReconciler()
	require.NoError(t, r.ApplySnapshot(1, 1, "ABC", nil, nil))
	r.Discard(1)

	re := requireResync(t, r.ApplyDelta(1, 2, "ABC", 50, orderbook.Yes, 1), ReasonNoSnapshot)
	assert.Equal(t, int64(1), re.SID)
	_, ok := r.View("ABC")
	assert.False(t, ok)
	assert.Empty(t, r.Views(0))
}

func TestSubscriptionsOnSameMarketAreIsolated(t *testing.T) {
	r := newTestReconciler()
	r.Expect(1, []string{"ABC"})
	require.NoError(t, r.ApplySnapshot(1, 5, "ABC", []orderbook.Level{lv(50, 100)}, nil))

	// sid 2 has no book for ABC; sid 1's book is untouched.
	requireResync(t, r.ApplyDelta(2, 6, "ABC", 50, orderbook.Yes, -40), ReasonNoSnapshot)
	one, ok := r.ViewSID(1, "ABC")
	require.True(t, ok)
	assert.Equal(t, []orderbook.Level{lv(50, 100)}, one.Yes)
	assert.Equal(t, int64(5), one.Seq)
	assert.False(t, one.Stale)

	// A snapshot on sid 2 keeps its own sequence.
	require.NoError(t, r.ApplySnapshot(2, 100, "ABC", []orderbook.Level{lv(50, 7)}, nil))
	require.NoError(t, r.ApplyDelta(1, 6, "ABC", 50, orderbook.Yes, -40))
	require.NoError(t, r.ApplyDelta(2, 101, "ABC", 50, orderbook.Yes, 1))

	one, _ = r.ViewSID(1, "ABC")
	two, _ := r.ViewSID(2, "ABC")
	assert.Equal(t, []orderbook.Level{lv(50, 60)}, one.Yes)
	assert.Equal(t, int64(6), one.Seq)
	assert.Equal(t, []orderbook.Level{lv(50, 8)}, two.Yes)
	assert.Equal(t, int64(101), two.Seq)

	r.Discard(1)
	_, ok = r.ViewSID(1, "ABC")
	assert.False(t, ok)
	view, ok := r.View("ABC")
	require.True(t, ok)
	assert.Equal(t, int64(2), view.SID)
}

func TestViewPrefersUsableBook(t *testing.T) {
	r := newTestReconciler()
	require.NoError(t, r.ApplySnapshot(1, 1, "ABC", []orderbook.Level{lv(40, 1)}, nil))
	r.Expect(2, []string{"ABC"})

	// sid 2 is newer but has no snapshot yet.
	view, _ := r.View("ABC")
	assert.Equal(t, int64(1), view.SID)
	assert.False(t, view.Stale)
	require.Len(t, r.Views(0), 1)

	require.NoError(t, r.ApplySnapshot(2, 1, "ABC", []orderbook.Level{lv(45, 2)}, nil))
	view, _ = r.View("ABC")
	assert.Equal(t, int64(2), view.SID)

	requireResync(t, r.ApplyDelta(2, 5, "ABC", 45, orderbook.Yes, 1), ReasonSequenceGap)
	view, _ = r.View("ABC")
	assert.Equal(t, int64(1), view.SID)
}

func TestInvalidSideIsRejected(t *testing.T) {
	r := newTestReconciler()
	require.NoError(t, r.ApplySnapshot(1, 1, "ABC", nil, nil))
	err := r.ApplyDelta(1, 2, "ABC", 50, orderbook.Side("maybe"), 1)
	require.Error(t, err)

	// The bad frame did not consume a sequence number.
	require.NoError(t, r.ApplyDelta(1, 2, "ABC", 50, orderbook.Yes, 1))
}

func TestViewOrdering(t *testing.T) {
	r := newTestReconciler()
	require.NoError(t, r.ApplySnapshot(1, 1, "ABC",
		[]orderbook.Level{lv(10, 1), lv(60, 1), lv(35, 1)},
		[]orderbook.Level{lv(70, 1), lv(20, 1), lv(45, 1)},
	))
	view, _ := r.View("ABC")
	assert.Equal(t, []price.Cents{60, 35, 10}, []price.Cents{view.Yes[0].Price, view.Yes[1].Price, view.Yes[2].Price})
	assert.Equal(t, []price.Cents{20, 45, 70}, []price.Cents{view.No[0].Price, view.No[1].Price, view.No[2].Price})

	views := r.Views(1)
	require.Len(t, views, 1)
	assert.Len(t, views[0].Yes, 1)
	assert.Equal(t, price.Cents(60), views[0].Yes[0].Price)
}

func TestInvalidateAllAndDiscard(t *testing.T) {
	r := newTestReconciler()
	require.NoError(t, r.ApplySnapshot(1, 1, "A", nil, nil))
	require.NoError(t, r.ApplySnapshot(2, 1, "B", nil, nil))

	r.InvalidateAll()
	for _, v := range r.Views(0) {
		assert.True(t, v.Stale, v.Market)
	}

	r.Discard(1)
	_, ok := r.View("A")
	assert.False(t, ok)
	_, ok = r.View("B")
	assert.True(t, ok)
}

func TestInvalidateSubscription(t *testing.T) {
	r := newTestReconciler()
	require.NoError(t, r.ApplySnapshot(1, 1, "A", nil, nil))
	require.NoError(t, r.ApplySnapshot(1, 2, "B", nil, nil))
	require.NoError(t, r.ApplySnapshot(2, 1, "C", nil, nil))

	errs := r.InvalidateSubscription(1, ReasonMalformedFrame)
	require.Len(t, errs, 2)
	assert.Equal(t, "A", errs[0].Market)
	assert.Equal(t, "B", errs[1].Market)

	c, _ := r.View("C")
	assert.False(t, c.Stale)
}

func TestSubscriptionScope(t *testing.T) {
	r := newTestReconciler(WithSequenceScope(ScopeSubscription))
	r.Expect(1, []string{"A", "B"})
	require.NoError(t, r.ApplySnapshot(1, 1, "A", nil, nil))
	require.NoError(t, r.ApplySnapshot(1, 2, "B", nil, nil))

	// One counter across markets.
	require.NoError(t, r.ApplyDelta(1, 3, "A", 50, orderbook.Yes, 1))
	require.NoError(t, r.ApplyDelta(1, 4, "B", 50, orderbook.Yes, 1))
	require.NoError(t, r.ApplyDelta(1, 5, "A", 50, orderbook.Yes, 1))

	// Gap on the sid stales every book of the sid.
	requireResync(t, r.ApplyDelta(1, 7, "B", 50, orderbook.Yes, 1), ReasonSequenceGap)
	a, _ := r.View("A")
	b, _ := r.View("B")
	assert.True(t, a.Stale)
	assert.True(t, b.Stale)
}

func TestMarketScopeKeepsMarketsIndependent(t *testing.T) {
	r := newTestReconciler()
	require.NoError(t, r.ApplySnapshot(1, 10, "A", nil, nil))
	require.NoError(t, r.ApplySnapshot(1, 50, "B", nil, nil))

	require.NoError(t, r.ApplyDelta(1, 11, "A", 50, orderbook.Yes, 1))
	require.NoError(t, r.ApplyDelta(1, 51, "B", 50, orderbook.Yes, 1))
	requireResync(t, r.ApplyDelta(1, 13, "A", 50, orderbook.Yes, 1), ReasonSequenceGap)

	b, _ := r.View("B")
	assert.False(t, b.Stale)
}

func TestConcurrentViewsDuringUpdates(t *testing.T) {
	r := newTestReconciler()
	require.NoError(t, r.ApplySnapshot(1, 0, "ABC", []orderbook.Level{lv(50, 1)}, nil))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for seq := int64(1); seq <= 500; seq++ {
			_ = r.ApplyDelta(1, seq, "ABC", 50, orderbook.Yes, 1)
		}
	}()
	for i := 0; i < 500; i++ {
		v, ok := r.View("ABC")
		require.True(t, ok)
		require.Len(t, v.Yes, 1)
		// Size is always seq+1 when the view is consistent.
		assert.Equal(t, price.Size(v.Seq+1), v.Yes[0].Size)
	}
	wg.Wait()
}

func TestParseSequenceScope(t *testing.T) {
	s, err := ParseSequenceScope("")
	require.NoError(t, err)
	assert.Equal(t, ScopeMarket, s)
	s, err = ParseSequenceScope("subscription")
	require.NoError(t, err)
	assert.Equal(t, ScopeSubscription, s)
	_, err = ParseSequenceScope("global")
	assert.Error(t, err)
}
