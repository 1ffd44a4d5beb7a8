// Package engine mirrors Kalshi order books from orderbook_delta subscriptions.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/daszybak/kalshi/internal/engine/orderbook"
	"github.com/daszybak/kalshi/internal/price"
)

// SequenceScope selects what a delta's seq is compared against.
type SequenceScope int

const (
	// ScopeMarket tracks the last applied seq per (sid, market).
	ScopeMarket SequenceScope = iota
	// ScopeSubscription tracks one seq per sid shared by all of its markets.
	ScopeSubscription
)

// ParseSequenceScope maps a config value to a SequenceScope. Empty means ScopeMarket.
func ParseSequenceScope(s string) (SequenceScope, error) {
	switch s {
	case "", "market":
		return ScopeMarket, nil
	case "subscription":
		return ScopeSubscription, nil
	default:
		return 0, fmt.Errorf("unknown sequence scope %q", s)
	}
}

// ResyncReason says why a book was marked stale.
type ResyncReason string

const (
	ReasonSequenceGap    ResyncReason = "sequence_gap"
	ReasonNegativeSize   ResyncReason = "negative_size"
	ReasonNoSnapshot     ResyncReason = "no_snapshot"
	ReasonMalformedFrame ResyncReason = "malformed_frame"
	ReasonDisconnect     ResyncReason = "disconnect"
)

// ErrStale is returned for deltas addressed to a book that already awaits a
// fresh snapshot. The delta is dropped; the resync was raised earlier.
var ErrStale = errors.New("book is stale")

// ResyncError reports that a book diverged from the exchange and must be
// rebuilt from a new snapshot.
type ResyncError struct {
	SID      int64
	Market   string
	Reason   ResyncReason
	Expected int64 // expected seq, for sequence gaps
	Got      int64
	Err      error
}

func (e *ResyncError) Error() string {
	switch e.Reason {
	case ReasonSequenceGap:
		return fmt.Sprintf("resync %s (sid %d): sequence gap, expected %d got %d", e.Market, e.SID, e.Expected, e.Got)
	default:
		if e.Err != nil {
			return fmt.Sprintf("resync %s (sid %d): %s: %v", e.Market, e.SID, e.Reason, e.Err)
		}
		return fmt.Sprintf("resync %s (sid %d): %s", e.Market, e.SID, e.Reason)
	}
}

func (e *ResyncError) Unwrap() error {
	return e.Err
}

// BookView is a consistent copy of one subscription's book for a market.
// Consumers must not use a Stale view.
type BookView struct {
	Market    string
	SID       int64
	Seq       int64
	Yes       []orderbook.Level // descending by price
	No        []orderbook.Level // ascending by price
	Stale     bool
	UpdatedAt time.Time
}

type book struct {
	mu          sync.RWMutex
	market      string
	sid         int64
	ob          *orderbook.Orderbook
	seq         int64
	hasSnapshot bool
	invalid     bool
	updatedAt   time.Time
}

func (b *book) stale() bool {
	return b.invalid || !b.hasSnapshot
}

// Reconciler is the only writer of book state. Frames for one connection must
// be applied in receipt order from a single goroutine; views may be taken
// from any goroutine.
//
// Books are kept per (market, sid). Two subscriptions covering the same
// market never share state.
type Reconciler struct {
	mu    sync.RWMutex
	books map[string]map[int64]*book // market -> sid -> book

	// seqMu serializes deltas under ScopeSubscription, where one seq spans
	// several books.
	seqMu  sync.Mutex
	sidSeq map[int64]int64

	scope  SequenceScope
	now    func() time.Time
	logger *slog.Logger
}

type Option func(*Reconciler)

// WithClock overrides the time source used for level timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithSequenceScope sets how delta sequence numbers are tracked.
func WithSequenceScope(scope SequenceScope) Option {
	return func(r *Reconciler) { r.scope = scope }
}

func NewReconciler(l *slog.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		books:  make(map[string]map[int64]*book),
		sidSeq: make(map[int64]int64),
		now:    time.Now,
		logger: l.With("component", "reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Expect creates empty books of sid awaiting a snapshot for the given
// markets. Existing books of sid are reset and report stale until their
// snapshot arrives.
func (r *Reconciler) Expect(sid int64, markets []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, m := range markets {
		r.putLocked(&book{market: m, sid: sid, ob: orderbook.New()})
	}
}

// ApplySnapshot replaces the book of sid for market wholesale. A snapshot always
// wins over prior state, stale or not.
func (r *Reconciler) ApplySnapshot(sid, seq int64, market string, yes, no []orderbook.Level) error {
	if r.scope == ScopeSubscription {
		r.seqMu.Lock()
		defer r.seqMu.Unlock()
	}

	b := r.getOrCreate(sid, market)
	now := r.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ob.Replace(yes, no, now); err != nil {
		b.invalid = true
		r.logger.Warn("rejected snapshot", "market", market, "sid", sid, "seq", seq, "error", err)
		return &ResyncError{SID: sid, Market: market, Reason: ReasonNegativeSize, Got: seq, Err: err}
	}

	b.seq = seq
	b.hasSnapshot = true
	b.invalid = false
	b.updatedAt = now
	if r.scope == ScopeSubscription {
		r.sidSeq[sid] = seq
	}

	r.logger.Debug("applied snapshot", "market", market, "sid", sid, "seq", seq,
		"yes_levels", b.ob.Len(orderbook.Yes), "no_levels", b.ob.Len(orderbook.No))
	return nil
}

// ApplyDelta adds delta to one price level of sid's book if seq directly
// follows the last applied one. On a gap, a missing snapshot or a level that
// would go negative the book is marked stale, nothing is mutated and a
// *ResyncError is returned. A delta for a market sid was never given returns
// a no_snapshot *ResyncError and creates no book. Deltas for a book that is
// already stale return ErrStale.
func (r *Reconciler) ApplyDelta(sid, seq int64, market string, p price.Cents, side orderbook.Side, delta price.Size) error {
	if !side.Valid() {
		return fmt.Errorf("invalid side %q for %s", side, market)
	}
	if r.scope == ScopeSubscription {
		r.seqMu.Lock()
		defer r.seqMu.Unlock()
	}

	b, ok := r.lookup(sid, market)
	if !ok {
		return r.resync(&ResyncError{SID: sid, Market: market, Reason: ReasonNoSnapshot, Got: seq})
	}

	b.mu.Lock()
	if b.invalid {
		r.advanceSubscription(sid, seq)
		b.mu.Unlock()
		return fmt.Errorf("%s seq %d: %w", market, seq, ErrStale)
	}
	if !b.hasSnapshot {
		b.invalid = true
		b.mu.Unlock()
		return r.resync(&ResyncError{SID: sid, Market: market, Reason: ReasonNoSnapshot, Got: seq})
	}

	expected := b.seq + 1
	if r.scope == ScopeSubscription {
		if last, ok := r.sidSeq[sid]; ok {
			expected = last + 1
		}
	}
	if seq != expected {
		b.invalid = true
		b.mu.Unlock()
		if r.scope == ScopeSubscription {
			r.invalidateSID(sid, market)
			delete(r.sidSeq, sid)
		}
		return r.resync(&ResyncError{SID: sid, Market: market, Reason: ReasonSequenceGap, Expected: expected, Got: seq})
	}

	now := r.now()
	if _, err := b.ob.Apply(side, p, delta, now); err != nil {
		b.invalid = true
		b.mu.Unlock()
		if r.scope == ScopeSubscription {
			// Seq was consumed; later deltas for other markets stay valid.
			r.sidSeq[sid] = seq
		}
		return r.resync(&ResyncError{SID: sid, Market: market, Reason: ReasonNegativeSize, Got: seq, Err: err})
	}

	b.seq = seq
	b.updatedAt = now
	b.mu.Unlock()
	r.advanceSubscription(sid, seq)
	return nil
}

// advanceSubscription moves the shared sid seq forward when seq is the next
// one. Callers hold seqMu.
func (r *Reconciler) advanceSubscription(sid, seq int64) {
	if r.scope != ScopeSubscription {
		return
	}
	if last, ok := r.sidSeq[sid]; ok && seq == last+1 {
		r.sidSeq[sid] = seq
	}
}

func (r *Reconciler) resync(err *ResyncError) *ResyncError {
	r.logger.Warn("book needs resync", "market", err.Market, "sid", err.SID, "reason", err.Reason,
		"expected", err.Expected, "got", err.Got)
	return err
}

// invalidateSID marks every book of sid stale except the one for skip.
func (r *Reconciler) invalidateSID(sid int64, skip string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var markets []string
	for m, bySID := range r.books {
		b, ok := bySID[sid]
		if !ok || m == skip {
			continue
		}
		b.mu.Lock()
		if !b.invalid {
			b.invalid = true
			markets = append(markets, m)
		}
		b.mu.Unlock()
	}
	sort.Strings(markets)
	return markets
}

// InvalidateSubscription marks every book of sid stale and returns one
// ResyncError per affected market.
func (r *Reconciler) InvalidateSubscription(sid int64, reason ResyncReason) []*ResyncError {
	if r.scope == ScopeSubscription {
		r.seqMu.Lock()
		defer r.seqMu.Unlock()
		delete(r.sidSeq, sid)
	}

	markets := r.invalidateSID(sid, "")
	out := make([]*ResyncError, 0, len(markets))
	for _, m := range markets {
		out = append(out, r.resync(&ResyncError{SID: sid, Market: m, Reason: reason}))
	}
	return out
}

// InvalidateAll marks every book stale. Used when the connection is lost.
func (r *Reconciler) InvalidateAll() {
	r.seqMu.Lock()
	r.sidSeq = make(map[int64]int64)
	r.seqMu.Unlock()

	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for _, bySID := range r.books {
		for _, b := range bySID {
			b.mu.Lock()
			b.invalid = true
			b.mu.Unlock()
			count++
		}
	}
	r.logger.Info("invalidated all books", "count", count)
}

// Discard removes every book owned by sid.
func (r *Reconciler) Discard(sid int64) {
	r.seqMu.Lock()
	delete(r.sidSeq, sid)
	r.seqMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	for m, bySID := range r.books {
		delete(bySID, sid)
		if len(bySID) == 0 {
			delete(r.books, m)
		}
	}
}

// View returns a copy of the full book for market. When several
// subscriptions hold a book for market the usable one wins, then the newest
// sid.
func (r *Reconciler) View(market string) (BookView, bool) {
	r.mu.RLock()
	b := pick(r.books[market])
	r.mu.RUnlock()
	if b == nil {
		return BookView{}, false
	}
	return b.view(0), true
}

// ViewSID returns a copy of sid's book for market.
func (r *Reconciler) ViewSID(sid int64, market string) (BookView, bool) {
	b, ok := r.lookup(sid, market)
	if !ok {
		return BookView{}, false
	}
	return b.view(0), true
}

// Views returns the top depth levels of one book per market, chosen as in
// View, sorted by market. depth <= 0 returns all levels.
func (r *Reconciler) Views(depth int) []BookView {
	r.mu.RLock()
	books := make([]*book, 0, len(r.books))
	for _, bySID := range r.books {
		if b := pick(bySID); b != nil {
			books = append(books, b)
		}
	}
	r.mu.RUnlock()

	views := make([]BookView, 0, len(books))
	for _, b := range books {
		views = append(views, b.view(depth))
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Market < views[j].Market })
	return views
}

func (b *book) view(depth int) BookView {
	b.mu.RLock()
	defer b.mu.RUnlock()

	yes, _ := b.ob.GetTopN(orderbook.Yes, depth)
	no, _ := b.ob.GetTopN(orderbook.No, depth)
	return BookView{
		Market:    b.market,
		SID:       b.sid,
		Seq:       b.seq,
		Yes:       yes,
		No:        no,
		Stale:     b.stale(),
		UpdatedAt: b.updatedAt,
	}
}

// pick returns the book a market view is served from, or nil.
func pick(bySID map[int64]*book) *book {
	var (
		best      *book
		bestStale bool
	)
	for _, b := range bySID {
		b.mu.RLock()
		stale := b.stale()
		b.mu.RUnlock()
		if best == nil || (bestStale && !stale) || (bestStale == stale && b.sid > best.sid) {
			best, bestStale = b, stale
		}
	}
	return best
}

func (r *Reconciler) lookup(sid int64, market string) (*book, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.books[market][sid]
	return b, ok
}

// putLocked stores b, replacing the book sid had for its market. Callers hold mu.
func (r *Reconciler) putLocked(b *book) {
	bySID, ok := r.books[b.market]
	if !ok {
		bySID = make(map[int64]*book)
		r.books[b.market] = bySID
	}
	bySID[b.sid] = b
}

func (r *Reconciler) getOrCreate(sid int64, market string) *book {
	if b, ok := r.lookup(sid, market); ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// Double-check after acquiring write lock.
	b, ok := r.books[market][sid]
	if !ok {
		b = &book{market: market, sid: sid, ob: orderbook.New()}
		r.putLocked(b)
	}
	return b
}
