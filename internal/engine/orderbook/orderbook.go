// Package orderbook keeps the yes and no price levels of one Kalshi market.
package orderbook

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/btree"

	"github.com/daszybak/kalshi/internal/price"
)

// Side is one of the two resting sides of a binary market.
type Side string

const (
	Yes Side = "yes"
	No  Side = "no"
)

// Valid reports whether s is yes or no.
func (s Side) Valid() bool {
	return s == Yes || s == No
}

// ErrNegativeSize is returned when a change would leave a level below zero.
var ErrNegativeSize = errors.New("negative level size")

// Level represents a price level in the order book.
type Level struct {
	Price     price.Cents
	Size      price.Size
	UpdatedAt time.Time // When this level was last updated (receipt time if the frame has none)
}

// lessAsc compares levels by price ascending (no side: lowest first).
func lessAsc(a, b Level) bool {
	return a.Price < b.Price
}

// lessDesc compares levels by price descending (yes side: highest first).
func lessDesc(a, b Level) bool {
	return a.Price > b.Price
}

// Orderbook maintains sorted yes and no levels using btrees.
// Yes is sorted descending (highest bid first).
// No is sorted ascending.
// Orderbook is not safe for concurrent use; the engine serializes access.
type Orderbook struct {
	yes *btree.BTreeG[Level]
	no  *btree.BTreeG[Level]
}

// New creates a new empty order book.
func New() *Orderbook {
	return &Orderbook{
		yes: btree.NewG(32, lessDesc),
		no:  btree.NewG(32, lessAsc),
	}
}

// Replace drops every level and loads the given ones.
// Zero sized levels are skipped. A negative size rejects the whole
// replacement and leaves the book untouched.
func (ob *Orderbook) Replace(yes, no []Level, eventTime time.Time) error {
	for _, lvl := range yes {
		if lvl.Size < 0 {
			return fmt.Errorf("yes %d: %w", lvl.Price, ErrNegativeSize)
		}
	}
	for _, lvl := range no {
		if lvl.Size < 0 {
			return fmt.Errorf("no %d: %w", lvl.Price, ErrNegativeSize)
		}
	}

	ob.yes.Clear(false)
	ob.no.Clear(false)
	load(ob.yes, yes, eventTime)
	load(ob.no, no, eventTime)
	return nil
}

func load(tree *btree.BTreeG[Level], levels []Level, eventTime time.Time) {
	for _, lvl := range levels {
		if lvl.Size == 0 {
			continue
		}
		if lvl.UpdatedAt.IsZero() {
			lvl.UpdatedAt = eventTime
		}
		tree.ReplaceOrInsert(lvl)
	}
}

// Apply adds delta to the level at p and returns the resulting size.
// A resulting size of zero removes the level. A negative result returns
// ErrNegativeSize and does not touch the book.
func (ob *Orderbook) Apply(side Side, p price.Cents, delta price.Size, eventTime time.Time) (price.Size, error) {
	tree, err := ob.getTree(side)
	if err != nil {
		return 0, err
	}

	var current price.Size
	if existing, found := tree.Get(Level{Price: p}); found {
		current = existing.Size
	}

	newSize := current + delta
	switch {
	case newSize < 0:
		return current, fmt.Errorf("%s %d: %d%+d: %w", side, p, current, delta, ErrNegativeSize)
	case newSize == 0:
		tree.Delete(Level{Price: p})
	default:
		tree.ReplaceOrInsert(Level{Price: p, Size: newSize, UpdatedAt: eventTime})
	}
	return newSize, nil
}

// Size returns the resting size at p, zero when the level does not exist.
func (ob *Orderbook) Size(side Side, p price.Cents) price.Size {
	tree, err := ob.getTree(side)
	if err != nil {
		return 0
	}
	lvl, _ := tree.Get(Level{Price: p})
	return lvl.Size
}

// GetTopN returns the top n price levels for a side. n <= 0 returns all of them.
// Yes: highest prices first. No: lowest prices first.
func (ob *Orderbook) GetTopN(side Side, n int) ([]Level, error) {
	tree, err := ob.getTree(side)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		n = tree.Len()
	}

	levels := make([]Level, 0, min(n, tree.Len()))
	tree.Ascend(func(lvl Level) bool {
		if len(levels) >= n {
			return false
		}
		levels = append(levels, lvl)
		return true
	})

	return levels, nil
}

// Len returns the number of levels on a side.
func (ob *Orderbook) Len(side Side) int {
	tree, _ := ob.getTree(side)
	if tree == nil {
		return 0
	}
	return tree.Len()
}

func (ob *Orderbook) getTree(side Side) (*btree.BTreeG[Level], error) {
	switch side {
	case Yes:
		return ob.yes, nil
	case No:
		return ob.no, nil
	default:
		return nil, fmt.Errorf("invalid side: %s", side)
	}
}
