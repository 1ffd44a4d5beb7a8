package api

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/daszybak/kalshi/internal/engine/orderbook"
	"github.com/daszybak/kalshi/internal/price"
)

type Market struct {
	Ticker               string    `json:"ticker"`
	EventTicker          string    `json:"event_ticker"`
	Status               string    `json:"status"`
	YesBid               int64     `json:"yes_bid"`
	YesAsk               int64     `json:"yes_ask"`
	Volume               int64     `json:"volume"`
	OpenInterest         int64     `json:"open_interest"`
	RulesPrimary         string    `json:"rules_primary"`
	RulesSecondary       string    `json:"rules_secondary"`
	LatestExpirationTime time.Time `json:"latest_expiration_time"`
}

type MarketPage struct {
	Markets []*Market `json:"markets"`
	Cursor  string    `json:"cursor"`
}

// MarketFilter narrows GetMarkets. Zero values are left out of the query.
type MarketFilter struct {
	EventTicker  string
	SeriesTicker string
	Status       string // unopened, open, closed, settled
	Limit        int
}

func (f MarketFilter) params(cursor string) Params {
	var p Params
	if f.Limit > 0 {
		p = p.Add("limit", strconv.Itoa(f.Limit))
	}
	p = p.AddNonEmpty("cursor", cursor)
	p = p.AddNonEmpty("event_ticker", f.EventTicker)
	p = p.AddNonEmpty("series_ticker", f.SeriesTicker)
	p = p.AddNonEmpty("status", f.Status)
	return p
}

func (c *Client) GetMarkets(ctx context.Context, f MarketFilter, cursor string) (*MarketPage, error) {
	page, err := Get[*MarketPage](ctx, c, "/markets", f.params(cursor))
	if err != nil {
		return nil, fmt.Errorf("couldn't get markets from cursor %q: %w", cursor, err)
	}
	return page, nil
}

// GetAllMarkets follows the cursor until the exchange returns an empty one.
// On failure the markets fetched so far are returned with the error.
func (c *Client) GetAllMarkets(ctx context.Context, f MarketFilter) ([]*Market, error) {
	var markets []*Market
	cursor := ""
	for {
		page, err := c.GetMarkets(ctx, f, cursor)
		if err != nil {
			return markets, err
		}
		markets = append(markets, page.Markets...)
		if page.Cursor == "" || page.Cursor == cursor {
			return markets, nil
		}
		cursor = page.Cursor
	}
}

// Orderbook is the REST view of a market's resting levels. Each level is a
// [price, size] pair in cents and contracts.
type Orderbook struct {
	Yes [][2]int64 `json:"yes"`
	No  [][2]int64 `json:"no"`
}

// Levels converts one side to order book levels.
func (o *Orderbook) Levels(side orderbook.Side) []orderbook.Level {
	raw := o.Yes
	if side == orderbook.No {
		raw = o.No
	}
	levels := make([]orderbook.Level, 0, len(raw))
	for _, pair := range raw {
		levels = append(levels, orderbook.Level{Price: price.Cents(pair[0]), Size: price.Size(pair[1])})
	}
	return levels
}

// GetMarketOrderbook fetches the current book for ticker. depth <= 0 asks
// for every level.
func (c *Client) GetMarketOrderbook(ctx context.Context, ticker string, depth int) (*Orderbook, error) {
	var query Params
	if depth > 0 {
		query = query.Add("depth", strconv.Itoa(depth))
	}
	resp, err := Get[struct {
		Orderbook *Orderbook `json:"orderbook"`
	}](ctx, c, "/markets/"+url.PathEscape(ticker)+"/orderbook", query)
	if err != nil {
		return nil, fmt.Errorf("couldn't get orderbook for %s: %w", ticker, err)
	}
	if resp.Orderbook == nil {
		return &Orderbook{}, nil
	}
	return resp.Orderbook, nil
}
