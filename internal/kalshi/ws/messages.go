package ws

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/daszybak/kalshi/internal/engine/orderbook"
	"github.com/daszybak/kalshi/internal/price"
)

// Channel is a Kalshi websocket channel.
type Channel string

const (
	ChannelOrderbookDelta    Channel = "orderbook_delta"
	ChannelTicker            Channel = "ticker"
	ChannelTrade             Channel = "trade"
	ChannelFill              Channel = "fill"
	ChannelMarketLifecycle   Channel = "market_lifecycle"
	ChannelMarketLifecycleV2 Channel = "market_lifecycle_v2"
	ChannelMarketPositions   Channel = "market_positions"
	ChannelMultivariate      Channel = "multivariate"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelOrderbookDelta, ChannelTicker, ChannelTrade, ChannelFill,
		ChannelMarketLifecycle, ChannelMarketLifecycleV2, ChannelMarketPositions, ChannelMultivariate:
		return true
	}
	return false
}

// ParseChannel validates a channel name.
func ParseChannel(s string) (Channel, error) {
	c := Channel(s)
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}

// Frame types.
const (
	TypeOrderbookSnapshot  = "orderbook_snapshot"
	TypeOrderbookDelta     = "orderbook_delta"
	TypeTicker             = "ticker"
	TypeTrade              = "trade"
	TypeFill               = "fill"
	TypeMarketLifecycle    = "market_lifecycle"
	TypeMarketLifecycleV2  = "market_lifecycle_v2"
	TypeEventLifecycle     = "event_lifecycle"
	TypeMultivariateLookup = "multivariate_lookup"
	TypeMarketPosition     = "market_position"
	TypeSubscribed         = "subscribed"
	TypeUnsubscribed       = "unsubscribed"
	TypeOK                 = "ok"
	TypeError              = "error"
)

// Command is an outbound subscribe or unsubscribe request.
type Command struct {
	ID     int64         `json:"id"`
	Cmd    string        `json:"cmd"`
	Params CommandParams `json:"params"`
}

type CommandParams struct {
	Channels      []Channel `json:"channels,omitempty"`
	MarketTickers []string  `json:"market_tickers,omitempty"`
	SIDs          []int64   `json:"sids,omitempty"`
}

const (
	CmdSubscribe   = "subscribe"
	CmdUnsubscribe = "unsubscribe"
)

// Message is one decoded inbound frame. The set of implementations is closed.
type Message interface {
	Type() string
	message()
}

// PriceLevel is a [price, size] pair.
type PriceLevel struct {
	Price price.Cents
	Size  price.Size
}

func (l *PriceLevel) UnmarshalJSON(data []byte) error {
	var pair []int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("price level: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("price level: want [price, size], got %d values", len(pair))
	}
	l.Price = price.Cents(pair[0])
	l.Size = price.Size(pair[1])
	return nil
}

type OrderbookSnapshot struct {
	SID int64
	Seq int64
	Msg OrderbookSnapshotMsg
}

type OrderbookSnapshotMsg struct {
	MarketTicker string       `json:"market_ticker"`
	MarketID     string       `json:"market_id"`
	Yes          []PriceLevel `json:"yes"`
	No           []PriceLevel `json:"no"`
}

// Levels converts one side of the snapshot to book levels.
func (m OrderbookSnapshotMsg) Levels(side orderbook.Side) []orderbook.Level {
	src := m.Yes
	if side == orderbook.No {
		src = m.No
	}
	out := make([]orderbook.Level, 0, len(src))
	for _, l := range src {
		out = append(out, orderbook.Level{Price: l.Price, Size: l.Size})
	}
	return out
}

type OrderbookDelta struct {
	SID int64
	Seq int64
	Msg OrderbookDeltaMsg
}

type OrderbookDeltaMsg struct {
	MarketTicker  string         `json:"market_ticker"`
	MarketID      string         `json:"market_id"`
	Price         price.Cents    `json:"price"`
	Delta         price.Size     `json:"delta"`
	Side          orderbook.Side `json:"side"`
	ClientOrderID string         `json:"client_order_id,omitempty"`
}

type Ticker struct {
	SID int64
	Msg TickerMsg
}

type TickerMsg struct {
	MarketTicker       string      `json:"market_ticker"`
	MarketID           string      `json:"market_id"`
	Price              price.Cents `json:"price"`
	YesBid             price.Cents `json:"yes_bid"`
	YesAsk             price.Cents `json:"yes_ask"`
	PriceDollars       price.Price `json:"price_dollars"`
	YesBidDollars      price.Price `json:"yes_bid_dollars"`
	YesAskDollars      price.Price `json:"yes_ask_dollars"`
	Volume             int64       `json:"volume"`
	OpenInterest       int64       `json:"open_interest"`
	DollarVolume       int64       `json:"dollar_volume"`
	DollarOpenInterest int64       `json:"dollar_open_interest"`
	TS                 int64       `json:"ts"`
}

type Trade struct {
	SID int64
	Msg TradeMsg
}

type TradeMsg struct {
	TradeID      string         `json:"trade_id"`
	MarketTicker string         `json:"market_ticker"`
	YesPrice     price.Cents    `json:"yes_price"`
	NoPrice      price.Cents    `json:"no_price"`
	Count        price.Size     `json:"count"`
	TakerSide    orderbook.Side `json:"taker_side"`
	TS           int64          `json:"ts"`
}

type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

type Fill struct {
	SID int64
	Msg FillMsg
}

type FillMsg struct {
	TradeID       string         `json:"trade_id"`
	OrderID       string         `json:"order_id"`
	MarketTicker  string         `json:"market_ticker"`
	IsTaker       bool           `json:"is_taker"`
	Side          orderbook.Side `json:"side"`
	YesPrice      price.Cents    `json:"yes_price"`
	NoPrice       price.Cents    `json:"no_price"`
	Count         price.Size     `json:"count"`
	Action        Action         `json:"action"`
	TS            int64          `json:"ts"`
	ClientOrderID string         `json:"client_order_id,omitempty"`
	PostPosition  *int64         `json:"post_position,omitempty"`
}

type MarketLifecycle struct {
	SID int64
	Msg MarketLifecycleMsg
}

type MarketLifecycleMsg struct {
	MarketTicker    string `json:"market_ticker"`
	OpenTS          int64  `json:"open_ts"`
	CloseTS         int64  `json:"close_ts"`
	DeterminationTS *int64 `json:"determination_ts,omitempty"`
	SettledTS       *int64 `json:"settled_ts,omitempty"`
	Result          string `json:"result,omitempty"`
	IsDeactivated   bool   `json:"is_deactivated"`
}

type MarketLifecycleV2 struct {
	SID int64
	Msg MarketLifecycleV2Msg
}

type MarketLifecycleV2Msg struct {
	EventType          string          `json:"event_type"`
	MarketTicker       string          `json:"market_ticker"`
	OpenTS             *int64          `json:"open_ts,omitempty"`
	CloseTS            *int64          `json:"close_ts,omitempty"`
	Result             string          `json:"result,omitempty"`
	DeterminationTS    *int64          `json:"determination_ts,omitempty"`
	SettledTS          *int64          `json:"settled_ts,omitempty"`
	IsDeactivated      *bool           `json:"is_deactivated,omitempty"`
	AdditionalMetadata *MarketMetadata `json:"additional_metadata,omitempty"`
}

type MarketMetadata struct {
	Name                 string          `json:"name,omitempty"`
	Title                string          `json:"title,omitempty"`
	YesSubTitle          string          `json:"yes_sub_title,omitempty"`
	NoSubTitle           string          `json:"no_sub_title,omitempty"`
	RulesPrimary         string          `json:"rules_primary,omitempty"`
	RulesSecondary       string          `json:"rules_secondary,omitempty"`
	CanCloseEarly        *bool           `json:"can_close_early,omitempty"`
	ExpectedExpirationTS *int64          `json:"expected_expiration_ts,omitempty"`
	StrikeType           string          `json:"strike_type,omitempty"`
	FloorStrike          json.RawMessage `json:"floor_strike,omitempty"`
	CapStrike            json.RawMessage `json:"cap_strike,omitempty"`
	CustomStrike         json.RawMessage `json:"custom_strike,omitempty"`
}

type EventLifecycle struct {
	SID int64
	Msg EventLifecycleMsg
}

type EventLifecycleMsg struct {
	EventTicker          string `json:"event_ticker"`
	Title                string `json:"title"`
	SubTitle             string `json:"sub_title"`
	CollateralReturnType string `json:"collateral_return_type"`
	SeriesTicker         string `json:"series_ticker"`
	StrikeDate           *int64 `json:"strike_date,omitempty"`
	StrikePeriod         string `json:"strike_period,omitempty"`
}

type MultivariateLookup struct {
	SID int64
	Msg MultivariateLookupMsg
}

type SelectedMarket struct {
	EventTicker  string         `json:"event_ticker"`
	MarketTicker string         `json:"market_ticker"`
	Side         orderbook.Side `json:"side"`
}

type MultivariateLookupMsg struct {
	CollectionTicker string           `json:"collection_ticker"`
	EventTicker      string           `json:"event_ticker"`
	MarketTicker     string           `json:"market_ticker"`
	SelectedMarkets  []SelectedMarket `json:"selected_markets"`
}

type MarketPosition struct {
	SID int64
	Msg MarketPositionMsg
}

// MarketPositionMsg amounts are in centi-cents as sent by the exchange.
type MarketPositionMsg struct {
	UserID       string `json:"user_id"`
	MarketTicker string `json:"market_ticker"`
	Position     int64  `json:"position"`
	PositionCost int64  `json:"position_cost"`
	RealizedPnl  int64  `json:"realized_pnl"`
	FeesPaid     int64  `json:"fees_paid"`
	Volume       int64  `json:"volume"`
}

// Subscribed acknowledges one channel of a subscribe command.
type Subscribed struct {
	ID  int64 // command id, 0 when absent
	Msg SubscribedMsg
}

type SubscribedMsg struct {
	Channel Channel `json:"channel"`
	SID     int64   `json:"sid"`
}

type Unsubscribed struct {
	ID  int64
	SID int64
}

// OK acknowledges a command that needs no other reply.
type OK struct {
	ID            int64
	SID           int64
	Seq           int64
	MarketTickers []string
}

// Error is an exchange error, usually the reply to a rejected command.
type Error struct {
	ID  int64
	Msg ErrorMsg
}

type ErrorMsg struct {
	Code         int64  `json:"code"`
	Msg          string `json:"msg"`
	MarketID     string `json:"market_id,omitempty"`
	MarketTicker string `json:"market_ticker,omitempty"`
}

func (*OrderbookSnapshot) Type() string  { return TypeOrderbookSnapshot }
func (*OrderbookDelta) Type() string     { return TypeOrderbookDelta }
func (*Ticker) Type() string             { return TypeTicker }
func (*Trade) Type() string              { return TypeTrade }
func (*Fill) Type() string               { return TypeFill }
func (*MarketLifecycle) Type() string    { return TypeMarketLifecycle }
func (*MarketLifecycleV2) Type() string  { return TypeMarketLifecycleV2 }
func (*EventLifecycle) Type() string     { return TypeEventLifecycle }
func (*MultivariateLookup) Type() string { return TypeMultivariateLookup }
func (*MarketPosition) Type() string     { return TypeMarketPosition }
func (*Subscribed) Type() string         { return TypeSubscribed }
func (*Unsubscribed) Type() string       { return TypeUnsubscribed }
func (*OK) Type() string                 { return TypeOK }
func (*Error) Type() string              { return TypeError }

func (*OrderbookSnapshot) message()  {}
func (*OrderbookDelta) message()     {}
func (*Ticker) message()             {}
func (*Trade) message()              {}
func (*Fill) message()               {}
func (*MarketLifecycle) message()    {}
func (*MarketLifecycleV2) message()  {}
func (*EventLifecycle) message()     {}
func (*MultivariateLookup) message() {}
func (*MarketPosition) message()     {}
func (*Subscribed) message()         {}
func (*Unsubscribed) message()       {}
func (*OK) message()                 {}
func (*Error) message()              {}
