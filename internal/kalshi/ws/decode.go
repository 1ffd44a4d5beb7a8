package ws

import (
	"errors"
	"fmt"

	"github.com/goccy/go-json"

	"github.com/daszybak/kalshi/internal/engine/orderbook"
	"github.com/daszybak/kalshi/internal/price"
)

// UnknownVariantError is returned for a frame whose type is missing or not
// one Decode knows. Such frames must not be ignored: a dropped frame looks
// the same as a lost one.
type UnknownVariantError struct {
	Type string
}

func (e *UnknownVariantError) Error() string {
	if e.Type == "" {
		return "decode frame: missing type"
	}
	return fmt.Sprintf("decode frame: unknown type %q", e.Type)
}

// MalformedPayloadError is returned for a frame that is not valid JSON or
// whose payload does not match its type. SID is set when the envelope
// carried one.
type MalformedPayloadError struct {
	Type string
	SID  int64
	Err  error
}

func (e *MalformedPayloadError) Error() string {
	if e.Type == "" {
		return fmt.Sprintf("decode frame: %v", e.Err)
	}
	return fmt.Sprintf("decode %s frame: %v", e.Type, e.Err)
}

func (e *MalformedPayloadError) Unwrap() error {
	return e.Err
}

type envelope struct {
	Type          string          `json:"type"`
	ID            *int64          `json:"id"`
	SID           *int64          `json:"sid"`
	Seq           *int64          `json:"seq"`
	MarketTickers []string        `json:"market_tickers"`
	Msg           json.RawMessage `json:"msg"`
}

func (e *envelope) sid() int64 {
	if e.SID == nil {
		return 0
	}
	return *e.SID
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

var (
	errMissingSID = errors.New("missing sid")
	errMissingSeq = errors.New("missing seq")
	errMissingMsg = errors.New("missing msg")
)

// Decode parses one inbound frame. It has no side effects.
//
// Errors: *UnknownVariantError or *MalformedPayloadError.
func Decode(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &MalformedPayloadError{Err: err}
	}

	msg, err := decodeEnvelope(&env)
	if err != nil {
		var unknown *UnknownVariantError
		if errors.As(err, &unknown) {
			return nil, err
		}
		return nil, &MalformedPayloadError{Type: env.Type, SID: env.sid(), Err: err}
	}
	return msg, nil
}

func decodeEnvelope(env *envelope) (Message, error) {
	switch env.Type {
	case TypeOrderbookSnapshot:
		m := &OrderbookSnapshot{}
		if err := sequenced(env, &m.SID, &m.Seq, &m.Msg); err != nil {
			return nil, err
		}
		if m.Msg.MarketTicker == "" {
			return nil, errors.New("missing market_ticker")
		}
		return m, nil

	case TypeOrderbookDelta:
		m := &OrderbookDelta{}
		var d struct {
			MarketTicker  string         `json:"market_ticker"`
			MarketID      string         `json:"market_id"`
			Price         *int64         `json:"price"`
			Delta         *int64         `json:"delta"`
			Side          orderbook.Side `json:"side"`
			ClientOrderID string         `json:"client_order_id"`
		}
		if err := sequenced(env, &m.SID, &m.Seq, &d); err != nil {
			return nil, err
		}
		switch {
		case d.MarketTicker == "":
			return nil, errors.New("missing market_ticker")
		case d.Price == nil:
			return nil, errors.New("missing price")
		case d.Delta == nil:
			return nil, errors.New("missing delta")
		case !d.Side.Valid():
			return nil, fmt.Errorf("invalid side %q", d.Side)
		}
		m.Msg = OrderbookDeltaMsg{
			MarketTicker:  d.MarketTicker,
			MarketID:      d.MarketID,
			Price:         price.Cents(*d.Price),
			Delta:         price.Size(*d.Delta),
			Side:          d.Side,
			ClientOrderID: d.ClientOrderID,
		}
		return m, nil

	case TypeTicker:
		m := &Ticker{}
		return m, marketFrame(env, &m.SID, &m.Msg, &m.Msg.MarketTicker)
	case TypeTrade:
		m := &Trade{}
		return m, marketFrame(env, &m.SID, &m.Msg, &m.Msg.MarketTicker)
	case TypeFill:
		m := &Fill{}
		return m, marketFrame(env, &m.SID, &m.Msg, &m.Msg.MarketTicker)
	case TypeMarketLifecycle:
		m := &MarketLifecycle{}
		return m, marketFrame(env, &m.SID, &m.Msg, &m.Msg.MarketTicker)
	case TypeMarketLifecycleV2:
		m := &MarketLifecycleV2{}
		return m, marketFrame(env, &m.SID, &m.Msg, &m.Msg.MarketTicker)
	case TypeEventLifecycle:
		m := &EventLifecycle{}
		return m, marketFrame(env, &m.SID, &m.Msg, &m.Msg.EventTicker)
	case TypeMultivariateLookup:
		m := &MultivariateLookup{}
		return m, marketFrame(env, &m.SID, &m.Msg, &m.Msg.CollectionTicker)
	case TypeMarketPosition:
		m := &MarketPosition{}
		return m, marketFrame(env, &m.SID, &m.Msg, &m.Msg.MarketTicker)

	case TypeSubscribed:
		m := &Subscribed{ID: deref(env.ID)}
		if err := payload(env, &m.Msg); err != nil {
			return nil, err
		}
		if !m.Msg.Channel.Valid() {
			return nil, fmt.Errorf("unknown channel %q", m.Msg.Channel)
		}
		if m.Msg.SID == 0 {
			return nil, errMissingSID
		}
		return m, nil

	case TypeUnsubscribed:
		m := &Unsubscribed{ID: deref(env.ID), SID: env.sid()}
		if m.SID == 0 && len(env.Msg) > 0 {
			var inner struct {
				SID int64 `json:"sid"`
			}
			if err := json.Unmarshal(env.Msg, &inner); err != nil {
				return nil, err
			}
			m.SID = inner.SID
		}
		if m.SID == 0 {
			return nil, errMissingSID
		}
		return m, nil

	case TypeOK:
		return &OK{
			ID:            deref(env.ID),
			SID:           deref(env.SID),
			Seq:           deref(env.Seq),
			MarketTickers: env.MarketTickers,
		}, nil

	case TypeError:
		m := &Error{ID: deref(env.ID)}
		if err := payload(env, &m.Msg); err != nil {
			return nil, err
		}
		return m, nil

	default:
		return nil, &UnknownVariantError{Type: env.Type}
	}
}

func payload(env *envelope, dst any) error {
	if len(env.Msg) == 0 || string(env.Msg) == "null" {
		return errMissingMsg
	}
	return json.Unmarshal(env.Msg, dst)
}

// sequenced decodes a frame that must carry sid, seq and msg.
func sequenced(env *envelope, sid, seq *int64, dst any) error {
	if env.SID == nil {
		return errMissingSID
	}
	if env.Seq == nil {
		return errMissingSeq
	}
	*sid, *seq = *env.SID, *env.Seq
	return payload(env, dst)
}

// marketFrame decodes a data frame that must carry sid, msg and a non-empty key.
func marketFrame(env *envelope, sid *int64, dst any, key *string) error {
	if env.SID == nil {
		return errMissingSID
	}
	*sid = *env.SID
	if err := payload(env, dst); err != nil {
		return err
	}
	if *key == "" {
		return errors.New("missing ticker")
	}
	return nil
}
