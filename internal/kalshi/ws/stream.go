package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/daszybak/kalshi/internal/engine"
	"github.com/daszybak/kalshi/internal/engine/orderbook"
	"github.com/daszybak/kalshi/internal/metrics"
)

// Event is what a Stream reports to its consumer. The set of implementations
// is closed.
type Event interface {
	event()
}

// MessageEvent carries a decoded frame. Orderbook frames are emitted after
// they have been applied to the books.
type MessageEvent struct {
	Message Message
}

type SubscribedEvent struct {
	Subscription *Subscription
}

type UnsubscribedEvent struct {
	Subscription *Subscription
}

type SubscriptionErrorEvent struct {
	Err *SubscriptionError
}

// ResyncEvent reports a book that needs a fresh snapshot. The consumer is
// expected to resubscribe.
type ResyncEvent struct {
	Err *engine.ResyncError
}

type DecodeErrorEvent struct {
	Raw []byte
	Err error
}

func (MessageEvent) event()           {}
func (SubscribedEvent) event()        {}
func (UnsubscribedEvent) event()      {}
func (SubscriptionErrorEvent) event() {}
func (ResyncEvent) event()            {}
func (DecodeErrorEvent) event()       {}

// DefaultEventBuffer is the capacity of the events channel.
const DefaultEventBuffer = 1024

// Stream reads one connection in receipt order, keeps the registry and books
// up to date and emits events. Subscribe and Unsubscribe may be called from
// any goroutine while Run is active.
type Stream struct {
	conn     Transport
	registry *Registry
	books    *engine.Reconciler
	events   chan Event
	logger   *slog.Logger
}

type StreamOption func(*Stream)

// WithEventBuffer sets the events channel capacity.
func WithEventBuffer(n int) StreamOption {
	return func(s *Stream) { s.events = make(chan Event, n) }
}

func NewStream(conn Transport, books *engine.Reconciler, l *slog.Logger, opts ...StreamOption) *Stream {
	s := &Stream{
		conn:     conn,
		registry: NewRegistry(),
		books:    books,
		events:   make(chan Event, DefaultEventBuffer),
		logger:   l.With("component", "kalshi_stream"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Events is closed when Run returns.
func (s *Stream) Events() <-chan Event {
	return s.events
}

func (s *Stream) Registry() *Registry {
	return s.registry
}

func (s *Stream) Books() *engine.Reconciler {
	return s.books
}

// Subscribe sends a subscribe command for one channel and returns its id.
// Empty tickers subscribes to every market the channel allows.
func (s *Stream) Subscribe(ctx context.Context, channel Channel, tickers []string) (int64, error) {
	cmd, err := s.registry.Subscribe(channel, tickers)
	if err != nil {
		return 0, err
	}
	if err := s.conn.WriteJSON(ctx, cmd); err != nil {
		s.registry.Abort(cmd.ID)
		return 0, fmt.Errorf("couldn't send subscribe %d: %w", cmd.ID, err)
	}
	s.logger.Debug("subscribe sent", "id", cmd.ID, "channel", channel, "tickers", len(cmd.Params.MarketTickers))
	return cmd.ID, nil
}

// Unsubscribe sends an unsubscribe command for sids and returns its id.
func (s *Stream) Unsubscribe(ctx context.Context, sids ...int64) (int64, error) {
	cmd, err := s.registry.Unsubscribe(sids...)
	if err != nil {
		return 0, err
	}
	if err := s.conn.WriteJSON(ctx, cmd); err != nil {
		s.registry.Abort(cmd.ID)
		return 0, fmt.Errorf("couldn't send unsubscribe %d: %w", cmd.ID, err)
	}
	s.logger.Debug("unsubscribe sent", "id", cmd.ID, "sids", sids)
	return cmd.ID, nil
}

// Run reads frames until the connection fails or ctx is done. On return every
// subscription is Removed, every book is stale and Events is closed.
func (s *Stream) Run(ctx context.Context) error {
	defer close(s.events)
	defer s.shutdown()

	for {
		raw, err := s.conn.ReadFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		if err := s.handle(ctx, raw); err != nil {
			return err
		}
	}
}

func (s *Stream) shutdown() {
	removed := s.registry.Disconnect()
	s.books.InvalidateAll()
	s.logger.Info("stream stopped", "removed_subscriptions", len(removed))
}

func (s *Stream) handle(ctx context.Context, raw []byte) error {
	msg, err := Decode(raw)
	if err != nil {
		return s.handleDecodeError(ctx, raw, err)
	}
	metrics.FrameReceived(msg.Type())

	switch m := msg.(type) {
	case *OrderbookSnapshot:
		err := s.books.ApplySnapshot(m.SID, m.Seq, m.Msg.MarketTicker,
			m.Msg.Levels(orderbook.Yes), m.Msg.Levels(orderbook.No))
		if err := s.emit(ctx, MessageEvent{Message: m}); err != nil {
			return err
		}
		return s.handleApplyError(ctx, err)

	case *OrderbookDelta:
		err := s.books.ApplyDelta(m.SID, m.Seq, m.Msg.MarketTicker, m.Msg.Price, m.Msg.Side, m.Msg.Delta)
		if err := s.emit(ctx, MessageEvent{Message: m}); err != nil {
			return err
		}
		return s.handleApplyError(ctx, err)

	case *Subscribed:
		sub, err := s.registry.HandleSubscribed(m)
		if err != nil {
			s.logger.Warn("unexpected subscribed ack", "error", err)
			return s.emit(ctx, MessageEvent{Message: m})
		}
		if sub.Channel == ChannelOrderbookDelta {
			s.books.Expect(sub.SID, sub.Tickers)
		}
		s.logger.Info("subscribed", "sid", sub.SID, "channel", sub.Channel, "command_id", sub.CommandID)
		return s.emit(ctx, SubscribedEvent{Subscription: sub})

	case *Unsubscribed:
		sub, ok := s.registry.HandleUnsubscribed(m)
		if !ok {
			s.logger.Warn("unsubscribed ack for unknown sid", "sid", m.SID)
			return s.emit(ctx, MessageEvent{Message: m})
		}
		s.books.Discard(sub.SID)
		s.logger.Info("unsubscribed", "sid", sub.SID, "channel", sub.Channel)
		return s.emit(ctx, UnsubscribedEvent{Subscription: sub})

	case *Error:
		if subErr := s.registry.HandleError(m); subErr != nil {
			s.logger.Warn("command rejected", "error", subErr)
			return s.emit(ctx, SubscriptionErrorEvent{Err: subErr})
		}
		s.logger.Warn("exchange error", "code", m.Msg.Code, "msg", m.Msg.Msg)
		return s.emit(ctx, MessageEvent{Message: m})

	default:
		return s.emit(ctx, MessageEvent{Message: m})
	}
}

func (s *Stream) handleApplyError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var resync *engine.ResyncError
	switch {
	case errors.As(err, &resync):
		return s.resync(ctx, resync)
	case errors.Is(err, engine.ErrStale):
		s.logger.Debug("dropped update for stale book", "error", err)
		return nil
	default:
		s.logger.Warn("couldn't apply orderbook frame", "error", err)
		return nil
	}
}

func (s *Stream) handleDecodeError(ctx context.Context, raw []byte, err error) error {
	kind := "malformed"
	var unknown *UnknownVariantError
	if errors.As(err, &unknown) {
		kind = "unknown"
	}
	metrics.DecodeFailed(kind)
	s.logger.Warn("couldn't decode frame", "kind", kind, "error", err)

	if err := s.emit(ctx, DecodeErrorEvent{Raw: raw, Err: err}); err != nil {
		return err
	}

	// A lost orderbook frame means the books of that sid can't be trusted.
	var malformed *MalformedPayloadError
	if !errors.As(err, &malformed) || malformed.SID == 0 {
		return nil
	}
	if malformed.Type != TypeOrderbookSnapshot && malformed.Type != TypeOrderbookDelta {
		return nil
	}
	for _, re := range s.books.InvalidateSubscription(malformed.SID, engine.ReasonMalformedFrame) {
		re.Err = malformed
		if err := s.resync(ctx, re); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) resync(ctx context.Context, err *engine.ResyncError) error {
	metrics.Resync(string(err.Reason))
	return s.emit(ctx, ResyncEvent{Err: err})
}

// emit blocks until the consumer takes ev or ctx is done.
func (s *Stream) emit(ctx context.Context, ev Event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
