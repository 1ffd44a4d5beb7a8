// Package kalshi adapts Kalshi's REST and websocket APIs to the Platform interface.
package kalshi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/daszybak/kalshi/internal/engine"
	"github.com/daszybak/kalshi/internal/kalshi/api"
	"github.com/daszybak/kalshi/internal/kalshi/auth"
	"github.com/daszybak/kalshi/internal/kalshi/ws"
	"github.com/daszybak/kalshi/internal/platform"
	"github.com/daszybak/kalshi/internal/store"
	"github.com/daszybak/kalshi/pkg/hashset"
)

const platformName = "kalshi"

const DefaultReconnectDelay = 5 * time.Second

type Config struct {
	WSURL    string
	Channels []ws.Channel
	// Tickers and the open markets of SeriesTickers are subscribed together.
	// Both empty subscribes every market.
	Tickers          []string
	SeriesTickers    []string
	ReconnectDelay   time.Duration
	SnapshotInterval time.Duration // 0 disables snapshot persistence
	SnapshotDepth    int
}

// Store is the persistence the adapter needs. Satisfied by *store.Store.
type Store interface {
	engine.SnapshotSink
	InsertResyncEvent(ctx context.Context, arg store.InsertResyncEventParams) (int64, error)
}

// Dialer opens a websocket connection.
type Dialer func(ctx context.Context) (ws.Transport, error)

type Kalshi struct {
	config Config
	api    *api.Client
	books  *engine.Reconciler
	store  Store
	dial   Dialer
	log    *slog.Logger

	// snapshots is set while Start runs with persistence enabled. Resyncs
	// are then written with the next snapshot tick.
	snapshots *engine.SnapshotWriter

	mu     sync.Mutex
	conn   ws.Transport
	cancel context.CancelFunc
}

var _ platform.Platform = (*Kalshi)(nil)

type Option func(*Kalshi)

// WithStore enables snapshot and resync persistence.
func WithStore(s Store) Option {
	return func(k *Kalshi) { k.store = s }
}

// WithDialer replaces the websocket dialer.
func WithDialer(d Dialer) Option {
	return func(k *Kalshi) { k.dial = d }
}

// New creates a Kalshi adapter. Call Start() to connect.
func New(cfg Config, client *api.Client, signer *auth.Signer, books *engine.Reconciler, log *slog.Logger, opts ...Option) *Kalshi {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	logger := log.With("component", platformName)
	k := &Kalshi{
		config: cfg,
		api:    client,
		books:  books,
		log:    logger,
		dial: func(ctx context.Context) (ws.Transport, error) {
			return ws.Dial(ctx, cfg.WSURL, signer, log)
		},
	}
	for _, opt := range opts {
		opt(k)
	}
	return k
}

func (k *Kalshi) Name() string {
	return platformName
}

// Books exposes the mirrored order books.
func (k *Kalshi) Books() *engine.Reconciler {
	return k.books
}

// Start resolves the markets to follow, then streams them until ctx is
// cancelled, reconnecting after ReconnectDelay when the connection drops.
func (k *Kalshi) Start(ctx context.Context) error {
	k.log.Info("starting")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	k.mu.Lock()
	k.cancel = cancel
	k.mu.Unlock()

	tickers, err := k.resolveTickers(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if k.store != nil && k.config.SnapshotInterval > 0 {
		sw := engine.NewSnapshotWriter(k.books, k.store, k.config.SnapshotInterval, k.config.SnapshotDepth, k.log)
		k.mu.Lock()
		k.snapshots = sw
		k.mu.Unlock()
		g.Go(func() error { return sw.Start(ctx) })
	}
	g.Go(func() error { return k.streamLoop(ctx, tickers) })
	return g.Wait()
}

// Stop ends Start and closes the current websocket connection.
func (k *Kalshi) Stop(ctx context.Context) error {
	k.mu.Lock()
	conn, cancel := k.conn, k.cancel
	k.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn == nil {
		return nil
	}
	return conn.Close(ctx)
}

func (k *Kalshi) resolveTickers(ctx context.Context) ([]string, error) {
	explicit := hashset.SetFromSlice(k.config.Tickers)
	fromSeries := hashset.NewSet[string]()
	for _, series := range k.config.SeriesTickers {
		markets, err := k.api.GetAllMarkets(ctx, api.MarketFilter{SeriesTicker: series, Status: "open"})
		if err != nil {
			return nil, fmt.Errorf("couldn't resolve series %s: %w", series, err)
		}
		for _, m := range markets {
			fromSeries.Set(m.Ticker)
		}
		k.log.Info("resolved series", "series", series, "markets", len(markets))
	}
	if len(k.config.SeriesTickers) == 0 {
		return hashset.Sorted(explicit), nil
	}

	all := explicit.Union(fromSeries)
	if all.Len() == 0 {
		return nil, errors.New("no open markets in the configured series")
	}
	k.log.Info("resolved markets", "total", all.Len(), "added_by_series", fromSeries.Remove(explicit).Len())
	return hashset.Sorted(all), nil
}

func (k *Kalshi) streamLoop(ctx context.Context, tickers []string) error {
	for {
		err := k.runOnce(ctx, tickers)
		if ctx.Err() != nil {
			k.log.Info("stopping", "reason", ctx.Err())
			return nil
		}
		k.log.Warn("stream ended, reconnecting", "error", err, "delay", k.config.ReconnectDelay)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(k.config.ReconnectDelay):
		}
	}
}

// runOnce serves one connection until it fails.
func (k *Kalshi) runOnce(ctx context.Context, tickers []string) error {
	conn, err := k.dial(ctx)
	if err != nil {
		return fmt.Errorf("websocket connect: %w", err)
	}
	defer conn.Close(context.WithoutCancel(ctx))

	stream := ws.NewStream(conn, k.books, k.log)
	k.mu.Lock()
	k.conn = conn
	k.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- stream.Run(runCtx) }()

	for _, ch := range k.config.Channels {
		if _, err := stream.Subscribe(runCtx, ch, tickers); err != nil {
			cancel()
			for range stream.Events() {
			}
			<-errCh
			return fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}

	h := newHandler(k, stream)
	for ev := range stream.Events() {
		h.handle(runCtx, ev)
	}
	return <-errCh
}

// handler reacts to the events of one stream.
type handler struct {
	k      *Kalshi
	stream *ws.Stream
	// resyncing holds sids whose unsubscribe is in flight so they can be
	// resubscribed once acknowledged.
	resyncing map[int64]*ws.Subscription
}

func newHandler(k *Kalshi, stream *ws.Stream) *handler {
	return &handler{k: k, stream: stream, resyncing: make(map[int64]*ws.Subscription)}
}

func (h *handler) handle(ctx context.Context, ev ws.Event) {
	switch e := ev.(type) {
	case ws.ResyncEvent:
		h.k.recordResync(ctx, e.Err)
		h.resync(ctx, e.Err.SID)

	case ws.UnsubscribedEvent:
		sub, ok := h.resyncing[e.Subscription.SID]
		if !ok {
			return
		}
		delete(h.resyncing, e.Subscription.SID)
		if _, err := h.stream.Subscribe(ctx, sub.Channel, sub.Tickers); err != nil {
			h.k.log.Error("couldn't resubscribe", "sid", sub.SID, "channel", sub.Channel, "error", err)
		}

	case ws.SubscriptionErrorEvent:
		h.k.log.Error("subscription rejected", "error", e.Err)

	case ws.DecodeErrorEvent:
		h.k.log.Debug("undecodable frame", "raw", string(e.Raw))

	case ws.SubscribedEvent, ws.MessageEvent:
	}
}

// resync drops sid and subscribes its markets again for fresh snapshots.
func (h *handler) resync(ctx context.Context, sid int64) {
	if _, ok := h.resyncing[sid]; ok {
		return
	}
	sub, ok := h.stream.Registry().Subscription(sid)
	if !ok {
		return
	}
	if _, err := h.stream.Unsubscribe(ctx, sid); err != nil {
		h.k.log.Error("couldn't unsubscribe for resync", "sid", sid, "error", err)
		return
	}
	h.resyncing[sid] = sub
}

func (k *Kalshi) recordResync(ctx context.Context, re *engine.ResyncError) {
	if k.store == nil {
		return
	}
	k.mu.Lock()
	sw := k.snapshots
	k.mu.Unlock()
	if sw != nil {
		sw.Record(re)
		return
	}
	if _, err := k.store.InsertResyncEvent(ctx, engine.ResyncRow(re, time.Now())); err != nil {
		k.log.Error("couldn't record resync", "market", re.Market, "error", err)
	}
}
