package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/daszybak/kalshi/internal/kalshi/auth"
)

const (
	HandshakeTimeout    = 30 * time.Second
	DefaultCloseTimeout = 5 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	PingInterval        = 10 * time.Second
)

// Transport is one framed websocket connection.
type Transport interface {
	WriteJSON(ctx context.Context, v any) error
	ReadFrame(ctx context.Context) ([]byte, error)
	Close(ctx context.Context) error
}

// Conn is a Transport over gorilla/websocket.
type Conn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	stopPing  chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

var _ Transport = (*Conn)(nil)

// Dial opens a websocket to rawURL. The handshake is signed as a GET of the
// URL path when signer is not nil.
func Dial(ctx context.Context, rawURL string, signer *auth.Signer, l *slog.Logger) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("couldn't parse websocket url %q: %w", rawURL, err)
	}

	header := http.Header{}
	if signer != nil {
		header, err = signer.Headers(http.MethodGet, u.Path)
		if err != nil {
			return nil, err
		}
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: HandshakeTimeout,
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("couldn't dial %s: %s: %w", u.Redacted(), resp.Status, err)
		}
		return nil, fmt.Errorf("couldn't dial %s: %w", u.Redacted(), err)
	}

	logger := l.With("component", "kalshi_ws")
	logger.Info("connected", "url", u.Redacted(), "status", resp.Status)

	c := &Conn{
		conn:     conn,
		stopPing: make(chan struct{}),
		logger:   logger,
	}
	go c.pingLoop()

	return c, nil
}

func (c *Conn) pingLoop() {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopPing:
			return
		case <-ticker.C:
			deadline := time.Now().Add(DefaultWriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.logger.Warn("failed to send ping", "error", err)
				return
			}
		}
	}
}

// WriteJSON sends v as one text frame. Writes are serialized.
func (c *Conn) WriteJSON(ctx context.Context, v any) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultWriteTimeout)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("couldn't set write deadline: %w", err)
	}
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("couldn't write frame: %w", err)
	}
	return nil
}

type result struct {
	raw []byte
	err error
}

// ReadFrame blocks for the next frame. Cancelling ctx unblocks the read and
// leaves the connection unusable.
func (c *Conn) ReadFrame(ctx context.Context) ([]byte, error) {
	resultCh := make(chan result, 1)

	go func() {
		_, raw, err := c.conn.ReadMessage()
		resultCh <- result{raw: raw, err: err}
	}()

	select {
	case <-ctx.Done():
		if err := c.conn.SetReadDeadline(time.Now()); err != nil {
			c.logger.Warn("failed to set read deadline", "error", err)
		}
		return nil, fmt.Errorf("reading frame: %w", ctx.Err())
	case r := <-resultCh:
		if r.err != nil {
			return nil, fmt.Errorf("couldn't read frame: %w", r.err)
		}
		return r.raw, nil
	}
}

// Close sends a close frame and closes the connection. It is safe to call
// more than once.
func (c *Conn) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stopPing)

		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(DefaultCloseTimeout)
		}

		werr := c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			deadline,
		)
		if werr != nil {
			c.logger.Warn("failed to send close message", "error", werr)
		}
		err = c.conn.Close()
	})
	return err
}
