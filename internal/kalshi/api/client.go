// Package api is used to call Kalshi's REST endpoints.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/daszybak/kalshi/internal/kalshi/auth"
	"github.com/daszybak/kalshi/internal/metrics"
)

const (
	DefaultTimeout = 30 * time.Second
	// maxResponseBody caps how much of a response is read into memory.
	maxResponseBody = 32 << 20
)

type Config struct {
	BaseURL   string // e.g. https://api.elections.kalshi.com/trade-api/v2
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
	RateBurst int
}

// Client executes signed requests against one base URL. It is read-only after
// New and safe for concurrent use.
type Client struct {
	httpClient *http.Client
	baseURL    *url.URL
	signer     *auth.Signer
	limiter    *rate.Limiter
	logger     *slog.Logger
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New returns a Client. A nil signer sends unauthenticated requests, which
// the public market data endpoints accept.
func New(cfg Config, signer *auth.Signer, l *slog.Logger, opts ...Option) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("couldn't parse base url %q: %w", cfg.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", cfg.BaseURL)
	}
	base.Path = strings.TrimRight(base.Path, "/")
	base.RawQuery = ""

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    base,
		signer:     signer,
		logger:     l.With("component", "kalshi_api"),
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Param is one query parameter.
type Param struct {
	Key   string
	Value string
}

// Params keeps query parameters in insertion order so the same logical
// request always encodes to the same bytes.
type Params []Param

// Add appends a parameter and returns the extended list.
func (p Params) Add(key, value string) Params {
	return append(p, Param{Key: key, Value: value})
}

// AddNonEmpty appends the parameter only when value is set.
func (p Params) AddNonEmpty(key, value string) Params {
	if value == "" {
		return p
	}
	return p.Add(key, value)
}

// Encode renders the parameters in insertion order.
func (p Params) Encode() string {
	var sb strings.Builder
	for i, kv := range p {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(kv.Key))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(kv.Value))
	}
	return sb.String()
}

// SignedPath is the path that gets signed for a request path: the base URL
// path joined with p, without any query.
func (c *Client) SignedPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	return c.baseURL.Path + "/" + strings.TrimLeft(p, "/")
}

// routes are the path templates used as metric labels. Paths carrying a
// ticker would otherwise create one series per market.
var routes = []string{
	"/exchange/status",
	"/exchange/schedule",
	"/markets",
	"/markets/{ticker}",
	"/markets/{ticker}/orderbook",
	"/events",
	"/events/{event_ticker}",
	"/series/{series_ticker}",
}

// RouteOther labels requests whose path matches no known route.
const RouteOther = "other"

// Route returns the template in routes that p matches, or RouteOther.
func Route(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	segs := strings.Split(strings.Trim(p, "/"), "/")
	for _, r := range routes {
		if matchRoute(strings.Split(strings.Trim(r, "/"), "/"), segs) {
			return r
		}
	}
	return RouteOther
}

func matchRoute(tmpl, segs []string) bool {
	if len(tmpl) != len(segs) {
		return false
	}
	for i, t := range tmpl {
		if strings.HasPrefix(t, "{") {
			if segs[i] == "" {
				return false
			}
			continue
		}
		if t != segs[i] {
			return false
		}
	}
	return true
}

// URL builds the full request URL.
func (c *Client) URL(p string, query Params) string {
	u := url.URL{
		Scheme:   c.baseURL.Scheme,
		Host:     c.baseURL.Host,
		Path:     c.SignedPath(p),
		RawQuery: query.Encode(),
	}
	return u.String()
}

// Do signs and sends a request, reads the whole body and classifies the
// status. On 2xx the body is decoded into out unless out is nil.
//
// Errors: *auth.CredentialError, *TransportError, *RequestError or *DecodeError.
func (c *Client) Do(ctx context.Context, method, p string, query Params, body, out any) error {
	method = strings.ToUpper(method)
	target := c.URL(p, query)

	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("couldn't encode %s %s body: %w", method, target, err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("couldn't build request %s %s: %w", method, target, err)
	}
	// Wait before signing so the timestamp is taken when the request leaves.
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &TransportError{Method: method, URL: target, Err: fmt.Errorf("rate limiter: %w", err)}
		}
	}

	if c.signer != nil {
		h, err := c.signer.Headers(method, c.SignedPath(p))
		if err != nil {
			return err
		}
		for k, v := range h {
			req.Header[k] = v
		}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveRequest(method, Route(p), metrics.StatusTransport, time.Since(start))
		return &TransportError{Method: method, URL: target, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	metrics.ObserveRequest(method, Route(p), resp.StatusCode, time.Since(start))
	if err != nil {
		return &TransportError{Method: method, URL: target, Err: fmt.Errorf("read body: %w", err)}
	}

	class := Classify(resp.StatusCode)
	if class != ClassSuccess {
		c.logger.Warn("request failed",
			"method", method,
			"url", target,
			"status", resp.StatusCode,
			"request_body", truncate(reqBody, maxErrorBody),
			"response_body", truncate(respBody, maxErrorBody),
		)
		return &RequestError{
			Method:     method,
			URL:        target,
			StatusCode: resp.StatusCode,
			Class:      class,
			Body:       respBody,
		}
	}

	if out == nil {
		return nil
	}
	if err := unmarshal(respBody, out); err != nil {
		c.logger.Warn("couldn't decode response", "method", method, "url", target,
			"status", resp.StatusCode, "error", err, "response_body", truncate(respBody, maxErrorBody))
		return &DecodeError{Method: method, URL: target, Body: respBody, Err: err}
	}
	return nil
}

func unmarshal(data []byte, out any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("empty body")
	}
	return json.Unmarshal(data, out)
}

// Get issues a GET and decodes the body into T.
func Get[T any](ctx context.Context, c *Client, p string, query Params) (T, error) {
	var out T
	err := c.Do(ctx, http.MethodGet, p, query, nil, &out)
	return out, err
}

// Post issues a POST with a JSON body and decodes the response into T.
func Post[T any](ctx context.Context, c *Client, p string, body any) (T, error) {
	var out T
	err := c.Do(ctx, http.MethodPost, p, nil, body, &out)
	return out, err
}

// Delete issues a DELETE and decodes the response into T.
func Delete[T any](ctx context.Context, c *Client, p string, query Params) (T, error) {
	var out T
	err := c.Do(ctx, http.MethodDelete, p, query, nil, &out)
	return out, err
}
