// Package ari is a minimal client for the PBX stasis control API: REST
// calls with basic authentication plus a long-lived WebSocket event stream
// subscribed to a named stasis application.
//
// The client tolerates an optional URL path prefix (reverse-proxy
// deployments) and both known event-stream endpoint layouts, the older
// "/ari/events" and the newer "/ws". It deliberately implements only the
// surface the tap orchestrator needs: snoops, bridges, external media, and
// hangups.
package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrNotFound matches any REST failure with HTTP status 404.
var ErrNotFound = errors.New("ari: not found")

// StatusError is returned for non-2xx REST responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ari: status %d: %s", e.Code, e.Body)
}

// Is reports ErrNotFound for 404 responses so callers can branch with
// errors.Is.
func (e *StatusError) Is(target error) bool {
	return target == ErrNotFound && e.Code == http.StatusNotFound
}

// EventsPath selects the event-stream endpoint layout.
type EventsPath string

const (
	// EventsPathAuto picks /ws when the base URL carries a path prefix and
	// /ari/events otherwise.
	EventsPathAuto EventsPath = ""

	// EventsPathARI is the classic /ari/events endpoint.
	EventsPathARI EventsPath = "/ari/events"

	// EventsPathWS is the reverse-proxy /ws endpoint.
	EventsPathWS EventsPath = "/ws"
)

// Option configures a Client.
type Option func(*Client)

// WithPathPrefix sets a URL path prefix shared by all REST paths and the
// event stream. If the base URL already ends with the prefix it is not
// doubled.
func WithPathPrefix(prefix string) Option {
	return func(c *Client) { c.prefix = prefix }
}

// WithEventsPath overrides the event-stream endpoint layout.
func WithEventsPath(p EventsPath) Option {
	return func(c *Client) { c.eventsPath = p }
}

// WithHTTPClient replaces the HTTP client used for REST calls.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpc = hc }
}

// Client is a handle to one PBX control-plane endpoint.
type Client struct {
	base       *url.URL // prefix already applied
	user, pass string
	prefix     string
	eventsPath EventsPath
	httpc      *http.Client

	app string

	mu       sync.RWMutex
	channels map[string]*Channel
	handlers map[string][]Handler

	done     chan struct{}
	doneOnce sync.Once
	doneErr  error
	closeWS  func()
}

// Handler is invoked for dispatched events. ch is non-nil when the event
// body carried a channel.
type Handler func(evt *Event, ch *Channel)

// Connect builds a client handle for the given REST base URL and
// credentials. The path prefix, if configured, is resolved exactly once.
func Connect(baseURL, user, pass string, opts ...Option) (*Client, error) {
	c := &Client{
		user:     user,
		pass:     pass,
		httpc:    &http.Client{Timeout: 15 * time.Second},
		channels: make(map[string]*Channel),
		handlers: make(map[string][]Handler),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}

	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("ari: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("ari: unsupported scheme %q", u.Scheme)
	}

	u.Path = strings.TrimSuffix(u.Path, "/")
	if p := strings.TrimSuffix(c.prefix, "/"); p != "" {
		if !strings.HasSuffix(u.Path, p) {
			u.Path += p
		}
	}
	c.base = u

	return c, nil
}

// BasePath returns the resolved base path, including any prefix.
func (c *Client) BasePath() string { return c.base.Path }

// On registers a global handler for the named event type. Handlers run on
// the event-stream goroutine; they must not block.
func (c *Client) On(eventType string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = append(c.handlers[eventType], h)
}

// Channel returns the handle for the given channel id, creating it if it
// has not been seen yet.
func (c *Client) Channel(id string) *Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelLocked(id)
}

func (c *Client) channelLocked(id string) *Channel {
	ch, ok := c.channels[id]
	if !ok {
		ch = &Channel{ID: id, client: c, handlers: make(map[string][]Handler)}
		c.channels[id] = ch
	}
	return ch
}

// forgetChannel drops a channel handle from the index.
func (c *Client) forgetChannel(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, id)
}

// Done is closed when the event stream terminates.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the event stream terminated. Valid after Done is closed.
func (c *Client) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.doneErr
}

// Close tears down the event stream, if any.
func (c *Client) Close() {
	c.mu.Lock()
	closeWS := c.closeWS
	c.mu.Unlock()
	if closeWS != nil {
		closeWS()
	}
}

// restURL builds a REST URL under the resolved prefix.
func (c *Client) restURL(path string, q url.Values) string {
	u := *c.base
	u.Path += "/ari" + path
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// do issues one REST call. Any 2xx is success; other statuses produce a
// *StatusError carrying the response body. When out is non-nil the response
// body is decoded into it.
func (c *Client) do(ctx context.Context, method, path string, q url.Values, body, out any) error {
	var rdr io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ari: encode request: %w", err)
		}
		rdr = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.restURL(path, q), rdr)
	if err != nil {
		return fmt.Errorf("ari: build request: %w", err)
	}
	req.SetBasicAuth(c.user, c.pass)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("ari: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("ari: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("ari: decode response: %w", err)
		}
	}
	return nil
}

// dispatch routes one parsed event to global and per-channel subscribers.
func (c *Client) dispatch(evt *Event) {
	var ch *Channel
	if evt.Channel != nil && evt.Channel.ID != "" {
		c.mu.Lock()
		ch = c.channelLocked(evt.Channel.ID)
		ch.refresh(evt.Channel)
		c.mu.Unlock()
	}

	c.mu.RLock()
	global := append([]Handler(nil), c.handlers[evt.Type]...)
	c.mu.RUnlock()

	for _, h := range global {
		h(evt, ch)
	}
	if ch != nil {
		ch.dispatch(evt)
	}
}

func (c *Client) finish(err error) {
	c.doneOnce.Do(func() {
		c.mu.Lock()
		c.doneErr = err
		c.mu.Unlock()
		close(c.done)
		if err != nil {
			slog.Error("ari event stream terminated", "error", err)
		}
	})
}
