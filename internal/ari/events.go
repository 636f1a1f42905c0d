package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/coder/websocket"
)

// Event type names the orchestrator subscribes to.
const (
	EventStasisStart          = "StasisStart"
	EventStasisEnd            = "StasisEnd"
	EventChannelHangupRequest = "ChannelHangupRequest"
)

// CallerID is the caller identification carried in channel payloads.
type CallerID struct {
	Name   string `json:"name"`
	Number string `json:"number"`
}

// ChannelData is the channel payload embedded in events and REST responses.
type ChannelData struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	State  string   `json:"state"`
	Caller CallerID `json:"caller"`
}

// Event is one message from the stasis event stream, discriminated on its
// type field. Unknown event types pass through unchanged; Raw always holds
// the full message body.
type Event struct {
	Type        string          `json:"type"`
	Application string          `json:"application"`
	Timestamp   string          `json:"timestamp"`
	Args        []string        `json:"args"`
	Channel     *ChannelData    `json:"channel"`
	Cause       int             `json:"cause"`
	Raw         json.RawMessage `json:"-"`
}

// Start opens the persistent event stream subscribed to the named stasis
// application and launches the read loop. The stream URL is derived from
// the REST base by switching the scheme to its WebSocket counterpart; the
// endpoint layout follows the configured EventsPath, or is auto-selected
// from the base URL (a path prefix implies the newer /ws layout).
//
// Reconnection is out of scope here: when the stream terminates, Done is
// closed and Err reports the cause.
func (c *Client) Start(ctx context.Context, appName string) error {
	c.app = appName

	wsURL := c.streamURL(appName)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("ari: dial event stream: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	c.mu.Lock()
	c.closeWS = func() { _ = conn.Close(websocket.StatusNormalClosure, "client closed") }
	c.mu.Unlock()

	slog.Info("ari event stream connected", "app", appName, "url", wsURL)

	go c.readLoop(ctx, conn)
	return nil
}

// streamURL derives the event stream URL from the REST base.
func (c *Client) streamURL(appName string) string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}

	path := c.eventsPath
	if path == EventsPathAuto {
		if u.Path != "" {
			path = EventsPathWS
		} else {
			path = EventsPathARI
		}
	}
	u.Path += string(path)

	q := url.Values{}
	q.Set("app", appName)
	q.Set("subscribeAll", "true")
	q.Set("api_key", c.user+":"+c.pass)
	u.RawQuery = q.Encode()

	return u.String()
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close(websocket.StatusInternalError, "read loop exit")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			c.finish(err)
			return
		}

		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("ari: discarding unparseable event", "error", err)
			continue
		}
		evt.Raw = json.RawMessage(data)

		c.dispatch(&evt)
	}
}
