package ari

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// SpyDirection selects which side of a channel a snoop hears.
type SpyDirection string

const (
	SpyIn   SpyDirection = "in"
	SpyOut  SpyDirection = "out"
	SpyBoth SpyDirection = "both"
)

// Channel is a handle to one PBX channel. Handles are created lazily the
// first time an id is seen, either in an event or from a REST response, and
// carry their own event subscriptions.
type Channel struct {
	ID string

	client *Client

	mu       sync.RWMutex
	name     string
	state    string
	caller   CallerID
	handlers map[string][]Handler
}

// Name returns the last observed channel name.
func (ch *Channel) Name() string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.name
}

// Caller returns the last observed caller id.
func (ch *Channel) Caller() CallerID {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.caller
}

// On registers a per-channel handler for the named event type.
func (ch *Channel) On(eventType string, h Handler) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.handlers[eventType] = append(ch.handlers[eventType], h)
}

// Hangup requests channel teardown. Hanging up an already-gone channel is
// not an error.
func (ch *Channel) Hangup(ctx context.Context) error {
	err := ch.client.do(ctx, "DELETE", "/channels/"+url.PathEscape(ch.ID), nil, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}

// refresh updates cached channel metadata from an event payload.
func (ch *Channel) refresh(data *ChannelData) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if data.Name != "" {
		ch.name = data.Name
	}
	if data.State != "" {
		ch.state = data.State
	}
	if data.Caller.Number != "" || data.Caller.Name != "" {
		ch.caller = data.Caller
	}
}

// dispatch delivers an event to this channel's subscribers.
func (ch *Channel) dispatch(evt *Event) {
	ch.mu.RLock()
	hs := append([]Handler(nil), ch.handlers[evt.Type]...)
	ch.mu.RUnlock()
	for _, h := range hs {
		h(evt, ch)
	}
}

// snoopRequest is the body for POST /channels/{id}/snoop.
type snoopRequest struct {
	App     string `json:"app"`
	Spy     string `json:"spy"`
	AppArgs string `json:"appArgs,omitempty"`
	SnoopID string `json:"snoopId,omitempty"`
}

// SnoopChannel attaches a read-only shadow channel to chanIDOrName and
// places it into the named stasis application.
//
// The argument may be a channel id or its human-readable name. When the PBX
// answers 404 and the argument looks like a name, the channel list is
// consulted once to resolve the id and the snoop is retried.
func (c *Client) SnoopChannel(ctx context.Context, chanIDOrName, app string, spy SpyDirection, appArgs string) (*Channel, error) {
	ch, err := c.snoopByID(ctx, chanIDOrName, app, spy, appArgs)
	if err == nil {
		return ch, nil
	}
	if !errors.Is(err, ErrNotFound) || !looksLikeChannelName(chanIDOrName) {
		return nil, err
	}

	id, lookupErr := c.resolveChannelID(ctx, chanIDOrName)
	if lookupErr != nil {
		return nil, lookupErr
	}
	return c.snoopByID(ctx, id, app, spy, appArgs)
}

func (c *Client) snoopByID(ctx context.Context, channelID, app string, spy SpyDirection, appArgs string) (*Channel, error) {
	req := snoopRequest{
		App:     app,
		Spy:     string(spy),
		AppArgs: appArgs,
		SnoopID: "snoop-" + uuid.NewString(),
	}

	var data ChannelData
	err := c.do(ctx, "POST", "/channels/"+url.PathEscape(channelID)+"/snoop", nil, req, &data)
	if err != nil {
		return nil, err
	}

	ch := c.Channel(data.ID)
	ch.refresh(&data)
	return ch, nil
}

// looksLikeChannelName reports whether s resembles a dialplan channel name
// such as "SIP/100-000001" rather than a channel id.
func looksLikeChannelName(s string) bool {
	return strings.Contains(s, "/")
}

// resolveChannelID lists channels once and returns the id whose name
// matches exactly.
func (c *Client) resolveChannelID(ctx context.Context, name string) (string, error) {
	var channels []ChannelData
	if err := c.do(ctx, "GET", "/channels", nil, nil, &channels); err != nil {
		return "", err
	}
	for _, data := range channels {
		if data.Name == name {
			return data.ID, nil
		}
	}
	return "", &StatusError{Code: 404, Body: "no channel named " + name}
}

// externalMediaRequest is the body for POST /channels/externalMedia.
type externalMediaRequest struct {
	App           string `json:"app"`
	ExternalHost  string `json:"external_host"`
	Format        string `json:"format"`
	Transport     string `json:"transport,omitempty"`
	Encapsulation string `json:"encapsulation,omitempty"`
	ChannelID     string `json:"channelId,omitempty"`
	Data          string `json:"data,omitempty"`
}

// ExternalMedia creates a synthetic channel that emits its bridge's audio
// to an RTP endpoint outside the PBX. externalHost is "host:port".
func (c *Client) ExternalMedia(ctx context.Context, app, appArgs, externalHost, format, transport, encapsulation string) (*Channel, error) {
	req := externalMediaRequest{
		App:           app,
		ExternalHost:  externalHost,
		Format:        format,
		Transport:     transport,
		Encapsulation: encapsulation,
		ChannelID:     "em-" + uuid.NewString(),
		Data:          appArgs,
	}

	var data ChannelData
	if err := c.do(ctx, "POST", "/channels/externalMedia", nil, req, &data); err != nil {
		return nil, err
	}

	ch := c.Channel(data.ID)
	ch.refresh(&data)
	return ch, nil
}
