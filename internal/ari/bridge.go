package ari

import (
	"context"
	"errors"
	"net/url"

	"github.com/google/uuid"
)

// Bridge is a handle to one PBX bridge.
type Bridge struct {
	ID     string
	client *Client
}

// NewBridge returns an unbound bridge handle with a client-chosen id.
// Nothing exists on the PBX until Create is called.
func (c *Client) NewBridge() *Bridge {
	return &Bridge{ID: "bridge-" + uuid.NewString(), client: c}
}

type createBridgeRequest struct {
	Type     string `json:"type"`
	BridgeID string `json:"bridgeId"`
}

// Create materialises the bridge on the PBX. typ is normally "mixing".
func (b *Bridge) Create(ctx context.Context, typ string) error {
	var data struct {
		ID string `json:"id"`
	}
	err := b.client.do(ctx, "POST", "/bridges", nil, createBridgeRequest{Type: typ, BridgeID: b.ID}, &data)
	if err != nil {
		return err
	}
	if data.ID != "" {
		b.ID = data.ID
	}
	return nil
}

type addChannelRequest struct {
	Channel string `json:"channel"`
}

// AddChannel adds a channel to the bridge. A 404 here usually means the PBX
// has not yet materialised a freshly created channel; callers retry.
func (b *Bridge) AddChannel(ctx context.Context, channelID string) error {
	return b.client.do(ctx, "POST", "/bridges/"+url.PathEscape(b.ID)+"/addChannel", nil,
		addChannelRequest{Channel: channelID}, nil)
}

// Destroy tears the bridge down. Destroying an already-gone bridge is not
// an error.
func (b *Bridge) Destroy(ctx context.Context) error {
	err := b.client.do(ctx, "DELETE", "/bridges/"+url.PathEscape(b.ID), nil, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
