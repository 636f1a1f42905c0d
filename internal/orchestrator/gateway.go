package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// CallMeta is the per-call metadata carried from /start_tap to the
// gateways.
type CallMeta struct {
	Exten          string
	Caller         string
	CallerName     string
	AgentExtension string
	AgentUsername  string
	AgentID        string
}

// GatewayClient speaks the simple GET-based control protocol both
// gateways expose. A non-2xx response is an error carrying the body.
type GatewayClient struct {
	base  string
	httpc *http.Client
}

// NewGatewayClient creates a client for one gateway control URL.
func NewGatewayClient(base string) *GatewayClient {
	return &GatewayClient{
		base:  base,
		httpc: &http.Client{Timeout: 5 * time.Second},
	}
}

func (g *GatewayClient) get(ctx context.Context, path string, q url.Values) error {
	u := g.base + path + "?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := g.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway %s: status %d: %s", path, resp.StatusCode, string(body))
	}
	return nil
}

// RegisterFramed reserves a UDP port for a call at the framed gateway.
func (g *GatewayClient) RegisterFramed(ctx context.Context, callID string, port int, meta CallMeta) error {
	q := url.Values{}
	q.Set("uuid", callID)
	q.Set("port", strconv.Itoa(port))
	q.Set("agent_extension", meta.AgentExtension)
	q.Set("agent_username", meta.AgentUsername)
	q.Set("agent_id", meta.AgentID)
	return g.get(ctx, "/register", q)
}

// UnregisterFramed releases a framed-gateway port. Idempotent server-side.
func (g *GatewayClient) UnregisterFramed(ctx context.Context, port int) error {
	q := url.Values{}
	q.Set("port", strconv.Itoa(port))
	return g.get(ctx, "/unregister", q)
}

// RegisterStream binds call context at the streaming gateway for one
// direction, ahead of the external-media channel that will carry it.
func (g *GatewayClient) RegisterStream(ctx context.Context, callID, dir string, meta CallMeta) error {
	q := url.Values{}
	q.Set("uuid", callID)
	q.Set("exten", meta.Exten)
	q.Set("caller", meta.Caller)
	q.Set("callername", meta.CallerName)
	q.Set("dir", dir)
	return g.get(ctx, "/register", q)
}

// UnregisterStream drops a call's context at the streaming gateway.
func (g *GatewayClient) UnregisterStream(ctx context.Context, callID string) error {
	q := url.Values{}
	q.Set("uuid", callID)
	return g.get(ctx, "/unregister", q)
}
