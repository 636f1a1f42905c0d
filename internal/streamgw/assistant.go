package streamgw

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sebas/calltap/internal/observe"
)

// ConvEntry is one line of a per-call conversation log.
type ConvEntry struct {
	Timestamp int64  `json:"timestamp"`
	Role      string `json:"role"`
	Text      string `json:"text"`
}

type conversation struct {
	room          string
	entries       []ConvEntry
	chars         int
	lastSentItems int
}

// Assistant accumulates final transcripts per call and periodically sends
// windowed conversation snapshots to the configured generative endpoint.
// Replies marked for agent visibility are republished to the call's room
// as assist events.
type Assistant struct {
	cfg     AssistantConfig
	hub     *Hub
	metrics *observe.Metrics
	httpc   *http.Client

	mu    sync.Mutex
	convs map[string]*conversation
}

// NewAssistant creates an assistant sampler. Call Run to start the timer.
func NewAssistant(cfg AssistantConfig, hub *Hub, metrics *observe.Metrics) *Assistant {
	return &Assistant{
		cfg:     cfg,
		hub:     hub,
		metrics: metrics,
		httpc:   &http.Client{Timeout: 15 * time.Second},
		convs:   make(map[string]*conversation),
	}
}

// Append records one final transcript line for a call.
func (a *Assistant) Append(callUUID, room, role, text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	conv, ok := a.convs[callUUID]
	if !ok {
		conv = &conversation{room: room}
		a.convs[callUUID] = conv
	}
	conv.entries = append(conv.entries, ConvEntry{
		Timestamp: time.Now().UnixMilli(),
		Role:      role,
		Text:      text,
	})
	conv.chars += len(text)
}

// Drop forgets all assistant state for a call.
func (a *Assistant) Drop(callUUID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.convs, callUUID)
}

// ConversationLen reports the number of logged entries for a call.
func (a *Assistant) ConversationLen(callUUID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if conv, ok := a.convs[callUUID]; ok {
		return len(conv.entries)
	}
	return 0
}

// Run fires the sampler on the configured interval until ctx ends.
func (a *Assistant) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.sample(ctx)
		}
	}
}

// snapshot is one sampled conversation ready to send.
type snapshot struct {
	callUUID string
	room     string
	entries  []ConvEntry
	items    int
}

// sample sends every conversation that passes the character-budget and
// growth gates, then applies the assistant replies.
func (a *Assistant) sample(ctx context.Context) {
	a.mu.Lock()
	var due []snapshot
	for uuid, conv := range a.convs {
		if conv.chars < a.cfg.MinChars || len(conv.entries) <= conv.lastSentItems {
			continue
		}
		due = append(due, snapshot{
			callUUID: uuid,
			room:     conv.room,
			entries:  tailWindow(conv.entries, a.cfg.TailChars),
			items:    len(conv.entries),
		})
	}
	a.mu.Unlock()

	for _, snap := range due {
		reply, err := a.send(ctx, snap)

		status := "ok"
		if err != nil {
			status = "error"
			slog.Warn("assistant request failed", "call_uuid", snap.callUUID, "error", err)
		}
		a.metrics.AssistantRequests.Add(ctx, 1,
			metric.WithAttributes(attribute.String("status", status)))
		if err != nil {
			continue
		}

		// The call may have ended while the request was in flight; only a
		// still-present conversation takes the counter update and the reply.
		a.mu.Lock()
		conv, present := a.convs[snap.callUUID]
		if present {
			conv.lastSentItems = snap.items
			if reply != "" {
				conv.entries = append(conv.entries, ConvEntry{
					Timestamp: time.Now().UnixMilli(),
					Role:      "assistant",
					Text:      reply,
				})
				conv.chars += len(reply)
			}
		}
		a.mu.Unlock()

		if present && reply != "" {
			a.hub.Publish(snap.room, assistEvent{
				Event:   "assist",
				Text:    reply,
				Speaker: a.cfg.SpeakerName,
			})
		}
	}
}

type assistantRequest struct {
	CallID       string      `json:"call_id"`
	Conversation []ConvEntry `json:"conversation"`
}

type assistantResponse struct {
	Assistant struct {
		Visibility string `json:"visibility"`
		Text       string `json:"text"`
	} `json:"assistant"`
}

// send posts one snapshot and returns the agent-visible reply text, if any.
func (a *Assistant) send(ctx context.Context, snap snapshot) (string, error) {
	body, err := json.Marshal(assistantRequest{
		CallID:       snap.callUUID,
		Conversation: snap.entries,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.AuthHeader != "" {
		req.Header.Set("Authorization", a.cfg.AuthHeader)
	}

	resp, err := a.httpc.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed assistantResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", err
	}
	if parsed.Assistant.Visibility != "agent" {
		return "", nil
	}
	return parsed.Assistant.Text, nil
}

// tailWindow trims a conversation to roughly the last maxChars characters,
// keeping whole entries.
func tailWindow(entries []ConvEntry, maxChars int) []ConvEntry {
	if maxChars <= 0 {
		out := make([]ConvEntry, len(entries))
		copy(out, entries)
		return out
	}

	total := 0
	start := len(entries)
	for start > 0 && total+len(entries[start-1].Text) <= maxChars {
		start--
		total += len(entries[start].Text)
	}
	if start == len(entries) && len(entries) > 0 {
		// A single oversized entry still gets sent.
		start = len(entries) - 1
	}

	out := make([]ConvEntry, len(entries)-start)
	copy(out, entries[start:])
	return out
}
