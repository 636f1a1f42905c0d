package streamgw

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Hub fans server-emitted events out to widget subscribers grouped by
// room. Rooms are keyed by the agent extension. Per-room delivery order is
// the order Publish is called in; a slow subscriber is dropped rather than
// allowed to stall the room.
type Hub struct {
	mu    sync.Mutex
	rooms map[string]map[string]*subscriber
}

type subscriber struct {
	id   string
	room string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Widget event payloads.

type callStartEvent struct {
	Event      string `json:"event"`
	UUID       string `json:"uuid"`
	Exten      string `json:"exten"`
	Caller     string `json:"caller"`
	CallerName string `json:"callername"`
	From       string `json:"from"`
	To         string `json:"to"`
	Timestamp  int64  `json:"timestamp"`
}

type sttEvent struct {
	Event   string      `json:"event"`
	Text    string      `json:"text"`
	IsFinal bool        `json:"isFinal"`
	Words   []wordEntry `json:"words,omitempty"`
	UUID    string      `json:"uuid"`
	Dir     Direction   `json:"dir"`
	Speaker string      `json:"speaker"`
	Exten   string      `json:"exten"`
	Caller  string      `json:"caller"`
}

type sttEndEvent struct {
	Event string `json:"event"`
	UUID  string `json:"uuid"`
}

type assistEvent struct {
	Event   string `json:"event"`
	Text    string `json:"text"`
	Speaker string `json:"speaker"`
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[string]*subscriber)}
}

// ServeWS upgrades a widget connection and keeps it subscribed to its room
// until the peer goes away. The room is the value of the "room" query
// parameter.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	if room == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("widget accept failed", "room", room, "error", err)
		return
	}

	sub := &subscriber{
		id:   uuid.NewString(),
		room: room,
		conn: conn,
		send: make(chan []byte, 64),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[string]*subscriber)
	}
	h.rooms[room][sub.id] = sub
	h.mu.Unlock()

	slog.Info("widget subscribed", "room", room, "subscriber", sub.id)

	ctx := r.Context()
	go sub.writeLoop(ctx, h)
	sub.readLoop(ctx, h)
}

// Publish marshals event and delivers it to every subscriber of the room.
func (h *Hub) Publish(room string, event any) {
	data, err := json.Marshal(event)
	if err != nil {
		slog.Error("widget event encode failed", "room", room, "error", err)
		return
	}

	h.mu.Lock()
	subs := make([]*subscriber, 0, len(h.rooms[room]))
	for _, sub := range h.rooms[room] {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
		case sub.send <- data:
		default:
			// Subscriber cannot keep up; cut it loose.
			sub.close()
		}
	}
}

// RoomCount returns the number of rooms with at least one subscriber.
func (h *Hub) RoomCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[sub.room]; ok {
		delete(room, sub.id)
		if len(room) == 0 {
			delete(h.rooms, sub.room)
		}
	}
}

func (sub *subscriber) writeLoop(ctx context.Context, h *Hub) {
	defer h.remove(sub)
	for {
		select {
		case <-sub.done:
			return
		case data := <-sub.send:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := sub.conn.Write(wctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				sub.close()
				return
			}
		}
	}
}

// readLoop discards inbound messages; it exists to notice the peer
// closing.
func (sub *subscriber) readLoop(ctx context.Context, h *Hub) {
	for {
		if _, _, err := sub.conn.Read(ctx); err != nil {
			sub.close()
			h.remove(sub)
			return
		}
	}
}

func (sub *subscriber) close() {
	sub.once.Do(func() {
		close(sub.done)
		_ = sub.conn.Close(websocket.StatusNormalClosure, "bye")
	})
}
