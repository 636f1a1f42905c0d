package streamgw

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sebas/calltap/internal/observe"
	"github.com/sebas/calltap/internal/rtppkt"
	"github.com/sebas/calltap/internal/store"
)

// regTTL bounds how long a registration without an unregister survives.
// Entries are refreshed on every register.
const regTTL = time.Hour

type sessionKey struct {
	ssrc uint32
	dir  Direction
}

// Gateway is the streaming gateway: two direction-coded UDP intake ports,
// an SSRC-keyed session table, the widget hub, and the registration store
// that binds inbound media to call context.
type Gateway struct {
	cfg     *Config
	metrics *observe.Metrics
	hub     *Hub

	// assistant is nil when the feature is disabled.
	assistant *Assistant

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	regs    *store.TTLStore[string, CallContext]
	pending map[Direction]*pendingQueue

	mu       sync.Mutex
	sessions map[sessionKey]*Session

	conns  map[Direction]net.PacketConn
	router chi.Router
}

// NewGateway wires a gateway from its configuration. Call Start to bind
// the UDP ports and launch the background loops.
func NewGateway(cfg *Config, metrics *observe.Metrics) *Gateway {
	ctx, cancel := context.WithCancel(context.Background())

	gw := &Gateway{
		cfg:     cfg,
		metrics: metrics,
		hub:     NewHub(),
		ctx:     ctx,
		cancel:  cancel,
		regs:    store.New[string, CallContext](30 * time.Second),
		pending: map[Direction]*pendingQueue{
			DirIn:  newPendingQueue(cfg.PendingTTL),
			DirOut: newPendingQueue(cfg.PendingTTL),
		},
		sessions: make(map[sessionKey]*Session),
		conns:    make(map[Direction]net.PacketConn),
	}

	if cfg.Assistant.Enabled {
		gw.assistant = NewAssistant(cfg.Assistant, gw.hub, metrics)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/register", gw.handleRegister)
	r.Get("/unregister", gw.handleUnregister)
	r.Get("/ws", gw.hub.ServeWS)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	r.Handle("/metrics", observe.Handler())
	gw.router = r

	return gw
}

// Router returns the HTTP control surface.
func (gw *Gateway) Router() http.Handler { return gw.router }

// Start binds both RTP ports and launches the intake, watchdog and
// assistant loops.
func (gw *Gateway) Start() error {
	ports := map[Direction]int{
		DirIn:  gw.cfg.RTPPortIn,
		DirOut: gw.cfg.RTPPortOut,
	}

	for dir, port := range ports {
		conn, err := net.ListenPacket("udp", fmt.Sprintf("%s:%d", gw.cfg.RTPBind, port))
		if err != nil {
			gw.Shutdown()
			return fmt.Errorf("streamgw: bind rtp %s port %d: %w", dir, port, err)
		}
		gw.conns[dir] = conn
		slog.Info("rtp intake listening", "dir", dir, "addr", conn.LocalAddr())

		gw.wg.Add(1)
		go gw.udpLoop(dir, conn)
	}

	gw.wg.Add(1)
	go gw.watchdogLoop()

	if gw.assistant != nil {
		gw.wg.Add(1)
		go func() {
			defer gw.wg.Done()
			gw.assistant.Run(gw.ctx)
		}()
	}

	return nil
}

// Shutdown stops intake, tears down every session and waits for the
// background loops.
func (gw *Gateway) Shutdown() {
	gw.cancel()
	for _, conn := range gw.conns {
		_ = conn.Close()
	}

	gw.mu.Lock()
	keys := make([]sessionKey, 0, len(gw.sessions))
	for key := range gw.sessions {
		keys = append(keys, key)
	}
	gw.mu.Unlock()

	for _, key := range keys {
		gw.reap(key, "shutdown")
	}

	gw.wg.Wait()
	gw.regs.Close()
}

func (gw *Gateway) udpLoop(dir Direction, conn net.PacketConn) {
	defer gw.wg.Done()

	buf := make([]byte, 4096)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if gw.ctx.Err() != nil {
				return
			}
			slog.Warn("rtp read failed", "dir", dir, "error", err)
			return
		}
		gw.handleDatagram(dir, buf[:n])
	}
}

// handleDatagram routes one RTP datagram to its session, creating and
// binding a session on the first packet of a new SSRC.
func (gw *Gateway) handleDatagram(dir Direction, datagram []byte) {
	ssrc, payload, err := rtppkt.Parse(datagram)
	if err != nil {
		slog.Debug("dropping malformed rtp", "dir", dir, "error", err)
		return
	}
	gw.metrics.RTPPackets.Add(gw.ctx, 1, metric.WithAttributes(
		attribute.String("service", "streamgw"),
		attribute.String("dir", string(dir)),
	))

	if gw.cfg.ByteSwap {
		payload = rtppkt.SwapBytes(payload)
	}

	key := sessionKey{ssrc: ssrc, dir: dir}

	gw.mu.Lock()
	s, ok := gw.sessions[key]
	if !ok {
		if len(gw.sessions) >= gw.cfg.MaxSessions {
			gw.mu.Unlock()
			gw.metrics.StreamDropped.Add(gw.ctx, 1)
			slog.Warn("session cap reached, dropping new ssrc", "ssrc", ssrc, "dir", dir)
			return
		}
		s = newSession(gw, ssrc, dir, gw.bindContext(dir))
		gw.sessions[key] = s
		gw.mu.Unlock()

		gw.metrics.StreamSessions.Add(gw.ctx, 1)
		slog.Info("streaming session bound",
			"ssrc", ssrc, "dir", dir, "uuid", s.Ctx.UUID, "room", s.Room)
		go s.run(gw.ctx)
	} else {
		gw.mu.Unlock()
	}

	s.write(gw.ctx, payload)
}

// bindContext resolves the call context for a brand-new SSRC: the oldest
// live pending registration for the direction wins; without one the
// session is anonymous and lands in the shared mix room.
func (gw *Gateway) bindContext(dir Direction) CallContext {
	uuid, ok := gw.pending[dir].pop()
	if !ok {
		return CallContext{UUID: "unknown", Exten: "mix"}
	}
	cctx, ok := gw.regs.Get(uuid)
	if !ok {
		// Registered then expired or unregistered before media arrived.
		return CallContext{UUID: uuid, Exten: "mix"}
	}
	return cctx
}

func (gw *Gateway) watchdogLoop() {
	defer gw.wg.Done()

	ticker := time.NewTicker(gw.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-gw.ctx.Done():
			return
		case <-ticker.C:
			gw.mu.Lock()
			var stale []sessionKey
			for key, s := range gw.sessions {
				if s.idle() > gw.cfg.InactivityTimeout {
					stale = append(stale, key)
				}
			}
			gw.mu.Unlock()

			for _, key := range stale {
				gw.reap(key, "inactivity")
			}
		}
	}
}

// reap tears one session down. When it was the call's last session the
// call-level state goes with it and the room is told the stream ended.
func (gw *Gateway) reap(key sessionKey, reason string) {
	gw.mu.Lock()
	s, ok := gw.sessions[key]
	if !ok {
		gw.mu.Unlock()
		return
	}
	delete(gw.sessions, key)
	last := true
	for _, other := range gw.sessions {
		if other.Ctx.UUID == s.Ctx.UUID {
			last = false
			break
		}
	}
	gw.mu.Unlock()

	s.close()
	gw.metrics.StreamSessions.Add(gw.ctx, -1)
	slog.Info("streaming session closed",
		"ssrc", s.SSRC, "dir", s.Dir, "uuid", s.Ctx.UUID, "reason", reason)

	if last {
		if gw.assistant != nil {
			gw.assistant.Drop(s.Ctx.UUID)
		}
		gw.hub.Publish(s.Room, sttEndEvent{Event: "stt-end", UUID: s.Ctx.UUID})
	}
}

// handleTranscript republishes one upstream transcript to the session's
// room and, for finals, feeds the assistant conversation log.
func (gw *Gateway) handleTranscript(s *Session, res transcriptResult) {
	gw.metrics.StreamTranscripts.Add(gw.ctx, 1,
		metric.WithAttributes(attribute.Bool("final", res.IsFinal)))

	gw.hub.Publish(s.Room, sttEvent{
		Event:   "stt",
		Text:    res.Text,
		IsFinal: res.IsFinal,
		Words:   res.Words,
		UUID:    s.Ctx.UUID,
		Dir:     s.Dir,
		Speaker: speakerLabel(gw.cfg.RoleMode, s.Dir, s.Ctx),
		Exten:   s.Ctx.Exten,
		Caller:  s.Ctx.Caller,
	})

	if res.IsFinal && gw.assistant != nil {
		gw.assistant.Append(s.Ctx.UUID, s.Room,
			conversationRole(gw.cfg.RoleMode, s.Dir), res.Text)
	}
}

// handleRegister binds call metadata ahead of the media: the context is
// stored by UUID and one pending-binding ticket per direction is queued
// for the next unseen SSRC.
func (gw *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	uuid := q.Get("uuid")
	if uuid == "" {
		http.Error(w, "missing uuid", http.StatusBadRequest)
		return
	}
	dir := Direction(q.Get("dir"))
	if dir != DirIn && dir != DirOut {
		http.Error(w, "invalid dir", http.StatusBadRequest)
		return
	}

	cctx := CallContext{
		UUID:       uuid,
		Exten:      q.Get("exten"),
		Caller:     q.Get("caller"),
		CallerName: q.Get("callername"),
	}

	newCall := !gw.regs.Has(uuid)
	gw.regs.Set(uuid, cctx, regTTL)
	gw.pending[dir].push(uuid)

	slog.Info("call registered",
		"uuid", uuid, "dir", dir, "exten", cctx.Exten, "caller", cctx.Caller)

	if newCall || q.Get("force_start") == "1" {
		from, to := fromTo(gw.cfg.RoleMode, cctx)
		gw.hub.Publish(cctx.Exten, callStartEvent{
			Event:      "call-start",
			UUID:       uuid,
			Exten:      cctx.Exten,
			Caller:     cctx.Caller,
			CallerName: cctx.CallerName,
			From:       from,
			To:         to,
			Timestamp:  time.Now().UnixMilli(),
		})
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// handleUnregister drops a call's registration and tears down any live
// sessions bound to it. Unknown UUIDs succeed.
func (gw *Gateway) handleUnregister(w http.ResponseWriter, r *http.Request) {
	uuid := r.URL.Query().Get("uuid")
	if uuid == "" {
		http.Error(w, "missing uuid", http.StatusBadRequest)
		return
	}

	gw.regs.Delete(uuid)

	gw.mu.Lock()
	var bound []sessionKey
	for key, s := range gw.sessions {
		if s.Ctx.UUID == uuid {
			bound = append(bound, key)
		}
	}
	gw.mu.Unlock()

	for _, key := range bound {
		gw.reap(key, "unregister")
	}
	if len(bound) == 0 && gw.assistant != nil {
		gw.assistant.Drop(uuid)
	}

	slog.Info("call unregistered", "uuid", uuid, "sessions", len(bound))

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}
