package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/singleflight"

	"github.com/sebas/calltap/internal/ari"
	"github.com/sebas/calltap/internal/observe"
)

// Backend selects which gateway a tap feeds.
type Backend string

const (
	BackendFramed    Backend = "framed"
	BackendStreaming Backend = "streaming"
)

const (
	// emFormat is the external-media audio format: 16-bit linear, 16 kHz.
	emFormat = "slin16"

	// addChannel retry policy: a freshly created channel may answer 404
	// until the PBX materialises it.
	addChannelAttempts = 5
	addChannelDelay    = 200 * time.Millisecond

	cleanupTimeout = 10 * time.Second
)

// errTapCleaned aborts wiring when the call was torn down while a
// control-plane request was in flight. Resources acquired across that
// window are rolled back by the acquirer; nothing new may be attached to
// a cleaned session.
var errTapCleaned = errors.New("orchestrator: tap session already cleaned")

// TapSession is the per-call resource graph: snoops, bridges,
// external-media channels and, for the framed backend, the allocated port.
type TapSession struct {
	CallID  string
	Backend Backend
	Meta    CallMeta

	mu      sync.Mutex
	snoops  map[string]*ari.Channel
	ems     map[string]*ari.Channel
	bridges map[string]*ari.Bridge // keyed by direction
	port    int                    // framed backend only, 0 when unset

	cleaned atomic.Bool
}

// addSnoop records the snoop unless the session was already cleaned.
// Taking s.mu orders the insert against CleanupSession's snapshot: an
// insert that wins the lock before the snapshot is torn down with the
// rest of the graph, one that loses sees cleaned and reports false.
func (s *TapSession) addSnoop(ch *ari.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned.Load() {
		return false
	}
	s.snoops[ch.ID] = ch
	return true
}

func (s *TapSession) addEM(ch *ari.Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned.Load() {
		return false
	}
	s.ems[ch.ID] = ch
	return true
}

func (s *TapSession) setPort(port int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned.Load() {
		return false
	}
	s.port = port
	return true
}

// pendingTap carries /start_tap parameters until the snoop's stasis-start
// arrives.
type pendingTap struct {
	backend Backend
	meta    CallMeta
}

// Manager owns every live TapSession and reacts to the stasis event
// stream.
type Manager struct {
	cfg     *Config
	cli     *ari.Client
	metrics *observe.Metrics

	framed *GatewayClient
	stream *GatewayClient
	ports  *PortPool

	mu        sync.Mutex
	sessions  map[string]*TapSession
	chanIndex map[string]string // channel id -> call id
	pending   map[string]pendingTap

	// bridgeGroup coalesces concurrent bridge creation for the same
	// call+direction when both snoops enter stasis near-simultaneously.
	bridgeGroup singleflight.Group
}

// NewManager wires a manager to the control client and registers its
// event handlers.
func NewManager(cfg *Config, cli *ari.Client, metrics *observe.Metrics) *Manager {
	m := &Manager{
		cfg:       cfg,
		cli:       cli,
		metrics:   metrics,
		framed:    NewGatewayClient(cfg.FramedBase),
		stream:    NewGatewayClient(cfg.StreamBase),
		ports:     NewPortPool(cfg.PortMin, cfg.PortMax),
		sessions:  make(map[string]*TapSession),
		chanIndex: make(map[string]string),
		pending:   make(map[string]pendingTap),
	}

	cli.On(ari.EventStasisStart, m.onStasisStart)
	cli.On(ari.EventStasisEnd, m.onTerminal)
	cli.On(ari.EventChannelHangupRequest, m.onTerminal)

	return m
}

// StartTap installs the snoop channel(s) for a call. The rest of the
// graph is built when the snoops re-enter the stasis application.
func (m *Manager) StartTap(ctx context.Context, chanIDOrName, callID string, backend Backend, meta CallMeta) error {
	m.mu.Lock()
	m.pending[callID] = pendingTap{backend: backend, meta: meta}
	m.mu.Unlock()

	var err error
	switch backend {
	case BackendFramed:
		_, err = m.cli.SnoopChannel(ctx, chanIDOrName, m.cfg.ARIApp, ari.SpyBoth,
			snoopArgs(callID, "both"))
	case BackendStreaming:
		var inSnoop *ari.Channel
		inSnoop, err = m.cli.SnoopChannel(ctx, chanIDOrName, m.cfg.ARIApp, ari.SpyIn,
			snoopArgs(callID, "in"))
		if err == nil {
			_, err = m.cli.SnoopChannel(ctx, chanIDOrName, m.cfg.ARIApp, ari.SpyOut,
				snoopArgs(callID, "out"))
			if err != nil {
				_ = inSnoop.Hangup(ctx)
			}
		}
	default:
		err = fmt.Errorf("orchestrator: unknown backend %q", backend)
	}

	status := "ok"
	if err != nil {
		status = "error"
		m.mu.Lock()
		delete(m.pending, callID)
		m.mu.Unlock()
	}
	m.metrics.TapsStarted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", string(backend)),
		attribute.String("status", status),
	))
	if err != nil {
		return fmt.Errorf("orchestrator: snoop %s: %w", chanIDOrName, err)
	}

	slog.Info("tap requested", "call_id", callID, "backend", backend, "chan", chanIDOrName)
	return nil
}

func snoopArgs(callID, dir string) string {
	return "snoop," + callID + "," + dir
}

// onStasisStart reacts to channels entering the stasis application.
// External-media channels re-enter on creation and are ignored; snoop
// channels drive the wiring. Wiring runs off the event goroutine.
func (m *Manager) onStasisStart(evt *ari.Event, ch *ari.Channel) {
	if evt.Application != m.cfg.ARIApp || ch == nil {
		return
	}
	if len(evt.Args) == 0 {
		return
	}
	role := evt.Args[0]
	if role == "em" || strings.HasPrefix(ch.Name(), "em-") {
		return
	}
	if role != "snoop" || len(evt.Args) < 3 {
		return
	}

	callID, dir := evt.Args[1], evt.Args[2]
	go m.wireSnoop(callID, dir, ch)
}

// onTerminal tears the call down when any channel of its graph hangs up
// or leaves the stasis application.
func (m *Manager) onTerminal(evt *ari.Event, ch *ari.Channel) {
	if ch == nil {
		return
	}
	m.mu.Lock()
	callID, ok := m.chanIndex[ch.ID]
	m.mu.Unlock()
	if !ok {
		return
	}
	go m.CleanupSession(callID, evt.Type)
}

// session returns the call's TapSession, creating it from the pending
// /start_tap parameters on first use. Returns nil when neither a live
// session nor a pending tap exists; a cleaned call must not be
// resurrected by a late duplicate snoop event.
func (m *Manager) session(callID string) *TapSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[callID]
	if ok {
		return s
	}

	p, ok := m.pending[callID]
	if !ok {
		return nil
	}

	s = &TapSession{
		CallID:  callID,
		Backend: p.backend,
		Meta:    p.meta,
		snoops:  make(map[string]*ari.Channel),
		ems:     make(map[string]*ari.Channel),
		bridges: make(map[string]*ari.Bridge),
	}
	m.sessions[callID] = s
	m.metrics.ActiveTaps.Add(context.Background(), 1)
	return s
}

// wireSnoop builds the call graph around one snoop channel: bridge, the
// snoop itself, gateway registration, external media. Each acquisition
// re-checks the cleanup latch; when cleanup won the race the acquired
// resource is rolled back and wiring stops.
func (m *Manager) wireSnoop(callID, dir string, ch *ari.Channel) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s := m.session(callID)
	if s == nil {
		slog.Warn("snoop for unknown call, hanging up", "call_id", callID, "dir", dir, "chan", ch.ID)
		_ = ch.Hangup(ctx)
		return
	}

	m.mu.Lock()
	m.chanIndex[ch.ID] = callID
	m.mu.Unlock()
	if !s.addSnoop(ch) {
		m.mu.Lock()
		delete(m.chanIndex, ch.ID)
		m.mu.Unlock()
		_ = ch.Hangup(ctx)
		return
	}

	bridge, err := m.ensureBridge(ctx, s, dir)
	if err != nil {
		if errors.Is(err, errTapCleaned) {
			return
		}
		m.failWire(callID, "create bridge", err)
		return
	}
	if err := m.addChannelRetry(ctx, bridge, ch.ID); err != nil {
		m.failWire(callID, "add snoop to bridge", err)
		return
	}

	switch s.Backend {
	case BackendFramed:
		err = m.wireFramed(ctx, s, bridge)
	case BackendStreaming:
		err = m.wireStreaming(ctx, s, bridge, dir)
	}
	if err != nil {
		if errors.Is(err, errTapCleaned) {
			return
		}
		m.failWire(callID, "wire external media", err)
		return
	}

	slog.Info("tap wired", "call_id", callID, "backend", s.Backend, "dir", dir, "snoop", ch.ID)
}

func (m *Manager) failWire(callID, stage string, err error) {
	slog.Error("tap wiring failed", "call_id", callID, "stage", stage, "error", err)
	m.CleanupSession(callID, "wire-failure")
}

// ensureBridge creates the call's bridge for the direction exactly once,
// even when both directions race through here concurrently.
func (m *Manager) ensureBridge(ctx context.Context, s *TapSession, dir string) (*ari.Bridge, error) {
	v, err, _ := m.bridgeGroup.Do(s.CallID+"/"+dir, func() (any, error) {
		s.mu.Lock()
		b := s.bridges[dir]
		s.mu.Unlock()
		if b != nil {
			return b, nil
		}
		if s.cleaned.Load() {
			return nil, errTapCleaned
		}

		b = m.cli.NewBridge()
		if err := b.Create(ctx, "mixing"); err != nil {
			return nil, err
		}

		s.mu.Lock()
		if s.cleaned.Load() {
			s.mu.Unlock()
			_ = b.Destroy(ctx)
			return nil, errTapCleaned
		}
		s.bridges[dir] = b
		s.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*ari.Bridge), nil
}

// addChannelRetry retries addChannel on 404 only: the PBX can answer 404
// for a channel it has not yet materialised.
func (m *Manager) addChannelRetry(ctx context.Context, b *ari.Bridge, channelID string) error {
	var err error
	for attempt := 0; attempt < addChannelAttempts; attempt++ {
		if err = b.AddChannel(ctx, channelID); err == nil {
			return nil
		}
		if !errors.Is(err, ari.ErrNotFound) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(addChannelDelay):
		}
	}
	return err
}

// wireFramed allocates the call's UDP port, reserves it at the framed
// gateway, then points an external-media channel at it. The port must be
// registered before the PBX can start sending.
func (m *Manager) wireFramed(ctx context.Context, s *TapSession, bridge *ari.Bridge) error {
	if s.cleaned.Load() {
		return errTapCleaned
	}

	port, err := m.ports.Allocate()
	if err != nil {
		return err
	}

	if err := m.framed.RegisterFramed(ctx, s.CallID, port, s.Meta); err != nil {
		m.ports.Release(port)
		return fmt.Errorf("register at framed gateway: %w", err)
	}

	if !s.setPort(port) {
		// Cleanup already ran; its unregister pass never saw this port.
		if err := m.framed.UnregisterFramed(ctx, port); err != nil {
			slog.Warn("framed unregister failed", "call_id", s.CallID, "port", port, "error", err)
		}
		m.ports.Release(port)
		return errTapCleaned
	}

	host := fmt.Sprintf("%s:%d", m.cfg.FramedRTPHost, port)
	em, err := m.cli.ExternalMedia(ctx, m.cfg.ARIApp, "em,"+s.CallID, host, emFormat, "udp", "rtp")
	if err != nil {
		return fmt.Errorf("external media %s: %w", host, err)
	}
	if !m.indexEM(s, em) {
		_ = em.Hangup(ctx)
		return errTapCleaned
	}

	return m.addChannelRetry(ctx, bridge, em.ID)
}

// wireStreaming registers the direction's context at the streaming
// gateway, then points an external-media channel at the direction's fixed
// RTP endpoint. A failed registration is logged but does not abort: the
// gateway will still accept the media into the shared mix room.
func (m *Manager) wireStreaming(ctx context.Context, s *TapSession, bridge *ari.Bridge, dir string) error {
	if s.cleaned.Load() {
		return errTapCleaned
	}

	if err := m.stream.RegisterStream(ctx, s.CallID, dir, s.Meta); err != nil {
		slog.Warn("streaming gateway register failed",
			"call_id", s.CallID, "dir", dir, "error", err)
	}

	host := m.cfg.StreamRTPHostIn
	if dir == "out" {
		host = m.cfg.StreamRTPHostOut
	}

	em, err := m.cli.ExternalMedia(ctx, m.cfg.ARIApp, "em,"+s.CallID, host, emFormat, "udp", "rtp")
	if err != nil {
		return fmt.Errorf("external media %s: %w", host, err)
	}
	if !m.indexEM(s, em) {
		_ = em.Hangup(ctx)
		return errTapCleaned
	}

	return m.addChannelRetry(ctx, bridge, em.ID)
}

// indexEM attaches the external-media channel to the session and the
// reverse index. Reports false, undoing the index entry, when cleanup
// already ran; the channel is then the caller's to hang up.
func (m *Manager) indexEM(s *TapSession, em *ari.Channel) bool {
	m.mu.Lock()
	m.chanIndex[em.ID] = s.CallID
	m.mu.Unlock()
	if !s.addEM(em) {
		m.mu.Lock()
		delete(m.chanIndex, em.ID)
		m.mu.Unlock()
		return false
	}
	return true
}

// CleanupSession tears down everything the call owns. Safe to call from
// multiple paths; only the first caller does the work. Every external
// call is best-effort: a failure to destroy one resource never blocks the
// rest, and the live PBX call is never touched.
func (m *Manager) CleanupSession(callID, reason string) {
	m.mu.Lock()
	s := m.sessions[callID]
	m.mu.Unlock()
	if s == nil {
		return
	}
	if !s.cleaned.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	slog.Info("cleaning up tap", "call_id", callID, "reason", reason, "backend", s.Backend)

	s.mu.Lock()
	port := s.port
	bridges := make([]*ari.Bridge, 0, len(s.bridges))
	for _, b := range s.bridges {
		bridges = append(bridges, b)
	}
	snoops := make([]*ari.Channel, 0, len(s.snoops))
	for _, ch := range s.snoops {
		snoops = append(snoops, ch)
	}
	ems := make([]*ari.Channel, 0, len(s.ems))
	for _, ch := range s.ems {
		ems = append(ems, ch)
	}
	s.mu.Unlock()

	switch s.Backend {
	case BackendFramed:
		if port != 0 {
			if err := m.framed.UnregisterFramed(ctx, port); err != nil {
				slog.Warn("framed unregister failed", "call_id", callID, "port", port, "error", err)
			}
			m.ports.Release(port)
		}
	case BackendStreaming:
		if err := m.stream.UnregisterStream(ctx, callID); err != nil {
			slog.Warn("streaming unregister failed", "call_id", callID, "error", err)
		}
	}

	for _, b := range bridges {
		if err := b.Destroy(ctx); err != nil {
			slog.Warn("bridge destroy failed", "call_id", callID, "bridge", b.ID, "error", err)
		}
	}
	for _, ch := range snoops {
		if err := ch.Hangup(ctx); err != nil {
			slog.Warn("snoop hangup failed", "call_id", callID, "chan", ch.ID, "error", err)
		}
	}
	for _, ch := range ems {
		if err := ch.Hangup(ctx); err != nil {
			slog.Warn("external media hangup failed", "call_id", callID, "chan", ch.ID, "error", err)
		}
	}

	m.mu.Lock()
	for _, ch := range snoops {
		delete(m.chanIndex, ch.ID)
	}
	for _, ch := range ems {
		delete(m.chanIndex, ch.ID)
	}
	delete(m.sessions, callID)
	delete(m.pending, callID)
	m.mu.Unlock()

	m.metrics.ActiveTaps.Add(ctx, -1)
	m.metrics.TapCleanups.Add(ctx, 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

// Shutdown cleans up every live session.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.CleanupSession(id, "shutdown")
	}
}

// SessionCount reports the number of live tap sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}
