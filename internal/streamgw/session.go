package streamgw

import (
	"context"
	"log/slog"
	"math/rand"
	"net/http"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/sebas/calltap/internal/wavdump"
)

// Session is one SSRC-keyed upstream streaming session. The call context
// is bound when the first packet of the SSRC arrives and never rebound.
//
// The run goroutine owns the upstream socket for the session's lifetime:
// it dials, flushes the boot buffer on open, and reconnects with
// exponential backoff on any close that is not a deliberate teardown.
type Session struct {
	SSRC uint32
	Dir  Direction
	Ctx  CallContext
	Room string

	gw *Gateway

	mu       sync.Mutex
	conn     *websocket.Conn
	open     bool
	boot     [][]byte
	attempts int

	lastRTP  atomic.Int64
	closing  atomic.Bool
	done     chan struct{}
	doneOnce sync.Once

	dump *wavdump.Dump
}

func newSession(gw *Gateway, ssrc uint32, dir Direction, cctx CallContext) *Session {
	s := &Session{
		SSRC: ssrc,
		Dir:  dir,
		Ctx:  cctx,
		Room: cctx.Exten,
		gw:   gw,
		done: make(chan struct{}),
	}
	s.lastRTP.Store(time.Now().UnixNano())

	if gw.cfg.DumpDir != "" {
		dump, err := wavdump.New(gw.cfg.DumpDir, cctx.UUID+"-"+string(dir))
		if err != nil {
			slog.Warn("wav dump unavailable", "uuid", cctx.UUID, "dir", dir, "error", err)
		} else {
			s.dump = dump
		}
	}

	return s
}

// write delivers one PCM payload towards the upstream socket. While the
// socket is not yet open, up to BootFrameCap payloads are buffered; the
// rest are dropped. Write errors are left for the read loop to notice.
func (s *Session) write(ctx context.Context, payload []byte) {
	s.lastRTP.Store(time.Now().UnixNano())

	if s.dump != nil {
		s.dump.Write(payload)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing.Load() {
		return
	}
	if s.open {
		_ = s.conn.Write(ctx, websocket.MessageBinary, payload)
		return
	}
	if len(s.boot) < s.gw.cfg.BootFrameCap {
		s.boot = append(s.boot, slices.Clone(payload))
	}
}

// idle returns how long ago the last RTP packet arrived.
func (s *Session) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastRTP.Load()))
}

// close marks the session as deliberately torn down; no reconnect follows.
func (s *Session) close() {
	s.closing.Store(true)
	s.doneOnce.Do(func() { close(s.done) })

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.open = false
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	}
	if s.dump != nil {
		s.dump.Close()
	}
}

// run is the session's connection loop. It exits when the session is
// deliberately closed or the gateway context ends.
func (s *Session) run(ctx context.Context) {
	urlStr, err := listenURL(s.gw.cfg)
	if err != nil {
		slog.Error("bad speech endpoint url", "error", err)
		return
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+s.gw.cfg.SpeechKey)

	for {
		if s.closing.Load() || ctx.Err() != nil {
			return
		}

		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		conn, _, err := websocket.Dial(dctx, urlStr, &websocket.DialOptions{HTTPHeader: headers})
		cancel()
		if err != nil {
			slog.Warn("upstream dial failed",
				"uuid", s.Ctx.UUID, "ssrc", s.SSRC, "dir", s.Dir, "error", err)
			if !s.waitRetry(ctx) {
				return
			}
			continue
		}
		conn.SetReadLimit(1 << 20)

		s.mu.Lock()
		if s.closing.Load() {
			s.mu.Unlock()
			_ = conn.Close(websocket.StatusNormalClosure, "session closed")
			return
		}
		s.conn = conn
		flushErr := error(nil)
		for _, chunk := range s.boot {
			if flushErr = conn.Write(ctx, websocket.MessageBinary, chunk); flushErr != nil {
				break
			}
		}
		s.boot = nil
		s.open = flushErr == nil
		s.attempts = 0
		s.mu.Unlock()

		if flushErr == nil {
			slog.Info("upstream connected",
				"uuid", s.Ctx.UUID, "ssrc", s.SSRC, "dir", s.Dir)
			s.readLoop(ctx, conn)
		}

		s.mu.Lock()
		s.open = false
		s.conn = nil
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusInternalError, "reconnecting")

		if s.closing.Load() {
			return
		}
		if !s.waitRetry(ctx) {
			return
		}
	}
}

// readLoop receives upstream messages until the socket dies. Text messages
// that parse as usable transcripts are handed to the gateway.
func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if res, ok := parseTranscript(data); ok {
			s.gw.handleTranscript(s, res)
		}
	}
}

// waitRetry sleeps the backoff for the current attempt. Returns false when
// the session ended while waiting.
func (s *Session) waitRetry(ctx context.Context) bool {
	s.mu.Lock()
	k := s.attempts
	s.attempts++
	s.mu.Unlock()

	s.gw.metrics.StreamReconnects.Add(s.gw.ctx, 1)

	wait := backoffDelay(s.gw.cfg.ReconnectBase, s.gw.cfg.ReconnectMax, s.gw.cfg.ReconnectJitter, k)
	slog.Debug("upstream reconnect scheduled",
		"uuid", s.Ctx.UUID, "ssrc", s.SSRC, "attempt", k, "wait", wait)

	select {
	case <-time.After(wait):
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// backoffDelay computes min(base*2^k, max) plus uniform jitter.
func backoffDelay(base, max, jitter time.Duration, k int) time.Duration {
	d := base
	for i := 0; i < k; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	if jitter > 0 {
		d += time.Duration(rand.Int63n(int64(jitter)))
	}
	return d
}
