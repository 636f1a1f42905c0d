package framedgw

import (
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sebas/calltap/internal/rtppkt"
	"github.com/sebas/calltap/internal/wavdump"
)

// Session owns one tapped call: the UDP listening socket bound to the
// call's allocated port, the downstream TCP connection, the RTP reassembly
// buffer, and the inactivity watchdog. All terminal causes funnel into
// sendEndAndClose so END is emitted at most once and the port slot is
// released exactly once.
type Session struct {
	Port     int
	CallUUID string

	srv  *Server
	meta StartPayload
	udp  *net.UDPConn

	mu        sync.Mutex
	tcp       net.Conn
	connected bool
	ended     bool
	queue     [][]byte // encoded AUDIO frames produced before TCP connected
	buf       []byte   // reassembly buffer, drained in FrameBytes slices

	lastRTP atomic.Int64 // unix nanos of the last datagram

	watchdogStop chan struct{}
	watchdogOnce sync.Once

	dump *wavdump.Dump
}

func newSession(srv *Server, port int, meta StartPayload) (*Session, error) {
	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind udp %d: %w", port, err)
	}

	s := &Session{
		Port:         port,
		CallUUID:     meta.CallUUID,
		srv:          srv,
		meta:         meta,
		udp:          udp,
		watchdogStop: make(chan struct{}),
	}
	s.lastRTP.Store(time.Now().UnixNano())

	if srv.cfg.DumpDir != "" {
		dump, err := wavdump.New(srv.cfg.DumpDir, meta.CallUUID)
		if err != nil {
			slog.Warn("wav dump unavailable", "call_uuid", meta.CallUUID, "error", err)
		} else {
			s.dump = dump
		}
	}

	go s.udpLoop()
	go s.connectDownstream()

	return s, nil
}

// connectDownstream eagerly dials the downstream peer. The connect begins
// before any RTP arrives; frames produced in the meantime sit in the queue
// and are flushed in FIFO order right after START.
func (s *Session) connectDownstream() {
	addr := net.JoinHostPort(s.srv.cfg.DownstreamHost, fmt.Sprint(s.srv.cfg.DownstreamPort))
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		slog.Error("downstream connect failed", "call_uuid", s.CallUUID, "addr", addr, "error", err)
		s.sendEndAndClose("tcp connect failed")
		return
	}

	start, err := EncodeStart(s.meta)
	if err != nil {
		conn.Close()
		s.sendEndAndClose("start encode failed")
		return
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		// Ended before the dial completed; the peer still gets the
		// START/END bracket so its framing never sees a bare close.
		_ = conn.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout))
		_, _ = conn.Write(start)
		_, _ = conn.Write(EncodeEnd())
		conn.Close()
		return
	}
	s.tcp = conn
	if err := s.writeLocked(start); err != nil {
		s.mu.Unlock()
		s.sendEndAndClose("tcp write failed")
		return
	}
	for _, frame := range s.queue {
		if err := s.writeLocked(frame); err != nil {
			s.mu.Unlock()
			s.sendEndAndClose("tcp write failed")
			return
		}
	}
	flushed := len(s.queue)
	s.queue = nil
	s.connected = true
	s.mu.Unlock()

	slog.Info("downstream connected", "call_uuid", s.CallUUID, "port", s.Port, "flushed_frames", flushed)

	go s.watchdogLoop()
	go s.downstreamReadLoop(conn)
}

// writeLocked writes to the downstream socket under s.mu with the
// configured deadline, so a stalled peer stalls the session for at most
// WriteTimeout instead of wedging the UDP loop and /unregister.
func (s *Session) writeLocked(b []byte) error {
	if err := s.tcp.SetWriteDeadline(time.Now().Add(s.srv.cfg.WriteTimeout)); err != nil {
		return err
	}
	_, err := s.tcp.Write(b)
	return err
}

// downstreamReadLoop exists only to notice the peer closing the socket.
func (s *Session) downstreamReadLoop(conn net.Conn) {
	buf := make([]byte, 512)
	for {
		if _, err := conn.Read(buf); err != nil {
			s.sendEndAndClose("tcp closed")
			return
		}
	}
}

func (s *Session) udpLoop() {
	buf := make([]byte, 4096)
	for {
		n, _, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			s.mu.Lock()
			ended := s.ended
			s.mu.Unlock()
			if !ended {
				s.sendEndAndClose("udp error")
			}
			return
		}

		_, payload, err := rtppkt.Parse(buf[:n])
		if err != nil {
			slog.Debug("dropping malformed rtp datagram", "port", s.Port, "error", err)
			continue
		}

		s.lastRTP.Store(time.Now().UnixNano())
		s.srv.metrics.RTPPackets.Add(s.srv.ctx, 1,
			metric.WithAttributes(attribute.String("service", "framedgw")))

		if s.dump != nil {
			s.dump.Write(payload)
		}

		s.ingest(payload)
	}
}

// ingest appends PCM to the reassembly buffer and drains it into
// exactly-FrameBytes AUDIO frames. Frames go straight to the socket when
// connected, to the pre-connect queue otherwise. Nothing is written once
// the session has ended.
func (s *Session) ingest(pcm []byte) {
	var writeFailed bool

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}

	s.buf = append(s.buf, pcm...)
	for len(s.buf) >= FrameBytes && !writeFailed {
		frame := EncodeFrame(TypeAudio, s.buf[:FrameBytes])
		s.buf = s.buf[FrameBytes:]

		if s.connected {
			if err := s.writeLocked(frame); err != nil {
				writeFailed = true
				break
			}
			s.srv.metrics.FramedFrames.Add(s.srv.ctx, 1)
		} else {
			s.queue = append(s.queue, frame)
		}
	}
	s.mu.Unlock()

	if writeFailed {
		s.sendEndAndClose("tcp write failed")
	}
}

func (s *Session) watchdogLoop() {
	ticker := time.NewTicker(s.srv.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.watchdogStop:
			return
		case <-ticker.C:
			idle := time.Since(time.Unix(0, s.lastRTP.Load()))
			if idle > s.srv.cfg.InactivityTimeout {
				slog.Info("rtp inactivity, closing session",
					"call_uuid", s.CallUUID, "port", s.Port, "idle", idle)
				s.srv.metrics.FramedInactivityCloses.Add(s.srv.ctx, 1)
				s.sendEndAndClose("inactivity")
				return
			}
		}
	}
}

// sendEndAndClose marks the session ended, emits END if the downstream
// socket ever connected, closes it, and hands the port slot back. Safe to
// call from any goroutine, any number of times.
func (s *Session) sendEndAndClose(reason string) {
	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return
	}
	s.ended = true
	if s.connected && s.tcp != nil {
		_ = s.writeLocked(EncodeEnd())
	}
	if s.tcp != nil {
		s.tcp.Close()
	}
	s.queue = nil
	s.mu.Unlock()

	s.watchdogOnce.Do(func() { close(s.watchdogStop) })
	s.udp.Close()
	if s.dump != nil {
		s.dump.Close()
	}

	s.srv.release(s, reason)
}
