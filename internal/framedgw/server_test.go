package framedgw

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/sebas/calltap/internal/observe"
)

// downstream is a loopback TCP listener standing in for the speech
// backend. Accepted connections are handed to the test via the channel.
type downstream struct {
	ln    net.Listener
	conns chan net.Conn
}

func newDownstream(t *testing.T) *downstream {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	d := &downstream{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			d.conns <- conn
		}
	}()
	return d
}

func (d *downstream) port() int {
	return d.ln.Addr().(*net.TCPAddr).Port
}

func (d *downstream) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-d.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(3 * time.Second):
		t.Fatal("downstream connection never arrived")
		return nil
	}
}

func newTestServer(t *testing.T, d *downstream) *Server {
	t.Helper()
	cfg := &Config{
		DownstreamHost:    "127.0.0.1",
		DownstreamPort:    d.port(),
		WatchdogInterval:  50 * time.Millisecond,
		InactivityTimeout: 200 * time.Millisecond,
		WriteTimeout:      3 * time.Second,
	}
	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)

	srv := NewServer(cfg, metrics)
	t.Cleanup(srv.Shutdown)
	return srv
}

func freeUDPPort(t *testing.T) int {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return port
}

func register(t *testing.T, srv *Server, uuid string, port int, extra string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	url := fmt.Sprintf("/register?uuid=%s&port=%d%s", uuid, port, extra)
	srv.ServeHTTP(rec, httptest.NewRequest("GET", url, nil))
	return rec
}

func readFrame(t *testing.T, conn net.Conn) (byte, []byte) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	header := make([]byte, 3)
	_, err := io.ReadFull(conn, header)
	require.NoError(t, err)

	length := binary.BigEndian.Uint16(header[1:3])
	payload := make([]byte, length)
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return header[0], payload
}

func sendRTP(t *testing.T, port int, ssrc uint32, seq uint16, payload []byte) {
	t.Helper()
	pkt := &rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    11,
			SequenceNumber: seq,
			Timestamp:      uint32(seq) * 320,
			SSRC:           ssrc,
		},
		Payload: payload,
	}
	raw, err := pkt.Marshal()
	require.NoError(t, err)

	conn, err := net.Dial("udp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write(raw)
	require.NoError(t, err)
}

func TestFramingConformance(t *testing.T) {
	d := newDownstream(t)
	srv := newTestServer(t, d)
	port := freeUDPPort(t)

	rec := register(t, srv, "A1", port, "&agent_extension=100")
	require.Equal(t, http.StatusOK, rec.Code)

	conn := d.accept(t)

	typ, payload := readFrame(t, conn)
	require.Equal(t, TypeStart, typ)
	var meta StartPayload
	require.NoError(t, json.Unmarshal(payload, &meta))
	assert.Equal(t, "A1", meta.CallUUID)
	assert.Equal(t, "100", meta.AgentExtension)

	// 4 packets x 320 bytes = 1280 bytes = exactly 2 AUDIO frames.
	pcm := make([]byte, 320)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	for seq := uint16(0); seq < 4; seq++ {
		sendRTP(t, port, 0x1111, seq, pcm)
		time.Sleep(5 * time.Millisecond)
	}

	for i := 0; i < 2; i++ {
		typ, payload = readFrame(t, conn)
		assert.Equal(t, TypeAudio, typ)
		assert.Len(t, payload, FrameBytes)
	}

	// Unregister ends the stream: END then close.
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", fmt.Sprintf("/unregister?port=%d", port), nil))
	require.Equal(t, http.StatusOK, rec.Code)

	typ, payload = readFrame(t, conn)
	assert.Equal(t, TypeEnd, typ)
	assert.Empty(t, payload)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	assert.Equal(t, 0, srv.SessionCount())
}

func TestRegisterValidation(t *testing.T) {
	d := newDownstream(t)
	srv := newTestServer(t, d)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/register?port=9999", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/register?uuid=A1", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/register?uuid=A1&port=notaport", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRegisterConflict(t *testing.T) {
	d := newDownstream(t)
	srv := newTestServer(t, d)
	port := freeUDPPort(t)

	require.Equal(t, http.StatusOK, register(t, srv, "A1", port, "").Code)
	d.accept(t)

	assert.Equal(t, http.StatusConflict, register(t, srv, "A2", port, "").Code)
	assert.Equal(t, 1, srv.SessionCount())
}

func TestUnregisterIdempotent(t *testing.T) {
	d := newDownstream(t)
	srv := newTestServer(t, d)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest("GET", "/unregister?port=50001", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStalledDownstreamWriteTimesOut(t *testing.T) {
	d := newDownstream(t)
	srv := newTestServer(t, d)
	srv.cfg.WriteTimeout = 50 * time.Millisecond

	client, server := net.Pipe()
	t.Cleanup(func() { server.Close() })

	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	s := &Session{
		Port:         udp.LocalAddr().(*net.UDPAddr).Port,
		CallUUID:     "A1",
		srv:          srv,
		udp:          udp,
		tcp:          client,
		connected:    true,
		watchdogStop: make(chan struct{}),
	}
	s.lastRTP.Store(time.Now().UnixNano())
	srv.mu.Lock()
	srv.sessions[s.Port] = s
	srv.mu.Unlock()

	// The peer never reads: the write must fail within the deadline and
	// end the session instead of wedging the UDP loop.
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.ingest(make([]byte, FrameBytes))
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ingest blocked on a stalled downstream peer")
	}

	s.mu.Lock()
	ended := s.ended
	s.mu.Unlock()
	assert.True(t, ended)
	assert.Equal(t, 0, srv.SessionCount())
}

func TestEndedDuringDialStillBracketsStream(t *testing.T) {
	d := newDownstream(t)
	srv := newTestServer(t, d)

	udp, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { udp.Close() })

	s := &Session{
		CallUUID:     "A1",
		srv:          srv,
		meta:         StartPayload{CallUUID: "A1"},
		udp:          udp,
		watchdogStop: make(chan struct{}),
	}
	s.ended = true // unregistered while the dial was still in flight

	s.connectDownstream()

	// Even a zero-frame stream sees the START/END bracket before close.
	conn := d.accept(t)
	typ, payload := readFrame(t, conn)
	require.Equal(t, TypeStart, typ)
	var meta StartPayload
	require.NoError(t, json.Unmarshal(payload, &meta))
	assert.Equal(t, "A1", meta.CallUUID)

	typ, payload = readFrame(t, conn)
	assert.Equal(t, TypeEnd, typ)
	assert.Empty(t, payload)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestInactivityWatchdog(t *testing.T) {
	d := newDownstream(t)
	srv := newTestServer(t, d)
	port := freeUDPPort(t)

	require.Equal(t, http.StatusOK, register(t, srv, "A1", port, "").Code)
	conn := d.accept(t)

	typ, _ := readFrame(t, conn)
	require.Equal(t, TypeStart, typ)

	// No RTP at all: the watchdog must end the session on its own.
	typ, _ = readFrame(t, conn)
	assert.Equal(t, TypeEnd, typ)

	require.Eventually(t, func() bool {
		return srv.SessionCount() == 0
	}, 2*time.Second, 20*time.Millisecond)
}
