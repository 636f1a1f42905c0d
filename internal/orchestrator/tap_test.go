package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/sebas/calltap/internal/ari"
	"github.com/sebas/calltap/internal/observe"
)

// fakePBX records control-plane calls and answers like the PBX would.
type fakePBX struct {
	mu            sync.Mutex
	bridgeCreates int
	addChannels   []string
	emHosts       []string
	hangups       []string
	destroys      []string

	// bridgeGate, when set, holds bridge creation until released;
	// bridgeWaiting receives once per create reaching the gate.
	bridgeGate    chan struct{}
	bridgeWaiting chan struct{}
}

func (f *fakePBX) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == "POST" && r.URL.Path == "/ari/bridges" && f.bridgeGate != nil {
			f.bridgeWaiting <- struct{}{}
			<-f.bridgeGate
		}

		f.mu.Lock()
		defer f.mu.Unlock()

		path := r.URL.EscapedPath()
		switch {
		case r.Method == "POST" && strings.HasSuffix(path, "/snoop"):
			json.NewEncoder(w).Encode(ari.ChannelData{ID: "snoop-" + path})
		case r.Method == "POST" && path == "/ari/bridges":
			f.bridgeCreates++
			var req struct {
				BridgeID string `json:"bridgeId"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			json.NewEncoder(w).Encode(map[string]string{"id": req.BridgeID})
		case r.Method == "POST" && strings.HasSuffix(path, "/addChannel"):
			var req struct {
				Channel string `json:"channel"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			f.addChannels = append(f.addChannels, req.Channel)
		case r.Method == "POST" && path == "/ari/channels/externalMedia":
			var req struct {
				ExternalHost string `json:"external_host"`
				ChannelID    string `json:"channelId"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			f.emHosts = append(f.emHosts, req.ExternalHost)
			json.NewEncoder(w).Encode(ari.ChannelData{ID: req.ChannelID})
		case r.Method == "DELETE" && strings.HasPrefix(path, "/ari/channels/"):
			f.hangups = append(f.hangups, strings.TrimPrefix(path, "/ari/channels/"))
		case r.Method == "DELETE" && strings.HasPrefix(path, "/ari/bridges/"):
			f.destroys = append(f.destroys, strings.TrimPrefix(path, "/ari/bridges/"))
		default:
			t.Errorf("unexpected PBX call: %s %s", r.Method, path)
			http.Error(w, "unexpected", http.StatusTeapot)
		}
	})
}

// fakeGateway records register/unregister calls.
type fakeGateway struct {
	mu           sync.Mutex
	status       int
	registers    []url.Values
	unregisters  []url.Values
	lastRegister url.Values

	registerGate    chan struct{}
	registerWaiting chan struct{}
}

func (f *fakeGateway) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/register" && f.registerGate != nil {
			f.registerWaiting <- struct{}{}
			<-f.registerGate
		}

		f.mu.Lock()
		defer f.mu.Unlock()
		switch r.URL.Path {
		case "/register":
			f.registers = append(f.registers, r.URL.Query())
			f.lastRegister = r.URL.Query()
			if f.status != 0 {
				http.Error(w, "no", f.status)
				return
			}
		case "/unregister":
			f.unregisters = append(f.unregisters, r.URL.Query())
		}
		w.Write([]byte("OK"))
	})
}

func newTestManager(t *testing.T, pbx *fakePBX, fgw, sgw *fakeGateway) (*Manager, *ari.Client) {
	t.Helper()

	pbxSrv := httptest.NewServer(pbx.handler(t))
	t.Cleanup(pbxSrv.Close)
	fgwSrv := httptest.NewServer(fgw.handler())
	t.Cleanup(fgwSrv.Close)
	sgwSrv := httptest.NewServer(sgw.handler())
	t.Cleanup(sgwSrv.Close)

	cli, err := ari.Connect(pbxSrv.URL, "user", "pass")
	require.NoError(t, err)

	cfg := &Config{
		ARIApp:           "calltap",
		FramedBase:       fgwSrv.URL,
		FramedRTPHost:    "10.0.0.5",
		PortMin:          42000,
		PortMax:          42009,
		StreamBase:       sgwSrv.URL,
		StreamRTPHostIn:  "10.0.0.6:40000",
		StreamRTPHostOut: "10.0.0.6:40002",
	}

	metrics, err := observe.NewMetrics(noop.NewMeterProvider())
	require.NoError(t, err)

	return NewManager(cfg, cli, metrics), cli
}

func TestFramedWiringAndCleanup(t *testing.T) {
	pbx := &fakePBX{}
	fgw := &fakeGateway{}
	m, cli := newTestManager(t, pbx, fgw, &fakeGateway{})

	meta := CallMeta{AgentExtension: "100", AgentUsername: "ana"}
	require.NoError(t, m.StartTap(context.Background(), "SIP/100-000001", "A1", BackendFramed, meta))

	snoop := cli.Channel("snoop-1")
	m.wireSnoop("A1", "both", snoop)

	assert.Equal(t, 1, m.SessionCount())
	assert.Equal(t, 1, m.ports.InUse())

	fgw.mu.Lock()
	require.Len(t, fgw.registers, 1)
	reg := fgw.lastRegister
	fgw.mu.Unlock()
	assert.Equal(t, "A1", reg.Get("uuid"))
	assert.Equal(t, "100", reg.Get("agent_extension"))
	assert.NotEmpty(t, reg.Get("port"))

	pbx.mu.Lock()
	assert.Equal(t, 1, pbx.bridgeCreates)
	require.Len(t, pbx.emHosts, 1)
	assert.True(t, strings.HasPrefix(pbx.emHosts[0], "10.0.0.5:"), pbx.emHosts[0])
	assert.Len(t, pbx.addChannels, 2) // snoop + external media
	pbx.mu.Unlock()

	m.CleanupSession("A1", "test")
	m.CleanupSession("A1", "test") // idempotent

	assert.Equal(t, 0, m.SessionCount())
	assert.Equal(t, 0, m.ports.InUse())

	fgw.mu.Lock()
	assert.Len(t, fgw.unregisters, 1)
	fgw.mu.Unlock()
	pbx.mu.Lock()
	assert.Len(t, pbx.destroys, 1)
	assert.NotEmpty(t, pbx.hangups)
	pbx.mu.Unlock()
}

func TestFramedRegisterFailureFreesPort(t *testing.T) {
	pbx := &fakePBX{}
	fgw := &fakeGateway{status: http.StatusConflict}
	m, cli := newTestManager(t, pbx, fgw, &fakeGateway{})

	require.NoError(t, m.StartTap(context.Background(), "SIP/100-000001", "A1", BackendFramed, CallMeta{}))
	m.wireSnoop("A1", "both", cli.Channel("snoop-1"))

	assert.Equal(t, 0, m.ports.InUse())
	assert.Equal(t, 0, m.SessionCount())
}

func TestCleanupDuringBridgeCreateAcquiresNothing(t *testing.T) {
	pbx := &fakePBX{
		bridgeGate:    make(chan struct{}),
		bridgeWaiting: make(chan struct{}, 1),
	}
	fgw := &fakeGateway{}
	m, cli := newTestManager(t, pbx, fgw, &fakeGateway{})

	require.NoError(t, m.StartTap(context.Background(), "SIP/1", "A1", BackendFramed, CallMeta{}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wireSnoop("A1", "both", cli.Channel("snoop-1"))
	}()

	// Tear the call down while the bridge create is still in flight.
	<-pbx.bridgeWaiting
	m.CleanupSession("A1", "hangup")
	close(pbx.bridgeGate)
	<-done

	assert.Equal(t, 0, m.SessionCount())
	assert.Equal(t, 0, m.ports.InUse())

	fgw.mu.Lock()
	assert.Empty(t, fgw.registers)
	fgw.mu.Unlock()

	pbx.mu.Lock()
	defer pbx.mu.Unlock()
	assert.Empty(t, pbx.emHosts)
	assert.Len(t, pbx.destroys, 1) // the late bridge is destroyed on the spot
}

func TestCleanupDuringRegisterRollsBackPort(t *testing.T) {
	pbx := &fakePBX{}
	fgw := &fakeGateway{
		registerGate:    make(chan struct{}),
		registerWaiting: make(chan struct{}, 1),
	}
	m, cli := newTestManager(t, pbx, fgw, &fakeGateway{})

	require.NoError(t, m.StartTap(context.Background(), "SIP/1", "A2", BackendFramed, CallMeta{}))

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wireSnoop("A2", "both", cli.Channel("snoop-1"))
	}()

	<-fgw.registerWaiting
	m.CleanupSession("A2", "hangup")
	close(fgw.registerGate)
	<-done

	assert.Equal(t, 0, m.SessionCount())
	assert.Equal(t, 0, m.ports.InUse())

	fgw.mu.Lock()
	assert.Len(t, fgw.registers, 1)
	assert.Len(t, fgw.unregisters, 1)
	fgw.mu.Unlock()

	pbx.mu.Lock()
	defer pbx.mu.Unlock()
	assert.Empty(t, pbx.emHosts)
}

func TestSnoopForUnknownCallIsHungUp(t *testing.T) {
	pbx := &fakePBX{}
	m, cli := newTestManager(t, pbx, &fakeGateway{}, &fakeGateway{})

	// No /start_tap happened for Z9: the stray snoop must not create a
	// session, only get hung up.
	m.wireSnoop("Z9", "both", cli.Channel("snoop-z"))

	assert.Equal(t, 0, m.SessionCount())
	pbx.mu.Lock()
	defer pbx.mu.Unlock()
	assert.Contains(t, pbx.hangups, "snoop-z")
	assert.Equal(t, 0, pbx.bridgeCreates)
}

func TestStreamingWiringPerDirection(t *testing.T) {
	pbx := &fakePBX{}
	sgw := &fakeGateway{}
	m, cli := newTestManager(t, pbx, &fakeGateway{}, sgw)

	meta := CallMeta{Exten: "200", Caller: "+34600000000", CallerName: "Ana"}
	require.NoError(t, m.StartTap(context.Background(), "SIP/200-000002", "B1", BackendStreaming, meta))

	m.wireSnoop("B1", "in", cli.Channel("snoop-in"))
	m.wireSnoop("B1", "out", cli.Channel("snoop-out"))

	assert.Equal(t, 1, m.SessionCount())
	assert.Equal(t, 0, m.ports.InUse())

	sgw.mu.Lock()
	require.Len(t, sgw.registers, 2)
	dirs := []string{sgw.registers[0].Get("dir"), sgw.registers[1].Get("dir")}
	assert.ElementsMatch(t, []string{"in", "out"}, dirs)
	assert.Equal(t, "Ana", sgw.registers[0].Get("callername"))
	sgw.mu.Unlock()

	pbx.mu.Lock()
	assert.Equal(t, 2, pbx.bridgeCreates)
	assert.ElementsMatch(t, []string{"10.0.0.6:40000", "10.0.0.6:40002"}, pbx.emHosts)
	pbx.mu.Unlock()

	m.CleanupSession("B1", "test")
	sgw.mu.Lock()
	assert.Len(t, sgw.unregisters, 1)
	sgw.mu.Unlock()
}

func TestEnsureBridgeSingleFlight(t *testing.T) {
	pbx := &fakePBX{}
	m, _ := newTestManager(t, pbx, &fakeGateway{}, &fakeGateway{})

	require.NoError(t, m.StartTap(context.Background(), "SIP/1", "C1", BackendStreaming, CallMeta{}))
	s := m.session("C1")

	const workers = 8
	results := make(chan string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b, err := m.ensureBridge(context.Background(), s, "in")
			if !assert.NoError(t, err) {
				return
			}
			results <- b.ID
		}()
	}
	wg.Wait()
	close(results)

	ids := map[string]bool{}
	for id := range results {
		ids[id] = true
	}
	assert.Len(t, ids, 1)

	pbx.mu.Lock()
	assert.Equal(t, 1, pbx.bridgeCreates)
	pbx.mu.Unlock()
}

func TestStasisStartIgnoresExternalMedia(t *testing.T) {
	m, cli := newTestManager(t, &fakePBX{}, &fakeGateway{}, &fakeGateway{})

	m.onStasisStart(&ari.Event{
		Type:        ari.EventStasisStart,
		Application: "calltap",
		Args:        []string{"em", "A1"},
	}, cli.Channel("em-123"))

	m.onStasisStart(&ari.Event{
		Type:        ari.EventStasisStart,
		Application: "other-app",
		Args:        []string{"snoop", "A1", "both"},
	}, cli.Channel("snoop-x"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, m.SessionCount())
}

func TestTerminalEventTriggersCleanup(t *testing.T) {
	pbx := &fakePBX{}
	fgw := &fakeGateway{}
	m, cli := newTestManager(t, pbx, fgw, &fakeGateway{})

	require.NoError(t, m.StartTap(context.Background(), "SIP/1", "D1", BackendFramed, CallMeta{}))
	snoop := cli.Channel("snoop-d1")
	m.wireSnoop("D1", "both", snoop)
	require.Equal(t, 1, m.SessionCount())

	m.onTerminal(&ari.Event{Type: ari.EventChannelHangupRequest}, snoop)

	require.Eventually(t, func() bool {
		return m.SessionCount() == 0
	}, 2*time.Second, 10*time.Millisecond)

	fgw.mu.Lock()
	defer fgw.mu.Unlock()
	assert.Len(t, fgw.unregisters, 1)
}
