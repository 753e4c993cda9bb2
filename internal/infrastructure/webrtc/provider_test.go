package webrtc

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/internal/infrastructure/repositories/memory"
	"sharechannel/internal/infrastructure/signal"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const waitFor = 10 * time.Second

func startRendezvous(t *testing.T) string {
	t.Helper()
	srv := signal.NewWebSocketServer(memory.NewMemoryIDRegistry(), signal.DefaultConfig(), zaptest.NewLogger(t).Sugar())
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/peerjs"
}

func newTestProvider(t *testing.T, serverURL string) *Provider {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ServerURL = serverURL
	cfg.DialRetry.Enabled = false
	cfg.DialTimeout = 2 * time.Second
	return NewProvider(cfg, zaptest.NewLogger(t).Sugar())
}

type peerEvents struct {
	opened chan domain.PeerID
	errs   chan error
	conns  chan ports.DataConnection
}

func startPeer(t *testing.T, provider *Provider, id domain.PeerID) (ports.PeerHandle, peerEvents) {
	t.Helper()
	ev := peerEvents{
		opened: make(chan domain.PeerID, 1),
		errs:   make(chan error, 8),
		conns:  make(chan ports.DataConnection, 8),
	}
	peer := provider.NewPeer(id, domain.ConnectivityConfig{})
	peer.OnOpen(func(id domain.PeerID) { ev.opened <- id })
	peer.OnError(func(err error) { ev.errs <- err })
	peer.OnConnection(func(c ports.DataConnection) { ev.conns <- c })
	peer.Start()
	t.Cleanup(peer.Destroy)
	return peer, ev
}

func expectError(t *testing.T, errs <-chan error, want domain.PeerErrorType) {
	t.Helper()
	select {
	case err := <-errs:
		pe, ok := domain.AsPeerError(err)
		require.True(t, ok, "got %v", err)
		assert.Equal(t, want, pe.Type)
	case <-time.After(waitFor):
		t.Fatalf("no %s error", want)
	}
}

func expectOpen(t *testing.T, ev peerEvents) {
	t.Helper()
	select {
	case <-ev.opened:
	case err := <-ev.errs:
		t.Fatalf("peer failed: %v", err)
	case <-time.After(waitFor):
		t.Fatal("peer did not open")
	}
}

func TestPeer_RegistersAndRejectsTakenID(t *testing.T) {
	provider := newTestProvider(t, startRendezvous(t))

	_, first := startPeer(t, provider, "room1")
	expectOpen(t, first)

	_, second := startPeer(t, provider, "room1")
	expectError(t, second.errs, domain.ErrTypeUnavailableID)
}

func TestPeer_InvalidID(t *testing.T) {
	provider := newTestProvider(t, startRendezvous(t))
	_, ev := startPeer(t, provider, "not valid!")
	expectError(t, ev.errs, domain.ErrTypeInvalidID)
}

func TestPeer_ServerUnreachable(t *testing.T) {
	provider := newTestProvider(t, "ws://127.0.0.1:1/peerjs")
	_, ev := startPeer(t, provider, "room1")
	expectError(t, ev.errs, domain.ErrTypeServerError)
}

func TestPeer_LostServerIsNetworkError(t *testing.T) {
	srv := signal.NewWebSocketServer(memory.NewMemoryIDRegistry(), signal.DefaultConfig(), zaptest.NewLogger(t).Sugar())
	ts := httptest.NewServer(srv)
	defer ts.Close()

	provider := newTestProvider(t, "ws"+strings.TrimPrefix(ts.URL, "http")+"/peerjs")
	_, ev := startPeer(t, provider, "room1")
	expectOpen(t, ev)

	srv.Close()
	expectError(t, ev.errs, domain.ErrTypeNetwork)
}

func TestPeer_ConnectBeforeOpenFails(t *testing.T) {
	provider := newTestProvider(t, "ws://127.0.0.1:1/peerjs")
	peer := provider.NewPeer("early", domain.ConnectivityConfig{})
	conn := peer.Connect("room1", ports.ConnectOptions{Label: "share-channel"})

	events := make(chan string, 2)
	conn.OnClose(func() { events <- "close" })
	conn.OnError(func(error) { events <- "error" })
	for _, want := range []string{"error", "close"} {
		select {
		case got := <-events:
			assert.Equal(t, want, got)
		case <-time.After(waitFor):
			t.Fatalf("no %s event", want)
		}
	}
	assert.ErrorIs(t, conn.Send([]byte("x")), domain.ErrConnectionClosed)
}

func TestPeer_UnknownDestination(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates a real peer connection")
	}
	provider := newTestProvider(t, startRendezvous(t))
	peer, ev := startPeer(t, provider, "joiner-1")
	expectOpen(t, ev)

	conn := peer.Connect("nobody", ports.ConnectOptions{Label: "share-channel"})
	connErrs := make(chan error, 1)
	conn.OnError(func(err error) { connErrs <- err })

	expectError(t, connErrs, domain.ErrTypePeerUnavailable)
	expectError(t, ev.errs, domain.ErrTypePeerUnavailable)
}

func TestPeer_DataChannelRoundTrip(t *testing.T) {
	if testing.Short() {
		t.Skip("negotiates a real peer connection")
	}
	provider := newTestProvider(t, startRendezvous(t))

	_, hostEv := startPeer(t, provider, "room1")
	expectOpen(t, hostEv)
	joiner, joinerEv := startPeer(t, provider, "joiner-1")
	expectOpen(t, joinerEv)

	out := joiner.Connect("room1", ports.ConnectOptions{Label: "share-channel", Metadata: map[string]string{"userName": "J"}})
	outOpen := make(chan struct{})
	outData := make(chan []byte, 1)
	outClosed := make(chan struct{})
	out.OnOpen(func() { close(outOpen) })
	out.OnData(func(b []byte) { outData <- b })
	out.OnClose(func() { close(outClosed) })

	var in ports.DataConnection
	select {
	case in = <-hostEv.conns:
	case <-time.After(waitFor):
		t.Fatal("host saw no connection")
	}
	assert.Equal(t, domain.PeerID("joiner-1"), in.Peer())
	assert.Equal(t, "share-channel", in.Label())
	inData := make(chan []byte, 1)
	inClosed := make(chan struct{})
	in.OnData(func(b []byte) { inData <- b })
	in.OnClose(func() { close(inClosed) })

	select {
	case <-outOpen:
	case <-time.After(waitFor):
		t.Fatal("outbound connection did not open")
	}
	require.NoError(t, out.Send([]byte("ping")))
	select {
	case b := <-inData:
		assert.Equal(t, "ping", string(b))
	case <-time.After(waitFor):
		t.Fatal("host received nothing")
	}

	require.Eventually(t, in.Open, waitFor, 10*time.Millisecond)
	require.NoError(t, in.Send([]byte("pong")))
	select {
	case b := <-outData:
		assert.Equal(t, "pong", string(b))
	case <-time.After(waitFor):
		t.Fatal("joiner received nothing")
	}

	out.Close()
	for _, ch := range []chan struct{}{outClosed, inClosed} {
		select {
		case <-ch:
		case <-time.After(waitFor):
			t.Fatal("close did not propagate")
		}
	}
}

func TestLevelFor(t *testing.T) {
	assert.Equal(t, logging.LogLevelDisabled, levelFor(0))
	assert.Equal(t, logging.LogLevelError, levelFor(1))
	assert.Equal(t, logging.LogLevelWarn, levelFor(2))
	assert.Equal(t, logging.LogLevelDebug, levelFor(3))
}

func TestConfiguration(t *testing.T) {
	cfg := configuration(domain.ConnectivityConfig{
		ICEServers: []domain.ICEServer{
			{URLs: []string{"stun:stun.example.org:19302"}},
			{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "c"},
		},
		ForceRelay: true,
	})

	require.Len(t, cfg.ICEServers, 2)
	assert.Empty(t, cfg.ICEServers[0].Username)
	assert.Equal(t, "u", cfg.ICEServers[1].Username)
	assert.Equal(t, webrtc.ICETransportPolicyRelay, cfg.ICETransportPolicy)

	assert.Equal(t, webrtc.ICETransportPolicyAll, configuration(domain.ConnectivityConfig{}).ICETransportPolicy)
}

func TestHTTPTokenSource(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["peer_id"] == "denied" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "tok-" + req["peer_id"]})
	}))
	defer ts.Close()

	source := HTTPTokenSource(ts.Client(), ts.URL)
	token, err := source(context.Background(), "room1")
	require.NoError(t, err)
	assert.Equal(t, "tok-room1", token)

	_, err = source(context.Background(), "denied")
	assert.Error(t, err)
}

func TestEndpointCarriesIDAndToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServerURL = "wss://rendezvous.example.org/peerjs"
	cfg.Token = "abc"
	p := NewProvider(cfg, zaptest.NewLogger(t).Sugar())

	endpoint, err := p.endpoint(context.Background(), "room1")
	require.NoError(t, err)
	assert.Equal(t, "wss://rendezvous.example.org/peerjs?id=room1&token=abc", endpoint)
}

func TestPeer_UndecodableServerErrorIsLogged(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	provider := NewProvider(DefaultConfig(), zap.New(core).Sugar())
	p := newPeer(provider, "room1", domain.ConnectivityConfig{})
	t.Cleanup(p.Destroy)

	errs := make(chan error, 1)
	p.OnError(func(err error) { errs <- err })
	p.handleSignal(signal.Message{Type: signal.TypeError, Payload: json.RawMessage(`"not an object"`)})

	expectError(t, errs, domain.ErrTypeServerError)
	entries := logs.FilterMessage("undecodable error payload").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zap.WarnLevel, entries[0].Level)
}
