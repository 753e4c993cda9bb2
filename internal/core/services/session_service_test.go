package services

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/internal/core/protocol"
	"sharechannel/internal/infrastructure/loopback"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

const waitFor = 2 * time.Second

type testSession struct {
	*SessionService
	notes *recordingNotifier
}

func newTestSession(t *testing.T, net *loopback.Network, name string, opts ...SessionOption) *testSession {
	t.Helper()
	logger := zaptest.NewLogger(t).Sugar()
	notes := &recordingNotifier{}
	factory := NewPeerFactory(net, domain.ConnectivityConfig{}, logger)
	s := NewSessionService(factory, notes, name, logger, opts...)
	t.Cleanup(s.Close)
	return &testSession{SessionService: s, notes: notes}
}

func hostAndJoin(t *testing.T, net *loopback.Network, channel string, joinerOpts ...SessionOption) (host, joiner *testSession) {
	t.Helper()
	ctx := context.Background()
	host = newTestSession(t, net, "Host🦊")
	joiner = newTestSession(t, net, "Joiner🐼", joinerOpts...)

	require.NoError(t, host.HostChannel(ctx, channel))
	require.NoError(t, joiner.JoinChannel(ctx, channel))

	require.Eventually(t, func() bool { return host.State().PeerCount() == 1 }, waitFor, 5*time.Millisecond)
	return host, joiner
}

func systemMessages(msgs []domain.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.IsSystem() {
			out = append(out, m.Content)
		}
	}
	return out
}

func TestSession_HostAndJoin(t *testing.T) {
	net := loopback.NewNetwork()
	host, joiner := hostAndJoin(t, net, "room42")

	hs := host.State()
	assert.Equal(t, domain.ModeHosting, hs.Mode)
	assert.Equal(t, domain.SessionRoleHost, hs.Role)
	assert.Equal(t, "room42", hs.ChannelID)
	assert.Equal(t, domain.PeerID("room42"), hs.LocalPeerID)
	assert.True(t, hs.Connected)

	js := joiner.State()
	assert.Equal(t, domain.ModeJoining, js.Mode)
	assert.Equal(t, domain.SessionRoleJoin, js.Role)
	assert.Equal(t, []domain.PeerID{"room42"}, js.ConnectedPeers)
	assert.True(t, strings.HasPrefix(string(js.LocalPeerID), domain.JoinerPrefix))

	assert.Equal(t, []string{"room42 has joined the channel"}, systemMessages(joiner.Messages()))
	assert.Equal(t, []string{string(js.LocalPeerID) + " has joined the channel"}, systemMessages(host.Messages()))

	created, ok := host.notes.find("Channel created")
	require.True(t, ok)
	assert.Equal(t, "Your channel ID is room42", created.Description)
	assert.Contains(t, joiner.notes.titles(), "Connecting...")
	assert.Contains(t, joiner.notes.titles(), "Peer connected")

	require.Eventually(t, func() bool {
		name, ok := host.PeerName(context.Background(), js.LocalPeerID)
		return ok && name == "Joiner🐼"
	}, waitFor, 5*time.Millisecond, "intro carries the display name")
}

func TestSession_RejectsSecondSession(t *testing.T) {
	net := loopback.NewNetwork()
	host, joiner := hostAndJoin(t, net, "busy")
	ctx := context.Background()

	assert.ErrorIs(t, host.HostChannel(ctx, "other"), domain.ErrSessionActive)
	assert.ErrorIs(t, host.JoinChannel(ctx, "other"), domain.ErrSessionActive)
	assert.ErrorIs(t, joiner.JoinChannel(ctx, "busy"), domain.ErrSessionActive)
}

func TestSession_InvalidChannelID(t *testing.T) {
	s := newTestSession(t, loopback.NewNetwork(), "me")
	ctx := context.Background()

	assert.ErrorIs(t, s.JoinChannel(ctx, "bad id"), domain.ErrInvalidChannelID)
	assert.ErrorIs(t, s.HostChannel(ctx, "discovery-broadcast-1"), domain.ErrInvalidChannelID)
	assert.Contains(t, s.notes.titles(), "Invalid channel ID")
	assert.Equal(t, domain.ModeIdle, s.State().Mode)
}

func TestSession_HostRandomChannelID(t *testing.T) {
	s := newTestSession(t, loopback.NewNetwork(), "me")
	require.NoError(t, s.HostChannel(context.Background(), ""))
	assert.Len(t, s.State().ChannelID, domain.EphemeralSuffixLength)
}

func TestSession_HostIDTaken(t *testing.T) {
	net := loopback.NewNetwork()
	first := newTestSession(t, net, "a")
	second := newTestSession(t, net, "b")
	ctx := context.Background()

	require.NoError(t, first.HostChannel(ctx, "taken"))
	err := second.HostChannel(ctx, "taken")
	require.Error(t, err)
	assert.Equal(t, domain.ErrTypeUnavailableID, ErrorType(err))

	st := second.State()
	assert.Equal(t, domain.ModeIdle, st.Mode)
	assert.Empty(t, st.LocalPeerID)
	note, ok := second.notes.find("Connection error")
	require.True(t, ok)
	assert.Equal(t, errorMessages[domain.ErrTypeUnavailableID], note.Description)

	require.NoError(t, second.HostChannel(ctx, "free"), "a failed host can retry")
}

func TestSession_JoinUnknownChannel(t *testing.T) {
	net := loopback.NewNetwork()
	s := newTestSession(t, net, "me")

	err := s.JoinChannel(context.Background(), "nobody")
	require.Error(t, err)
	assert.Equal(t, domain.ErrTypePeerUnavailable, ErrorType(err))

	st := s.State()
	assert.Equal(t, domain.ModeIdle, st.Mode)
	assert.Empty(t, st.LocalPeerID, "peer created for the attempt is destroyed")
	assert.Contains(t, s.notes.titles(), "Connection failed")
}

func TestSession_JoinTimeout(t *testing.T) {
	net := loopback.NewNetwork(loopback.WithSilentUnknownPeers())
	cfg := DefaultSessionConfig()
	cfg.JoinTimeout = 50 * time.Millisecond
	s := newTestSession(t, net, "me", WithSessionConfig(cfg))

	start := time.Now()
	err := s.JoinChannel(context.Background(), "silent")
	require.Error(t, err)
	assert.Equal(t, domain.ErrTypeConnectionTimeout, ErrorType(err))
	assert.Less(t, time.Since(start), time.Second)

	note, ok := s.notes.find("Connection timeout")
	require.True(t, ok)
	assert.True(t, note.IsError)

	st := s.State()
	assert.Equal(t, domain.ModeIdle, st.Mode)
	assert.Empty(t, st.LocalPeerID)
}

func TestSession_JoinCancelled(t *testing.T) {
	net := loopback.NewNetwork(loopback.WithSilentUnknownPeers())
	s := newTestSession(t, net, "me")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.JoinChannel(ctx, "silent"), context.DeadlineExceeded)

	require.Eventually(t, func() bool { return s.State().LocalPeerID == "" }, waitFor, 5*time.Millisecond)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel2()
	assert.ErrorIs(t, s.JoinChannel(ctx2, "silent"), context.DeadlineExceeded, "a new attempt can start after cancellation")
}

func TestSession_TextMessages(t *testing.T) {
	net := loopback.NewNetwork()
	host, joiner := hostAndJoin(t, net, "chat")
	ctx := context.Background()

	require.NoError(t, joiner.SendText(ctx, "hello host"))
	require.NoError(t, host.SendText(ctx, "hello joiner"))

	lastText := func(s *testSession, content string) bool {
		for _, m := range s.Messages() {
			if !m.IsSystem() && m.Content == content {
				return true
			}
		}
		return false
	}
	require.Eventually(t, func() bool { return lastText(host, "hello host") }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return lastText(joiner, "hello joiner") }, waitFor, 5*time.Millisecond)

	for _, m := range host.Messages() {
		if m.Content == "hello host" {
			assert.Equal(t, "Joiner🐼", m.SenderName)
			assert.Equal(t, string(joiner.State().LocalPeerID), m.SenderID)
		}
	}
	assert.Error(t, host.SendText(ctx, "   "))
}

func TestSession_SendRequiresConnection(t *testing.T) {
	s := newTestSession(t, loopback.NewNetwork(), "me")
	ctx := context.Background()
	assert.ErrorIs(t, s.SendText(ctx, "hi"), domain.ErrNotConnected)
	assert.ErrorIs(t, s.SendFile(ctx, "a.txt", "text/plain", []byte("x")), domain.ErrNotConnected)
}

func TestSession_FileTransfer(t *testing.T) {
	tests := []struct {
		name     string
		size     int
		mime     string
		wantKind domain.MessageKind
	}{
		{"inline", 100, "text/plain", domain.MessageFile},
		{"chunked", 10*1024 + 17, "image/png", domain.MessageImage},
		{"empty", 0, "", domain.MessageFile},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSessionConfig()
			cfg.ChunkSize = 1024
			host, joiner := hostAndJoin(t, loopback.NewNetwork(), "files", WithSessionConfig(cfg))

			payload := bytes.Repeat([]byte{0xAB, 0x01, 0x7F}, tt.size/3+1)[:tt.size]
			require.NoError(t, joiner.SendFile(context.Background(), "payload.bin", tt.mime, payload))

			var got *domain.Message
			require.Eventually(t, func() bool {
				for _, m := range host.Messages() {
					if m.FileInfo != nil {
						m := m
						got = &m
						return true
					}
				}
				return false
			}, waitFor, 5*time.Millisecond)

			assert.Equal(t, tt.wantKind, got.Kind)
			assert.Equal(t, "Sent a file: payload.bin", got.Content)
			assert.Equal(t, "Joiner🐼", got.SenderName)
			assert.Equal(t, int64(tt.size), got.FileInfo.Size)
			assert.True(t, bytes.Equal(payload, got.FileInfo.Payload), "payload is byte-identical")
			assert.Contains(t, host.notes.titles(), "File transfer started")
			assert.Contains(t, host.notes.titles(), "File received")

			var local *domain.Message
			for _, m := range joiner.Messages() {
				if m.FileInfo != nil {
					m := m
					local = &m
				}
			}
			require.NotNil(t, local)
			assert.Empty(t, local.Content)
		})
	}
}

func TestSession_TransferProgress(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.ChunkSize = 4
	host, joiner := hostAndJoin(t, loopback.NewNetwork(), "progress", WithSessionConfig(cfg))

	inbound := make(chan TransferProgress, 16)
	host.OnTransferProgress(func(p TransferProgress) { inbound <- p })
	outbound := make(chan TransferProgress, 16)
	joiner.OnTransferProgress(func(p TransferProgress) { outbound <- p })

	require.NoError(t, joiner.SendFile(context.Background(), "ten.bin", "", []byte("0123456789")))

	var last TransferProgress
	for i := 0; i < 3; i++ {
		select {
		case last = <-inbound:
		case <-time.After(waitFor):
			t.Fatal("missing inbound progress")
		}
	}
	assert.Equal(t, TransferInbound, last.Direction)
	assert.Equal(t, int64(10), last.Done)
	assert.Equal(t, int64(10), last.Total)
	assert.Len(t, outbound, 3)
}

func TestSession_FileTooLarge(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.MaxFileSize = 10
	s := newTestSession(t, loopback.NewNetwork(), "me", WithSessionConfig(cfg))
	assert.ErrorIs(t, s.SendFile(context.Background(), "big.bin", "", make([]byte, 11)), ErrFileTooLarge)
}

func TestSession_JoinerDisconnectKeepsHost(t *testing.T) {
	net := loopback.NewNetwork()
	host, joiner := hostAndJoin(t, net, "stay")
	joinerID := joiner.State().LocalPeerID

	require.NoError(t, joiner.Disconnect(context.Background()))
	assert.Equal(t, domain.ModeIdle, joiner.State().Mode)
	assert.Contains(t, joiner.notes.titles(), "Disconnected")
	assert.False(t, net.Registered(joinerID))

	require.Eventually(t, func() bool { return host.State().PeerCount() == 0 }, waitFor, 5*time.Millisecond)
	hs := host.State()
	assert.Equal(t, domain.ModeHosting, hs.Mode, "host mode survives an empty registry")
	assert.True(t, hs.Connected, "a host stays connected with no guests")
	assert.Contains(t, systemMessages(host.Messages()), "Joiner🐼 ("+string(joinerID)+") has left the channel")

	require.NoError(t, joiner.Disconnect(context.Background()), "disconnect is idempotent")
}

func TestSession_HostLeavesJoinerReturnsIdle(t *testing.T) {
	net := loopback.NewNetwork()
	host, joiner := hostAndJoin(t, net, "leaving")
	joinerID := joiner.State().LocalPeerID

	require.NoError(t, host.Disconnect(context.Background()))
	assert.False(t, net.Registered("leaving"))

	require.Eventually(t, func() bool { return joiner.State().Mode == domain.ModeIdle }, waitFor, 5*time.Millisecond)
	js := joiner.State()
	assert.Equal(t, domain.SessionRoleNone, js.Role)
	assert.Empty(t, js.ConnectedPeers)
	assert.Equal(t, joinerID, js.LocalPeerID, "joiner peer is kept for reuse")
	assert.Contains(t, joiner.notes.titles(), "Peer disconnected")

	// A new host on the same id can be joined with the existing joiner peer.
	again := newTestSession(t, net, "Host2")
	require.NoError(t, again.HostChannel(context.Background(), "leaving"))
	require.NoError(t, joiner.JoinChannel(context.Background(), "leaving"))
	assert.Equal(t, joinerID, joiner.State().LocalPeerID)
}

func TestSession_IgnoresMalformedFrames(t *testing.T) {
	net := loopback.NewNetwork()
	host := newTestSession(t, net, "Host")
	require.NoError(t, host.HostChannel(context.Background(), "raw"))

	raw := net.NewPeer("rawclient", domain.ConnectivityConfig{})
	opened := make(chan struct{})
	raw.OnOpen(func(domain.PeerID) { close(opened) })
	raw.Start()
	<-opened
	t.Cleanup(raw.Destroy)

	conn := raw.Connect("raw", ports.ConnectOptions{Label: DataChannelLabel})
	require.Eventually(t, conn.Open, waitFor, 5*time.Millisecond)

	require.NoError(t, conn.Send([]byte("not json")))
	require.NoError(t, conn.Send([]byte(`{"type":"telepathy"}`)))
	intro, err := protocol.Encode(protocol.Intro{UserName: "Raw", PeerID: "rawclient"})
	require.NoError(t, err)
	require.NoError(t, conn.Send(intro))

	require.Eventually(t, func() bool {
		name, ok := host.PeerName(context.Background(), "rawclient")
		return ok && name == "Raw"
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, host.State().PeerCount(), "bad frames do not drop the connection")
}

func TestSession_SetUserName(t *testing.T) {
	store := newMemorySettings()
	settings := NewSettingsService(store, zaptest.NewLogger(t).Sugar())
	s := newTestSession(t, loopback.NewNetwork(), "old", WithSettings(settings))

	require.NoError(t, s.SetUserName(context.Background(), "new🐸"))
	assert.Equal(t, "new🐸", s.State().UserName)
	assert.Equal(t, "new🐸", store.values[domain.SettingUserName])
	assert.ErrorIs(t, s.SetUserName(context.Background(), ""), domain.ErrInvalidUserName)
}

func TestSession_MessageLogLimit(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.MaxLogMessages = 3
	net := loopback.NewNetwork()
	host := newTestSession(t, net, "Host", WithSessionConfig(cfg))
	joiner := newTestSession(t, net, "Joiner")
	ctx := context.Background()
	require.NoError(t, host.HostChannel(ctx, "limited"))
	require.NoError(t, joiner.JoinChannel(ctx, "limited"))

	for i := 0; i < 5; i++ {
		require.NoError(t, joiner.SendText(ctx, strings.Repeat("x", i+1)))
	}
	require.Eventually(t, func() bool {
		msgs := host.Messages()
		return len(msgs) == 3 && msgs[2].Content == "xxxxx"
	}, waitFor, 5*time.Millisecond)
}

func TestSession_OnMessage(t *testing.T) {
	net := loopback.NewNetwork()
	host := newTestSession(t, net, "Host🦊")
	seen := make(chan domain.Message, 16)
	host.OnMessage(func(m domain.Message) { seen <- m })

	ctx := context.Background()
	require.NoError(t, host.HostChannel(ctx, "hooked"))
	joiner := newTestSession(t, net, "Joiner🐼")
	require.NoError(t, joiner.JoinChannel(ctx, "hooked"))
	require.NoError(t, joiner.SendText(ctx, "over the hook"))

	deadline := time.After(waitFor)
	for {
		select {
		case m := <-seen:
			if m.Content == "over the hook" {
				assert.False(t, m.IsSystem())
				assert.Equal(t, "Joiner🐼", m.SenderName)
				return
			}
		case <-deadline:
			t.Fatal("message hook never saw the text")
		}
	}
}

func TestSession_HostConnectedWithoutGuests(t *testing.T) {
	host := newTestSession(t, loopback.NewNetwork(), "Host")
	require.NoError(t, host.HostChannel(context.Background(), "lonely"))

	st := host.State()
	assert.Equal(t, domain.ModeHosting, st.Mode)
	assert.Zero(t, st.PeerCount())
	assert.True(t, st.Connected)
}

// newScriptedSession runs a session on a single scripted peer and records
// its logs.
func newScriptedSession(t *testing.T, peer *scriptedPeer, cfg SessionConfig) (*testSession, *observer.ObservedLogs) {
	t.Helper()
	provider := &mockProvider{}
	provider.On("NewPeer", mock.Anything, mock.Anything).Return(peer)

	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core).Sugar()
	notes := &recordingNotifier{}
	s := NewSessionService(NewPeerFactory(provider, domain.ConnectivityConfig{}, logger), notes, "me", logger, WithSessionConfig(cfg))
	t.Cleanup(s.Close)
	return &testSession{SessionService: s, notes: notes}, logs
}

func nextConn(t *testing.T, peer *scriptedPeer) *scriptedConn {
	t.Helper()
	select {
	case c := <-peer.conns:
		return c
	case <-time.After(waitFor):
		t.Fatal("no outbound connection")
		return nil
	}
}

func countIntros(frames []protocol.Frame) int {
	n := 0
	for _, f := range frames {
		if f.Kind() == protocol.KindIntro {
			n++
		}
	}
	return n
}

func TestSession_LateOpenAfterJoinTimeoutIsClosed(t *testing.T) {
	cfg := DefaultSessionConfig()
	cfg.JoinTimeout = 50 * time.Millisecond
	peer := newScriptedPeer("joiner-late")
	s, logs := newScriptedSession(t, peer, cfg)

	err := s.JoinChannel(context.Background(), "slowhost")
	require.Error(t, err)
	assert.Equal(t, domain.ErrTypeConnectionTimeout, ErrorType(err))

	conn := nextConn(t, peer)
	assert.EqualValues(t, 1, conn.closes.Load(), "timeout closes the pending connection")
	assert.True(t, peer.Destroyed())

	// The transport finishes opening after the attempt is gone.
	conn.MarkOpen()
	require.Eventually(t, func() bool {
		return logs.FilterMessage("Closing connection that opened after its attempt ended").Len() == 1
	}, waitFor, 5*time.Millisecond)

	st := s.State()
	assert.Equal(t, domain.ModeIdle, st.Mode)
	assert.Zero(t, st.PeerCount())
	assert.Empty(t, conn.frames(), "no intro on a connection opened too late")
	assert.NotContains(t, s.notes.titles(), "Peer connected")
	assert.Empty(t, systemMessages(s.Messages()))
}

func TestSession_OpenProtocolRunsOnce(t *testing.T) {
	peer := newScriptedPeer("joiner-once")
	peer.replayOpen = true
	s, _ := newScriptedSession(t, peer, DefaultSessionConfig())

	require.NoError(t, s.JoinChannel(context.Background(), "quickhost"))
	conn := nextConn(t, peer)

	// Wait for the replayed open to reach the loop, then drain it.
	select {
	case <-conn.replayed:
	case <-time.After(waitFor):
		t.Fatal("open was not replayed")
	}
	require.NoError(t, s.call(context.Background(), func() {}))

	assert.Equal(t, 1, s.State().PeerCount())
	assert.Equal(t, []string{"quickhost has joined the channel"}, systemMessages(s.Messages()))
	assert.Equal(t, 1, countIntros(conn.frames()))
	connected := 0
	for _, title := range s.notes.titles() {
		if title == "Peer connected" {
			connected++
		}
	}
	assert.Equal(t, 1, connected)
}

func TestSession_RejectsHostileFileStart(t *testing.T) {
	net := loopback.NewNetwork()
	cfg := DefaultSessionConfig()
	cfg.MaxFileSize = 0
	host := newTestSession(t, net, "Host", WithSessionConfig(cfg))
	require.NoError(t, host.HostChannel(context.Background(), "target"))

	raw := net.NewPeer("rawsender", domain.ConnectivityConfig{})
	opened := make(chan struct{})
	raw.OnOpen(func(domain.PeerID) { close(opened) })
	raw.Start()
	<-opened
	t.Cleanup(raw.Destroy)

	conn := raw.Connect("target", ports.ConnectOptions{Label: DataChannelLabel})
	require.Eventually(t, conn.Open, waitFor, 5*time.Millisecond)

	send := func(f protocol.Frame) {
		t.Helper()
		data, err := protocol.Encode(f)
		require.NoError(t, err)
		require.NoError(t, conn.Send(data))
	}
	send(protocol.FileStart{TransferID: "huge", FileName: "huge.bin", FileSize: 1 << 62, TotalChunks: 1})
	send(protocol.FileStart{TransferID: "negative", FileName: "neg.bin", FileSize: -1, TotalChunks: 1})
	for i := 0; i < maxOpenTransfersPerPeer+3; i++ {
		send(protocol.FileStart{TransferID: fmt.Sprintf("flood-%d", i), FileName: "f.bin", FileSize: 10, TotalChunks: 1})
	}
	send(protocol.Intro{UserName: "Raw", PeerID: "rawsender"})

	require.Eventually(t, func() bool {
		name, ok := host.PeerName(context.Background(), "rawsender")
		return ok && name == "Raw"
	}, waitFor, 5*time.Millisecond)

	var open, negative int
	require.NoError(t, host.call(context.Background(), func() {
		open = host.openTransfers("rawsender")
		if _, ok := host.transfers[transferKey{"rawsender", "negative"}]; ok {
			negative++
		}
	}))
	assert.Equal(t, maxOpenTransfersPerPeer, open)
	assert.Zero(t, negative)
	assert.Equal(t, 1, host.State().PeerCount(), "hostile starts do not drop the connection")

	// The huge declaration is bounded by what actually arrives.
	send(protocol.FileChunk{TransferID: "huge", Index: 0, Data: []byte("tiny")})
	send(protocol.FileComplete{TransferID: "huge", FileName: "huge.bin", FileSize: 1 << 62})
	send(protocol.ChatMessage{Message: domain.Message{Kind: domain.MessageText, ID: "m1", SenderID: "rawsender", SenderName: "Raw", Content: "still here"}})
	require.Eventually(t, func() bool {
		for _, m := range host.Messages() {
			if m.Content == "still here" {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)
	for _, m := range host.Messages() {
		assert.Nil(t, m.FileInfo, "mis-sized transfer is never delivered")
	}
}
