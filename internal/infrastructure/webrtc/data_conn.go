package webrtc

import (
	"sync"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/infrastructure/peerconn"
	"sharechannel/internal/infrastructure/signal"

	"github.com/pion/webrtc/v3"
)

// dataConn binds a peerconn.Conn to one pion PeerConnection and its data
// channel.
type dataConn struct {
	peer   *Peer
	remote domain.PeerID
	id     string
	conn   *peerconn.Conn

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	channel  *webrtc.DataChannel
	finished bool
}

func newDataConn(p *Peer, remote domain.PeerID, id, label string) *dataConn {
	dc := &dataConn{peer: p, remote: remote, id: id}
	dc.conn = peerconn.New(remote, label, dc.send, func() { dc.teardown(true) })
	return dc
}

func (dc *dataConn) send(data []byte) error {
	dc.mu.Lock()
	channel := dc.channel
	dc.mu.Unlock()
	if channel == nil {
		return peerconn.ErrNotOpen
	}
	return channel.Send(data)
}

// attach adopts pc. It reports false, closing pc, when the connection was
// torn down meanwhile.
func (dc *dataConn) attach(pc *webrtc.PeerConnection) bool {
	dc.mu.Lock()
	if dc.finished {
		dc.mu.Unlock()
		go pc.Close()
		return false
	}
	dc.pc = pc
	dc.mu.Unlock()

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		dc.peer.logger.Debugw("peer connection state changed",
			"remote_peer", dc.remote,
			"connection_id", dc.id,
			"connection_state", state,
		)
		switch state {
		case webrtc.PeerConnectionStateFailed:
			dc.conn.Fail(domain.NewPeerError(domain.ErrTypeWebRTC, "Negotiation of connection to %s failed", dc.remote))
			dc.teardown(false)
		case webrtc.PeerConnectionStateClosed:
			dc.teardown(false)
		}
	})
	return true
}

func (dc *dataConn) attachChannel(channel *webrtc.DataChannel) {
	dc.mu.Lock()
	if dc.finished {
		dc.mu.Unlock()
		channel.Close()
		return
	}
	dc.channel = channel
	dc.mu.Unlock()

	channel.OnOpen(dc.conn.MarkOpen)
	channel.OnMessage(func(msg webrtc.DataChannelMessage) {
		dc.conn.Deliver(msg.Data)
	})
	channel.OnError(func(err error) {
		dc.conn.Fail(&domain.PeerError{Type: domain.ErrTypeWebRTC, Cause: err})
	})
	channel.OnClose(func() { dc.teardown(false) })
}

func (dc *dataConn) applyAnswer(sdp signal.SessionDescription) {
	dc.mu.Lock()
	pc := dc.pc
	dc.mu.Unlock()
	if pc == nil {
		return
	}
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp.SDP}); err != nil {
		dc.fail(err)
	}
}

func (dc *dataConn) fail(err error) {
	dc.peer.logger.Infow("data connection failed", "remote_peer", dc.remote, "connection_id", dc.id, "error", err)
	dc.conn.Fail(&domain.PeerError{Type: domain.ErrTypeWebRTC, Cause: err})
	dc.teardown(true)
}

// teardown closes the transport once. notify tells the remote side.
func (dc *dataConn) teardown(notify bool) {
	dc.mu.Lock()
	if dc.finished {
		dc.mu.Unlock()
		return
	}
	dc.finished = true
	pc, channel := dc.pc, dc.channel
	dc.mu.Unlock()

	dc.peer.forget(dc)
	if notify {
		_ = dc.peer.sendSignal(signal.TypeLeave, dc.remote, signal.LeavePayload{ConnectionID: dc.id})
	}
	if channel != nil {
		channel.Close()
	}
	if pc != nil {
		go pc.Close()
	}
	dc.conn.MarkClosed()
}
