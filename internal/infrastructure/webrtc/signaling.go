package webrtc

import (
	"encoding/json"
	"sync"
	"time"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/infrastructure/signal"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const signalWriteTimeout = 10 * time.Second

// signalingClient is one peer's websocket to the rendezvous server.
type signalingClient struct {
	conn   *websocket.Conn
	logger *zap.SugaredLogger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func newSignalingClient(conn *websocket.Conn, logger *zap.SugaredLogger) *signalingClient {
	return &signalingClient{conn: conn, logger: logger, done: make(chan struct{})}
}

func (c *signalingClient) send(msg signal.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(signalWriteTimeout))
	return c.conn.WriteJSON(msg)
}

func (c *signalingClient) sendPayload(t signal.MessageType, dst domain.PeerID, payload interface{}) error {
	msg, err := signal.NewMessage(t, "", dst, payload)
	if err != nil {
		return err
	}
	return c.send(msg)
}

// readLoop hands every frame to handle until the socket fails.
func (c *signalingClient) readLoop(handle func(signal.Message)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg signal.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Debugw("dropping malformed signal frame", "error", err)
			continue
		}
		handle(msg)
	}
}

// heartbeat keeps the lease alive until the client closes.
func (c *signalingClient) heartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.send(signal.Message{Type: signal.TypeHeartbeat}); err != nil {
				c.logger.Debugw("heartbeat failed", "error", err)
				return
			}
		}
	}
}

func (c *signalingClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
	})
}

func (c *signalingClient) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
