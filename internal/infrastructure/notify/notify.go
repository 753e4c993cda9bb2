// Package notify delivers user-facing session notifications.
package notify

import (
	"sync"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"

	"go.uber.org/zap"
)

// LogNotifier writes notifications to a zap logger.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	return &LogNotifier{logger: logger.Named("notify")}
}

func (n *LogNotifier) Notify(item domain.Notification) {
	if item.IsError {
		n.logger.Warnw(item.Title, "description", item.Description)
		return
	}
	n.logger.Infow(item.Title, "description", item.Description)
}

// ChannelNotifier fans notifications out to subscribers. A subscriber that
// falls behind loses notifications rather than blocking the session.
type ChannelNotifier struct {
	mu      sync.RWMutex
	subs    map[int]chan domain.Notification
	nextID  int
	buffer  int
	dropped int
	closed  bool
}

func NewChannelNotifier(buffer int) *ChannelNotifier {
	if buffer <= 0 {
		buffer = 16
	}
	return &ChannelNotifier{
		subs:   make(map[int]chan domain.Notification),
		buffer: buffer,
	}
}

// Subscribe returns a receive channel and a function that cancels the
// subscription and closes the channel.
func (n *ChannelNotifier) Subscribe() (<-chan domain.Notification, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()

	ch := make(chan domain.Notification, n.buffer)
	if n.closed {
		close(ch)
		return ch, func() {}
	}
	id := n.nextID
	n.nextID++
	n.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			if c, ok := n.subs[id]; ok {
				delete(n.subs, id)
				close(c)
			}
		})
	}
}

func (n *ChannelNotifier) Notify(item domain.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- item:
		default:
			n.dropped++
		}
	}
}

// Dropped reports how many deliveries were skipped because a subscriber
// was full.
func (n *ChannelNotifier) Dropped() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.dropped
}

// Close ends every subscription.
func (n *ChannelNotifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}

// Multi forwards each notification to every notifier in order.
type Multi []ports.Notifier

func (m Multi) Notify(item domain.Notification) {
	for _, n := range m {
		n.Notify(item)
	}
}
