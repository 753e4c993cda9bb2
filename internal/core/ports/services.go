package ports

import (
	"context"

	"sharechannel/internal/core/domain"
)

type SessionService interface {
	HostChannel(ctx context.Context, channelID string) error
	JoinChannel(ctx context.Context, hostID string) error
	Disconnect(ctx context.Context) error
	SendText(ctx context.Context, text string) error
	SendFile(ctx context.Context, name, mimeType string, data []byte) error
	SetUserName(ctx context.Context, name string) error
	State() domain.SessionState
	Messages() []domain.Message
}

type DiscoveryService interface {
	Refresh(ctx context.Context) ([]domain.DiscoveredChannel, error)
	Channels(ctx context.Context) ([]domain.DiscoveredChannel, error)
	StartResponder(channelID string, info func() domain.ChannelInfo)
	StopResponder()
	Close()
}

type Notifier interface {
	Notify(n domain.Notification)
}

// SessionRecorder receives session lifecycle observations for metrics.
type SessionRecorder interface {
	SessionStarted(role domain.SessionRole)
	SessionEnded(role domain.SessionRole)
	PeerConnected()
	PeerDisconnected()
	MessageSent(kind string, bytes int)
	MessageReceived(kind string, bytes int)
	JoinTimedOut()
	PeerErrored(t domain.PeerErrorType)
	ChannelsDiscovered(n int)
}
