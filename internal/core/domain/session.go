package domain

type SessionMode string

const (
	ModeIdle    SessionMode = "idle"
	ModeHosting SessionMode = "hosting"
	ModeJoining SessionMode = "joining"
)

type SessionRole string

const (
	SessionRoleNone SessionRole = ""
	SessionRoleHost SessionRole = "host"
	SessionRoleJoin SessionRole = "join"
)

// SessionState is a read-only snapshot of the local node's session.
type SessionState struct {
	Mode           SessionMode
	Role           SessionRole
	ChannelID      string
	LocalPeerID    PeerID
	UserName       string
	ConnectedPeers []PeerID
	Connected      bool
}

func (s SessionState) PeerCount() int {
	return len(s.ConnectedPeers)
}
