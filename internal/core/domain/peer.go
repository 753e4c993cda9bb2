package domain

import "strings"

type PeerID string

// PeerRole tags how a peer identifier was generated and how chatty the
// substrate should be about it.
type PeerRole string

const (
	RoleHost      PeerRole = "host"
	RoleJoiner    PeerRole = "joiner"
	RoleDiscovery PeerRole = "discovery"
	RoleBroadcast PeerRole = "broadcast"
)

const (
	JoinerPrefix          = "joiner-"
	DiscoveryPrefix       = "discovery-"
	BroadcastSlotPrefix   = "discovery-broadcast-"
	BroadcastSlotCount    = 10
	EphemeralSuffixLength = 7
)

type ICEServer struct {
	URLs       []string `json:"urls" yaml:"urls"`
	Username   string   `json:"username,omitempty" yaml:"username,omitempty"`
	Credential string   `json:"credential,omitempty" yaml:"credential,omitempty"`
}

// Key identifies a server by its URL set, used for de-duplication.
func (s ICEServer) Key() string {
	return strings.Join(s.URLs, ",")
}

type ConnectivityConfig struct {
	ICEServers []ICEServer
	ForceRelay bool
	DebugLevel int
}

// Clone returns a deep copy so that a config handed to a peer constructor
// cannot be changed by the caller afterwards.
func (c ConnectivityConfig) Clone() ConnectivityConfig {
	out := ConnectivityConfig{
		ForceRelay: c.ForceRelay,
		DebugLevel: c.DebugLevel,
		ICEServers: make([]ICEServer, len(c.ICEServers)),
	}
	for i, s := range c.ICEServers {
		out.ICEServers[i] = ICEServer{
			URLs:       append([]string(nil), s.URLs...),
			Username:   s.Username,
			Credential: s.Credential,
		}
	}
	return out
}
