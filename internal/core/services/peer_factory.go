package services

import (
	"fmt"
	"sync"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/pkg/utils"

	"go.uber.org/zap"
)

// DefaultICEServers is the built-in STUN list every peer receives.
var DefaultICEServers = []domain.ICEServer{
	{URLs: []string{"stun:stun.l.google.com:19302"}},
	{URLs: []string{"stun:stun1.l.google.com:19302"}},
	{URLs: []string{"stun:stun2.l.google.com:19302"}},
	{URLs: []string{"stun:stun3.l.google.com:19302"}},
	{URLs: []string{"stun:stun4.l.google.com:19302"}},
}

// MergeICEServers returns the caller's servers followed by the defaults,
// dropping later duplicates of the same URL set. Defaults are never removed.
func MergeICEServers(custom []domain.ICEServer) []domain.ICEServer {
	seen := make(map[string]bool, len(custom)+len(DefaultICEServers))
	out := make([]domain.ICEServer, 0, len(custom)+len(DefaultICEServers))
	for _, list := range [][]domain.ICEServer{custom, DefaultICEServers} {
		for _, s := range list {
			if len(s.URLs) == 0 || seen[s.Key()] {
				continue
			}
			seen[s.Key()] = true
			out = append(out, s)
		}
	}
	return out
}

type RoleOptions struct {
	Role         domain.PeerRole
	Connectivity domain.ConnectivityConfig
	DebugLevel   int
}

// PeerFactory builds peer handles for every role. Construction never fails;
// substrate failures arrive through the handle's error callback.
type PeerFactory struct {
	provider ports.PeerProvider
	logger   *zap.SugaredLogger

	mu           sync.RWMutex
	connectivity domain.ConnectivityConfig
}

func NewPeerFactory(provider ports.PeerProvider, connectivity domain.ConnectivityConfig, logger *zap.SugaredLogger) *PeerFactory {
	return &PeerFactory{
		provider:     provider,
		logger:       logger,
		connectivity: connectivity.Clone(),
	}
}

// SetConnectivity replaces the base configuration for peers created later.
func (f *PeerFactory) SetConnectivity(cfg domain.ConnectivityConfig) {
	f.mu.Lock()
	f.connectivity = cfg.Clone()
	f.mu.Unlock()
}

func (f *PeerFactory) Connectivity() domain.ConnectivityConfig {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connectivity.Clone()
}

func (f *PeerFactory) CreatePeer(id domain.PeerID, opts RoleOptions) ports.PeerHandle {
	cfg := opts.Connectivity.Clone()
	cfg.ICEServers = MergeICEServers(cfg.ICEServers)
	cfg.DebugLevel = opts.DebugLevel

	f.logger.Debugw("Creating peer",
		"peer_id", id,
		"role", opts.Role,
		"ice_servers", len(cfg.ICEServers),
		"force_relay", cfg.ForceRelay,
	)
	return f.provider.NewPeer(id, cfg)
}

func (f *PeerFactory) CreateHostPeer(channelID string) ports.PeerHandle {
	return f.CreatePeer(domain.PeerID(channelID), f.roleOptions(domain.RoleHost, 1))
}

func (f *PeerFactory) CreateJoinerPeer() ports.PeerHandle {
	return f.CreatePeer(domain.PeerID(utils.GenerateID(domain.JoinerPrefix)), f.roleOptions(domain.RoleJoiner, 1))
}

func (f *PeerFactory) CreateDiscoveryPeer() ports.PeerHandle {
	return f.CreatePeer(domain.PeerID(utils.GenerateID(domain.DiscoveryPrefix)), f.roleOptions(domain.RoleDiscovery, 0))
}

func (f *PeerFactory) CreateBroadcastPeer(slot int) ports.PeerHandle {
	return f.CreatePeer(BroadcastSlotID(slot), f.roleOptions(domain.RoleBroadcast, 1))
}

func (f *PeerFactory) roleOptions(role domain.PeerRole, debug int) RoleOptions {
	return RoleOptions{Role: role, Connectivity: f.Connectivity(), DebugLevel: debug}
}

func BroadcastSlotID(slot int) domain.PeerID {
	return domain.PeerID(fmt.Sprintf("%s%d", domain.BroadcastSlotPrefix, slot))
}
