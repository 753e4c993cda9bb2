package services

import (
	"strings"
	"testing"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/infrastructure/loopback"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestMergeICEServers(t *testing.T) {
	turn := domain.ICEServer{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "c"}
	dup := domain.ICEServer{URLs: []string{"stun:stun.l.google.com:19302"}}

	merged := MergeICEServers([]domain.ICEServer{turn, dup, turn})

	require.Len(t, merged, len(DefaultICEServers)+1)
	assert.Equal(t, turn, merged[0], "caller servers come first")
	assert.Equal(t, dup.Key(), merged[1].Key())
	for _, d := range DefaultICEServers {
		assert.Contains(t, merged, d, "defaults are never removed")
	}
}

func TestMergeICEServers_EmptyKeepsDefaults(t *testing.T) {
	assert.Equal(t, DefaultICEServers, MergeICEServers(nil))
}

func TestPeerFactory_RoleConstructors(t *testing.T) {
	provider := &mockProvider{}
	net := loopback.NewNetwork()
	var ids []domain.PeerID
	var levels []int
	provider.On("NewPeer", mock.Anything, mock.Anything).Return(net.NewPeer("x", domain.ConnectivityConfig{})).Run(func(args mock.Arguments) {
		ids = append(ids, args.Get(0).(domain.PeerID))
		levels = append(levels, args.Get(1).(domain.ConnectivityConfig).DebugLevel)
	})

	f := NewPeerFactory(provider, domain.ConnectivityConfig{}, zaptest.NewLogger(t).Sugar())
	f.CreateHostPeer("mychannel")
	f.CreateJoinerPeer()
	f.CreateDiscoveryPeer()
	f.CreateBroadcastPeer(7)

	require.Len(t, ids, 4)
	assert.Equal(t, domain.PeerID("mychannel"), ids[0])
	assert.True(t, strings.HasPrefix(string(ids[1]), domain.JoinerPrefix))
	assert.Len(t, string(ids[1]), len(domain.JoinerPrefix)+domain.EphemeralSuffixLength)
	assert.True(t, strings.HasPrefix(string(ids[2]), domain.DiscoveryPrefix))
	assert.Equal(t, domain.PeerID("discovery-broadcast-7"), ids[3])
	assert.Equal(t, []int{1, 1, 0, 1}, levels)
	provider.AssertNumberOfCalls(t, "NewPeer", 4)
}

func TestPeerFactory_ConfigIsCopied(t *testing.T) {
	provider := &mockProvider{}
	var got domain.ConnectivityConfig
	provider.On("NewPeer", mock.Anything, mock.Anything).Return(loopback.NewNetwork().NewPeer("x", domain.ConnectivityConfig{})).Run(func(args mock.Arguments) {
		got = args.Get(1).(domain.ConnectivityConfig)
	})

	base := domain.ConnectivityConfig{
		ICEServers: []domain.ICEServer{{URLs: []string{"turn:relay.example.org"}}},
		ForceRelay: true,
	}
	f := NewPeerFactory(provider, base, zaptest.NewLogger(t).Sugar())
	base.ICEServers[0].URLs[0] = "turn:mutated.example.org"

	f.CreateJoinerPeer()
	assert.Equal(t, "turn:relay.example.org", got.ICEServers[0].URLs[0])
	assert.True(t, got.ForceRelay)

	f.SetConnectivity(domain.ConnectivityConfig{})
	f.CreateJoinerPeer()
	assert.False(t, got.ForceRelay)
	assert.Equal(t, DefaultICEServers, got.ICEServers)
}

func TestGenerateDisplayName(t *testing.T) {
	for i := 0; i < 50; i++ {
		name := GenerateDisplayName()
		var adj string
		for _, a := range adjectives {
			if strings.HasPrefix(name, a) {
				adj = a
			}
		}
		require.NotEmpty(t, adj, "name %q must start with an adjective", name)
		assert.Greater(t, len(name), len(adj))
	}
}
