package services

import (
	"context"
	"errors"
	"testing"

	"sharechannel/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestSettingsService_UserName(t *testing.T) {
	ctx := context.Background()
	store := newMemorySettings()
	s := NewSettingsService(store, zaptest.NewLogger(t).Sugar())

	first := s.LoadUserName(ctx)
	require.NotEmpty(t, first)
	assert.Equal(t, first, store.values[domain.SettingUserName], "generated name is persisted")
	assert.Equal(t, first, s.LoadUserName(ctx))

	require.NoError(t, s.SaveUserName(ctx, "  alice "))
	assert.Equal(t, "alice", s.LoadUserName(ctx))

	assert.ErrorIs(t, s.SaveUserName(ctx, "   "), domain.ErrInvalidUserName)
}

func TestSettingsService_ProxySettingsFallback(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		setup func(*memorySettings)
	}{
		{"missing", func(*memorySettings) {}},
		{"corrupt", func(m *memorySettings) { m.values[domain.SettingProxySettings] = "{not json" }},
		{"store failure", func(m *memorySettings) { m.getErr = errors.New("disk on fire") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemorySettings()
			tt.setup(store)
			s := NewSettingsService(store, zaptest.NewLogger(t).Sugar())
			assert.Equal(t, domain.DefaultProxySettings(), s.LoadProxySettings(ctx))
		})
	}
}

func TestSettingsService_ProxySettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewSettingsService(newMemorySettings(), zaptest.NewLogger(t).Sugar())

	want := domain.ProxySettings{
		UseProxy:       true,
		ProxyURL:       "turn:turn.example.org:3478",
		ICEServers:     []domain.ICEServer{{URLs: []string{"stun:stun.example.org:3478"}}},
		TURNEnabled:    true,
		TURNUsername:   "user",
		TURNCredential: "pass",
		ForceTURN:      true,
	}
	require.NoError(t, s.SaveProxySettings(ctx, want))
	assert.Equal(t, want, s.LoadProxySettings(ctx))

	bad := want
	bad.ICEServers = []domain.ICEServer{{URLs: []string{"http://example.org"}}}
	assert.Error(t, s.SaveProxySettings(ctx, bad))
}

func TestBuildConnectivity(t *testing.T) {
	settings := domain.DefaultProxySettings()
	cfg := BuildConnectivity(settings)
	assert.Len(t, cfg.ICEServers, 3)
	assert.False(t, cfg.ForceRelay)

	settings.TURNEnabled = true
	settings.ProxyURL = "turn:turn.example.org:3478"
	settings.TURNUsername = "u"
	settings.TURNCredential = "c"
	settings.ForceTURN = true
	cfg = BuildConnectivity(settings)
	require.Len(t, cfg.ICEServers, 4)
	assert.Equal(t, domain.ICEServer{URLs: []string{"turn:turn.example.org:3478"}, Username: "u", Credential: "c"}, cfg.ICEServers[3])
	assert.True(t, cfg.ForceRelay)

	settings.ProxyURL = ""
	assert.Len(t, BuildConnectivity(settings).ICEServers, 3, "TURN without a URL is ignored")
}

func TestSettingsService_SnapshotRestore(t *testing.T) {
	ctx := context.Background()
	src := NewSettingsService(newMemorySettings(), zaptest.NewLogger(t).Sugar())

	empty, err := src.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, src.SaveUserName(ctx, "Brave🦊"))
	proxy := domain.DefaultProxySettings()
	proxy.ForceTURN = true
	require.NoError(t, src.SaveProxySettings(ctx, proxy))

	snap, err := src.Snapshot(ctx)
	require.NoError(t, err)
	assert.Len(t, snap, 2)

	dst := NewSettingsService(newMemorySettings(), zaptest.NewLogger(t).Sugar())
	snap["unrelated.key"] = "ignored"
	require.NoError(t, dst.Restore(ctx, snap))
	assert.Equal(t, "Brave🦊", dst.LoadUserName(ctx))
	assert.Equal(t, proxy, dst.LoadProxySettings(ctx))
}

func TestSettingsService_RestoreRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	store := newMemorySettings()
	s := NewSettingsService(store, zaptest.NewLogger(t).Sugar())

	err := s.Restore(ctx, map[string]string{
		domain.SettingUserName:      "   ",
		domain.SettingProxySettings: `{"useProxy":false}`,
	})
	assert.ErrorIs(t, err, domain.ErrInvalidUserName)

	err = s.Restore(ctx, map[string]string{
		domain.SettingUserName:      "alice",
		domain.SettingProxySettings: `{"iceServers":[{"urls":["http://example.org"]}]}`,
	})
	assert.Error(t, err)
	assert.Empty(t, store.values, "nothing is written when any value is invalid")

	assert.Error(t, s.Restore(ctx, map[string]string{domain.SettingProxySettings: "{not json"}))

	store.getErr = errors.New("disk on fire")
	_, err = s.Snapshot(ctx)
	assert.Error(t, err)
}
