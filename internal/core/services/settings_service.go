package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"sharechannel/internal/core/domain"
	"sharechannel/internal/core/ports"
	"sharechannel/pkg/validation"

	"go.uber.org/zap"
)

// SettingsService persists the display name and connectivity preferences.
// Reads never fail: anything missing or unreadable yields the defaults.
type SettingsService struct {
	store  ports.SettingsStore
	logger *zap.SugaredLogger
}

func NewSettingsService(store ports.SettingsStore, logger *zap.SugaredLogger) *SettingsService {
	return &SettingsService{store: store, logger: logger}
}

// LoadUserName returns the saved display name, generating and saving a new
// one on first use.
func (s *SettingsService) LoadUserName(ctx context.Context) string {
	name, err := s.store.Get(ctx, domain.SettingUserName)
	if err == nil && validation.ValidateUserName(name) == nil {
		return name
	}
	if err != nil && !errors.Is(err, domain.ErrSettingNotFound) {
		s.logger.Warnw("Failed to read user name, generating a new one", "error", err)
	}

	name = GenerateDisplayName()
	if err := s.store.Set(ctx, domain.SettingUserName, name); err != nil {
		s.logger.Warnw("Failed to save generated user name", "error", err)
	}
	return name
}

func (s *SettingsService) SaveUserName(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if err := validation.ValidateUserName(name); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidUserName, err)
	}
	return s.store.Set(ctx, domain.SettingUserName, name)
}

func (s *SettingsService) LoadProxySettings(ctx context.Context) domain.ProxySettings {
	raw, err := s.store.Get(ctx, domain.SettingProxySettings)
	if err != nil {
		if !errors.Is(err, domain.ErrSettingNotFound) {
			s.logger.Warnw("Failed to read proxy settings, using defaults", "error", err)
		}
		return domain.DefaultProxySettings()
	}

	var settings domain.ProxySettings
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		s.logger.Warnw("Stored proxy settings are corrupt, using defaults", "error", err)
		return domain.DefaultProxySettings()
	}
	return settings
}

func validateProxySettings(settings domain.ProxySettings) error {
	for _, server := range settings.ICEServers {
		for _, u := range server.URLs {
			if err := validation.ValidateICEURL(u); err != nil {
				return err
			}
		}
	}
	if settings.TURNEnabled && settings.ProxyURL != "" {
		return validation.ValidateICEURL(settings.ProxyURL)
	}
	return nil
}

func (s *SettingsService) SaveProxySettings(ctx context.Context, settings domain.ProxySettings) error {
	if err := validateProxySettings(settings); err != nil {
		return err
	}

	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("failed to encode proxy settings: %w", err)
	}
	return s.store.Set(ctx, domain.SettingProxySettings, string(data))
}

// BuildConnectivity turns saved preferences into a peer configuration. The
// TURN server is appended only when it is enabled and has a URL.
func BuildConnectivity(settings domain.ProxySettings) domain.ConnectivityConfig {
	cfg := domain.ConnectivityConfig{
		ICEServers: append([]domain.ICEServer(nil), settings.ICEServers...),
		ForceRelay: settings.ForceTURN,
	}
	if settings.TURNEnabled && settings.ProxyURL != "" {
		cfg.ICEServers = append(cfg.ICEServers, domain.ICEServer{
			URLs:       []string{settings.ProxyURL},
			Username:   settings.TURNUsername,
			Credential: settings.TURNCredential,
		})
	}
	return cfg.Clone()
}

// Snapshot returns the raw stored value of every settings key that is set.
func (s *SettingsService) Snapshot(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string, 2)
	for _, key := range []string{domain.SettingUserName, domain.SettingProxySettings} {
		v, err := s.store.Get(ctx, key)
		if errors.Is(err, domain.ErrSettingNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		out[key] = v
	}
	return out, nil
}

// Restore writes a snapshot back through the same validation as the Save
// methods. Unknown keys are ignored; nothing is written if any value is
// invalid.
func (s *SettingsService) Restore(ctx context.Context, snapshot map[string]string) error {
	name, hasName := snapshot[domain.SettingUserName]
	if hasName {
		name = strings.TrimSpace(name)
		if err := validation.ValidateUserName(name); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrInvalidUserName, err)
		}
	}

	var proxy domain.ProxySettings
	raw, hasProxy := snapshot[domain.SettingProxySettings]
	if hasProxy {
		if err := json.Unmarshal([]byte(raw), &proxy); err != nil {
			return fmt.Errorf("invalid proxy settings in snapshot: %w", err)
		}
		if err := validateProxySettings(proxy); err != nil {
			return err
		}
	}

	if hasName {
		if err := s.store.Set(ctx, domain.SettingUserName, name); err != nil {
			return err
		}
	}
	if hasProxy {
		return s.SaveProxySettings(ctx, proxy)
	}
	return nil
}
