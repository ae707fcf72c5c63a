package store

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Bridge links one Slack channel to one WhatsApp group. A bridge with either
// id empty is valid configuration but never matches traffic.
type Bridge struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Active          bool   `json:"active"`
	SlackChannelID  string `json:"slackChannelId"`
	WhatsAppGroupID string `json:"whatsappGroupId"`
}

// Configured reports whether the bridge has both endpoints set.
func (b Bridge) Configured() bool {
	return b.SlackChannelID != "" && b.WhatsAppGroupID != ""
}

// BridgeConfig is the persisted configuration document: Slack credentials plus
// the bridge list.
type BridgeConfig struct {
	SlackToken    string   `json:"slackToken,omitempty"`
	SlackAppToken string   `json:"slackAppToken,omitempty"`
	Bridges       []Bridge `json:"bridges"`
}

// legacyConfig is the single-bridge document written before named bridges
// existed.
type legacyConfig struct {
	SlackToken    string `json:"slackToken"`
	SlackAppToken string `json:"slackAppToken"`
	SlackChannel  string `json:"slackChannel"`
	TargetGroup   string `json:"targetGroup"`
}

// ConfigStore owns the bridge configuration file. Loads happen once at
// startup; every mutation is written through synchronously.
type ConfigStore struct {
	path   string
	logger *slog.Logger
	mu     sync.Mutex
}

// NewConfigStore creates a store backed by the file at path.
func NewConfigStore(path string, logger *slog.Logger) *ConfigStore {
	return &ConfigStore{
		path:   path,
		logger: logger.With("component", "config_store"),
	}
}

// Load reads the configuration document, migrating the legacy single-bridge
// shape to one synthesized active bridge. A missing file yields an empty
// config.
func (s *ConfigStore) Load() (BridgeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return BridgeConfig{}, nil
	}
	if err != nil {
		return BridgeConfig{}, fmt.Errorf("failed to read bridge config: %w", err)
	}

	var cfg BridgeConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return BridgeConfig{}, fmt.Errorf("failed to parse bridge config: %w", err)
	}

	if cfg.Bridges == nil {
		var legacy legacyConfig
		if err := json.Unmarshal(data, &legacy); err == nil &&
			(legacy.SlackChannel != "" || legacy.TargetGroup != "") {
			s.logger.Info("migrating legacy single-bridge config")
			cfg.Bridges = []Bridge{{
				ID:              uuid.NewString(),
				Name:            "Default Bridge",
				Active:          true,
				SlackChannelID:  legacy.SlackChannel,
				WhatsAppGroupID: legacy.TargetGroup,
			}}
		}
	}

	return cfg, nil
}

// Save writes the configuration document to disk.
func (s *ConfigStore) Save(cfg BridgeConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cfg.Bridges == nil {
		cfg.Bridges = []Bridge{}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode bridge config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write bridge config: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace bridge config: %w", err)
	}
	return nil
}
