// Package config handles daemon configuration file management. It covers
// only operational tuning knobs; spec.md §6 forbids configuration files
// from altering playback semantics or surviving as persisted playback
// state, so nothing here is read back into a PlayerSession's properties.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Config represents the daemon's operational tuning knobs.
type Config struct {
	// Power holds PowerArbiter tuning.
	Power PowerConfig `json:"power"`
	// Dispatch holds per-request deadline tuning.
	Dispatch DispatchConfig `json:"dispatch"`
	// OutputRoute holds OutputObserver tuning.
	OutputRoute OutputRouteConfig `json:"outputRoute"`
	// Confinement holds AppContextResolver/UriAuthorizer tuning.
	Confinement ConfinementConfig `json:"confinement"`
}

// PowerConfig tunes PowerArbiter (spec §4.1).
type PowerConfig struct {
	// SettleDelayMs is the deferred-release delay in milliseconds.
	// Default 4000, per spec §4.1.
	SettleDelayMs int `json:"settleDelayMs"`
}

// DispatchConfig holds the control-op deadline setting (spec §5). The
// dispatcher does not read it: it always applies
// dispatch.DefaultControlDeadline.
type DispatchConfig struct {
	// ControlOpTimeoutMs is the control-op deadline in milliseconds, as
	// returned by ControlOpTimeout. Default 1000, per spec §5.
	ControlOpTimeoutMs int `json:"controlOpTimeoutMs"`
}

// OutputRouteConfig tunes OutputObserver (spec §4.2).
type OutputRouteConfig struct {
	// OnboardPortPatterns classify a sink port name as onboard (as
	// opposed to any other active sink, which is reported as external).
	OnboardPortPatterns []string `json:"onboardPortPatterns"`
}

// ConfinementConfig tunes AppContextResolver/UriAuthorizer (spec §4.4).
type ConfinementConfig struct {
	// SharedMediaDirs are directories any confined package may read
	// file:// URIs from, in addition to its own data directory.
	SharedMediaDirs []string `json:"sharedMediaDirs"`
	// PackageDataDirTemplate is formatted with a package id (via
	// confinement.NewAuthorizer) to produce that package's private data
	// directory.
	PackageDataDirTemplate string `json:"packageDataDirTemplate"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Power: PowerConfig{
			SettleDelayMs: 4000,
		},
		Dispatch: DispatchConfig{
			ControlOpTimeoutMs: 1000,
		},
		OutputRoute: OutputRouteConfig{
			OnboardPortPatterns: []string{"analog-output", "speaker", "internal"},
		},
		Confinement: ConfinementConfig{
			SharedMediaDirs:        []string{"/usr/share/sounds", "/usr/share/media"},
			PackageDataDirTemplate: "/home/media-hubd/.local/share/%s",
		},
	}
}

// SettleDelay returns the PowerArbiter settle delay as a time.Duration.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Power.SettleDelayMs) * time.Millisecond
}

// ControlOpTimeout returns ControlOpTimeoutMs as a time.Duration. Nothing
// in the daemon passes it to the dispatcher.
func (c *Config) ControlOpTimeout() time.Duration {
	return time.Duration(c.Dispatch.ControlOpTimeoutMs) * time.Millisecond
}

// Manager handles loading and saving configuration.
type Manager struct {
	configDir  string
	configPath string
	config     *Config
}

// NewManager creates a new configuration manager.
func NewManager(configDir string) *Manager {
	return &Manager{
		configDir:  configDir,
		configPath: filepath.Join(configDir, "config.json"),
		config:     DefaultConfig(),
	}
}

// Load reads the configuration from disk, writing defaults if absent.
func (m *Manager) Load() error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(m.configPath); os.IsNotExist(err) {
		m.config = DefaultConfig()
		return m.Save()
	}

	data, err := os.ReadFile(m.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	m.config = cfg
	return nil
}

// Save writes the configuration to disk.
func (m *Manager) Save() error {
	if err := os.MkdirAll(m.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(m.config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Get returns the current configuration.
func (m *Manager) Get() *Config {
	return m.config
}

// GetPath returns the config file path.
func (m *Manager) GetPath() string {
	return m.configPath
}

// Update replaces the configuration and saves it.
func (m *Manager) Update(config *Config) error {
	m.config = config
	return m.Save()
}
