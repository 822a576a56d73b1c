// Package deviceconfig persists device identity and engine settings as JSON
// under the user config directory. Every setting can be overridden with a
// CARESYNC_* environment variable, which always wins over the file.
package deviceconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config is the device config stored at <config dir>/caresync/device.json.
type Config struct {
	DeviceID      string `json:"device_id"`
	ServerURL     string `json:"server_url,omitempty"`
	APIKey        string `json:"api_key,omitempty"`
	ScopeID       string `json:"scope_id,omitempty"`       // caregiver this device belongs to
	SyncDisabled  *bool  `json:"sync_disabled,omitempty"`  // nil = default false
	DrainInterval string `json:"drain_interval,omitempty"` // duration string, default "5m"
	ProbeInterval string `json:"probe_interval,omitempty"` // duration string, default "15s"
}

const configFile = "device.json"

// Dir returns the config directory, creating it if necessary.
// CARESYNC_CONFIG_DIR overrides the platform default.
func Dir() (string, error) {
	if v := os.Getenv("CARESYNC_CONFIG_DIR"); v != "" {
		if err := os.MkdirAll(v, 0755); err != nil {
			return "", fmt.Errorf("create config dir: %w", err)
		}
		return v, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("get user config dir: %w", err)
	}
	dir := filepath.Join(base, "caresync")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create config dir: %w", err)
	}
	return dir, nil
}

// Load reads the device config. A missing file is not an error; it returns
// an empty config.
func Load() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, configFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configFile, err)
	}
	return &cfg, nil
}

// Save writes the device config (0600, the file holds the API key). The
// write goes through a temp file and rename so a crash never leaves a
// half-written config.
func Save(cfg *Config) error {
	dir, err := Dir()
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, configFile+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, filepath.Join(dir, configFile))
}

// EnsureDeviceID returns the persisted device ID, generating and saving one
// on first run.
func EnsureDeviceID() (string, error) {
	cfg, err := Load()
	if err != nil {
		return "", err
	}
	if cfg.DeviceID != "" {
		return cfg.DeviceID, nil
	}
	cfg.DeviceID = uuid.NewString()
	if err := Save(cfg); err != nil {
		return "", err
	}
	return cfg.DeviceID, nil
}

// GetServerURL returns the care-record service URL.
// Priority: CARESYNC_SERVER_URL env > device.json.
func GetServerURL() string {
	if v := os.Getenv("CARESYNC_SERVER_URL"); v != "" {
		return v
	}
	cfg, err := Load()
	if err == nil && cfg.ServerURL != "" {
		return cfg.ServerURL
	}
	return ""
}

// GetAPIKey returns the API key.
// Priority: CARESYNC_API_KEY env > device.json.
func GetAPIKey() string {
	if v := os.Getenv("CARESYNC_API_KEY"); v != "" {
		return v
	}
	cfg, err := Load()
	if err == nil {
		return cfg.APIKey
	}
	return ""
}

// GetScopeID returns the caregiver scope this device is bound to.
// Priority: CARESYNC_SCOPE_ID env > device.json.
func GetScopeID() string {
	if v := os.Getenv("CARESYNC_SCOPE_ID"); v != "" {
		return v
	}
	cfg, err := Load()
	if err == nil {
		return cfg.ScopeID
	}
	return ""
}

// GetSyncDisabled reports whether syncing is administratively off.
// Priority: CARESYNC_SYNC_DISABLED env > device.json > false.
func GetSyncDisabled() bool {
	if v := parseBoolEnv("CARESYNC_SYNC_DISABLED"); v != nil {
		return *v
	}
	cfg, err := Load()
	if err == nil && cfg.SyncDisabled != nil {
		return *cfg.SyncDisabled
	}
	return false
}

// GetDrainInterval returns the periodic drain interval.
// Priority: CARESYNC_DRAIN_INTERVAL env > device.json > 5m.
func GetDrainInterval() time.Duration {
	return durationSetting("CARESYNC_DRAIN_INTERVAL", func(c *Config) string { return c.DrainInterval }, 5*time.Minute)
}

// GetProbeInterval returns the connectivity probe interval.
// Priority: CARESYNC_PROBE_INTERVAL env > device.json > 15s.
func GetProbeInterval() time.Duration {
	return durationSetting("CARESYNC_PROBE_INTERVAL", func(c *Config) string { return c.ProbeInterval }, 15*time.Second)
}

func durationSetting(envKey string, field func(*Config) string, fallback time.Duration) time.Duration {
	if v := os.Getenv(envKey); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	cfg, err := Load()
	if err == nil && field(cfg) != "" {
		if d, err := time.ParseDuration(field(cfg)); err == nil {
			return d
		}
	}
	return fallback
}

// parseBoolEnv returns nil if env not set, pointer to bool if set.
func parseBoolEnv(envKey string) *bool {
	v := strings.ToLower(os.Getenv(envKey))
	switch v {
	case "1", "true":
		b := true
		return &b
	case "0", "false":
		b := false
		return &b
	}
	return nil
}
