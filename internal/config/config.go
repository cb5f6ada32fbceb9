// Package config provides configuration management for the retention engine.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultWorkerPort is the default HTTP port for the worker service.
	DefaultWorkerPort = 37790

	// DefaultRedisChannel is the pub/sub channel for outbound events.
	DefaultRedisChannel = "retention:events"
)

// Config holds the application configuration.
type Config struct {
	// Worker settings
	WorkerPort int `json:"worker_port"`

	// Database settings
	DatabaseDSN string `json:"database_dsn"` // PostgreSQL DSN; empty selects SQLite at DBPath
	DBPath      string `json:"db_path"`
	MaxConns    int    `json:"max_conns"`

	// Recompute settings
	RecomputeInterval     time.Duration `json:"recompute_interval"`
	RecomputeInitialDelay time.Duration `json:"recompute_initial_delay"`
	RecomputeConcurrency  int           `json:"recompute_concurrency"`
	RecomputePageSize     int           `json:"recompute_page_size"`
	NeutralOnSourceError  bool          `json:"neutral_on_source_error"` // Score unreachable attribute sources as neutral
	ConflictRetries       int           `json:"conflict_retries"`

	// Maintenance settings
	MaintenanceEnabled  bool          `json:"maintenance_enabled"`
	MaintenanceInterval time.Duration `json:"maintenance_interval"`

	// Outcome catalog (YAML); empty uses the built-in catalog
	OutcomeCatalogPath string `json:"outcome_catalog_path"`

	// Read-side settings
	Timezone              string `json:"timezone"` // IANA name defining "today"; empty is the host zone
	BriefingIncreaseMin   int    `json:"briefing_increase_min"`
	BriefingStaleDays     int    `json:"briefing_stale_days"`
	BriefingPriorityCount int    `json:"briefing_priority_count"`
	QueueDepthMinCategory string `json:"queue_depth_min_category"`
	QueueDefaultLimit     int    `json:"queue_default_limit"`
	QueueMaxLimit         int    `json:"queue_max_limit"`

	// Dashboard origins allowed for CORS, matched exactly; empty allows none
	CORSOrigins []string `json:"cors_origins"`

	// Redis settings; empty address disables the redis sink, lease and task counts
	RedisAddr    string `json:"redis_addr"`
	RedisChannel string `json:"redis_channel"`
}

var (
	globalConfig *Config
	configOnce   sync.Once
	configMu     sync.RWMutex
)

// DataDir returns the data directory path (~/.retention).
// RETENTION_DATA_DIR overrides it.
func DataDir() string {
	if dir := os.Getenv("RETENTION_DATA_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".retention")
}

// DBPath returns the SQLite database file path.
func DBPath() string {
	return filepath.Join(DataDir(), "retention.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings creates a default settings file if it doesn't exist.
func EnsureSettings() error {
	path := SettingsPath()

	if _, err := os.Stat(path); err == nil {
		return nil
	}

	defaultSettings := `{
  "RETENTION_WORKER_PORT": 37790,
  "RETENTION_RECOMPUTE_INTERVAL": "24h",
  "RETENTION_RECOMPUTE_CONCURRENCY": 4,
  "RETENTION_BRIEFING_INCREASE_MIN": 10,
  "RETENTION_BRIEFING_STALE_DAYS": 14
}
`
	return os.WriteFile(path, []byte(defaultSettings), 0600)
}

// EnsureAll ensures all required directories and files exist.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	if err := EnsureSettings(); err != nil {
		return err
	}
	return nil
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		WorkerPort:            DefaultWorkerPort,
		DBPath:                DBPath(),
		MaxConns:              10,
		RecomputeInterval:     24 * time.Hour,
		RecomputeInitialDelay: 30 * time.Second,
		RecomputeConcurrency:  4,
		RecomputePageSize:     500,
		NeutralOnSourceError:  true,
		ConflictRetries:       3,
		MaintenanceEnabled:    true,
		MaintenanceInterval:   6 * time.Hour,
		BriefingIncreaseMin:   10,
		BriefingStaleDays:     14,
		BriefingPriorityCount: 5,
		QueueDepthMinCategory: "high",
		QueueDefaultLimit:     50,
		QueueMaxLimit:         500,
		RedisChannel:          DefaultRedisChannel,
	}
}

// Load loads configuration from the settings file, merging with defaults,
// then applies environment overrides.
func Load() (*Config, error) {
	return LoadFile(SettingsPath())
}

// LoadFile is Load with an explicit settings path.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	if err == nil {
		// Load settings into a map to preserve unknown fields
		var settings map[string]any
		if err := json.Unmarshal(data, &settings); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if err := apply(cfg, settings); err != nil {
			return nil, fmt.Errorf("settings %s: %w", path, err)
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// apply maps settings keys onto cfg. Out-of-range values are ignored.
func apply(cfg *Config, settings map[string]any) error {
	if v, ok := settings["RETENTION_WORKER_PORT"].(float64); ok && v > 0 {
		cfg.WorkerPort = int(v)
	}
	if v, ok := settings["RETENTION_DATABASE_DSN"].(string); ok {
		cfg.DatabaseDSN = v
	}
	if v, ok := settings["RETENTION_DB_PATH"].(string); ok && v != "" {
		cfg.DBPath = v
	}
	if v, ok := settings["RETENTION_MAX_CONNS"].(float64); ok && v > 0 {
		cfg.MaxConns = int(v)
	}

	// Recompute settings
	for key, dst := range map[string]*time.Duration{
		"RETENTION_RECOMPUTE_INTERVAL":      &cfg.RecomputeInterval,
		"RETENTION_RECOMPUTE_INITIAL_DELAY": &cfg.RecomputeInitialDelay,
		"RETENTION_MAINTENANCE_INTERVAL":    &cfg.MaintenanceInterval,
	} {
		v, ok := settings[key].(string)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		if d >= 0 {
			*dst = d
		}
	}
	if v, ok := settings["RETENTION_RECOMPUTE_CONCURRENCY"].(float64); ok && v > 0 {
		cfg.RecomputeConcurrency = int(v)
	}
	if v, ok := settings["RETENTION_RECOMPUTE_PAGE_SIZE"].(float64); ok && v > 0 {
		cfg.RecomputePageSize = int(v)
	}
	if v, ok := settings["RETENTION_NEUTRAL_ON_SOURCE_ERROR"].(bool); ok {
		cfg.NeutralOnSourceError = v
	}
	if v, ok := settings["RETENTION_CONFLICT_RETRIES"].(float64); ok && v > 0 {
		cfg.ConflictRetries = int(v)
	}
	if v, ok := settings["RETENTION_MAINTENANCE_ENABLED"].(bool); ok {
		cfg.MaintenanceEnabled = v
	}
	if v, ok := settings["RETENTION_OUTCOME_CATALOG"].(string); ok {
		cfg.OutcomeCatalogPath = v
	}

	// Read-side settings
	if v, ok := settings["RETENTION_TIMEZONE"].(string); ok {
		if _, err := time.LoadLocation(v); err != nil {
			return fmt.Errorf("RETENTION_TIMEZONE: %w", err)
		}
		cfg.Timezone = v
	}
	if v, ok := settings["RETENTION_BRIEFING_INCREASE_MIN"].(float64); ok && v > 0 {
		cfg.BriefingIncreaseMin = int(v)
	}
	if v, ok := settings["RETENTION_BRIEFING_STALE_DAYS"].(float64); ok && v > 0 {
		cfg.BriefingStaleDays = int(v)
	}
	if v, ok := settings["RETENTION_BRIEFING_PRIORITY_COUNT"].(float64); ok && v > 0 {
		cfg.BriefingPriorityCount = int(v)
	}
	if v, ok := settings["RETENTION_QUEUE_DEPTH_MIN_CATEGORY"].(string); ok && v != "" {
		cfg.QueueDepthMinCategory = v
	}
	if v, ok := settings["RETENTION_QUEUE_DEFAULT_LIMIT"].(float64); ok && v > 0 {
		cfg.QueueDefaultLimit = int(v)
	}
	if v, ok := settings["RETENTION_QUEUE_MAX_LIMIT"].(float64); ok && v > 0 {
		cfg.QueueMaxLimit = int(v)
	}

	switch v := settings["RETENTION_CORS_ORIGINS"].(type) {
	case string:
		cfg.CORSOrigins = splitOrigins(strings.Split(v, ","))
	case []any:
		raw := make([]string, 0, len(v))
		for _, o := range v {
			s, ok := o.(string)
			if !ok {
				return fmt.Errorf("RETENTION_CORS_ORIGINS: %v is not a string", o)
			}
			raw = append(raw, s)
		}
		cfg.CORSOrigins = splitOrigins(raw)
	}

	// Redis settings
	if v, ok := settings["RETENTION_REDIS_ADDR"].(string); ok {
		cfg.RedisAddr = v
	}
	if v, ok := settings["RETENTION_REDIS_CHANNEL"].(string); ok && v != "" {
		cfg.RedisChannel = v
	}
	return nil
}

// applyEnv applies the environment overrides that deployments set most often.
func applyEnv(cfg *Config) {
	if dsn := os.Getenv("RETENTION_DATABASE_DSN"); dsn != "" {
		cfg.DatabaseDSN = dsn
	}
	if addr := os.Getenv("RETENTION_REDIS_ADDR"); addr != "" {
		cfg.RedisAddr = addr
	}
	if origins, ok := os.LookupEnv("RETENTION_CORS_ORIGINS"); ok {
		cfg.CORSOrigins = splitOrigins(strings.Split(origins, ","))
	}
	if port := os.Getenv("RETENTION_WORKER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			cfg.WorkerPort = p
		}
	}
}

// splitOrigins trims entries and drops empty ones and trailing slashes.
func splitOrigins(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, o := range raw {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// Location returns the configured timezone, falling back to the host zone.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Get returns the global configuration, loading it if necessary.
func Get() *Config {
	configOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		configMu.Lock()
		globalConfig = cfg
		configMu.Unlock()
	})

	configMu.RLock()
	defer configMu.RUnlock()
	return globalConfig
}

// Reload re-reads the settings file and swaps the global configuration.
// On error the previous configuration stays in place.
func Reload() (*Config, error) {
	Get()
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	configMu.Lock()
	globalConfig = cfg
	configMu.Unlock()
	return cfg, nil
}

// GetWorkerPort returns the worker port from environment or config.
func GetWorkerPort() int {
	if port := os.Getenv("RETENTION_WORKER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			return p
		}
	}
	return Get().WorkerPort
}
