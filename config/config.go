// Package config provides configuration loading for the recipient cache daemon
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/c360/recipientcache/recipient"
)

// Storage modes
const (
	StorageMemory = "memory"
	StorageKV     = "kv"
	StoragePebble = "pebble"
)

// Config represents the complete daemon configuration
type Config struct {
	Version  string           `json:"version,omitempty"  yaml:"version,omitempty"`
	Platform PlatformConfig   `json:"platform"           yaml:"platform"`
	NATS     NATSConfig       `json:"nats"               yaml:"nats"`
	Storage  StorageConfig    `json:"storage"            yaml:"storage"`
	Cache    recipient.Config `json:"cache"              yaml:"cache"`
	Self     SelfConfig       `json:"self"               yaml:"self"`
	Resolver ResolverConfig   `json:"resolver"           yaml:"resolver"`
	Metrics  MetricsConfig    `json:"metrics"            yaml:"metrics"`
}

// PlatformConfig identifies the running instance
type PlatformConfig struct {
	ID          string `json:"id"                    yaml:"id"`
	Environment string `json:"environment,omitempty" yaml:"environment,omitempty"` // "prod", "dev", "test"
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string      `json:"urls,omitempty"           yaml:"urls,omitempty"`
	MaxReconnects int           `json:"max_reconnects,omitempty" yaml:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	Username      string        `json:"username,omitempty"       yaml:"username,omitempty"`
	Password      string        `json:"password,omitempty"       yaml:"password,omitempty"`
	Token         string        `json:"token,omitempty"          yaml:"token,omitempty"`
}

// StorageConfig selects the identity record store
type StorageConfig struct {
	Mode   string `json:"mode"             yaml:"mode"`             // memory, kv, pebble
	Bucket string `json:"bucket,omitempty" yaml:"bucket,omitempty"` // kv mode
	Path   string `json:"path,omitempty"   yaml:"path,omitempty"`   // pebble mode
}

// SelfConfig carries the local account identifiers used to bootstrap self resolution
type SelfConfig struct {
	AccountID string `json:"account_id,omitempty" yaml:"account_id,omitempty"`
	EncodedID string `json:"encoded_id,omitempty" yaml:"encoded_id,omitempty"`
	Phone     string `json:"phone,omitempty"      yaml:"phone,omitempty"`
}

// ResolverConfig configures the network resolver
type ResolverConfig struct {
	Enabled       bool          `json:"enabled"                  yaml:"enabled"`
	Serve         bool          `json:"serve,omitempty"          yaml:"serve,omitempty"` // answer directory requests from the local store
	SubjectPrefix string        `json:"subject_prefix,omitempty" yaml:"subject_prefix,omitempty"`
	Timeout       time.Duration `json:"timeout,omitempty"        yaml:"timeout,omitempty"`
	MaxAttempts   int           `json:"max_attempts,omitempty"   yaml:"max_attempts,omitempty"`
}

// MetricsConfig configures the metrics and debug HTTP server
type MetricsConfig struct {
	Enabled bool   `json:"enabled"        yaml:"enabled"`
	Port    int    `json:"port,omitempty" yaml:"port,omitempty"`
	Path    string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Validate checks if the config is valid
func (c *Config) Validate() error {
	if c.Platform.ID == "" {
		return errors.New("platform.id is required")
	}
	if !isValidSubjectPart(c.Platform.ID) {
		return fmt.Errorf("platform.id '%s' is not valid for NATS subjects", c.Platform.ID)
	}

	switch c.Storage.Mode {
	case StorageMemory:
	case StorageKV:
		if c.Storage.Bucket == "" {
			return errors.New("storage.bucket is required in kv mode")
		}
		if len(c.NATS.URLs) == 0 {
			return errors.New("nats.urls is required in kv mode")
		}
	case StoragePebble:
		if c.Storage.Path == "" {
			return errors.New("storage.path is required in pebble mode")
		}
	default:
		return fmt.Errorf("storage.mode %q must be one of memory, kv, pebble", c.Storage.Mode)
	}

	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache: %w", err)
	}

	if c.Resolver.Enabled || c.Resolver.Serve {
		if len(c.NATS.URLs) == 0 {
			return errors.New("nats.urls is required when the resolver is enabled")
		}
		if c.Resolver.SubjectPrefix == "" || !isValidSubjectPart(c.Resolver.SubjectPrefix) {
			return fmt.Errorf("resolver.subject_prefix %q is not a valid subject", c.Resolver.SubjectPrefix)
		}
		if c.Resolver.Timeout <= 0 {
			return errors.New("resolver.timeout must be positive")
		}
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics.port %d out of range", c.Metrics.Port)
	}
	return nil
}

// isValidSubjectPart checks if a string is valid for use in NATS subjects.
// Valid characters are alphanumeric, dots, dashes, and underscores.
func isValidSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}

// String returns the config as indented JSON with secrets masked
func (c *Config) String() string {
	masked := *c
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, err := json.MarshalIndent(masked, "", "  ")
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}

// Loader handles configuration loading with layers and overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		layers:    []string{},
		envPrefix: "RECIPIENTS",
	}
}

// AddLayer adds a configuration file layer. Later layers override earlier ones.
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables configuration validation
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// LoadFile loads configuration from a single file
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load loads and merges all configuration layers
func (l *Loader) Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", path, err)
		}
		merged, err := l.mergeFromMap(cfg, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to merge %s: %w", path, err)
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Defaults returns the default configuration
func Defaults() *Config {
	return &Config{
		Platform: PlatformConfig{
			ID:          "recipients",
			Environment: "dev",
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: 2 * time.Second,
		},
		Storage: StorageConfig{
			Mode:   StorageMemory,
			Bucket: "RECIPIENTS",
		},
		Cache: recipient.DefaultConfig(),
		Resolver: ResolverConfig{
			SubjectPrefix: "recipients.resolve",
			Timeout:       5 * time.Second,
			MaxAttempts:   3,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
	}
}

// loadRaw loads a JSON or YAML file as a generic map
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := checkJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, err
		}
	}
	if raw == nil {
		raw = map[string]any{}
	}

	if err := parseDurations(raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// mergeFromMap merges configuration from a raw map, only overriding fields present in the map
func (l *Loader) mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}

	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps recursively merges two maps, with override taking precedence
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}

	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// durationPaths lists the section/key pairs holding durations
var durationPaths = [][2]string{
	{"nats", "reconnect_wait"},
	{"cache", "resolve_timeout"},
	{"resolver", "timeout"},
}

// parseDurations converts duration strings to nanoseconds for json unmarshaling
func parseDurations(data map[string]any) error {
	for _, p := range durationPaths {
		section, ok := data[p[0]].(map[string]any)
		if !ok {
			continue
		}
		s, ok := section[p[1]].(string)
		if !ok {
			continue
		}
		d, err := parseDurationWithDays(s)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", p[0], p[1], err)
		}
		section[p[1]] = d.Nanoseconds()
	}
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if strings.HasSuffix(s, "d") {
		n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// applyEnvOverrides applies environment variable overrides
func (l *Loader) applyEnvOverrides(cfg *Config) error {
	env := func(name string) (string, error) {
		key := l.envPrefix + "_" + name
		val := os.Getenv(key)
		return val, checkEnvValue(key, val)
	}

	strs := []struct {
		name string
		dst  *string
	}{
		{"PLATFORM_ID", &cfg.Platform.ID},
		{"PLATFORM_ENVIRONMENT", &cfg.Platform.Environment},
		{"NATS_USERNAME", &cfg.NATS.Username},
		{"NATS_PASSWORD", &cfg.NATS.Password},
		{"NATS_TOKEN", &cfg.NATS.Token},
		{"STORAGE_MODE", &cfg.Storage.Mode},
		{"STORAGE_BUCKET", &cfg.Storage.Bucket},
		{"STORAGE_PATH", &cfg.Storage.Path},
		{"SELF_ACCOUNT_ID", &cfg.Self.AccountID},
		{"SELF_ENCODED_ID", &cfg.Self.EncodedID},
		{"SELF_PHONE", &cfg.Self.Phone},
	}
	for _, s := range strs {
		val, err := env(s.name)
		if err != nil {
			return err
		}
		if val != "" {
			*s.dst = val
		}
	}

	val, err := env("NATS_URLS")
	if err != nil {
		return err
	}
	if val != "" {
		cfg.NATS.URLs = strings.Split(val, ",")
	}

	val, err = env("METRICS_PORT")
	if err != nil {
		return err
	}
	if val != "" {
		port, err := strconv.Atoi(val)
		if err != nil {
			return fmt.Errorf("%s_METRICS_PORT: %w", l.envPrefix, err)
		}
		cfg.Metrics.Port = port
	}
	return nil
}
