// Package config provides configuration loading and validation for the state exporter.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stacklok/toolhive-state-exporter/internal/record"
	"github.com/stacklok/toolhive-state-exporter/internal/telemetry"
)

// Remote store types
const (
	// RemoteTypePostgres talks to PostgreSQL directly
	RemoteTypePostgres = "postgres"

	// RemoteTypePostgREST talks to a Supabase/PostgREST REST endpoint
	RemoteTypePostgREST = "postgrest"

	// RemoteTypeSQLite writes to a local SQLite file
	RemoteTypeSQLite = "sqlite"

	// RemoteTypeMongo writes to a MongoDB database
	RemoteTypeMongo = "mongo"

	// RemoteTypeMemory keeps everything in process memory
	RemoteTypeMemory = "memory"
)

// State source types
const (
	// SourceTypeHomeAssistant reads live states from a Home Assistant REST API
	SourceTypeHomeAssistant = "homeassistant"

	// SourceTypeFile reads states from a YAML or JSON file
	SourceTypeFile = "file"

	// SourceTypeStatic serves states declared inline in the configuration
	SourceTypeStatic = "static"
)

const (
	// MinSyncInterval is the shortest allowed polling interval
	MinSyncInterval = 30 * time.Second

	// MaxSyncInterval is the longest allowed polling interval
	MaxSyncInterval = 86400 * time.Second

	// DefaultSyncInterval is used when syncPolicy.interval is not set
	DefaultSyncInterval = 30 * time.Second

	// DefaultCycleTimeout bounds a single refresh cycle
	DefaultCycleTimeout = 20 * time.Second

	// DefaultStaleAfterFailures is the number of consecutive failures after
	// which an exporter is reported stale
	DefaultStaleAfterFailures = 3

	// EnvPrefix prefixes every environment variable read by the exporter
	EnvPrefix = "THV_EXPORTER"

	// credentialEnvPrefix prefixes per-exporter credential environment variables
	credentialEnvPrefix = EnvPrefix + "_"
)

var (
	// ErrIntervalOutOfRange is returned for a sync interval outside [30s, 86400s]
	ErrIntervalOutOfRange = errors.New("sync interval out of range")

	// ErrAlreadyConfigured is returned when two exporters target the same remote URL
	ErrAlreadyConfigured = errors.New("already configured")

	// ErrNoCredential is returned when no credential is configured
	ErrNoCredential = errors.New("no credential configured")

	namePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)
	envUnsafe   = regexp.MustCompile(`[^A-Z0-9]+`)
)

// Option defines the interface for configuration options
type Option func(*loaderConfig) error

// loaderConfig defines the configuration for loading a configuration
type loaderConfig struct {
	path string
}

// WithConfigPath loads configuration from a YAML file
func WithConfigPath(path string) Option {
	return func(cfg *loaderConfig) error {
		if path == "" {
			return fmt.Errorf("path is required")
		}

		// Resolve symlinks. This calls filepath.Clean internally.
		realPath, err := filepath.EvalSymlinks(path)
		if err != nil {
			return fmt.Errorf("failed to evaluate symlinks: %w", err)
		}

		if !filepath.IsAbs(realPath) {
			if !filepath.IsLocal(realPath) {
				return fmt.Errorf("path is not local or contains invalid traversal: %s", path)
			}
		}

		cfg.path = realPath
		return nil
	}
}

// Config represents the root configuration structure
type Config struct {
	Exporters []ExporterConfig  `yaml:"exporters"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// ExporterConfig defines one exporter: a remote target, a state source and
// the items tracked between them
type ExporterConfig struct {
	// Name is the identifier for this exporter
	Name string `yaml:"name"`

	Remote RemoteConfig `yaml:"remote"`
	Source SourceConfig `yaml:"source"`

	SyncPolicy *SyncPolicyConfig `yaml:"syncPolicy,omitempty"`

	// Items is the ordered list of tracked item identifiers
	Items []string `yaml:"items,omitempty"`

	// BaselinePageSize pages the one-time baseline load. Zero loads the
	// whole item table in one select.
	BaselinePageSize int `yaml:"baselinePageSize,omitempty"`

	// StaleAfterFailures is the number of consecutive failed cycles after
	// which the exporter is reported stale. Defaults to 3.
	StaleAfterFailures int `yaml:"staleAfterFailures,omitempty"`
}

// RemoteConfig defines the remote store an exporter writes to
type RemoteConfig struct {
	// Type selects the backend (postgres, postgrest, sqlite, mongo, memory)
	Type string `yaml:"type"`

	// URL is the remote endpoint: a connection string, REST base URL or file path
	URL string `yaml:"url"`

	// APIKeyFile is the path to a file containing the remote credential
	APIKeyFile string `yaml:"apiKeyFile,omitempty"`

	// APIKey is an inline credential. Prefer APIKeyFile or the environment.
	APIKey string `yaml:"apiKey,omitempty"`

	// Database names the MongoDB database. Ignored by other backends.
	Database string `yaml:"database,omitempty"`

	Tables *TablesConfig `yaml:"tables,omitempty"`

	// MaxConns caps the PostgreSQL connection pool
	MaxConns int32 `yaml:"maxConns,omitempty"`

	// ConnMaxLifetime is the maximum lifetime of a pooled connection (e.g., "30m")
	ConnMaxLifetime string `yaml:"connMaxLifetime,omitempty"`

	// envName is the exporter name used to look up credential variables
	envName string
}

// TablesConfig overrides the remote table names
type TablesConfig struct {
	Metadata string `yaml:"metadata,omitempty"`
	Items    string `yaml:"items,omitempty"`
}

// SourceConfig defines where current item states are read from
type SourceConfig struct {
	// Type selects the source (homeassistant, file, static)
	Type string `yaml:"type"`

	// URL is the Home Assistant base URL
	URL string `yaml:"url,omitempty"`

	// TokenFile is the path to a file holding the Home Assistant access token
	TokenFile string `yaml:"tokenFile,omitempty"`

	// Token is an inline access token
	Token string `yaml:"token,omitempty"`

	// Path is the states file for the file source
	Path string `yaml:"path,omitempty"`

	// States are the inline states served by the static source
	States map[string]StaticState `yaml:"states,omitempty"`

	envName string
}

// StaticState is one inline state for the static source
type StaticState struct {
	State       string         `yaml:"state"`
	Attributes  map[string]any `yaml:"attributes,omitempty"`
	LastChanged string         `yaml:"lastChanged"`
}

// SyncPolicyConfig defines synchronization settings
type SyncPolicyConfig struct {
	// Interval between refresh cycles, within [30s, 86400s]. Defaults to 30s.
	Interval string `yaml:"interval,omitempty"`

	// Timeout bounds a single refresh cycle. Defaults to 20s.
	Timeout string `yaml:"timeout,omitempty"`
}

// LoadConfig loads and parses configuration from a YAML file
func LoadConfig(opts ...Option) (*Config, error) {
	loaderCfg := &loaderConfig{}
	for _, opt := range opts {
		if err := opt(loaderCfg); err != nil {
			return nil, err
		}
	}

	if loaderCfg.path == "" {
		return nil, fmt.Errorf("path is required")
	}

	data, err := os.ReadFile(loaderCfg.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses and validates configuration from YAML bytes
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	for i := range config.Exporters {
		config.Exporters[i].bindNames()
	}

	return &config, nil
}

// Exporter returns the exporter configuration with the given name
func (c *Config) Exporter(name string) (*ExporterConfig, bool) {
	for i := range c.Exporters {
		if c.Exporters[i].Name == name {
			return &c.Exporters[i], true
		}
	}
	return nil, false
}

func (c *Config) validate() error {
	if c == nil {
		return fmt.Errorf("config cannot be nil")
	}

	if len(c.Exporters) == 0 {
		return fmt.Errorf("at least one exporter must be configured")
	}

	names := make(map[string]bool)
	urls := make(map[string]string)
	for i := range c.Exporters {
		exp := &c.Exporters[i]
		if exp.Name == "" {
			return fmt.Errorf("exporter[%d]: name is required", i)
		}
		if !namePattern.MatchString(exp.Name) {
			return fmt.Errorf("exporter[%d]: name '%s' may only contain letters, digits, '-' and '_'", i, exp.Name)
		}
		if names[exp.Name] {
			return fmt.Errorf("exporter[%d]: duplicate exporter name '%s'", i, exp.Name)
		}
		names[exp.Name] = true

		if err := exp.Validate(); err != nil {
			return fmt.Errorf("exporter[%d] (%s): %w", i, exp.Name, err)
		}

		key := normalizeURL(exp.Remote.URL)
		if other, ok := urls[key]; ok {
			return fmt.Errorf("exporter[%d] (%s): remote url is used by exporter '%s': %w",
				i, exp.Name, other, ErrAlreadyConfigured)
		}
		urls[key] = exp.Name
	}

	return telemetryValidate(c.Telemetry)
}

func telemetryValidate(t *telemetry.Config) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	return nil
}

// Validate checks a single exporter configuration
func (e *ExporterConfig) Validate() error {
	if err := e.Remote.validate(); err != nil {
		return err
	}
	if err := e.Source.validate(); err != nil {
		return err
	}
	if err := ValidateOptions(e.SyncPolicy, e.Items); err != nil {
		return err
	}
	if e.BaselinePageSize < 0 {
		return fmt.Errorf("baselinePageSize must not be negative")
	}
	if e.StaleAfterFailures < 0 {
		return fmt.Errorf("staleAfterFailures must not be negative")
	}
	return nil
}

// ValidateOptions range-checks the adjustable options of an exporter: the
// sync policy and the tracked item list. It does not touch the network.
func ValidateOptions(policy *SyncPolicyConfig, items []string) error {
	interval := DefaultSyncInterval
	if policy != nil && policy.Interval != "" {
		d, err := time.ParseDuration(policy.Interval)
		if err != nil {
			return fmt.Errorf("syncPolicy.interval must be a valid duration (e.g., '30s', '5m'): %w", err)
		}
		interval = d
	}
	if err := ValidateInterval(interval); err != nil {
		return fmt.Errorf("syncPolicy.interval: %w", err)
	}

	if policy != nil && policy.Timeout != "" {
		d, err := time.ParseDuration(policy.Timeout)
		if err != nil {
			return fmt.Errorf("syncPolicy.timeout must be a valid duration (e.g., '20s'): %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("syncPolicy.timeout must be positive")
		}
		if d > interval {
			return fmt.Errorf("syncPolicy.timeout (%s) must not exceed the interval (%s)", d, interval)
		}
	}

	for i, item := range items {
		if strings.TrimSpace(item) == "" {
			return fmt.Errorf("items[%d]: item id must not be empty", i)
		}
	}
	return nil
}

// ValidateInterval checks that d lies within [MinSyncInterval, MaxSyncInterval]
func ValidateInterval(d time.Duration) error {
	if d < MinSyncInterval || d > MaxSyncInterval {
		return fmt.Errorf("%w: %s is not within [%s, %s]", ErrIntervalOutOfRange, d, MinSyncInterval, MaxSyncInterval)
	}
	return nil
}

func (r *RemoteConfig) validate() error {
	switch r.Type {
	case RemoteTypePostgres, RemoteTypePostgREST, RemoteTypeSQLite, RemoteTypeMongo, RemoteTypeMemory:
	case "":
		return fmt.Errorf("remote.type is required")
	default:
		return fmt.Errorf("remote.type '%s' is not supported", r.Type)
	}

	if r.URL == "" {
		return fmt.Errorf("remote.url is required")
	}

	switch r.Type {
	case RemoteTypePostgREST:
		u, err := url.Parse(r.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("remote.url must be an http(s) URL for postgrest")
		}
	case RemoteTypeMongo:
		if r.Database == "" {
			return fmt.Errorf("remote.database is required for mongo")
		}
	}

	if r.ConnMaxLifetime != "" {
		if _, err := time.ParseDuration(r.ConnMaxLifetime); err != nil {
			return fmt.Errorf("remote.connMaxLifetime must be a valid duration: %w", err)
		}
	}
	return nil
}

func (s *SourceConfig) validate() error {
	switch s.Type {
	case SourceTypeHomeAssistant:
		if s.URL == "" {
			return fmt.Errorf("source.url is required for homeassistant")
		}
		if _, err := url.Parse(s.URL); err != nil {
			return fmt.Errorf("source.url is invalid: %w", err)
		}
	case SourceTypeFile:
		if s.Path == "" {
			return fmt.Errorf("source.path is required for file")
		}
	case SourceTypeStatic:
		for id, st := range s.States {
			if st.LastChanged == "" {
				continue
			}
			if _, err := record.ParseTimestamp(st.LastChanged); err != nil {
				return fmt.Errorf("source.states[%s].lastChanged: %w", id, err)
			}
		}
	case "":
		return fmt.Errorf("source.type is required")
	default:
		return fmt.Errorf("source.type '%s' is not supported", s.Type)
	}
	return nil
}

func (e *ExporterConfig) bindNames() {
	e.Remote.envName = e.Name
	e.Source.envName = e.Name
}

// GetSyncInterval returns the configured interval or the default
func (e *ExporterConfig) GetSyncInterval() time.Duration {
	if e.SyncPolicy != nil && e.SyncPolicy.Interval != "" {
		if d, err := time.ParseDuration(e.SyncPolicy.Interval); err == nil {
			return d
		}
	}
	return DefaultSyncInterval
}

// GetCycleTimeout returns the configured per-cycle timeout or the default
func (e *ExporterConfig) GetCycleTimeout() time.Duration {
	if e.SyncPolicy != nil && e.SyncPolicy.Timeout != "" {
		if d, err := time.ParseDuration(e.SyncPolicy.Timeout); err == nil && d > 0 {
			return d
		}
	}
	return DefaultCycleTimeout
}

// GetStaleAfterFailures returns the stale threshold or the default
func (e *ExporterConfig) GetStaleAfterFailures() int {
	if e.StaleAfterFailures > 0 {
		return e.StaleAfterFailures
	}
	return DefaultStaleAfterFailures
}

// Equal reports whether two exporter configurations are identical. It is
// used to decide whether a reload must rebuild an exporter.
func (e *ExporterConfig) Equal(other *ExporterConfig) bool {
	if e == nil || other == nil {
		return e == other
	}
	a, errA := yaml.Marshal(e)
	b, errB := yaml.Marshal(other)
	return errA == nil && errB == nil && string(a) == string(b)
}

// GetTables returns the configured table names; empty names mean defaults
func (r *RemoteConfig) GetTables() TablesConfig {
	if r.Tables == nil {
		return TablesConfig{}
	}
	return *r.Tables
}

// GetAPIKey returns the remote credential using the following priority:
// 1. Read from APIKeyFile if specified
// 2. Read from the THV_EXPORTER_<NAME>_API_KEY environment variable
// 3. The inline APIKey
//
// The credential from file will have leading/trailing whitespace trimmed.
func (r *RemoteConfig) GetAPIKey() (string, error) {
	return resolveCredential(r.APIKeyFile, credentialEnvVar(r.envName, "API_KEY"), r.APIKey)
}

// GetToken returns the Home Assistant token with the same priority as
// GetAPIKey, reading THV_EXPORTER_<NAME>_SOURCE_TOKEN from the environment.
func (s *SourceConfig) GetToken() (string, error) {
	return resolveCredential(s.TokenFile, credentialEnvVar(s.envName, "SOURCE_TOKEN"), s.Token)
}

// WithExporterName binds credential lookups to an exporter name. Configs
// produced by LoadConfig are already bound.
func (r RemoteConfig) WithExporterName(name string) RemoteConfig {
	r.envName = name
	return r
}

func resolveCredential(file, envVar, inline string) (string, error) {
	if file != "" {
		cleanPath := filepath.Clean(file)
		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return "", fmt.Errorf("failed to read credential from file %s: %w", file, err)
		}
		return strings.TrimSpace(string(data)), nil
	}

	if envVar != "" {
		if v := os.Getenv(envVar); v != "" {
			return v, nil
		}
	}

	if inline != "" {
		return inline, nil
	}

	return "", ErrNoCredential
}

// credentialEnvVar builds THV_EXPORTER_<NAME>_<SUFFIX>
func credentialEnvVar(name, suffix string) string {
	if name == "" {
		return ""
	}
	upper := envUnsafe.ReplaceAllString(strings.ToUpper(name), "_")
	return credentialEnvPrefix + strings.Trim(upper, "_") + "_" + suffix
}

// normalizeURL makes remote URLs comparable for the uniqueness check
func normalizeURL(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.TrimSpace(raw), "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.User = nil
	u.Path = strings.TrimRight(u.Path, "/")
	return u.String()
}

// DisplayURL returns the remote URL with any password removed. It identifies
// the remote target in logs, metadata and sensor ids.
func (r *RemoteConfig) DisplayURL() string {
	u, err := url.Parse(r.URL)
	if err != nil || u.User == nil {
		return r.URL
	}
	u.User = url.User(u.User.Username())
	return u.String()
}
