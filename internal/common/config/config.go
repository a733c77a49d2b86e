// Package config provides configuration management for taskctl.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for taskctl.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Events    EventsConfig    `mapstructure:"events"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Worktree  WorktreeConfig  `mapstructure:"worktree"`
	Relay     RelayConfig     `mapstructure:"relay"`
	PRMonitor PRMonitorConfig `mapstructure:"prMonitor"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite or postgres
	Path     string `mapstructure:"path"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds optional NATS-backed Event Service transport configuration.
// An empty URL means the in-memory EventBus is used instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	// Namespace isolates queue-group subscribers across deployments/instances.
	Namespace string `mapstructure:"namespace"`
}

// DockerConfig holds Docker client configuration for the docker-backed executor variant.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	TLSVerify      bool   `mapstructure:"tlsVerify"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
	VolumeBasePath string `mapstructure:"volumeBasePath"`
}

// ExecutorConfig holds configuration for Executor Adapter resolution.
type ExecutorConfig struct {
	// ProfilesPath is the YAML file listing executor profiles.
	ProfilesPath string `mapstructure:"profilesPath"`
	// McpConfigPath is the default MCP tool-configuration file handed to
	// adapters that speak MCP (Claude Code, Codex).
	McpConfigPath string `mapstructure:"mcpConfigPath"`
	// OutputBufferBytes bounds the Command Runner's per-process ring buffer.
	OutputBufferBytes int `mapstructure:"outputBufferBytes"`
}

// WorktreeConfig holds Git worktree configuration for concurrent agent execution.
type WorktreeConfig struct {
	BasePath        string `mapstructure:"basePath"`        // base directory for worktrees
	DefaultBranch   string `mapstructure:"defaultBranch"`   // default base branch
	CleanupOnRemove bool   `mapstructure:"cleanupOnRemove"` // remove worktree directory on task deletion
}

// RelayConfig holds Relay Control Channel configuration.
type RelayConfig struct {
	// URL is the coordinator's relay WebSocket endpoint the local process dials.
	URL string `mapstructure:"url"`
	// StreamBufferSize is the per-stream bounded channel capacity (back-pressure).
	StreamBufferSize int `mapstructure:"streamBufferSize"`
	// SigningSecret authenticates the signing-session handshake.
	SigningSecret string `mapstructure:"signingSecret"`
	// TimestampDriftSeconds is the maximum allowed clock skew for a signed request.
	TimestampDriftSeconds int `mapstructure:"timestampDriftSeconds"`
	// SessionTTLSeconds bounds how long a signing session remains valid.
	SessionTTLSeconds int `mapstructure:"sessionTtlSeconds"`
}

// PRMonitorConfig holds PR Monitor polling configuration.
type PRMonitorConfig struct {
	PollIntervalSeconds int `mapstructure:"pollIntervalSeconds"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// PollInterval returns the PR Monitor poll interval as a time.Duration.
func (p *PRMonitorConfig) PollInterval() time.Duration {
	return time.Duration(p.PollIntervalSeconds) * time.Second
}

// TimestampDrift returns the allowed relay signature clock skew as a time.Duration.
func (r *RelayConfig) TimestampDrift() time.Duration {
	return time.Duration(r.TimestampDriftSeconds) * time.Second
}

// SessionTTL returns the relay signing-session lifetime as a time.Duration.
func (r *RelayConfig) SessionTTL() time.Duration {
	return time.Duration(r.SessionTTLSeconds) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKCTL_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./taskctl.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "taskctl")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "taskctl")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// Empty URL means use in-memory event bus.
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "taskctl-client")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("docker.enabled", false)
	v.SetDefault("docker.host", DefaultDockerHost())
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.tlsVerify", false)
	v.SetDefault("docker.defaultNetwork", "taskctl-network")
	v.SetDefault("docker.volumeBasePath", defaultDockerVolumePath())

	v.SetDefault("executor.profilesPath", "~/.config/taskctl/profiles.yaml")
	v.SetDefault("executor.mcpConfigPath", "~/.config/taskctl/mcp.json")
	v.SetDefault("executor.outputBufferBytes", 2*1024*1024)

	v.SetDefault("worktree.basePath", "~/.taskctl/worktrees")
	v.SetDefault("worktree.defaultBranch", "main")
	v.SetDefault("worktree.cleanupOnRemove", true)

	v.SetDefault("relay.url", "")
	v.SetDefault("relay.streamBufferSize", 64)
	v.SetDefault("relay.signingSecret", "")
	v.SetDefault("relay.timestampDriftSeconds", 30)
	v.SetDefault("relay.sessionTtlSeconds", 3600)

	v.SetDefault("prMonitor.pollIntervalSeconds", 60)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// DefaultDockerHost returns the platform-appropriate Docker socket path.
func DefaultDockerHost() string {
	if host := os.Getenv("DOCKER_HOST"); host != "" {
		return host
	}
	if runtime.GOOS == "windows" {
		return "npipe:////./pipe/docker_engine"
	}
	return "unix:///var/run/docker.sock"
}

// defaultDockerVolumePath returns the platform-appropriate volume base path.
func defaultDockerVolumePath() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			localAppData = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
		return filepath.Join(localAppData, "taskctl", "volumes")
	}
	return "/var/lib/taskctl/volumes"
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKCTL_ with snake_case naming.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKCTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("logging.level", "TASKCTL_LOG_LEVEL")
	_ = v.BindEnv("events.namespace", "TASKCTL_EVENTS_NAMESPACE")
	_ = v.BindEnv("nats.url", "NATS_URL")
	_ = v.BindEnv("relay.url", "TASKCTL_RELAY_URL")
	_ = v.BindEnv("relay.signingSecret", "TASKCTL_RELAY_SIGNING_SECRET")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/taskctl")
	v.AddConfigPath("/etc/taskctl/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Database.Driver == "postgres" {
		if cfg.Database.Port <= 0 || cfg.Database.Port > 65535 {
			errs = append(errs, "database.port must be between 1 and 65535")
		}
		if cfg.Database.User == "" {
			errs = append(errs, "database.user is required for postgres driver")
		}
		if cfg.Database.DBName == "" {
			errs = append(errs, "database.dbName is required for postgres driver")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.PRMonitor.PollIntervalSeconds <= 0 {
		errs = append(errs, "prMonitor.pollIntervalSeconds must be positive")
	}
	if cfg.Relay.StreamBufferSize <= 0 {
		errs = append(errs, "relay.streamBufferSize must be positive")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// Store guards a single live Config behind a read-write lock, supporting
// the single-writer hot-reload policy: readers never block each other,
// and a reload swaps the whole struct atomically.
type Store struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewStore wraps an initial Config in a Store.
func NewStore(cfg *Config) *Store {
	return &Store{cfg: cfg}
}

// Get returns the current configuration snapshot.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Reload atomically replaces the configuration with a freshly loaded one.
func (s *Store) Reload(configPath string) error {
	cfg, err := LoadWithPath(configPath)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	return nil
}
