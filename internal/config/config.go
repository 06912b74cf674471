package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os/user"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/your-org/checksync/internal/domain"
	"github.com/your-org/checksync/internal/middleware"
)

const (
	BackendFilesystem = "filesystem"
	BackendS3         = "s3"
	BackendReindexer  = "reindexer"

	appName = "checksync"
)

var (
	instance *Config
	mu       sync.RWMutex
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig        `mapstructure:"server"`
	Logging LoggingConfig       `mapstructure:"logging"`
	Sync    SyncConfig          `mapstructure:"sync"`
	Kinds   []domain.EntityKind `mapstructure:"kinds"`
	Remote  RemoteConfig        `mapstructure:"remote"`
	Journal JournalConfig       `mapstructure:"journal"`
	Events  EventsConfig        `mapstructure:"events"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr returns host:port
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig contains logger settings
type LoggingConfig struct {
	Level       string   `mapstructure:"level"`
	Development bool     `mapstructure:"development"`
	OutputPaths []string `mapstructure:"output_paths"`
}

// SyncConfig contains engine and scheduler settings
type SyncConfig struct {
	IntervalMinutes           int    `mapstructure:"interval_minutes"`
	AutoStart                 bool   `mapstructure:"auto_start"`
	LocalCacheFolder          string `mapstructure:"local_cache_folder"`
	RemoteBaseFolder          string `mapstructure:"remote_base_folder"`
	Attribution               string `mapstructure:"attribution"`
	Workers                   int    `mapstructure:"workers"`
	MaxConcurrentTransfers    int    `mapstructure:"max_concurrent_transfers"`
	TransactionTimeoutSeconds int    `mapstructure:"transaction_timeout_seconds"`
	MemoShards                int    `mapstructure:"memo_shards"`
	MemoTTLSeconds            int    `mapstructure:"memo_ttl_seconds"` // TTL in seconds
}

// TransactionTimeout returns the per-transaction deadline
func (s SyncConfig) TransactionTimeout() time.Duration {
	return time.Duration(s.TransactionTimeoutSeconds) * time.Second
}

// RemoteConfig selects and configures the remote store backend
type RemoteConfig struct {
	Backend    string           `mapstructure:"backend"`
	Filesystem FilesystemConfig `mapstructure:"filesystem"`
	S3         S3Config         `mapstructure:"s3"`
	Reindexer  ReindexerConfig  `mapstructure:"reindexer"`
}

// FilesystemConfig points at the mounted vault share
type FilesystemConfig struct {
	Root string `mapstructure:"root"`
}

// S3Config contains object storage settings
type S3Config struct {
	Bucket         string `mapstructure:"bucket"`
	Region         string `mapstructure:"region"`
	Endpoint       string `mapstructure:"endpoint"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
}

// ReindexerConfig contains Reindexer database configuration
type ReindexerConfig struct {
	DSN            string `mapstructure:"dsn"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// JournalConfig locates the sync journal; an empty path disables it
type JournalConfig struct {
	Path string `mapstructure:"path"`
}

// EventsConfig configures the optional AMQP event export
type EventsConfig struct {
	AMQPURL    string `mapstructure:"amqp_url"`
	Exchange   string `mapstructure:"exchange"`
	RoutingKey string `mapstructure:"routing_key"`
}

// DefaultKinds are the two checklist families of the workstation tool
func DefaultKinds() []domain.EntityKind {
	return []domain.EntityKind{
		{Name: "acp", Prefix: "ACP", Folder: "ACP"},
		{Name: "ec", Prefix: "EC", Folder: "EC"},
	}
}

// DefaultCacheFolder is the per-user data directory of the engine
func DefaultCacheFolder() string {
	return filepath.Join(xdg.DataHome, appName)
}

// Get returns the loaded configuration, or nil before Load
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return instance
}

// LoadDotEnv loads variables from .env files; missing files are ignored
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to load %s: %w", path, err)
		}
	}
	return nil
}

// Load initializes and loads configuration from file and environment variables
func Load(configPath string) error {
	mu.Lock()
	defer mu.Unlock()
	return load(configPath)
}

// Reload reloads the configuration (thread-safe)
func Reload(configPath string) error {
	mu.Lock()
	defer mu.Unlock()

	instance = nil
	return load(configPath)
}

func load(configPath string) error {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnvVars(v)

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return fmt.Errorf("failed to unmarshal config: %w", err)
	}
	applyDerivedDefaults(cfg, v)

	if err := validate(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	instance = cfg
	return nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8765)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.output_paths", []string{"stderr"})

	// Sync defaults
	v.SetDefault("sync.interval_minutes", 4)
	v.SetDefault("sync.auto_start", true)
	v.SetDefault("sync.local_cache_folder", DefaultCacheFolder())
	v.SetDefault("sync.remote_base_folder", "$/Engineering/Inventor_Standards/Automation_Standard")
	v.SetDefault("sync.attribution", "")
	v.SetDefault("sync.workers", 1)
	v.SetDefault("sync.max_concurrent_transfers", 2)
	v.SetDefault("sync.transaction_timeout_seconds", 120)
	v.SetDefault("sync.memo_shards", 16)
	v.SetDefault("sync.memo_ttl_seconds", 900)

	// Remote defaults
	v.SetDefault("remote.backend", BackendFilesystem)
	v.SetDefault("remote.filesystem.root", "")
	v.SetDefault("remote.s3.region", "us-east-1")
	v.SetDefault("remote.s3.force_path_style", false)
	v.SetDefault("remote.reindexer.dsn", "cproto://localhost:6534/checksync")
	v.SetDefault("remote.reindexer.max_connections", 4)

	// Events defaults
	v.SetDefault("events.amqp_url", "")
	v.SetDefault("events.exchange", "checksync.events")
	v.SetDefault("events.routing_key", "sync")
}

// bindEnvVars binds environment variables to viper keys
func bindEnvVars(v *viper.Viper) {
	// Server
	v.BindEnv("server.host", "APP_SERVER_HOST")
	v.BindEnv("server.port", "APP_SERVER_PORT")

	// Logging
	v.BindEnv("logging.level", "APP_LOGGING_LEVEL")
	v.BindEnv("logging.development", "APP_LOGGING_DEVELOPMENT")

	// Sync
	v.BindEnv("sync.interval_minutes", "APP_SYNC_INTERVAL_MINUTES")
	v.BindEnv("sync.auto_start", "APP_SYNC_AUTO_START")
	v.BindEnv("sync.local_cache_folder", "APP_SYNC_LOCAL_CACHE_FOLDER")
	v.BindEnv("sync.remote_base_folder", "APP_SYNC_REMOTE_BASE_FOLDER")
	v.BindEnv("sync.attribution", "APP_SYNC_ATTRIBUTION")
	v.BindEnv("sync.workers", "APP_SYNC_WORKERS")

	// Remote
	v.BindEnv("remote.backend", "APP_REMOTE_BACKEND")
	v.BindEnv("remote.filesystem.root", "APP_REMOTE_FILESYSTEM_ROOT")
	v.BindEnv("remote.s3.bucket", "APP_REMOTE_S3_BUCKET")
	v.BindEnv("remote.s3.region", "APP_REMOTE_S3_REGION")
	v.BindEnv("remote.s3.endpoint", "APP_REMOTE_S3_ENDPOINT")
	v.BindEnv("remote.reindexer.dsn", "APP_REMOTE_REINDEXER_DSN")

	// Journal and events
	v.BindEnv("journal.path", "APP_JOURNAL_PATH")
	v.BindEnv("events.amqp_url", "APP_EVENTS_AMQP_URL")
}

// applyDerivedDefaults fills values that depend on other keys
func applyDerivedDefaults(cfg *Config, v *viper.Viper) {
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = DefaultKinds()
	}
	if !v.IsSet("journal.path") && cfg.Sync.LocalCacheFolder != "" {
		cfg.Journal.Path = filepath.Join(cfg.Sync.LocalCacheFolder, "journal.db")
	}
}

// validate performs validation on the configuration
func validate(cfg *Config) error {
	// Validate Server
	if cfg.Server.Host == "" {
		return fmt.Errorf("server.host is required")
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	// Validate Sync
	if cfg.Sync.IntervalMinutes < 1 {
		return fmt.Errorf("sync.interval_minutes must be at least 1")
	}
	if cfg.Sync.LocalCacheFolder == "" {
		return fmt.Errorf("sync.local_cache_folder is required")
	}
	if cfg.Sync.RemoteBaseFolder == "" {
		return fmt.Errorf("sync.remote_base_folder is required")
	}
	if cfg.Sync.Workers < 1 {
		return fmt.Errorf("sync.workers must be at least 1")
	}
	if cfg.Sync.MaxConcurrentTransfers < 1 {
		return fmt.Errorf("sync.max_concurrent_transfers must be at least 1")
	}
	if cfg.Sync.TransactionTimeoutSeconds < 1 {
		return fmt.Errorf("sync.transaction_timeout_seconds must be at least 1")
	}
	if cfg.Sync.MemoShards < 1 {
		return fmt.Errorf("sync.memo_shards must be at least 1")
	}
	if cfg.Sync.MemoTTLSeconds < 0 {
		return fmt.Errorf("sync.memo_ttl_seconds must be non-negative")
	}

	// Validate Kinds
	names := make(map[string]bool, len(cfg.Kinds))
	folders := make(map[string]bool, len(cfg.Kinds))
	for i, k := range cfg.Kinds {
		if k.Name == "" || k.Prefix == "" || k.Folder == "" {
			return fmt.Errorf("kinds[%d]: name, prefix and folder are required", i)
		}
		if strings.ContainsAny(k.Name, `/\:`) {
			return fmt.Errorf("kinds[%d]: name %q must be a single path segment", i, k.Name)
		}
		if names[k.Name] {
			return fmt.Errorf("kinds[%d]: duplicate kind %q", i, k.Name)
		}
		if folders[k.Folder] {
			return fmt.Errorf("kinds[%d]: folder %q is shared with another kind", i, k.Folder)
		}
		names[k.Name] = true
		folders[k.Folder] = true
	}

	// Validate Remote
	switch cfg.Remote.Backend {
	case BackendFilesystem:
		if cfg.Remote.Filesystem.Root == "" {
			return fmt.Errorf("remote.filesystem.root is required for the filesystem backend")
		}
	case BackendS3:
		if cfg.Remote.S3.Bucket == "" {
			return fmt.Errorf("remote.s3.bucket is required for the s3 backend")
		}
	case BackendReindexer:
		if cfg.Remote.Reindexer.DSN == "" {
			return fmt.Errorf("remote.reindexer.dsn is required for the reindexer backend")
		}
		if cfg.Remote.Reindexer.MaxConnections < 1 {
			return fmt.Errorf("remote.reindexer.max_connections must be at least 1")
		}
	default:
		return fmt.Errorf("remote.backend %q is not one of %s, %s, %s",
			cfg.Remote.Backend, BackendFilesystem, BackendS3, BackendReindexer)
	}

	// Validate Events
	if cfg.Events.AMQPURL != "" && cfg.Events.Exchange == "" {
		return fmt.Errorf("events.exchange is required when events.amqp_url is set")
	}

	return nil
}

// Kind returns the configured kind with the given name
func (c *Config) Kind(name string) (domain.EntityKind, error) {
	for _, k := range c.Kinds {
		if k.Name == name {
			return k, nil
		}
	}
	return domain.EntityKind{}, fmt.Errorf("%w: %s", domain.ErrUnknownKind, name)
}

// AttributionResolver returns the user edits are attributed to:
// the request's X-User header, then sync.attribution, then the OS user.
func AttributionResolver(static string) func(ctx context.Context) string {
	fallback := strings.TrimSpace(static)
	if fallback == "" {
		fallback = osUser()
	}
	return func(ctx context.Context) string {
		if u := middleware.GetUser(ctx); u != "" {
			return u
		}
		return fallback
	}
}

func osUser() string {
	u, err := user.Current()
	if err != nil || u.Username == "" {
		return "Unknown"
	}
	name := u.Username
	// DOMAIN\user on Windows
	if i := strings.LastIndex(name, `\`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" {
		return "Unknown"
	}
	return name
}
