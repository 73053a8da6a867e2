package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Web           WebConfig           `toml:"web"`
	Queue         QueueConfig         `toml:"queue"`
	Reaper        ReaperConfig        `toml:"reaper"`
	Inbox         InboxConfig         `toml:"inbox"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	DatabasePath string `toml:"database_path"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// QueueConfig holds ingest defaults and packet hints
type QueueConfig struct {
	DefaultPriority    int `toml:"default_priority"`
	DefaultMaxAttempts int `toml:"default_max_attempts"`
	TimeoutSeconds     int `toml:"timeout_seconds"`
}

// ReaperConfig controls how abandoned claims are released
type ReaperConfig struct {
	Enabled  bool   `toml:"enabled"`
	Cron     string `toml:"cron"`
	ClaimTTL string `toml:"claim_ttl"`
}

// InboxConfig controls the watched bundle directory
type InboxConfig struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			DatabasePath: filepath.Join(home, ".taskq", "queue.db"),
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		Queue: QueueConfig{
			DefaultPriority:    50,
			DefaultMaxAttempts: 3,
			TimeoutSeconds:     300,
		},
		Reaper: ReaperConfig{
			Enabled:  true,
			Cron:     "@every 1m",
			ClaimTTL: "30m",
		},
		Inbox: InboxConfig{
			Enabled: false,
			Dir:     filepath.Join(home, ".taskq", "inbox"),
		},
		Notifications: NotificationsConfig{
			Desktop: false,
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)
	cfg.Inbox.Dir = ExpandPath(cfg.Inbox.Dir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks value ranges
func (c *Config) Validate() error {
	var errs []error
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		errs = append(errs, fmt.Errorf("web.port %d out of range", c.Web.Port))
	}
	if c.Queue.DefaultPriority < 0 || c.Queue.DefaultPriority > 1000 {
		errs = append(errs, errors.New("queue.default_priority must be between 0 and 1000"))
	}
	if c.Queue.DefaultMaxAttempts < 1 || c.Queue.DefaultMaxAttempts > 10 {
		errs = append(errs, errors.New("queue.default_max_attempts must be between 1 and 10"))
	}
	if c.Queue.TimeoutSeconds < 0 {
		errs = append(errs, errors.New("queue.timeout_seconds must not be negative"))
	}
	if _, err := c.Reaper.TTL(); err != nil {
		errs = append(errs, err)
	}
	if c.Inbox.Enabled && c.Inbox.Dir == "" {
		errs = append(errs, errors.New("inbox.dir is required when the inbox is enabled"))
	}
	return errors.Join(errs...)
}

// TTL parses the claim time-to-live
func (r ReaperConfig) TTL() (time.Duration, error) {
	d, err := time.ParseDuration(r.ClaimTTL)
	if err != nil {
		return 0, fmt.Errorf("reaper.claim_ttl: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("reaper.claim_ttl must be positive, got %s", r.ClaimTTL)
	}
	return d, nil
}

// Addr returns host:port for the HTTP listener
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// Save writes the configuration as TOML, creating parent directories
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LocalConfigName is the per-project config file searched for upward from
// the working directory
const LocalConfigName = ".taskq.toml"

// FindLocalConfig returns the nearest LocalConfigName in the working
// directory or one of its parents, or "" when there is none.
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads path when given, else the nearest local
// config, else the user's default config file.
func LoadWithLocalFallback(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "taskq", "config.toml")
}
