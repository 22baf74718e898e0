package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"agrichat/internal/domain"
)

// Config is the root configuration for agrichat.
type Config struct {
	General GeneralConfig `yaml:"general"`
	API     APIConfig     `yaml:"api"`
	Auth    AuthConfig    `yaml:"auth"`
	Chat    ChatConfig    `yaml:"chat"`
	Cache   CacheConfig   `yaml:"cache"`
	Media   MediaConfig   `yaml:"media"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `yaml:"logLevel"`
	DataDir  string `yaml:"dataDir"`
}

// APIConfig holds the externally configured backend endpoints. The core
// treats both as opaque base URLs.
type APIConfig struct {
	BaseURL string `yaml:"baseUrl"`
	WSURL   string `yaml:"wsUrl"`
}

type AuthConfig struct {
	Role    string `yaml:"role"` // "user" | "agent"
	UserID  string `yaml:"userId"`
	AgentID string `yaml:"agentId"`
	Token   string `yaml:"token"`
}

type ChatConfig struct {
	IdleTimeoutSeconds  int `yaml:"idleTimeoutSeconds"`  // agent-connection eviction
	PingIntervalSeconds int `yaml:"pingIntervalSeconds"` // user-connection keep-alive
}

func (c ChatConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}

func (c ChatConfig) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalSeconds) * time.Second
}

type CacheConfig struct {
	DBPath string `yaml:"dbPath"`
}

type MediaConfig struct {
	Dir string `yaml:"dir"`
}

type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listenAddr"`
}

// Role returns the configured role as a domain type.
func (c *Config) Role() domain.Role {
	return domain.Role(c.Auth.Role)
}

// DefaultConfigDir returns the default config directory (~/.agrichat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agrichat"
	}
	return filepath.Join(home, ".agrichat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.Cache.DBPath = ExpandPath(cfg.Cache.DBPath)
	cfg.Media.Dir = ExpandPath(cfg.Media.Dir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if !domain.Role(cfg.Auth.Role).Valid() {
		errs = append(errs, "auth.role must be one of: user, agent")
	}
	if cfg.Chat.IdleTimeoutSeconds < 1 {
		errs = append(errs, "chat.idleTimeoutSeconds must be >= 1")
	}
	if cfg.Chat.PingIntervalSeconds < 1 {
		errs = append(errs, "chat.pingIntervalSeconds must be >= 1")
	}
	if cfg.API.BaseURL == "" {
		errs = append(errs, "api.baseUrl must be set")
	}
	if cfg.API.WSURL == "" {
		errs = append(errs, "api.wsUrl must be set")
	} else if !strings.HasPrefix(cfg.API.WSURL, "ws://") && !strings.HasPrefix(cfg.API.WSURL, "wss://") {
		errs = append(errs, "api.wsUrl must use ws:// or wss:// scheme")
	}
	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.ListenAddr == "" {
		errs = append(errs, "metrics.listenAddr must be set when metrics are enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
