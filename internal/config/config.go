package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for the relay daemon.
type Config struct {
	General   GeneralConfig   `json:"general"`
	Server    ServerConfig    `json:"server"`
	Store     StoreConfig     `json:"store"`
	Agent     AgentConfig     `json:"agent"`
	Executor  ExecutorConfig  `json:"executor"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Delivery  DeliveryConfig  `json:"delivery"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
}

// ServerConfig configures the webhook ingest listener.
type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

// AgentConfig points at the agent runtime HTTP endpoint.
type AgentConfig struct {
	BaseURL        string `json:"baseUrl"`
	APIKey         string `json:"apiKey,omitempty"`
	DefaultAgent   string `json:"defaultAgent"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type ExecutorConfig struct {
	QueueSize     int `json:"queueSize"`
	MaxConcurrent int `json:"maxConcurrent"`
}

type SchedulerConfig struct {
	Enabled             bool `json:"enabled"`
	TickIntervalSeconds int  `json:"tickIntervalSeconds"`
}

// DeliveryConfig tunes the edit-based streaming strategy.
type DeliveryConfig struct {
	EditIntervalMs int `json:"editIntervalMs"`
}

// Defaults returns a config with sensible defaults for every section.
func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 9090,
		},
		Store: StoreConfig{
			DBPath: "~/.relay/relay.db",
		},
		Agent: AgentConfig{
			BaseURL:        "http://localhost:8800",
			DefaultAgent:   "default",
			TimeoutSeconds: 300,
		},
		Executor: ExecutorConfig{
			QueueSize:     100,
			MaxConcurrent: 8,
		},
		Scheduler: SchedulerConfig{
			Enabled:             true,
			TickIntervalSeconds: 15,
		},
		Delivery: DeliveryConfig{
			EditIntervalMs: 1500,
		},
	}
}

// DefaultConfigDir returns the default config directory (~/.relay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".relay"
	}
	return filepath.Join(home, ".relay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Store.DBPath = ExpandPath(cfg.Store.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}
	if cfg.Agent.BaseURL == "" {
		errs = append(errs, "agent.baseUrl is required")
	}
	if cfg.Agent.TimeoutSeconds < 1 {
		errs = append(errs, "agent.timeoutSeconds must be >= 1")
	}
	if cfg.Executor.QueueSize < 1 {
		errs = append(errs, "executor.queueSize must be >= 1")
	}
	if cfg.Executor.MaxConcurrent < 1 || cfg.Executor.MaxConcurrent > 100 {
		errs = append(errs, "executor.maxConcurrent must be between 1 and 100")
	}
	if cfg.Scheduler.TickIntervalSeconds < 1 {
		errs = append(errs, "scheduler.tickIntervalSeconds must be >= 1")
	}
	if cfg.Delivery.EditIntervalMs < 100 {
		errs = append(errs, "delivery.editIntervalMs must be >= 100")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
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
			return match
		}
		return val
	})
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
