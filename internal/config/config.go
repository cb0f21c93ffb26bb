// Package config loads CodeRunr's runtime configuration from the
// environment and an optional YAML file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// Config is the process-wide configuration, loaded once at startup.
type Config struct {
	// Server configuration
	LogLevel      string `mapstructure:"log_level"`
	BindAddress   string `mapstructure:"bind_address"`
	DataDirectory string `mapstructure:"data_directory"`

	// Isolation Provider (spec.md §4.B)
	IsolateRoot  string `mapstructure:"isolate_root"`
	RunnerUIDMin int    `mapstructure:"runner_uid_min"`
	RunnerUIDMax int    `mapstructure:"runner_uid_max"`
	RunnerGIDMin int    `mapstructure:"runner_gid_min"`
	RunnerGIDMax int    `mapstructure:"runner_gid_max"`

	// Job Concurrency Governor (spec.md §4.E)
	MaxConcurrentJobs       int `mapstructure:"max_concurrent_jobs"`
	MaxConcurrentJobsPerKey int `mapstructure:"max_concurrent_jobs_per_client"`

	// Job execution defaults (spec.md §3, overridable per request)
	CompileTimeout     time.Duration `mapstructure:"compile_timeout"`
	RunTimeout         time.Duration `mapstructure:"run_timeout"`
	CompileMemoryLimit int64         `mapstructure:"compile_memory_limit"`
	RunMemoryLimit     int64         `mapstructure:"run_memory_limit"`

	// Process Supervisor limits (spec.md §4.C)
	MaxProcessCount    int `mapstructure:"max_process_count"`
	MaxOpenFiles       int `mapstructure:"max_open_files"`
	MaxFileSize        int64 `mapstructure:"max_file_size"`
	OutputMaxBytes     int `mapstructure:"output_max_bytes"`
	StdinChannelBuffer int `mapstructure:"stdin_channel_buffer"`
	TimeoutGraceMs     int `mapstructure:"timeout_grace_ms"`

	// Security
	DisableNetworking bool `mapstructure:"disable_networking"`

	// Package catalog (out of engine scope, kept for the ambient loader)
	RepoURL string `mapstructure:"repo_url"`

	// Per-language limit overrides, keyed by language then limit name.
	LimitOverrides map[string]map[string]interface{} `mapstructure:"limit_overrides"`

	// Transport
	RequestBodyLimit int64 `mapstructure:"request_body_limit"`
}

// Load reads configuration from CODERUNR_-prefixed env vars and an
// optional config.yaml, applying defaults and validating the result.
func Load() (*Config, error) {
	viper.SetDefault("log_level", "INFO")
	viper.SetDefault("bind_address", getEnvOrDefault("PORT", "2000"))
	viper.SetDefault("data_directory", "/coderunr")
	viper.SetDefault("isolate_root", "/coderunr/isolate")
	viper.SetDefault("runner_uid_min", 1001)
	viper.SetDefault("runner_uid_max", 1500)
	viper.SetDefault("runner_gid_min", 1001)
	viper.SetDefault("runner_gid_max", 1500)
	viper.SetDefault("max_concurrent_jobs", 64)
	viper.SetDefault("max_concurrent_jobs_per_client", 4)
	viper.SetDefault("compile_timeout", "10s")
	viper.SetDefault("run_timeout", "3s")
	viper.SetDefault("compile_memory_limit", -1)
	viper.SetDefault("run_memory_limit", -1)
	viper.SetDefault("max_process_count", 64)
	viper.SetDefault("max_open_files", 2048)
	viper.SetDefault("max_file_size", 10000000) // 10MB
	viper.SetDefault("output_max_bytes", 1024*1024)
	viper.SetDefault("stdin_channel_buffer", 32)
	viper.SetDefault("timeout_grace_ms", 300)
	viper.SetDefault("disable_networking", true)
	viper.SetDefault("repo_url", "https://github.com/engineer-man/piston/releases/download/pkgs/index")
	viper.SetDefault("limit_overrides", map[string]map[string]interface{}{})
	viper.SetDefault("request_body_limit", int64(256*1024))

	viper.SetEnvPrefix("CODERUNR")
	viper.AutomaticEnv()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/coderunr/")
	viper.AddConfigPath("$HOME/.coderunr/")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if cfg.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("max_concurrent_jobs must be positive")
	}

	if cfg.MaxConcurrentJobsPerKey <= 0 {
		return fmt.Errorf("max_concurrent_jobs_per_client must be positive")
	}

	if cfg.RunnerUIDMin >= cfg.RunnerUIDMax {
		return fmt.Errorf("runner_uid_min must be less than runner_uid_max")
	}

	if cfg.RunnerGIDMin >= cfg.RunnerGIDMax {
		return fmt.Errorf("runner_gid_min must be less than runner_gid_max")
	}

	if (cfg.RunnerUIDMax - cfg.RunnerUIDMin) != (cfg.RunnerGIDMax - cfg.RunnerGIDMin) {
		return fmt.Errorf("runner uid and gid ranges must have the same size")
	}

	return nil
}

func getEnvOrDefault(env, defaultValue string) string {
	if value := os.Getenv(env); value != "" {
		return value
	}
	return "0.0.0.0:" + defaultValue
}

// GetBindAddress returns the complete bind address.
func (c *Config) GetBindAddress() string {
	if c.BindAddress == "" {
		return "0.0.0.0:2000"
	}
	return c.BindAddress
}

// GetLogLevel returns the parsed log level, defaulting to Info.
func (c *Config) GetLogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// GetLimitOverride returns a per-language limit override, if configured.
func (c *Config) GetLimitOverride(language, limitType string) (interface{}, bool) {
	if langOverrides, exists := c.LimitOverrides[language]; exists {
		if value, exists := langOverrides[limitType]; exists {
			return value, true
		}
	}
	return nil, false
}

// SlotCount is the number of sandbox slots implied by the UID range.
func (c *Config) SlotCount() int {
	return c.RunnerUIDMax - c.RunnerUIDMin
}

// GetIntEnv reads an integer environment variable with a fallback.
func GetIntEnv(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return fallback
}
