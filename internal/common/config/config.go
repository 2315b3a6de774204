// Package config provides configuration management for msfailab.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for msfailab.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Events     EventsConfig     `mapstructure:"events"`
	Docker     DockerConfig     `mapstructure:"docker"`
	MsfRPC     MsfRPCConfig     `mapstructure:"msfrpc"`
	RPCPort    RPCPortConfig    `mapstructure:"rpcPort"`
	Container  ContainerConfig  `mapstructure:"container"`
	Console    ConsoleConfig    `mapstructure:"console"`
	Track      TrackConfig      `mapstructure:"track"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds process-level server configuration. It is loaded but
// not read by cmd/msfailabd.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbName"`
	SSLMode  string `mapstructure:"sslMode"`
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// NATSConfig holds NATS messaging configuration. Empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// EventsConfig holds event bus namespace configuration.
type EventsConfig struct {
	Namespace string `mapstructure:"namespace"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// MsfRPCConfig holds Metasploit RPC credentials shared by every Container Controller.
type MsfRPCConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
}

// RPCPortConfig bounds the host-side port range handed out by the Port Allocator (§4.E).
type RPCPortConfig struct {
	RangeStart int `mapstructure:"rangeStart"`
	RangeEnd   int `mapstructure:"rangeEnd"`
}

// ContainerConfig holds the §6.7 Container Controller knobs.
type ContainerConfig struct {
	HealthCheckIntervalMs    int `mapstructure:"healthCheckIntervalMs"`
	MaxRestartCount          int `mapstructure:"maxRestartCount"`
	BaseBackoffMs            int `mapstructure:"baseBackoffMs"`
	MaxBackoffMs             int `mapstructure:"maxBackoffMs"`
	SuccessResetMs           int `mapstructure:"successResetMs"`
	MsgrpcInitialDelayMs     int `mapstructure:"msgrpcInitialDelayMs"`
	MsgrpcMaxConnectAttempts int `mapstructure:"msgrpcMaxConnectAttempts"`
	MsgrpcConnectBaseMs      int `mapstructure:"msgrpcConnectBaseBackoffMs"`
}

func (c *ContainerConfig) HealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckIntervalMs) * time.Millisecond
}

func (c *ContainerConfig) BaseBackoff() time.Duration {
	return time.Duration(c.BaseBackoffMs) * time.Millisecond
}

func (c *ContainerConfig) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}

func (c *ContainerConfig) SuccessReset() time.Duration {
	return time.Duration(c.SuccessResetMs) * time.Millisecond
}

func (c *ContainerConfig) MsgrpcInitialDelay() time.Duration {
	return time.Duration(c.MsgrpcInitialDelayMs) * time.Millisecond
}

func (c *ContainerConfig) MsgrpcConnectBaseBackoff() time.Duration {
	return time.Duration(c.MsgrpcConnectBaseMs) * time.Millisecond
}

// ConsoleConfig holds console restart knobs and prompt-terminator detection.
type ConsoleConfig struct {
	RestartBaseBackoffMs  int      `mapstructure:"restartBaseBackoffMs"`
	RestartMaxBackoffMs   int      `mapstructure:"restartMaxBackoffMs"`
	MaxRestartAttempts    int      `mapstructure:"maxRestartAttempts"`
	PollIntervalMs        int      `mapstructure:"pollIntervalMs"`
	PromptTerminators     []string `mapstructure:"promptTerminators"`
}

func (c *ConsoleConfig) RestartBaseBackoff() time.Duration {
	return time.Duration(c.RestartBaseBackoffMs) * time.Millisecond
}

func (c *ConsoleConfig) RestartMaxBackoff() time.Duration {
	return time.Duration(c.RestartMaxBackoffMs) * time.Millisecond
}

func (c *ConsoleConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// TrackConfig holds Track Engine knobs: default model selection and per-tool-class timeouts.
type TrackConfig struct {
	DefaultModel      string           `mapstructure:"defaultModel"`
	ToolTimeoutMs     map[string]int   `mapstructure:"toolTimeoutMs"`
	DefaultToolTimeMs int              `mapstructure:"defaultToolTimeoutMs"`
}

func (c *TrackConfig) ToolTimeout(toolClass string) time.Duration {
	if ms, ok := c.ToolTimeoutMs[toolClass]; ok {
		return time.Duration(ms) * time.Millisecond
	}
	return time.Duration(c.DefaultToolTimeMs) * time.Millisecond
}

// LLMConfig holds the LLM Provider's vendor credentials (spec §4.D). An
// empty APIKey selects the static test provider instead of Anthropic.
type LLMConfig struct {
	APIKey     string `mapstructure:"apiKey"`
	BaseURL    string `mapstructure:"baseUrl"`
	MaxRetries int    `mapstructure:"maxRetries"`
	RetryMs    int    `mapstructure:"retryBaseBackoffMs"`
	MaxTokens  int    `mapstructure:"maxTokens"`
}

func (c *LLMConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryMs) * time.Millisecond
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// setDefaults configures default values for all configuration options, matching §6.7.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "msfailab")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbName", "msfailab")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 2)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "msfailab-core")
	v.SetDefault("nats.maxReconnects", 10)

	v.SetDefault("events.namespace", "")

	v.SetDefault("docker.enabled", true)
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "1.41")
	v.SetDefault("docker.defaultNetwork", "msfailab-network")

	v.SetDefault("msfrpc.user", "msf")
	v.SetDefault("msfrpc.password", "")

	v.SetDefault("rpcPort.rangeStart", 55550)
	v.SetDefault("rpcPort.rangeEnd", 55650)

	v.SetDefault("container.healthCheckIntervalMs", 30000)
	v.SetDefault("container.maxRestartCount", 5)
	v.SetDefault("container.baseBackoffMs", 1000)
	v.SetDefault("container.maxBackoffMs", 60000)
	v.SetDefault("container.successResetMs", 300000)
	v.SetDefault("container.msgrpcInitialDelayMs", 5000)
	v.SetDefault("container.msgrpcMaxConnectAttempts", 10)
	v.SetDefault("container.msgrpcConnectBaseBackoffMs", 2000)

	v.SetDefault("console.restartBaseBackoffMs", 1000)
	v.SetDefault("console.restartMaxBackoffMs", 30000)
	v.SetDefault("console.maxRestartAttempts", 10)
	v.SetDefault("console.pollIntervalMs", 500)
	v.SetDefault("console.promptTerminators", []string{"> "})

	v.SetDefault("track.defaultModel", "*")
	v.SetDefault("track.defaultToolTimeoutMs", 300000)

	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.baseUrl", "")
	v.SetDefault("llm.maxRetries", 3)
	v.SetDefault("llm.retryBaseBackoffMs", 1000)
	v.SetDefault("llm.maxTokens", 4096)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix MSFAILAB_ followed by the upper-cased
// key path with dots replaced by underscores (e.g. MSFAILAB_DATABASE_DBNAME).
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MSFAILAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/msfailab/")

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

// validate checks that configuration fields are internally consistent.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.RPCPort.RangeStart <= 0 || cfg.RPCPort.RangeEnd <= cfg.RPCPort.RangeStart {
		errs = append(errs, "rpcPort.rangeEnd must be greater than rpcPort.rangeStart")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
