// Package config provides YAML-based configuration loading for the agent.
package config

import (
    "encoding/base64"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "strings"
    "time"

    "github.com/spf13/viper"

    "taskgrid/pkg/observability"
)

// Config is the root application configuration.
type Config struct {
    // AgentID is the identity presented during authentication
    AgentID string `mapstructure:"agent_id"`

    // Secret is the shared authentication secret, base64 or raw
    Secret string `mapstructure:"secret"`

    // Coordinator holds outbound session options
    Coordinator CoordinatorConfig `mapstructure:"coordinator"`

    // Tasks holds dispatcher options
    Tasks TaskConfig `mapstructure:"tasks"`

    // SettlementKey is the settlement authority public key, base64url
    SettlementKey string `mapstructure:"settlement_key"`

    // Listen holds push-ingress options
    Listen ListenConfig `mapstructure:"listen"`

    // Log holds logging configuration
    Log observability.LogConfig `mapstructure:"log"`
}

// CoordinatorConfig controls the outbound coordinator session.
type CoordinatorConfig struct {
    Addr      string `mapstructure:"addr"`
    Transport string `mapstructure:"transport"` // tcp or quic
    Format    string `mapstructure:"format"`    // json or cbor

    HeartbeatMS int `mapstructure:"heartbeat_ms"`

    ReconnectInitialMS   int `mapstructure:"reconnect_initial_ms"`
    ReconnectMaxMS       int `mapstructure:"reconnect_max_ms"`
    ReconnectJitterMS    int `mapstructure:"reconnect_jitter_ms"`
    ReconnectMaxAttempts int `mapstructure:"reconnect_max_attempts"`

    SendQueueSize       int `mapstructure:"send_queue_size"`
    MalformedFrameLimit int `mapstructure:"malformed_frame_limit"`
}

// TaskConfig controls task execution.
type TaskConfig struct {
    MaxConcurrency   int `mapstructure:"max_concurrency"`
    DefaultTimeoutMS int `mapstructure:"default_timeout_ms"`
    ResultRetryMS    int `mapstructure:"result_retry_ms"`
}

// ListenConfig controls the push ingress used instead of dialing out.
type ListenConfig struct {
    Enable bool    `mapstructure:"enable"`
    Addr   string  `mapstructure:"addr"`
    Rate   float64 `mapstructure:"rate"`
    Burst  int     `mapstructure:"burst"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
    return &Config{
        AgentID: "agent-1",
        Coordinator: CoordinatorConfig{
            Addr:                "127.0.0.1:9090",
            Transport:           "tcp",
            Format:              "json",
            HeartbeatMS:         15000,
            ReconnectInitialMS:  500,
            ReconnectMaxMS:      30000,
            ReconnectJitterMS:   100,
            SendQueueSize:       256,
            MalformedFrameLimit: 8,
        },
        Tasks: TaskConfig{
            MaxConcurrency:   4,
            DefaultTimeoutMS: 60000,
            ResultRetryMS:    2000,
        },
        Listen: ListenConfig{
            Addr:  ":8080",
            Rate:  10,
            Burst: 20,
        },
        Log: observability.LogConfig{
            Level:       "info",
            Format:      "console",
            Outputs:     []string{"stdout"},
            Development: true,
            Rotation: observability.RotationConfig{
                Enable:     false,
                Filename:   "logs/taskgrid.log",
                MaxSizeMB:  50,
                MaxBackups: 3,
                MaxAgeDays: 28,
                Compress:   true,
            },
        },
    }
}

// Load reads configuration from the provided path (if non-empty),
// otherwise it searches common locations and supports environment overrides.
// Environment variables use the prefix TASKGRID and `.`/`-` are replaced
// with `_`. Example: TASKGRID_LOG_LEVEL=debug
func Load(path string) (*Config, error) {
    cfg := Default()

    v := viper.New()
    v.SetConfigType("yaml")
    v.SetEnvPrefix("TASKGRID")
    v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
    v.AutomaticEnv()

    // seed defaults for viper so env-only configs work
    v.SetDefault("agent_id", cfg.AgentID)
    v.SetDefault("secret", cfg.Secret)
    v.SetDefault("settlement_key", cfg.SettlementKey)
    v.SetDefault("coordinator.addr", cfg.Coordinator.Addr)
    v.SetDefault("coordinator.transport", cfg.Coordinator.Transport)
    v.SetDefault("coordinator.format", cfg.Coordinator.Format)
    v.SetDefault("coordinator.heartbeat_ms", cfg.Coordinator.HeartbeatMS)
    v.SetDefault("coordinator.reconnect_initial_ms", cfg.Coordinator.ReconnectInitialMS)
    v.SetDefault("coordinator.reconnect_max_ms", cfg.Coordinator.ReconnectMaxMS)
    v.SetDefault("coordinator.reconnect_jitter_ms", cfg.Coordinator.ReconnectJitterMS)
    v.SetDefault("coordinator.reconnect_max_attempts", cfg.Coordinator.ReconnectMaxAttempts)
    v.SetDefault("coordinator.send_queue_size", cfg.Coordinator.SendQueueSize)
    v.SetDefault("coordinator.malformed_frame_limit", cfg.Coordinator.MalformedFrameLimit)
    v.SetDefault("tasks.max_concurrency", cfg.Tasks.MaxConcurrency)
    v.SetDefault("tasks.default_timeout_ms", cfg.Tasks.DefaultTimeoutMS)
    v.SetDefault("tasks.result_retry_ms", cfg.Tasks.ResultRetryMS)
    v.SetDefault("listen.enable", cfg.Listen.Enable)
    v.SetDefault("listen.addr", cfg.Listen.Addr)
    v.SetDefault("listen.rate", cfg.Listen.Rate)
    v.SetDefault("listen.burst", cfg.Listen.Burst)
    v.SetDefault("log.level", cfg.Log.Level)
    v.SetDefault("log.format", cfg.Log.Format)
    v.SetDefault("log.outputs", cfg.Log.Outputs)
    v.SetDefault("log.development", cfg.Log.Development)
    v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
    v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
    v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
    v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
    v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
    v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

    if path == "" {
        if envPath := os.Getenv("TASKGRID_CONFIG"); envPath != "" {
            path = envPath
        }
    }

    if path != "" {
        v.SetConfigFile(path)
    } else {
        v.SetConfigName("taskgrid")
        v.AddConfigPath(".")
        v.AddConfigPath("./configs")
        if home, err := os.UserHomeDir(); err == nil {
            v.AddConfigPath(filepath.Join(home, ".taskgrid"))
        }
    }

    // Read config file if present; if not found, continue with defaults/env
    if err := v.ReadInConfig(); err != nil {
        var notFound viper.ConfigFileNotFoundError
        if !errors.As(err, &notFound) {
            return nil, fmt.Errorf("read config: %w", err)
        }
    }

    if err := v.Unmarshal(&cfg); err != nil {
        return nil, fmt.Errorf("decode config: %w", err)
    }

    if err := cfg.validate(); err != nil {
        return nil, err
    }
    return cfg, nil
}

func (c *Config) validate() error {
    lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
    switch lvl {
    case "debug", "info", "warn", "warning", "error":
        // ok
    default:
        return fmt.Errorf("invalid log.level: %q", c.Log.Level)
    }
    if c.Log.Format == "" {
        c.Log.Format = "console"
    }
    if len(c.Log.Outputs) == 0 {
        c.Log.Outputs = []string{"stdout"}
    }

    if strings.TrimSpace(c.AgentID) == "" {
        return fmt.Errorf("agent_id is required")
    }
    c.Coordinator.Transport = strings.ToLower(strings.TrimSpace(c.Coordinator.Transport))
    switch c.Coordinator.Transport {
    case "tcp", "quic", "mem":
        // ok
    default:
        return fmt.Errorf("invalid coordinator.transport: %q", c.Coordinator.Transport)
    }
    c.Coordinator.Format = strings.ToLower(strings.TrimSpace(c.Coordinator.Format))
    switch c.Coordinator.Format {
    case "", "json", "cbor":
        // ok
    default:
        return fmt.Errorf("invalid coordinator.format: %q", c.Coordinator.Format)
    }
    if c.Tasks.MaxConcurrency < 0 {
        return fmt.Errorf("tasks.max_concurrency must not be negative")
    }
    if c.Listen.Enable && strings.TrimSpace(c.Listen.Addr) == "" {
        return fmt.Errorf("listen.addr is required when listen.enable is set")
    }
    return nil
}

// SecretBytes decodes the secret: base64 when it parses, raw bytes otherwise.
func (c *Config) SecretBytes() []byte {
    s := strings.TrimSpace(c.Secret)
    if s == "" {
        return nil
    }
    if raw, err := base64.StdEncoding.DecodeString(s); err == nil {
        return raw
    }
    return []byte(s)
}

// SettlementKeyBytes decodes the settlement authority public key.
func (c *Config) SettlementKeyBytes() ([]byte, error) {
    s := strings.TrimSpace(c.SettlementKey)
    if s == "" {
        return nil, fmt.Errorf("settlement_key is required")
    }
    raw, err := base64.RawURLEncoding.DecodeString(s)
    if err != nil {
        return nil, fmt.Errorf("decode settlement_key: %w", err)
    }
    return raw, nil
}

// Durations in the file are integer milliseconds; helpers convert them.
func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// HeartbeatInterval returns the configured heartbeat cadence.
func (c *CoordinatorConfig) HeartbeatInterval() time.Duration { return ms(c.HeartbeatMS) }

// ReconnectInitial returns the first backoff delay.
func (c *CoordinatorConfig) ReconnectInitial() time.Duration { return ms(c.ReconnectInitialMS) }

// ReconnectMax returns the backoff ceiling.
func (c *CoordinatorConfig) ReconnectMax() time.Duration { return ms(c.ReconnectMaxMS) }

// ReconnectJitter returns the random spread added to each delay.
func (c *CoordinatorConfig) ReconnectJitter() time.Duration { return ms(c.ReconnectJitterMS) }

// DefaultTimeout returns the per-task execution ceiling.
func (t *TaskConfig) DefaultTimeout() time.Duration { return ms(t.DefaultTimeoutMS) }

// ResultRetry returns the unacked result resend cadence.
func (t *TaskConfig) ResultRetry() time.Duration { return ms(t.ResultRetryMS) }

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
    cfg, err := Load(path)
    if err != nil {
        panic(err)
    }
    return cfg
}
