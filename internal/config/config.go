package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPushPath            = "/system-info"
	DefaultTerminalPath        = "/terminal"
	DefaultHandshakeTimeoutSec = 10
	DefaultReconnectBaseMs     = 1000
	DefaultMaxReconnects       = 5
	DefaultReadLimitBytes      = 1 << 20
	DefaultHeartbeatSec        = 20
	DefaultStallTimeoutMs      = 3000
	DefaultRestartGraceMs      = 1000
	DefaultSelfCheckTimeoutSec = 5
	DefaultLogLevel            = "info"

	// EnvPrefix prefixes environment overrides, e.g. FWDCTL_SERVER_URL.
	EnvPrefix = "FWDCTL"
)

// Config holds the console runtime settings.
type Config struct {
	Server      ServerConfig    `yaml:"server" mapstructure:"server"`
	Push        PushConfig      `yaml:"push" mapstructure:"push"`
	Jobs        JobsConfig      `yaml:"jobs" mapstructure:"jobs"`
	Terminal    TerminalConfig  `yaml:"terminal" mapstructure:"terminal"`
	SelfCheck   SelfCheckConfig `yaml:"selfcheck" mapstructure:"selfcheck"`
	MetricsPath string          `yaml:"metrics_path,omitempty" mapstructure:"metrics_path"`
	HistoryPath string          `yaml:"history_path,omitempty" mapstructure:"history_path"`
	LogLevel    string          `yaml:"log_level" mapstructure:"log_level"`
}

// ServerConfig locates the management server.
type ServerConfig struct {
	URL                 string `yaml:"url" mapstructure:"url"`
	PushPath            string `yaml:"push_path" mapstructure:"push_path"`
	TerminalPath        string `yaml:"terminal_path" mapstructure:"terminal_path"`
	HandshakeTimeoutSec int    `yaml:"handshake_timeout_sec" mapstructure:"handshake_timeout_sec"`
}

// PushConfig tunes the push channel supervisor.
type PushConfig struct {
	ReconnectBaseMs int   `yaml:"reconnect_base_ms" mapstructure:"reconnect_base_ms"`
	MaxAttempts     int   `yaml:"max_attempts" mapstructure:"max_attempts"`
	ReadLimitBytes  int64 `yaml:"read_limit_bytes" mapstructure:"read_limit_bytes"`
}

// JobsConfig overrides the built-in poll profiles per job kind.
type JobsConfig struct {
	Profiles map[string]JobProfile `yaml:"profiles,omitempty" mapstructure:"profiles"`
}

// JobProfile is the poll interval and attempt budget for one job kind.
type JobProfile struct {
	IntervalMs  int `yaml:"interval_ms" mapstructure:"interval_ms"`
	MaxAttempts int `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// TerminalConfig tunes the remote shell bridge.
type TerminalConfig struct {
	HeartbeatSec   int `yaml:"heartbeat_sec" mapstructure:"heartbeat_sec"`
	StallTimeoutMs int `yaml:"stall_timeout_ms" mapstructure:"stall_timeout_ms"`
	RestartGraceMs int `yaml:"restart_grace_ms" mapstructure:"restart_grace_ms"`
}

// SelfCheckConfig configures the local reachability self-check.
type SelfCheckConfig struct {
	STUNServers []string `yaml:"stun_servers" mapstructure:"stun_servers"`
	TimeoutSec  int      `yaml:"timeout_sec" mapstructure:"timeout_sec"`
}

// Load reads a YAML config file. Environment variables with the FWDCTL_
// prefix override file values (FWDCTL_SERVER_URL, FWDCTL_PUSH_MAX_ATTEMPTS).
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", path, err)
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// FromEnv builds a config from defaults and FWDCTL_ environment variables
// only, for runs without a config file.
func FromEnv() (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode environment config: %w", err)
	}
	ApplyDefaults(&cfg)
	return cfg, nil
}

// bindDefaults registers every scalar key so AutomaticEnv can resolve it
// even when the file leaves it out.
func bindDefaults(v *viper.Viper) {
	v.SetDefault("server.url", "")
	v.SetDefault("server.push_path", DefaultPushPath)
	v.SetDefault("server.terminal_path", DefaultTerminalPath)
	v.SetDefault("server.handshake_timeout_sec", DefaultHandshakeTimeoutSec)
	v.SetDefault("push.reconnect_base_ms", DefaultReconnectBaseMs)
	v.SetDefault("push.max_attempts", DefaultMaxReconnects)
	v.SetDefault("push.read_limit_bytes", DefaultReadLimitBytes)
	v.SetDefault("terminal.heartbeat_sec", DefaultHeartbeatSec)
	v.SetDefault("terminal.stall_timeout_ms", DefaultStallTimeoutMs)
	v.SetDefault("terminal.restart_grace_ms", DefaultRestartGraceMs)
	v.SetDefault("selfcheck.timeout_sec", DefaultSelfCheckTimeoutSec)
	v.SetDefault("selfcheck.stun_servers", []string{})
	v.SetDefault("metrics_path", "")
	v.SetDefault("history_path", "")
	v.SetDefault("log_level", DefaultLogLevel)
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Server.URL == "" {
		return fmt.Errorf("server.url is required")
	}
	u, err := url.Parse(NormalizeBaseURL(cfg.Server.URL))
	if err != nil || u.Host == "" {
		return fmt.Errorf("server.url %q is not a valid URL", cfg.Server.URL)
	}
	if cfg.Push.MaxAttempts < 0 {
		return fmt.Errorf("push.max_attempts must not be negative")
	}
	for kind, p := range cfg.Jobs.Profiles {
		if p.IntervalMs < 0 || p.MaxAttempts < 0 {
			return fmt.Errorf("jobs.profiles.%s: interval and attempts must not be negative", kind)
		}
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.PushPath == "" {
		cfg.Server.PushPath = DefaultPushPath
	}
	if cfg.Server.TerminalPath == "" {
		cfg.Server.TerminalPath = DefaultTerminalPath
	}
	if cfg.Server.HandshakeTimeoutSec == 0 {
		cfg.Server.HandshakeTimeoutSec = DefaultHandshakeTimeoutSec
	}
	if cfg.Push.ReconnectBaseMs == 0 {
		cfg.Push.ReconnectBaseMs = DefaultReconnectBaseMs
	}
	if cfg.Push.MaxAttempts == 0 {
		cfg.Push.MaxAttempts = DefaultMaxReconnects
	}
	if cfg.Push.ReadLimitBytes == 0 {
		cfg.Push.ReadLimitBytes = DefaultReadLimitBytes
	}
	if cfg.Terminal.HeartbeatSec == 0 {
		cfg.Terminal.HeartbeatSec = DefaultHeartbeatSec
	}
	if cfg.Terminal.StallTimeoutMs == 0 {
		cfg.Terminal.StallTimeoutMs = DefaultStallTimeoutMs
	}
	if cfg.Terminal.RestartGraceMs == 0 {
		cfg.Terminal.RestartGraceMs = DefaultRestartGraceMs
	}
	if cfg.SelfCheck.TimeoutSec == 0 {
		cfg.SelfCheck.TimeoutSec = DefaultSelfCheckTimeoutSec
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}
}

// NormalizeBaseURL adds an http scheme to bare host:port addresses.
func NormalizeBaseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.Contains(addr, "://") {
		return addr
	}
	return "http://" + addr
}

// ChannelURL converts the HTTP base URL to the websocket URL for path.
func (c ServerConfig) ChannelURL(path string) string {
	base := NormalizeBaseURL(c.URL)
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// HandshakeTimeout returns the channel dial timeout.
func (c ServerConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutSec) * time.Second
}
