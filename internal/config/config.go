package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultChannel           = "modbridge"
	DefaultMaxMessageBytes   = 64 << 20
	DefaultAcceptBackoffMs   = 100
	DefaultStopJoinTimeoutMs = 2000
	DefaultHeartbeatSchedule = "@every 5m"
	DefaultMemoryLimitPages  = 160
)

type WasmConfig struct {
	// MemoryLimitPages caps memory per wasm module (1 page = 64KB).
	MemoryLimitPages uint32 `yaml:"memory_limit_pages"`
}

type AuditConfig struct {
	Enabled bool `yaml:"enabled"`
	// Database additionally records audit rows in <home>/modbridge.db.
	Database bool `yaml:"database"`
}

type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"`
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	// Channel is the local channel name. A value containing a path separator
	// is used as the socket path verbatim.
	Channel    string `yaml:"channel"`
	AuthToken  string `yaml:"auth_token"`
	RuntimeDir string `yaml:"runtime_dir"`
	LogLevel   string `yaml:"log_level"`

	MaxMessageBytes    int64 `yaml:"max_message_bytes"`
	ReadTimeoutSeconds int   `yaml:"read_timeout_seconds"`
	AcceptBackoffMs    int   `yaml:"accept_backoff_ms"`
	StopJoinTimeoutMs  int   `yaml:"stop_join_timeout_ms"`

	// InvokeTimeoutMs is the default per-call limit for create-instance and
	// invoke. 0 disables it; a request's timeoutMs overrides it.
	InvokeTimeoutMs int `yaml:"invoke_timeout_ms"`

	WatchModules bool `yaml:"watch_modules"`

	// HeartbeatSchedule is a robfig/cron spec. "off" disables the heartbeat.
	HeartbeatSchedule string `yaml:"heartbeat_schedule"`

	Wasm      WasmConfig      `yaml:"wasm"`
	Audit     AuditConfig     `yaml:"audit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	NeedsBootstrap bool `yaml:"-"`
}

// SocketPath resolves the configured channel to a unix socket path.
func (c Config) SocketPath() string {
	return ResolveChannel(c.RuntimeDir, c.Channel)
}

// ResolveChannel maps a channel name onto a socket path inside runtimeDir.
func ResolveChannel(runtimeDir, channel string) string {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = DefaultChannel
	}
	if strings.ContainsRune(channel, '/') || strings.ContainsRune(channel, filepath.Separator) {
		return channel
	}
	return filepath.Join(runtimeDir, channel+".sock")
}

func (c Config) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

func (c Config) AcceptBackoff() time.Duration {
	return time.Duration(c.AcceptBackoffMs) * time.Millisecond
}

func (c Config) StopJoinTimeout() time.Duration {
	return time.Duration(c.StopJoinTimeoutMs) * time.Millisecond
}

func (c Config) InvokeTimeout() time.Duration {
	return time.Duration(c.InvokeTimeoutMs) * time.Millisecond
}

// HeartbeatEnabled reports whether a heartbeat schedule is configured.
func (c Config) HeartbeatEnabled() bool {
	s := strings.ToLower(strings.TrimSpace(c.HeartbeatSchedule))
	return s != "" && s != "off" && s != "none"
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

// SetAuthToken updates auth_token in config.yaml, preserving other settings.
// A running daemon picks the change up through its Watcher.
func SetAuthToken(homeDir, token string) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	raw["auth_token"] = token
	return saveRawConfig(configPath, raw)
}

// WriteDefault writes a config.yaml with the default channel and limits.
func WriteDefault(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return err
	}
	def := defaultConfig()
	raw := map[string]interface{}{
		"channel":            def.Channel,
		"log_level":          def.LogLevel,
		"invoke_timeout_ms":  def.InvokeTimeoutMs,
		"heartbeat_schedule": def.HeartbeatSchedule,
		"audit":              map[string]interface{}{"enabled": def.Audit.Enabled, "database": def.Audit.Database},
	}
	return saveRawConfig(ConfigPath(homeDir), raw)
}

// Fingerprint returns a stable hash of the settings that shape the listener.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "channel=%s|runtime=%s|log=%s|max=%d|read=%d|invoke=%d|watch=%t",
		c.Channel, c.RuntimeDir, c.LogLevel, c.MaxMessageBytes, c.ReadTimeoutSeconds, c.InvokeTimeoutMs, c.WatchModules)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		Channel:           DefaultChannel,
		LogLevel:          "info",
		MaxMessageBytes:   DefaultMaxMessageBytes,
		AcceptBackoffMs:   DefaultAcceptBackoffMs,
		StopJoinTimeoutMs: DefaultStopJoinTimeoutMs,
		HeartbeatSchedule: DefaultHeartbeatSchedule,
		Wasm:              WasmConfig{MemoryLimitPages: DefaultMemoryLimitPages},
		Audit:             AuditConfig{Enabled: true, Database: true},
	}
}

// Default returns the built-in configuration rooted at homeDir.
func Default(homeDir string) Config {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir
	normalize(&cfg)
	return cfg
}

func HomeDir() string {
	if override := os.Getenv("MODBRIDGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".modbridge")
}

func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads <homeDir>/config.yaml over the defaults and applies env overrides.
func LoadFrom(homeDir string) (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = homeDir

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create modbridge home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsBootstrap = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if strings.TrimSpace(cfg.Channel) == "" {
		cfg.Channel = DefaultChannel
	}
	if strings.TrimSpace(cfg.RuntimeDir) == "" {
		cfg.RuntimeDir = filepath.Join(cfg.HomeDir, "run")
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MaxMessageBytes <= 0 {
		cfg.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if cfg.AcceptBackoffMs <= 0 {
		cfg.AcceptBackoffMs = DefaultAcceptBackoffMs
	}
	if cfg.StopJoinTimeoutMs <= 0 {
		cfg.StopJoinTimeoutMs = DefaultStopJoinTimeoutMs
	}
	if cfg.ReadTimeoutSeconds < 0 {
		cfg.ReadTimeoutSeconds = 0
	}
	if cfg.InvokeTimeoutMs < 0 {
		cfg.InvokeTimeoutMs = 0
	}
	if strings.TrimSpace(cfg.HeartbeatSchedule) == "" {
		cfg.HeartbeatSchedule = DefaultHeartbeatSchedule
	}
	if cfg.Wasm.MemoryLimitPages == 0 {
		cfg.Wasm.MemoryLimitPages = DefaultMemoryLimitPages
	}
}

func validate(cfg *Config) error {
	// wasm32 addresses at most 65536 pages.
	if cfg.Wasm.MemoryLimitPages > 65536 {
		return fmt.Errorf("wasm.memory_limit_pages (%d) exceeds the wasm32 maximum of 65536", cfg.Wasm.MemoryLimitPages)
	}
	switch cfg.Telemetry.Exporter {
	case "", "otlp-http", "stdout", "none":
	default:
		return fmt.Errorf("telemetry.exporter %q is not supported (otlp-http, stdout, none)", cfg.Telemetry.Exporter)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("MODBRIDGE_CHANNEL"); raw != "" {
		cfg.Channel = raw
	}
	if raw := os.Getenv("MODBRIDGE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("MODBRIDGE_RUNTIME_DIR"); raw != "" {
		cfg.RuntimeDir = raw
	}
	if raw := os.Getenv("MODBRIDGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("MODBRIDGE_INVOKE_TIMEOUT_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.InvokeTimeoutMs = v
		}
	}
}
