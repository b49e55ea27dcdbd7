// Package config loads imap-engine settings from YAML files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	imap "github.com/meszmate/imap-engine"
	"github.com/meszmate/imap-engine/transport"
)

// EnvPrefix prefixes every environment override, e.g. IMAPENGINE_SERVER_HOST.
const EnvPrefix = "IMAPENGINE"

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Network   NetworkConfig   `mapstructure:"network"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Trace     TraceConfig     `mapstructure:"trace"`
	Trust     TrustConfig     `mapstructure:"trust"`
	Log       LogConfig       `mapstructure:"log"`
}

// ServerConfig names the IMAP server and the account on it.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	// Port defaults from Security: 993 for tls, 143 otherwise.
	Port int `mapstructure:"port"`
	// Security: tls, starttls or plain
	Security  string `mapstructure:"security"`
	User      string `mapstructure:"user"`
	Password  string `mapstructure:"password"`
	Mechanism string `mapstructure:"mechanism"`
	// CommandTimeout fails a command the server has not answered in time.
	CommandTimeout time.Duration `mapstructure:"command_timeout"`
	DialTimeout    time.Duration `mapstructure:"dial_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

// CacheConfig selects the mailbox cache backend.
type CacheConfig struct {
	// Mode: memory or persistent
	Mode string `mapstructure:"mode"`
	// Dir holds the sqlite database in persistent mode.
	Dir string `mapstructure:"dir"`
}

// Path is the sqlite database file inside Dir.
func (c CacheConfig) Path() string {
	return filepath.Join(c.Dir, "cache.db")
}

// NetworkConfig controls the initial network policy.
type NetworkConfig struct {
	StartOffline bool `mapstructure:"start_offline"`
	// Policy: offline, expensive or online
	Policy string `mapstructure:"policy"`
}

// ReconnectConfig bounds automatic reconnection after a lost connection.
type ReconnectConfig struct {
	Enabled   bool    `mapstructure:"enabled"`
	Burst     int     `mapstructure:"burst"`
	PerMinute float64 `mapstructure:"per_minute"`
}

// TraceConfig sizes the per-connection protocol trace.
type TraceConfig struct {
	Capacity      int           `mapstructure:"capacity"`
	MaxLine       int           `mapstructure:"max_line"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// TrustConfig points at the accepted-certificate file. Empty keeps
// decisions in memory only.
type TrustConfig struct {
	File string `mapstructure:"file"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Security:       "tls",
			CommandTimeout: 2 * time.Minute,
			DialTimeout:    30 * time.Second,
		},
		Cache: CacheConfig{
			Mode: "memory",
			Dir:  defaultDataDir(),
		},
		Network: NetworkConfig{Policy: "online"},
		Reconnect: ReconnectConfig{
			Enabled:   true,
			Burst:     3,
			PerMinute: 3,
		},
		Trace: TraceConfig{
			Capacity:      5000,
			MaxLine:       4096,
			FlushInterval: 300 * time.Millisecond,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				Filename:   "logs/imap-engine.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

func defaultDataDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".imap-engine")
	}
	return ".imap-engine"
}

// Load reads configuration from path when it is non-empty. Otherwise it
// searches ".", "./configs" and "$HOME/.imap-engine" for imap-engine.yaml,
// or the file named by IMAPENGINE_CONFIG. A missing file is not an error.
// Environment variables override file values; "." and "-" in keys become
// "_", so IMAPENGINE_SERVER_HOST sets server.host.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	seed(v, cfg)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("imap-engine")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".imap-engine"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// seed registers every key with viper so environment-only configs work.
func seed(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.host", cfg.Server.Host)
	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.security", cfg.Server.Security)
	v.SetDefault("server.user", cfg.Server.User)
	v.SetDefault("server.password", cfg.Server.Password)
	v.SetDefault("server.mechanism", cfg.Server.Mechanism)
	v.SetDefault("server.command_timeout", cfg.Server.CommandTimeout)
	v.SetDefault("server.dial_timeout", cfg.Server.DialTimeout)
	v.SetDefault("cache.mode", cfg.Cache.Mode)
	v.SetDefault("cache.dir", cfg.Cache.Dir)
	v.SetDefault("network.start_offline", cfg.Network.StartOffline)
	v.SetDefault("network.policy", cfg.Network.Policy)
	v.SetDefault("reconnect.enabled", cfg.Reconnect.Enabled)
	v.SetDefault("reconnect.burst", cfg.Reconnect.Burst)
	v.SetDefault("reconnect.per_minute", cfg.Reconnect.PerMinute)
	v.SetDefault("trace.capacity", cfg.Trace.Capacity)
	v.SetDefault("trace.max_line", cfg.Trace.MaxLine)
	v.SetDefault("trace.flush_interval", cfg.Trace.FlushInterval)
	v.SetDefault("trust.file", cfg.Trust.File)
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
}

// Validate normalizes the configuration and reports the first invalid
// setting.
func (c *Config) Validate() error {
	c.Server.Host = strings.TrimSpace(c.Server.Host)
	if c.Server.Host == "" {
		return errors.New("server.host is required")
	}
	sec, err := transport.ParseSecurity(c.Server.Security)
	if err != nil {
		return fmt.Errorf("server.security: %w", err)
	}
	if c.Server.Port == 0 {
		c.Server.Port = 143
		if sec == transport.SecurityTLS {
			c.Server.Port = 993
		}
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}
	switch strings.ToUpper(c.Server.Mechanism) {
	case "", "LOGIN", "PLAIN", "EXTERNAL":
	default:
		return fmt.Errorf("invalid server.mechanism: %q", c.Server.Mechanism)
	}
	if c.Server.CommandTimeout <= 0 {
		return fmt.Errorf("invalid server.command_timeout: %s", c.Server.CommandTimeout)
	}

	c.Cache.Mode = strings.ToLower(strings.TrimSpace(c.Cache.Mode))
	switch c.Cache.Mode {
	case "memory":
	case "persistent":
		if c.Cache.Dir == "" {
			return errors.New("cache.dir is required in persistent mode")
		}
	default:
		return fmt.Errorf("invalid cache.mode: %q", c.Cache.Mode)
	}

	if _, err := imap.ParseNetworkPolicy(c.Network.Policy); err != nil {
		return fmt.Errorf("network.policy: %w", err)
	}
	if c.Reconnect.Burst < 0 || c.Reconnect.PerMinute < 0 {
		return errors.New("reconnect.burst and reconnect.per_minute must not be negative")
	}
	if c.Trace.Capacity <= 0 {
		return fmt.Errorf("invalid trace.capacity: %d", c.Trace.Capacity)
	}

	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}
	return nil
}

// Security returns the parsed server.security value. Valid after Validate.
func (c *Config) Security() transport.Security {
	sec, _ := transport.ParseSecurity(c.Server.Security)
	return sec
}

// Policy returns the initial network policy, honouring start_offline.
// Valid after Validate.
func (c *Config) Policy() imap.NetworkPolicy {
	if c.Network.StartOffline {
		return imap.NetworkOffline
	}
	p, _ := imap.ParseNetworkPolicy(c.Network.Policy)
	return p
}
