// Package config loads the bridge configuration.
//
// Values are layered, later layers winning: built-in defaults, a TOML file
// (--config), a .env file, PROCHUB_* environment variables, and finally
// command-line flags that were explicitly set.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/prochub/bridge/internal/protocol"
	"github.com/prochub/bridge/internal/session"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "PROCHUB_"

// Config is the full bridge configuration. Durations are milliseconds.
type Config struct {
	// ConfigFile is the TOML file to read. Empty skips the file layer.
	ConfigFile string `toml:"-"`
	// EnvFile is the dotenv file to read. A missing file is not an error.
	EnvFile string `toml:"-"`

	ListenAddr string `toml:"listen_addr" env:"LISTEN_ADDR"`
	DeviceHost string `toml:"device_host" env:"DEVICE_HOST"`
	DevicePort int    `toml:"device_port" env:"DEVICE_PORT"`

	// HandshakePatterns are hex-encoded device preambles.
	HandshakePatterns []string `toml:"handshake_patterns" env:"HANDSHAKE_PATTERNS" envSeparator:","`

	InitDelayMs          int `toml:"init_delay_ms" env:"INIT_DELAY_MS"`
	HandshakeTimeoutMs   int `toml:"handshake_timeout_ms" env:"HANDSHAKE_TIMEOUT_MS"`
	MaxReconnectAttempts int `toml:"max_reconnect_attempts" env:"MAX_RECONNECT_ATTEMPTS"`
	ReconnectDelayMs     int `toml:"reconnect_delay_ms" env:"RECONNECT_DELAY_MS"`
	DialTimeoutMs        int `toml:"dial_timeout_ms" env:"DIAL_TIMEOUT_MS"`
	WriteTimeoutMs       int `toml:"write_timeout_ms" env:"WRITE_TIMEOUT_MS"`
	MinRequestIntervalMs int `toml:"min_request_interval_ms" env:"MIN_REQUEST_INTERVAL_MS"`
	ResponseTimeoutMs    int `toml:"response_timeout_ms" env:"RESPONSE_TIMEOUT_MS"`

	MaxFrameBytes int `toml:"max_frame_bytes" env:"MAX_FRAME_BYTES"`
	RawTailBytes  int `toml:"raw_tail_bytes" env:"RAW_TAIL_BYTES"`

	DBPath        string `toml:"db_path" env:"DB_PATH"`
	TranscriptDir string `toml:"transcript_dir" env:"TRANSCRIPT_DIR"`
	StaticDir     string `toml:"static_dir" env:"STATIC_DIR"`

	ShutdownTimeoutMs int `toml:"shutdown_timeout_ms" env:"SHUTDOWN_TIMEOUT_MS"`

	LogLevel  string `toml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `toml:"log_format" env:"LOG_FORMAT"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		EnvFile:              ".env",
		ListenAddr:           ":8888",
		DeviceHost:           "172.20.10.10",
		DevicePort:           8000,
		HandshakePatterns:    []string{"51434f4e4e0d0a", "fffd22"},
		InitDelayMs:          1000,
		HandshakeTimeoutMs:   0,
		MaxReconnectAttempts: session.DefaultMaxReconnectAttempts,
		ReconnectDelayMs:     3000,
		DialTimeoutMs:        5000,
		WriteTimeoutMs:       5000,
		MinRequestIntervalMs: 1000,
		ResponseTimeoutMs:    5000,
		MaxFrameBytes:        protocol.DefaultMaxFrameSize,
		RawTailBytes:         session.DefaultRawTailSize,
		DBPath:               "data/bridge.db",
		ShutdownTimeoutMs:    10000,
		LogLevel:             "info",
		LogFormat:            "json",
	}
}

// FlagSet returns the command-line flags bound to c. Flag defaults are the
// current values of c, so parsing only changes what was passed.
func FlagSet(c *Config) *pflag.FlagSet {
	flags := pflag.NewFlagSet("prochub-bridge", pflag.ContinueOnError)

	flags.StringVarP(&c.ConfigFile, "config", "c", c.ConfigFile, "path to a TOML config file")
	flags.StringVar(&c.EnvFile, "env-file", c.EnvFile, "path to a .env file")

	flags.StringVar(&c.ListenAddr, "listen-addr", c.ListenAddr, "HTTP/WebSocket listen address")
	flags.StringVar(&c.DeviceHost, "device-host", c.DeviceHost, "device host")
	flags.IntVar(&c.DevicePort, "device-port", c.DevicePort, "device TCP port")
	flags.StringSliceVar(&c.HandshakePatterns, "handshake-patterns", c.HandshakePatterns, "hex-encoded device preambles")

	flags.IntVar(&c.InitDelayMs, "init-delay-ms", c.InitDelayMs, "delay before the initial GetProcesses request")
	flags.IntVar(&c.HandshakeTimeoutMs, "handshake-timeout-ms", c.HandshakeTimeoutMs, "handshake timeout, 0 waits indefinitely")
	flags.IntVar(&c.MaxReconnectAttempts, "max-reconnect-attempts", c.MaxReconnectAttempts, "reconnect attempts after a device connection is lost")
	flags.IntVar(&c.ReconnectDelayMs, "reconnect-delay-ms", c.ReconnectDelayMs, "delay between reconnect attempts")
	flags.IntVar(&c.DialTimeoutMs, "dial-timeout-ms", c.DialTimeoutMs, "device connect timeout")
	flags.IntVar(&c.WriteTimeoutMs, "write-timeout-ms", c.WriteTimeoutMs, "device write timeout")
	flags.IntVar(&c.MinRequestIntervalMs, "min-request-interval-ms", c.MinRequestIntervalMs, "minimum spacing between browser requests")
	flags.IntVar(&c.ResponseTimeoutMs, "response-timeout-ms", c.ResponseTimeoutMs, "how long a request waits for its response")

	flags.IntVar(&c.MaxFrameBytes, "max-frame-bytes", c.MaxFrameBytes, "largest device message accepted")
	flags.IntVar(&c.RawTailBytes, "raw-tail-bytes", c.RawTailBytes, "raw device bytes kept per session")

	flags.StringVar(&c.DBPath, "db-path", c.DBPath, "session journal database")
	flags.StringVar(&c.TranscriptDir, "transcript-dir", c.TranscriptDir, "directory for wire transcripts, empty disables")
	flags.StringVar(&c.StaticDir, "static-dir", c.StaticDir, "directory served to non-WebSocket requests")

	flags.IntVar(&c.ShutdownTimeoutMs, "shutdown-timeout-ms", c.ShutdownTimeoutMs, "graceful shutdown timeout")

	flags.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level: debug, info, warn, error")
	flags.StringVar(&c.LogFormat, "log-format", c.LogFormat, "log format: json or console")

	return flags
}

// Load builds the configuration from all layers. args excludes the program
// name. pflag.ErrHelp is returned when -h or --help is given.
func Load(args []string) (*Config, error) {
	// First pass only locates the config and env files.
	probe := Default()
	if err := FlagSet(&probe).Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()
	cfg.EnvFile = probe.EnvFile

	if cfg.EnvFile != "" {
		if err := godotenv.Load(cfg.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load env file %s: %w", cfg.EnvFile, err)
		}
	}

	// The file may be named by flag or by environment.
	cfg.ConfigFile = probe.ConfigFile
	if cfg.ConfigFile == "" {
		cfg.ConfigFile = os.Getenv(EnvPrefix + "CONFIG")
	}

	if cfg.ConfigFile != "" {
		if _, err := toml.DecodeFile(cfg.ConfigFile, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", cfg.ConfigFile, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := FlagSet(&cfg).Parse(args); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and handshake pattern encoding.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.DeviceHost == "" {
		return errors.New("device_host is required")
	}
	if c.DevicePort < 1 || c.DevicePort > 65535 {
		return fmt.Errorf("device_port %d out of range", c.DevicePort)
	}
	if len(c.HandshakePatterns) == 0 {
		return errors.New("at least one handshake pattern is required")
	}
	if _, err := c.handshakePatterns(); err != nil {
		return err
	}

	for name, v := range map[string]int{
		"init_delay_ms":           c.InitDelayMs,
		"handshake_timeout_ms":    c.HandshakeTimeoutMs,
		"max_reconnect_attempts":  c.MaxReconnectAttempts,
		"reconnect_delay_ms":      c.ReconnectDelayMs,
		"dial_timeout_ms":         c.DialTimeoutMs,
		"write_timeout_ms":        c.WriteTimeoutMs,
		"min_request_interval_ms": c.MinRequestIntervalMs,
		"response_timeout_ms":     c.ResponseTimeoutMs,
		"shutdown_timeout_ms":     c.ShutdownTimeoutMs,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if c.MaxFrameBytes <= 0 {
		return errors.New("max_frame_bytes must be positive")
	}
	if c.RawTailBytes <= 0 {
		return errors.New("raw_tail_bytes must be positive")
	}

	switch c.LogFormat {
	case "json", "console", "text":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}

// DeviceAddr returns the device host:port.
func (c *Config) DeviceAddr() string {
	return net.JoinHostPort(c.DeviceHost, strconv.Itoa(c.DevicePort))
}

// ShutdownTimeout returns the graceful shutdown timeout.
func (c *Config) ShutdownTimeout() time.Duration {
	return ms(c.ShutdownTimeoutMs)
}

// SessionConfig converts the configuration into per-session parameters.
func (c *Config) SessionConfig() (session.Config, error) {
	patterns, err := c.handshakePatterns()
	if err != nil {
		return session.Config{}, err
	}

	cfg := session.DefaultConfig(c.DeviceAddr())
	cfg.HandshakePatterns = patterns
	cfg.InitDelay = ms(c.InitDelayMs)
	cfg.HandshakeTimeout = ms(c.HandshakeTimeoutMs)
	cfg.DialTimeout = ms(c.DialTimeoutMs)
	cfg.WriteTimeout = ms(c.WriteTimeoutMs)
	cfg.MaxReconnectAttempts = c.MaxReconnectAttempts
	cfg.ReconnectDelay = ms(c.ReconnectDelayMs)
	cfg.MinRequestInterval = ms(c.MinRequestIntervalMs)
	cfg.ResponseTimeout = ms(c.ResponseTimeoutMs)
	cfg.MaxFrameSize = c.MaxFrameBytes
	cfg.RawTailSize = c.RawTailBytes
	return cfg, nil
}

func (c *Config) handshakePatterns() ([][]byte, error) {
	patterns := make([][]byte, 0, len(c.HandshakePatterns))
	for _, p := range c.HandshakePatterns {
		b, err := protocol.ParsePattern(p)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, b)
	}
	return patterns, nil
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
