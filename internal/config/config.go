// Package config provides Viper-based configuration loading for the relay server.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// RelayConfig holds the frame relay listener settings.
type RelayConfig struct {
	// Host is the bind address for the relay listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the relay listener. Zero binds a random port.
	Port int `mapstructure:"port"`
	// ReadTimeout bounds each frame read. Zero disables the deadline.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout bounds each outbound flush. Zero disables the deadline.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	// MaxFrameBytes caps the declared payload length of inbound frames. Zero means unlimited.
	MaxFrameBytes uint32 `mapstructure:"max_frame_bytes"`
	// FramesPerSecond throttles how fast a single connection's frames are read.
	// Zero disables throttling.
	FramesPerSecond float64 `mapstructure:"frames_per_second"`
	// FrameBurst is the limiter bucket size used when FramesPerSecond is set.
	FrameBurst int `mapstructure:"frame_burst"`
}

// Addr returns the "host:port" listen address.
//
// Postcondition: Returns a non-empty string in "host:port" format.
func (r RelayConfig) Addr() string {
	return net.JoinHostPort(r.Host, strconv.Itoa(r.Port))
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
	// File, when set, redirects log output to a rotated file instead of stderr.
	File string `mapstructure:"file"`
	// MaxSizeMB is the size at which the log file is rotated.
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files kept.
	MaxBackups int `mapstructure:"max_backups"`
	// MaxAgeDays is the age after which rotated files are removed.
	MaxAgeDays int `mapstructure:"max_age_days"`
}

// Config is the top-level application configuration.
type Config struct {
	Relay   RelayConfig   `mapstructure:"relay"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateRelay(c.Relay); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	var errs []string
	if r.Port < 0 || r.Port > 65535 {
		errs = append(errs, fmt.Sprintf("relay.port must be 0-65535, got %d", r.Port))
	}
	if r.ReadTimeout < 0 {
		errs = append(errs, "relay.read_timeout must not be negative")
	}
	if r.WriteTimeout < 0 {
		errs = append(errs, "relay.write_timeout must not be negative")
	}
	if r.FramesPerSecond < 0 {
		errs = append(errs, fmt.Sprintf("relay.frames_per_second must be >= 0, got %g", r.FramesPerSecond))
	}
	if r.FramesPerSecond > 0 && r.FrameBurst < 1 {
		errs = append(errs, fmt.Sprintf("relay.frame_burst must be >= 1 when throttling, got %d", r.FrameBurst))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	if l.File != "" && l.MaxSizeMB < 1 {
		return fmt.Errorf("logging.max_size_mb must be >= 1 when logging.file is set, got %d", l.MaxSizeMB)
	}
	return nil
}

// RegisterFlags adds the relay command-line options to fs.
// The short forms -i and -p mirror the options operators already script against.
//
// Postcondition: fs carries the ip, port, log-level and log-format flags.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.StringP("ip", "i", "0.0.0.0", "relay bind address")
	fs.IntP("port", "p", 12345, "relay port")
	fs.String("log-level", "info", "minimum log level (debug, info, warn, error)")
	fs.String("log-format", "json", "log format (json, console)")
}

// Load reads configuration from defaults, the optional YAML file at path, RELAY_
// environment variables and, when fs is non-nil, explicitly set flags, in ascending
// precedence, and validates the result.
//
// Precondition: path is empty or names a readable YAML file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string, fs *pflag.FlagSet) (Config, error) {
	v := viper.New()

	// Environment variable overrides with RELAY_ prefix
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return Config{}, err
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper builds a Config from an already-configured Viper instance.
//
// Precondition: v must be non-nil and have configuration values set.
// Postcondition: Returns a valid Config or a non-nil error.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"ip":         "relay.host",
	"port":       "relay.port",
	"log-level":  "logging.level",
	"log-format": "logging.format",
}

// bindFlags binds only the flags the operator actually set, so a flag's default
// never shadows a value from the config file or the environment.
func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("binding flag %q: %w", name, err)
		}
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("relay.host", "0.0.0.0")
	v.SetDefault("relay.port", 12345)
	v.SetDefault("relay.read_timeout", "0s")
	v.SetDefault("relay.write_timeout", "0s")
	v.SetDefault("relay.max_frame_bytes", 0)
	v.SetDefault("relay.frames_per_second", 0)
	v.SetDefault("relay.frame_burst", 1)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 7)
}
