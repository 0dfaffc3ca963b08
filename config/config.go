// Package config loads the hub's runtime options via viper, binding
// environment variables and an optional config file on top of
// defaults.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// TTLZeroPolicy decides whether a message whose TTL reaches exactly
// zero after decrement takes one more hop or is dropped at the
// receiving hub.
type TTLZeroPolicy string

const (
	// TTLZeroPropagate lets a ttl=0 message take one more hop.
	TTLZeroPropagate TTLZeroPolicy = "propagate"
	// TTLZeroDrop drops a ttl=0 message at this hub unless a direct
	// connection to its recipient exists, in which case it is still
	// sent over that connection. Default.
	TTLZeroDrop TTLZeroPolicy = "drop"
)

// Config holds the hub's routing and identity options plus the
// ambient options a runnable deployment needs (data directory, listen
// address, log level, flush cadence).
type Config struct {
	Hostname string `mapstructure:"hostname"`

	StartTTL      int32         `mapstructure:"start_ttl"`
	TTLZeroPolicy TTLZeroPolicy `mapstructure:"ttl_zero_policy"`

	SSLCertChainPath  string `mapstructure:"ssl_cert_chain_path"`
	SSLPrivateKeyPath string `mapstructure:"ssl_private_key_path"`

	DirectoryEndpoint string `mapstructure:"directory_endpoint"`

	ListenAddr    string        `mapstructure:"listen_addr"`
	DataDir       string        `mapstructure:"data_dir"`
	KeyPassphrase string        `mapstructure:"key_passphrase"`
	LogLevel      string        `mapstructure:"log_level"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// Load reads configuration from (in ascending priority) built-in
// defaults, an optional file at path (if non-empty), and
// OVERLAYHUB_-prefixed environment variables.
func Load(path string) (Config, error) {
	v := viper.New()

	v.SetDefault("start_ttl", 99)
	v.SetDefault("ttl_zero_policy", string(TTLZeroDrop))
	v.SetDefault("listen_addr", "0.0.0.0:4433")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log_level", "info")
	v.SetDefault("flush_interval", "1m")

	v.SetEnvPrefix("OVERLAYHUB")
	v.AutomaticEnv()
	// AutomaticEnv only reaches keys viper already knows from a default
	// or the config file; bind the keys without a default explicitly.
	for _, key := range []string{"hostname", "ssl_cert_chain_path", "ssl_private_key_path", "directory_endpoint", "key_passphrase"} {
		if err := v.BindEnv(key); err != nil {
			return Config{}, fmt.Errorf("config: bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}

	if cfg.TTLZeroPolicy != TTLZeroPropagate && cfg.TTLZeroPolicy != TTLZeroDrop {
		return Config{}, fmt.Errorf("config: ttl_zero_policy must be %q or %q, got %q",
			TTLZeroPropagate, TTLZeroDrop, cfg.TTLZeroPolicy)
	}
	if cfg.Hostname == "" {
		return Config{}, fmt.Errorf("config: hostname is required")
	}
	if cfg.DirectoryEndpoint == "" {
		return Config{}, fmt.Errorf("config: directory_endpoint is required")
	}

	return cfg, nil
}
