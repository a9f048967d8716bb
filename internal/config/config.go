// Package config loads peoplesync settings from an optional JSON/YAML file,
// PEOPLESYNC_* environment variables and built-in defaults, in that order of
// precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"nostr-peoplesync/internal/types"
)

// EnvPrefix is prepended to every environment override, e.g. PEOPLESYNC_REDIS_URL.
const EnvPrefix = "PEOPLESYNC"

// DefaultPath is read when no config path is given. A missing file there is not an error.
const DefaultPath = "config/peoplesync.json"

// Config holds every tunable of the service.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`

	// IndexerRelays receive the broad request of every sync.
	IndexerRelays []string `mapstructure:"indexer_relays"`

	DataGrace    time.Duration `mapstructure:"data_grace"`
	PendingGrace time.Duration `mapstructure:"pending_grace"`

	RelayTimeout    time.Duration `mapstructure:"relay_timeout"`
	DialRetries     uint          `mapstructure:"dial_retries"`
	MaxRelaysPerKey int           `mapstructure:"max_relays_per_key"`

	// RedisURL selects the redis backend for person records; empty means in-memory.
	RedisURL         string        `mapstructure:"redis_url"`
	RedisPrefix      string        `mapstructure:"redis_prefix"`
	RecordCacheSize  int           `mapstructure:"record_cache_size"`
	ResponseCacheTTL time.Duration `mapstructure:"response_cache_ttl"`

	AppDataKeys      []string `mapstructure:"app_data_keys"`
	VerifySignatures bool     `mapstructure:"verify_signatures"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("indexer_relays", []string{
		"wss://purplepag.es",
		"wss://relay.nostr.band",
		"wss://relay.damus.io",
		"wss://relay.primal.net",
		"wss://nos.lol",
	})
	v.SetDefault("data_grace", time.Hour)
	v.SetDefault("pending_grace", 3*time.Second)
	v.SetDefault("relay_timeout", 5*time.Second)
	v.SetDefault("dial_retries", 3)
	v.SetDefault("max_relays_per_key", 3)
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_prefix", "peoplesync:")
	v.SetDefault("record_cache_size", 10000)
	v.SetDefault("response_cache_ttl", 30*time.Second)
	v.SetDefault("app_data_keys", slices.Clone(types.AppDataKeys))
	v.SetDefault("verify_signatures", true)
}

// Load reads configuration. An empty path falls back to $PEOPLESYNC_CONFIG and
// then DefaultPath; only an explicitly named file is required to exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvPrefix + "_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = DefaultPath
	}

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		slog.Debug("config file not found, using defaults", "path", path)
	} else {
		slog.Info("loaded configuration", "path", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	if len(c.IndexerRelays) == 0 {
		return errors.New("indexer_relays must not be empty")
	}
	if c.DataGrace <= 0 || c.PendingGrace <= 0 {
		return errors.New("data_grace and pending_grace must be positive")
	}
	if c.RelayTimeout <= 0 {
		return errors.New("relay_timeout must be positive")
	}
	if c.MaxRelaysPerKey <= 0 {
		return errors.New("max_relays_per_key must be positive")
	}
	return nil
}
