// Package config loads replica configuration from a yaml file, LOCALFIRST_ environment variables and defaults.
package config

import (
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/astromechza/automerge-replicas/pkg/discovery"
)

const EnvPrefix = "LOCALFIRST"

type Config struct {
	Database  string          `mapstructure:"database"`
	DataDir   string          `mapstructure:"data_dir"`
	Listen    string          `mapstructure:"listen"`
	Log       LogConfig       `mapstructure:"log"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Sync      SyncConfig      `mapstructure:"sync"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StorageConfig selects the adapter: memory, sqlite, postgres or pebble.
type StorageConfig struct {
	Driver string `mapstructure:"driver"`
	// DSN is the sqlite file or postgres connection string.
	DSN string `mapstructure:"dsn"`
	// Dir holds pebble databases, one per store.
	Dir string `mapstructure:"dir"`
}

// DiscoveryConfig selects how peers are found: none, static, mdns or redis.
type DiscoveryConfig struct {
	Mode string `mapstructure:"mode"`
	// Peers are "id=host:port" pairs for static discovery.
	Peers []string    `mapstructure:"peers"`
	MDNS  MDNSConfig  `mapstructure:"mdns"`
	Redis RedisConfig `mapstructure:"redis"`
}

type MDNSConfig struct {
	Service        string        `mapstructure:"service"`
	BrowseInterval time.Duration `mapstructure:"browse_interval"`
}

type RedisConfig struct {
	Address  string        `mapstructure:"address"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type SyncConfig struct {
	// Policy is "lower" to dial only peers with a higher id, or "always".
	Policy             string        `mapstructure:"policy"`
	SnapshotThreshold  int           `mapstructure:"snapshot_threshold"`
	CompactionInterval time.Duration `mapstructure:"compaction_interval"`
	PingInterval       time.Duration `mapstructure:"ping_interval"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout"`
	InitialBackoff     time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
}

func SetDefaults(v *viper.Viper) {
	v.SetDefault("database", "replicas")
	v.SetDefault("data_dir", ".localfirst")
	v.SetDefault("listen", "127.0.0.1:8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("storage.driver", "memory")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.dir", "")
	v.SetDefault("discovery.mode", "none")
	v.SetDefault("discovery.peers", []string{})
	v.SetDefault("discovery.mdns.service", "_localfirst._tcp")
	v.SetDefault("discovery.mdns.browse_interval", 10*time.Second)
	v.SetDefault("discovery.redis.address", "localhost:6379")
	v.SetDefault("discovery.redis.password", "")
	v.SetDefault("discovery.redis.db", 0)
	v.SetDefault("discovery.redis.prefix", "localfirst")
	v.SetDefault("discovery.redis.ttl", 15*time.Second)
	v.SetDefault("sync.policy", "lower")
	v.SetDefault("sync.snapshot_threshold", 0)
	v.SetDefault("sync.compaction_interval", time.Minute)
	v.SetDefault("sync.ping_interval", 15*time.Second)
	v.SetDefault("sync.idle_timeout", 45*time.Second)
	v.SetDefault("sync.initial_backoff", 500*time.Millisecond)
	v.SetDefault("sync.max_backoff", 30*time.Second)
}

// New returns a viper instance with defaults and environment bindings. Nested keys map to variables like
// LOCALFIRST_STORAGE_DRIVER.
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path, if set, over the defaults and environment of v and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config %s", path)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Database == "" {
		return errors.New("database must be set")
	}
	if _, err := c.Log.level(); err != nil {
		return err
	}
	if !slices.Contains([]string{"text", "json"}, c.Log.Format) {
		return errors.Newf("unknown log format %q", c.Log.Format)
	}
	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres":
		if c.Storage.DSN == "" {
			return errors.Newf("storage.dsn is required for %s", c.Storage.Driver)
		}
	case "pebble":
		if c.Storage.Dir == "" {
			return errors.New("storage.dir is required for pebble")
		}
	default:
		return errors.Newf("unknown storage driver %q", c.Storage.Driver)
	}
	switch c.Discovery.Mode {
	case "none", "mdns":
	case "static":
		if _, err := c.Discovery.StaticPeers(); err != nil {
			return err
		}
	case "redis":
		if c.Discovery.Redis.Address == "" {
			return errors.New("discovery.redis.address is required")
		}
	default:
		return errors.Newf("unknown discovery mode %q", c.Discovery.Mode)
	}
	if !slices.Contains([]string{"lower", "always"}, c.Sync.Policy) {
		return errors.Newf("unknown sync policy %q", c.Sync.Policy)
	}
	return nil
}

// StaticPeers parses the configured peer list.
func (d DiscoveryConfig) StaticPeers() (discovery.Static, error) {
	out := make(discovery.Static, 0, len(d.Peers))
	for _, raw := range d.Peers {
		id, addr, ok := strings.Cut(raw, "=")
		if !ok || id == "" || addr == "" {
			return nil, errors.Newf("invalid peer %q, expected id=address", raw)
		}
		out = append(out, discovery.Peer{ID: id, Addr: addr})
	}
	return out, nil
}

func (l LogConfig) level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return lvl, errors.Wrapf(err, "invalid log level %q", l.Level)
	}
	return lvl, nil
}

// Logger builds the process logger writing to stderr.
func (l LogConfig) Logger() *slog.Logger {
	lvl, _ := l.level()
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
