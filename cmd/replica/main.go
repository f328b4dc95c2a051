package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/astromechza/automerge-replicas/pkg/config"
	"github.com/astromechza/automerge-replicas/pkg/connmgr"
	"github.com/astromechza/automerge-replicas/pkg/discovery"
	"github.com/astromechza/automerge-replicas/pkg/identity"
	"github.com/astromechza/automerge-replicas/pkg/storage"
	"github.com/astromechza/automerge-replicas/pkg/storage/memstore"
	"github.com/astromechza/automerge-replicas/pkg/storage/pebblestore"
	"github.com/astromechza/automerge-replicas/pkg/storage/sqlstore"
	"github.com/astromechza/automerge-replicas/pkg/syncconn"
	"github.com/astromechza/automerge-replicas/pkg/transport"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	return newRootCommand().Execute()
}

type app struct {
	v          *viper.Viper
	configPath string
	cfg        *config.Config
	logger     *slog.Logger
}

func newRootCommand() *cobra.Command {
	a := &app{v: config.New()}
	root := &cobra.Command{
		Use:           "replica",
		Short:         "Replicate local-first document stores between peers",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.v, a.configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = cfg.Log.Logger()
			slog.SetDefault(a.logger)
			return nil
		},
	}

	f := root.PersistentFlags()
	f.StringVar(&a.configPath, "config", "", "yaml config file")
	f.String("database", "", "the database name stores belong to")
	f.String("data-dir", "", "directory holding the identity file")
	f.String("listen", "", "the address to listen on")
	f.String("log-level", "", "debug, info, warn or error")
	f.String("storage", "", "memory, sqlite, postgres or pebble")
	f.String("storage-dsn", "", "sqlite file or postgres connection string")
	f.String("storage-dir", "", "pebble directory")
	f.String("discovery", "", "none, static, mdns or redis")
	f.StringSlice("peer", nil, "static peer as id=host:port, repeatable")
	for key, flag := range map[string]string{
		"database":        "database",
		"data_dir":        "data-dir",
		"listen":          "listen",
		"log.level":       "log-level",
		"storage.driver":  "storage",
		"storage.dsn":     "storage-dsn",
		"storage.dir":     "storage-dir",
		"discovery.mode":  "discovery",
		"discovery.peers": "peer",
	} {
		_ = a.v.BindPFlag(key, f.Lookup(flag))
	}

	root.AddCommand(a.serveCommand(), a.counterCommand(), a.inspectCommand())
	return root
}

func (a *app) identity() *identity.FileStore {
	return identity.NewFileStore(filepath.Join(a.cfg.DataDir, "identity.json"), nil)
}

// storage returns the adapter factory for the configured driver.
func (a *app) storage(ctx context.Context) func(ns string) (storage.Adapter, error) {
	c := a.cfg.Storage
	return func(ns string) (storage.Adapter, error) {
		switch c.Driver {
		case "sqlite":
			return sqlstore.Connect(ctx, "sqlite3", c.DSN, ns)
		case "postgres":
			return sqlstore.Connect(ctx, "postgres", c.DSN, ns)
		case "pebble":
			return pebblestore.OpenDir(filepath.Join(c.Dir, ns), nil, ns)
		default:
			return memstore.New(ns), nil
		}
	}
}

// discovery builds the configured mechanism advertising actor at the listen address.
func (a *app) discovery(actor string) (discovery.Discovery, func(), error) {
	c := a.cfg.Discovery
	switch c.Mode {
	case "static":
		peers, err := c.StaticPeers()
		return peers, func() {}, err
	case "mdns":
		_, rawPort, err := net.SplitHostPort(a.cfg.Listen)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "failed to parse listen address %s", a.cfg.Listen)
		}
		port, err := strconv.Atoi(rawPort)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "invalid port %s", rawPort)
		}
		return &discovery.MDNS{
			ID:             actor,
			Port:           port,
			Service:        c.MDNS.Service,
			BrowseInterval: c.MDNS.BrowseInterval,
			Logger:         a.logger,
		}, func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: c.Redis.Address, Password: c.Redis.Password, DB: c.Redis.DB})
		d := &discovery.Redis{
			Client: client,
			ID:     actor,
			Addr:   a.cfg.Listen,
			Prefix: c.Redis.Prefix,
			TTL:    c.Redis.TTL,
			Logger: a.logger,
		}
		return d, func() {
			if err := client.Close(); err != nil {
				a.logger.Warn("failed to close redis client", "err", err)
			}
		}, nil
	default:
		return nil, func() {}, nil
	}
}

func (a *app) policy() connmgr.DialPolicy {
	if a.cfg.Sync.Policy == "always" {
		return connmgr.DialAlways
	}
	return connmgr.DialLowerID
}

func (a *app) connOptions(o *syncconn.Options) {
	o.PingInterval = a.cfg.Sync.PingInterval
	o.IdleTimeout = a.cfg.Sync.IdleTimeout
}

// dialFor dials the sync endpoint of key on host:port addresses, announcing actor.
func dialFor(actor string) func(key string) transport.DialFunc {
	return func(key string) transport.DialFunc {
		return transport.WebsocketDialer(func(addr string) string {
			return syncURL(addr, key, actor)
		}, nil)
	}
}

func syncURL(addr, key, actor string) string {
	return "ws://" + addr + "/stores/" + key + "/sync?peer=" + actor
}
