package discovery

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// Redis uses a shared redis as a rendezvous. Each replica keeps a key with a TTL alive while it is discovering and
// polls for the keys of the others. A peer whose key is gone is lost.
type Redis struct {
	Client redis.UniversalClient
	ID     string
	Addr   string

	Prefix   string
	TTL      time.Duration
	Interval time.Duration
	Logger   *slog.Logger
}

func (r *Redis) defaults() {
	if r.Prefix == "" {
		r.Prefix = "localfirst"
	}
	if r.TTL <= 0 {
		r.TTL = 15 * time.Second
	}
	if r.Interval <= 0 {
		r.Interval = r.TTL / 3
	}
	if r.Logger == nil {
		r.Logger = slog.Default()
	}
}

func (r *Redis) keyPrefix(key string) string {
	return r.Prefix + ":peers:" + key + ":"
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func (r *Redis) FindPeers(ctx context.Context, key string) (<-chan Peer, error) {
	r.defaults()
	logger := r.Logger.With("component", "redis-discovery")
	own := r.keyPrefix(key) + r.ID
	if err := r.Client.Set(ctx, own, r.Addr, r.TTL).Err(); err != nil {
		return nil, errors.Wrap(err, "failed to announce")
	}

	t := newTracker(ctx)
	go func() {
		defer t.stop()
		defer func() {
			cleanup, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := r.Client.Del(cleanup, own).Err(); err != nil {
				logger.Warn("failed to withdraw", "err", err)
			}
		}()
		ticker := time.NewTicker(r.Interval)
		defer ticker.Stop()
		for {
			if err := r.poll(ctx, key, t); err != nil && ctx.Err() == nil {
				logger.Warn("failed to poll peers", "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := r.Client.Set(ctx, own, r.Addr, r.TTL).Err(); err != nil && ctx.Err() == nil {
				logger.Warn("failed to refresh announcement", "err", err)
			}
		}
	}()
	return t.out, nil
}

func (r *Redis) poll(ctx context.Context, key string, t *tracker) error {
	prefix := r.keyPrefix(key)
	present := map[string]bool{}
	it := r.Client.Scan(ctx, 0, globEscaper.Replace(prefix)+"*", 100).Iterator()
	for it.Next(ctx) {
		k := it.Val()
		id, ok := strings.CutPrefix(k, prefix)
		// ids never contain ':', a key that does belongs to a longer discovery key
		if !ok || id == r.ID || id == "" || strings.Contains(id, ":") {
			continue
		}
		addr, err := r.Client.Get(ctx, k).Result()
		if errors.Is(err, redis.Nil) {
			continue
		} else if err != nil {
			return errors.Wrapf(err, "failed to read %s", k)
		}
		present[id] = true
		t.seen(Peer{ID: id, Addr: addr})
	}
	if err := it.Err(); err != nil {
		return errors.Wrap(err, "failed to scan peers")
	}
	t.retain(present)
	return nil
}
