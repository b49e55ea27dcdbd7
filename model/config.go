package model

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/meszmate/imap-engine/cache"
	"github.com/meszmate/imap-engine/config"
	"github.com/meszmate/imap-engine/task"
)

// FromConfig translates a validated configuration into model options. In
// persistent mode it opens the sqlite cache, wrapped so that a failing
// database degrades to memory, and it loads the trust file when one is set.
// Both are owned by the model and closed with it.
func FromConfig(cfg *config.Config, logger *zap.Logger) ([]Option, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []Option{
		WithLogger(logger),
		WithServer(cfg.Server.Addr(), cfg.Security()),
		WithCredentials(task.Credentials{
			Username:  cfg.Server.User,
			Password:  cfg.Server.Password,
			Mechanism: cfg.Server.Mechanism,
		}),
		WithNetworkPolicy(cfg.Policy()),
		WithReconnect(ReconnectPolicy{
			Enabled:   cfg.Reconnect.Enabled,
			Burst:     cfg.Reconnect.Burst,
			PerMinute: cfg.Reconnect.PerMinute,
		}),
		WithCommandTimeout(cfg.Server.CommandTimeout),
		WithTrace(cfg.Trace.Capacity, cfg.Trace.MaxLine, cfg.Trace.FlushInterval),
		func(o *Options) {
			if cfg.Server.DialTimeout > 0 {
				o.DialTimeout = cfg.Server.DialTimeout
			}
		},
	}

	if cfg.Trust.File != "" {
		store, err := LoadTrustStore(cfg.Trust.File)
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTrustStore(store))
	}
	if cfg.Cache.Mode == "persistent" {
		if err := os.MkdirAll(cfg.Cache.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		db, err := cache.OpenSQLite(cfg.Cache.Path(), cache.WithLogger(logger))
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithCache(cache.NewFallback(db, logger)))
	}

	return opts, nil
}
