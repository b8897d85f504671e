package main

import (
	"context"
	"fmt"

	"github.com/haukened/dnsgate/internal/dns/common/log"
	"github.com/haukened/dnsgate/internal/dns/config"
	"github.com/haukened/dnsgate/internal/dns/repos/boltstore"
	"github.com/haukened/dnsgate/internal/dns/repos/seed"
	"github.com/haukened/dnsgate/internal/dns/repos/sqlstore"
	"github.com/haukened/dnsgate/internal/dns/services/policy"
	"github.com/haukened/dnsgate/internal/dns/services/sessions"
)

// appStore is what every backend provides to the application.
type appStore interface {
	policy.Store
	sessions.Store
	seed.Writer
	Ping(ctx context.Context) error
	Close() error
}

// openStore opens the configured backend. SQL backends are migrated up
// first when cfg.Migrate is set.
func openStore(ctx context.Context, cfg config.StoreConfig) (appStore, error) {
	switch cfg.Driver {
	case "bolt":
		st, err := boltstore.Open(cfg.DSN)
		if err != nil {
			return nil, err
		}
		log.Info(map[string]any{"driver": cfg.Driver, "path": cfg.DSN}, "Session store opened")
		return st, nil
	case "postgres", "sqlite":
		st, err := openSQLStore(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if cfg.Migrate {
			if err := st.Migrate("up"); err != nil {
				_ = st.Close()
				return nil, err
			}
		}
		log.Info(map[string]any{
			"driver":  cfg.Driver,
			"migrate": cfg.Migrate,
			"pool":    cfg.MaxOpenConns,
		}, "Session store opened")
		return st, nil
	default:
		return nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}

func openSQLStore(ctx context.Context, cfg config.StoreConfig) (*sqlstore.Store, error) {
	return sqlstore.Open(ctx, sqlstore.Options{
		Driver:          cfg.Driver,
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})
}
