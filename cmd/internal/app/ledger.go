package app

import (
	"context"
	"fmt"

	"karma/cmd/internal/qr"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	ledgerPostgres = "postgres"
	ledgerSQLite   = "sqlite"
	ledgerMemory   = "memory"
)

// ledger owns the QR store and, for Postgres, the pool behind it.
type ledger struct {
	kind  string
	store qr.Store
	pool  *pgxpool.Pool
}

// durable reports whether redemptions survive a restart.
func (l ledger) durable() bool { return l.kind != ledgerMemory }

func (l ledger) Close(_ context.Context) error {
	var err error
	if l.store != nil {
		err = l.store.Close()
	}
	if l.pool != nil {
		l.pool.Close()
	}
	return err
}

// openLedger picks Postgres, then SQLite, then memory.
func openLedger(ctx context.Context, cfg Config, log Logger) (ledger, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := NewDBPool(ctx, cfg)
		if err != nil {
			return ledger{}, fmt.Errorf("postgres: %w", err)
		}
		if cfg.DBAutoMigrate {
			if err := qr.EnsurePostgresSchema(ctx, pool, cfg.DBSchema); err != nil {
				pool.Close()
				return ledger{}, fmt.Errorf("postgres schema: %w", err)
			}
			log.Info("db.schema.applied", "schema", cfg.DBSchema)
		}
		store, err := qr.NewPostgresStore(pool, qr.WithSchema(cfg.DBSchema))
		if err != nil {
			pool.Close()
			return ledger{}, err
		}
		log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
		return ledger{kind: ledgerPostgres, store: store, pool: pool}, nil

	case cfg.SQLitePath != "":
		store, err := qr.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return ledger{}, fmt.Errorf("sqlite: %w", err)
		}
		log.Info("db.enabled.sqlite_store", "path", cfg.SQLitePath)
		return ledger{kind: ledgerSQLite, store: store}, nil

	default:
		log.Warn("db.disabled.inmemory_store")
		return ledger{kind: ledgerMemory, store: qr.NewMemoryStore()}, nil
	}
}
