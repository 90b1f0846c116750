package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/memohai/chatbridge/internal/config"
	"github.com/memohai/chatbridge/internal/db"
	"github.com/memohai/chatbridge/internal/session"
)

// openSessionStore opens the configured session store. The returned cleanup
// releases the underlying connection.
func openSessionStore(ctx context.Context, log *slog.Logger, cfg config.Config) (session.Store, func(), error) {
	switch cfg.Store.Driver {
	case "postgres":
		pool, err := db.Open(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		return session.NewPostgresStore(pool), pool.Close, nil
	case "sqlite":
		conn, err := db.OpenSQLite(cfg.SQLite.Path)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite open: %w", err)
		}
		if err := db.MigrateSQLite(conn); err != nil {
			_ = conn.Close()
			return nil, nil, fmt.Errorf("sqlite migrate: %w", err)
		}
		return session.NewSQLiteStore(conn), func() { _ = conn.Close() }, nil
	case "memory":
		log.Warn("using in-memory session store; sessions are lost on restart")
		return session.NewMemoryStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
}
