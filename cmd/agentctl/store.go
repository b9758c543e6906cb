package main

import (
	"log/slog"

	"github.com/agentloom/runtime/internal/config"
	"github.com/agentloom/runtime/internal/eventstore"
)

// openStore opens the event store named by the RuntimeConfig at configPath,
// the same driver-selection logic cmd/agentd uses, so agentctl talks to
// whatever backend the running daemon was pointed at.
func openStore(configPath string) (eventstore.EventStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	switch cfg.Store.Driver {
	case "postgres":
		pgCfg := eventstore.DefaultPostgresConfig(cfg.Store.DSN)
		return eventstore.NewPostgresStore(pgCfg)
	default:
		return eventstore.NewSQLiteStore(eventstore.SQLiteConfig{
			Path:       cfg.Store.Path,
			DriverName: cfg.Store.DriverName,
			Logger:     slog.Default(),
		})
	}
}
