// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// Package history implements the "kiln history" command group:
// offline queries and maintenance against the hub's history store,
// using the same configuration file the hub reads.
package history

import (
	"fmt"
	"log/slog"

	"github.com/kiln-build/kiln/cmd/kiln/cli"
	historystore "github.com/kiln-build/kiln/history"
	"github.com/kiln-build/kiln/lib/clock"
	"github.com/kiln-build/kiln/lib/config"
)

// Command returns the "kiln history" command group.
func Command() *cli.Command {
	return &cli.Command{
		Name:    "history",
		Summary: "Query and maintain the build history store",
		Description: `Operate on the history store directly, without going through a
hub. Queries read past builds and their event streams; compact
folds old per-event rows into compressed bundles.

The store is resolved from the same configuration file the hub
reads (--config or KILN_CONFIG). SQLite runs in WAL mode, so
reading alongside a live hub is safe.`,
		Subcommands: []*cli.Command{
			queryCommand(),
			compactCommand(),
		},
	}
}

// openStore opens the history backend the configuration names. The
// memory backend is rejected: it lives inside a hub process and has
// nothing to read offline.
func openStore(configPath string) (historystore.Store, error) {
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	compression, err := historystore.ParseCompression(cfg.History.Compression)
	if err != nil {
		return nil, err
	}

	// Store logs go to stderr at warn level so query output on stdout
	// stays clean.
	logger := cli.NewCommandLogger(slog.LevelWarn)

	switch cfg.History.Backend {
	case "sqlite":
		return historystore.OpenSQLite(historystore.SQLiteConfig{
			Path:        cfg.History.SQLitePath,
			Compression: compression,
			Clock:       clock.Real(),
			Logger:      logger,
		})
	case "redis":
		return historystore.OpenRedis(historystore.RedisConfig{
			Addr:        cfg.History.RedisAddr,
			Compression: compression,
			Clock:       clock.Real(),
			Logger:      logger,
		})
	case "memory":
		return nil, fmt.Errorf("the memory backend keeps no history outside a running hub")
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.History.Backend)
	}
}
