// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// kiln-hub is the Kiln build event hub. It accepts emit streams from
// build agents, fans events out to watch subscribers, persists the
// event history, and answers status and builds queries on the same
// socket.
//
// Configuration comes from a single YAML file named by --config or
// the KILN_CONFIG environment variable. Token verification uses the
// Ed25519 public key named in the config; when the key files are
// absent from the state directory on first boot, a keypair is
// generated there so a development hub works without ceremony.
package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/kiln-build/kiln/history"
	"github.com/kiln-build/kiln/hub"
	"github.com/kiln-build/kiln/lib/clock"
	"github.com/kiln-build/kiln/lib/config"
	"github.com/kiln-build/kiln/lib/hubtoken"
	"github.com/kiln-build/kiln/lib/process"
	"github.com/kiln-build/kiln/lib/service"
	"github.com/kiln-build/kiln/lib/version"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet("kiln-hub", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "config file path (overrides KILN_CONFIG)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		return err
	}

	if showVersion {
		version.Print("kiln-hub")
		return nil
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	publicKey, err := verifyKey(cfg, logger)
	if err != nil {
		return err
	}

	projects, err := loadProjects(cfg)
	if err != nil {
		return err
	}

	eventHub, err := hub.New(hub.Options{
		QueueCapacity:      cfg.Hub.QueueCapacity,
		ViolationThreshold: cfg.Hub.ViolationThreshold,
		IdleTimeout:        cfg.Hub.IdleTimeout.Std(),
		AgentGrace:         cfg.Hub.AgentGrace.Std(),
		HeartbeatInterval:  cfg.Hub.HeartbeatInterval.Std(),
		RetentionGrace:     cfg.Hub.RetentionGrace.Std(),
		MaxBacklog:         cfg.Hub.MaxBacklog,
		CompactAfter:       cfg.History.CompactAfter.Std(),
		CompactInterval:    cfg.History.CompactInterval.Std(),
		Store:              store,
		Projects:           projects,
		Logger:             logger,
	})
	if err != nil {
		return err
	}

	socketServer := service.NewSocketServer(cfg.Hub.Socket, logger, &service.AuthConfig{
		PublicKey: publicKey,
		Audience:  hubtoken.HubAudience,
	})
	eventHub.RegisterActions(socketServer)

	// The hub loops (appender, liveness sweeper, compactor) and the
	// socket listeners all stop on the signal context; shutdown waits
	// for each in turn so in-flight streams drain before exit.
	hubDone := make(chan struct{})
	go func() {
		eventHub.Run(ctx)
		close(hubDone)
	}()

	socketDone := make(chan error, 1)
	go func() {
		socketDone <- socketServer.Serve(ctx)
	}()

	var tcpDone chan error
	if cfg.Hub.TCPListen != "" {
		listener, err := net.Listen("tcp", cfg.Hub.TCPListen)
		if err != nil {
			return fmt.Errorf("tcp listen on %s: %w", cfg.Hub.TCPListen, err)
		}
		tcpDone = make(chan error, 1)
		go func() {
			tcpDone <- socketServer.ServeListener(ctx, listener)
		}()
	}

	logger.Info("hub running",
		"socket", cfg.Hub.Socket,
		"tcp", cfg.Hub.TCPListen,
		"backend", cfg.History.Backend,
		"environment", string(cfg.Environment),
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := <-socketDone; err != nil {
		logger.Error("socket server error", "error", err)
	}
	if tcpDone != nil {
		if err := <-tcpDone; err != nil {
			logger.Error("tcp server error", "error", err)
		}
	}
	<-hubDone

	return nil
}

// loadConfig resolves the configuration source: the --config flag if
// given, the KILN_CONFIG environment variable otherwise.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// openStore creates the history backend the configuration names.
func openStore(cfg *config.Config, logger *slog.Logger) (history.Store, error) {
	compression, err := history.ParseCompression(cfg.History.Compression)
	if err != nil {
		return nil, err
	}

	switch cfg.History.Backend {
	case "sqlite":
		return history.OpenSQLite(history.SQLiteConfig{
			Path:        cfg.History.SQLitePath,
			Compression: compression,
			Clock:       clock.Real(),
			Logger:      logger,
		})
	case "redis":
		return history.OpenRedis(history.RedisConfig{
			Addr:        cfg.History.RedisAddr,
			Compression: compression,
			Clock:       clock.Real(),
			Logger:      logger,
		})
	case "memory":
		logger.Warn("memory history backend: events are lost on restart")
		return history.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown history backend %q", cfg.History.Backend)
	}
}

// verifyKey loads the token verification key. When the configured
// path is the conventional location inside the state directory and no
// keypair exists yet, one is generated and saved there; a custom path
// must already exist (the key was minted elsewhere and only the
// public half was distributed to this hub).
func verifyKey(cfg *config.Config, logger *slog.Logger) (ed25519.PublicKey, error) {
	if cfg.Hub.PublicKeyFile == hubtoken.PublicKeyPath(cfg.Paths.State) {
		public, _, generated, err := hubtoken.LoadOrGenerateKeypair(cfg.Paths.State)
		if err != nil {
			return nil, fmt.Errorf("signing keypair: %w", err)
		}
		if generated {
			logger.Info("generated hub signing keypair", "state", cfg.Paths.State)
		}
		return public, nil
	}
	return hubtoken.LoadPublicKey(cfg.Hub.PublicKeyFile)
}

// loadProjects builds the project registry: from the configured
// registry file when one is named, otherwise an empty registry whose
// acceptance of undeclared projects follows projects.open.
func loadProjects(cfg *config.Config) (*hub.ProjectRegistry, error) {
	if cfg.Projects.File != "" {
		return hub.LoadProjects(cfg.Projects.File, cfg.Projects.Open)
	}
	return hub.NewProjectRegistry(cfg.Projects.Open)
}
