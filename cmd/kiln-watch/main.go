// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// kiln-watch is a live dashboard for builds flowing through the Kiln
// hub. It subscribes to one or more projects and renders a per-project
// build table with status, progress, and metrics, plus a scrolling
// event feed.
//
// Two modes of operation:
//
// TUI (default on a terminal): a full-screen bubbletea interface with
// keyboard navigation, resync on demand, and gap/resync markers.
//
// Plain (--plain, or automatically when stdout is not a terminal): one
// text line per event, no escape sequences, suitable for pipes and CI
// logs.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"golang.org/x/term"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kiln-build/kiln/cmd/kiln/cli"
	"github.com/kiln-build/kiln/lib/service"
	"github.com/kiln-build/kiln/lib/version"
	"github.com/kiln-build/kiln/watch"
	"github.com/kiln-build/kiln/watchui"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		hubAddress  string
		tokenPath   string
		plain       bool
		logOutput   string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("kiln-watch", pflag.ContinueOnError)
	flagSet.StringVar(&hubAddress, "hub", envOr("KILN_HUB", "/run/kiln/hub.sock"), "hub address: socket path or tcp://host:port")
	flagSet.StringVar(&tokenPath, "token-file", os.Getenv("KILN_TOKEN_FILE"), "path to the bearer token file")
	flagSet.BoolVar(&plain, "plain", false, "write one text line per event instead of the TUI")
	flagSet.StringVar(&logOutput, "log-output", "", "write JSON log records to this file (in addition to TUI display)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if showVersion {
		version.Print("kiln-watch")
		return nil
	}

	projects := flagSet.Args()
	if len(projects) == 0 {
		return errors.New("no projects given; see kiln-watch --help")
	}
	if tokenPath == "" {
		return errors.New("--token-file is required (or set KILN_TOKEN_FILE)")
	}

	opener, err := service.NewServiceClient(hubAddress, tokenPath)
	if err != nil {
		return err
	}

	// A pipe gets plain output even without the flag: the TUI's
	// escape sequences are useless in a CI log.
	if !plain && !term.IsTerminal(int(os.Stdout.Fd())) {
		plain = true
	}

	if plain {
		return runPlain(opener, projects)
	}
	return runTUI(opener, projects, logOutput)
}

// runPlain streams events as text lines until interrupted or the
// watch stream ends for good.
func runPlain(opener watch.StreamOpener, projects []string) error {
	logger := cli.NewCommandLogger(slog.LevelWarn)

	watcher, err := watch.New(watch.Options{
		Opener:   opener,
		Projects: projects,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// When the watcher gives up (handshake refused, attempts
	// exhausted) the printer must stop too; its notification channel
	// is never closed.
	watchDone := make(chan error, 1)
	go func() {
		err := watcher.Run(runCtx)
		cancel()
		watchDone <- err
	}()

	printer := &watchui.Printer{Out: os.Stdout, Source: watcher}
	if err := printer.Run(runCtx); err != nil {
		return err
	}
	return <-watchDone
}

// runTUI runs the full-screen dashboard. Watcher logging goes through
// a handler that surfaces records in the TUI's help bar instead of
// writing over the alternate screen; --log-output mirrors all records
// to a JSONL file for post-mortem reading.
func runTUI(opener watch.StreamOpener, projects []string, logOutput string) error {
	tuiHandler := watchui.NewLogHandler(slog.LevelWarn)

	var logger *slog.Logger
	if logOutput != "" {
		fileHandler, closeFile, err := openFileLogHandler(logOutput)
		if err != nil {
			return fmt.Errorf("cannot open log file %s: %w", logOutput, err)
		}
		defer closeFile()
		logger = slog.New(teeHandler{tuiHandler, fileHandler})
	} else {
		logger = slog.New(tuiHandler)
	}

	watcher, err := watch.New(watch.Options{
		Opener:   opener,
		Projects: projects,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	model := watchui.New(watcher)
	program := tea.NewProgram(model, tea.WithAltScreen())
	tuiHandler.SetProgram(program)

	watchCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		err := watcher.Run(watchCtx)
		program.Send(watchui.SourceStoppedMsg{Err: err})
	}()

	_, err = program.Run()
	return err
}

// openFileLogHandler creates a JSON slog handler writing to path. The
// file is created or truncated; the cleanup function closes it.
func openFileLogHandler(path string) (slog.Handler, func(), error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, nil, err
	}
	handler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})
	return handler, func() { file.Close() }, nil
}

// teeHandler fans each record out to every underlying handler that is
// enabled for its level.
type teeHandler []slog.Handler

func (handlers teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (handlers teeHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, handler := range handlers {
		if handler.Enabled(ctx, record.Level) {
			if err := handler.Handle(ctx, record); err != nil {
				return err
			}
		}
	}
	return nil
}

func (handlers teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	derived := make(teeHandler, len(handlers))
	for index, handler := range handlers {
		derived[index] = handler.WithAttrs(attrs)
	}
	return derived
}

func (handlers teeHandler) WithGroup(name string) slog.Handler {
	derived := make(teeHandler, len(handlers))
	for index, handler := range handlers {
		derived[index] = handler.WithGroup(name)
	}
	return derived
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `kiln-watch — live terminal dashboard for Kiln builds.

Subscribes to the named projects and renders a per-project build
table with status, progress, and metrics, plus a scrolling event
feed. Keys: tab switches panes, j/k move, g/G jump, r resyncs the
selected project, c clears finished builds, q quits.

Usage:
  kiln-watch [flags] <project> [project...]

Examples:
  # Watch two projects on the local hub
  kiln-watch --token-file ~/.kiln/watch.token llvm torch-mlir

  # Watch a remote hub over TCP
  kiln-watch --hub tcp://kiln.example.com:7600 llvm

  # Pipe events into grep (plain mode is automatic for pipes)
  kiln-watch llvm | grep FAILED

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
