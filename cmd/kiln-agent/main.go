// Copyright 2026 The Kiln Authors
// SPDX-License-Identifier: Apache-2.0

// kiln-agent wraps a build command and reports its lifecycle to the
// hub: BUILD_START before the command runs, progress updates while it
// runs, and BUILD_COMPLETE with the command's outcome. The agent is
// transparent: the child's stdout and stderr pass through, and the
// agent exits with the child's exit code.
//
// Progress comes from one of two sources. By default the child's
// stdout is scanned for step counters ("[42/1337]" ninja style, "42%"
// percentages). With --progress-file the agent instead tails a file
// the build writes, which also carries named metrics.
//
// The hub connection is best effort. A hub that is down or refusing
// the token never fails the build; the agent logs the problem and
// lets the command run unreported.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/kiln-build/kiln/agent"
	"github.com/kiln-build/kiln/cmd/kiln/cli"
	"github.com/kiln-build/kiln/lib/process"
	"github.com/kiln-build/kiln/lib/schema/build"
	"github.com/kiln-build/kiln/lib/service"
	"github.com/kiln-build/kiln/lib/version"
)

func main() {
	if err := run(); err != nil {
		var exit exitCodeError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		process.Fatal(err)
	}
}

// exitCodeError carries the child's nonzero exit code to main so the
// agent can mirror it.
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("build command exited with code %d", e.code)
}

func run() error {
	var (
		hubAddress   string
		tokenPath    string
		project      string
		buildID      string
		metadata     []string
		progressFile string
		minStep      float64
		grace        time.Duration
		drainTimeout time.Duration
		showVersion  bool
	)

	flagSet := pflag.NewFlagSet("kiln-agent", pflag.ContinueOnError)
	flagSet.StringVar(&hubAddress, "hub", envOr("KILN_HUB", "/run/kiln/hub.sock"), "hub address: socket path or tcp://host:port")
	flagSet.StringVar(&tokenPath, "token-file", os.Getenv("KILN_TOKEN_FILE"), "path to the bearer token file")
	flagSet.StringVar(&project, "project", "", "project the build belongs to (required)")
	flagSet.StringVar(&buildID, "build-id", "", "build id (default: generated UUID)")
	flagSet.StringArrayVar(&metadata, "metadata", nil, "key=value build metadata (repeatable)")
	flagSet.StringVar(&progressFile, "progress-file", "", "tail this file for progress instead of scanning stdout")
	flagSet.Float64Var(&minStep, "min-step", 0.01, "minimum progress delta worth reporting")
	flagSet.DurationVar(&grace, "grace", 10*time.Second, "SIGTERM-to-SIGKILL grace for the build on shutdown")
	flagSet.DurationVar(&drainTimeout, "drain-timeout", 5*time.Second, "how long to wait for queued events after the build ends")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	// Everything after the first non-flag argument is the build
	// command, so "kiln-agent --project llvm ninja -j64" works
	// without a -- separator.
	flagSet.SetInterspersed(false)

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
		version.Print("kiln-agent")
		return nil
	}

	argv := flagSet.Args()
	if len(argv) == 0 {
		return errors.New("no build command given; see kiln-agent --help")
	}
	if project == "" {
		return errors.New("--project is required")
	}
	if tokenPath == "" {
		return errors.New("--token-file is required (or set KILN_TOKEN_FILE)")
	}

	// Text on a terminal, JSON when CI pipes stderr to a log file.
	logger := cli.NewCommandLogger(slog.LevelInfo)

	opener, err := service.NewServiceClient(hubAddress, tokenPath)
	if err != nil {
		return err
	}

	emitter, err := agent.New(agent.Options{
		Opener:  opener,
		Project: project,
		BuildID: buildID,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	// The child stops on SIGINT/SIGTERM; the emitter deliberately
	// does not share that context, so the cancellation event still
	// reaches the hub after the signal.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	emitterCtx, stopEmitter := context.WithCancel(context.Background())
	defer stopEmitter()
	go emitter.Run(emitterCtx)

	emitter.Start(buildMetadata(metadata, argv))
	logger.Info("build starting", "build", emitter.BuildID(), "command", argv[0])

	exitCode, buildErr := runBuild(ctx, argv, emitter, progressFile, minStep, grace, logger)

	switch {
	case buildErr == nil && exitCode == 0:
		emitter.Complete(build.StatusCompleted, "")
	case ctx.Err() != nil:
		emitter.Complete(build.StatusCancelled, "interrupted")
	case buildErr != nil:
		emitter.Complete(build.StatusFailed, buildErr.Error())
	default:
		emitter.Complete(build.StatusFailed, fmt.Sprintf("exit code %d", exitCode))
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := emitter.Drain(drainCtx); err != nil {
		logger.Warn("events not fully delivered", "error", err)
	}

	stats := emitter.Stats()
	logger.Info("build finished",
		"build", emitter.BuildID(),
		"exit_code", exitCode,
		"events_sent", stats.EventsSent,
		"reconnects", stats.Reconnects,
	)

	if buildErr != nil && exitCode < 0 {
		return buildErr
	}
	if exitCode != 0 {
		return exitCodeError{code: exitCode}
	}
	return nil
}

// runBuild starts the build command and pumps progress to the emitter
// until it exits. Returns the child's exit code; -1 with an error
// when the command could not run at all.
func runBuild(
	ctx context.Context,
	argv []string,
	emitter *agent.Emitter,
	progressFile string,
	minStep float64,
	grace time.Duration,
	logger *slog.Logger,
) (int, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stderr = os.Stderr

	// The build runs in its own process group so cancellation reaches
	// the whole tree, not just the direct child: build systems spawn
	// compilers that would otherwise survive and hold the pipes open.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		group := -cmd.Process.Pid
		if err := syscall.Kill(group, syscall.SIGTERM); err != nil {
			return syscall.Kill(group, syscall.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// ESRCH from an already-exited group is harmless.
			_ = syscall.Kill(group, syscall.SIGKILL)
		}()
		return nil
	}

	if progressFile != "" {
		cmd.Stdout = os.Stdout
		stopWatch, err := agent.WatchProgressFile(progressFile, func(sample agent.ProgressSample) {
			emitter.Update(sample.Progress, sample.Metrics)
		}, logger)
		if err != nil {
			return -1, fmt.Errorf("watching progress file: %w", err)
		}
		defer stopWatch()

		err = cmd.Run()
		return classifyExit(err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	if err := cmd.Start(); err != nil {
		return -1, err
	}

	// ScanOutput returns at EOF, which the child's exit produces;
	// Wait must come after so the pipe is still open while scanning.
	if err := agent.ScanOutput(stdout, os.Stdout, minStep, func(progress float64) {
		emitter.Update(progress, nil)
	}); err != nil {
		logger.Warn("stdout scan stopped", "error", err)
	}
	return classifyExit(cmd.Wait())
}

// classifyExit maps a Run/Wait error to an exit code. Signal deaths
// and start failures yield -1 with the error.
func classifyExit(err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		return -1, err
	}
	return -1, err
}

// buildMetadata parses the --metadata flags and fills the defaults
// the hub's consumers expect: the host the build ran on and the
// wrapped command line.
func buildMetadata(pairs []string, argv []string) map[string]string {
	metadata := make(map[string]string, len(pairs)+2)
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			continue
		}
		metadata[key] = value
	}
	if _, ok := metadata["host"]; !ok {
		if hostname, err := os.Hostname(); err == nil {
			metadata["host"] = hostname
		}
	}
	if _, ok := metadata["command"]; !ok {
		metadata["command"] = strings.Join(argv, " ")
	}
	return metadata
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `kiln-agent wraps a build command and reports it to the Kiln hub.

The build's stdout and stderr pass through unchanged, and kiln-agent
exits with the build's exit code. Flags must precede the build
command.

Usage:
  kiln-agent [flags] <command> [args...]

Examples:
  # Report a ninja build, parsing [n/total] progress from stdout
  kiln-agent --project llvm --token-file ~/.kiln/agent.token ninja -j64

  # Tag the build and tail a progress file the build writes
  kiln-agent --project torch-mlir --metadata target=x86_64 \
    --progress-file build/progress.json -- ./ci-build.sh

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
