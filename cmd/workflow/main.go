// Package main is the entry point of the workflow command. It wires the
// engine to its configured store, user directory and intake stack, and
// exposes instance operations as subcommands plus the operations server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/subosito/gotenv"
	"go.uber.org/zap"

	"github.com/Yaduri/workflow-system/internal/config"
	"github.com/Yaduri/workflow-system/internal/observability"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// Exit codes.
const (
	exitOK       = 0
	exitError    = 1
	exitUsage    = 2
	exitRejected = 3
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// cli carries what every subcommand needs.
type cli struct {
	cfg    *config.Config
	logger *zap.Logger
	stdout io.Writer
	stderr io.Writer
}

func run(args []string, stdout, stderr io.Writer) int {
	// Step 1: Parse global flags and pick the subcommand.
	flags := flag.NewFlagSet("workflow", flag.ContinueOnError)
	flags.SetOutput(stderr)
	configPath := flags.String("config", "", "path to configuration file")
	envFile := flags.String("env-file", ".env", "dotenv file read before environment overrides")
	flags.Usage = func() { usage(stderr, flags) }
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		return exitUsage
	}
	if flags.NArg() == 0 {
		flags.Usage()
		return exitUsage
	}
	name := flags.Arg(0)
	cmd, ok := lookupCommand(name)
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", name)
		flags.Usage()
		return exitUsage
	}

	// Step 2: Load configuration.
	if err := loadEnvFile(*envFile); err != nil {
		fmt.Fprintf(stderr, "env file error: %v\n", err)
		return exitError
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitError
	}
	// stdout belongs to command output everywhere except the server.
	if cfg.Observability.LogOutput == "" && name != "serve" {
		cfg.Observability.LogOutput = "stderr"
	}

	// Step 3: Initialize logging.
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(stderr, "logger error: %v\n", err)
		return exitError
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "workflow", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return exitError
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracingShutdown(flushCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
	}()

	c := &cli{cfg: cfg, logger: logger, stdout: stdout, stderr: stderr}
	if err := cmd.run(ctx, c, flags.Args()[1:]); err != nil {
		return c.fail(name, err)
	}
	return exitOK
}

// loadEnvFile reads KEY=value pairs into the environment. Variables that
// are already set win, and a missing file is not an error.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return gotenv.Load(path)
}

func usage(w io.Writer, flags *flag.FlagSet) {
	fmt.Fprintf(w, "usage: workflow [flags] <command> [command flags]\n\ncommands:\n")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-11s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintf(w, "\nflags:\n")
	flags.PrintDefaults()
}
