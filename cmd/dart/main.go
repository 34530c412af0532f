// DART edge/cloud launcher and configuration tooling.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dartlabs/dart/internal/app"
	"github.com/dartlabs/dart/internal/config"
	"github.com/dartlabs/dart/pkg/logging"
)

// Exit codes.
const (
	exitOK            = 0
	exitError         = 1
	exitConfigInvalid = 2
	exitFatalSafety   = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()
		return exitError
	}

	switch args[0] {
	case "run":
		return runCommand(args[1:])
	case "config":
		return configCommand(args[1:])
	case "-h", "--help", "help":
		usage()
		return exitOK
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		return exitError
	}
}

func runCommand(args []string) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	mode := fs.String("mode", "edge", "tier to launch: edge or cloud")
	configPath := fs.String("config", "configs/dart.yaml", "configuration file path")
	if err := fs.Parse(args); err != nil {
		return exitError
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return exitConfigInvalid
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Output)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("Shutdown signal received")
		cancel()
	}()

	switch *mode {
	case "edge":
		edge, err := app.NewEdge(cfg, logger)
		if err != nil {
			logger.WithError(err).Error("Edge bootstrap failed")
			return exitError
		}
		if err := edge.Run(ctx); err != nil {
			if errors.Is(err, app.ErrFatalSafety) {
				logger.Error("Run terminated by a fatal safety condition")
				return exitFatalSafety
			}
			if !errors.Is(err, context.Canceled) {
				logger.WithError(err).Error("Edge tier failed")
				return exitError
			}
		}
		return exitOK

	case "cloud":
		cloud := app.NewCloud(cfg, logger)
		if err := cloud.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Error("Cloud tier failed")
			return exitError
		}
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		return exitError
	}
}

func configCommand(args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: dart config <validate|show> [path]")
		return exitError
	}

	path := "configs/dart.yaml"
	if len(args) > 1 {
		path = args[1]
	}

	switch args[0] {
	case "validate":
		if _, err := config.Load(path); err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			return exitConfigInvalid
		}
		fmt.Println("configuration valid")
		return exitOK

	case "show":
		cfg, err := config.Load(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			return exitConfigInvalid
		}
		out, err := cfg.Show()
		if err != nil {
			fmt.Fprintf(os.Stderr, "render failed: %v\n", err)
			return exitError
		}
		fmt.Print(out)
		return exitOK

	default:
		fmt.Fprintf(os.Stderr, "unknown config subcommand %q\n", args[0])
		return exitError
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `dart - autonomous multirotor flight stack

Usage:
  dart run --mode={edge|cloud} [--config path]
  dart config validate [path]
  dart config show [path]
`)
}
