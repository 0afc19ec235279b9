// Command matchcast generates and manages match previews without the
// service runtime.
//
// Usage:
//
//	matchcast <run|stats|clear|sweep> [flags]
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/matchcast/matchcast/internal/cli"
)

func main() {
	cfg, err := cli.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		exitf("Error: %v", err)
	}

	logger, err := cli.NewLogger(cfg.LogLevel, os.Stderr)
	if err != nil {
		exitf("Error: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Run(ctx, cfg, logger, os.Stdout); err != nil {
		logger.Error("command failed", "command", cfg.Command, "error", err)
		os.Exit(1)
	}
}

func exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
