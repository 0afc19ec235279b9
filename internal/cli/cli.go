// Package cli implements the standalone matchcast command. It runs the
// same store and orchestrator as the services over a local SQLite file.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/matchcast/matchcast/pkg/llm"
	"github.com/matchcast/matchcast/pkg/matchdata"
	"github.com/matchcast/matchcast/pkg/orchestrator"
	"github.com/matchcast/matchcast/pkg/sportsapi"
	"github.com/matchcast/matchcast/pkg/store"
)

// NewLogger returns a JSON logger at the given level.
func NewLogger(level string, w io.Writer) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

// Run executes the configured command and writes its JSON result to out.
// One-shot commands are bounded by cfg.Timeout; a repeating sweep runs until
// ctx is done.
func Run(ctx context.Context, cfg Config, logger *slog.Logger, out io.Writer) error {
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	if out == nil {
		out = io.Discard
	}
	if !cfg.repeating() && cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
	}
	backend, err := store.OpenSQLite(cfg.DBPath)
	if err != nil {
		return err
	}
	defer backend.Close()
	st := store.New(backend, store.WithLogger(logger))

	switch cfg.Command {
	case CommandStats:
		stats, err := st.Stats(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, stats)

	case CommandClear:
		if err := st.ClearAll(ctx); err != nil {
			return err
		}
		return writeJSON(out, map[string]bool{"cleared": true})

	case CommandSweep:
		if cfg.repeating() {
			logger.Info("sweeper started", "interval", cfg.SweepEvery)
			st.RunSweeper(ctx, cfg.SweepEvery)
			logger.Info("sweeper stopped", "reason", context.Cause(ctx))
			return nil
		}
		removed, err := st.SweepExpired(ctx)
		if err != nil {
			return err
		}
		return writeJSON(out, map[string]int{"removed": removed})

	case CommandRun:
		stats, err := newRunner(cfg, st, logger).Run(ctx)
		if werr := writeJSON(out, stats); werr != nil {
			return errors.Join(err, werr)
		}
		return err

	default:
		return fmt.Errorf("unknown command %q", cfg.Command)
	}
}

func newRunner(cfg Config, st *store.Store, logger *slog.Logger) *orchestrator.Runner {
	sportsOpts := []sportsapi.Option{
		sportsapi.WithLogger(logger),
		sportsapi.WithRateLimit(cfg.SportsRPM, 2),
	}
	if cfg.SportsAPIURL != "" {
		sportsOpts = append(sportsOpts, sportsapi.WithBaseURL(cfg.SportsAPIURL))
	}
	sports := sportsapi.NewClient(cfg.SportsAPIKey, sportsOpts...)
	source := matchdata.NewSource(sports, st, matchdata.WithLogger(logger))

	llmCfg := llm.DefaultConfig()
	llmCfg.APIKey = cfg.LLMAPIKey
	llmCfg.BaseURL = cfg.LLMBaseURL
	if cfg.LLMModel != "" {
		llmCfg.Model = cfg.LLMModel
	}
	gen := llm.NewClient(llmCfg, logger)

	return orchestrator.NewRunner(source, gen, st, cfg.RunnerConfig(), orchestrator.WithLogger(logger))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
