package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/jywlabs/halloop/internal/config"
	"github.com/jywlabs/halloop/internal/engine"
	"github.com/jywlabs/halloop/internal/history"
	"github.com/jywlabs/halloop/internal/hooks"
	"github.com/jywlabs/halloop/internal/logging"
	"github.com/jywlabs/halloop/internal/loop"
	"github.com/jywlabs/halloop/internal/template"

	// Register available engines.
	_ "github.com/jywlabs/halloop/internal/engine/claude"
	_ "github.com/jywlabs/halloop/internal/engine/command"
)

// app bundles what the loop commands share: configuration, logger and history.
type app struct {
	halDir  string
	workDir string
	cfg     *config.Config
	log     *logging.Logger
	history *history.Store // nil when disabled or unavailable
}

// openApp loads configuration from halDir and opens the logger and history.
func openApp(ctx context.Context, halDir string, stderr io.Writer) (*app, error) {
	if _, err := os.Stat(halDir); os.IsNotExist(err) {
		return nil, fmt.Errorf("%s not found - run 'halloop init' first", halDir)
	}

	cfg, err := config.Load(halDir)
	if err != nil {
		return nil, err
	}

	// The config level applies unless --log-level was given.
	if !rootCmd.PersistentFlags().Changed("log-level") {
		if level, err := logging.ParseLevel(cfg.Log.Level); err == nil {
			logging.SetLevel(level)
		}
	}

	workDir, err := filepath.Abs(filepath.Dir(filepath.Clean(halDir)))
	if err != nil {
		return nil, err
	}

	a := &app{
		halDir:  halDir,
		workDir: workDir,
		cfg:     cfg,
		log:     logging.New(logging.Options{Terminal: stderr, File: cfg.LogFile(halDir)}),
	}

	if cfg.History.Enabled {
		store, err := history.Open(ctx, cfg.History.DSN, filepath.Join(halDir, template.HistoryFile))
		if err != nil {
			a.log.Warn("history disabled", "error", err)
		} else {
			a.history = store
		}
	}
	return a, nil
}

// Close releases the history database and log file.
func (a *app) Close() {
	if a.history != nil {
		a.history.Close()
	}
	a.log.Close()
}

// logger returns the process logger.
func (a *app) logger() *slog.Logger { return a.log.Logger }

// newEngine creates an engine by name, falling back to the configured engine.
func (a *app) newEngine(name string) (engine.Engine, error) {
	if name == "" {
		name = a.cfg.Engine
	}
	return engine.New(name, a.cfg.EngineConfig(name))
}

// newController wires a loop controller from configuration.
func (a *app) newController(eng engine.Engine, display *engine.Display) *loop.Controller {
	dispatcher := hooks.NewDispatcher(hooks.Options{Timeout: a.cfg.HookTimeout, Logger: a.logger()})
	for event, handlers := range a.cfg.HookHandlers(a.halDir, a.workDir) {
		for _, h := range handlers {
			dispatcher.Register(event, h)
		}
	}

	prompt := ""
	if data, err := os.ReadFile(filepath.Join(a.halDir, template.PromptFile)); err == nil {
		prompt = string(data)
	}

	opts := loop.Options{
		Dir:            a.halDir,
		WorkDir:        a.workDir,
		Engine:         eng,
		Hooks:          dispatcher,
		Evaluator:      a.cfg.NewEvaluator(a.workDir),
		Display:        display,
		Logger:         a.logger(),
		MaxParallel:    a.cfg.MaxParallel,
		Retry:          a.cfg.RetryConfig(),
		IterationDelay: a.cfg.IterationDelay,
		PromptTemplate: prompt,
	}
	if a.history != nil {
		opts.Recorder = a.history
	}
	return loop.New(opts)
}
