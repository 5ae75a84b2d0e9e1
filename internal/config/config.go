// Package config reads .hal/config.yaml and .hal/.env.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jywlabs/halloop/internal/engine"
	"github.com/jywlabs/halloop/internal/evaluator"
	"github.com/jywlabs/halloop/internal/hooks"
	"github.com/jywlabs/halloop/internal/retry"
	"github.com/jywlabs/halloop/internal/scheduler"
	"github.com/jywlabs/halloop/internal/template"
)

// ErrInvalid is wrapped by every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// EngineConfig holds per-engine settings.
type EngineConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args,omitempty"`
	Model   string   `yaml:"model,omitempty"`
}

// HookConfig is one hook handler: either a command or a webhook URL.
type HookConfig struct {
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Timeout time.Duration     `yaml:"timeout,omitempty"`
}

// EvaluatorConfig configures the external evaluator. An empty command disables it.
type EvaluatorConfig struct {
	Command string        `yaml:"command"`
	Args    []string      `yaml:"args,omitempty"`
	Timeout time.Duration `yaml:"timeout"`
}

// HistoryConfig configures the run history database.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"` // Empty means sqlite at .hal/history.db
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"` // Relative to the hal directory
}

// Config is the merged configuration.
type Config struct {
	Engine          string                           `yaml:"engine"`
	MaxIterations   int                              `yaml:"maxIterations"`
	MaxRetries      int                              `yaml:"maxRetries"`
	RetryDelay      time.Duration                    `yaml:"retryDelay"`
	ExecutorTimeout time.Duration                    `yaml:"executorTimeout"`
	IterationDelay  time.Duration                    `yaml:"iterationDelay"`
	MaxParallel     int                              `yaml:"maxParallel"`
	HookTimeout     time.Duration                    `yaml:"hookTimeout"`
	Engines         map[string]EngineConfig          `yaml:"engines"`
	Hooks           map[hooks.EventName][]HookConfig `yaml:"hooks,omitempty"`
	Evaluator       EvaluatorConfig                  `yaml:"evaluator"`
	History         HistoryConfig                    `yaml:"history"`
	Log             LogConfig                        `yaml:"log"`

	// Env holds KEY=VALUE pairs from .hal/.env, sorted by key.
	Env []string `yaml:"-"`
}

// rawConfig is used for YAML unmarshaling to distinguish missing keys from explicit zero values.
type rawConfig struct {
	Engine          *string                          `yaml:"engine"`
	MaxIterations   *int                             `yaml:"maxIterations"`
	MaxRetries      *int                             `yaml:"maxRetries"`
	RetryDelay      *time.Duration                   `yaml:"retryDelay"`
	ExecutorTimeout *time.Duration                   `yaml:"executorTimeout"`
	IterationDelay  *time.Duration                   `yaml:"iterationDelay"`
	MaxParallel     *int                             `yaml:"maxParallel"`
	HookTimeout     *time.Duration                   `yaml:"hookTimeout"`
	Engines         map[string]*rawEngineConfig      `yaml:"engines"`
	Hooks           map[hooks.EventName][]HookConfig `yaml:"hooks"`
	Evaluator       *rawEvaluatorConfig              `yaml:"evaluator"`
	History         *rawHistoryConfig                `yaml:"history"`
	Log             *rawLogConfig                    `yaml:"log"`
}

// rawEngineConfig uses pointer fields so "not set" (nil) differs from "set to empty string".
type rawEngineConfig struct {
	Command *string  `yaml:"command"`
	Args    []string `yaml:"args"`
	Model   *string  `yaml:"model"`
}

type rawEvaluatorConfig struct {
	Command *string        `yaml:"command"`
	Args    []string       `yaml:"args"`
	Timeout *time.Duration `yaml:"timeout"`
}

type rawHistoryConfig struct {
	Enabled *bool   `yaml:"enabled"`
	DSN     *string `yaml:"dsn"`
}

type rawLogConfig struct {
	Level *string `yaml:"level"`
	File  *string `yaml:"file"`
}

// Default returns the configuration used when .hal/config.yaml is absent.
func Default() *Config {
	return &Config{
		Engine:         "claude",
		MaxIterations:  10,
		MaxRetries:     retry.DefaultMaxRetries,
		RetryDelay:     retry.DefaultBaseDelay,
		IterationDelay: 2 * time.Second,
		MaxParallel:    scheduler.DefaultMaxParallel,
		HookTimeout:    hooks.DefaultTimeout,
		Engines: map[string]EngineConfig{
			"claude": {Command: "claude"},
		},
		Evaluator: EvaluatorConfig{Timeout: evaluator.DefaultTimeout},
		History:   HistoryConfig{Enabled: true},
		Log:       LogConfig{Level: "warn", File: filepath.Join(template.LogsDir, "halloop.log")},
	}
}

// Load reads config.yaml and .env from halDir. Missing files yield defaults.
func Load(halDir string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Join(halDir, template.ConfigFile))
	switch {
	case err == nil:
		if err := cfg.merge(data); err != nil {
			return nil, err
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	env, err := LoadEnv(filepath.Join(halDir, template.EnvFile))
	if err != nil {
		return nil, err
	}
	cfg.Env = env

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// merge applies only the keys present in data over the current values.
func (c *Config) merge(data []byte) error {
	var raw rawConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalid, template.ConfigFile, err)
	}

	if raw.Engine != nil {
		c.Engine = *raw.Engine
	}
	if raw.MaxIterations != nil {
		c.MaxIterations = *raw.MaxIterations
	}
	if raw.MaxRetries != nil {
		c.MaxRetries = *raw.MaxRetries
	}
	if raw.RetryDelay != nil {
		c.RetryDelay = *raw.RetryDelay
	}
	if raw.ExecutorTimeout != nil {
		c.ExecutorTimeout = *raw.ExecutorTimeout
	}
	if raw.IterationDelay != nil {
		c.IterationDelay = *raw.IterationDelay
	}
	if raw.MaxParallel != nil {
		c.MaxParallel = *raw.MaxParallel
	}
	if raw.HookTimeout != nil {
		c.HookTimeout = *raw.HookTimeout
	}

	for name, re := range raw.Engines {
		if re == nil {
			continue
		}
		ec := c.Engines[name]
		if re.Command != nil {
			ec.Command = *re.Command
		}
		if re.Args != nil {
			ec.Args = re.Args
		}
		if re.Model != nil {
			ec.Model = *re.Model
		}
		c.Engines[name] = ec
	}

	if raw.Hooks != nil {
		c.Hooks = raw.Hooks
	}

	if e := raw.Evaluator; e != nil {
		if e.Command != nil {
			c.Evaluator.Command = *e.Command
		}
		if e.Args != nil {
			c.Evaluator.Args = e.Args
		}
		if e.Timeout != nil {
			c.Evaluator.Timeout = *e.Timeout
		}
	}
	if h := raw.History; h != nil {
		if h.Enabled != nil {
			c.History.Enabled = *h.Enabled
		}
		if h.DSN != nil {
			c.History.DSN = *h.DSN
		}
	}
	if l := raw.Log; l != nil {
		if l.Level != nil {
			c.Log.Level = *l.Level
		}
		if l.File != nil {
			c.Log.File = *l.File
		}
	}
	return nil
}

// Validate checks value ranges and hook definitions.
func (c *Config) Validate() error {
	if c.Engine == "" {
		return fmt.Errorf("%w: engine must not be empty", ErrInvalid)
	}
	if c.MaxIterations < 0 {
		return fmt.Errorf("%w: maxIterations must not be negative", ErrInvalid)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("%w: maxRetries must not be negative", ErrInvalid)
	}
	if c.MaxParallel < 0 {
		return fmt.Errorf("%w: maxParallel must not be negative", ErrInvalid)
	}
	for name, d := range map[string]time.Duration{
		"retryDelay":        c.RetryDelay,
		"executorTimeout":   c.ExecutorTimeout,
		"iterationDelay":    c.IterationDelay,
		"hookTimeout":       c.HookTimeout,
		"evaluator.timeout": c.Evaluator.Timeout,
	} {
		if d < 0 {
			return fmt.Errorf("%w: %s must not be negative", ErrInvalid, name)
		}
	}

	for _, event := range sortedEvents(c.Hooks) {
		if _, err := hooks.ParseEventName(string(event)); err != nil {
			return fmt.Errorf("%w: hooks: %v", ErrInvalid, err)
		}
		for i, h := range c.Hooks[event] {
			switch {
			case h.Command == "" && h.URL == "":
				return fmt.Errorf("%w: hooks.%s[%d]: command or url is required", ErrInvalid, event, i)
			case h.Command != "" && h.URL != "":
				return fmt.Errorf("%w: hooks.%s[%d]: command and url are mutually exclusive", ErrInvalid, event, i)
			case h.Timeout < 0:
				return fmt.Errorf("%w: hooks.%s[%d]: timeout must not be negative", ErrInvalid, event, i)
			}
		}
	}
	return nil
}

// EngineConfig returns the engine settings for name, with the shared
// executor timeout and .env applied.
func (c *Config) EngineConfig(name string) engine.Config {
	ec := c.Engines[name]
	return engine.Config{
		Command: ec.Command,
		Args:    ec.Args,
		Model:   ec.Model,
		Timeout: c.ExecutorTimeout,
		Env:     c.Env,
	}
}

// RetryConfig returns the transient executor retry settings.
func (c *Config) RetryConfig() retry.Config {
	return retry.Config{
		MaxRetries:       c.MaxRetries,
		BaseDelay:        c.RetryDelay,
		MaxJitterPercent: retry.DefaultMaxJitterPercent,
	}
}

// HookHandlers returns the configured handlers per event followed by any
// executables discovered in halDir/hooks. Commands run in workDir.
func (c *Config) HookHandlers(halDir, workDir string) map[hooks.EventName][]hooks.Handler {
	out := make(map[hooks.EventName][]hooks.Handler)
	for event, list := range c.Hooks {
		for _, h := range list {
			if h.URL != "" {
				out[event] = append(out[event], &hooks.WebhookHandler{URL: h.URL, Headers: h.Headers, Limit: h.Timeout})
				continue
			}
			out[event] = append(out[event], &hooks.CommandHandler{
				Command: h.Command,
				Args:    h.Args,
				Dir:     workDir,
				Env:     c.Env,
				Limit:   h.Timeout,
			})
		}
	}
	for event, found := range hooks.Discover(filepath.Join(halDir, template.HooksDir), c.Env) {
		for _, h := range found {
			if ch, ok := h.(*hooks.CommandHandler); ok {
				ch.Dir = workDir
			}
			out[event] = append(out[event], h)
		}
	}
	return out
}

// NewEvaluator returns the command evaluator, or nil when none is configured.
func (c *Config) NewEvaluator(workDir string) evaluator.Evaluator {
	if c.Evaluator.Command == "" {
		return nil
	}
	return &evaluator.CommandEvaluator{
		Command: c.Evaluator.Command,
		Args:    c.Evaluator.Args,
		Dir:     workDir,
		Env:     c.Env,
		Timeout: c.Evaluator.Timeout,
	}
}

// LogFile returns the absolute log file path, or "" when file logging is off.
func (c *Config) LogFile(halDir string) string {
	if c.Log.File == "" {
		return ""
	}
	if filepath.IsAbs(c.Log.File) {
		return c.Log.File
	}
	return filepath.Join(halDir, c.Log.File)
}

// Marshal renders the effective configuration as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

func sortedEvents(m map[hooks.EventName][]HookConfig) []hooks.EventName {
	events := make([]hooks.EventName, 0, len(m))
	for e := range m {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool { return events[i] < events[j] })
	return events
}
