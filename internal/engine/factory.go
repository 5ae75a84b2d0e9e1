package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Config carries the engine settings from .hal/config.yaml.
type Config struct {
	Command string
	Args    []string
	Model   string
	Timeout time.Duration
	Env     []string // Extra KEY=VALUE pairs from .hal/.env
}

// engineConstructors maps engine names to their constructors.
// Engines register themselves via RegisterEngine.
var engineConstructors = make(map[string]func(Config) Engine)

// RegisterEngine registers an engine constructor by name.
func RegisterEngine(name string, constructor func(Config) Engine) {
	engineConstructors[strings.ToLower(name)] = constructor
}

// New creates an engine by name.
func New(name string, cfg Config) (Engine, error) {
	constructor, ok := engineConstructors[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown engine: %s (supported: %s)", name, strings.Join(Available(), ", "))
	}
	return constructor(cfg), nil
}

// Available returns the registered engine names in sorted order.
func Available() []string {
	names := make([]string, 0, len(engineConstructors))
	for name := range engineConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
