// Package loopstate persists the single active loop of a project.
//
// The state file is the only source of truth between iterations: every
// operation loads it, mutates it, and writes it back atomically. A missing
// file means no loop is running; deleting the file cancels the loop at the
// next checkpoint.
package loopstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jywlabs/halloop/internal/prd"
	"github.com/jywlabs/halloop/internal/template"
)

var (
	// ErrAlreadyActive is returned by Start when a loop state file already exists.
	ErrAlreadyActive = errors.New("a loop is already active")
	// ErrNotActive is returned when no loop state file exists.
	ErrNotActive = errors.New("no active loop")
	// ErrStaleState is returned when the state file exists but cannot be trusted.
	ErrStaleState = errors.New("stale loop state")
)

// State is the persisted loop state.
type State struct {
	Active            bool              `json:"active"`
	Iteration         int               `json:"iteration"`
	MaxIterations     int               `json:"maxIterations"`
	ExecutionMode     prd.ExecutionMode `json:"executionMode"`
	CompletionPromise string            `json:"completionPromise"`
	PRDPath           string            `json:"prdPath"`
	Project           string            `json:"project"`
	Branch            string            `json:"branch"`
	StartedAt         time.Time         `json:"startedAt"`
	Prompt            string            `json:"prompt"`
	RunID             string            `json:"runId"`
	AdditionalContext string            `json:"additionalContext,omitempty"`
}

// ShouldStopForMaxIterations reports whether the iteration budget is spent.
// A MaxIterations of 0 means unbounded.
func (s *State) ShouldStopForMaxIterations() bool {
	return s.MaxIterations > 0 && s.Iteration >= s.MaxIterations
}

// Config holds the values needed to start a loop.
type Config struct {
	MaxIterations     int
	ExecutionMode     prd.ExecutionMode
	CompletionPromise string
	PRDPath           string
	Project           string
	Branch            string
	Prompt            string
}

// Manager reads and writes the loop state file in a hal directory.
type Manager struct {
	path string
	now  func() time.Time
}

// New creates a Manager for the loop state file under dir.
func New(dir string) *Manager {
	return &Manager{
		path: filepath.Join(dir, template.LoopStateFile),
		now:  time.Now,
	}
}

// Path returns the state file path.
func (m *Manager) Path() string { return m.path }

// Exists reports whether a state file is present, valid or not.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Start creates a new active loop state. It fails with ErrAlreadyActive if a
// valid state file already exists. A stale file is discarded and reported via
// the returned discarded flag so callers can warn about it.
func (m *Manager) Start(cfg Config) (state *State, discarded bool, err error) {
	if cfg.MaxIterations < 0 {
		return nil, false, fmt.Errorf("max iterations must not be negative")
	}
	mode, err := prd.ParseExecutionMode(string(cfg.ExecutionMode))
	if err != nil {
		return nil, false, err
	}

	if _, err := m.Load(); err == nil {
		return nil, false, ErrAlreadyActive
	} else if errors.Is(err, ErrStaleState) {
		if err := m.Clear(); err != nil {
			return nil, false, err
		}
		discarded = true
	} else if !errors.Is(err, ErrNotActive) {
		return nil, false, err
	}

	state = &State{
		Active:            true,
		Iteration:         1,
		MaxIterations:     cfg.MaxIterations,
		ExecutionMode:     mode,
		CompletionPromise: cfg.CompletionPromise,
		PRDPath:           cfg.PRDPath,
		Project:           cfg.Project,
		Branch:            cfg.Branch,
		StartedAt:         m.now().UTC(),
		Prompt:            cfg.Prompt,
		RunID:             uuid.NewString(),
	}

	if err := m.create(state); err != nil {
		return nil, discarded, err
	}
	return state, discarded, nil
}

// Load reads the state file. It returns ErrNotActive if there is none and
// ErrStaleState if the file is corrupt or inconsistent.
func (m *Manager) Load() (*State, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotActive
		}
		return nil, fmt.Errorf("failed to read loop state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStaleState, err)
	}
	if !state.Active {
		return nil, fmt.Errorf("%w: state is not active", ErrStaleState)
	}
	if state.Iteration < 1 {
		return nil, fmt.Errorf("%w: iteration %d", ErrStaleState, state.Iteration)
	}
	if state.MaxIterations < 0 {
		return nil, fmt.Errorf("%w: maxIterations %d", ErrStaleState, state.MaxIterations)
	}
	return &state, nil
}

// Tick increments the iteration counter on disk and returns the new value.
// It returns ErrNotActive if the loop was cancelled since the last load.
func (m *Manager) Tick() (int, error) {
	state, err := m.Load()
	if err != nil {
		return 0, err
	}
	state.Iteration++
	if err := m.Save(state); err != nil {
		return 0, err
	}
	return state.Iteration, nil
}

// SetAdditionalContext stores hook enrichment for the next execution request.
func (m *Manager) SetAdditionalContext(text string) error {
	state, err := m.Load()
	if err != nil {
		return err
	}
	if state.AdditionalContext == text {
		return nil
	}
	state.AdditionalContext = text
	return m.Save(state)
}

// Save writes the state file atomically.
func (m *Manager) Save(state *State) error {
	tmpPath, err := m.writeTemp(state)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Clear removes the state file. Clearing an absent state is not an error.
func (m *Manager) Clear() error {
	err := os.Remove(m.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// create publishes a fresh state file without overwriting an existing one.
// os.Link fails if the target exists, so two concurrent starts cannot both win.
func (m *Manager) create(state *State) error {
	tmpPath, err := m.writeTemp(state)
	if err != nil {
		return err
	}
	defer os.Remove(tmpPath)

	if err := os.Link(tmpPath, m.path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return ErrAlreadyActive
		}
		return fmt.Errorf("failed to create loop state: %w", err)
	}
	return nil
}

func (m *Manager) writeTemp(state *State) (string, error) {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	tmp, err := os.CreateTemp(dir, template.LoopStateFile+".*.tmp")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}
