package prd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Store owns a story set on disk. Every mutation is persisted with an atomic
// write-replace before it returns.
type Store struct {
	path string
	prd  *PRD
}

// Load reads and validates the story set at path.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("story set %s: %w", path, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read story set: %w", err)
	}

	p, _, err := Parse(data)
	if err != nil {
		var cfgErr *ConfigError
		if errors.As(err, &cfgErr) {
			cfgErr.Path = path
		}
		return nil, err
	}

	return &Store{path: path, prd: p}, nil
}

// NewStore wraps an in-memory story set that will be persisted to path.
func NewStore(path string, p *PRD) *Store {
	return &Store{path: path, prd: p}
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// PRD returns the loaded story set. Callers must not mutate it directly.
func (s *Store) PRD() *PRD { return s.prd }

// AllPass reports whether every story has passed.
func (s *Store) AllPass() bool { return s.prd.AllPass() }

// Progress returns passed, blocked, and total story counts.
func (s *Store) Progress() (passed, blocked, total int) { return s.prd.Progress() }

// Save writes the story set to disk atomically.
func (s *Store) Save() error {
	return WriteFile(s.path, s.prd)
}

// MarkResult applies an execution outcome to the story with the given ID and
// persists it. Applying an outcome for an iteration that is already recorded
// on the story is a no-op and reports applied=false.
func (s *Store) MarkResult(id string, out Outcome) (UserStory, bool, error) {
	story := s.prd.FindStoryByID(id)
	if story == nil {
		return UserStory{}, false, fmt.Errorf("story %s: %w", id, ErrNotFound)
	}

	for _, a := range story.Metrics.Attempts {
		if a.Iteration == out.Attempt.Iteration {
			return *story, false, nil
		}
	}

	attempt := out.Attempt
	if attempt.DurationMs == 0 && !attempt.StartedAt.IsZero() && attempt.CompletedAt.After(attempt.StartedAt) {
		attempt.DurationMs = attempt.CompletedAt.Sub(attempt.StartedAt).Milliseconds()
	}

	m := &story.Metrics
	m.Attempts = append(m.Attempts, attempt)
	if m.StartedAt.IsZero() || (!attempt.StartedAt.IsZero() && attempt.StartedAt.Before(m.StartedAt)) {
		m.StartedAt = attempt.StartedAt
	}
	m.DurationMs += attempt.DurationMs
	m.TokensConsumed += attempt.TokensConsumed

	maxRetries := out.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.prd.Settings.RetryBudget()
	}

	switch attempt.Status {
	case StatusSuccess:
		story.Passes = true
		story.BlockedReason = ""
		m.CompletedAt = attempt.CompletedAt
	case StatusBlocked:
		reason := out.BlockedReason
		if reason == "" {
			reason = "blocked by executor"
		}
		story.BlockedReason = reason
	default:
		story.RetryCount++
		if story.RetryCount >= maxRetries {
			story.BlockedReason = fmt.Sprintf("exceeded retry budget (%d failures)", story.RetryCount)
		}
	}

	if err := s.Save(); err != nil {
		return *story, true, err
	}
	return *story, true, nil
}

// SetPriorities changes several priorities and persists them in one write.
// Nothing changes if any ID is unknown.
func (s *Store) SetPriorities(priorities map[string]int) error {
	for id := range priorities {
		if s.prd.FindStoryByID(id) == nil {
			return fmt.Errorf("story %s: %w", id, ErrNotFound)
		}
	}
	for id, priority := range priorities {
		s.prd.FindStoryByID(id).Priority = priority
	}
	return s.Save()
}

// Unblock clears a story's blocked reason and retry count so it becomes
// eligible again.
func (s *Store) Unblock(id string) error {
	story := s.prd.FindStoryByID(id)
	if story == nil {
		return fmt.Errorf("story %s: %w", id, ErrNotFound)
	}
	story.BlockedReason = ""
	story.RetryCount = 0
	return s.Save()
}

// WriteFile writes a story set to path atomically.
// It writes to a temp file in the same directory first, then renames over the original.
func WriteFile(path string, p *PRD) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if err := tmp.Chmod(0644); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// Rename temp to final (atomic on most filesystems)
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}
