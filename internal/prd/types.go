package prd

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionMode controls how many stories the scheduler hands out per iteration.
type ExecutionMode string

const (
	ModeSequential   ExecutionMode = "sequential"
	ModeParallel     ExecutionMode = "parallel"
	ModeFullParallel ExecutionMode = "full-parallel"
)

// ParseExecutionMode accepts a mode name, case-insensitively. Empty means sequential.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch ExecutionMode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeSequential:
		return ModeSequential, nil
	case ModeParallel:
		return ModeParallel, nil
	case ModeFullParallel:
		return ModeFullParallel, nil
	}
	return "", fmt.Errorf("unknown execution mode %q (supported: sequential, parallel, full-parallel)", s)
}

// AttemptStatus is the outcome reported by the executor for one attempt.
type AttemptStatus string

const (
	StatusSuccess AttemptStatus = "success"
	StatusFailure AttemptStatus = "failure"
	StatusBlocked AttemptStatus = "blocked"
)

// Valid reports whether s is one of the known statuses.
func (s AttemptStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusBlocked:
		return true
	}
	return false
}

// DefaultMaxRetries is the per-story retry budget when settings.maxRetries is unset.
const DefaultMaxRetries = 3

// PRD represents the structure of a prd.json file.
type PRD struct {
	Project     string      `json:"project"`
	BranchName  string      `json:"branchName"`
	Description string      `json:"description"`
	Settings    Settings    `json:"settings"`
	UserStories []UserStory `json:"userStories"`
}

// Settings holds loop-level knobs carried with the story set.
type Settings struct {
	TDDRequired              bool          `json:"tddRequired"`
	AutoPush                 bool          `json:"autoPush"`
	ExecutionMode            ExecutionMode `json:"executionMode,omitempty"`
	EvaluatorEnabled         bool          `json:"evaluatorEnabled"`
	AllowReorder             bool          `json:"allowReorder"`
	EvaluateEveryNIterations int           `json:"evaluateEveryNIterations,omitempty"`
	MaxRetries               int           `json:"maxRetries,omitempty"`
	MaxParallel              int           `json:"maxParallel,omitempty"`
}

// RetryBudget returns the configured story retry budget, or the default.
func (s Settings) RetryBudget() int {
	if s.MaxRetries <= 0 {
		return DefaultMaxRetries
	}
	return s.MaxRetries
}

// UserStory represents a single user story in the PRD.
type UserStory struct {
	ID                 string   `json:"id"`
	Title              string   `json:"title"`
	Description        string   `json:"description"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
	Priority           int      `json:"priority"`
	Passes             bool     `json:"passes"`
	BlockedReason      string   `json:"blockedReason,omitempty"`
	RetryCount         int      `json:"retryCount,omitempty"`
	TargetFiles        []string `json:"targetFiles,omitempty"` // Empty and absent are the same: no files declared
	DependsOn          []string `json:"dependsOn,omitempty"`   // Empty and absent are the same: no prerequisites
	Notes              string   `json:"notes,omitempty"`
	Metrics            Metrics  `json:"metrics"`
}

// Blocked reports whether the story is excluded from scheduling.
func (s *UserStory) Blocked() bool {
	return s.BlockedReason != ""
}

// Metrics aggregates timing and token usage across attempts.
type Metrics struct {
	StartedAt      time.Time `json:"startedAt"`
	CompletedAt    time.Time `json:"completedAt"`
	DurationMs     int64     `json:"durationMs"`
	TokensConsumed int       `json:"tokensConsumed"`
	Attempts       []Attempt `json:"attempts"`
}

// Attempt is one append-only record of an execution attempt.
type Attempt struct {
	Iteration      int           `json:"iteration"`
	StartedAt      time.Time     `json:"startedAt"`
	CompletedAt    time.Time     `json:"completedAt"`
	DurationMs     int64         `json:"durationMs"`
	TokensConsumed int           `json:"tokensConsumed"`
	Status         AttemptStatus `json:"status"`
}

// Outcome is what the loop controller applies to a story after an attempt.
type Outcome struct {
	Attempt       Attempt
	BlockedReason string // Used when Attempt.Status is blocked
	MaxRetries    int    // Story retry budget; <= 0 uses the story set settings
}

// FindStoryByID returns the story with the given ID, or nil.
func (p *PRD) FindStoryByID(id string) *UserStory {
	for i := range p.UserStories {
		if p.UserStories[i].ID == id {
			return &p.UserStories[i]
		}
	}
	return nil
}

// Progress returns passed, blocked, and total story counts.
func (p *PRD) Progress() (passed, blocked, total int) {
	for _, story := range p.UserStories {
		switch {
		case story.Passes:
			passed++
		case story.Blocked():
			blocked++
		}
	}
	return passed, blocked, len(p.UserStories)
}

// AllPass reports whether every story has passed.
func (p *PRD) AllPass() bool {
	for _, story := range p.UserStories {
		if !story.Passes {
			return false
		}
	}
	return true
}

// ValidationResult holds the outcome of PRD validation.
type ValidationResult struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue represents a validation error or warning.
type Issue struct {
	StoryID  string `json:"storyId,omitempty"`
	Field    string `json:"field,omitempty"`
	Message  string `json:"message"`
	Severity string `json:"severity"` // "error" or "warning"
}

func (i Issue) String() string {
	if i.StoryID != "" {
		return fmt.Sprintf("[%s] %s: %s", i.StoryID, i.Field, i.Message)
	}
	if i.Field != "" {
		return fmt.Sprintf("%s: %s", i.Field, i.Message)
	}
	return i.Message
}
