package prd

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when the story set file or a story ID does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidFormat is returned when a story set does not parse into a valid story list.
	ErrInvalidFormat = errors.New("invalid story set format")
)

// ConfigError reports a malformed story set. It unwraps to ErrInvalidFormat.
type ConfigError struct {
	Path   string
	Issues []Issue
	Err    error // Underlying decode error, if any
}

func (e *ConfigError) Error() string {
	var sb strings.Builder
	sb.WriteString("invalid story set")
	if e.Path != "" {
		sb.WriteString(" ")
		sb.WriteString(e.Path)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	for _, issue := range e.Issues {
		sb.WriteString("\n  ")
		sb.WriteString(issue.String())
	}
	return sb.String()
}

func (e *ConfigError) Unwrap() error { return ErrInvalidFormat }

// rawStory checks field presence and JSON types before the typed decode.
type rawStory struct {
	ID       *string         `json:"id"`
	Priority json.RawMessage `json:"priority"`
	Passes   json.RawMessage `json:"passes"`
}

type rawPRD struct {
	UserStories []rawStory `json:"userStories"`
}

// Parse decodes prd.json content and validates it. On any validation error it
// returns a *ConfigError alongside the result.
func Parse(data []byte) (*PRD, ValidationResult, error) {
	result := ValidationResult{Valid: true}

	var raw rawPRD
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, ValidationResult{}, &ConfigError{Err: err}
	}
	if raw.UserStories == nil {
		result.addError("", "userStories", "userStories is required")
		return nil, result, &ConfigError{Issues: result.Errors}
	}

	for i, rs := range raw.UserStories {
		ref := fmt.Sprintf("userStories[%d]", i)
		if rs.ID != nil {
			ref = *rs.ID
		}
		if rs.ID == nil {
			result.addError(ref, "id", "id is required")
		}
		if isMissing(rs.Priority) {
			result.addError(ref, "priority", "priority is required")
		} else {
			var n int
			if err := json.Unmarshal(rs.Priority, &n); err != nil {
				result.addError(ref, "priority", fmt.Sprintf("priority must be an integer, got %s", rs.Priority))
			}
		}
		if isMissing(rs.Passes) {
			result.addError(ref, "passes", "passes is required")
		} else {
			var b bool
			if err := json.Unmarshal(rs.Passes, &b); err != nil {
				result.addError(ref, "passes", fmt.Sprintf("passes must be a boolean, got %s", rs.Passes))
			}
		}
	}
	if !result.Valid {
		return nil, result, &ConfigError{Issues: result.Errors}
	}

	var p PRD
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, ValidationResult{}, &ConfigError{Err: err}
	}

	result = Validate(&p)
	if !result.Valid {
		return &p, result, &ConfigError{Issues: result.Errors}
	}
	return &p, result, nil
}

// Validate runs the semantic checks on a decoded story set.
func Validate(p *PRD) ValidationResult {
	result := ValidationResult{Valid: true}

	if p.Settings.ExecutionMode != "" {
		if _, err := ParseExecutionMode(string(p.Settings.ExecutionMode)); err != nil {
			result.addError("", "settings.executionMode", err.Error())
		}
	}
	if p.Settings.MaxRetries < 0 {
		result.addError("", "settings.maxRetries", "maxRetries must not be negative")
	}
	if p.Settings.EvaluateEveryNIterations < 0 {
		result.addError("", "settings.evaluateEveryNIterations", "evaluateEveryNIterations must not be negative")
	}
	if p.Settings.MaxParallel < 0 {
		result.addError("", "settings.maxParallel", "maxParallel must not be negative")
	}

	ids := make(map[string]bool, len(p.UserStories))
	for _, story := range p.UserStories {
		if strings.TrimSpace(story.ID) == "" {
			result.addError("", "id", "story id must not be empty")
			continue
		}
		if ids[story.ID] {
			result.addError(story.ID, "id", "duplicate story id")
		}
		ids[story.ID] = true
	}

	for _, story := range p.UserStories {
		if story.ID == "" {
			continue
		}
		if strings.TrimSpace(story.Title) == "" {
			result.addWarning(story.ID, "title", "story has no title")
		}
		if len(story.AcceptanceCriteria) == 0 {
			result.addWarning(story.ID, "acceptanceCriteria", "story has no acceptance criteria")
		}
		for _, dep := range story.DependsOn {
			switch {
			case dep == story.ID:
				result.addError(story.ID, "dependsOn", "story depends on itself")
			case !ids[dep]:
				result.addError(story.ID, "dependsOn", fmt.Sprintf("unknown story %s", dep))
			}
		}
	}

	if cycle := findCycle(p); len(cycle) > 0 {
		result.addError(cycle[0], "dependsOn", "dependency cycle: "+strings.Join(cycle, " -> "))
	}

	return result
}

// findCycle returns the first dependency cycle found, in declaration order.
func findCycle(p *PRD) []string {
	deps := make(map[string][]string, len(p.UserStories))
	for _, story := range p.UserStories {
		deps[story.ID] = story.DependsOn
	}

	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(deps))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range deps[id] {
			if dep == id {
				continue // self-dependency reported separately
			}
			if _, known := deps[dep]; !known {
				continue
			}
			switch state[dep] {
			case visiting:
				for i, s := range stack {
					if s == dep {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, dep)
					}
				}
			case unvisited:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return nil
	}

	for _, story := range p.UserStories {
		if state[story.ID] == unvisited {
			if cycle := visit(story.ID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func isMissing(raw json.RawMessage) bool {
	return len(raw) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func (r *ValidationResult) addError(storyID, field, msg string) {
	r.Valid = false
	r.Errors = append(r.Errors, Issue{StoryID: storyID, Field: field, Message: msg, Severity: "error"})
}

func (r *ValidationResult) addWarning(storyID, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{StoryID: storyID, Field: field, Message: msg, Severity: "warning"})
}

// FormatValidationResult formats the validation result for display.
func FormatValidationResult(result ValidationResult) string {
	var sb strings.Builder

	if result.Valid {
		sb.WriteString("PRD is valid\n")
	} else {
		sb.WriteString("PRD validation failed\n")
	}

	if len(result.Errors) > 0 {
		sb.WriteString("\nErrors:\n")
		for _, issue := range result.Errors {
			sb.WriteString("  " + issue.String() + "\n")
		}
	}

	if len(result.Warnings) > 0 {
		sb.WriteString("\nWarnings:\n")
		for _, issue := range result.Warnings {
			sb.WriteString("  " + issue.String() + "\n")
		}
	}

	return sb.String()
}
