package engine

import (
	"context"
	"time"

	"github.com/jywlabs/halloop/internal/prd"
)

// Request is everything an engine needs to work on one story.
type Request struct {
	Story             prd.UserStory
	Iteration         int
	Project           string
	Branch            string
	WorkDir           string // Repository root the executor runs in
	PromptTemplate    string // Overrides the embedded prompt when non-empty
	AdditionalContext string // Enrichment returned by hooks on the previous iteration
	CompletionPromise string
	TDDRequired       bool
}

// Verification reports the executor's own checks. Values are free-form
// ("pass", "fail", "skipped").
type Verification struct {
	Typecheck string `json:"typecheck,omitempty"`
	Lint      string `json:"lint,omitempty"`
	Tests     string `json:"tests,omitempty"`
}

// ResultMetrics is the executor-reported cost of one attempt.
type ResultMetrics struct {
	ExecutionTimeMs int64 `json:"executionTimeMs"`
	TokensConsumed  int   `json:"tokensConsumed"`
	Iteration       int   `json:"iteration"`
}

// Result is the outcome of executing one story.
//
// The JSON fields mirror the executor result contract. Output, Duration and
// Error are filled in by the engine itself; a non-nil Error means the executor
// crashed rather than reporting a status.
type Result struct {
	StoryID       string            `json:"storyId"`
	Status        prd.AttemptStatus `json:"status"`
	FilesChanged  []string          `json:"filesChanged"`
	Verification  Verification      `json:"verificationResults"`
	CommitHash    string            `json:"commitHash"`
	Learnings     []string          `json:"learnings"`
	Errors        []string          `json:"errors"`
	Metrics       ResultMetrics     `json:"metrics"`
	BlockedReason string            `json:"blockedReason"`

	Output   string        `json:"-"` // Raw output from the engine
	Duration time.Duration `json:"-"` // How long the execution took
	Error    error         `json:"-"` // Any error that occurred
}

// Crashed reports whether the executor failed to produce a result.
func (r Result) Crashed() bool {
	return r.Error != nil
}

// Event represents a normalized event from any engine's output.
type Event struct {
	Type   EventType // Category of event
	Tool   string    // Tool name (read, write, bash, etc.)
	Detail string    // Path, command, message, etc.
	Data   EventData // Additional structured data
}

// EventType categorizes engine output events.
type EventType string

const (
	EventInit   EventType = "init"   // Session initialization
	EventTool   EventType = "tool"   // Tool invocation
	EventResult EventType = "result" // End of the execution
)

// EventData holds optional structured data for events.
type EventData struct {
	Model      string  // Model name (for init events)
	Success    bool    // Success status (for result events)
	Tokens     int     // Token count (for result events)
	DurationMs float64 // Duration in ms (for result events)
}

// Engine is the executor capability: it performs the work for one story.
type Engine interface {
	// Name returns the engine identifier (e.g., "claude", "command")
	Name() string

	// Execute works on the requested story and returns the result.
	// The display is used to show progress during execution and may be nil.
	Execute(ctx context.Context, req Request, display *Display) Result
}

// OutputParser parses engine-specific output into normalized Events.
type OutputParser interface {
	// ParseLine parses a single line of output and returns an Event.
	// Returns nil if the line should be ignored.
	ParseLine(line []byte) *Event
}

// DefaultTimeout of 0 means an execution is bounded only by its context.
const DefaultTimeout time.Duration = 0
