package hooks

import (
	"fmt"
	"time"
)

// EventName identifies a lifecycle point.
type EventName string

const (
	EventTaskStart     EventName = "on_task_start"
	EventTaskCompleted EventName = "on_task_completed"
	EventTaskBlocked   EventName = "on_task_blocked"
)

// Events lists every lifecycle event in firing order.
var Events = []EventName{EventTaskStart, EventTaskCompleted, EventTaskBlocked}

// ParseEventName validates an event name from configuration.
func ParseEventName(s string) (EventName, error) {
	for _, e := range Events {
		if string(e) == s {
			return e, nil
		}
	}
	return "", fmt.Errorf("unknown hook event %q", s)
}

// Event is a lifecycle event with an immutable, JSON-serializable payload.
type Event interface {
	Name() EventName
	Story() string
}

// TaskStart fires before a story is handed to the executor.
type TaskStart struct {
	StoryID            string   `json:"storyId"`
	Title              string   `json:"title"`
	Branch             string   `json:"branch"`
	Iteration          int      `json:"iteration"`
	Priority           int      `json:"priority"`
	AcceptanceCriteria []string `json:"acceptanceCriteria"`
}

func (TaskStart) Name() EventName { return EventTaskStart }
func (e TaskStart) Story() string { return e.StoryID }

// CompletedMetrics is the timing summary carried by TaskCompleted.
type CompletedMetrics struct {
	StartedAt      time.Time `json:"startedAt"`
	CompletedAt    time.Time `json:"completedAt"`
	DurationMs     int64     `json:"durationMs"`
	TokensConsumed int       `json:"tokensConsumed"`
}

// TaskCompleted fires after a story passes.
type TaskCompleted struct {
	StoryID      string           `json:"storyId"`
	Title        string           `json:"title"`
	CommitHash   string           `json:"commitHash"`
	FilesChanged []string         `json:"filesChanged"`
	Metrics      CompletedMetrics `json:"metrics"`
}

func (TaskCompleted) Name() EventName { return EventTaskCompleted }
func (e TaskCompleted) Story() string { return e.StoryID }

// TaskBlocked fires when a story becomes blocked.
type TaskBlocked struct {
	StoryID       string   `json:"storyId"`
	Title         string   `json:"title"`
	BlockedReason string   `json:"blockedReason"`
	RetryCount    int      `json:"retryCount"`
	Errors        []string `json:"errors"`
}

func (TaskBlocked) Name() EventName { return EventTaskBlocked }
func (e TaskBlocked) Story() string { return e.StoryID }
