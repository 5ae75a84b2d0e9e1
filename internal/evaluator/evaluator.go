// Package evaluator runs an external advisor every N iterations and applies
// the priority changes it recommends, after checking them against the
// stories' declared prerequisites.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/jywlabs/halloop/internal/prd"
)

// DefaultTimeout bounds one evaluator run.
const DefaultTimeout = 5 * time.Minute

// ErrReorderRejected is returned when a recommendation would schedule a story
// ahead of an unfinished prerequisite.
var ErrReorderRejected = errors.New("reorder rejected")

// StorySnapshot is the per-story view given to the evaluator.
type StorySnapshot struct {
	ID             string   `json:"id"`
	Title          string   `json:"title"`
	Priority       int      `json:"priority"`
	Passes         bool     `json:"passes"`
	BlockedReason  string   `json:"blockedReason,omitempty"`
	RetryCount     int      `json:"retryCount"`
	DependsOn      []string `json:"dependsOn,omitempty"`
	Attempts       int      `json:"attempts"`
	DurationMs     int64    `json:"durationMs"`
	TokensConsumed int      `json:"tokensConsumed"`
}

// Snapshot is the aggregate state the evaluator analyzes.
type Snapshot struct {
	Project   string          `json:"project"`
	Branch    string          `json:"branch"`
	Iteration int             `json:"iteration"`
	Stories   []StorySnapshot `json:"stories"`
}

// NewSnapshot summarizes a story set at the given iteration.
func NewSnapshot(p *prd.PRD, iteration int) Snapshot {
	snap := Snapshot{
		Project:   p.Project,
		Branch:    p.BranchName,
		Iteration: iteration,
		Stories:   make([]StorySnapshot, 0, len(p.UserStories)),
	}
	for _, s := range p.UserStories {
		snap.Stories = append(snap.Stories, StorySnapshot{
			ID:             s.ID,
			Title:          s.Title,
			Priority:       s.Priority,
			Passes:         s.Passes,
			BlockedReason:  s.BlockedReason,
			RetryCount:     s.RetryCount,
			DependsOn:      s.DependsOn,
			Attempts:       len(s.Metrics.Attempts),
			DurationMs:     s.Metrics.DurationMs,
			TokensConsumed: s.Metrics.TokensConsumed,
		})
	}
	return snap
}

// Recommendation is the evaluator's advice. Priorities maps story IDs to new
// priorities; stories not listed keep theirs.
type Recommendation struct {
	Priorities map[string]int `json:"priorities"`
	Notes      string         `json:"notes,omitempty"`
}

// Empty reports whether the recommendation changes nothing.
func (r Recommendation) Empty() bool {
	return len(r.Priorities) == 0
}

// Evaluator analyzes a snapshot and may recommend a new ordering.
type Evaluator interface {
	Evaluate(ctx context.Context, snap Snapshot) (Recommendation, error)
}

// Due reports whether the evaluator should run after the given iteration.
func Due(iteration, every int) bool {
	return every > 0 && iteration > 0 && iteration%every == 0
}

// CommandEvaluator runs an external program with the snapshot on stdin and
// reads a Recommendation from stdout.
type CommandEvaluator struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Timeout time.Duration
}

// Evaluate runs the command. Empty stdout means no recommendation.
func (e *CommandEvaluator) Evaluate(ctx context.Context, snap Snapshot) (Recommendation, error) {
	input, err := json.Marshal(snap)
	if err != nil {
		return Recommendation{}, fmt.Errorf("encoding snapshot: %w", err)
	}

	timeout := e.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Command, e.Args...)
	cmd.Dir = e.Dir
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(), e.Env...)
	cmd.WaitDelay = 2 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Recommendation{}, fmt.Errorf("evaluator timed out after %s: %w", timeout, ctx.Err())
		}
		return Recommendation{}, fmt.Errorf("running evaluator: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	out := bytes.TrimSpace(stdout.Bytes())
	if len(out) == 0 {
		return Recommendation{}, nil
	}
	var rec Recommendation
	if err := json.Unmarshal(out, &rec); err != nil {
		return Recommendation{}, fmt.Errorf("parsing evaluator output: %w", err)
	}
	return rec, nil
}

// Validate checks a recommendation against the story set. Unknown IDs are
// rejected, as is any ordering that would put a story ahead of an unfinished
// prerequisite listed in its dependsOn, unless that inversion already exists.
func Validate(p *prd.PRD, rec Recommendation) error {
	for id := range rec.Priorities {
		if p.FindStoryByID(id) == nil {
			return fmt.Errorf("%w: unknown story %s", ErrReorderRejected, id)
		}
	}

	before := violations(p, nil)
	after := violations(p, rec.Priorities)

	var added []string
	for v := range after {
		if !before[v] {
			added = append(added, v)
		}
	}
	if len(added) == 0 {
		return nil
	}
	sort.Strings(added)
	return fmt.Errorf("%w: %s", ErrReorderRejected, strings.Join(added, "; "))
}

// violations lists "X would run before its prerequisite Y" for every story X
// ordered at or ahead of an unpassed prerequisite Y. Order is priority, then
// declaration index, the same order the scheduler uses.
func violations(p *prd.PRD, override map[string]int) map[string]bool {
	index := make(map[string]int, len(p.UserStories))
	for i, s := range p.UserStories {
		index[s.ID] = i
	}
	priority := func(s *prd.UserStory) int {
		if v, ok := override[s.ID]; ok {
			return v
		}
		return s.Priority
	}
	runsFirst := func(a, b *prd.UserStory) bool {
		pa, pb := priority(a), priority(b)
		if pa != pb {
			return pa < pb
		}
		return index[a.ID] < index[b.ID]
	}

	found := make(map[string]bool)
	for i := range p.UserStories {
		story := &p.UserStories[i]
		for _, depID := range story.DependsOn {
			dep := p.FindStoryByID(depID)
			if dep == nil || dep.Passes {
				continue
			}
			if runsFirst(story, dep) {
				found[fmt.Sprintf("%s would run before its prerequisite %s", story.ID, dep.ID)] = true
			}
		}
	}
	return found
}

// Change is one applied priority change.
type Change struct {
	StoryID string
	From    int
	To      int
}

// Apply validates the recommendation and persists the priority changes in a
// single atomic write. It returns the changes that took effect.
func Apply(store *prd.Store, rec Recommendation) ([]Change, error) {
	if err := Validate(store.PRD(), rec); err != nil {
		return nil, err
	}

	var changes []Change
	updates := make(map[string]int)
	for _, s := range store.PRD().UserStories {
		to, ok := rec.Priorities[s.ID]
		if !ok || to == s.Priority {
			continue
		}
		changes = append(changes, Change{StoryID: s.ID, From: s.Priority, To: to})
		updates[s.ID] = to
	}
	if len(updates) == 0 {
		return nil, nil
	}
	if err := store.SetPriorities(updates); err != nil {
		return nil, err
	}
	return changes, nil
}
