package engine

import (
	"context"
	"sync"

	"github.com/jywlabs/halloop/internal/prd"
)

// Scripted is a deterministic engine that replays queued results per story.
// Stories with an empty queue get Fallback, which defaults to success.
type Scripted struct {
	Fallback Result

	mu     sync.Mutex
	queues map[string][]Result
	calls  []Request
}

// NewScripted creates an empty Scripted engine.
func NewScripted() *Scripted {
	return &Scripted{queues: make(map[string][]Result)}
}

// Queue appends results returned, in order, for storyID.
func (s *Scripted) Queue(storyID string, results ...Result) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[storyID] = append(s.queues[storyID], results...)
	return s
}

// Name returns the engine identifier.
func (s *Scripted) Name() string { return "scripted" }

// Execute pops the next result for the story.
func (s *Scripted) Execute(ctx context.Context, req Request, display *Display) Result {
	s.mu.Lock()
	s.calls = append(s.calls, req)
	var r Result
	if q := s.queues[req.Story.ID]; len(q) > 0 {
		r = q[0]
		s.queues[req.Story.ID] = q[1:]
	} else {
		r = s.Fallback
		if r.Status == "" && r.Error == nil {
			r.Status = prd.StatusSuccess
		}
	}
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return Result{StoryID: req.Story.ID, Error: err}
	}
	if r.StoryID == "" {
		r.StoryID = req.Story.ID
	}
	if r.Metrics.Iteration == 0 {
		r.Metrics.Iteration = req.Iteration
	}
	return r
}

// Calls returns the requests seen so far, in order.
func (s *Scripted) Calls() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.calls...)
}
