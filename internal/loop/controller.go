// Package loop drives one iteration at a time: select stories, dispatch them
// to the executor, apply the results, fire hooks, and decide whether to stop.
//
// Nothing is kept in memory between iterations. Every Step reloads the loop
// state and the story set from disk, so a loop can be resumed by a fresh
// process after any step.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jywlabs/halloop/internal/engine"
	"github.com/jywlabs/halloop/internal/evaluator"
	"github.com/jywlabs/halloop/internal/history"
	"github.com/jywlabs/halloop/internal/hooks"
	"github.com/jywlabs/halloop/internal/loopstate"
	"github.com/jywlabs/halloop/internal/prd"
	"github.com/jywlabs/halloop/internal/retry"
	"github.com/jywlabs/halloop/internal/scheduler"
	"github.com/jywlabs/halloop/internal/template"
)

// Reason is why a loop terminated.
type Reason string

const (
	Completed            Reason = "Completed"
	Stalled              Reason = "Stalled"
	MaxIterationsReached Reason = "MaxIterationsReached"
	ExplicitPromise      Reason = "ExplicitPromise"
	Cancelled            Reason = "Cancelled"
)

// DefaultEvaluateEvery is used when the evaluator is enabled without an interval.
const DefaultEvaluateEvery = 5

// Recorder persists the loop's audit trail. Errors are logged, never fatal.
type Recorder interface {
	StartRun(ctx context.Context, r history.Run) error
	RecordIteration(ctx context.Context, it history.Iteration) error
	RecordHook(ctx context.Context, ev history.HookEvent) error
	FinishRun(ctx context.Context, runID, reason string, at time.Time) error
}

// Options configures a Controller.
type Options struct {
	Dir            string // .hal directory
	WorkDir        string // Repository root the executor works in
	Engine         engine.Engine
	Hooks          *hooks.Dispatcher
	Evaluator      evaluator.Evaluator // nil disables evaluation
	Recorder       Recorder            // nil disables history
	Display        *engine.Display     // nil disables terminal output
	Logger         *slog.Logger
	MaxParallel    int // K for parallel mode when the story set does not set it
	Retry          retry.Config
	IterationDelay time.Duration // Pause between iterations in Run
	PromptTemplate string
	Now            func() time.Time
}

// Applied is the outcome of one story in an iteration.
type Applied struct {
	StoryID  string
	Status   prd.AttemptStatus
	Passes   bool
	Blocked  bool
	Reason   string // Blocked reason or crash error
	Learning []string
}

// StepResult describes one iteration.
type StepResult struct {
	Iteration  int
	Selected   []string
	Applied    []Applied
	Terminated bool
	Reason     Reason
	Detail     string
	Passed     int
	Blocked    int
	Total      int
}

// Summary is what Run returns once the loop terminates.
type Summary struct {
	Reason     Reason
	Detail     string
	Iterations int
	Passed     int
	Blocked    int
	Total      int
}

// Controller is the per-iteration driver.
type Controller struct {
	opts  Options
	state *loopstate.Manager
	log   *slog.Logger
}

// New creates a Controller. Engine is required.
func New(opts Options) *Controller {
	if opts.Dir == "" {
		opts.Dir = template.HalDir
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.NewDispatcher(hooks.Options{Logger: opts.Logger})
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		opts:  opts,
		state: loopstate.New(opts.Dir),
		log:   opts.Logger,
	}
}

// State returns the loop state manager the controller uses.
func (c *Controller) State() *loopstate.Manager { return c.state }

// Run repeats Step until the loop terminates or ctx is cancelled. A
// cancelled context leaves the loop state in place so it can be resumed.
func (c *Controller) Run(ctx context.Context) (Summary, error) {
	var sum Summary
	for {
		res, err := c.Step(ctx)
		if err != nil {
			if errors.Is(err, loopstate.ErrNotActive) && sum.Iterations > 0 {
				sum.Reason = Cancelled
				sum.Detail = "loop state removed"
				return sum, nil
			}
			return sum, err
		}
		if len(res.Selected) > 0 {
			sum.Iterations++
		}
		sum.Passed, sum.Blocked, sum.Total = res.Passed, res.Blocked, res.Total
		if res.Terminated {
			sum.Reason = res.Reason
			sum.Detail = res.Detail
			return sum, nil
		}

		if c.opts.IterationDelay > 0 {
			timer := time.NewTimer(c.opts.IterationDelay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return sum, ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// Step runs exactly one iteration. It returns loopstate.ErrNotActive when no
// loop is running; a stale state file is discarded first. Only story set and
// loop state I/O problems are returned as errors; executor, hook and
// evaluator failures are contained.
func (c *Controller) Step(ctx context.Context) (StepResult, error) {
	st, err := c.state.Load()
	if errors.Is(err, loopstate.ErrStaleState) {
		c.log.Warn("discarding stale loop state", "path", c.state.Path(), "error", err)
		if err := c.state.Clear(); err != nil {
			return StepResult{}, err
		}
		return StepResult{}, fmt.Errorf("%w (stale state discarded)", loopstate.ErrNotActive)
	}
	if err != nil {
		return StepResult{}, err
	}

	store, err := prd.Load(c.prdPath(st))
	if err != nil {
		return StepResult{}, err
	}
	p := store.PRD()
	c.startRun(ctx, st, p)

	res := StepResult{Iteration: st.Iteration}

	// Selecting
	mode := st.ExecutionMode
	if mode == "" {
		mode = p.Settings.ExecutionMode
	}
	k := p.Settings.MaxParallel
	if k <= 0 {
		k = c.opts.MaxParallel
	}
	sel := scheduler.Next(p, mode, k)
	if sel.Empty() {
		if store.AllPass() {
			return c.terminate(ctx, st, store, res, Completed, "all stories pass")
		}
		_, blocked, _ := store.Progress()
		return c.terminate(ctx, st, store, res, Stalled, fmt.Sprintf("%d stories blocked", blocked))
	}

	// A step interrupted between applying and ticking already recorded some
	// attempts for this iteration; those stories are not dispatched again.
	stories := make([]prd.UserStory, 0, len(sel.Stories))
	for _, s := range sel.Stories {
		if attemptedAt(s, st.Iteration) {
			c.log.Info("attempt already applied, not dispatching", "storyId", s.ID, "iteration", st.Iteration)
			continue
		}
		stories = append(stories, s)
		res.Selected = append(res.Selected, s.ID)
	}
	if len(stories) > 0 {
		c.log.Info("iteration started", "iteration", st.Iteration, "mode", mode, "stories", res.Selected)
		infos := make([]engine.StoryInfo, len(stories))
		for i, s := range stories {
			infos[i] = engine.StoryInfo{ID: s.ID, Title: s.Title}
		}
		c.opts.Display.ShowIterationHeader(st.Iteration, st.MaxIterations, infos)
	}

	// Dispatching
	branch := st.Branch
	if branch == "" {
		branch = p.BranchName
	}
	reqs := make([]engine.Request, len(stories))
	for i, story := range stories {
		outcomes := c.opts.Hooks.Fire(ctx, hooks.TaskStart{
			StoryID:            story.ID,
			Title:              story.Title,
			Branch:             branch,
			Iteration:          st.Iteration,
			Priority:           story.Priority,
			AcceptanceCriteria: story.AcceptanceCriteria,
		})
		c.recordHooks(ctx, st, outcomes)

		reqs[i] = engine.Request{
			Story:             story,
			Iteration:         st.Iteration,
			Project:           p.Project,
			Branch:            branch,
			WorkDir:           c.opts.WorkDir,
			PromptTemplate:    c.promptTemplate(st),
			AdditionalContext: joinContext(st.AdditionalContext, hooks.AdditionalContext(outcomes)),
			CompletionPromise: st.CompletionPromise,
			TDDRequired:       p.Settings.TDDRequired,
		}
	}

	// AwaitingResult
	started := c.opts.Now().UTC()
	results := c.dispatch(ctx, reqs)
	if err := ctx.Err(); err != nil {
		// Interrupted mid-flight: nothing is applied and the state stays for resume.
		return res, err
	}

	// Applying, in scheduler order
	var nextContext []string
	promised := false
	for i, story := range stories {
		r := results[i]
		applied, hookCtx, err := c.apply(ctx, st, store, branch, story, r, started)
		if err != nil {
			return res, err
		}
		res.Applied = append(res.Applied, applied)
		if hookCtx != "" {
			nextContext = append(nextContext, hookCtx)
		}
		if st.CompletionPromise != "" && engine.ContainsPromise(r.Output, st.CompletionPromise) {
			promised = true
		}
	}
	if len(stories) > 0 {
		c.opts.Display.ShowIterationComplete(st.Iteration)
	}

	if promised {
		return c.terminate(ctx, st, store, res, ExplicitPromise, "executor emitted the completion promise")
	}
	if store.AllPass() {
		return c.terminate(ctx, st, store, res, Completed, "all stories pass")
	}
	if st.ShouldStopForMaxIterations() {
		return c.terminate(ctx, st, store, res, MaxIterationsReached, fmt.Sprintf("stopped after %d iterations", st.Iteration))
	}

	if err := c.evaluate(ctx, st, store); err != nil {
		return res, err
	}

	if err := c.state.SetAdditionalContext(strings.Join(nextContext, "\n\n")); err != nil {
		return c.checkCancelled(ctx, st, store, res, err)
	}
	if _, err := c.state.Tick(); err != nil {
		return c.checkCancelled(ctx, st, store, res, err)
	}

	res.Passed, res.Blocked, res.Total = store.Progress()
	return res, nil
}

// attemptedAt reports whether the story already has an attempt recorded for
// iteration.
func attemptedAt(s prd.UserStory, iteration int) bool {
	for _, a := range s.Metrics.Attempts {
		if a.Iteration == iteration {
			return true
		}
	}
	return false
}

// dispatch runs every request, concurrently when there is more than one.
// Results line up with reqs.
func (c *Controller) dispatch(ctx context.Context, reqs []engine.Request) []engine.Result {
	results := make([]engine.Result, len(reqs))
	if len(reqs) == 1 {
		results[0] = c.execute(ctx, reqs[0])
		return results
	}

	var g errgroup.Group
	for i := range reqs {
		g.Go(func() error {
			results[i] = c.execute(ctx, reqs[i])
			return nil
		})
	}
	g.Wait()
	return results
}

// execute runs one request, retrying transient crashes.
func (c *Controller) execute(ctx context.Context, req engine.Request) engine.Result {
	cfg := c.opts.Retry
	cfg.Logger = c.log.With("storyId", req.Story.ID)
	cfg.OnRetry = func(attempt, max int, delay time.Duration) {
		c.opts.Display.ShowRetry(attempt, max, delay)
	}

	var r engine.Result
	err := retry.Do(ctx, cfg, func(ctx context.Context) error {
		r = c.opts.Engine.Execute(ctx, req, c.opts.Display)
		return r.Error
	})
	if err != nil && r.Error == nil {
		r.Error = err
	}
	return r
}

// apply records one result on the story set and fires the follow-up hook.
// It returns the additionalContext the hook handlers supplied.
func (c *Controller) apply(ctx context.Context, st *loopstate.State, store *prd.Store, branch string, story prd.UserStory, r engine.Result, started time.Time) (Applied, string, error) {
	completed := c.opts.Now().UTC()
	status := r.Status
	errs := r.Errors
	if r.Crashed() {
		status = prd.StatusFailure
		errs = append(errs, r.Error.Error())
	} else if !status.Valid() {
		status = prd.StatusFailure
		errs = append(errs, fmt.Sprintf("executor reported unknown status %q", r.Status))
	}

	durationMs := r.Metrics.ExecutionTimeMs
	if durationMs == 0 {
		durationMs = r.Duration.Milliseconds()
	}
	attempt := prd.Attempt{
		Iteration:      st.Iteration,
		StartedAt:      started,
		CompletedAt:    completed,
		DurationMs:     durationMs,
		TokensConsumed: r.Metrics.TokensConsumed,
		Status:         status,
	}

	updated, applied, err := store.MarkResult(story.ID, prd.Outcome{
		Attempt:       attempt,
		BlockedReason: r.BlockedReason,
	})
	if err != nil {
		return Applied{}, "", fmt.Errorf("applying result for %s: %w", story.ID, err)
	}

	out := Applied{
		StoryID:  story.ID,
		Status:   status,
		Passes:   updated.Passes,
		Blocked:  updated.Blocked(),
		Reason:   updated.BlockedReason,
		Learning: r.Learnings,
	}
	if r.Crashed() && !updated.Blocked() {
		out.Reason = r.Error.Error()
	}
	if !applied {
		c.log.Debug("attempt already recorded", "storyId", story.ID, "iteration", st.Iteration)
		return out, "", nil
	}

	c.log.Info("story result applied", "storyId", story.ID, "iteration", st.Iteration,
		"status", status, "passes", updated.Passes, "retryCount", updated.RetryCount, "blocked", updated.Blocked())
	c.opts.Display.AddTokens(r.Metrics.TokensConsumed)
	c.opts.Display.ShowStoryResult(story.ID, string(status), out.Reason)

	if err := appendProgress(filepath.Join(c.opts.Dir, template.ProgressFile), completed, story.ID, st.Iteration, status, r.Learnings); err != nil {
		c.log.Warn("failed to append progress log", "error", err)
	}

	commit := r.CommitHash
	if commit == "" && updated.Passes {
		commit = engine.HeadCommit(c.opts.WorkDir)
	}
	c.record(ctx, "iteration", func(rec Recorder) error {
		return rec.RecordIteration(ctx, history.Iteration{
			RunID:      st.RunID,
			Iteration:  st.Iteration,
			StoryID:    story.ID,
			Status:     string(status),
			DurationMs: durationMs,
			Tokens:     r.Metrics.TokensConsumed,
			CommitHash: commit,
			Error:      strings.Join(errs, "; "),
			RecordedAt: completed,
		})
	})

	var outcomes []hooks.Outcome
	switch {
	case updated.Passes:
		outcomes = c.opts.Hooks.Fire(ctx, hooks.TaskCompleted{
			StoryID:      story.ID,
			Title:        story.Title,
			CommitHash:   commit,
			FilesChanged: r.FilesChanged,
			Metrics: hooks.CompletedMetrics{
				StartedAt:      updated.Metrics.StartedAt,
				CompletedAt:    updated.Metrics.CompletedAt,
				DurationMs:     updated.Metrics.DurationMs,
				TokensConsumed: updated.Metrics.TokensConsumed,
			},
		})
	case updated.Blocked():
		c.log.Warn("story blocked", "storyId", story.ID, "reason", updated.BlockedReason, "retryCount", updated.RetryCount)
		outcomes = c.opts.Hooks.Fire(ctx, hooks.TaskBlocked{
			StoryID:       story.ID,
			Title:         story.Title,
			BlockedReason: updated.BlockedReason,
			RetryCount:    updated.RetryCount,
			Errors:        errs,
		})
	}
	c.recordHooks(ctx, st, outcomes)

	return out, hooks.AdditionalContext(outcomes), nil
}

// evaluate runs the evaluator when it is due and applies what it recommends.
// Only a failure to persist the new priorities is returned.
func (c *Controller) evaluate(ctx context.Context, st *loopstate.State, store *prd.Store) error {
	settings := store.PRD().Settings
	if !settings.EvaluatorEnabled || c.opts.Evaluator == nil {
		return nil
	}
	every := settings.EvaluateEveryNIterations
	if every <= 0 {
		every = DefaultEvaluateEvery
	}
	if !evaluator.Due(st.Iteration, every) {
		return nil
	}

	rec, err := c.opts.Evaluator.Evaluate(ctx, evaluator.NewSnapshot(store.PRD(), st.Iteration))
	if err != nil {
		c.log.Warn("evaluator failed", "iteration", st.Iteration, "error", err)
		return nil
	}
	if rec.Empty() {
		return nil
	}
	if !settings.AllowReorder {
		c.log.Info("reorder not allowed, recommendation discarded", "iteration", st.Iteration, "notes", rec.Notes)
		return nil
	}

	changes, err := evaluator.Apply(store, rec)
	if errors.Is(err, evaluator.ErrReorderRejected) {
		c.log.Warn("reorder rejected", "iteration", st.Iteration, "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("applying reorder: %w", err)
	}
	for _, ch := range changes {
		c.log.Info("priority changed", "storyId", ch.StoryID, "from", ch.From, "to", ch.To, "iteration", st.Iteration)
	}
	return nil
}

// terminate clears the loop state and reports the terminal reason.
func (c *Controller) terminate(ctx context.Context, st *loopstate.State, store *prd.Store, res StepResult, reason Reason, detail string) (StepResult, error) {
	res.Terminated = true
	res.Reason = reason
	res.Detail = detail
	res.Passed, res.Blocked, res.Total = store.Progress()

	if err := c.state.Clear(); err != nil {
		return res, fmt.Errorf("clearing loop state: %w", err)
	}

	c.log.Info("loop terminated", "reason", reason, "iteration", st.Iteration,
		"passed", res.Passed, "blocked", res.Blocked, "total", res.Total)
	c.record(ctx, "termination", func(rec Recorder) error {
		return rec.FinishRun(ctx, st.RunID, string(reason), c.opts.Now().UTC())
	})
	c.opts.Display.ShowTermination(engine.TerminationInfo{
		Reason:  string(reason),
		Detail:  detail,
		Success: reason == Completed || reason == ExplicitPromise,
		Passed:  res.Passed,
		Blocked: res.Blocked,
		Total:   res.Total,
	})
	return res, nil
}

// checkCancelled turns a vanished state file into a Cancelled termination.
func (c *Controller) checkCancelled(ctx context.Context, st *loopstate.State, store *prd.Store, res StepResult, err error) (StepResult, error) {
	if !errors.Is(err, loopstate.ErrNotActive) {
		return res, err
	}
	return c.terminate(ctx, st, store, res, Cancelled, "loop state removed")
}

func (c *Controller) startRun(ctx context.Context, st *loopstate.State, p *prd.PRD) {
	c.record(ctx, "run", func(rec Recorder) error {
		return rec.StartRun(ctx, history.Run{
			ID:            st.RunID,
			Project:       p.Project,
			Branch:        p.BranchName,
			Mode:          string(st.ExecutionMode),
			MaxIterations: st.MaxIterations,
			StartedAt:     st.StartedAt,
		})
	})
}

func (c *Controller) recordHooks(ctx context.Context, st *loopstate.State, outcomes []hooks.Outcome) {
	for _, o := range outcomes {
		c.record(ctx, "hook", func(rec Recorder) error {
			return rec.RecordHook(ctx, history.HookEvent{
				RunID:      st.RunID,
				Iteration:  st.Iteration,
				Event:      string(o.Event),
				StoryID:    o.StoryID,
				Handler:    o.Handler,
				Status:     string(o.Status),
				Reason:     o.Reason,
				DurationMs: o.Duration.Milliseconds(),
				RecordedAt: c.opts.Now().UTC(),
			})
		})
	}
}

func (c *Controller) record(ctx context.Context, what string, fn func(Recorder) error) {
	if c.opts.Recorder == nil {
		return
	}
	if err := fn(c.opts.Recorder); err != nil {
		c.log.Warn("failed to record history", "record", what, "error", err)
	}
}

func (c *Controller) prdPath(st *loopstate.State) string {
	if st.PRDPath != "" {
		return st.PRDPath
	}
	return filepath.Join(c.opts.Dir, template.PRDFile)
}

// promptTemplate prefers the prompt stored with the loop, then the configured one.
func (c *Controller) promptTemplate(st *loopstate.State) string {
	if st.Prompt != "" {
		return st.Prompt
	}
	return c.opts.PromptTemplate
}

func joinContext(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
