package loop

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jywlabs/halloop/internal/engine"
	"github.com/jywlabs/halloop/internal/evaluator"
	"github.com/jywlabs/halloop/internal/history"
	"github.com/jywlabs/halloop/internal/hooks"
	"github.com/jywlabs/halloop/internal/loopstate"
	"github.com/jywlabs/halloop/internal/prd"
	"github.com/jywlabs/halloop/internal/retry"
	"github.com/jywlabs/halloop/internal/template"
)

// setup writes p into a fresh .hal directory and starts a loop on it.
func setup(t *testing.T, p *prd.PRD, cfg loopstate.Config) string {
	t.Helper()
	dir := filepath.Join(t.TempDir(), template.HalDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, template.PRDFile)
	if err := prd.WriteFile(path, p); err != nil {
		t.Fatal(err)
	}
	cfg.PRDPath = path
	if _, _, err := loopstate.New(dir).Start(cfg); err != nil {
		t.Fatal(err)
	}
	return dir
}

func loadPRD(t *testing.T, dir string) *prd.PRD {
	t.Helper()
	store, err := prd.Load(filepath.Join(dir, template.PRDFile))
	if err != nil {
		t.Fatal(err)
	}
	return store.PRD()
}

func story(id string, priority int) prd.UserStory {
	return prd.UserStory{ID: id, Title: "Story " + id, AcceptanceCriteria: []string{"works"}, Priority: priority}
}

func newController(dir string, eng engine.Engine, d *hooks.Dispatcher) *Controller {
	return New(Options{
		Dir:     dir,
		WorkDir: filepath.Dir(dir),
		Engine:  eng,
		Hooks:   d,
		Retry:   retry.Config{MaxRetries: 1, BaseDelay: time.Millisecond},
	})
}

// hookLog records every event a dispatcher delivers.
type hookLog struct {
	mu       sync.Mutex
	events   []string
	payloads map[string][]byte
	reply    map[hooks.EventName]string
}

func (h *hookLog) Name() string { return "test" }

func (h *hookLog) Handle(_ context.Context, event hooks.EventName, storyID string, payload []byte) (hooks.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, string(event)+":"+storyID)
	if h.payloads == nil {
		h.payloads = map[string][]byte{}
	}
	h.payloads[string(event)+":"+storyID] = payload
	return hooks.Response{AdditionalContext: h.reply[event]}, nil
}

func (h *hookLog) count(prefix string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, e := range h.events {
		if strings.HasPrefix(e, prefix) {
			n++
		}
	}
	return n
}

func dispatcherWith(h hooks.Handler) *hooks.Dispatcher {
	d := hooks.NewDispatcher(hooks.Options{})
	for _, ev := range hooks.Events {
		d.Register(ev, h)
	}
	return d
}

func failure(msg string) engine.Result {
	return engine.Result{Status: prd.StatusFailure, Errors: []string{msg}}
}

func TestStepAllPassCompletesWithoutDispatch(t *testing.T) {
	s := story("US-1", 1)
	s.Passes = true
	dir := setup(t, &prd.PRD{Project: "demo", UserStories: []prd.UserStory{s}}, loopstate.Config{})

	eng := engine.NewScripted()
	res, err := newController(dir, eng, nil).Step(context.Background())
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if !res.Terminated || res.Reason != Completed {
		t.Fatalf("result = %+v, want Completed", res)
	}
	if len(eng.Calls()) != 0 {
		t.Errorf("executor called %d times, want 0", len(eng.Calls()))
	}
	if _, err := os.Stat(filepath.Join(dir, template.LoopStateFile)); !os.IsNotExist(err) {
		t.Errorf("loop state still present after termination")
	}
}

func TestStepWithoutLoop(t *testing.T) {
	dir := t.TempDir()
	_, err := newController(dir, engine.NewScripted(), nil).Step(context.Background())
	if !errors.Is(err, loopstate.ErrNotActive) {
		t.Fatalf("Step() error = %v, want ErrNotActive", err)
	}
}

func TestStepDiscardsStaleState(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, template.LoopStateFile)
	if err := os.WriteFile(statePath, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := newController(dir, engine.NewScripted(), nil).Step(context.Background())
	if !errors.Is(err, loopstate.ErrNotActive) {
		t.Fatalf("Step() error = %v, want ErrNotActive", err)
	}
	if _, err := os.Stat(statePath); !os.IsNotExist(err) {
		t.Errorf("stale state not removed")
	}
}

func TestRetryBudgetBlocksOnceThenStalls(t *testing.T) {
	dir := setup(t, &prd.PRD{
		Project:     "demo",
		Settings:    prd.Settings{MaxRetries: 3},
		UserStories: []prd.UserStory{story("US-1", 1)},
	}, loopstate.Config{})

	eng := engine.NewScripted().Queue("US-1", failure("tests fail"), failure("tests fail"), failure("tests fail"))
	log := &hookLog{}
	c := newController(dir, eng, dispatcherWith(log))

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if sum.Reason != Stalled {
		t.Fatalf("reason = %s, want Stalled", sum.Reason)
	}
	if sum.Iterations != 3 {
		t.Errorf("iterations = %d, want 3", sum.Iterations)
	}
	if got := log.count("on_task_blocked"); got != 1 {
		t.Errorf("on_task_blocked fired %d times, want 1", got)
	}
	if got := log.count("on_task_start"); got != 3 {
		t.Errorf("task_start fired %d times, want 3", got)
	}

	s := loadPRD(t, dir).UserStories[0]
	if s.RetryCount != 3 || !s.Blocked() || s.Passes {
		t.Errorf("story = retryCount %d blocked %q passes %v", s.RetryCount, s.BlockedReason, s.Passes)
	}
	if len(s.Metrics.Attempts) != 3 {
		t.Errorf("attempts = %d, want 3", len(s.Metrics.Attempts))
	}

	var blocked hooks.TaskBlocked
	if err := json.Unmarshal(log.payloads["on_task_blocked:US-1"], &blocked); err != nil {
		t.Fatal(err)
	}
	if blocked.RetryCount != 3 || !reflect.DeepEqual(blocked.Errors, []string{"tests fail"}) {
		t.Errorf("on_task_blocked payload = %+v", blocked)
	}
}

func TestExecutorBlockedStatus(t *testing.T) {
	dir := setup(t, &prd.PRD{
		Project:     "demo",
		UserStories: []prd.UserStory{story("US-1", 1), story("US-2", 2)},
	}, loopstate.Config{})

	eng := engine.NewScripted().Queue("US-1", engine.Result{Status: prd.StatusBlocked, BlockedReason: "needs credentials"})
	c := newController(dir, eng, nil)

	res, err := c.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Terminated {
		t.Fatalf("terminated early: %+v", res)
	}
	if got := loadPRD(t, dir).UserStories[0].BlockedReason; got != "needs credentials" {
		t.Errorf("blockedReason = %q", got)
	}

	// US-2 runs next and passes; US-1 stays blocked so the loop stalls.
	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Reason != Stalled || sum.Passed != 1 || sum.Blocked != 1 {
		t.Errorf("summary = %+v, want Stalled with 1 passed 1 blocked", sum)
	}
}

func TestCompletionPromise(t *testing.T) {
	dir := setup(t, &prd.PRD{
		Project:     "demo",
		UserStories: []prd.UserStory{story("US-1", 1), story("US-2", 2)},
	}, loopstate.Config{CompletionPromise: "ALL DONE"})

	eng := engine.NewScripted().Queue("US-1", engine.Result{
		Status: prd.StatusFailure,
		Output: "work finished\n<promise>ALL DONE</promise>\n",
	})

	res, err := newController(dir, eng, nil).Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !res.Terminated || res.Reason != ExplicitPromise {
		t.Fatalf("result = %+v, want ExplicitPromise", res)
	}

	p := loadPRD(t, dir)
	if p.UserStories[1].Passes || len(p.UserStories[1].Metrics.Attempts) != 0 {
		t.Errorf("US-2 was touched: %+v", p.UserStories[1])
	}
	if got := eng.Calls()[0].CompletionPromise; got != "ALL DONE" {
		t.Errorf("request promise = %q", got)
	}
}

func TestPromiseMentionedInSentenceKeepsRunning(t *testing.T) {
	dir := setup(t, &prd.PRD{
		Project:     "demo",
		UserStories: []prd.UserStory{story("US-1", 1)},
	}, loopstate.Config{CompletionPromise: "COMPLETE"})

	eng := engine.NewScripted().Queue("US-1", engine.Result{
		Status: prd.StatusFailure,
		Output: "Tests still fail, so I will not print COMPLETE yet.\nThe story is not COMPLETE.\n",
		Errors: []string{"2 tests failing"},
	})

	res, err := newController(dir, eng, nil).Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Terminated {
		t.Fatalf("result = %+v, want the loop to continue", res)
	}
	st, err := loopstate.New(dir).Load()
	if err != nil {
		t.Fatalf("loop state gone: %v", err)
	}
	if st.Iteration != 2 {
		t.Errorf("iteration = %d, want 2", st.Iteration)
	}
	if got := loadPRD(t, dir).UserStories[0]; got.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", got.RetryCount)
	}
}

func TestMaxIterationsReached(t *testing.T) {
	dir := setup(t, &prd.PRD{
		Project:     "demo",
		Settings:    prd.Settings{MaxRetries: 10},
		UserStories: []prd.UserStory{story("US-1", 1)},
	}, loopstate.Config{MaxIterations: 5})

	eng := engine.NewScripted()
	eng.Fallback = failure("still failing")

	sum, err := newController(dir, eng, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Reason != MaxIterationsReached || sum.Iterations != 5 {
		t.Fatalf("summary = %+v, want MaxIterationsReached after 5", sum)
	}
	if len(eng.Calls()) != 5 {
		t.Errorf("executor calls = %d, want 5", len(eng.Calls()))
	}
	if _, err := os.Stat(filepath.Join(dir, template.LoopStateFile)); !os.IsNotExist(err) {
		t.Errorf("loop state still present")
	}
}

func TestParallelDispatch(t *testing.T) {
	a, b, c := story("US-1", 1), story("US-2", 2), story("US-3", 3)
	a.TargetFiles = []string{"api/users.go"}
	b.TargetFiles = []string{"web/app.tsx"}
	c.TargetFiles = []string{"api/users.go"}
	dir := setup(t, &prd.PRD{
		Project:     "demo",
		Settings:    prd.Settings{MaxParallel: 3},
		UserStories: []prd.UserStory{a, b, c},
	}, loopstate.Config{ExecutionMode: prd.ModeParallel})

	eng := engine.NewScripted()
	ctl := newController(dir, eng, nil)

	res, err := ctl.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"US-1", "US-2"}; !reflect.DeepEqual(res.Selected, want) {
		t.Errorf("selected = %v, want %v", res.Selected, want)
	}
	if len(res.Applied) != 2 || res.Applied[0].StoryID != "US-1" || res.Applied[1].StoryID != "US-2" {
		t.Errorf("applied out of order: %+v", res.Applied)
	}

	sum, err := ctl.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Reason != Completed || sum.Passed != 3 {
		t.Errorf("summary = %+v, want Completed with 3 passed", sum)
	}
	if len(eng.Calls()) != 3 {
		t.Errorf("executor calls = %d, want 3", len(eng.Calls()))
	}
}

// cancellingEngine removes the loop state while it "executes".
type cancellingEngine struct {
	statePath string
}

func (e *cancellingEngine) Name() string { return "cancelling" }

func (e *cancellingEngine) Execute(_ context.Context, req engine.Request, _ *engine.Display) engine.Result {
	os.Remove(e.statePath)
	return engine.Result{StoryID: req.Story.ID, Status: prd.StatusFailure}
}

func TestCancelledByStateRemoval(t *testing.T) {
	dir := setup(t, &prd.PRD{
		Project:     "demo",
		UserStories: []prd.UserStory{story("US-1", 1)},
	}, loopstate.Config{})

	eng := &cancellingEngine{statePath: filepath.Join(dir, template.LoopStateFile)}
	sum, err := newController(dir, eng, nil).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Reason != Cancelled {
		t.Fatalf("reason = %s, want Cancelled", sum.Reason)
	}
	// The in-flight result is still applied.
	if got := loadPRD(t, dir).UserStories[0].RetryCount; got != 1 {
		t.Errorf("retryCount = %d, want 1", got)
	}
}

func TestInterruptedContextKeepsState(t *testing.T) {
	dir := setup(t, &prd.PRD{
		Project:     "demo",
		UserStories: []prd.UserStory{story("US-1", 1)},
	}, loopstate.Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newController(dir, engine.NewScripted(), nil).Step(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Step() error = %v, want context.Canceled", err)
	}
	if _, err := os.Stat(filepath.Join(dir, template.LoopStateFile)); err != nil {
		t.Errorf("loop state removed on interrupt: %v", err)
	}
	if got := loadPRD(t, dir).UserStories[0]; len(got.Metrics.Attempts) != 0 {
		t.Errorf("attempt applied on interrupt: %+v", got.Metrics.Attempts)
	}
}

func TestResumeSkipsAlreadyAppliedAttempt(t *testing.T) {
	// The iteration-1 attempt was applied but the state was never ticked.
	s := story("US-1", 1)
	s.RetryCount = 1
	s.Metrics.Attempts = []prd.Attempt{{Iteration: 1, Status: prd.StatusFailure}}
	dir := setup(t, &prd.PRD{Project: "demo", UserStories: []prd.UserStory{s}}, loopstate.Config{})

	log := &hookLog{}
	eng := engine.NewScripted().Queue("US-1", engine.Result{StoryID: "US-1", Status: prd.StatusSuccess})
	c := newController(dir, eng, dispatcherWith(log))

	res, err := c.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Terminated {
		t.Fatalf("terminated: %+v", res)
	}
	if len(eng.Calls()) != 0 {
		t.Fatalf("executor called %d times for an applied attempt", len(eng.Calls()))
	}
	if len(res.Selected) != 0 || len(res.Applied) != 0 {
		t.Errorf("selected %v applied %+v, want none", res.Selected, res.Applied)
	}
	got := loadPRD(t, dir).UserStories[0]
	if got.RetryCount != 1 || len(got.Metrics.Attempts) != 1 {
		t.Errorf("story changed: retryCount %d attempts %d", got.RetryCount, len(got.Metrics.Attempts))
	}
	if n := len(log.events); n != 0 {
		t.Errorf("hooks fired %d times for an applied attempt: %v", n, log.events)
	}
	st, err := loopstate.New(dir).Load()
	if err != nil {
		t.Fatal(err)
	}
	if st.Iteration != 2 {
		t.Errorf("iteration = %d, want 2", st.Iteration)
	}

	// The queued success lands on the next iteration.
	res, err = c.Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(eng.Calls()) != 1 || eng.Calls()[0].Iteration != 2 {
		t.Fatalf("calls = %+v, want one call at iteration 2", eng.Calls())
	}
	if !res.Terminated || res.Reason != Completed {
		t.Errorf("result = %+v, want Completed", res)
	}
	if got := loadPRD(t, dir).UserStories[0]; !got.Passes {
		t.Error("story should pass after the resumed attempt")
	}
}

func TestCrashCountsAsFailure(t *testing.T) {
	dir := setup(t, &prd.PRD{
		Project:     "demo",
		Settings:    prd.Settings{MaxRetries: 1},
		UserStories: []prd.UserStory{story("US-1", 1)},
	}, loopstate.Config{})

	log := &hookLog{}
	eng := engine.NewScripted().Queue("US-1", engine.Result{Error: errors.New("exit status 2")})
	res, err := newController(dir, eng, dispatcherWith(log)).Step(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Applied) != 1 || res.Applied[0].Status != prd.StatusFailure || !res.Applied[0].Blocked {
		t.Fatalf("applied = %+v, want blocked failure", res.Applied)
	}

	var blocked hooks.TaskBlocked
	if err := json.Unmarshal(log.payloads["on_task_blocked:US-1"], &blocked); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(blocked.Errors, []string{"exit status 2"}) {
		t.Errorf("errors = %v", blocked.Errors)
	}
}

func TestHookContextReachesNextRequest(t *testing.T) {
	dir := setup(t, &prd.PRD{
		Project:     "demo",
		UserStories: []prd.UserStory{story("US-1", 1), story("US-2", 2)},
	}, loopstate.Config{})

	log := &hookLog{reply: map[hooks.EventName]string{
		hooks.EventTaskCompleted: "deploy preview is up",
		hooks.EventTaskStart:     "use the staging database",
	}}
	eng := engine.NewScripted()
	c := newController(dir, eng, dispatcherWith(log))

	for range 2 {
		if _, err := c.Step(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	calls := eng.Calls()
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	if got := calls[0].AdditionalContext; got != "use the staging database" {
		t.Errorf("first context = %q", got)
	}
	if got := calls[1].AdditionalContext; got != "deploy preview is up\n\nuse the staging database" {
		t.Errorf("second context = %q", got)
	}
	if calls[1].Iteration != 2 {
		t.Errorf("second iteration = %d, want 2", calls[1].Iteration)
	}
}

type fixedEvaluator struct {
	rec   evaluator.Recommendation
	calls []int
}

func (e *fixedEvaluator) Evaluate(_ context.Context, snap evaluator.Snapshot) (evaluator.Recommendation, error) {
	e.calls = append(e.calls, snap.Iteration)
	return e.rec, nil
}

func TestEvaluatorReorders(t *testing.T) {
	tests := []struct {
		name         string
		allowReorder bool
		want         []int
	}{
		{name: "applied", allowReorder: true, want: []int{5, 1, 2}},
		{name: "not allowed", allowReorder: false, want: []int{1, 2, 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := setup(t, &prd.PRD{
				Project: "demo",
				Settings: prd.Settings{
					MaxRetries:               10,
					EvaluatorEnabled:         true,
					AllowReorder:             tt.allowReorder,
					EvaluateEveryNIterations: 2,
				},
				UserStories: []prd.UserStory{story("US-1", 1), story("US-2", 2), story("US-3", 3)},
			}, loopstate.Config{})

			eng := engine.NewScripted()
			eng.Fallback = failure("nope")
			ev := &fixedEvaluator{rec: evaluator.Recommendation{Priorities: map[string]int{"US-1": 5, "US-2": 1, "US-3": 2}}}
			c := New(Options{Dir: dir, Engine: eng, Evaluator: ev})

			for range 2 {
				if _, err := c.Step(context.Background()); err != nil {
					t.Fatal(err)
				}
			}
			if !reflect.DeepEqual(ev.calls, []int{2}) {
				t.Errorf("evaluator ran at %v, want [2]", ev.calls)
			}
			var got []int
			for _, s := range loadPRD(t, dir).UserStories {
				got = append(got, s.Priority)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("priorities = %v, want %v", got, tt.want)
			}
		})
	}
}

type memRecorder struct {
	mu         sync.Mutex
	runs       map[string]history.Run
	iterations []history.Iteration
	hooks      []history.HookEvent
	finished   map[string]string
}

func (r *memRecorder) StartRun(_ context.Context, run history.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.runs == nil {
		r.runs = map[string]history.Run{}
	}
	r.runs[run.ID] = run
	return nil
}

func (r *memRecorder) RecordIteration(_ context.Context, it history.Iteration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.iterations = append(r.iterations, it)
	return nil
}

func (r *memRecorder) RecordHook(_ context.Context, ev history.HookEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, ev)
	return nil
}

func (r *memRecorder) FinishRun(_ context.Context, runID, reason string, _ time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finished == nil {
		r.finished = map[string]string{}
	}
	r.finished[runID] = reason
	return nil
}

func TestRecorderSeesTheRun(t *testing.T) {
	dir := setup(t, &prd.PRD{
		Project:     "demo",
		UserStories: []prd.UserStory{story("US-1", 1)},
	}, loopstate.Config{})

	rec := &memRecorder{}
	eng := engine.NewScripted().Queue("US-1", failure("first"), engine.Result{Status: prd.StatusSuccess, CommitHash: "abc123"})
	c := New(Options{Dir: dir, Engine: eng, Recorder: rec, Hooks: dispatcherWith(&hookLog{})})

	sum, err := c.Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if sum.Reason != Completed {
		t.Fatalf("reason = %s", sum.Reason)
	}
	if len(rec.runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(rec.runs))
	}
	var runID string
	for id := range rec.runs {
		runID = id
	}
	if rec.finished[runID] != string(Completed) {
		t.Errorf("finished = %v", rec.finished)
	}
	if len(rec.iterations) != 2 {
		t.Fatalf("iterations = %d, want 2", len(rec.iterations))
	}
	if rec.iterations[0].Status != "failure" || rec.iterations[0].Error != "first" {
		t.Errorf("first iteration = %+v", rec.iterations[0])
	}
	if rec.iterations[1].CommitHash != "abc123" || rec.iterations[1].Iteration != 2 {
		t.Errorf("second iteration = %+v", rec.iterations[1])
	}
	// task_start twice, task_completed once.
	if len(rec.hooks) != 3 {
		t.Errorf("hook records = %d, want 3", len(rec.hooks))
	}
}

func TestProgressLogGetsLearnings(t *testing.T) {
	dir := setup(t, &prd.PRD{
		Project:     "demo",
		UserStories: []prd.UserStory{story("US-1", 1)},
	}, loopstate.Config{})

	eng := engine.NewScripted().Queue("US-1", engine.Result{
		Status:    prd.StatusSuccess,
		Learnings: []string{"the API client needs a context"},
	})
	if _, err := newController(dir, eng, nil).Step(context.Background()); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, template.ProgressFile))
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)
	if !strings.Contains(got, "US-1 (iteration 1): success") || !strings.Contains(got, "- the API client needs a context") {
		t.Errorf("progress log = %q", got)
	}
}
