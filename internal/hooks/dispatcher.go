// Package hooks delivers loop lifecycle events to external handlers.
//
// Hooks are advisory. A missing handler is skipped, and a handler that fails
// or times out is logged; neither ever aborts the loop.
package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// DefaultTimeout bounds a single hook invocation.
const DefaultTimeout = 60 * time.Second

// ErrHandlerMissing is returned by a handler whose target does not exist.
var ErrHandlerMissing = errors.New("hook handler missing")

// Status is the delivery outcome of one hook invocation.
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusSkipped   Status = "skipped"
	StatusFailed    Status = "failed"
)

// Outcome records what happened when an event was delivered to one handler.
type Outcome struct {
	Event             EventName
	StoryID           string
	Handler           string
	Status            Status
	Reason            string // Why it was skipped or failed
	Err               error
	AdditionalContext string
	Duration          time.Duration
}

// Response is the optional JSON a handler may print on stdout or return as a body.
type Response struct {
	AdditionalContext string `json:"additionalContext"`
}

// Handler receives a JSON payload for an event.
type Handler interface {
	Name() string
	Handle(ctx context.Context, event EventName, storyID string, payload []byte) (Response, error)
}

// timeoutOverrider lets a handler carry its own timeout.
type timeoutOverrider interface {
	Timeout() time.Duration
}

// Options configures a Dispatcher.
type Options struct {
	Timeout time.Duration // Per invocation; 0 uses DefaultTimeout
	Logger  *slog.Logger
}

// Dispatcher fans events out to registered handlers.
type Dispatcher struct {
	handlers map[EventName][]Handler
	timeout  time.Duration
	logger   *slog.Logger
}

// NewDispatcher creates a Dispatcher with no handlers.
func NewDispatcher(opts Options) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Dispatcher{
		handlers: make(map[EventName][]Handler),
		timeout:  opts.Timeout,
		logger:   opts.Logger,
	}
}

// Register adds a handler for an event.
func (d *Dispatcher) Register(event EventName, h Handler) {
	d.handlers[event] = append(d.handlers[event], h)
}

// Handlers returns the handlers registered for an event.
func (d *Dispatcher) Handlers(event EventName) []Handler {
	return d.handlers[event]
}

// Fire delivers the event to every handler in registration order and returns
// one outcome per handler. It never returns an error; an event with no
// handlers yields a single skipped outcome.
func (d *Dispatcher) Fire(ctx context.Context, ev Event) []Outcome {
	handlers := d.handlers[ev.Name()]
	if len(handlers) == 0 {
		return []Outcome{{
			Event:   ev.Name(),
			StoryID: ev.Story(),
			Status:  StatusSkipped,
			Reason:  "no handler configured",
		}}
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		// Payload types are plain structs; this only trips on programmer error.
		out := Outcome{Event: ev.Name(), StoryID: ev.Story(), Status: StatusFailed, Reason: "encode payload", Err: err}
		d.logOutcome(out)
		return []Outcome{out}
	}

	outcomes := make([]Outcome, 0, len(handlers))
	for _, h := range handlers {
		out := d.invoke(ctx, h, ev, payload)
		d.logOutcome(out)
		outcomes = append(outcomes, out)
	}
	return outcomes
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, ev Event, payload []byte) Outcome {
	timeout := d.timeout
	if o, ok := h.(timeoutOverrider); ok && o.Timeout() > 0 {
		timeout = o.Timeout()
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := h.Handle(hctx, ev.Name(), ev.Story(), payload)
	out := Outcome{
		Event:    ev.Name(),
		StoryID:  ev.Story(),
		Handler:  h.Name(),
		Duration: time.Since(start),
	}

	switch {
	case err == nil:
		out.Status = StatusDelivered
		out.AdditionalContext = strings.TrimSpace(resp.AdditionalContext)
	case errors.Is(err, ErrHandlerMissing):
		out.Status = StatusSkipped
		out.Reason = "handler not found"
	case errors.Is(hctx.Err(), context.DeadlineExceeded):
		out.Status = StatusFailed
		out.Reason = fmt.Sprintf("timed out after %s", timeout)
		out.Err = err
	default:
		out.Status = StatusFailed
		out.Reason = err.Error()
		out.Err = err
	}
	return out
}

func (d *Dispatcher) logOutcome(out Outcome) {
	attrs := []any{"event", out.Event, "storyId", out.StoryID, "handler", out.Handler, "duration", out.Duration}
	switch out.Status {
	case StatusFailed:
		d.logger.Warn("hook failed", append(attrs, "reason", out.Reason)...)
	case StatusSkipped:
		d.logger.Debug("hook skipped", append(attrs, "reason", out.Reason)...)
	default:
		d.logger.Debug("hook delivered", attrs...)
	}
}

// AdditionalContext joins the non-empty additionalContext values returned by
// delivered handlers.
func AdditionalContext(outcomes []Outcome) string {
	var parts []string
	for _, out := range outcomes {
		if out.Status == StatusDelivered && out.AdditionalContext != "" {
			parts = append(parts, out.AdditionalContext)
		}
	}
	return strings.Join(parts, "\n\n")
}

// parseResponse reads an optional Response from handler output. Anything that
// is not a JSON object is ignored.
func parseResponse(out []byte) Response {
	var resp Response
	text := strings.TrimSpace(string(out))
	if !strings.HasPrefix(text, "{") {
		return resp
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		return Response{}
	}
	return resp
}
