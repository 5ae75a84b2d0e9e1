package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/jywlabs/halloop/internal/prd"
)

func TestScriptedReplaysQueue(t *testing.T) {
	s := NewScripted().
		Queue("US-1", Result{Status: prd.StatusFailure}, Result{Error: errors.New("rate limit")})

	req := Request{Story: prd.UserStory{ID: "US-1"}, Iteration: 2}

	first := s.Execute(context.Background(), req, nil)
	if first.Status != prd.StatusFailure || first.StoryID != "US-1" || first.Metrics.Iteration != 2 {
		t.Errorf("first = %+v", first)
	}
	second := s.Execute(context.Background(), req, nil)
	if !second.Crashed() {
		t.Errorf("second should be a crash: %+v", second)
	}
	third := s.Execute(context.Background(), req, nil)
	if third.Status != prd.StatusSuccess {
		t.Errorf("empty queue should fall back to success, got %q", third.Status)
	}
	if len(s.Calls()) != 3 {
		t.Errorf("Calls() = %d, want 3", len(s.Calls()))
	}
}

func TestScriptedCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewScripted().Execute(ctx, Request{Story: prd.UserStory{ID: "US-1"}}, nil)
	if !errors.Is(r.Error, context.Canceled) {
		t.Errorf("Error = %v, want context.Canceled", r.Error)
	}
}

func TestRegistry(t *testing.T) {
	RegisterEngine("Test-Fake", func(Config) Engine { return NewScripted() })

	e, err := New("test-fake", Config{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if e.Name() != "scripted" {
		t.Errorf("Name() = %q", e.Name())
	}
	if _, err := New("nope", Config{}); err == nil {
		t.Error("expected error for unknown engine")
	}
}
