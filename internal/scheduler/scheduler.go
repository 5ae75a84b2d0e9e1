// Package scheduler selects which stories the loop executes next.
//
// Selection is deterministic: eligible stories are ordered by priority with
// ties broken by declaration order. In parallel mode, stories are batched only
// when their target file hints are pairwise disjoint. The hints are advisory:
// a story without hints, or with wrong ones, can still conflict with another
// story at execution time.
package scheduler

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/jywlabs/halloop/internal/prd"
)

// DefaultMaxParallel is K for parallel mode when nothing else configures it.
const DefaultMaxParallel = 3

// SkipReasonCode enumerates why a story was not selected.
type SkipReasonCode string

const (
	SkipPassed      SkipReasonCode = "passed"
	SkipBlocked     SkipReasonCode = "blocked"
	SkipFileOverlap SkipReasonCode = "file-overlap"
	SkipBatchLimit  SkipReasonCode = "batch-limit"
	SkipNotHead     SkipReasonCode = "sequential"
)

// SkipReason explains why a story was excluded from the selection.
type SkipReason struct {
	Reason SkipReasonCode
	Detail string
}

// Selection is the scheduler's decision for one iteration.
type Selection struct {
	Stories []prd.UserStory
	Skipped map[string]SkipReason
}

// Empty reports whether there is no eligible work.
func (s Selection) Empty() bool { return len(s.Stories) == 0 }

// IDs returns the selected story IDs in execution order.
func (s Selection) IDs() []string {
	ids := make([]string, len(s.Stories))
	for i, story := range s.Stories {
		ids[i] = story.ID
	}
	return ids
}

// Eligible returns stories that have not passed and are not blocked, sorted
// by priority ascending. The sort is stable so ties keep declaration order.
func Eligible(p *prd.PRD) []prd.UserStory {
	var eligible []prd.UserStory
	for _, story := range p.UserStories {
		if story.Passes || story.Blocked() {
			continue
		}
		eligible = append(eligible, story)
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].Priority < eligible[j].Priority
	})
	return eligible
}

// Next selects the stories to execute for the given mode. maxParallel is K
// for parallel mode; values <= 0 fall back to the story set settings and then
// DefaultMaxParallel. Next never fails: no eligible work is an empty selection.
func Next(p *prd.PRD, mode prd.ExecutionMode, maxParallel int) Selection {
	sel := Selection{Skipped: map[string]SkipReason{}}
	for _, story := range p.UserStories {
		switch {
		case story.Passes:
			sel.Skipped[story.ID] = SkipReason{Reason: SkipPassed}
		case story.Blocked():
			sel.Skipped[story.ID] = SkipReason{Reason: SkipBlocked, Detail: story.BlockedReason}
		}
	}

	eligible := Eligible(p)
	if len(eligible) == 0 {
		return sel
	}

	switch mode {
	case prd.ModeFullParallel:
		sel.Stories = eligible
	case prd.ModeParallel:
		k := maxParallel
		if k <= 0 {
			k = p.Settings.MaxParallel
		}
		if k <= 0 {
			k = DefaultMaxParallel
		}
		selectDisjoint(&sel, eligible, k)
	default:
		sel.Stories = eligible[:1]
		for _, story := range eligible[1:] {
			sel.Skipped[story.ID] = SkipReason{Reason: SkipNotHead, Detail: "waiting for " + eligible[0].ID}
		}
	}
	return sel
}

// selectDisjoint greedily takes stories in order whose target files do not
// overlap any story already taken, up to k. The head is always taken, so the
// batch falls back to the head alone when nothing else is disjoint.
func selectDisjoint(sel *Selection, eligible []prd.UserStory, k int) {
	claimed := map[string]string{} // normalized path -> story ID

	for _, story := range eligible {
		if len(sel.Stories) >= k {
			sel.Skipped[story.ID] = SkipReason{Reason: SkipBatchLimit, Detail: fmt.Sprintf("max parallel %d reached", k)}
			continue
		}

		paths := normalizePaths(story.TargetFiles)
		if owner, path, ok := overlap(claimed, paths); ok {
			sel.Skipped[story.ID] = SkipReason{Reason: SkipFileOverlap, Detail: fmt.Sprintf("%s also targeted by %s", path, owner)}
			continue
		}

		for _, path := range paths {
			claimed[path] = story.ID
		}
		sel.Stories = append(sel.Stories, story)
	}
}

func overlap(claimed map[string]string, paths []string) (owner, path string, ok bool) {
	for _, p := range paths {
		if id, taken := claimed[p]; taken {
			return id, p, true
		}
	}
	return "", "", false
}

func normalizePaths(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		n := filepath.ToSlash(filepath.Clean(p))
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}
