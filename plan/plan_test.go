package plan

import (
	"context"
	"testing"
	"time"

	"github.com/cacherr-project/cacherr/upstream"
)

func TestMergeKeepsMaxPriorityAndUnionsAttributions(t *testing.T) {
	a := []Candidate{{LogicalPath: "/x", BasePriority: 500, Attributions: []string{"u1"}}}
	b := []Candidate{{LogicalPath: "/x", BasePriority: 800, Attributions: []string{"u2"}}}
	merged := Merge(a, b)
	if len(merged) != 1 {
		t.Fatalf("expected 1 merged candidate, got %d", len(merged))
	}
	if merged[0].BasePriority != 800 {
		t.Errorf("expected merged priority 800, got %d", merged[0].BasePriority)
	}
	if len(merged[0].Attributions) != 2 {
		t.Errorf("expected 2 unioned attributions, got %v", merged[0].Attributions)
	}
}

func TestMergePreservesDistinctPaths(t *testing.T) {
	a := []Candidate{{LogicalPath: "/x", BasePriority: 500}}
	b := []Candidate{{LogicalPath: "/y", BasePriority: 800}}
	merged := Merge(a, b)
	if len(merged) != 2 {
		t.Fatalf("expected 2 distinct candidates, got %d", len(merged))
	}
}

func TestAdjustedPriorityFloorsAtZero(t *testing.T) {
	c := Candidate{BasePriority: 100, StalenessScore: 150}
	if c.AdjustedPriority() != 0 {
		t.Errorf("expected adjusted priority floored at 0, got %d", c.AdjustedPriority())
	}
}

func TestStalenessScoreCappedBelowClassGap(t *testing.T) {
	// PriorityWatchlist (500) to PriorityActiveForOther (700) is a 200-point
	// gap; staleness depression must never exceed it, or a sufficiently
	// stale watchlist item could outrank a fresher active-for-other one in
	// the wrong direction is not the concern here — the concern is a
	// watchlist item's own depression never driving it negative relative to
	// a plain list candidate it should still beat.
	score := stalenessScore(365 * 24 * time.Hour)
	if score > maxStalenessDepression {
		t.Errorf("staleness score %d exceeds cap %d", score, maxStalenessDepression)
	}
}

func TestPlanActiveTagsRepeatSessionOnPathAsActiveForOther(t *testing.T) {
	p := &Planner{up: fakeUpstream{
		sessions: []upstream.Session{
			{UserID: "u1", LogicalPath: "/x", FromSlowTier: true},
			{UserID: "u2", LogicalPath: "/x", FromSlowTier: true},
		},
	}}
	candidates, err := p.PlanActive(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates (one per session), got %d", len(candidates))
	}
	if candidates[0].BasePriority != PriorityActive {
		t.Errorf("first session on a path should get PriorityActive, got %d", candidates[0].BasePriority)
	}
	if candidates[1].BasePriority != PriorityActiveForOther {
		t.Errorf("second session on the same path should get PriorityActiveForOther, got %d", candidates[1].BasePriority)
	}
}

type fakeUpstream struct {
	sessions []upstream.Session
}

func (f fakeUpstream) GetOnDeck(context.Context, string, int, int) ([]upstream.MediaRef, error) {
	return nil, nil
}

func (f fakeUpstream) GetWatchlist(context.Context, string, int, int) ([]upstream.MediaRef, error) {
	return nil, nil
}

func (f fakeUpstream) GetActiveSessions(context.Context) ([]upstream.Session, error) {
	return f.sessions, nil
}
