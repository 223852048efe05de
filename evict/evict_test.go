package evict

import (
	"testing"
	"time"

	"github.com/cacherr-project/cacherr/config"
	"github.com/cacherr-project/cacherr/plan"
	"github.com/cacherr-project/cacherr/track"
)

func testSnapshot(t *testing.T) *config.Snapshot {
	t.Helper()
	snap, err := config.Parse([]byte(`{"fast_root":"/fast","slow_roots":["/slow"],"fast_limit_bytes":1073741824}`))
	if err != nil {
		t.Fatalf("parsing config: %v", err)
	}
	return snap
}

func TestAdmitWithinLimit(t *testing.T) {
	e := &Engine{cfg: testSnapshot(t)}
	candidates := []plan.Candidate{
		{LogicalPath: "/a", BasePriority: 800, SizeBytesHint: 1 << 30},
	}
	p := e.Admit(candidates, nil, 10<<30, 0)
	if len(p.Admissions) != 1 {
		t.Fatalf("expected 1 admission, got %d", len(p.Admissions))
	}
	if len(p.Restores) != 0 {
		t.Fatalf("expected 0 restores, got %d", len(p.Restores))
	}
}

// TestAdmitEvictsLowerPriorityTail mirrors spec.md §8 test 2: two 4GB
// active entries at priority 500 with a 10GB limit; a higher-priority
// 4GB candidate arrives. One of the two actives must be evicted and the
// candidate admitted.
func TestAdmitEvictsLowerPriorityTail(t *testing.T) {
	e := &Engine{cfg: testSnapshot(t)}
	gb := int64(1) << 30
	active := []track.Entry{
		{LogicalPath: "/x", SizeBytes: 4 * gb, Priority: 500, AccessCount: 3, CachedAt: time.Unix(100, 0)},
		{LogicalPath: "/y", SizeBytes: 4 * gb, Priority: 500, AccessCount: 5, CachedAt: time.Unix(200, 0)},
	}
	candidates := []plan.Candidate{
		{LogicalPath: "/z", BasePriority: 800, SizeBytesHint: 4 * gb},
	}
	p := e.Admit(candidates, active, 10*gb, 8*gb)
	if len(p.Restores) != 1 {
		t.Fatalf("expected 1 restore, got %d", len(p.Restores))
	}
	if len(p.Admissions) != 1 {
		t.Fatalf("expected 1 admission, got %d", len(p.Admissions))
	}
	// tie-break: lower access_count evicted first ⇒ /x (access_count 3).
	if p.Restores[0].Entry.LogicalPath != "/x" {
		t.Fatalf("expected /x evicted first (lower access_count), got %s", p.Restores[0].Entry.LogicalPath)
	}
}

func TestAdmitRejectsWhenNoEvictableTail(t *testing.T) {
	e := &Engine{cfg: testSnapshot(t)}
	gb := int64(1) << 30
	active := []track.Entry{
		{LogicalPath: "/x", SizeBytes: 4 * gb, Priority: 900},
	}
	candidates := []plan.Candidate{
		{LogicalPath: "/z", BasePriority: 500, SizeBytesHint: 4 * gb},
	}
	p := e.Admit(candidates, active, 4*gb, 4*gb)
	if len(p.Admissions) != 0 {
		t.Fatalf("expected 0 admissions, got %d", len(p.Admissions))
	}
	if len(p.Rejected) != 1 {
		t.Fatalf("expected 1 rejection, got %d", len(p.Rejected))
	}
}

func TestAdmitActiveClassForcesOverflow(t *testing.T) {
	e := &Engine{cfg: testSnapshot(t)}
	gb := int64(1) << 30
	active := []track.Entry{
		{LogicalPath: "/x", SizeBytes: 4 * gb, Priority: 1000, CauseOperation: track.CauseOnDeck},
	}
	candidates := []plan.Candidate{
		{LogicalPath: "/z", BasePriority: plan.PriorityActive, CauseOperation: track.CauseActive, SizeBytesHint: 4 * gb},
	}
	p := e.Admit(candidates, active, 4*gb, 4*gb)
	if len(p.Admissions) != 1 {
		t.Fatalf("active candidate must be admitted despite no strictly-lower-priority tail, got %d admissions", len(p.Admissions))
	}
	if !p.OverflowActive {
		t.Fatalf("expected OverflowActive to be set")
	}
	if len(p.Restores) != 1 {
		t.Fatalf("expected the only non-active tail entry to be forced out, got %d restores", len(p.Restores))
	}
}

func TestRetentionFilterSkipsStillWantedAndUnelapsed(t *testing.T) {
	e := &Engine{cfg: testSnapshot(t)}
	now := time.Now()
	active := []track.Entry{
		{LogicalPath: "/still-wanted", Status: track.StatusActive, CauseOperation: track.CauseOnDeck, LastAccessedAt: now.Add(-1000 * time.Hour)},
		{LogicalPath: "/fresh", Status: track.StatusActive, CauseOperation: track.CauseOnDeck, LastAccessedAt: now},
		{LogicalPath: "/stale", Status: track.StatusActive, CauseOperation: track.CauseOnDeck, LastAccessedAt: now.Add(-1000 * time.Hour)},
	}
	candidates := []plan.Candidate{{LogicalPath: "/still-wanted"}}
	restores := e.RetentionFilter(active, candidates, now)
	if len(restores) != 1 || restores[0].Entry.LogicalPath != "/stale" {
		t.Fatalf("expected only /stale to be restored, got %+v", restores)
	}
}
