// Package evict is Module F: priority scoring, retention, and size-limit
// enforcement (spec.md §4.F). It computes a Plan — restores to issue and
// admissions to schedule — from the merged candidate list and the current
// active tracker set; it never touches the filesystem itself (that is D's
// job, invoked by the orchestrator, G, following this Plan).
package evict

import (
	"sort"
	"time"

	"github.com/cacherr-project/cacherr/config"
	"github.com/cacherr-project/cacherr/plan"
	"github.com/cacherr-project/cacherr/track"
)

// Admission is one candidate approved to be cached.
type Admission struct {
	Candidate plan.Candidate
	Priority  int
}

// Restore is one active entry selected to be evicted back to slow tier.
type Restore struct {
	Entry  track.Entry
	Reason string
}

// Plan is spec.md §4.F's output: restores issued before admissions
// (spec.md "Restores are issued before admissions when they free needed
// space"), plus rejected candidates for visibility/logging.
type Plan struct {
	Restores   []Restore
	Admissions []Admission
	Rejected   []plan.Candidate
	// OverflowActive is true if an active-class candidate was admitted
	// despite no evictable tail (spec.md §4.F overflow clause; §8
	// boundary behavior: "succeeds and U > L transiently, with a stats
	// event of health=warning").
	OverflowActive bool
}

// Engine implements spec.md §4.F.
type Engine struct {
	cfg    *config.Snapshot
	tracker *track.Store
}

func New(cfg *config.Snapshot, tracker *track.Store) *Engine {
	return &Engine{cfg: cfg, tracker: tracker}
}

// retentionElapsed returns whether the per-class retention clock for an
// active entry has elapsed since it was last accessed, per spec.md §4.F
// "whose source-class-specific retention clock has elapsed" and
// SPEC_FULL §3's per-class windows.
func (e *Engine) retentionElapsed(entry track.Entry, now time.Time) bool {
	r := e.cfg.Retention()
	var window time.Duration
	switch {
	case entry.CauseOperation == track.CauseOnDeck:
		window = time.Duration(r.OnDeckHours) * time.Hour
	case entry.CauseOperation == track.CauseWatchlist:
		window = time.Duration(r.WatchlistHours) * time.Hour
	default:
		window = time.Duration(r.ListHours) * time.Hour
	}
	if window <= 0 {
		return false
	}
	return now.Sub(entry.LastAccessedAt) >= window
}

// RetentionFilter implements spec.md §4.F's retention filter: any active
// entry whose cause no longer appears in candidates and whose retention
// clock has elapsed is marked for restore. active-caused entries are
// never evicted here while their session is still active (the
// logical_path being present in candidates as an active cause is exactly
// what "session is still active" means, since PlanActive only emits
// sessions currently playing).
func (e *Engine) RetentionFilter(active []track.Entry, candidates []plan.Candidate, now time.Time) []Restore {
	candidateByPath := make(map[string]plan.Candidate, len(candidates))
	for _, c := range candidates {
		candidateByPath[c.LogicalPath] = c
	}

	var out []Restore
	for _, entry := range active {
		if entry.Status != track.StatusActive {
			continue
		}
		_, stillWanted := candidateByPath[entry.LogicalPath]
		if stillWanted {
			continue
		}
		if entry.CauseOperation == track.CauseActive {
			// Only active candidates could have kept this path "still
			// wanted"; it's absent, so the session ended. Still subject
			// to the normal retention clock below, not an automatic
			// evict — a just-finished episode shouldn't be yanked
			// instantly.
		}
		if e.retentionElapsed(entry, now) {
			out = append(out, Restore{Entry: entry, Reason: "retention-elapsed"})
		}
	}
	return out
}

// Admit implements spec.md §4.F's admission loop. active is the current
// T (post-retention, i.e. entries NOT already scheduled for restore by
// RetentionFilter); limitBytes/usedBytes are L and U.
func (e *Engine) Admit(candidates []plan.Candidate, active []track.Entry, limitBytes, usedBytes int64) Plan {
	byPath := make(map[string]track.Entry, len(active))
	for _, a := range active {
		byPath[a.LogicalPath] = a
	}
	// tail is our working view of T, kept sorted ascending by priority
	// (lowest first) so the "sorted-ascending-priority tail" selection is
	// a simple prefix scan; tie-break: higher access_count kept, i.e.
	// lower access_count evicted first; then older cached_at evicted
	// first.
	tail := append([]track.Entry(nil), active...)
	sortAscendingEvictability(tail)

	sorted := append([]plan.Candidate(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].AdjustedPriority() > sorted[j].AdjustedPriority() })

	var result Plan
	restored := make(map[string]bool)
	used := usedBytes

	for _, c := range sorted {
		if _, already := byPath[c.LogicalPath]; already {
			continue // already active; nothing to admit
		}
		size := c.SizeBytesHint
		priority := c.AdjustedPriority()

		if size > limitBytes {
			result.Rejected = append(result.Rejected, c)
			continue
		}

		if used+size <= limitBytes {
			result.Admissions = append(result.Admissions, Admission{Candidate: c, Priority: priority})
			used += size
			continue
		}

		evictTail, freed := findEvictableTail(tail, restored, size, priority)
		if evictTail != nil {
			for _, ev := range evictTail {
				restored[ev.LogicalPath] = true
				result.Restores = append(result.Restores, Restore{Entry: ev, Reason: "evicted-for-higher-priority"})
				used -= ev.SizeBytes
			}
			result.Admissions = append(result.Admissions, Admission{Candidate: c, Priority: priority})
			used += size
			_ = freed
			continue
		}

		if c.CauseOperation == track.CauseActive {
			// spec.md §4.F: "active-class candidates may not be
			// rejected: if no evictable tail exists, evict the
			// lowest-priority non-active tail regardless."
			forced := lowestPriorityNonActive(tail, restored)
			if forced != nil {
				restored[forced.LogicalPath] = true
				result.Restores = append(result.Restores, Restore{Entry: *forced, Reason: "overflow-eviction"})
				used -= forced.SizeBytes
			}
			result.Admissions = append(result.Admissions, Admission{Candidate: c, Priority: priority})
			used += size
			result.OverflowActive = true
			continue
		}

		result.Rejected = append(result.Rejected, c)
	}

	return result
}

// sortAscendingEvictability orders entries so the least valuable to keep
// comes first: lowest Priority first; ties broken by lower access_count
// first, then older cached_at first (spec.md §4.F "Equal priority:
// prefer keeping the one with higher access_count; then newer
// cached_at").
func sortAscendingEvictability(entries []track.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
		return a.CachedAt.Before(b.CachedAt)
	})
}

// findEvictableTail scans the ascending-priority prefix of tail (skipping
// already-restored entries) accumulating size until it covers need, and
// only returns a tail whose minimum priority is strictly less than
// candidatePriority (spec.md §4.F).
func findEvictableTail(tail []track.Entry, alreadyRestored map[string]bool, need int64, candidatePriority int) ([]track.Entry, int64) {
	var acc []track.Entry
	var freed int64
	for _, e := range tail {
		if alreadyRestored[e.LogicalPath] {
			continue
		}
		if e.Priority >= candidatePriority {
			break
		}
		acc = append(acc, e)
		freed += e.SizeBytes
		if freed >= need {
			return acc, freed
		}
	}
	return nil, 0
}

func lowestPriorityNonActive(tail []track.Entry, alreadyRestored map[string]bool) *track.Entry {
	for i := range tail {
		e := tail[i]
		if alreadyRestored[e.LogicalPath] {
			continue
		}
		if e.CauseOperation == track.CauseActive {
			continue
		}
		return &e
	}
	return nil
}
