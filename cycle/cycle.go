// Package cycle is Module G: the single process-wide cycle orchestrator.
// It runs discover_users, active, ondeck, watchlist, and lists through
// plan (E), folds the result through evict (F), and drives relocate (D)
// to execute the resulting admissions and restores, publishing
// phase/cycle events on the bus (H) throughout. Grounded on the
// teacher's xact (extended action) run loop: one xaction at a time per
// kind, cooperative cancellation checked between units of work, a
// terminal summary on completion.
package cycle

import (
	"context"
	"os"
	"sync"
	"time"

	"github.com/karrick/godirwalk"

	"github.com/cacherr-project/cacherr/config"
	"github.com/cacherr-project/cacherr/evict"
	"github.com/cacherr-project/cacherr/events"
	"github.com/cacherr-project/cacherr/internal/diskstats"
	"github.com/cacherr-project/cacherr/internal/ids"
	"github.com/cacherr-project/cacherr/internal/nlog"
	"github.com/cacherr-project/cacherr/lists"
	"github.com/cacherr-project/cacherr/plan"
	"github.com/cacherr-project/cacherr/relocate"
	"github.com/cacherr-project/cacherr/track"
	"github.com/cacherr-project/cacherr/upstream"
	"github.com/cacherr-project/cacherr/users"
)

// Result is spec.md §6 CycleResult, persisted most-recent-N by the
// Orchestrator's history ring.
type Result struct {
	CycleID        string    `msg:"cycle_id"`
	StartedAt      time.Time `msg:"started_at"`
	EndedAt        time.Time `msg:"ended_at"`
	FilesCached    int       `msg:"files_cached"`
	FilesRestored  int       `msg:"files_restored"`
	Errors         int       `msg:"errors"`
	Aborted        bool      `msg:"aborted"`
	OverflowActive bool      `msg:"overflow_active"`
	OrphanedFound  int       `msg:"orphaned_found"`
	UntrackedFound int       `msg:"untracked_found"`
}

// Orchestrator implements spec.md §4.G.
type Orchestrator struct {
	cfg      *config.Snapshot
	up       *upstream.Client
	userStore *users.Store
	tracker  *track.Store
	planner  *plan.Planner
	evictor  *evict.Engine
	relocator *relocate.Relocator
	listMgr  *lists.Manager
	sink     events.Sink
	log      *nlog.Logger

	mu      sync.Mutex
	running bool
	dirty   bool

	historyMu sync.Mutex
	history   []Result
	maxHistory int

	consecutiveAborts int
}

func New(
	cfg *config.Snapshot,
	up *upstream.Client,
	userStore *users.Store,
	tracker *track.Store,
	planner *plan.Planner,
	evictor *evict.Engine,
	relocator *relocate.Relocator,
	listMgr *lists.Manager,
	sink events.Sink,
	log *nlog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg: cfg, up: up, userStore: userStore, tracker: tracker,
		planner: planner, evictor: evictor, relocator: relocator, listMgr: listMgr,
		sink: sink, log: log.WithSource("cycle"),
		maxHistory: cfg.CycleResultHistory(),
	}
}

// RunCycle implements spec.md §4.K runCycle(): a trigger arriving
// mid-cycle is absorbed into the dirty flag and the orchestrator runs
// once more after the in-flight cycle completes, rather than running two
// cycles concurrently (§4.G "Reentrancy is forbidden"). Every call
// returns a freshly generated id; the id returned for an absorbed trigger
// is not the id of the cycle that later runs, and repeated absorbed
// triggers return different ids.
func (o *Orchestrator) RunCycle(ctx context.Context) string {
	cycleID := ids.New()
	o.mu.Lock()
	if o.running {
		o.dirty = true
		o.mu.Unlock()
		return cycleID
	}
	o.running = true
	o.mu.Unlock()

	go o.runLoop(ctx, cycleID)
	return cycleID
}

func (o *Orchestrator) runLoop(ctx context.Context, firstCycleID string) {
	cycleID := firstCycleID
	for {
		o.runOne(ctx, cycleID)

		o.mu.Lock()
		if !o.dirty {
			o.running = false
			o.mu.Unlock()
			return
		}
		o.dirty = false
		o.mu.Unlock()
		cycleID = ids.New()
	}
}

// Periodic runs RunCycle on cfg.CyclePeriod() until ctx is done, the
// scheduler task spec.md §5 names ("one scheduler task for the cycle
// orchestrator").
func (o *Orchestrator) Periodic(ctx context.Context) {
	t := time.NewTicker(o.cfg.CyclePeriod())
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			o.RunCycle(ctx)
		}
	}
}

func (o *Orchestrator) publish(typ events.Type, data any) {
	o.sink.Publish(events.Event{Type: typ, Data: data})
}

func (o *Orchestrator) phaseStart(cycleID, phase string) {
	o.publish(events.TypeCycleProgress, events.CyclePhaseData{CycleID: cycleID, Phase: phase})
}

func (o *Orchestrator) phaseEnd(cycleID, phase string, processed, total, cached, restored int, aborted bool) {
	o.publish(events.TypeCycleProgress, events.CyclePhaseData{
		CycleID: cycleID, Phase: phase, ItemsProcessed: processed, ItemsTotal: total,
		FilesCached: cached, FilesRestored: restored, Aborted: aborted,
	})
}

// runOne executes one full cycle per spec.md §4.G's phase order:
// discover_users → active → ondeck → watchlist → lists → retention →
// eviction → reconcile.
func (o *Orchestrator) runOne(ctx context.Context, cycleID string) {
	started := time.Now()
	result := Result{CycleID: cycleID, StartedAt: started}
	o.publish(events.TypeCycleStart, events.CyclePhaseData{CycleID: cycleID, Phase: plan.PhaseDiscoverUsers})

	allUsers, errCount := o.discoverUsers(ctx, cycleID)
	result.Errors += errCount

	var candidates []plan.Candidate
	if !isCancelled(ctx) {
		active, err := o.planner.PlanActive(ctx)
		if err != nil {
			result.Errors++
			o.log.Warnf("active phase: %v", err)
		}
		o.phaseEnd(cycleID, plan.PhaseActive, len(active), len(active), 0, 0, false)
		candidates = append(candidates, active...)
	}

	if !isCancelled(ctx) {
		o.phaseStart(cycleID, plan.PhaseOnDeck)
		c, err := o.planner.PlanAllUsers(ctx, allUsers)
		if err != nil {
			result.Errors++
			o.log.Warnf("ondeck/watchlist phase: %v", err)
		}
		o.phaseEnd(cycleID, plan.PhaseOnDeck, len(c), len(c), 0, 0, false)
		candidates = append(candidates, c...)
	}

	if !isCancelled(ctx) {
		o.phaseStart(cycleID, plan.PhaseLists)
		o.listMgr.RefreshDue(ctx)
		c := o.planner.PlanAllLists(ctx, o.listMgr)
		o.phaseEnd(cycleID, plan.PhaseLists, len(c), len(c), 0, 0, false)
		candidates = append(candidates, c...)
	}

	merged := plan.Merge(candidates)

	aborted := o.enforceErrorBudget(cycleID, &result)
	if aborted {
		o.finish(cycleID, started, result, true)
		return
	}

	if !isCancelled(ctx) {
		o.runRetentionAndEviction(ctx, cycleID, merged, &result)
	}

	if !isCancelled(ctx) {
		o.reconcile(ctx, cycleID, &result)
	}

	o.finish(cycleID, started, result, false)
}

// lstatReadlink returns the target of the symlink at path, or an error
// if path is missing or not a symlink.
func lstatReadlink(path string) (string, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return "", err
	}
	if fi.Mode()&os.ModeSymlink == 0 {
		return "", os.ErrInvalid
	}
	return os.Readlink(path)
}

func isCancelled(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// discoverUsers implements the discover_users phase: pull the upstream
// user list and upsert each into the local users store, refreshing
// last_seen and token without disturbing existing settings (spec.md
// §4.A "create-or-refresh").
func (o *Orchestrator) discoverUsers(ctx context.Context, cycleID string) ([]users.User, int) {
	o.phaseStart(cycleID, plan.PhaseDiscoverUsers)
	upstreamUsers, err := o.up.ListUsers(ctx)
	if err != nil {
		o.log.Warnf("discover_users: %v", err)
		o.phaseEnd(cycleID, plan.PhaseDiscoverUsers, 0, 0, 0, 0, false)
		return nil, 1
	}
	errCount := 0
	out := make([]users.User, 0, len(upstreamUsers))
	for _, u := range upstreamUsers {
		rec, err := o.userStore.Upsert(u.ID, u.DisplayName, u.Kind, u.Token, u.LastSeen)
		if err != nil {
			errCount++
			continue
		}
		out = append(out, rec)
	}
	o.phaseEnd(cycleID, plan.PhaseDiscoverUsers, len(out), len(upstreamUsers), 0, 0, false)
	return out, errCount
}

// enforceErrorBudget implements spec.md §4.G's abort clause (read
// alongside §6's cycle_error_budget_percent): a cycle whose per-phase
// error count reaches or exceeds the configured percentage of attempted work aborts
// before committing any eviction/relocation decisions, rather than
// acting on a partially-enumerated candidate set.
func (o *Orchestrator) enforceErrorBudget(cycleID string, result *Result) bool {
	budget := o.cfg.CycleErrorBudgetPercent()
	if budget <= 0 || result.Errors == 0 {
		o.consecutiveAborts = 0
		return false
	}
	// Five phases run per cycle; errors observed against that fixed
	// denominator approximate the "failure rate" the budget bounds.
	const phases = 5
	failurePercent := result.Errors * 100 / phases
	if failurePercent < budget {
		o.consecutiveAborts = 0
		return false
	}
	result.Aborted = true
	o.consecutiveAborts++
	o.log.Warnf("cycle %s aborted: %d errors exceeds %d%% budget", cycleID, result.Errors, budget)
	return true
}

// runRetentionAndEviction runs F's retention filter then admission loop
// against the current active set and fast-tier usage, and drives D to
// execute the resulting restores (first) and admissions (spec.md §4.F
// "Restores are issued before admissions when they free needed space").
func (o *Orchestrator) runRetentionAndEviction(ctx context.Context, cycleID string, candidates []plan.Candidate, result *Result) {
	o.phaseStart(cycleID, "retention")
	active, err := o.tracker.ByStatus(track.StatusActive)
	if err != nil {
		result.Errors++
		o.log.Warnf("retention: listing active: %v", err)
		return
	}

	restores := o.evictor.RetentionFilter(active, candidates, time.Now())
	restoredPaths := make(map[string]bool, len(restores))
	for _, r := range restores {
		restoredPaths[r.Entry.LogicalPath] = true
	}
	o.phaseEnd(cycleID, "retention", len(restores), len(restores), 0, 0, false)

	remaining := active[:0:0]
	for _, a := range active {
		if !restoredPaths[a.LogicalPath] {
			remaining = append(remaining, a)
		}
	}

	stats, err := o.tracker.Stats(o.cfg.FastLimitBytes(), false, o.consecutiveAborts)
	if err != nil {
		result.Errors++
		o.log.Warnf("retention: stats: %v", err)
		return
	}

	o.phaseStart(cycleID, "eviction")
	admitPlan := o.evictor.Admit(candidates, remaining, o.cfg.FastLimitBytes(), stats.TotalSizeBytes)
	result.OverflowActive = admitPlan.OverflowActive

	allRestores := append(restores, admitPlan.Restores...)
	for _, r := range allRestores {
		if isCancelled(ctx) {
			break
		}
		if err := o.relocator.RestoreFrom(ctx, r.Entry); err != nil {
			result.Errors++
			o.log.Warnf("restore %s: %v", r.Entry.LogicalPath, err)
			continue
		}
		result.FilesRestored++
	}

	for _, a := range admitPlan.Admissions {
		if isCancelled(ctx) {
			break
		}
		entry, err := o.relocator.CacheTo(ctx, a.Candidate.LogicalPath, a.Candidate.CauseOperation, a.Candidate.CauseUser)
		if err != nil {
			result.Errors++
			o.log.Warnf("cache %s: %v", a.Candidate.LogicalPath, err)
			continue
		}
		if err := o.tracker.UpdatePriority(entry.ID, a.Priority); err != nil {
			o.log.Warnf("updatePriority %s: %v", entry.ID, err)
		}
		result.FilesCached++
	}
	o.phaseEnd(cycleID, "eviction", len(admitPlan.Admissions), len(admitPlan.Admissions), result.FilesCached, result.FilesRestored, false)
}

// reconcile implements spec.md §4.G's reconciliation phase: verify every
// active entry's symlink still resolves to the expected fast path,
// marking mismatches orphaned; then walk the fast root for files with no
// tracker row.
func (o *Orchestrator) reconcile(ctx context.Context, cycleID string, result *Result) {
	o.phaseStart(cycleID, "reconcile")
	active, err := o.tracker.ByStatus(track.StatusActive)
	if err != nil {
		result.Errors++
		o.phaseEnd(cycleID, "reconcile", 0, 0, 0, 0, false)
		return
	}

	knownFast := make(map[string]bool, len(active))
	orphaned := 0
	for _, e := range active {
		if isCancelled(ctx) {
			break
		}
		knownFast[e.FastTierPath] = true
		target, err := lstatReadlink(e.LogicalPath)
		if err != nil || target != e.FastTierPath {
			if _, err := o.tracker.MarkOrphaned(e.ID); err != nil {
				result.Errors++
				continue
			}
			orphaned++
		}
	}

	untracked := 0
	_ = diskstats.WalkFiles(o.cfg.FastRoot(), func(path string, _ *godirwalk.Dirent) error {
		if !knownFast[path] {
			untracked++
		}
		return nil
	})

	result.OrphanedFound = orphaned
	result.UntrackedFound = untracked
	o.publish(events.TypeCycleProgress, events.CyclePhaseData{
		CycleID: cycleID, Phase: "reconcile", ItemsProcessed: len(active), ItemsTotal: len(active),
		OrphanedFound: orphaned, UntrackedFound: untracked,
	})
}

func (o *Orchestrator) finish(cycleID string, started time.Time, result Result, aborted bool) {
	result.EndedAt = time.Now()
	result.Aborted = result.Aborted || aborted
	o.publish(events.TypeCycleComplete, events.CyclePhaseData{
		CycleID: cycleID, FilesCached: result.FilesCached, FilesRestored: result.FilesRestored,
		Aborted: result.Aborted,
	})
	o.recordHistory(result)
}

func (o *Orchestrator) recordHistory(r Result) {
	o.historyMu.Lock()
	defer o.historyMu.Unlock()
	o.history = append(o.history, r)
	if o.maxHistory > 0 && len(o.history) > o.maxHistory {
		o.history = o.history[len(o.history)-o.maxHistory:]
	}
}

// History returns the most-recent-N CycleResults, newest last.
func (o *Orchestrator) History() []Result {
	o.historyMu.Lock()
	defer o.historyMu.Unlock()
	out := make([]Result, len(o.history))
	copy(out, o.history)
	return out
}
