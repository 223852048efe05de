// Package plan is Module E: per-cycle-phase candidate enumeration
// (spec.md §4.E). Each phase produces a stream of Candidate values later
// merged and scored by evict (F).
package plan

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/cacherr-project/cacherr/config"
	"github.com/cacherr-project/cacherr/internal/nlog"
	"github.com/cacherr-project/cacherr/track"
	"github.com/cacherr-project/cacherr/upstream"
	"github.com/cacherr-project/cacherr/users"
)

// Phase names, spec.md §4.G phase order (minus retention/eviction/
// reconcile, which are not planner phases).
const (
	PhaseDiscoverUsers = "discover_users"
	PhaseActive        = "active"
	PhaseOnDeck        = "ondeck"
	PhaseWatchlist     = "watchlist"
	PhaseLists         = "lists"
)

// Base priority values, spec.md §4.E.
const (
	PriorityActive            = 1000
	PriorityOnDeck             = 800
	PriorityActiveForOther     = 700
	PriorityWatchlist          = 500
	PriorityListBase           = 400
)

// Candidate is spec.md §4.E's Candidate.
type Candidate struct {
	LogicalPath    string
	BasePriority   int
	CauseOperation track.CauseOperation
	CauseUser      string
	StalenessScore int
	SizeBytesHint  int64
	Attributions   []string
}

// MatchLibrary is the subset of the upstream client the list phase needs;
// kept as a narrow interface so lists (J) can be tested independently of
// a live Client.
type MatchLibrary interface {
	MatchLibrary(ctx context.Context, ids upstream.ExternalIDs, fallback *upstream.TitleYear) (*upstream.MediaRef, error)
}

// UpstreamOps is the subset of the upstream client the planner calls
// directly (OnDeck/Watchlist/Active phases).
type UpstreamOps interface {
	GetOnDeck(ctx context.Context, userID string, n, maxStaleDays int) ([]upstream.MediaRef, error)
	GetWatchlist(ctx context.Context, userID string, episodesPerShow, maxAvailableDays int) ([]upstream.MediaRef, error)
	GetActiveSessions(ctx context.Context) ([]upstream.Session, error)
}

// Planner runs spec.md §4.E's per-phase enumeration.
type Planner struct {
	up     UpstreamOps
	cfg    *config.Snapshot
	log    *nlog.Logger
	nowFn  func() time.Time
}

func New(up UpstreamOps, cfg *config.Snapshot, log *nlog.Logger) *Planner {
	return &Planner{up: up, cfg: cfg, log: log.WithSource("plan"), nowFn: time.Now}
}

// stalenessScore is spec.md §9's implementer-chosen monotone function of
// the "last watched"/"available since" age, capped so it depresses but
// never inverts class ordering between active and watchlist (spec.md
// §4.E "Priority base values" note): capped at 150, under the 200-point
// gap between PriorityWatchlist (500) and PriorityActiveForOther (700).
const maxStalenessDepression = 150

func stalenessScore(age time.Duration) int {
	days := int(age.Hours() / 24)
	if days < 0 {
		days = 0
	}
	score := days * 2
	if score > maxStalenessDepression {
		score = maxStalenessDepression
	}
	return score
}

// PlanOnDeck implements spec.md §4.E's OnDeck phase for one user.
func (p *Planner) PlanOnDeck(ctx context.Context, u users.User) ([]Candidate, error) {
	if !u.Settings.OnDeck.Enabled {
		return nil, nil
	}
	refs, err := p.up.GetOnDeck(ctx, u.ID, u.Settings.OnDeck.EpisodesAhead, u.Settings.OnDeck.MaxStaleDays)
	if err != nil {
		return nil, err
	}
	now := p.nowFn()
	var out []Candidate
	for _, ref := range refs {
		if u.Settings.OnDeck.MaxStaleDays > 0 {
			staleDays := int(now.Sub(ref.Staleness.LastWatched).Hours() / 24)
			if staleDays > u.Settings.OnDeck.MaxStaleDays {
				continue
			}
		}
		out = append(out, Candidate{
			LogicalPath:    ref.LogicalPath,
			BasePriority:   clampBase(PriorityOnDeck + u.PriorityBias),
			CauseOperation: track.CauseOnDeck,
			CauseUser:      u.ID,
			StalenessScore: stalenessScore(now.Sub(ref.Staleness.LastWatched)),
			SizeBytesHint:  ref.SizeBytesHint,
			Attributions:   []string{u.ID},
		})
	}
	return out, nil
}

// PlanWatchlist implements spec.md §4.E's Watchlist phase for one user.
func (p *Planner) PlanWatchlist(ctx context.Context, u users.User) ([]Candidate, error) {
	if !u.Settings.Watchlist.Enabled {
		return nil, nil
	}
	refs, err := p.up.GetWatchlist(ctx, u.ID, u.Settings.Watchlist.EpisodesPerShow, u.Settings.Watchlist.MaxAvailableDays)
	if err != nil {
		return nil, err
	}
	now := p.nowFn()
	var out []Candidate
	for _, ref := range refs {
		if u.Settings.Watchlist.MaxAvailableDays > 0 {
			ageDays := int(now.Sub(ref.Staleness.AvailableSince).Hours() / 24)
			if ageDays > u.Settings.Watchlist.MaxAvailableDays {
				continue
			}
		}
		out = append(out, Candidate{
			LogicalPath:    ref.LogicalPath,
			BasePriority:   clampBase(PriorityWatchlist + u.PriorityBias),
			CauseOperation: track.CauseWatchlist,
			CauseUser:      u.ID,
			StalenessScore: stalenessScore(now.Sub(ref.Staleness.AvailableSince)),
			SizeBytesHint:  ref.SizeBytesHint,
			Attributions:   []string{u.ID},
		})
	}
	return out, nil
}

// PlanActive implements spec.md §4.E's Active phase: one candidate per
// in-flight session currently playing from slow tier. The first session
// found for a path gets PriorityActive; any subsequent session on the
// same path (a second user watching the same file) is merged by the
// caller via Merge, so this just tags the rest as
// "active_for_other_user" base priority and lets Merge keep the max.
func (p *Planner) PlanActive(ctx context.Context) ([]Candidate, error) {
	sessions, err := p.up.GetActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(sessions))
	var out []Candidate
	for _, s := range sessions {
		if !s.FromSlowTier {
			continue
		}
		pri := PriorityActiveForOther
		if !seen[s.LogicalPath] {
			pri = PriorityActive
			seen[s.LogicalPath] = true
		}
		out = append(out, Candidate{
			LogicalPath:    s.LogicalPath,
			BasePriority:   pri,
			CauseOperation: track.CauseActive,
			CauseUser:      s.UserID,
			Attributions:   []string{s.UserID},
		})
	}
	return out, nil
}

func clampBase(v int) int {
	if v < 0 {
		return 0
	}
	return v
}

// PlanAllUsers runs OnDeck and Watchlist phases across every enabled,
// not-stale user concurrently, bounded by an errgroup (SPEC_FULL §2
// golang.org/x/sync wiring), then merges the result. A user whose
// last_seen exceeds the activity window for their kind is skipped, per
// spec.md §4.E "skip users whose last_seen is older than
// activity_filter_days for their kind."
func (p *Planner) PlanAllUsers(ctx context.Context, allUsers []users.User) ([]Candidate, error) {
	now := p.nowFn()
	aw := p.cfg.Activity()

	var active []users.User
	for _, u := range allUsers {
		if !u.Enabled {
			continue
		}
		days := aw.ForKind(u.Kind)
		if days > 0 && now.Sub(u.LastSeen) > time.Duration(days)*24*time.Hour {
			continue
		}
		active = append(active, u)
	}

	results := make([][]Candidate, len(active)*2)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, u := range active {
		i, u := i, u
		g.Go(func() error {
			c, err := p.PlanOnDeck(gctx, u)
			if err != nil {
				p.log.Warnf("ondeck for %s: %v", u.ID, err)
				return nil
			}
			results[i*2] = c
			return nil
		})
		g.Go(func() error {
			c, err := p.PlanWatchlist(gctx, u)
			if err != nil {
				p.log.Warnf("watchlist for %s: %v", u.ID, err)
				return nil
			}
			results[i*2+1] = c
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	var out []Candidate
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}

// Merge implements spec.md §4.E's merge rule: duplicates across phases
// are merged by logical_path, retaining the maximum base_priority and
// unioning attributions.
func Merge(lists ...[]Candidate) []Candidate {
	byPath := make(map[string]*Candidate)
	var order []string
	for _, list := range lists {
		for _, c := range list {
			c := c
			existing, ok := byPath[c.LogicalPath]
			if !ok {
				byPath[c.LogicalPath] = &c
				order = append(order, c.LogicalPath)
				continue
			}
			if c.BasePriority > existing.BasePriority {
				existing.BasePriority = c.BasePriority
				existing.CauseOperation = c.CauseOperation
				existing.CauseUser = c.CauseUser
			}
			if c.StalenessScore > existing.StalenessScore {
				existing.StalenessScore = c.StalenessScore
			}
			existing.Attributions = unionAttr(existing.Attributions, c.Attributions)
		}
	}
	out := make([]Candidate, 0, len(order))
	for _, path := range order {
		out = append(out, *byPath[path])
	}
	return out
}

func unionAttr(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// AdjustedPriority applies spec.md §4.F's "+user.priority_bias and
// -staleness_score" adjustment. The user bias is already folded into
// BasePriority at candidate construction time (above); this applies the
// staleness depression at scoring time so callers (F) can recompute it
// after a merge changed StalenessScore.
func (c Candidate) AdjustedPriority() int {
	p := c.BasePriority - c.StalenessScore
	if p < 0 {
		p = 0
	}
	return p
}
