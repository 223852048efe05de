package plan

import (
	"context"

	"github.com/cacherr-project/cacherr/lists"
	"github.com/cacherr-project/cacherr/track"
)

// PlanList implements spec.md §4.E's List phase for one configured list:
// the provider's items (already refreshed by lists.Manager) are resolved
// to library paths and turned into candidates at
// `400 + provider_bias` base priority.
func (p *Planner) PlanList(ctx context.Context, mgr *lists.Manager, l *lists.List) ([]Candidate, error) {
	resolved, _, err := mgr.Resolve(ctx, l)
	if err != nil {
		return nil, err
	}
	cause := track.CauseList(l.Name)
	out := make([]Candidate, 0, len(resolved))
	for _, r := range resolved {
		out = append(out, Candidate{
			LogicalPath:    r.LogicalPath,
			BasePriority:   clampBase(PriorityListBase + l.PriorityBias),
			CauseOperation: cause,
			SizeBytesHint:  r.SizeBytesHint,
		})
	}
	return out, nil
}

// PlanAllLists runs PlanList for every configured list, logging and
// skipping individual provider failures (spec.md §4.J "a provider failure
// marks its list stale but does not fail the cycle").
func (p *Planner) PlanAllLists(ctx context.Context, mgr *lists.Manager) []Candidate {
	var out []Candidate
	for _, l := range mgr.All() {
		c, err := p.PlanList(ctx, mgr, l)
		if err != nil {
			p.log.Warnf("list %s: %v", l.Name, err)
			continue
		}
		out = append(out, c...)
	}
	return out
}
