// Package lists is Module J: external list providers (trending, popular,
// personal, top-N, custom URL feed) reduced to matched library paths.
// Grounded on the teacher's small-interface-plus-adapters idiom (compare
// ais/backend's per-cloud-provider adapters behind one Provider
// interface).
package lists

import (
	"context"
	"sync"
	"time"

	"github.com/seiflotfy/cuckoofilter"

	"github.com/cacherr-project/cacherr/config"
	"github.com/cacherr-project/cacherr/internal/errs"
	"github.com/cacherr-project/cacherr/internal/nlog"
	"github.com/cacherr-project/cacherr/upstream"
)

// Item is spec.md §4.J's ListItem.
type Item struct {
	Title       string
	Year        int
	ExternalIDs upstream.ExternalIDs
	Kind        upstream.MediaKind
}

// Provider is spec.md §4.J's provider interface: refresh(config) →
// [ListItem].
type Provider interface {
	Refresh(ctx context.Context, conf map[string]string) ([]Item, error)
}

// Registry maps provider_kind strings to Provider implementations, a
// closed dispatch table per spec.md §9 ("Dynamic runtime reflection...
// strategy: closed enumeration with compile-checked dispatch").
type Registry struct {
	providers map[string]Provider
}

func NewRegistry() *Registry { return &Registry{providers: make(map[string]Provider)} }

func (r *Registry) Register(kind string, p Provider) { r.providers[kind] = p }

func (r *Registry) Get(kind string) (Provider, bool) {
	p, ok := r.providers[kind]
	return p, ok
}

// List is the runtime state of spec.md §3 ImportList.
type List struct {
	ID            string
	Name          string
	ProviderKind  string
	ProviderConf  map[string]string
	PriorityBias  int
	RefreshPeriod time.Duration
	LastRefreshed time.Time
	Mode          string // "strict" | "fill"
	CountCap      int

	mu     sync.Mutex
	items  []Item
	stale  bool
}

func NewList(id string, def config.ListDef) *List {
	return &List{
		ID: id, Name: def.Name, ProviderKind: def.ProviderKind,
		ProviderConf: def.ProviderConf, PriorityBias: def.PriorityBias,
		RefreshPeriod: def.RefreshPeriod, Mode: def.Mode, CountCap: def.CountCap,
	}
}

// Matcher is the upstream capability the list phase needs to resolve
// ListItems to logical paths.
type Matcher interface {
	MatchLibrary(ctx context.Context, ids upstream.ExternalIDs, fallback *upstream.TitleYear) (*upstream.MediaRef, error)
}

// Manager owns every configured List and runs refresh + match, isolating
// a failing provider from the rest of the cycle (spec.md §4.J "a provider
// failure marks its list stale but does not fail the cycle").
type Manager struct {
	reg *Registry
	mm  Matcher
	log *nlog.Logger
	mu  sync.Mutex
	lists map[string]*List
}

func NewManager(reg *Registry, mm Matcher, log *nlog.Logger) *Manager {
	return &Manager{reg: reg, mm: mm, log: log.WithSource("lists"), lists: make(map[string]*List)}
}

// AddList implements spec.md §4.K addList(config) → ImportList.
func (m *Manager) AddList(id string, def config.ListDef) *List {
	l := NewList(id, def)
	m.mu.Lock()
	m.lists[id] = l
	m.mu.Unlock()
	return l
}

// RemoveList implements spec.md §4.K removeList(id).
func (m *Manager) RemoveList(id string) {
	m.mu.Lock()
	delete(m.lists, id)
	m.mu.Unlock()
}

func (m *Manager) All() []*List {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*List, 0, len(m.lists))
	for _, l := range m.lists {
		out = append(out, l)
	}
	return out
}

// RefreshList implements spec.md §4.K refreshList(id), also exercised as
// the scheduled per-list refresh when RefreshPeriod has elapsed.
func (m *Manager) RefreshList(ctx context.Context, id string) error {
	m.mu.Lock()
	l, ok := m.lists[id]
	m.mu.Unlock()
	if !ok {
		return errs.New(errs.ProviderFailure, nil, "unknown list %s", id)
	}
	provider, ok := m.reg.Get(l.ProviderKind)
	if !ok {
		l.mu.Lock()
		l.stale = true
		l.mu.Unlock()
		return errs.New(errs.ProviderFailure, nil, "no provider registered for kind %s", l.ProviderKind)
	}
	items, err := provider.Refresh(ctx, l.ProviderConf)
	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.stale = true
		return errs.New(errs.ProviderFailure, err, "refreshing list %s", l.Name)
	}
	l.items = items
	l.stale = false
	l.LastRefreshed = time.Now()
	return nil
}

// RefreshDue runs RefreshList for every list whose RefreshPeriod has
// elapsed since LastRefreshed, logging and skipping individual failures
// rather than aborting (§4.J "fails independently").
func (m *Manager) RefreshDue(ctx context.Context) {
	now := time.Now()
	for _, l := range m.All() {
		l.mu.Lock()
		due := now.Sub(l.LastRefreshed) >= l.RefreshPeriod
		l.mu.Unlock()
		if !due {
			continue
		}
		if err := m.RefreshList(ctx, l.ID); err != nil {
			m.log.Warnf("list refresh: %v", err)
		}
	}
}

// ResolvedItem is a ListItem matched to a library path, ready to become a
// plan.Candidate.
type ResolvedItem struct {
	LogicalPath   string
	SizeBytesHint int64
}

// Resolve implements spec.md §4.J's matchLibrary reduction with strict
// and fill modes. In both modes a cuckoo filter skips an item whose
// first non-empty external ID was already seen this pass, matched or
// not (items without an external ID are never skipped), so a list that repeats an ID
// (a provider that returns near-duplicates across pages) doesn't re-query
// the upstream for the same title twice in one cycle.
func (m *Manager) Resolve(ctx context.Context, l *List) ([]ResolvedItem, int, error) {
	l.mu.Lock()
	items := append([]Item(nil), l.items...)
	mode, cap := l.Mode, l.CountCap
	l.mu.Unlock()

	seen := cuckoofilter.NewFilter(1024)
	var resolved []ResolvedItem
	var droppedUnmatched int
	for _, item := range items {
		key := dedupKey(item)
		if key != "" {
			if seen.Lookup([]byte(key)) {
				continue
			}
			seen.InsertUnique([]byte(key))
		}
		var fallback *upstream.TitleYear
		if item.Title != "" {
			fallback = &upstream.TitleYear{Title: item.Title, Year: item.Year}
		}
		ref, err := m.mm.MatchLibrary(ctx, item.ExternalIDs, fallback)
		if err != nil || ref == nil {
			droppedUnmatched++
			if mode == "strict" {
				continue
			}
			continue
		}
		resolved = append(resolved, ResolvedItem{LogicalPath: ref.LogicalPath, SizeBytesHint: ref.SizeBytesHint})
		if mode == "fill" && cap > 0 && len(resolved) >= cap {
			break
		}
	}
	return resolved, droppedUnmatched, nil
}

func dedupKey(item Item) string {
	for _, v := range item.ExternalIDs {
		if v != "" {
			return v
		}
	}
	return ""
}
