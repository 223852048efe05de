package track

import (
	"fmt"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/cacherr-project/cacherr/internal/errs"
	"github.com/cacherr-project/cacherr/internal/ids"
	"github.com/cacherr-project/cacherr/internal/nlog"
)

// Store is the tracker's durable state (spec.md §4.C). All writes run
// inside a single buntdb.Update transaction — buntdb never exposes an
// intermediate state to a concurrent View, satisfying "C never exposes an
// intermediate state."
type Store struct {
	db            *buntdb.DB
	log           *nlog.Logger
	removedWindow time.Duration
}

const (
	entryPrefix  = "entry:"
	pathIndexKey = "bylogicalpath:"
)

func entryKey(id string) string     { return entryPrefix + id }
func pathIndexFor(p string) string  { return pathIndexKey + p }

// Open opens (creating if absent) the tracker's buntdb file and installs
// the secondary indexes on status and cause_user_id.
func Open(path string, removedWindow time.Duration, log *nlog.Logger) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errs.New(errs.TrackerConflict, err, "opening tracker store %s", path)
	}
	s := &Store{db: db, log: log.WithSource("track"), removedWindow: removedWindow}
	if err := s.createIndexes(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createIndexes() error {
	if err := s.db.CreateIndex("status", entryPrefix+"*", buntdb.IndexJSON("status")); err != nil && err != buntdb.ErrIndexExists {
		return errs.New(errs.TrackerConflict, err, "creating status index")
	}
	if err := s.db.CreateIndex("cause_user", entryPrefix+"*", buntdb.IndexJSON("cause_user_id")); err != nil && err != buntdb.ErrIndexExists {
		return errs.New(errs.TrackerConflict, err, "creating cause_user index")
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) get(tx *buntdb.Tx, id string) (Entry, error) {
	var e Entry
	val, err := tx.Get(entryKey(id))
	if err != nil {
		return e, err
	}
	err = jsoniter.UnmarshalFromString(val, &e)
	return e, err
}

func (s *Store) put(tx *buntdb.Tx, e *Entry) error {
	encoded, err := jsoniter.MarshalToString(e)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(entryKey(e.ID), encoded, nil)
	return err
}

// findByLogicalPath returns the entry currently occupying logicalPath, if
// its status is not removed — the invariant backing "at most one
// non-removed entry per logical_path."
func (s *Store) findByLogicalPath(tx *buntdb.Tx, logicalPath string) (Entry, bool, error) {
	idVal, err := tx.Get(pathIndexFor(logicalPath))
	if err == buntdb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	e, err := s.get(tx, idVal)
	if err == buntdb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// UpsertStaging implements spec.md §4.C upsertStaging(logical_path,
// fast_tier_path, attribution). If logical_path already has a non-removed
// entry, it is returned as-is (idempotent no-op — spec.md §8
// "cacheTo(p); cacheTo(p) is a no-op returning the existing entry").
func (s *Store) UpsertStaging(logicalPath, originalPath, fastTierPath string, cause CauseOperation, causeUserID string) (Entry, error) {
	var out Entry
	err := s.db.Update(func(tx *buntdb.Tx) error {
		if existing, ok, err := s.findByLogicalPath(tx, logicalPath); err != nil {
			return err
		} else if ok {
			out = existing
			return nil
		}
		now := time.Now()
		e := Entry{
			ID:                   ids.New(),
			LogicalPath:          logicalPath,
			OriginalLocationPath: originalPath,
			FastTierPath:         fastTierPath,
			CachedAt:             now,
			LastAccessedAt:       now,
			CauseOperation:       cause,
			CauseUserID:          causeUserID,
			Status:               StatusStaging,
			Method:               MethodAtomicCopy,
		}
		if causeUserID != "" {
			e.Attributions = []string{causeUserID}
		}
		if err := s.put(tx, &e); err != nil {
			return err
		}
		_, _, err := tx.Set(pathIndexFor(logicalPath), e.ID, nil)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return Entry{}, errs.New(errs.TrackerConflict, err, "upsertStaging %s", logicalPath)
	}
	return out, nil
}

// MarkActive implements spec.md §4.C markActive(entry_id, size_bytes,
// checksum?): the single commit point after a successful symlink swap.
func (s *Store) MarkActive(entryID string, sizeBytes int64, checksum string) (Entry, error) {
	var out Entry
	err := s.db.Update(func(tx *buntdb.Tx) error {
		e, err := s.get(tx, entryID)
		if err != nil {
			return err
		}
		e.Status = StatusActive
		e.SizeBytes = sizeBytes
		e.Checksum = checksum
		out = e
		return s.put(tx, &e)
	})
	if err != nil {
		return Entry{}, errs.New(errs.TrackerConflict, err, "markActive %s", entryID)
	}
	return out, nil
}

// MarkPendingRemoval implements spec.md §4.C markPendingRemoval(entry_id,
// reason).
func (s *Store) MarkPendingRemoval(entryID, reason string) (Entry, error) {
	var out Entry
	err := s.db.Update(func(tx *buntdb.Tx) error {
		e, err := s.get(tx, entryID)
		if err != nil {
			return err
		}
		e.Status = StatusPendingRemoval
		if e.Metadata == nil {
			e.Metadata = map[string]string{}
		}
		e.Metadata["pending_removal_reason"] = reason
		out = e
		return s.put(tx, &e)
	})
	if err != nil {
		return Entry{}, errs.New(errs.TrackerConflict, err, "markPendingRemoval %s", entryID)
	}
	return out, nil
}

// MarkRemoved implements spec.md §4.C markRemoved(entry_id): terminal
// state. The path index entry is dropped so a later upsertStaging on the
// same logical_path starts fresh, and a TTL is set on the row itself so
// removed rows are pruned after the configured audit window.
func (s *Store) MarkRemoved(entryID string) (Entry, error) {
	var out Entry
	err := s.db.Update(func(tx *buntdb.Tx) error {
		e, err := s.get(tx, entryID)
		if err != nil {
			return err
		}
		e.Status = StatusRemoved
		out = e
		encoded, jerr := jsoniter.MarshalToString(&e)
		if jerr != nil {
			return jerr
		}
		opts := &buntdb.SetOptions{Expires: s.removedWindow > 0, TTL: s.removedWindow}
		if _, _, err := tx.Set(entryKey(e.ID), encoded, opts); err != nil {
			return err
		}
		_, err = tx.Delete(pathIndexFor(e.LogicalPath))
		if err != nil && err != buntdb.ErrNotFound {
			return err
		}
		return nil
	})
	if err != nil {
		return Entry{}, errs.New(errs.TrackerConflict, err, "markRemoved %s", entryID)
	}
	return out, nil
}

// MarkOrphaned implements spec.md §4.C markOrphaned(entry_id): discovered
// by the reconciler when the fast file is missing but the row persists.
func (s *Store) MarkOrphaned(entryID string) (Entry, error) {
	var out Entry
	err := s.db.Update(func(tx *buntdb.Tx) error {
		e, err := s.get(tx, entryID)
		if err != nil {
			return err
		}
		e.Status = StatusOrphaned
		out = e
		return s.put(tx, &e)
	})
	if err != nil {
		return Entry{}, errs.New(errs.TrackerConflict, err, "markOrphaned %s", entryID)
	}
	return out, nil
}

// Touch implements spec.md §4.C touch(entry_id, user_id?): bumps
// last_accessed_at, access_count (monotonic non-decreasing per spec.md §3
// invariants), and unions attributions.
func (s *Store) Touch(entryID, userID string) (Entry, error) {
	var out Entry
	err := s.db.Update(func(tx *buntdb.Tx) error {
		e, err := s.get(tx, entryID)
		if err != nil {
			return err
		}
		e.LastAccessedAt = time.Now()
		e.AccessCount++
		e.addAttribution(userID)
		out = e
		return s.put(tx, &e)
	})
	if err != nil {
		return Entry{}, errs.New(errs.TrackerConflict, err, "touch %s", entryID)
	}
	return out, nil
}

// UpdatePriority persists the priority the eviction engine (F) last
// computed for an entry, so a later cycle's tail-selection can compare
// priorities across entries without re-deriving them from the planner
// (priority is not itself part of the upstream-observable state; it is
// F's own scoring output, supplemented onto Entry for that reason — see
// DESIGN.md).
func (s *Store) UpdatePriority(entryID string, priority int) error {
	err := s.db.Update(func(tx *buntdb.Tx) error {
		e, err := s.get(tx, entryID)
		if err != nil {
			return err
		}
		e.Priority = priority
		return s.put(tx, &e)
	})
	if err != nil {
		return errs.New(errs.TrackerConflict, err, "updatePriority %s", entryID)
	}
	return nil
}

// Get fetches a single entry by ID.
func (s *Store) Get(entryID string) (Entry, bool, error) {
	var e Entry
	found := false
	err := s.db.View(func(tx *buntdb.Tx) error {
		var gerr error
		e, gerr = s.get(tx, entryID)
		if gerr == buntdb.ErrNotFound {
			return nil
		}
		if gerr != nil {
			return gerr
		}
		found = true
		return nil
	})
	if err != nil {
		return Entry{}, false, errs.New(errs.TrackerConflict, err, "get %s", entryID)
	}
	return e, found, nil
}

// ByStatus returns every entry with the given status, used by the
// eviction engine to build its view of T (the current active tracker
// set), by the cycle's retention and reconcile phases, and by cleanup.
func (s *Store) ByStatus(status Status) ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.Ascend("status", func(k, v string) bool {
			var e Entry
			if jsoniter.UnmarshalFromString(v, &e) == nil && e.Status == status {
				out = append(out, e)
			}
			return true
		})
	})
	if err != nil {
		return nil, errs.New(errs.TrackerConflict, err, "byStatus %s", status)
	}
	return out, nil
}

// NotIn returns every entry whose status is not one of the given statuses
// — used by the relocator's crash-recovery walk ("all rows not in
// {active, removed}").
func (s *Store) NotIn(exclude ...Status) ([]Entry, error) {
	excluded := make(map[Status]bool, len(exclude))
	for _, st := range exclude {
		excluded[st] = true
	}
	var out []Entry
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(entryPrefix+"*", func(_, v string) bool {
			var e Entry
			if jsoniter.UnmarshalFromString(v, &e) == nil && !excluded[e.Status] {
				out = append(out, e)
			}
			return true
		})
	})
	if err != nil {
		return nil, errs.New(errs.TrackerConflict, err, "notIn")
	}
	return out, nil
}

// Query implements spec.md §4.K query(filter) → page<entry>.
func (s *Store) Query(f Filter) (Page, error) {
	var all []Entry
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(entryPrefix+"*", func(_, v string) bool {
			var e Entry
			if jsoniter.UnmarshalFromString(v, &e) != nil {
				return true
			}
			if matches(e, f) {
				all = append(all, e)
			}
			return true
		})
	})
	if err != nil {
		return Page{}, errs.New(errs.TrackerConflict, err, "query")
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CachedAt.After(all[j].CachedAt) })
	total := len(all)
	if f.Offset > 0 && f.Offset < len(all) {
		all = all[f.Offset:]
	} else if f.Offset >= len(all) {
		all = nil
	}
	if f.Limit > 0 && f.Limit < len(all) {
		all = all[:f.Limit]
	}
	return Page{Entries: all, Total: total}, nil
}

func matches(e Entry, f Filter) bool {
	if !f.IncludeRemoved && e.Status == StatusRemoved {
		return false
	}
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.CauseUserID != "" && e.CauseUserID != f.CauseUserID {
		return false
	}
	if f.CauseOperation != "" && e.CauseOperation != f.CauseOperation {
		return false
	}
	if f.LogicalPathPrefix != "" && !strings.HasPrefix(e.LogicalPath, f.LogicalPathPrefix) {
		return false
	}
	return true
}

// Search implements spec.md §4.K search(q, scope, limit, include_removed).
// scope selects which field q is matched against; "" matches
// logical_path, cause_user_id, and metadata values.
func (s *Store) Search(q, scope string, limit int, includeRemoved bool) ([]Entry, error) {
	var out []Entry
	q = strings.ToLower(q)
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(entryPrefix+"*", func(_, v string) bool {
			var e Entry
			if jsoniter.UnmarshalFromString(v, &e) != nil {
				return true
			}
			if !includeRemoved && e.Status == StatusRemoved {
				return true
			}
			if searchMatches(e, q, scope) {
				out = append(out, e)
				if limit > 0 && len(out) >= limit {
					return false
				}
			}
			return true
		})
	})
	if err != nil {
		return nil, errs.New(errs.TrackerConflict, err, "search")
	}
	return out, nil
}

func searchMatches(e Entry, q, scope string) bool {
	field := func(s string) bool { return strings.Contains(strings.ToLower(s), q) }
	switch scope {
	case "logical_path":
		return field(e.LogicalPath)
	case "cause_user":
		return field(e.CauseUserID)
	default:
		if field(e.LogicalPath) || field(e.CauseUserID) || field(string(e.CauseOperation)) {
			return true
		}
		for _, v := range e.Metadata {
			if field(v) {
				return true
			}
		}
		return false
	}
}

// Stats implements spec.md §4.C stats() → CacheStatistics, for the
// active+staging footprint; health thresholds come from SPEC_FULL §3.
func (s *Store) Stats(limitBytes int64, overflowActive bool, consecutiveAborts int) (Statistics, error) {
	var total int64
	var count int
	for _, st := range []Status{StatusActive, StatusStaging} {
		entries, err := s.ByStatus(st)
		if err != nil {
			return Statistics{}, err
		}
		for _, e := range entries {
			total += e.SizeBytes
			count++
		}
	}
	var usedPercent float64
	if limitBytes > 0 {
		usedPercent = float64(total) / float64(limitBytes) * 100
	}
	health := HealthHealthy
	switch {
	case usedPercent >= 98 || consecutiveAborts >= 2:
		health = HealthCritical
	case usedPercent >= 90 || overflowActive:
		health = HealthWarning
	}
	return Statistics{
		TotalSizeBytes: total,
		LimitBytes:     limitBytes,
		UsedPercent:    usedPercent,
		FileCount:      count,
		Health:         health,
	}, nil
}

func (s *Store) String() string {
	return fmt.Sprintf("track.Store{removedWindow=%s}", s.removedWindow)
}
