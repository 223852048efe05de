// Package command is Module K: the closed, synchronous command surface
// every external transport (CLI, HTTP, RPC — outside this module's
// scope) sits in front of. Grounded on the teacher's api/apc closed
// ActMsg enumeration: a fixed set of named actions dispatched by a
// switch, never reflection (spec.md §9 "Dynamic runtime reflection for
// command routing... closed enumeration with compile-checked dispatch").
package command

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	jsoniter "github.com/json-iterator/go"

	"github.com/cacherr-project/cacherr/config"
	"github.com/cacherr-project/cacherr/cycle"
	"github.com/cacherr-project/cacherr/events"
	"github.com/cacherr-project/cacherr/internal/errs"
	"github.com/cacherr-project/cacherr/internal/nlog"
	"github.com/cacherr-project/cacherr/lists"
	"github.com/cacherr-project/cacherr/relocate"
	"github.com/cacherr-project/cacherr/track"
	"github.com/cacherr-project/cacherr/users"
)

// ExportFormat is the closed set spec.md §4.K names for export().
type ExportFormat string

const (
	ExportCSV  ExportFormat = "csv"
	ExportJSON ExportFormat = "json"
	ExportText ExportFormat = "text"
)

// CleanupRequest/Result implement spec.md §4.K cleanup().
type CleanupRequest struct {
	RemoveOrphaned bool
	ActorUserID    string
}

type CleanupResult struct {
	Scanned       int `json:"scanned"`
	OrphanedFound int `json:"orphaned_found"`
	Removed       int `json:"removed"`
}

// Surface implements spec.md §4.K. RunCycle, RemoveFile, Cleanup,
// UpdateUser, AddList, RemoveList and RefreshList capture actor_user_id
// for audit and emit a log event; the read-only Stats, Query, Search,
// ExportTo and Export take no actor and emit no audit event.
type Surface struct {
	tracker   *track.Store
	userStore *users.Store
	relocator *relocate.Relocator
	orch      *cycle.Orchestrator
	listMgr   *lists.Manager
	sink      events.Sink
	log       *nlog.Logger
}

func New(
	tracker *track.Store,
	userStore *users.Store,
	relocator *relocate.Relocator,
	orch *cycle.Orchestrator,
	listMgr *lists.Manager,
	sink events.Sink,
	log *nlog.Logger,
) *Surface {
	return &Surface{
		tracker: tracker, userStore: userStore, relocator: relocator,
		orch: orch, listMgr: listMgr, sink: sink, log: log.WithSource("command"),
	}
}

func (s *Surface) audit(actorUserID, action, detail string) {
	s.sink.Publish(events.Event{
		Type: events.TypeLog,
		Data: events.LogData{Level: "info", Message: fmt.Sprintf("%s actor=%s %s", action, actorUserID, detail), Source: "command"},
	})
}

// RunCycle implements spec.md §4.K runCycle() → cycle_id.
func (s *Surface) RunCycle(ctx context.Context, actorUserID string) string {
	id := s.orch.RunCycle(ctx)
	s.audit(actorUserID, "runCycle", "cycle_id="+id)
	return id
}

// RemoveFile implements spec.md §4.K removeFile(entry_id, reason,
// actor_user_id) → void: schedules a restore, safe to retry (a call on an
// entry that is already removed returns nil without touching it, and a
// call on an entry left pending_removal by a failed attempt runs the
// restore again).
func (s *Surface) RemoveFile(ctx context.Context, entryID, reason, actorUserID string) error {
	entry, ok, err := s.tracker.Get(entryID)
	if err != nil {
		return err
	}
	if !ok {
		return errs.New(errs.TrackerConflict, nil, "removeFile: unknown entry %s", entryID)
	}
	if entry.Status == track.StatusRemoved {
		return nil
	}
	if _, err := s.tracker.MarkPendingRemoval(entryID, reason); err != nil {
		return err
	}
	s.audit(actorUserID, "removeFile", fmt.Sprintf("entry_id=%s reason=%s", entryID, reason))
	if err := s.relocator.RestoreFrom(ctx, entry); err != nil {
		return err
	}
	return nil
}

// Cleanup implements spec.md §4.K cleanup({remove_orphaned, actor_user_id})
// → {scanned, orphaned_found, removed}.
func (s *Surface) Cleanup(req CleanupRequest) (CleanupResult, error) {
	orphaned, err := s.tracker.ByStatus(track.StatusOrphaned)
	if err != nil {
		return CleanupResult{}, err
	}
	result := CleanupResult{Scanned: len(orphaned), OrphanedFound: len(orphaned)}
	if req.RemoveOrphaned {
		for _, e := range orphaned {
			if _, err := s.tracker.MarkRemoved(e.ID); err != nil {
				s.log.Warnf("cleanup: removing %s: %v", e.ID, err)
				continue
			}
			result.Removed++
		}
	}
	s.audit(req.ActorUserID, "cleanup", fmt.Sprintf("remove_orphaned=%t removed=%d", req.RemoveOrphaned, result.Removed))
	return result, nil
}

// Stats implements spec.md §4.K stats() → CacheStatistics. Health takes
// the overflow flag of the most recent cycle and the count of trailing
// aborted cycles from the orchestrator's history.
func (s *Surface) Stats(limitBytes int64) (track.Statistics, error) {
	overflow, aborts := false, 0
	if s.orch != nil {
		h := s.orch.History()
		if len(h) > 0 {
			overflow = h[len(h)-1].OverflowActive
		}
		for i := len(h) - 1; i >= 0 && h[i].Aborted; i-- {
			aborts++
		}
	}
	return s.tracker.Stats(limitBytes, overflow, aborts)
}

// Query implements spec.md §4.K query(filter) → page<CacheEntry>.
func (s *Surface) Query(f track.Filter) (track.Page, error) {
	return s.tracker.Query(f)
}

// Search implements spec.md §4.K search(q, scope, limit, include_removed)
// → [CacheEntry].
func (s *Surface) Search(q, scope string, limit int, includeRemoved bool) ([]track.Entry, error) {
	return s.tracker.Search(q, scope, limit, includeRemoved)
}

const exportPageSize = 500

// ExportTo implements spec.md §4.K export(format, filter) → bytes,
// streaming pages of query(filter) results directly to w (SPEC_FULL §3:
// "export writes incrementally rather than buffering the whole page")
// rather than materializing the full result set before encoding.
func (s *Surface) ExportTo(w io.Writer, format ExportFormat, f track.Filter) error {
	switch format {
	case ExportCSV:
		return s.exportCSVStream(w, f)
	case ExportJSON:
		return s.exportJSONStream(w, f)
	case ExportText:
		return s.exportTextStream(w, f)
	default:
		return errs.New(errs.ConfigInvalid, nil, "export: unknown format %q", format)
	}
}

// Export buffers ExportTo's output, for callers that need the whole
// result in memory (e.g. returning bytes over a future RPC transport).
func (s *Surface) Export(format ExportFormat, f track.Filter) ([]byte, error) {
	var buf bytes.Buffer
	if err := s.ExportTo(&buf, format, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// eachPage runs fn over every page of f's results in exportPageSize
// chunks, honoring any limit/offset the caller already set on f.
func (s *Surface) eachPage(f track.Filter, fn func([]track.Entry) error) error {
	limit := f.Limit
	offset := f.Offset
	emitted := 0
	for {
		pageSize := exportPageSize
		if limit > 0 && limit-emitted < pageSize {
			pageSize = limit - emitted
		}
		pageFilter := f
		pageFilter.Limit = pageSize
		pageFilter.Offset = offset
		page, err := s.tracker.Query(pageFilter)
		if err != nil {
			return err
		}
		if err := fn(page.Entries); err != nil {
			return err
		}
		offset += len(page.Entries)
		emitted += len(page.Entries)
		if len(page.Entries) < pageSize {
			return nil
		}
		if limit > 0 && emitted >= limit {
			return nil
		}
	}
}

func (s *Surface) exportCSVStream(w io.Writer, f track.Filter) error {
	cw := csv.NewWriter(w)
	header := []string{"id", "logical_path", "size_bytes", "status", "cause_operation", "cached_at"}
	if err := cw.Write(header); err != nil {
		return err
	}
	err := s.eachPage(f, func(entries []track.Entry) error {
		for _, e := range entries {
			row := []string{
				e.ID, e.LogicalPath, strconv.FormatInt(e.SizeBytes, 10),
				string(e.Status), string(e.CauseOperation), e.CachedAt.Format("2006-01-02T15:04:05Z07:00"),
			}
			if err := cw.Write(row); err != nil {
				return err
			}
		}
		cw.Flush()
		return cw.Error()
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func (s *Surface) exportJSONStream(w io.Writer, f track.Filter) error {
	enc := jsoniter.NewEncoder(w)
	if _, err := w.Write([]byte("[")); err != nil {
		return err
	}
	first := true
	err := s.eachPage(f, func(entries []track.Entry) error {
		for _, e := range entries {
			if !first {
				if _, err := w.Write([]byte(",")); err != nil {
					return err
				}
			}
			first = false
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	_, err = w.Write([]byte("]"))
	return err
}

func (s *Surface) exportTextStream(w io.Writer, f track.Filter) error {
	return s.eachPage(f, func(entries []track.Entry) error {
		for _, e := range entries {
			if _, err := fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", e.ID, e.LogicalPath, e.SizeBytes, e.Status, e.CauseOperation); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpdateUser implements spec.md §4.K updateUser(user_id, settings_patch)
// → User.
func (s *Surface) UpdateUser(actorUserID, userID string, patch users.SettingsPatch) (users.User, error) {
	u, err := s.userStore.Patch(userID, patch)
	if err != nil {
		return users.User{}, err
	}
	s.audit(actorUserID, "updateUser", "user_id="+userID)
	return u, nil
}

// AddList implements spec.md §4.K addList(config) → ImportList.
func (s *Surface) AddList(actorUserID, id string, def config.ListDef) *lists.List {
	l := s.listMgr.AddList(id, def)
	s.audit(actorUserID, "addList", "list_id="+id)
	return l
}

// RemoveList implements spec.md §4.K removeList(id).
func (s *Surface) RemoveList(actorUserID, id string) {
	s.listMgr.RemoveList(id)
	s.audit(actorUserID, "removeList", "list_id="+id)
}

// RefreshList implements spec.md §4.K refreshList(id).
func (s *Surface) RefreshList(ctx context.Context, actorUserID, id string) error {
	err := s.listMgr.RefreshList(ctx, id)
	s.audit(actorUserID, "refreshList", "list_id="+id)
	return err
}
