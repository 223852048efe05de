package cycle

import (
	"os"

	"github.com/tinylib/msgp/msgp"

	"github.com/cacherr-project/cacherr/internal/errs"
)

// EncodeMsg implements msgp.Encodable by hand, in the shape msgp's code
// generator would produce for Result (map-of-10 wire format), grounded on
// the teacher's dsort/ext/dsort use of hand-driven msgp.Writer encoding
// for its shard metadata alongside generated code.
func (r *Result) EncodeMsg(w *msgp.Writer) error {
	if err := w.WriteMapHeader(10); err != nil {
		return err
	}
	fields := []struct {
		key string
		fn  func() error
	}{
		{"cycle_id", func() error { return w.WriteString(r.CycleID) }},
		{"started_at", func() error { return w.WriteTime(r.StartedAt) }},
		{"ended_at", func() error { return w.WriteTime(r.EndedAt) }},
		{"files_cached", func() error { return w.WriteInt(r.FilesCached) }},
		{"files_restored", func() error { return w.WriteInt(r.FilesRestored) }},
		{"errors", func() error { return w.WriteInt(r.Errors) }},
		{"aborted", func() error { return w.WriteBool(r.Aborted) }},
		{"overflow_active", func() error { return w.WriteBool(r.OverflowActive) }},
		{"orphaned_found", func() error { return w.WriteInt(r.OrphanedFound) }},
		{"untracked_found", func() error { return w.WriteInt(r.UntrackedFound) }},
	}
	for _, f := range fields {
		if err := w.WriteString(f.key); err != nil {
			return err
		}
		if err := f.fn(); err != nil {
			return err
		}
	}
	return nil
}

// DecodeMsg implements msgp.Decodable, the inverse of EncodeMsg.
func (r *Result) DecodeMsg(dc *msgp.Reader) error {
	n, err := dc.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := 0; i < int(n); i++ {
		key, err := dc.ReadString()
		if err != nil {
			return err
		}
		switch key {
		case "cycle_id":
			r.CycleID, err = dc.ReadString()
		case "started_at":
			r.StartedAt, err = dc.ReadTime()
		case "ended_at":
			r.EndedAt, err = dc.ReadTime()
		case "files_cached":
			r.FilesCached, err = dc.ReadInt()
		case "files_restored":
			r.FilesRestored, err = dc.ReadInt()
		case "errors":
			r.Errors, err = dc.ReadInt()
		case "aborted":
			r.Aborted, err = dc.ReadBool()
		case "overflow_active":
			r.OverflowActive, err = dc.ReadBool()
		case "orphaned_found":
			r.OrphanedFound, err = dc.ReadInt()
		case "untracked_found":
			r.UntrackedFound, err = dc.ReadInt()
		default:
			err = dc.Skip()
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// SaveHistory persists the most-recent-N CycleResults to path as a
// length-prefixed msgp stream (spec.md §6's cycle_result_history), so
// LoadHistory after a restart restores the history as of the last save;
// cacherrd saves it on orderly shutdown only.
func (o *Orchestrator) SaveHistory(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errs.New(errs.WriteError, err, "saving cycle history")
	}
	defer f.Close()
	w := msgp.NewWriter(f)
	history := o.History()
	if err := w.WriteArrayHeader(uint32(len(history))); err != nil {
		return err
	}
	for i := range history {
		if err := history[i].EncodeMsg(w); err != nil {
			return err
		}
	}
	return w.Flush()
}

// LoadHistory restores a previously-saved history ring, seeding it back
// into the orchestrator on startup.
func (o *Orchestrator) LoadHistory(path string) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errs.New(errs.ReadError, err, "loading cycle history")
	}
	defer f.Close()
	r := msgp.NewReader(f)
	n, err := r.ReadArrayHeader()
	if err != nil {
		return err
	}
	history := make([]Result, 0, n)
	for i := uint32(0); i < n; i++ {
		var res Result
		if err := res.DecodeMsg(r); err != nil {
			return err
		}
		history = append(history, res)
	}
	o.historyMu.Lock()
	o.history = history
	o.historyMu.Unlock()
	return nil
}
