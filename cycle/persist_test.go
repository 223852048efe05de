package cycle

import (
	"path/filepath"
	"testing"
	"time"
)

func TestSaveAndLoadHistoryRoundTrips(t *testing.T) {
	o := &Orchestrator{maxHistory: 10}
	o.recordHistory(Result{
		CycleID: "c1", StartedAt: time.Now().Add(-time.Minute), EndedAt: time.Now(),
		FilesCached: 3, FilesRestored: 1, Errors: 2, Aborted: true, OverflowActive: true,
		OrphanedFound: 4, UntrackedFound: 5,
	})
	o.recordHistory(Result{CycleID: "c2", StartedAt: time.Now(), EndedAt: time.Now()})

	path := filepath.Join(t.TempDir(), "history.msgp")
	if err := o.SaveHistory(path); err != nil {
		t.Fatalf("SaveHistory: %v", err)
	}

	loaded := &Orchestrator{maxHistory: 10}
	if err := loaded.LoadHistory(path); err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}

	got := loaded.History()
	if len(got) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(got))
	}
	if got[0].CycleID != "c1" || got[0].Errors != 2 || !got[0].Aborted || !got[0].OverflowActive {
		t.Errorf("unexpected first entry: %+v", got[0])
	}
	if got[0].OrphanedFound != 4 || got[0].UntrackedFound != 5 {
		t.Errorf("reconcile counts not round-tripped: %+v", got[0])
	}
	if got[1].CycleID != "c2" {
		t.Errorf("unexpected second entry: %+v", got[1])
	}
}

func TestLoadHistoryMissingFileIsNoOp(t *testing.T) {
	o := &Orchestrator{maxHistory: 10}
	if err := o.LoadHistory(filepath.Join(t.TempDir(), "does-not-exist.msgp")); err != nil {
		t.Fatalf("expected no error for a missing history file, got %v", err)
	}
	if len(o.History()) != 0 {
		t.Errorf("expected empty history, got %d entries", len(o.History()))
	}
}
