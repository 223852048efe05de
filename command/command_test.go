package command

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cacherr-project/cacherr/config"
	"github.com/cacherr-project/cacherr/events"
	"github.com/cacherr-project/cacherr/internal/nlog"
	"github.com/cacherr-project/cacherr/relocate"
	"github.com/cacherr-project/cacherr/track"
	"github.com/cacherr-project/cacherr/users"
)

func newSurface(t *testing.T) (*Surface, *track.Store, *relocate.Relocator) {
	t.Helper()
	dir := t.TempDir()
	log := nlog.New(dir, nlog.LevelError, "command_test")

	tracker, err := track.Open(filepath.Join(dir, "tracker.db"), time.Hour, log)
	if err != nil {
		t.Fatalf("track.Open: %v", err)
	}
	t.Cleanup(func() { tracker.Close() })

	userStore, err := users.Open(filepath.Join(dir, "users.db"))
	if err != nil {
		t.Fatalf("users.Open: %v", err)
	}
	t.Cleanup(func() { userStore.Close() })

	bus := events.New(16)
	fastRoot := t.TempDir()
	relocator := relocate.New(fastRoot, tracker, bus, 4, log)

	s := New(tracker, userStore, relocator, nil, nil, bus, log)
	return s, tracker, relocator
}

func TestStatsReflectsActiveEntries(t *testing.T) {
	s, tracker, _ := newSurface(t)

	e, err := tracker.UpsertStaging("/a", "/slow/a", "/fast/a", track.CauseActive, "u1")
	if err != nil {
		t.Fatalf("UpsertStaging: %v", err)
	}
	if _, err := tracker.MarkActive(e.ID, 500, ""); err != nil {
		t.Fatalf("MarkActive: %v", err)
	}

	stats, err := s.Stats(1000)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalSizeBytes != 500 {
		t.Errorf("TotalSizeBytes = %d, want 500", stats.TotalSizeBytes)
	}
}

func TestRemoveFileSchedulesRestore(t *testing.T) {
	s, tracker, _ := newSurface(t)

	dir := t.TempDir()
	logicalPath := filepath.Join(dir, "movie.mkv")
	if err := os.WriteFile(logicalPath, []byte("payload"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	entry, err := s.relocator.CacheTo(context.Background(), logicalPath, track.CauseActive, "u1")
	if err != nil {
		t.Fatalf("CacheTo: %v", err)
	}

	if err := s.RemoveFile(context.Background(), entry.ID, "user requested", "admin"); err != nil {
		t.Fatalf("RemoveFile: %v", err)
	}

	got, found, err := tracker.Get(entry.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatal("expected entry to still exist after restore")
	}
	if got.Status != track.StatusRemoved {
		t.Errorf("status = %s, want removed", got.Status)
	}
}

func TestCleanupRemovesOrphanedWhenRequested(t *testing.T) {
	s, tracker, _ := newSurface(t)

	e, err := tracker.UpsertStaging("/a", "/slow/a", "/fast/a", track.CauseActive, "u1")
	if err != nil {
		t.Fatalf("UpsertStaging: %v", err)
	}
	if _, err := tracker.MarkOrphaned(e.ID); err != nil {
		t.Fatalf("MarkOrphaned: %v", err)
	}

	result, err := s.Cleanup(CleanupRequest{RemoveOrphaned: true, ActorUserID: "admin"})
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if result.OrphanedFound != 1 || result.Removed != 1 {
		t.Errorf("unexpected cleanup result: %+v", result)
	}
}

func TestExportToCSVStreamsAllPages(t *testing.T) {
	s, tracker, _ := newSurface(t)
	for i := 0; i < 3; i++ {
		if _, err := tracker.UpsertStaging(
			filepath.Join("/library", string(rune('a'+i))),
			filepath.Join("/slow", string(rune('a'+i))),
			filepath.Join("/fast", string(rune('a'+i))),
			track.CauseActive, "u1"); err != nil {
			t.Fatalf("UpsertStaging: %v", err)
		}
	}

	var buf bytes.Buffer
	if err := s.ExportTo(&buf, ExportCSV, track.Filter{}); err != nil {
		t.Fatalf("ExportTo: %v", err)
	}

	rows, err := csv.NewReader(strings.NewReader(buf.String())).ReadAll()
	if err != nil {
		t.Fatalf("parsing exported csv: %v", err)
	}
	if len(rows) != 4 { // header + 3 rows
		t.Errorf("expected 4 csv rows (including header), got %d", len(rows))
	}
}

func TestUpdateUserAppliesPatch(t *testing.T) {
	dir := t.TempDir()
	log := nlog.New(dir, nlog.LevelError, "command_test")
	tracker, err := track.Open(filepath.Join(dir, "tracker.db"), time.Hour, log)
	if err != nil {
		t.Fatalf("track.Open: %v", err)
	}
	defer tracker.Close()
	userStore, err := users.Open(filepath.Join(dir, "users.db"))
	if err != nil {
		t.Fatalf("users.Open: %v", err)
	}
	defer userStore.Close()

	if _, err := userStore.Upsert("u1", "Alice", config.KindOwner, "token", time.Now()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	bus := events.New(16)
	s := New(tracker, userStore, nil, nil, nil, bus, log)

	bias := 10
	updated, err := s.UpdateUser("admin", "u1", users.SettingsPatch{PriorityBias: &bias})
	if err != nil {
		t.Fatalf("UpdateUser: %v", err)
	}
	if updated.PriorityBias != 10 {
		t.Errorf("PriorityBias = %d, want 10", updated.PriorityBias)
	}
}
