package instancelock

import (
	"testing"

	"github.com/cacherr-project/cacherr/internal/errs"
)

func TestAcquireThenContend(t *testing.T) {
	dir := t.TempDir()
	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	defer l1.Release()

	_, err = Acquire(dir)
	if !errs.Is(err, errs.LockHeld) {
		t.Fatalf("expected LockHeld on contended acquire, got %v", err)
	}
}

func TestReleaseThenReacquire(t *testing.T) {
	dir := t.TempDir()
	l1, err := Acquire(dir)
	if err != nil {
		t.Fatalf("first Acquire failed: %v", err)
	}
	if err := l1.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}

	l2, err := Acquire(dir)
	if err != nil {
		t.Fatalf("expected re-acquire to succeed after release, got %v", err)
	}
	l2.Release()
}
