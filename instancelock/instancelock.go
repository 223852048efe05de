// Package instancelock is Module I: a single advisory lock file in the
// configuration directory, held for the process lifetime, guaranteeing
// exactly one cacherr instance runs against a given config/tracker pair
// at a time (spec.md §4.I). Grounded on the teacher's fs mountpath lock
// conventions (flock-based exclusion over a sentinel file) but scoped
// down to a single process-wide lock rather than per-mountpath.
package instancelock

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/cacherr-project/cacherr/internal/errs"
)

// ExitCodeContended is the distinct process exit code spec.md §4.I
// requires when the lock is already held ("the process exits with a
// distinct code").
const ExitCodeContended = 2

const lockFileName = ".cacherr.lock"

// Lock is a held advisory lock. Release on orderly shutdown; the kernel
// releases it automatically if the process crashes (spec.md §4.I
// "Released on orderly shutdown and by kernel on crash").
type Lock struct {
	f *os.File
}

// Acquire takes the instance lock in configDir. Returns errs.LockHeld if
// another process already holds it.
func Acquire(configDir string) (*Lock, error) {
	path := configDir + "/" + lockFileName
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.New(errs.ConfigInvalid, err, "opening lock file %s", path)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errs.New(errs.LockHeld, err, "instance lock held: %s", path)
	}
	return &Lock{f: f}, nil
}

// Release drops the lock and closes the underlying file.
func (l *Lock) Release() error {
	if l == nil || l.f == nil {
		return nil
	}
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}
