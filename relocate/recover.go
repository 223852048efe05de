package relocate

import (
	"context"
	"os"

	"github.com/cacherr-project/cacherr/internal/errs"
	"github.com/cacherr-project/cacherr/track"
)

// Recover implements spec.md §4.D "Crash recovery": on startup, walk all
// rows not in {active, removed} and repair each according to its status.
// Idempotent under repeated crash-restart, since every branch either
// finishes the row's transition or leaves it exactly as found.
func (r *Relocator) Recover(ctx context.Context) error {
	rows, err := r.tracker.NotIn(track.StatusActive, track.StatusRemoved)
	if err != nil {
		return err
	}
	var errCollector errs.Errs
	for _, e := range rows {
		if err := r.recoverOne(ctx, e); err != nil {
			errCollector.Add(err)
			r.log.Warnf("recovering entry %s (%s): %v", e.ID, e.Status, err)
		}
	}
	return errCollector.AsError()
}

func (r *Relocator) recoverOne(ctx context.Context, e track.Entry) error {
	switch e.Status {
	case track.StatusStaging:
		release, err := r.locks.acquire(ctx, e.LogicalPath, false)
		if err != nil {
			return err
		}
		defer release()
		// No symlink swap happened: delete any partial fast-tier file,
		// drop the row, leave the original path untouched.
		if e.FastTierPath != "" {
			os.Remove(e.FastTierPath)
		}
		_, err = r.tracker.MarkRemoved(e.ID)
		return err

	case track.StatusPendingRemoval:
		target, lerr := os.Readlink(e.LogicalPath)
		if lerr == nil && target == e.FastTierPath {
			// Symlink still present, fast file should still be present:
			// resume restoreFrom step 3 onward. RestoreFrom acquires its
			// own lock.
			return r.RestoreFrom(ctx, e)
		}
		release, err := r.locks.acquire(ctx, e.LogicalPath, false)
		if err != nil {
			return err
		}
		defer release()
		// Original already restored (no symlink, or it points elsewhere):
		// finish by deleting the fast file and marking removed.
		if e.FastTierPath != "" {
			os.Remove(e.FastTierPath)
		}
		_, err = r.tracker.MarkRemoved(e.ID)
		return err

	case track.StatusOrphaned:
		// Left for an explicit cleanup({remove_orphaned:true}); recovery
		// itself does not repair orphans (that is reconcile's job, run
		// fresh every cycle, not a one-shot startup fixup).
		return nil

	default:
		return nil
	}
}
