package relocate

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/semaphore"

	"github.com/cacherr-project/cacherr/events"
	"github.com/cacherr-project/cacherr/internal/errs"
	"github.com/cacherr-project/cacherr/internal/ids"
	"github.com/cacherr-project/cacherr/internal/mono"
	"github.com/cacherr-project/cacherr/internal/nlog"
	"github.com/cacherr-project/cacherr/track"
)

const copyChunkSize = 4 << 20 // 4 MiB, progress-report granularity

// Relocator is Module D. One instance is constructed at startup and
// shared by the orchestrator; its semaphore is the single process-wide
// bound on concurrent relocations (spec.md §5
// "max_concurrent_relocations, default 4").
type Relocator struct {
	fastRoot string
	tracker  *track.Store
	sink     events.Sink
	log      *nlog.Logger
	locks    *pathLocks
	sem      *semaphore.Weighted
}

func New(fastRoot string, tracker *track.Store, sink events.Sink, maxConcurrent int, log *nlog.Logger) *Relocator {
	return &Relocator{
		fastRoot: fastRoot,
		tracker:  tracker,
		sink:     sink,
		log:      log.WithSource("relocate"),
		locks:    newPathLocks(),
		sem:      semaphore.NewWeighted(int64(maxConcurrent)),
	}
}

// CacheTo implements spec.md §4.D cacheTo(logical_path) → entry.
func (r *Relocator) CacheTo(ctx context.Context, logicalPath string, cause track.CauseOperation, causeUserID string) (track.Entry, error) {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return track.Entry{}, errs.New(errs.Cancelled, err, "acquiring relocation slot for %s", logicalPath)
	}
	defer r.sem.Release(1)

	release, err := r.locks.acquire(ctx, logicalPath, false)
	if err != nil {
		return track.Entry{}, err
	}
	defer release()

	// Step 2: resolve and verify a regular file, not a symlink we already
	// own. A symlink here with an existing active entry means cacheTo is
	// being called again on an already-cached path — return the existing
	// entry (§8 idempotence).
	info, lerr := os.Lstat(logicalPath)
	if lerr != nil {
		return track.Entry{}, errs.New(errs.ReadError, lerr, "stat %s", logicalPath)
	}
	if info.Mode()&os.ModeSymlink != 0 {
		if existing, ok, gerr := r.existingByPath(logicalPath); gerr == nil && ok {
			return existing, nil
		}
		return track.Entry{}, errs.New(errs.ReadError, nil, "%s is a symlink we do not own", logicalPath)
	}
	if !info.Mode().IsRegular() {
		return track.Entry{}, errs.New(errs.ReadError, nil, "%s is not a regular file", logicalPath)
	}
	sizeBytes := info.Size()

	suffix := ids.FastTierSuffix(logicalPath)
	fastTierPath := filepath.Join(r.fastRoot, ids.HashPathDir(logicalPath), filepath.Base(logicalPath)+"."+suffix)

	entry, err := r.tracker.UpsertStaging(logicalPath, logicalPath, fastTierPath, cause, causeUserID)
	if err != nil {
		return track.Entry{}, err
	}
	if entry.Status != track.StatusStaging {
		// Another call won the race and already finished (or is further
		// along); upsertStaging already returned the existing row.
		return entry, nil
	}

	opID := ids.New()
	started := mono.NanoTime()
	r.emitProgress(opID, events.OpCache, logicalPath, 0, sizeBytes, started)

	if err := os.MkdirAll(filepath.Dir(fastTierPath), 0o755); err != nil {
		return r.failCache(opID, entry, logicalPath, started, errs.New(errs.WriteError, err, "creating fast-tier dir"))
	}

	sum, copyErr := r.copyWithProgress(ctx, opID, events.OpCache, logicalPath, fastTierPath, sizeBytes, info.Mode(), started)
	if copyErr != nil {
		os.Remove(fastTierPath)
		return r.failCache(opID, entry, logicalPath, started, copyErr)
	}

	// Step 6: commit point. Create a temp symlink beside logicalPath,
	// then atomically rename it over logicalPath. Either logicalPath
	// still resolves to the original inode, or — after the rename — to
	// fastTierPath. A reader with an open FD on the original inode keeps
	// reading that inode regardless (POSIX unlink-on-rename semantics).
	tmpLink := filepath.Join(filepath.Dir(logicalPath), ".cacherr-link-"+filepath.Base(logicalPath)+"."+ids.New())
	if err := os.Symlink(fastTierPath, tmpLink); err != nil {
		os.Remove(fastTierPath)
		return r.failCache(opID, entry, logicalPath, started, errs.New(errs.SymlinkUnsupported, err, "creating symlink"))
	}
	if err := os.Rename(tmpLink, logicalPath); err != nil {
		os.Remove(tmpLink)
		os.Remove(fastTierPath)
		return r.failCache(opID, entry, logicalPath, started, errs.New(errs.WriteError, err, "swapping symlink over %s", logicalPath))
	}

	active, err := r.tracker.MarkActive(entry.ID, sizeBytes, sum)
	if err != nil {
		return track.Entry{}, err
	}
	r.sink.Publish(events.Event{Type: events.TypeOperationComplete, Data: events.OperationCompleteData{
		OperationID: opID, OperationType: events.OpCache, FilePath: logicalPath, Success: true,
		DurationSeconds: mono.Since(started).Seconds(), BytesTransferred: sizeBytes,
	}})
	return active, nil
}

func (r *Relocator) failCache(opID string, entry track.Entry, logicalPath string, started int64, cause error) (track.Entry, error) {
	r.sink.Publish(events.Event{Type: events.TypeOperationComplete, Data: events.OperationCompleteData{
		OperationID: opID, OperationType: events.OpCache, FilePath: logicalPath, Success: false,
		Error: cause.Error(), DurationSeconds: mono.Since(started).Seconds(),
	}})
	// Roll back: drop the staging row entirely so a retry starts clean
	// (crash-recovery treats an un-swapped staging row the same way).
	r.tracker.MarkRemoved(entry.ID)
	return track.Entry{}, cause
}

func (r *Relocator) existingByPath(logicalPath string) (track.Entry, bool, error) {
	page, err := r.tracker.Query(track.Filter{LogicalPathPrefix: logicalPath, Limit: 8})
	if err != nil {
		return track.Entry{}, false, err
	}
	for _, e := range page.Entries {
		if e.LogicalPath == logicalPath && e.Status == track.StatusActive {
			return e, true, nil
		}
	}
	return track.Entry{}, false, nil
}

// RestoreFrom implements spec.md §4.D restoreFrom(entry) → void, the
// inverse used for eviction and retention.
func (r *Relocator) RestoreFrom(ctx context.Context, entry track.Entry) error {
	if err := r.sem.Acquire(ctx, 1); err != nil {
		return errs.New(errs.Cancelled, err, "acquiring relocation slot for restore of %s", entry.LogicalPath)
	}
	defer r.sem.Release(1)

	release, err := r.locks.acquire(ctx, entry.LogicalPath, false)
	if err != nil {
		return err
	}
	defer release()

	// Step 2: verify the symlink still points where we expect.
	target, lerr := os.Readlink(entry.LogicalPath)
	if lerr != nil || target != entry.FastTierPath {
		r.tracker.MarkOrphaned(entry.ID)
		return errs.New(errs.TrackerConflict, lerr, "symlink at %s no longer points to %s", entry.LogicalPath, entry.FastTierPath)
	}

	opID := ids.New()
	started := mono.NanoTime()
	r.emitProgress(opID, events.OpRestore, entry.LogicalPath, 0, entry.SizeBytes, started)

	tmp := filepath.Join(filepath.Dir(entry.LogicalPath), ".cacherr-restore-"+filepath.Base(entry.LogicalPath)+"."+ids.New())
	mode := os.FileMode(0o644)
	if fi, err := os.Stat(entry.FastTierPath); err == nil {
		mode = fi.Mode()
	}
	if _, copyErr := r.copyWithProgress(ctx, opID, events.OpRestore, entry.FastTierPath, tmp, entry.SizeBytes, mode, started); copyErr != nil {
		os.Remove(tmp)
		r.sink.Publish(events.Event{Type: events.TypeOperationComplete, Data: events.OperationCompleteData{
			OperationID: opID, OperationType: events.OpRestore, FilePath: entry.LogicalPath, Success: false,
			Error: copyErr.Error(), DurationSeconds: mono.Since(started).Seconds(),
		}})
		return copyErr
	}

	if err := os.Rename(tmp, entry.LogicalPath); err != nil {
		os.Remove(tmp)
		return errs.New(errs.WriteError, err, "restoring %s", entry.LogicalPath)
	}
	os.Remove(entry.FastTierPath)

	if _, err := r.tracker.MarkRemoved(entry.ID); err != nil {
		return err
	}
	r.sink.Publish(events.Event{Type: events.TypeOperationComplete, Data: events.OperationCompleteData{
		OperationID: opID, OperationType: events.OpRestore, FilePath: entry.LogicalPath, Success: true,
		DurationSeconds: mono.Since(started).Seconds(), BytesTransferred: entry.SizeBytes,
	}})
	return nil
}

// copyWithProgress copies srcPath to dstPath in fixed chunks, publishing
// operation_progress events between chunks and honoring ctx cancellation
// there (spec.md §5 suspension point 2), and returns the blake2b-256
// checksum of the bytes copied. mode and ownership are preserved, per
// spec.md §4.D step 5.
func (r *Relocator) copyWithProgress(ctx context.Context, opID string, opType events.OperationType, srcPath, dstPath string, total int64, mode os.FileMode, started int64) (string, error) {
	in, err := os.Open(srcPath)
	if err != nil {
		return "", errs.New(errs.ReadError, err, "opening %s", srcPath)
	}
	defer in.Close()

	out, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return "", errs.New(errs.WriteError, err, "creating %s", dstPath)
	}
	defer out.Close()

	if st, serr := in.Stat(); serr == nil {
		if uid, gid, ok := ownerOf(st); ok {
			_ = os.Chown(dstPath, uid, gid)
		}
	}

	hasher, _ := blake2b.New256(nil)
	buf := make([]byte, copyChunkSize)
	var transferred int64
	for {
		select {
		case <-ctx.Done():
			return "", errs.New(errs.Cancelled, ctx.Err(), "copy cancelled at %d/%d bytes", transferred, total)
		default:
		}
		n, rerr := in.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return "", errs.New(errs.WriteError, werr, "writing %s", dstPath)
			}
			hasher.Write(buf[:n])
			transferred += int64(n)
			r.emitProgress(opID, opType, filepath.Base(srcPath), transferred, total, started)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", errs.New(errs.ReadError, rerr, "reading %s", srcPath)
		}
	}
	if err := out.Sync(); err != nil {
		return "", errs.New(errs.WriteError, err, "syncing %s", dstPath)
	}
	return hexSum(hasher.Sum(nil)), nil
}

func hexSum(b []byte) string {
	const hextable = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, v := range b {
		out[i*2] = hextable[v>>4]
		out[i*2+1] = hextable[v&0x0f]
	}
	return string(out)
}

func (r *Relocator) emitProgress(opID string, opType events.OperationType, fileName string, transferred, total int64, started int64) {
	elapsed := mono.Since(started).Seconds()
	var speed, eta float64
	if elapsed > 0 {
		speed = float64(transferred) / elapsed
	}
	if speed > 0 && total > transferred {
		eta = float64(total-transferred) / speed
	}
	var pct float64
	if total > 0 {
		pct = float64(transferred) / float64(total) * 100
	}
	r.sink.Publish(events.Event{Type: events.TypeOperationProgress, Data: events.OperationProgressData{
		OperationID: opID, OperationType: opType, FileName: fileName,
		ProgressPercent: pct, BytesTransferred: transferred, BytesTotal: total,
		SpeedBytesPerSec: speed, ETASeconds: eta,
	}})
}
