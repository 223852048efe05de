// Package diskstats wraps lufia/iostat (disk I/O counters; the health
// computation does not read them) and karrick/godirwalk (the G reconciliation phase's
// fast-root scan), adapted from the teacher's ios package, which provides
// OS-dependent access to the same /proc/diskstats counters via its own
// hand-rolled parser. lufia/iostat gives cacherr the same data with less
// bespoke parsing to maintain.
package diskstats

import (
	"os"
	"syscall"

	"github.com/karrick/godirwalk"
	"github.com/lufia/iostat"
)

// IOCounters is a point-in-time snapshot of a block device's read/write
// activity. The health-state computation (track.Store.Stats) does not
// take these counters into account.
type IOCounters struct {
	Device       string
	ReadBytes    uint64
	WriteBytes   uint64
	ReadCount    uint64
	WriteCount   uint64
	IOTimeMillis uint64
}

// ReadAll lists I/O counters for every block device visible to the
// process. Errors are non-fatal to callers: disk counters are a health
// signal, not a correctness requirement, and not all platforms or
// containers expose them.
func ReadAll() ([]IOCounters, error) {
	drives, err := iostat.ReadDriveStats()
	if err != nil {
		return nil, err
	}
	out := make([]IOCounters, 0, len(drives))
	for _, d := range drives {
		out = append(out, IOCounters{
			Device:     d.Name,
			ReadBytes:  uint64(d.ReadBytes),
			WriteBytes: uint64(d.WriteBytes),
			ReadCount:  uint64(d.ReadCount),
			WriteCount: uint64(d.WriteCount),
		})
	}
	return out, nil
}

// FreeBytes probes the free space available on the filesystem backing
// path via statfs. Admission and the startup probe do not call it; the
// admission limit comes from the configured fast-tier size.
func FreeBytes(path string) (uint64, error) {
	var st syscall.Statfs_t
	if err := syscall.Statfs(path, &st); err != nil {
		return 0, err
	}
	return uint64(st.Bavail) * uint64(st.Bsize), nil
}

// WalkFiles invokes fn for every regular file under root, in the style of
// the G reconciliation phase scanning the fast root for untracked files.
// godirwalk.Walk avoids the per-entry lstat overhead of filepath.Walk,
// which matters on a fast tier that may hold hundreds of thousands of
// files.
func WalkFiles(root string, fn func(path string, de *godirwalk.Dirent) error) error {
	return godirwalk.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de.IsDir() {
				return nil
			}
			return fn(path, de)
		},
		ErrorCallback: func(_ string, err error) godirwalk.ErrorAction {
			if os.IsNotExist(err) {
				return godirwalk.SkipNode
			}
			return godirwalk.Halt
		},
		Unsorted: true,
	})
}
