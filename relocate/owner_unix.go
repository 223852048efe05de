//go:build !windows

package relocate

import (
	"os"
	"syscall"
)

// ownerOf extracts the uid/gid from a FileInfo on platforms where that's
// meaningful, preserving ownership on copy per spec.md §4.D step 5.
func ownerOf(fi os.FileInfo) (uid, gid int, ok bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, false
	}
	return int(st.Uid), int(st.Gid), true
}
