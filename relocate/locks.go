// Package relocate is Module D: the atomic relocation primitive. cacheTo
// and restoreFrom copy a file between tiers while keeping the original
// path live via a symlink, crash-safe and never interrupting a reader
// holding an open descriptor — spec.md §4.D.
package relocate

import (
	"context"
	"sync"

	"github.com/cacherr-project/cacherr/internal/errs"
	"github.com/cacherr-project/cacherr/internal/ids"
)

// pathLocks is the path-keyed exclusive lock table of spec.md §4.D step 1
// ("hashes of logical_path; prevents concurrent duplicate work"). A fixed
// number of shards, each a mutex plus a per-path wait set, avoids
// allocating one lock per path forever while still serializing all
// relocations on the same logical_path (§5 "Per logical_path: all
// relocations are serialized by the path-keyed lock").
type pathLocks struct {
	shards []*shard
}

type shard struct {
	mu      sync.Mutex
	holders map[string]chan struct{} // logical_path -> release signal
}

const numShards = 64

func newPathLocks() *pathLocks {
	pl := &pathLocks{shards: make([]*shard, numShards)}
	for i := range pl.shards {
		pl.shards[i] = &shard{holders: make(map[string]chan struct{})}
	}
	return pl
}

func (pl *pathLocks) shardFor(logicalPath string) *shard {
	return pl.shards[ids.ShardIndex(logicalPath, numShards)]
}

// acquire blocks (honoring ctx) until logicalPath is uncontended, then
// takes the lock. If nonBlocking is true and the path is already held,
// acquire returns Contended immediately instead of waiting.
func (pl *pathLocks) acquire(ctx context.Context, logicalPath string, nonBlocking bool) (release func(), err error) {
	sh := pl.shardFor(logicalPath)
	for {
		sh.mu.Lock()
		wait, busy := sh.holders[logicalPath]
		if !busy {
			done := make(chan struct{})
			sh.holders[logicalPath] = done
			sh.mu.Unlock()
			return func() {
				sh.mu.Lock()
				delete(sh.holders, logicalPath)
				sh.mu.Unlock()
				close(done)
			}, nil
		}
		sh.mu.Unlock()
		if nonBlocking {
			return nil, errs.New(errs.Contended, nil, "relocation already in progress for %s", logicalPath)
		}
		select {
		case <-ctx.Done():
			return nil, errs.New(errs.Cancelled, ctx.Err(), "waiting for lock on %s", logicalPath)
		case <-wait:
		}
	}
}
