// Package ids provides ID generation and path-hashing, adapted from the
// teacher's cmn/cos/uuid.go: teris-io/shortid for opaque IDs, OneOfOne/
// xxhash for deterministic path-keyed sharding.
package ids

import (
	"fmt"
	"sync"

	"github.com/OneOfOne/xxhash"
	"github.com/teris-io/shortid"
)

// uuidABC mirrors the teacher's alphabet choice: URL-safe, no characters
// that need escaping in a path segment or a JSON string unescaped.
const uuidABC = "-5nZJDft6LuzsjGNpPwY7rQa39vehq4i1cV2FROo8yHSlC0BUEdWbIxMmTgKXAk_"

var (
	genMu sync.Mutex
	gen   *shortid.Shortid
)

// Init seeds the ID generator, the way the teacher seeds its shortid
// generator from the daemon ID. Nothing in cacherr calls it besides this
// package's init, so the generator runs with worker 1 and seed 1.
func Init(worker uint8, seed uint64) {
	genMu.Lock()
	defer genMu.Unlock()
	gen = shortid.MustNew(worker, uuidABC, seed)
}

func init() {
	// A permissive default so packages that only use ids.New() in tests
	// don't need to call Init first.
	Init(1, 1)
}

// New returns a short, URL-safe, collision-resistant ID for entries,
// operations, cycles, and users.
func New() string {
	genMu.Lock()
	defer genMu.Unlock()
	return gen.MustGenerate()
}

// HashPath returns a stable shard key for a logical path, used by the
// atomic relocator's path-keyed lock table (spec §4.D step 1: "hashes of
// logical_path; prevents concurrent duplicate work") and by the fast-tier
// path helpers below.
func HashPath(logicalPath string) uint64 {
	h := xxhash.New64()
	_, _ = h.WriteString(logicalPath)
	return h.Sum64()
}

// ShardIndex maps a path hash into [0, n) for a fixed-size lock-shard
// table.
func ShardIndex(logicalPath string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(HashPath(logicalPath) % uint64(n))
}

// FastTierSuffix derives a never-reused suffix for a fast-tier path from
// the logical path and a freshly generated ID, satisfying spec §4.D step 3
// ("never reuse a suffix").
func FastTierSuffix(logicalPath string) string {
	return fmt.Sprintf("%016x-%s", HashPath(logicalPath), New())
}

const fastTierDirShards = 256

// HashPathDir returns a two-level sharded directory name for a logical
// path, so the fast tier doesn't accumulate every cached file in one huge
// directory.
func HashPathDir(logicalPath string) string {
	h := HashPath(logicalPath)
	return fmt.Sprintf("%02x/%02x", (h>>8)%fastTierDirShards, h%fastTierDirShards)
}
