// Package track is Module C: the persistent cache tracker. Backed by
// tidwall/buntdb (an embedded, transactional KV store), chosen per
// SPEC_FULL §2 for its Update/View transaction closures, which give every
// state transition the single-transaction semantics spec.md §4.C
// requires, and its secondary indexes on status and cause_user_id, which
// ByStatus walks. query(filter) scans every entry row.
package track

import "time"

type Status string

const (
	StatusStaging        Status = "staging"
	StatusActive          Status = "active"
	StatusOrphaned        Status = "orphaned"
	StatusPendingRemoval  Status = "pending_removal"
	StatusRemoved         Status = "removed"
)

type Method string

const MethodAtomicCopy Method = "atomic_copy"

// CauseOperation is spec.md §3 CacheEntry.cause_operation. "list:<name>"
// values are represented as CauseList(name).
type CauseOperation string

const (
	CauseOnDeck    CauseOperation = "ondeck"
	CauseWatchlist CauseOperation = "watchlist"
	CauseActive    CauseOperation = "active"
	CauseManual    CauseOperation = "manual"
	CauseRestore   CauseOperation = "restore"
)

func CauseList(name string) CauseOperation { return CauseOperation("list:" + name) }

// Entry is spec.md §3 CacheEntry, the tracker's central row.
type Entry struct {
	ID                   string         `json:"id"`
	LogicalPath          string         `json:"logical_path"`
	OriginalLocationPath string         `json:"original_location_path"`
	FastTierPath         string         `json:"fast_tier_path"`
	SizeBytes            int64          `json:"size_bytes"`
	CachedAt             time.Time      `json:"cached_at"`
	LastAccessedAt       time.Time      `json:"last_accessed_at"`
	AccessCount          int64          `json:"access_count"`
	CauseOperation       CauseOperation `json:"cause_operation"`
	CauseUserID          string         `json:"cause_user_id,omitempty"`
	Attributions         []string       `json:"attributions"`
	Status               Status         `json:"status"`
	Method               Method         `json:"method"`
	Checksum             string         `json:"checksum,omitempty"`
	Priority             int            `json:"priority"`
	Metadata             map[string]string `json:"metadata,omitempty"`
}

func (e *Entry) hasAttribution(userID string) bool {
	for _, a := range e.Attributions {
		if a == userID {
			return true
		}
	}
	return false
}

func (e *Entry) addAttribution(userID string) {
	if userID == "" || e.hasAttribution(userID) {
		return
	}
	e.Attributions = append(e.Attributions, userID)
}

// Filter selects rows for query(filter)/search. Zero-value fields are
// wildcards.
type Filter struct {
	Status        Status
	CauseUserID   string
	CauseOperation CauseOperation
	LogicalPathPrefix string
	IncludeRemoved bool
	Limit         int
	Offset        int
}

// Page is the result of query(filter).
type Page struct {
	Entries []Entry
	Total   int
}

// Statistics is spec.md §3/§6 CacheStatistics (stats()).
type Statistics struct {
	TotalSizeBytes int64
	LimitBytes     int64
	UsedPercent    float64
	FileCount      int
	Health         Health
}

type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthWarning  Health = "warning"
	HealthCritical Health = "critical"
)
