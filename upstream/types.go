// Package upstream is Module B: a single-flight, rate-limited handle to
// the media server. Grounded on the teacher's style of small typed
// request/response structs (api/apc) plus its httpclient timeout/retry
// conventions; transport is valyala/fasthttp and decoding is json-iterator,
// per SPEC_FULL §2.
package upstream

import (
	"time"

	"github.com/cacherr-project/cacherr/config"
)

type MediaKind string

const (
	KindMovie   MediaKind = "movie"
	KindEpisode MediaKind = "episode"
)

// StalenessSignals carries the raw upstream fields the planner turns into
// a staleness_score (spec.md §9 Open Question: scoring function is
// implementer-chosen).
type StalenessSignals struct {
	LastWatched     time.Time
	AvailableSince  time.Time
}

// MediaRef is spec.md §4.B's MediaRef.
type MediaRef struct {
	LogicalPath     string
	SizeBytesHint   int64
	UpstreamID      string
	Kind            MediaKind
	Staleness       StalenessSignals
}

// Session is one in-flight playback, feeding the planner's Active phase.
type Session struct {
	UserID          string
	LogicalPath     string
	FromSlowTier    bool
	StartedAt       time.Time
}

// ExternalIDs identifies a title for matchLibrary, e.g. {"tmdb": "603",
// "imdb": "tt0133093"}.
type ExternalIDs map[string]string

// TitleYear is the fallback match key when external IDs are absent.
type TitleYear struct {
	Title string
	Year  int
}

// UpstreamUser mirrors the subset of config.UserKind-bearing identity the
// media server exposes during discovery; users.Store.Upsert converts this
// into the persisted User record.
type UpstreamUser struct {
	ID          string
	DisplayName string
	Kind        config.UserKind
	Token       string
	LastSeen    time.Time
}
