// Package config is Module A: an immutable, validated configuration
// snapshot handed to every cycle. Loading is strict-decode (unknown keys
// rejected, per spec.md §6) via json-iterator/go, the teacher's JSON
// codec of choice.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/cacherr-project/cacherr/internal/errs"
)

// UserKind mirrors spec.md §3 User.kind.
type UserKind string

const (
	KindOwner     UserKind = "owner"
	KindHousehold UserKind = "household"
	KindGuest     UserKind = "guest"
)

// RetentionWindows are per-source-class retention clocks (SPEC_FULL §3
// supplement: spec.md names "source-class-specific retention clock"
// without pinning the knobs).
type RetentionWindows struct {
	OnDeckHours    int `json:"ondeck_hours"`
	WatchlistHours int `json:"watchlist_hours"`
	ListHours      int `json:"list_hours"`
}

// ActivityWindows bound how stale a user's last_seen may be, per kind,
// before the planner skips them (spec.md §4.E OnDeck rule).
type ActivityWindows struct {
	OwnerDays     int `json:"owner_days"`
	HouseholdDays int `json:"household_days"`
	GuestDays     int `json:"guest_days"`
}

func (a ActivityWindows) ForKind(k UserKind) int {
	switch k {
	case KindOwner:
		return a.OwnerDays
	case KindHousehold:
		return a.HouseholdDays
	case KindGuest:
		return a.GuestDays
	default:
		return a.GuestDays
	}
}

// ListDef is a configured external list (Module J), reduced at load time
// into the shape ImportList is built from.
type ListDef struct {
	Name          string            `json:"name"`
	ProviderKind  string            `json:"provider_kind"`
	ProviderConf  map[string]string `json:"provider_config"`
	PriorityBias  int               `json:"priority_bias"`
	RefreshPeriod time.Duration     `json:"refresh_period"`
	Mode          string            `json:"mode"` // "strict" | "fill"
	CountCap      int               `json:"count_cap"`
}

// raw is the on-disk shape; Snapshot wraps it read-only.
type raw struct {
	FastRoot                 string           `json:"fast_root"`
	SlowRoots                []string         `json:"slow_roots"`
	FastLimitBytes           int64            `json:"fast_limit_bytes"`
	CyclePeriodSeconds        int              `json:"cycle_period_s"`
	MinGapMillis             int              `json:"min_gap_ms"`
	MaxPerMinute             int              `json:"max_per_minute"`
	TimeoutSeconds           int              `json:"timeout_s"`
	MaxRetries               int              `json:"max_retries"`
	RetryDelaySeconds         int              `json:"retry_delay_s"`
	MaxConcurrentRelocations int              `json:"max_concurrent_relocations"`
	SubscriberQueueDepth     int              `json:"subscriber_queue_depth"`
	TokenCacheHours          int              `json:"token_cache_hours"`
	Activity                 ActivityWindows  `json:"activity_filter_days"`
	Retention                RetentionWindows `json:"retention"`
	CycleResultHistory       int              `json:"cycle_result_history"`
	CycleErrorBudgetPercent  int              `json:"cycle_error_budget_percent"`
	Lists                    []ListDef        `json:"lists"`
	LogLevel                 string           `json:"log_level"`
	LogDir                   string           `json:"log_dir"`
	ConfigDir                string           `json:"config_dir"`
}

// Snapshot is an immutable configuration handed to every cycle (spec.md
// §3 Lifecycle / §2 component A). Fields are unexported; accessors return
// copies of slices/maps so a held Snapshot can never be mutated by a
// consumer.
type Snapshot struct{ r raw }

func defaults() raw {
	return raw{
		FastLimitBytes:           0,
		CyclePeriodSeconds:       300,
		MinGapMillis:             1000,
		MaxPerMinute:             30,
		TimeoutSeconds:           30,
		MaxRetries:               4,
		RetryDelaySeconds:        2,
		MaxConcurrentRelocations: 4,
		SubscriberQueueDepth:     256,
		TokenCacheHours:          12,
		Activity:                ActivityWindows{OwnerDays: 0, HouseholdDays: 30, GuestDays: 7},
		Retention:                RetentionWindows{OnDeckHours: 72, WatchlistHours: 168, ListHours: 48},
		CycleResultHistory:       50,
		CycleErrorBudgetPercent:  25,
		LogLevel:                 "info",
	}
}

// Load reads and validates a configuration document from path. Unknown
// keys are rejected (json.DisallowUnknownFields-equivalent via jsoniter's
// strict config), matching spec.md §6 "Unknown keys are rejected on
// load."
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.New(errs.ConfigInvalid, err, "reading config %s", path)
	}
	return Parse(data)
}

var strictJSON = jsoniter.Config{
	DisallowUnknownFields: true,
	UseNumber:             false,
}.Froze()

func Parse(data []byte) (*Snapshot, error) {
	r := defaults()
	dec := strictJSON.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&r); err != nil {
		return nil, errs.New(errs.ConfigInvalid, err, "decoding config")
	}
	s := &Snapshot{r: r}
	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Snapshot) validate() error {
	r := &s.r
	if r.FastRoot == "" {
		return errs.New(errs.ConfigInvalid, nil, "fast_root is required")
	}
	if len(r.SlowRoots) == 0 {
		return errs.New(errs.ConfigInvalid, nil, "at least one slow root is required")
	}
	if r.FastLimitBytes <= 0 {
		return errs.New(errs.ConfigInvalid, nil, "fast_limit_bytes must be positive")
	}
	if r.MinGapMillis < 100 || r.MinGapMillis > 10000 {
		return errs.New(errs.ConfigInvalid, nil, "min_gap_ms must be in [100, 10000], got %d", r.MinGapMillis)
	}
	if r.MaxPerMinute < 5 || r.MaxPerMinute > 120 {
		return errs.New(errs.ConfigInvalid, nil, "max_per_minute must be in [5, 120], got %d", r.MaxPerMinute)
	}
	if r.MaxConcurrentRelocations < 1 {
		return errs.New(errs.ConfigInvalid, nil, "max_concurrent_relocations must be >= 1")
	}
	if r.SubscriberQueueDepth < 1 {
		return errs.New(errs.ConfigInvalid, nil, "subscriber_queue_depth must be >= 1")
	}
	if _, ok := parseLogLevel(r.LogLevel); !ok {
		return errs.New(errs.ConfigInvalid, nil, "unrecognized log_level %q", r.LogLevel)
	}
	for _, l := range r.Lists {
		if l.Mode != "strict" && l.Mode != "fill" {
			return errs.New(errs.ConfigInvalid, nil, "list %s: mode must be strict or fill", l.Name)
		}
		if l.Mode == "fill" && l.CountCap <= 0 {
			return errs.New(errs.ConfigInvalid, nil, "list %s: fill mode requires count_cap > 0", l.Name)
		}
	}
	if r.CycleResultHistory <= 0 {
		return errs.New(errs.ConfigInvalid, nil, "cycle_result_history must be > 0")
	}
	if r.CycleErrorBudgetPercent < 0 || r.CycleErrorBudgetPercent > 100 {
		return errs.New(errs.ConfigInvalid, nil, "cycle_error_budget_percent must be in [0,100]")
	}
	return nil
}

func parseLogLevel(s string) (string, bool) {
	switch s {
	case "debug", "info", "warning", "error":
		return s, true
	default:
		return "", false
	}
}

// Accessors — intentionally plain getters, no setters; a Snapshot never
// mutates after Load/Parse.

func (s *Snapshot) FastRoot() string   { return s.r.FastRoot }
func (s *Snapshot) SlowRoots() []string {
	out := make([]string, len(s.r.SlowRoots))
	copy(out, s.r.SlowRoots)
	return out
}
func (s *Snapshot) FastLimitBytes() int64 { return s.r.FastLimitBytes }
func (s *Snapshot) CyclePeriod() time.Duration {
	return time.Duration(s.r.CyclePeriodSeconds) * time.Second
}
func (s *Snapshot) MinGap() time.Duration { return time.Duration(s.r.MinGapMillis) * time.Millisecond }
func (s *Snapshot) MaxPerMinute() int     { return s.r.MaxPerMinute }
func (s *Snapshot) Timeout() time.Duration {
	return time.Duration(s.r.TimeoutSeconds) * time.Second
}
func (s *Snapshot) MaxRetries() int { return s.r.MaxRetries }
func (s *Snapshot) RetryDelay() time.Duration {
	return time.Duration(s.r.RetryDelaySeconds) * time.Second
}
func (s *Snapshot) MaxConcurrentRelocations() int { return s.r.MaxConcurrentRelocations }
func (s *Snapshot) SubscriberQueueDepth() int      { return s.r.SubscriberQueueDepth }
func (s *Snapshot) TokenCacheTTL() time.Duration {
	return time.Duration(s.r.TokenCacheHours) * time.Hour
}
func (s *Snapshot) Activity() ActivityWindows   { return s.r.Activity }
func (s *Snapshot) Retention() RetentionWindows { return s.r.Retention }
func (s *Snapshot) CycleResultHistory() int     { return s.r.CycleResultHistory }
func (s *Snapshot) CycleErrorBudgetPercent() int { return s.r.CycleErrorBudgetPercent }
func (s *Snapshot) Lists() []ListDef {
	out := make([]ListDef, len(s.r.Lists))
	copy(out, s.r.Lists)
	return out
}
func (s *Snapshot) LogLevel() string  { return s.r.LogLevel }
func (s *Snapshot) LogDir() string    { return s.r.LogDir }
func (s *Snapshot) ConfigDir() string { return s.r.ConfigDir }

func (s *Snapshot) String() string {
	return fmt.Sprintf("config{fast_root=%s limit=%d period=%s}", s.r.FastRoot, s.r.FastLimitBytes, s.CyclePeriod())
}
