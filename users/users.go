// Package users holds the User/UserSettings data model (spec.md §3) and
// its small persistent store. Users are discovered from the upstream and
// never destroyed while present there; their settings are the one piece
// of runtime-mutable state the command surface (K updateUser) exposes.
//
// Grounded on the same tidwall/buntdb usage as track (C): a second,
// separate buntdb file rather than folding user rows into the tracker's
// CacheEntry store, since spec.md assigns CacheEntry ownership to C
// specifically and says nothing about C owning User rows.
package users

import (
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/tidwall/buntdb"

	"github.com/cacherr-project/cacherr/config"
	"github.com/cacherr-project/cacherr/internal/errs"
)

type OnDeckSettings struct {
	Enabled       bool `json:"enabled"`
	EpisodesAhead int  `json:"episodes_ahead"`
	MaxStaleDays  int  `json:"max_stale_days"`
}

type WatchlistSettings struct {
	Enabled            bool `json:"enabled"`
	EpisodesPerShow    int  `json:"episodes_per_show"`
	MaxAvailableDays   int  `json:"max_available_days"`
}

type ActiveSettings struct {
	Enabled bool `json:"enabled"`
}

type ListsSettings struct {
	Enabled bool `json:"enabled"`
}

// Settings are the per-user per-source toggles and bounds of spec.md §3
// UserSettings. A zero bound means "no bound" (the spec's 0-sentinel).
type Settings struct {
	OnDeck    OnDeckSettings    `json:"ondeck"`
	Watchlist WatchlistSettings `json:"watchlist"`
	Active    ActiveSettings    `json:"active"`
	Lists     ListsSettings     `json:"lists"`
}

func DefaultSettings() Settings {
	return Settings{
		OnDeck:    OnDeckSettings{Enabled: true, EpisodesAhead: 2, MaxStaleDays: 0},
		Watchlist: WatchlistSettings{Enabled: true, EpisodesPerShow: 1, MaxAvailableDays: 0},
		Active:    ActiveSettings{Enabled: true},
		Lists:     ListsSettings{Enabled: true},
	}
}

// User is spec.md §3's User entity.
type User struct {
	ID           string         `json:"id"`
	DisplayName  string         `json:"display_name"`
	Kind         config.UserKind `json:"kind"`
	TokenOpaque  string         `json:"token_opaque"`
	LastSeen     time.Time      `json:"last_seen"`
	Enabled      bool           `json:"enabled"`
	PriorityBias int            `json:"priority_bias"` // clamped to [-50, 50]
	Settings     Settings       `json:"settings"`
}

// SettingsPatch is the shape accepted by the K updateUser command; nil
// pointer fields are left unchanged, matching the teacher's reset/patch
// message idiom (api/apc ActMsg-style partial updates).
type SettingsPatch struct {
	Enabled      *bool
	PriorityBias *int
	OnDeck       *OnDeckSettings
	Watchlist    *WatchlistSettings
	Active       *ActiveSettings
	Lists        *ListsSettings
}

func clampBias(b int) int {
	if b < -50 {
		return -50
	}
	if b > 50 {
		return 50
	}
	return b
}

// Store is the persistent user record store, one buntdb file.
type Store struct {
	db *buntdb.DB
}

func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, errs.New(errs.TrackerConflict, err, "opening user store %s", path)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func key(id string) string { return "user:" + id }

// Upsert discovers or refreshes a user from the upstream (B listUsers).
// A previously-unknown ID is created with default settings; an existing
// user's display name and last_seen are refreshed but settings and
// enabled/priority_bias are left as the operator configured them.
func (s *Store) Upsert(id, displayName string, kind config.UserKind, tokenOpaque string, lastSeen time.Time) (User, error) {
	var u User
	err := s.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key(id))
		if err == buntdb.ErrNotFound {
			u = User{
				ID:          id,
				DisplayName: displayName,
				Kind:        kind,
				TokenOpaque: tokenOpaque,
				LastSeen:    lastSeen,
				Enabled:     true,
				Settings:    DefaultSettings(),
			}
		} else if err != nil {
			return err
		} else {
			if jerr := jsoniter.UnmarshalFromString(val, &u); jerr != nil {
				return jerr
			}
			u.DisplayName = displayName
			u.Kind = kind
			u.TokenOpaque = tokenOpaque
			u.LastSeen = lastSeen
		}
		encoded, jerr := jsoniter.MarshalToString(u)
		if jerr != nil {
			return jerr
		}
		_, _, err = tx.Set(key(id), encoded, nil)
		return err
	})
	if err != nil {
		return User{}, errs.New(errs.TrackerConflict, err, "upserting user %s", id)
	}
	return u, nil
}

func (s *Store) Get(id string) (User, bool, error) {
	var u User
	found := false
	err := s.db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key(id))
		if err == buntdb.ErrNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return jsoniter.UnmarshalFromString(val, &u)
	})
	if err != nil {
		return User{}, false, errs.New(errs.TrackerConflict, err, "reading user %s", id)
	}
	return u, found, nil
}

// All returns every known user, enabled or not.
func (s *Store) All() ([]User, error) {
	var out []User
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys("user:*", func(k, v string) bool {
			var u User
			if jsoniter.UnmarshalFromString(v, &u) == nil {
				out = append(out, u)
			}
			return true
		})
	})
	if err != nil {
		return nil, errs.New(errs.TrackerConflict, err, "listing users")
	}
	return out, nil
}

// Patch applies a partial settings update (K updateUser), returning the
// updated User.
func (s *Store) Patch(id string, patch SettingsPatch) (User, error) {
	var u User
	err := s.db.Update(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key(id))
		if err != nil {
			return err
		}
		if jerr := jsoniter.UnmarshalFromString(val, &u); jerr != nil {
			return jerr
		}
		if patch.Enabled != nil {
			u.Enabled = *patch.Enabled
		}
		if patch.PriorityBias != nil {
			u.PriorityBias = clampBias(*patch.PriorityBias)
		}
		if patch.OnDeck != nil {
			u.Settings.OnDeck = *patch.OnDeck
		}
		if patch.Watchlist != nil {
			u.Settings.Watchlist = *patch.Watchlist
		}
		if patch.Active != nil {
			u.Settings.Active = *patch.Active
		}
		if patch.Lists != nil {
			u.Settings.Lists = *patch.Lists
		}
		encoded, jerr := jsoniter.MarshalToString(u)
		if jerr != nil {
			return jerr
		}
		_, _, err = tx.Set(key(id), encoded, nil)
		return err
	})
	if err != nil {
		return User{}, errs.New(errs.TrackerConflict, err, "patching user %s", id)
	}
	return u, nil
}
