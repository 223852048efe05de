package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/cacherr-project/cacherr/config"
	"github.com/cacherr-project/cacherr/internal/errs"
)

// ListUsers implements spec.md §4.B listUsers().
func (c *Client) ListUsers(ctx context.Context) ([]UpstreamUser, error) {
	var out []struct {
		ID          string    `json:"id"`
		DisplayName string    `json:"display_name"`
		Kind        string    `json:"kind"`
		Token       string    `json:"token"`
		LastSeen    time.Time `json:"last_seen"`
	}
	if err := c.doJSON(ctx, "GET", "/users", nil, &out); err != nil {
		return nil, err
	}
	users := make([]UpstreamUser, 0, len(out))
	for _, u := range out {
		users = append(users, UpstreamUser{
			ID: u.ID, DisplayName: u.DisplayName,
			Kind: config.UserKind(u.Kind), Token: u.Token, LastSeen: u.LastSeen,
		})
	}
	return users, nil
}

// GetOnDeck implements spec.md §4.B getOnDeck(user, n, maxStaleDays).
func (c *Client) GetOnDeck(ctx context.Context, userID string, n, maxStaleDays int) ([]MediaRef, error) {
	token, err := c.tokenFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/users/%s/ondeck?n=%d&max_stale_days=%d&token=%s", userID, n, maxStaleDays, token)
	refs, err := c.getMediaRefs(ctx, path)
	if err != nil && errKindIs(err, errs.UpstreamAuth) {
		c.invalidateToken(userID)
	}
	return refs, err
}

// GetWatchlist implements spec.md §4.B getWatchlist(user, episodesPerShow,
// maxAvailableDays).
func (c *Client) GetWatchlist(ctx context.Context, userID string, episodesPerShow, maxAvailableDays int) ([]MediaRef, error) {
	token, err := c.tokenFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	path := fmt.Sprintf("/users/%s/watchlist?episodes_per_show=%d&max_available_days=%d&token=%s",
		userID, episodesPerShow, maxAvailableDays, token)
	refs, err := c.getMediaRefs(ctx, path)
	if err != nil && errKindIs(err, errs.UpstreamAuth) {
		c.invalidateToken(userID)
	}
	return refs, err
}

// GetActiveSessions implements spec.md §4.B getActiveSessions().
func (c *Client) GetActiveSessions(ctx context.Context) ([]Session, error) {
	var out []struct {
		UserID       string    `json:"user_id"`
		LogicalPath  string    `json:"logical_path"`
		FromSlowTier bool      `json:"from_slow_tier"`
		StartedAt    time.Time `json:"started_at"`
	}
	if err := c.doJSON(ctx, "GET", "/sessions/active", nil, &out); err != nil {
		return nil, err
	}
	sessions := make([]Session, 0, len(out))
	for _, s := range out {
		sessions = append(sessions, Session{
			UserID: s.UserID, LogicalPath: s.LogicalPath,
			FromSlowTier: s.FromSlowTier, StartedAt: s.StartedAt,
		})
	}
	return sessions, nil
}

// MatchLibrary implements spec.md §4.B matchLibrary(external_ids |
// title_year), resolving external IDs first, falling back to title+year
// (§4.J "matchLibrary resolves items to logical_path via external ID
// first, then title+year fallback").
func (c *Client) MatchLibrary(ctx context.Context, ids ExternalIDs, fallback *TitleYear) (*MediaRef, error) {
	if len(ids) > 0 {
		if ref, err := c.matchByExternalID(ctx, ids); err == nil && ref != nil {
			return ref, nil
		} else if err != nil && !errKindIs(err, errs.UpstreamMalformed) {
			return nil, err
		}
	}
	if fallback == nil {
		return nil, nil
	}
	return c.matchByTitleYear(ctx, *fallback)
}

func (c *Client) matchByExternalID(ctx context.Context, ids ExternalIDs) (*MediaRef, error) {
	var out *struct {
		LogicalPath   string `json:"logical_path"`
		SizeBytesHint int64  `json:"size_bytes_hint"`
		UpstreamID    string `json:"upstream_id"`
		Kind          string `json:"kind"`
	}
	if err := c.doJSON(ctx, "POST", "/library/match", map[string]any{"external_ids": ids}, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return &MediaRef{LogicalPath: out.LogicalPath, SizeBytesHint: out.SizeBytesHint, UpstreamID: out.UpstreamID, Kind: MediaKind(out.Kind)}, nil
}

func (c *Client) matchByTitleYear(ctx context.Context, ty TitleYear) (*MediaRef, error) {
	var out *struct {
		LogicalPath   string `json:"logical_path"`
		SizeBytesHint int64  `json:"size_bytes_hint"`
		UpstreamID    string `json:"upstream_id"`
		Kind          string `json:"kind"`
	}
	body := map[string]any{"title": ty.Title, "year": ty.Year}
	if err := c.doJSON(ctx, "POST", "/library/match", body, &out); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return &MediaRef{LogicalPath: out.LogicalPath, SizeBytesHint: out.SizeBytesHint, UpstreamID: out.UpstreamID, Kind: MediaKind(out.Kind)}, nil
}

func (c *Client) getMediaRefs(ctx context.Context, path string) ([]MediaRef, error) {
	var out []struct {
		LogicalPath   string    `json:"logical_path"`
		SizeBytesHint int64     `json:"size_bytes_hint"`
		UpstreamID    string    `json:"upstream_id"`
		Kind          string    `json:"kind"`
		LastWatched   time.Time `json:"last_watched"`
		AvailableSince time.Time `json:"available_since"`
	}
	if err := c.doJSON(ctx, "GET", path, nil, &out); err != nil {
		return nil, err
	}
	refs := make([]MediaRef, 0, len(out))
	for _, r := range out {
		refs = append(refs, MediaRef{
			LogicalPath: r.LogicalPath, SizeBytesHint: r.SizeBytesHint,
			UpstreamID: r.UpstreamID, Kind: MediaKind(r.Kind),
			Staleness: StalenessSignals{LastWatched: r.LastWatched, AvailableSince: r.AvailableSince},
		})
	}
	return refs, nil
}

func errKindIs(err error, kind errs.Kind) bool { return errs.Is(err, kind) }
