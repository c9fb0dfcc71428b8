// Package clips turns Twitch Helix clip listings into ordered, validated
// candidates for delivery.
package clips

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/onnwee/clip-tender/db"
	"github.com/onnwee/clip-tender/twitchapi"
)

const (
	// DefaultPageSize is the number of clips requested per Helix page.
	DefaultPageSize = 20
	// DefaultMaxPages bounds paging per fetch.
	DefaultMaxPages = 5
	// DefaultLookback is the window used when a subscription has no watermark yet.
	DefaultLookback = 24 * time.Hour
	// DefaultMaxLookback caps how far back any fetch may reach.
	DefaultMaxLookback = 7 * 24 * time.Hour
)

// Candidate is a validated clip ready for delivery.
type Candidate struct {
	ID              string
	BroadcasterName string
	Title           string
	URL             string
	ThumbnailURL    string
	CreatedAt       time.Time
	CreatorID       string
	CreatorName     string
}

// ToRecord converts a candidate into a clip history row for handle.
func (c Candidate) ToRecord(handle string) db.ClipRecord {
	return db.ClipRecord{
		ClipID:            c.ID,
		BroadcasterHandle: handle,
		Title:             c.Title,
		URL:               c.URL,
		ThumbnailURL:      c.ThumbnailURL,
		CreatedAt:         c.CreatedAt,
		CreatorID:         c.CreatorID,
		CreatorName:       c.CreatorName,
	}
}

// Helix is the subset of the Twitch API the fetcher needs.
type Helix interface {
	GetUserID(ctx context.Context, login string) (string, error)
	ListClips(ctx context.Context, q twitchapi.ClipQuery) ([]twitchapi.ClipMeta, string, error)
}

// Fetcher resolves broadcasters and returns their clips newer than a watermark.
type Fetcher struct {
	Helix       Helix
	PageSize    int
	MaxPages    int
	Lookback    time.Duration
	MaxLookback time.Duration
	Now         func() time.Time
}

func (f *Fetcher) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// window returns the started_at bound for a fetch.
func (f *Fetcher) window(now, since time.Time) time.Time {
	lookback := f.Lookback
	if lookback <= 0 {
		lookback = DefaultLookback
	}
	maxLookback := f.MaxLookback
	if maxLookback <= 0 {
		maxLookback = DefaultMaxLookback
	}
	start := since
	if since.IsZero() || since.Unix() <= 0 {
		start = now.Add(-lookback)
	}
	if floor := now.Add(-maxLookback); start.Before(floor) {
		start = floor
	}
	return start
}

// Fetch returns clips for handle created strictly after since, sorted oldest
// first with ties broken by clip id. An unknown broadcaster yields an empty
// batch and no error.
func (f *Fetcher) Fetch(ctx context.Context, handle string, since time.Time) ([]Candidate, error) {
	log := slog.Default().With(slog.String("component", "clip_fetcher"), slog.String("broadcaster", handle))
	userID, err := f.Helix.GetUserID(ctx, handle)
	if err != nil {
		if errors.Is(err, twitchapi.ErrUnknownBroadcaster) {
			log.Debug("broadcaster not found, no clips this cycle")
			return nil, nil
		}
		return nil, err
	}

	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageSize > 100 {
		pageSize = 100
	}
	maxPages := f.MaxPages
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}

	now := f.now().UTC()
	q := twitchapi.ClipQuery{
		BroadcasterID: userID,
		StartedAt:     f.window(now, since),
		EndedAt:       now,
		First:         pageSize,
	}

	seen := make(map[string]struct{})
	var out []Candidate
	pending := ""
	for page := 0; page < maxPages; page++ {
		metas, cursor, err := f.Helix.ListClips(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, m := range metas {
			c, ok := toCandidate(m)
			if !ok {
				log.Warn("dropping malformed clip", slog.String("clip_id", m.ID), slog.String("created_at", m.CreatedAt))
				continue
			}
			if !c.CreatedAt.After(since) {
				continue
			}
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			out = append(out, c)
		}
		pending = cursor
		if cursor == "" || len(metas) == 0 {
			pending = ""
			break
		}
		q.After = cursor
	}
	if pending != "" {
		// Helix pages by view count, so clips beyond the cap are the
		// least viewed ones in the window and are not fetched this cycle.
		log.Warn("clip page cap reached, remaining clips in window not fetched",
			slog.Int("max_pages", maxPages),
			slog.Int("page_size", pageSize),
			slog.Time("since", since))
	}

	SortCandidates(out)
	log.Debug("clips fetched", slog.Int("count", len(out)), slog.Time("since", since))
	return out, nil
}

// SortCandidates orders candidates ascending by creation time, then id.
func SortCandidates(cs []Candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].CreatedAt.Equal(cs[j].CreatedAt) {
			return cs[i].ID < cs[j].ID
		}
		return cs[i].CreatedAt.Before(cs[j].CreatedAt)
	})
}

func toCandidate(m twitchapi.ClipMeta) (Candidate, bool) {
	id := strings.TrimSpace(m.ID)
	if id == "" {
		return Candidate{}, false
	}
	created, err := time.Parse(time.RFC3339, m.CreatedAt)
	if err != nil {
		return Candidate{}, false
	}
	return Candidate{
		ID:              id,
		BroadcasterName: m.BroadcasterName,
		Title:           m.Title,
		URL:             m.URL,
		ThumbnailURL:    m.ThumbnailURL,
		CreatedAt:       created.UTC(),
		CreatorID:       m.CreatorID,
		CreatorName:     m.CreatorName,
	}, true
}
