package ingest

import (
	"time"

	"feedfanout/internal/db"
	"feedfanout/internal/models"
	"feedfanout/internal/parser"

	"github.com/samber/lo"
)

const day = 24 * time.Hour

// batch is an incoming set of entries reduced to unique match keys.
type batch struct {
	column  string
	entries []parser.Entry
	keys    []string
}

func (b batch) key(e parser.Entry) string {
	if b.column == db.KeyTitle {
		return e.Title
	}
	return e.GUID
}

// prepare picks the match key and drops in-batch duplicates. Some generators
// stamp every item with the same guid; small batches like that are matched
// on title instead. Large ones are left alone and collapse to one entry.
func prepare(entries []parser.Entry, titleFallbackLimit int) batch {
	b := batch{column: db.KeyGUID}

	guids := lo.Uniq(lo.Map(entries, func(e parser.Entry, _ int) string { return e.GUID }))
	if len(entries) > 1 && len(guids) == 1 && len(entries) <= titleFallbackLimit {
		b.column = db.KeyTitle
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		k := b.key(e)
		if k == "" {
			continue
		}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		b.entries = append(b.entries, e)
		b.keys = append(b.keys, k)
	}
	return b
}

// since returns the lower date bound for the existing-entry lookup. It is
// only set when every entry carries a date; undated entries are stored with
// their ingestion time and could sit anywhere in the past.
func (b batch) since(lookback time.Duration) *time.Time {
	if len(b.entries) == 0 {
		return nil
	}
	var earliest time.Time
	for _, e := range b.entries {
		if e.Date == nil {
			return nil
		}
		if earliest.IsZero() || e.Date.Before(earliest) {
			earliest = *e.Date
		}
	}
	t := earliest.Add(-lookback)
	return &t
}

// plan computes the rows to insert for each subscribing feed. It is pure:
// existing maps feed id to the keys that feed already holds.
func plan(b batch, feeds []models.Feed, existing map[int64]map[string]struct{}, now time.Time) []models.Entry {
	var out []models.Entry
	for _, feed := range feeds {
		if feed.Muted {
			continue
		}

		var cutoff time.Time
		if days := feed.RetentionDays(); days > 0 {
			cutoff = now.Add(-time.Duration(days) * day)
		}
		if feed.UserTTLDays > 0 {
			ttl := now.Add(-time.Duration(feed.UserTTLDays) * day)
			if ttl.After(cutoff) {
				cutoff = ttl
			}
		}

		have := existing[feed.ID]
		for i, e := range b.entries {
			if _, ok := have[b.keys[i]]; ok {
				continue
			}
			date := now
			if e.Date != nil {
				date = *e.Date
			}
			if !cutoff.IsZero() && date.Before(cutoff) {
				continue
			}
			out = append(out, models.Entry{
				FeedID:  feed.ID,
				UserID:  feed.UserID,
				GUID:    e.GUID,
				Title:   e.Title,
				Link:    e.Link,
				Content: e.Content,
				Author:  e.Author,
				Date:    date,
			})
		}
	}
	return out
}
