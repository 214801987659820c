// Package ingest stores new entries for every subscriber of a feed URL,
// skipping anything a subscriber already has.
package ingest

import (
	"context"
	"time"

	"feedfanout/internal/db"
	"feedfanout/internal/metrics"
	"feedfanout/internal/models"
	"feedfanout/internal/parser"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

// MarkerStore records the last time a user's feed received entries.
type MarkerStore interface {
	Advance(ctx context.Context, userID int64, url string, t time.Time) error
}

type Config struct {
	LookbackWindow     time.Duration
	TitleFallbackLimit int
}

type Result struct {
	Created    int
	Duplicates int
	MatchedBy  string
}

type Ingestor struct {
	store   *db.Store
	markers MarkerStore
	cfg     Config
	now     func() time.Time
}

func New(store *db.Store, markers MarkerStore, cfg Config) *Ingestor {
	return &Ingestor{store: store, markers: markers, cfg: cfg, now: time.Now}
}

// Ingest writes the entries of one fetch of url to every non-muted feed in
// feeds. The whole batch is one transaction, serialized per URL, so running
// it twice with the same input creates nothing the second time.
func (in *Ingestor) Ingest(ctx context.Context, url string, entries []parser.Entry, feeds []models.Feed) (*Result, error) {
	b := prepare(entries, in.cfg.TitleFallbackLimit)
	result := &Result{MatchedBy: b.column}

	active := lo.Filter(feeds, func(f models.Feed, _ int) bool { return !f.Muted })
	if len(b.entries) == 0 || len(active) == 0 {
		return result, nil
	}
	feedIDs := lo.Map(active, func(f models.Feed, _ int) int64 { return f.ID })
	now := in.now().UTC()

	var created []models.Entry
	err := in.store.InTx(ctx, func(tx *sqlx.Tx) error {
		if err := db.LockURL(ctx, tx, url); err != nil {
			return err
		}

		existing, err := db.ExistingKeys(ctx, tx, feedIDs, b.column, b.since(in.cfg.LookbackWindow))
		if err != nil {
			return err
		}

		created = plan(b, active, existing, now)
		if len(created) == 0 {
			return nil
		}

		if err := db.InsertEntries(ctx, tx, created); err != nil {
			return err
		}
		removed, err := db.ResolveDuplicates(ctx, tx, feedIDs, b.column, b.keys)
		if err != nil {
			return err
		}
		result.Duplicates = removed

		touched := lo.Uniq(lo.Map(created, func(e models.Entry, _ int) int64 { return e.FeedID }))
		return db.UpdateUnreadCounts(ctx, tx, touched)
	})
	if err != nil {
		return nil, err
	}

	result.Created = len(created)
	metrics.EntriesIngested.Add(float64(result.Created))
	metrics.DuplicatesRemoved.Add(float64(result.Duplicates))

	in.advanceMarkers(ctx, url, created, now)
	return result, nil
}

func (in *Ingestor) advanceMarkers(ctx context.Context, url string, created []models.Entry, now time.Time) {
	if in.markers == nil {
		return
	}
	latest := make(map[int64]time.Time)
	for _, e := range created {
		t := e.Date
		if t.After(now) {
			t = now
		}
		if t.After(latest[e.UserID]) {
			latest[e.UserID] = t
		}
	}
	for userID, t := range latest {
		if err := in.markers.Advance(ctx, userID, url, t); err != nil {
			log.WithFields(log.Fields{"url": url, "user_id": userID}).Warnf("failed to advance update marker: %v", err)
		}
	}
}
