package db

import (
	"context"
	"fmt"
	"time"

	"feedfanout/internal/models"

	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// Key columns entries can be matched on.
const (
	KeyGUID  = "guid"
	KeyTitle = "title"
)

const insertChunk = 500

func checkKey(column string) error {
	if column != KeyGUID && column != KeyTitle {
		return fmt.Errorf("invalid entry key column %q", column)
	}
	return nil
}

// LockURL serializes ingestion of one URL for the rest of the transaction.
func LockURL(ctx context.Context, tx *sqlx.Tx, url string) error {
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", url); err != nil {
		return fmt.Errorf("failed to lock %s: %w", url, err)
	}
	return nil
}

// ExistingKeys returns, per feed, the set of key values already stored. When
// since is set only entries dated at or after it are considered.
func ExistingKeys(ctx context.Context, tx *sqlx.Tx, feedIDs []int64, column string, since *time.Time) (map[int64]map[string]struct{}, error) {
	if err := checkKey(column); err != nil {
		return nil, err
	}

	sb := sqlbuilder.PostgreSQL.NewSelectBuilder()
	sb.Select("feed_id", column).From("entries")
	sb.Where(fmt.Sprintf("feed_id = ANY(%s)", sb.Args.Add(pq.Array(feedIDs))))
	if since != nil {
		sb.Where(sb.GreaterEqualThan("date", *since))
	}
	query, args := sb.Build()

	rows, err := tx.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query existing entries: %w", err)
	}
	defer rows.Close()

	existing := make(map[int64]map[string]struct{}, len(feedIDs))
	for rows.Next() {
		var feedID int64
		var key string
		if err := rows.Scan(&feedID, &key); err != nil {
			return nil, fmt.Errorf("failed to scan existing entry: %w", err)
		}
		if existing[feedID] == nil {
			existing[feedID] = make(map[string]struct{})
		}
		existing[feedID][key] = struct{}{}
	}
	return existing, rows.Err()
}

// InsertEntries bulk-inserts entries in chunks.
func InsertEntries(ctx context.Context, tx *sqlx.Tx, entries []models.Entry) error {
	for start := 0; start < len(entries); start += insertChunk {
		end := min(start+insertChunk, len(entries))

		ib := sqlbuilder.PostgreSQL.NewInsertBuilder()
		ib.InsertInto("entries")
		ib.Cols("feed_id", "user_id", "guid", "title", "link", "permalink", "content", "author", "date")
		for _, e := range entries[start:end] {
			ib.Values(e.FeedID, e.UserID, e.GUID, e.Title, e.Link, e.Permalink, e.Content, e.Author, e.Date)
		}
		query, args := ib.Build()

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to insert entries: %w", err)
		}
	}
	return nil
}

type duplicateRow struct {
	ID        int64  `db:"id"`
	FeedID    int64  `db:"feed_id"`
	Key       string `db:"key"`
	Permalink string `db:"permalink"`
}

// ResolveDuplicates collapses rows sharing (feed, key) down to the earliest
// created one. A permalink from a discarded row is carried over when the kept
// row has none. It returns the number of rows deleted.
func ResolveDuplicates(ctx context.Context, tx *sqlx.Tx, feedIDs []int64, column string, keys []string) (int, error) {
	if err := checkKey(column); err != nil {
		return 0, err
	}
	if len(feedIDs) == 0 || len(keys) == 0 {
		return 0, nil
	}

	query := fmt.Sprintf(`
		SELECT id, feed_id, key, permalink FROM (
			SELECT id, feed_id, %[1]s AS key, permalink, created_at,
				COUNT(*) OVER (PARTITION BY feed_id, %[1]s) AS n
			FROM entries
			WHERE feed_id = ANY($1) AND %[1]s = ANY($2)
		) d
		WHERE n > 1
		ORDER BY feed_id, key, created_at, id`, column)

	var rows []duplicateRow
	if err := tx.SelectContext(ctx, &rows, query, pq.Array(feedIDs), pq.Array(keys)); err != nil {
		return 0, fmt.Errorf("failed to find duplicate entries: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}

	var discard []int64
	for i := 0; i < len(rows); {
		keep := rows[i]
		permalink := keep.Permalink
		j := i + 1
		for ; j < len(rows) && rows[j].FeedID == keep.FeedID && rows[j].Key == keep.Key; j++ {
			if permalink == "" && rows[j].Permalink != "" {
				permalink = rows[j].Permalink
			}
			discard = append(discard, rows[j].ID)
		}
		if permalink != keep.Permalink {
			if _, err := tx.ExecContext(ctx, "UPDATE entries SET permalink = $1 WHERE id = $2", permalink, keep.ID); err != nil {
				return 0, fmt.Errorf("failed to merge entry %d: %w", keep.ID, err)
			}
		}
		i = j
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE id = ANY($1)", pq.Array(discard)); err != nil {
		return 0, fmt.Errorf("failed to delete duplicate entries: %w", err)
	}
	log.WithField("count", len(discard)).Info("removed duplicate entries")
	return len(discard), nil
}
