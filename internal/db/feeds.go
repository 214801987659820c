package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"feedfanout/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/samber/lo"
)

const feedColumns = `f.id, f.user_id, f.category_id, f.name, f.url, f.muted, f.media_safe,
	f.delete_after_days, f.unread_count, f.created_at,
	c.delete_after_days AS category_delete_after_days, u.ttl_days AS user_ttl_days`

// SubscribingFeeds returns every feed row pointing at url, with the
// retention settings of its category and owner.
func (s *Store) SubscribingFeeds(ctx context.Context, url string) ([]models.Feed, error) {
	query := `
		SELECT ` + feedColumns + `
		FROM feeds f
		JOIN users u ON u.id = f.user_id
		LEFT JOIN categories c ON c.id = f.category_id
		WHERE f.url = $1
		ORDER BY f.id
	`
	var feeds []models.Feed
	if err := s.DB.SelectContext(ctx, &feeds, query, url); err != nil {
		return nil, fmt.Errorf("failed to get feeds for %s: %w", url, err)
	}
	return feeds, nil
}

func (s *Store) CountSubscribers(ctx context.Context, url string) (int, error) {
	var count int
	err := s.DB.GetContext(ctx, &count, "SELECT COUNT(*) FROM feeds WHERE url = $1", url)
	if err != nil {
		return 0, fmt.Errorf("failed to count subscribers for %s: %w", url, err)
	}
	return count, nil
}

// SubscriberCounts maps every subscribed URL to its number of feed rows.
func (s *Store) SubscriberCounts(ctx context.Context) (map[string]int, error) {
	rows, err := s.DB.QueryxContext(ctx, "SELECT url, COUNT(*) FROM feeds GROUP BY url")
	if err != nil {
		return nil, fmt.Errorf("failed to count subscribers: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var url string
		var n int
		if err := rows.Scan(&url, &n); err != nil {
			return nil, fmt.Errorf("failed to scan subscriber count: %w", err)
		}
		counts[url] = n
	}
	return counts, rows.Err()
}

// ActiveURLs returns subscribed URLs whose job is not known to be muted.
func (s *Store) ActiveURLs(ctx context.Context) ([]string, error) {
	query := `
		SELECT DISTINCT f.url
		FROM feeds f
		LEFT JOIN unique_feeds u ON u.url = f.url
		WHERE u.url IS NULL OR NOT u.muted
	`
	var urls []string
	if err := s.DB.SelectContext(ctx, &urls, query); err != nil {
		return nil, fmt.Errorf("failed to get active urls: %w", err)
	}
	return urls, nil
}

// AddFeed subscribes a user to url. Subscribing twice returns the existing row.
func (s *Store) AddFeed(ctx context.Context, userID int64, url, name string, categoryID *int64) (models.Feed, error) {
	query := `
		INSERT INTO feeds (user_id, url, name, category_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, url) DO NOTHING
		RETURNING id, user_id, category_id, name, url, muted, media_safe, delete_after_days, unread_count, created_at
	`
	feed := models.Feed{}
	err := s.DB.GetContext(ctx, &feed, query, userID, url, name, categoryID)
	if errors.Is(err, sql.ErrNoRows) {
		err = s.DB.GetContext(ctx, &feed, `
			SELECT id, user_id, category_id, name, url, muted, media_safe, delete_after_days, unread_count, created_at
			FROM feeds WHERE user_id = $1 AND url = $2`, userID, url)
	}
	if err != nil {
		return feed, fmt.Errorf("failed to add feed %s for user %d: %w", url, userID, err)
	}
	return feed, nil
}

// RemoveFeed deletes a user's feed and returns its URL.
func (s *Store) RemoveFeed(ctx context.Context, userID, feedID int64) (string, error) {
	var url string
	err := s.DB.GetContext(ctx, &url, "DELETE FROM feeds WHERE id = $1 AND user_id = $2 RETURNING url", feedID, userID)
	if err != nil {
		return "", fmt.Errorf("failed to remove feed %d for user %d: %w", feedID, userID, err)
	}
	return url, nil
}

// feedMerge pairs a user's row for the old URL with their row for the new one.
type feedMerge struct {
	OldID int64 `db:"old_id"`
	NewID int64 `db:"new_id"`
}

// RewriteFeedURL points every subscriber of oldURL at newURL in one
// transaction. A user already subscribed to newURL keeps that row; entries
// of their old row move onto it unless it already holds the same guid.
func (s *Store) RewriteFeedURL(ctx context.Context, oldURL, newURL string) (int64, error) {
	var moved int64
	err := s.InTx(ctx, func(tx *sqlx.Tx) error {
		var merges []feedMerge
		err := tx.SelectContext(ctx, &merges, `
			SELECT f.id AS old_id, g.id AS new_id
			FROM feeds f JOIN feeds g ON g.user_id = f.user_id AND g.url = $2
			WHERE f.url = $1`,
			oldURL, newURL)
		if err != nil {
			return fmt.Errorf("failed to find duplicate subscriptions: %w", err)
		}
		if err := mergeFeeds(ctx, tx, merges); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, "UPDATE feeds SET url = $2 WHERE url = $1", oldURL, newURL)
		if err != nil {
			return fmt.Errorf("failed to rewrite feed urls: %w", err)
		}
		moved, _ = res.RowsAffected()

		if _, err := tx.ExecContext(ctx, "DELETE FROM unique_feeds WHERE url = $1", oldURL); err != nil {
			return fmt.Errorf("failed to drop job backup: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM hub_subscriptions WHERE topic = $1", oldURL); err != nil {
			return fmt.Errorf("failed to drop hub subscriptions: %w", err)
		}
		return nil
	})
	return moved, err
}

func mergeFeeds(ctx context.Context, tx *sqlx.Tx, merges []feedMerge) error {
	if len(merges) == 0 {
		return nil
	}
	for _, m := range merges {
		_, err := tx.ExecContext(ctx, `
			UPDATE entries e SET feed_id = $2
			WHERE e.feed_id = $1
			AND NOT EXISTS (SELECT 1 FROM entries x WHERE x.feed_id = $2 AND x.guid = e.guid)`,
			m.OldID, m.NewID)
		if err != nil {
			return fmt.Errorf("failed to move entries of feed %d to %d: %w", m.OldID, m.NewID, err)
		}
	}

	oldIDs := lo.Map(merges, func(m feedMerge, _ int) int64 { return m.OldID })
	if _, err := tx.ExecContext(ctx, "DELETE FROM feeds WHERE id = ANY($1)", pq.Array(oldIDs)); err != nil {
		return fmt.Errorf("failed to drop duplicate subscriptions: %w", err)
	}
	return UpdateUnreadCounts(ctx, tx, lo.Map(merges, func(m feedMerge, _ int) int64 { return m.NewID }))
}

// UpdateUnreadCounts recomputes the denormalized unread counter of feedIDs.
func UpdateUnreadCounts(ctx context.Context, tx *sqlx.Tx, feedIDs []int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE feeds SET unread_count = (
			SELECT COUNT(*) FROM entries e WHERE e.feed_id = feeds.id AND NOT e.read
		)
		WHERE id = ANY($1)`, pq.Array(feedIDs))
	if err != nil {
		return fmt.Errorf("failed to update unread counts: %w", err)
	}
	return nil
}
