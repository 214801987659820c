package db_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"feedfanout/internal/db"
	"feedfanout/internal/models"
	"feedfanout/internal/test"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribingFeeds(t *testing.T) {
	store, mock := test.NewMockDB(t)

	rows := sqlmock.NewRows([]string{"id", "user_id", "category_id", "name", "url", "muted", "media_safe",
		"delete_after_days", "unread_count", "created_at", "category_delete_after_days", "user_ttl_days"}).
		AddRow(1, 10, nil, "Blog", "http://example.com/feed", false, true, nil, 4, time.Now(), 30, 3)
	mock.ExpectQuery(`SELECT .+ FROM feeds f JOIN users u ON u.id = f.user_id LEFT JOIN categories c .+ WHERE f.url = \$1`).
		WithArgs("http://example.com/feed").
		WillReturnRows(rows)

	feeds, err := store.SubscribingFeeds(context.Background(), "http://example.com/feed")
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, int64(10), feeds[0].UserID)
	assert.Equal(t, 3, feeds[0].UserTTLDays)
	assert.Equal(t, 30, feeds[0].RetentionDays())

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRewriteFeedURL(t *testing.T) {
	store, mock := test.NewMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT f.id AS old_id, g.id AS new_id FROM feeds f JOIN feeds g`).
		WithArgs("http://old.example.com", "https://new.example.com").
		WillReturnRows(sqlmock.NewRows([]string{"old_id", "new_id"}))
	mock.ExpectExec(`UPDATE feeds SET url = \$2 WHERE url = \$1`).
		WithArgs("http://old.example.com", "https://new.example.com").
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec(`DELETE FROM unique_feeds WHERE url = \$1`).WithArgs("http://old.example.com").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM hub_subscriptions WHERE topic = \$1`).WithArgs("http://old.example.com").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	moved, err := store.RewriteFeedURL(context.Background(), "http://old.example.com", "https://new.example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(3), moved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRewriteFeedURLMergesEntriesIntoExistingSubscription(t *testing.T) {
	store, mock := test.NewMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT f.id AS old_id, g.id AS new_id FROM feeds f JOIN feeds g`).
		WithArgs("http://old.example.com", "https://new.example.com").
		WillReturnRows(sqlmock.NewRows([]string{"old_id", "new_id"}).AddRow(7, 9))
	mock.ExpectExec(`UPDATE entries e SET feed_id = \$2 WHERE e.feed_id = \$1 AND NOT EXISTS`).
		WithArgs(int64(7), int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectExec(`DELETE FROM feeds WHERE id = ANY\(\$1\)`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE feeds SET unread_count`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`UPDATE feeds SET url = \$2 WHERE url = \$1`).
		WithArgs("http://old.example.com", "https://new.example.com").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`DELETE FROM unique_feeds WHERE url = \$1`).WithArgs("http://old.example.com").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`DELETE FROM hub_subscriptions WHERE topic = \$1`).WithArgs("http://old.example.com").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	moved, err := store.RewriteFeedURL(context.Background(), "http://old.example.com", "https://new.example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRewriteFeedURLRollsBack(t *testing.T) {
	store, mock := test.NewMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT f.id AS old_id`).WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	_, err := store.RewriteFeedURL(context.Background(), "http://old.example.com", "https://new.example.com")
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExistingKeysWithWindow(t *testing.T) {
	store, mock := test.NewMockDB(t)
	since := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT feed_id, guid FROM entries WHERE feed_id = ANY\(\$1\) AND date >= \$2`).
		WithArgs(sqlmock.AnyArg(), since).
		WillReturnRows(sqlmock.NewRows([]string{"feed_id", "guid"}).
			AddRow(1, "a").AddRow(1, "b").AddRow(2, "a"))
	mock.ExpectCommit()

	var got map[int64]map[string]struct{}
	err := store.InTx(context.Background(), func(tx *sqlx.Tx) error {
		var err error
		got, err = db.ExistingKeys(context.Background(), tx, []int64{1, 2}, db.KeyGUID, &since)
		return err
	})
	require.NoError(t, err)
	assert.Len(t, got[1], 2)
	assert.Contains(t, got[2], "a")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExistingKeysFullScanByTitle(t *testing.T) {
	store, mock := test.NewMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT feed_id, title FROM entries WHERE feed_id = ANY\(\$1\)$`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"feed_id", "title"}))
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(tx *sqlx.Tx) error {
		got, err := db.ExistingKeys(context.Background(), tx, []int64{1}, db.KeyTitle, nil)
		assert.Empty(t, got)
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestExistingKeysRejectsUnknownColumn(t *testing.T) {
	_, err := db.ExistingKeys(context.Background(), nil, []int64{1}, "content; DROP TABLE entries", nil)
	assert.Error(t, err)
}

func TestResolveDuplicatesKeepsEarliestAndMergesPermalink(t *testing.T) {
	store, mock := test.NewMockDB(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, feed_id, key, permalink FROM \(.+PARTITION BY feed_id, guid.+\) d WHERE n > 1`).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "feed_id", "key", "permalink"}).
			AddRow(10, 1, "a", "").
			AddRow(11, 1, "a", "https://example.com/a-resolved").
			AddRow(12, 1, "a", "").
			AddRow(20, 2, "b", "https://example.com/b").
			AddRow(21, 2, "b", "https://example.com/other"))
	mock.ExpectExec(`UPDATE entries SET permalink = \$1 WHERE id = \$2`).
		WithArgs("https://example.com/a-resolved", 10).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM entries WHERE id = ANY\(\$1\)`).
		WithArgs(sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectCommit()

	var removed int
	err := store.InTx(context.Background(), func(tx *sqlx.Tx) error {
		var err error
		removed, err = db.ResolveDuplicates(context.Background(), tx, []int64{1, 2}, db.KeyGUID, []string{"a", "b"})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertEntriesChunks(t *testing.T) {
	store, mock := test.NewMockDB(t)

	entries := make([]models.Entry, 501)
	for i := range entries {
		entries[i] = models.Entry{FeedID: 1, UserID: 2, GUID: "g", Date: time.Now()}
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO entries \(feed_id, user_id, guid, title, link, permalink, content, author, date\) VALUES`).
		WillReturnResult(sqlmock.NewResult(0, 500))
	mock.ExpectExec(`INSERT INTO entries`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(tx *sqlx.Tx) error {
		return db.InsertEntries(context.Background(), tx, entries)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBackupJobs(t *testing.T) {
	store, mock := test.NewMockDB(t)

	jobs := []models.UniqueFeedJob{models.NewJob("http://a.example.com", 1), models.NewJob("http://b.example.com", 2)}

	mock.ExpectBegin()
	for range jobs {
		mock.ExpectExec(`INSERT INTO unique_feeds .+ ON CONFLICT \(url\) DO UPDATE`).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, store.BackupJobs(context.Background(), jobs))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActiveURLs(t *testing.T) {
	store, mock := test.NewMockDB(t)

	mock.ExpectQuery(`SELECT DISTINCT f.url FROM feeds f LEFT JOIN unique_feeds u ON u.url = f.url WHERE u.url IS NULL OR NOT u.muted`).
		WillReturnRows(sqlmock.NewRows([]string{"url"}).AddRow("http://a.example.com").AddRow("http://b.example.com"))

	urls, err := store.ActiveURLs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"http://a.example.com", "http://b.example.com"}, urls)
	assert.NoError(t, mock.ExpectationsWereMet())
}
