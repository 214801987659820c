package worker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"feedfanout/internal/db"
	"feedfanout/internal/fetcher"
	"feedfanout/internal/ingest"
	"feedfanout/internal/jobstore"
	"feedfanout/internal/models"
	"feedfanout/internal/parser"
	"feedfanout/internal/policy"
	"feedfanout/internal/test"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ingestCall struct {
	url     string
	entries []parser.Entry
	feeds   []models.Feed
}

type fakeIngestor struct {
	calls   []ingestCall
	created int
	err     error
}

func (f *fakeIngestor) Ingest(_ context.Context, url string, entries []parser.Entry, feeds []models.Feed) (*ingest.Result, error) {
	f.calls = append(f.calls, ingestCall{url: url, entries: entries, feeds: feeds})
	if f.err != nil {
		return nil, f.err
	}
	created := f.created
	if len(f.calls) > 1 {
		created = 0
	}
	return &ingest.Result{Created: created}, nil
}

type fakeHubs struct {
	topics []string
	hubs   []string
}

func (f *fakeHubs) EnsureSubscribed(_ context.Context, topic, hub string) (bool, error) {
	f.topics = append(f.topics, topic)
	f.hubs = append(f.hubs, hub)
	return true, nil
}

type env struct {
	updater  *Updater
	jobs     *jobstore.Store
	store    *db.Store
	mock     sqlmock.Sqlmock
	ingestor *fakeIngestor
	hubs     *fakeHubs
}

func newEnv(t *testing.T) *env {
	rdb, _ := test.NewRedis(t)
	store, mock := test.NewMockDB(t)
	e := &env{
		jobs:     jobstore.New(rdb, "test:"),
		store:    store,
		mock:     mock,
		ingestor: &fakeIngestor{created: 3},
		hubs:     &fakeHubs{},
	}
	e.updater = NewUpdater(Deps{
		Jobs:     e.jobs,
		DB:       store,
		Fetcher:  fetcher.New(fetcher.Config{Timeout: 2 * time.Second, UserAgent: "feedfanout-test"}),
		Ingestor: e.ingestor,
		Hubs:     e.hubs,
		Policy:   policy.New(time.Hour),
	})
	return e
}

func (e *env) expectCount(url string, n int) {
	e.mock.ExpectQuery(`SELECT COUNT\(\*\) FROM feeds WHERE url = \$1`).WithArgs(url).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(n))
}

func (e *env) expectFeeds(url string, ids ...int64) {
	rows := sqlmock.NewRows([]string{"id", "user_id", "category_id", "name", "url", "muted", "media_safe",
		"delete_after_days", "unread_count", "created_at", "category_delete_after_days", "user_ttl_days"})
	for _, id := range ids {
		rows.AddRow(id, id*10, nil, "Feed", url, false, true, nil, 0, time.Now(), nil, 0)
	}
	e.mock.ExpectQuery(`SELECT .+ FROM feeds f JOIN users u`).WithArgs(url).WillReturnRows(rows)
}

func (e *env) schedule(t *testing.T, job models.UniqueFeedJob) {
	require.NoError(t, e.jobs.Schedule(context.Background(), job, time.Now().Add(-time.Minute)))
}

func TestUpdateIngestsFreshContent(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	body := test.Fixture(t, "rss_hub.xml")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.Header.Get("User-Agent"), "2 subscribers")
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Tue, 15 Nov 1994 08:12:31 GMT")
		w.Write(body)
	}))
	defer server.Close()
	url := server.URL + "/feed"

	job := models.NewJob(url, 1)
	job.BackoffFactor = 4
	job.Error = "502"
	job.FailedAttempts = 3
	e.schedule(t, job)

	e.expectCount(url, 2)
	e.expectFeeds(url, 1, 2)

	require.NoError(t, e.updater.Update(ctx, url))

	saved, err := e.jobs.Get(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, 1, saved.BackoffFactor)
	assert.Empty(t, saved.Error)
	assert.Zero(t, saved.FailedAttempts)
	assert.Equal(t, `"v1"`, saved.ETag)
	assert.Equal(t, "Tue, 15 Nov 1994 08:12:31 GMT", saved.Modified)
	assert.Equal(t, "https://hub.example.com/", saved.Hub)
	assert.Equal(t, 2, saved.Subscribers)
	assert.NotNil(t, saved.LastUpdate)
	assert.NotNil(t, saved.LastLoop)

	due, err := e.jobs.Due(ctx, url)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), due, time.Minute)

	require.Len(t, e.ingestor.calls, 1)
	assert.Len(t, e.ingestor.calls[0].feeds, 2)
	assert.Len(t, e.ingestor.calls[0].entries, 3)
	assert.Equal(t, []string{url}, e.hubs.topics)
	assert.Equal(t, []string{"https://hub.example.com/"}, e.hubs.hubs)

	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestUpdateNotModified(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, `"v1"`, r.Header.Get("If-None-Match"))
		w.WriteHeader(http.StatusNotModified)
	}))
	defer server.Close()

	job := models.NewJob(server.URL, 1)
	job.ETag = `"v1"`
	job.BackoffFactor = 2
	e.schedule(t, job)
	e.expectCount(server.URL, 1)

	require.NoError(t, e.updater.Update(ctx, server.URL))

	saved, err := e.jobs.Get(ctx, server.URL)
	require.NoError(t, err)
	assert.Equal(t, 1, saved.BackoffFactor)
	assert.Equal(t, `"v1"`, saved.ETag)
	assert.Empty(t, e.ingestor.calls)
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestUpdateBadGatewayBacksOff(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	e.schedule(t, models.NewJob(server.URL, 1))
	for i := 1; i <= 5; i++ {
		e.expectCount(server.URL, 1)
		require.NoError(t, e.updater.Update(ctx, server.URL))

		saved, err := e.jobs.Get(ctx, server.URL)
		require.NoError(t, err)
		assert.Equal(t, i+1, saved.BackoffFactor)
		assert.Equal(t, "502", saved.Error)
		assert.Equal(t, i, saved.FailedAttempts)
	}

	due, err := e.jobs.Due(ctx, server.URL)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(6*time.Hour), due, time.Minute)
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestUpdateRecordsParseError(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"broken"`)
		w.Write([]byte("this is not a feed"))
	}))
	defer server.Close()

	e.schedule(t, models.NewJob(server.URL, 1))
	e.expectCount(server.URL, 1)

	require.NoError(t, e.updater.Update(ctx, server.URL))

	saved, err := e.jobs.Get(ctx, server.URL)
	require.NoError(t, err)
	assert.Equal(t, "parse error", saved.Error)
	assert.Equal(t, 2, saved.BackoffFactor)
	assert.Empty(t, saved.ETag)
	assert.Empty(t, e.hubs.topics)
}

func TestUpdateIngestFailureKeepsValidators(t *testing.T) {
	e := newEnv(t)
	e.ingestor.err = errors.New("database unavailable")
	ctx := context.Background()
	body := test.Fixture(t, "rss_hub.xml")

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v2"`)
		w.Write(body)
	}))
	defer server.Close()

	job := models.NewJob(server.URL, 1)
	job.ETag = `"v1"`
	e.schedule(t, job)
	e.expectCount(server.URL, 1)
	e.expectFeeds(server.URL, 1)

	require.NoError(t, e.updater.Update(ctx, server.URL))

	saved, err := e.jobs.Get(ctx, server.URL)
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, saved.ETag)
	assert.Nil(t, saved.LastUpdate)
	assert.Equal(t, policy.ErrorIngest, saved.Error)
	assert.Equal(t, 1, saved.BackoffFactor)
	assert.Empty(t, e.hubs.topics)

	due, err := e.jobs.Due(ctx, server.URL)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), due, time.Minute)
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestUpdateRateLimitedHonorsRetryAfter(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3600")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	job := models.NewJob(server.URL, 1)
	job.BackoffFactor = 3
	job.Error = "502"
	job.FailedAttempts = 2
	e.schedule(t, job)
	e.expectCount(server.URL, 1)

	require.NoError(t, e.updater.Update(ctx, server.URL))

	saved, err := e.jobs.Get(ctx, server.URL)
	require.NoError(t, err)
	assert.Equal(t, 3, saved.BackoffFactor)
	assert.Equal(t, "502", saved.Error)
	assert.Equal(t, 2, saved.FailedAttempts)
	assert.False(t, saved.Muted)

	due, err := e.jobs.Due(ctx, server.URL)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), due, time.Minute)
	assert.Empty(t, e.ingestor.calls)
	assert.Empty(t, e.hubs.topics)
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestUpdateGoneMutesJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	defer server.Close()

	e.schedule(t, models.NewJob(server.URL, 1))
	e.expectCount(server.URL, 1)

	require.NoError(t, e.updater.Update(ctx, server.URL))

	saved, err := e.jobs.Get(ctx, server.URL)
	require.NoError(t, err)
	assert.True(t, saved.Muted)
	assert.Equal(t, policy.ReasonGone, saved.MutedReason)
	assert.Equal(t, "410", saved.Error)

	due, err := e.jobs.Due(ctx, server.URL)
	require.NoError(t, err)
	assert.True(t, due.IsZero())

	pending, err := e.jobs.Pending(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, pending)

	urls, err := e.jobs.URLs(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{server.URL}, urls)
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestUpdatePermanentRedirectMovesJob(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	body := test.Fixture(t, "atom_hub.xml")

	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	oldURL, newURL := server.URL+"/old", server.URL+"/new"

	e.schedule(t, models.NewJob(oldURL, 2))
	e.expectCount(oldURL, 2)
	e.mock.ExpectBegin()
	e.mock.ExpectQuery(`SELECT f.id AS old_id, g.id AS new_id FROM feeds f JOIN feeds g`).WithArgs(oldURL, newURL).
		WillReturnRows(sqlmock.NewRows([]string{"old_id", "new_id"}))
	e.mock.ExpectExec(`UPDATE feeds SET url = \$2 WHERE url = \$1`).WithArgs(oldURL, newURL).
		WillReturnResult(sqlmock.NewResult(0, 2))
	e.mock.ExpectExec(`DELETE FROM unique_feeds WHERE url = \$1`).WithArgs(oldURL).
		WillReturnResult(sqlmock.NewResult(0, 0))
	e.mock.ExpectExec(`DELETE FROM hub_subscriptions WHERE topic = \$1`).WithArgs(oldURL).
		WillReturnResult(sqlmock.NewResult(0, 0))
	e.mock.ExpectCommit()
	e.expectCount(newURL, 2)
	e.expectFeeds(newURL, 1, 2)

	require.NoError(t, e.updater.Update(ctx, oldURL))

	_, err := e.jobs.Get(ctx, oldURL)
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
	moved, err := e.jobs.Get(ctx, newURL)
	require.NoError(t, err)
	assert.Equal(t, 2, moved.Subscribers)
	assert.Equal(t, "https://pubsubhubbub.appspot.com/", moved.Hub)

	require.Len(t, e.ingestor.calls, 1)
	assert.Equal(t, newURL, e.ingestor.calls[0].url)
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestUpdateTemporaryRedirectKeepsURL(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	body := test.Fixture(t, "rss_hub.xml")

	mux := http.NewServeMux()
	mux.HandleFunc("/feed", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	})
	mux.HandleFunc("/elsewhere", func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	})
	server := httptest.NewServer(mux)
	defer server.Close()
	url := server.URL + "/feed"

	e.schedule(t, models.NewJob(url, 1))
	e.expectCount(url, 1)
	e.expectFeeds(url, 1)

	require.NoError(t, e.updater.Update(ctx, url))

	_, err := e.jobs.Get(ctx, url)
	require.NoError(t, err)
	require.Len(t, e.ingestor.calls, 1)
	assert.Equal(t, url, e.ingestor.calls[0].url)
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestUpdateDropsJobWithoutSubscribers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	url := "http://example.com/feed"

	e.schedule(t, models.NewJob(url, 1))
	e.expectCount(url, 0)

	require.NoError(t, e.updater.Update(ctx, url))

	_, err := e.jobs.Get(ctx, url)
	assert.ErrorIs(t, err, jobstore.ErrNotFound)
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestUpdateSkipsMutedAndMissingJobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	job := models.NewJob("http://example.com/gone", 1)
	job.Muted = true
	job.MutedReason = policy.ReasonGone
	e.schedule(t, job)

	require.NoError(t, e.updater.Update(ctx, job.URL))
	require.NoError(t, e.updater.Update(ctx, "http://example.com/unknown"))
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestIngestContentUsesSharedPath(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	url := "http://example.com/feed"
	body := test.Fixture(t, "rss_hub.xml")

	due := time.Now().Add(45 * time.Minute).Truncate(time.Millisecond)
	require.NoError(t, e.jobs.Schedule(ctx, models.NewJob(url, 1), due))

	e.expectFeeds(url, 1)
	e.expectFeeds(url, 1)

	require.NoError(t, e.updater.IngestContent(ctx, url, body))
	require.NoError(t, e.updater.IngestContent(ctx, url, body))

	require.Len(t, e.ingestor.calls, 2)
	assert.Equal(t, e.ingestor.calls[0].entries, e.ingestor.calls[1].entries)

	saved, err := e.jobs.Get(ctx, url)
	require.NoError(t, err)
	assert.Equal(t, "https://hub.example.com/", saved.Hub)
	assert.NotNil(t, saved.LastUpdate)

	got, err := e.jobs.Due(ctx, url)
	require.NoError(t, err)
	assert.True(t, due.Equal(got))
	assert.NoError(t, e.mock.ExpectationsWereMet())
}

func TestIngestContentRejectsGarbage(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	url := "http://example.com/feed"
	e.schedule(t, models.NewJob(url, 1))

	err := e.updater.IngestContent(ctx, url, []byte("<html>nope"))
	assert.Error(t, err)
	assert.Empty(t, e.ingestor.calls)
}
