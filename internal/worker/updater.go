package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"feedfanout/internal/db"
	"feedfanout/internal/fetcher"
	"feedfanout/internal/ingest"
	"feedfanout/internal/jobstore"
	"feedfanout/internal/metrics"
	"feedfanout/internal/models"
	"feedfanout/internal/parser"
	"feedfanout/internal/policy"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
)

type Fetcher interface {
	Fetch(ctx context.Context, req fetcher.Request) *fetcher.Response
}

type Ingestor interface {
	Ingest(ctx context.Context, url string, entries []parser.Entry, feeds []models.Feed) (*ingest.Result, error)
}

type HubManager interface {
	EnsureSubscribed(ctx context.Context, topic, hub string) (bool, error)
}

// Deps are the collaborators of an Updater.
type Deps struct {
	Jobs     *jobstore.Store
	DB       *db.Store
	Fetcher  Fetcher
	Parser   *parser.Parser
	Ingestor Ingestor
	Hubs     HubManager
	Policy   policy.Policy
}

// Updater runs one feed URL through fetch, parse, ingest and reschedule. The
// poll path and the push path both end in ingestDocument, so the same
// content arriving both ways is only stored once.
type Updater struct {
	Deps
	now func() time.Time
}

func NewUpdater(deps Deps) *Updater {
	if deps.Parser == nil {
		deps.Parser = parser.New()
	}
	return &Updater{Deps: deps, now: time.Now}
}

// Update polls url once. Fetch and parse failures are recorded on the job
// and never returned; an error means the job could not be loaded or saved.
func (u *Updater) Update(ctx context.Context, url string) error {
	logger := log.WithField("url", url)

	job, err := u.Jobs.Get(ctx, url)
	if errors.Is(err, jobstore.ErrNotFound) {
		logger.Debug("job vanished before update")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Muted {
		return nil
	}

	count, err := u.DB.CountSubscribers(ctx, url)
	if err != nil {
		return err
	}
	if count == 0 {
		logger.Info("no subscribers left, dropping job")
		return u.Jobs.Delete(ctx, url)
	}
	job.Subscribers = count

	start := u.now()
	resp := u.Fetcher.Fetch(ctx, fetcher.Request{
		URL:         job.URL,
		ETag:        job.ETag,
		Modified:    job.Modified,
		Subscribers: job.Subscribers,
	})
	metrics.FetchDuration.Observe(time.Since(start).Seconds())

	if movedPermanently(resp) && resp.PermanentURL != job.URL {
		if job, err = u.move(ctx, job, resp.PermanentURL); err != nil {
			return err
		}
		logger = log.WithField("url", job.URL)
	}

	outcome := policy.Outcome{Status: resp.Status, Kind: resp.Kind, RetryAfter: resp.RetryAfter}
	if resp.Kind == fetcher.KindNone && resp.Status == http.StatusOK {
		doc, err := u.Parser.Parse(resp.Body)
		if err != nil {
			logger.Warnf("failed to parse feed: %v", err)
			outcome.Kind = fetcher.KindParse
		} else {
			u.describe(&job, doc)
			if result, err := u.ingestDocument(ctx, job.URL, doc); err != nil {
				// Validators stay as they were so the next poll refetches.
				logger.Errorf("failed to ingest feed: %v", err)
				outcome.IngestFailed = true
			} else {
				job.ETag = resp.ETag
				job.Modified = resp.Modified
				if result.Created > 0 {
					t := u.now().UTC()
					job.LastUpdate = &t
				}
				logger.WithField("created", result.Created).Debug("ingested feed")
			}
		}
	}
	metrics.Fetches.WithLabelValues(outcomeLabel(outcome)).Inc()

	now := u.now()
	wasMuted := job.Muted
	job, due := u.Policy.Apply(job, outcome, now)
	loop := now.UTC()
	job.LastLoop = &loop
	if job.Muted && !wasMuted {
		metrics.JobsMuted.WithLabelValues(job.MutedReason).Inc()
		logger.WithFields(log.Fields{"reason": job.MutedReason, "error": job.Error}).Warn("muting feed")
	}

	if err := u.Jobs.Schedule(ctx, job, due); err != nil {
		return err
	}

	if job.Hub != "" && outcome.Success() && !outcome.IngestFailed {
		if _, err := u.Hubs.EnsureSubscribed(ctx, job.URL, job.Hub); err != nil {
			logger.WithField("hub", job.Hub).Warnf("failed to ensure hub subscription: %v", err)
		}
	}
	return nil
}

// IngestContent stores a document pushed by a hub for topic. Only the feed
// description fields of the job are written; its schedule and failure state
// belong to the poll path.
func (u *Updater) IngestContent(ctx context.Context, topic string, body []byte) error {
	logger := log.WithField("url", topic)

	job, err := u.Jobs.Get(ctx, topic)
	if errors.Is(err, jobstore.ErrNotFound) {
		logger.Info("push for unknown topic ignored")
		return nil
	}
	if err != nil {
		return err
	}
	if job.Muted {
		logger.Debug("push for muted topic ignored")
		return nil
	}

	doc, err := u.Parser.Parse(body)
	if err != nil {
		return fmt.Errorf("failed to parse pushed content for %s: %v: %w", topic, err, asynq.SkipRetry)
	}

	u.describe(&job, doc)
	result, err := u.ingestDocument(ctx, topic, doc)
	if err != nil {
		return err
	}
	if result.Created > 0 {
		t := u.now().UTC()
		job.LastUpdate = &t
	}
	logger.WithField("created", result.Created).Info("ingested pushed content")
	err = u.Jobs.SaveFeedInfo(ctx, job)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil
	}
	return err
}

func (u *Updater) ingestDocument(ctx context.Context, url string, doc *parser.Document) (*ingest.Result, error) {
	feeds, err := u.DB.SubscribingFeeds(ctx, url)
	if err != nil {
		return nil, err
	}
	if doc.Skipped > 0 {
		log.WithFields(log.Fields{"url": url, "skipped": doc.Skipped}).Debug("skipped entries without identity")
	}
	return u.Ingestor.Ingest(ctx, url, doc.Entries, feeds)
}

// move rewrites every reference to job.URL to newURL, in the relational
// store first and then in the job store.
func (u *Updater) move(ctx context.Context, job models.UniqueFeedJob, newURL string) (models.UniqueFeedJob, error) {
	oldURL := job.URL
	moved, err := u.DB.RewriteFeedURL(ctx, oldURL, newURL)
	if err != nil {
		return job, err
	}

	job.URL = newURL
	if count, err := u.DB.CountSubscribers(ctx, newURL); err == nil {
		job.Subscribers = count
	}
	if err := u.Jobs.Rename(ctx, oldURL, job); err != nil {
		return job, err
	}
	log.WithFields(log.Fields{"from": oldURL, "to": newURL, "feeds": moved}).Info("feed moved permanently")
	return job, nil
}

func (u *Updater) describe(job *models.UniqueFeedJob, doc *parser.Document) {
	if doc.Title != "" {
		job.Title = doc.Title
	}
	if doc.Link != "" {
		job.Link = doc.Link
	}
	job.Hub = doc.Hub
}

func movedPermanently(resp *fetcher.Response) bool {
	if resp.Redirect != fetcher.RedirectPermanent || resp.Kind != fetcher.KindNone {
		return false
	}
	return resp.Status == http.StatusOK || resp.Status == http.StatusNotModified
}

func outcomeLabel(o policy.Outcome) string {
	switch {
	case o.Success() && o.Status == http.StatusNotModified:
		return "not_modified"
	case o.Success():
		return "ok"
	case o.Kind == fetcher.KindStatus || o.Kind == fetcher.KindNone:
		return "status_" + fetcher.KindStatus.Code(o.Status)
	}
	return o.Kind.String()
}
