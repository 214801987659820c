// Package feeds manages user subscriptions and keeps the job store in step
// with them.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"feedfanout/internal/db"
	"feedfanout/internal/jobstore"
	"feedfanout/internal/models"

	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

var ErrInvalidURL = errors.New("invalid feed url")

type Service struct {
	db      *db.Store
	jobs    *jobstore.Store
	locker  *jobstore.Locker
	lockTTL time.Duration
	now     func() time.Time
}

func NewService(store *db.Store, jobs *jobstore.Store, locker *jobstore.Locker, lockTTL time.Duration) *Service {
	return &Service{db: store, jobs: jobs, locker: locker, lockTTL: lockTTL, now: time.Now}
}

// Subscribe adds url to the user's feeds. A URL nobody polled before gets a
// job due immediately; otherwise the existing job's subscriber count is
// refreshed.
func (s *Service) Subscribe(ctx context.Context, userID int64, rawURL string, categoryID *int64) (models.Feed, error) {
	feedURL, err := normalize(rawURL)
	if err != nil {
		return models.Feed{}, err
	}

	feed, err := s.db.AddFeed(ctx, userID, feedURL, feedURL, categoryID)
	if err != nil {
		return feed, err
	}
	count, err := s.db.CountSubscribers(ctx, feedURL)
	if err != nil {
		return feed, err
	}

	err = s.jobs.SetSubscribers(ctx, feedURL, count)
	if errors.Is(err, jobstore.ErrNotFound) {
		err = s.jobs.Schedule(ctx, models.NewJob(feedURL, count), s.now())
	}
	if err != nil {
		return feed, err
	}

	log.WithFields(log.Fields{"user_id": userID, "url": feedURL, "subscribers": count}).Info("subscribed to feed")
	return feed, nil
}

// Unsubscribe removes one of the user's feeds and drops the job once nobody
// is left.
func (s *Service) Unsubscribe(ctx context.Context, userID, feedID int64) error {
	feedURL, err := s.db.RemoveFeed(ctx, userID, feedID)
	if err != nil {
		return err
	}
	count, err := s.db.CountSubscribers(ctx, feedURL)
	if err != nil {
		return err
	}

	if count == 0 {
		log.WithField("url", feedURL).Info("last subscriber left, dropping job")
		return s.jobs.Delete(ctx, feedURL)
	}

	err = s.jobs.SetSubscribers(ctx, feedURL, count)
	if errors.Is(err, jobstore.ErrNotFound) {
		return nil
	}
	return err
}

// Import subscribes the user to every URL while holding the user's lock.
// A concurrent import for the same user fails with jobstore.ErrLocked.
// Individual failures do not stop the import; they are joined into the
// returned error.
func (s *Service) Import(ctx context.Context, userID int64, urls []string) (int, error) {
	release, err := s.locker.Acquire(ctx, userID, s.lockTTL)
	if err != nil {
		return 0, err
	}
	defer release()

	urls = lo.Uniq(lo.Compact(lo.Map(urls, func(u string, _ int) string { return strings.TrimSpace(u) })))

	added := 0
	var errs []error
	for _, u := range urls {
		if _, err := s.Subscribe(ctx, userID, u, nil); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", u, err))
			continue
		}
		added++
	}

	log.WithFields(log.Fields{"user_id": userID, "added": added, "failed": len(errs)}).Info("imported feeds")
	return added, errors.Join(errs...)
}

// Resurrect brings a muted job back into rotation. A job missing from the
// job store is restored from its backup first.
func (s *Service) Resurrect(ctx context.Context, feedURL string) (models.UniqueFeedJob, error) {
	_, err := s.jobs.Get(ctx, feedURL)
	if errors.Is(err, jobstore.ErrNotFound) {
		backup, berr := s.db.JobBackup(ctx, feedURL)
		if berr != nil {
			return models.UniqueFeedJob{}, fmt.Errorf("%w: %v", jobstore.ErrNotFound, berr)
		}
		if err := s.jobs.Schedule(ctx, backup, s.now()); err != nil {
			return backup, err
		}
	} else if err != nil {
		return models.UniqueFeedJob{}, err
	}

	job, err := s.jobs.Resurrect(ctx, feedURL)
	if err != nil {
		return job, err
	}
	if err := s.db.UnmuteJobBackup(ctx, feedURL); err != nil {
		return job, err
	}

	log.WithField("url", feedURL).Info("resurrected feed")
	return job, nil
}

func normalize(rawURL string) (string, error) {
	rawURL = strings.TrimSpace(rawURL)
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	u.Fragment = ""
	return u.String(), nil
}
