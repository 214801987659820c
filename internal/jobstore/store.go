// Package jobstore keeps per-URL scheduling state in Redis: one hash of job
// metadata per URL, a sorted set of due times, and a set of every known URL.
package jobstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"feedfanout/internal/models"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("job not found")

// pendingScript leases up to ARGV[2] due URLs by pushing their score to
// ARGV[3]. Running as one script makes the read and the re-score atomic.
var pendingScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, url in ipairs(due) do
	redis.call('ZADD', KEYS[1], ARGV[3], url)
end
return due
`)

// updateScript sets ARGV field/value pairs on an existing job hash. A job
// deleted in the meantime is not recreated.
var updateScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

type Store struct {
	rdb    redis.UniversalClient
	prefix string
	now    func() time.Time
}

func New(rdb redis.UniversalClient, prefix string) *Store {
	return &Store{rdb: rdb, prefix: prefix, now: time.Now}
}

func (s *Store) scheduleKey() string { return s.prefix + "schedule" }
func (s *Store) urlsKey() string { return s.prefix + "urls" }
func (s *Store) jobKey(url string) string { return s.prefix + "job:" + url }

func score(t time.Time) float64 { return float64(t.UnixMilli()) }

// Schedule stores the job and sets its next due time. Muted jobs keep their
// metadata but are taken off the schedule.
func (s *Store) Schedule(ctx context.Context, job models.UniqueFeedJob, due time.Time) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.jobKey(job.URL), encode(job))
		pipe.SAdd(ctx, s.urlsKey(), job.URL)
		if job.Muted {
			pipe.ZRem(ctx, s.scheduleKey(), job.URL)
		} else {
			pipe.ZAdd(ctx, s.scheduleKey(), redis.Z{Score: score(due), Member: job.URL})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", job.URL, err)
	}
	return nil
}

// SaveFeedInfo stores what a fetched document says about the feed: title,
// link, hub and, when set, the last update time. Schedule, backoff and mute
// state are left to the poll path.
func (s *Store) SaveFeedInfo(ctx context.Context, job models.UniqueFeedJob) error {
	if err := s.update(ctx, job.URL, encodeFeedInfo(job)); err != nil {
		return fmt.Errorf("failed to save feed info for %s: %w", job.URL, err)
	}
	return nil
}

// SetSubscribers updates the subscriber count of an existing job.
func (s *Store) SetSubscribers(ctx context.Context, url string, n int) error {
	if err := s.update(ctx, url, map[string]interface{}{"subscribers": n}); err != nil {
		return fmt.Errorf("failed to set subscribers for %s: %w", url, err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, url string, fields map[string]interface{}) error {
	args := make([]interface{}, 0, 2*len(fields))
	for k, v := range fields {
		args = append(args, k, v)
	}
	n, err := updateScript.Run(ctx, s.rdb, []string{s.jobKey(url)}, args...).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Pending leases up to limit due jobs, earliest first. Each returned job is
// pushed window into the future, so concurrent callers never receive the
// same URL until the lease runs out.
func (s *Store) Pending(ctx context.Context, limit int, window time.Duration) ([]models.UniqueFeedJob, error) {
	now := s.now()
	urls, err := pendingScript.Run(ctx, s.rdb, []string{s.scheduleKey()},
		strconv.FormatFloat(score(now), 'f', 0, 64),
		limit,
		strconv.FormatFloat(score(now.Add(window)), 'f', 0, 64),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to lease pending jobs: %w", err)
	}
	return s.load(ctx, urls)
}

func (s *Store) Get(ctx context.Context, url string) (models.UniqueFeedJob, error) {
	fields, err := s.rdb.HGetAll(ctx, s.jobKey(url)).Result()
	if err != nil {
		return models.UniqueFeedJob{}, fmt.Errorf("failed to get job %s: %w", url, err)
	}
	if len(fields) == 0 {
		return models.UniqueFeedJob{}, ErrNotFound
	}
	return decode(url, fields), nil
}

// Due returns the next due time, or the zero time for unscheduled jobs.
func (s *Store) Due(ctx context.Context, url string) (time.Time, error) {
	ms, err := s.rdb.ZScore(ctx, s.scheduleKey(), url).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to get due time for %s: %w", url, err)
	}
	return time.UnixMilli(int64(ms)), nil
}

func (s *Store) Delete(ctx context.Context, url string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.jobKey(url))
		pipe.ZRem(ctx, s.scheduleKey(), url)
		pipe.SRem(ctx, s.urlsKey(), url)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete job %s: %w", url, err)
	}
	return nil
}

// URLs returns every known job URL, muted ones included.
func (s *Store) URLs(ctx context.Context) ([]string, error) {
	urls, err := s.rdb.SMembers(ctx, s.urlsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list job urls: %w", err)
	}
	return urls, nil
}

// All loads every job.
func (s *Store) All(ctx context.Context) ([]models.UniqueFeedJob, error) {
	urls, err := s.URLs(ctx)
	if err != nil {
		return nil, err
	}
	return s.load(ctx, urls)
}

// Rename moves a job to job.URL, keeping its due time.
func (s *Store) Rename(ctx context.Context, oldURL string, job models.UniqueFeedJob) error {
	due, err := s.Due(ctx, oldURL)
	if err != nil {
		return err
	}
	if due.IsZero() {
		due = s.now()
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.jobKey(oldURL))
		pipe.ZRem(ctx, s.scheduleKey(), oldURL)
		pipe.SRem(ctx, s.urlsKey(), oldURL)
		pipe.HSet(ctx, s.jobKey(job.URL), encode(job))
		pipe.SAdd(ctx, s.urlsKey(), job.URL)
		if !job.Muted {
			pipe.ZAdd(ctx, s.scheduleKey(), redis.Z{Score: score(due), Member: job.URL})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to rename job %s to %s: %w", oldURL, job.URL, err)
	}
	return nil
}

// Resurrect unmutes a job, clears its failure history and makes it due now.
func (s *Store) Resurrect(ctx context.Context, url string) (models.UniqueFeedJob, error) {
	job, err := s.Get(ctx, url)
	if err != nil {
		return job, err
	}
	job.Muted = false
	job.MutedReason = ""
	job.Error = ""
	job.BackoffFactor = 1
	job.FailedAttempts = 0
	return job, s.Schedule(ctx, job, s.now())
}

// load fetches metadata for urls in one round trip. URLs whose hash has
// vanished in the meantime are skipped.
func (s *Store) load(ctx context.Context, urls []string) ([]models.UniqueFeedJob, error) {
	if len(urls) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(urls))
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, url := range urls {
			cmds[i] = pipe.HGetAll(ctx, s.jobKey(url))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}

	jobs := make([]models.UniqueFeedJob, 0, len(urls))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		jobs = append(jobs, decode(urls[i], fields))
	}
	return jobs, nil
}
