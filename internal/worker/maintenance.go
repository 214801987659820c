package worker

import (
	"context"
	"fmt"
	"time"

	"feedfanout/internal/db"
	"feedfanout/internal/jobstore"
	"feedfanout/internal/models"
	"feedfanout/pkg/tasks"

	"github.com/hibiken/asynq"
	"github.com/samber/lo"
	log "github.com/sirupsen/logrus"
)

const inspectPageSize = 500

// Maintainer keeps the job store in line with the relational store and
// prunes what the other components leave behind.
type Maintainer struct {
	jobs      *jobstore.Store
	db        *db.Store
	inspector tasks.QueueInspector
	retention time.Duration
	now       func() time.Time
}

func NewMaintainer(jobs *jobstore.Store, store *db.Store, inspector tasks.QueueInspector, retention time.Duration) *Maintainer {
	return &Maintainer{jobs: jobs, db: store, inspector: inspector, retention: retention, now: time.Now}
}

// Reconcile schedules every subscribed, unmuted URL that has no job and
// drops every job whose URL is no longer in that set.
func (m *Maintainer) Reconcile(ctx context.Context) (added, removed int, err error) {
	active, err := m.db.ActiveURLs(ctx)
	if err != nil {
		return 0, 0, err
	}
	known, err := m.jobs.URLs(ctx)
	if err != nil {
		return 0, 0, err
	}

	missing, stale := lo.Difference(active, known)
	if len(missing) > 0 {
		counts, err := m.db.SubscriberCounts(ctx)
		if err != nil {
			return 0, 0, err
		}
		backups, err := m.db.JobBackups(ctx)
		if err != nil {
			return 0, 0, err
		}
		byURL := lo.KeyBy(backups, func(j models.UniqueFeedJob) string { return j.URL })

		now := m.now()
		for _, url := range missing {
			job, ok := byURL[url]
			if !ok || job.Muted {
				job = models.NewJob(url, 0)
			}
			job.Subscribers = counts[url]
			if err := m.jobs.Schedule(ctx, job, now); err != nil {
				return added, removed, err
			}
			added++
		}
	}

	for _, url := range stale {
		if err := m.jobs.Delete(ctx, url); err != nil {
			return added, removed, err
		}
		removed++
	}

	if added > 0 || removed > 0 {
		log.WithFields(log.Fields{"added": added, "removed": removed}).Info("reconciled jobs")
	}
	return added, removed, nil
}

// CleanupJobs deletes jobs and job backups without any subscriber.
func (m *Maintainer) CleanupJobs(ctx context.Context) (int, error) {
	counts, err := m.db.SubscriberCounts(ctx)
	if err != nil {
		return 0, err
	}
	urls, err := m.jobs.URLs(ctx)
	if err != nil {
		return 0, err
	}

	orphans := lo.Filter(urls, func(url string, _ int) bool { return counts[url] == 0 })
	for _, url := range orphans {
		if err := m.jobs.Delete(ctx, url); err != nil {
			return 0, err
		}
	}

	backups, err := m.db.DeleteOrphanJobBackups(ctx)
	if err != nil {
		return len(orphans), err
	}
	if len(orphans) > 0 || backups > 0 {
		log.WithFields(log.Fields{"jobs": len(orphans), "backups": backups}).Info("removed unsubscribed jobs")
	}
	return len(orphans), nil
}

// CleanupQueue deletes archived and completed tasks older than the
// retention period from every queue.
func (m *Maintainer) CleanupQueue(ctx context.Context) (int, error) {
	if m.inspector == nil {
		return 0, nil
	}
	cutoff := m.now().Add(-m.retention)

	queues, err := m.inspector.Queues()
	if err != nil {
		return 0, fmt.Errorf("failed to list queues: %w", err)
	}

	deleted := 0
	for _, queue := range queues {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}

		archived, err := m.list(queue, m.inspector.ListArchivedTasks)
		if err != nil {
			return deleted, err
		}
		completed, err := m.list(queue, m.inspector.ListCompletedTasks)
		if err != nil {
			return deleted, err
		}

		expired := lo.Filter(archived, func(t *asynq.TaskInfo, _ int) bool { return t.LastFailedAt.Before(cutoff) })
		expired = append(expired, lo.Filter(completed, func(t *asynq.TaskInfo, _ int) bool { return t.CompletedAt.Before(cutoff) })...)

		for _, t := range expired {
			if err := m.inspector.DeleteTask(queue, t.ID); err != nil {
				log.WithFields(log.Fields{"queue": queue, "task_id": t.ID}).Warnf("failed to delete task: %v", err)
				continue
			}
			deleted++
		}
	}

	if deleted > 0 {
		log.WithField("count", deleted).Info("pruned queue bookkeeping")
	}
	return deleted, nil
}

func (m *Maintainer) list(queue string, fn func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error)) ([]*asynq.TaskInfo, error) {
	var all []*asynq.TaskInfo
	for page := 1; ; page++ {
		infos, err := fn(queue, asynq.PageSize(inspectPageSize), asynq.Page(page))
		if err != nil {
			return nil, fmt.Errorf("failed to list tasks in %s: %w", queue, err)
		}
		all = append(all, infos...)
		if len(infos) < inspectPageSize {
			return all, nil
		}
	}
}

// Backup snapshots every job into the relational store.
func (m *Maintainer) Backup(ctx context.Context) (int, error) {
	jobs, err := m.jobs.All(ctx)
	if err != nil {
		return 0, err
	}
	if len(jobs) == 0 {
		return 0, nil
	}
	if err := m.db.BackupJobs(ctx, jobs); err != nil {
		return 0, err
	}
	log.WithField("count", len(jobs)).Debug("backed up jobs")
	return len(jobs), nil
}

// Restore schedules every backed up job the job store does not know,
// due now. Muted jobs come back muted.
func (m *Maintainer) Restore(ctx context.Context) (int, error) {
	backups, err := m.db.JobBackups(ctx)
	if err != nil {
		return 0, err
	}
	known, err := m.jobs.URLs(ctx)
	if err != nil {
		return 0, err
	}
	have := lo.SliceToMap(known, func(url string) (string, struct{}) { return url, struct{}{} })

	now := m.now()
	restored := 0
	for _, job := range backups {
		if _, ok := have[job.URL]; ok {
			continue
		}
		if err := m.jobs.Schedule(ctx, job, now); err != nil {
			return restored, err
		}
		restored++
	}
	log.WithField("count", restored).Info("restored jobs from backup")
	return restored, nil
}
