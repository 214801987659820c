package db

import (
	"context"
	"fmt"

	"feedfanout/internal/models"

	"github.com/jmoiron/sqlx"
)

const jobColumns = `url, etag, modified, backoff_factor, error, muted, muted_reason, hub, title, link,
	last_update, last_loop, subscribers, failed_attempts`

// BackupJobs upserts a snapshot of job metadata into unique_feeds.
func (s *Store) BackupJobs(ctx context.Context, jobs []models.UniqueFeedJob) error {
	query := `
		INSERT INTO unique_feeds (` + jobColumns + `, backed_up_at)
		VALUES (:url, :etag, :modified, :backoff_factor, :error, :muted, :muted_reason, :hub, :title, :link,
			:last_update, :last_loop, :subscribers, :failed_attempts, NOW())
		ON CONFLICT (url) DO UPDATE SET
			etag = EXCLUDED.etag,
			modified = EXCLUDED.modified,
			backoff_factor = EXCLUDED.backoff_factor,
			error = EXCLUDED.error,
			muted = EXCLUDED.muted,
			muted_reason = EXCLUDED.muted_reason,
			hub = EXCLUDED.hub,
			title = EXCLUDED.title,
			link = EXCLUDED.link,
			last_update = EXCLUDED.last_update,
			last_loop = EXCLUDED.last_loop,
			subscribers = EXCLUDED.subscribers,
			failed_attempts = EXCLUDED.failed_attempts,
			backed_up_at = NOW()
	`
	return s.InTx(ctx, func(tx *sqlx.Tx) error {
		for _, job := range jobs {
			if _, err := tx.NamedExecContext(ctx, query, job); err != nil {
				return fmt.Errorf("failed to back up job %s: %w", job.URL, err)
			}
		}
		return nil
	})
}

func (s *Store) JobBackups(ctx context.Context) ([]models.UniqueFeedJob, error) {
	var jobs []models.UniqueFeedJob
	if err := s.DB.SelectContext(ctx, &jobs, "SELECT "+jobColumns+" FROM unique_feeds ORDER BY url"); err != nil {
		return nil, fmt.Errorf("failed to load job backups: %w", err)
	}
	return jobs, nil
}

func (s *Store) JobBackup(ctx context.Context, url string) (models.UniqueFeedJob, error) {
	var job models.UniqueFeedJob
	if err := s.DB.GetContext(ctx, &job, "SELECT "+jobColumns+" FROM unique_feeds WHERE url = $1", url); err != nil {
		return job, fmt.Errorf("failed to load job backup %s: %w", url, err)
	}
	return job, nil
}

// UnmuteJobBackup clears the mute flag so reconciliation treats url as active.
func (s *Store) UnmuteJobBackup(ctx context.Context, url string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE unique_feeds
		SET muted = FALSE, muted_reason = '', error = '', failed_attempts = 0, backoff_factor = 1
		WHERE url = $1`, url)
	if err != nil {
		return fmt.Errorf("failed to unmute job backup %s: %w", url, err)
	}
	return nil
}

// DeleteOrphanJobBackups removes backups for URLs nobody subscribes to.
func (s *Store) DeleteOrphanJobBackups(ctx context.Context) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM unique_feeds u
		WHERE NOT EXISTS (SELECT 1 FROM feeds f WHERE f.url = u.url)`)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan job backups: %w", err)
	}
	return res.RowsAffected()
}
