package models

import "time"

// MaxBackoff is the upper bound of UniqueFeedJob.BackoffFactor.
const MaxBackoff = 10

// UniqueFeedJob is the single scheduling record for a feed URL, shared by
// every subscriber of that URL.
type UniqueFeedJob struct {
	URL            string     `db:"url"`
	ETag           string     `db:"etag"`
	Modified       string     `db:"modified"`
	BackoffFactor  int        `db:"backoff_factor"`
	Error          string     `db:"error"`
	Muted          bool       `db:"muted"`
	MutedReason    string     `db:"muted_reason"`
	Hub            string     `db:"hub"`
	Title          string     `db:"title"`
	Link           string     `db:"link"`
	LastUpdate     *time.Time `db:"last_update"`
	LastLoop       *time.Time `db:"last_loop"`
	Subscribers    int        `db:"subscribers"`
	FailedAttempts int        `db:"failed_attempts"`
}

// NewJob returns a job with default scheduling metadata.
func NewJob(url string, subscribers int) UniqueFeedJob {
	return UniqueFeedJob{
		URL:           url,
		BackoffFactor: 1,
		Subscribers:   subscribers,
	}
}
