// Package policy decides how a job's schedule reacts to a fetch outcome.
// Nothing here touches the network or the clock; callers pass in now.
package policy

import (
	"net/http"
	"time"

	"feedfanout/internal/fetcher"
	"feedfanout/internal/models"
)

const (
	DefaultMuteAfter  = 20
	DefaultRetryAfter = 60 * time.Second

	ReasonGone         = "gone"
	ReasonTooManyFails = "too many failures"

	// ErrorIngest is recorded when the fetch worked but nothing could be stored.
	ErrorIngest = "ingest error"
)

// Outcome is what the worker learned from one poll.
type Outcome struct {
	Status     int
	Kind       fetcher.ErrorKind
	RetryAfter time.Duration
	// IngestFailed marks a good fetch whose entries could not be stored.
	IngestFailed bool
}

// Success reports whether the poll produced fresh or unchanged content.
func (o Outcome) Success() bool {
	if o.Kind != fetcher.KindNone {
		return false
	}
	return o.Status == http.StatusOK || o.Status == http.StatusNotModified
}

// httpOnly is true when the outcome is fully described by its status code.
func (o Outcome) httpOnly() bool {
	return o.Kind == fetcher.KindNone || o.Kind == fetcher.KindStatus
}

type Policy struct {
	TimeoutBase       time.Duration
	MaxBackoff        int
	MuteAfter         int
	DefaultRetryAfter time.Duration
}

func New(timeoutBase time.Duration) Policy {
	return Policy{
		TimeoutBase:       timeoutBase,
		MaxBackoff:        models.MaxBackoff,
		MuteAfter:         DefaultMuteAfter,
		DefaultRetryAfter: DefaultRetryAfter,
	}
}

// Apply returns the updated job and its next due time. A zero due time means
// the job was muted and must not be scheduled.
func (p Policy) Apply(job models.UniqueFeedJob, o Outcome, now time.Time) (models.UniqueFeedJob, time.Time) {
	if job.BackoffFactor < 1 {
		job.BackoffFactor = 1
	}

	switch {
	case o.Success() && o.IngestFailed:
		job.Error = ErrorIngest
		return job, now.Add(p.interval(job))

	case o.Success():
		job.BackoffFactor = 1
		job.Error = ""
		job.FailedAttempts = 0
		return job, now.Add(p.interval(job))

	case o.httpOnly() && o.Status == http.StatusGone:
		job.Muted = true
		job.MutedReason = ReasonGone
		job.Error = fetcher.KindStatus.Code(o.Status)
		return job, time.Time{}

	case o.httpOnly() && o.Status == http.StatusTooManyRequests:
		wait := o.RetryAfter
		if wait <= 0 {
			wait = p.DefaultRetryAfter
		}
		return job, now.Add(wait)
	}

	kind := o.Kind
	if kind == fetcher.KindNone {
		kind = fetcher.KindStatus
	}
	job.BackoffFactor = min(p.MaxBackoff, job.BackoffFactor+1)
	job.Error = kind.Code(o.Status)
	job.FailedAttempts++

	if job.FailedAttempts > p.MuteAfter {
		job.Muted = true
		job.MutedReason = ReasonTooManyFails
		return job, time.Time{}
	}
	return job, now.Add(p.interval(job))
}

func (p Policy) interval(job models.UniqueFeedJob) time.Duration {
	return p.TimeoutBase * time.Duration(job.BackoffFactor)
}
