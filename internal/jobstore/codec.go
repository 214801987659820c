package jobstore

import (
	"strconv"
	"time"

	"feedfanout/internal/models"
)

func encode(job models.UniqueFeedJob) map[string]interface{} {
	return map[string]interface{}{
		"etag":            job.ETag,
		"modified":        job.Modified,
		"backoff_factor":  job.BackoffFactor,
		"error":           job.Error,
		"muted":           boolString(job.Muted),
		"muted_reason":    job.MutedReason,
		"hub":             job.Hub,
		"title":           job.Title,
		"link":            job.Link,
		"last_update":     timeString(job.LastUpdate),
		"last_loop":       timeString(job.LastLoop),
		"subscribers":     job.Subscribers,
		"failed_attempts": job.FailedAttempts,
	}
}

func encodeFeedInfo(job models.UniqueFeedJob) map[string]interface{} {
	fields := map[string]interface{}{
		"hub":   job.Hub,
		"title": job.Title,
		"link":  job.Link,
	}
	if job.LastUpdate != nil {
		fields["last_update"] = timeString(job.LastUpdate)
	}
	return fields
}

func decode(url string, fields map[string]string) models.UniqueFeedJob {
	job := models.UniqueFeedJob{
		URL:            url,
		ETag:           fields["etag"],
		Modified:       fields["modified"],
		BackoffFactor:  atoi(fields["backoff_factor"]),
		Error:          fields["error"],
		Muted:          fields["muted"] == "1",
		MutedReason:    fields["muted_reason"],
		Hub:            fields["hub"],
		Title:          fields["title"],
		Link:           fields["link"],
		LastUpdate:     parseTime(fields["last_update"]),
		LastLoop:       parseTime(fields["last_loop"]),
		Subscribers:    atoi(fields["subscribers"]),
		FailedAttempts: atoi(fields["failed_attempts"]),
	}
	if job.BackoffFactor < 1 {
		job.BackoffFactor = 1
	}
	if job.BackoffFactor > models.MaxBackoff {
		job.BackoffFactor = models.MaxBackoff
	}
	return job
}

func boolString(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func timeString(t *time.Time) string {
	if t == nil {
		return ""
	}
	return strconv.FormatInt(t.Unix(), 10)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	secs, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
