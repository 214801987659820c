package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"feedfanout/internal/metrics"
	"feedfanout/pkg/tasks"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	PendingLimit     int
	RescheduleWindow time.Duration
	// UpdateTimeout bounds one feed:update task, fetch and ingest included.
	UpdateTimeout time.Duration
}

type TaskHandler struct {
	asynqClient tasks.TaskEnqueuer
	updater     *Updater
	maintainer  *Maintainer
	cfg         Config
}

func NewTaskHandler(client tasks.TaskEnqueuer, updater *Updater, maintainer *Maintainer, cfg Config) *TaskHandler {
	return &TaskHandler{asynqClient: client, updater: updater, maintainer: maintainer, cfg: cfg}
}

// Register wires every task type to its handler.
func (h *TaskHandler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(tasks.TypeUpdateFeed, h.HandleUpdateFeedTask)
	mux.HandleFunc(tasks.TypePushContent, h.HandlePushContentTask)
	mux.HandleFunc(tasks.TypeDispatch, h.HandleDispatchTask)
	mux.HandleFunc(tasks.TypeReconcile, h.HandleReconcileTask)
	mux.HandleFunc(tasks.TypeCleanupJobs, h.HandleCleanupJobsTask)
	mux.HandleFunc(tasks.TypeCleanupQueue, h.HandleCleanupQueueTask)
	mux.HandleFunc(tasks.TypeBackupJobs, h.HandleBackupJobsTask)
}

func (h *TaskHandler) HandleUpdateFeedTask(ctx context.Context, t *asynq.Task) error {
	var p tasks.UpdateFeedTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	return h.updater.Update(ctx, p.URL)
}

func (h *TaskHandler) HandlePushContentTask(ctx context.Context, t *asynq.Task) error {
	var p tasks.PushContentTaskPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("failed to unmarshal task payload: %v: %w", err, asynq.SkipRetry)
	}
	return h.updater.IngestContent(ctx, p.Topic, p.Body)
}

// HandleDispatchTask leases due jobs and enqueues one update per URL. The
// lease keeps a URL from being dispatched twice, so updates are never
// retried by the queue; a failed update is simply picked up again once the
// lease runs out.
func (h *TaskHandler) HandleDispatchTask(ctx context.Context, t *asynq.Task) error {
	jobs, err := h.updater.Jobs.Pending(ctx, h.cfg.PendingLimit, h.cfg.RescheduleWindow)
	if err != nil {
		return err
	}

	opts := []asynq.Option{asynq.MaxRetry(0)}
	if h.cfg.UpdateTimeout > 0 {
		opts = append(opts, asynq.Timeout(h.cfg.UpdateTimeout))
	}

	dispatched := 0
	for _, job := range jobs {
		task, err := tasks.NewUpdateFeedTask(job.URL)
		if err != nil {
			log.WithField("url", job.URL).Errorf("failed to create update task: %v", err)
			continue
		}
		if _, err := h.asynqClient.Enqueue(task, opts...); err != nil {
			log.WithField("url", job.URL).Errorf("failed to enqueue update task: %v", err)
			continue
		}
		dispatched++
	}
	metrics.JobsDispatched.Add(float64(dispatched))

	if dispatched > 0 {
		log.WithField("count", dispatched).Debug("dispatched feed updates")
	}
	return nil
}

func (h *TaskHandler) HandleReconcileTask(ctx context.Context, t *asynq.Task) error {
	_, _, err := h.maintainer.Reconcile(ctx)
	return err
}

func (h *TaskHandler) HandleCleanupJobsTask(ctx context.Context, t *asynq.Task) error {
	_, err := h.maintainer.CleanupJobs(ctx)
	return err
}

func (h *TaskHandler) HandleCleanupQueueTask(ctx context.Context, t *asynq.Task) error {
	_, err := h.maintainer.CleanupQueue(ctx)
	return err
}

func (h *TaskHandler) HandleBackupJobsTask(ctx context.Context, t *asynq.Task) error {
	_, err := h.maintainer.Backup(ctx)
	return err
}
