package tasks

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	TypeUpdateFeed   = "feed:update"
	TypePushContent  = "feed:push"
	TypeDispatch     = "feeds:dispatch"
	TypeReconcile    = "jobs:reconcile"
	TypeCleanupJobs  = "jobs:cleanup"
	TypeCleanupQueue = "queue:cleanup"
	TypeBackupJobs   = "jobs:backup"
)

type UpdateFeedTaskPayload struct {
	URL string
}

func NewUpdateFeedTask(url string) (*asynq.Task, error) {
	payload, err := json.Marshal(UpdateFeedTaskPayload{URL: url})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeUpdateFeed, payload), nil
}

// PushContentTaskPayload carries a body delivered by a hub for topic.
type PushContentTaskPayload struct {
	Topic string
	Body  []byte
}

func NewPushContentTask(topic string, body []byte) (*asynq.Task, error) {
	payload, err := json.Marshal(PushContentTaskPayload{Topic: topic, Body: body})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePushContent, payload), nil
}

func NewDispatchTask() *asynq.Task {
	return asynq.NewTask(TypeDispatch, nil)
}

func NewReconcileTask() *asynq.Task {
	return asynq.NewTask(TypeReconcile, nil)
}

func NewCleanupJobsTask() *asynq.Task {
	return asynq.NewTask(TypeCleanupJobs, nil)
}

func NewCleanupQueueTask() *asynq.Task {
	return asynq.NewTask(TypeCleanupQueue, nil)
}

func NewBackupJobsTask() *asynq.Task {
	return asynq.NewTask(TypeBackupJobs, nil)
}
