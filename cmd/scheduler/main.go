package main

import (
	"errors"
	"os"

	"feedfanout/internal/config"
	"feedfanout/pkg/tasks"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
)

// CommitSHA is set at build time via ldflags
var CommitSHA = "unknown"

type entry struct {
	spec string
	task *asynq.Task
	opts []asynq.Option
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal(err)
	}
	config.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	scheduler := asynq.NewScheduler(
		cfg.AsynqRedis(),
		&asynq.SchedulerOpts{
			PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
				if err != nil {
					log.Errorf("failed to enqueue scheduled task: %v", err)
				}
			},
		},
	)

	entries := []entry{
		// Dispatch runs often; a missed tick is simply covered by the next one.
		{cfg.DispatchSpec, tasks.NewDispatchTask(), []asynq.Option{asynq.Queue("critical"), asynq.MaxRetry(0)}},
		{"@every 1h", tasks.NewReconcileTask(), []asynq.Option{asynq.Queue("low")}},
		{"@every 6h", tasks.NewCleanupJobsTask(), []asynq.Option{asynq.Queue("low")}},
		{"@daily", tasks.NewCleanupQueueTask(), []asynq.Option{asynq.Queue("low")}},
		{"@every 30m", tasks.NewBackupJobsTask(), []asynq.Option{asynq.Queue("low")}},
	}
	for _, e := range entries {
		if _, err := scheduler.Register(e.spec, e.task, e.opts...); err != nil {
			log.Fatalf("could not register task %s: %v", e.task.Type(), err)
		}
	}

	log.Infof("Scheduler starting (commit: %s)", CommitSHA)
	if err := scheduler.Run(); err != nil {
		log.Fatalf("could not run scheduler: %v", err)
	}
}
