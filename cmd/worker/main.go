package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"feedfanout/internal/config"
	"feedfanout/internal/db"
	"feedfanout/internal/fetcher"
	"feedfanout/internal/hub"
	"feedfanout/internal/ingest"
	"feedfanout/internal/jobstore"
	"feedfanout/internal/parser"
	"feedfanout/internal/policy"
	"feedfanout/internal/worker"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// CommitSHA is set at build time via ldflags
var CommitSHA = "unknown"

func main() {
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, config.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal(err)
	}
	config.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	store, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("could not connect to database: %v", err)
	}
	defer store.Close()

	rdb := cfg.NewRedis()
	defer rdb.Close()

	client := asynq.NewClient(cfg.AsynqRedis())
	defer client.Close()
	inspector := asynq.NewInspector(cfg.AsynqRedis())
	defer inspector.Close()

	jobs := jobstore.New(rdb, cfg.RedisPrefix)

	hubs := hub.NewManager(store, cfg.CallbackBaseURL, cfg.HubLease)
	hubClient := &http.Client{Timeout: cfg.FetchTimeout}
	hubs.Register(hub.KindWebSub, hub.NewWebSub(hubClient))
	if cfg.SuperfeedrUser != "" {
		hubs.Register(hub.KindSuperfeedr, hub.NewSuperfeedr(hubClient, cfg.SuperfeedrUser, cfg.SuperfeedrToken))
	}

	updater := worker.NewUpdater(worker.Deps{
		Jobs: jobs,
		DB:   store,
		Fetcher: fetcher.New(fetcher.Config{
			Timeout:   cfg.FetchTimeout,
			UserAgent: cfg.UserAgent,
			SiteURL:   cfg.CallbackBaseURL,
			HostRate:  cfg.HostRate,
			HostBurst: cfg.HostBurst,
		}),
		Parser: parser.New(),
		Ingestor: ingest.New(store, jobstore.NewMarkers(rdb, cfg.RedisPrefix), ingest.Config{
			LookbackWindow:     cfg.LookbackWindow,
			TitleFallbackLimit: cfg.TitleFallbackLimit,
		}),
		Hubs:   hubs,
		Policy: policy.New(cfg.TimeoutBase),
	})
	maintainer := worker.NewMaintainer(jobs, store, inspector, time.Duration(cfg.QueueRetentionDays)*24*time.Hour)

	srv := asynq.NewServer(
		cfg.AsynqRedis(),
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues: map[string]int{
				"critical": 3,
				"default":  2,
				"low":      1,
			},
			// Only maintenance and push tasks are retried; updates run
			// with MaxRetry(0) and come back through the schedule.
			RetryDelayFunc: func(n int, err error, task *asynq.Task) time.Duration {
				delay := 30 * time.Second
				maxDelay := 30 * time.Minute

				for i := 0; i < n; i++ {
					delay *= 2
					if delay > maxDelay {
						delay = maxDelay
						break
					}
				}

				log.WithFields(log.Fields{"type": task.Type(), "attempt": n + 1}).Warnf("task failed, retrying in %v: %v", delay, err)
				return delay
			},
		},
	)

	mux := asynq.NewServeMux()
	taskHandler := worker.NewTaskHandler(client, updater, maintainer, worker.Config{
		PendingLimit:     cfg.PendingLimit,
		RescheduleWindow: cfg.RescheduleWindow,
		UpdateTimeout:    cfg.FetchTimeout * 6,
	})
	taskHandler.Register(mux)

	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		log.Infof("Serving metrics on %s", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, metricsMux); err != nil {
			log.Errorf("metrics server stopped: %v", err)
		}
	}()

	log.Infof("Worker starting (commit: %s)", CommitSHA)
	if err := srv.Run(mux); err != nil {
		log.Fatalf("could not run server: %v", err)
	}
}
