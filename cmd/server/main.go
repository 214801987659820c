package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feedfanout/internal/config"
	"feedfanout/internal/db"
	"feedfanout/internal/handlers"
	"feedfanout/internal/middleware"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("could not connect to database: %v", err)
	}
	defer store.Close()

	client := asynq.NewClient(cfg.AsynqRedis())
	defer client.Close()

	h := handlers.New(store, client, cfg.HubLease)
	limiter := middleware.NewRateLimiterMiddleware(rate.Limit(cfg.PushRate), cfg.PushBurst, "id")

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           h.Router(limiter),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Errorf("failed to shut down server: %v", err)
		}
	}()

	log.Infof("Starting push callback server on :%s (commit: %s)", cfg.Port, CommitSHA)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
}
