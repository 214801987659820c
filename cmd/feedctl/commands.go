package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"feedfanout/internal/config"
	"feedfanout/internal/db"
	"feedfanout/internal/feeds"
	"feedfanout/internal/jobstore"
	"feedfanout/internal/worker"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

type env struct {
	cfg   *config.Config
	store *db.Store
	rdb   *redis.Client
	jobs  *jobstore.Store
}

func open(ctx context.Context) (*env, error) {
	cfg, err := config.Load([]string{})
	if err != nil {
		return nil, err
	}
	config.SetupLogging(cfg.LogLevel, cfg.LogFormat)

	store, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	rdb := cfg.NewRedis()
	return &env{cfg: cfg, store: store, rdb: rdb, jobs: jobstore.New(rdb, cfg.RedisPrefix)}, nil
}

func (e *env) Close() {
	e.rdb.Close()
	e.store.Close()
}

func (e *env) service() *feeds.Service {
	return feeds.NewService(e.store, e.jobs, jobstore.NewLocker(e.rdb, e.cfg.RedisPrefix), e.cfg.UserLockTTL)
}

// maintainer has no queue inspector; queue pruning is left to the worker.
func (e *env) maintainer() *worker.Maintainer {
	return worker.NewMaintainer(e.jobs, e.store, nil, time.Duration(e.cfg.QueueRetentionDays)*24*time.Hour)
}

// withEnv opens the stores for the duration of one command.
func withEnv(fn func(c *cli.Context, e *env) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		e, err := open(c.Context)
		if err != nil {
			return err
		}
		defer e.Close()
		return fn(c, e)
	}
}

var userFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "user",
		Aliases:  []string{"u"},
		Usage:    "Username owning the feeds",
		Required: true,
	},
	&cli.IntFlag{
		Name:  "ttl-days",
		Usage: "Drop entries older than this many days for the user (0 keeps everything)",
	},
}

func resolveUser(c *cli.Context, e *env) (int64, error) {
	return e.store.UpsertUser(c.Context, c.String("user"), c.Int("ttl-days"))
}

func migrateCmd() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply database migrations",
		Action: withEnv(func(c *cli.Context, e *env) error {
			version, err := e.store.Migrate()
			if err != nil {
				return err
			}
			fmt.Printf("Database at version %d\n", version)
			return nil
		}),
	}
}

func subscribeCmd() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe a user to feed URLs",
		ArgsUsage: "URL...",
		Flags:     userFlags,
		Action: withEnv(func(c *cli.Context, e *env) error {
			if c.NArg() == 0 {
				return cli.Exit("at least one URL is required", 1)
			}
			userID, err := resolveUser(c, e)
			if err != nil {
				return err
			}
			svc := e.service()
			for _, url := range c.Args().Slice() {
				feed, err := svc.Subscribe(c.Context, userID, url, nil)
				if err != nil {
					return err
				}
				fmt.Printf("Subscribed feed %d to %s\n", feed.ID, feed.URL)
			}
			return nil
		}),
	}
}

func unsubscribeCmd() *cli.Command {
	return &cli.Command{
		Name:  "unsubscribe",
		Usage: "Remove one of a user's feeds",
		Flags: append(userFlags[:1:1], &cli.Int64Flag{
			Name:     "feed",
			Usage:    "Feed id",
			Required: true,
		}),
		Action: withEnv(func(c *cli.Context, e *env) error {
			userID, err := e.store.UserIDByName(c.Context, c.String("user"))
			if err != nil {
				return err
			}
			return e.service().Unsubscribe(c.Context, userID, c.Int64("feed"))
		}),
	}
}

func importCmd() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "Subscribe a user to every URL in a file, one per line",
		ArgsUsage: "FILE",
		Flags:     userFlags,
		Action: withEnv(func(c *cli.Context, e *env) error {
			if c.NArg() != 1 {
				return cli.Exit("exactly one file is required", 1)
			}
			urls, err := readLines(c.Args().First())
			if err != nil {
				return err
			}
			userID, err := resolveUser(c, e)
			if err != nil {
				return err
			}

			added, err := e.service().Import(c.Context, userID, urls)
			fmt.Printf("Imported %d of %d feeds\n", added, len(urls))
			if err != nil {
				log.Warnf("some feeds could not be imported: %v", err)
			}
			return nil
		}),
	}
}

func resurrectCmd() *cli.Command {
	return &cli.Command{
		Name:      "resurrect",
		Usage:     "Unmute a feed and poll it right away",
		ArgsUsage: "URL",
		Action: withEnv(func(c *cli.Context, e *env) error {
			if c.NArg() != 1 {
				return cli.Exit("exactly one URL is required", 1)
			}
			job, err := e.service().Resurrect(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			fmt.Printf("Resurrected %s (%d subscribers)\n", job.URL, job.Subscribers)
			return nil
		}),
	}
}

func statusCmd() *cli.Command {
	return &cli.Command{
		Name:      "status",
		Usage:     "Show the scheduling state of a feed",
		ArgsUsage: "URL",
		Action: withEnv(func(c *cli.Context, e *env) error {
			if c.NArg() != 1 {
				return cli.Exit("exactly one URL is required", 1)
			}
			url := c.Args().First()
			job, err := e.jobs.Get(c.Context, url)
			if err != nil {
				return err
			}
			due, err := e.jobs.Due(c.Context, url)
			if err != nil {
				return err
			}

			next := "unscheduled"
			if !due.IsZero() {
				next = due.Format(time.RFC3339)
			}
			fmt.Printf("URL:         %s\n", job.URL)
			fmt.Printf("Title:       %s\n", job.Title)
			fmt.Printf("Subscribers: %d\n", job.Subscribers)
			fmt.Printf("Next due:    %s\n", next)
			fmt.Printf("Backoff:     %d\n", job.BackoffFactor)
			fmt.Printf("Failures:    %d\n", job.FailedAttempts)
			fmt.Printf("Error:       %s\n", job.Error)
			fmt.Printf("Muted:       %t %s\n", job.Muted, job.MutedReason)
			fmt.Printf("Hub:         %s\n", job.Hub)
			return nil
		}),
	}
}

func reconcileCmd() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Align the job store with subscribed feeds",
		Action: withEnv(func(c *cli.Context, e *env) error {
			added, removed, err := e.maintainer().Reconcile(c.Context)
			if err != nil {
				return err
			}
			fmt.Printf("Scheduled %d, removed %d\n", added, removed)
			return nil
		}),
	}
}

func backupCmd() *cli.Command {
	return &cli.Command{
		Name:  "backup",
		Usage: "Snapshot the job store into the database",
		Action: withEnv(func(c *cli.Context, e *env) error {
			n, err := e.maintainer().Backup(c.Context)
			if err != nil {
				return err
			}
			fmt.Printf("Backed up %d jobs\n", n)
			return nil
		}),
	}
}

func restoreCmd() *cli.Command {
	return &cli.Command{
		Name:  "restore",
		Usage: "Recreate jobs missing from the job store from the last backup",
		Action: withEnv(func(c *cli.Context, e *env) error {
			n, err := e.maintainer().Restore(c.Context)
			if err != nil {
				return err
			}
			fmt.Printf("Restored %d jobs\n", n)
			return nil
		}),
	}
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
