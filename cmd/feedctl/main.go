package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

// CommitSHA is set at build time via ldflags
var CommitSHA = "unknown"

func main() {
	app := &cli.App{
		Name:    "feedctl",
		Usage:   "Administer feed subscriptions and the job store",
		Version: CommitSHA,
		Description: `Operator tool for the feed poller.

		Connection settings come from the same environment variables the
		worker uses, e.g. DATABASE_URL and REDIS_ADDR.`,
		Commands: []*cli.Command{
			migrateCmd(),
			subscribeCmd(),
			unsubscribeCmd(),
			importCmd(),
			resurrectCmd(),
			statusCmd(),
			reconcileCmd(),
			backupCmd(),
			restoreCmd(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
