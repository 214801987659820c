package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

// Config holds the settings shared by every binary. Values come from flags,
// then the environment (optionally seeded from a .env file), then defaults.
type Config struct {
	DatabaseURL string `long:"database-url" env:"DATABASE_URL" description:"Postgres connection string" required:"true"`

	RedisAddr     string `long:"redis-addr" env:"REDIS_ADDR" default:"127.0.0.1:6379" description:"Redis address"`
	RedisPassword string `long:"redis-password" env:"REDIS_PASSWORD" description:"Redis password"`
	RedisDB       int    `long:"redis-db" env:"REDIS_DB" default:"0" description:"Redis database number"`
	RedisPrefix   string `long:"redis-prefix" env:"REDIS_PREFIX" default:"feedfanout:" description:"Key prefix for job store keys"`

	Concurrency      int           `long:"concurrency" env:"CONCURRENCY" default:"10" description:"Number of concurrent update workers"`
	FetchTimeout     time.Duration `long:"fetch-timeout" env:"FETCH_TIMEOUT" default:"10s" description:"Timeout for a single feed fetch"`
	TimeoutBase      time.Duration `long:"timeout-base" env:"TIMEOUT_BASE" default:"60m" description:"Base poll interval, multiplied by the backoff factor"`
	RescheduleWindow time.Duration `long:"reschedule-window" env:"RESCHEDULE_WINDOW" default:"15m" description:"Lease length for pending jobs"`
	PendingLimit     int           `long:"pending-limit" env:"PENDING_LIMIT" default:"200" description:"Max jobs leased per dispatch"`
	DispatchSpec     string        `long:"dispatch-spec" env:"DISPATCH_SPEC" default:"@every 1m" description:"Cron spec for the dispatch task"`

	LookbackWindow     time.Duration `long:"lookback-window" env:"LOOKBACK_WINDOW" default:"24h" description:"How far before the earliest incoming entry to look for existing entries"`
	TitleFallbackLimit int           `long:"title-fallback-limit" env:"TITLE_FALLBACK_LIMIT" default:"50" description:"Largest batch eligible for title-based matching"`

	HostRate  float64 `long:"host-rate" env:"HOST_RATE" default:"1" description:"Requests per second allowed per origin host"`
	HostBurst int     `long:"host-burst" env:"HOST_BURST" default:"2" description:"Burst allowed per origin host"`
	UserAgent string  `long:"user-agent" env:"USER_AGENT" default:"feedfanout/1.0" description:"Base User-Agent for fetches"`

	CallbackBaseURL    string        `long:"callback-base-url" env:"CALLBACK_BASE_URL" description:"Public base URL of the push callback server"`
	HubLease           time.Duration `long:"hub-lease" env:"HUB_LEASE" default:"240h" description:"Requested hub lease duration"`
	SuperfeedrUser     string        `long:"superfeedr-user" env:"SUPERFEEDR_USER" description:"Superfeedr login"`
	SuperfeedrToken    string        `long:"superfeedr-token" env:"SUPERFEEDR_TOKEN" description:"Superfeedr API token"`
	PushRate           float64       `long:"push-rate" env:"PUSH_RATE" default:"1" description:"Push deliveries per second allowed per subscription"`
	PushBurst          int           `long:"push-burst" env:"PUSH_BURST" default:"5" description:"Push delivery burst per subscription"`
	QueueRetentionDays int           `long:"queue-retention-days" env:"QUEUE_RETENTION_DAYS" default:"7" description:"Age after which finished queue tasks are deleted"`
	UserLockTTL        time.Duration `long:"user-lock-ttl" env:"USER_LOCK_TTL" default:"60s" description:"Lifetime of the per-user bulk mutation lock"`

	Port        string `long:"port" env:"PORT" default:"8080" description:"Push callback server port"`
	MetricsAddr string `long:"metrics-addr" env:"METRICS_ADDR" default:":9090" description:"Worker metrics listen address"`

	LogLevel  string `long:"log-level" env:"LOG_LEVEL" default:"info" description:"Log level"`
	LogFormat string `long:"log-format" env:"LOG_FORMAT" default:"text" choice:"text" choice:"json" description:"Log format"`
}

// ErrHelp is returned when the user asked for usage output.
var ErrHelp = errors.New("help requested")

// Load reads .env (if present) and parses args into a Config.
func Load(args []string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug("no .env file loaded")
	}

	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, ErrHelp
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	return &cfg, nil
}

// SetupLogging configures the global logrus logger.
func SetupLogging(level, format string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.Warnf("invalid log level %q, using info", level)
		lvl = log.InfoLevel
	}
	log.SetLevel(lvl)

	if format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
		return
	}
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
}
