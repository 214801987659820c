package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	Fetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedfanout_fetches_total",
		Help: "Feed fetches by outcome",
	}, []string{"outcome"})

	FetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "feedfanout_fetch_duration_seconds",
		Help:    "Time spent fetching a feed",
		Buckets: prometheus.DefBuckets,
	})

	EntriesIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedfanout_entries_ingested_total",
		Help: "Entry rows created across all subscribers",
	})

	DuplicatesRemoved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedfanout_duplicate_entries_removed_total",
		Help: "Entry rows removed by the duplicate tie-break",
	})

	JobsMuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedfanout_jobs_muted_total",
		Help: "Jobs muted by reason",
	}, []string{"reason"})

	JobsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedfanout_jobs_dispatched_total",
		Help: "Update tasks enqueued from leased jobs",
	})

	HubSubscriptions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedfanout_hub_subscriptions_total",
		Help: "Hub subscribe requests by result",
	}, []string{"result"})

	PushDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedfanout_push_deliveries_total",
		Help: "Push deliveries received by result",
	}, []string{"result"})
)
