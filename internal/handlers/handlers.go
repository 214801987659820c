package handlers

import (
	"net/http"
	"time"

	"feedfanout/internal/db"
	"feedfanout/internal/middleware"
	"feedfanout/pkg/tasks"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxPushBody caps the size of content a hub may deliver.
const maxPushBody = 5 << 20

// Handlers serves the push callback that hubs verify and deliver to.
type Handlers struct {
	store        *db.Store
	asynqClient  tasks.TaskEnqueuer
	defaultLease time.Duration
	now          func() time.Time
}

func New(store *db.Store, asynqClient tasks.TaskEnqueuer, defaultLease time.Duration) *Handlers {
	return &Handlers{
		store:        store,
		asynqClient:  asynqClient,
		defaultLease: defaultLease,
		now:          time.Now,
	}
}

// Router builds the callback routes. limiter may be nil.
func (h *Handlers) Router(limiter *middleware.RateLimiterMiddleware) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.Health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	push := router.PathPrefix("/push").Subrouter()
	if limiter != nil {
		push.Use(limiter.Middleware)
	}
	push.HandleFunc("/{id:[0-9]+}", h.VerifySubscription).Methods(http.MethodGet)
	push.HandleFunc("/{id:[0-9]+}", h.ReceiveContent).Methods(http.MethodPost)
	return router
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status": "ok"}`))
}
