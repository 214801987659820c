package handlers

import (
	"database/sql"
	"errors"
	"net/http"
	"strconv"
	"time"

	"feedfanout/internal/metrics"
	"feedfanout/internal/models"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// VerifySubscription answers a hub's intent verification by echoing the
// challenge for subscriptions we actually requested.
func (h *Handlers) VerifySubscription(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.loadSubscription(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	mode := query.Get("hub.mode")
	logger := log.WithFields(log.Fields{"subscription_id": sub.ID, "topic": sub.Topic, "mode": mode})

	switch mode {
	case "denied":
		logger.WithField("reason", query.Get("hub.reason")).Warn("hub denied subscription")
		metrics.HubSubscriptions.WithLabelValues("denied").Inc()
		w.WriteHeader(http.StatusOK)
		return
	case "subscribe", "unsubscribe":
	default:
		http.Error(w, "Unknown hub.mode", http.StatusBadRequest)
		return
	}

	if query.Get("hub.topic") != sub.Topic {
		logger.WithField("got_topic", query.Get("hub.topic")).Warn("verification for unexpected topic")
		http.Error(w, "Not found", http.StatusNotFound)
		return
	}

	if mode == "subscribe" {
		lease := h.defaultLease
		if secs, err := strconv.Atoi(query.Get("hub.lease_seconds")); err == nil && secs > 0 {
			lease = time.Duration(secs) * time.Second
		}
		if err := h.store.VerifyHubSubscription(r.Context(), sub.ID, h.now().Add(lease)); err != nil {
			logger.Errorf("failed to verify subscription: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		metrics.HubSubscriptions.WithLabelValues("verified").Inc()
		logger.WithField("lease", lease.String()).Info("hub subscription verified")
	} else {
		if err := h.store.DeleteHubSubscription(r.Context(), sub.ID); err != nil {
			logger.Errorf("failed to delete subscription: %v", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
		logger.Info("hub subscription removed")
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(query.Get("hub.challenge")))
}

func (h *Handlers) loadSubscription(w http.ResponseWriter, r *http.Request) (models.HubSubscription, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		http.Error(w, "Invalid subscription ID", http.StatusNotFound)
		return models.HubSubscription{}, false
	}

	sub, err := h.store.HubSubscriptionByID(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "Not found", http.StatusNotFound)
		return sub, false
	}
	if err != nil {
		log.WithField("subscription_id", id).Errorf("failed to load subscription: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return sub, false
	}
	return sub, true
}
