package handlers

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"net/http"
	"strings"

	"feedfanout/internal/metrics"
	"feedfanout/pkg/tasks"

	log "github.com/sirupsen/logrus"
)

// ReceiveContent accepts a content delivery from a hub and queues it for
// ingestion. Deliveries with a bad signature are acknowledged and dropped
// so the hub does not retry them.
func (h *Handlers) ReceiveContent(w http.ResponseWriter, r *http.Request) {
	sub, ok := h.loadSubscription(w, r)
	if !ok {
		return
	}
	logger := log.WithFields(log.Fields{"subscription_id": sub.ID, "topic": sub.Topic})

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPushBody+1))
	if err != nil {
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if len(body) > maxPushBody {
		metrics.PushDeliveries.WithLabelValues("too_large").Inc()
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	}

	if sub.Secret != "" && !validSignature(sub.Secret, r.Header.Get("X-Hub-Signature"), body) {
		logger.Warn("dropping push with invalid signature")
		metrics.PushDeliveries.WithLabelValues("bad_signature").Inc()
		w.WriteHeader(http.StatusAccepted)
		return
	}

	task, err := tasks.NewPushContentTask(sub.Topic, body)
	if err != nil {
		logger.Errorf("failed to create push task: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if _, err := h.asynqClient.Enqueue(task); err != nil {
		logger.Errorf("failed to enqueue push task: %v", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	metrics.PushDeliveries.WithLabelValues("accepted").Inc()
	w.WriteHeader(http.StatusAccepted)
}

// validSignature checks an X-Hub-Signature header of the form
// "sha1=<hex>" or "sha256=<hex>".
func validSignature(secret, header string, body []byte) bool {
	algo, sig, ok := strings.Cut(header, "=")
	if !ok {
		return false
	}

	var newHash func() hash.Hash
	switch strings.ToLower(algo) {
	case "sha1":
		newHash = sha1.New
	case "sha256":
		newHash = sha256.New
	default:
		return false
	}

	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(newHash, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
