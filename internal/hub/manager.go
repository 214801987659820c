// Package hub keeps push subscriptions alive for feeds that advertise a
// WebSub hub.
package hub

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"feedfanout/internal/metrics"
	"feedfanout/internal/models"

	log "github.com/sirupsen/logrus"
)

// Subscriptions are renewed once their lease has less than this left.
const renewWindow = 24 * time.Hour

var ErrNoSubscriber = errors.New("no subscriber registered for hub kind")

// Store persists subscription records. It is implemented by *db.Store.
type Store interface {
	HubSubscription(ctx context.Context, topic, hub string) (models.HubSubscription, error)
	CreateHubSubscription(ctx context.Context, topic, hub, secret string) (models.HubSubscription, error)
	MarkHubSubscriptionRequested(ctx context.Context, id int64) error
}

type Manager struct {
	store        Store
	subscribers  map[Kind]Subscriber
	callbackBase string
	lease        time.Duration
	now          func() time.Time
}

func NewManager(store Store, callbackBase string, lease time.Duration) *Manager {
	return &Manager{
		store:        store,
		subscribers:  make(map[Kind]Subscriber),
		callbackBase: strings.TrimRight(callbackBase, "/"),
		lease:        lease,
		now:          time.Now,
	}
}

// Register sets the subscriber used for hubs of the given kind.
func (m *Manager) Register(kind Kind, s Subscriber) {
	m.subscribers[kind] = s
}

// EnsureSubscribed makes sure a live subscription exists for topic at hub.
// It reports whether a subscribe request was sent.
func (m *Manager) EnsureSubscribed(ctx context.Context, topic, hubURL string) (bool, error) {
	kind := KindOf(hubURL)
	if kind == KindNone {
		return false, nil
	}

	sub, err := m.store.HubSubscription(ctx, topic, hubURL)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		secret, err := newSecret()
		if err != nil {
			return false, err
		}
		if sub, err = m.store.CreateHubSubscription(ctx, topic, hubURL, secret); err != nil {
			return false, err
		}
	case err != nil:
		return false, fmt.Errorf("failed to load hub subscription for %s: %w", topic, err)
	case !m.needsRenewal(sub):
		return false, nil
	}

	subscriber, ok := m.subscribers[kind]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrNoSubscriber, kind)
	}

	req := Request{
		Hub:      hubURL,
		Topic:    topic,
		Callback: m.callbackBase + "/push/" + strconv.FormatInt(sub.ID, 10),
		Secret:   sub.Secret,
		Lease:    m.lease,
	}
	if err := subscriber.Subscribe(ctx, req); err != nil {
		metrics.HubSubscriptions.WithLabelValues("failed").Inc()
		return false, err
	}
	metrics.HubSubscriptions.WithLabelValues("requested").Inc()

	if err := m.store.MarkHubSubscriptionRequested(ctx, sub.ID); err != nil {
		return true, err
	}
	log.WithFields(log.Fields{"topic": topic, "hub": hubURL, "kind": kind.String()}).Info("requested hub subscription")
	return true, nil
}

func (m *Manager) needsRenewal(sub models.HubSubscription) bool {
	if !sub.Verified || sub.LeaseExpiration == nil {
		return true
	}
	return sub.LeaseExpiration.Before(m.now().Add(renewWindow))
}

func newSecret() (string, error) {
	b := make([]byte, 20)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate hub secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
