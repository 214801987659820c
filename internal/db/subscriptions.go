package db

import (
	"context"
	"fmt"
	"time"

	"feedfanout/internal/models"
)

const hubColumns = "id, topic, hub, secret, lease_expiration, verified, created_at, updated_at"

// HubSubscription returns the record for topic at hub, or sql.ErrNoRows.
func (s *Store) HubSubscription(ctx context.Context, topic, hub string) (models.HubSubscription, error) {
	sub := models.HubSubscription{}
	err := s.DB.GetContext(ctx, &sub, "SELECT "+hubColumns+" FROM hub_subscriptions WHERE topic = $1 AND hub = $2", topic, hub)
	return sub, err
}

func (s *Store) HubSubscriptionByID(ctx context.Context, id int64) (models.HubSubscription, error) {
	sub := models.HubSubscription{}
	err := s.DB.GetContext(ctx, &sub, "SELECT "+hubColumns+" FROM hub_subscriptions WHERE id = $1", id)
	return sub, err
}

func (s *Store) CreateHubSubscription(ctx context.Context, topic, hub, secret string) (models.HubSubscription, error) {
	query := `
		INSERT INTO hub_subscriptions (topic, hub, secret)
		VALUES ($1, $2, $3)
		ON CONFLICT (topic, hub) DO UPDATE SET updated_at = NOW()
		RETURNING ` + hubColumns
	sub := models.HubSubscription{}
	if err := s.DB.GetContext(ctx, &sub, query, topic, hub, secret); err != nil {
		return sub, fmt.Errorf("failed to create hub subscription for %s: %w", topic, err)
	}
	return sub, nil
}

// MarkHubSubscriptionRequested flags a subscription as awaiting verification.
func (s *Store) MarkHubSubscriptionRequested(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx, "UPDATE hub_subscriptions SET verified = FALSE, updated_at = NOW() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to update hub subscription %d: %w", id, err)
	}
	return nil
}

func (s *Store) VerifyHubSubscription(ctx context.Context, id int64, leaseExpiration time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE hub_subscriptions
		SET verified = TRUE, lease_expiration = $1, updated_at = NOW()
		WHERE id = $2`, leaseExpiration, id)
	if err != nil {
		return fmt.Errorf("failed to verify hub subscription %d: %w", id, err)
	}
	return nil
}

func (s *Store) DeleteHubSubscription(ctx context.Context, id int64) error {
	if _, err := s.DB.ExecContext(ctx, "DELETE FROM hub_subscriptions WHERE id = $1", id); err != nil {
		return fmt.Errorf("failed to delete hub subscription %d: %w", id, err)
	}
	return nil
}
