package db

import (
	"context"
	"fmt"
)

// UpsertUser creates a user or updates its TTL, returning the user id.
func (s *Store) UpsertUser(ctx context.Context, username string, ttlDays int) (int64, error) {
	query := `
		INSERT INTO users (username, ttl_days)
		VALUES ($1, $2)
		ON CONFLICT (username) DO UPDATE SET ttl_days = EXCLUDED.ttl_days
		RETURNING id
	`
	var id int64
	if err := s.DB.GetContext(ctx, &id, query, username, ttlDays); err != nil {
		return 0, fmt.Errorf("failed to upsert user %s: %w", username, err)
	}
	return id, nil
}

func (s *Store) UserIDByName(ctx context.Context, username string) (int64, error) {
	var id int64
	if err := s.DB.GetContext(ctx, &id, "SELECT id FROM users WHERE username = $1", username); err != nil {
		return 0, fmt.Errorf("failed to get user %s: %w", username, err)
	}
	return id, nil
}
