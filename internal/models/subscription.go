package models

import "time"

// HubSubscription tracks a push subscription for a topic at a hub.
type HubSubscription struct {
	ID              int64      `db:"id"`
	Topic           string     `db:"topic"`
	Hub             string     `db:"hub"`
	Secret          string     `db:"secret"`
	LeaseExpiration *time.Time `db:"lease_expiration"`
	Verified        bool       `db:"verified"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}
