package models

import "time"

// Feed is one user's subscription to a URL.
type Feed struct {
	ID              int64     `db:"id"`
	UserID          int64     `db:"user_id"`
	CategoryID      *int64    `db:"category_id"`
	Name            string    `db:"name"`
	URL             string    `db:"url"`
	Muted           bool      `db:"muted"`
	MediaSafe       bool      `db:"media_safe"`
	DeleteAfterDays *int      `db:"delete_after_days"`
	UnreadCount     int       `db:"unread_count"`
	CreatedAt       time.Time `db:"created_at"`

	// Joined from categories and users.
	CategoryDeleteAfterDays *int `db:"category_delete_after_days"`
	UserTTLDays             int  `db:"user_ttl_days"`
}

// RetentionDays resolves the feed's retention: the feed override, then the
// category default. Zero means entries are kept forever.
func (f Feed) RetentionDays() int {
	if f.DeleteAfterDays != nil {
		return *f.DeleteAfterDays
	}
	if f.CategoryDeleteAfterDays != nil {
		return *f.CategoryDeleteAfterDays
	}
	return 0
}
