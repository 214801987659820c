package models

import "time"

type Entry struct {
	ID        int64     `db:"id"`
	FeedID    int64     `db:"feed_id"`
	UserID    int64     `db:"user_id"`
	GUID      string    `db:"guid"`
	Title     string    `db:"title"`
	Link      string    `db:"link"`
	Permalink string    `db:"permalink"`
	Content   string    `db:"content"`
	Author    string    `db:"author"`
	Date      time.Time `db:"date"`
	Read      bool      `db:"read"`
	CreatedAt time.Time `db:"created_at"`
}
